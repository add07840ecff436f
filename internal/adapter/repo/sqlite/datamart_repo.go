package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/fairyhunter13/datamart-replicator/internal/datamart"
)

// DataMartRepo is the SQLite implementation of the data-mart store.
type DataMartRepo struct{ DB *sql.DB }

// NewDataMartRepo constructs a DataMartRepo over the given database.
func NewDataMartRepo(db *sql.DB) *DataMartRepo { return &DataMartRepo{DB: db} }

var martSchemaSQLite = []string{
	`CREATE TABLE IF NOT EXISTS sz_dm_entity (
		entity_id      INTEGER PRIMARY KEY,
		record_count   INTEGER NOT NULL DEFAULT 0,
		relation_count INTEGER NOT NULL DEFAULT 0,
		modified_on    TIMESTAMP NOT NULL DEFAULT (datetime('now'))
	)`,
	`CREATE TABLE IF NOT EXISTS sz_dm_record (
		data_source TEXT NOT NULL,
		record_id   TEXT NOT NULL,
		entity_id   INTEGER NOT NULL,
		match_key   TEXT NOT NULL DEFAULT '',
		principle   TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (data_source, record_id)
	)`,
	`CREATE INDEX IF NOT EXISTS ix_dm_record_entity ON sz_dm_record (entity_id)`,
	`CREATE TABLE IF NOT EXISTS sz_dm_relation (
		entity_id     INTEGER NOT NULL,
		related_id    INTEGER NOT NULL,
		relation_kind TEXT NOT NULL,
		match_key     TEXT NOT NULL DEFAULT '',
		principle     TEXT NOT NULL DEFAULT '',
		other_sources TEXT NOT NULL DEFAULT '[]',
		PRIMARY KEY (entity_id, related_id, relation_kind)
	)`,
	`CREATE TABLE IF NOT EXISTS sz_dm_report (
		report         TEXT NOT NULL,
		statistic      TEXT NOT NULL,
		data_source1   TEXT NOT NULL DEFAULT '',
		data_source2   TEXT NOT NULL DEFAULT '',
		match_key      TEXT NOT NULL DEFAULT '',
		principle      TEXT NOT NULL DEFAULT '',
		entity_count   INTEGER NOT NULL DEFAULT 0,
		record_count   INTEGER NOT NULL DEFAULT 0,
		relation_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (report, statistic, data_source1, data_source2, match_key, principle)
	)`,
}

var martTables = []string{"sz_dm_report", "sz_dm_relation", "sz_dm_record", "sz_dm_entity"}

// EnsureSchema creates the mart tables if missing; recreate drops them first.
func (r *DataMartRepo) EnsureSchema(ctx context.Context, recreate bool) error {
	if recreate {
		for _, table := range martTables {
			if _, err := r.DB.ExecContext(ctx, `DROP TABLE IF EXISTS `+table); err != nil {
				return fmt.Errorf("op=mart.schema.drop: %w", err)
			}
		}
	}
	for _, stmt := range martSchemaSQLite {
		if _, err := r.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("op=mart.schema.create: %w", err)
		}
	}
	return nil
}

// Ping verifies database connectivity.
func (r *DataMartRepo) Ping(ctx context.Context) error {
	if err := r.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("op=mart.ping: %w", err)
	}
	return nil
}

// GetEntityState loads the mart's stored view of an entity.
func (r *DataMartRepo) GetEntityState(ctx context.Context, entityID int64) (datamart.EntityState, bool, error) {
	state := datamart.EntityState{EntityID: entityID}

	var one int
	err := r.DB.QueryRowContext(ctx,
		`SELECT 1 FROM sz_dm_entity WHERE entity_id = ?`, entityID).Scan(&one)
	if err == sql.ErrNoRows {
		return state, false, nil
	}
	if err != nil {
		return datamart.EntityState{}, false, fmt.Errorf("op=mart.get_entity: %w", err)
	}

	rows, err := r.DB.QueryContext(ctx,
		`SELECT data_source, record_id, match_key, principle
		   FROM sz_dm_record WHERE entity_id = ? ORDER BY data_source, record_id`, entityID)
	if err != nil {
		return datamart.EntityState{}, false, fmt.Errorf("op=mart.get_entity.records: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rec datamart.RecordRef
		if err := rows.Scan(&rec.DataSource, &rec.RecordID, &rec.MatchKey, &rec.Principle); err != nil {
			return datamart.EntityState{}, false, fmt.Errorf("op=mart.get_entity.records_scan: %w", err)
		}
		state.Records = append(state.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return datamart.EntityState{}, false, fmt.Errorf("op=mart.get_entity.records_rows: %w", err)
	}

	relRows, err := r.DB.QueryContext(ctx,
		`SELECT related_id, relation_kind, match_key, principle, other_sources
		   FROM sz_dm_relation WHERE entity_id = ? ORDER BY related_id, relation_kind`, entityID)
	if err != nil {
		return datamart.EntityState{}, false, fmt.Errorf("op=mart.get_entity.relations: %w", err)
	}
	defer relRows.Close()
	for relRows.Next() {
		var (
			rel        datamart.Relation
			kind       string
			sourcesRaw string
		)
		if err := relRows.Scan(&rel.OtherEntityID, &kind, &rel.MatchKey, &rel.Principle, &sourcesRaw); err != nil {
			return datamart.EntityState{}, false, fmt.Errorf("op=mart.get_entity.relations_scan: %w", err)
		}
		rel.Kind = datamart.RelationKind(kind)
		if err := json.Unmarshal([]byte(sourcesRaw), &rel.OtherSources); err != nil {
			return datamart.EntityState{}, false, fmt.Errorf("op=mart.get_entity.relations_sources: %w", err)
		}
		state.Relations = append(state.Relations, rel)
	}
	if err := relRows.Err(); err != nil {
		return datamart.EntityState{}, false, fmt.Errorf("op=mart.get_entity.relations_rows: %w", err)
	}
	return state, true, nil
}

// ReplaceEntity swaps the stored state and applies the report deltas in one
// transaction.
func (r *DataMartRepo) ReplaceEntity(ctx context.Context, state datamart.EntityState, deltas []datamart.ReportDelta) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("op=mart.replace.begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sz_dm_entity (entity_id, record_count, relation_count, modified_on)
		 VALUES (?, ?, ?, datetime('now'))
		 ON CONFLICT (entity_id) DO UPDATE
		    SET record_count = excluded.record_count,
		        relation_count = excluded.relation_count,
		        modified_on = datetime('now')`,
		state.EntityID, len(state.Records), len(state.Relations)); err != nil {
		return fmt.Errorf("op=mart.replace.entity: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sz_dm_record WHERE entity_id = ?`, state.EntityID); err != nil {
		return fmt.Errorf("op=mart.replace.clear_records: %w", err)
	}
	for _, rec := range state.Records {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sz_dm_record (data_source, record_id, entity_id, match_key, principle)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (data_source, record_id) DO UPDATE
			    SET entity_id = excluded.entity_id,
			        match_key = excluded.match_key,
			        principle = excluded.principle`,
			rec.DataSource, rec.RecordID, state.EntityID, rec.MatchKey, rec.Principle); err != nil {
			return fmt.Errorf("op=mart.replace.record: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sz_dm_relation WHERE entity_id = ?`, state.EntityID); err != nil {
		return fmt.Errorf("op=mart.replace.clear_relations: %w", err)
	}
	for _, rel := range state.Relations {
		sources, err := json.Marshal(rel.OtherSources)
		if err != nil {
			return fmt.Errorf("op=mart.replace.relation_sources: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sz_dm_relation (entity_id, related_id, relation_kind, match_key, principle, other_sources)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (entity_id, related_id, relation_kind) DO UPDATE
			    SET match_key = excluded.match_key,
			        principle = excluded.principle,
			        other_sources = excluded.other_sources`,
			state.EntityID, rel.OtherEntityID, string(rel.Kind), rel.MatchKey, rel.Principle, string(sources)); err != nil {
			return fmt.Errorf("op=mart.replace.relation: %w", err)
		}
	}

	if err := applyDeltasSQLite(ctx, tx, deltas); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("op=mart.replace.commit: %w", err)
	}
	committed = true
	return nil
}

// DeleteEntity removes the stored state and applies the report deltas in one
// transaction.
func (r *DataMartRepo) DeleteEntity(ctx context.Context, entityID int64, deltas []datamart.ReportDelta) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("op=mart.delete.begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	for _, stmt := range []string{
		`DELETE FROM sz_dm_record WHERE entity_id = ?`,
		`DELETE FROM sz_dm_relation WHERE entity_id = ?`,
		`DELETE FROM sz_dm_entity WHERE entity_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, entityID); err != nil {
			return fmt.Errorf("op=mart.delete: %w", err)
		}
	}
	if err := applyDeltasSQLite(ctx, tx, deltas); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("op=mart.delete.commit: %w", err)
	}
	committed = true
	return nil
}

func applyDeltasSQLite(ctx context.Context, tx *sql.Tx, deltas []datamart.ReportDelta) error {
	for _, d := range deltas {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sz_dm_report
			    (report, statistic, data_source1, data_source2, match_key, principle,
			     entity_count, record_count, relation_count)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (report, statistic, data_source1, data_source2, match_key, principle)
			 DO UPDATE SET
			    entity_count = sz_dm_report.entity_count + excluded.entity_count,
			    record_count = sz_dm_report.record_count + excluded.record_count,
			    relation_count = sz_dm_report.relation_count + excluded.relation_count`,
			d.Report, d.Statistic, d.DataSource1, d.DataSource2, d.MatchKey, d.Principle,
			d.EntityDelta, d.RecordDelta, d.RelationDelta); err != nil {
			return fmt.Errorf("op=mart.apply_delta: %w", err)
		}
	}
	if len(deltas) > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM sz_dm_report
			  WHERE entity_count = 0 AND record_count = 0 AND relation_count = 0`); err != nil {
			return fmt.Errorf("op=mart.apply_delta.prune: %w", err)
		}
	}
	return nil
}

// RecalcSourceSummary recomputes one data source's summary rows from the base
// tables, overwriting any drift the delta updates accumulated.
func (r *DataMartRepo) RecalcSourceSummary(ctx context.Context, dataSource string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("op=mart.recalc.begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sz_dm_report (report, statistic, data_source1, record_count)
		 SELECT ?, ?, ?, COUNT(*) FROM sz_dm_record WHERE data_source = ?
		 ON CONFLICT (report, statistic, data_source1, data_source2, match_key, principle)
		 DO UPDATE SET record_count = excluded.record_count`,
		datamart.ReportDataSourceSummary, datamart.StatRecordCount, dataSource, dataSource); err != nil {
		return fmt.Errorf("op=mart.recalc.records: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sz_dm_report (report, statistic, data_source1, entity_count)
		 SELECT ?, ?, ?, COUNT(DISTINCT entity_id) FROM sz_dm_record WHERE data_source = ?
		 ON CONFLICT (report, statistic, data_source1, data_source2, match_key, principle)
		 DO UPDATE SET entity_count = excluded.entity_count`,
		datamart.ReportDataSourceSummary, datamart.StatEntityCount, dataSource, dataSource); err != nil {
		return fmt.Errorf("op=mart.recalc.entities: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("op=mart.recalc.commit: %w", err)
	}
	committed = true
	return nil
}

// ReportRows returns one page of aggregate rows plus the total row count for
// the selection.
func (r *DataMartRepo) ReportRows(ctx context.Context, report, statistic string, offset, limit int) ([]datamart.ReportRow, int64, error) {
	var total int64
	if err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sz_dm_report WHERE report = ? AND (? = '' OR statistic = ?)`,
		report, statistic, statistic).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("op=mart.report.count: %w", err)
	}

	rows, err := r.DB.QueryContext(ctx,
		`SELECT report, statistic, data_source1, data_source2, match_key, principle,
		        entity_count, record_count, relation_count
		   FROM sz_dm_report
		  WHERE report = ? AND (? = '' OR statistic = ?)
		  ORDER BY statistic, data_source1, data_source2, match_key, principle
		  LIMIT ? OFFSET ?`,
		report, statistic, statistic, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("op=mart.report.query: %w", err)
	}
	defer rows.Close()

	var out []datamart.ReportRow
	for rows.Next() {
		var row datamart.ReportRow
		if err := rows.Scan(&row.Report, &row.Statistic, &row.DataSource1, &row.DataSource2,
			&row.MatchKey, &row.Principle, &row.EntityCount, &row.RecordCount, &row.RelationCount); err != nil {
			return nil, 0, fmt.Errorf("op=mart.report.scan: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("op=mart.report.rows: %w", err)
	}
	return out, total, nil
}
