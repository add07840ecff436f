package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/datamart-replicator/internal/datamart"
)

// DataMartRepo is the PostgreSQL implementation of the data-mart store: base
// tables for entities, records, and relations, plus the aggregate report
// table maintained by delta updates.
type DataMartRepo struct{ Pool PgxPool }

// NewDataMartRepo constructs a DataMartRepo with the given pool.
func NewDataMartRepo(p PgxPool) *DataMartRepo { return &DataMartRepo{Pool: p} }

var martSchemaPG = []string{
	`CREATE TABLE IF NOT EXISTS sz_dm_entity (
		entity_id      BIGINT PRIMARY KEY,
		record_count   INTEGER NOT NULL DEFAULT 0,
		relation_count INTEGER NOT NULL DEFAULT 0,
		modified_on    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS sz_dm_record (
		data_source TEXT NOT NULL,
		record_id   TEXT NOT NULL,
		entity_id   BIGINT NOT NULL,
		match_key   TEXT NOT NULL DEFAULT '',
		principle   TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (data_source, record_id)
	)`,
	`CREATE INDEX IF NOT EXISTS ix_dm_record_entity ON sz_dm_record (entity_id)`,
	`CREATE TABLE IF NOT EXISTS sz_dm_relation (
		entity_id     BIGINT NOT NULL,
		related_id    BIGINT NOT NULL,
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
		entity_count   BIGINT NOT NULL DEFAULT 0,
		record_count   BIGINT NOT NULL DEFAULT 0,
		relation_count BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (report, statistic, data_source1, data_source2, match_key, principle)
	)`,
}

var martTables = []string{"sz_dm_report", "sz_dm_relation", "sz_dm_record", "sz_dm_entity"}

// EnsureSchema creates the mart tables if missing; recreate drops them first.
func (r *DataMartRepo) EnsureSchema(ctx context.Context, recreate bool) error {
	if recreate {
		for _, table := range martTables {
			if _, err := r.Pool.Exec(ctx, `DROP TABLE IF EXISTS `+table); err != nil {
				return fmt.Errorf("op=mart.schema.drop: %w", err)
			}
		}
	}
	for _, stmt := range martSchemaPG {
		if _, err := r.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("op=mart.schema.create: %w", err)
		}
	}
	return nil
}

// Ping verifies database connectivity.
func (r *DataMartRepo) Ping(ctx context.Context) error {
	var one int
	if err := r.Pool.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("op=mart.ping: %w", err)
	}
	return nil
}

// GetEntityState loads the mart's stored view of an entity.
func (r *DataMartRepo) GetEntityState(ctx context.Context, entityID int64) (datamart.EntityState, bool, error) {
	state := datamart.EntityState{EntityID: entityID}

	var exists bool
	if err := r.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM sz_dm_entity WHERE entity_id = $1)`, entityID).Scan(&exists); err != nil {
		return datamart.EntityState{}, false, fmt.Errorf("op=mart.get_entity: %w", err)
	}
	if !exists {
		return state, false, nil
	}

	rows, err := r.Pool.Query(ctx,
		`SELECT data_source, record_id, match_key, principle
		   FROM sz_dm_record WHERE entity_id = $1 ORDER BY data_source, record_id`, entityID)
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

	relRows, err := r.Pool.Query(ctx,
		`SELECT related_id, relation_kind, match_key, principle, other_sources
		   FROM sz_dm_relation WHERE entity_id = $1 ORDER BY related_id, relation_kind`, entityID)
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
	tracer := otel.Tracer("repo.datamart")
	ctx, span := tracer.Start(ctx, "datamart.ReplaceEntity")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.Int64("entity.id", state.EntityID),
	)

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=mart.replace.begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err := tx.Exec(ctx,
		`INSERT INTO sz_dm_entity (entity_id, record_count, relation_count, modified_on)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (entity_id) DO UPDATE
		    SET record_count = EXCLUDED.record_count,
		        relation_count = EXCLUDED.relation_count,
		        modified_on = now()`,
		state.EntityID, len(state.Records), len(state.Relations)); err != nil {
		return fmt.Errorf("op=mart.replace.entity: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM sz_dm_record WHERE entity_id = $1`, state.EntityID); err != nil {
		return fmt.Errorf("op=mart.replace.clear_records: %w", err)
	}
	for _, rec := range state.Records {
		if _, err := tx.Exec(ctx,
			`INSERT INTO sz_dm_record (data_source, record_id, entity_id, match_key, principle)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (data_source, record_id) DO UPDATE
			    SET entity_id = EXCLUDED.entity_id,
			        match_key = EXCLUDED.match_key,
			        principle = EXCLUDED.principle`,
			rec.DataSource, rec.RecordID, state.EntityID, rec.MatchKey, rec.Principle); err != nil {
			return fmt.Errorf("op=mart.replace.record: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM sz_dm_relation WHERE entity_id = $1`, state.EntityID); err != nil {
		return fmt.Errorf("op=mart.replace.clear_relations: %w", err)
	}
	for _, rel := range state.Relations {
		sources, err := json.Marshal(rel.OtherSources)
		if err != nil {
			return fmt.Errorf("op=mart.replace.relation_sources: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO sz_dm_relation (entity_id, related_id, relation_kind, match_key, principle, other_sources)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (entity_id, related_id, relation_kind) DO UPDATE
			    SET match_key = EXCLUDED.match_key,
			        principle = EXCLUDED.principle,
			        other_sources = EXCLUDED.other_sources`,
			state.EntityID, rel.OtherEntityID, string(rel.Kind), rel.MatchKey, rel.Principle, string(sources)); err != nil {
			return fmt.Errorf("op=mart.replace.relation: %w", err)
		}
	}

	if err := applyDeltasPG(ctx, tx, deltas); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=mart.replace.commit: %w", err)
	}
	committed = true
	return nil
}

// DeleteEntity removes the stored state and applies the report deltas in one
// transaction.
func (r *DataMartRepo) DeleteEntity(ctx context.Context, entityID int64, deltas []datamart.ReportDelta) error {
	tracer := otel.Tracer("repo.datamart")
	ctx, span := tracer.Start(ctx, "datamart.DeleteEntity")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=mart.delete.begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	for _, stmt := range []string{
		`DELETE FROM sz_dm_record WHERE entity_id = $1`,
		`DELETE FROM sz_dm_relation WHERE entity_id = $1`,
		`DELETE FROM sz_dm_entity WHERE entity_id = $1`,
	} {
		if _, err := tx.Exec(ctx, stmt, entityID); err != nil {
			return fmt.Errorf("op=mart.delete: %w", err)
		}
	}
	if err := applyDeltasPG(ctx, tx, deltas); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=mart.delete.commit: %w", err)
	}
	committed = true
	return nil
}

func applyDeltasPG(ctx context.Context, tx pgx.Tx, deltas []datamart.ReportDelta) error {
	for _, d := range deltas {
		if _, err := tx.Exec(ctx,
			`INSERT INTO sz_dm_report
			    (report, statistic, data_source1, data_source2, match_key, principle,
			     entity_count, record_count, relation_count)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (report, statistic, data_source1, data_source2, match_key, principle)
			 DO UPDATE SET
			    entity_count = sz_dm_report.entity_count + EXCLUDED.entity_count,
			    record_count = sz_dm_report.record_count + EXCLUDED.record_count,
			    relation_count = sz_dm_report.relation_count + EXCLUDED.relation_count`,
			d.Report, d.Statistic, d.DataSource1, d.DataSource2, d.MatchKey, d.Principle,
			d.EntityDelta, d.RecordDelta, d.RelationDelta); err != nil {
			return fmt.Errorf("op=mart.apply_delta: %w", err)
		}
	}
	if len(deltas) > 0 {
		if _, err := tx.Exec(ctx,
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
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=mart.recalc.begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err := tx.Exec(ctx,
		`INSERT INTO sz_dm_report (report, statistic, data_source1, record_count)
		 SELECT $1, $2, $3, COUNT(*) FROM sz_dm_record WHERE data_source = $3
		 ON CONFLICT (report, statistic, data_source1, data_source2, match_key, principle)
		 DO UPDATE SET record_count = EXCLUDED.record_count`,
		datamart.ReportDataSourceSummary, datamart.StatRecordCount, dataSource); err != nil {
		return fmt.Errorf("op=mart.recalc.records: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO sz_dm_report (report, statistic, data_source1, entity_count)
		 SELECT $1, $2, $3, COUNT(DISTINCT entity_id) FROM sz_dm_record WHERE data_source = $3
		 ON CONFLICT (report, statistic, data_source1, data_source2, match_key, principle)
		 DO UPDATE SET entity_count = EXCLUDED.entity_count`,
		datamart.ReportDataSourceSummary, datamart.StatEntityCount, dataSource); err != nil {
		return fmt.Errorf("op=mart.recalc.entities: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=mart.recalc.commit: %w", err)
	}
	committed = true
	return nil
}

// ReportRows returns one page of aggregate rows plus the total row count for
// the selection.
func (r *DataMartRepo) ReportRows(ctx context.Context, report, statistic string, offset, limit int) ([]datamart.ReportRow, int64, error) {
	var total int64
	if err := r.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sz_dm_report WHERE report = $1 AND ($2 = '' OR statistic = $2)`,
		report, statistic).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("op=mart.report.count: %w", err)
	}

	rows, err := r.Pool.Query(ctx,
		`SELECT report, statistic, data_source1, data_source2, match_key, principle,
		        entity_count, record_count, relation_count
		   FROM sz_dm_report
		  WHERE report = $1 AND ($2 = '' OR statistic = $2)
		  ORDER BY statistic, data_source1, data_source2, match_key, principle
		  LIMIT $3 OFFSET $4`,
		report, statistic, limit, offset)
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
