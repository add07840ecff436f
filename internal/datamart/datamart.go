// Package datamart maintains the relational data mart of entity-resolution
// statistics and serves paginated reports over it.
//
// The task handler here is the scheduler's domain collaborator: it translates
// REFRESH_ENTITY / DELETE_ENTITY tasks into delta updates of the aggregate
// report rows, and emits follow-up recalculation tasks for the touched data
// sources.
package datamart

import (
	"context"
	"time"
)

// Report codes.
const (
	ReportDataSourceSummary  = "DATA_SOURCE_SUMMARY"
	ReportCrossSourceSummary = "CROSS_SOURCE_SUMMARY"
)

// Statistics tracked per report bucket.
const (
	StatRecordCount            = "RECORD_COUNT"
	StatEntityCount            = "ENTITY_COUNT"
	StatMatchedCount           = "MATCHED_COUNT"
	StatAmbiguousMatchCount    = "AMBIGUOUS_MATCH_COUNT"
	StatPossibleMatchCount     = "POSSIBLE_MATCH_COUNT"
	StatPossibleRelationCount  = "POSSIBLE_RELATION_COUNT"
	StatDisclosedRelationCount = "DISCLOSED_RELATION_COUNT"
)

// RelationKind classifies how two entities relate.
type RelationKind string

// Relation kinds reported by the engine.
const (
	RelationAmbiguousMatch    RelationKind = "AMBIGUOUS_MATCH"
	RelationPossibleMatch     RelationKind = "POSSIBLE_MATCH"
	RelationPossibleRelation  RelationKind = "POSSIBLE_RELATION"
	RelationDisclosedRelation RelationKind = "DISCLOSED_RELATION"
)

// statisticForRelation maps a relation kind to its report statistic.
func statisticForRelation(kind RelationKind) string {
	switch kind {
	case RelationAmbiguousMatch:
		return StatAmbiguousMatchCount
	case RelationPossibleMatch:
		return StatPossibleMatchCount
	case RelationPossibleRelation:
		return StatPossibleRelationCount
	case RelationDisclosedRelation:
		return StatDisclosedRelationCount
	default:
		return ""
	}
}

// RecordRef identifies one engine record resolved into an entity.
type RecordRef struct {
	DataSource string
	RecordID   string
	MatchKey   string
	Principle  string
}

// Relation describes one relationship from an entity to another, including
// the related entity's data sources so that cross-source statistics can be
// maintained without a second engine round-trip.
type Relation struct {
	OtherEntityID int64
	Kind          RelationKind
	MatchKey      string
	Principle     string
	OtherSources  []string
}

// EntityState is the engine's current view of one entity.
type EntityState struct {
	EntityID  int64
	Records   []RecordRef
	Relations []Relation
}

// EngineClient fetches current entity state from the entity-resolution
// engine. The second return is false when the entity no longer exists.
//
//go:generate mockery --name=EngineClient --with-expecter --filename=engine_client_mock.go
type EngineClient interface {
	GetEntity(ctx context.Context, entityID int64) (EntityState, bool, error)
}

// ReportDelta is one additive update to an aggregate report bucket.
type ReportDelta struct {
	Report      string
	Statistic   string
	DataSource1 string
	DataSource2 string
	MatchKey    string
	Principle   string

	EntityDelta   int64
	RecordDelta   int64
	RelationDelta int64
}

// ReportRow is one aggregate bucket as served by the report API.
type ReportRow struct {
	Report        string `json:"report"`
	Statistic     string `json:"statistic"`
	DataSource1   string `json:"dataSource1"`
	DataSource2   string `json:"dataSource2,omitempty"`
	MatchKey      string `json:"matchKey,omitempty"`
	Principle     string `json:"principle,omitempty"`
	EntityCount   int64  `json:"entityCount"`
	RecordCount   int64  `json:"recordCount"`
	RelationCount int64  `json:"relationCount"`
}

// Store is the persistence port for the data mart.
//
//go:generate mockery --name=Store --with-expecter --filename=store_mock.go
type Store interface {
	// EnsureSchema creates the mart tables if missing; recreate drops first.
	EnsureSchema(ctx context.Context, recreate bool) error
	// Ping verifies database connectivity.
	Ping(ctx context.Context) error
	// GetEntityState loads the mart's stored view of an entity.
	GetEntityState(ctx context.Context, entityID int64) (EntityState, bool, error)
	// ReplaceEntity swaps the stored state and applies deltas in one
	// transaction.
	ReplaceEntity(ctx context.Context, state EntityState, deltas []ReportDelta) error
	// DeleteEntity removes the stored state and applies deltas in one
	// transaction.
	DeleteEntity(ctx context.Context, entityID int64, deltas []ReportDelta) error
	// RecalcSourceSummary recomputes a data source's summary rows from the
	// base tables, repairing any accumulated drift.
	RecalcSourceSummary(ctx context.Context, dataSource string) error
	// ReportRows returns one page of aggregate rows plus the total row count
	// for the (report, statistic) selection.
	ReportRows(ctx context.Context, report, statistic string, offset, limit int) ([]ReportRow, int64, error)
}

// waitPingInterval is the readiness probe interval used by the handler.
const waitPingInterval = 500 * time.Millisecond
