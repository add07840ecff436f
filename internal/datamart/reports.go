package datamart

import (
	"context"
	"fmt"

	"github.com/fairyhunter13/datamart-replicator/internal/domain"
	"github.com/fairyhunter13/datamart-replicator/internal/observability"
)

// Page size limits for report queries.
const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// ReportPage is one page of aggregate rows plus paging metadata.
type ReportPage struct {
	Report    string      `json:"report"`
	Statistic string      `json:"statistic,omitempty"`
	Offset    int         `json:"offset"`
	Limit     int         `json:"limit"`
	Total     int64       `json:"total"`
	Rows      []ReportRow `json:"rows"`
}

// ReportService serves paginated report queries over the mart aggregates.
type ReportService struct {
	store Store
}

// NewReportService constructs a ReportService over the mart store.
func NewReportService(store Store) *ReportService {
	return &ReportService{store: store}
}

// knownReports guards against arbitrary report codes reaching the store.
var knownReports = map[string]struct{}{
	ReportDataSourceSummary:  {},
	ReportCrossSourceSummary: {},
}

// GetReport returns one page of the named report, optionally filtered to a
// single statistic. Rows are ordered by their bucket key, so pages are stable
// between mutations.
func (s *ReportService) GetReport(ctx context.Context, report, statistic string, offset, limit int) (ReportPage, error) {
	if _, ok := knownReports[report]; !ok {
		return ReportPage{}, fmt.Errorf("op=reports.get: unknown report %q: %w", report, domain.ErrNotFound)
	}
	if offset < 0 {
		return ReportPage{}, fmt.Errorf("op=reports.get: negative offset: %w", domain.ErrInvalidArgument)
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	rows, total, err := s.store.ReportRows(ctx, report, statistic, offset, limit)
	if err != nil {
		return ReportPage{}, err
	}
	observability.ReportRequestsTotal.WithLabelValues(report).Inc()
	return ReportPage{
		Report:    report,
		Statistic: statistic,
		Offset:    offset,
		Limit:     limit,
		Total:     total,
		Rows:      rows,
	}, nil
}
