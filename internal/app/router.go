// Package app assembles the operator-facing HTTP surface: health and
// liveness, Prometheus metrics, the paginated report API, and the follow-up
// table diagnostic.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/datamart-replicator/internal/datamart"
	"github.com/fairyhunter13/datamart-replicator/internal/domain"
	"github.com/fairyhunter13/datamart-replicator/internal/scheduler"
)

// SchedulerStatus is the slice of the scheduling service the admin surface
// reads.
type SchedulerStatus interface {
	State() scheduler.State
	GetRemainingTasksCount() int
	GetRemainingFollowUpTasksCount(ctx context.Context) (int64, error)
	GetLastTaskActivityNanoTime() int64
	Statistics() map[domain.Statistic]int64
}

// FollowUpDumper exposes the operator-invoked follow-up table dump.
type FollowUpDumper interface {
	Dump(ctx context.Context) ([]domain.FollowUpRow, error)
}

// NewRouter builds the operator HTTP handler.
func NewRouter(status SchedulerStatus, reports *datamart.ReportService, dumper FollowUpDumper) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		payload := map[string]any{
			"status":         "ok",
			"schedulerState": string(status.State()),
			"remainingTasks": status.GetRemainingTasksCount(),
		}
		if n, err := status.GetRemainingFollowUpTasksCount(req.Context()); err == nil {
			payload["remainingFollowUpTasks"] = n
		} else {
			payload["remainingFollowUpTasks"] = nil
		}
		if nanos := status.GetLastTaskActivityNanoTime(); nanos >= 0 {
			payload["lastTaskActivity"] = time.Unix(0, nanos).UTC().Format(time.RFC3339Nano)
		}
		st := status.State()
		if st == scheduler.StateDestroying || st == scheduler.StateDestroyed {
			payload["status"] = "stopping"
			writeJSON(w, http.StatusServiceUnavailable, payload)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	})

	r.Get("/v1/statistics", func(w http.ResponseWriter, req *http.Request) {
		stats := status.Statistics()
		out := make([]map[string]any, 0, len(stats))
		for stat, value := range stats {
			out = append(out, map[string]any{
				"name":  stat.Name,
				"unit":  stat.Unit,
				"value": value,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"statistics": out})
	})

	r.Get("/v1/reports/{report}", func(w http.ResponseWriter, req *http.Request) {
		report := chi.URLParam(req, "report")
		statistic := req.URL.Query().Get("statistic")
		offset := queryInt(req, "offset", 0)
		limit := queryInt(req, "limit", datamart.DefaultPageSize)

		page, err := reports.GetReport(req.Context(), report, statistic, offset, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
	})

	r.Get("/admin/follow-up", func(w http.ResponseWriter, req *http.Request) {
		rows, err := dumper.Dump(req.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"count": len(rows),
			"rows":  rows,
		})
	})

	return r
}

func queryInt(req *http.Request, key string, fallback int) int {
	raw := req.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Warn("response encoding failed", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
