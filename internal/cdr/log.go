// Package cdr holds the ordered, append-only log of call detail records.
package cdr

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/flowpbx/accesspbx/internal/database"
	"github.com/flowpbx/accesspbx/internal/database/models"
)

// Reader is the read-only view offered to reporting collaborators.
type Reader interface {
	List(ctx context.Context, filter database.CDRListFilter) ([]models.CDR, int, error)
	CountByDisposition(ctx context.Context) (map[string]int64, error)
}

// Log keeps every record in memory in append order and, when a repository
// is attached, persists each record as it is appended.
type Log struct {
	mu      sync.RWMutex
	records []models.CDR
	store   database.CDRRepository
	logger  *slog.Logger
}

// NewLog creates a log. store may be nil for memory-only operation.
func NewLog(store database.CDRRepository, logger *slog.Logger) *Log {
	return &Log{
		store:  store,
		logger: logger.With("subsystem", "cdr"),
	}
}

// Append adds a record to the end of the log. Persistence failures are
// logged and do not remove the in-memory record.
func (l *Log) Append(ctx context.Context, rec models.CDR) {
	rec.MediaLines = append([]string(nil), rec.MediaLines...)

	l.mu.Lock()
	rec.Seq = int64(len(l.records) + 1)
	l.records = append(l.records, rec)
	l.mu.Unlock()

	l.logger.Info("cdr recorded",
		"call_id", rec.CallID,
		"from", rec.From,
		"to", rec.To,
		"disposition", rec.Disposition,
		"duration_ms", rec.Duration.Milliseconds(),
	)

	if l.store == nil {
		return
	}
	persisted := rec
	if err := l.store.Create(ctx, &persisted); err != nil {
		l.logger.Error("failed to persist cdr",
			"call_id", rec.CallID,
			"error", err,
		)
	}
}

// Len returns the number of records appended since start.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// All returns a copy of every record in append order.
func (l *Log) All() []models.CDR {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.CDR, len(l.records))
	copy(out, l.records)
	return out
}

// List returns records matching filter in append order, with the total
// number of matches before pagination.
func (l *Log) List(_ context.Context, filter database.CDRListFilter) ([]models.CDR, int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var matched []models.CDR
	for _, rec := range l.records {
		if filter.Disposition != "" && rec.Disposition != filter.Disposition {
			continue
		}
		if filter.Search != "" &&
			!strings.Contains(rec.CallID, filter.Search) &&
			!strings.Contains(rec.From, filter.Search) &&
			!strings.Contains(rec.To, filter.Search) {
			continue
		}
		matched = append(matched, rec)
	}

	total := len(matched)
	start := min(max(filter.Offset, 0), total)
	end := total
	if filter.Limit > 0 {
		end = min(start+filter.Limit, total)
	}
	page := make([]models.CDR, end-start)
	copy(page, matched[start:end])
	return page, total, nil
}

// CountByDisposition returns the number of records grouped by disposition.
func (l *Log) CountByDisposition(_ context.Context) (map[string]int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	counts := make(map[string]int64)
	for _, rec := range l.records {
		counts[rec.Disposition]++
	}
	return counts, nil
}
