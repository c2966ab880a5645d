package database

import (
	"context"

	"github.com/flowpbx/accesspbx/internal/database/models"
)

// CDRListFilter specifies filtering and pagination for CDR list queries.
type CDRListFilter struct {
	Limit       int
	Offset      int
	Search      string // matches call_id, from_user or to_user
	Disposition string // "answered", "cancelled", "no_answer", "failed", or "" for all
}

// CDRRepository persists call detail records. Records are append-only.
type CDRRepository interface {
	Create(ctx context.Context, cdr *models.CDR) error
	GetByCallID(ctx context.Context, callID string) (*models.CDR, error)
	List(ctx context.Context, filter CDRListFilter) ([]models.CDR, int, error)
	CountByDisposition(ctx context.Context) (map[string]int64, error)
}
