package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flowpbx/accesspbx/internal/database/models"
)

// cdrRepo implements CDRRepository.
type cdrRepo struct {
	db *DB
}

// NewCDRRepository creates a new CDRRepository.
func NewCDRRepository(db *DB) CDRRepository {
	return &cdrRepo{db: db}
}

const cdrColumns = `seq, id, call_id, from_user, to_user, route, transport, source,
	 start_time, answer_time, end_time, duration_ms, final_state, disposition,
	 hangup_cause, media_version, media_origin, media_session_name, media_lines,
	 caller_screen_reader, callee_screen_reader, recorded_at`

// Create inserts a new call detail record. The database assigns Seq.
func (r *cdrRepo) Create(ctx context.Context, cdr *models.CDR) error {
	lines, err := json.Marshal(cdr.MediaLines)
	if err != nil {
		return fmt.Errorf("encoding media lines: %w", err)
	}
	if cdr.MediaLines == nil {
		lines = []byte("[]")
	}

	var answer sql.NullTime
	if cdr.AnswerTime != nil {
		answer = sql.NullTime{Time: *cdr.AnswerTime, Valid: true}
	}

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO cdrs (id, call_id, from_user, to_user, route, transport, source,
		 start_time, answer_time, end_time, duration_ms, final_state, disposition,
		 hangup_cause, media_version, media_origin, media_session_name, media_lines,
		 caller_screen_reader, callee_screen_reader, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cdr.ID, cdr.CallID, cdr.From, cdr.To, cdr.Route, cdr.Transport, cdr.Source,
		cdr.StartTime.UTC(), answer, cdr.EndTime.UTC(), cdr.Duration.Milliseconds(),
		cdr.FinalState, cdr.Disposition, cdr.HangupCause,
		cdr.MediaVersion, cdr.MediaOrigin, cdr.MediaSessionName, string(lines),
		cdr.CallerScreenReader, cdr.CalleeScreenReader, cdr.RecordedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting cdr: %w", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	cdr.Seq = seq
	return nil
}

// GetByCallID returns the CDR for a call identifier, or nil if none exists.
func (r *cdrRepo) GetByCallID(ctx context.Context, callID string) (*models.CDR, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+cdrColumns+` FROM cdrs WHERE call_id = ? ORDER BY seq DESC LIMIT 1`, callID)
	c, err := scanCDR(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying cdr by call id: %w", err)
	}
	return c, nil
}

// List returns CDRs matching the filter in log order, along with the total count.
func (r *cdrRepo) List(ctx context.Context, filter CDRListFilter) ([]models.CDR, int, error) {
	where := "1=1"
	args := []any{}

	if filter.Disposition != "" {
		where += " AND disposition = ?"
		args = append(args, filter.Disposition)
	}
	if filter.Search != "" {
		where += " AND (call_id LIKE ? OR from_user LIKE ? OR to_user LIKE ?)"
		s := "%" + filter.Search + "%"
		args = append(args, s, s, s)
	}

	// Count total matching rows.
	var total int
	countQuery := "SELECT COUNT(*) FROM cdrs WHERE " + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting cdrs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}

	// Fetch the page of results.
	query := `SELECT ` + cdrColumns + ` FROM cdrs WHERE ` + where + ` ORDER BY seq ASC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing cdrs: %w", err)
	}
	defer rows.Close()

	var cdrs []models.CDR
	for rows.Next() {
		c, err := scanCDR(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning cdr row: %w", err)
		}
		cdrs = append(cdrs, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating cdr rows: %w", err)
	}

	return cdrs, total, nil
}

// CountByDisposition returns the number of CDRs grouped by disposition.
func (r *cdrRepo) CountByDisposition(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT disposition, COUNT(*) FROM cdrs GROUP BY disposition`)
	if err != nil {
		return nil, fmt.Errorf("counting cdrs by disposition: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var disposition string
		var n int64
		if err := rows.Scan(&disposition, &n); err != nil {
			return nil, fmt.Errorf("scanning disposition count: %w", err)
		}
		counts[disposition] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCDR(row rowScanner) (*models.CDR, error) {
	var (
		c          models.CDR
		answer     sql.NullTime
		durationMS int64
		lines      string
	)
	if err := row.Scan(&c.Seq, &c.ID, &c.CallID, &c.From, &c.To, &c.Route, &c.Transport,
		&c.Source, &c.StartTime, &answer, &c.EndTime, &durationMS, &c.FinalState,
		&c.Disposition, &c.HangupCause, &c.MediaVersion, &c.MediaOrigin,
		&c.MediaSessionName, &lines, &c.CallerScreenReader, &c.CalleeScreenReader,
		&c.RecordedAt); err != nil {
		return nil, err
	}
	if answer.Valid {
		t := answer.Time
		c.AnswerTime = &t
	}
	c.Duration = time.Duration(durationMS) * time.Millisecond
	if lines != "" && lines != "[]" {
		if err := json.Unmarshal([]byte(lines), &c.MediaLines); err != nil {
			return nil, fmt.Errorf("decoding media lines: %w", err)
		}
	}
	return &c, nil
}
