package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists audit entries.
type Store interface {
	Insert(ctx context.Context, entry Entry) error
	Window(ctx context.Context, filters TimelineFilters, offset, limit int) ([]Entry, error)
}

// PGStore writes records into audit_log.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore returns an audit store backed by PostgreSQL.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Insert appends one entry.
func (s *PGStore) Insert(ctx context.Context, entry Entry) error {
	if s == nil || s.pool == nil {
		return errors.New("audit store not initialised")
	}
	if entry.Action == "" {
		return errors.New("audit entry requires action")
	}
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return err
	}
	at := entry.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO audit_log (id, action, user_id, details, occurred_at) VALUES ($1, $2, $3, $4, $5)`,
		entry.ID, entry.Action, entry.UserID, details, at)
	return err
}

// Window reads a slice of the timeline matching the filters, newest first.
func (s *PGStore) Window(ctx context.Context, filters TimelineFilters, offset, limit int) ([]Entry, error) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if !filters.From.IsZero() {
		add("occurred_at >= $%d", filters.From)
	}
	if !filters.To.IsZero() {
		add("occurred_at <= $%d", filters.To)
	}
	if filters.UserID != "" {
		add("user_id = $%d", filters.UserID)
	}
	if filters.Action != "" {
		add("action = $%d", filters.Action)
	}
	query := `SELECT id, action, user_id, details, occurred_at FROM audit_log`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	args = append(args, offset, limit)
	query += fmt.Sprintf(" ORDER BY occurred_at DESC OFFSET $%d LIMIT $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			entry      Entry
			rawDetails []byte
		)
		if err := rows.Scan(&entry.ID, &entry.Action, &entry.UserID, &rawDetails, &entry.At); err != nil {
			return nil, err
		}
		if len(rawDetails) > 0 {
			if err := json.Unmarshal(rawDetails, &entry.Details); err != nil {
				return nil, err
			}
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}
