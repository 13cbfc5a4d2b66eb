package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type rowQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ProcessedStore records gateway webhook events that were already handled.
type ProcessedStore struct {
	pool rowQuerier
}

func NewProcessedStore(pool *pgxpool.Pool) *ProcessedStore {
	if pool == nil {
		panic("events: pgx pool required")
	}
	return &ProcessedStore{pool: pool}
}

func newProcessedStoreWithExec(exec rowQuerier) *ProcessedStore {
	if exec == nil {
		panic("events: exec required")
	}
	return &ProcessedStore{pool: exec}
}

// AlreadyProcessed checks if we've seen this gateway event id.
func (s *ProcessedStore) AlreadyProcessed(ctx context.Context, gateway, eventID string) (bool, error) {
	query := `SELECT 1 FROM processed_events WHERE gateway = $1 AND event_id = $2`
	var exists int
	if err := s.pool.QueryRow(ctx, query, gateway, eventID).Scan(&exists); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("events: check processed: %w", err)
	}
	return true, nil
}

// MarkProcessed claims an event id for the gateway, returning false if it was already claimed.
func (s *ProcessedStore) MarkProcessed(ctx context.Context, gateway, eventID string) (bool, error) {
	query := `
		INSERT INTO processed_events (gateway, event_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`
	ct, err := s.pool.Exec(ctx, query, gateway, eventID)
	if err != nil {
		return false, fmt.Errorf("events: mark processed: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// Release drops a claim so a redelivered event can be processed again.
func (s *ProcessedStore) Release(ctx context.Context, gateway, eventID string) error {
	query := `DELETE FROM processed_events WHERE gateway = $1 AND event_id = $2`
	if _, err := s.pool.Exec(ctx, query, gateway, eventID); err != nil {
		return fmt.Errorf("events: release processed: %w", err)
	}
	return nil
}
