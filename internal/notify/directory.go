package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfman30/clinic-booking/internal/apperr"
)

// ErrContactNotFound is returned when neither a doctor nor a patient matches.
var ErrContactNotFound = apperr.NotFound("Contact not found")

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresDirectory resolves contacts from the doctors and patient_contacts tables.
type PostgresDirectory struct {
	db rowQuerier
}

// NewPostgresDirectory creates a directory backed by pgx.
func NewPostgresDirectory(pool *pgxpool.Pool) *PostgresDirectory {
	if pool == nil {
		panic("notify: pgx pool required")
	}
	return &PostgresDirectory{db: pool}
}

func newPostgresDirectoryWithDB(db rowQuerier) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

// Lookup returns the contact for a doctor or patient id.
func (d *PostgresDirectory) Lookup(ctx context.Context, userID string) (*Contact, error) {
	query := `
		SELECT id::text, name, COALESCE(email, '') FROM doctors WHERE id::text = $1 AND deleted_at IS NULL
		UNION ALL
		SELECT patient_id, name, email FROM patient_contacts WHERE patient_id = $1
		LIMIT 1
	`
	var c Contact
	if err := d.db.QueryRow(ctx, query, userID).Scan(&c.ID, &c.Name, &c.Email); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrContactNotFound
		}
		return nil, fmt.Errorf("notify: lookup contact: %w", err)
	}
	return &c, nil
}

var _ ContactDirectory = (*PostgresDirectory)(nil)
