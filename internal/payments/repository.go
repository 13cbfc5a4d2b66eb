package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfman30/clinic-booking/internal/events"
)

// activePaymentIndex allows one non-cancelled payment per appointment.
const activePaymentIndex = "payments_active_appointment_idx"

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository persists payments and their refund history. Tombstoned rows
// are filtered here and nowhere else.
type Repository struct {
	db dbtx
}

// NewRepository creates a repository backed by pgx.
func NewRepository(pool *pgxpool.Pool) *Repository {
	if pool == nil {
		panic("payments: pgx pool required")
	}
	return &Repository{db: pool}
}

func newRepositoryWithDB(db dbtx) *Repository {
	return &Repository{db: db}
}

const paymentColumns = `id, appointment_id, patient_id, doctor_id, gateway, amount_cents, currency, status,
	transaction_id, gateway_order_id, gateway_response, gateway_error, refund_amount_remaining,
	refund_reason, gateway_refund_error, paid_at, created_at, updated_at`

const refundColumns = `id, payment_id, amount_cents, reason, status, gateway_refund_id, gateway_response,
	gateway_error, requested_by, created_at, updated_at`

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func rawOrNil(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func scanPayment(row pgx.Row) (*Payment, error) {
	var (
		p             Payment
		status        string
		transactionID *string
		orderID       *string
		raw           []byte
	)
	err := row.Scan(
		&p.ID, &p.AppointmentID, &p.PatientID, &p.DoctorID, &p.Gateway, &p.AmountCents, &p.Currency, &status,
		&transactionID, &orderID, &raw, &p.GatewayError, &p.RefundAmountRemaining,
		&p.RefundReason, &p.GatewayRefundError, &p.PaidAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("payments: load: %w", err)
	}
	p.Status = Status(status)
	if transactionID != nil {
		p.TransactionID = *transactionID
	}
	if orderID != nil {
		p.GatewayOrderID = *orderID
	}
	if len(raw) > 0 {
		p.GatewayResponse = raw
	}
	return &p, nil
}

// Insert stores a new payment. A second live payment for the same
// appointment fails with ErrPaymentExists.
func (r *Repository) Insert(ctx context.Context, p *Payment) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO payments (
			id, appointment_id, patient_id, doctor_id, gateway, amount_cents, currency, status,
			refund_amount_remaining
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`, p.ID, p.AppointmentID, p.PatientID, p.DoctorID, p.Gateway, p.AmountCents, p.Currency, string(p.Status),
		p.RefundAmountRemaining,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == activePaymentIndex {
			return ErrPaymentExists
		}
		return fmt.Errorf("payments: insert: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*Payment, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrPaymentNotFound
	}
	return scanPayment(r.db.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1 AND deleted_at IS NULL`, id))
}

// GetActiveByAppointment returns the appointment's non-cancelled payment.
func (r *Repository) GetActiveByAppointment(ctx context.Context, appointmentID string) (*Payment, error) {
	return scanPayment(r.db.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE appointment_id = $1 AND status <> 'cancelled' AND deleted_at IS NULL
	`, appointmentID))
}

// GetByGatewayRef finds a payment by provider transaction or order id.
func (r *Repository) GetByGatewayRef(ctx context.Context, gateway, ref string) (*Payment, error) {
	if ref == "" {
		return nil, ErrPaymentNotFound
	}
	return scanPayment(r.db.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE gateway = $1 AND (transaction_id = $2 OR gateway_order_id = $2) AND deleted_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1
	`, gateway, ref))
}

const updatePaymentSQL = `
	UPDATE payments
	SET gateway = $2, status = $3, transaction_id = $4, gateway_order_id = $5, gateway_response = $6,
		gateway_error = $7, refund_amount_remaining = $8, refund_reason = $9, gateway_refund_error = $10,
		paid_at = $11, updated_at = now()
	WHERE id = $1 AND status = $12 AND refund_amount_remaining = $13 AND deleted_at IS NULL
	RETURNING updated_at
`

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// updatePayment writes p provided the stored status and remaining amount
// still match what the caller read.
func updatePayment(ctx context.Context, db rowQuerier, p *Payment, expected Status, expectedRemaining int64) error {
	err := db.QueryRow(ctx, updatePaymentSQL,
		p.ID, p.Gateway, string(p.Status), nullable(p.TransactionID), nullable(p.GatewayOrderID), rawOrNil(p.GatewayResponse),
		p.GatewayError, p.RefundAmountRemaining, p.RefundReason, p.GatewayRefundError,
		p.PaidAt, string(expected), expectedRemaining,
	).Scan(&p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrPaymentModified
		}
		return fmt.Errorf("payments: update: %w", err)
	}
	return nil
}

// Update writes gateway correlation and diagnostic fields without a status
// change that needs settling.
func (r *Repository) Update(ctx context.Context, p *Payment, expected Status) error {
	return updatePayment(ctx, r.db, p, expected, p.RefundAmountRemaining)
}

func (r *Repository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("payments: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("payments: commit: %w", err)
	}
	return nil
}

func syncAppointment(ctx context.Context, tx pgx.Tx, appointmentID string, status Status) error {
	if _, err := tx.Exec(ctx,
		`UPDATE appointments SET payment_status = $2, updated_at = now() WHERE id = $1`,
		appointmentID, string(status),
	); err != nil {
		return fmt.Errorf("payments: sync appointment payment status: %w", err)
	}
	return nil
}

// Settle moves the payment to its new status and mirrors that status onto
// the owning appointment in one transaction, with the event queued alongside.
func (r *Repository) Settle(ctx context.Context, p *Payment, expected Status, evt *events.PaymentSettledV1) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		if err := updatePayment(ctx, tx, p, expected, p.RefundAmountRemaining); err != nil {
			return err
		}
		if err := syncAppointment(ctx, tx, p.AppointmentID, p.Status); err != nil {
			return err
		}
		if evt == nil {
			return nil
		}
		if _, err := events.TxPublisher(tx).Insert(ctx, p.ID, events.TypePaymentSettled, evt); err != nil {
			return err
		}
		return nil
	})
}

// RecordRefund stores the refund entry and the payment's decremented
// remaining amount together. previousRemaining guards concurrent refunds.
func (r *Repository) RecordRefund(ctx context.Context, p *Payment, expected Status, previousRemaining int64, refund *Refund, evt *events.PaymentRefundedV1) error {
	if refund.ID == "" {
		refund.ID = uuid.NewString()
	}
	return r.inTx(ctx, func(tx pgx.Tx) error {
		if err := updatePayment(ctx, tx, p, expected, previousRemaining); err != nil {
			return err
		}
		err := tx.QueryRow(ctx, `
			INSERT INTO payment_refunds (id, payment_id, amount_cents, reason, status, requested_by)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING created_at, updated_at
		`, refund.ID, refund.PaymentID, refund.AmountCents, refund.Reason, refund.Status, refund.RequestedBy,
		).Scan(&refund.CreatedAt, &refund.UpdatedAt)
		if err != nil {
			return fmt.Errorf("payments: insert refund: %w", err)
		}
		if err := syncAppointment(ctx, tx, p.AppointmentID, p.Status); err != nil {
			return err
		}
		if evt == nil {
			return nil
		}
		if _, err := events.TxPublisher(tx).Insert(ctx, p.ID, events.TypePaymentRefunded, evt); err != nil {
			return err
		}
		return nil
	})
}

// ResolveRefund attaches the remote outcome to a refund entry and mirrors
// its diagnostic onto the payment.
func (r *Repository) ResolveRefund(ctx context.Context, p *Payment, refund *Refund) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			UPDATE payment_refunds
			SET status = $2, gateway_refund_id = $3, gateway_response = $4, gateway_error = $5, updated_at = now()
			WHERE id = $1
			RETURNING updated_at
		`, refund.ID, refund.Status, nullable(refund.GatewayRefundID), rawOrNil(refund.GatewayResponse), refund.GatewayError,
		).Scan(&refund.UpdatedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrRefundNotFound
			}
			return fmt.Errorf("payments: resolve refund: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE payments SET gateway_refund_error = $2, updated_at = now() WHERE id = $1`,
			p.ID, p.GatewayRefundError,
		); err != nil {
			return fmt.Errorf("payments: update refund diagnostic: %w", err)
		}
		return nil
	})
}

func scanRefund(row pgx.Row) (*Refund, error) {
	var (
		rf        Refund
		gatewayID *string
		raw       []byte
	)
	err := row.Scan(&rf.ID, &rf.PaymentID, &rf.AmountCents, &rf.Reason, &rf.Status, &gatewayID, &raw,
		&rf.GatewayError, &rf.RequestedBy, &rf.CreatedAt, &rf.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if gatewayID != nil {
		rf.GatewayRefundID = *gatewayID
	}
	if len(raw) > 0 {
		rf.GatewayResponse = raw
	}
	return &rf, nil
}

func (r *Repository) GetRefund(ctx context.Context, paymentID, refundID string) (*Refund, error) {
	if _, err := uuid.Parse(refundID); err != nil {
		return nil, ErrRefundNotFound
	}
	rf, err := scanRefund(r.db.QueryRow(ctx,
		`SELECT `+refundColumns+` FROM payment_refunds WHERE id = $1 AND payment_id = $2`, refundID, paymentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRefundNotFound
		}
		return nil, fmt.Errorf("payments: load refund: %w", err)
	}
	return rf, nil
}

// ListRefunds returns the payment's refund history, oldest first.
func (r *Repository) ListRefunds(ctx context.Context, paymentID string) ([]Refund, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+refundColumns+` FROM payment_refunds WHERE payment_id = $1 ORDER BY created_at`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("payments: list refunds: %w", err)
	}
	defer rows.Close()

	out := []Refund{}
	for rows.Next() {
		rf, err := scanRefund(rows)
		if err != nil {
			return nil, fmt.Errorf("payments: scan refund: %w", err)
		}
		out = append(out, *rf)
	}
	return out, rows.Err()
}
