package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/harborview-assoc/harborview/internal/platform/db"
)

// Repository defines ledger data access outside a transaction.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error)
	GetCredit(ctx context.Context, id uuid.UUID) (*UserCredit, error)
	ListUserInvoices(ctx context.Context, userID int64, req ListInvoicesRequest) ([]Invoice, error)
	ListUserCredits(ctx context.Context, userID int64) ([]UserCredit, error)
	ListUserPayments(ctx context.Context, userID int64) ([]Payment, error)
	ListInvoiceApplications(ctx context.Context, invoiceID uuid.UUID) ([]CreditApplication, error)
	UserBalance(ctx context.Context, userID int64) (Balance, error)
}

// TxRepository defines ledger operations inside one transaction. Every read
// that precedes a mutation locks the rows it returns, so two transactions
// touching the same member's ledger serialize on the row locks.
type TxRepository interface {
	GetInvoiceForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error)
	GetCreditForUpdate(ctx context.Context, id uuid.UUID) (*UserCredit, error)
	// ListOpenCreditsForUpdate returns unapplied, non-voided credits with a
	// positive remaining balance, oldest credit date first, ties by id.
	ListOpenCreditsForUpdate(ctx context.Context, userID int64) ([]UserCredit, error)
	// ListOpenInvoicesForUpdate returns Due/Overdue invoices with an unpaid
	// balance, earliest due date first, ties by id.
	ListOpenInvoicesForUpdate(ctx context.Context, userID int64) ([]Invoice, error)
	ListBatchDraftsForUpdate(ctx context.Context, batchID uuid.UUID) ([]Invoice, error)
	// MostRecentOverdueInvoice returns the unpaid, non-cancelled invoice with
	// a due date before today, ordered by due date descending.
	MostRecentOverdueInvoice(ctx context.Context, userID int64, today time.Time) (*Invoice, error)
	ListRecentLateFees(ctx context.Context, userID int64, since time.Time) ([]Invoice, error)
	UserBalance(ctx context.Context, userID int64) (Balance, error)

	InsertInvoice(ctx context.Context, inv *Invoice) error
	UpdateInvoice(ctx context.Context, inv *Invoice) error
	DeleteBatchDrafts(ctx context.Context, batchID uuid.UUID) (int64, error)
	InsertPayment(ctx context.Context, p *Payment) error
	AppendPaymentNote(ctx context.Context, paymentID uuid.UUID, note string) error
	InsertCredit(ctx context.Context, c *UserCredit) error
	UpdateCredit(ctx context.Context, c *UserCredit) error
	InsertApplication(ctx context.Context, a *CreditApplication) error
}

// ListInvoicesRequest filters invoice listings.
type ListInvoicesRequest struct {
	Status InvoiceStatus
	Type   InvoiceType
	Limit  int
}

var _ Repository = (*pgRepository)(nil)
var _ TxRepository = (*pgTxRepository)(nil)

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the PostgreSQL backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// WithTx runs fn inside a repeatable-read transaction. Serialization and
// deadlock failures surface as ErrConflict so the service layer can retry.
func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTxRepository{q: tx})
	})
	return translateConflict(err)
}

// translateConflict maps serialization_failure and deadlock_detected onto
// ErrConflict, keeping the original error in the chain.
func translateConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "40001" || pgErr.Code == "40P01" {
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
		}
	}
	return err
}

const invoiceColumns = `id, user_id, invoice_date, due_date, description,
		amount_due, amount_paid, status, type, batch_id, created_at, updated_at`

const creditColumns = `id, user_id, credit_date, remaining_amount, source_payment_id,
		reason, is_applied, is_voided, applied_at, notes, created_at, updated_at`

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	var due, paid decimal.Decimal
	err := row.Scan(&inv.ID, &inv.UserID, &inv.InvoiceDate, &inv.DueDate, &inv.Description,
		&due, &paid, &inv.Status, &inv.Type, &inv.BatchID, &inv.CreatedAt, &inv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvoiceNotFound
	}
	if err != nil {
		return nil, err
	}
	inv.AmountDue = due
	inv.AmountPaid = paid
	return &inv, nil
}

func scanInvoices(rows pgx.Rows) ([]Invoice, error) {
	defer rows.Close()
	var out []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inv)
	}
	return out, rows.Err()
}

func scanCredit(row pgx.Row) (*UserCredit, error) {
	var c UserCredit
	err := row.Scan(&c.ID, &c.UserID, &c.CreditDate, &c.Remaining, &c.SourcePaymentID,
		&c.Reason, &c.IsApplied, &c.IsVoided, &c.AppliedAt, &c.Notes, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCreditNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func getInvoice(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (*Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}
	return scanInvoice(q.QueryRow(ctx, query, id))
}

func getCredit(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (*UserCredit, error) {
	query := `SELECT ` + creditColumns + ` FROM user_credits WHERE id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}
	return scanCredit(q.QueryRow(ctx, query, id))
}

func userBalance(ctx context.Context, q querier, userID int64) (Balance, error) {
	const query = `
		SELECT
			COALESCE((SELECT SUM(amount_due - amount_paid) FROM invoices
				WHERE user_id = $1 AND status NOT IN ('DRAFT','CANCELLED')), 0),
			COALESCE((SELECT SUM(remaining_amount) FROM user_credits
				WHERE user_id = $1 AND NOT is_applied AND NOT is_voided), 0)`
	var b Balance
	if err := q.QueryRow(ctx, query, userID).Scan(&b.Outstanding, &b.CreditAvailable); err != nil {
		return Balance{}, err
	}
	return b, nil
}

func (r *pgRepository) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return getInvoice(ctx, r.pool, id, false)
}

func (r *pgRepository) GetCredit(ctx context.Context, id uuid.UUID) (*UserCredit, error) {
	return getCredit(ctx, r.pool, id, false)
}

func (r *pgRepository) ListUserInvoices(ctx context.Context, userID int64, req ListInvoicesRequest) ([]Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE user_id = $1`
	args := []any{userID}
	if req.Status != "" {
		args = append(args, string(req.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if req.Type != "" {
		args = append(args, string(req.Type))
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}
	query += " ORDER BY invoice_date DESC, id"
	if req.Limit > 0 {
		args = append(args, req.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanInvoices(rows)
}

func (r *pgRepository) ListUserCredits(ctx context.Context, userID int64) ([]UserCredit, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+creditColumns+` FROM user_credits WHERE user_id = $1 ORDER BY credit_date, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UserCredit
	for rows.Next() {
		c, err := scanCredit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *pgRepository) ListUserPayments(ctx context.Context, userID int64) ([]Payment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, invoice_id, paid_at, amount, method, reference, notes, recorded_at
		FROM payments WHERE user_id = $1 ORDER BY paid_at DESC, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Payment
	for rows.Next() {
		var p Payment
		if err := rows.Scan(&p.ID, &p.UserID, &p.InvoiceID, &p.PaidAt, &p.Amount,
			&p.Method, &p.Reference, &p.Notes, &p.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *pgRepository) ListInvoiceApplications(ctx context.Context, invoiceID uuid.UUID) ([]CreditApplication, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, credit_id, invoice_id, amount_applied, applied_at, notes, is_reversed, created_at
		FROM credit_applications WHERE invoice_id = $1 ORDER BY applied_at, id`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CreditApplication
	for rows.Next() {
		var a CreditApplication
		if err := rows.Scan(&a.ID, &a.CreditID, &a.InvoiceID, &a.Amount,
			&a.AppliedAt, &a.Notes, &a.IsReversed, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *pgRepository) UserBalance(ctx context.Context, userID int64) (Balance, error) {
	return userBalance(ctx, r.pool, userID)
}

type pgTxRepository struct {
	q pgx.Tx
}

func (t *pgTxRepository) GetInvoiceForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return getInvoice(ctx, t.q, id, true)
}

func (t *pgTxRepository) GetCreditForUpdate(ctx context.Context, id uuid.UUID) (*UserCredit, error) {
	return getCredit(ctx, t.q, id, true)
}

func (t *pgTxRepository) ListOpenCreditsForUpdate(ctx context.Context, userID int64) ([]UserCredit, error) {
	rows, err := t.q.Query(ctx, `
		SELECT `+creditColumns+` FROM user_credits
		WHERE user_id = $1 AND NOT is_applied AND NOT is_voided AND remaining_amount > 0
		ORDER BY credit_date, id
		FOR UPDATE`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UserCredit
	for rows.Next() {
		c, err := scanCredit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (t *pgTxRepository) ListOpenInvoicesForUpdate(ctx context.Context, userID int64) ([]Invoice, error) {
	rows, err := t.q.Query(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE user_id = $1 AND status IN ('DUE','OVERDUE') AND amount_paid < amount_due
		ORDER BY due_date, id
		FOR UPDATE`, userID)
	if err != nil {
		return nil, err
	}
	return scanInvoices(rows)
}

func (t *pgTxRepository) ListBatchDraftsForUpdate(ctx context.Context, batchID uuid.UUID) ([]Invoice, error) {
	rows, err := t.q.Query(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE batch_id = $1 AND status = 'DRAFT'
		ORDER BY id
		FOR UPDATE`, batchID)
	if err != nil {
		return nil, err
	}
	return scanInvoices(rows)
}

func (t *pgTxRepository) MostRecentOverdueInvoice(ctx context.Context, userID int64, today time.Time) (*Invoice, error) {
	inv, err := scanInvoice(t.q.QueryRow(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE user_id = $1 AND status NOT IN ('PAID','CANCELLED') AND due_date < $2
		ORDER BY due_date DESC, id
		LIMIT 1
		FOR UPDATE`, userID, today))
	if errors.Is(err, ErrInvoiceNotFound) {
		return nil, nil
	}
	return inv, err
}

func (t *pgTxRepository) ListRecentLateFees(ctx context.Context, userID int64, since time.Time) ([]Invoice, error) {
	rows, err := t.q.Query(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE user_id = $1 AND type = 'LATE_FEE' AND created_at >= $2
		ORDER BY created_at DESC`, userID, since)
	if err != nil {
		return nil, err
	}
	return scanInvoices(rows)
}

func (t *pgTxRepository) UserBalance(ctx context.Context, userID int64) (Balance, error) {
	return userBalance(ctx, t.q, userID)
}

func (t *pgTxRepository) InsertInvoice(ctx context.Context, inv *Invoice) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		inv.ID, inv.UserID, inv.InvoiceDate, inv.DueDate, inv.Description,
		inv.AmountDue, inv.AmountPaid, inv.Status, inv.Type, inv.BatchID,
		inv.CreatedAt, inv.UpdatedAt)
	return err
}

func (t *pgTxRepository) UpdateInvoice(ctx context.Context, inv *Invoice) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE invoices
		SET amount_paid = $2, status = $3, updated_at = $4
		WHERE id = $1`,
		inv.ID, inv.AmountPaid, inv.Status, inv.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

func (t *pgTxRepository) DeleteBatchDrafts(ctx context.Context, batchID uuid.UUID) (int64, error) {
	tag, err := t.q.Exec(ctx,
		`DELETE FROM invoices WHERE batch_id = $1 AND status = 'DRAFT'`, batchID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *pgTxRepository) InsertPayment(ctx context.Context, p *Payment) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO payments (id, user_id, invoice_id, paid_at, amount, method, reference, notes, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.UserID, p.InvoiceID, p.PaidAt, p.Amount, p.Method, p.Reference, p.Notes, p.RecordedAt)
	return err
}

func (t *pgTxRepository) AppendPaymentNote(ctx context.Context, paymentID uuid.UUID, note string) error {
	_, err := t.q.Exec(ctx, `
		UPDATE payments
		SET notes = CASE WHEN notes = '' THEN $2 ELSE notes || E'\n' || $2 END
		WHERE id = $1`, paymentID, note)
	return err
}

func (t *pgTxRepository) InsertCredit(ctx context.Context, c *UserCredit) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO user_credits (`+creditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.UserID, c.CreditDate, c.Remaining, c.SourcePaymentID,
		c.Reason, c.IsApplied, c.IsVoided, c.AppliedAt, c.Notes, c.CreatedAt, c.UpdatedAt)
	return err
}

func (t *pgTxRepository) UpdateCredit(ctx context.Context, c *UserCredit) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE user_credits
		SET remaining_amount = $2, is_applied = $3, applied_at = $4, notes = $5, updated_at = $6
		WHERE id = $1`,
		c.ID, c.Remaining, c.IsApplied, c.AppliedAt, c.Notes, c.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrCreditNotFound
	}
	return nil
}

func (t *pgTxRepository) InsertApplication(ctx context.Context, a *CreditApplication) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO credit_applications (id, credit_id, invoice_id, amount_applied, applied_at, notes, is_reversed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.CreditID, a.InvoiceID, a.Amount, a.AppliedAt, a.Notes, a.IsReversed, a.CreatedAt)
	return err
}
