package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/harborview-assoc/harborview/internal/observability"
)

// Directory is the external member-directory collaborator. The engine only
// consumes lookups from it; member CRUD lives elsewhere.
type Directory interface {
	IsBillingContact(ctx context.Context, userID int64) (bool, error)
	BillingContacts(ctx context.Context) ([]int64, error)
	BillableAssets(ctx context.Context) ([]BillableAsset, error)
}

// BillableAsset is a chargeable unit with its periodic fee and, when
// assigned, the member who pays for it.
type BillableAsset struct {
	ID     int64
	Label  string
	UserID *int64
	Fee    decimal.Decimal
}

// Service implements the billing reconciliation engine.
type Service struct {
	repo      Repository
	directory Directory
	notifier  Notifier
	balances  *BalanceCache
	metrics   *observability.BillingMetrics
	logger    *slog.Logger
	now       func() time.Time
}

// ServiceConfig carries optional service dependencies.
type ServiceConfig struct {
	Notifier Notifier
	Balances *BalanceCache
	Metrics  *observability.BillingMetrics
	Clock    func() time.Time
}

// NewService builds the engine.
func NewService(repo Repository, directory Directory, logger *slog.Logger, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Service{
		repo:      repo,
		directory: directory,
		notifier:  cfg.Notifier,
		balances:  cfg.Balances,
		metrics:   cfg.Metrics,
		logger:    logger,
		now:       now,
	}
}

// inTx runs one logical operation transactionally, retrying once on a
// detected write conflict before surfacing ErrConflict to the caller.
func (s *Service) inTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := s.repo.WithTx(ctx, fn)
	if errors.Is(err, ErrConflict) {
		s.metrics.ConflictRetried()
		s.logger.Warn("ledger conflict, retrying operation", slog.Any("error", err))
		err = s.repo.WithTx(ctx, fn)
	}
	return err
}

// afterCommit handles post-transaction bookkeeping for a member's ledger.
// Never called before the transaction has committed.
func (s *Service) afterCommit(ctx context.Context, userID int64) {
	if s.balances != nil {
		if err := s.balances.Invalidate(ctx, userID); err != nil {
			s.logger.Warn("invalidate balance cache", slog.Int64("user_id", userID), slog.Any("error", err))
		}
	}
}

// CreateInvoiceInput describes an ad hoc charge.
type CreateInvoiceInput struct {
	UserID      int64
	InvoiceDate time.Time
	DueDate     time.Time
	Description string
	Amount      decimal.Decimal
	Type        InvoiceType
}

// CreateInvoiceResult is the invoice plus whatever existing credit was
// applied to it on creation.
type CreateInvoiceResult struct {
	Invoice    *Invoice
	Allocation AllocationResult
}

func validInvoiceType(t InvoiceType) bool {
	switch t {
	case TypeDues, TypeFine, TypeLateFee, TypeMiscCharge:
		return true
	}
	return false
}

// CreateInvoice creates a Due invoice and immediately offers the member's
// open credits against it.
func (s *Service) CreateInvoice(ctx context.Context, input CreateInvoiceInput) (*CreateInvoiceResult, error) {
	if input.UserID <= 0 {
		return nil, fmt.Errorf("%w: member id required", ErrWrongOwner)
	}
	if input.Amount.IsNegative() {
		return nil, fmt.Errorf("%w: amount due cannot be negative", ErrInvalidAmount)
	}
	if !validInvoiceType(input.Type) {
		return nil, fmt.Errorf("billing: unknown invoice type %q", input.Type)
	}

	now := s.now()
	invoiceDate := input.InvoiceDate
	if invoiceDate.IsZero() {
		invoiceDate = now
	}
	dueDate := input.DueDate
	if dueDate.IsZero() {
		dueDate = invoiceDate.AddDate(0, 0, 30)
	}

	var result CreateInvoiceResult
	err := s.inTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv := &Invoice{
			ID:          uuid.New(),
			UserID:      input.UserID,
			InvoiceDate: invoiceDate,
			DueDate:     dueDate,
			Description: input.Description,
			AmountDue:   input.Amount.Round(2),
			AmountPaid:  decimal.Zero,
			Status:      StatusDue,
			Type:        input.Type,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.InsertInvoice(ctx, inv); err != nil {
			return err
		}
		alloc := AllocationResult{Total: decimal.Zero, InvoiceStatus: inv.Status}
		if inv.AmountDue.IsPositive() {
			var err error
			alloc, err = allocateToInvoice(ctx, tx, inv, decimal.Zero, now)
			if err != nil {
				return err
			}
		}
		result = CreateInvoiceResult{Invoice: inv, Allocation: alloc}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ApplicationsWritten(len(result.Allocation.Entries))
	s.afterCommit(ctx, input.UserID)
	return &result, nil
}

// RecordPaymentInput describes a receipt against one invoice.
type RecordPaymentInput struct {
	UserID    int64
	InvoiceID uuid.UUID
	Amount    decimal.Decimal
	PaidAt    time.Time
	Method    string
	Reference string
	Notes     string
}

// PaymentResult reports what happened to a recorded payment.
type PaymentResult struct {
	PaymentID     uuid.UUID       `json:"payment_id"`
	InvoiceStatus InvoiceStatus   `json:"invoice_status"`
	Overpayment   decimal.Decimal `json:"overpayment"`
	Reapplied     decimal.Decimal `json:"reapplied"`
	CreditID      *uuid.UUID      `json:"credit_id,omitempty"`
}

// RecordPayment records a payment for its full amount, caps the target
// invoice at what it owes, converts any excess into a UserCredit, and
// immediately spreads that credit across the member's other open invoices
// by due date. All writes commit in one transaction.
func (s *Service) RecordPayment(ctx context.Context, input RecordPaymentInput) (*PaymentResult, error) {
	if !input.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	now := s.now()
	paidAt := input.PaidAt
	if paidAt.IsZero() {
		paidAt = now
	}
	amount := input.Amount.Round(2)

	var result PaymentResult
	err := s.inTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, input.InvoiceID)
		if err != nil {
			return err
		}
		if inv.UserID != input.UserID {
			return ErrWrongOwner
		}
		switch inv.Status {
		case StatusDraft, StatusPaid, StatusCancelled:
			return fmt.Errorf("%w: invoice is %s", ErrInvalidStatus, inv.Status)
		case StatusDue, StatusOverdue:
		}

		applied := decimal.Min(amount, inv.RemainingDue())
		overpayment := amount.Sub(applied)

		payment := &Payment{
			ID:         uuid.New(),
			UserID:     input.UserID,
			InvoiceID:  inv.ID,
			PaidAt:     paidAt,
			Amount:     amount,
			Method:     input.Method,
			Reference:  input.Reference,
			Notes:      input.Notes,
			RecordedAt: now,
		}
		if err := tx.InsertPayment(ctx, payment); err != nil {
			return err
		}

		inv.AmountPaid = inv.AmountPaid.Add(applied)
		recomputeStatus(inv, now)
		inv.UpdatedAt = now
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}

		result = PaymentResult{
			PaymentID:     payment.ID,
			InvoiceStatus: inv.Status,
			Overpayment:   overpayment,
			Reapplied:     decimal.Zero,
		}

		if overpayment.IsPositive() {
			credit := &UserCredit{
				ID:              uuid.New(),
				UserID:          input.UserID,
				CreditDate:      paidAt,
				Remaining:       overpayment,
				SourcePaymentID: &payment.ID,
				Reason:          fmt.Sprintf("Overpayment of %s on invoice %s", formatMoney(overpayment), inv.ID),
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			if err := tx.InsertCredit(ctx, credit); err != nil {
				return err
			}
			result.CreditID = &credit.ID

			open, err := tx.ListOpenInvoicesForUpdate(ctx, input.UserID)
			if err != nil {
				return err
			}
			others := open[:0:0]
			for _, o := range open {
				if o.ID != inv.ID {
					others = append(others, o)
				}
			}
			reapplied, err := spreadCredit(ctx, tx, credit, others, now)
			if err != nil {
				return err
			}
			result.Reapplied = reapplied

			note := fmt.Sprintf("overpayment of %s converted to credit %s", formatMoney(overpayment), credit.ID)
			if reapplied.IsPositive() {
				note += fmt.Sprintf("; %s immediately applied to other open invoices", formatMoney(reapplied))
			}
			if err := tx.AppendPaymentNote(ctx, payment.ID, note); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.PaymentRecorded()
	s.afterCommit(ctx, input.UserID)
	s.notify(ctx, input.UserID, "Payment received",
		fmt.Sprintf("We received your payment of %s. Invoice status: %s.", formatMoney(amount), result.InvoiceStatus))
	return &result, nil
}

// ApplyCreditInput describes a manual, caller-directed allocation.
type ApplyCreditInput struct {
	UserID    int64
	CreditID  uuid.UUID
	InvoiceID uuid.UUID
	Amount    decimal.Decimal
}

// ApplyCreditResult reports a manual allocation.
type ApplyCreditResult struct {
	Applied       decimal.Decimal `json:"applied"`
	InvoiceStatus InvoiceStatus   `json:"invoice_status"`
}

// ApplyCredit applies one chosen credit to one chosen invoice. The amount is
// capped at both the credit's remaining balance and the invoice's remaining
// due; exactly one CreditApplication is produced.
func (s *Service) ApplyCredit(ctx context.Context, input ApplyCreditInput) (*ApplyCreditResult, error) {
	if !input.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	now := s.now()
	amount := input.Amount.Round(2)

	var result ApplyCreditResult
	err := s.inTx(ctx, func(ctx context.Context, tx TxRepository) error {
		credit, err := tx.GetCreditForUpdate(ctx, input.CreditID)
		if err != nil {
			return err
		}
		if credit.UserID != input.UserID {
			return ErrWrongOwner
		}
		if credit.IsVoided {
			return ErrCreditVoided
		}
		if credit.IsApplied || !credit.Remaining.IsPositive() {
			return ErrCreditExhausted
		}

		inv, err := tx.GetInvoiceForUpdate(ctx, input.InvoiceID)
		if err != nil {
			return err
		}
		if inv.UserID != input.UserID {
			return ErrWrongOwner
		}
		switch inv.Status {
		case StatusDraft, StatusPaid, StatusCancelled:
			return fmt.Errorf("%w: invoice is %s", ErrInvalidStatus, inv.Status)
		case StatusDue, StatusOverdue:
		}

		applied := decimal.Min(amount, credit.Remaining, inv.RemainingDue())
		if !applied.IsPositive() {
			return fmt.Errorf("%w: nothing to apply", ErrInvalidAmount)
		}
		if err := applyCreditStep(ctx, tx, credit, inv, applied, now); err != nil {
			return err
		}
		recomputeStatus(inv, now)
		inv.UpdatedAt = now
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return err
		}
		result = ApplyCreditResult{Applied: applied, InvoiceStatus: inv.Status}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ApplicationsWritten(1)
	s.afterCommit(ctx, input.UserID)
	return &result, nil
}

// BalanceOf derives a member's outstanding balance and available credit.
// Pure read; served from the balance cache when one is configured.
func (s *Service) BalanceOf(ctx context.Context, userID int64) (Balance, error) {
	if s.balances != nil {
		if b, ok, err := s.balances.Get(ctx, userID); err == nil && ok {
			return b, nil
		} else if err != nil {
			s.logger.Warn("balance cache read", slog.Int64("user_id", userID), slog.Any("error", err))
		}
	}
	b, err := s.repo.UserBalance(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	if s.balances != nil {
		if err := s.balances.Set(ctx, userID, b); err != nil {
			s.logger.Warn("balance cache write", slog.Int64("user_id", userID), slog.Any("error", err))
		}
	}
	return b, nil
}

// ListInvoices returns a member's invoices for statement display.
func (s *Service) ListInvoices(ctx context.Context, userID int64, req ListInvoicesRequest) ([]Invoice, error) {
	return s.repo.ListUserInvoices(ctx, userID, req)
}

// ListCredits returns a member's credits, including spent and voided ones.
func (s *Service) ListCredits(ctx context.Context, userID int64) ([]UserCredit, error) {
	return s.repo.ListUserCredits(ctx, userID)
}

// ListPayments returns a member's recorded payments.
func (s *Service) ListPayments(ctx context.Context, userID int64) ([]Payment, error) {
	return s.repo.ListUserPayments(ctx, userID)
}

// GetInvoice returns one invoice with its credit applications.
func (s *Service) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, []CreditApplication, error) {
	inv, err := s.repo.GetInvoice(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	apps, err := s.repo.ListInvoiceApplications(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return inv, apps, nil
}
