package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InvoiceStatus enumerates invoice lifecycle states.
type InvoiceStatus string

const (
	StatusDraft     InvoiceStatus = "DRAFT"
	StatusDue       InvoiceStatus = "DUE"
	StatusOverdue   InvoiceStatus = "OVERDUE"
	StatusPaid      InvoiceStatus = "PAID"
	StatusCancelled InvoiceStatus = "CANCELLED"
)

// InvoiceType enumerates the kinds of charges the association raises.
type InvoiceType string

const (
	TypeDues       InvoiceType = "DUES"
	TypeFine       InvoiceType = "FINE"
	TypeLateFee    InvoiceType = "LATE_FEE"
	TypeMiscCharge InvoiceType = "MISC_CHARGE"
)

// Invoice is a charge owed by one member.
type Invoice struct {
	ID          uuid.UUID       `json:"id"`
	UserID      int64           `json:"user_id"`
	InvoiceDate time.Time       `json:"invoice_date"`
	DueDate     time.Time       `json:"due_date"`
	Description string          `json:"description"`
	AmountDue   decimal.Decimal `json:"amount_due"`
	AmountPaid  decimal.Decimal `json:"amount_paid"`
	Status      InvoiceStatus   `json:"status"`
	Type        InvoiceType     `json:"type"`
	BatchID     *uuid.UUID      `json:"batch_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// RemainingDue returns amount_due - amount_paid.
func (i *Invoice) RemainingDue() decimal.Decimal {
	return i.AmountDue.Sub(i.AmountPaid)
}

// IsOpen reports whether the invoice can still receive money.
func (i *Invoice) IsOpen() bool {
	switch i.Status {
	case StatusDue, StatusOverdue:
		return i.AmountPaid.LessThan(i.AmountDue)
	case StatusDraft, StatusPaid, StatusCancelled:
		return false
	}
	return false
}

// Payment is a single monetary receipt from a member, recorded against one
// invoice. Immutable after creation except for note appends.
type Payment struct {
	ID         uuid.UUID       `json:"id"`
	UserID     int64           `json:"user_id"`
	InvoiceID  uuid.UUID       `json:"invoice_id"`
	PaidAt     time.Time       `json:"paid_at"`
	Amount     decimal.Decimal `json:"amount"`
	Method     string          `json:"method,omitempty"`
	Reference  string          `json:"reference,omitempty"`
	Notes      string          `json:"notes,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// UserCredit is a reusable balance owned by a member, sourced from an
// overpayment or a manual grant. The original amount is never stored; it is
// always remaining + sum of the credit's applications, so every mutation of
// Remaining must be paired with a CreditApplication row.
type UserCredit struct {
	ID              uuid.UUID       `json:"id"`
	UserID          int64           `json:"user_id"`
	CreditDate      time.Time       `json:"credit_date"`
	Remaining       decimal.Decimal `json:"remaining"`
	SourcePaymentID *uuid.UUID      `json:"source_payment_id,omitempty"`
	Reason          string          `json:"reason"`
	IsApplied       bool            `json:"is_applied"`
	IsVoided        bool            `json:"is_voided"`
	AppliedAt       *time.Time      `json:"applied_at,omitempty"`
	Notes           string          `json:"notes,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Allocatable reports whether the credit may be consumed by the allocator.
func (c *UserCredit) Allocatable() bool {
	return !c.IsApplied && !c.IsVoided && c.Remaining.IsPositive()
}

// CreditApplication is the immutable audit record of one allocation of one
// credit to one invoice.
type CreditApplication struct {
	ID         uuid.UUID       `json:"id"`
	CreditID   uuid.UUID       `json:"credit_id"`
	InvoiceID  uuid.UUID       `json:"invoice_id"`
	Amount     decimal.Decimal `json:"amount"`
	AppliedAt  time.Time       `json:"applied_at"`
	Notes      string          `json:"notes,omitempty"`
	IsReversed bool            `json:"is_reversed"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Balance is the derived financial position of one member.
type Balance struct {
	Outstanding     decimal.Decimal `json:"outstanding"`
	CreditAvailable decimal.Decimal `json:"credit_available"`
}

// moreThanOneDayPast reports whether due lies more than one day before today.
// Both values are compared at date granularity.
func moreThanOneDayPast(due, today time.Time) bool {
	return due.Before(today.AddDate(0, 0, -1))
}

// recomputeStatus re-derives an invoice's status after a balance mutation.
// Paid wins whenever the invoice is fully covered (amount_paid is clamped to
// amount_due); a Due invoice past its grace day becomes Overdue; every other
// state is left untouched.
func recomputeStatus(inv *Invoice, today time.Time) {
	if inv.AmountPaid.GreaterThanOrEqual(inv.AmountDue) {
		inv.AmountPaid = inv.AmountDue
		inv.Status = StatusPaid
		return
	}
	switch inv.Status {
	case StatusDue:
		if moreThanOneDayPast(inv.DueDate, today) {
			inv.Status = StatusOverdue
		}
	case StatusOverdue:
		// stays overdue until fully covered
	case StatusDraft, StatusPaid, StatusCancelled:
		// Draft and Cancelled never move here; a partially covered Paid
		// invoice cannot be produced by any engine path.
	}
}
