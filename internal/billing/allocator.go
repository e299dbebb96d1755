package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AllocationEntry records one credit's contribution to an allocation run.
type AllocationEntry struct {
	CreditID uuid.UUID       `json:"credit_id"`
	Amount   decimal.Decimal `json:"amount"`
}

// AllocationResult summarises one allocation run against one invoice.
type AllocationResult struct {
	Total         decimal.Decimal   `json:"total"`
	Entries       []AllocationEntry `json:"entries,omitempty"`
	InvoiceStatus InvoiceStatus     `json:"invoice_status"`
}

// allocateToInvoice consumes the member's open credits oldest-first against
// inv until the invoice is covered, the optional cap is reached, or credits
// run out. Every step writes one CreditApplication and mutates both sides,
// so the credit-conservation identity holds row by row. inv is persisted
// with its recomputed status before returning. Zero eligible credits is a
// valid outcome, not an error.
func allocateToInvoice(ctx context.Context, tx TxRepository, inv *Invoice, maxAmount decimal.Decimal, now time.Time) (AllocationResult, error) {
	budget := inv.RemainingDue()
	if maxAmount.IsPositive() && maxAmount.LessThan(budget) {
		budget = maxAmount
	}
	result := AllocationResult{Total: decimal.Zero, InvoiceStatus: inv.Status}
	if !budget.IsPositive() {
		return result, nil
	}

	credits, err := tx.ListOpenCreditsForUpdate(ctx, inv.UserID)
	if err != nil {
		return result, err
	}

	for i := range credits {
		if !budget.IsPositive() {
			break
		}
		credit := &credits[i]
		if !credit.Allocatable() {
			continue
		}
		applied := decimal.Min(credit.Remaining, budget)
		if !applied.IsPositive() {
			continue
		}

		if err := applyCreditStep(ctx, tx, credit, inv, applied, now); err != nil {
			return result, err
		}
		budget = budget.Sub(applied)
		result.Total = result.Total.Add(applied)
		result.Entries = append(result.Entries, AllocationEntry{CreditID: credit.ID, Amount: applied})
	}

	recomputeStatus(inv, now)
	inv.UpdatedAt = now
	if err := tx.UpdateInvoice(ctx, inv); err != nil {
		return result, err
	}
	result.InvoiceStatus = inv.Status
	return result, nil
}

// applyCreditStep performs one auditable allocation: it writes the
// CreditApplication row, decrements the credit, and increments the invoice.
// The caller is responsible for recomputing and persisting invoice status.
func applyCreditStep(ctx context.Context, tx TxRepository, credit *UserCredit, inv *Invoice, applied decimal.Decimal, now time.Time) error {
	app := &CreditApplication{
		ID:        uuid.New(),
		CreditID:  credit.ID,
		InvoiceID: inv.ID,
		Amount:    applied,
		AppliedAt: now,
		Notes:     fmt.Sprintf("applied to invoice %s", inv.ID),
		CreatedAt: now,
	}
	if err := tx.InsertApplication(ctx, app); err != nil {
		return err
	}

	credit.Remaining = credit.Remaining.Sub(applied)
	if !credit.Remaining.IsPositive() {
		credit.Remaining = decimal.Zero
		credit.IsApplied = true
		appliedAt := now
		credit.AppliedAt = &appliedAt
	}
	credit.UpdatedAt = now
	if err := tx.UpdateCredit(ctx, credit); err != nil {
		return err
	}

	inv.AmountPaid = inv.AmountPaid.Add(applied)
	return nil
}

// spreadCredit applies one credit across the given open invoices in order,
// one application per invoice, until the credit or the invoices are
// exhausted. Used for overpayment spillover and finalize-time sweeps.
func spreadCredit(ctx context.Context, tx TxRepository, credit *UserCredit, invoices []Invoice, now time.Time) (decimal.Decimal, error) {
	spread := decimal.Zero
	for i := range invoices {
		if !credit.Allocatable() {
			break
		}
		inv := &invoices[i]
		if !inv.IsOpen() {
			continue
		}
		applied := decimal.Min(credit.Remaining, inv.RemainingDue())
		if !applied.IsPositive() {
			continue
		}

		if err := applyCreditStep(ctx, tx, credit, inv, applied, now); err != nil {
			return spread, err
		}
		recomputeStatus(inv, now)
		inv.UpdatedAt = now
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return spread, err
		}
		spread = spread.Add(applied)
	}
	return spread, nil
}
