package billing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const (
	lateFeeCooldown   = 7 * 24 * time.Hour
	lateFeeDueDays    = 15
	bulkConcurrency   = 4
	maxFailureDetails = 20
)

var (
	lateFeeMinimum = decimal.NewFromInt(25)
	lateFeeRate    = decimal.NewFromFloat(0.05)
)

// LateFeeOutcome classifies the result of a late-fee attempt. The Skipped
// outcomes are successful "nothing to do" results, not errors.
type LateFeeOutcome string

const (
	LateFeeApplied                 LateFeeOutcome = "APPLIED"
	LateFeeSkippedNoBalance        LateFeeOutcome = "SKIPPED_NO_BALANCE"
	LateFeeSkippedRecentFee        LateFeeOutcome = "SKIPPED_RECENT_FEE"
	LateFeeSkippedNoOverdueInvoice LateFeeOutcome = "SKIPPED_NO_OVERDUE_INVOICE"
	LateFeeSkippedNotContact       LateFeeOutcome = "SKIPPED_NOT_BILLING_CONTACT"
)

// LateFeeResult reports one late-fee attempt.
type LateFeeResult struct {
	Outcome       LateFeeOutcome  `json:"outcome"`
	FeeAmount     decimal.Decimal `json:"fee_amount"`
	InvoiceID     *uuid.UUID      `json:"invoice_id,omitempty"`
	CreditApplied decimal.Decimal `json:"credit_applied"`
	InvoiceStatus InvoiceStatus   `json:"invoice_status,omitempty"`
}

func skippedLateFee(outcome LateFeeOutcome) *LateFeeResult {
	return &LateFeeResult{
		Outcome:       outcome,
		FeeAmount:     decimal.Zero,
		CreditApplied: decimal.Zero,
	}
}

// lateFeeReference is the marker a fee invoice's description carries for the
// overdue invoice it penalises; the cooldown check matches on it.
func lateFeeReference(overdueID uuid.UUID) string {
	return fmt.Sprintf("Late fee for invoice %s", overdueID)
}

// ApplyLateFee assesses a late fee for one member: billing contacts with a
// positive outstanding balance and an overdue invoice get a fee invoice of
// max($25, 5% of the overdue amount), due in 15 days, with existing credits
// applied to it immediately. A fee for the same overdue invoice within the
// last 7 days suppresses a new one.
func (s *Service) ApplyLateFee(ctx context.Context, userID int64) (*LateFeeResult, error) {
	isContact, err := s.directory.IsBillingContact(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !isContact {
		s.metrics.LateFeeOutcome(string(LateFeeSkippedNotContact))
		return skippedLateFee(LateFeeSkippedNotContact), nil
	}

	now := s.now()
	var result *LateFeeResult
	err = s.inTx(ctx, func(ctx context.Context, tx TxRepository) error {
		balance, err := tx.UserBalance(ctx, userID)
		if err != nil {
			return err
		}
		if !balance.Outstanding.IsPositive() {
			result = skippedLateFee(LateFeeSkippedNoBalance)
			return nil
		}

		// TODO: confirm with product that the fee basis really is the
		// overdue invoice with the latest due date; "most overdue" would
		// order the other way.
		overdue, err := tx.MostRecentOverdueInvoice(ctx, userID, now)
		if err != nil {
			return err
		}

		recent, err := tx.ListRecentLateFees(ctx, userID, now.Add(-lateFeeCooldown))
		if err != nil {
			return err
		}
		for _, fee := range recent {
			if overdue == nil || strings.Contains(fee.Description, lateFeeReference(overdue.ID)) {
				result = skippedLateFee(LateFeeSkippedRecentFee)
				return nil
			}
		}

		if overdue == nil {
			result = skippedLateFee(LateFeeSkippedNoOverdueInvoice)
			return nil
		}

		fee := decimal.Max(lateFeeMinimum, overdue.AmountDue.Mul(lateFeeRate)).Round(2)
		inv := &Invoice{
			ID:          uuid.New(),
			UserID:      userID,
			InvoiceDate: now,
			DueDate:     now.AddDate(0, 0, lateFeeDueDays),
			Description: fmt.Sprintf("%s (%s due %s)", lateFeeReference(overdue.ID),
				formatMoney(overdue.AmountDue), overdue.DueDate.Format("2006-01-02")),
			AmountDue:  fee,
			AmountPaid: decimal.Zero,
			Status:     StatusDue,
			Type:       TypeLateFee,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.InsertInvoice(ctx, inv); err != nil {
			return err
		}

		alloc, err := allocateToInvoice(ctx, tx, inv, decimal.Zero, now)
		if err != nil {
			return err
		}
		result = &LateFeeResult{
			Outcome:       LateFeeApplied,
			FeeAmount:     fee,
			InvoiceID:     &inv.ID,
			CreditApplied: alloc.Total,
			InvoiceStatus: inv.Status,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.LateFeeOutcome(string(result.Outcome))
	if result.Outcome == LateFeeApplied {
		s.afterCommit(ctx, userID)
		s.notify(ctx, userID, "Late fee assessed",
			fmt.Sprintf("A late fee of %s has been added to your account, due %s.",
				formatMoney(result.FeeAmount), now.AddDate(0, 0, lateFeeDueDays).Format("January 2, 2006")))
	}
	return result, nil
}

// BulkFailure records one member's failed late-fee attempt.
type BulkFailure struct {
	UserID int64  `json:"user_id"`
	Error  string `json:"error"`
}

// BulkLateFeeSummary aggregates a sweep over all billing contacts.
type BulkLateFeeSummary struct {
	Processed int                    `json:"processed"`
	Outcomes  map[LateFeeOutcome]int `json:"outcomes"`
	Failed    int                    `json:"failed"`
	Failures  []BulkFailure          `json:"failures,omitempty"`
}

// ApplyLateFeesBulk runs ApplyLateFee for every billing contact. Members are
// independent ledgers, so they are processed concurrently; one member's
// failure is recorded and never aborts the sweep.
func (s *Service) ApplyLateFeesBulk(ctx context.Context) (*BulkLateFeeSummary, error) {
	contacts, err := s.directory.BillingContacts(ctx)
	if err != nil {
		return nil, err
	}

	summary := &BulkLateFeeSummary{Outcomes: make(map[LateFeeOutcome]int)}
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(bulkConcurrency)
	for _, userID := range contacts {
		g.Go(func() error {
			result, err := s.ApplyLateFee(ctx, userID)

			mu.Lock()
			defer mu.Unlock()
			summary.Processed++
			if err != nil {
				summary.Failed++
				if len(summary.Failures) < maxFailureDetails {
					summary.Failures = append(summary.Failures, BulkFailure{UserID: userID, Error: err.Error()})
				}
				s.logger.Error("bulk late fee",
					slog.Int64("user_id", userID), slog.Any("error", err))
				return nil
			}
			summary.Outcomes[result.Outcome]++
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}
	return summary, nil
}
