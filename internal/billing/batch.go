package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BatchResult summarises a batch creation.
type BatchResult struct {
	BatchID  uuid.UUID       `json:"batch_id"`
	Invoices int             `json:"invoices"`
	Total    decimal.Decimal `json:"total"`
}

// CreateBatchInput drives a billing run over the association's assets.
type CreateBatchInput struct {
	Description string
	InvoiceDate time.Time
	DueDate     time.Time
}

// CreateBatch creates one Draft invoice per assigned billable asset, all
// sharing a freshly generated batch id. Unassigned assets are skipped;
// a run with nothing to invoice is rejected without creating a batch.
func (s *Service) CreateBatch(ctx context.Context, input CreateBatchInput) (*BatchResult, error) {
	assets, err := s.directory.BillableAssets(ctx)
	if err != nil {
		return nil, err
	}
	var assignable []BillableAsset
	for _, a := range assets {
		if a.UserID != nil {
			assignable = append(assignable, a)
		}
	}
	if len(assignable) == 0 {
		return nil, ErrNoBillableAssets
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

	batchID := uuid.New()
	result := &BatchResult{BatchID: batchID, Total: decimal.Zero}
	err = s.inTx(ctx, func(ctx context.Context, tx TxRepository) error {
		result.Invoices = 0
		result.Total = decimal.Zero
		for _, asset := range assignable {
			inv := &Invoice{
				ID:          uuid.New(),
				UserID:      *asset.UserID,
				InvoiceDate: invoiceDate,
				DueDate:     dueDate,
				Description: fmt.Sprintf("%s (%s)", input.Description, asset.Label),
				AmountDue:   asset.Fee.Round(2),
				AmountPaid:  decimal.Zero,
				Status:      StatusDraft,
				Type:        TypeDues,
				BatchID:     &batchID,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := tx.InsertInvoice(ctx, inv); err != nil {
				return err
			}
			result.Invoices++
			result.Total = result.Total.Add(inv.AmountDue)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CancelBatchResult reports a batch cancellation.
type CancelBatchResult struct {
	BatchID uuid.UUID `json:"batch_id"`
	Deleted int64     `json:"deleted"`
}

// CancelBatch hard-deletes every Draft invoice in the batch. Cancelled
// drafts were never billed, so they leave no ledger trace. An empty batch
// is a warning condition, not an error.
func (s *Service) CancelBatch(ctx context.Context, batchID uuid.UUID) (*CancelBatchResult, error) {
	result := &CancelBatchResult{BatchID: batchID}
	err := s.inTx(ctx, func(ctx context.Context, tx TxRepository) error {
		deleted, err := tx.DeleteBatchDrafts(ctx, batchID)
		if err != nil {
			return err
		}
		result.Deleted = deleted
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.Deleted == 0 {
		s.logger.Warn("cancel batch found no draft invoices", slog.String("batch_id", batchID.String()))
	}
	return result, nil
}

// FinalizedInvoice reports one invoice's finalization.
type FinalizedInvoice struct {
	InvoiceID uuid.UUID       `json:"invoice_id"`
	UserID    int64           `json:"user_id"`
	Status    InvoiceStatus   `json:"status"`
	Credited  decimal.Decimal `json:"credited"`
}

// FinalizeBatchResult reports a batch finalization.
type FinalizeBatchResult struct {
	BatchID  uuid.UUID          `json:"batch_id"`
	Invoices []FinalizedInvoice `json:"invoices"`
}

// FinalizeBatch activates every Draft invoice in the batch: each becomes
// Due, the member's open credits are applied to it, and any credit still
// remaining is swept across the member's other open invoices by due date.
// The whole batch commits or rolls back as one unit.
func (s *Service) FinalizeBatch(ctx context.Context, batchID uuid.UUID) (*FinalizeBatchResult, error) {
	result := &FinalizeBatchResult{BatchID: batchID}
	touched := make(map[int64]struct{})
	err := s.inTx(ctx, func(ctx context.Context, tx TxRepository) error {
		result.Invoices = nil
		clear(touched)

		drafts, err := tx.ListBatchDraftsForUpdate(ctx, batchID)
		if err != nil {
			return err
		}
		now := s.now()
		for i := range drafts {
			inv := &drafts[i]
			inv.Status = StatusDue
			inv.UpdatedAt = now
			if err := tx.UpdateInvoice(ctx, inv); err != nil {
				return err
			}

			alloc, err := allocateToInvoice(ctx, tx, inv, decimal.Zero, now)
			if err != nil {
				return err
			}
			if err := s.sweepUserCredits(ctx, tx, inv.UserID, inv.ID, now); err != nil {
				return err
			}
			touched[inv.UserID] = struct{}{}
			result.Invoices = append(result.Invoices, FinalizedInvoice{
				InvoiceID: inv.ID,
				UserID:    inv.UserID,
				Status:    inv.Status,
				Credited:  alloc.Total,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for userID := range touched {
		s.afterCommit(ctx, userID)
	}
	return result, nil
}

// sweepUserCredits applies a member's remaining open credits to their other
// open invoices, earliest due date first, mirroring overpayment spillover.
func (s *Service) sweepUserCredits(ctx context.Context, tx TxRepository, userID int64, exclude uuid.UUID, now time.Time) error {
	open, err := tx.ListOpenInvoicesForUpdate(ctx, userID)
	if err != nil {
		return err
	}
	for i := range open {
		inv := &open[i]
		if inv.ID == exclude {
			continue
		}
		alloc, err := allocateToInvoice(ctx, tx, inv, decimal.Zero, now)
		if err != nil {
			return err
		}
		if alloc.Total.IsZero() {
			// credits exhausted; every remaining invoice would allocate zero
			break
		}
	}
	return nil
}
