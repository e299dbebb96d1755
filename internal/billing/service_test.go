package billing

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// flakyRepo fails WithTx with ErrConflict for the first failures calls,
// the way a serialization failure aborts a transaction before any of its
// writes land.
type flakyRepo struct {
	*memoryRepo
	failures int
	calls    int
}

func (r *flakyRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.calls++
	if r.failures > 0 {
		r.failures--
		return ErrConflict
	}
	return r.memoryRepo.WithTx(ctx, fn)
}

func newTestService(repo Repository, dir Directory, now time.Time, notifier Notifier) *Service {
	return NewService(repo, dir, slog.Default(), ServiceConfig{
		Notifier: notifier,
		Clock:    func() time.Time { return now },
	})
}

func TestCreateInvoiceAppliesExistingCredit(t *testing.T) {
	repo := newMemoryRepo()
	now := day("2025-06-01")
	svc := newTestService(repo, &fakeDirectory{}, now, nil)

	seedCredit(repo, 9, "2025-03-01", "40.00")

	result, err := svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		UserID:      9,
		Description: "Q3 dues",
		Amount:      money("100.00"),
		Type:        TypeDues,
	})
	require.NoError(t, err)

	inv := repo.invoices[result.Invoice.ID]
	require.Equal(t, StatusDue, inv.Status)
	require.True(t, inv.AmountDue.Equal(money("100.00")))
	require.True(t, inv.AmountPaid.Equal(money("40.00")))
	require.True(t, result.Allocation.Total.Equal(money("40.00")))

	// default due date is 30 days out
	require.Equal(t, now.AddDate(0, 0, 30), inv.DueDate)

	balance, err := svc.BalanceOf(context.Background(), 9)
	require.NoError(t, err)
	require.True(t, balance.Outstanding.Equal(money("60.00")))
	require.True(t, balance.CreditAvailable.IsZero())
}

func TestCreateInvoiceFullyCoveredByCredit(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, &fakeDirectory{}, day("2025-06-01"), nil)

	seedCredit(repo, 9, "2025-03-01", "150.00")

	result, err := svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		UserID:      9,
		Description: "Q3 dues",
		Amount:      money("100.00"),
		Type:        TypeDues,
	})
	require.NoError(t, err)
	require.Equal(t, StatusPaid, result.Allocation.InvoiceStatus)

	balance, err := svc.BalanceOf(context.Background(), 9)
	require.NoError(t, err)
	require.True(t, balance.Outstanding.IsZero())
	require.True(t, balance.CreditAvailable.Equal(money("50.00")))
}

func TestCreateInvoiceValidation(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, &fakeDirectory{}, day("2025-06-01"), nil)
	ctx := context.Background()

	_, err := svc.CreateInvoice(ctx, CreateInvoiceInput{UserID: 0, Amount: money("10"), Type: TypeDues})
	require.ErrorIs(t, err, ErrWrongOwner)

	_, err = svc.CreateInvoice(ctx, CreateInvoiceInput{UserID: 3, Amount: money("-1"), Type: TypeDues})
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.CreateInvoice(ctx, CreateInvoiceInput{UserID: 3, Amount: money("10"), Type: "BOGUS"})
	require.Error(t, err)

	// zero-amount invoices are allowed and simply have nothing to allocate
	result, err := svc.CreateInvoice(ctx, CreateInvoiceInput{UserID: 3, Amount: money("0"), Type: TypeFine})
	require.NoError(t, err)
	require.True(t, result.Allocation.Total.IsZero())
}

func TestApplyCreditManual(t *testing.T) {
	repo := newMemoryRepo()
	now := day("2025-06-01")
	svc := newTestService(repo, &fakeDirectory{}, now, nil)
	ctx := context.Background()

	credit := seedCredit(repo, 4, "2025-01-01", "30.00")
	inv := seedInvoice(repo, 4, "2025-06-30", "100.00", StatusDue)

	result, err := svc.ApplyCredit(ctx, ApplyCreditInput{
		UserID:    4,
		CreditID:  credit.ID,
		InvoiceID: inv.ID,
		Amount:    money("50.00"),
	})
	require.NoError(t, err)

	// capped at the credit's remaining balance
	require.True(t, result.Applied.Equal(money("30.00")))
	require.Equal(t, StatusDue, result.InvoiceStatus)
	require.True(t, repo.credits[credit.ID].IsApplied)
	require.Len(t, repo.applications, 1)
}

func TestApplyCreditRejectsVoidedAndExhausted(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, &fakeDirectory{}, day("2025-06-01"), nil)
	ctx := context.Background()

	inv := seedInvoice(repo, 4, "2025-06-30", "100.00", StatusDue)

	voided := seedCredit(repo, 4, "2025-01-01", "30.00")
	voided.IsVoided = true
	_, err := svc.ApplyCredit(ctx, ApplyCreditInput{UserID: 4, CreditID: voided.ID, InvoiceID: inv.ID, Amount: money("10")})
	require.ErrorIs(t, err, ErrCreditVoided)

	spent := seedCredit(repo, 4, "2025-01-02", "0.00")
	spent.IsApplied = true
	_, err = svc.ApplyCredit(ctx, ApplyCreditInput{UserID: 4, CreditID: spent.ID, InvoiceID: inv.ID, Amount: money("10")})
	require.ErrorIs(t, err, ErrCreditExhausted)
}

func TestApplyCreditOwnershipAndStatusChecks(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, &fakeDirectory{}, day("2025-06-01"), nil)
	ctx := context.Background()

	credit := seedCredit(repo, 4, "2025-01-01", "30.00")
	otherInv := seedInvoice(repo, 5, "2025-06-30", "100.00", StatusDue)
	_, err := svc.ApplyCredit(ctx, ApplyCreditInput{UserID: 4, CreditID: credit.ID, InvoiceID: otherInv.ID, Amount: money("10")})
	require.ErrorIs(t, err, ErrWrongOwner)

	draft := seedInvoice(repo, 4, "2025-06-30", "100.00", StatusDraft)
	_, err = svc.ApplyCredit(ctx, ApplyCreditInput{UserID: 4, CreditID: credit.ID, InvoiceID: draft.ID, Amount: money("10")})
	require.ErrorIs(t, err, ErrInvalidStatus)
}

func TestBalanceOfExcludesDraftAndCancelled(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, &fakeDirectory{}, day("2025-06-01"), nil)

	seedInvoice(repo, 6, "2025-06-30", "100.00", StatusDue)
	seedInvoice(repo, 6, "2025-07-31", "40.00", StatusDraft)
	seedInvoice(repo, 6, "2025-05-31", "60.00", StatusCancelled)

	balance, err := svc.BalanceOf(context.Background(), 6)
	require.NoError(t, err)
	require.True(t, balance.Outstanding.Equal(money("100.00")), "got %s", balance.Outstanding)

	// reading the balance twice must not change it
	again, err := svc.BalanceOf(context.Background(), 6)
	require.NoError(t, err)
	require.True(t, balance.Outstanding.Equal(again.Outstanding))
	require.True(t, balance.CreditAvailable.Equal(again.CreditAvailable))
}

func TestBalanceOfUnknownMemberIsZero(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, &fakeDirectory{}, day("2025-06-01"), nil)

	balance, err := svc.BalanceOf(context.Background(), 999)
	require.NoError(t, err)
	require.True(t, balance.Outstanding.IsZero())
	require.True(t, balance.CreditAvailable.IsZero())
}

func TestGetInvoiceReturnsApplications(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, &fakeDirectory{}, day("2025-06-01"), nil)

	seedCredit(repo, 9, "2025-03-01", "40.00")
	created, err := svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		UserID: 9, Description: "Q3 dues", Amount: money("100.00"), Type: TypeDues,
	})
	require.NoError(t, err)

	inv, apps, err := svc.GetInvoice(context.Background(), created.Invoice.ID)
	require.NoError(t, err)
	require.Len(t, apps, 1)
	require.True(t, apps[0].Amount.Equal(money("40.00")))
	require.True(t, inv.AmountPaid.Equal(money("40.00")))

	total := decimal.Zero
	for _, a := range apps {
		total = total.Add(a.Amount)
	}
	require.True(t, total.Equal(inv.AmountPaid))
}

func TestRecordPaymentRetriesOnceOnConflict(t *testing.T) {
	repo := newMemoryRepo()
	flaky := &flakyRepo{memoryRepo: repo, failures: 1}
	svc := newTestService(flaky, &fakeDirectory{}, day("2025-06-01"), nil)

	inv := seedInvoice(repo, 7, "2025-06-30", "100.00", StatusDue)

	result, err := svc.RecordPayment(context.Background(), RecordPaymentInput{
		UserID:    7,
		InvoiceID: inv.ID,
		Amount:    money("60.00"),
	})
	require.NoError(t, err)
	require.Equal(t, 2, flaky.calls)
	require.Equal(t, StatusDue, result.InvoiceStatus)
	require.Len(t, repo.payments, 1)
	require.True(t, repo.invoices[inv.ID].AmountPaid.Equal(money("60.00")))
}

func TestRecordPaymentSurfacesConflictAfterRetry(t *testing.T) {
	repo := newMemoryRepo()
	flaky := &flakyRepo{memoryRepo: repo, failures: 2}
	svc := newTestService(flaky, &fakeDirectory{}, day("2025-06-01"), nil)

	inv := seedInvoice(repo, 7, "2025-06-30", "100.00", StatusDue)

	_, err := svc.RecordPayment(context.Background(), RecordPaymentInput{
		UserID:    7,
		InvoiceID: inv.ID,
		Amount:    money("60.00"),
	})
	require.ErrorIs(t, err, ErrConflict)
	// exactly one retry, then the conflict reaches the caller
	require.Equal(t, 2, flaky.calls)
	// the aborted attempts left nothing behind
	require.Empty(t, repo.payments)
	require.True(t, repo.invoices[inv.ID].AmountPaid.IsZero())
}

func TestConcurrentInvoicesNeverOverspendCredit(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, &fakeDirectory{}, day("2025-06-01"), nil)

	credit := seedCredit(repo, 9, "2025-03-01", "50.00")

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.CreateInvoice(context.Background(), CreateInvoiceInput{
				UserID:      9,
				Description: "Q3 dues",
				Amount:      money("40.00"),
				Type:        TypeDues,
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	total := decimal.Zero
	for _, a := range repo.applications {
		total = total.Add(a.Amount)
	}
	require.True(t, total.LessThanOrEqual(money("50.00")), "allocated %s from a 50.00 credit", total)
	// remaining + everything applied must still equal the original amount
	require.True(t, repo.credits[credit.ID].Remaining.Add(total).Equal(money("50.00")))

	balance, err := svc.BalanceOf(context.Background(), 9)
	require.NoError(t, err)
	require.True(t, balance.Outstanding.Equal(money("30.00")), "got %s", balance.Outstanding)
}
