package billing

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// memoryRepo implements Repository and TxRepository for service tests.
// WithTx runs the callback against the same store under a mutex, so
// concurrent transactions serialize the way row locks would.
type memoryRepo struct {
	mu           sync.Mutex
	invoices     map[uuid.UUID]*Invoice
	payments     map[uuid.UUID]*Payment
	credits      map[uuid.UUID]*UserCredit
	applications []CreditApplication
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		invoices: make(map[uuid.UUID]*Invoice),
		payments: make(map[uuid.UUID]*Payment),
		credits:  make(map[uuid.UUID]*UserCredit),
	}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(ctx, r)
}

func (r *memoryRepo) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	inv, ok := r.invoices[id]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	cp := *inv
	return &cp, nil
}

func (r *memoryRepo) GetCredit(ctx context.Context, id uuid.UUID) (*UserCredit, error) {
	c, ok := r.credits[id]
	if !ok {
		return nil, ErrCreditNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *memoryRepo) GetInvoiceForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return r.GetInvoice(ctx, id)
}

func (r *memoryRepo) GetCreditForUpdate(ctx context.Context, id uuid.UUID) (*UserCredit, error) {
	return r.GetCredit(ctx, id)
}

func (r *memoryRepo) ListUserInvoices(ctx context.Context, userID int64, req ListInvoicesRequest) ([]Invoice, error) {
	var out []Invoice
	for _, inv := range r.invoices {
		if inv.UserID != userID {
			continue
		}
		if req.Status != "" && inv.Status != req.Status {
			continue
		}
		if req.Type != "" && inv.Type != req.Type {
			continue
		}
		out = append(out, *inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InvoiceDate.After(out[j].InvoiceDate) })
	if req.Limit > 0 && len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return out, nil
}

func (r *memoryRepo) ListUserCredits(ctx context.Context, userID int64) ([]UserCredit, error) {
	var out []UserCredit
	for _, c := range r.credits {
		if c.UserID == userID {
			out = append(out, *c)
		}
	}
	sortCredits(out)
	return out, nil
}

func (r *memoryRepo) ListUserPayments(ctx context.Context, userID int64) ([]Payment, error) {
	var out []Payment
	for _, p := range r.payments {
		if p.UserID == userID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaidAt.After(out[j].PaidAt) })
	return out, nil
}

func (r *memoryRepo) ListInvoiceApplications(ctx context.Context, invoiceID uuid.UUID) ([]CreditApplication, error) {
	var out []CreditApplication
	for _, a := range r.applications {
		if a.InvoiceID == invoiceID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *memoryRepo) ListOpenCreditsForUpdate(ctx context.Context, userID int64) ([]UserCredit, error) {
	var out []UserCredit
	for _, c := range r.credits {
		if c.UserID == userID && c.Allocatable() {
			out = append(out, *c)
		}
	}
	sortCredits(out)
	return out, nil
}

func (r *memoryRepo) ListOpenInvoicesForUpdate(ctx context.Context, userID int64) ([]Invoice, error) {
	var out []Invoice
	for _, inv := range r.invoices {
		if inv.UserID == userID && inv.IsOpen() {
			out = append(out, *inv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].DueDate.Before(out[j].DueDate)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (r *memoryRepo) ListBatchDraftsForUpdate(ctx context.Context, batchID uuid.UUID) ([]Invoice, error) {
	var out []Invoice
	for _, inv := range r.invoices {
		if inv.BatchID != nil && *inv.BatchID == batchID && inv.Status == StatusDraft {
			out = append(out, *inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (r *memoryRepo) MostRecentOverdueInvoice(ctx context.Context, userID int64, today time.Time) (*Invoice, error) {
	var best *Invoice
	for _, inv := range r.invoices {
		if inv.UserID != userID || inv.Status == StatusPaid || inv.Status == StatusCancelled {
			continue
		}
		if !inv.DueDate.Before(today) {
			continue
		}
		if best == nil || inv.DueDate.After(best.DueDate) {
			best = inv
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (r *memoryRepo) ListRecentLateFees(ctx context.Context, userID int64, since time.Time) ([]Invoice, error) {
	var out []Invoice
	for _, inv := range r.invoices {
		if inv.UserID == userID && inv.Type == TypeLateFee && !inv.CreatedAt.Before(since) {
			out = append(out, *inv)
		}
	}
	return out, nil
}

func (r *memoryRepo) UserBalance(ctx context.Context, userID int64) (Balance, error) {
	b := Balance{Outstanding: decimal.Zero, CreditAvailable: decimal.Zero}
	for _, inv := range r.invoices {
		if inv.UserID == userID && inv.Status != StatusDraft && inv.Status != StatusCancelled {
			b.Outstanding = b.Outstanding.Add(inv.RemainingDue())
		}
	}
	for _, c := range r.credits {
		if c.UserID == userID && !c.IsApplied && !c.IsVoided {
			b.CreditAvailable = b.CreditAvailable.Add(c.Remaining)
		}
	}
	return b, nil
}

func (r *memoryRepo) InsertInvoice(ctx context.Context, inv *Invoice) error {
	cp := *inv
	r.invoices[inv.ID] = &cp
	return nil
}

func (r *memoryRepo) UpdateInvoice(ctx context.Context, inv *Invoice) error {
	if _, ok := r.invoices[inv.ID]; !ok {
		return ErrInvoiceNotFound
	}
	cp := *inv
	r.invoices[inv.ID] = &cp
	return nil
}

func (r *memoryRepo) DeleteBatchDrafts(ctx context.Context, batchID uuid.UUID) (int64, error) {
	var deleted int64
	for id, inv := range r.invoices {
		if inv.BatchID != nil && *inv.BatchID == batchID && inv.Status == StatusDraft {
			delete(r.invoices, id)
			deleted++
		}
	}
	return deleted, nil
}

func (r *memoryRepo) InsertPayment(ctx context.Context, p *Payment) error {
	cp := *p
	r.payments[p.ID] = &cp
	return nil
}

func (r *memoryRepo) AppendPaymentNote(ctx context.Context, paymentID uuid.UUID, note string) error {
	p, ok := r.payments[paymentID]
	if !ok {
		return nil
	}
	if p.Notes == "" {
		p.Notes = note
	} else {
		p.Notes += "\n" + note
	}
	return nil
}

func (r *memoryRepo) InsertCredit(ctx context.Context, c *UserCredit) error {
	cp := *c
	r.credits[c.ID] = &cp
	return nil
}

func (r *memoryRepo) UpdateCredit(ctx context.Context, c *UserCredit) error {
	if _, ok := r.credits[c.ID]; !ok {
		return ErrCreditNotFound
	}
	cp := *c
	r.credits[c.ID] = &cp
	return nil
}

func (r *memoryRepo) InsertApplication(ctx context.Context, a *CreditApplication) error {
	r.applications = append(r.applications, *a)
	return nil
}

func sortCredits(credits []UserCredit) {
	sort.Slice(credits, func(i, j int) bool {
		if !credits[i].CreditDate.Equal(credits[j].CreditDate) {
			return credits[i].CreditDate.Before(credits[j].CreditDate)
		}
		return credits[i].ID.String() < credits[j].ID.String()
	})
}

// fakeDirectory is a canned member directory.
type fakeDirectory struct {
	contacts map[int64]bool
	assets   []BillableAsset
}

func (d *fakeDirectory) IsBillingContact(ctx context.Context, userID int64) (bool, error) {
	return d.contacts[userID], nil
}

func (d *fakeDirectory) BillingContacts(ctx context.Context) ([]int64, error) {
	var ids []int64
	for id, ok := range d.contacts {
		if ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (d *fakeDirectory) BillableAssets(ctx context.Context) ([]BillableAsset, error) {
	return d.assets, nil
}

// recordingNotifier captures notices sent by the service.
type recordingNotifier struct {
	notices []Notice
}

func (n *recordingNotifier) Send(ctx context.Context, notice Notice) error {
	n.notices = append(n.notices, notice)
	return nil
}

func money(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func containsNote(notes []Notice, fragment string) bool {
	for _, n := range notes {
		if strings.Contains(n.Body, fragment) {
			return true
		}
	}
	return false
}
