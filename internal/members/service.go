package members

import (
	"context"

	"github.com/harborview-assoc/harborview/internal/billing"
)

// RepositoryPort defines data access methods for members.
type RepositoryPort interface {
	GetMember(ctx context.Context, id int64) (*Member, error)
	ListMembers(ctx context.Context) ([]Member, error)
	ListBillingContacts(ctx context.Context) ([]int64, error)
	ListUnits(ctx context.Context) ([]Unit, error)
}

// Service handles member directory lookups. It doubles as the billing
// engine's Directory.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// GetMember returns one member.
func (s *Service) GetMember(ctx context.Context, id int64) (*Member, error) {
	return s.repo.GetMember(ctx, id)
}

// ListMembers returns all active members.
func (s *Service) ListMembers(ctx context.Context) ([]Member, error) {
	return s.repo.ListMembers(ctx)
}

// IsBillingContact reports whether the member exists, is active and is the
// billing contact for their household.
func (s *Service) IsBillingContact(ctx context.Context, userID int64) (bool, error) {
	m, err := s.repo.GetMember(ctx, userID)
	if err != nil {
		return false, err
	}
	return m.IsActive && m.IsBillingContact, nil
}

// BillingContacts returns ids of members eligible for billing runs.
func (s *Service) BillingContacts(ctx context.Context) ([]int64, error) {
	return s.repo.ListBillingContacts(ctx)
}

// BillableAssets returns every unit as a billable asset, keeping unassigned
// units so callers can decide how to treat them.
func (s *Service) BillableAssets(ctx context.Context) ([]billing.BillableAsset, error) {
	units, err := s.repo.ListUnits(ctx)
	if err != nil {
		return nil, err
	}
	assets := make([]billing.BillableAsset, len(units))
	for i, u := range units {
		assets[i] = billing.BillableAsset{
			ID:     u.ID,
			Label:  u.Label,
			UserID: u.MemberID,
			Fee:    u.Fee,
		}
	}
	return assets, nil
}
