package members

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type memoryMembersRepo struct {
	members map[int64]*Member
	units   []Unit
}

func (r *memoryMembersRepo) GetMember(ctx context.Context, id int64) (*Member, error) {
	m, ok := r.members[id]
	if !ok {
		return nil, ErrMemberNotFound
	}
	cp := *m
	return &cp, nil
}

func (r *memoryMembersRepo) ListMembers(ctx context.Context) ([]Member, error) {
	var out []Member
	for _, m := range r.members {
		if m.IsActive {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (r *memoryMembersRepo) ListBillingContacts(ctx context.Context) ([]int64, error) {
	var ids []int64
	for _, m := range r.members {
		if m.IsActive && m.IsBillingContact {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

func (r *memoryMembersRepo) ListUnits(ctx context.Context) ([]Unit, error) {
	return r.units, nil
}

func fixtureRepo() *memoryMembersRepo {
	owner := int64(1)
	return &memoryMembersRepo{
		members: map[int64]*Member{
			1: {ID: 1, Name: "Ada", Email: "ada@example.com", IsBillingContact: true, IsActive: true},
			2: {ID: 2, Name: "Ben", Email: "ben@example.com", IsBillingContact: false, IsActive: true},
			3: {ID: 3, Name: "Cleo", Email: "cleo@example.com", IsBillingContact: true, IsActive: false},
		},
		units: []Unit{
			{ID: 10, Label: "Unit 101", Fee: decimal.NewFromInt(250), MemberID: &owner},
			{ID: 11, Label: "Unit 102", Fee: decimal.NewFromInt(250)},
		},
	}
}

func TestIsBillingContact(t *testing.T) {
	svc := NewService(fixtureRepo())
	ctx := context.Background()

	ok, err := svc.IsBillingContact(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = svc.IsBillingContact(ctx, 2)
	require.NoError(t, err)
	require.False(t, ok)

	// inactive members are never billing contacts
	ok, err = svc.IsBillingContact(ctx, 3)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = svc.IsBillingContact(ctx, 99)
	require.ErrorIs(t, err, ErrMemberNotFound)
}

func TestBillableAssetsKeepUnassignedUnits(t *testing.T) {
	svc := NewService(fixtureRepo())

	assets, err := svc.BillableAssets(context.Background())
	require.NoError(t, err)
	require.Len(t, assets, 2)

	require.NotNil(t, assets[0].UserID)
	require.Equal(t, int64(1), *assets[0].UserID)
	require.Nil(t, assets[1].UserID)
	require.True(t, assets[1].Fee.Equal(decimal.NewFromInt(250)))
}

func TestBillingContactsSkipInactive(t *testing.T) {
	svc := NewService(fixtureRepo())

	ids, err := svc.BillingContacts(context.Background())
	require.NoError(t, err)
	require.Equal(t, []int64{1}, ids)
}
