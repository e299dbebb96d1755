package members

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrMemberNotFound indicates the member does not exist.
var ErrMemberNotFound = errors.New("members: member not found")

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetMember returns one member by id.
func (r *Repository) GetMember(ctx context.Context, id int64) (*Member, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, email, phone, is_billing_contact, is_active, created_at, updated_at
		FROM members WHERE id = $1`, id)
	var m Member
	err := row.Scan(&m.ID, &m.Name, &m.Email, &m.Phone, &m.IsBillingContact, &m.IsActive, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMemberNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMembers returns all active members.
func (r *Repository) ListMembers(ctx context.Context) ([]Member, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, email, phone, is_billing_contact, is_active, created_at, updated_at
		FROM members WHERE is_active ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ID, &m.Name, &m.Email, &m.Phone, &m.IsBillingContact, &m.IsActive, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListBillingContacts returns ids of active members flagged as billing contacts.
func (r *Repository) ListBillingContacts(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM members WHERE is_active AND is_billing_contact ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListUnits returns every unit with its assignment.
func (r *Repository) ListUnits(ctx context.Context) ([]Unit, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, label, fee, member_id FROM units ORDER BY label, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Unit
	for rows.Next() {
		var u Unit
		if err := rows.Scan(&u.ID, &u.Label, &u.Fee, &u.MemberID); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
