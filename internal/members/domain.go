package members

import (
	"time"

	"github.com/shopspring/decimal"
)

// Member is an association member account.
type Member struct {
	ID               int64     `json:"id"`
	Name             string    `json:"name"`
	Email            string    `json:"email"`
	Phone            string    `json:"phone,omitempty"`
	IsBillingContact bool      `json:"is_billing_contact"`
	IsActive         bool      `json:"is_active"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Unit is a billable property unit. An unassigned unit has no owner on file
// and is skipped by billing runs.
type Unit struct {
	ID       int64           `json:"id"`
	Label    string          `json:"label"`
	Fee      decimal.Decimal `json:"fee"`
	MemberID *int64          `json:"member_id,omitempty"`
}
