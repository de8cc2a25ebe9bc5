package models

import (
	"time"
)

// Autopilot is the per-(chain, token) enablement record. Its locked_until
// column doubles as the distributed lease: the scheduler only runs a cycle
// for a token while it holds the lease.
type Autopilot struct {
	ChainID        int64      `json:"chain_id" db:"chain_id"`
	TokenID        int64      `json:"token_id" db:"token_id"`
	Renter         string     `json:"renter" db:"renter"`
	Operator       string     `json:"operator" db:"operator"`
	PermitExpires  int64      `json:"permit_expires" db:"permit_expires"`
	PermitDeadline int64      `json:"permit_deadline" db:"permit_deadline"`
	Sig            string     `json:"-" db:"sig"`
	Enabled        bool       `json:"enabled" db:"enabled"`
	LastReason     *string    `json:"last_reason,omitempty" db:"last_reason"`
	LockedUntil    *time.Time `json:"locked_until,omitempty" db:"locked_until"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// LeaseExpired reports whether the autopilot's lease can be taken at t.
func (a *Autopilot) LeaseExpired(t time.Time) bool {
	return a.LockedUntil == nil || !a.LockedUntil.After(t)
}

// EnableAutopilotInput carries the operator permit collected off-chain.
type EnableAutopilotInput struct {
	ChainID        int64  `json:"chain_id"`
	TokenID        int64  `json:"token_id"`
	Renter         string `json:"renter"`
	Operator       string `json:"operator"`
	PermitExpires  int64  `json:"permit_expires"`
	PermitDeadline int64  `json:"permit_deadline"`
	Sig            string `json:"sig"`
}
