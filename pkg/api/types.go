package api

import "time"

// StandingResponse represents a subscriber's standing with a single creator
type StandingResponse struct {
	Subscriber string `json:"subscriber"`
	Creator    string `json:"creator"`
	Status     string `json:"status"` // "none", "active", "grace", "expired"

	// ExpiresAt is the end of the current paid cycle; omitted when no
	// ledger record exists
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// GraceUntil is the end of the grace window; omitted for unsubscribed
	// pairs since an explicit unsubscribe forfeits grace
	GraceUntil *time.Time `json:"grace_until,omitempty"`

	Tier *TierInfo `json:"tier,omitempty"`
}

// TierInfo represents a single tier in a creator's catalog
type TierInfo struct {
	ID       uint64 `json:"id"`
	Price    int64  `json:"price"`
	PeriodMs int64  `json:"period_ms"`
	Active   bool   `json:"active"`
}

// TiersResponse represents a creator's tier catalog
type TiersResponse struct {
	Creator string     `json:"creator"`
	Tiers   []TierInfo `json:"tiers"`
}
