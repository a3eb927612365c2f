package models

import "time"

// Tenant is the result of resolving a write key against the tenant directory.
type Tenant struct {
	ProjectID    string
	OrgID        string
	MonthlyLimit int64
	PlanTier     string
}

// Usage is a read-only view of an organization's quota counter.
type Usage struct {
	OrgID       string    `json:"org_id"`
	PlanTier    string    `json:"plan"`
	Used        int64     `json:"used"`
	Limit       int64     `json:"limit"`
	Remaining   int64     `json:"remaining"`
	PercentUsed int       `json:"percent_used"`
	LastReset   time.Time `json:"reset_date"`
}
