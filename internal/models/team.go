package models

// Team is a tenant sharing the upstream provider account. Each team holds
// its own bearer token and draws down its own token quota.
type Team struct {
	BaseModel
	Name string `gorm:"uniqueIndex;not null" json:"name"`

	// Token is the opaque credential clients present. Issued once at
	// creation, never rotated, never serialized back out.
	Token string `gorm:"uniqueIndex;not null" json:"-"`

	IsActive bool `gorm:"default:true" json:"is_active"`

	// ContactEmail is set by self-service signup, empty for admin-created
	// teams.
	ContactEmail string `json:"contact_email,omitempty"`

	// Quota accounting, in provider tokens. QuotaUsed must only be
	// mutated through the ledger, never written directly.
	QuotaLimit int64 `json:"quota_limit"`
	QuotaUsed  int64 `json:"quota_used"`

	// Requests per minute. 0 means use the server default, negative
	// disables rate limiting for this team.
	RPM int `json:"rpm"`
}

// Remaining reports the unspent quota, floored at zero for display.
// The stored counter may exceed the limit after an optimistic admission.
func (t *Team) Remaining() int64 {
	if r := t.QuotaLimit - t.QuotaUsed; r > 0 {
		return r
	}
	return 0
}

func (t *Team) IsQuotaExhausted() bool {
	return t.QuotaUsed >= t.QuotaLimit
}

func (t *Team) EffectiveRPM(defaultRPM int) int {
	if t.RPM != 0 {
		return t.RPM
	}
	return defaultRPM
}
