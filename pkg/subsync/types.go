package subsync

import (
	"strings"
	"time"
)

// Subscription represents a user's billing subscription record.
// The identity key is the user's email address; at most one record
// exists per identity.
type Subscription struct {
	// Identity is the external identity key (email) the record is keyed on
	Identity string

	// Plan is the subscribed plan name (e.g., "monthly", "permanent")
	Plan string

	// CustomerID is the billing provider's customer reference (nil when
	// the subscription has been canceled or was granted manually)
	CustomerID *string

	// SubscriptionID is the billing provider's subscription reference
	SubscriptionID *string

	// EndAt is when the subscription expires (nil = no active grant)
	EndAt *time.Time

	// CreatedAt is when the record was first created; it survives
	// cancellation so history is preserved
	CreatedAt time.Time

	// UpdatedAt is the timestamp of the billing event that last wrote
	// this record. Used for idempotent webhook replay handling.
	UpdatedAt time.Time
}

// Active reports whether the subscription grants access at the given time.
func (s *Subscription) Active(now time.Time) bool {
	if s == nil || s.EndAt == nil {
		return false
	}
	return s.EndAt.After(now)
}

// Profile represents a user directory record, looked up by identity
// during checkout fulfillment and session reads.
type Profile struct {
	Identity    string
	DisplayName string
	ImageURL    string

	// DiscordID is the optional community-platform member handle used
	// by the role grant collaborator
	DiscordID string

	CreatedAt time.Time
}

// PlanTerm describes how long a plan grants access for, in calendar units.
type PlanTerm struct {
	Months int
	Years  int
}

// EndAt returns the expiry for a term starting at the given time.
func (t PlanTerm) EndAt(start time.Time) time.Time {
	return start.AddDate(t.Years, t.Months, 0)
}

// Default plan terms. Unknown plans fall back to one month so a paid
// checkout never fulfills with zero access.
var defaultPlanTerms = map[string]PlanTerm{
	"monthly":   {Months: 1},
	"permanent": {Years: 100},
	"pro":       {Years: 100},
}

// TermForPlan resolves a plan name to its term using the configured
// table, falling back to one month for unknown plans.
func (m *Manager) TermForPlan(plan string) PlanTerm {
	key := strings.ToLower(strings.TrimSpace(plan))
	if term, ok := m.config.PlanTerms[key]; ok {
		return term
	}
	return PlanTerm{Months: 1}
}
