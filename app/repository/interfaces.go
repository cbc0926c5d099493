package repository

import (
	"context"
	"time"

	"github.com/ManuelReschke/MemberFox/app/models"
)

// UserStore defines user lookups and the merge upsert used by the webhook core.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByCustomerID(ctx context.Context, customerID string) (*models.User, error)
	// SetUser inserts the user or merges its non-zero fields into the stored row.
	// Customer ids are unique: linking one that belongs to another user moves it.
	SetUser(ctx context.Context, user *models.User) error
}

// MembershipStore defines membership persistence. Rows are keyed by the
// provider subscription id and are upserted, never appended.
type MembershipStore interface {
	GetMembership(ctx context.Context, id string) (*models.Membership, error)
	// GetActiveMembership returns the user's membership in an active status with
	// the latest end date.
	GetActiveMembership(ctx context.Context, userID string) (*models.Membership, error)
	// SetMembership upserts m and returns the row it replaced (nil on insert).
	// The stats delta of the transition is applied in the same transaction.
	SetMembership(ctx context.Context, m *models.Membership) (*models.Membership, error)
	// UpdateMembership applies a partial update and its stats delta and returns
	// the row before and after it.
	UpdateMembership(ctx context.Context, id string, update MembershipUpdate) (before, after *models.Membership, err error)
	// DeleteMembership removes the row and its contribution to the stats.
	DeleteMembership(ctx context.Context, id string) error
	GetAllMemberships(ctx context.Context, filter MembershipFilter) (*MembershipPage, error)
	GetExpiringMemberships(ctx context.Context, withinDays int) ([]models.Membership, error)
	// ListMemberships returns every row; used by stats reconciliation.
	ListMemberships(ctx context.Context) ([]models.Membership, error)
	// SoftDeleteMember marks every membership and the card of a user deleted,
	// appends an audit entry and adjusts stats in a single transaction.
	SoftDeleteMember(ctx context.Context, userID, performedBy string) (*SoftDeleteResult, error)
}

// CardStore defines membership card persistence.
type CardStore interface {
	GetCard(ctx context.Context, userID string) (*models.MembershipCard, error)
	GetCardByNumber(ctx context.Context, number string) (*models.MembershipCard, error)
	// SetCard creates the card or updates it in place. The membership number of an
	// existing card is never overwritten.
	SetCard(ctx context.Context, card *models.MembershipCard) error
	UpdateCard(ctx context.Context, userID string, update CardUpdate) error
	DeleteCard(ctx context.Context, userID string) error
}

// CounterStore owns the per-year numbering counter.
type CounterStore interface {
	// IncrementCounter atomically creates the year's row at 1 or increments it,
	// returning the new value.
	IncrementCounter(ctx context.Context, year int) (int64, error)
}

// AuditStore is the append-only audit log.
type AuditStore interface {
	LogAuditEntry(ctx context.Context, entry *models.AuditEntry) error
	// GetMemberAuditLog returns a user's entries, newest first. limit <= 0 means all.
	GetMemberAuditLog(ctx context.Context, userID string, limit int) ([]models.AuditEntry, error)
}

// StatsStore keeps the aggregate counters.
type StatsStore interface {
	GetStats(ctx context.Context) (*models.MembershipStats, error)
	// UpdateStats sets the given counters and leaves all others untouched.
	UpdateStats(ctx context.Context, values map[string]int64) error
	// IncrementStats atomically adds deltas to the counters.
	IncrementStats(ctx context.Context, deltas map[string]int64) error
	// ReplaceStats resets every counter and writes values, used by reconciliation.
	ReplaceStats(ctx context.Context, values map[string]int64) error
}

// WebhookEventStore is the ledger behind the idempotency gate.
type WebhookEventStore interface {
	// ClaimWebhookEvent creates or re-claims the event's ledger row in one
	// transaction. It returns an apperror.KindDuplicateEvent error when the event
	// completed or is held by a fresh claim.
	ClaimWebhookEvent(ctx context.Context, eventID, eventType string, now time.Time, staleAfter time.Duration) (*models.WebhookEvent, error)
	CompleteWebhookEvent(ctx context.Context, eventID string, now time.Time) error
	FailWebhookEvent(ctx context.Context, eventID, message string, now time.Time) error
	GetWebhookEvent(ctx context.Context, eventID string) (*models.WebhookEvent, error)
	// DeleteWebhookEventsBefore removes at most limit rows created before cutoff.
	DeleteWebhookEventsBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// Store is the full persistence contract. Every implementation must pass the
// storetest conformance suite; callers never branch on the backend.
type Store interface {
	UserStore
	MembershipStore
	CardStore
	CounterStore
	AuditStore
	StatsStore
	WebhookEventStore

	Backend() string
	Close(ctx context.Context) error
}

// MembershipUpdate is a partial membership update; nil fields are left unchanged.
type MembershipUpdate struct {
	PlanType   *string
	PriceID    *string
	PriceCents *int64
	Status     *string
	StartDate  *time.Time
	EndDate    *time.Time
	AutoRenew  *bool
}

// IsEmpty reports whether the update changes nothing.
func (u MembershipUpdate) IsEmpty() bool {
	return u.PlanType == nil && u.PriceID == nil && u.PriceCents == nil && u.Status == nil &&
		u.StartDate == nil && u.EndDate == nil && u.AutoRenew == nil
}

// ApplyTo copies the set fields onto m.
func (u MembershipUpdate) ApplyTo(m *models.Membership) {
	if u.PlanType != nil {
		m.PlanType = *u.PlanType
	}
	if u.PriceID != nil {
		m.PriceID = *u.PriceID
	}
	if u.PriceCents != nil {
		m.PriceCents = *u.PriceCents
	}
	if u.Status != nil {
		m.Status = *u.Status
	}
	if u.StartDate != nil {
		t := *u.StartDate
		m.StartDate = &t
	}
	if u.EndDate != nil {
		t := *u.EndDate
		m.EndDate = &t
	}
	if u.AutoRenew != nil {
		m.AutoRenew = *u.AutoRenew
	}
}

// CardUpdate is a partial card update; the membership number cannot be changed.
type CardUpdate struct {
	MembershipID      *string
	ValidFrom         *time.Time
	ValidUntil        *time.Time
	Status            *string
	VerificationToken *string
}

// ApplyTo copies the set fields onto c.
func (u CardUpdate) ApplyTo(c *models.MembershipCard) {
	if u.MembershipID != nil {
		c.MembershipID = *u.MembershipID
	}
	if u.ValidFrom != nil {
		c.ValidFrom = *u.ValidFrom
	}
	if u.ValidUntil != nil {
		c.ValidUntil = *u.ValidUntil
	}
	if u.Status != nil {
		c.Status = *u.Status
	}
	if u.VerificationToken != nil {
		c.VerificationToken = *u.VerificationToken
	}
}

// MembershipFilter drives the admin membership listing.
type MembershipFilter struct {
	Status   string
	PlanType string
	// ExpiresFrom/ExpiresTo bound the membership end date (inclusive).
	ExpiresFrom *time.Time
	ExpiresTo   *time.Time
	// Search matches email, name or membership number, case-insensitively.
	Search string
	Offset int
	Limit  int
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

// Normalize clamps pagination values.
func (f MembershipFilter) Normalize() MembershipFilter {
	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.Limit <= 0 {
		f.Limit = DefaultPageLimit
	}
	if f.Limit > MaxPageLimit {
		f.Limit = MaxPageLimit
	}
	return f
}

// MembershipListItem is a membership joined with its member's identity and card number.
type MembershipListItem struct {
	Membership       models.Membership `json:"membership"`
	Email            string           `json:"email"`
	Name             string           `json:"name"`
	MembershipNumber string           `json:"membership_number"`
}

// MembershipPage is one page of GetAllMemberships with the unpaginated total.
type MembershipPage struct {
	Items  []MembershipListItem `json:"items"`
	Total  int64                `json:"total"`
	Offset int                  `json:"offset"`
	Limit  int                  `json:"limit"`
}

// SoftDeleteResult summarizes a soft delete.
type SoftDeleteResult struct {
	UserID             string           `json:"user_id"`
	MembershipsDeleted int              `json:"memberships_deleted"`
	CardDeleted        bool             `json:"card_deleted"`
	StatsDelta         map[string]int64 `json:"stats_delta"`
}
