package models

import (
	"sort"
	"strings"
	"time"
)

// Membership statuses mirror the provider subscription status, plus the two
// local terminal states canceled and deleted.
const (
	MembershipStatusActive            = "active"
	MembershipStatusTrialing          = "trialing"
	MembershipStatusPastDue           = "past_due"
	MembershipStatusUnpaid            = "unpaid"
	MembershipStatusPaused            = "paused"
	MembershipStatusIncomplete        = "incomplete"
	MembershipStatusIncompleteExpired = "incomplete_expired"
	MembershipStatusCanceled          = "canceled"
	MembershipStatusDeleted           = "deleted"
)

// ActiveMembershipStatuses is the status set used for active-membership selection.
var ActiveMembershipStatuses = []string{
	MembershipStatusActive,
	MembershipStatusTrialing,
	MembershipStatusPastDue,
}

// ExpiringMembershipStatuses is the status set considered by expiry reminders.
var ExpiringMembershipStatuses = []string{
	MembershipStatusActive,
	MembershipStatusPastDue,
}

// Membership mirrors one provider subscription. The id is the provider
// subscription id, so reprocessing upserts the same row.
type Membership struct {
	ID         string     `gorm:"primaryKey;type:varchar(191)" bson:"_id" json:"id"`
	UserID     string     `gorm:"type:varchar(191);not null;index:idx_memberships_user_status_end,priority:1" bson:"userId" json:"user_id"`
	PlanType   string     `gorm:"type:varchar(50);not null;index" bson:"planType" json:"plan_type"`
	PriceID    string     `gorm:"type:varchar(191);default:''" bson:"priceId,omitempty" json:"price_id"`
	PriceCents int64      `gorm:"not null;default:0" bson:"priceCents" json:"price_cents"`
	Status     string     `gorm:"type:varchar(32);not null;index:idx_memberships_user_status_end,priority:2;index" bson:"status" json:"status"`
	StartDate  *time.Time `gorm:"type:timestamp;default:null" bson:"startDate,omitempty" json:"start_date,omitempty"`
	EndDate    *time.Time `gorm:"type:timestamp;default:null;index:idx_memberships_user_status_end,priority:3;index" bson:"endDate,omitempty" json:"end_date,omitempty"`
	AutoRenew  bool       `gorm:"default:false" bson:"autoRenew" json:"auto_renew"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" bson:"createdAt" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" bson:"updatedAt" json:"updated_at"`
}

// IsActiveStatus reports whether status belongs to ActiveMembershipStatuses.
func IsActiveStatus(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case MembershipStatusActive, MembershipStatusTrialing, MembershipStatusPastDue:
		return true
	default:
		return false
	}
}

// IsActive reports whether the membership currently entitles its user.
func (m *Membership) IsActive() bool {
	return m != nil && IsActiveStatus(m.Status)
}

// SelectActiveMembership picks the active membership with the latest end date.
// Memberships without an end date sort last. Returns nil when none is active.
func SelectActiveMembership(memberships []Membership) *Membership {
	candidates := make([]Membership, 0, len(memberships))
	for _, m := range memberships {
		if IsActiveStatus(m.Status) {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return endDateAfter(candidates[i].EndDate, candidates[j].EndDate)
	})
	selected := candidates[0]
	return &selected
}

func endDateAfter(a, b *time.Time) bool {
	switch {
	case a == nil:
		return false
	case b == nil:
		return true
	default:
		return a.After(*b)
	}
}
