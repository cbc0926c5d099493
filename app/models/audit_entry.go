package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditAction is the closed set of audited operations.
type AuditAction string

const (
	AuditActionMemberCreated          AuditAction = "member_created"
	AuditActionMembershipUpdated      AuditAction = "membership_updated"
	AuditActionMembershipCanceled     AuditAction = "membership_canceled"
	AuditActionCardIssued             AuditAction = "card_issued"
	AuditActionCardUpdated            AuditAction = "card_updated"
	AuditActionMemberDeleted          AuditAction = "member_deleted"
	AuditActionAdminMembershipChanged AuditAction = "admin_membership_changed"
	AuditActionStatsRefreshed         AuditAction = "stats_refreshed"
)

// Performers that are not an admin user id.
const (
	PerformedBySystem  = "system"
	PerformedByWebhook = "stripe_webhook"
)

// IsValid reports whether a is one of the known actions.
func (a AuditAction) IsValid() bool {
	switch a {
	case AuditActionMemberCreated,
		AuditActionMembershipUpdated,
		AuditActionMembershipCanceled,
		AuditActionCardIssued,
		AuditActionCardUpdated,
		AuditActionMemberDeleted,
		AuditActionAdminMembershipChanged,
		AuditActionStatsRefreshed:
		return true
	default:
		return false
	}
}

// AuditDetails is the structured before/after payload of an entry.
type AuditDetails struct {
	Before any               `json:"before,omitempty"`
	After  any               `json:"after,omitempty"`
	Extra  map[string]string `json:"extra,omitempty"`
}

// AuditEntry is append-only. Stores never update or delete these rows.
type AuditEntry struct {
	ID          string      `gorm:"primaryKey;type:varchar(36)" bson:"_id" json:"id"`
	UserID      string      `gorm:"type:varchar(191);not null;index:idx_audit_user_time,priority:1" bson:"userId" json:"user_id"`
	Action      AuditAction `gorm:"type:varchar(50);not null;index" bson:"action" json:"action"`
	PerformedBy string      `gorm:"type:varchar(191);not null" bson:"performedBy" json:"performed_by"`
	Timestamp   time.Time   `gorm:"type:timestamp;not null;index:idx_audit_user_time,priority:2" bson:"timestamp" json:"timestamp"`
	Details     string      `gorm:"type:text" bson:"details" json:"details"`
}

// NewAuditEntry builds an entry with a fresh id and the details encoded as JSON.
func NewAuditEntry(userID string, action AuditAction, performedBy string, details AuditDetails) (*AuditEntry, error) {
	raw, err := json.Marshal(details)
	if err != nil {
		return nil, err
	}
	return &AuditEntry{
		ID:          uuid.New().String(),
		UserID:      userID,
		Action:      action,
		PerformedBy: performedBy,
		Timestamp:   time.Now().UTC(),
		Details:     string(raw),
	}, nil
}

// DecodeDetails parses the stored details payload.
func (e *AuditEntry) DecodeDetails() (map[string]any, error) {
	out := map[string]any{}
	if e.Details == "" {
		return out, nil
	}
	err := json.Unmarshal([]byte(e.Details), &out)
	return out, err
}
