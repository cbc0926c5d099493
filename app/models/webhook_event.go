package models

import "time"

const (
	WebhookEventStatusProcessing = "processing"
	WebhookEventStatusCompleted  = "completed"
	WebhookEventStatusFailed     = "failed"
)

// WebhookEvent is the ledger row used to process each provider event at most once.
type WebhookEvent struct {
	ID           string     `gorm:"primaryKey;type:varchar(191)" bson:"_id" json:"id"`
	Type         string     `gorm:"type:varchar(100);not null;index" bson:"type" json:"type"`
	Status       string     `gorm:"type:varchar(20);not null;index" bson:"status" json:"status"`
	ProcessedAt  time.Time  `gorm:"type:timestamp" bson:"processedAt" json:"processed_at"`
	CompletedAt  *time.Time `gorm:"type:timestamp;default:null" bson:"completedAt,omitempty" json:"completed_at,omitempty"`
	FailedAt     *time.Time `gorm:"type:timestamp;default:null" bson:"failedAt,omitempty" json:"failed_at,omitempty"`
	RetryCount   int        `gorm:"not null;default:0" bson:"retryCount" json:"retry_count"`
	ErrorMessage string     `gorm:"type:text" bson:"errorMessage,omitempty" json:"error_message"`
	CreatedAt    time.Time  `gorm:"type:timestamp;index" bson:"createdAt" json:"created_at"`
}

// ClaimOutcome is the result of evaluating a claim against an existing ledger row.
type ClaimOutcome int

const (
	// ClaimRejectedCompleted means the event already finished.
	ClaimRejectedCompleted ClaimOutcome = iota + 1
	// ClaimRejectedInFlight means another worker holds a fresh claim.
	ClaimRejectedInFlight
	// ClaimRetryFailed re-claims an event whose last attempt failed.
	ClaimRetryFailed
	// ClaimReclaimStale takes over a processing claim older than the threshold.
	ClaimReclaimStale
)

// Granted reports whether the caller now owns the event.
func (o ClaimOutcome) Granted() bool {
	return o == ClaimRetryFailed || o == ClaimReclaimStale
}

// NewWebhookEventClaim is the row written by a first claim.
func NewWebhookEventClaim(id, eventType string, now time.Time) *WebhookEvent {
	return &WebhookEvent{
		ID:          id,
		Type:        eventType,
		Status:      WebhookEventStatusProcessing,
		ProcessedAt: now,
		RetryCount:  0,
		CreatedAt:   now,
	}
}

// EvaluateClaim decides what a claim does to an existing row. Stores call it
// inside the same transaction that locked the row and apply the result with
// ApplyClaim, so the decision and the write are never split.
func (e *WebhookEvent) EvaluateClaim(now time.Time, staleAfter time.Duration) ClaimOutcome {
	switch e.Status {
	case WebhookEventStatusCompleted:
		return ClaimRejectedCompleted
	case WebhookEventStatusFailed:
		return ClaimRetryFailed
	default:
		if now.Sub(e.ProcessedAt) > staleAfter {
			return ClaimReclaimStale
		}
		return ClaimRejectedInFlight
	}
}

// ApplyClaim mutates the row for a granted outcome.
func (e *WebhookEvent) ApplyClaim(outcome ClaimOutcome, eventType string, now time.Time) {
	if !outcome.Granted() {
		return
	}
	e.Status = WebhookEventStatusProcessing
	e.ProcessedAt = now
	e.RetryCount++
	if eventType != "" {
		e.Type = eventType
	}
}
