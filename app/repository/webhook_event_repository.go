package repository

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/MemberFox/app/models"
	"github.com/ManuelReschke/MemberFox/internal/pkg/apperror"
)

// ClaimWebhookEvent inserts the ledger row or re-claims a failed/stale one.
// Insert-if-absent relies on the primary key, the re-claim path locks the row.
func (s *gormStore) ClaimWebhookEvent(ctx context.Context, eventID, eventType string, now time.Time, staleAfter time.Duration) (*models.WebhookEvent, error) {
	const op = "ClaimWebhookEvent"
	if strings.TrimSpace(eventID) == "" {
		return nil, apperror.Validation(op, "event id is required")
	}

	var claimed *models.WebhookEvent
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		fresh := models.NewWebhookEventClaim(eventID, eventType, now)
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(fresh)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			claimed = fresh
			return nil
		}

		var existing models.WebhookEvent
		if err := tx.Clauses(lockForUpdate).Where("id = ?", eventID).First(&existing).Error; err != nil {
			return err
		}
		outcome := existing.EvaluateClaim(now, staleAfter)
		switch outcome {
		case models.ClaimRejectedCompleted:
			return apperror.DuplicateEvent(op, eventID, existing.CompletedAt)
		case models.ClaimRejectedInFlight:
			return apperror.DuplicateEvent(op, eventID, nil)
		}

		existing.ApplyClaim(outcome, eventType, now)
		err := tx.Model(&models.WebhookEvent{}).Where("id = ?", eventID).Updates(map[string]interface{}{
			"type":         existing.Type,
			"status":       existing.Status,
			"processed_at": existing.ProcessedAt,
			"retry_count":  existing.RetryCount,
		}).Error
		if err != nil {
			return err
		}
		claimed = &existing
		return nil
	})
	if err != nil {
		return nil, gormErr(op, err, "webhook event "+eventID)
	}
	return claimed, nil
}

// CompleteWebhookEvent marks a claimed event completed.
func (s *gormStore) CompleteWebhookEvent(ctx context.Context, eventID string, now time.Time) error {
	res := s.conn(ctx).Model(&models.WebhookEvent{}).Where("id = ?", eventID).Updates(map[string]interface{}{
		"status":        models.WebhookEventStatusCompleted,
		"completed_at":  now,
		"error_message": "",
	})
	if res.Error != nil {
		return apperror.Persistence("CompleteWebhookEvent", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperror.NotFound("CompleteWebhookEvent", "webhook event "+eventID)
	}
	return nil
}

// FailWebhookEvent records a failed attempt so the next delivery may retry.
func (s *gormStore) FailWebhookEvent(ctx context.Context, eventID, message string, now time.Time) error {
	res := s.conn(ctx).Model(&models.WebhookEvent{}).Where("id = ?", eventID).Updates(map[string]interface{}{
		"status":        models.WebhookEventStatusFailed,
		"failed_at":     now,
		"error_message": message,
	})
	if res.Error != nil {
		return apperror.Persistence("FailWebhookEvent", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperror.NotFound("FailWebhookEvent", "webhook event "+eventID)
	}
	return nil
}

func (s *gormStore) GetWebhookEvent(ctx context.Context, eventID string) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	if err := s.conn(ctx).Where("id = ?", eventID).First(&event).Error; err != nil {
		return nil, gormErr("GetWebhookEvent", err, "webhook event "+eventID)
	}
	return &event, nil
}

// DeleteWebhookEventsBefore removes at most limit ledger rows created before cutoff.
// Rows still processing are kept so an active claim is never dropped.
func (s *gormStore) DeleteWebhookEventsBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if limit <= 0 {
		return 0, nil
	}
	db := s.conn(ctx)
	var ids []string
	err := db.Model(&models.WebhookEvent{}).
		Where("created_at < ? AND status <> ?", cutoff, models.WebhookEventStatusProcessing).
		Order("created_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, apperror.Persistence("DeleteWebhookEventsBefore", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res := db.Where("id IN ?", ids).Delete(&models.WebhookEvent{})
	if res.Error != nil {
		return 0, apperror.Persistence("DeleteWebhookEventsBefore", res.Error)
	}
	return res.RowsAffected, nil
}
