package repository

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ManuelReschke/MemberFox/app/models"
	"github.com/ManuelReschke/MemberFox/internal/pkg/apperror"
)

// validateAuditEntry fills defaults and rejects entries outside the closed action set.
func validateAuditEntry(op string, entry *models.AuditEntry, now func() time.Time) error {
	if entry == nil {
		return apperror.Validation(op, "audit entry is required")
	}
	if strings.TrimSpace(entry.UserID) == "" {
		return apperror.Validation(op, "audit entry user id is required")
	}
	if !entry.Action.IsValid() {
		return apperror.Validation(op, "unknown audit action "+string(entry.Action))
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.PerformedBy == "" {
		entry.PerformedBy = models.PerformedBySystem
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = now()
	}
	return nil
}

// LogAuditEntry appends an entry. Entries are never updated afterwards.
func (s *gormStore) LogAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	if err := validateAuditEntry("LogAuditEntry", entry, s.now); err != nil {
		return err
	}
	if err := s.conn(ctx).Create(entry).Error; err != nil {
		return apperror.Persistence("LogAuditEntry", err)
	}
	return nil
}

func (s *gormStore) GetMemberAuditLog(ctx context.Context, userID string, limit int) ([]models.AuditEntry, error) {
	q := s.conn(ctx).Where("user_id = ?", userID).Order("timestamp DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var entries []models.AuditEntry
	if err := q.Find(&entries).Error; err != nil {
		return nil, apperror.Persistence("GetMemberAuditLog", err)
	}
	return entries, nil
}
