package repository

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ManuelReschke/MemberFox/app/models"
	"github.com/ManuelReschke/MemberFox/internal/pkg/apperror"
)

func (s *gormStore) GetCard(ctx context.Context, userID string) (*models.MembershipCard, error) {
	var card models.MembershipCard
	if err := s.conn(ctx).Where("user_id = ?", userID).First(&card).Error; err != nil {
		return nil, gormErr("GetCard", err, "card of user "+userID)
	}
	return &card, nil
}

func (s *gormStore) GetCardByNumber(ctx context.Context, number string) (*models.MembershipCard, error) {
	var card models.MembershipCard
	if err := s.conn(ctx).Where("membership_number = ?", strings.TrimSpace(number)).First(&card).Error; err != nil {
		return nil, gormErr("GetCardByNumber", err, "card "+number)
	}
	return &card, nil
}

// SetCard creates the user's card or updates it in place. On update the stored
// id and membership number win and are copied back into card.
func (s *gormStore) SetCard(ctx context.Context, card *models.MembershipCard) error {
	const op = "SetCard"
	if card == nil || strings.TrimSpace(card.UserID) == "" {
		return apperror.Validation(op, "card user id is required")
	}

	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []models.MembershipCard
		if err := tx.Clauses(lockForUpdate).Where("user_id = ?", card.UserID).Limit(1).Find(&existing).Error; err != nil {
			return err
		}
		if len(existing) == 0 {
			if strings.TrimSpace(card.MembershipNumber) == "" {
				return apperror.Validation(op, "membership number is required for a new card")
			}
			if card.ID == "" {
				card.ID = uuid.New().String()
			}
			if card.Status == "" {
				card.Status = models.CardStatusActive
			}
			return tx.Create(card).Error
		}

		stored := existing[0]
		card.ID = stored.ID
		card.MembershipNumber = stored.MembershipNumber
		card.CreatedAt = stored.CreatedAt
		return tx.Model(&models.MembershipCard{}).Where("id = ?", stored.ID).Updates(map[string]interface{}{
			"membership_id":      card.MembershipID,
			"valid_from":         card.ValidFrom,
			"valid_until":        card.ValidUntil,
			"status":             card.Status,
			"verification_token": card.VerificationToken,
			"updated_at":         s.now(),
		}).Error
	})
	return gormErr(op, err, "card of user "+card.UserID)
}

func (s *gormStore) UpdateCard(ctx context.Context, userID string, update CardUpdate) error {
	const op = "UpdateCard"
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		var card models.MembershipCard
		if err := tx.Clauses(lockForUpdate).Where("user_id = ?", userID).First(&card).Error; err != nil {
			return err
		}
		update.ApplyTo(&card)
		return tx.Model(&models.MembershipCard{}).Where("id = ?", card.ID).Updates(map[string]interface{}{
			"membership_id":      card.MembershipID,
			"valid_from":         card.ValidFrom,
			"valid_until":        card.ValidUntil,
			"status":             card.Status,
			"verification_token": card.VerificationToken,
			"updated_at":         s.now(),
		}).Error
	})
	return gormErr(op, err, "card of user "+userID)
}

func (s *gormStore) DeleteCard(ctx context.Context, userID string) error {
	res := s.conn(ctx).Where("user_id = ?", userID).Delete(&models.MembershipCard{})
	if res.Error != nil {
		return apperror.Persistence("DeleteCard", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperror.NotFound("DeleteCard", "card of user "+userID)
	}
	return nil
}
