package repository

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"github.com/ManuelReschke/MemberFox/app/models"
	"github.com/ManuelReschke/MemberFox/internal/pkg/apperror"
)

// GetUser retrieves a user by id
func (s *gormStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := s.conn(ctx).Where("id = ?", id).First(&user).Error
	if err != nil {
		return nil, gormErr("GetUser", err, "user "+id)
	}
	return &user, nil
}

// GetUserByEmail retrieves a user by normalized email address
func (s *gormStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	normalized := models.NormalizeEmail(email)
	if normalized == "" {
		return nil, apperror.Validation("GetUserByEmail", "email is required")
	}
	var user models.User
	err := s.conn(ctx).Where("email = ?", normalized).Order("created_at ASC").First(&user).Error
	if err != nil {
		return nil, gormErr("GetUserByEmail", err, "user with email "+normalized)
	}
	return &user, nil
}

// GetUserByCustomerID retrieves a user by payment customer id
func (s *gormStore) GetUserByCustomerID(ctx context.Context, customerID string) (*models.User, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, apperror.Validation("GetUserByCustomerID", "customer id is required")
	}
	var user models.User
	err := s.conn(ctx).Where("payment_customer_id = ?", customerID).First(&user).Error
	if err != nil {
		return nil, gormErr("GetUserByCustomerID", err, "user with customer "+customerID)
	}
	return &user, nil
}

// SetUser inserts the user or merges its non-zero fields into the existing row.
// A customer id linked to another user moves to this one.
func (s *gormStore) SetUser(ctx context.Context, user *models.User) error {
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return apperror.Validation("SetUser", "user id is required")
	}
	user.Email = models.NormalizeEmail(user.Email)

	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		if customerID := user.CustomerID(); customerID != "" {
			err := tx.Model(&models.User{}).
				Where("payment_customer_id = ? AND id <> ?", customerID, user.ID).
				Update("payment_customer_id", nil).Error
			if err != nil {
				return err
			}
		}

		// An explicit lookup instead of ON CONFLICT DO NOTHING, which on MySQL
		// also swallows conflicts on the customer id index.
		var existing []models.User
		if err := tx.Clauses(lockForUpdate).Where("id = ?", user.ID).Limit(1).Find(&existing).Error; err != nil {
			return err
		}
		if len(existing) == 0 {
			return tx.Create(user).Error
		}
		// Struct updates skip zero values, which gives merge semantics.
		merge := models.User{
			Email:             user.Email,
			Name:              user.Name,
			PaymentCustomerID: user.PaymentCustomerID,
		}
		if err := tx.Model(&models.User{}).Where("id = ?", user.ID).Updates(merge).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", user.ID).First(user).Error
	})
	return gormErr("SetUser", err, "user "+user.ID)
}
