package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/MemberFox/app/models"
	"github.com/ManuelReschke/MemberFox/internal/pkg/apperror"
)

// IncrementCounter upserts the year row with last_number = last_number + 1 and
// reads the result back inside the same transaction.
func (s *gormStore) IncrementCounter(ctx context.Context, year int) (int64, error) {
	const op = "IncrementCounter"
	if year <= 0 {
		return 0, apperror.Validation(op, "year must be positive")
	}

	var value int64
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		row := models.MembershipCounter{Year: year, LastNumber: 1, UpdatedAt: now}
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "year"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"last_number": gorm.Expr("last_number + 1"),
				"updated_at":  now,
			}),
		}).Create(&row).Error
		if err != nil {
			return err
		}

		var current models.MembershipCounter
		if err := tx.Clauses(lockForUpdate).Where("year = ?", year).First(&current).Error; err != nil {
			return err
		}
		value = current.LastNumber
		return nil
	})
	if err != nil {
		return 0, gormErr(op, err, "counter")
	}
	return value, nil
}
