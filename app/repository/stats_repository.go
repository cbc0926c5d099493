package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/MemberFox/app/models"
	"github.com/ManuelReschke/MemberFox/internal/pkg/apperror"
)

func (s *gormStore) GetStats(ctx context.Context) (*models.MembershipStats, error) {
	var rows []models.StatCounter
	if err := s.conn(ctx).Order("stat_key ASC").Find(&rows).Error; err != nil {
		return nil, apperror.Persistence("GetStats", err)
	}
	stats := models.NewMembershipStats()
	for _, r := range rows {
		if r.Amount != 0 {
			stats.Counters[r.Key] = r.Amount
		}
		if r.UpdatedAt.After(stats.UpdatedAt) {
			stats.UpdatedAt = r.UpdatedAt
		}
	}
	return stats, nil
}

// UpdateStats sets the given counters; counters not named in values keep their value.
func (s *gormStore) UpdateStats(ctx context.Context, values map[string]int64) error {
	if len(values) == 0 {
		return nil
	}
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		return upsertStatsTx(tx, values, s.now())
	})
	if err != nil {
		return apperror.Persistence("UpdateStats", err)
	}
	return nil
}

func (s *gormStore) IncrementStats(ctx context.Context, deltas map[string]int64) error {
	if len(deltas) == 0 {
		return nil
	}
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		return incrementStatsTx(tx, deltas, s.now())
	})
	if err != nil {
		return apperror.Persistence("IncrementStats", err)
	}
	return nil
}

// ReplaceStats drops every counter and writes values.
func (s *gormStore) ReplaceStats(ctx context.Context, values map[string]int64) error {
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.StatCounter{}).Error; err != nil {
			return err
		}
		return upsertStatsTx(tx, values, s.now())
	})
	if err != nil {
		return apperror.Persistence("ReplaceStats", err)
	}
	return nil
}

func upsertStatsTx(tx *gorm.DB, values map[string]int64, now time.Time) error {
	for _, k := range sortedKeys(values) {
		row := models.StatCounter{Key: k, Amount: values[k], UpdatedAt: now}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "stat_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"amount", "updated_at"}),
		}).Create(&row).Error
		if err != nil {
			return err
		}
	}
	return nil
}
