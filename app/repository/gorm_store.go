package repository

import (
	"context"
	"errors"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/MemberFox/app/models"
	"github.com/ManuelReschke/MemberFox/internal/pkg/apperror"
)

const BackendGorm = "gorm"

// gormStore implements Store on a relational database through GORM.
type gormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormStore creates a relational store. The schema is expected to exist
// (database.AutoMigrate or the SQL migrations).
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *gormStore) Backend() string {
	return BackendGorm + ":" + s.db.Dialector.Name()
}

func (s *gormStore) Close(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *gormStore) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// gormErr maps GORM errors onto the apperror kinds.
func gormErr(op string, err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperror.NotFound(op, what)
	}
	return apperror.Persistence(op, err)
}

var lockForUpdate = clause.Locking{Strength: "UPDATE"}

// incrementStatsTx applies counter deltas inside tx. Keys are written in sorted
// order so concurrent transactions lock rows in the same sequence.
func incrementStatsTx(tx *gorm.DB, deltas map[string]int64, now time.Time) error {
	for _, k := range sortedKeys(deltas) {
		if deltas[k] == 0 {
			continue
		}
		row := models.StatCounter{Key: k, Amount: deltas[k], UpdatedAt: now}
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "stat_key"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"amount":     gorm.Expr("amount + ?", deltas[k]),
				"updated_at": now,
			}),
		}).Create(&row).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func appendAuditTx(tx *gorm.DB, entry *models.AuditEntry) error {
	if entry == nil {
		return nil
	}
	return tx.Create(entry).Error
}
