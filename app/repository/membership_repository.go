package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"github.com/ManuelReschke/MemberFox/app/models"
	"github.com/ManuelReschke/MemberFox/internal/pkg/apperror"
)

const activeMembershipIndex = "idx_memberships_user_status_end"

// mysqlErrKeyDoesNotExist is returned when a USE INDEX hint names a missing index.
const mysqlErrKeyDoesNotExist = 1176

// sqliteNoSuchIndex prefixes the error of an INDEXED BY clause naming a missing index.
const sqliteNoSuchIndex = "no such index:"

func (s *gormStore) GetMembership(ctx context.Context, id string) (*models.Membership, error) {
	var m models.Membership
	if err := s.conn(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, gormErr("GetMembership", err, "membership "+id)
	}
	return &m, nil
}

// GetActiveMembership runs the indexed query and falls back to an in-memory
// selection over all of the user's rows when the index is unavailable.
func (s *gormStore) GetActiveMembership(ctx context.Context, userID string) (*models.Membership, error) {
	const op = "GetActiveMembership"
	q := s.conn(ctx).Model(&models.Membership{})
	if table := s.activeMembershipTable(); table != "" {
		q = q.Table(table)
	}

	var rows []models.Membership
	err := q.Where("user_id = ? AND status IN ?", userID, models.ActiveMembershipStatuses).
		Order("end_date IS NULL, end_date DESC").
		Limit(1).
		Find(&rows).Error
	if isMissingIndexErr(err) {
		logIndexFallback(userID, err)
		return s.scanActiveMembership(ctx, userID)
	}
	if err != nil {
		return nil, apperror.Persistence(op, err)
	}
	if len(rows) == 0 {
		return nil, apperror.NotFound(op, "active membership for user "+userID)
	}
	return &rows[0], nil
}

func (s *gormStore) scanActiveMembership(ctx context.Context, userID string) (*models.Membership, error) {
	var all []models.Membership
	if err := s.conn(ctx).Where("user_id = ?", userID).Find(&all).Error; err != nil {
		return nil, apperror.Persistence("GetActiveMembership", err)
	}
	selected := models.SelectActiveMembership(all)
	if selected == nil {
		return nil, apperror.NotFound("GetActiveMembership", "active membership for user "+userID)
	}
	return selected, nil
}

// activeMembershipTable pins the compound index where the dialect allows it,
// so a dropped index surfaces as an error instead of a silent full scan.
func (s *gormStore) activeMembershipTable() string {
	switch s.db.Dialector.Name() {
	case "mysql":
		return fmt.Sprintf("memberships USE INDEX (%s)", activeMembershipIndex)
	case "sqlite":
		return fmt.Sprintf("memberships INDEXED BY %s", activeMembershipIndex)
	default:
		return ""
	}
}

func isMissingIndexErr(err error) bool {
	if err == nil {
		return false
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlErrKeyDoesNotExist
	}
	return strings.Contains(err.Error(), sqliteNoSuchIndex)
}

// SetMembership upserts the row keyed by the subscription id, applies the stats
// delta of the transition in the same transaction and returns the previous
// version, or nil when the row was created.
func (s *gormStore) SetMembership(ctx context.Context, m *models.Membership) (*models.Membership, error) {
	const op = "SetMembership"
	if m == nil || strings.TrimSpace(m.ID) == "" {
		return nil, apperror.Validation(op, "membership id is required")
	}
	if strings.TrimSpace(m.UserID) == "" {
		return nil, apperror.Validation(op, "membership user id is required")
	}

	var previous *models.Membership
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		previous = nil
		var existing []models.Membership
		if err := tx.Clauses(lockForUpdate).Where("id = ?", m.ID).Limit(1).Find(&existing).Error; err != nil {
			return err
		}
		if len(existing) == 0 {
			if err := tx.Create(m).Error; err != nil {
				return err
			}
		} else {
			prev := existing[0]
			previous = &prev
			m.CreatedAt = prev.CreatedAt
			if err := tx.Save(m).Error; err != nil {
				return err
			}
		}
		return incrementStatsTx(tx, models.StatsDelta(previous, m), s.now())
	})
	if err != nil {
		return nil, gormErr(op, err, "membership "+m.ID)
	}
	return previous, nil
}

// UpdateMembership applies update to the locked row together with its stats delta.
func (s *gormStore) UpdateMembership(ctx context.Context, id string, update MembershipUpdate) (*models.Membership, *models.Membership, error) {
	const op = "UpdateMembership"
	var before, after models.Membership
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(lockForUpdate).Where("id = ?", id).First(&before).Error; err != nil {
			return err
		}
		after = before
		if update.IsEmpty() {
			return nil
		}
		update.ApplyTo(&after)
		if err := tx.Save(&after).Error; err != nil {
			return err
		}
		return incrementStatsTx(tx, models.StatsDelta(&before, &after), s.now())
	})
	if err != nil {
		return nil, nil, gormErr(op, err, "membership "+id)
	}
	return &before, &after, nil
}

// DeleteMembership removes the row and takes it out of the counters.
func (s *gormStore) DeleteMembership(ctx context.Context, id string) error {
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Membership
		if err := tx.Clauses(lockForUpdate).Where("id = ?", id).First(&existing).Error; err != nil {
			return err
		}
		if err := tx.Where("id = ?", id).Delete(&models.Membership{}).Error; err != nil {
			return err
		}
		return incrementStatsTx(tx, models.StatsDelta(&existing, nil), s.now())
	})
	return gormErr("DeleteMembership", err, "membership "+id)
}

// filteredMemberships builds a fresh query for filter. It is called once for
// the count and once for the page so the two never share statement state.
func (s *gormStore) filteredMemberships(ctx context.Context, filter MembershipFilter) *gorm.DB {
	db := s.conn(ctx)
	q := db.Model(&models.Membership{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.PlanType != "" {
		q = q.Where("plan_type = ?", filter.PlanType)
	}
	if filter.ExpiresFrom != nil {
		q = q.Where("end_date >= ?", *filter.ExpiresFrom)
	}
	if filter.ExpiresTo != nil {
		q = q.Where("end_date <= ?", *filter.ExpiresTo)
	}
	if search := strings.ToLower(strings.TrimSpace(filter.Search)); search != "" {
		pattern := "%" + search + "%"
		users := db.Model(&models.User{}).Select("id").
			Where("LOWER(email) LIKE ? OR LOWER(name) LIKE ?", pattern, pattern)
		cards := db.Model(&models.MembershipCard{}).Select("user_id").
			Where("LOWER(membership_number) LIKE ?", pattern)
		q = q.Where("user_id IN (?) OR user_id IN (?)", users, cards)
	}
	return q
}

// GetAllMemberships returns one page of memberships with the member's identity
// and card number attached.
func (s *gormStore) GetAllMemberships(ctx context.Context, filter MembershipFilter) (*MembershipPage, error) {
	const op = "GetAllMemberships"
	filter = filter.Normalize()

	page := &MembershipPage{Items: []MembershipListItem{}, Offset: filter.Offset, Limit: filter.Limit}
	if err := s.filteredMemberships(ctx, filter).Count(&page.Total).Error; err != nil {
		return nil, apperror.Persistence(op, err)
	}
	if page.Total == 0 {
		return page, nil
	}

	var rows []models.Membership
	err := s.filteredMemberships(ctx, filter).
		Order("created_at DESC, id ASC").
		Offset(filter.Offset).
		Limit(filter.Limit).
		Find(&rows).Error
	if err != nil {
		return nil, apperror.Persistence(op, err)
	}
	if len(rows) == 0 {
		return page, nil
	}

	userIDs := make([]string, 0, len(rows))
	for _, m := range rows {
		userIDs = append(userIDs, m.UserID)
	}
	var users []models.User
	if err := s.conn(ctx).Where("id IN ?", userIDs).Find(&users).Error; err != nil {
		return nil, apperror.Persistence(op, err)
	}
	var cards []models.MembershipCard
	if err := s.conn(ctx).Where("user_id IN ?", userIDs).Find(&cards).Error; err != nil {
		return nil, apperror.Persistence(op, err)
	}
	page.Items = joinListItems(rows, users, cards)
	return page, nil
}

func joinListItems(rows []models.Membership, users []models.User, cards []models.MembershipCard) []MembershipListItem {
	usersByID := make(map[string]models.User, len(users))
	for _, u := range users {
		usersByID[u.ID] = u
	}
	numbers := make(map[string]string, len(cards))
	for _, c := range cards {
		numbers[c.UserID] = c.MembershipNumber
	}
	items := make([]MembershipListItem, 0, len(rows))
	for _, m := range rows {
		u := usersByID[m.UserID]
		items = append(items, MembershipListItem{
			Membership:       m,
			Email:            u.Email,
			Name:             u.Name,
			MembershipNumber: numbers[m.UserID],
		})
	}
	return items
}

// GetExpiringMemberships returns active or past-due memberships ending within
// [now, now+withinDays], soonest first.
func (s *gormStore) GetExpiringMemberships(ctx context.Context, withinDays int) ([]models.Membership, error) {
	const op = "GetExpiringMemberships"
	if withinDays < 0 {
		return nil, apperror.Validation(op, "withinDays must not be negative")
	}
	now := s.now()
	until := now.Add(time.Duration(withinDays) * 24 * time.Hour)

	var rows []models.Membership
	err := s.conn(ctx).
		Where("status IN ? AND end_date >= ? AND end_date <= ?", models.ExpiringMembershipStatuses, now, until).
		Order("end_date ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, apperror.Persistence(op, err)
	}
	return rows, nil
}

func (s *gormStore) ListMemberships(ctx context.Context) ([]models.Membership, error) {
	var rows []models.Membership
	if err := s.conn(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, apperror.Persistence("ListMemberships", err)
	}
	return rows, nil
}

// SoftDeleteMember marks memberships and card deleted, appends the audit entry
// and applies the stats delta in one transaction.
func (s *gormStore) SoftDeleteMember(ctx context.Context, userID, performedBy string) (*SoftDeleteResult, error) {
	const op = "SoftDeleteMember"
	if strings.TrimSpace(userID) == "" {
		return nil, apperror.Validation(op, "user id is required")
	}
	if performedBy == "" {
		performedBy = models.PerformedBySystem
	}

	result := &SoftDeleteResult{UserID: userID, StatsDelta: map[string]int64{}}
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()

		var userCount int64
		if err := tx.Model(&models.User{}).Where("id = ?", userID).Count(&userCount).Error; err != nil {
			return err
		}
		var memberships []models.Membership
		if err := tx.Clauses(lockForUpdate).Where("user_id = ?", userID).Order("id ASC").Find(&memberships).Error; err != nil {
			return err
		}
		if userCount == 0 && len(memberships) == 0 {
			return gorm.ErrRecordNotFound
		}

		before := make([]models.Membership, len(memberships))
		copy(before, memberships)
		for i := range memberships {
			m := &memberships[i]
			if m.Status == models.MembershipStatusDeleted {
				continue
			}
			prev := *m
			m.Status = models.MembershipStatusDeleted
			m.AutoRenew = false
			err := tx.Model(&models.Membership{}).Where("id = ?", m.ID).Updates(map[string]interface{}{
				"status":     m.Status,
				"auto_renew": false,
				"updated_at": now,
			}).Error
			if err != nil {
				return err
			}
			for k, v := range models.StatsDelta(&prev, m) {
				result.StatsDelta[k] += v
			}
			result.MembershipsDeleted++
		}

		var cards []models.MembershipCard
		if err := tx.Clauses(lockForUpdate).Where("user_id = ?", userID).Limit(1).Find(&cards).Error; err != nil {
			return err
		}
		var cardNumber string
		if len(cards) > 0 {
			cardNumber = cards[0].MembershipNumber
			if cards[0].Status != models.CardStatusDeleted {
				err := tx.Model(&models.MembershipCard{}).Where("user_id = ?", userID).Updates(map[string]interface{}{
					"status":     models.CardStatusDeleted,
					"updated_at": now,
				}).Error
				if err != nil {
					return err
				}
				result.CardDeleted = true
			}
		}

		entry, err := models.NewAuditEntry(userID, models.AuditActionMemberDeleted, performedBy, models.AuditDetails{
			Before: before,
			After:  memberships,
			Extra: map[string]string{
				"membership_number":   cardNumber,
				"memberships_deleted": strconv.Itoa(result.MembershipsDeleted),
			},
		})
		if err != nil {
			return err
		}
		entry.Timestamp = now
		if err := appendAuditTx(tx, entry); err != nil {
			return err
		}
		return incrementStatsTx(tx, result.StatsDelta, now)
	})
	if err != nil {
		return nil, gormErr(op, err, "member "+userID)
	}
	return result, nil
}
