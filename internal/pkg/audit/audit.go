// Package audit appends the member audit trail and reconciles the aggregate
// membership counters.
package audit

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/MemberFox/app/models"
	"github.com/ManuelReschke/MemberFox/app/repository"
	"github.com/ManuelReschke/MemberFox/internal/pkg/apperror"
	"github.com/ManuelReschke/MemberFox/internal/pkg/metrics"
)

// Store is the slice of the persistence contract the maintainer needs.
type Store interface {
	repository.AuditStore
	repository.StatsStore
	ListMemberships(ctx context.Context) ([]models.Membership, error)
}

// StatsCache is notified whenever the stored counters change.
type StatsCache interface {
	Invalidate(ctx context.Context) error
}

// Maintainer records audit entries and reconciles the aggregate counters.
// Membership writes carry their own counter deltas; the maintainer keeps the
// stats cache in step and repairs drift.
type Maintainer struct {
	store   Store
	cache   StatsCache
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewMaintainer creates a maintainer. cache and m may be nil.
func NewMaintainer(store Store, cache StatsCache, m *metrics.Metrics) *Maintainer {
	return &Maintainer{
		store:   store,
		cache:   cache,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Record appends one audit entry.
func (m *Maintainer) Record(ctx context.Context, userID string, action models.AuditAction, performedBy string, details models.AuditDetails) error {
	entry, err := models.NewAuditEntry(userID, action, performedBy, details)
	if err != nil {
		return apperror.ValidationWrap("audit.Record", err)
	}
	entry.Timestamp = m.now()
	return m.store.LogAuditEntry(ctx, entry)
}

// Applied notifies the cache about a counter delta the store has already
// committed together with the membership write.
func (m *Maintainer) Applied(ctx context.Context, delta map[string]int64) {
	if len(delta) > 0 {
		m.invalidate(ctx)
	}
}

// AppliedTransition is Applied for a single membership moving from before to
// after. Either side may be nil.
func (m *Maintainer) AppliedTransition(ctx context.Context, before, after *models.Membership) {
	m.Applied(ctx, models.StatsDelta(before, after))
}

func (m *Maintainer) invalidate(ctx context.Context) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Invalidate(ctx); err != nil {
		log.Warnf("[Audit] Failed to invalidate stats cache: %v", err)
	}
}

// RefreshResult reports what a reconciliation changed.
type RefreshResult struct {
	Previous    *models.MembershipStats `json:"previous"`
	Current     *models.MembershipStats `json:"current"`
	Drift       map[string]int64        `json:"drift"`
	Memberships int                     `json:"memberships"`
}

// RefreshStats recomputes every counter from the membership rows and replaces
// the stored values. A non-empty drift points at a transition path that
// skipped its delta.
func (m *Maintainer) RefreshStats(ctx context.Context, performedBy string) (*RefreshResult, error) {
	if performedBy == "" {
		performedBy = models.PerformedBySystem
	}
	memberships, err := m.store.ListMemberships(ctx)
	if err != nil {
		return nil, err
	}
	previous, err := m.store.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	current := models.ComputeStats(memberships)
	current.UpdatedAt = m.now()
	if err := m.store.ReplaceStats(ctx, current.Counters); err != nil {
		return nil, err
	}
	m.invalidate(ctx)

	drift := previous.Diff(current)
	m.metrics.SetStatsDrift(len(drift))
	if len(drift) > 0 {
		log.Warnf("[Audit] Stats refresh corrected %d counters: %v", len(drift), drift)
	} else {
		log.Infof("[Audit] Stats refresh found no drift across %d memberships", len(memberships))
	}

	extra := map[string]string{"memberships": strconv.Itoa(len(memberships))}
	for k, v := range drift {
		extra["drift_"+k] = strconv.FormatInt(v, 10)
	}
	err = m.Record(ctx, performedBy, models.AuditActionStatsRefreshed, performedBy, models.AuditDetails{
		Before: previous.Counters,
		After:  current.Counters,
		Extra:  extra,
	})
	if err != nil {
		return nil, err
	}
	return &RefreshResult{Previous: previous, Current: current, Drift: drift, Memberships: len(memberships)}, nil
}
