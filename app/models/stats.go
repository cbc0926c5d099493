package models

import (
	"strings"
	"time"
)

// Stat keys. Per-status and per-plan keys are built with StatusStatKey and PlanStatKey.
const (
	StatKeyTotal        = "total"
	StatKeyRevenueCents = "revenue_cents"

	statusStatPrefix = "status_"
	planStatPrefix   = "plan_"
)

// StatCounter is one row of the aggregate counters table.
type StatCounter struct {
	Key       string    `gorm:"column:stat_key;primaryKey;type:varchar(100)" json:"key"`
	Amount    int64     `gorm:"not null;default:0" json:"amount"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName implements the GORM tabler interface.
func (StatCounter) TableName() string { return "membership_stats" }

// MembershipStats is a cache of aggregates that can always be recomputed from
// the membership rows.
type MembershipStats struct {
	Counters  map[string]int64 `json:"counters"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// NewMembershipStats returns empty stats.
func NewMembershipStats() *MembershipStats {
	return &MembershipStats{Counters: map[string]int64{}}
}

// keyReplacer strips characters that are not allowed in document field names.
var keyReplacer = strings.NewReplacer(".", "_", "$", "_", " ", "_")

func StatusStatKey(status string) string {
	return statusStatPrefix + keyReplacer.Replace(strings.ToLower(strings.TrimSpace(status)))
}

func PlanStatKey(plan string) string {
	return planStatPrefix + keyReplacer.Replace(strings.ToLower(strings.TrimSpace(plan)))
}

func (s *MembershipStats) Get(key string) int64 {
	if s == nil || s.Counters == nil {
		return 0
	}
	return s.Counters[key]
}

func (s *MembershipStats) Total() int64             { return s.Get(StatKeyTotal) }
func (s *MembershipStats) RevenueCents() int64      { return s.Get(StatKeyRevenueCents) }
func (s *MembershipStats) ByStatus(st string) int64 { return s.Get(StatusStatKey(st)) }
func (s *MembershipStats) ByPlan(plan string) int64 { return s.Get(PlanStatKey(plan)) }

// Apply adds deltas to the counters in place.
func (s *MembershipStats) Apply(deltas map[string]int64) {
	if s.Counters == nil {
		s.Counters = map[string]int64{}
	}
	for k, v := range deltas {
		s.Counters[k] += v
	}
}

// Equal compares counters, treating missing keys as zero.
func (s *MembershipStats) Equal(other *MembershipStats) bool {
	return len(s.Diff(other)) == 0
}

// Diff returns other minus s for every key where they differ.
func (s *MembershipStats) Diff(other *MembershipStats) map[string]int64 {
	out := map[string]int64{}
	keys := map[string]struct{}{}
	if s != nil {
		for k := range s.Counters {
			keys[k] = struct{}{}
		}
	}
	if other != nil {
		for k := range other.Counters {
			keys[k] = struct{}{}
		}
	}
	for k := range keys {
		if d := other.Get(k) - s.Get(k); d != 0 {
			out[k] = d
		}
	}
	return out
}

// StatsContribution is what a single membership row adds to the aggregates.
// Deleted rows contribute nothing; revenue only counts active memberships.
func StatsContribution(m *Membership) map[string]int64 {
	out := map[string]int64{}
	if m == nil || m.Status == MembershipStatusDeleted {
		return out
	}
	out[StatKeyTotal] = 1
	out[StatusStatKey(m.Status)] = 1
	if m.PlanType != "" {
		out[PlanStatKey(m.PlanType)] = 1
	}
	if IsActiveStatus(m.Status) && m.PriceCents != 0 {
		out[StatKeyRevenueCents] = m.PriceCents
	}
	return out
}

// StatsDelta is the counter change caused by a row moving from before to after.
// Either side may be nil for inserts and removals.
func StatsDelta(before, after *Membership) map[string]int64 {
	out := StatsContribution(after)
	for k, v := range StatsContribution(before) {
		out[k] -= v
	}
	for k, v := range out {
		if v == 0 {
			delete(out, k)
		}
	}
	return out
}

// ComputeStats recomputes every counter from scratch.
func ComputeStats(memberships []Membership) *MembershipStats {
	stats := NewMembershipStats()
	for i := range memberships {
		stats.Apply(StatsContribution(&memberships[i]))
	}
	return stats
}
