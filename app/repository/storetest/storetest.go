// Package storetest is the conformance suite every repository.Store
// implementation must pass.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ManuelReschke/MemberFox/app/models"
	"github.com/ManuelReschke/MemberFox/app/repository"
	"github.com/ManuelReschke/MemberFox/internal/pkg/apperror"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) repository.Store

// Run executes the whole suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s repository.Store)
	}{
		{"UserMergeUpsert", testUserMergeUpsert},
		{"UserCustomerLinkMoves", testUserCustomerLinkMoves},
		{"MembershipUpsert", testMembershipUpsert},
		{"UpdateAndDeleteMembership", testUpdateAndDeleteMembership},
		{"MembershipWritesMaintainStats", testMembershipWritesMaintainStats},
		{"ActiveMembershipSelection", testActiveMembershipSelection},
		{"ExpiringMemberships", testExpiringMemberships},
		{"MembershipListing", testMembershipListing},
		{"Cards", testCards},
		{"CounterSequential", testCounterSequential},
		{"CounterConcurrent", testCounterConcurrent},
		{"AuditLog", testAuditLog},
		{"Stats", testStats},
		{"WebhookClaimLifecycle", testWebhookClaimLifecycle},
		{"WebhookClaimConcurrent", testWebhookClaimConcurrent},
		{"WebhookCleanup", testWebhookCleanup},
		{"SoftDeleteMember", testSoftDeleteMember},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// Date returns midnight UTC of the given day.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// NewMembership is a fixture with both period dates set.
func NewMembership(id, userID, plan, status string, start, end time.Time) *models.Membership {
	return &models.Membership{
		ID:        id,
		UserID:    userID,
		PlanType:  plan,
		Status:    status,
		StartDate: &start,
		EndDate:   &end,
		AutoRenew: true,
	}
}

func strPtr(s string) *string { return &s }

func requireKind(t *testing.T, err error, kind apperror.Kind) {
	t.Helper()
	require.Error(t, err)
	got, ok := apperror.KindOf(err)
	require.True(t, ok, "expected apperror, got %T: %v", err, err)
	require.Equal(t, kind, got, "unexpected kind for %v", err)
}

func testUserMergeUpsert(t *testing.T, s repository.Store) {
	ctx := context.Background()

	_, err := s.GetUser(ctx, "u1")
	requireKind(t, err, apperror.KindNotFound)

	require.NoError(t, s.SetUser(ctx, &models.User{ID: "u1", Email: " Jane@Example.com ", Name: "Jane"}))
	require.NoError(t, s.SetUser(ctx, &models.User{ID: "u1", PaymentCustomerID: strPtr("cus_1")}))

	user, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", user.Email)
	assert.Equal(t, "Jane", user.Name, "empty fields must not overwrite stored values")
	assert.Equal(t, "cus_1", user.CustomerID())

	byEmail, err := s.GetUserByEmail(ctx, "JANE@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u1", byEmail.ID)

	byCustomer, err := s.GetUserByCustomerID(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "u1", byCustomer.ID)

	_, err = s.GetUserByCustomerID(ctx, "cus_missing")
	requireKind(t, err, apperror.KindNotFound)

	requireKind(t, s.SetUser(ctx, &models.User{}), apperror.KindValidation)
}

func testUserCustomerLinkMoves(t *testing.T, s repository.Store) {
	ctx := context.Background()
	require.NoError(t, s.SetUser(ctx, &models.User{ID: "sub_1", PaymentCustomerID: strPtr("cus_1")}))

	moved := &models.User{ID: "user_42", Email: "member@example.com", PaymentCustomerID: strPtr("cus_1")}
	require.NoError(t, s.SetUser(ctx, moved))
	assert.Equal(t, "cus_1", moved.CustomerID())

	owner, err := s.GetUserByCustomerID(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "user_42", owner.ID)

	previous, err := s.GetUser(ctx, "sub_1")
	require.NoError(t, err)
	assert.Empty(t, previous.CustomerID())

	// Re-linking the same owner is a no-op merge.
	require.NoError(t, s.SetUser(ctx, &models.User{ID: "user_42", PaymentCustomerID: strPtr("cus_1")}))
	owner, err = s.GetUserByCustomerID(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "member@example.com", owner.Email)
}

func testMembershipUpsert(t *testing.T, s repository.Store) {
	ctx := context.Background()
	m := NewMembership("sub_1", "u1", "basic", models.MembershipStatusActive, Date(2026, 1, 1), Date(2026, 2, 1))

	prev, err := s.SetMembership(ctx, m)
	require.NoError(t, err)
	assert.Nil(t, prev)

	again := NewMembership("sub_1", "u1", "premium", models.MembershipStatusPastDue, Date(2026, 1, 1), Date(2026, 3, 1))
	prev, err = s.SetMembership(ctx, again)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, "basic", prev.PlanType)
	assert.Equal(t, models.MembershipStatusActive, prev.Status)

	all, err := s.ListMemberships(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1, "upsert must never duplicate a subscription")
	assert.Equal(t, "premium", all[0].PlanType)
	assert.Equal(t, models.MembershipStatusPastDue, all[0].Status)
	require.NotNil(t, all[0].EndDate)
	assert.True(t, all[0].EndDate.Equal(Date(2026, 3, 1)))

	_, err = s.SetMembership(ctx, &models.Membership{ID: "sub_2"})
	requireKind(t, err, apperror.KindValidation)
}

func testUpdateAndDeleteMembership(t *testing.T, s repository.Store) {
	ctx := context.Background()
	_, err := s.SetMembership(ctx, NewMembership("sub_1", "u1", "basic", models.MembershipStatusActive, Date(2026, 1, 1), Date(2026, 2, 1)))
	require.NoError(t, err)

	canceled := models.MembershipStatusCanceled
	autoRenew := false
	before, after, err := s.UpdateMembership(ctx, "sub_1", repository.MembershipUpdate{Status: &canceled, AutoRenew: &autoRenew})
	require.NoError(t, err)
	assert.Equal(t, models.MembershipStatusActive, before.Status)
	assert.True(t, before.AutoRenew)
	assert.Equal(t, models.MembershipStatusCanceled, after.Status)
	assert.False(t, after.AutoRenew)
	assert.Equal(t, "basic", after.PlanType)

	stored, err := s.GetMembership(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, models.MembershipStatusCanceled, stored.Status)
	assert.False(t, stored.AutoRenew)

	_, _, err = s.UpdateMembership(ctx, "sub_missing", repository.MembershipUpdate{Status: &canceled})
	requireKind(t, err, apperror.KindNotFound)

	require.NoError(t, s.DeleteMembership(ctx, "sub_1"))
	_, err = s.GetMembership(ctx, "sub_1")
	requireKind(t, err, apperror.KindNotFound)
	requireKind(t, s.DeleteMembership(ctx, "sub_1"), apperror.KindNotFound)
}

func testMembershipWritesMaintainStats(t *testing.T, s repository.Store) {
	ctx := context.Background()
	requireStatsMatchRows := func() {
		t.Helper()
		all, err := s.ListMemberships(ctx)
		require.NoError(t, err)
		stats, err := s.GetStats(ctx)
		require.NoError(t, err)
		assert.True(t, stats.Equal(models.ComputeStats(all)), "stored %v, recomputed %v", stats.Counters, models.ComputeStats(all).Counters)
	}

	basic := NewMembership("sub_1", "u1", "basic", models.MembershipStatusActive, Date(2026, 1, 1), Date(2027, 1, 1))
	basic.PriceCents = 2500
	_, err := s.SetMembership(ctx, basic)
	require.NoError(t, err)
	_, err = s.SetMembership(ctx, NewMembership("sub_2", "u2", "premium", models.MembershipStatusTrialing, Date(2026, 1, 1), Date(2026, 2, 1)))
	require.NoError(t, err)
	requireStatsMatchRows()

	// Replaying the same write leaves the counters alone.
	replay := NewMembership("sub_1", "u1", "basic", models.MembershipStatusActive, Date(2026, 1, 1), Date(2027, 1, 1))
	replay.PriceCents = 2500
	_, err = s.SetMembership(ctx, replay)
	require.NoError(t, err)
	requireStatsMatchRows()

	pastDue := models.MembershipStatusPastDue
	plan := "premium"
	_, _, err = s.UpdateMembership(ctx, "sub_1", repository.MembershipUpdate{Status: &pastDue, PlanType: &plan})
	require.NoError(t, err)
	requireStatsMatchRows()

	require.NoError(t, s.DeleteMembership(ctx, "sub_2"))
	requireStatsMatchRows()

	stats, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Total())
	assert.EqualValues(t, 1, stats.ByStatus(models.MembershipStatusPastDue))
	assert.EqualValues(t, 1, stats.ByPlan("premium"))
}

func testActiveMembershipSelection(t *testing.T, s repository.Store) {
	ctx := context.Background()
	fixtures := []*models.Membership{
		NewMembership("sub_a", "u1", "basic", models.MembershipStatusActive, Date(2026, 1, 1), Date(2026, 6, 1)),
		NewMembership("sub_c", "u1", "premium", models.MembershipStatusCanceled, Date(2026, 1, 1), Date(2027, 1, 1)),
		NewMembership("sub_t", "u2", "basic", models.MembershipStatusTrialing, Date(2026, 1, 1), Date(2026, 2, 1)),
		NewMembership("sub_p", "u2", "premium", models.MembershipStatusPastDue, Date(2026, 1, 1), Date(2026, 4, 1)),
		NewMembership("sub_x", "u3", "basic", models.MembershipStatusDeleted, Date(2026, 1, 1), Date(2026, 9, 1)),
	}
	for _, m := range fixtures {
		_, err := s.SetMembership(ctx, m)
		require.NoError(t, err)
	}

	active, err := s.GetActiveMembership(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "sub_a", active.ID, "canceled memberships are never active even with a later end date")

	active, err = s.GetActiveMembership(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, "sub_p", active.ID)

	_, err = s.GetActiveMembership(ctx, "u3")
	requireKind(t, err, apperror.KindNotFound)
}

func testExpiringMemberships(t *testing.T, s repository.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	day := 24 * time.Hour
	fixtures := []*models.Membership{
		NewMembership("sub_soon", "u1", "basic", models.MembershipStatusActive, now.Add(-30*day), now.Add(5*day)),
		NewMembership("sub_late", "u2", "basic", models.MembershipStatusPastDue, now.Add(-30*day), now.Add(10*day)),
		NewMembership("sub_canceled", "u3", "basic", models.MembershipStatusCanceled, now.Add(-30*day), now.Add(5*day)),
		NewMembership("sub_far", "u4", "basic", models.MembershipStatusActive, now.Add(-30*day), now.Add(40*day)),
		NewMembership("sub_over", "u5", "basic", models.MembershipStatusActive, now.Add(-30*day), now.Add(-day)),
		NewMembership("sub_trial", "u6", "basic", models.MembershipStatusTrialing, now.Add(-30*day), now.Add(3*day)),
	}
	for _, m := range fixtures {
		_, err := s.SetMembership(ctx, m)
		require.NoError(t, err)
	}

	expiring, err := s.GetExpiringMemberships(ctx, 30)
	require.NoError(t, err)
	ids := make([]string, 0, len(expiring))
	for _, m := range expiring {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"sub_soon", "sub_late"}, ids)

	_, err = s.GetExpiringMemberships(ctx, -1)
	requireKind(t, err, apperror.KindValidation)
}

func testMembershipListing(t *testing.T, s repository.Store) {
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		uid := fmt.Sprintf("u%d", i)
		require.NoError(t, s.SetUser(ctx, &models.User{ID: uid, Email: uid + "@example.com", Name: "Member " + uid}))
		plan := "basic"
		if i%2 == 0 {
			plan = "premium"
		}
		_, err := s.SetMembership(ctx, NewMembership("sub_"+uid, uid, plan, models.MembershipStatusActive, Date(2026, 1, 1), Date(2026, time.Month(i), 15)))
		require.NoError(t, err)
	}
	require.NoError(t, s.SetUser(ctx, &models.User{ID: "u9", Email: "zoe@example.com", Name: "Zoe Quinn"}))
	_, err := s.SetMembership(ctx, NewMembership("sub_u9", "u9", "basic", models.MembershipStatusCanceled, Date(2026, 1, 1), Date(2026, 6, 1)))
	require.NoError(t, err)
	require.NoError(t, s.SetCard(ctx, &models.MembershipCard{
		UserID: "u3", MembershipNumber: "DEC-2026-000042", MembershipID: "sub_u3",
		ValidFrom: Date(2026, 1, 1), ValidUntil: Date(2026, 3, 15), Status: models.CardStatusActive,
	}))

	page, err := s.GetAllMemberships(ctx, repository.MembershipFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 6, page.Total)
	assert.Len(t, page.Items, 6)

	page, err = s.GetAllMemberships(ctx, repository.MembershipFilter{Status: models.MembershipStatusActive, Limit: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 5, page.Total)
	assert.Len(t, page.Items, 2)
	page, err = s.GetAllMemberships(ctx, repository.MembershipFilter{Status: models.MembershipStatusActive, Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.EqualValues(t, 5, page.Total)
	assert.Len(t, page.Items, 1)

	page, err = s.GetAllMemberships(ctx, repository.MembershipFilter{PlanType: "premium"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, page.Total)

	from, to := Date(2026, 2, 1), Date(2026, 4, 30)
	page, err = s.GetAllMemberships(ctx, repository.MembershipFilter{ExpiresFrom: &from, ExpiresTo: &to})
	require.NoError(t, err)
	assert.EqualValues(t, 3, page.Total)

	page, err = s.GetAllMemberships(ctx, repository.MembershipFilter{Search: "ZOE"})
	require.NoError(t, err)
	require.EqualValues(t, 1, page.Total)
	assert.Equal(t, "sub_u9", page.Items[0].Membership.ID)
	assert.Equal(t, "zoe@example.com", page.Items[0].Email)
	assert.Equal(t, "Zoe Quinn", page.Items[0].Name)

	page, err = s.GetAllMemberships(ctx, repository.MembershipFilter{Search: "000042"})
	require.NoError(t, err)
	require.EqualValues(t, 1, page.Total)
	assert.Equal(t, "sub_u3", page.Items[0].Membership.ID)
	assert.Equal(t, "DEC-2026-000042", page.Items[0].MembershipNumber)

	page, err = s.GetAllMemberships(ctx, repository.MembershipFilter{Search: "nobody"})
	require.NoError(t, err)
	assert.EqualValues(t, 0, page.Total)
	assert.Empty(t, page.Items)
}

func testCards(t *testing.T, s repository.Store) {
	ctx := context.Background()

	err := s.SetCard(ctx, &models.MembershipCard{UserID: "u1"})
	requireKind(t, err, apperror.KindValidation)

	card := &models.MembershipCard{
		UserID: "u1", MembershipNumber: "DEC-2026-000001", MembershipID: "sub_1",
		ValidFrom: Date(2026, 1, 1), ValidUntil: Date(2026, 2, 1), Status: models.CardStatusActive,
		VerificationToken: "tok-1",
	}
	require.NoError(t, s.SetCard(ctx, card))
	require.NotEmpty(t, card.ID)

	reissue := &models.MembershipCard{
		UserID: "u1", MembershipNumber: "DEC-2026-000099", MembershipID: "sub_2",
		ValidFrom: Date(2026, 2, 1), ValidUntil: Date(2026, 3, 1), Status: models.CardStatusActive,
	}
	require.NoError(t, s.SetCard(ctx, reissue))
	assert.Equal(t, "DEC-2026-000001", reissue.MembershipNumber, "membership numbers are immutable")
	assert.Equal(t, card.ID, reissue.ID)

	stored, err := s.GetCard(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "DEC-2026-000001", stored.MembershipNumber)
	assert.Equal(t, "sub_2", stored.MembershipID)
	assert.True(t, stored.ValidUntil.Equal(Date(2026, 3, 1)))

	byNumber, err := s.GetCardByNumber(ctx, "DEC-2026-000001")
	require.NoError(t, err)
	assert.Equal(t, "u1", byNumber.UserID)
	_, err = s.GetCardByNumber(ctx, "DEC-2026-000099")
	requireKind(t, err, apperror.KindNotFound)

	inactive := models.CardStatusInactive
	require.NoError(t, s.UpdateCard(ctx, "u1", repository.CardUpdate{Status: &inactive}))
	stored, err = s.GetCard(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.CardStatusInactive, stored.Status)
	assert.Equal(t, "sub_2", stored.MembershipID)
	requireKind(t, s.UpdateCard(ctx, "u_missing", repository.CardUpdate{Status: &inactive}), apperror.KindNotFound)

	require.NoError(t, s.DeleteCard(ctx, "u1"))
	_, err = s.GetCard(ctx, "u1")
	requireKind(t, err, apperror.KindNotFound)
}

func testCounterSequential(t *testing.T, s repository.Store) {
	ctx := context.Background()
	for want := int64(1); want <= 3; want++ {
		got, err := s.IncrementCounter(ctx, 2026)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	got, err := s.IncrementCounter(ctx, 2027)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got, "each year has its own sequence")

	_, err = s.IncrementCounter(ctx, 0)
	requireKind(t, err, apperror.KindValidation)
}

func testCounterConcurrent(t *testing.T, s repository.Store) {
	ctx := context.Background()
	const n = 25
	results := make([]int64, n)

	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			v, err := s.IncrementCounter(ctx, 2026)
			results[i] = v
			return err
		})
	}
	require.NoError(t, g.Wait())

	sort.Slice(results, func(i, j int) bool { return results[i] < results[j] })
	for i, v := range results {
		assert.Equal(t, int64(i+1), v, "values must be distinct and contiguous")
	}
}

func testAuditLog(t *testing.T, s repository.Store) {
	ctx := context.Background()
	base := Date(2026, 1, 1)
	actions := []models.AuditAction{
		models.AuditActionMemberCreated,
		models.AuditActionCardIssued,
		models.AuditActionMembershipUpdated,
	}
	for i, action := range actions {
		entry, err := models.NewAuditEntry("u1", action, models.PerformedByWebhook, models.AuditDetails{After: map[string]int{"step": i}})
		require.NoError(t, err)
		entry.Timestamp = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.LogAuditEntry(ctx, entry))
	}
	other, err := models.NewAuditEntry("u2", models.AuditActionMemberCreated, models.PerformedBySystem, models.AuditDetails{})
	require.NoError(t, err)
	require.NoError(t, s.LogAuditEntry(ctx, other))

	entries, err := s.GetMemberAuditLog(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, models.AuditActionMembershipUpdated, entries[0].Action, "newest first")
	assert.Equal(t, models.AuditActionMemberCreated, entries[2].Action)
	details, err := entries[0].DecodeDetails()
	require.NoError(t, err)
	assert.Contains(t, details, "after")

	limited, err := s.GetMemberAuditLog(ctx, "u1", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	bad := &models.AuditEntry{UserID: "u1", Action: "something_else"}
	requireKind(t, s.LogAuditEntry(ctx, bad), apperror.KindValidation)
}

func testStats(t *testing.T, s repository.Store) {
	ctx := context.Background()

	stats, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total())

	require.NoError(t, s.IncrementStats(ctx, map[string]int64{models.StatKeyTotal: 2, models.StatusStatKey("active"): 2}))
	require.NoError(t, s.IncrementStats(ctx, map[string]int64{models.StatKeyTotal: -1, models.StatusStatKey("active"): -1, models.StatusStatKey("canceled"): 1}))
	require.NoError(t, s.UpdateStats(ctx, map[string]int64{models.StatKeyRevenueCents: 999}))

	stats, err = s.GetStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Total())
	assert.EqualValues(t, 1, stats.ByStatus("active"))
	assert.EqualValues(t, 1, stats.ByStatus("canceled"))
	assert.EqualValues(t, 999, stats.RevenueCents(), "update merges without touching other counters")

	require.NoError(t, s.ReplaceStats(ctx, map[string]int64{models.StatKeyTotal: 7}))
	stats, err = s.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{models.StatKeyTotal: 7}, stats.Counters)
}

func testWebhookClaimLifecycle(t *testing.T, s repository.Store) {
	ctx := context.Background()
	now := Date(2026, 3, 1)
	stale := 5 * time.Minute

	event, err := s.ClaimWebhookEvent(ctx, "evt_1", "checkout.session.completed", now, stale)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookEventStatusProcessing, event.Status)
	assert.Equal(t, 0, event.RetryCount)

	_, err = s.ClaimWebhookEvent(ctx, "evt_1", "checkout.session.completed", now.Add(time.Minute), stale)
	requireKind(t, err, apperror.KindDuplicateEvent)
	assert.Nil(t, apperror.CompletedAt(err), "in-flight duplicates carry no completion time")

	event, err = s.ClaimWebhookEvent(ctx, "evt_1", "checkout.session.completed", now.Add(6*time.Minute), stale)
	require.NoError(t, err, "stale claims are reclaimed")
	assert.Equal(t, 1, event.RetryCount)

	require.NoError(t, s.FailWebhookEvent(ctx, "evt_1", "boom", now.Add(7*time.Minute)))
	stored, err := s.GetWebhookEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookEventStatusFailed, stored.Status)
	assert.Equal(t, "boom", stored.ErrorMessage)
	require.NotNil(t, stored.FailedAt)

	event, err = s.ClaimWebhookEvent(ctx, "evt_1", "checkout.session.completed", now.Add(8*time.Minute), stale)
	require.NoError(t, err, "failed events may be retried")
	assert.Equal(t, 2, event.RetryCount)

	completedAt := now.Add(9 * time.Minute)
	require.NoError(t, s.CompleteWebhookEvent(ctx, "evt_1", completedAt))

	_, err = s.ClaimWebhookEvent(ctx, "evt_1", "checkout.session.completed", now.Add(time.Hour), stale)
	requireKind(t, err, apperror.KindDuplicateEvent)
	require.NotNil(t, apperror.CompletedAt(err))
	assert.True(t, apperror.CompletedAt(err).Equal(completedAt))

	requireKind(t, s.CompleteWebhookEvent(ctx, "evt_missing", now), apperror.KindNotFound)
	requireKind(t, s.FailWebhookEvent(ctx, "evt_missing", "x", now), apperror.KindNotFound)
}

func testWebhookClaimConcurrent(t *testing.T, s repository.Store) {
	ctx := context.Background()
	now := Date(2026, 3, 1)
	const n = 10
	errs := make([]error, n)

	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			_, errs[i] = s.ClaimWebhookEvent(ctx, "evt_race", "customer.subscription.updated", now, 5*time.Minute)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	granted := 0
	for _, err := range errs {
		if err == nil {
			granted++
			continue
		}
		requireKind(t, err, apperror.KindDuplicateEvent)
	}
	assert.Equal(t, 1, granted, "exactly one concurrent claim may win")
}

func testWebhookCleanup(t *testing.T, s repository.Store) {
	ctx := context.Background()
	old := Date(2025, 1, 1)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("evt_old_%d", i)
		_, err := s.ClaimWebhookEvent(ctx, id, "customer.subscription.updated", old.Add(time.Duration(i)*time.Minute), 5*time.Minute)
		require.NoError(t, err)
		require.NoError(t, s.CompleteWebhookEvent(ctx, id, old.Add(time.Hour)))
	}
	_, err := s.ClaimWebhookEvent(ctx, "evt_new", "customer.subscription.updated", Date(2026, 3, 1), 5*time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.CompleteWebhookEvent(ctx, "evt_new", Date(2026, 3, 1)))

	cutoff := Date(2026, 1, 1)
	deleted, err := s.DeleteWebhookEventsBefore(ctx, cutoff, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 3, deleted, "cleanup is bounded per call")

	deleted, err = s.DeleteWebhookEventsBefore(ctx, cutoff, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 2, deleted)

	deleted, err = s.DeleteWebhookEventsBefore(ctx, cutoff, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 0, deleted)

	_, err = s.GetWebhookEvent(ctx, "evt_new")
	require.NoError(t, err)
}

func testSoftDeleteMember(t *testing.T, s repository.Store) {
	ctx := context.Background()
	require.NoError(t, s.SetUser(ctx, &models.User{ID: "u1", Email: "a@example.com"}))
	active := NewMembership("sub_1", "u1", "basic", models.MembershipStatusActive, Date(2026, 1, 1), Date(2026, 2, 1))
	active.PriceCents = 500
	canceled := NewMembership("sub_0", "u1", "basic", models.MembershipStatusCanceled, Date(2025, 1, 1), Date(2025, 2, 1))
	for _, m := range []*models.Membership{active, canceled} {
		_, err := s.SetMembership(ctx, m)
		require.NoError(t, err)
	}
	all, err := s.ListMemberships(ctx)
	require.NoError(t, err)
	require.NoError(t, s.ReplaceStats(ctx, models.ComputeStats(all).Counters))
	require.NoError(t, s.SetCard(ctx, &models.MembershipCard{
		UserID: "u1", MembershipNumber: "DEC-2026-000001", ValidFrom: Date(2026, 1, 1), ValidUntil: Date(2026, 2, 1),
	}))

	result, err := s.SoftDeleteMember(ctx, "u1", "admin_7")
	require.NoError(t, err)
	assert.Equal(t, 2, result.MembershipsDeleted)
	assert.True(t, result.CardDeleted)

	all, err = s.ListMemberships(ctx)
	require.NoError(t, err)
	for _, m := range all {
		assert.Equal(t, models.MembershipStatusDeleted, m.Status)
		assert.False(t, m.AutoRenew)
	}
	card, err := s.GetCard(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.CardStatusDeleted, card.Status)
	assert.Equal(t, "DEC-2026-000001", card.MembershipNumber)

	entries, err := s.GetMemberAuditLog(ctx, "u1", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.AuditActionMemberDeleted, entries[0].Action)
	assert.Equal(t, "admin_7", entries[0].PerformedBy)

	stats, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.True(t, stats.Equal(models.ComputeStats(all)), "stats delta is applied with the delete")
	assert.Zero(t, stats.Total())

	_, err = s.SoftDeleteMember(ctx, "u_missing", "admin_7")
	requireKind(t, err, apperror.KindNotFound)
}
