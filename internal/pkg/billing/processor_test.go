package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/MemberFox/app/models"
	"github.com/ManuelReschke/MemberFox/app/repository"
	"github.com/ManuelReschke/MemberFox/app/repository/storetest"
	"github.com/ManuelReschke/MemberFox/internal/pkg/apperror"
	"github.com/ManuelReschke/MemberFox/internal/pkg/audit"
	"github.com/ManuelReschke/MemberFox/internal/pkg/numbering"
	"github.com/ManuelReschke/MemberFox/internal/pkg/security"
	"github.com/ManuelReschke/MemberFox/internal/pkg/webhookgate"
)

type fakeProvider struct {
	mu     sync.Mutex
	subs   map[string]*Subscription
	getErr error
	feeErr error
	fees   []int64
	keys   map[string]bool
	gets   int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{subs: map[string]*Subscription{}, keys: map[string]bool{}}
}

func (f *fakeProvider) GetSubscription(_ context.Context, id string) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.getErr != nil {
		return nil, f.getErr
	}
	sub, ok := f.subs[id]
	if !ok {
		return nil, apperror.Validation("fake.GetSubscription", "no such subscription "+id)
	}
	out := *sub
	return &out, nil
}

// AddInvoiceItem replays a known idempotency key without a second charge, as
// the provider API does.
func (f *fakeProvider) AddInvoiceItem(_ context.Context, _ string, amount int64, _ string, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.feeErr != nil {
		return f.feeErr
	}
	if key != "" && f.keys[key] {
		return nil
	}
	f.keys[key] = true
	f.fees = append(f.fees, amount)
	return nil
}

func (f *fakeProvider) put(sub *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[sub.ID] = sub
}

type testEnv struct {
	store     repository.Store
	provider  *fakeProvider
	processor *Processor
	handler   *WebhookHandler
	signer    *security.CardSigner
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, storetest.NewGormStore(t))
}

func newTestEnvWithStore(t *testing.T, store repository.Store) *testEnv {
	t.Helper()
	provider := newFakeProvider()
	catalog, err := ParseCatalog([]byte(testCatalogYAML))
	require.NoError(t, err)
	numbers, err := numbering.NewAllocator(store, "DEC", nil)
	require.NoError(t, err)
	signer, err := security.NewCardSigner("card-secret")
	require.NoError(t, err)

	processor := NewProcessor(store, provider, catalog, numbers, audit.NewMaintainer(store, nil, nil), signer)
	return &testEnv{
		store:     store,
		provider:  provider,
		processor: processor,
		handler:   NewWebhookHandler(webhookgate.New(store), processor, nil),
		signer:    signer,
	}
}

func ptrTime(t time.Time) *time.Time { return &t }

func activeSubscription(id, customer, price string) *Subscription {
	return &Subscription{
		ID:                 id,
		CustomerID:         customer,
		Status:             "active",
		PriceID:            price,
		CurrentPeriodStart: ptrTime(storetest.Date(2026, 1, 15)),
		CurrentPeriodEnd:   ptrTime(storetest.Date(2027, 1, 15)),
	}
}

func checkoutEvent(eventID, subID, customer, email string) *Event {
	return &Event{
		ID:   eventID,
		Type: EventCheckoutCompleted,
		Checkout: &CheckoutCompleted{
			EventID:        eventID,
			CustomerID:     customer,
			SubscriptionID: subID,
			Email:          email,
		},
	}
}

func subscriptionEvent(eventID, eventType, subID, customer, status string) *Event {
	return &Event{
		ID:   eventID,
		Type: eventType,
		Subscription: &SubscriptionChanged{
			EventID:            eventID,
			SubscriptionID:     subID,
			CustomerID:         customer,
			Status:             status,
			CurrentPeriodStart: ptrTime(storetest.Date(2026, 1, 15)),
			CurrentPeriodEnd:   ptrTime(storetest.Date(2027, 1, 15)),
		},
	}
}

func TestCheckoutUpdateDeleteLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.provider.put(activeSubscription("sub_1", "cus_1", "price_basic_year"))

	res := env.handler.Handle(ctx, checkoutEvent("evt_1", "sub_1", "cus_1", "Jane@Example.com"))
	require.Equal(t, OutcomeProcessed, res.Outcome, "%v", res.Err)

	membership, err := env.store.GetMembership(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "sub_1", membership.UserID, "guest checkout uses the subscription id")
	assert.Equal(t, "basic", membership.PlanType)
	assert.Equal(t, models.MembershipStatusActive, membership.Status)
	assert.True(t, membership.AutoRenew)
	assert.True(t, membership.EndDate.Equal(storetest.Date(2027, 1, 15)))

	card, err := env.store.GetCard(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "DEC-2026-000001", card.MembershipNumber)
	assert.Equal(t, models.CardStatusActive, card.Status)
	claims, err := env.signer.Verify(card.VerificationToken)
	require.NoError(t, err)
	assert.Equal(t, card.MembershipNumber, claims.MembershipNumber)

	user, err := env.store.GetUserByCustomerID(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", user.Email)

	// Redelivery of the same event.
	res = env.handler.Handle(ctx, checkoutEvent("evt_1", "sub_1", "cus_1", "jane@example.com"))
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, 200, res.Outcome.HTTPStatus())
	assert.Equal(t, 1, env.provider.gets, "duplicate does not touch the provider")

	page, err := env.store.GetAllMemberships(ctx, repository.MembershipFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, page.Total)
	next, err := env.store.IncrementCounter(ctx, 2026)
	require.NoError(t, err)
	assert.EqualValues(t, 2, next, "no second number was allocated")

	res = env.handler.Handle(ctx, subscriptionEvent("evt_2", EventSubscriptionDeleted, "sub_1", "cus_1", "canceled"))
	require.Equal(t, OutcomeProcessed, res.Outcome, "%v", res.Err)

	membership, err = env.store.GetMembership(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, models.MembershipStatusCanceled, membership.Status)
	assert.False(t, membership.AutoRenew)

	card, err = env.store.GetCard(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "DEC-2026-000001", card.MembershipNumber)
	assert.Equal(t, models.CardStatusInactive, card.Status)

	stats, err := env.store.GetStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Total())
	assert.EqualValues(t, 1, stats.ByStatus(models.MembershipStatusCanceled))
	assert.EqualValues(t, 0, stats.ByStatus(models.MembershipStatusActive))

	entries, err := env.store.GetMemberAuditLog(ctx, "sub_1", 0)
	require.NoError(t, err)
	actions := make([]models.AuditAction, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.ElementsMatch(t, []models.AuditAction{
		models.AuditActionMemberCreated,
		models.AuditActionCardIssued,
		models.AuditActionMembershipCanceled,
		models.AuditActionCardUpdated,
	}, actions)
}

func TestCheckoutIncompleteSubscriptionIsSkipped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sub := activeSubscription("sub_1", "cus_1", "price_basic_year")
	sub.Status = "incomplete"
	env.provider.put(sub)

	res := env.handler.Handle(ctx, checkoutEvent("evt_1", "sub_1", "cus_1", ""))
	assert.Equal(t, OutcomeProcessed, res.Outcome)

	_, err := env.store.GetMembership(ctx, "sub_1")
	assert.True(t, apperror.IsKind(err, apperror.KindNotFound))
	_, err = env.store.GetUserByCustomerID(ctx, "cus_1")
	assert.True(t, apperror.IsKind(err, apperror.KindNotFound))
}

func TestSubscriptionEventsForUnknownCustomerAreNoops(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, eventType := range []string{EventSubscriptionUpdated, EventSubscriptionDeleted} {
		res := env.handler.Handle(ctx, subscriptionEvent("evt_"+eventType, eventType, "sub_9", "cus_unknown", "active"))
		assert.Equal(t, OutcomeProcessed, res.Outcome, eventType)
	}
	_, err := env.store.GetMembership(ctx, "sub_9")
	assert.True(t, apperror.IsKind(err, apperror.KindNotFound))

	stats, err := env.store.GetStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.Total())
}

func TestCheckoutResolvesUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.SetUser(ctx, &models.User{ID: "u_42", Email: "member@example.com"}))

	env.provider.put(activeSubscription("sub_hint", "cus_hint", "price_basic_year"))
	ev := checkoutEvent("evt_hint", "sub_hint", "cus_hint", "")
	ev.Checkout.UserIDHint = "u_7"
	require.NoError(t, env.processor.ProcessCheckoutCompleted(ctx, ev.Checkout))

	env.provider.put(activeSubscription("sub_mail", "cus_mail", "price_basic_year"))
	require.NoError(t, env.processor.ProcessCheckoutCompleted(ctx, checkoutEvent("evt_mail", "sub_mail", "cus_mail", "MEMBER@example.com").Checkout))

	hinted, err := env.store.GetMembership(ctx, "sub_hint")
	require.NoError(t, err)
	assert.Equal(t, "u_7", hinted.UserID)

	byEmail, err := env.store.GetMembership(ctx, "sub_mail")
	require.NoError(t, err)
	assert.Equal(t, "u_42", byEmail.UserID)

	user, err := env.store.GetUser(ctx, "u_42")
	require.NoError(t, err)
	assert.Equal(t, "cus_mail", user.CustomerID())
}

func TestRenewalKeepsMembershipNumber(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.provider.put(activeSubscription("sub_1", "cus_1", "price_basic_year"))
	require.NoError(t, env.processor.ProcessCheckoutCompleted(ctx, checkoutEvent("evt_1", "sub_1", "cus_1", "").Checkout))

	renewed := subscriptionEvent("evt_2", EventSubscriptionUpdated, "sub_1", "cus_1", "active")
	renewed.Subscription.PriceID = "price_premium_year"
	renewed.Subscription.CurrentPeriodStart = ptrTime(storetest.Date(2027, 1, 15))
	renewed.Subscription.CurrentPeriodEnd = ptrTime(storetest.Date(2028, 1, 15))
	require.NoError(t, env.processor.ProcessSubscriptionUpdated(ctx, renewed.Subscription))

	membership, err := env.store.GetMembership(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "premium", membership.PlanType)
	assert.EqualValues(t, 5000, membership.PriceCents)

	card, err := env.store.GetCard(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "DEC-2026-000001", card.MembershipNumber)
	assert.True(t, card.ValidUntil.Equal(storetest.Date(2028, 1, 15)))

	stats, err := env.store.GetStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.ByPlan("basic"))
	assert.EqualValues(t, 1, stats.ByPlan("premium"))
	assert.EqualValues(t, 5000, stats.RevenueCents())
}

func TestSubscriptionUpdatedForDeletedMembershipIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.provider.put(activeSubscription("sub_1", "cus_1", "price_basic_year"))
	require.NoError(t, env.processor.ProcessCheckoutCompleted(ctx, checkoutEvent("evt_1", "sub_1", "cus_1", "").Checkout))
	_, err := env.store.SoftDeleteMember(ctx, "sub_1", "admin_1")
	require.NoError(t, err)

	require.NoError(t, env.processor.ProcessSubscriptionUpdated(ctx, subscriptionEvent("evt_2", EventSubscriptionUpdated, "sub_1", "cus_1", "active").Subscription))
	require.NoError(t, env.processor.ProcessCheckoutCompleted(ctx, checkoutEvent("evt_3", "sub_1", "cus_1", "").Checkout))

	membership, err := env.store.GetMembership(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, models.MembershipStatusDeleted, membership.Status)
}

func TestProcessingFeeIsBestEffort(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.provider.put(activeSubscription("sub_1", "cus_1", "price_basic_year"))
	env.provider.feeErr = errors.New("card declined")

	ev := checkoutEvent("evt_1", "sub_1", "cus_1", "")
	ev.Checkout.ProcessingFeeCents = 350
	res := env.handler.Handle(ctx, ev)
	require.Equal(t, OutcomeProcessed, res.Outcome, "%v", res.Err)

	_, err := env.store.GetMembership(ctx, "sub_1")
	assert.NoError(t, err)

	env.provider.feeErr = nil
	env.provider.put(activeSubscription("sub_2", "cus_2", "price_basic_year"))
	ev = checkoutEvent("evt_2", "sub_2", "cus_2", "")
	ev.Checkout.ProcessingFeeCents = 350
	require.NoError(t, env.processor.ProcessCheckoutCompleted(ctx, ev.Checkout))
	assert.Equal(t, []int64{350}, env.provider.fees)
}

func TestUnmappedPriceFallsBackToLowestTier(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.provider.put(activeSubscription("sub_1", "cus_1", "price_legacy"))

	require.NoError(t, env.processor.ProcessCheckoutCompleted(ctx, checkoutEvent("evt_1", "sub_1", "cus_1", "").Checkout))
	membership, err := env.store.GetMembership(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "basic", membership.PlanType)
	assert.Equal(t, "price_legacy", membership.PriceID)
}

func TestStatsStayReconciled(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for i, id := range []string{"sub_1", "sub_2", "sub_3"} {
		customer := "cus_" + id
		env.provider.put(activeSubscription(id, customer, []string{"price_basic_year", "price_premium_year", "price_basic_month"}[i]))
		require.NoError(t, env.processor.ProcessCheckoutCompleted(ctx, checkoutEvent("evt_c_"+id, id, customer, "").Checkout))
	}
	require.NoError(t, env.processor.ProcessSubscriptionUpdated(ctx, subscriptionEvent("evt_u", EventSubscriptionUpdated, "sub_2", "cus_sub_2", "past_due").Subscription))
	require.NoError(t, env.processor.ProcessSubscriptionDeleted(ctx, subscriptionEvent("evt_d", EventSubscriptionDeleted, "sub_3", "cus_sub_3", "canceled").Subscription))

	result, err := audit.NewMaintainer(env.store, nil, nil).RefreshStats(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, result.Drift)
	assert.EqualValues(t, 3, result.Current.Total())
	assert.EqualValues(t, 7500, result.Current.RevenueCents())
}

func TestStatsSurviveFailedCounterWrite(t *testing.T) {
	db := storetest.NewSQLiteDB(t)
	failed := false
	err := db.Callback().Create().Before("gorm:create").Register("test:fail_stats_once", func(tx *gorm.DB) {
		if tx.Statement.Table == "membership_stats" && !failed {
			failed = true
			tx.AddError(errors.New("lock wait timeout exceeded"))
		}
	})
	require.NoError(t, err)

	env := newTestEnvWithStore(t, repository.NewGormStore(db))
	ctx := context.Background()
	env.provider.put(activeSubscription("sub_1", "cus_1", "price_basic_year"))

	res := env.handler.Handle(ctx, checkoutEvent("evt_1", "sub_1", "cus_1", ""))
	require.Equal(t, OutcomeRetry, res.Outcome)
	require.True(t, failed)
	_, err = env.store.GetMembership(ctx, "sub_1")
	assert.True(t, apperror.IsKind(err, apperror.KindNotFound), "the membership write rolls back with its counters")

	res = env.handler.Handle(ctx, checkoutEvent("evt_1", "sub_1", "cus_1", ""))
	require.Equal(t, OutcomeProcessed, res.Outcome, "%v", res.Err)

	stored, err := env.store.GetStats(ctx)
	require.NoError(t, err)
	result, err := audit.NewMaintainer(env.store, nil, nil).RefreshStats(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, result.Drift)
	assert.True(t, stored.Equal(result.Current), "stored %v, recomputed %v", stored.Counters, result.Current.Counters)
	assert.EqualValues(t, 1, stored.Total())
	assert.EqualValues(t, 2500, stored.RevenueCents())
}

func TestCheckoutHintTakesOverLinkedCustomer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.provider.put(activeSubscription("sub_1", "cus_1", "price_basic_year"))
	res := env.handler.Handle(ctx, checkoutEvent("evt_1", "sub_1", "cus_1", ""))
	require.Equal(t, OutcomeProcessed, res.Outcome, "%v", res.Err)

	env.provider.put(activeSubscription("sub_2", "cus_1", "price_premium_year"))
	ev := checkoutEvent("evt_2", "sub_2", "cus_1", "")
	ev.Checkout.UserIDHint = "user_42"
	res = env.handler.Handle(ctx, ev)
	require.Equal(t, OutcomeProcessed, res.Outcome, "%v", res.Err)

	membership, err := env.store.GetMembership(ctx, "sub_2")
	require.NoError(t, err)
	assert.Equal(t, "user_42", membership.UserID)

	owner, err := env.store.GetUserByCustomerID(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "user_42", owner.ID)

	guest, err := env.store.GetMembership(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "sub_1", guest.UserID, "earlier memberships stay with their owner")

	card, err := env.store.GetCard(ctx, "user_42")
	require.NoError(t, err)
	assert.Equal(t, models.CardStatusActive, card.Status)
}

func TestProcessingFeeIsChargedOncePerCheckout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.provider.put(activeSubscription("sub_1", "cus_1", "price_basic_year"))
	env.provider.getErr = apperror.Provider("fake", errors.New("503 from provider"))

	ev := checkoutEvent("evt_1", "sub_1", "cus_1", "")
	ev.Checkout.ProcessingFeeCents = 300
	res := env.handler.Handle(ctx, ev)
	require.Equal(t, OutcomeRetry, res.Outcome)

	env.provider.getErr = nil
	res = env.handler.Handle(ctx, ev)
	require.Equal(t, OutcomeProcessed, res.Outcome, "%v", res.Err)

	assert.Equal(t, []int64{300}, env.provider.fees)
	assert.True(t, env.provider.keys[processingFeeKey("evt_1")])
}
