package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/MemberFox/app/models"
	"github.com/ManuelReschke/MemberFox/app/repository"
	"github.com/ManuelReschke/MemberFox/internal/pkg/apperror"
	"github.com/ManuelReschke/MemberFox/internal/pkg/audit"
	"github.com/ManuelReschke/MemberFox/internal/pkg/numbering"
	"github.com/ManuelReschke/MemberFox/internal/pkg/security"
)

// Store is the persistence the processor writes through.
type Store interface {
	repository.UserStore
	repository.MembershipStore
	repository.CardStore
}

// Processor turns provider events into membership transitions. Every write is
// an upsert keyed by a provider id, so replaying an event converges on the
// same state.
type Processor struct {
	store    Store
	provider Provider
	catalog  *Catalog
	numbers  *numbering.Allocator
	audit    *audit.Maintainer
	signer   *security.CardSigner
	now      func() time.Time
}

// NewProcessor wires the processor. signer may be nil, in which case cards
// carry no verification token.
func NewProcessor(store Store, provider Provider, catalog *Catalog, numbers *numbering.Allocator, maintainer *audit.Maintainer, signer *security.CardSigner) *Processor {
	return &Processor{
		store:    store,
		provider: provider,
		catalog:  catalog,
		numbers:  numbers,
		audit:    maintainer,
		signer:   signer,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ProcessCheckoutCompleted provisions the membership of a finished checkout.
func (p *Processor) ProcessCheckoutCompleted(ctx context.Context, ev *CheckoutCompleted) error {
	const op = "billing.ProcessCheckoutCompleted"
	if err := validatePayload(op, ev); err != nil {
		return err
	}

	if ev.ProcessingFeeCents > 0 {
		desc := fmt.Sprintf("Processing fee (%s)", ev.SubscriptionID)
		if err := p.provider.AddInvoiceItem(ctx, ev.CustomerID, ev.ProcessingFeeCents, desc, processingFeeKey(ev.EventID)); err != nil {
			log.Warnf("[Billing] Processing fee of %d for customer %s not recorded: %v", ev.ProcessingFeeCents, ev.CustomerID, err)
		}
	}

	sub, err := p.provider.GetSubscription(ctx, ev.SubscriptionID)
	if err != nil {
		if _, ok := apperror.KindOf(err); ok {
			return err
		}
		return apperror.Provider(op, err)
	}
	if isIncompleteStatus(sub.Status) {
		log.Infof("[Billing] Subscription %s is %s, waiting for payment before provisioning", sub.ID, sub.Status)
		return nil
	}

	plan, fallback := p.catalog.Resolve(sub.PriceID)
	if fallback {
		log.Warnf("[Billing] Price %q of subscription %s is not mapped, using plan %s", sub.PriceID, sub.ID, plan.Name)
	}

	existing, err := p.findMembership(ctx, sub.ID)
	if err != nil {
		return err
	}
	if existing != nil && existing.Status == models.MembershipStatusDeleted {
		log.Warnf("[Billing] Membership %s was deleted by an admin, not reactivating", sub.ID)
		return nil
	}

	user, err := p.resolveUser(ctx, ev)
	if err != nil {
		return err
	}

	membership := &models.Membership{
		ID:         sub.ID,
		UserID:     user.ID,
		PlanType:   plan.Name,
		PriceID:    sub.PriceID,
		PriceCents: plan.PriceCents,
		Status:     sub.Status,
		StartDate:  sub.CurrentPeriodStart,
		EndDate:    sub.CurrentPeriodEnd,
		AutoRenew:  !sub.CancelAtPeriodEnd,
	}
	previous, err := p.store.SetMembership(ctx, membership)
	if err != nil {
		return err
	}
	p.audit.AppliedTransition(ctx, previous, membership)

	action := models.AuditActionMemberCreated
	if previous != nil {
		action = models.AuditActionMembershipUpdated
	}
	extra := map[string]string{"event_id": ev.EventID, "customer_id": ev.CustomerID}
	if fallback {
		extra["plan_fallback"] = "true"
	}
	err = p.audit.Record(ctx, user.ID, action, models.PerformedByWebhook, models.AuditDetails{
		Before: previous,
		After:  membership,
		Extra:  extra,
	})
	if err != nil {
		return err
	}

	log.Infof("[Billing] Provisioned membership %s (%s, %s) for user %s", membership.ID, membership.PlanType, membership.Status, user.ID)
	return p.syncCard(ctx, ev.EventID, user.ID, models.PerformedByWebhook)
}

// ProcessSubscriptionUpdated mirrors a subscription change onto its membership.
// An unknown customer is a no-op.
func (p *Processor) ProcessSubscriptionUpdated(ctx context.Context, ev *SubscriptionChanged) error {
	const op = "billing.ProcessSubscriptionUpdated"
	if err := validatePayload(op, ev); err != nil {
		return err
	}
	user, err := p.lookupCustomer(ctx, ev)
	if err != nil || user == nil {
		return err
	}

	existing, err := p.findMembership(ctx, ev.SubscriptionID)
	if err != nil {
		return err
	}
	if existing == nil {
		return p.createFromUpdate(ctx, user, ev)
	}
	if existing.Status == models.MembershipStatusDeleted {
		log.Warnf("[Billing] Ignoring %s for deleted membership %s", EventSubscriptionUpdated, existing.ID)
		return nil
	}

	autoRenew := !ev.CancelAtPeriodEnd
	update := repository.MembershipUpdate{
		Status:    &ev.Status,
		StartDate: ev.CurrentPeriodStart,
		EndDate:   ev.CurrentPeriodEnd,
		AutoRenew: &autoRenew,
	}
	if ev.PriceID != "" && ev.PriceID != existing.PriceID {
		plan, fallback := p.catalog.Resolve(ev.PriceID)
		if fallback {
			log.Warnf("[Billing] Price %q of subscription %s is not mapped, using plan %s", ev.PriceID, ev.SubscriptionID, plan.Name)
		}
		update.PlanType = &plan.Name
		update.PriceID = &ev.PriceID
		update.PriceCents = &plan.PriceCents
	}

	action := models.AuditActionMembershipUpdated
	if ev.Status == models.MembershipStatusCanceled {
		action = models.AuditActionMembershipCanceled
	}
	return p.applyUpdate(ctx, ev.EventID, existing.ID, update, action)
}

// ProcessSubscriptionDeleted cancels the membership. An unknown customer or
// subscription is a no-op.
func (p *Processor) ProcessSubscriptionDeleted(ctx context.Context, ev *SubscriptionChanged) error {
	const op = "billing.ProcessSubscriptionDeleted"
	if err := validatePayload(op, ev); err != nil {
		return err
	}
	user, err := p.lookupCustomer(ctx, ev)
	if err != nil || user == nil {
		return err
	}

	existing, err := p.findMembership(ctx, ev.SubscriptionID)
	if err != nil {
		return err
	}
	if existing == nil {
		log.Warnf("[Billing] No membership %s for customer %s, nothing to cancel", ev.SubscriptionID, ev.CustomerID)
		return nil
	}
	if existing.Status == models.MembershipStatusDeleted {
		log.Infof("[Billing] Membership %s was deleted by an admin, nothing to cancel", existing.ID)
		return nil
	}

	status := models.MembershipStatusCanceled
	autoRenew := false
	update := repository.MembershipUpdate{
		Status:    &status,
		AutoRenew: &autoRenew,
		EndDate:   ev.CurrentPeriodEnd,
	}
	return p.applyUpdate(ctx, ev.EventID, existing.ID, update, models.AuditActionMembershipCanceled)
}

func (p *Processor) applyUpdate(ctx context.Context, eventID, membershipID string, update repository.MembershipUpdate, action models.AuditAction) error {
	before, after, err := p.store.UpdateMembership(ctx, membershipID, update)
	if err != nil {
		return err
	}
	p.audit.AppliedTransition(ctx, before, after)
	err = p.audit.Record(ctx, after.UserID, action, models.PerformedByWebhook, models.AuditDetails{
		Before: before,
		After:  after,
		Extra:  map[string]string{"event_id": eventID},
	})
	if err != nil {
		return err
	}
	log.Infof("[Billing] Membership %s is now %s (auto renew %t)", after.ID, after.Status, after.AutoRenew)
	return p.syncCard(ctx, eventID, after.UserID, models.PerformedByWebhook)
}

// createFromUpdate handles an update for a subscription that never went
// through checkout here, for example one created from the provider dashboard.
func (p *Processor) createFromUpdate(ctx context.Context, user *models.User, ev *SubscriptionChanged) error {
	if isIncompleteStatus(ev.Status) {
		return nil
	}
	plan, fallback := p.catalog.Resolve(ev.PriceID)
	if fallback {
		log.Warnf("[Billing] Price %q of subscription %s is not mapped, using plan %s", ev.PriceID, ev.SubscriptionID, plan.Name)
	}
	membership := &models.Membership{
		ID:         ev.SubscriptionID,
		UserID:     user.ID,
		PlanType:   plan.Name,
		PriceID:    ev.PriceID,
		PriceCents: plan.PriceCents,
		Status:     ev.Status,
		StartDate:  ev.CurrentPeriodStart,
		EndDate:    ev.CurrentPeriodEnd,
		AutoRenew:  !ev.CancelAtPeriodEnd,
	}
	previous, err := p.store.SetMembership(ctx, membership)
	if err != nil {
		return err
	}
	p.audit.AppliedTransition(ctx, previous, membership)
	err = p.audit.Record(ctx, user.ID, models.AuditActionMemberCreated, models.PerformedByWebhook, models.AuditDetails{
		Before: previous,
		After:  membership,
		Extra:  map[string]string{"event_id": ev.EventID},
	})
	if err != nil {
		return err
	}
	return p.syncCard(ctx, ev.EventID, user.ID, models.PerformedByWebhook)
}

// resolveUser picks the owner of a checkout: the explicit hint, then the
// member already linked to the customer, then the email, then the
// subscription id as a guest identity. The result is upserted with the
// customer id; a hint naming another user moves the customer link to it.
func (p *Processor) resolveUser(ctx context.Context, ev *CheckoutCompleted) (*models.User, error) {
	linked, err := p.store.GetUserByCustomerID(ctx, ev.CustomerID)
	switch {
	case err == nil:
	case apperror.IsKind(err, apperror.KindNotFound):
		linked = nil
	default:
		return nil, err
	}

	userID := ev.UserIDHint
	switch {
	case userID != "" && linked != nil && linked.ID != userID:
		log.Warnf("[Billing] Customer %s was linked to user %s, moving it to user %s", ev.CustomerID, linked.ID, userID)
	case userID == "" && linked != nil:
		userID = linked.ID
	}
	if userID == "" && ev.Email != "" {
		byEmail, err := p.store.GetUserByEmail(ctx, ev.Email)
		switch {
		case err == nil:
			userID = byEmail.ID
		case !apperror.IsKind(err, apperror.KindNotFound):
			return nil, err
		}
	}
	if userID == "" {
		userID = ev.SubscriptionID
		log.Infof("[Billing] Guest checkout, using subscription %s as user id", ev.SubscriptionID)
	}

	customerID := ev.CustomerID
	user := &models.User{
		ID:                userID,
		Email:             models.NormalizeEmail(ev.Email),
		Name:              ev.Name,
		PaymentCustomerID: &customerID,
	}
	if err := p.store.SetUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (p *Processor) lookupCustomer(ctx context.Context, ev *SubscriptionChanged) (*models.User, error) {
	user, err := p.store.GetUserByCustomerID(ctx, ev.CustomerID)
	if apperror.IsKind(err, apperror.KindNotFound) {
		log.Warnf("[Billing] No member for customer %s (subscription %s, event %s), skipping", ev.CustomerID, ev.SubscriptionID, ev.EventID)
		return nil, nil
	}
	return user, err
}

func (p *Processor) findMembership(ctx context.Context, id string) (*models.Membership, error) {
	m, err := p.store.GetMembership(ctx, id)
	if apperror.IsKind(err, apperror.KindNotFound) {
		return nil, nil
	}
	return m, err
}

// SyncCard points the user's card at their current active membership. The
// first activation issues the card with a fresh membership number; later
// calls only move validity and status.
func (p *Processor) SyncCard(ctx context.Context, userID, performedBy string) error {
	return p.syncCard(ctx, "", userID, performedBy)
}

func (p *Processor) syncCard(ctx context.Context, eventID, userID, performedBy string) error {
	active, err := p.store.GetActiveMembership(ctx, userID)
	if apperror.IsKind(err, apperror.KindNotFound) {
		active = nil
	} else if err != nil {
		return err
	}

	card, err := p.store.GetCard(ctx, userID)
	if apperror.IsKind(err, apperror.KindNotFound) {
		if active == nil {
			return nil
		}
		return p.issueCard(ctx, eventID, userID, performedBy, active)
	}
	if err != nil {
		return err
	}

	before := *card
	update := repository.CardUpdate{}
	if active == nil {
		if card.Status == models.CardStatusInactive {
			return nil
		}
		status := models.CardStatusInactive
		update.Status = &status
	} else {
		from, until := p.cardValidity(active)
		status := models.CardStatusActive
		update = repository.CardUpdate{
			MembershipID: &active.ID,
			ValidFrom:    &from,
			ValidUntil:   &until,
			Status:       &status,
		}
		if token := p.cardToken(card.MembershipNumber, userID, until); token != "" {
			update.VerificationToken = &token
		}
	}
	after := *card
	update.ApplyTo(&after)
	if cardUnchanged(&before, &after) {
		return nil
	}
	if err := p.store.UpdateCard(ctx, userID, update); err != nil {
		return err
	}
	return p.audit.Record(ctx, userID, models.AuditActionCardUpdated, performedBy, models.AuditDetails{
		Before: &before,
		After:  &after,
		Extra:  eventExtra(eventID, nil),
	})
}

func (p *Processor) issueCard(ctx context.Context, eventID, userID, performedBy string, active *models.Membership) error {
	from, until := p.cardValidity(active)
	number, err := p.numbers.Next(ctx, from.Year())
	if err != nil {
		return err
	}
	card := &models.MembershipCard{
		UserID:           userID,
		MembershipNumber: number,
		MembershipID:     active.ID,
		ValidFrom:        from,
		ValidUntil:       until,
		Status:           models.CardStatusActive,
	}
	card.VerificationToken = p.cardToken(number, userID, until)
	if err := p.store.SetCard(ctx, card); err != nil {
		return err
	}
	if card.MembershipNumber != number {
		// Lost a race with a concurrent issue for the same user; the allocated
		// number stays unused.
		log.Warnf("[Billing] Card of user %s already carries %s, discarded %s", userID, card.MembershipNumber, number)
		return nil
	}
	log.Infof("[Billing] Issued card %s to user %s", number, userID)
	return p.audit.Record(ctx, userID, models.AuditActionCardIssued, performedBy, models.AuditDetails{
		After: card,
		Extra: eventExtra(eventID, map[string]string{"membership_number": number}),
	})
}

func (p *Processor) cardValidity(m *models.Membership) (from, until time.Time) {
	from = p.now()
	if m.StartDate != nil {
		from = m.StartDate.UTC()
	}
	if m.EndDate != nil {
		until = m.EndDate.UTC()
	}
	return from, until
}

func (p *Processor) cardToken(number, userID string, until time.Time) string {
	if p.signer == nil {
		return ""
	}
	token, err := p.signer.Token(number, userID, until)
	if err != nil {
		log.Errorf("[Billing] Failed to sign card %s: %v", number, err)
		return ""
	}
	return token
}

// processingFeeKey ties the fee to the checkout event, so redeliveries that
// run the processor again never charge it twice.
func processingFeeKey(eventID string) string {
	return "processing-fee-" + eventID
}

func eventExtra(eventID string, extra map[string]string) map[string]string {
	if eventID == "" {
		return extra
	}
	if extra == nil {
		extra = map[string]string{}
	}
	extra["event_id"] = eventID
	return extra
}

func cardUnchanged(a, b *models.MembershipCard) bool {
	return a.MembershipID == b.MembershipID &&
		a.ValidFrom.Equal(b.ValidFrom) &&
		a.ValidUntil.Equal(b.ValidUntil) &&
		a.Status == b.Status &&
		a.VerificationToken == b.VerificationToken
}
