package billing

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/ManuelReschke/MemberFox/internal/pkg/apperror"
)

// Checkout session metadata keys set by the member dashboard.
const (
	metadataUserID        = "userId"
	metadataProcessingFee = "processingFee"
)

// VerifyStripeEvent checks the Stripe-Signature header and decodes the event.
func VerifyStripeEvent(payload []byte, sigHeader, secret string) (stripe.Event, error) {
	if strings.TrimSpace(sigHeader) == "" {
		return stripe.Event{}, apperror.Validation("billing.VerifyStripeEvent", "missing signature header")
	}
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, apperror.ValidationWrap("billing.VerifyStripeEvent", err)
	}
	return event, nil
}

// ParseStripeEvent normalizes a verified event. Unhandled types come back with
// no payload set.
func ParseStripeEvent(event stripe.Event) (*Event, error) {
	const op = "billing.ParseStripeEvent"
	if strings.TrimSpace(event.ID) == "" {
		return nil, apperror.Validation(op, "event id is empty")
	}
	out := &Event{ID: event.ID, Type: string(event.Type)}
	if event.Data == nil {
		if isHandledType(out.Type) {
			return nil, apperror.Validation(op, "event has no data object")
		}
		return out, nil
	}

	switch out.Type {
	case EventCheckoutCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, apperror.ValidationWrap(op, err)
		}
		out.Checkout = checkoutFromStripe(event.ID, &session)
	case EventSubscriptionUpdated, EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, apperror.ValidationWrap(op, err)
		}
		out.Subscription = subscriptionChangedFromStripe(event.ID, &sub)
	}
	return out, nil
}

func isHandledType(eventType string) bool {
	switch eventType {
	case EventCheckoutCompleted, EventSubscriptionUpdated, EventSubscriptionDeleted:
		return true
	default:
		return false
	}
}

func checkoutFromStripe(eventID string, s *stripe.CheckoutSession) *CheckoutCompleted {
	out := &CheckoutCompleted{
		EventID:    eventID,
		SessionID:  s.ID,
		Email:      strings.TrimSpace(s.CustomerEmail),
		UserIDHint: strings.TrimSpace(s.ClientReferenceID),
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.Subscription != nil {
		out.SubscriptionID = s.Subscription.ID
	}
	if s.CustomerDetails != nil {
		if out.Email == "" {
			out.Email = strings.TrimSpace(s.CustomerDetails.Email)
		}
		out.Name = strings.TrimSpace(s.CustomerDetails.Name)
	}
	if hint := strings.TrimSpace(s.Metadata[metadataUserID]); hint != "" {
		out.UserIDHint = hint
	}
	if raw := strings.TrimSpace(s.Metadata[metadataProcessingFee]); raw != "" {
		fee, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || fee < 0 {
			log.Warnf("[Billing] Ignoring malformed processing fee %q on event %s", raw, eventID)
		} else {
			out.ProcessingFeeCents = fee
		}
	}
	return out
}

func subscriptionChangedFromStripe(eventID string, s *stripe.Subscription) *SubscriptionChanged {
	sub := subscriptionFromStripe(s)
	return &SubscriptionChanged{
		EventID:            eventID,
		SubscriptionID:     sub.ID,
		CustomerID:         sub.CustomerID,
		Status:             sub.Status,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		PriceID:            sub.PriceID,
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
	}
}
