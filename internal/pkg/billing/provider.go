package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"github.com/ManuelReschke/MemberFox/internal/pkg/apperror"
	"github.com/ManuelReschke/MemberFox/internal/pkg/env"
)

// Provider is the slice of the payment provider API the processor calls.
type Provider interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
	// AddInvoiceItem adds a one-off charge to the customer's next invoice.
	// Calls sharing idempotencyKey create at most one item.
	AddInvoiceItem(ctx context.Context, customerID string, amountCents int64, description, idempotencyKey string) error
}

// StripeProvider implements Provider on the Stripe API.
type StripeProvider struct {
	api      *client.API
	currency string
}

// NewStripeProvider creates a provider for secretKey. Invoice items are
// created in currency, EUR when empty.
func NewStripeProvider(secretKey, currency string) *StripeProvider {
	return newStripeProvider(secretKey, currency, nil)
}

func newStripeProvider(secretKey, currency string, backends *stripe.Backends) *StripeProvider {
	api := &client.API{}
	api.Init(secretKey, backends)
	if currency == "" {
		currency = string(stripe.CurrencyEUR)
	}
	return &StripeProvider{api: api, currency: strings.ToLower(currency)}
}

// NewStripeProviderFromEnv reads STRIPE_SECRET_KEY.
func NewStripeProviderFromEnv(currency string) (*StripeProvider, error) {
	key := strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", ""))
	if key == "" {
		return nil, errors.New("STRIPE_SECRET_KEY is not set")
	}
	return NewStripeProvider(key, currency), nil
}

func (p *StripeProvider) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := p.api.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		return nil, stripeErr("billing.GetSubscription", err)
	}
	return subscriptionFromStripe(sub), nil
}

func (p *StripeProvider) AddInvoiceItem(ctx context.Context, customerID string, amountCents int64, description, idempotencyKey string) error {
	params := &stripe.InvoiceItemParams{
		Customer:    stripe.String(customerID),
		Amount:      stripe.Int64(amountCents),
		Currency:    stripe.String(p.currency),
		Description: stripe.String(description),
	}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	if _, err := p.api.InvoiceItems.New(params); err != nil {
		return stripeErr("billing.AddInvoiceItem", err)
	}
	return nil
}

// UnconfiguredProvider fails every call. It stands in when no API key is set
// so the admin API and CLI still start; checkout events are then retried.
type UnconfiguredProvider struct{}

func (UnconfiguredProvider) GetSubscription(context.Context, string) (*Subscription, error) {
	return nil, apperror.Provider("billing.GetSubscription", errors.New("payment provider is not configured"))
}

func (UnconfiguredProvider) AddInvoiceItem(context.Context, string, int64, string, string) error {
	return apperror.Provider("billing.AddInvoiceItem", errors.New("payment provider is not configured"))
}

// stripeErr keeps 404s terminal and treats everything else as transient.
func stripeErr(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) && se.HTTPStatusCode == http.StatusNotFound {
		return apperror.ValidationWrap(op, fmt.Errorf("provider resource missing: %w", err))
	}
	return apperror.Provider(op, err)
}

func subscriptionFromStripe(s *stripe.Subscription) *Subscription {
	if s == nil {
		return nil
	}
	out := &Subscription{
		ID:                s.ID,
		Status:            string(s.Status),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.Items != nil && len(s.Items.Data) > 0 && s.Items.Data[0] != nil {
		item := s.Items.Data[0]
		if item.Price != nil {
			out.PriceID = item.Price.ID
		}
		out.CurrentPeriodStart = unixTime(item.CurrentPeriodStart)
		out.CurrentPeriodEnd = unixTime(item.CurrentPeriodEnd)
	}
	if out.CurrentPeriodStart == nil {
		out.CurrentPeriodStart = unixTime(s.StartDate)
	}
	return out
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
