package billing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"

	"github.com/ManuelReschke/MemberFox/internal/pkg/apperror"
)

type recordedRequest struct {
	method         string
	path           string
	idempotencyKey string
	amount         string
	currency       string
}

type stripeStub struct {
	mu       sync.Mutex
	requests []recordedRequest
}

func (s *stripeStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	s.mu.Lock()
	s.requests = append(s.requests, recordedRequest{
		method:         r.Method,
		path:           r.URL.Path,
		idempotencyKey: r.Header.Get("Idempotency-Key"),
		amount:         r.PostForm.Get("amount"),
		currency:       r.PostForm.Get("currency"),
	})
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v1/invoiceitems":
		_, _ = w.Write([]byte(`{"id": "ii_1", "object": "invoiceitem"}`))
	case r.URL.Path == "/v1/subscriptions/sub_1":
		_, _ = w.Write([]byte(`{
			"id": "sub_1",
			"object": "subscription",
			"customer": "cus_1",
			"status": "active",
			"cancel_at_period_end": true,
			"items": {"object": "list", "data": [{
				"id": "si_1",
				"object": "subscription_item",
				"price": {"id": "price_basic_year", "object": "price"},
				"current_period_start": 1768435200,
				"current_period_end": 1799971200
			}]}
		}`))
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error": {"type": "invalid_request_error", "message": "No such subscription"}}`))
	}
}

func newStubbedStripeProvider(t *testing.T) (*StripeProvider, *stripeStub) {
	t.Helper()
	stub := &stripeStub{}
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	backends := &stripe.Backends{API: backend, Connect: backend, Uploads: backend, MeterEvents: backend}
	return newStripeProvider("sk_test_memberfox", "EUR", backends), stub
}

func TestStripeInvoiceItemCarriesIdempotencyKey(t *testing.T) {
	provider, stub := newStubbedStripeProvider(t)
	ctx := context.Background()

	require.NoError(t, provider.AddInvoiceItem(ctx, "cus_1", 300, "Processing fee (sub_1)", processingFeeKey("evt_1")))
	require.NoError(t, provider.AddInvoiceItem(ctx, "cus_1", 300, "Processing fee (sub_1)", processingFeeKey("evt_1")))

	require.Len(t, stub.requests, 2)
	for _, req := range stub.requests {
		assert.Equal(t, "processing-fee-evt_1", req.idempotencyKey)
		assert.Equal(t, "300", req.amount)
		assert.Equal(t, "eur", req.currency)
	}
}

func TestStripeGetSubscription(t *testing.T) {
	provider, _ := newStubbedStripeProvider(t)
	ctx := context.Background()

	sub, err := provider.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", sub.CustomerID)
	assert.Equal(t, "price_basic_year", sub.PriceID)
	assert.True(t, sub.CancelAtPeriodEnd)
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.EqualValues(t, 1799971200, sub.CurrentPeriodEnd.Unix())

	_, err = provider.GetSubscription(ctx, "sub_missing")
	assert.True(t, apperror.IsKind(err, apperror.KindValidation), "a missing subscription is terminal: %v", err)
}
