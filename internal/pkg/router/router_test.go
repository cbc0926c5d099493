package router

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/ManuelReschke/MemberFox/app/models"
	"github.com/ManuelReschke/MemberFox/app/repository/storetest"
	"github.com/ManuelReschke/MemberFox/internal/pkg/bootstrap"
	"github.com/ManuelReschke/MemberFox/internal/pkg/metrics"
)

const (
	testWebhookSecret = "whsec_router_test"
	testAdminToken    = "admin-token"
)

func newTestApp(t *testing.T) (*fiber.App, *bootstrap.Services) {
	t.Helper()
	t.Setenv("STRIPE_WEBHOOK_SECRET", testWebhookSecret)
	t.Setenv("ADMIN_API_TOKEN", testAdminToken)
	t.Setenv("CARD_SIGNING_SECRET", "card-secret")

	svc, err := bootstrap.New(storetest.NewGormStore(t), nil, metrics.New())
	require.NoError(t, err)

	app := fiber.New()
	InstallRouter(app, svc)
	return app, svc
}

func TestOpenAPIDocumentCoversRoutes(t *testing.T) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromFile("../../../docs/openapi.yml")
	require.NoError(t, err)
	require.NoError(t, doc.Validate(loader.Context))

	app, _ := newTestApp(t)
	for _, route := range app.GetRoutes(true) {
		documented := strings.HasPrefix(route.Path, "/api/admin") ||
			strings.HasPrefix(route.Path, "/api/cards") ||
			strings.HasPrefix(route.Path, "/webhooks")
		if !documented || route.Method == fiber.MethodHead {
			continue
		}
		path := route.Path
		for _, param := range route.Params {
			path = strings.Replace(path, ":"+param, "{"+param+"}", 1)
		}
		item := doc.Paths.Find(path)
		if assert.NotNil(t, item, "undocumented route %s %s", route.Method, path) {
			assert.NotNil(t, item.GetOperation(route.Method), "undocumented method %s %s", route.Method, path)
		}
	}
}

func TestStripeWebhookRoute(t *testing.T) {
	app, svc := newTestApp(t)

	payload := []byte(`{
		"id": "evt_router_1",
		"object": "event",
		"type": "customer.subscription.updated",
		"data": {"object": {"id": "sub_unknown", "object": "subscription", "customer": "cus_unknown", "status": "active"}}
	}`)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: testWebhookSecret})

	req := httptest.NewRequest(fiber.MethodPost, "/webhooks/stripe", strings.NewReader(string(signed.Payload)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", signed.Header)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "processed", body["outcome"])

	event, err := svc.Store.GetWebhookEvent(context.Background(), "evt_router_1")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookEventStatusCompleted, event.Status)

	// Same delivery again is acknowledged without reprocessing.
	req = httptest.NewRequest(fiber.MethodPost, "/webhooks/stripe", strings.NewReader(string(signed.Payload)))
	req.Header.Set("Stripe-Signature", signed.Header)
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	body = map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "duplicate", body["outcome"])
}

func TestStripeWebhookRouteAcknowledgesRejectedEvent(t *testing.T) {
	app, svc := newTestApp(t)

	payload := []byte(`{
		"id": "evt_router_bad",
		"object": "event",
		"type": "checkout.session.completed",
		"data": {"object": {"id": "cs_1", "object": "checkout.session", "subscription": "sub_1"}}
	}`)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: testWebhookSecret})

	req := httptest.NewRequest(fiber.MethodPost, "/webhooks/stripe", strings.NewReader(string(signed.Payload)))
	req.Header.Set("Stripe-Signature", signed.Header)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode, "a checkout without customer is never redelivered")

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "rejected", body["outcome"])
	assert.NotEmpty(t, body["error"])

	event, err := svc.Store.GetWebhookEvent(context.Background(), "evt_router_bad")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookEventStatusFailed, event.Status)
}

func TestStripeWebhookRouteRejectsBadSignature(t *testing.T) {
	app, _ := newTestApp(t)

	req := httptest.NewRequest(fiber.MethodPost, "/webhooks/stripe", strings.NewReader(`{"id":"evt_x"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	app, _ := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/api/admin/stats", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	req := httptest.NewRequest(fiber.MethodGet, "/api/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestHealthRoute(t *testing.T) {
	app, _ := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}
