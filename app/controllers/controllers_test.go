package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/MemberFox/app/models"
	"github.com/ManuelReschke/MemberFox/app/repository/storetest"
	"github.com/ManuelReschke/MemberFox/internal/pkg/apperror"
	"github.com/ManuelReschke/MemberFox/internal/pkg/bootstrap"
	"github.com/ManuelReschke/MemberFox/internal/pkg/metrics"
	"github.com/ManuelReschke/MemberFox/internal/pkg/usercontext"
)

type testEnv struct {
	app *fiber.App
	svc *bootstrap.Services
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	t.Setenv("CARD_SIGNING_SECRET", "card-secret")
	svc, err := bootstrap.New(storetest.NewGormStore(t), nil, metrics.New())
	require.NoError(t, err)

	admin := NewAdminController(AdminDeps{
		Store:      svc.Store,
		Maintainer: svc.Maintainer,
		Stats:      svc.Stats,
		Gate:       svc.Gate,
		Processor:  svc.Processor,
		Catalog:    svc.Catalog,
		Metrics:    svc.Metrics,
	})
	cards := NewCardController(svc.Store, svc.Signer)

	app := fiber.New()
	app.Get("/cards/verify", cards.HandleVerifyCard)
	group := app.Group("/admin", func(c *fiber.Ctx) error {
		c.Locals(usercontext.KeyAdminID, "alice")
		return c.Next()
	})
	group.Get("/stats", admin.HandleStats)
	group.Get("/memberships", admin.HandleListMemberships)
	group.Patch("/memberships/:id", admin.HandleUpdateMembership)
	group.Get("/members/:userID", admin.HandleMemberDetail)
	group.Get("/members/:userID/audit", admin.HandleMemberAuditLog)
	group.Delete("/members/:userID", admin.HandleDeleteMember)
	return &testEnv{app: app, svc: svc}
}

// seedMember stores an active premium member and issues their card.
func (e *testEnv) seedMember(t *testing.T, userID, subID string) *models.MembershipCard {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.svc.Store.SetUser(ctx, &models.User{ID: userID, Email: userID + "@example.com", Name: "Member " + userID}))

	start := time.Now().UTC().AddDate(0, -1, 0).Truncate(time.Second)
	m := storetest.NewMembership(subID, userID, "premium", models.MembershipStatusActive, start, start.AddDate(1, 0, 0))
	m.PriceCents = 5000
	_, err := e.svc.Store.SetMembership(ctx, m)
	require.NoError(t, err)
	require.NoError(t, e.svc.Processor.SyncCard(ctx, userID, models.PerformedBySystem))

	card, err := e.svc.Store.GetCard(ctx, userID)
	require.NoError(t, err)
	return card
}

func (e *testEnv) do(t *testing.T, method, target, body string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.app.Test(req)
	require.NoError(t, err)
	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{apperror.NotFound("op", "user"), fiber.StatusNotFound},
		{apperror.Validation("op", "bad"), fiber.StatusBadRequest},
		{apperror.DuplicateEvent("op", "evt", nil), fiber.StatusConflict},
		{apperror.Provider("op", errors.New("down")), fiber.StatusBadGateway},
		{apperror.Persistence("op", errors.New("db")), fiber.StatusInternalServerError},
		{errors.New("foreign"), fiber.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errorStatus(tt.err), tt.err.Error())
	}
}

func TestAdminMembershipChange(t *testing.T) {
	e := newTestEnv(t)
	e.seedMember(t, "u1", "sub_1")
	ctx := context.Background()

	status, body := e.do(t, fiber.MethodPatch, "/admin/memberships/sub_1", `{"status":"canceled","reason":"refund"}`)
	require.Equal(t, fiber.StatusOK, status, body)
	assert.Equal(t, models.MembershipStatusCanceled, body["status"])

	stats, err := e.svc.Store.GetStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Total())
	assert.EqualValues(t, 0, stats.ByStatus(models.MembershipStatusActive))
	assert.EqualValues(t, 1, stats.ByStatus(models.MembershipStatusCanceled))

	card, err := e.svc.Store.GetCard(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.CardStatusInactive, card.Status)

	entries, err := e.svc.Store.GetMemberAuditLog(ctx, "u1", 0)
	require.NoError(t, err)
	var changed *models.AuditEntry
	for i := range entries {
		if entries[i].Action == models.AuditActionAdminMembershipChanged {
			changed = &entries[i]
		}
	}
	require.NotNil(t, changed)
	assert.Equal(t, "alice", changed.PerformedBy)
}

func TestAdminMembershipChangeRejectsBadInput(t *testing.T) {
	e := newTestEnv(t)
	e.seedMember(t, "u1", "sub_1")

	status, _ := e.do(t, fiber.MethodPatch, "/admin/memberships/sub_1", `{"status":"deleted"}`)
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = e.do(t, fiber.MethodPatch, "/admin/memberships/sub_1", `{"plan_type":"platinum"}`)
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = e.do(t, fiber.MethodPatch, "/admin/memberships/sub_1", `{}`)
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = e.do(t, fiber.MethodPatch, "/admin/memberships/sub_missing", `{"status":"active"}`)
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestAdminSoftDeleteMember(t *testing.T) {
	e := newTestEnv(t)
	e.seedMember(t, "u1", "sub_1")

	status, body := e.do(t, fiber.MethodDelete, "/admin/members/u1", "")
	require.Equal(t, fiber.StatusOK, status, body)
	assert.EqualValues(t, 1, body["memberships_deleted"])

	status, body = e.do(t, fiber.MethodGet, "/admin/stats", "")
	require.Equal(t, fiber.StatusOK, status)
	counters, _ := body["counters"].(map[string]any)
	assert.NotContains(t, counters, models.StatKeyTotal)

	status, body = e.do(t, fiber.MethodGet, "/admin/members/u1", "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Nil(t, body["membership"])
}

func TestAdminMemberDetailAndAudit(t *testing.T) {
	e := newTestEnv(t)
	card := e.seedMember(t, "u1", "sub_1")

	status, body := e.do(t, fiber.MethodGet, "/admin/members/u1", "")
	require.Equal(t, fiber.StatusOK, status)
	cardBody, _ := body["card"].(map[string]any)
	assert.Equal(t, card.MembershipNumber, cardBody["membership_number"])

	status, _ = e.do(t, fiber.MethodGet, "/admin/members/nobody", "")
	assert.Equal(t, fiber.StatusNotFound, status)

	status, body = e.do(t, fiber.MethodGet, "/admin/members/u1/audit?limit=10", "")
	require.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 1, body["count"])
}

func TestAdminListMemberships(t *testing.T) {
	e := newTestEnv(t)
	e.seedMember(t, "u1", "sub_1")
	e.seedMember(t, "u2", "sub_2")

	status, body := e.do(t, fiber.MethodGet, "/admin/memberships?status=active&limit=1", "")
	require.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 2, body["total"])
	items, _ := body["items"].([]any)
	assert.Len(t, items, 1)

	status, _ = e.do(t, fiber.MethodGet, "/admin/memberships?expires_from=yesterday", "")
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestVerifyCard(t *testing.T) {
	e := newTestEnv(t)
	card := e.seedMember(t, "u1", "sub_1")
	require.NotEmpty(t, card.VerificationToken)

	_, body := e.do(t, fiber.MethodGet, "/cards/verify?token="+url.QueryEscape(card.VerificationToken), "")
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, card.MembershipNumber, body["membership_number"])

	_, body = e.do(t, fiber.MethodGet, "/cards/verify?token=garbage", "")
	assert.Equal(t, false, body["valid"])
	assert.Equal(t, "invalid_token", body["reason"])

	status, _ := e.do(t, fiber.MethodGet, "/cards/verify", "")
	assert.Equal(t, fiber.StatusBadRequest, status)

	_, err := e.svc.Store.SoftDeleteMember(context.Background(), "u1", "alice")
	require.NoError(t, err)
	_, body = e.do(t, fiber.MethodGet, "/cards/verify?token="+url.QueryEscape(card.VerificationToken), "")
	assert.Equal(t, false, body["valid"])
	assert.Equal(t, models.CardStatusDeleted, body["reason"])
}
