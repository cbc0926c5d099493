package billing

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/MemberFox/app/models"
	"github.com/ManuelReschke/MemberFox/internal/pkg/apperror"
)

func TestOutcomeHTTPStatus(t *testing.T) {
	tests := []struct {
		outcome Outcome
		want    int
	}{
		{OutcomeProcessed, http.StatusOK},
		{OutcomeDuplicate, http.StatusOK},
		{OutcomeIgnored, http.StatusOK},
		{OutcomeRejected, http.StatusOK},
		{OutcomeRetry, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.outcome.HTTPStatus(), tt.outcome.String())
	}
}

func TestOutcomeFor(t *testing.T) {
	assert.Equal(t, OutcomeDuplicate, outcomeFor(apperror.DuplicateEvent("op", "evt", nil)))
	assert.Equal(t, OutcomeRetry, outcomeFor(apperror.Provider("op", errors.New("timeout"))))
	assert.Equal(t, OutcomeRetry, outcomeFor(apperror.Persistence("op", errors.New("deadlock"))))
	assert.Equal(t, OutcomeRejected, outcomeFor(apperror.Validation("op", "bad")))
	assert.Equal(t, OutcomeRejected, outcomeFor(apperror.NotFound("op", "user")))
	assert.Equal(t, OutcomeRetry, outcomeFor(errors.New("boom")))
}

func TestProviderFailureIsRetriedOnRedelivery(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.provider.put(activeSubscription("sub_1", "cus_1", "price_basic_year"))
	env.provider.getErr = apperror.Provider("fake", errors.New("503 from provider"))

	res := env.handler.Handle(ctx, checkoutEvent("evt_1", "sub_1", "cus_1", ""))
	assert.Equal(t, OutcomeRetry, res.Outcome)
	assert.Equal(t, http.StatusInternalServerError, res.Outcome.HTTPStatus())

	ledger, err := env.store.GetWebhookEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookEventStatusFailed, ledger.Status)
	assert.Contains(t, ledger.ErrorMessage, "503 from provider")

	env.provider.getErr = nil
	res = env.handler.Handle(ctx, checkoutEvent("evt_1", "sub_1", "cus_1", ""))
	require.Equal(t, OutcomeProcessed, res.Outcome, "%v", res.Err)

	ledger, err = env.store.GetWebhookEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookEventStatusCompleted, ledger.Status)
	assert.Equal(t, 1, ledger.RetryCount)
}

func TestMalformedEventIsRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res := env.handler.Handle(ctx, checkoutEvent("evt_1", "sub_1", "", ""))
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, http.StatusOK, res.Outcome.HTTPStatus(), "a terminal failure must not ask for a redelivery")
	assert.True(t, apperror.IsKind(res.Err, apperror.KindValidation))

	ledger, err := env.store.GetWebhookEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookEventStatusFailed, ledger.Status)
	assert.NotEmpty(t, ledger.ErrorMessage)
}

func TestUnhandledEventTypeIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res := env.handler.Handle(ctx, &Event{ID: "evt_1", Type: "invoice.paid"})
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	_, err := env.store.GetWebhookEvent(ctx, "evt_1")
	assert.True(t, apperror.IsKind(err, apperror.KindNotFound), "ignored events are not claimed")
}
