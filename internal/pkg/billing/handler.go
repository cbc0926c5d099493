package billing

import (
	"context"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/MemberFox/internal/pkg/apperror"
	"github.com/ManuelReschke/MemberFox/internal/pkg/metrics"
	"github.com/ManuelReschke/MemberFox/internal/pkg/webhookgate"
)

// Outcome is what the webhook endpoint reports back to the provider.
type Outcome int

const (
	OutcomeProcessed Outcome = iota + 1
	OutcomeDuplicate
	OutcomeIgnored
	// OutcomeRejected is terminal. The delivery is acknowledged so the provider
	// stops redelivering, and the ledger row is marked failed for inspection.
	OutcomeRejected
	// OutcomeRetry asks the provider to redeliver.
	OutcomeRetry
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProcessed:
		return "processed"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeRejected:
		return "rejected"
	case OutcomeRetry:
		return "retry"
	default:
		return "unknown"
	}
}

// HTTPStatus maps the outcome onto the response code the provider expects.
// Only OutcomeRetry asks for a redelivery.
func (o Outcome) HTTPStatus() int {
	switch o {
	case OutcomeProcessed, OutcomeDuplicate, OutcomeIgnored, OutcomeRejected:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// Result is the outcome of one delivery. Err is set for rejected and retried
// events.
type Result struct {
	Outcome   Outcome
	EventID   string
	EventType string
	Err       error
}

// WebhookHandler runs a parsed event through the idempotency gate and the
// processor.
type WebhookHandler struct {
	gate      *webhookgate.Gate
	processor *Processor
	metrics   *metrics.Metrics
}

// NewWebhookHandler creates a handler. m may be nil.
func NewWebhookHandler(gate *webhookgate.Gate, processor *Processor, m *metrics.Metrics) *WebhookHandler {
	return &WebhookHandler{gate: gate, processor: processor, metrics: m}
}

// Handle processes ev synchronously.
func (h *WebhookHandler) Handle(ctx context.Context, ev *Event) Result {
	start := time.Now()
	res := h.handle(ctx, ev)
	h.metrics.ObserveWebhook(res.EventType, res.Outcome.String(), time.Since(start))
	return res
}

func (h *WebhookHandler) handle(ctx context.Context, ev *Event) Result {
	res := Result{EventID: ev.ID, EventType: ev.Type}
	if ev.Checkout == nil && ev.Subscription == nil {
		log.Debugf("[Billing] Ignoring event %s of type %s", ev.ID, ev.Type)
		res.Outcome = OutcomeIgnored
		return res
	}

	if _, err := h.gate.Claim(ctx, ev.ID, ev.Type); err != nil {
		res.Err = err
		res.Outcome = outcomeFor(err)
		if res.Outcome == OutcomeDuplicate {
			log.Infof("[Billing] Event %s already handled: %v", ev.ID, err)
		} else {
			log.Errorf("[Billing] Could not claim event %s: %v", ev.ID, err)
		}
		return res
	}

	err := h.dispatch(ctx, ev)
	if err == nil {
		if cerr := h.gate.Complete(ctx, ev.ID); cerr != nil {
			// Side effects are committed. A redelivery after the stale window
			// replays idempotent upserts.
			log.Errorf("[Billing] Event %s processed but not marked completed: %v", ev.ID, cerr)
		}
		res.Outcome = OutcomeProcessed
		return res
	}

	res.Err = err
	res.Outcome = outcomeFor(err)
	if ferr := h.gate.Fail(ctx, ev.ID, err.Error()); ferr != nil {
		log.Errorf("[Billing] Failed to record failure of event %s: %v", ev.ID, ferr)
	}
	log.Errorf("[Billing] Event %s (%s) failed with outcome %s: %v", ev.ID, ev.Type, res.Outcome, err)
	return res
}

func (h *WebhookHandler) dispatch(ctx context.Context, ev *Event) error {
	switch ev.Type {
	case EventCheckoutCompleted:
		return h.processor.ProcessCheckoutCompleted(ctx, ev.Checkout)
	case EventSubscriptionUpdated:
		return h.processor.ProcessSubscriptionUpdated(ctx, ev.Subscription)
	case EventSubscriptionDeleted:
		return h.processor.ProcessSubscriptionDeleted(ctx, ev.Subscription)
	default:
		return apperror.Validation("billing.dispatch", "unsupported event type "+ev.Type)
	}
}

func outcomeFor(err error) Outcome {
	kind, ok := apperror.KindOf(err)
	if !ok {
		return OutcomeRetry
	}
	switch kind {
	case apperror.KindDuplicateEvent:
		return OutcomeDuplicate
	case apperror.KindProvider, apperror.KindPersistence:
		return OutcomeRetry
	case apperror.KindValidation, apperror.KindNotFound:
		return OutcomeRejected
	default:
		return OutcomeRetry
	}
}
