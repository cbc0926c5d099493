package controllers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/MemberFox/internal/pkg/billing"
)

// WebhookController receives payment-provider notifications.
type WebhookController struct {
	handler *billing.WebhookHandler
	secret  string
}

func NewWebhookController(handler *billing.WebhookHandler, secret string) *WebhookController {
	if secret == "" {
		log.Warn("[Billing] STRIPE_WEBHOOK_SECRET is not set, every webhook will be rejected")
	}
	return &WebhookController{handler: handler, secret: secret}
}

// HandleStripeWebhook verifies, parses and processes one Stripe event. The
// status code tells Stripe whether to redeliver.
func (wc *WebhookController) HandleStripeWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := c.Get("Stripe-Signature")

	stripeEvent, err := billing.VerifyStripeEvent(rawBody, signature, wc.secret)
	if err != nil {
		log.Warnf("[Billing] Rejected webhook from %s: %v", ClientIP(c), err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_signature"})
	}

	event, err := billing.ParseStripeEvent(stripeEvent)
	if err != nil {
		log.Warnf("[Billing] Unreadable event %s: %v", stripeEvent.ID, err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	res := wc.handler.Handle(ctx, event)
	body := fiber.Map{
		"received": true,
		"event_id": res.EventID,
		"outcome":  res.Outcome.String(),
	}
	if res.Err != nil && res.Outcome != billing.OutcomeDuplicate {
		body["error"] = res.Err.Error()
	}
	return c.Status(res.Outcome.HTTPStatus()).JSON(body)
}
