package billing

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ManuelReschke/MemberFox/internal/pkg/apperror"
)

// Provider event types handled by the processor.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

// CheckoutCompleted is the normalized checkout.session.completed payload.
type CheckoutCompleted struct {
	EventID        string `validate:"required"`
	SessionID      string
	CustomerID     string `validate:"required"`
	SubscriptionID string `validate:"required"`
	Email          string `validate:"omitempty,email,max=200"`
	Name           string `validate:"max=150"`
	// UserIDHint is the userId metadata set by the member dashboard.
	UserIDHint string `validate:"max=191"`
	// ProcessingFeeCents is charged once on the customer's next invoice.
	ProcessingFeeCents int64 `validate:"gte=0"`
}

// SubscriptionChanged is the normalized payload of subscription updated and
// deleted events.
type SubscriptionChanged struct {
	EventID            string `validate:"required"`
	SubscriptionID     string `validate:"required"`
	CustomerID         string `validate:"required"`
	Status             string `validate:"required"`
	CancelAtPeriodEnd  bool
	PriceID            string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
}

// Subscription is the authoritative provider view fetched during checkout.
type Subscription struct {
	ID                 string
	CustomerID         string
	Status             string
	PriceID            string
	CancelAtPeriodEnd  bool
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
}

// Event is a parsed provider event. Exactly one payload is set for the handled
// types; both are nil for types the processor ignores.
type Event struct {
	ID           string
	Type         string
	Checkout     *CheckoutCompleted
	Subscription *SubscriptionChanged
}

var validate = validator.New()

func validatePayload(op string, payload any) error {
	if err := validate.Struct(payload); err != nil {
		return apperror.ValidationWrap(op, err)
	}
	return nil
}

func isIncompleteStatus(status string) bool {
	switch status {
	case "incomplete", "incomplete_expired":
		return true
	default:
		return false
	}
}
