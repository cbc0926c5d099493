// Package webhookgate makes sure each provider event runs its side effects at
// most once. Every decision is delegated to a single store transaction.
package webhookgate

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/MemberFox/app/models"
	"github.com/ManuelReschke/MemberFox/app/repository"
	"github.com/ManuelReschke/MemberFox/internal/pkg/apperror"
)

const (
	// DefaultStaleAfter is how long a processing claim is honored before another
	// delivery may take it over.
	DefaultStaleAfter = 5 * time.Minute
	// CleanupBatchSize bounds the rows removed by one CleanupOldEvents call.
	CleanupBatchSize = 500
	// maxErrorMessageLen keeps failure messages within the ledger column.
	maxErrorMessageLen = 1000
)

// Gate guards provider events with the webhook ledger so each event's side
// effects run at most once.
type Gate struct {
	store      repository.WebhookEventStore
	staleAfter time.Duration
	now        func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithStaleAfter overrides DefaultStaleAfter.
func WithStaleAfter(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.staleAfter = d
		}
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// New returns a Gate over store with DefaultStaleAfter and a UTC clock.
func New(store repository.WebhookEventStore, opts ...Option) *Gate {
	g := &Gate{
		store:      store,
		staleAfter: DefaultStaleAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Claim takes ownership of eventID. A completed event or a fresh claim held by
// another delivery yields an apperror.KindDuplicateEvent error.
func (g *Gate) Claim(ctx context.Context, eventID, eventType string) (*models.WebhookEvent, error) {
	event, err := g.store.ClaimWebhookEvent(ctx, eventID, eventType, g.now(), g.staleAfter)
	if err != nil {
		return nil, err
	}
	if event.RetryCount > 0 {
		log.Infof("[WebhookGate] Reclaimed event %s (%s), attempt %d", eventID, eventType, event.RetryCount+1)
	}
	return event, nil
}

// Complete marks the event terminal.
func (g *Gate) Complete(ctx context.Context, eventID string) error {
	return g.store.CompleteWebhookEvent(ctx, eventID, g.now())
}

// Fail records the failure so a redelivery can claim the event again.
func (g *Gate) Fail(ctx context.Context, eventID, message string) error {
	return g.store.FailWebhookEvent(ctx, eventID, truncateMessage(message, maxErrorMessageLen), g.now())
}

// truncateMessage cuts message to at most max bytes on a rune boundary.
func truncateMessage(message string, max int) string {
	if len(message) <= max {
		return message
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut]
}

// CleanupOldEvents deletes at most CleanupBatchSize finished ledger rows older
// than olderThanDays. Call it repeatedly until it returns 0 to drain a backlog.
func (g *Gate) CleanupOldEvents(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays < 1 {
		return 0, apperror.Validation("webhookgate.CleanupOldEvents", "retention must be at least one day")
	}
	cutoff := g.now().Add(-time.Duration(olderThanDays) * 24 * time.Hour)
	deleted, err := g.store.DeleteWebhookEventsBefore(ctx, cutoff, CleanupBatchSize)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		log.Infof("[WebhookGate] Removed %d webhook events older than %d days", deleted, olderThanDays)
	}
	return deleted, nil
}
