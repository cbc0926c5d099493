package billing

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/MemberFox/internal/pkg/metrics"
	"github.com/ManuelReschke/MemberFox/internal/pkg/webhookgate"
)

const (
	DefaultRetentionDays   = 30
	DefaultCleanupInterval = 24 * time.Hour
	// maxCleanupBatches caps one drain so a huge backlog is spread over runs.
	maxCleanupBatches = 100
)

// DrainOldEvents calls CleanupOldEvents until a batch comes back short.
func DrainOldEvents(ctx context.Context, gate *webhookgate.Gate, retentionDays int, m *metrics.Metrics) (int64, error) {
	var total int64
	for i := 0; i < maxCleanupBatches; i++ {
		deleted, err := gate.CleanupOldEvents(ctx, retentionDays)
		total += deleted
		m.LedgerRowsDeleted(deleted)
		if err != nil {
			return total, err
		}
		if deleted < webhookgate.CleanupBatchSize {
			break
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
	return total, nil
}

// CleanupLoop drains the webhook ledger every interval until ctx is done.
func CleanupLoop(ctx context.Context, gate *webhookgate.Gate, retentionDays int, interval time.Duration, m *metrics.Metrics) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	log.Infof("[Billing] Webhook ledger cleanup every %s, retention %d days", interval, retentionDays)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := DrainOldEvents(ctx, gate, retentionDays, m); err != nil && ctx.Err() == nil {
			log.Errorf("[Billing] Webhook ledger cleanup failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
