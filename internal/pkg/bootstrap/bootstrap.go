// Package bootstrap wires the store, cache and membership services from the
// environment. The server and the admin CLI share it.
package bootstrap

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/MemberFox/app/repository"
	"github.com/ManuelReschke/MemberFox/internal/pkg/audit"
	"github.com/ManuelReschke/MemberFox/internal/pkg/billing"
	"github.com/ManuelReschke/MemberFox/internal/pkg/cache"
	"github.com/ManuelReschke/MemberFox/internal/pkg/database"
	"github.com/ManuelReschke/MemberFox/internal/pkg/env"
	"github.com/ManuelReschke/MemberFox/internal/pkg/metrics"
	"github.com/ManuelReschke/MemberFox/internal/pkg/numbering"
	"github.com/ManuelReschke/MemberFox/internal/pkg/security"
	"github.com/ManuelReschke/MemberFox/internal/pkg/statistics"
	"github.com/ManuelReschke/MemberFox/internal/pkg/webhookgate"
)

type Services struct {
	Store      repository.Store
	Metrics    *metrics.Metrics
	Catalog    *billing.Catalog
	Numbers    *numbering.Allocator
	Stats      *statistics.Cache
	Maintainer *audit.Maintainer
	Gate       *webhookgate.Gate
	Signer     *security.CardSigner
	Processor  *billing.Processor
	Webhooks   *billing.WebhookHandler
}

// Setup opens the configured store and the cache and builds every service on
// top of them.
func Setup(ctx context.Context) (*Services, error) {
	store, err := database.OpenStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	svc, err := New(store, cache.GetClient(), metrics.New())
	if err != nil {
		_ = store.Close(ctx)
		return nil, err
	}
	return svc, nil
}

// New builds the services on an already opened store. redisClient may be nil.
func New(store repository.Store, redisClient *redis.Client, m *metrics.Metrics) (*Services, error) {
	catalog, err := billing.LoadCatalogFromEnv()
	if err != nil {
		return nil, fmt.Errorf("load plan catalog: %w", err)
	}
	numbers, err := numbering.NewAllocatorFromEnv(store, m)
	if err != nil {
		return nil, err
	}

	var signer *security.CardSigner
	if secret := strings.TrimSpace(env.GetEnv("CARD_SIGNING_SECRET", "")); secret != "" {
		if signer, err = security.NewCardSigner(secret); err != nil {
			return nil, err
		}
	} else {
		log.Printf("Warning: CARD_SIGNING_SECRET is not set, cards are issued without verification tokens")
	}

	var provider billing.Provider
	if stripeProvider, perr := billing.NewStripeProviderFromEnv(catalog.Currency); perr == nil {
		provider = stripeProvider
	} else {
		log.Printf("Warning: %v, checkout events will be retried until it is configured", perr)
		provider = billing.UnconfiguredProvider{}
	}

	stats := statistics.New(redisClient, store)
	maintainer := audit.NewMaintainer(store, stats, m)
	gate := webhookgate.New(store, webhookgate.WithStaleAfter(
		env.GetEnvDuration("WEBHOOK_STALE_AFTER", webhookgate.DefaultStaleAfter),
	))
	processor := billing.NewProcessor(store, provider, catalog, numbers, maintainer, signer)

	return &Services{
		Store:      store,
		Metrics:    m,
		Catalog:    catalog,
		Numbers:    numbers,
		Stats:      stats,
		Maintainer: maintainer,
		Gate:       gate,
		Signer:     signer,
		Processor:  processor,
		Webhooks:   billing.NewWebhookHandler(gate, processor, m),
	}, nil
}

// Close releases the store and the cache connection.
func (s *Services) Close(ctx context.Context) error {
	storeErr := s.Store.Close(ctx)
	if err := cache.Close(); err != nil {
		log.Printf("Warning: closing cache: %v", err)
	}
	return storeErr
}
