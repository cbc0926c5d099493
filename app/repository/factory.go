package repository

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/mongo"
	"gorm.io/gorm"
)

// Supported values of STORE_BACKEND.
const (
	StoreBackendMySQL = "mysql"
	StoreBackendMongo = "mongo"
)

// Config carries the opened connection for the selected backend. Only the
// handle matching Backend is used.
type Config struct {
	Backend       string
	DB            *gorm.DB
	MongoClient   *mongo.Client
	MongoDatabase string
}

// NewStore returns the Store for cfg.Backend. Callers receive the interface
// and never branch on the concrete implementation.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", StoreBackendMySQL, BackendGorm:
		if cfg.DB == nil {
			return nil, fmt.Errorf("store backend %q requires a database connection", cfg.Backend)
		}
		return NewGormStore(cfg.DB), nil
	case StoreBackendMongo:
		if cfg.MongoClient == nil {
			return nil, fmt.Errorf("store backend %q requires a mongo client", cfg.Backend)
		}
		if cfg.MongoDatabase == "" {
			return nil, fmt.Errorf("store backend %q requires a database name", cfg.Backend)
		}
		return NewMongoStore(ctx, cfg.MongoClient, cfg.MongoDatabase)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
