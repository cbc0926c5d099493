package database

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/ManuelReschke/MemberFox/app/models"
	"github.com/ManuelReschke/MemberFox/app/repository"
	"github.com/ManuelReschke/MemberFox/internal/pkg/env"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

var DB *gorm.DB

// SetupDatabase connects to MySQL, retrying while the container starts, and
// migrates the schema.
func SetupDatabase() *gorm.DB {
	var err error
	// "user:pass@tcp(127.0.0.1:3306)/dbname?charset=utf8mb4&parseTime=True&loc=UTC"
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		env.GetEnv("DB_USER", ""),
		env.GetEnv("DB_PASSWORD", ""),
		env.GetEnv("DB_HOST", "127.0.0.1"),
		env.GetEnv("DB_PORT", "3306"),
		env.GetEnv("DB_NAME", ""),
	)

	for i := 0; i < maxRetries; i++ {
		DB, err = gorm.Open(mysql.New(mysql.Config{
			DSN:                       dsn,   // data source name
			DefaultStringSize:         256,   // default size for string fields
			DontSupportRenameIndex:    true,  // drop & create when rename index, rename index not supported before MySQL 5.7, MariaDB
			DontSupportRenameColumn:   true,  // `change` when rename column, rename column not supported before MySQL 8, MariaDB
			SkipInitializeWithVersion: false, // auto configure based on currently MySQL version
		}), &gorm.Config{
			NowFunc: func() time.Time { return time.Now().UTC() },
		})
		if err == nil {
			if env.GetEnvBool("DB_AUTO_MIGRATE", true) {
				if err = DB.AutoMigrate(models.Schema()...); err != nil {
					log.Printf("Auto migration failed: %v", err)
				}
			}
			return DB
		}

		log.Printf("Failed to connect to database (try %d/%d): %v", i+1, maxRetries, err)
		if i < maxRetries-1 {
			log.Printf("Retry in %v...", retryDelay)
			time.Sleep(retryDelay)
		}
	}

	panic(err)
}

// GetDB returns the shared connection, connecting on first use.
func GetDB() *gorm.DB {
	if DB == nil {
		return SetupDatabase()
	}
	return DB
}

// SetupMongo connects to MONGO_URI. The document store needs a replica set
// for its transactions.
func SetupMongo(ctx context.Context) (*mongo.Client, error) {
	uri := env.GetEnv("MONGO_URI", "mongodb://localhost:27017/?replicaSet=rs0")
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetTimeout(10*time.Second))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	var pingErr error
	for i := 0; i < maxRetries; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		pingErr = client.Ping(pingCtx, readpref.Primary())
		cancel()
		if pingErr == nil {
			return client, nil
		}
		log.Printf("Failed to reach mongo (try %d/%d): %v", i+1, maxRetries, pingErr)
		if i < maxRetries-1 {
			time.Sleep(retryDelay)
		}
	}
	_ = client.Disconnect(ctx)
	return nil, fmt.Errorf("ping mongo: %w", pingErr)
}

// OpenStore builds the store selected by STORE_BACKEND.
func OpenStore(ctx context.Context) (repository.Store, error) {
	backend := strings.ToLower(strings.TrimSpace(env.GetEnv("STORE_BACKEND", repository.StoreBackendMySQL)))
	cfg := repository.Config{Backend: backend}

	switch backend {
	case repository.StoreBackendMongo:
		client, err := SetupMongo(ctx)
		if err != nil {
			return nil, err
		}
		cfg.MongoClient = client
		cfg.MongoDatabase = env.GetEnv("MONGO_DB", "memberfox")
	default:
		cfg.DB = GetDB()
	}

	store, err := repository.NewStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	log.Printf("Using %s store", store.Backend())
	return store, nil
}
