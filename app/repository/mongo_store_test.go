package repository_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ManuelReschke/MemberFox/app/repository"
	"github.com/ManuelReschke/MemberFox/app/repository/storetest"
)

// MONGO_TEST_URI must point at a replica set, e.g.
// mongodb://localhost:27017/?replicaSet=rs0
func TestMongoStoreConformance(t *testing.T) {
	uri := strings.TrimSpace(os.Getenv("MONGO_TEST_URI"))
	if uri == "" {
		t.Skip("MONGO_TEST_URI not set, skipping MongoDB conformance tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Skipf("MongoDB not reachable: %v", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		t.Skipf("MongoDB not reachable: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	counter := 0
	storetest.Run(t, func(t *testing.T) repository.Store {
		counter++
		name := fmt.Sprintf("memberfox_test_%d_%d", time.Now().UnixNano(), counter)
		t.Cleanup(func() { _ = client.Database(name).Drop(context.Background()) })

		store, err := repository.NewMongoStore(context.Background(), client, name)
		require.NoError(t, err)
		return store
	})
}
