package repository

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ManuelReschke/MemberFox/internal/pkg/apperror"
)

const BackendMongo = "mongo"

// Collection names of the document store.
const (
	collUsers         = "users"
	collMemberships   = "memberships"
	collCards         = "membership_cards"
	collCounters      = "membership_counters"
	collAuditLog      = "audit_log"
	collStats         = "membership_stats"
	collWebhookEvents = "webhook_events"
)

// statsDocumentID is the id of the single aggregate counters document.
const statsDocumentID = "global"

// mongoStore implements Store on MongoDB. Multi-document operations use
// transactions, so the server must run as a replica set.
type mongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	now    func() time.Time
}

// NewMongoStore wraps an already connected client and ensures the indexes exist.
func NewMongoStore(ctx context.Context, client *mongo.Client, database string) (Store, error) {
	s := &mongoStore{
		client: client,
		db:     client.Database(database),
		now:    func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
	if err := s.EnsureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *mongoStore) Backend() string { return BackendMongo }

func (s *mongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *mongoStore) coll(name string) *mongo.Collection {
	return s.db.Collection(name)
}

// EnsureIndexes creates the indexes the queries rely on. Creating an existing
// index is a no-op.
func (s *mongoStore) EnsureIndexes(ctx context.Context) error {
	specs := map[string][]mongo.IndexModel{
		collUsers: {
			{Keys: bson.D{{Key: "email", Value: 1}}},
			{
				Keys: bson.D{{Key: "paymentCustomerId", Value: 1}},
				Options: options.Index().SetUnique(true).
					SetPartialFilterExpression(bson.M{"paymentCustomerId": bson.M{"$type": "string"}}),
			},
		},
		collMemberships: {
			{
				Keys:    bson.D{{Key: "userId", Value: 1}, {Key: "status", Value: 1}, {Key: "endDate", Value: -1}},
				Options: options.Index().SetName(activeMembershipIndex),
			},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "endDate", Value: 1}}},
			{Keys: bson.D{{Key: "planType", Value: 1}}},
		},
		collCards: {
			{Keys: bson.D{{Key: "userId", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "membershipNumber", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		collAuditLog: {
			{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "timestamp", Value: -1}}},
		},
		collWebhookEvents: {
			{Keys: bson.D{{Key: "createdAt", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}}},
		},
	}
	for name, indexes := range specs {
		if _, err := s.coll(name).Indexes().CreateMany(ctx, indexes); err != nil {
			return apperror.Persistence("EnsureIndexes", err)
		}
	}
	return nil
}

// withTransaction runs fn inside a session transaction. Errors returned by fn
// abort the transaction and are returned unchanged.
func (s *mongoStore) withTransaction(ctx context.Context, fn func(sc mongo.SessionContext) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return err
	}
	defer session.EndSession(ctx)
	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

func mongoErr(op string, err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return apperror.NotFound(op, what)
	}
	return apperror.Persistence(op, err)
}

// isMissingHintErr reports whether the server rejected a query hint because
// the index does not exist.
func isMissingHintErr(err error) bool {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Code == 2 && strings.Contains(strings.ToLower(cmdErr.Message), "hint")
	}
	return false
}

// containsPattern is a case-insensitive substring regex for free-text search.
func containsPattern(search string) bson.M {
	return bson.M{"$regex": regexp.QuoteMeta(search), "$options": "i"}
}

func logIndexFallback(userID string, err error) {
	log.Warnf("[Store] Index %s unavailable, scanning memberships of user %s in memory: %v", activeMembershipIndex, userID, err)
}
