package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ManuelReschke/MemberFox/app/models"
	"github.com/ManuelReschke/MemberFox/internal/pkg/apperror"
)

// IncrementCounter is a single server-side $inc with upsert. Two concurrent
// upserts of a missing year can race on the insert; the loser retries once
// and then increments the row the winner created.
func (s *mongoStore) IncrementCounter(ctx context.Context, year int) (int64, error) {
	const op = "IncrementCounter"
	if year <= 0 {
		return 0, apperror.Validation(op, "year must be positive")
	}
	update := bson.M{
		"$inc": bson.M{"lastNumber": int64(1)},
		"$set": bson.M{"updatedAt": s.now()},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var counter models.MembershipCounter
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		err = s.coll(collCounters).FindOneAndUpdate(ctx, bson.M{"_id": year}, update, opts).Decode(&counter)
		if !mongo.IsDuplicateKeyError(err) {
			break
		}
	}
	if err != nil {
		return 0, apperror.Persistence(op, err)
	}
	return counter.LastNumber, nil
}

func (s *mongoStore) LogAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	if err := validateAuditEntry("LogAuditEntry", entry, s.now); err != nil {
		return err
	}
	if _, err := s.coll(collAuditLog).InsertOne(ctx, entry); err != nil {
		return apperror.Persistence("LogAuditEntry", err)
	}
	return nil
}

func (s *mongoStore) GetMemberAuditLog(ctx context.Context, userID string, limit int) ([]models.AuditEntry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.coll(collAuditLog).Find(ctx, bson.M{"userId": userID}, opts)
	if err != nil {
		return nil, apperror.Persistence("GetMemberAuditLog", err)
	}
	var entries []models.AuditEntry
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, apperror.Persistence("GetMemberAuditLog", err)
	}
	return entries, nil
}

// statsDocument is the single document holding every aggregate counter.
type statsDocument struct {
	ID        string           `bson:"_id"`
	Counters  map[string]int64 `bson:"counters"`
	UpdatedAt time.Time        `bson:"updatedAt"`
}

func (s *mongoStore) GetStats(ctx context.Context) (*models.MembershipStats, error) {
	var doc statsDocument
	err := s.coll(collStats).FindOne(ctx, bson.M{"_id": statsDocumentID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.NewMembershipStats(), nil
	}
	if err != nil {
		return nil, apperror.Persistence("GetStats", err)
	}
	stats := models.NewMembershipStats()
	for k, v := range doc.Counters {
		if v != 0 {
			stats.Counters[k] = v
		}
	}
	stats.UpdatedAt = doc.UpdatedAt
	return stats, nil
}

func (s *mongoStore) UpdateStats(ctx context.Context, values map[string]int64) error {
	if len(values) == 0 {
		return nil
	}
	now := s.now()
	set := bson.M{"updatedAt": now}
	for k, v := range values {
		set["counters."+k] = v
	}
	_, err := s.coll(collStats).UpdateOne(ctx, bson.M{"_id": statsDocumentID}, bson.M{"$set": set},
		options.Update().SetUpsert(true))
	if err != nil {
		return apperror.Persistence("UpdateStats", err)
	}
	return nil
}

func (s *mongoStore) IncrementStats(ctx context.Context, deltas map[string]int64) error {
	if err := s.incrementStats(ctx, deltas, s.now()); err != nil {
		return apperror.Persistence("IncrementStats", err)
	}
	return nil
}

// incrementStats applies deltas with one $inc, which is atomic on a single document.
func (s *mongoStore) incrementStats(ctx context.Context, deltas map[string]int64, now time.Time) error {
	inc := bson.M{}
	for k, v := range deltas {
		if v != 0 {
			inc["counters."+k] = v
		}
	}
	if len(inc) == 0 {
		return nil
	}
	_, err := s.coll(collStats).UpdateOne(ctx, bson.M{"_id": statsDocumentID},
		bson.M{"$inc": inc, "$set": bson.M{"updatedAt": now}},
		options.Update().SetUpsert(true))
	return err
}

func (s *mongoStore) ReplaceStats(ctx context.Context, values map[string]int64) error {
	counters := map[string]int64{}
	for k, v := range values {
		if v != 0 {
			counters[k] = v
		}
	}
	doc := statsDocument{ID: statsDocumentID, Counters: counters, UpdatedAt: s.now()}
	_, err := s.coll(collStats).ReplaceOne(ctx, bson.M{"_id": statsDocumentID}, doc,
		options.Replace().SetUpsert(true))
	if err != nil {
		return apperror.Persistence("ReplaceStats", err)
	}
	return nil
}

// ClaimWebhookEvent reads and writes the ledger document inside one transaction.
func (s *mongoStore) ClaimWebhookEvent(ctx context.Context, eventID, eventType string, now time.Time, staleAfter time.Duration) (*models.WebhookEvent, error) {
	const op = "ClaimWebhookEvent"
	if strings.TrimSpace(eventID) == "" {
		return nil, apperror.Validation(op, "event id is required")
	}

	var claimed *models.WebhookEvent
	err := s.withTransaction(ctx, func(sc mongo.SessionContext) error {
		claimed = nil
		var existing models.WebhookEvent
		err := s.coll(collWebhookEvents).FindOne(sc, bson.M{"_id": eventID}).Decode(&existing)
		if errors.Is(err, mongo.ErrNoDocuments) {
			fresh := models.NewWebhookEventClaim(eventID, eventType, now)
			if _, err := s.coll(collWebhookEvents).InsertOne(sc, fresh); err != nil {
				if mongo.IsDuplicateKeyError(err) {
					return apperror.DuplicateEvent(op, eventID, nil)
				}
				return err
			}
			claimed = fresh
			return nil
		}
		if err != nil {
			return err
		}

		outcome := existing.EvaluateClaim(now, staleAfter)
		switch outcome {
		case models.ClaimRejectedCompleted:
			return apperror.DuplicateEvent(op, eventID, existing.CompletedAt)
		case models.ClaimRejectedInFlight:
			return apperror.DuplicateEvent(op, eventID, nil)
		}
		existing.ApplyClaim(outcome, eventType, now)
		_, err = s.coll(collWebhookEvents).UpdateOne(sc, bson.M{"_id": eventID}, bson.M{"$set": bson.M{
			"type":        existing.Type,
			"status":      existing.Status,
			"processedAt": existing.ProcessedAt,
			"retryCount":  existing.RetryCount,
		}})
		if err != nil {
			return err
		}
		claimed = &existing
		return nil
	})
	if err != nil {
		return nil, mongoErr(op, err, "webhook event "+eventID)
	}
	return claimed, nil
}

func (s *mongoStore) CompleteWebhookEvent(ctx context.Context, eventID string, now time.Time) error {
	res, err := s.coll(collWebhookEvents).UpdateOne(ctx, bson.M{"_id": eventID}, bson.M{
		"$set":   bson.M{"status": models.WebhookEventStatusCompleted, "completedAt": now},
		"$unset": bson.M{"errorMessage": ""},
	})
	if err != nil {
		return apperror.Persistence("CompleteWebhookEvent", err)
	}
	if res.MatchedCount == 0 {
		return apperror.NotFound("CompleteWebhookEvent", "webhook event "+eventID)
	}
	return nil
}

func (s *mongoStore) FailWebhookEvent(ctx context.Context, eventID, message string, now time.Time) error {
	res, err := s.coll(collWebhookEvents).UpdateOne(ctx, bson.M{"_id": eventID}, bson.M{
		"$set": bson.M{"status": models.WebhookEventStatusFailed, "failedAt": now, "errorMessage": message},
	})
	if err != nil {
		return apperror.Persistence("FailWebhookEvent", err)
	}
	if res.MatchedCount == 0 {
		return apperror.NotFound("FailWebhookEvent", "webhook event "+eventID)
	}
	return nil
}

func (s *mongoStore) GetWebhookEvent(ctx context.Context, eventID string) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	if err := s.coll(collWebhookEvents).FindOne(ctx, bson.M{"_id": eventID}).Decode(&event); err != nil {
		return nil, mongoErr("GetWebhookEvent", err, "webhook event "+eventID)
	}
	return &event, nil
}

func (s *mongoStore) DeleteWebhookEventsBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	const op = "DeleteWebhookEventsBefore"
	if limit <= 0 {
		return 0, nil
	}
	filter := bson.M{
		"createdAt": bson.M{"$lt": cutoff},
		"status":    bson.M{"$ne": models.WebhookEventStatusProcessing},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: 1}}).
		SetLimit(int64(limit)).
		SetProjection(bson.M{"_id": 1})
	cursor, err := s.coll(collWebhookEvents).Find(ctx, filter, opts)
	if err != nil {
		return 0, apperror.Persistence(op, err)
	}
	var docs []struct {
		ID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return 0, apperror.Persistence(op, err)
	}
	if len(docs) == 0 {
		return 0, nil
	}
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	res, err := s.coll(collWebhookEvents).DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return 0, apperror.Persistence(op, err)
	}
	return res.DeletedCount, nil
}
