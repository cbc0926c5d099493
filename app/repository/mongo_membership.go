package repository

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ManuelReschke/MemberFox/app/models"
	"github.com/ManuelReschke/MemberFox/internal/pkg/apperror"
)

func (s *mongoStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := s.coll(collUsers).FindOne(ctx, bson.M{"_id": id}).Decode(&user)
	if err != nil {
		return nil, mongoErr("GetUser", err, "user "+id)
	}
	return &user, nil
}

func (s *mongoStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	normalized := models.NormalizeEmail(email)
	if normalized == "" {
		return nil, apperror.Validation("GetUserByEmail", "email is required")
	}
	var user models.User
	opts := options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: 1}})
	err := s.coll(collUsers).FindOne(ctx, bson.M{"email": normalized}, opts).Decode(&user)
	if err != nil {
		return nil, mongoErr("GetUserByEmail", err, "user with email "+normalized)
	}
	return &user, nil
}

func (s *mongoStore) GetUserByCustomerID(ctx context.Context, customerID string) (*models.User, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, apperror.Validation("GetUserByCustomerID", "customer id is required")
	}
	var user models.User
	err := s.coll(collUsers).FindOne(ctx, bson.M{"paymentCustomerId": customerID}).Decode(&user)
	if err != nil {
		return nil, mongoErr("GetUserByCustomerID", err, "user with customer "+customerID)
	}
	return &user, nil
}

// SetUser merges the non-empty fields of user into the stored document. A
// customer id linked to another user moves to this one in the same transaction.
func (s *mongoStore) SetUser(ctx context.Context, user *models.User) error {
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return apperror.Validation("SetUser", "user id is required")
	}
	user.Email = models.NormalizeEmail(user.Email)
	now := s.now()

	set := bson.M{"updatedAt": now}
	if user.Email != "" {
		set["email"] = user.Email
	}
	if user.Name != "" {
		set["name"] = user.Name
	}
	customerID := user.CustomerID()
	if customerID != "" {
		set["paymentCustomerId"] = customerID
	}
	update := bson.M{
		"$set":         set,
		"$setOnInsert": bson.M{"createdAt": now},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	err := s.withTransaction(ctx, func(sc mongo.SessionContext) error {
		if customerID != "" {
			_, err := s.coll(collUsers).UpdateMany(sc,
				bson.M{"paymentCustomerId": customerID, "_id": bson.M{"$ne": user.ID}},
				bson.M{"$unset": bson.M{"paymentCustomerId": ""}, "$set": bson.M{"updatedAt": now}})
			if err != nil {
				return err
			}
		}
		return s.coll(collUsers).FindOneAndUpdate(sc, bson.M{"_id": user.ID}, update, opts).Decode(user)
	})
	return mongoErr("SetUser", err, "user "+user.ID)
}

func (s *mongoStore) GetMembership(ctx context.Context, id string) (*models.Membership, error) {
	var m models.Membership
	if err := s.coll(collMemberships).FindOne(ctx, bson.M{"_id": id}).Decode(&m); err != nil {
		return nil, mongoErr("GetMembership", err, "membership "+id)
	}
	return &m, nil
}

// GetActiveMembership uses the compound index through a hint. Null end dates
// sort last in a descending sort.
func (s *mongoStore) GetActiveMembership(ctx context.Context, userID string) (*models.Membership, error) {
	const op = "GetActiveMembership"
	filter := bson.M{"userId": userID, "status": bson.M{"$in": models.ActiveMembershipStatuses}}
	opts := options.FindOne().
		SetSort(bson.D{{Key: "endDate", Value: -1}}).
		SetHint(activeMembershipIndex)

	var m models.Membership
	err := s.coll(collMemberships).FindOne(ctx, filter, opts).Decode(&m)
	switch {
	case err == nil:
		return &m, nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return nil, apperror.NotFound(op, "active membership for user "+userID)
	case isMissingHintErr(err):
		logIndexFallback(userID, err)
	default:
		return nil, apperror.Persistence(op, err)
	}

	cursor, err := s.coll(collMemberships).Find(ctx, bson.M{"userId": userID})
	if err != nil {
		return nil, apperror.Persistence(op, err)
	}
	var all []models.Membership
	if err := cursor.All(ctx, &all); err != nil {
		return nil, apperror.Persistence(op, err)
	}
	selected := models.SelectActiveMembership(all)
	if selected == nil {
		return nil, apperror.NotFound(op, "active membership for user "+userID)
	}
	return selected, nil
}

func membershipSetDoc(m *models.Membership) bson.M {
	return bson.M{
		"userId":     m.UserID,
		"planType":   m.PlanType,
		"priceId":    m.PriceID,
		"priceCents": m.PriceCents,
		"status":     m.Status,
		"startDate":  m.StartDate,
		"endDate":    m.EndDate,
		"autoRenew":  m.AutoRenew,
		"updatedAt":  m.UpdatedAt,
	}
}

// SetMembership upserts the document and applies the stats delta of the
// transition in one transaction. It returns the document as it was before.
func (s *mongoStore) SetMembership(ctx context.Context, m *models.Membership) (*models.Membership, error) {
	const op = "SetMembership"
	if m == nil || strings.TrimSpace(m.ID) == "" {
		return nil, apperror.Validation(op, "membership id is required")
	}
	if strings.TrimSpace(m.UserID) == "" {
		return nil, apperror.Validation(op, "membership user id is required")
	}
	now := s.now()
	m.UpdatedAt = now
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}

	update := bson.M{
		"$set":         membershipSetDoc(m),
		"$setOnInsert": bson.M{"createdAt": m.CreatedAt},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.Before)
	var previous *models.Membership
	err := s.withTransaction(ctx, func(sc mongo.SessionContext) error {
		previous = nil
		var prev models.Membership
		err := s.coll(collMemberships).FindOneAndUpdate(sc, bson.M{"_id": m.ID}, update, opts).Decode(&prev)
		switch {
		case errors.Is(err, mongo.ErrNoDocuments):
		case err != nil:
			return err
		default:
			previous = &prev
		}
		return s.incrementStats(sc, models.StatsDelta(previous, m), now)
	})
	if err != nil {
		return nil, apperror.Persistence(op, err)
	}
	if previous != nil {
		m.CreatedAt = previous.CreatedAt
	}
	return previous, nil
}

func (s *mongoStore) UpdateMembership(ctx context.Context, id string, update MembershipUpdate) (*models.Membership, *models.Membership, error) {
	const op = "UpdateMembership"
	if update.IsEmpty() {
		m, err := s.GetMembership(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		after := *m
		return m, &after, nil
	}

	now := s.now()
	set := bson.M{"updatedAt": now}
	if update.PlanType != nil {
		set["planType"] = *update.PlanType
	}
	if update.PriceID != nil {
		set["priceId"] = *update.PriceID
	}
	if update.PriceCents != nil {
		set["priceCents"] = *update.PriceCents
	}
	if update.Status != nil {
		set["status"] = *update.Status
	}
	if update.StartDate != nil {
		set["startDate"] = *update.StartDate
	}
	if update.EndDate != nil {
		set["endDate"] = *update.EndDate
	}
	if update.AutoRenew != nil {
		set["autoRenew"] = *update.AutoRenew
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.Before)
	var before, after models.Membership
	err := s.withTransaction(ctx, func(sc mongo.SessionContext) error {
		before = models.Membership{}
		if err := s.coll(collMemberships).FindOneAndUpdate(sc, bson.M{"_id": id}, bson.M{"$set": set}, opts).Decode(&before); err != nil {
			return err
		}
		after = before
		update.ApplyTo(&after)
		after.UpdatedAt = now
		return s.incrementStats(sc, models.StatsDelta(&before, &after), now)
	})
	if err != nil {
		return nil, nil, mongoErr(op, err, "membership "+id)
	}
	return &before, &after, nil
}

// DeleteMembership removes the document and takes it out of the counters.
func (s *mongoStore) DeleteMembership(ctx context.Context, id string) error {
	err := s.withTransaction(ctx, func(sc mongo.SessionContext) error {
		var existing models.Membership
		if err := s.coll(collMemberships).FindOneAndDelete(sc, bson.M{"_id": id}).Decode(&existing); err != nil {
			return err
		}
		return s.incrementStats(sc, models.StatsDelta(&existing, nil), s.now())
	})
	return mongoErr("DeleteMembership", err, "membership "+id)
}

func (s *mongoStore) membershipFilter(ctx context.Context, filter MembershipFilter) (bson.M, error) {
	q := bson.M{}
	if filter.Status != "" {
		q["status"] = filter.Status
	}
	if filter.PlanType != "" {
		q["planType"] = filter.PlanType
	}
	if filter.ExpiresFrom != nil || filter.ExpiresTo != nil {
		window := bson.M{}
		if filter.ExpiresFrom != nil {
			window["$gte"] = *filter.ExpiresFrom
		}
		if filter.ExpiresTo != nil {
			window["$lte"] = *filter.ExpiresTo
		}
		q["endDate"] = window
	}
	search := strings.TrimSpace(filter.Search)
	if search == "" {
		return q, nil
	}

	pattern := containsPattern(search)
	userIDs, err := s.distinctStrings(ctx, collUsers, "_id",
		bson.M{"$or": bson.A{bson.M{"email": pattern}, bson.M{"name": pattern}}})
	if err != nil {
		return nil, err
	}
	cardUserIDs, err := s.distinctStrings(ctx, collCards, "userId", bson.M{"membershipNumber": pattern})
	if err != nil {
		return nil, err
	}
	q["userId"] = bson.M{"$in": append(userIDs, cardUserIDs...)}
	return q, nil
}

func (s *mongoStore) distinctStrings(ctx context.Context, coll, field string, filter bson.M) ([]string, error) {
	values, err := s.coll(coll).Distinct(ctx, field, filter)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if str, ok := v.(string); ok {
			out = append(out, str)
		}
	}
	return out, nil
}

func (s *mongoStore) GetAllMemberships(ctx context.Context, filter MembershipFilter) (*MembershipPage, error) {
	const op = "GetAllMemberships"
	filter = filter.Normalize()
	q, err := s.membershipFilter(ctx, filter)
	if err != nil {
		return nil, apperror.Persistence(op, err)
	}

	page := &MembershipPage{Items: []MembershipListItem{}, Offset: filter.Offset, Limit: filter.Limit}
	page.Total, err = s.coll(collMemberships).CountDocuments(ctx, q)
	if err != nil {
		return nil, apperror.Persistence(op, err)
	}
	if page.Total == 0 {
		return page, nil
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: 1}}).
		SetSkip(int64(filter.Offset)).
		SetLimit(int64(filter.Limit))
	cursor, err := s.coll(collMemberships).Find(ctx, q, opts)
	if err != nil {
		return nil, apperror.Persistence(op, err)
	}
	var rows []models.Membership
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, apperror.Persistence(op, err)
	}
	if len(rows) == 0 {
		return page, nil
	}

	userIDs := make([]string, 0, len(rows))
	for _, m := range rows {
		userIDs = append(userIDs, m.UserID)
	}
	var users []models.User
	if cursor, err = s.coll(collUsers).Find(ctx, bson.M{"_id": bson.M{"$in": userIDs}}); err == nil {
		err = cursor.All(ctx, &users)
	}
	if err != nil {
		return nil, apperror.Persistence(op, err)
	}
	var cards []models.MembershipCard
	if cursor, err = s.coll(collCards).Find(ctx, bson.M{"userId": bson.M{"$in": userIDs}}); err == nil {
		err = cursor.All(ctx, &cards)
	}
	if err != nil {
		return nil, apperror.Persistence(op, err)
	}
	page.Items = joinListItems(rows, users, cards)
	return page, nil
}

func (s *mongoStore) GetExpiringMemberships(ctx context.Context, withinDays int) ([]models.Membership, error) {
	const op = "GetExpiringMemberships"
	if withinDays < 0 {
		return nil, apperror.Validation(op, "withinDays must not be negative")
	}
	now := s.now()
	until := now.Add(time.Duration(withinDays) * 24 * time.Hour)
	filter := bson.M{
		"status":  bson.M{"$in": models.ExpiringMembershipStatuses},
		"endDate": bson.M{"$gte": now, "$lte": until},
	}
	opts := options.Find().SetSort(bson.D{{Key: "endDate", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := s.coll(collMemberships).Find(ctx, filter, opts)
	if err != nil {
		return nil, apperror.Persistence(op, err)
	}
	rows := []models.Membership{}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, apperror.Persistence(op, err)
	}
	return rows, nil
}

func (s *mongoStore) ListMemberships(ctx context.Context) ([]models.Membership, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := s.coll(collMemberships).Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, apperror.Persistence("ListMemberships", err)
	}
	var rows []models.Membership
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, apperror.Persistence("ListMemberships", err)
	}
	return rows, nil
}

// SoftDeleteMember runs every write inside one multi-document transaction.
func (s *mongoStore) SoftDeleteMember(ctx context.Context, userID, performedBy string) (*SoftDeleteResult, error) {
	const op = "SoftDeleteMember"
	if strings.TrimSpace(userID) == "" {
		return nil, apperror.Validation(op, "user id is required")
	}
	if performedBy == "" {
		performedBy = models.PerformedBySystem
	}

	var result *SoftDeleteResult
	err := s.withTransaction(ctx, func(sc mongo.SessionContext) error {
		// WithTransaction may retry the callback, so the result is rebuilt each time.
		result = &SoftDeleteResult{UserID: userID, StatsDelta: map[string]int64{}}
		now := s.now()

		userCount, err := s.coll(collUsers).CountDocuments(sc, bson.M{"_id": userID})
		if err != nil {
			return err
		}
		cursor, err := s.coll(collMemberships).Find(sc, bson.M{"userId": userID},
			options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
		if err != nil {
			return err
		}
		var memberships []models.Membership
		if err := cursor.All(sc, &memberships); err != nil {
			return err
		}
		if userCount == 0 && len(memberships) == 0 {
			return mongo.ErrNoDocuments
		}

		before := make([]models.Membership, len(memberships))
		copy(before, memberships)
		for i := range memberships {
			m := &memberships[i]
			if m.Status == models.MembershipStatusDeleted {
				continue
			}
			prev := *m
			m.Status = models.MembershipStatusDeleted
			m.AutoRenew = false
			m.UpdatedAt = now
			for k, v := range models.StatsDelta(&prev, m) {
				result.StatsDelta[k] += v
			}
			result.MembershipsDeleted++
		}
		if result.MembershipsDeleted > 0 {
			_, err = s.coll(collMemberships).UpdateMany(sc,
				bson.M{"userId": userID, "status": bson.M{"$ne": models.MembershipStatusDeleted}},
				bson.M{"$set": bson.M{"status": models.MembershipStatusDeleted, "autoRenew": false, "updatedAt": now}})
			if err != nil {
				return err
			}
		}

		var card models.MembershipCard
		var cardNumber string
		err = s.coll(collCards).FindOne(sc, bson.M{"userId": userID}).Decode(&card)
		switch {
		case errors.Is(err, mongo.ErrNoDocuments):
		case err != nil:
			return err
		default:
			cardNumber = card.MembershipNumber
			if card.Status != models.CardStatusDeleted {
				_, err = s.coll(collCards).UpdateOne(sc, bson.M{"userId": userID},
					bson.M{"$set": bson.M{"status": models.CardStatusDeleted, "updatedAt": now}})
				if err != nil {
					return err
				}
				result.CardDeleted = true
			}
		}

		entry, err := models.NewAuditEntry(userID, models.AuditActionMemberDeleted, performedBy, models.AuditDetails{
			Before: before,
			After:  memberships,
			Extra: map[string]string{
				"membership_number":   cardNumber,
				"memberships_deleted": strconv.Itoa(result.MembershipsDeleted),
			},
		})
		if err != nil {
			return err
		}
		entry.Timestamp = now
		if _, err := s.coll(collAuditLog).InsertOne(sc, entry); err != nil {
			return err
		}
		return s.incrementStats(sc, result.StatsDelta, now)
	})
	if err != nil {
		return nil, mongoErr(op, err, "member "+userID)
	}
	return result, nil
}

func (s *mongoStore) GetCard(ctx context.Context, userID string) (*models.MembershipCard, error) {
	var card models.MembershipCard
	if err := s.coll(collCards).FindOne(ctx, bson.M{"userId": userID}).Decode(&card); err != nil {
		return nil, mongoErr("GetCard", err, "card of user "+userID)
	}
	return &card, nil
}

func (s *mongoStore) GetCardByNumber(ctx context.Context, number string) (*models.MembershipCard, error) {
	var card models.MembershipCard
	err := s.coll(collCards).FindOne(ctx, bson.M{"membershipNumber": strings.TrimSpace(number)}).Decode(&card)
	if err != nil {
		return nil, mongoErr("GetCardByNumber", err, "card "+number)
	}
	return &card, nil
}

// SetCard upserts by user id. The id and membership number are only written
// on insert, so an existing card keeps its number.
func (s *mongoStore) SetCard(ctx context.Context, card *models.MembershipCard) error {
	const op = "SetCard"
	if card == nil || strings.TrimSpace(card.UserID) == "" {
		return apperror.Validation(op, "card user id is required")
	}
	now := s.now()
	if card.Status == "" {
		card.Status = models.CardStatusActive
	}
	set := bson.M{
		"membershipId":      card.MembershipID,
		"validFrom":         card.ValidFrom,
		"validUntil":        card.ValidUntil,
		"status":            card.Status,
		"verificationToken": card.VerificationToken,
		"updatedAt":         now,
	}

	if strings.TrimSpace(card.MembershipNumber) == "" {
		opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
		err := s.coll(collCards).FindOneAndUpdate(ctx, bson.M{"userId": card.UserID}, bson.M{"$set": set}, opts).Decode(card)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return apperror.Validation(op, "membership number is required for a new card")
		}
		return mongoErr(op, err, "card of user "+card.UserID)
	}

	id := card.ID
	if id == "" {
		id = uuid.New().String()
	}
	update := bson.M{
		"$set": set,
		"$setOnInsert": bson.M{
			"_id":              id,
			"membershipNumber": card.MembershipNumber,
			"createdAt":        now,
		},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	err := s.coll(collCards).FindOneAndUpdate(ctx, bson.M{"userId": card.UserID}, update, opts).Decode(card)
	return mongoErr(op, err, "card of user "+card.UserID)
}

func (s *mongoStore) UpdateCard(ctx context.Context, userID string, update CardUpdate) error {
	set := bson.M{"updatedAt": s.now()}
	if update.MembershipID != nil {
		set["membershipId"] = *update.MembershipID
	}
	if update.ValidFrom != nil {
		set["validFrom"] = *update.ValidFrom
	}
	if update.ValidUntil != nil {
		set["validUntil"] = *update.ValidUntil
	}
	if update.Status != nil {
		set["status"] = *update.Status
	}
	if update.VerificationToken != nil {
		set["verificationToken"] = *update.VerificationToken
	}
	res, err := s.coll(collCards).UpdateOne(ctx, bson.M{"userId": userID}, bson.M{"$set": set})
	if err != nil {
		return apperror.Persistence("UpdateCard", err)
	}
	if res.MatchedCount == 0 {
		return apperror.NotFound("UpdateCard", "card of user "+userID)
	}
	return nil
}

func (s *mongoStore) DeleteCard(ctx context.Context, userID string) error {
	res, err := s.coll(collCards).DeleteOne(ctx, bson.M{"userId": userID})
	if err != nil {
		return apperror.Persistence("DeleteCard", err)
	}
	if res.DeletedCount == 0 {
		return apperror.NotFound("DeleteCard", "card of user "+userID)
	}
	return nil
}
