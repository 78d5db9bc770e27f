package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mahaj/chat-dispatch/pkg/model"
)

// MongoScheduled stores scheduled messages in a MongoDB collection.
// Lifecycle changes are UpdateOne calls whose filter pins the current flags.
type MongoScheduled struct {
	coll *mongo.Collection
	now  func() time.Time
}

func NewMongoScheduled(db *mongo.Database) *MongoScheduled {
	return &MongoScheduled{coll: db.Collection("scheduled_messages"), now: time.Now}
}

// EnsureIndexes creates the compound index backing FindDue.
func (s *MongoScheduled) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "send_time", Value: 1}, {Key: "queued", Value: 1}, {Key: "sent", Value: 1}, {Key: "failed", Value: 1}}},
		{Keys: bson.D{{Key: "conversation_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create scheduled message indexes: %w", err)
	}
	return nil
}

func (s *MongoScheduled) Create(ctx context.Context, m *model.ScheduledMessage) error {
	now := s.now()
	if err := m.Validate(now); err != nil {
		return err
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if _, err := s.coll.InsertOne(ctx, m); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("scheduled message %s already exists", m.ID)
		}
		return fmt.Errorf("insert scheduled message: %w", err)
	}
	return nil
}

func (s *MongoScheduled) Get(ctx context.Context, id string) (model.ScheduledMessage, error) {
	var m model.ScheduledMessage
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&m); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return model.ScheduledMessage{}, ErrNotFound
		}
		return model.ScheduledMessage{}, fmt.Errorf("get scheduled message: %w", err)
	}
	return m, nil
}

func (s *MongoScheduled) FindDue(ctx context.Context, now time.Time, limit int) ([]model.ScheduledMessage, error) {
	filter := bson.M{
		"send_time": bson.M{"$lte": now},
		"queued":    false,
		"sent":      false,
		"failed":    false,
	}
	opts := options.Find().SetSort(bson.D{{Key: "send_time", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find due scheduled messages: %w", err)
	}
	var out []model.ScheduledMessage
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode due scheduled messages: %w", err)
	}
	return out, nil
}

func (s *MongoScheduled) Transition(ctx context.Context, id string, t Transition) (bool, error) {
	if err := checkTransition(t); err != nil {
		return false, err
	}

	filter := bson.M{
		"_id":    id,
		"queued": t.From == model.StateQueued,
		"sent":   false,
		"failed": false,
	}
	var update bson.M
	switch t.To {
	case model.StatePending:
		update = bson.M{"$set": bson.M{"queued": false}, "$unset": bson.M{"queued_at": ""}}
	case model.StateQueued:
		update = bson.M{"$set": bson.M{"queued": true, "queued_at": t.At}}
	case model.StateSent:
		update = bson.M{"$set": bson.M{"sent": true, "sent_at": t.At, "message_id": t.MessageID}}
	case model.StateFailed:
		update = bson.M{"$set": bson.M{"failed": true, "failed_at": t.At, "error_message": t.Reason}}
	}

	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("transition %s %s->%s: %w", id, t.From, t.To, err)
	}
	if res.MatchedCount == 0 {
		n, err := s.coll.CountDocuments(ctx, bson.M{"_id": id})
		if err == nil && n == 0 {
			return false, ErrNotFound
		}
		return false, nil
	}
	return true, nil
}

func (s *MongoScheduled) Stats(ctx context.Context, now time.Time) (model.Stats, error) {
	counts := []struct {
		dst    *int64
		filter bson.M
	}{
		{filter: bson.M{}},
		{filter: bson.M{"send_time": bson.M{"$lte": now}, "queued": false, "sent": false, "failed": false}},
		{filter: bson.M{"queued": true, "sent": false, "failed": false}},
		{filter: bson.M{"sent": true}},
		{filter: bson.M{"failed": true}},
	}
	var st model.Stats
	counts[0].dst, counts[1].dst, counts[2].dst, counts[3].dst, counts[4].dst = &st.Total, &st.Pending, &st.Queued, &st.Sent, &st.Failed

	for _, c := range counts {
		n, err := s.coll.CountDocuments(ctx, c.filter)
		if err != nil {
			return model.Stats{}, fmt.Errorf("count scheduled messages: %w", err)
		}
		*c.dst = n
	}
	return st, nil
}
