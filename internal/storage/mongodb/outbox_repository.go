package mongodb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/vladislavdragonenkov/repairdesk/internal/domain"
)

const defaultPullLimit = 100

type outboxDocument struct {
	ID            string    `bson:"_id"`
	AggregateType string    `bson:"aggregate_type"`
	AggregateID   string    `bson:"aggregate_id"`
	EventType     string    `bson:"event_type"`
	Payload       []byte    `bson:"payload"`
	Status        string    `bson:"status"`
	AttemptCount  int       `bson:"attempt_count"`
	CreatedAt     time.Time `bson:"created_at"`
	UpdatedAt     time.Time `bson:"updated_at"`
}

func (d outboxDocument) message() domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:            d.ID,
		AggregateType: d.AggregateType,
		AggregateID:   d.AggregateID,
		EventType:     d.EventType,
		Payload:       d.Payload,
	}
}

type outboxRepository struct {
	col *mongo.Collection
}

// NewOutboxRepository создаёт MongoDB-реализацию OutboxRepository.
func NewOutboxRepository(client *Client) domain.OutboxRepository {
	return &outboxRepository{col: client.Database().Collection(outboxCollection)}
}

func (r *outboxRepository) Enqueue(ctx context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := time.Now().UTC()

	if _, err := r.col.InsertOne(ctx, outboxDocument{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       msg.Payload,
		Status:        "pending",
		CreatedAt:     now,
		UpdatedAt:     now,
	}); err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("enqueue outbox message: %w", err)
	}
	return msg, nil
}

func (r *outboxRepository) PullPending(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = defaultPullLimit
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(limit))

	cur, err := r.col.Find(ctx, bson.M{"status": "pending"}, opts)
	if err != nil {
		return nil, fmt.Errorf("pull pending outbox messages: %w", err)
	}
	defer cur.Close(ctx)

	result := make([]domain.OutboxMessage, 0, limit)
	for cur.Next(ctx) {
		var doc outboxDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode outbox message: %w", err)
		}
		result = append(result, doc.message())
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox messages: %w", err)
	}
	return result, nil
}

func (r *outboxRepository) Stats(ctx context.Context) (domain.OutboxStats, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	pending := bson.M{"status": "pending"}
	count, err := r.col.CountDocuments(ctx, pending)
	if err != nil {
		return domain.OutboxStats{}, fmt.Errorf("count pending outbox messages: %w", err)
	}

	stats := domain.OutboxStats{PendingCount: int(count)}
	if count == 0 {
		return stats, nil
	}

	var oldest outboxDocument
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if err := r.col.FindOne(ctx, pending, opts).Decode(&oldest); err != nil {
		return domain.OutboxStats{}, fmt.Errorf("find oldest pending outbox message: %w", err)
	}
	stats.OldestPendingAt = oldest.CreatedAt.UTC()
	return stats, nil
}

func (r *outboxRepository) MarkSent(ctx context.Context, id string) error {
	return r.markStatus(ctx, id, "sent")
}

func (r *outboxRepository) MarkFailed(ctx context.Context, id string) error {
	return r.markStatus(ctx, id, "failed")
}

func (r *outboxRepository) markStatus(ctx context.Context, id, status string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.col.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{"status": status, "updated_at": time.Now().UTC()},
		"$inc": bson.M{"attempt_count": 1},
	})
	if err != nil {
		return fmt.Errorf("mark outbox message as %s: %w", status, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: message %s not found", domain.ErrOutboxPublish, id)
	}
	return nil
}

var _ domain.OutboxRepository = (*outboxRepository)(nil)
