package mongodb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/vladislavdragonenkov/repairdesk/internal/domain"
)

const defaultEphemeralTTL = 24 * time.Hour

type ephemeralDocument struct {
	Key       string    `bson:"_id"`
	Value     []byte    `bson:"value"`
	ExpiresAt time.Time `bson:"expires_at"`
	CreatedAt time.Time `bson:"created_at"`
}

// EphemeralStore хранит вспомогательные ключи с TTL. Коллекция имеет TTL-индекс
// по expires_at, но чтение всё равно сверяет срок: сервер удаляет документы с задержкой.
type EphemeralStore struct {
	col *mongo.Collection
	now func() time.Time
}

// NewEphemeralStore создаёт MongoDB-реализацию EphemeralStore.
func NewEphemeralStore(client *Client) *EphemeralStore {
	return &EphemeralStore{
		col: client.Database().Collection(ephemeralCollection),
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *EphemeralStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrEphemeralKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := s.now()
	doc := ephemeralDocument{Key: key, Value: value, ExpiresAt: expiresAt(now, ttl), CreatedAt: now}
	if _, err := s.col.ReplaceOne(ctx, bson.M{"_id": key}, doc, options.Replace().SetUpsert(true)); err != nil {
		return fmt.Errorf("put ephemeral key: %w", err)
	}
	return nil
}

// PutIfAbsent перезаписывает только истёкший документ. Для живого ключа фильтр
// не совпадает, upsert упирается в уникальность _id, и это означает «ключ занят».
func (s *EphemeralStore) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, domain.ErrEphemeralKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := s.now()
	_, err := s.col.UpdateOne(ctx,
		bson.M{"_id": key, "expires_at": bson.M{"$lte": now}},
		bson.M{"$set": bson.M{"value": value, "expires_at": expiresAt(now, ttl), "created_at": now}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("put ephemeral key if absent: %w", err)
	}
	return true, nil
}

func (s *EphemeralStore) Get(ctx context.Context, key string) ([]byte, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, domain.ErrEphemeralKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var doc ephemeralDocument
	err := s.col.FindOne(ctx, bson.M{"_id": key, "expires_at": bson.M{"$gt": s.now()}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrEphemeralKeyNotFound
		}
		return nil, fmt.Errorf("get ephemeral key: %w", err)
	}
	return doc.Value, nil
}

func (s *EphemeralStore) Delete(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrEphemeralKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := s.col.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return fmt.Errorf("delete ephemeral key: %w", err)
	}
	return nil
}

func (s *EphemeralStore) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = s.now()
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	expired := bson.M{"expires_at": bson.M{"$lte": before}}
	if limit <= 0 {
		res, err := s.col.DeleteMany(ctx, expired)
		if err != nil {
			return 0, fmt.Errorf("delete expired ephemeral keys: %w", err)
		}
		return int(res.DeletedCount), nil
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "expires_at", Value: 1}}).
		SetLimit(int64(limit)).
		SetProjection(bson.M{"_id": 1})
	cur, err := s.col.Find(ctx, expired, opts)
	if err != nil {
		return 0, fmt.Errorf("find expired ephemeral keys: %w", err)
	}
	var docs []struct {
		Key string `bson:"_id"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return 0, fmt.Errorf("decode expired ephemeral keys: %w", err)
	}
	if len(docs) == 0 {
		return 0, nil
	}

	keys := make([]string, len(docs))
	for i, doc := range docs {
		keys[i] = doc.Key
	}
	res, err := s.col.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": keys}, "expires_at": bson.M{"$lte": before}})
	if err != nil {
		return 0, fmt.Errorf("delete expired ephemeral keys: %w", err)
	}
	return int(res.DeletedCount), nil
}

func expiresAt(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		ttl = defaultEphemeralTTL
	}
	return now.Add(ttl)
}

var _ domain.EphemeralStore = (*EphemeralStore)(nil)
