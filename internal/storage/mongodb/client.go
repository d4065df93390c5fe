// Package mongodb хранит заявки, outbox и вспомогательные ключи в MongoDB. Заявка: один документ,
// переходы выполняются одним FindOneAndUpdate с фильтром по статусу и версии.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	opTimeout      = 5 * time.Second
	connectTimeout = 10 * time.Second

	ordersCollection    = "orders"
	outboxCollection    = "outbox_messages"
	ephemeralCollection = "ephemeral_keys"
)

var errClientNotInitialized = errors.New("mongo client is not initialized")

// Client владеет подключением к MongoDB и выбранной базой.
type Client struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect подключается к MongoDB и проверяет доступность сервера.
func Connect(ctx context.Context, uri, database string) (*Client, error) {
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	return &Client{client: client, db: client.Database(database)}, nil
}

// Database возвращает выбранную базу.
func (c *Client) Database() *mongo.Database {
	return c.db
}

// Ping проверяет доступность сервера.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return errClientNotInitialized
	}
	pingCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return c.client.Ping(pingCtx, nil)
}

// EnsureIndexes создаёт индексы для выборок заявок и outbox и TTL-индекс ключей.
func (c *Client) EnsureIndexes(ctx context.Context) error {
	if c == nil || c.db == nil {
		return errClientNotInitialized
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if _, err := c.db.Collection(ordersCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "requester_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "technician_id", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	}); err != nil {
		return fmt.Errorf("create order indexes: %w", err)
	}

	if _, err := c.db.Collection(outboxCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}},
	}); err != nil {
		return fmt.Errorf("create outbox indexes: %w", err)
	}

	if _, err := c.db.Collection(ephemeralCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	}); err != nil {
		return fmt.Errorf("create ephemeral ttl index: %w", err)
	}
	return nil
}

// Close отключается от сервера.
func (c *Client) Close(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Disconnect(ctx)
}
