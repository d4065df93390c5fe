package mongodb

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/vladislavdragonenkov/repairdesk/internal/domain"
)

type orderStore struct {
	col *mongo.Collection
}

// NewOrderStore создаёт MongoDB-реализацию OrderStore.
func NewOrderStore(client *Client) domain.OrderStore {
	return &orderStore{col: client.Database().Collection(ordersCollection)}
}

func (r *orderStore) Create(ctx context.Context, order domain.Order) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.col.InsertOne(ctx, order); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrOrderExists
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (r *orderStore) Get(ctx context.Context, id string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var order domain.Order
	err := r.col.FindOne(ctx, bson.M{"_id": id}).Decode(&order)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("find order: %w", err)
	}
	return order, nil
}

func (r *orderStore) ConditionalUpdate(ctx context.Context, id string, pre domain.Precondition, patch domain.Patch) (domain.Order, error) {
	return r.findAndUpdate(ctx, id, pre, patchUpdate(patch))
}

func (r *orderStore) AppendReview(ctx context.Context, id string, pre domain.Precondition, review domain.Review) (domain.Order, error) {
	update := bson.M{
		"$set":  bson.M{"updated_at": review.At},
		"$push": bson.M{"reviews": review},
		"$inc":  bson.M{"version": 1},
	}
	return r.findAndUpdate(ctx, id, pre, update)
}

// findAndUpdate применяет update, только если документ удовлетворяет pre.
func (r *orderStore) findAndUpdate(ctx context.Context, id string, pre domain.Precondition, update bson.M) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var updated domain.Order
	err := r.col.FindOneAndUpdate(ctx, preconditionFilter(id, pre), update, opts).Decode(&updated)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Order{}, fmt.Errorf("update order: %w", err)
	}

	count, err := r.col.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return domain.Order{}, fmt.Errorf("check order exists: %w", err)
	}
	if count == 0 {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return domain.Order{}, domain.ErrOrderConflict
}

func (r *orderStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.col.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete order: %w", err)
	}
	if res.DeletedCount == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}

func (r *orderStore) List(ctx context.Context, filter domain.ListFilter) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cur, err := r.col.Find(ctx, listFilter(filter), opts)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer cur.Close(ctx)

	orders := make([]domain.Order, 0)
	for cur.Next(ctx) {
		var order domain.Order
		if err := cur.Decode(&order); err != nil {
			return nil, fmt.Errorf("decode order: %w", err)
		}
		orders = append(orders, order)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return orders, nil
}

func preconditionFilter(id string, pre domain.Precondition) bson.M {
	return bson.M{
		"_id":     id,
		"version": pre.Version,
		"status":  bson.M{"$in": statusStrings(pre.Statuses)},
	}
}

func listFilter(filter domain.ListFilter) bson.M {
	query := bson.M{}
	if filter.RequesterID != "" {
		query["requester_id"] = filter.RequesterID
	}
	if filter.TechnicianID != "" {
		query["technician_id"] = filter.TechnicianID
	}
	if len(filter.Statuses) > 0 {
		query["status"] = bson.M{"$in": statusStrings(filter.Statuses)}
	}
	return query
}

// patchUpdate переводит Patch в операторы обновления. Результат совпадает с Patch.Apply.
func patchUpdate(patch domain.Patch) bson.M {
	set := bson.M{
		"status":     string(patch.Status),
		"updated_at": patch.History.At,
	}
	push := bson.M{"history": patch.History}
	update := bson.M{
		"$inc": bson.M{"version": 1},
	}

	switch {
	case patch.Technician != nil:
		set["technician_id"] = patch.Technician.ID
		set["technician_name"] = patch.Technician.Name
	case patch.ClearTechnician:
		update["$unset"] = bson.M{"technician_id": "", "technician_name": ""}
	}
	if patch.OfferFlow != nil {
		set["offer_flow"] = *patch.OfferFlow
	}
	if patch.CompleteFlow != nil {
		set["complete_flow"] = *patch.CompleteFlow
	}
	if patch.CancelFlow != nil {
		set["cancel_flow"] = *patch.CancelFlow
	}
	if patch.Media != nil {
		set["media"] = patch.Media
	}
	if patch.Checkin != nil {
		push["checkins"] = *patch.Checkin
	}

	update["$set"] = set
	update["$push"] = push
	return update
}

func statusStrings(statuses []domain.OrderStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

var _ domain.OrderStore = (*orderStore)(nil)
