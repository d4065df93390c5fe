package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/repairdesk/internal/domain"
)

type orderStore struct {
	db *sql.DB
}

// NewOrderStore создаёт PostgreSQL-реализацию OrderStore.
func NewOrderStore(store *Store) domain.OrderStore {
	return &orderStore{db: store.DB()}
}

func (r *orderStore) Create(ctx context.Context, order domain.Order) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	doc, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshal order document: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO orders (
			id, requester_id, technician_id, status, version, document, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`,
		order.ID, order.RequesterID, order.TechnicianID, string(order.Status),
		order.Version, doc, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrOrderExists
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (r *orderStore) Get(ctx context.Context, id string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return r.get(ctx, id)
}

func (r *orderStore) get(ctx context.Context, id string) (domain.Order, error) {
	var doc []byte
	err := r.db.QueryRowContext(ctx, `SELECT document FROM orders WHERE id = $1`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("select order: %w", err)
	}
	return decodeOrder(doc)
}

// ConditionalUpdate читает документ, применяет патч и записывает его
// одним UPDATE с проверкой статуса и версии. Если между чтением и записью
// заявка изменилась, UPDATE не затрагивает строк и возвращается конфликт.
func (r *orderStore) ConditionalUpdate(ctx context.Context, id string, pre domain.Precondition, patch domain.Patch) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	current, err := r.get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	if !pre.Holds(current.Status, current.Version) {
		return domain.Order{}, domain.ErrOrderConflict
	}

	return r.swap(ctx, pre, patch.Apply(current))
}

func (r *orderStore) AppendReview(ctx context.Context, id string, pre domain.Precondition, review domain.Review) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	current, err := r.get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	if !pre.Holds(current.Status, current.Version) {
		return domain.Order{}, domain.ErrOrderConflict
	}

	next := current.Clone()
	next.Reviews = append(next.Reviews, review)
	next.Version++
	next.UpdatedAt = review.At

	return r.swap(ctx, pre, next)
}

// swap записывает next, только если строка всё ещё удовлетворяет pre.
func (r *orderStore) swap(ctx context.Context, pre domain.Precondition, next domain.Order) (domain.Order, error) {
	doc, err := json.Marshal(next)
	if err != nil {
		return domain.Order{}, fmt.Errorf("marshal order document: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE orders
		SET technician_id = $1,
		    status = $2,
		    version = $3,
		    document = $4,
		    updated_at = $5
		WHERE id = $6
		  AND version = $7
		  AND status = ANY($8::text[])
	`,
		next.TechnicianID,
		string(next.Status),
		next.Version,
		doc,
		next.UpdatedAt,
		next.ID,
		pre.Version,
		statusStrings(pre.Statuses),
	)
	if err != nil {
		return domain.Order{}, fmt.Errorf("update order: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Order{}, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		exists, err := r.exists(ctx, next.ID)
		if err != nil {
			return domain.Order{}, err
		}
		if !exists {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, domain.ErrOrderConflict
	}

	return next, nil
}

func (r *orderStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete order: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}

func (r *orderStore) List(ctx context.Context, filter domain.ListFilter) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var limit sql.NullInt64
	if filter.Limit > 0 {
		limit = sql.NullInt64{Int64: int64(filter.Limit), Valid: true}
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT document
		FROM orders
		WHERE ($1 = '' OR requester_id = $1)
		  AND ($2 = '' OR technician_id = $2)
		  AND (cardinality($3::text[]) = 0 OR status = ANY($3::text[]))
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, filter.RequesterID, filter.TechnicianID, statusStrings(filter.Statuses), limit)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		order, err := decodeOrder(doc)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}

	return orders, nil
}

func (r *orderStore) exists(ctx context.Context, id string) (bool, error) {
	var found string
	err := r.db.QueryRowContext(ctx, `SELECT id FROM orders WHERE id = $1`, id).Scan(&found)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("check order exists: %w", err)
}

func decodeOrder(doc []byte) (domain.Order, error) {
	var order domain.Order
	if err := json.Unmarshal(doc, &order); err != nil {
		return domain.Order{}, fmt.Errorf("decode order document: %w", err)
	}
	return order, nil
}

func statusStrings(statuses []domain.OrderStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

var _ domain.OrderStore = (*orderStore)(nil)
