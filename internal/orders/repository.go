package orders

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian/internal/shared"
)

// Repository provides PostgreSQL backed reads over purchase orders.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetOrder returns an order with its items and supplier name.
func (r *Repository) GetOrder(ctx context.Context, id int64) (PurchaseOrder, error) {
	var order PurchaseOrder
	err := r.pool.QueryRow(ctx, `
		SELECT o.id, o.number, o.status, o.order_date, COALESCE(s.name, '')
		FROM purchase_orders o
		LEFT JOIN suppliers s ON s.id = o.supplier_id
		WHERE o.id = $1`, id).
		Scan(&order.ID, &order.Number, &order.Status, &order.OrderDate, &order.SupplierName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseOrder{}, shared.ErrNotFound
		}
		return PurchaseOrder{}, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, article_id, quantity, unit_cost
		FROM purchase_order_items
		WHERE order_id = $1
		ORDER BY id`, id)
	if err != nil {
		return PurchaseOrder{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.ID, &item.ArticleID, &item.Quantity, &item.UnitCost); err != nil {
			return PurchaseOrder{}, err
		}
		order.Items = append(order.Items, item)
	}
	return order, rows.Err()
}
