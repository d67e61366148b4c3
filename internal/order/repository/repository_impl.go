package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	orderdomain "github.com/smallbiznis/spiral/internal/order/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() orderdomain.Repository {
	return &repo{}
}

func (r *repo) InsertOrder(ctx context.Context, db *gorm.DB, order *orderdomain.Order) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO orders (
			id, order_number, user_id, subscription_id, total_amount, status,
			spirals_earned, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID,
		order.OrderNumber,
		order.UserID,
		order.SubscriptionID,
		order.TotalAmount,
		order.Status,
		order.SpiralsEarned,
		order.Metadata,
		order.CreatedAt.UTC(),
	).Error
}

func (r *repo) InsertItems(ctx context.Context, db *gorm.DB, items []orderdomain.OrderItem) error {
	for _, item := range items {
		if err := db.WithContext(ctx).Exec(
			`INSERT INTO order_items (
				id, order_id, product_id, product_name, store_id, store_name, quantity, price,
				fulfillment_method, fulfillment_status, estimated_delivery, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID,
			item.OrderID,
			item.ProductID,
			item.ProductName,
			item.StoreID,
			item.StoreName,
			item.Quantity,
			item.Price,
			item.FulfillmentMethod,
			item.FulfillmentStatus,
			item.EstimatedDelivery,
			item.CreatedAt.UTC(),
		).Error; err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) InsertSubscriptionOrder(ctx context.Context, db *gorm.DB, link *orderdomain.SubscriptionOrder) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscription_orders (
			id, subscription_id, order_id, due_at, delivery_date, next_due_at,
			status, spirals_earned, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		link.ID,
		link.SubscriptionID,
		link.OrderID,
		link.DueAt.UTC(),
		link.DeliveryDate.UTC(),
		link.NextDueAt.UTC(),
		link.Status,
		link.SpiralsEarned,
		link.CreatedAt.UTC(),
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*orderdomain.Order, error) {
	var order orderdomain.Order
	err := db.WithContext(ctx).Raw(
		`SELECT id, order_number, user_id, subscription_id, total_amount, status,
			spirals_earned, metadata, created_at
		 FROM orders
		 WHERE id = ?`,
		id,
	).Scan(&order).Error
	if err != nil {
		return nil, err
	}
	if order.ID == 0 {
		return nil, nil
	}
	return &order, nil
}

func (r *repo) ListItems(ctx context.Context, db *gorm.DB, orderID snowflake.ID) ([]orderdomain.OrderItem, error) {
	var items []orderdomain.OrderItem
	err := db.WithContext(ctx).Raw(
		`SELECT id, order_id, product_id, product_name, store_id, store_name, quantity, price,
			fulfillment_method, fulfillment_status, estimated_delivery, created_at
		 FROM order_items
		 WHERE order_id = ?
		 ORDER BY id ASC`,
		orderID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

const subscriptionOrderColumns = `id, subscription_id, order_id, due_at, delivery_date, next_due_at,
	status, spirals_earned, created_at`

func (r *repo) FindSubscriptionOrderByCycle(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, dueAt time.Time) (*orderdomain.SubscriptionOrder, error) {
	var link orderdomain.SubscriptionOrder
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionOrderColumns+`
		 FROM subscription_orders
		 WHERE subscription_id = ? AND due_at = ?`,
		subscriptionID,
		dueAt.UTC(),
	).Scan(&link).Error
	if err != nil {
		return nil, err
	}
	if link.ID == 0 {
		return nil, nil
	}
	return &link, nil
}

func (r *repo) FindLatestSubscriptionOrder(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*orderdomain.SubscriptionOrder, error) {
	var link orderdomain.SubscriptionOrder
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionOrderColumns+`
		 FROM subscription_orders
		 WHERE subscription_id = ?
		 ORDER BY due_at DESC, id DESC
		 LIMIT 1`,
		subscriptionID,
	).Scan(&link).Error
	if err != nil {
		return nil, err
	}
	if link.ID == 0 {
		return nil, nil
	}
	return &link, nil
}
