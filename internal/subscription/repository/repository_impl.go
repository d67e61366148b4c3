package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/spiral/internal/subscription/domain"
	"github.com/smallbiznis/spiral/pkg/db"
	"gorm.io/gorm"
)

const subscriptionColumns = `id, user_id, title, description, frequency, next_delivery, total_price,
	discount_percentage, spiral_bonus_multiplier, status, created_at, updated_at`

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (`+subscriptionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		subscription.ID,
		subscription.UserID,
		subscription.Title,
		subscription.Description,
		subscription.Frequency,
		subscription.NextDelivery.UTC(),
		subscription.TotalPrice,
		subscription.DiscountPercentage,
		subscription.SpiralBonusMultiplier,
		subscription.Status,
		subscription.CreatedAt.UTC(),
		subscription.UpdatedAt.UTC(),
	).Error
}

func (r *repo) InsertItems(ctx context.Context, db *gorm.DB, items []subscriptiondomain.SubscriptionItem) error {
	if len(items) == 0 {
		return nil
	}

	for _, item := range items {
		if err := db.WithContext(ctx).Exec(
			`INSERT INTO subscription_items (
				id, subscription_id, product_id, product_name, store_id, store_name,
				quantity, price, fulfillment_method, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID,
			item.SubscriptionID,
			item.ProductID,
			item.ProductName,
			item.StoreID,
			item.StoreName,
			item.Quantity,
			item.Price,
			item.FulfillmentMethod,
			item.CreatedAt.UTC(),
		).Error; err != nil {
			return err
		}
	}

	return nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`,
		id,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

// FindByIDForUpdate locks the row on dialects with row locks.
func (r *repo) FindByIDForUpdate(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := conn.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`+db.ForUpdate(conn),
		id,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) ListByUserID(ctx context.Context, db *gorm.DB, userID int64) ([]subscriptiondomain.Subscription, error) {
	var items []subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE user_id = ?
		 ORDER BY next_delivery ASC, id ASC`,
		userID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListItems(ctx context.Context, db *gorm.DB, subscriptionIDs []snowflake.ID) ([]subscriptiondomain.SubscriptionItem, error) {
	if len(subscriptionIDs) == 0 {
		return nil, nil
	}

	var items []subscriptiondomain.SubscriptionItem
	err := db.WithContext(ctx).Raw(
		`SELECT id, subscription_id, product_id, product_name, store_id, store_name,
			quantity, price, fulfillment_method, created_at
		 FROM subscription_items
		 WHERE subscription_id IN ?
		 ORDER BY subscription_id ASC, id ASC`,
		subscriptionIDs,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET title = ?, description = ?, frequency = ?, next_delivery = ?, total_price = ?,
			discount_percentage = ?, spiral_bonus_multiplier = ?, status = ?, updated_at = ?
		 WHERE id = ?`,
		subscription.Title,
		subscription.Description,
		subscription.Frequency,
		subscription.NextDelivery.UTC(),
		subscription.TotalPrice,
		subscription.DiscountPercentage,
		subscription.SpiralBonusMultiplier,
		subscription.Status,
		subscription.UpdatedAt.UTC(),
		subscription.ID,
	).Error
}

func (r *repo) UpdateNextDelivery(ctx context.Context, db *gorm.DB, id snowflake.ID, nextDelivery, updatedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET next_delivery = ?, updated_at = ? WHERE id = ?`,
		nextDelivery.UTC(),
		updatedAt.UTC(),
		id,
	).Error
}

// ListDueIDs returns active subscriptions whose delivery date has passed,
// oldest first. Rows are not locked; the materializer locks each one.
func (r *repo) ListDueIDs(ctx context.Context, db *gorm.DB, asOf time.Time, limit int) ([]snowflake.ID, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []int64
	err := db.WithContext(ctx).Raw(
		`SELECT id FROM subscriptions
		 WHERE status = ? AND next_delivery <= ?
		 ORDER BY next_delivery ASC, id ASC
		 LIMIT ?`,
		subscriptiondomain.SubscriptionStatusActive,
		asOf.UTC(),
		limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	ids := make([]snowflake.ID, 0, len(rows))
	for _, id := range rows {
		ids = append(ids, snowflake.ID(id))
	}
	return ids, nil
}
