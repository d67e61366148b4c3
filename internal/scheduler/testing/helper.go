// Package testing moves subscription schedules around so the worker can be
// exercised without waiting for real delivery dates.
package testing

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/spiral/internal/subscription/domain"
	"gorm.io/gorm"
)

type TimeAccelerator struct {
	db  *gorm.DB
	now func() time.Time
}

func NewTimeAccelerator(db *gorm.DB, now func() time.Time) *TimeAccelerator {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &TimeAccelerator{db: db, now: now}
}

// FastForwardSubscription makes one active subscription due a minute ago.
func (ta *TimeAccelerator) FastForwardSubscription(ctx context.Context, subscriptionID snowflake.ID) error {
	now := ta.now().UTC()
	return ta.db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET next_delivery = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		now.Add(-time.Minute),
		now,
		subscriptionID,
		subscriptiondomain.SubscriptionStatusActive,
	).Error
}

// FastForwardAllActive makes every active subscription that is not yet due
// due a minute ago, returning how many rows moved.
func (ta *TimeAccelerator) FastForwardAllActive(ctx context.Context) (int64, error) {
	now := ta.now().UTC()
	result := ta.db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET next_delivery = ?, updated_at = ?
		 WHERE status = ? AND next_delivery > ?`,
		now.Add(-time.Minute),
		now,
		subscriptiondomain.SubscriptionStatusActive,
		now,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// SetNextDelivery pins a subscription to an exact delivery time.
func (ta *TimeAccelerator) SetNextDelivery(ctx context.Context, subscriptionID snowflake.ID, at time.Time) error {
	return ta.db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET next_delivery = ?, updated_at = ? WHERE id = ?`,
		at.UTC(),
		ta.now().UTC(),
		subscriptionID,
	).Error
}
