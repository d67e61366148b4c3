package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	InsertItems(ctx context.Context, db *gorm.DB, items []SubscriptionItem) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	ListByUserID(ctx context.Context, db *gorm.DB, userID int64) ([]Subscription, error)
	ListItems(ctx context.Context, db *gorm.DB, subscriptionIDs []snowflake.ID) ([]SubscriptionItem, error)
	Update(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	UpdateNextDelivery(ctx context.Context, db *gorm.DB, id snowflake.ID, nextDelivery, updatedAt time.Time) error
	ListDueIDs(ctx context.Context, db *gorm.DB, asOf time.Time, limit int) ([]snowflake.ID, error)
}
