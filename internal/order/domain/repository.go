package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertOrder(ctx context.Context, db *gorm.DB, order *Order) error
	InsertItems(ctx context.Context, db *gorm.DB, items []OrderItem) error
	InsertSubscriptionOrder(ctx context.Context, db *gorm.DB, link *SubscriptionOrder) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Order, error)
	ListItems(ctx context.Context, db *gorm.DB, orderID snowflake.ID) ([]OrderItem, error)
	FindSubscriptionOrderByCycle(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, dueAt time.Time) (*SubscriptionOrder, error)
	FindLatestSubscriptionOrder(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*SubscriptionOrder, error)
}
