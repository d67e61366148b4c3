// Package domain holds the one-time orders produced from subscriptions.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type OrderStatus string

const (
	OrderStatusConfirmed OrderStatus = "confirmed"
)

type FulfillmentStatus string

const (
	FulfillmentStatusProcessing FulfillmentStatus = "processing"
)

type SubscriptionOrderStatus string

const (
	SubscriptionOrderStatusProcessed SubscriptionOrderStatus = "processed"
)

// Order is a materialized one-time purchase.
type Order struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	OrderNumber    string            `gorm:"type:varchar(32);not null;uniqueIndex"`
	UserID         int64             `gorm:"not null;index"`
	SubscriptionID *snowflake.ID     `gorm:"index"`
	TotalAmount    decimal.Decimal   `gorm:"type:decimal(12,2);not null"`
	Status         OrderStatus       `gorm:"type:varchar(20);not null"`
	SpiralsEarned  int64             `gorm:"not null;default:0"`
	Metadata       datatypes.JSONMap
	CreatedAt      time.Time         `gorm:"not null"`
}

// TableName sets the database table name.
func (Order) TableName() string { return "orders" }

// OrderItem is a copy of a subscription line at materialization time. It
// never references the subscription item it came from.
type OrderItem struct {
	ID                snowflake.ID      `gorm:"primaryKey"`
	OrderID           snowflake.ID      `gorm:"not null;index"`
	ProductID         string            `gorm:"type:varchar(64);not null"`
	ProductName       string            `gorm:"type:text;not null"`
	StoreID           int64             `gorm:"not null"`
	StoreName         string            `gorm:"type:text;not null"`
	Quantity          int               `gorm:"not null"`
	Price             decimal.Decimal   `gorm:"type:decimal(12,2);not null"`
	FulfillmentMethod string            `gorm:"type:varchar(32);not null"`
	FulfillmentStatus FulfillmentStatus `gorm:"type:varchar(20);not null"`
	EstimatedDelivery string            `gorm:"type:text"`
	CreatedAt         time.Time         `gorm:"not null"`
}

// TableName sets the database table name.
func (OrderItem) TableName() string { return "order_items" }

// SubscriptionOrder links a subscription cycle to the order it produced.
// DueAt is the consumed next_delivery and, with SubscriptionID, the
// idempotency key of the cycle.
type SubscriptionOrder struct {
	ID             snowflake.ID            `gorm:"primaryKey"`
	SubscriptionID snowflake.ID            `gorm:"not null;uniqueIndex:ux_subscription_orders_cycle,priority:1"`
	OrderID        snowflake.ID            `gorm:"not null;index"`
	DueAt          time.Time               `gorm:"not null;uniqueIndex:ux_subscription_orders_cycle,priority:2"`
	DeliveryDate   time.Time               `gorm:"not null"`
	NextDueAt      time.Time               `gorm:"not null"`
	Status         SubscriptionOrderStatus `gorm:"type:varchar(20);not null"`
	SpiralsEarned  int64                   `gorm:"not null;default:0"`
	CreatedAt      time.Time               `gorm:"not null"`
}

// TableName sets the database table name.
func (SubscriptionOrder) TableName() string { return "subscription_orders" }
