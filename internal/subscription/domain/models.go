// Package domain contains the recurring-order template and its pricing rules.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Frequency is the cadence a subscription is delivered at.
type Frequency string

const (
	FrequencyWeekly    Frequency = "weekly"
	FrequencyBiweekly  Frequency = "biweekly"
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
)

// Valid reports whether f is one of the supported cadences.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyWeekly, FrequencyBiweekly, FrequencyMonthly, FrequencyQuarterly:
		return true
	default:
		return false
	}
}

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusPaused    SubscriptionStatus = "paused"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
)

type FulfillmentMethod string

const (
	FulfillmentShipToMe      FulfillmentMethod = "ship-to-me"
	FulfillmentInStorePickup FulfillmentMethod = "in-store-pickup"
	FulfillmentShipToMall    FulfillmentMethod = "ship-to-mall"
)

func (m FulfillmentMethod) Valid() bool {
	switch m {
	case FulfillmentShipToMe, FulfillmentInStorePickup, FulfillmentShipToMall:
		return true
	default:
		return false
	}
}

// Subscription is a shopper's recurring order template. TotalPrice,
// DiscountPercentage and SpiralBonusMultiplier are snapshots taken at
// creation or on a frequency change.
type Subscription struct {
	ID                    snowflake.ID       `gorm:"primaryKey"`
	UserID                int64              `gorm:"not null;index"`
	Title                 string             `gorm:"type:varchar(100);not null"`
	Description           *string            `gorm:"type:text"`
	Frequency             Frequency          `gorm:"type:varchar(20);not null"`
	NextDelivery          time.Time          `gorm:"not null;index"`
	TotalPrice            decimal.Decimal    `gorm:"type:decimal(12,2);not null"`
	DiscountPercentage    int                `gorm:"not null;default:0"`
	SpiralBonusMultiplier decimal.Decimal    `gorm:"type:decimal(4,2);not null"`
	Status                SubscriptionStatus `gorm:"type:varchar(20);not null;index"`
	CreatedAt             time.Time          `gorm:"not null"`
	UpdatedAt             time.Time          `gorm:"not null"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// SubscriptionItem is a line of the template. Product and store names are
// denormalized when the item is added and never re-synced.
type SubscriptionItem struct {
	ID                snowflake.ID      `gorm:"primaryKey"`
	SubscriptionID    snowflake.ID      `gorm:"not null;index"`
	ProductID         string            `gorm:"type:varchar(64);not null"`
	ProductName       string            `gorm:"type:text;not null"`
	StoreID           int64             `gorm:"not null"`
	StoreName         string            `gorm:"type:text;not null"`
	Quantity          int               `gorm:"not null"`
	Price             decimal.Decimal   `gorm:"type:decimal(12,2);not null"`
	FulfillmentMethod FulfillmentMethod `gorm:"type:varchar(32);not null"`
	CreatedAt         time.Time         `gorm:"not null"`
}

// TableName sets the database table name.
func (SubscriptionItem) TableName() string { return "subscription_items" }

// LineTotal is price × quantity.
func (i SubscriptionItem) LineTotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}
