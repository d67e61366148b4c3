package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type CreateSubscriptionItemRequest struct {
	ProductID         string            `json:"productId" validate:"required"`
	ProductName       string            `json:"productName" validate:"required"`
	StoreID           int64             `json:"storeId" validate:"gte=0"`
	StoreName         string            `json:"storeName" validate:"required"`
	Quantity          int               `json:"quantity" validate:"gte=1"`
	Price             decimal.Decimal   `json:"price"`
	FulfillmentMethod FulfillmentMethod `json:"fulfillmentMethod" validate:"required,oneof=ship-to-me in-store-pickup ship-to-mall"`
}

type CreateSubscriptionRequest struct {
	UserID      int64                           `json:"userId" validate:"gt=0"`
	Title       string                          `json:"title" validate:"required,max=100"`
	Description *string                         `json:"description,omitempty"`
	Frequency   Frequency                       `json:"frequency" validate:"required,oneof=weekly biweekly monthly quarterly"`
	Items       []CreateSubscriptionItemRequest `json:"items" validate:"required,min=1,dive"`
}

// UpdateSubscriptionRequest carries a partial update; nil fields are left alone.
type UpdateSubscriptionRequest struct {
	ID          string              `json:"-"`
	Title       *string             `json:"title,omitempty" validate:"omitempty,min=1,max=100"`
	Description *string             `json:"description,omitempty"`
	Frequency   *Frequency          `json:"frequency,omitempty" validate:"omitempty,oneof=weekly biweekly monthly quarterly"`
	Status      *SubscriptionStatus `json:"status,omitempty" validate:"omitempty,oneof=active paused cancelled"`
}

type ListSubscriptionRequest struct {
	UserID int64
}

type SubscriptionItemResponse struct {
	ID                snowflake.ID      `json:"id"`
	SubscriptionID    snowflake.ID      `json:"subscriptionId"`
	ProductID         string            `json:"productId"`
	ProductName       string            `json:"productName"`
	StoreID           int64             `json:"storeId"`
	StoreName         string            `json:"storeName"`
	Quantity          int               `json:"quantity"`
	Price             decimal.Decimal   `json:"price"`
	FulfillmentMethod FulfillmentMethod `json:"fulfillmentMethod"`
}

type SubscriptionResponse struct {
	ID                    snowflake.ID               `json:"id"`
	UserID                int64                      `json:"userId"`
	Title                 string                     `json:"title"`
	Description           *string                    `json:"description,omitempty"`
	Frequency             Frequency                  `json:"frequency"`
	NextDelivery          time.Time                  `json:"nextDelivery"`
	Status                SubscriptionStatus         `json:"status"`
	TotalPrice            decimal.Decimal            `json:"totalPrice"`
	DiscountPercentage    int                        `json:"discountPercentage"`
	SpiralBonusMultiplier decimal.Decimal            `json:"spiralBonusMultiplier"`
	CreatedAt             time.Time                  `json:"createdAt"`
	UpdatedAt             time.Time                  `json:"updatedAt"`
	Items                 []SubscriptionItemResponse `json:"items"`
	NextDeliveryFormatted string                     `json:"nextDeliveryFormatted"`
	Savings               string                     `json:"savings"`
}

type CreateSubscriptionResponse struct {
	SubscriptionResponse
	WelcomeBonus int64 `json:"welcomeBonus"`
}

type ListSubscriptionResponse struct {
	Subscriptions []SubscriptionResponse `json:"subscriptions"`
}

type Service interface {
	Create(context.Context, CreateSubscriptionRequest) (CreateSubscriptionResponse, error)
	Update(context.Context, UpdateSubscriptionRequest) (SubscriptionResponse, error)
	Cancel(context.Context, string) (SubscriptionResponse, error)
	List(context.Context, ListSubscriptionRequest) (ListSubscriptionResponse, error)
	GetByID(context.Context, string) (SubscriptionResponse, error)
}

const (
	// SignupSource tags the welcome bonus ledger entry.
	SignupSource = "subscription_signup"
)

var (
	ErrInvalidUser              = errors.New("invalid_user")
	ErrInvalidTitle             = errors.New("invalid_title")
	ErrInvalidFrequency         = errors.New("invalid_frequency")
	ErrInvalidStatus            = errors.New("invalid_status")
	ErrInvalidItems             = errors.New("invalid_items")
	ErrInvalidQuantity          = errors.New("invalid_quantity")
	ErrInvalidPrice             = errors.New("invalid_price")
	ErrInvalidProduct           = errors.New("invalid_product")
	ErrInvalidStore             = errors.New("invalid_store")
	ErrInvalidFulfillmentMethod = errors.New("invalid_fulfillment_method")
	ErrInvalidSubscription      = errors.New("invalid_subscription")
	ErrInvalidTransition        = errors.New("invalid_transition")
	ErrEmptyUpdate              = errors.New("empty_update")
	ErrSubscriptionNotFound     = errors.New("subscription_not_found")
)
