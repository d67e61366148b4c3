package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

const (
	// MaterializationSource tags the ledger entry written per delivery.
	MaterializationSource = "subscription_order"

	OrderNumberPrefix = "SUB-"

	// RetryWindow bounds how long after processing a cycle a repeated call
	// still replays that order. Later calls before the next due date are
	// reported as not due.
	RetryWindow = 24 * time.Hour
)

type MaterializeRequest struct {
	SubscriptionID string
	// AsOf is the instant the cycle is evaluated at; zero means now.
	AsOf time.Time
}

type OrderItemResponse struct {
	ID                snowflake.ID      `json:"id"`
	OrderID           snowflake.ID      `json:"orderId"`
	ProductID         string            `json:"productId"`
	ProductName       string            `json:"productName"`
	StoreID           int64             `json:"storeId"`
	StoreName         string            `json:"storeName"`
	Quantity          int               `json:"quantity"`
	Price             decimal.Decimal   `json:"price"`
	FulfillmentMethod string            `json:"fulfillmentMethod"`
	FulfillmentStatus FulfillmentStatus `json:"fulfillmentStatus"`
	EstimatedDelivery string            `json:"estimatedDelivery"`
}

type OrderResponse struct {
	ID             snowflake.ID    `json:"id"`
	OrderNumber    string          `json:"orderNumber"`
	UserID         int64           `json:"userId"`
	SubscriptionID *snowflake.ID   `json:"subscriptionId,omitempty"`
	TotalAmount    decimal.Decimal `json:"totalAmount"`
	Status         OrderStatus     `json:"status"`
	SpiralsEarned  int64           `json:"spiralsEarned"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

type MaterializeResult struct {
	Order         OrderResponse       `json:"order"`
	Items         []OrderItemResponse `json:"items"`
	SpiralsEarned int64               `json:"spiralsEarned"`
	NextDelivery  time.Time           `json:"nextDelivery"`
	// Duplicate is set when the cycle had already been materialized and the
	// earlier order was returned.
	Duplicate bool `json:"duplicate"`
}

type Service interface {
	Materialize(context.Context, MaterializeRequest) (MaterializeResult, error)
}

var (
	ErrInvalidSubscription   = errors.New("invalid_subscription")
	ErrSubscriptionNotFound  = errors.New("subscription_not_found")
	ErrSubscriptionNotActive = errors.New("subscription_not_active")
	ErrNotDue                = errors.New("subscription_not_due")
	ErrNoItems               = errors.New("subscription_has_no_items")
)

// NotDueError carries the delivery date the caller should retry at.
type NotDueError struct {
	NextDelivery time.Time
}

func (e *NotDueError) Error() string {
	return fmt.Sprintf("%s: next delivery %s", ErrNotDue, e.NextDelivery.UTC().Format(time.RFC3339))
}

func (e *NotDueError) Unwrap() error { return ErrNotDue }
