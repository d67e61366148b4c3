package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// AppendRequest describes one ledger row. Source and Reference together
// identify the business event, so appending the same pair twice is a no-op.
type AppendRequest struct {
	UserID      int64
	Type        TransactionType
	Amount      int64
	Source      string
	Reference   string
	Description string
	OrderID     *string
	Multiplier  decimal.Decimal
}

type AppendResult struct {
	ID       snowflake.ID
	Inserted bool
}

type Balance struct {
	UserID    int64 `json:"userId"`
	Earned    int64 `json:"earned"`
	Spent     int64 `json:"spent"`
	Available int64 `json:"available"`
}

type ListTransactionsRequest struct {
	UserID int64
	Limit  int
}

type TransactionResponse struct {
	ID          snowflake.ID    `json:"id"`
	UserID      int64           `json:"userId"`
	Type        TransactionType `json:"type"`
	Amount      int64           `json:"amount"`
	Source      string          `json:"source"`
	Description string          `json:"description"`
	OrderID     *string         `json:"orderId,omitempty"`
	Multiplier  decimal.Decimal `json:"multiplier"`
	CreatedAt   time.Time       `json:"createdAt"`
}

type Service interface {
	// Append writes on the caller's handle so the entry commits or rolls
	// back with the surrounding business transaction.
	Append(ctx context.Context, db *gorm.DB, req AppendRequest) (AppendResult, error)
	Balance(ctx context.Context, userID int64) (Balance, error)
	ListTransactions(ctx context.Context, req ListTransactionsRequest) ([]TransactionResponse, error)
}

var (
	ErrInvalidUser      = errors.New("invalid_user")
	ErrInvalidType      = errors.New("invalid_transaction_type")
	ErrInvalidAmount    = errors.New("invalid_amount")
	ErrInvalidSource    = errors.New("invalid_source")
	ErrInvalidReference = errors.New("invalid_reference")
)
