package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// TransactionType is the direction of a point movement.
type TransactionType string

const (
	TransactionTypeEarned TransactionType = "earned"
	TransactionTypeSpent  TransactionType = "spent"
)

// SpiralTransaction is an append-only loyalty ledger row. Rows are never
// updated or deleted; corrections are new compensating rows.
type SpiralTransaction struct {
	ID          snowflake.ID    `gorm:"primaryKey"`
	UserID      int64           `gorm:"not null;index"`
	Type        TransactionType `gorm:"type:varchar(16);not null"`
	Amount      int64           `gorm:"not null"`
	Source      string          `gorm:"type:varchar(64);not null;uniqueIndex:ux_spiral_transactions_source_reference,priority:1"`
	Reference   string          `gorm:"type:varchar(64);not null;uniqueIndex:ux_spiral_transactions_source_reference,priority:2"`
	Description string          `gorm:"type:text;not null"`
	OrderID     *string         `gorm:"type:varchar(32)"`
	Multiplier  decimal.Decimal `gorm:"type:decimal(4,2);not null"`
	CreatedAt   time.Time       `gorm:"not null"`
}

// TableName sets the database table name.
func (SpiralTransaction) TableName() string { return "spiral_transactions" }
