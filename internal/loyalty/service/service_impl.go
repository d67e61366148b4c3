package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/spiral/internal/clock"
	loyaltydomain "github.com/smallbiznis/spiral/internal/loyalty/domain"
	obsmetrics "github.com/smallbiznis/spiral/internal/observability/metrics"
	"github.com/smallbiznis/spiral/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) loyaltydomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("loyalty.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Append(ctx context.Context, tx *gorm.DB, req loyaltydomain.AppendRequest) (loyaltydomain.AppendResult, error) {
	if req.UserID <= 0 {
		return loyaltydomain.AppendResult{}, loyaltydomain.ErrInvalidUser
	}
	txType, err := normalizeType(req.Type)
	if err != nil {
		return loyaltydomain.AppendResult{}, err
	}
	if req.Amount < 0 {
		return loyaltydomain.AppendResult{}, loyaltydomain.ErrInvalidAmount
	}
	source := strings.TrimSpace(req.Source)
	if source == "" {
		return loyaltydomain.AppendResult{}, loyaltydomain.ErrInvalidSource
	}
	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		return loyaltydomain.AppendResult{}, loyaltydomain.ErrInvalidReference
	}
	multiplier := req.Multiplier
	if multiplier.IsZero() {
		multiplier = decimal.NewFromInt(1)
	}
	if tx == nil {
		tx = s.db
	}

	id := s.genID.Generate()
	result := tx.WithContext(ctx).Exec(
		db.InsertIgnore(tx,
			"spiral_transactions",
			"id, user_id, type, amount, source, reference, description, order_id, multiplier, created_at",
			"?, ?, ?, ?, ?, ?, ?, ?, ?, ?",
			"source, reference",
		),
		id,
		req.UserID,
		txType,
		req.Amount,
		source,
		reference,
		strings.TrimSpace(req.Description),
		req.OrderID,
		multiplier,
		s.clock.Now().UTC(),
	)
	if result.Error != nil {
		return loyaltydomain.AppendResult{}, result.Error
	}

	if result.RowsAffected == 0 {
		var existing int64
		if err := tx.WithContext(ctx).Raw(
			`SELECT id FROM spiral_transactions WHERE source = ? AND reference = ?`,
			source,
			reference,
		).Scan(&existing).Error; err != nil {
			return loyaltydomain.AppendResult{}, err
		}
		s.log.Debug("spiral transaction already recorded",
			zap.String("source", source),
			zap.String("reference", reference),
		)
		return loyaltydomain.AppendResult{ID: snowflake.ID(existing)}, nil
	}

	s.obsMetrics.RecordLedgerEntry(ctx, source, req.Amount)
	return loyaltydomain.AppendResult{ID: id, Inserted: true}, nil
}

func (s *Service) Balance(ctx context.Context, userID int64) (loyaltydomain.Balance, error) {
	if userID <= 0 {
		return loyaltydomain.Balance{}, loyaltydomain.ErrInvalidUser
	}

	var row struct {
		Earned int64
		Spent  int64
	}
	err := s.db.WithContext(ctx).Raw(
		`SELECT
			COALESCE(SUM(CASE WHEN type = ? THEN amount ELSE 0 END), 0) AS earned,
			COALESCE(SUM(CASE WHEN type = ? THEN amount ELSE 0 END), 0) AS spent
		 FROM spiral_transactions
		 WHERE user_id = ?`,
		loyaltydomain.TransactionTypeEarned,
		loyaltydomain.TransactionTypeSpent,
		userID,
	).Scan(&row).Error
	if err != nil {
		return loyaltydomain.Balance{}, err
	}

	return loyaltydomain.Balance{
		UserID:    userID,
		Earned:    row.Earned,
		Spent:     row.Spent,
		Available: row.Earned - row.Spent,
	}, nil
}

func (s *Service) ListTransactions(ctx context.Context, req loyaltydomain.ListTransactionsRequest) ([]loyaltydomain.TransactionResponse, error) {
	if req.UserID <= 0 {
		return nil, loyaltydomain.ErrInvalidUser
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	var rows []loyaltydomain.SpiralTransaction
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, user_id, type, amount, source, reference, description, order_id, multiplier, created_at
		 FROM spiral_transactions
		 WHERE user_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		req.UserID,
		limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]loyaltydomain.TransactionResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, loyaltydomain.TransactionResponse{
			ID:          row.ID,
			UserID:      row.UserID,
			Type:        row.Type,
			Amount:      row.Amount,
			Source:      row.Source,
			Description: row.Description,
			OrderID:     row.OrderID,
			Multiplier:  row.Multiplier,
			CreatedAt:   row.CreatedAt,
		})
	}
	return out, nil
}

func normalizeType(value loyaltydomain.TransactionType) (loyaltydomain.TransactionType, error) {
	switch loyaltydomain.TransactionType(strings.ToLower(strings.TrimSpace(string(value)))) {
	case loyaltydomain.TransactionTypeEarned:
		return loyaltydomain.TransactionTypeEarned, nil
	case loyaltydomain.TransactionTypeSpent:
		return loyaltydomain.TransactionTypeSpent, nil
	default:
		return "", loyaltydomain.ErrInvalidType
	}
}
