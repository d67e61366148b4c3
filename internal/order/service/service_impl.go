package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/spiral/internal/clock"
	loyaltydomain "github.com/smallbiznis/spiral/internal/loyalty/domain"
	obsmetrics "github.com/smallbiznis/spiral/internal/observability/metrics"
	orderdomain "github.com/smallbiznis/spiral/internal/order/domain"
	subscriptiondomain "github.com/smallbiznis/spiral/internal/subscription/domain"
	"github.com/smallbiznis/spiral/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	outcomeCreated   = "created"
	outcomeDuplicate = "duplicate"
	outcomeNotDue    = "not_due"
	outcomeInactive  = "not_active"
	outcomeFailed    = "failed"
)

type ServiceParam struct {
	fx.In

	DB               *gorm.DB
	Log              *zap.Logger
	GenID            *snowflake.Node
	Clock            clock.Clock
	Repo             orderdomain.Repository
	SubscriptionRepo subscriptiondomain.Repository
	LoyaltySvc       loyaltydomain.Service
	ObsMetrics       *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock

	repo             orderdomain.Repository
	subscriptionRepo subscriptiondomain.Repository
	loyaltySvc       loyaltydomain.Service
	obsMetrics       *obsmetrics.Metrics
}

func NewService(p ServiceParam) orderdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("order.service"),
		genID: p.GenID,
		clock: p.Clock,

		repo:             p.Repo,
		subscriptionRepo: p.SubscriptionRepo,
		loyaltySvc:       p.LoyaltySvc,
		obsMetrics:       p.ObsMetrics,
	}
}

// Materialize turns the current due cycle of a subscription into an order.
// Retries of a cycle that was already processed return the earlier order.
func (s *Service) Materialize(ctx context.Context, req orderdomain.MaterializeRequest) (orderdomain.MaterializeResult, error) {
	subscriptionID, err := parseID(req.SubscriptionID, orderdomain.ErrInvalidSubscription)
	if err != nil {
		return orderdomain.MaterializeResult{}, err
	}

	asOf := req.AsOf
	if asOf.IsZero() {
		asOf = s.clock.Now()
	}
	// Postgres keeps microseconds; cycle keys must round-trip exactly.
	asOf = asOf.UTC().Truncate(time.Microsecond)

	var (
		result orderdomain.MaterializeResult
		dueAt  time.Time
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subscription, err := s.subscriptionRepo.FindByIDForUpdate(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if subscription == nil {
			return orderdomain.ErrSubscriptionNotFound
		}
		if subscription.Status != subscriptiondomain.SubscriptionStatusActive {
			return orderdomain.ErrSubscriptionNotActive
		}

		dueAt = subscription.NextDelivery.UTC()
		if dueAt.After(asOf) {
			latest, err := s.repo.FindLatestSubscriptionOrder(ctx, tx, subscriptionID)
			if err != nil {
				return err
			}
			if latest != nil && latest.NextDueAt.Equal(dueAt) &&
				asOf.Before(latest.DeliveryDate.UTC().Add(orderdomain.RetryWindow)) {
				result, err = s.loadResult(ctx, tx, latest)
				return err
			}
			return &orderdomain.NotDueError{NextDelivery: dueAt}
		}

		existing, err := s.repo.FindSubscriptionOrderByCycle(ctx, tx, subscriptionID, dueAt)
		if err != nil {
			return err
		}
		if existing != nil {
			result, err = s.loadResult(ctx, tx, existing)
			return err
		}

		result, err = s.createOrder(ctx, tx, subscription, asOf)
		return err
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) && !dueAt.IsZero() {
			if winner, lookupErr := s.loadCycle(ctx, subscriptionID, dueAt); lookupErr == nil && winner != nil {
				s.log.Info("materialization lost race, returning existing order",
					zap.String("subscription_id", subscriptionID.String()),
					zap.String("order_id", winner.Order.ID.String()),
				)
				s.obsMetrics.RecordMaterialization(ctx, outcomeDuplicate)
				return *winner, nil
			}
		}
		s.obsMetrics.RecordMaterialization(ctx, materializationOutcome(err))
		return orderdomain.MaterializeResult{}, err
	}

	if result.Duplicate {
		s.obsMetrics.RecordMaterialization(ctx, outcomeDuplicate)
		s.log.Debug("subscription cycle already materialized",
			zap.String("subscription_id", subscriptionID.String()),
			zap.String("order_number", result.Order.OrderNumber),
		)
		return result, nil
	}

	s.obsMetrics.RecordMaterialization(ctx, outcomeCreated)
	s.log.Info("subscription materialized",
		zap.String("subscription_id", subscriptionID.String()),
		zap.String("order_number", result.Order.OrderNumber),
		zap.Int64("spirals_earned", result.SpiralsEarned),
		zap.Time("next_delivery", result.NextDelivery),
	)
	return result, nil
}

func (s *Service) createOrder(
	ctx context.Context,
	tx *gorm.DB,
	subscription *subscriptiondomain.Subscription,
	asOf time.Time,
) (orderdomain.MaterializeResult, error) {
	items, err := s.subscriptionRepo.ListItems(ctx, tx, []snowflake.ID{subscription.ID})
	if err != nil {
		return orderdomain.MaterializeResult{}, err
	}
	if len(items) == 0 {
		return orderdomain.MaterializeResult{}, orderdomain.ErrNoItems
	}

	now := s.clock.Now().UTC().Truncate(time.Microsecond)
	dueAt := subscription.NextDelivery.UTC()
	nextDelivery := subscriptiondomain.NextDeliveryDate(subscription.Frequency, asOf)
	spirals := subscriptiondomain.SpiralsEarned(subscription.TotalPrice, subscription.SpiralBonusMultiplier)

	subscriptionID := subscription.ID
	order := orderdomain.Order{
		ID:             s.genID.Generate(),
		OrderNumber:    newOrderNumber(),
		UserID:         subscription.UserID,
		SubscriptionID: &subscriptionID,
		TotalAmount:    subscription.TotalPrice,
		Status:         orderdomain.OrderStatusConfirmed,
		SpiralsEarned:  spirals,
		Metadata: datatypes.JSONMap{
			"source":         "subscription",
			"subscriptionId": subscription.ID.String(),
			"frequency":      string(subscription.Frequency),
			"dueAt":          dueAt.Format(time.RFC3339Nano),
		},
		CreatedAt: now,
	}
	if err := s.repo.InsertOrder(ctx, tx, &order); err != nil {
		return orderdomain.MaterializeResult{}, err
	}

	orderItems := make([]orderdomain.OrderItem, 0, len(items))
	for _, item := range items {
		orderItems = append(orderItems, orderdomain.OrderItem{
			ID:                s.genID.Generate(),
			OrderID:           order.ID,
			ProductID:         item.ProductID,
			ProductName:       item.ProductName,
			StoreID:           item.StoreID,
			StoreName:         item.StoreName,
			Quantity:          item.Quantity,
			Price:             item.Price,
			FulfillmentMethod: string(item.FulfillmentMethod),
			FulfillmentStatus: orderdomain.FulfillmentStatusProcessing,
			EstimatedDelivery: estimatedDelivery(item.FulfillmentMethod),
			CreatedAt:         now,
		})
	}
	if err := s.repo.InsertItems(ctx, tx, orderItems); err != nil {
		return orderdomain.MaterializeResult{}, err
	}

	link := orderdomain.SubscriptionOrder{
		ID:             s.genID.Generate(),
		SubscriptionID: subscription.ID,
		OrderID:        order.ID,
		DueAt:          dueAt,
		DeliveryDate:   asOf,
		NextDueAt:      nextDelivery,
		Status:         orderdomain.SubscriptionOrderStatusProcessed,
		SpiralsEarned:  spirals,
		CreatedAt:      now,
	}
	if err := s.repo.InsertSubscriptionOrder(ctx, tx, &link); err != nil {
		return orderdomain.MaterializeResult{}, err
	}

	orderNumber := order.OrderNumber
	if _, err := s.loyaltySvc.Append(ctx, tx, loyaltydomain.AppendRequest{
		UserID:      subscription.UserID,
		Type:        loyaltydomain.TransactionTypeEarned,
		Amount:      spirals,
		Source:      orderdomain.MaterializationSource,
		Reference:   orderNumber,
		Description: "SPIRAL points for " + subscription.Title + " delivery",
		OrderID:     &orderNumber,
		Multiplier:  subscription.SpiralBonusMultiplier,
	}); err != nil {
		return orderdomain.MaterializeResult{}, err
	}

	if err := s.subscriptionRepo.UpdateNextDelivery(ctx, tx, subscription.ID, nextDelivery, now); err != nil {
		return orderdomain.MaterializeResult{}, err
	}

	return orderdomain.MaterializeResult{
		Order:         toOrderResponse(order),
		Items:         toItemResponses(orderItems),
		SpiralsEarned: spirals,
		NextDelivery:  nextDelivery,
	}, nil
}

func (s *Service) loadCycle(ctx context.Context, subscriptionID snowflake.ID, dueAt time.Time) (*orderdomain.MaterializeResult, error) {
	link, err := s.repo.FindSubscriptionOrderByCycle(ctx, s.db, subscriptionID, dueAt)
	if err != nil || link == nil {
		return nil, err
	}
	result, err := s.loadResult(ctx, s.db, link)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *Service) loadResult(ctx context.Context, conn *gorm.DB, link *orderdomain.SubscriptionOrder) (orderdomain.MaterializeResult, error) {
	order, err := s.repo.FindByID(ctx, conn, link.OrderID)
	if err != nil {
		return orderdomain.MaterializeResult{}, err
	}
	if order == nil {
		return orderdomain.MaterializeResult{}, errors.New("subscription order references missing order " + link.OrderID.String())
	}
	items, err := s.repo.ListItems(ctx, conn, order.ID)
	if err != nil {
		return orderdomain.MaterializeResult{}, err
	}

	return orderdomain.MaterializeResult{
		Order:         toOrderResponse(*order),
		Items:         toItemResponses(items),
		SpiralsEarned: order.SpiralsEarned,
		NextDelivery:  link.NextDueAt.UTC(),
		Duplicate:     true,
	}, nil
}

// newOrderNumber takes eight characters from the random part of a ULID.
func newOrderNumber() string {
	id := ulid.Make().String()
	return orderdomain.OrderNumberPrefix + id[len(id)-8:]
}

func estimatedDelivery(method subscriptiondomain.FulfillmentMethod) string {
	if method == subscriptiondomain.FulfillmentShipToMe {
		return "Ships in 2-3 days"
	}
	return "Ready for pickup today"
}

func materializationOutcome(err error) string {
	var notDue *orderdomain.NotDueError
	switch {
	case errors.As(err, &notDue), errors.Is(err, orderdomain.ErrNotDue):
		return outcomeNotDue
	case errors.Is(err, orderdomain.ErrSubscriptionNotActive):
		return outcomeInactive
	default:
		return outcomeFailed
	}
}

func toOrderResponse(order orderdomain.Order) orderdomain.OrderResponse {
	return orderdomain.OrderResponse{
		ID:             order.ID,
		OrderNumber:    order.OrderNumber,
		UserID:         order.UserID,
		SubscriptionID: order.SubscriptionID,
		TotalAmount:    order.TotalAmount,
		Status:         order.Status,
		SpiralsEarned:  order.SpiralsEarned,
		Metadata:       order.Metadata,
		CreatedAt:      order.CreatedAt,
	}
}

func toItemResponses(items []orderdomain.OrderItem) []orderdomain.OrderItemResponse {
	out := make([]orderdomain.OrderItemResponse, 0, len(items))
	for _, item := range items {
		out = append(out, orderdomain.OrderItemResponse{
			ID:                item.ID,
			OrderID:           item.OrderID,
			ProductID:         item.ProductID,
			ProductName:       item.ProductName,
			StoreID:           item.StoreID,
			StoreName:         item.StoreName,
			Quantity:          item.Quantity,
			Price:             item.Price,
			FulfillmentMethod: item.FulfillmentMethod,
			FulfillmentStatus: item.FulfillmentStatus,
			EstimatedDelivery: item.EstimatedDelivery,
		})
	}
	return out
}

func parseID(value string, invalidErr error) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id <= 0 {
		return 0, invalidErr
	}
	return id, nil
}
