package service

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/spiral/internal/clock"
	loyaltydomain "github.com/smallbiznis/spiral/internal/loyalty/domain"
	obsmetrics "github.com/smallbiznis/spiral/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/spiral/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxTitleLength = 100

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID *snowflake.Node
	clock clock.Clock
	repo  subscriptiondomain.Repository

	loyaltySvc loyaltydomain.Service
	obsMetrics *obsmetrics.Metrics
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  subscriptiondomain.Repository

	LoyaltySvc loyaltydomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("subscription.service"),

		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,

		loyaltySvc: p.LoyaltySvc,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Create(ctx context.Context, req subscriptiondomain.CreateSubscriptionRequest) (subscriptiondomain.CreateSubscriptionResponse, error) {
	if req.UserID <= 0 {
		return subscriptiondomain.CreateSubscriptionResponse{}, subscriptiondomain.ErrInvalidUser
	}

	title, err := normalizeTitle(req.Title)
	if err != nil {
		return subscriptiondomain.CreateSubscriptionResponse{}, err
	}

	frequency := subscriptiondomain.Frequency(strings.ToLower(strings.TrimSpace(string(req.Frequency))))
	if !frequency.Valid() {
		return subscriptiondomain.CreateSubscriptionResponse{}, subscriptiondomain.ErrInvalidFrequency
	}

	if len(req.Items) == 0 {
		return subscriptiondomain.CreateSubscriptionResponse{}, subscriptiondomain.ErrInvalidItems
	}

	now := s.now()
	subscriptionID := s.genID.Generate()

	items, err := s.buildSubscriptionItems(subscriptionID, req.Items, now)
	if err != nil {
		return subscriptiondomain.CreateSubscriptionResponse{}, err
	}

	benefits := subscriptiondomain.ComputeBenefits(frequency)
	raw := subscriptiondomain.RawTotal(items)
	welcomeBonus := subscriptiondomain.WelcomeBonus(raw)

	subscription := subscriptiondomain.Subscription{
		ID:                    subscriptionID,
		UserID:                req.UserID,
		Title:                 title,
		Description:           normalizeDescription(req.Description),
		Frequency:             frequency,
		NextDelivery:          subscriptiondomain.NextDeliveryDate(frequency, now),
		TotalPrice:            subscriptiondomain.DiscountedTotal(raw, benefits.DiscountPercentage),
		DiscountPercentage:    benefits.DiscountPercentage,
		SpiralBonusMultiplier: benefits.SpiralMultiplier,
		Status:                subscriptiondomain.SubscriptionStatusActive,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	if err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, &subscription); err != nil {
			return err
		}
		if err := s.repo.InsertItems(ctx, tx, items); err != nil {
			return err
		}
		_, err := s.loyaltySvc.Append(ctx, tx, loyaltydomain.AppendRequest{
			UserID:      subscription.UserID,
			Type:        loyaltydomain.TransactionTypeEarned,
			Amount:      welcomeBonus,
			Source:      subscriptiondomain.SignupSource,
			Reference:   subscription.ID.String(),
			Description: "Welcome bonus for " + subscription.Title + " subscription",
			Multiplier:  decimal.NewFromInt(1),
		})
		return err
	}); err != nil {
		return subscriptiondomain.CreateSubscriptionResponse{}, err
	}

	s.obsMetrics.RecordSubscriptionEvent(ctx, "created", string(frequency))
	s.log.Info("subscription created",
		zap.String("subscription_id", subscription.ID.String()),
		zap.Int64("user_id", subscription.UserID),
		zap.String("frequency", string(frequency)),
		zap.String("total_price", subscription.TotalPrice.StringFixed(2)),
		zap.Int64("welcome_bonus", welcomeBonus),
	)

	return subscriptiondomain.CreateSubscriptionResponse{
		SubscriptionResponse: toResponse(subscription, items, benefits.Savings()),
		WelcomeBonus:         welcomeBonus,
	}, nil
}

func (s *Service) Update(ctx context.Context, req subscriptiondomain.UpdateSubscriptionRequest) (subscriptiondomain.SubscriptionResponse, error) {
	id, err := parseID(req.ID, subscriptiondomain.ErrInvalidSubscription)
	if err != nil {
		return subscriptiondomain.SubscriptionResponse{}, err
	}

	if req.Title == nil && req.Description == nil && req.Frequency == nil && req.Status == nil {
		return subscriptiondomain.SubscriptionResponse{}, subscriptiondomain.ErrEmptyUpdate
	}

	var title string
	if req.Title != nil {
		if title, err = normalizeTitle(*req.Title); err != nil {
			return subscriptiondomain.SubscriptionResponse{}, err
		}
	}

	var frequency subscriptiondomain.Frequency
	if req.Frequency != nil {
		frequency = subscriptiondomain.Frequency(strings.ToLower(strings.TrimSpace(string(*req.Frequency))))
		if !frequency.Valid() {
			return subscriptiondomain.SubscriptionResponse{}, subscriptiondomain.ErrInvalidFrequency
		}
	}

	var status subscriptiondomain.SubscriptionStatus
	if req.Status != nil {
		status = subscriptiondomain.SubscriptionStatus(strings.ToLower(strings.TrimSpace(string(*req.Status))))
		if !isValidStatus(status) {
			return subscriptiondomain.SubscriptionResponse{}, subscriptiondomain.ErrInvalidStatus
		}
	}

	var (
		subscription     *subscriptiondomain.Subscription
		items            []subscriptiondomain.SubscriptionItem
		frequencyChanged bool
		previousStatus   subscriptiondomain.SubscriptionStatus
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subscription, err = s.repo.FindByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if subscription == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		previousStatus = subscription.Status
		// Cancelled rows are terminal: no field edits, no rescheduling.
		if subscription.Status == subscriptiondomain.SubscriptionStatusCancelled &&
			(req.Title != nil || req.Description != nil || req.Frequency != nil) {
			return subscriptiondomain.ErrInvalidTransition
		}

		items, err = s.repo.ListItems(ctx, tx, []snowflake.ID{subscription.ID})
		if err != nil {
			return err
		}

		if status != "" && status != subscription.Status {
			if !isTransitionAllowed(subscription.Status, status) {
				return subscriptiondomain.ErrInvalidTransition
			}
			subscription.Status = status
		}

		now := s.now()
		if req.Title != nil {
			subscription.Title = title
		}
		if req.Description != nil {
			subscription.Description = normalizeDescription(req.Description)
		}
		if frequency != "" && frequency != subscription.Frequency {
			frequencyChanged = true
			benefits := subscriptiondomain.ComputeBenefits(frequency)
			subscription.Frequency = frequency
			subscription.DiscountPercentage = benefits.DiscountPercentage
			subscription.SpiralBonusMultiplier = benefits.SpiralMultiplier
			subscription.TotalPrice = subscriptiondomain.DiscountedTotal(subscriptiondomain.RawTotal(items), benefits.DiscountPercentage)
			subscription.NextDelivery = subscriptiondomain.NextDeliveryDate(frequency, now)
		}
		subscription.UpdatedAt = now

		return s.repo.Update(ctx, tx, subscription)
	})
	if err != nil {
		return subscriptiondomain.SubscriptionResponse{}, err
	}

	if frequencyChanged {
		s.obsMetrics.RecordSubscriptionEvent(ctx, "frequency_changed", string(subscription.Frequency))
	}
	if subscription.Status != previousStatus {
		s.obsMetrics.RecordSubscriptionEvent(ctx, string(subscription.Status), string(subscription.Frequency))
	}
	s.log.Info("subscription updated",
		zap.String("subscription_id", subscription.ID.String()),
		zap.String("status", string(subscription.Status)),
		zap.String("frequency", string(subscription.Frequency)),
		zap.Bool("frequency_changed", frequencyChanged),
	)

	return toResponse(*subscription, items, currentBenefits(subscription).Savings()), nil
}

// Cancel is idempotent: cancelling a cancelled subscription returns it as is.
func (s *Service) Cancel(ctx context.Context, id string) (subscriptiondomain.SubscriptionResponse, error) {
	subscriptionID, err := parseID(id, subscriptiondomain.ErrInvalidSubscription)
	if err != nil {
		return subscriptiondomain.SubscriptionResponse{}, err
	}

	var (
		subscription *subscriptiondomain.Subscription
		items        []subscriptiondomain.SubscriptionItem
		changed      bool
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subscription, err = s.repo.FindByIDForUpdate(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if subscription == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}

		items, err = s.repo.ListItems(ctx, tx, []snowflake.ID{subscription.ID})
		if err != nil {
			return err
		}

		if subscription.Status == subscriptiondomain.SubscriptionStatusCancelled {
			return nil
		}

		changed = true
		subscription.Status = subscriptiondomain.SubscriptionStatusCancelled
		subscription.UpdatedAt = s.now()
		return s.repo.Update(ctx, tx, subscription)
	})
	if err != nil {
		return subscriptiondomain.SubscriptionResponse{}, err
	}

	if changed {
		s.obsMetrics.RecordSubscriptionEvent(ctx, "cancelled", string(subscription.Frequency))
		s.log.Info("subscription cancelled", zap.String("subscription_id", subscription.ID.String()))
	}

	return toResponse(*subscription, items, currentBenefits(subscription).Savings()), nil
}

func (s *Service) List(ctx context.Context, req subscriptiondomain.ListSubscriptionRequest) (subscriptiondomain.ListSubscriptionResponse, error) {
	if req.UserID <= 0 {
		return subscriptiondomain.ListSubscriptionResponse{}, subscriptiondomain.ErrInvalidUser
	}

	subscriptions, err := s.repo.ListByUserID(ctx, s.db, req.UserID)
	if err != nil {
		return subscriptiondomain.ListSubscriptionResponse{}, err
	}

	ids := make([]snowflake.ID, 0, len(subscriptions))
	for _, subscription := range subscriptions {
		ids = append(ids, subscription.ID)
	}

	itemsBySubscription := make(map[snowflake.ID][]subscriptiondomain.SubscriptionItem, len(subscriptions))
	if len(ids) > 0 {
		items, err := s.repo.ListItems(ctx, s.db, ids)
		if err != nil {
			return subscriptiondomain.ListSubscriptionResponse{}, err
		}
		for _, item := range items {
			itemsBySubscription[item.SubscriptionID] = append(itemsBySubscription[item.SubscriptionID], item)
		}
	}

	resp := subscriptiondomain.ListSubscriptionResponse{
		Subscriptions: make([]subscriptiondomain.SubscriptionResponse, 0, len(subscriptions)),
	}
	for i := range subscriptions {
		subscription := subscriptions[i]
		resp.Subscriptions = append(resp.Subscriptions, toResponse(
			subscription,
			itemsBySubscription[subscription.ID],
			currentBenefits(&subscription).SavingsShort(),
		))
	}

	return resp, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (subscriptiondomain.SubscriptionResponse, error) {
	subscriptionID, err := parseID(id, subscriptiondomain.ErrInvalidSubscription)
	if err != nil {
		return subscriptiondomain.SubscriptionResponse{}, err
	}

	subscription, err := s.repo.FindByID(ctx, s.db, subscriptionID)
	if err != nil {
		return subscriptiondomain.SubscriptionResponse{}, err
	}
	if subscription == nil {
		return subscriptiondomain.SubscriptionResponse{}, subscriptiondomain.ErrSubscriptionNotFound
	}

	items, err := s.repo.ListItems(ctx, s.db, []snowflake.ID{subscription.ID})
	if err != nil {
		return subscriptiondomain.SubscriptionResponse{}, err
	}

	return toResponse(*subscription, items, currentBenefits(subscription).Savings()), nil
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Microsecond)
}

func (s *Service) buildSubscriptionItems(
	subscriptionID snowflake.ID,
	reqItems []subscriptiondomain.CreateSubscriptionItemRequest,
	now time.Time,
) ([]subscriptiondomain.SubscriptionItem, error) {
	items := make([]subscriptiondomain.SubscriptionItem, 0, len(reqItems))
	for _, reqItem := range reqItems {
		productID := strings.TrimSpace(reqItem.ProductID)
		productName := strings.TrimSpace(reqItem.ProductName)
		if productID == "" || productName == "" {
			return nil, subscriptiondomain.ErrInvalidProduct
		}

		storeName := strings.TrimSpace(reqItem.StoreName)
		if storeName == "" || reqItem.StoreID < 0 {
			return nil, subscriptiondomain.ErrInvalidStore
		}

		if reqItem.Quantity < 1 {
			return nil, subscriptiondomain.ErrInvalidQuantity
		}
		if reqItem.Price.IsNegative() {
			return nil, subscriptiondomain.ErrInvalidPrice
		}

		method := subscriptiondomain.FulfillmentMethod(strings.ToLower(strings.TrimSpace(string(reqItem.FulfillmentMethod))))
		if !method.Valid() {
			return nil, subscriptiondomain.ErrInvalidFulfillmentMethod
		}

		items = append(items, subscriptiondomain.SubscriptionItem{
			ID:                s.genID.Generate(),
			SubscriptionID:    subscriptionID,
			ProductID:         productID,
			ProductName:       productName,
			StoreID:           reqItem.StoreID,
			StoreName:         storeName,
			Quantity:          reqItem.Quantity,
			Price:             reqItem.Price.Round(2),
			FulfillmentMethod: method,
			CreatedAt:         now,
		})
	}
	return items, nil
}

// currentBenefits reads the tier snapshot stored on the subscription.
func currentBenefits(subscription *subscriptiondomain.Subscription) subscriptiondomain.Benefits {
	return subscriptiondomain.Benefits{
		DiscountPercentage: subscription.DiscountPercentage,
		SpiralMultiplier:   subscription.SpiralBonusMultiplier,
	}
}

func toResponse(
	subscription subscriptiondomain.Subscription,
	items []subscriptiondomain.SubscriptionItem,
	savings string,
) subscriptiondomain.SubscriptionResponse {
	itemResponses := make([]subscriptiondomain.SubscriptionItemResponse, 0, len(items))
	for _, item := range items {
		itemResponses = append(itemResponses, subscriptiondomain.SubscriptionItemResponse{
			ID:                item.ID,
			SubscriptionID:    item.SubscriptionID,
			ProductID:         item.ProductID,
			ProductName:       item.ProductName,
			StoreID:           item.StoreID,
			StoreName:         item.StoreName,
			Quantity:          item.Quantity,
			Price:             item.Price,
			FulfillmentMethod: item.FulfillmentMethod,
		})
	}

	return subscriptiondomain.SubscriptionResponse{
		ID:                    subscription.ID,
		UserID:                subscription.UserID,
		Title:                 subscription.Title,
		Description:           subscription.Description,
		Frequency:             subscription.Frequency,
		NextDelivery:          subscription.NextDelivery,
		Status:                subscription.Status,
		TotalPrice:            subscription.TotalPrice,
		DiscountPercentage:    subscription.DiscountPercentage,
		SpiralBonusMultiplier: subscription.SpiralBonusMultiplier,
		CreatedAt:             subscription.CreatedAt,
		UpdatedAt:             subscription.UpdatedAt,
		Items:                 itemResponses,
		NextDeliveryFormatted: subscriptiondomain.FormatDelivery(subscription.NextDelivery),
		Savings:               savings,
	}
}

func normalizeTitle(value string) (string, error) {
	title := strings.TrimSpace(value)
	if title == "" || utf8.RuneCountInString(title) > maxTitleLength {
		return "", subscriptiondomain.ErrInvalidTitle
	}
	return title, nil
}

func normalizeDescription(value *string) *string {
	if value == nil {
		return nil
	}
	description := strings.TrimSpace(*value)
	if description == "" {
		return nil
	}
	return &description
}

func parseID(value string, invalidErr error) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id <= 0 {
		return 0, invalidErr
	}
	return id, nil
}

func isValidStatus(status subscriptiondomain.SubscriptionStatus) bool {
	switch status {
	case subscriptiondomain.SubscriptionStatusActive,
		subscriptiondomain.SubscriptionStatusPaused,
		subscriptiondomain.SubscriptionStatusCancelled:
		return true
	default:
		return false
	}
}

func isTransitionAllowed(current, target subscriptiondomain.SubscriptionStatus) bool {
	switch current {
	case subscriptiondomain.SubscriptionStatusActive:
		return target == subscriptiondomain.SubscriptionStatusPaused || target == subscriptiondomain.SubscriptionStatusCancelled
	case subscriptiondomain.SubscriptionStatusPaused:
		return target == subscriptiondomain.SubscriptionStatusActive || target == subscriptiondomain.SubscriptionStatusCancelled
	default:
		return false
	}
}
