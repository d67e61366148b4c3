package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/spiral/internal/clock"
	loyaltydomain "github.com/smallbiznis/spiral/internal/loyalty/domain"
	loyaltyservice "github.com/smallbiznis/spiral/internal/loyalty/service"
	subscriptiondomain "github.com/smallbiznis/spiral/internal/subscription/domain"
	"github.com/smallbiznis/spiral/internal/subscription/repository"
	"github.com/smallbiznis/spiral/internal/testutil"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testStart = time.Date(2025, time.January, 31, 10, 30, 0, 0, time.UTC)

func newTestService(t *testing.T) (subscriptiondomain.Service, loyaltydomain.Service, *clock.FakeClock, *gorm.DB) {
	t.Helper()

	conn := testutil.OpenDB(t)
	node := testutil.Node(t)
	fake := clock.NewFakeClock(testStart)

	loyaltySvc := loyaltyservice.NewService(loyaltyservice.Params{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
	})
	svc := NewService(ServiceParam{
		DB:         conn,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      fake,
		Repo:       repository.Provide(),
		LoyaltySvc: loyaltySvc,
	})
	return svc, loyaltySvc, fake, conn
}

func farmersMarketRequest() subscriptiondomain.CreateSubscriptionRequest {
	description := "  Fresh local produce  "
	return subscriptiondomain.CreateSubscriptionRequest{
		UserID:      7,
		Title:       "Farmers Market Box",
		Description: &description,
		Frequency:   subscriptiondomain.FrequencyWeekly,
		Items: []subscriptiondomain.CreateSubscriptionItemRequest{
			{
				ProductID:         "veg-1",
				ProductName:       "Seasonal Vegetables",
				StoreID:           1,
				StoreName:         "Green Valley Farm",
				Quantity:          2,
				Price:             decimal.RequireFromString("12.50"),
				FulfillmentMethod: subscriptiondomain.FulfillmentShipToMe,
			},
			{
				ProductID:         "eggs-1",
				ProductName:       "Free-range Eggs",
				StoreID:           2,
				StoreName:         "Sunrise Eggs",
				Quantity:          1,
				Price:             decimal.RequireFromString("8.97"),
				FulfillmentMethod: subscriptiondomain.FulfillmentInStorePickup,
			},
		},
	}
}

func TestCreateSubscription(t *testing.T) {
	svc, loyaltySvc, _, _ := newTestService(t)
	ctx := context.Background()

	resp, err := svc.Create(ctx, farmersMarketRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// 2×12.50 + 8.97 = 33.97, minus 5%.
	if got := resp.TotalPrice.StringFixed(2); got != "32.27" {
		t.Fatalf("expected total 32.27, got %s", got)
	}
	if resp.DiscountPercentage != 5 {
		t.Fatalf("expected 5%% discount, got %d", resp.DiscountPercentage)
	}
	if resp.SpiralBonusMultiplier.String() != "1.5" {
		t.Fatalf("expected 1.5 multiplier, got %s", resp.SpiralBonusMultiplier)
	}
	if resp.WelcomeBonus != 3 {
		t.Fatalf("expected welcome bonus 3, got %d", resp.WelcomeBonus)
	}
	if resp.Savings != "5% discount + 1.5x SPIRAL points" {
		t.Fatalf("unexpected savings %q", resp.Savings)
	}
	if resp.Status != subscriptiondomain.SubscriptionStatusActive {
		t.Fatalf("expected active, got %s", resp.Status)
	}
	wantNext := testStart.AddDate(0, 0, 7)
	if !resp.NextDelivery.Equal(wantNext) {
		t.Fatalf("expected next delivery %s, got %s", wantNext, resp.NextDelivery)
	}
	if resp.NextDeliveryFormatted != "Friday, February 7, 2025" {
		t.Fatalf("unexpected formatted delivery %q", resp.NextDeliveryFormatted)
	}
	if resp.Description == nil || *resp.Description != "Fresh local produce" {
		t.Fatalf("expected trimmed description, got %v", resp.Description)
	}
	if len(resp.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(resp.Items))
	}

	got, err := svc.GetByID(ctx, resp.ID.String())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Farmers Market Box" || len(got.Items) != 2 {
		t.Fatalf("unexpected stored subscription %+v", got)
	}
	if got.TotalPrice.StringFixed(2) != "32.27" {
		t.Fatalf("expected stored total 32.27, got %s", got.TotalPrice)
	}

	txs, err := loyaltySvc.ListTransactions(ctx, loyaltydomain.ListTransactionsRequest{UserID: 7})
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", len(txs))
	}
	welcome := txs[0]
	if welcome.Source != subscriptiondomain.SignupSource || welcome.Amount != 3 || welcome.Type != loyaltydomain.TransactionTypeEarned {
		t.Fatalf("unexpected welcome entry %+v", welcome)
	}
	if welcome.Description != "Welcome bonus for Farmers Market Box subscription" {
		t.Fatalf("unexpected description %q", welcome.Description)
	}
	if welcome.OrderID != nil {
		t.Fatalf("welcome bonus should not reference an order")
	}
}

func TestCreateSubscriptionValidation(t *testing.T) {
	svc, _, _, conn := newTestService(t)

	tests := []struct {
		name   string
		mutate func(*subscriptiondomain.CreateSubscriptionRequest)
		want   error
	}{
		{name: "missing user", mutate: func(r *subscriptiondomain.CreateSubscriptionRequest) { r.UserID = 0 }, want: subscriptiondomain.ErrInvalidUser},
		{name: "blank title", mutate: func(r *subscriptiondomain.CreateSubscriptionRequest) { r.Title = "   " }, want: subscriptiondomain.ErrInvalidTitle},
		{name: "long title", mutate: func(r *subscriptiondomain.CreateSubscriptionRequest) {
			title := make([]byte, 101)
			for i := range title {
				title[i] = 'a'
			}
			r.Title = string(title)
		}, want: subscriptiondomain.ErrInvalidTitle},
		{name: "unknown frequency", mutate: func(r *subscriptiondomain.CreateSubscriptionRequest) { r.Frequency = "daily" }, want: subscriptiondomain.ErrInvalidFrequency},
		{name: "no items", mutate: func(r *subscriptiondomain.CreateSubscriptionRequest) { r.Items = nil }, want: subscriptiondomain.ErrInvalidItems},
		{name: "zero quantity", mutate: func(r *subscriptiondomain.CreateSubscriptionRequest) { r.Items[0].Quantity = 0 }, want: subscriptiondomain.ErrInvalidQuantity},
		{name: "negative price", mutate: func(r *subscriptiondomain.CreateSubscriptionRequest) {
			r.Items[1].Price = decimal.RequireFromString("-1")
		}, want: subscriptiondomain.ErrInvalidPrice},
		{name: "missing product", mutate: func(r *subscriptiondomain.CreateSubscriptionRequest) { r.Items[0].ProductName = "" }, want: subscriptiondomain.ErrInvalidProduct},
		{name: "missing store", mutate: func(r *subscriptiondomain.CreateSubscriptionRequest) { r.Items[0].StoreName = "" }, want: subscriptiondomain.ErrInvalidStore},
		{name: "bad fulfillment", mutate: func(r *subscriptiondomain.CreateSubscriptionRequest) { r.Items[0].FulfillmentMethod = "drone" }, want: subscriptiondomain.ErrInvalidFulfillmentMethod},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := farmersMarketRequest()
			tt.mutate(&req)
			_, err := svc.Create(context.Background(), req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	var n int64
	if err := conn.Raw("SELECT COUNT(*) FROM subscriptions").Scan(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("rejected requests must not persist, found %d rows", n)
	}
}

func TestUpdateFrequencyRecomputesBenefits(t *testing.T) {
	svc, _, fake, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, farmersMarketRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	fake.Advance(48 * time.Hour)
	quarterly := subscriptiondomain.FrequencyQuarterly
	updated, err := svc.Update(ctx, subscriptiondomain.UpdateSubscriptionRequest{
		ID:        created.ID.String(),
		Frequency: &quarterly,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if updated.DiscountPercentage != 15 {
		t.Fatalf("expected 15%% discount, got %d", updated.DiscountPercentage)
	}
	if updated.SpiralBonusMultiplier.String() != "2" {
		t.Fatalf("expected multiplier 2, got %s", updated.SpiralBonusMultiplier)
	}
	// 33.97 × 0.85 = 28.8745
	if got := updated.TotalPrice.StringFixed(2); got != "28.87" {
		t.Fatalf("expected total 28.87, got %s", got)
	}
	// Feb 2 + 3 months.
	wantNext := time.Date(2025, time.May, 2, 10, 30, 0, 0, time.UTC)
	if !updated.NextDelivery.Equal(wantNext) {
		t.Fatalf("expected next delivery %s, got %s", wantNext, updated.NextDelivery)
	}

	stored, err := svc.GetByID(ctx, created.ID.String())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Frequency != subscriptiondomain.FrequencyQuarterly || stored.TotalPrice.StringFixed(2) != "28.87" {
		t.Fatalf("update not persisted: %+v", stored)
	}
}

func TestUpdateSameFrequencyKeepsSchedule(t *testing.T) {
	svc, _, fake, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, farmersMarketRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	fake.Advance(24 * time.Hour)
	weekly := subscriptiondomain.FrequencyWeekly
	title := "Veggie Box"
	updated, err := svc.Update(ctx, subscriptiondomain.UpdateSubscriptionRequest{
		ID:        created.ID.String(),
		Title:     &title,
		Frequency: &weekly,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !updated.NextDelivery.Equal(created.NextDelivery) {
		t.Fatalf("next delivery moved from %s to %s", created.NextDelivery, updated.NextDelivery)
	}
	if updated.Title != "Veggie Box" {
		t.Fatalf("expected new title, got %q", updated.Title)
	}
}

func TestUpdateStatusTransitions(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, farmersMarketRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id := created.ID.String()

	setStatus := func(status subscriptiondomain.SubscriptionStatus) (subscriptiondomain.SubscriptionResponse, error) {
		return svc.Update(ctx, subscriptiondomain.UpdateSubscriptionRequest{ID: id, Status: &status})
	}

	if resp, err := setStatus(subscriptiondomain.SubscriptionStatusPaused); err != nil || resp.Status != subscriptiondomain.SubscriptionStatusPaused {
		t.Fatalf("pause: %v %v", resp.Status, err)
	}
	if resp, err := setStatus(subscriptiondomain.SubscriptionStatusActive); err != nil || resp.Status != subscriptiondomain.SubscriptionStatusActive {
		t.Fatalf("resume: %v %v", resp.Status, err)
	}
	if _, err := setStatus(subscriptiondomain.SubscriptionStatusActive); err != nil {
		t.Fatalf("same status should be a no-op: %v", err)
	}
	if _, err := setStatus(subscriptiondomain.SubscriptionStatusCancelled); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := setStatus(subscriptiondomain.SubscriptionStatusActive); !errors.Is(err, subscriptiondomain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if _, err := setStatus("archived"); !errors.Is(err, subscriptiondomain.ErrInvalidStatus) {
		t.Fatalf("expected invalid status, got %v", err)
	}
}

func TestUpdateErrors(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	title := "New"
	if _, err := svc.Update(ctx, subscriptiondomain.UpdateSubscriptionRequest{ID: "123", Title: &title}); !errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := svc.Update(ctx, subscriptiondomain.UpdateSubscriptionRequest{ID: "abc", Title: &title}); !errors.Is(err, subscriptiondomain.ErrInvalidSubscription) {
		t.Fatalf("expected invalid id, got %v", err)
	}
	if _, err := svc.Update(ctx, subscriptiondomain.UpdateSubscriptionRequest{ID: "123"}); !errors.Is(err, subscriptiondomain.ErrEmptyUpdate) {
		t.Fatalf("expected empty update, got %v", err)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	svc, _, fake, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, farmersMarketRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	fake.Advance(time.Hour)
	first, err := svc.Cancel(ctx, created.ID.String())
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if first.Status != subscriptiondomain.SubscriptionStatusCancelled {
		t.Fatalf("expected cancelled, got %s", first.Status)
	}

	fake.Advance(time.Hour)
	second, err := svc.Cancel(ctx, created.ID.String())
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if second.Status != subscriptiondomain.SubscriptionStatusCancelled {
		t.Fatalf("expected cancelled, got %s", second.Status)
	}
	if !second.UpdatedAt.Equal(first.UpdatedAt) {
		t.Fatalf("second cancel should not touch the row")
	}

	if _, err := svc.Cancel(ctx, "999"); !errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListOrdersByNextDelivery(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	monthly := farmersMarketRequest()
	monthly.Title = "Monthly"
	monthly.Frequency = subscriptiondomain.FrequencyMonthly
	weekly := farmersMarketRequest()
	weekly.Title = "Weekly"
	other := farmersMarketRequest()
	other.UserID = 8

	for _, req := range []subscriptiondomain.CreateSubscriptionRequest{monthly, weekly, other} {
		if _, err := svc.Create(ctx, req); err != nil {
			t.Fatalf("create %s: %v", req.Title, err)
		}
	}

	resp, err := svc.List(ctx, subscriptiondomain.ListSubscriptionRequest{UserID: 7})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(resp.Subscriptions) != 2 {
		t.Fatalf("expected 2 subscriptions, got %d", len(resp.Subscriptions))
	}
	if resp.Subscriptions[0].Title != "Weekly" || resp.Subscriptions[1].Title != "Monthly" {
		t.Fatalf("unexpected order %s, %s", resp.Subscriptions[0].Title, resp.Subscriptions[1].Title)
	}
	if resp.Subscriptions[1].Savings != "10% off + 1.7x SPIRAL points" {
		t.Fatalf("unexpected savings %q", resp.Subscriptions[1].Savings)
	}
	for _, sub := range resp.Subscriptions {
		if len(sub.Items) != 2 {
			t.Fatalf("expected items on %s", sub.Title)
		}
	}

	empty, err := svc.List(ctx, subscriptiondomain.ListSubscriptionRequest{UserID: 99})
	if err != nil {
		t.Fatalf("list empty: %v", err)
	}
	if empty.Subscriptions == nil || len(empty.Subscriptions) != 0 {
		t.Fatalf("expected empty non-nil list")
	}

	if _, err := svc.List(ctx, subscriptiondomain.ListSubscriptionRequest{}); !errors.Is(err, subscriptiondomain.ErrInvalidUser) {
		t.Fatalf("expected invalid user, got %v", err)
	}
}

func TestIsTransitionAllowed(t *testing.T) {
	tests := []struct {
		from, to subscriptiondomain.SubscriptionStatus
		want     bool
	}{
		{subscriptiondomain.SubscriptionStatusActive, subscriptiondomain.SubscriptionStatusPaused, true},
		{subscriptiondomain.SubscriptionStatusActive, subscriptiondomain.SubscriptionStatusCancelled, true},
		{subscriptiondomain.SubscriptionStatusPaused, subscriptiondomain.SubscriptionStatusActive, true},
		{subscriptiondomain.SubscriptionStatusPaused, subscriptiondomain.SubscriptionStatusCancelled, true},
		{subscriptiondomain.SubscriptionStatusCancelled, subscriptiondomain.SubscriptionStatusActive, false},
		{subscriptiondomain.SubscriptionStatusCancelled, subscriptiondomain.SubscriptionStatusPaused, false},
	}
	for _, tt := range tests {
		if got := isTransitionAllowed(tt.from, tt.to); got != tt.want {
			t.Fatalf("%s -> %s: expected %v, got %v", tt.from, tt.to, tt.want, got)
		}
	}
}

func TestUpdateRejectsEditsOnCancelled(t *testing.T) {
	svc, _, fake, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, farmersMarketRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	cancelled, err := svc.Cancel(ctx, created.ID.String())
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}

	fake.Advance(24 * time.Hour)
	title := "Renamed Box"
	description := "new"
	monthly := subscriptiondomain.FrequencyMonthly
	tests := []struct {
		name string
		req  subscriptiondomain.UpdateSubscriptionRequest
	}{
		{name: "title", req: subscriptiondomain.UpdateSubscriptionRequest{Title: &title}},
		{name: "description", req: subscriptiondomain.UpdateSubscriptionRequest{Description: &description}},
		{name: "frequency", req: subscriptiondomain.UpdateSubscriptionRequest{Frequency: &monthly}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.ID = created.ID.String()
			if _, err := svc.Update(ctx, tt.req); !errors.Is(err, subscriptiondomain.ErrInvalidTransition) {
				t.Fatalf("expected invalid transition, got %v", err)
			}
		})
	}

	got, err := svc.GetByID(ctx, created.ID.String())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != created.Title || got.Frequency != subscriptiondomain.FrequencyWeekly {
		t.Fatalf("cancelled subscription was edited: %s %s", got.Title, got.Frequency)
	}
	if !got.NextDelivery.Equal(cancelled.NextDelivery) || !got.TotalPrice.Equal(cancelled.TotalPrice) {
		t.Fatalf("cancelled subscription was rescheduled or repriced")
	}

	cancelledStatus := subscriptiondomain.SubscriptionStatusCancelled
	if _, err := svc.Update(ctx, subscriptiondomain.UpdateSubscriptionRequest{ID: created.ID.String(), Status: &cancelledStatus}); err != nil {
		t.Fatalf("re-stating cancelled should be a no-op: %v", err)
	}
}

type failingLedger struct {
	loyaltydomain.Service
	err error
}

func (l failingLedger) Append(context.Context, *gorm.DB, loyaltydomain.AppendRequest) (loyaltydomain.AppendResult, error) {
	return loyaltydomain.AppendResult{}, l.err
}

func TestCreateRollsBackWhenWelcomeBonusFails(t *testing.T) {
	_, loyaltySvc, fake, conn := newTestService(t)
	ledgerErr := errors.New("ledger down")

	svc := NewService(ServiceParam{
		DB:         conn,
		Log:        zap.NewNop(),
		GenID:      testutil.Node(t),
		Clock:      fake,
		Repo:       repository.Provide(),
		LoyaltySvc: failingLedger{Service: loyaltySvc, err: ledgerErr},
	})

	if _, err := svc.Create(context.Background(), farmersMarketRequest()); !errors.Is(err, ledgerErr) {
		t.Fatalf("expected ledger error, got %v", err)
	}

	for _, table := range []string{"subscriptions", "subscription_items", "spiral_transactions"} {
		var n int64
		if err := conn.Table(table).Count(&n).Error; err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		if n != 0 {
			t.Fatalf("expected no rows in %s after rollback, got %d", table, n)
		}
	}
}
