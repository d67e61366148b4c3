package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/spiral/internal/clock"
	loyaltydomain "github.com/smallbiznis/spiral/internal/loyalty/domain"
	loyaltyservice "github.com/smallbiznis/spiral/internal/loyalty/service"
	orderdomain "github.com/smallbiznis/spiral/internal/order/domain"
	orderrepository "github.com/smallbiznis/spiral/internal/order/repository"
	subscriptiondomain "github.com/smallbiznis/spiral/internal/subscription/domain"
	subscriptionrepository "github.com/smallbiznis/spiral/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/spiral/internal/subscription/service"
	"github.com/smallbiznis/spiral/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db            *gorm.DB
	clock         *clock.FakeClock
	subscriptions subscriptiondomain.Service
	loyalty       loyaltydomain.Service
	orders        orderdomain.Service

	node             *snowflake.Node
	repo             orderdomain.Repository
	subscriptionRepo subscriptiondomain.Repository
}

// ordersWith builds a materializer over the fixture database with the given
// collaborators swapped in.
func (f fixture) ordersWith(repo orderdomain.Repository, ledger loyaltydomain.Service) orderdomain.Service {
	return NewService(ServiceParam{
		DB:               f.db,
		Log:              zap.NewNop(),
		GenID:            f.node,
		Clock:            f.clock,
		Repo:             repo,
		SubscriptionRepo: f.subscriptionRepo,
		LoyaltySvc:       ledger,
	})
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	return newFixtureOn(t, testutil.OpenDB(t))
}

func newFixtureOn(t *testing.T, conn *gorm.DB) fixture {
	t.Helper()

	node := testutil.Node(t)
	fake := clock.NewFakeClock(time.Date(2025, time.January, 15, 9, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	loyaltySvc := loyaltyservice.NewService(loyaltyservice.Params{
		DB:    conn,
		Log:   log,
		GenID: node,
		Clock: fake,
	})
	subscriptionRepo := subscriptionrepository.Provide()

	orderRepo := orderrepository.Provide()

	return fixture{
		db:    conn,
		clock: fake,
		subscriptions: subscriptionservice.NewService(subscriptionservice.ServiceParam{
			DB:         conn,
			Log:        log,
			GenID:      node,
			Clock:      fake,
			Repo:       subscriptionRepo,
			LoyaltySvc: loyaltySvc,
		}),
		loyalty: loyaltySvc,
		orders: NewService(ServiceParam{
			DB:               conn,
			Log:              log,
			GenID:            node,
			Clock:            fake,
			Repo:             orderRepo,
			SubscriptionRepo: subscriptionRepo,
			LoyaltySvc:       loyaltySvc,
		}),

		node:             node,
		repo:             orderRepo,
		subscriptionRepo: subscriptionRepo,
	}
}

// createMonthly creates a monthly subscription whose discounted total is 39.99.
func (f fixture) createMonthly(t *testing.T) subscriptiondomain.CreateSubscriptionResponse {
	t.Helper()

	resp, err := f.subscriptions.Create(context.Background(), subscriptiondomain.CreateSubscriptionRequest{
		UserID:    42,
		Title:     "Coffee Club",
		Frequency: subscriptiondomain.FrequencyMonthly,
		Items: []subscriptiondomain.CreateSubscriptionItemRequest{
			{
				ProductID:         "beans-1",
				ProductName:       "House Blend",
				StoreID:           7,
				StoreName:         "Riverside Roasters",
				Quantity:          1,
				Price:             decimal.RequireFromString("30.00"),
				FulfillmentMethod: subscriptiondomain.FulfillmentShipToMe,
			},
			{
				ProductID:         "pastry-2",
				ProductName:       "Croissant Box",
				StoreID:           9,
				StoreName:         "Main Street Bakery",
				Quantity:          1,
				Price:             decimal.RequireFromString("14.43"),
				FulfillmentMethod: subscriptiondomain.FulfillmentInStorePickup,
			},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "39.99", resp.TotalPrice.StringFixed(2))
	return resp
}

func (f fixture) count(t *testing.T, query string, args ...any) int64 {
	t.Helper()

	var n int64
	require.NoError(t, f.db.Raw(query, args...).Scan(&n).Error)
	return n
}

func TestMaterializeCreatesOrder(t *testing.T) {
	f := newFixture(t)
	sub := f.createMonthly(t)

	dueAt := time.Date(2025, time.February, 15, 9, 0, 0, 0, time.UTC)
	require.True(t, sub.NextDelivery.Equal(dueAt))

	f.clock.Set(dueAt)
	result, err := f.orders.Materialize(context.Background(), orderdomain.MaterializeRequest{
		SubscriptionID: sub.ID.String(),
	})
	require.NoError(t, err)

	assert.False(t, result.Duplicate)
	assert.Equal(t, int64(67), result.SpiralsEarned)
	assert.Equal(t, int64(67), result.Order.SpiralsEarned)
	assert.Equal(t, "39.99", result.Order.TotalAmount.StringFixed(2))
	assert.Equal(t, orderdomain.OrderStatusConfirmed, result.Order.Status)
	assert.Regexp(t, `^SUB-[0-9A-Z]{8}$`, result.Order.OrderNumber)
	require.NotNil(t, result.Order.SubscriptionID)
	assert.Equal(t, sub.ID, *result.Order.SubscriptionID)
	assert.True(t, result.NextDelivery.Equal(time.Date(2025, time.March, 15, 9, 0, 0, 0, time.UTC)))

	require.Len(t, result.Items, 2)
	byProduct := map[string]orderdomain.OrderItemResponse{}
	for _, item := range result.Items {
		assert.Equal(t, orderdomain.FulfillmentStatusProcessing, item.FulfillmentStatus)
		byProduct[item.ProductID] = item
	}
	assert.Equal(t, "Ships in 2-3 days", byProduct["beans-1"].EstimatedDelivery)
	assert.Equal(t, "Ready for pickup today", byProduct["pastry-2"].EstimatedDelivery)
	assert.Equal(t, "Main Street Bakery", byProduct["pastry-2"].StoreName)

	got, err := f.subscriptions.GetByID(context.Background(), sub.ID.String())
	require.NoError(t, err)
	assert.True(t, got.NextDelivery.Equal(result.NextDelivery))

	balance, err := f.loyalty.Balance(context.Background(), 42)
	require.NoError(t, err)
	// floor(44.43 * 0.10) welcome bonus plus the delivery points.
	assert.Equal(t, int64(4+67), balance.Available)

	txs, err := f.loyalty.ListTransactions(context.Background(), loyaltydomain.ListTransactionsRequest{UserID: 42})
	require.NoError(t, err)
	require.Len(t, txs, 2)
	var delivery loyaltydomain.TransactionResponse
	for _, tx := range txs {
		if tx.Source == orderdomain.MaterializationSource {
			delivery = tx
		}
	}
	assert.Equal(t, "SPIRAL points for Coffee Club delivery", delivery.Description)
	require.NotNil(t, delivery.OrderID)
	assert.Equal(t, result.Order.OrderNumber, *delivery.OrderID)
	assert.Equal(t, "1.7", delivery.Multiplier.String())
}

func TestMaterializeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	sub := f.createMonthly(t)

	f.clock.Set(sub.NextDelivery)
	first, err := f.orders.Materialize(context.Background(), orderdomain.MaterializeRequest{SubscriptionID: sub.ID.String()})
	require.NoError(t, err)

	// A retry a little later still lands on the cycle that was just processed.
	f.clock.Advance(time.Hour)
	second, err := f.orders.Materialize(context.Background(), orderdomain.MaterializeRequest{SubscriptionID: sub.ID.String()})
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.Equal(t, first.Order.OrderNumber, second.Order.OrderNumber)
	assert.True(t, first.NextDelivery.Equal(second.NextDelivery))
	assert.Len(t, second.Items, 2)

	assert.Equal(t, int64(1), f.count(t, "SELECT COUNT(*) FROM orders"))
	assert.Equal(t, int64(1), f.count(t, "SELECT COUNT(*) FROM subscription_orders"))
	assert.Equal(t, int64(2), f.count(t, "SELECT COUNT(*) FROM order_items"))
	assert.Equal(t, int64(1), f.count(t, "SELECT COUNT(*) FROM spiral_transactions WHERE source = ?", orderdomain.MaterializationSource))
}

func TestMaterializeSuccessiveCycles(t *testing.T) {
	f := newFixture(t)
	sub := f.createMonthly(t)

	f.clock.Set(sub.NextDelivery)
	first, err := f.orders.Materialize(context.Background(), orderdomain.MaterializeRequest{SubscriptionID: sub.ID.String()})
	require.NoError(t, err)

	second, err := f.orders.Materialize(context.Background(), orderdomain.MaterializeRequest{
		SubscriptionID: sub.ID.String(),
		AsOf:           first.NextDelivery,
	})
	require.NoError(t, err)

	assert.False(t, second.Duplicate)
	assert.NotEqual(t, first.Order.ID, second.Order.ID)
	assert.True(t, second.NextDelivery.Equal(time.Date(2025, time.April, 15, 9, 0, 0, 0, time.UTC)))
	assert.Equal(t, int64(2), f.count(t, "SELECT COUNT(*) FROM orders"))

	balance, err := f.loyalty.Balance(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(4+67+67), balance.Earned)
}

func TestMaterializeNotDue(t *testing.T) {
	f := newFixture(t)
	sub := f.createMonthly(t)

	asOf := sub.NextDelivery.Add(-time.Minute)
	_, err := f.orders.Materialize(context.Background(), orderdomain.MaterializeRequest{
		SubscriptionID: sub.ID.String(),
		AsOf:           asOf,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, orderdomain.ErrNotDue))

	var notDue *orderdomain.NotDueError
	require.True(t, errors.As(err, &notDue))
	assert.True(t, notDue.NextDelivery.Equal(sub.NextDelivery))
	assert.Equal(t, int64(0), f.count(t, "SELECT COUNT(*) FROM orders"))
}

func TestMaterializeRejectsInactive(t *testing.T) {
	tests := []struct {
		name   string
		status subscriptiondomain.SubscriptionStatus
	}{
		{name: "paused", status: subscriptiondomain.SubscriptionStatusPaused},
		{name: "cancelled", status: subscriptiondomain.SubscriptionStatusCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			sub := f.createMonthly(t)

			status := tt.status
			_, err := f.subscriptions.Update(context.Background(), subscriptiondomain.UpdateSubscriptionRequest{
				ID:     sub.ID.String(),
				Status: &status,
			})
			require.NoError(t, err)

			_, err = f.orders.Materialize(context.Background(), orderdomain.MaterializeRequest{
				SubscriptionID: sub.ID.String(),
				AsOf:           sub.NextDelivery.AddDate(0, 2, 0),
			})
			assert.ErrorIs(t, err, orderdomain.ErrSubscriptionNotActive)
			assert.Equal(t, int64(0), f.count(t, "SELECT COUNT(*) FROM orders"))
		})
	}
}

func TestMaterializeUnknownSubscription(t *testing.T) {
	f := newFixture(t)

	_, err := f.orders.Materialize(context.Background(), orderdomain.MaterializeRequest{SubscriptionID: "12345"})
	assert.ErrorIs(t, err, orderdomain.ErrSubscriptionNotFound)

	_, err = f.orders.Materialize(context.Background(), orderdomain.MaterializeRequest{SubscriptionID: "not-an-id"})
	assert.ErrorIs(t, err, orderdomain.ErrInvalidSubscription)
}

func TestMaterializeConcurrentCallsProduceOneOrder(t *testing.T) {
	f := newFixture(t)
	sub := f.createMonthly(t)
	f.clock.Set(sub.NextDelivery)

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		numbers = map[string]int{}
		errs    []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := f.orders.Materialize(context.Background(), orderdomain.MaterializeRequest{
				SubscriptionID: sub.ID.String(),
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			numbers[result.Order.OrderNumber]++
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.Len(t, numbers, 1)
	assert.Equal(t, int64(1), f.count(t, "SELECT COUNT(*) FROM orders"))
	assert.Equal(t, int64(1), f.count(t, "SELECT COUNT(*) FROM spiral_transactions WHERE source = ?", orderdomain.MaterializationSource))
}

func TestNewOrderNumber(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		number := newOrderNumber()
		if len(number) != len(orderdomain.OrderNumberPrefix)+8 {
			t.Fatalf("unexpected order number %q", number)
		}
		if seen[number] {
			t.Fatalf("duplicate order number %q", number)
		}
		seen[number] = true
	}
}

func TestMaterializationOutcome(t *testing.T) {
	if got := materializationOutcome(&orderdomain.NotDueError{}); got != outcomeNotDue {
		t.Fatalf("expected not_due, got %s", got)
	}
	if got := materializationOutcome(orderdomain.ErrSubscriptionNotActive); got != outcomeInactive {
		t.Fatalf("expected not_active, got %s", got)
	}
	if got := materializationOutcome(errors.New("boom")); got != outcomeFailed {
		t.Fatalf("expected failed, got %s", got)
	}
}

func TestMaterializeReplaysOnlyWithinRetryWindow(t *testing.T) {
	f := newFixture(t)
	sub := f.createMonthly(t)

	f.clock.Set(sub.NextDelivery)
	first, err := f.orders.Materialize(context.Background(), orderdomain.MaterializeRequest{SubscriptionID: sub.ID.String()})
	require.NoError(t, err)

	f.clock.Advance(orderdomain.RetryWindow - time.Minute)
	replay, err := f.orders.Materialize(context.Background(), orderdomain.MaterializeRequest{SubscriptionID: sub.ID.String()})
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)
	assert.Equal(t, first.Order.ID, replay.Order.ID)

	f.clock.Advance(time.Minute)
	_, err = f.orders.Materialize(context.Background(), orderdomain.MaterializeRequest{SubscriptionID: sub.ID.String()})
	var notDue *orderdomain.NotDueError
	require.True(t, errors.As(err, &notDue), "got %v", err)
	assert.True(t, notDue.NextDelivery.Equal(first.NextDelivery))
	assert.Equal(t, int64(1), f.count(t, "SELECT COUNT(*) FROM orders"))
}

type failingLedger struct {
	loyaltydomain.Service
	err error
}

func (l failingLedger) Append(context.Context, *gorm.DB, loyaltydomain.AppendRequest) (loyaltydomain.AppendResult, error) {
	return loyaltydomain.AppendResult{}, l.err
}

func TestMaterializeRollsBackWhenLedgerFails(t *testing.T) {
	f := newFixture(t)
	sub := f.createMonthly(t)
	f.clock.Set(sub.NextDelivery)

	ledgerErr := errors.New("ledger down")
	orders := f.ordersWith(f.repo, failingLedger{Service: f.loyalty, err: ledgerErr})

	_, err := orders.Materialize(context.Background(), orderdomain.MaterializeRequest{SubscriptionID: sub.ID.String()})
	require.ErrorIs(t, err, ledgerErr)

	assert.Equal(t, int64(0), f.count(t, "SELECT COUNT(*) FROM orders"))
	assert.Equal(t, int64(0), f.count(t, "SELECT COUNT(*) FROM order_items"))
	assert.Equal(t, int64(0), f.count(t, "SELECT COUNT(*) FROM subscription_orders"))
	assert.Equal(t, int64(0), f.count(t, "SELECT COUNT(*) FROM spiral_transactions WHERE source = ?", orderdomain.MaterializationSource))

	got, err := f.subscriptions.GetByID(context.Background(), sub.ID.String())
	require.NoError(t, err)
	assert.True(t, got.NextDelivery.Equal(sub.NextDelivery), "next delivery moved to %s", got.NextDelivery)

	// The same cycle goes through once the ledger is back.
	result, err := f.orders.Materialize(context.Background(), orderdomain.MaterializeRequest{SubscriptionID: sub.ID.String()})
	require.NoError(t, err)
	assert.False(t, result.Duplicate)
}

// staleCycleRepo misses the first cycle lookup, like a transaction that read
// before a concurrent winner committed.
type staleCycleRepo struct {
	orderdomain.Repository
	stale atomic.Bool
}

func (r *staleCycleRepo) FindSubscriptionOrderByCycle(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, dueAt time.Time) (*orderdomain.SubscriptionOrder, error) {
	if r.stale.CompareAndSwap(true, false) {
		return nil, nil
	}
	return r.Repository.FindSubscriptionOrderByCycle(ctx, db, subscriptionID, dueAt)
}

func TestMaterializeLosingInsertReturnsWinner(t *testing.T) {
	f := newFixture(t)
	sub := f.createMonthly(t)
	f.clock.Set(sub.NextDelivery)

	winner, err := f.orders.Materialize(context.Background(), orderdomain.MaterializeRequest{SubscriptionID: sub.ID.String()})
	require.NoError(t, err)

	// Put the schedule back on the processed cycle so the next call races
	// into the insert path.
	require.NoError(t, f.db.Exec(`UPDATE subscriptions SET next_delivery = ? WHERE id = ?`, sub.NextDelivery, sub.ID).Error)

	repo := &staleCycleRepo{Repository: f.repo}
	repo.stale.Store(true)
	loser, err := f.ordersWith(repo, f.loyalty).Materialize(context.Background(), orderdomain.MaterializeRequest{
		SubscriptionID: sub.ID.String(),
	})
	require.NoError(t, err)

	assert.True(t, loser.Duplicate)
	assert.Equal(t, winner.Order.ID, loser.Order.ID)
	assert.Equal(t, winner.Order.OrderNumber, loser.Order.OrderNumber)
	assert.Equal(t, int64(1), f.count(t, "SELECT COUNT(*) FROM orders"))
	assert.Equal(t, int64(2), f.count(t, "SELECT COUNT(*) FROM order_items"))
	assert.Equal(t, int64(1), f.count(t, "SELECT COUNT(*) FROM spiral_transactions WHERE source = ?", orderdomain.MaterializationSource))
}

func TestMaterializeConcurrentCallsOnPooledFile(t *testing.T) {
	f := newFixtureOn(t, testutil.OpenFileDB(t))
	sub := f.createMonthly(t)
	f.clock.Set(sub.NextDelivery)

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		numbers = map[string]int{}
		errs    []error
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			result, err := f.orders.Materialize(context.Background(), orderdomain.MaterializeRequest{
				SubscriptionID: sub.ID.String(),
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			numbers[result.Order.OrderNumber]++
		}()
	}
	close(start)
	wg.Wait()

	require.Empty(t, errs)
	require.Len(t, numbers, 1)
	for _, n := range numbers {
		assert.Equal(t, workers, n)
	}
	assert.Equal(t, int64(1), f.count(t, "SELECT COUNT(*) FROM orders"))
	assert.Equal(t, int64(1), f.count(t, "SELECT COUNT(*) FROM subscription_orders"))
	assert.Equal(t, int64(1), f.count(t, "SELECT COUNT(*) FROM spiral_transactions WHERE source = ?", orderdomain.MaterializationSource))
}
