package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/spiral/internal/clock"
	loyaltydomain "github.com/smallbiznis/spiral/internal/loyalty/domain"
	"github.com/smallbiznis/spiral/internal/testutil"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (loyaltydomain.Service, *clock.FakeClock, *gorm.DB) {
	t.Helper()

	conn := testutil.OpenDB(t)
	fake := clock.NewFakeClock(time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC))
	svc := NewService(Params{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: testutil.Node(t),
		Clock: fake,
	})
	return svc, fake, conn
}

func TestAppendIsIdempotentPerReference(t *testing.T) {
	svc, _, conn := newTestService(t)
	ctx := context.Background()

	orderNumber := "SUB-ABCD1234"
	req := loyaltydomain.AppendRequest{
		UserID:      5,
		Type:        loyaltydomain.TransactionTypeEarned,
		Amount:      67,
		Source:      "subscription_order",
		Reference:   orderNumber,
		Description: "SPIRAL points for Coffee delivery",
		OrderID:     &orderNumber,
		Multiplier:  decimal.RequireFromString("1.7"),
	}

	first, err := svc.Append(ctx, nil, req)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if !first.Inserted {
		t.Fatalf("expected first append to insert")
	}

	second, err := svc.Append(ctx, conn, req)
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if second.Inserted {
		t.Fatalf("expected second append to be a no-op")
	}
	if second.ID != first.ID {
		t.Fatalf("expected existing id %s, got %s", first.ID, second.ID)
	}

	balance, err := svc.Balance(ctx, 5)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Earned != 67 || balance.Available != 67 {
		t.Fatalf("unexpected balance %+v", balance)
	}
}

func TestAppendRollsBackWithCallerTransaction(t *testing.T) {
	svc, _, conn := newTestService(t)
	ctx := context.Background()

	rollback := errors.New("rollback")
	err := conn.Transaction(func(tx *gorm.DB) error {
		if _, err := svc.Append(ctx, tx, loyaltydomain.AppendRequest{
			UserID:    5,
			Type:      loyaltydomain.TransactionTypeEarned,
			Amount:    10,
			Source:    "subscription_signup",
			Reference: "1",
		}); err != nil {
			return err
		}
		return rollback
	})
	if !errors.Is(err, rollback) {
		t.Fatalf("expected rollback error, got %v", err)
	}

	balance, err := svc.Balance(ctx, 5)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Earned != 0 {
		t.Fatalf("expected rolled back entry, balance %+v", balance)
	}
}

func TestBalanceFoldsEarnedAndSpent(t *testing.T) {
	svc, fake, _ := newTestService(t)
	ctx := context.Background()

	entries := []loyaltydomain.AppendRequest{
		{UserID: 9, Type: loyaltydomain.TransactionTypeEarned, Amount: 100, Source: "subscription_signup", Reference: "a"},
		{UserID: 9, Type: loyaltydomain.TransactionTypeEarned, Amount: 40, Source: "subscription_order", Reference: "b"},
		{UserID: 9, Type: loyaltydomain.TransactionTypeSpent, Amount: 25, Source: "redemption", Reference: "c"},
		{UserID: 10, Type: loyaltydomain.TransactionTypeEarned, Amount: 500, Source: "subscription_signup", Reference: "d"},
	}
	for _, entry := range entries {
		fake.Advance(time.Minute)
		if _, err := svc.Append(ctx, nil, entry); err != nil {
			t.Fatalf("append %s: %v", entry.Reference, err)
		}
	}

	balance, err := svc.Balance(ctx, 9)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Earned != 140 || balance.Spent != 25 || balance.Available != 115 {
		t.Fatalf("unexpected balance %+v", balance)
	}

	txs, err := svc.ListTransactions(ctx, loyaltydomain.ListTransactionsRequest{UserID: 9, Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(txs))
	}
	if txs[0].Type != loyaltydomain.TransactionTypeSpent || txs[1].Amount != 40 {
		t.Fatalf("expected newest first, got %+v", txs)
	}
	if txs[0].Multiplier.String() != "1" {
		t.Fatalf("expected default multiplier 1, got %s", txs[0].Multiplier)
	}
}

func TestAppendValidation(t *testing.T) {
	svc, _, _ := newTestService(t)

	valid := loyaltydomain.AppendRequest{
		UserID:    1,
		Type:      loyaltydomain.TransactionTypeEarned,
		Amount:    1,
		Source:    "subscription_signup",
		Reference: "1",
	}
	tests := []struct {
		name   string
		mutate func(*loyaltydomain.AppendRequest)
		want   error
	}{
		{name: "user", mutate: func(r *loyaltydomain.AppendRequest) { r.UserID = 0 }, want: loyaltydomain.ErrInvalidUser},
		{name: "type", mutate: func(r *loyaltydomain.AppendRequest) { r.Type = "refund" }, want: loyaltydomain.ErrInvalidType},
		{name: "amount", mutate: func(r *loyaltydomain.AppendRequest) { r.Amount = -1 }, want: loyaltydomain.ErrInvalidAmount},
		{name: "source", mutate: func(r *loyaltydomain.AppendRequest) { r.Source = " " }, want: loyaltydomain.ErrInvalidSource},
		{name: "reference", mutate: func(r *loyaltydomain.AppendRequest) { r.Reference = "" }, want: loyaltydomain.ErrInvalidReference},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			if _, err := svc.Append(context.Background(), nil, req); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if _, err := svc.Balance(context.Background(), 0); !errors.Is(err, loyaltydomain.ErrInvalidUser) {
		t.Fatalf("expected invalid user, got %v", err)
	}
}
