package order

import (
	"context"
	stdErrors "errors"
	"testing"

	"github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/wallet"
)

func newTestOrder(t *testing.T, id string) *Order {
	t.Helper()
	cred, err := wallet.NewCredential()
	if err != nil {
		t.Fatal(err)
	}
	return &Order{
		ID:             id,
		Symbol:         "BNBx",
		TokenAddress:   "0x1bdd3Cf7f79cfB8EdbB955f20ad99211551BA275",
		Recipient:      "0x1111111111111111111111111111111111111111",
		SlippageBps:    100,
		DepositAddress: cred.Address().Hex(),
		Credential:     cred,
		Status:         StatusPending,
		MaxAttempts:    3,
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusComplete, true},
		{StatusPending, StatusRefundPending, true},
		{StatusPending, StatusRefunded, false},
		{StatusRefundPending, StatusRefunded, true},
		{StatusRefundPending, StatusRefundPending, true},
		{StatusRefundPending, StatusComplete, false},
		{StatusComplete, StatusRefundPending, false},
		{StatusRefunded, StatusPending, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	o := newTestOrder(t, "ord-1")

	if err := store.Create(ctx, o); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(ctx, newTestOrder(t, "ord-1")); !stdErrors.Is(err, ErrOrderConflict) {
		t.Fatalf("duplicate Create = %v, want conflict", err)
	}

	if err := store.MarkFundingSeen(ctx, "ord-1"); err != nil {
		t.Fatalf("MarkFundingSeen: %v", err)
	}
	got, err := store.Get(ctx, "ord-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.FundedAt == 0 {
		t.Fatal("FundedAt not recorded")
	}
	first := got.FundedAt
	if err := store.MarkFundingSeen(ctx, "ord-1"); err != nil {
		t.Fatal(err)
	}
	got, _ = store.Get(ctx, "ord-1")
	if got.FundedAt != first {
		t.Fatal("MarkFundingSeen must only take effect once")
	}

	if err := store.MarkComplete(ctx, "ord-1", "0xswap", "12345"); err != nil {
		t.Fatalf("MarkComplete: %v", err)
	}
	got, _ = store.Get(ctx, "ord-1")
	if got.Status != StatusComplete || got.SwapTxHash != "0xswap" || got.DeliveredRaw != "12345" {
		t.Fatalf("unexpected order after complete: %+v", got)
	}

	// 终态后不再允许任何迁移。
	if err := store.MarkRefundPending(ctx, "ord-1", CodeOrderValidation, "late"); !stdErrors.Is(err, ErrInvalidTransition) {
		t.Fatalf("MarkRefundPending on complete = %v, want invalid transition", err)
	}
}

func TestMemoryStoreRefundTrack(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	o := newTestOrder(t, "ord-2")
	if err := store.Create(ctx, o); err != nil {
		t.Fatal(err)
	}

	if err := store.MarkRefundPending(ctx, "ord-2", CodeOrderValidation, "swap would revert"); err != nil {
		t.Fatalf("MarkRefundPending: %v", err)
	}
	got, _ := store.Get(ctx, "ord-2")
	if got.Status != StatusRefundPending || got.Attempts != 1 {
		t.Fatalf("unexpected order: %+v", got)
	}
	if got.ErrorCode != string(CodeOrderValidation) {
		t.Fatalf("error code not recorded: %q", got.ErrorCode)
	}

	if err := store.RecordFailure(ctx, "ord-2", CodeOrderValidation, "balance below gas budget"); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	got, _ = store.Get(ctx, "ord-2")
	if got.Status != StatusRefundPending || got.Attempts != 2 {
		t.Fatalf("RecordFailure must keep refund_pending and bump attempts: %+v", got)
	}

	if err := store.MarkRefunded(ctx, "ord-2", "0xrefund"); err != nil {
		t.Fatalf("MarkRefunded: %v", err)
	}
	got, _ = store.Get(ctx, "ord-2")
	if got.Status != StatusRefunded || got.RefundTxHash != "0xrefund" {
		t.Fatalf("unexpected order after refund: %+v", got)
	}
	if got.LastError != "" || got.ErrorCode != "" {
		t.Fatal("terminal transition must clear the error context")
	}
}

func TestMemoryStoreListActive(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	a := newTestOrder(t, "ord-a")
	a.CreatedAt = 100
	b := newTestOrder(t, "ord-b")
	b.CreatedAt = 50
	c := newTestOrder(t, "ord-c")
	c.CreatedAt = 75

	for _, o := range []*Order{a, b, c} {
		if err := store.Create(ctx, o); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.MarkComplete(ctx, "ord-c", "0x1", "1"); err != nil {
		t.Fatal(err)
	}

	active, err := store.ListActive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 {
		t.Fatalf("got %d active orders, want 2", len(active))
	}
	if active[0].ID != "ord-b" || active[1].ID != "ord-a" {
		t.Fatalf("expected oldest first, got %s, %s", active[0].ID, active[1].ID)
	}
}

func TestMemoryStoreGetReturnsClone(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Create(ctx, newTestOrder(t, "ord-3")); err != nil {
		t.Fatal(err)
	}
	got, err := store.Get(ctx, "ord-3")
	if err != nil {
		t.Fatal(err)
	}
	got.Status = StatusComplete
	again, _ := store.Get(ctx, "ord-3")
	if again.Status != StatusPending {
		t.Fatal("Get must return a clone")
	}
}

func TestMemoryStoreNotFound(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Get(context.Background(), "missing"); !stdErrors.Is(err, ErrOrderNotFound) {
		t.Fatalf("got %v, want not found", err)
	}
	if err := store.MarkComplete(context.Background(), "missing", "0x", ""); !stdErrors.Is(err, ErrOrderNotFound) {
		t.Fatalf("got %v, want not found", err)
	}
}
