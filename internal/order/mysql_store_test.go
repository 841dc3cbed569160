package order

import (
	"context"
	stdErrors "errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
)

func newMockStore(t *testing.T) (*MySQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return newMySQLStoreFromDB(db), mock
}

func orderRows(o *Order) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "symbol", "token_address", "recipient", "slippage_bps", "slippage_reason",
		"deposit_address", "notify_target", "recv_key", "status", "attempts", "max_attempts", "last_error",
		"error_code", "swap_tx_hash", "refund_tx_hash", "delivered_raw", "funded_at",
		"created_at", "updated_at",
	}).AddRow(
		o.ID, o.Symbol, o.TokenAddress, o.Recipient, o.SlippageBps, o.SlippageReason,
		o.DepositAddress, o.NotifyTarget, o.Credential.Encode(), string(o.Status), o.Attempts, o.MaxAttempts,
		o.LastError, o.ErrorCode, o.SwapTxHash, o.RefundTxHash, o.DeliveredRaw, o.FundedAt,
		o.CreatedAt, o.UpdatedAt,
	)
}

func TestMySQLStoreCreate(t *testing.T) {
	store, mock := newMockStore(t)
	o := newTestOrder(t, "ord-sql-1")

	mock.ExpectExec("INSERT INTO lst_orders").
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := store.Create(context.Background(), o); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestMySQLStoreCreateDuplicate(t *testing.T) {
	store, mock := newMockStore(t)
	o := newTestOrder(t, "ord-sql-2")

	mock.ExpectExec("INSERT INTO lst_orders").
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "duplicate"})

	if err := store.Create(context.Background(), o); !stdErrors.Is(err, ErrOrderConflict) {
		t.Fatalf("got %v, want conflict", err)
	}
}

func TestMySQLStoreGetRestoresCredential(t *testing.T) {
	store, mock := newMockStore(t)
	o := newTestOrder(t, "ord-sql-3")

	mock.ExpectQuery("SELECT (.+) FROM lst_orders WHERE id = ?").
		WithArgs(o.ID).
		WillReturnRows(orderRows(o))

	got, err := store.Get(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Credential == nil {
		t.Fatal("credential not restored")
	}
	if got.Credential.Address() != o.Credential.Address() {
		t.Fatal("restored credential controls a different address")
	}
}

func TestMySQLStoreGetNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM lst_orders WHERE id = ?").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := store.Get(context.Background(), "missing"); !stdErrors.Is(err, ErrOrderNotFound) {
		t.Fatalf("got %v, want not found", err)
	}
}

func TestMySQLStoreMarkCompleteGuardsTransition(t *testing.T) {
	store, mock := newMockStore(t)
	o := newTestOrder(t, "ord-sql-4")
	o.Status = StatusRefunded

	// 条件 UPDATE 没命中任何行，随后回查发现订单处于终态。
	mock.ExpectExec("UPDATE lst_orders SET status = (.+) WHERE id = (.+) AND status = ?").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM lst_orders WHERE id = ?").
		WithArgs(o.ID).
		WillReturnRows(orderRows(o))

	err := store.MarkComplete(context.Background(), o.ID, "0xswap", "1")
	if !stdErrors.Is(err, ErrInvalidTransition) {
		t.Fatalf("got %v, want invalid transition", err)
	}
}

func TestMySQLStoreMarkRefunded(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE lst_orders SET status = (.+) WHERE id = (.+) AND status = ?").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.MarkRefunded(context.Background(), "ord-sql-5", "0xrefund"); err != nil {
		t.Fatalf("MarkRefunded: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestMySQLStoreRecordFailure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE lst_orders SET attempts = attempts \\+ 1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.RecordFailure(context.Background(), "ord-sql-6", CodeOrderValidation, "boom"); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
}

func TestMySQLStoreListActive(t *testing.T) {
	store, mock := newMockStore(t)
	a := newTestOrder(t, "ord-sql-a")
	b := newTestOrder(t, "ord-sql-b")
	b.Status = StatusRefundPending

	rows := orderRows(a)
	rows.AddRow(
		b.ID, b.Symbol, b.TokenAddress, b.Recipient, b.SlippageBps, b.SlippageReason,
		b.DepositAddress, b.NotifyTarget, b.Credential.Encode(), string(b.Status), b.Attempts, b.MaxAttempts,
		b.LastError, b.ErrorCode, b.SwapTxHash, b.RefundTxHash, b.DeliveredRaw, b.FundedAt,
		b.CreatedAt, b.UpdatedAt,
	)

	mock.ExpectQuery("SELECT (.+) FROM lst_orders").
		WithArgs(string(StatusPending), string(StatusRefundPending)).
		WillReturnRows(rows)

	orders, err := store.ListActive(context.Background())
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("got %d orders, want 2", len(orders))
	}
	if orders[1].Status != StatusRefundPending {
		t.Fatalf("unexpected status %s", orders[1].Status)
	}
}

func TestMySQLStoreCreateRequiresCredential(t *testing.T) {
	store, _ := newMockStore(t)
	o := newTestOrder(t, "ord-sql-7")
	o.Credential = nil
	if err := store.Create(context.Background(), o); err == nil {
		t.Fatal("expected error for missing credential")
	}
}
