package settle

import (
	"context"
	"math/big"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/chain"
	"github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/notify"
	"github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/order"
	"github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/wallet"
)

var (
	testRouter    = common.HexToAddress("0x10ED43C718714eb63d5aA57B78B54704E256024E")
	testWBNB      = common.HexToAddress("0xbb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c")
	testRecipient = common.HexToAddress("0x1111111111111111111111111111111111111111")
	minFunding    = big.NewInt(100_000_000_000_000) // 0.0001 BNB
)

// stubNode 以函数字段模拟节点，并统计调用次数。
type stubNode struct {
	calls       atomic.Int64
	balanceAt   func(common.Address) (*big.Int, error)
	gasPrice    func() (*big.Int, error)
	nonceAt     func(common.Address) (uint64, error)
	estimateGas func(chain.CallMsg) (uint64, error)
	call        func(chain.CallMsg) ([]byte, error)
	sendRawTx   func([]byte) (common.Hash, error)
}

func (n *stubNode) BalanceAt(_ context.Context, addr common.Address) (*big.Int, error) {
	n.calls.Add(1)
	return n.balanceAt(addr)
}
func (n *stubNode) GasPrice(_ context.Context) (*big.Int, error) {
	n.calls.Add(1)
	return n.gasPrice()
}
func (n *stubNode) NonceAt(_ context.Context, addr common.Address) (uint64, error) {
	n.calls.Add(1)
	return n.nonceAt(addr)
}
func (n *stubNode) EstimateGas(_ context.Context, msg chain.CallMsg) (uint64, error) {
	n.calls.Add(1)
	return n.estimateGas(msg)
}
func (n *stubNode) Call(_ context.Context, msg chain.CallMsg) ([]byte, error) {
	n.calls.Add(1)
	return n.call(msg)
}
func (n *stubNode) SendRawTransaction(_ context.Context, raw []byte) (common.Hash, error) {
	n.calls.Add(1)
	return n.sendRawTx(raw)
}

func encodeAmounts(t *testing.T, amounts ...*big.Int) []byte {
	t.Helper()
	typ, err := abi.NewType("uint256[]", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	out, err := abi.Arguments{{Type: typ}}.Pack(amounts)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func newPendingOrder(t *testing.T, id string) *order.Order {
	t.Helper()
	cred, err := wallet.NewCredential()
	if err != nil {
		t.Fatal(err)
	}
	return &order.Order{
		ID:             id,
		Symbol:         "BNBx",
		TokenAddress:   "0x1bdd3Cf7f79cfB8EdbB955f20ad99211551BA275",
		Recipient:      testRecipient.Hex(),
		SlippageBps:    100,
		DepositAddress: cred.Address().Hex(),
		Credential:     cred,
		Status:         order.StatusPending,
		MaxAttempts:    3,
	}
}

func newEngine(node chain.Node, store order.Store) *Engine {
	return NewEngine(node, store, notify.NewMemoryQueue(16), nil, Config{
		ChainID:             56,
		Router:              testRouter,
		WBNB:                testWBNB,
		GasBudgetMultiplier: 1.2,
		MinFundingWei:       minFunding,
		MaxAttempts:         3,
	})
}

func TestTickSkipsUnfundedOrder(t *testing.T) {
	ctx := context.Background()
	store := order.NewMemoryStore()
	o := newPendingOrder(t, "ord-unfunded")
	if err := store.Create(ctx, o); err != nil {
		t.Fatal(err)
	}

	node := &stubNode{
		balanceAt: func(common.Address) (*big.Int, error) {
			return new(big.Int).Sub(minFunding, big.NewInt(1)), nil
		},
	}
	engine := newEngine(node, store)
	if err := engine.RunTick(ctx); err != nil {
		t.Fatalf("RunTick: %v", err)
	}

	// 余额不足时只允许余额检查这一次 RPC。
	if got := node.calls.Load(); got != 1 {
		t.Fatalf("node calls = %d, want 1", got)
	}
	got, _ := store.Get(ctx, o.ID)
	if got.Status != order.StatusPending || got.Attempts != 0 {
		t.Fatalf("order must stay untouched: %+v", got)
	}
}

func TestTickSettlesFundedOrder(t *testing.T) {
	ctx := context.Background()
	store := order.NewMemoryStore()
	o := newPendingOrder(t, "ord-settle")
	if err := store.Create(ctx, o); err != nil {
		t.Fatal(err)
	}

	balance := big.NewInt(1_000_000_000_000_000_000) // 1 BNB
	gasPrice := big.NewInt(5_000_000_000)
	delivered := big.NewInt(12_345_678)
	wantHash := common.HexToHash("0xfeed")

	var broadcast []byte
	node := &stubNode{
		balanceAt: func(common.Address) (*big.Int, error) { return balance, nil },
		gasPrice:  func() (*big.Int, error) { return gasPrice, nil },
		nonceAt:   func(common.Address) (uint64, error) { return 7, nil },
		estimateGas: func(msg chain.CallMsg) (uint64, error) {
			if msg.Value.Cmp(balance) != 0 {
				t.Fatalf("dummy tx must carry the full balance, got %s", msg.Value)
			}
			return 150_000, nil
		},
		call: func(msg chain.CallMsg) ([]byte, error) {
			if msg.Value == nil || msg.Value.Sign() == 0 {
				// getAmountsOut 报价：输出 = 输入的两倍。
				amountIn := new(big.Int).SetBytes(msg.Data[4:36])
				return encodeAmounts(t, amountIn, new(big.Int).Mul(amountIn, big.NewInt(2))), nil
			}
			// 最终交易模拟，返回实际兑换数量。
			return encodeAmounts(t, msg.Value, delivered), nil
		},
		sendRawTx: func(raw []byte) (common.Hash, error) {
			broadcast = raw
			return wantHash, nil
		},
	}

	engine := newEngine(node, store)
	if err := engine.RunTick(ctx); err != nil {
		t.Fatalf("RunTick: %v", err)
	}

	got, _ := store.Get(ctx, o.ID)
	if got.Status != order.StatusComplete {
		t.Fatalf("status = %s, last_error = %s", got.Status, got.LastError)
	}
	if got.SwapTxHash != wantHash.Hex() {
		t.Fatalf("tx hash = %s", got.SwapTxHash)
	}
	if got.DeliveredRaw != delivered.String() {
		t.Fatalf("delivered = %s, want %s", got.DeliveredRaw, delivered)
	}
	if got.FundedAt == 0 {
		t.Fatal("funding must be recorded")
	}

	// 校验广播的交易：目标、金额与 gas 上浮。
	var tx coretypes.Transaction
	if err := tx.UnmarshalBinary(broadcast); err != nil {
		t.Fatalf("broadcast tx undecodable: %v", err)
	}
	if *tx.To() != testRouter {
		t.Fatalf("tx to = %s", tx.To())
	}
	// gasBudget = ceil(150000 * 5e9 * 1.2) = 9e14
	wantIn := new(big.Int).Sub(balance, big.NewInt(900_000_000_000_000))
	if tx.Value().Cmp(wantIn) != 0 {
		t.Fatalf("tx value = %s, want %s", tx.Value(), wantIn)
	}
	if tx.Gas() != 165_000 {
		t.Fatalf("gas = %d, want 165000 (150000 × 1.1)", tx.Gas())
	}
	if tx.Nonce() != 7 {
		t.Fatalf("nonce = %d", tx.Nonce())
	}
	// 签名必须来自订单凭证。
	sender, err := coretypes.Sender(coretypes.NewEIP155Signer(big.NewInt(56)), &tx)
	if err != nil {
		t.Fatal(err)
	}
	if sender.Hex() != o.DepositAddress {
		t.Fatalf("sender = %s, want %s", sender.Hex(), o.DepositAddress)
	}
}

func TestTickGasBudgetExceedsBalance(t *testing.T) {
	ctx := context.Background()
	store := order.NewMemoryStore()
	o := newPendingOrder(t, "ord-dust")
	if err := store.Create(ctx, o); err != nil {
		t.Fatal(err)
	}

	// 恰好超过入金门槛，但 gas 预算 9e14 远大于余额。
	balance := new(big.Int).Add(minFunding, big.NewInt(1))
	swapBroadcast := false
	node := &stubNode{
		balanceAt: func(common.Address) (*big.Int, error) { return balance, nil },
		gasPrice:  func() (*big.Int, error) { return big.NewInt(5_000_000_000), nil },
		estimateGas: func(chain.CallMsg) (uint64, error) {
			return 150_000, nil
		},
		call: func(msg chain.CallMsg) ([]byte, error) {
			amountIn := new(big.Int).SetBytes(msg.Data[4:36])
			return encodeAmounts(t, amountIn, amountIn), nil
		},
		sendRawTx: func([]byte) (common.Hash, error) {
			swapBroadcast = true
			return common.Hash{}, nil
		},
	}

	engine := newEngine(node, store)
	if err := engine.RunTick(ctx); err != nil {
		t.Fatalf("RunTick: %v", err)
	}

	if swapBroadcast {
		t.Fatal("engine must never broadcast when the budget exceeds the balance")
	}
	got, _ := store.Get(ctx, o.ID)
	if got.Status != order.StatusRefundPending {
		t.Fatalf("status = %s, want refund_pending", got.Status)
	}
	if got.ErrorCode != string(CodeInsufficientFunds) {
		t.Fatalf("error code = %s", got.ErrorCode)
	}
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d", got.Attempts)
	}
}

func TestTickSimulationRevert(t *testing.T) {
	ctx := context.Background()
	store := order.NewMemoryStore()
	o := newPendingOrder(t, "ord-revert")
	if err := store.Create(ctx, o); err != nil {
		t.Fatal(err)
	}

	node := &stubNode{
		balanceAt:   func(common.Address) (*big.Int, error) { return big.NewInt(1_000_000_000_000_000_000), nil },
		gasPrice:    func() (*big.Int, error) { return big.NewInt(5_000_000_000), nil },
		estimateGas: func(chain.CallMsg) (uint64, error) { return 150_000, nil },
		call: func(msg chain.CallMsg) ([]byte, error) {
			if msg.Value != nil && msg.Value.Sign() > 0 {
				return nil, xTestError("execution reverted: TRANSFER_FROM_FAILED")
			}
			amountIn := new(big.Int).SetBytes(msg.Data[4:36])
			return encodeAmounts(t, amountIn, amountIn), nil
		},
		sendRawTx: func([]byte) (common.Hash, error) {
			t.Fatal("reverting swap must not be broadcast")
			return common.Hash{}, nil
		},
	}

	engine := newEngine(node, store)
	if err := engine.RunTick(ctx); err != nil {
		t.Fatal(err)
	}

	got, _ := store.Get(ctx, o.ID)
	if got.Status != order.StatusRefundPending {
		t.Fatalf("status = %s", got.Status)
	}
	if got.ErrorCode != string(CodeSimulationReverted) {
		t.Fatalf("error code = %s", got.ErrorCode)
	}
}

func TestTickRefundsParkedOrder(t *testing.T) {
	ctx := context.Background()
	store := order.NewMemoryStore()
	o := newPendingOrder(t, "ord-refund")
	if err := store.Create(ctx, o); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkRefundPending(ctx, o.ID, CodeSimulationReverted, "would revert"); err != nil {
		t.Fatal(err)
	}

	balance := big.NewInt(500_000_000_000_000_000)
	gasPrice := big.NewInt(5_000_000_000)
	wantHash := common.HexToHash("0xcafe")
	var broadcast []byte

	node := &stubNode{
		balanceAt: func(common.Address) (*big.Int, error) { return balance, nil },
		gasPrice:  func() (*big.Int, error) { return gasPrice, nil },
		nonceAt:   func(common.Address) (uint64, error) { return 1, nil },
		sendRawTx: func(raw []byte) (common.Hash, error) {
			broadcast = raw
			return wantHash, nil
		},
	}

	engine := newEngine(node, store)
	if err := engine.RunTick(ctx); err != nil {
		t.Fatal(err)
	}

	got, _ := store.Get(ctx, o.ID)
	if got.Status != order.StatusRefunded {
		t.Fatalf("status = %s", got.Status)
	}
	if got.RefundTxHash != wantHash.Hex() {
		t.Fatalf("refund hash = %s", got.RefundTxHash)
	}

	var tx coretypes.Transaction
	if err := tx.UnmarshalBinary(broadcast); err != nil {
		t.Fatal(err)
	}
	if *tx.To() != testRecipient {
		t.Fatalf("refund to = %s", tx.To())
	}
	wantValue := new(big.Int).Sub(balance, new(big.Int).Mul(big.NewInt(21_000), gasPrice))
	if tx.Value().Cmp(wantValue) != 0 {
		t.Fatalf("refund value = %s, want %s", tx.Value(), wantValue)
	}
	if tx.Gas() != 21_000 {
		t.Fatalf("refund gas = %d", tx.Gas())
	}
	if len(tx.Data()) != 0 {
		t.Fatal("refund must be a plain transfer")
	}
}

func TestTickRefundInsufficientStaysParked(t *testing.T) {
	ctx := context.Background()
	store := order.NewMemoryStore()
	o := newPendingOrder(t, "ord-parked")
	if err := store.Create(ctx, o); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkRefundPending(ctx, o.ID, CodeGasEstimation, "boom"); err != nil {
		t.Fatal(err)
	}

	node := &stubNode{
		balanceAt: func(common.Address) (*big.Int, error) { return big.NewInt(1_000), nil },
		gasPrice:  func() (*big.Int, error) { return big.NewInt(5_000_000_000), nil },
		sendRawTx: func([]byte) (common.Hash, error) {
			t.Fatal("must not broadcast without refund gas")
			return common.Hash{}, nil
		},
	}

	engine := newEngine(node, store)
	if err := engine.RunTick(ctx); err != nil {
		t.Fatal(err)
	}

	got, _ := store.Get(ctx, o.ID)
	if got.Status != order.StatusRefundPending {
		t.Fatalf("status = %s", got.Status)
	}
	if got.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", got.Attempts)
	}
	if got.ErrorCode != string(CodeInsufficientFunds) {
		t.Fatalf("error code = %s", got.ErrorCode)
	}
}

func TestTickRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	store := order.NewMemoryStore()
	o := newPendingOrder(t, "ord-exhausted")
	if err := store.Create(ctx, o); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkRefundPending(ctx, o.ID, CodeGasEstimation, "boom"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := store.RecordFailure(ctx, o.ID, CodeInsufficientFunds, "no gas"); err != nil {
			t.Fatal(err)
		}
	}

	node := &stubNode{
		balanceAt: func(common.Address) (*big.Int, error) {
			t.Fatal("exhausted order must not trigger RPC calls")
			return nil, nil
		},
	}
	engine := newEngine(node, store)

	// 第一轮：记录耗尽并告警一次。
	if err := engine.RunTick(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := store.Get(ctx, o.ID)
	if got.Status != order.StatusRefundPending {
		t.Fatalf("status = %s, must stay refund_pending", got.Status)
	}
	if got.ErrorCode != string(order.CodeRetriesExhausted) {
		t.Fatalf("error code = %s", got.ErrorCode)
	}
	attemptsAfterFirst := got.Attempts

	// 第二轮：静默跳过，不再改写订单。
	if err := engine.RunTick(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ = store.Get(ctx, o.ID)
	if got.Attempts != attemptsAfterFirst {
		t.Fatal("exhausted order must be skipped silently after the first mark")
	}
}

func TestTickIsolatesOrderFailures(t *testing.T) {
	ctx := context.Background()
	store := order.NewMemoryStore()
	bad := newPendingOrder(t, "ord-bad")
	bad.CreatedAt = 1
	good := newPendingOrder(t, "ord-good")
	good.CreatedAt = 2
	for _, o := range []*order.Order{bad, good} {
		if err := store.Create(ctx, o); err != nil {
			t.Fatal(err)
		}
	}

	node := &stubNode{
		balanceAt: func(addr common.Address) (*big.Int, error) {
			if addr.Hex() == bad.DepositAddress {
				return nil, xTestError("connection refused")
			}
			return new(big.Int).Sub(minFunding, big.NewInt(1)), nil
		},
	}
	engine := newEngine(node, store)
	if err := engine.RunTick(ctx); err != nil {
		t.Fatalf("one failing order must not abort the tick: %v", err)
	}

	// 两个订单都被处理：坏订单保持 pending，好订单照常检查过余额。
	if got := node.calls.Load(); got != 2 {
		t.Fatalf("node calls = %d, want 2", got)
	}
}

func TestCeilBudget(t *testing.T) {
	cases := []struct {
		limit      uint64
		price      int64
		multiplier float64
		want       string
	}{
		{150_000, 5_000_000_000, 1.2, "900000000000000"},
		{21_000, 3, 1.0, "63000"},
		{1, 1, 1.5, "2"}, // ceil(1.5)
	}
	for _, tc := range cases {
		got := ceilBudget(tc.limit, big.NewInt(tc.price), tc.multiplier)
		if got.String() != tc.want {
			t.Errorf("ceilBudget(%d, %d, %v) = %s, want %s", tc.limit, tc.price, tc.multiplier, got, tc.want)
		}
	}
}

type xTestError string

func (e xTestError) Error() string { return string(e) }
