// Package settle 实现订单结算引擎：周期性地把活跃订单推向终态。
// pending 订单在入金后换币并交付，确定性失败的订单进入退款轨道。
package settle

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/chain"
	xerrors "github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/errors"
	"github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/notify"
	"github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/observability/alerting"
	"github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/observability/metrics"
	"github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/order"
	"github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/txbuild"
	"github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/pkg/logger"
	"github.com/google/uuid"
)

const (
	CodeQuoteUnavailable   xerrors.Code = "QUOTE_UNAVAILABLE"
	CodeGasEstimation      xerrors.Code = "GAS_ESTIMATION_FAILED"
	CodeSimulationReverted xerrors.Code = "SIMULATION_REVERTED"
	CodeInsufficientFunds  xerrors.Code = "INSUFFICIENT_FUNDS"
	CodeBroadcastFailed    xerrors.Code = "BROADCAST_FAILED"
)

func init() {
	xerrors.Register(CodeQuoteUnavailable, xerrors.Attributes{
		Message:   "swap path not tradable",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeGasEstimation, xerrors.Attributes{
		Message:   "gas estimation failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSimulationReverted, xerrors.Attributes{
		Message:   "swap simulation reverted",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInsufficientFunds, xerrors.Attributes{
		Message:   "balance cannot cover gas",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeBroadcastFailed, xerrors.Attributes{
		Message:   "raw transaction broadcast failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// swapDeadline 是换币交易的截止期。引擎不依赖真实截止期，
// 新鲜度由广播前的 eth_call 模拟保证。
var swapDeadline = big.NewInt(1<<31 - 1)

// Config 描述结算引擎的链上参数与安全边界。
type Config struct {
	ChainID uint64
	Router  common.Address
	WBNB    common.Address
	// GasBudgetMultiplier 是估算 gas 成本的安全系数，默认 1.2。
	GasBudgetMultiplier float64
	// MinFundingWei 之下的余额视为未入金。
	MinFundingWei *big.Int
	// MaxAttempts 之后 refund_pending 订单不再重试，等待人工处理。
	MaxAttempts int
	// RefundGasLimit 是纯转账退款的固定 gas 上限，默认 21000。
	RefundGasLimit uint64
	// OrderTimeout 限制单笔订单在一次轮询内占用的时间，默认 30s，
	// 避免卡死的节点调用拖垮整轮结算。
	OrderTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.GasBudgetMultiplier < 1 {
		c.GasBudgetMultiplier = 1.2
	}
	if c.MinFundingWei == nil || c.MinFundingWei.Sign() <= 0 {
		// 默认 0.0001 BNB。
		c.MinFundingWei = big.NewInt(100_000_000_000_000)
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.RefundGasLimit == 0 {
		c.RefundGasLimit = 21_000
	}
	if c.OrderTimeout <= 0 {
		c.OrderTimeout = 30 * time.Second
	}
}

// Engine 驱动订单状态机。一次 RunTick 顺序处理所有活跃订单，
// 单笔订单的失败绝不影响其余订单。
type Engine struct {
	node      chain.Node
	store     order.Store
	publisher notify.Publisher
	alerter   alerting.Dispatcher
	cfg       Config
}

// NewEngine 构造结算引擎。
func NewEngine(node chain.Node, store order.Store, publisher notify.Publisher, alerter alerting.Dispatcher, cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{node: node, store: store, publisher: publisher, alerter: alerter, cfg: cfg}
}

// Run 以固定间隔执行结算轮询，直到 ctx 取消。
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.RunTick(ctx); err != nil {
				logger.L().Error("结算轮询失败", slog.Any("error", err))
			}
		}
	}
}

// RunTick 执行一轮结算。
func (e *Engine) RunTick(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.ObserveTick(time.Since(start)) }()

	orders, err := e.store.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, o := range orders {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		octx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
		e.processOrder(octx, o)
		cancel()
	}
	return nil
}

func (e *Engine) processOrder(ctx context.Context, o *order.Order) {
	switch o.Status {
	case order.StatusPending:
		e.trySettle(ctx, o)
	case order.StatusRefundPending:
		if o.Attempts >= e.maxAttempts(o) {
			e.markExhausted(ctx, o)
			return
		}
		e.tryRefund(ctx, o)
	}
}

func (e *Engine) maxAttempts(o *order.Order) int {
	if o.MaxAttempts > 0 {
		return o.MaxAttempts
	}
	return e.cfg.MaxAttempts
}

// markExhausted 只在首次越过上限时落库与告警，之后每轮静默跳过。
// 订单保持 refund_pending：上调上限即可恢复退款尝试，资金不会丢失。
func (e *Engine) markExhausted(ctx context.Context, o *order.Order) {
	if o.ErrorCode == string(order.CodeRetriesExhausted) {
		return
	}
	msg := fmt.Sprintf("退款重试 %d 次后放弃，等待人工介入", o.Attempts)
	if err := e.store.RecordFailure(ctx, o.ID, order.CodeRetriesExhausted, msg); err != nil {
		logger.L().Error("记录重试耗尽失败", slog.String("order_id", o.ID), slog.Any("error", err))
		return
	}
	metrics.ObserveOrderOutcome("exhausted")
	e.alert(ctx, o, order.CodeRetriesExhausted, msg)
}

// trySettle 执行一次 pending 订单的结算尝试：确认入金、预留 gas
// 预算、报价、模拟，全部通过后才签名广播。
func (e *Engine) trySettle(ctx context.Context, o *order.Order) {
	deposit := common.HexToAddress(o.DepositAddress)
	recipient := common.HexToAddress(o.Recipient)
	path := []common.Address{e.cfg.WBNB, common.HexToAddress(o.TokenAddress)}

	balance, err := e.node.BalanceAt(ctx, deposit)
	if err != nil {
		// 余额读取失败是暂时性的，订单保持 pending，下一轮重读。
		e.transient(o, "读取入金余额失败", err)
		return
	}
	if balance.Cmp(e.cfg.MinFundingWei) < 0 {
		return // 尚未入金
	}

	if o.FundedAt == 0 {
		if err := e.store.MarkFundingSeen(ctx, o.ID); err != nil {
			logger.L().Warn("记录入金时间失败", slog.String("order_id", o.ID), slog.Any("error", err))
		} else {
			e.publish(ctx, o, notify.KindFunded, "")
			metrics.ObserveOrderOutcome("funded")
		}
	}

	// 用全部余额做一笔试算交易，只为得到贴近真实的 gas 估算。
	dummyMin, err := e.quoteMinOut(ctx, balance, path, o.SlippageBps)
	if err != nil {
		e.toRefundPending(ctx, o, CodeQuoteUnavailable, err)
		return
	}
	dummyData, err := txbuild.SwapCalldata(dummyMin, path, recipient, swapDeadline)
	if err != nil {
		e.toRefundPending(ctx, o, CodeQuoteUnavailable, err)
		return
	}
	gasLimit, err := e.node.EstimateGas(ctx, chain.CallMsg{
		From: deposit, To: e.cfg.Router, Value: balance, Data: dummyData,
	})
	if err != nil {
		e.toRefundPending(ctx, o, CodeGasEstimation, err)
		return
	}
	gasPrice, err := e.node.GasPrice(ctx)
	if err != nil {
		e.toRefundPending(ctx, o, CodeGasEstimation, err)
		return
	}

	gasBudget := ceilBudget(gasLimit, gasPrice, e.cfg.GasBudgetMultiplier)
	amountIn := new(big.Int).Sub(balance, gasBudget)
	if amountIn.Sign() <= 0 {
		e.toRefundPending(ctx, o, CodeInsufficientFunds,
			xerrors.New(CodeInsufficientFunds,
				fmt.Sprintf("余额 %s wei 不足以覆盖 gas 预算 %s wei", balance, gasBudget)))
		return
	}

	// 以真实投入量重新报价并构造最终交易。
	minOut, err := e.quoteMinOut(ctx, amountIn, path, o.SlippageBps)
	if err != nil {
		e.toRefundPending(ctx, o, CodeQuoteUnavailable, err)
		return
	}
	finalData, err := txbuild.SwapCalldata(minOut, path, recipient, swapDeadline)
	if err != nil {
		e.toRefundPending(ctx, o, CodeQuoteUnavailable, err)
		return
	}

	// 广播前模拟，预测会回滚的交易永远不上链。
	simRet, err := e.node.Call(ctx, chain.CallMsg{
		From: deposit, To: e.cfg.Router, Value: amountIn, Data: finalData,
	})
	if err != nil {
		e.toRefundPending(ctx, o, CodeSimulationReverted, err)
		return
	}
	delivered := minOut
	if amounts, decodeErr := txbuild.DecodeAmounts(simRet); decodeErr == nil {
		delivered = amounts[len(amounts)-1]
	}

	nonce, err := e.node.NonceAt(ctx, deposit)
	if err != nil {
		e.toRefundPending(ctx, o, CodeBroadcastFailed, err)
		return
	}
	// 执行时的实际用气可能略高于估算，上浮 10%。
	paddedGas := gasLimit + gasLimit/10
	tx := txbuild.NewLegacyTx(nonce, e.cfg.Router, amountIn, paddedGas, gasPrice, finalData)
	raw, err := o.Credential.SignLegacy(tx, new(big.Int).SetUint64(e.cfg.ChainID))
	if err != nil {
		e.toRefundPending(ctx, o, CodeBroadcastFailed, err)
		return
	}
	hash, err := e.node.SendRawTransaction(ctx, raw)
	if err != nil {
		e.toRefundPending(ctx, o, CodeBroadcastFailed, err)
		return
	}

	if err := e.store.MarkComplete(ctx, o.ID, hash.Hex(), delivered.String()); err != nil {
		logger.L().Error("标记订单完成失败", slog.String("order_id", o.ID), slog.Any("error", err))
		return
	}
	metrics.ObserveOrderOutcome("settled")
	e.publish(ctx, o, notify.KindSettled, hash.Hex())
	logger.Audit().Info("订单结算完成",
		slog.String("order_id", o.ID),
		slog.String("symbol", o.Symbol),
		slog.String("tx_hash", hash.Hex()),
		slog.String("amount_in_wei", amountIn.String()),
		slog.String("delivered_raw", delivered.String()),
	)
}

// tryRefund 执行一次退款尝试：把扣除 gas 后的全部余额退回收货地址。
func (e *Engine) tryRefund(ctx context.Context, o *order.Order) {
	deposit := common.HexToAddress(o.DepositAddress)
	recipient := common.HexToAddress(o.Recipient)

	balance, err := e.node.BalanceAt(ctx, deposit)
	if err != nil {
		e.transient(o, "读取退款余额失败", err)
		return
	}
	gasPrice, err := e.node.GasPrice(ctx)
	if err != nil {
		e.recordRefundFailure(ctx, o, CodeGasEstimation, err)
		return
	}

	gasCost := new(big.Int).Mul(new(big.Int).SetUint64(e.cfg.RefundGasLimit), gasPrice)
	value := new(big.Int).Sub(balance, gasCost)
	if value.Sign() <= 0 {
		// 连退款 gas 都不够，保持 refund_pending 等待后续入金。
		e.recordRefundFailure(ctx, o, CodeInsufficientFunds,
			xerrors.New(CodeInsufficientFunds,
				fmt.Sprintf("余额 %s wei 不足以支付退款 gas %s wei", balance, gasCost)))
		return
	}

	nonce, err := e.node.NonceAt(ctx, deposit)
	if err != nil {
		e.recordRefundFailure(ctx, o, CodeBroadcastFailed, err)
		return
	}
	tx := txbuild.NewLegacyTx(nonce, recipient, value, e.cfg.RefundGasLimit, gasPrice, nil)
	raw, err := o.Credential.SignLegacy(tx, new(big.Int).SetUint64(e.cfg.ChainID))
	if err != nil {
		e.recordRefundFailure(ctx, o, CodeBroadcastFailed, err)
		return
	}
	hash, err := e.node.SendRawTransaction(ctx, raw)
	if err != nil {
		e.recordRefundFailure(ctx, o, CodeBroadcastFailed, err)
		return
	}

	if err := e.store.MarkRefunded(ctx, o.ID, hash.Hex()); err != nil {
		logger.L().Error("标记订单已退款失败", slog.String("order_id", o.ID), slog.Any("error", err))
		return
	}
	metrics.ObserveOrderOutcome("refunded")
	e.publish(ctx, o, notify.KindRefunded, hash.Hex())
	logger.Audit().Info("订单已退款",
		slog.String("order_id", o.ID),
		slog.String("tx_hash", hash.Hex()),
		slog.String("refund_wei", value.String()),
	)
}

// quoteMinOut 报价并应用滑点折扣。
func (e *Engine) quoteMinOut(ctx context.Context, amountIn *big.Int, path []common.Address, bps int) (*big.Int, error) {
	data, err := txbuild.AmountsOutCalldata(amountIn, path)
	if err != nil {
		return nil, err
	}
	ret, err := e.node.Call(ctx, chain.CallMsg{To: e.cfg.Router, Data: data})
	if err != nil {
		return nil, err
	}
	amounts, err := txbuild.DecodeAmounts(ret)
	if err != nil {
		return nil, err
	}
	return txbuild.MinOutAfterSlippage(amounts[len(amounts)-1], bps)
}

// toRefundPending 把 pending 订单转入退款轨道并记录诊断信息。
func (e *Engine) toRefundPending(ctx context.Context, o *order.Order, code xerrors.Code, cause error) {
	if err := e.store.MarkRefundPending(ctx, o.ID, code, cause.Error()); err != nil {
		logger.L().Error("标记订单待退款失败", slog.String("order_id", o.ID), slog.Any("error", err))
		return
	}
	metrics.ObserveOrderOutcome("failed")
	logger.L().Warn("结算失败，订单转入退款轨道",
		slog.String("order_id", o.ID),
		slog.String("code", string(code)),
		slog.Any("error", cause))
	if xerrors.ShouldAlert(cause) || xerrors.AttributesOf(code).Alert {
		e.alert(ctx, o, code, cause.Error())
	}
}

// recordRefundFailure 记录失败的退款尝试，状态保持 refund_pending。
func (e *Engine) recordRefundFailure(ctx context.Context, o *order.Order, code xerrors.Code, cause error) {
	if err := e.store.RecordFailure(ctx, o.ID, code, cause.Error()); err != nil {
		logger.L().Error("记录退款失败次数失败", slog.String("order_id", o.ID), slog.Any("error", err))
		return
	}
	metrics.ObserveOrderOutcome("deferred")
	logger.L().Warn("退款尝试失败",
		slog.String("order_id", o.ID),
		slog.String("code", string(code)),
		slog.Int("attempts", o.Attempts+1),
		slog.Any("error", cause))
	if xerrors.AttributesOf(code).Alert {
		e.alert(ctx, o, code, cause.Error())
	}
}

// transient 记录暂时性 RPC 故障，不改变订单状态。
func (e *Engine) transient(o *order.Order, msg string, err error) {
	metrics.ObserveRPCError(string(xerrors.CodeOf(err)))
	logger.L().Warn(msg,
		slog.String("order_id", o.ID),
		slog.Any("error", err))
}

func (e *Engine) publish(ctx context.Context, o *order.Order, kind notify.Kind, txHash string) {
	if e.publisher == nil {
		return
	}
	event := notify.Event{
		ID:         uuid.NewString(),
		OrderID:    o.ID,
		Kind:       kind,
		Symbol:     o.Symbol,
		TxHash:     txHash,
		Target:     o.NotifyTo(),
		OccurredAt: time.Now().Unix(),
	}
	if err := e.publisher.Publish(ctx, event); err != nil {
		logger.L().Warn("发布结算事件失败",
			slog.String("order_id", o.ID),
			slog.String("kind", string(kind)),
			slog.Any("error", err))
	}
}

func (e *Engine) alert(ctx context.Context, o *order.Order, code xerrors.Code, message string) {
	if e.alerter == nil {
		return
	}
	event := alerting.Event{
		Code:        code,
		Message:     message,
		Severity:    xerrors.AttributesOf(code).Severity,
		OrderID:     o.ID,
		Attempts:    o.Attempts,
		MaxAttempts: e.maxAttempts(o),
		OccurredAt:  time.Now(),
	}
	if err := e.alerter.Notify(ctx, event); err != nil {
		logger.L().Warn("发送结算告警失败", slog.String("order_id", o.ID), slog.Any("error", err))
	}
}

// ceilBudget 计算 ceil(gasLimit * gasPrice * multiplier)。
func ceilBudget(gasLimit uint64, gasPrice *big.Int, multiplier float64) *big.Int {
	cost := new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), gasPrice)
	factor := new(big.Rat).SetFloat64(multiplier)
	if factor == nil || factor.Sign() <= 0 {
		return cost
	}
	budget := new(big.Rat).Mul(new(big.Rat).SetInt(cost), factor)
	q, r := new(big.Int).QuoRem(budget.Num(), budget.Denom(), new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}
