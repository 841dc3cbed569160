// Package order 管理托管买单的生命周期：从生成入金地址与签名凭证，
// 到结算引擎推动状态机收敛到 complete 或 refunded。
package order

import (
	xerrors "github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/errors"
	"github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/wallet"
)

// Status 表示订单在生命周期中的状态。
type Status string

const (
	// StatusPending 等待入金或等待换币成功。
	StatusPending Status = "pending"
	// StatusRefundPending 换币确定性失败，等待把余额退回收货地址。
	StatusRefundPending Status = "refund_pending"
	// StatusComplete 换币交易已广播，LST 已交付收货地址。
	StatusComplete Status = "complete"
	// StatusRefunded 退款交易已广播。
	StatusRefunded Status = "refunded"
)

// validTransitions 定义状态机允许的迁移。refund_pending 的自环
// 对应一次失败的退款重试：状态不变但 attempts 递增。
var validTransitions = map[Status][]Status{
	StatusPending:       {StatusComplete, StatusRefundPending},
	StatusRefundPending: {StatusRefunded, StatusRefundPending},
}

// CanTransition 判断状态迁移是否合法。
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal 判断状态是否为终态。
func IsTerminal(status Status) bool {
	return status == StatusComplete || status == StatusRefunded
}

// IsValidStatus 检查给定状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRefundPending, StatusComplete, StatusRefunded:
		return true
	default:
		return false
	}
}

// Order 描述一笔托管买单。Credential 持有入金地址的私钥，
// 永远不参与 JSON 序列化；持久化由存储层通过 Encode/Decode 单独处理。
type Order struct {
	ID             string             `json:"id"`
	Symbol         string             `json:"symbol"`
	TokenAddress   string             `json:"token_address"`
	Recipient      string             `json:"recipient"`
	SlippageBps    int                `json:"slippage_bps"`
	SlippageReason string             `json:"slippage_reason,omitempty"`
	DepositAddress string             `json:"deposit_address"`
	NotifyTarget   string             `json:"notify_target,omitempty"`
	Credential     *wallet.Credential `json:"-"`
	Status         Status             `json:"status"`
	Attempts       int                `json:"attempts"`
	MaxAttempts    int                `json:"max_attempts"`
	LastError      string             `json:"last_error,omitempty"`
	ErrorCode      string             `json:"error_code,omitempty"`
	SwapTxHash     string             `json:"swap_tx_hash,omitempty"`
	RefundTxHash   string             `json:"refund_tx_hash,omitempty"`
	DeliveredRaw   string             `json:"delivered_raw,omitempty"`
	FundedAt       int64              `json:"funded_at,omitempty"`
	CreatedAt      int64              `json:"created_at"`
	UpdatedAt      int64              `json:"updated_at"`
}

var (
	// ErrOrderNotFound 表示指定订单不存在。
	ErrOrderNotFound = xerrors.New(CodeOrderNotFound, "order not found")
	// ErrOrderConflict 表示订单 ID 冲突。
	ErrOrderConflict = xerrors.New(CodeOrderConflict, "order conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrInvalidTransition 表示请求的状态迁移不被状态机允许。
	ErrInvalidTransition = xerrors.New(CodeInvalidTransition, "invalid order transition", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeOrderNotFound     xerrors.Code = "ORDER_NOT_FOUND"
	CodeOrderConflict     xerrors.Code = "ORDER_CONFLICT"
	CodeInvalidTransition xerrors.Code = "ORDER_INVALID_TRANSITION"
	CodeOrderValidation   xerrors.Code = "ORDER_VALIDATION_FAILED"
	CodeRetriesExhausted  xerrors.Code = "ORDER_RETRIES_EXHAUSTED"
)

func init() {
	xerrors.Register(CodeOrderNotFound, xerrors.Attributes{
		Message:   "order not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeOrderConflict, xerrors.Attributes{
		Message:   "order conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInvalidTransition, xerrors.Attributes{
		Message:   "invalid order transition",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeOrderValidation, xerrors.Attributes{
		Message:   "order validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRetriesExhausted, xerrors.Attributes{
		Message:   "order refund retries exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// NotifyTo 返回事件的通知目标：未单独指定时通知收货地址的主人。
func (o *Order) NotifyTo() string {
	if o.NotifyTarget != "" {
		return o.NotifyTarget
	}
	return o.Recipient
}

func cloneOrder(o *Order) *Order {
	clone := *o
	return &clone
}
