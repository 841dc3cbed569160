package order

import (
	"context"

	xerrors "github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/errors"
)

// Store 抽象订单持久化。所有状态迁移方法都必须校验状态机：
// 迁移不合法时返回 ErrInvalidTransition，订单不存在时返回 ErrOrderNotFound。
type Store interface {
	// Create 插入新订单。ID 冲突返回 ErrOrderConflict。
	Create(ctx context.Context, o *Order) error
	// Get 返回订单快照。
	Get(ctx context.Context, id string) (*Order, error)
	// ListActive 返回所有非终态订单，按创建时间升序。
	ListActive(ctx context.Context) ([]*Order, error)
	// MarkFundingSeen 记录首次观察到入金的时间，只生效一次。
	MarkFundingSeen(ctx context.Context, id string) error
	// MarkComplete 记录换币交易哈希与交付数量，pending → complete。
	MarkComplete(ctx context.Context, id, txHash, deliveredRaw string) error
	// MarkRefundPending 把确定性失败的订单转入退款轨道并递增 attempts，
	// pending → refund_pending。
	MarkRefundPending(ctx context.Context, id string, code xerrors.Code, lastError string) error
	// MarkRefunded 记录退款交易哈希，refund_pending → refunded。
	MarkRefunded(ctx context.Context, id, txHash string) error
	// RecordFailure 记录一次失败的退款尝试：状态保持 refund_pending，
	// attempts 递增，错误上下文覆盖为最新一次。
	RecordFailure(ctx context.Context, id string, code xerrors.Code, lastError string) error
	// Close 释放底层资源。
	Close() error
}
