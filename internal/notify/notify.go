// Package notify 把订单生命周期事件广播给外部系统（机器人、风控、对账）。
// 事件只携带可公开字段，签名凭证与私钥永远不会进入队列。
package notify

import (
	"context"
	"encoding/json"

	xerrors "github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/errors"
)

// Kind 标识事件类型。
type Kind string

const (
	KindCreated  Kind = "order.created"
	KindFunded   Kind = "order.funded"
	KindSettled  Kind = "order.settled"
	KindRefunded Kind = "order.refunded"
)

// Event 描述一笔订单的状态变化。
type Event struct {
	ID         string `json:"id"`
	OrderID    string `json:"order_id"`
	Kind       Kind   `json:"kind"`
	Symbol     string `json:"symbol,omitempty"`
	TxHash     string `json:"tx_hash,omitempty"`
	Target     string `json:"target,omitempty"`
	OccurredAt int64  `json:"occurred_at"`
}

// Encode 把事件编码为队列消息体。
func (e Event) Encode() ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "编码事件失败")
	}
	return body, nil
}

// DecodeEvent 解析队列消息体。
func DecodeEvent(body []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(body, &e); err != nil {
		return Event{}, xerrors.Wrap(xerrors.CodeQueueFailure, err, "解析事件失败")
	}
	return e, nil
}

// Handler 处理一条订单事件。
type Handler func(ctx context.Context, event Event) error

// Publisher 负责向队列投递事件。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Consumer 负责从队列消费事件。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Publisher
	Consumer
}
