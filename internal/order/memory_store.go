package order

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/errors"
)

// MemoryStore 以内存方式保存订单，用于测试与单机开发环境。
// 进程退出即丢失全部签名凭证，生产部署必须使用 MySQL 存储。
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*Order
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*Order)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, o *Order) error {
	if o == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "order 不能为空")
	}
	if o.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "订单 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; ok {
		return ErrOrderConflict
	}
	now := time.Now().Unix()
	if o.CreatedAt == 0 {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	m.orders[o.ID] = cloneOrder(o)
	return nil
}

// Get 返回订单快照。
func (m *MemoryStore) Get(_ context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

// ListActive 返回所有非终态订单，按创建时间升序。
func (m *MemoryStore) ListActive(_ context.Context) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*Order, 0, len(m.orders))
	for _, o := range m.orders {
		if IsTerminal(o.Status) {
			continue
		}
		results = append(results, cloneOrder(o))
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt == results[j].CreatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt < results[j].CreatedAt
	})
	return results, nil
}

// MarkFundingSeen 记录首次入金时间。
func (m *MemoryStore) MarkFundingSeen(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	if o.FundedAt == 0 {
		o.FundedAt = time.Now().Unix()
		o.UpdatedAt = o.FundedAt
	}
	return nil
}

// MarkComplete 记录换币结果。
func (m *MemoryStore) MarkComplete(_ context.Context, id, txHash, deliveredRaw string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	if !CanTransition(o.Status, StatusComplete) {
		return ErrInvalidTransition
	}
	o.Status = StatusComplete
	o.SwapTxHash = txHash
	o.DeliveredRaw = deliveredRaw
	o.LastError = ""
	o.ErrorCode = ""
	o.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkRefundPending 把订单转入退款轨道。
func (m *MemoryStore) MarkRefundPending(_ context.Context, id string, code xerrors.Code, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	if o.Status != StatusPending {
		return ErrInvalidTransition
	}
	o.Status = StatusRefundPending
	o.Attempts++
	o.LastError = lastError
	o.ErrorCode = string(code)
	o.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkRefunded 记录退款结果。
func (m *MemoryStore) MarkRefunded(_ context.Context, id, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	if !CanTransition(o.Status, StatusRefunded) {
		return ErrInvalidTransition
	}
	o.Status = StatusRefunded
	o.RefundTxHash = txHash
	o.LastError = ""
	o.ErrorCode = ""
	o.UpdatedAt = time.Now().Unix()
	return nil
}

// RecordFailure 记录一次失败的退款尝试。
func (m *MemoryStore) RecordFailure(_ context.Context, id string, code xerrors.Code, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	if o.Status != StatusRefundPending {
		return ErrInvalidTransition
	}
	o.Attempts++
	o.LastError = lastError
	o.ErrorCode = string(code)
	o.UpdatedAt = time.Now().Unix()
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
