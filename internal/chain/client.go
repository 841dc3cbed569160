package chain

import (
	"context"
	stdErrors "errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/errors"
)

const (
	// CodeRPCTransport 表示网络或 HTTP 层失败，下一个结算周期重试。
	CodeRPCTransport xerrors.Code = "RPC_TRANSPORT"
	// CodeRPCProtocol 表示节点返回了 JSON-RPC error 对象。
	CodeRPCProtocol xerrors.Code = "RPC_PROTOCOL"
)

func init() {
	xerrors.Register(CodeRPCTransport, xerrors.Attributes{
		Message:   "rpc transport failure",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeRPCProtocol, xerrors.Attributes{
		Message:   "rpc protocol error",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}

// DefaultTimeout bounds a single RPC round trip.
const DefaultTimeout = 20 * time.Second

// Config describes how to reach the chain node.
type Config struct {
	RPCURL  string
	Timeout time.Duration
}

// CallMsg is the call object shared by eth_call and eth_estimateGas.
type CallMsg struct {
	From  common.Address
	To    common.Address
	Value *big.Int
	Data  []byte
}

func (m CallMsg) toArg() map[string]any {
	arg := map[string]any{"to": m.To}
	if len(m.Data) > 0 {
		arg["data"] = hexutil.Bytes(m.Data)
	}
	if m.Value != nil && m.Value.Sign() != 0 {
		arg["value"] = (*hexutil.Big)(m.Value)
	}
	if m.From != (common.Address{}) {
		arg["from"] = m.From
	}
	return arg
}

// Node 是结算引擎消费的节点能力集合，便于在测试中以桩实现替换。
type Node interface {
	BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	NonceAt(ctx context.Context, addr common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg CallMsg) (uint64, error)
	Call(ctx context.Context, msg CallMsg) ([]byte, error)
	SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error)
}

// Client implements Node over a single configured JSON-RPC endpoint.
type Client struct {
	rpc     *gethrpc.Client
	timeout time.Duration
}

// Dial 连接配置的节点并返回可用的客户端。
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	url := strings.TrimSpace(cfg.RPCURL)
	if url == "" {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "未配置链节点 RPC 地址")
	}
	rpcClient, err := gethrpc.DialContext(ctx, url)
	if err != nil {
		return nil, xerrors.Wrap(CodeRPCTransport, err, "连接链节点失败")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{rpc: rpcClient, timeout: timeout}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() {
	if c != nil && c.rpc != nil {
		c.rpc.Close()
	}
}

func (c *Client) call(ctx context.Context, result any, method string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.rpc.CallContext(ctx, result, method, args...)
	if err == nil {
		return nil
	}
	var jsonErr gethrpc.Error
	if stdErrors.As(err, &jsonErr) {
		return xerrors.Wrap(CodeRPCProtocol, err, "节点返回错误",
			xerrors.WithMetadata("method", method))
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(CodeRPCTransport, err, "RPC 调用超时",
			xerrors.WithMetadata("method", method))
	}
	return xerrors.Wrap(CodeRPCTransport, err, "RPC 传输失败",
		xerrors.WithMetadata("method", method))
}

// BalanceAt 查询地址的原生币余额（wei）。
func (c *Client) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	var out hexutil.Big
	if err := c.call(ctx, &out, "eth_getBalance", addr, "latest"); err != nil {
		return nil, err
	}
	return (*big.Int)(&out), nil
}

// GasPrice 查询当前建议的 legacy gas 价格。
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	var out hexutil.Big
	if err := c.call(ctx, &out, "eth_gasPrice"); err != nil {
		return nil, err
	}
	return (*big.Int)(&out), nil
}

// NonceAt 查询地址已确认的交易计数。
func (c *Client) NonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	var out hexutil.Uint64
	if err := c.call(ctx, &out, "eth_getTransactionCount", addr, "latest"); err != nil {
		return 0, err
	}
	return uint64(out), nil
}

// EstimateGas 对调用对象执行 eth_estimateGas。
func (c *Client) EstimateGas(ctx context.Context, msg CallMsg) (uint64, error) {
	var out hexutil.Uint64
	if err := c.call(ctx, &out, "eth_estimateGas", msg.toArg()); err != nil {
		return 0, err
	}
	return uint64(out), nil
}

// Call 以 latest 状态模拟执行调用对象并返回返回值字节。
// 若调用会 revert，节点以 JSON-RPC error 响应，此处映射为 RPC_PROTOCOL。
func (c *Client) Call(ctx context.Context, msg CallMsg) ([]byte, error) {
	var out hexutil.Bytes
	if err := c.call(ctx, &out, "eth_call", msg.toArg(), "latest"); err != nil {
		return nil, err
	}
	return out, nil
}

// SendRawTransaction 广播已签名的交易并返回交易哈希。
func (c *Client) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	var out common.Hash
	if err := c.call(ctx, &out, "eth_sendRawTransaction", hexutil.Encode(raw)); err != nil {
		return common.Hash{}, err
	}
	return out, nil
}

var _ Node = (*Client)(nil)
