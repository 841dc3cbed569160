package order

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/chain"
	xerrors "github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/errors"
	"github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/notify"
	"github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/registry"
	"github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/slippage"
	"github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/txbuild"
	"github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/wallet"
	"github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/pkg/logger"
)

// ServiceConfig 描述订单服务的链上参数。
type ServiceConfig struct {
	ChainID     uint64
	Router      common.Address
	WBNB        common.Address
	MaxAttempts int
	// DeadlineSeconds 是自助换币意图的交易截止期，默认 20 分钟。
	DeadlineSeconds int64
}

// Service 负责订单的创建、查询与自助交易意图的构造。
type Service struct {
	store     Store
	node      chain.Node
	registry  *registry.Registry
	policy    *slippage.Policy
	publisher notify.Publisher
	cfg       ServiceConfig
}

// NewService 构造订单服务。
func NewService(store Store, node chain.Node, reg *registry.Registry, policy *slippage.Policy, publisher notify.Publisher, cfg ServiceConfig) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.DeadlineSeconds <= 0 {
		cfg.DeadlineSeconds = 20 * 60
	}
	return &Service{store: store, node: node, registry: reg, policy: policy, publisher: publisher, cfg: cfg}
}

// OpenRequest 描述一笔托管买单请求。SlippageBps 为零时启用自动滑点。
type OpenRequest struct {
	Token       string `json:"token"`
	Recipient   string `json:"recipient"`
	SlippageBps int    `json:"slippage_bps,omitempty"`
	// NotifyTarget 是接收生命周期事件的外部标识（机器人会话、回调地址），
	// 为空时事件目标退化为收货地址。
	NotifyTarget string `json:"notify_target,omitempty"`
}

// OpenResult 返回给用户扫码付款所需的全部信息。
type OpenResult struct {
	Order  *Order   `json:"order"`
	PayURI string   `json:"uri"`
	Notes  []string `json:"notes"`
}

// Open 创建托管买单：生成独占签名凭证与入金地址，确定滑点并落库。
// 金额由用户入金时决定，订单创建阶段不需要。
func (s *Service) Open(ctx context.Context, req OpenRequest) (*OpenResult, error) {
	if s.store == nil || s.registry == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "订单服务未初始化")
	}
	if !common.IsHexAddress(req.Recipient) {
		return nil, xerrors.New(CodeOrderValidation, "收货地址不合法: "+req.Recipient)
	}
	token, err := s.registry.Find(req.Token)
	if err != nil {
		return nil, err
	}

	bps, reason, err := s.decideSlippage(ctx, token.Address, req.SlippageBps)
	if err != nil {
		return nil, err
	}

	cred, err := wallet.NewCredential()
	if err != nil {
		return nil, err
	}

	o := &Order{
		ID:             uuid.NewString(),
		Symbol:         token.Symbol,
		TokenAddress:   token.Address,
		Recipient:      common.HexToAddress(req.Recipient).Hex(),
		SlippageBps:    bps,
		SlippageReason: reason,
		DepositAddress: cred.Address().Hex(),
		NotifyTarget:   strings.TrimSpace(req.NotifyTarget),
		Credential:     cred,
		Status:         StatusPending,
		MaxAttempts:    s.cfg.MaxAttempts,
	}
	if err := s.store.Create(ctx, o); err != nil {
		return nil, err
	}

	s.publish(ctx, notify.Event{
		OrderID: o.ID,
		Kind:    notify.KindCreated,
		Symbol:  o.Symbol,
		Target:  o.NotifyTo(),
	})
	logger.Audit().Info("托管买单已创建",
		slog.String("order_id", o.ID),
		slog.String("symbol", o.Symbol),
		slog.String("deposit", o.DepositAddress),
		slog.String("recipient", o.Recipient),
		slog.Int("slippage_bps", o.SlippageBps),
	)

	return &OpenResult{
		Order:  o,
		PayURI: txbuild.PayURI(cred.Address(), s.cfg.ChainID),
		Notes: []string{
			"扫码后向订单地址转入任意数量的 BNB，需覆盖 gas。",
			"代理会把 BNB 换成 " + token.Symbol + " 并发送到收货地址。",
			fmt.Sprintf("滑点 %.2f%%：%s", float64(bps)/100, reason),
		},
	}, nil
}

func (s *Service) decideSlippage(ctx context.Context, tokenAddress string, requested int) (int, string, error) {
	if requested != 0 {
		if requested < 0 || requested >= 10000 {
			return 0, "", xerrors.New(CodeOrderValidation,
				fmt.Sprintf("滑点 %d bps 超出 [1, 9999]", requested))
		}
		return requested, "用户指定滑点", nil
	}
	if s.policy == nil {
		return slippage.DefaultBps, "未配置滑点策略，使用默认 1.0%", nil
	}
	bps, reason := s.policy.Decide(ctx, tokenAddress)
	return bps, reason, nil
}

func (s *Service) publish(ctx context.Context, event notify.Event) {
	if s.publisher == nil {
		return
	}
	event.ID = uuid.NewString()
	event.OccurredAt = time.Now().Unix()
	if err := s.publisher.Publish(ctx, event); err != nil {
		logger.L().Warn("发布订单事件失败",
			slog.String("order_id", event.OrderID),
			slog.String("kind", string(event.Kind)),
			slog.Any("error", err))
	}
}

// Get 返回指定订单的状态。
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "订单存储未初始化")
	}
	return s.store.Get(ctx, strings.TrimSpace(id))
}

// ListActive 返回所有仍在结算的订单。
func (s *Service) ListActive(ctx context.Context) ([]*Order, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "订单存储未初始化")
	}
	return s.store.ListActive(ctx)
}

// Tokens 返回当前支持的 LST 清单。
func (s *Service) Tokens() []registry.Token {
	if s.registry == nil {
		return nil
	}
	return s.registry.Tokens()
}

// Intent 是一笔预填好的自助交易，用户用自己的钱包签名并广播。
type Intent struct {
	To       string   `json:"to"`
	ValueWei string   `json:"value_wei"`
	Data     string   `json:"data"`
	URI      string   `json:"uri"`
	Notes    []string `json:"notes,omitempty"`
}

// SwapIntentRequest 描述一笔自助换币意图。
type SwapIntentRequest struct {
	Token       string `json:"token"`
	AmountBNB   string `json:"amount_bnb"`
	Recipient   string `json:"recipient"`
	SlippageBps int    `json:"slippage_bps,omitempty"`
}

// SwapIntent 额外携带报价信息。
type SwapIntent struct {
	Intent
	Symbol       string `json:"symbol"`
	TokenAddress string `json:"token_address"`
	SlippageBps  int    `json:"slippage_bps"`
	QuotedOut    string `json:"quoted_out"`
	AmountOutMin string `json:"amount_out_min"`
	Deadline     int64  `json:"deadline"`
}

// BuildSwapIntent 构造 swapExactETHForTokens 的自助交易意图。
// 报价与 gas 估算都在线完成，gas 估算失败不阻断（退化为无 gas 参数的 URI）。
func (s *Service) BuildSwapIntent(ctx context.Context, req SwapIntentRequest) (*SwapIntent, error) {
	if s.node == nil || s.registry == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "订单服务未初始化")
	}
	if !common.IsHexAddress(req.Recipient) {
		return nil, xerrors.New(CodeOrderValidation, "收货地址不合法: "+req.Recipient)
	}
	token, err := s.registry.Find(req.Token)
	if err != nil {
		return nil, err
	}
	amountIn, err := txbuild.WeiFromBNB(req.AmountBNB)
	if err != nil {
		return nil, err
	}
	bps, reason, err := s.decideSlippage(ctx, token.Address, req.SlippageBps)
	if err != nil {
		return nil, err
	}

	recipient := common.HexToAddress(req.Recipient)
	path := []common.Address{s.cfg.WBNB, common.HexToAddress(token.Address)}

	quoted, err := s.quoteOut(ctx, amountIn, path)
	if err != nil {
		return nil, err
	}
	minOut, err := txbuild.MinOutAfterSlippage(quoted, bps)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Unix() + s.cfg.DeadlineSeconds
	data, err := txbuild.SwapCalldata(minOut, path, recipient, big.NewInt(deadline))
	if err != nil {
		return nil, err
	}

	if _, err := s.node.Call(ctx, chain.CallMsg{
		From:  recipient,
		To:    s.cfg.Router,
		Value: amountIn,
		Data:  data,
	}); err != nil {
		return nil, xerrors.Wrap(CodeOrderValidation, err, "换币模拟失败，交易会回滚")
	}

	notes := []string{
		fmt.Sprintf("滑点 %.2f%%：%s", float64(bps)/100, reason),
		"Router: PancakeSwap v2",
	}
	var gasLimit uint64
	var gasPrice *big.Int
	if limit, err := s.node.EstimateGas(ctx, chain.CallMsg{
		From: recipient, To: s.cfg.Router, Value: amountIn, Data: data,
	}); err != nil {
		notes = append(notes, "gas 估算失败，钱包将自行估算")
	} else if price, err := s.node.GasPrice(ctx); err != nil {
		notes = append(notes, "gas 价格查询失败，钱包将自行估算")
	} else {
		gasLimit = limit
		gasPrice = price
	}

	return &SwapIntent{
		Intent: Intent{
			To:       s.cfg.Router.Hex(),
			ValueWei: amountIn.String(),
			Data:     "0x" + common.Bytes2Hex(data),
			URI:      txbuild.CallURI(s.cfg.Router, s.cfg.ChainID, amountIn, data, gasLimit, gasPrice),
			Notes:    notes,
		},
		Symbol:       token.Symbol,
		TokenAddress: token.Address,
		SlippageBps:  bps,
		QuotedOut:    quoted.String(),
		AmountOutMin: minOut.String(),
		Deadline:     deadline,
	}, nil
}

// ApproveIntentRequest 描述一笔 ERC-20 授权意图。Amount 为空或
// "max"/"unlimited" 时授权无限额度。
type ApproveIntentRequest struct {
	Token  string `json:"token"`
	Amount string `json:"amount,omitempty"`
}

// ApproveIntent 额外携带授权参数。
type ApproveIntent struct {
	Intent
	TokenAddress string `json:"token_address"`
	Spender      string `json:"spender"`
	Amount       string `json:"amount_uint256"`
}

// BuildApproveIntent 构造 approve(router, amount) 的自助交易意图。
func (s *Service) BuildApproveIntent(_ context.Context, req ApproveIntentRequest) (*ApproveIntent, error) {
	if s.registry == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "订单服务未初始化")
	}
	token, err := s.registry.Find(req.Token)
	if err != nil {
		return nil, err
	}
	amount, err := txbuild.ParseApproveAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	tokenAddr := common.HexToAddress(token.Address)
	data, err := txbuild.ApproveCalldata(s.cfg.Router, amount)
	if err != nil {
		return nil, err
	}
	return &ApproveIntent{
		Intent: Intent{
			To:       tokenAddr.Hex(),
			ValueWei: "0",
			Data:     "0x" + common.Bytes2Hex(data),
			URI:      txbuild.CallURI(tokenAddr, s.cfg.ChainID, big.NewInt(0), data, 0, nil),
			Notes: []string{
				"Function: approve(spender, value)，不转出任何 BNB。",
				"Spender: PancakeSwap v2 router。",
			},
		},
		TokenAddress: token.Address,
		Spender:      s.cfg.Router.Hex(),
		Amount:       amount.String(),
	}, nil
}

// Delivered 描述收货地址当前持有的订单代币。
type Delivered struct {
	OrderID      string `json:"order_id"`
	TokenAddress string `json:"token_address"`
	Recipient    string `json:"recipient"`
	Raw          string `json:"raw"`
	Decimals     uint8  `json:"decimals"`
}

// DeliveredBalance 读取收货地址的订单代币余额，供用户核验到账。
func (s *Service) DeliveredBalance(ctx context.Context, orderID string) (*Delivered, error) {
	if s.node == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "节点客户端未初始化")
	}
	o, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	tokenAddr := common.HexToAddress(o.TokenAddress)
	ret, err := s.node.Call(ctx, chain.CallMsg{
		To:   tokenAddr,
		Data: txbuild.BalanceOfCalldata(common.HexToAddress(o.Recipient)),
	})
	if err != nil {
		return nil, err
	}
	balance := new(big.Int).SetBytes(ret)

	decimals := uint8(18)
	if ret, err := s.node.Call(ctx, chain.CallMsg{
		To:   tokenAddr,
		Data: txbuild.DecimalsCalldata(),
	}); err == nil && len(ret) > 0 {
		decimals = uint8(new(big.Int).SetBytes(ret).Uint64())
	}

	return &Delivered{
		OrderID:      o.ID,
		TokenAddress: o.TokenAddress,
		Recipient:    o.Recipient,
		Raw:          balance.String(),
		Decimals:     decimals,
	}, nil
}

// quoteOut 通过 getAmountsOut 报价，返回路径末端的输出数量。
func (s *Service) quoteOut(ctx context.Context, amountIn *big.Int, path []common.Address) (*big.Int, error) {
	data, err := txbuild.AmountsOutCalldata(amountIn, path)
	if err != nil {
		return nil, err
	}
	ret, err := s.node.Call(ctx, chain.CallMsg{To: s.cfg.Router, Data: data})
	if err != nil {
		return nil, err
	}
	amounts, err := txbuild.DecodeAmounts(ret)
	if err != nil {
		return nil, err
	}
	if len(amounts) == 0 {
		return nil, xerrors.New(chain.CodeRPCProtocol, "getAmountsOut 返回空结果")
	}
	return amounts[len(amounts)-1], nil
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.publisher != nil {
		return s.publisher.Close()
	}
	return nil
}
