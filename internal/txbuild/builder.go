package txbuild

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/errors"
)

// Canonical signatures of every contract function the agent calls.
const (
	SigSwapExactETHForTokens = "swapExactETHForTokens(uint256,address[],address,uint256)"
	SigGetAmountsOut         = "getAmountsOut(uint256,address[])"
	SigApprove               = "approve(address,uint256)"
	SigBalanceOf             = "balanceOf(address)"
	SigDecimals              = "decimals()"
)

func mustType(name string) abi.Type {
	t, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(err)
	}
	return t
}

var (
	typeUint256      = mustType("uint256")
	typeAddress      = mustType("address")
	typeAddressSlice = mustType("address[]")
	typeUint256Slice = mustType("uint256[]")

	swapArgs       = abi.Arguments{{Type: typeUint256}, {Type: typeAddressSlice}, {Type: typeAddress}, {Type: typeUint256}}
	amountsOutArgs = abi.Arguments{{Type: typeUint256}, {Type: typeAddressSlice}}
	approveArgs    = abi.Arguments{{Type: typeAddress}, {Type: typeUint256}}
	balanceOfArgs  = abi.Arguments{{Type: typeAddress}}
	amountsRet     = abi.Arguments{{Type: typeUint256Slice}}
)

// Selector 返回函数规范签名 Keccak-256 哈希的前 4 字节。
func Selector(sig string) []byte {
	return crypto.Keccak256([]byte(sig))[:4]
}

// SwapCalldata 编码 swapExactETHForTokens(amountOutMin, path, to, deadline)。
// 交易的 value 字段承载被兑换的原生币数量，不在 calldata 中。
func SwapCalldata(amountOutMin *big.Int, path []common.Address, to common.Address, deadline *big.Int) ([]byte, error) {
	if amountOutMin == nil || deadline == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "amountOutMin 与 deadline 不能为空")
	}
	if len(path) < 2 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "兑换路径至少需要两个地址")
	}
	packed, err := swapArgs.Pack(amountOutMin, path, to, deadline)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 swap 参数失败")
	}
	return append(Selector(SigSwapExactETHForTokens), packed...), nil
}

// DecodeSwapCalldata 将 SwapCalldata 的输出还原为四个参数。
func DecodeSwapCalldata(data []byte) (amountOutMin *big.Int, path []common.Address, to common.Address, deadline *big.Int, err error) {
	if len(data) < 4 {
		return nil, nil, common.Address{}, nil, xerrors.New(xerrors.CodeInvalidArgument, "calldata 过短")
	}
	values, err := swapArgs.Unpack(data[4:])
	if err != nil {
		return nil, nil, common.Address{}, nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解码 swap 参数失败")
	}
	return values[0].(*big.Int), values[1].([]common.Address), values[2].(common.Address), values[3].(*big.Int), nil
}

// AmountsOutCalldata 编码 getAmountsOut(amountIn, path) 只读调用。
func AmountsOutCalldata(amountIn *big.Int, path []common.Address) ([]byte, error) {
	if amountIn == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "amountIn 不能为空")
	}
	if len(path) < 2 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "兑换路径至少需要两个地址")
	}
	packed, err := amountsOutArgs.Pack(amountIn, path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 getAmountsOut 参数失败")
	}
	return append(Selector(SigGetAmountsOut), packed...), nil
}

// DecodeAmounts 解析路由器返回的 uint256[]。
func DecodeAmounts(ret []byte) ([]*big.Int, error) {
	values, err := amountsRet.Unpack(ret)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析路由器返回值失败")
	}
	amounts, ok := values[0].([]*big.Int)
	if !ok || len(amounts) < 2 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "路由器返回的兑换数量不完整")
	}
	return amounts, nil
}

// ApproveCalldata 编码 ERC-20 approve(spender, value)。外层交易 value 恒为 0。
func ApproveCalldata(spender common.Address, value *big.Int) ([]byte, error) {
	if value == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "授权数量不能为空")
	}
	packed, err := approveArgs.Pack(spender, value)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 approve 参数失败")
	}
	return append(Selector(SigApprove), packed...), nil
}

// BalanceOfCalldata 编码 ERC-20 balanceOf(owner)。
func BalanceOfCalldata(owner common.Address) []byte {
	packed, _ := balanceOfArgs.Pack(owner)
	return append(Selector(SigBalanceOf), packed...)
}

// DecimalsCalldata 编码 ERC-20 decimals()。
func DecimalsCalldata() []byte {
	return Selector(SigDecimals)
}

// MinOutAfterSlippage 按基点折扣计算可接受的最小输出：
// floor(amountOut * (10000 - bps) / 10000)。
func MinOutAfterSlippage(amountOut *big.Int, bps int) (*big.Int, error) {
	if bps < 0 || bps >= 10_000 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "slippage_bps 必须位于 [0, 10000)")
	}
	if amountOut == nil || amountOut.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "amountOut 不能为负")
	}
	min := new(big.Int).Mul(amountOut, big.NewInt(int64(10_000-bps)))
	return min.Quo(min, big.NewInt(10_000)), nil
}

// NewLegacyTx assembles a pre-EIP-1559 transaction envelope.
func NewLegacyTx(nonce uint64, to common.Address, value *big.Int, gasLimit uint64, gasPrice *big.Int, data []byte) *coretypes.Transaction {
	return coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
}
