package txbuild

import (
	"math/big"
	"strings"

	xerrors "github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/errors"
)

var (
	weiPerBNB = new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	// maxUint256 是 "unlimited" 授权对应的哨兵值 2^256-1。
	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

// MaxApproval 返回无限授权哨兵值的副本。
func MaxApproval() *big.Int {
	return new(big.Int).Set(maxUint256)
}

// WeiFromBNB 将十进制 BNB 金额缩放为 wei。始终向零截断，避免
// 花费超过用户声明的数额。
func WeiFromBNB(amount string) (*big.Int, error) {
	s := strings.TrimSpace(amount)
	if s == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "金额不能为空")
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "无法解析的金额: "+amount)
	}
	if r.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "金额必须大于 0")
	}
	r.Mul(r, weiPerBNB)
	return new(big.Int).Quo(r.Num(), r.Denom()), nil
}

// ParseApproveAmount 解析授权数量：空值、"max"、"unlimited" 表示 2^256-1；
// 0x 前缀按十六进制解析；其余按十进制解析。
func ParseApproveAmount(amount string) (*big.Int, error) {
	a := strings.ToLower(strings.TrimSpace(amount))
	if a == "" || a == "max" || a == "unlimited" {
		return MaxApproval(), nil
	}

	var value *big.Int
	var ok bool
	if strings.HasPrefix(a, "0x") {
		value, ok = new(big.Int).SetString(strings.TrimPrefix(a, "0x"), 16)
	} else {
		value, ok = new(big.Int).SetString(a, 10)
	}
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "无法解析的授权数量: "+amount)
	}
	if value.Sign() < 0 || value.Cmp(maxUint256) > 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "授权数量超出 uint256 范围")
	}
	return value, nil
}
