package txbuild

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// PayURI 渲染最朴素的 "向地址付款" EIP-681 URI，兼容面最广，
// 用于展示订单的入金地址。
func PayURI(to common.Address, chainID uint64) string {
	return fmt.Sprintf("ethereum:%s@%d", to.Hex(), chainID)
}

// CallURI 渲染携带 value/calldata 的 EIP-681 调用 URI。gas 参数可选，
// 仅在估算可用时附加。Builder 不校验地址校验和，调用方需提供规范地址。
func CallURI(to common.Address, chainID uint64, valueWei *big.Int, data []byte, gasLimit uint64, gasPrice *big.Int) string {
	value := "0"
	if valueWei != nil {
		value = valueWei.String()
	}
	uri := fmt.Sprintf("ethereum:%s@%d?value=%s&data=%s", to.Hex(), chainID, value, hexutil.Encode(data))
	if gasLimit > 0 {
		uri += fmt.Sprintf("&gas=%d", gasLimit)
	}
	if gasPrice != nil && gasPrice.Sign() > 0 {
		uri += fmt.Sprintf("&gasPrice=%s", gasPrice.String())
	}
	return uri
}
