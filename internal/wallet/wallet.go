package wallet

import (
	"crypto/ecdsa"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/errors"
)

// CodeSigning 表示签名阶段失败，正常运行时不应出现。
const CodeSigning xerrors.Code = "SIGNING_FAILED"

func init() {
	xerrors.Register(CodeSigning, xerrors.Attributes{
		Message:   "transaction signing failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// Credential 是订单独占的临时签名凭证。私钥是控制入金地址资金的
// 唯一凭据：丢失即丢失资金，泄露即失去控制权。凭证只通过
// SignLegacy 暴露签名能力，任何日志或序列化路径都拿不到密钥本体。
type Credential struct {
	key *ecdsa.PrivateKey
}

// NewCredential 使用密码学安全的随机源生成新的 secp256k1 密钥对。
func NewCredential() (*Credential, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, xerrors.Wrap(CodeSigning, err, "生成签名凭证失败")
	}
	return &Credential{key: key}, nil
}

// Address 返回由私钥唯一确定的入金地址。
func (c *Credential) Address() common.Address {
	if c == nil || c.key == nil {
		return common.Address{}
	}
	return crypto.PubkeyToAddress(c.key.PublicKey)
}

// SignLegacy 以 EIP-155 对 legacy 交易签名，返回可直接广播的
// RLP 编码原始交易字节。
func (c *Credential) SignLegacy(tx *coretypes.Transaction, chainID *big.Int) ([]byte, error) {
	if c == nil || c.key == nil {
		return nil, xerrors.New(CodeSigning, "签名凭证未初始化")
	}
	if tx == nil || chainID == nil {
		return nil, xerrors.New(CodeSigning, "缺少待签名交易或链 ID")
	}
	signed, err := coretypes.SignTx(tx, coretypes.NewEIP155Signer(chainID), c.key)
	if err != nil {
		return nil, xerrors.Wrap(CodeSigning, err, "交易签名失败")
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, xerrors.Wrap(CodeSigning, err, "序列化已签名交易失败")
	}
	return raw, nil
}

// Encode 将凭证导出为 0x 前缀十六进制，仅供订单存储层持久化使用。
func (c *Credential) Encode() string {
	if c == nil || c.key == nil {
		return ""
	}
	return hexutil.Encode(crypto.FromECDSA(c.key))
}

// Decode 从存储层持久化的十六进制还原凭证。
func Decode(encoded string) (*Credential, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(encoded), "0x"))
	if err != nil {
		return nil, xerrors.Wrap(CodeSigning, err, "还原签名凭证失败")
	}
	return &Credential{key: key}, nil
}

// String 只暴露地址，保证凭证进入日志时不泄露密钥。
func (c *Credential) String() string {
	return "credential(" + c.Address().Hex() + ")"
}
