// Package registry maintains the allow-list of liquid staking tokens the
// agent is willing to purchase on BNB Smart Chain. A built-in list covers
// the well-known LSTs; deployments can override it with a YAML file.
package registry

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	xerrors "github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/errors"
)

// Token 描述一种受支持的 LST。地址是规范标识，符号面向用户。
type Token struct {
	Symbol  string   `yaml:"symbol" json:"symbol"`
	Name    string   `yaml:"name" json:"name"`
	Address string   `yaml:"address" json:"address"`
	Project string   `yaml:"project" json:"project"`
	Aliases []string `yaml:"aliases,omitempty" json:"aliases,omitempty"`
}

// Registry 提供符号/地址/别名到 Token 的查找。
type Registry struct {
	tokens []Token
}

// builtinTokens 是 BNB Chain 上的默认 LST 清单。
var builtinTokens = []Token{
	{
		Symbol:  "BNBx",
		Name:    "Stader BNBx",
		Address: "0x1bdd3cf7f79cfb8edbb955f20ad99211551ba275",
		Project: "Stader",
		Aliases: []string{"stader bnbx"},
	},
	{
		Symbol:  "ANKRBNB",
		Name:    "Ankr Staked BNB",
		Address: "0x52f24a5e03aee338da5fd9df68d2b6fae1178827",
		Project: "Ankr",
		Aliases: []string{"ankr bnb", "ankrbnb"},
	},
	{
		Symbol:  "STKBNB",
		Name:    "pSTAKE Staked BNB",
		Address: "0xc2e9d07f66a89c44062459a47a0d2dc038e4fb16",
		Project: "pSTAKE",
		Aliases: []string{"pstake bnb", "stkbnb"},
	},
}

// Builtin 返回内置清单构成的注册表。
func Builtin() *Registry {
	r, _ := New(builtinTokens)
	return r
}

// New 构造注册表，地址统一规范化为校验和格式。
func New(tokens []Token) (*Registry, error) {
	normalized := make([]Token, 0, len(tokens))
	for _, t := range tokens {
		if strings.TrimSpace(t.Symbol) == "" {
			return nil, xerrors.New(xerrors.CodeConfigInvalid, "token 缺少 symbol")
		}
		if !common.IsHexAddress(t.Address) {
			return nil, xerrors.New(xerrors.CodeConfigInvalid, "token "+t.Symbol+" 的地址不合法: "+t.Address)
		}
		t.Address = common.HexToAddress(t.Address).Hex()
		normalized = append(normalized, t)
	}
	if len(normalized) == 0 {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "token 清单为空")
	}
	return &Registry{tokens: normalized}, nil
}

// LoadFile 从 YAML 文件加载 token 清单覆盖内置默认值。
func LoadFile(path string) (*Registry, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "读取 token 清单失败")
	}
	var doc struct {
		Tokens []Token `yaml:"tokens"`
	}
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "解析 token 清单失败")
	}
	return New(doc.Tokens)
}

// Find 按地址、符号、别名的顺序查找（大小写不敏感）。
func (r *Registry) Find(symbolOrAddress string) (Token, error) {
	s := strings.ToLower(strings.TrimSpace(symbolOrAddress))
	if s == "" {
		return Token{}, xerrors.New(xerrors.CodeInvalidArgument, "token 标识不能为空")
	}

	for _, t := range r.tokens {
		if strings.ToLower(t.Address) == s {
			return t, nil
		}
	}
	for _, t := range r.tokens {
		if strings.ToLower(t.Symbol) == s {
			return t, nil
		}
	}
	for _, t := range r.tokens {
		for _, alias := range t.Aliases {
			if strings.ToLower(alias) == s {
				return t, nil
			}
		}
	}

	allowed := make([]string, 0, len(r.tokens))
	for _, t := range r.tokens {
		allowed = append(allowed, t.Symbol)
	}
	return Token{}, xerrors.New(xerrors.CodeInvalidArgument,
		fmt.Sprintf("不支持的 token %q，当前网络支持: %s", symbolOrAddress, strings.Join(allowed, ", ")))
}

// Tokens 返回清单副本。
func (r *Registry) Tokens() []Token {
	out := make([]Token, len(r.tokens))
	copy(out, r.tokens)
	return out
}
