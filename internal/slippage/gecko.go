package slippage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/internal/errors"
)

// DefaultStatsBase 是 GeckoTerminal 公共 API 的根地址。
const DefaultStatsBase = "https://api.geckoterminal.com/api/v2"

// CodeStatsUnavailable 表示行情数据源暂时不可用，调用方应退回默认滑点。
const CodeStatsUnavailable xerrors.Code = "POOL_STATS_UNAVAILABLE"

func init() {
	xerrors.Register(CodeStatsUnavailable, xerrors.Attributes{
		Message:   "pool stats unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}

// PoolStats 汇总目标 token 头部池子的深度与 24h 波动。
type PoolStats struct {
	LiquidityUSD   float64
	PriceChange24h float64
	HasLiquidity   bool
	HasPriceChange bool
}

// StatsSource 抽象池子行情来源，便于测试替换。
type StatsSource interface {
	PoolStats(ctx context.Context, tokenAddress string) (PoolStats, error)
}

// GeckoClient 通过 GeckoTerminal 查询 token 在 BSC 上的头部池子行情。
type GeckoClient struct {
	base string
	wbnb string
	hc   *http.Client
}

// NewGeckoClient 构造行情客户端。base 为空时使用 DefaultStatsBase。
func NewGeckoClient(base, wbnbAddress string, timeout time.Duration) *GeckoClient {
	if base == "" {
		base = DefaultStatsBase
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &GeckoClient{
		base: strings.TrimRight(base, "/"),
		wbnb: strings.ToLower(wbnbAddress),
		hc:   &http.Client{Timeout: timeout},
	}
}

type geckoResponse struct {
	Included []struct {
		Type       string                     `json:"type"`
		Attributes map[string]json.RawMessage `json:"attributes"`
	} `json:"included"`
}

// PoolStats 拉取 token 的头部池子，优先挑选对手方为 WBNB 的池子。
func (c *GeckoClient) PoolStats(ctx context.Context, tokenAddress string) (PoolStats, error) {
	url := fmt.Sprintf("%s/networks/bsc/tokens/%s?include=top_pools",
		c.base, common.HexToAddress(tokenAddress).Hex())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return PoolStats{}, xerrors.Wrap(CodeStatsUnavailable, err, "构造行情请求失败")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return PoolStats{}, xerrors.Wrap(CodeStatsUnavailable, err, "请求行情数据失败")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return PoolStats{}, xerrors.New(CodeStatsUnavailable,
			fmt.Sprintf("行情接口返回状态码 %d", resp.StatusCode))
	}

	var body geckoResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return PoolStats{}, xerrors.Wrap(CodeStatsUnavailable, err, "解析行情响应失败")
	}

	var chosen map[string]json.RawMessage
	for _, item := range body.Included {
		if item.Type != "pool" {
			continue
		}
		if chosen == nil {
			chosen = item.Attributes
		}
		if c.wbnb != "" && attrsMention(item.Attributes, c.wbnb) {
			chosen = item.Attributes
			break
		}
	}
	if chosen == nil {
		return PoolStats{}, xerrors.New(CodeStatsUnavailable, "未找到可用池子")
	}

	var stats PoolStats
	if v, ok := firstNumber(chosen,
		"reserve_in_usd", "reserve_usd", "liquidity_usd",
		"total_liquidity_usd", "pool_liquidity_usd"); ok {
		stats.LiquidityUSD = v
		stats.HasLiquidity = true
	}
	if v, ok := firstNumber(chosen,
		"price_change_24h", "price_change_percentage_24h"); ok {
		stats.PriceChange24h = v
		stats.HasPriceChange = true
	}
	return stats, nil
}

// attrsMention 判断池子属性里是否出现目标地址（不区分大小写）。
func attrsMention(attrs map[string]json.RawMessage, needle string) bool {
	for _, raw := range attrs {
		if strings.Contains(strings.ToLower(string(raw)), needle) {
			return true
		}
	}
	return false
}

// firstNumber 按优先级取第一个能解析为数字的字段，接受数字与字符串两种编码。
func firstNumber(attrs map[string]json.RawMessage, keys ...string) (float64, bool) {
	for _, key := range keys {
		raw, ok := attrs[key]
		if !ok {
			continue
		}
		var f float64
		if err := json.Unmarshal(raw, &f); err == nil {
			return f, true
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}
