// Package slippage 根据池子深度与 24h 波动自动决定买入滑点。
// 行情不可用时策略永远退回默认值，绝不阻断下单。
package slippage

import (
	"context"
	"fmt"
	"math"

	"github.com/ASI-Alliance-LATAM-Community/bnb-chain-lst-agent/pkg/logger"
)

// 分档阈值。深且平稳收紧到 0.5%，极浅或剧烈波动放宽到 2.0%。
const (
	DefaultBps = 100

	deepUSD        = 2_000_000
	shallowUSD     = 200_000
	veryShallowUSD = 50_000

	lowVolPct      = 2.0
	highVolPct     = 5.0
	veryHighVolPct = 10.0
)

// Policy 封装滑点决策。Fixed > 0 时跳过行情直接使用固定值。
type Policy struct {
	Source StatsSource
	Fixed  int
}

// Decide 返回本次买入应使用的滑点（bps）与可读的决策依据。
// 该方法不返回错误：任何行情故障都降级为默认滑点。
func (p *Policy) Decide(ctx context.Context, tokenAddress string) (int, string) {
	if p.Fixed > 0 {
		return p.Fixed, fmt.Sprintf("操作员固定滑点 %d bps", p.Fixed)
	}
	if p.Source == nil {
		return DefaultBps, "未配置行情来源，使用默认 1.0%"
	}

	stats, err := p.Source.PoolStats(ctx, tokenAddress)
	if err != nil {
		logger.L().Warn("获取池子行情失败，退回默认滑点",
			"token", tokenAddress, "error", err)
		return DefaultBps, "无法获取池子行情，使用默认 1.0%"
	}
	if !stats.HasLiquidity {
		return DefaultBps, "无法获取池子深度，使用默认 1.0%"
	}

	liq := stats.LiquidityUSD
	vol := math.Abs(stats.PriceChange24h)

	switch {
	case liq >= deepUSD && vol <= lowVolPct:
		return 50, fmt.Sprintf("深池 (~$%.0f) 且 24h 波动平稳 (%.2f%%)，收紧到 0.5%%", liq, vol)
	case liq < veryShallowUSD || vol >= veryHighVolPct:
		return 200, fmt.Sprintf("极浅池 (~$%.0f) 或 24h 剧烈波动 (%.2f%%)，放宽到 2.0%%", liq, vol)
	case liq < shallowUSD || vol >= highVolPct:
		return 150, fmt.Sprintf("浅池 (~$%.0f) 或 24h 波动偏高 (%.2f%%)，放宽到 1.5%%", liq, vol)
	default:
		return DefaultBps, fmt.Sprintf("中等深度 (~$%.0f)、24h 波动 %.2f%%，使用默认 1.0%%", liq, vol)
	}
}
