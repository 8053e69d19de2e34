package domain

// Regime 市场状态标签，决定哪些策略允许交易
type Regime string

const (
	RegimeTrendingBull Regime = "trending_bull" // 趋势多头
	RegimeTrendingBear Regime = "trending_bear" // 趋势空头
	RegimeRangeBound   Regime = "range_bound"   // 震荡
	RegimeCrisis       Regime = "crisis"        // 危机
)

// StrategyInfo 策略注册表条目（外部配置提供，本核心只消费）
type StrategyInfo struct {
	StrategyID   string   `json:"strategy_id" yaml:"strategy_id"`
	Enabled      bool     `json:"enabled" yaml:"enabled"`
	RegimeFilter []Regime `json:"regime_filter" yaml:"regime_filter"` // 兼容的市场状态集合，空表示全部兼容
}

// CompatibleWith 策略是否兼容给定的市场状态
func (s StrategyInfo) CompatibleWith(regime Regime) bool {
	if len(s.RegimeFilter) == 0 {
		return true
	}
	for _, r := range s.RegimeFilter {
		if r == regime {
			return true
		}
	}
	return false
}
