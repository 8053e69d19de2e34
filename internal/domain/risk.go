package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// RejectReason 风控拒绝原因（机器可读）
type RejectReason string

const (
	RejectNone             RejectReason = ""
	RejectKillSwitch       RejectReason = "kill_switch"       // 回撤熔断
	RejectMaxPosition      RejectReason = "max_position"      // 单仓位占比超限
	RejectMaxSector        RejectReason = "max_sector"        // 行业集中度超限
	RejectMaxCorrelation   RejectReason = "max_correlation"   // 与持仓相关性超限
	RejectInsufficientCash RejectReason = "insufficient_cash" // 现金保底不足
	RejectStaleSignal      RejectReason = "stale_signal"      // 信号过期
	RejectNoPosition       RejectReason = "no_position"       // 平仓信号但无持仓
	RejectTimeout          RejectReason = "risk_timeout"      // 风控响应超时（编排器标记）
	RejectLowConfidence    RejectReason = "low_confidence"    // 置信度低于下限
)

// RiskRequest 风控请求。与 RiskResponse 通过 RequestID 配对。
// 不变量：每个 RiskRequest 恰好收到一个 RiskResponse，或被编排器超时清理，二者不同时发生。
type RiskRequest struct {
	RequestID string             `json:"request_id"`
	Signal    Signal             `json:"signal"`
	Portfolio *PortfolioSnapshot `json:"portfolio,omitempty"` // 组合快照引用
	CreatedAt time.Time          `json:"created_at"`
}

// RiskResponse 风控响应
type RiskResponse struct {
	RequestID    string          `json:"request_id"`
	Approved     bool            `json:"approved"`
	AdjustedSize decimal.Decimal `json:"adjusted_size"` // 风控调整后的下单数量
	Reason       RejectReason    `json:"reason,omitempty"`
	RespondedAt  time.Time       `json:"responded_at"`
}

// PortfolioSnapshot 组合快照（只读，由风控消费）
type PortfolioSnapshot struct {
	Equity    decimal.Decimal     `json:"equity"`    // 当前总权益
	Cash      decimal.Decimal     `json:"cash"`      // 可用现金
	Positions map[string]Position `json:"positions"` // symbol -> 持仓
	TakenAt   time.Time           `json:"taken_at"`
}

// HasOpenPosition 是否持有该标的仓位
func (p *PortfolioSnapshot) HasOpenPosition(symbol string) (Position, bool) {
	if p == nil {
		return Position{}, false
	}
	pos, ok := p.Positions[symbol]
	if !ok || pos.Quantity.IsZero() {
		return Position{}, false
	}
	return pos, true
}

// StrategyAllocation 单个策略的资金权重
type StrategyAllocation struct {
	StrategyID string  `json:"strategy_id"`
	Weight     float64 `json:"weight"` // [0,1]，regime 不兼容时为 0
}

// AllocationSet 一次资金分配的不可变快照。
// 风控发布后只读，重算时整体替换，绝不原地修改。
type AllocationSet struct {
	Weights    map[string]float64 `json:"weights"` // strategy_id -> weight
	ComputedAt time.Time          `json:"computed_at"`
	Regime     Regime             `json:"regime"` // 计算时的市场状态
}

// WeightOf 查询策略权重，未分配的策略返回 0
func (a *AllocationSet) WeightOf(strategyID string) float64 {
	if a == nil {
		return 0
	}
	return a.Weights[strategyID]
}

// Entries 按策略 ID 排序展开权重，供对外展示用（map 遍历序不稳定）
func (a *AllocationSet) Entries() []StrategyAllocation {
	if a == nil {
		return nil
	}
	entries := make([]StrategyAllocation, 0, len(a.Weights))
	for id, w := range a.Weights {
		entries = append(entries, StrategyAllocation{StrategyID: id, Weight: w})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].StrategyID < entries[j].StrategyID })
	return entries
}
