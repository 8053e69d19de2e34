package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position 仓位领域模型（聚合后的已成交敞口）。
// 本核心对仓位以读为主：风控读取做敞口/相关性检查，
// 生命周期管理器在成交后记账，并在每日对账时与券商口径比对。
type Position struct {
	Symbol     string          `json:"symbol"`
	StrategyID string          `json:"strategy_id"`
	Sector     string          `json:"sector"` // 行业分类，用于集中度检查
	Quantity   decimal.Decimal `json:"quantity"`
	AvgPrice   decimal.Decimal `json:"avg_price"`
	CostBasis  decimal.Decimal `json:"cost_basis"` // 累计成本
	Direction  Direction       `json:"direction"`
	OpenedAt   time.Time       `json:"opened_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Notional 按均价计的名义价值
func (p *Position) Notional() decimal.Decimal {
	if p == nil {
		return decimal.Zero
	}
	return p.Quantity.Mul(p.AvgPrice)
}

// AddFill 累加一笔成交，重算平均价。
// size/price 必须为正；多次成交按成本基础累加。
func (p *Position) AddFill(qty, price decimal.Decimal) {
	if p == nil || !qty.IsPositive() || !price.IsPositive() {
		return
	}
	p.CostBasis = p.CostBasis.Add(qty.Mul(price))
	p.Quantity = p.Quantity.Add(qty)
	if p.Quantity.IsPositive() {
		p.AvgPrice = p.CostBasis.Div(p.Quantity)
	}
	p.UpdatedAt = time.Now()
}

// BrokerPosition 券商口径仓位（对账用，只读）
type BrokerPosition struct {
	Symbol   string          `json:"symbol"`
	Quantity decimal.Decimal `json:"quantity"`
	AvgPrice decimal.Decimal `json:"avg_price"`
}
