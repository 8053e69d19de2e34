package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus 订单状态
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"   // 已创建，等待网关确认
	OrderStatusSent      OrderStatus = "sent"      // 网关已确认
	OrderStatusPartial   OrderStatus = "partial"   // 部分成交
	OrderStatusFilled    OrderStatus = "filled"    // 全部成交（终态）
	OrderStatusRejected  OrderStatus = "rejected"  // 网关拒绝（终态）
	OrderStatusCancelled OrderStatus = "cancelled" // 已取消（终态）
)

// IsTerminal 是否为终态。终态订单不可再变更。
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusRejected, OrderStatusCancelled:
		return true
	}
	return false
}

// Order 订单领域模型。
// 只由订单生命周期管理器变更：触发来源限于网关事件或超时驱动的转换。
// 不变量：FilledQty 单调不减且不超过 Quantity；终态之后没有任何转换。
type Order struct {
	OrderID       string          `json:"order_id"`
	RequestID     string          `json:"request_id"` // 来源决策的 request_id
	StrategyID    string          `json:"strategy_id"`
	Symbol        string          `json:"symbol"`
	Direction     Direction       `json:"direction"`
	Quantity      decimal.Decimal `json:"quantity"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`
	LimitPrice    decimal.Decimal `json:"limit_price"` // 零值表示市价单
	Status        OrderStatus     `json:"status"`
	ParentOrderID string          `json:"parent_order_id,omitempty"` // 部分成交残量转市价单时的原单
	SubmittedAt   time.Time       `json:"submitted_at"`
	LastFillAt    time.Time       `json:"last_fill_at"`
	ClosedAt      time.Time       `json:"closed_at"` // 进入终态的时间
	RejectNote    string          `json:"reject_note,omitempty"`
}

// RemainingQty 未成交数量
func (o *Order) RemainingQty() decimal.Decimal {
	if o == nil {
		return decimal.Zero
	}
	rem := o.Quantity.Sub(o.FilledQty)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// IsMarket 是否为市价单
func (o *Order) IsMarket() bool {
	return o != nil && o.LimitPrice.IsZero()
}

// Fill 网关成交事件
type Fill struct {
	OrderID   string          `json:"order_id"`
	FilledQty decimal.Decimal `json:"filled_qty"` // 本次成交数量（增量）
	AvgPrice  decimal.Decimal `json:"avg_price"`
	Timestamp time.Time       `json:"timestamp"`
}

// OrderAck 网关提交确认
type OrderAck struct {
	OrderID  string `json:"order_id"`
	Accepted bool   `json:"accepted"`
	Note     string `json:"note,omitempty"`
}

// OrderEvent 订单状态变更事件，发布到 orders:events 主题。
// Superseded 表示该订单虽入终态但有后继订单（残量转市价），
// 请求级别的资源（去重锁）要等后继订单终态才释放。
type OrderEvent struct {
	Order      Order     `json:"order"`
	Superseded bool      `json:"superseded"`
	OccurredAt time.Time `json:"occurred_at"`
}
