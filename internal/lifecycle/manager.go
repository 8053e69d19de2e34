package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/quantbot/goquant/internal/bus"
	"github.com/quantbot/goquant/internal/domain"
	"github.com/quantbot/goquant/internal/gateway"
	"github.com/quantbot/goquant/internal/metrics"
	"github.com/quantbot/goquant/internal/store"
	"github.com/quantbot/goquant/pkg/config"
)

var lcLog = logrus.WithField("component", "lifecycle")

// PositionLedger 仓位记账接口（账本实现）。
// 仓位不存在时 GetPosition 必须返回 store.ErrPositionNotFound，
// 其它错误视作账本暂时不可用。
type PositionLedger interface {
	GetPosition(ctx context.Context, symbol string) (domain.Position, error)
	UpsertPosition(ctx context.Context, p domain.Position) error
}

// Manager 订单生命周期管理器。
//
// 唯一的订单状态持有者：状态只响应两类触发变更，网关事件（确认/
// 成交/拒绝）和超时驱动的转换（确认超时、成交超时、部分成交停滞）。
// 终态之后不再有任何转换，FilledQty 单调不减且不超过 Quantity。
type Manager struct {
	b      *bus.Bus
	cfg    config.LifecycleConfig
	gw     gateway.ExecutionGateway
	ledger PositionLedger

	mu     sync.RWMutex
	orders map[string]*domain.Order
}

// NewManager 创建生命周期管理器
func NewManager(b *bus.Bus, cfg config.LifecycleConfig, gw gateway.ExecutionGateway, ledger PositionLedger) *Manager {
	return &Manager{
		b:      b,
		cfg:    cfg,
		gw:     gw,
		ledger: ledger,
		orders: make(map[string]*domain.Order),
	}
}

// Orders 当前订单快照（控制面用）
func (m *Manager) Orders() []domain.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, *o)
	}
	return out
}

// Run 主循环，直到 ctx 结束
func (m *Manager) Run(ctx context.Context) {
	decisions := m.b.Subscribe(ctx, bus.TopicDecisions, 256)
	fills := m.b.Subscribe(ctx, bus.TopicFills, 256)

	sweep := time.NewTicker(m.cfg.SweepInterval.D())
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			lcLog.Info("lifecycle manager stopped")
			return
		case msg, ok := <-decisions:
			if !ok {
				return
			}
			if d, okType := msg.Payload.(domain.Decision); okType {
				m.onDecision(ctx, d)
			}
		case msg, ok := <-fills:
			if !ok {
				return
			}
			if fill, okType := msg.Payload.(domain.Fill); okType {
				m.onFill(ctx, fill)
			}
		case now := <-sweep.C:
			m.sweepTimeouts(ctx, now)
		}
	}
}

// onDecision 批准的决策进入订单生命周期
func (m *Manager) onDecision(ctx context.Context, d domain.Decision) {
	if !d.Actionable() {
		return
	}

	order := &domain.Order{
		OrderID:    uuid.NewString(),
		RequestID:  d.RequestID,
		StrategyID: d.StrategyID,
		Symbol:     d.Symbol,
		Direction:  d.Direction,
		Quantity:   d.Size,
		LimitPrice: d.Price,
		Status:     domain.OrderStatusPending,
	}

	m.mu.Lock()
	m.orders[order.OrderID] = order
	m.mu.Unlock()

	metrics.OrdersSubmitted.Add(1)
	lcLog.Infof("order created: %s %s %s x%s request=%s", order.OrderID, order.Symbol, order.Direction, order.Quantity, d.RequestID)

	// 提交在独立 goroutine 里做，确认等待不阻塞成交处理
	go m.submit(ctx, order.OrderID)
}

// submit 提交订单，确认超时重试一次后置为失败
func (m *Manager) submit(ctx context.Context, orderID string) {
	m.mu.RLock()
	order, ok := m.orders[orderID]
	if !ok {
		m.mu.RUnlock()
		return
	}
	snapshot := *order
	m.mu.RUnlock()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			lcLog.Warnf("⚠️ 提交确认超时，重试: order=%s", orderID)
		}
		ackCtx, cancel := context.WithTimeout(ctx, m.cfg.AckTimeout.D())
		ack, err := m.gw.Submit(ackCtx, snapshot)
		cancel()
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if !ack.Accepted {
			m.transition(ctx, orderID, func(o *domain.Order) {
				o.Status = domain.OrderStatusRejected
				o.RejectNote = ack.Note
				o.ClosedAt = time.Now()
			}, false)
			metrics.OrdersRejected.Add(1)
			lcLog.Warnf("❌ 网关拒单: order=%s note=%s", orderID, ack.Note)
			return
		}
		m.transition(ctx, orderID, func(o *domain.Order) {
			o.Status = domain.OrderStatusSent
			o.SubmittedAt = time.Now()
		}, false)
		return
	}

	m.transition(ctx, orderID, func(o *domain.Order) {
		o.Status = domain.OrderStatusRejected
		o.RejectNote = "submit ack timeout after retry"
		o.ClosedAt = time.Now()
	}, false)
	metrics.OrdersRejected.Add(1)
	lcLog.Errorf("❌ 提交确认超时（已重试）: order=%s err=%v", orderID, lastErr)
}

// onFill 处理成交事件
func (m *Manager) onFill(ctx context.Context, fill domain.Fill) {
	if !fill.FilledQty.IsPositive() {
		return
	}
	metrics.FillsProcessed.Add(1)

	var applied decimal.Decimal
	var symbol, strategyID string
	var direction domain.Direction
	filled := false

	ok := m.transition(ctx, fill.OrderID, func(o *domain.Order) {
		inc := fill.FilledQty
		// 成交超额时截断到订单数量，保证不变量
		if o.FilledQty.Add(inc).GreaterThan(o.Quantity) {
			inc = o.Quantity.Sub(o.FilledQty)
		}
		if !inc.IsPositive() {
			return
		}
		prevCost := o.AvgFillPrice.Mul(o.FilledQty)
		o.FilledQty = o.FilledQty.Add(inc)
		o.AvgFillPrice = prevCost.Add(inc.Mul(fill.AvgPrice)).Div(o.FilledQty)
		o.LastFillAt = fill.Timestamp
		if o.FilledQty.Equal(o.Quantity) {
			o.Status = domain.OrderStatusFilled
			o.ClosedAt = time.Now()
			filled = true
		} else {
			o.Status = domain.OrderStatusPartial
		}
		applied = inc
		symbol, strategyID, direction = o.Symbol, o.StrategyID, o.Direction
	}, false)
	if !ok || !applied.IsPositive() {
		return
	}

	if filled {
		metrics.OrdersFilled.Add(1)
		lcLog.Infof("✅ 订单全部成交: order=%s avg=%s", fill.OrderID, fill.AvgPrice)
	}
	m.applyToLedger(ctx, symbol, strategyID, direction, applied, fill.AvgPrice)
}

// sweepTimeouts 超时驱动的状态转换
func (m *Manager) sweepTimeouts(ctx context.Context, now time.Time) {
	type stalled struct {
		orderID   string
		status    domain.OrderStatus
		remaining decimal.Decimal
	}

	m.mu.RLock()
	var candidates []stalled
	for id, o := range m.orders {
		switch o.Status {
		case domain.OrderStatusSent:
			if !o.SubmittedAt.IsZero() && now.Sub(o.SubmittedAt) > m.cfg.FillTimeout.D() {
				candidates = append(candidates, stalled{orderID: id, status: o.Status, remaining: o.RemainingQty()})
			}
		case domain.OrderStatusPartial:
			if !o.LastFillAt.IsZero() && now.Sub(o.LastFillAt) > m.cfg.PartialStallTimeout.D() {
				candidates = append(candidates, stalled{orderID: id, status: o.Status, remaining: o.RemainingQty()})
			}
		}
	}
	m.mu.RUnlock()

	for _, c := range candidates {
		switch c.status {
		case domain.OrderStatusSent:
			m.assumeComplete(ctx, c.orderID)
		case domain.OrderStatusPartial:
			m.resolvePartialStall(ctx, c.orderID, c.remaining)
		}
	}
}

// assumeComplete 长时间无成交回报的已发送订单按成交完成处理。
// 成交回报流可能丢事件，日终对账会暴露真实偏差。
func (m *Manager) assumeComplete(ctx context.Context, orderID string) {
	m.transition(ctx, orderID, func(o *domain.Order) {
		if o.Status != domain.OrderStatusSent {
			return
		}
		o.FilledQty = o.Quantity
		if o.AvgFillPrice.IsZero() {
			o.AvgFillPrice = o.LimitPrice
		}
		o.Status = domain.OrderStatusFilled
		o.ClosedAt = time.Now()
		o.RejectNote = "assumed complete after fill timeout"
	}, false)
	metrics.OrdersFilled.Add(1)
	lcLog.Warnf("⚠️ 成交超时，按完成处理: order=%s（以对账为准）", orderID)
}

// resolvePartialStall 部分成交停滞处理。
// 残量达到最小可交易数量时取消（限价明显偏离，追价风险大），
// 残量不足最小数量时转市价单收尾，避免留下碎仓。
func (m *Manager) resolvePartialStall(ctx context.Context, orderID string, remaining decimal.Decimal) {
	minSize := decimal.NewFromFloat(m.cfg.MinOrderSize)

	if remaining.GreaterThanOrEqual(minSize) {
		if err := m.gw.Cancel(ctx, orderID); err != nil {
			lcLog.Errorf("取消停滞订单失败: order=%s %v", orderID, err)
			return
		}
		m.transition(ctx, orderID, func(o *domain.Order) {
			if o.Status != domain.OrderStatusPartial {
				return
			}
			o.Status = domain.OrderStatusCancelled
			o.RejectNote = "partial stall, remainder cancelled"
			o.ClosedAt = time.Now()
		}, false)
		metrics.OrdersCancelled.Add(1)
		lcLog.Warnf("⚠️ 部分成交停滞，残量已取消: order=%s remaining=%s", orderID, remaining)
		return
	}

	// 转市价：原单取消（标记被取代），残量挂新市价单
	if err := m.gw.Cancel(ctx, orderID); err != nil {
		lcLog.Errorf("转市价前取消原单失败: order=%s %v", orderID, err)
		return
	}

	var child *domain.Order
	m.transition(ctx, orderID, func(o *domain.Order) {
		if o.Status != domain.OrderStatusPartial {
			return
		}
		o.Status = domain.OrderStatusCancelled
		o.RejectNote = "partial stall, remainder converted to market"
		o.ClosedAt = time.Now()
		child = &domain.Order{
			OrderID:       uuid.NewString(),
			RequestID:     o.RequestID,
			StrategyID:    o.StrategyID,
			Symbol:        o.Symbol,
			Direction:     o.Direction,
			Quantity:      remaining,
			ParentOrderID: o.OrderID,
			Status:        domain.OrderStatusPending,
		}
	}, true)
	metrics.OrdersCancelled.Add(1)
	if child == nil {
		return
	}

	m.mu.Lock()
	m.orders[child.OrderID] = child
	m.mu.Unlock()
	metrics.OrdersSubmitted.Add(1)
	lcLog.Warnf("🔄 部分成交停滞，残量转市价: parent=%s child=%s remaining=%s", orderID, child.OrderID, remaining)
	go m.submit(ctx, child.OrderID)
}

// Cancel 显式取消（控制面入口）。对终态订单是幂等空操作。
func (m *Manager) Cancel(ctx context.Context, orderID string) error {
	m.mu.RLock()
	order, ok := m.orders[orderID]
	terminal := ok && order.Status.IsTerminal()
	m.mu.RUnlock()
	if !ok || terminal {
		return nil
	}
	if err := m.gw.Cancel(ctx, orderID); err != nil {
		return err
	}
	m.transition(ctx, orderID, func(o *domain.Order) {
		if o.Status.IsTerminal() {
			return
		}
		o.Status = domain.OrderStatusCancelled
		o.RejectNote = "cancelled by operator"
		o.ClosedAt = time.Now()
	}, false)
	metrics.OrdersCancelled.Add(1)
	return nil
}

// transition 在锁内应用状态变更并发布订单事件。
// 终态订单直接跳过，mutate 内部也要做状态前置检查。
func (m *Manager) transition(ctx context.Context, orderID string, mutate func(*domain.Order), superseded bool) bool {
	m.mu.Lock()
	order, ok := m.orders[orderID]
	if !ok {
		m.mu.Unlock()
		lcLog.Debugf("event for unknown order %s dropped", orderID)
		return false
	}
	if order.Status.IsTerminal() {
		m.mu.Unlock()
		lcLog.Debugf("event for terminal order %s dropped", orderID)
		return false
	}
	mutate(order)
	snapshot := *order
	m.mu.Unlock()

	m.b.Publish(bus.TopicOrderEvents, domain.OrderEvent{
		Order:      snapshot,
		Superseded: superseded,
		OccurredAt: time.Now(),
	})
	return true
}

// applyToLedger 按成交记账
func (m *Manager) applyToLedger(ctx context.Context, symbol, strategyID string, direction domain.Direction, qty, price decimal.Decimal) {
	pos, err := m.ledger.GetPosition(ctx, symbol)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrPositionNotFound):
		pos = domain.Position{
			Symbol:     symbol,
			StrategyID: strategyID,
			Direction:  direction,
			OpenedAt:   time.Now(),
		}
	default:
		// 账本暂时不可用时跳过本笔记账，交给日终对账兜底，
		// 绝不能把已有仓位当成零仓位覆盖掉
		lcLog.Errorf("❌ 仓位读取失败，跳过记账: symbol=%s qty=%s %v", symbol, qty, err)
		return
	}

	if direction == domain.DirectionClose || (pos.Direction != "" && direction == pos.Direction.Opposite()) {
		// 平仓方向：数量递减，减到零由账本删除仓位
		pos.Quantity = pos.Quantity.Sub(qty)
		if pos.Quantity.IsNegative() {
			pos.Quantity = decimal.Zero
		}
		if pos.Quantity.IsPositive() {
			pos.CostBasis = pos.Quantity.Mul(pos.AvgPrice)
		} else {
			pos.CostBasis = decimal.Zero
		}
		pos.UpdatedAt = time.Now()
	} else {
		pos.AddFill(qty, price)
	}

	if err := m.ledger.UpsertPosition(ctx, pos); err != nil {
		lcLog.Errorf("仓位记账失败: symbol=%s %v", symbol, err)
	}
}
