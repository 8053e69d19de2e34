package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/quantbot/goquant/internal/bus"
	"github.com/quantbot/goquant/internal/domain"
)

var simLog = logrus.WithField("component", "sim_gateway")

// SimGateway 内置模拟网关（paper 模式和测试用）。
// 提交后延迟一拍产生全额成交并发布到 fills 主题，行为确定。
type SimGateway struct {
	b         *bus.Bus
	fillDelay time.Duration

	mu        sync.Mutex
	orders    map[string]domain.Order
	cancelled map[string]bool
	positions map[string]domain.BrokerPosition
}

// NewSimGateway 创建模拟网关
func NewSimGateway(b *bus.Bus) *SimGateway {
	return &SimGateway{
		b:         b,
		fillDelay: 50 * time.Millisecond,
		orders:    make(map[string]domain.Order),
		cancelled: make(map[string]bool),
		positions: make(map[string]domain.BrokerPosition),
	}
}

// Submit 接受订单并安排模拟成交
func (g *SimGateway) Submit(ctx context.Context, order domain.Order) (domain.OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return domain.OrderAck{}, err
	}

	g.mu.Lock()
	g.orders[order.OrderID] = order
	g.mu.Unlock()

	time.AfterFunc(g.fillDelay, func() {
		g.fill(order)
	})

	simLog.Debugf("sim accepted order %s %s %s x%s", order.OrderID, order.Symbol, order.Direction, order.Quantity)
	return domain.OrderAck{OrderID: order.OrderID, Accepted: true}, nil
}

// fill 产生全额成交（除非订单已被取消）
func (g *SimGateway) fill(order domain.Order) {
	g.mu.Lock()
	if g.cancelled[order.OrderID] {
		g.mu.Unlock()
		return
	}
	price := order.LimitPrice
	if price.IsZero() {
		// 市价单没有限价，用一个固定的模拟成交价
		price = decimal.NewFromInt(100)
	}
	pos := g.positions[order.Symbol]
	pos.Symbol = order.Symbol
	if order.Direction == domain.DirectionShort || order.Direction == domain.DirectionClose {
		pos.Quantity = pos.Quantity.Sub(order.Quantity)
	} else {
		pos.Quantity = pos.Quantity.Add(order.Quantity)
	}
	pos.AvgPrice = price
	g.positions[order.Symbol] = pos
	g.mu.Unlock()

	g.b.Publish(bus.TopicFills, domain.Fill{
		OrderID:   order.OrderID,
		FilledQty: order.Quantity,
		AvgPrice:  price,
		Timestamp: time.Now(),
	})
}

// Cancel 取消订单（幂等）
func (g *SimGateway) Cancel(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	g.cancelled[orderID] = true
	g.mu.Unlock()
	return nil
}

// Positions 模拟持仓
func (g *SimGateway) Positions(ctx context.Context) ([]domain.BrokerPosition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]domain.BrokerPosition, 0, len(g.positions))
	for _, p := range g.positions {
		if p.Quantity.IsZero() {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// SetPosition 直接设置券商口径仓位（对账测试用）
func (g *SimGateway) SetPosition(symbol string, qty, avgPrice decimal.Decimal) {
	g.mu.Lock()
	g.positions[symbol] = domain.BrokerPosition{Symbol: symbol, Quantity: qty, AvgPrice: avgPrice}
	g.mu.Unlock()
}
