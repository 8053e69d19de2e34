package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantbot/goquant/internal/bus"
	"github.com/quantbot/goquant/internal/domain"
)

func simOrder(id string, qty int64) domain.Order {
	return domain.Order{
		OrderID:    id,
		Symbol:     "AAPL",
		Direction:  domain.DirectionLong,
		Quantity:   decimal.NewFromInt(qty),
		LimitPrice: decimal.NewFromInt(10),
		Status:     domain.OrderStatusPending,
	}
}

func TestSimGatewayFillsSubmittedOrder(t *testing.T) {
	b := bus.New()
	t.Cleanup(b.Close)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fills := b.Subscribe(ctx, bus.TopicFills, 16)

	g := NewSimGateway(b)
	g.fillDelay = 5 * time.Millisecond

	ack, err := g.Submit(ctx, simOrder("o-1", 100))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !ack.Accepted || ack.OrderID != "o-1" {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	select {
	case msg := <-fills:
		fill, ok := msg.Payload.(domain.Fill)
		if !ok {
			t.Fatalf("unexpected payload: %+v", msg.Payload)
		}
		if fill.OrderID != "o-1" || !fill.FilledQty.Equal(decimal.NewFromInt(100)) {
			t.Fatalf("unexpected fill: %+v", fill)
		}
		if !fill.AvgPrice.Equal(decimal.NewFromInt(10)) {
			t.Fatalf("limit order should fill at limit, got %s", fill.AvgPrice)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no fill published")
	}

	positions, err := g.Positions(ctx)
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 1 || !positions[0].Quantity.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("unexpected sim positions: %+v", positions)
	}
}

func TestSimGatewayCancelSuppressesFill(t *testing.T) {
	b := bus.New()
	t.Cleanup(b.Close)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fills := b.Subscribe(ctx, bus.TopicFills, 16)

	g := NewSimGateway(b)
	g.fillDelay = 20 * time.Millisecond

	if _, err := g.Submit(ctx, simOrder("o-1", 100)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := g.Cancel(ctx, "o-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	select {
	case msg := <-fills:
		t.Fatalf("cancelled order still filled: %+v", msg.Payload)
	case <-time.After(100 * time.Millisecond):
	}

	// 重复取消是安全空操作
	if err := g.Cancel(ctx, "o-1"); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
}

func TestSimGatewayCloseReducesPosition(t *testing.T) {
	b := bus.New()
	t.Cleanup(b.Close)
	ctx := context.Background()

	g := NewSimGateway(b)
	g.SetPosition("AAPL", decimal.NewFromInt(100), decimal.NewFromInt(10))

	closeOrder := simOrder("o-close", 40)
	closeOrder.Direction = domain.DirectionClose
	g.fill(closeOrder)

	positions, err := g.Positions(ctx)
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 1 || !positions[0].Quantity.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("unexpected positions after close: %+v", positions)
	}
}
