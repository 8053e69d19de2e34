package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/quantbot/goquant/internal/bus"
	"github.com/quantbot/goquant/internal/domain"
)

var fillsLog = logrus.WithField("component", "fill_stream")

// FillStream 成交推送 WebSocket 客户端。
// 连接断开后指数退避重连，收到的成交事件发布到 fills 主题。
type FillStream struct {
	url string
	b   *bus.Bus

	maxReconnectDelay time.Duration
	healthySession    time.Duration
}

// NewFillStream 创建成交流客户端
func NewFillStream(url string, b *bus.Bus) *FillStream {
	return &FillStream{
		url:               url,
		b:                 b,
		maxReconnectDelay: 30 * time.Second,
		healthySession:    30 * time.Second,
	}
}

// fillMessage 网关成交推送的 wire 格式
type fillMessage struct {
	OrderID   string    `json:"order_id"`
	FilledQty string    `json:"filled_qty"`
	AvgPrice  string    `json:"avg_price"`
	Timestamp time.Time `json:"timestamp"`
}

// Run 连接并消费成交推送，直到 ctx 结束
func (f *FillStream) Run(ctx context.Context) {
	var delay time.Duration
	for {
		if ctx.Err() != nil {
			fillsLog.Info("fill stream stopped")
			return
		}

		start := time.Now()
		err := f.consume(ctx)
		if ctx.Err() != nil {
			fillsLog.Info("fill stream stopped")
			return
		}
		delay = f.nextDelay(delay, time.Since(start))
		fillsLog.Warnf("⚠️ 成交流断开: %v，%v 后重连", err, delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// nextDelay 计算下次重连等待。连接存活超过 healthySession
// 视作已恢复，退避从 1s 重新开始，否则翻倍直到上限。
func (f *FillStream) nextDelay(prev, lived time.Duration) time.Duration {
	if lived >= f.healthySession {
		return time.Second
	}
	next := prev * 2
	if next < time.Second {
		next = time.Second
	}
	if next > f.maxReconnectDelay {
		next = f.maxReconnectDelay
	}
	return next
}

// consume 单次连接的读循环，返回断开原因
func (f *FillStream) consume(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	fillsLog.Infof("✅ 成交流已连接: %s", f.url)

	// ctx 取消时强制关闭连接，打断阻塞中的 ReadMessage
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg fillMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			fillsLog.Warnf("丢弃无法解析的成交消息: %v", err)
			continue
		}
		fill, err := msg.toFill()
		if err != nil {
			fillsLog.Warnf("丢弃字段非法的成交消息: order=%s %v", msg.OrderID, err)
			continue
		}
		f.b.Publish(bus.TopicFills, fill)
	}
}

func (m *fillMessage) toFill() (domain.Fill, error) {
	qty, err := decimal.NewFromString(m.FilledQty)
	if err != nil {
		return domain.Fill{}, err
	}
	price, err := decimal.NewFromString(m.AvgPrice)
	if err != nil {
		return domain.Fill{}, err
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return domain.Fill{
		OrderID:   m.OrderID,
		FilledQty: qty,
		AvgPrice:  price,
		Timestamp: ts,
	}, nil
}
