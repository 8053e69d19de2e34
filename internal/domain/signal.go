package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Direction 信号方向
type Direction string

const (
	DirectionLong  Direction = "long"  // 做多
	DirectionShort Direction = "short" // 做空
	DirectionClose Direction = "close" // 平仓
)

// IsValid 检查方向是否合法
func (d Direction) IsValid() bool {
	switch d {
	case DirectionLong, DirectionShort, DirectionClose:
		return true
	}
	return false
}

// Opposite 返回相反方向（close 没有相反方向）
func (d Direction) Opposite() Direction {
	switch d {
	case DirectionLong:
		return DirectionShort
	case DirectionShort:
		return DirectionLong
	}
	return ""
}

// Signal 策略信号领域模型。
// 一旦发布即不可变：去重器/编排器只读取，不修改。
type Signal struct {
	StrategyID string          `json:"strategy_id"` // 策略 ID
	Symbol     string          `json:"symbol"`      // 标的
	Direction  Direction       `json:"direction"`   // 方向
	Confidence float64         `json:"confidence"`  // 置信度 [0,1]
	EntryPrice decimal.Decimal `json:"entry_price"` // 入场价格
	StopLoss   decimal.Decimal `json:"stop_loss"`   // 止损价格
	TakeProfit decimal.Decimal `json:"take_profit"` // 止盈价格（可选，零值表示未设置）
	TTL        time.Duration   `json:"ttl"`         // 信号有效期
	EmittedAt  time.Time       `json:"emitted_at"`  // 发出时间
}

// Validate 信号模式校验。
// 非法信号在去重器边界直接拒收，不会进入风控链路。
func (s *Signal) Validate() error {
	if s == nil {
		return fmt.Errorf("signal is nil")
	}
	if strings.TrimSpace(s.StrategyID) == "" {
		return fmt.Errorf("signal missing strategy_id")
	}
	if strings.TrimSpace(s.Symbol) == "" {
		return fmt.Errorf("signal missing symbol")
	}
	if !s.Direction.IsValid() {
		return fmt.Errorf("signal direction invalid: %q", s.Direction)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("signal confidence out of range: %v", s.Confidence)
	}
	if s.EntryPrice.IsNegative() || s.EntryPrice.IsZero() {
		return fmt.Errorf("signal entry price must be positive: %s", s.EntryPrice)
	}
	if s.Direction != DirectionClose && s.StopLoss.IsNegative() {
		return fmt.Errorf("signal stop loss must not be negative: %s", s.StopLoss)
	}
	if s.TTL <= 0 {
		return fmt.Errorf("signal ttl must be positive: %v", s.TTL)
	}
	if s.EmittedAt.IsZero() {
		return fmt.Errorf("signal missing emitted_at")
	}
	return nil
}

// IsExpiredAt 检查信号在 now 时刻是否已过期（超过 TTL 的信号按 stale 处理）
func (s *Signal) IsExpiredAt(now time.Time) bool {
	if s == nil {
		return true
	}
	return now.Sub(s.EmittedAt) > s.TTL
}

// DedupKey 去重键：(strategy_id, symbol, direction)。
// 不变量：同一 DedupKey 在锁 TTL 窗口内最多一条信号在途。
type DedupKey struct {
	StrategyID string
	Symbol     string
	Direction  Direction
}

// Key 生成信号的去重键
func (s *Signal) Key() DedupKey {
	return DedupKey{StrategyID: s.StrategyID, Symbol: s.Symbol, Direction: s.Direction}
}

// String 用于日志与分片哈希
func (k DedupKey) String() string {
	return k.StrategyID + "|" + k.Symbol + "|" + string(k.Direction)
}
