package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DecisionOutcome 请求终态。每个已派发请求在超时 + 扫描延迟内恰好观察到一个终态。
type DecisionOutcome string

const (
	OutcomeResolved DecisionOutcome = "resolved" // 收到风控响应
	OutcomeExpired  DecisionOutcome = "expired"  // 超时被清理，视作拒绝
)

// Decision 编排器产出的最终决策，发布到 decisions 主题并追加写入审计流。
type Decision struct {
	RequestID  string          `json:"request_id"`
	StrategyID string          `json:"strategy_id"`
	Symbol     string          `json:"symbol"`
	Direction  Direction       `json:"direction"`
	Outcome    DecisionOutcome `json:"outcome"`
	Approved   bool            `json:"approved"`
	Size       decimal.Decimal `json:"size"`             // 最终下单数量（置信度策略调整后）
	Price      decimal.Decimal `json:"price"`            // 信号入场价
	StopLoss   decimal.Decimal `json:"stop_loss"`        // 止损价
	Reason     RejectReason    `json:"reason,omitempty"` // 拒绝原因（expired 请求固定为超时标记）
	Confidence float64         `json:"confidence"`
	LatencyMs  int64           `json:"latency_ms"` // 派发到终态的耗时
	DecidedAt  time.Time       `json:"decided_at"`
}

// Actionable 决策是否需要进入订单生命周期
func (d *Decision) Actionable() bool {
	return d != nil && d.Outcome == OutcomeResolved && d.Approved && d.Size.IsPositive()
}
