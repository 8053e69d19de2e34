package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/quantbot/goquant/internal/bus"
	"github.com/quantbot/goquant/internal/domain"
	"github.com/quantbot/goquant/internal/metrics"
	"github.com/quantbot/goquant/pkg/config"
)

var orchLog = logrus.WithField("component", "orchestrator")

// PortfolioSource 组合快照来源（账本实现）
type PortfolioSource interface {
	Snapshot(ctx context.Context) (*domain.PortfolioSnapshot, error)
}

// SignalLocks 去重锁的释放入口。
// 请求走到终态（决策拒绝、超时、订单终态）时由编排器统一释放。
type SignalLocks interface {
	Release(key domain.DedupKey)
}

// DecisionSink 决策审计落盘
type DecisionSink interface {
	AppendDecision(d domain.Decision) error
}

// Orchestrator 决策编排器。
//
// 消费裁决后的信号，为每个信号生成唯一 RequestID 并派发风控请求，
// 在 PendingValidation 表里等待响应。响应到达后套用置信度策略产出
// 最终决策；超时请求由周期扫描清理并产出 expired 决策。
// 每个已派发请求恰好产出一个决策，map 互斥保证响应和扫描不会都赢。
type Orchestrator struct {
	b         *bus.Bus
	cfg       config.OrchestratorConfig
	pending   *PendingValidation
	locks     SignalLocks
	portfolio PortfolioSource
	audit     DecisionSink

	// 已批准但订单未终态的请求，终态事件到达后释放对应去重锁
	mu       sync.Mutex
	inFlight map[string]domain.DedupKey
}

// New 创建编排器
func New(b *bus.Bus, cfg config.OrchestratorConfig, pending *PendingValidation, locks SignalLocks, portfolio PortfolioSource, audit DecisionSink) *Orchestrator {
	return &Orchestrator{
		b:         b,
		cfg:       cfg,
		pending:   pending,
		locks:     locks,
		portfolio: portfolio,
		audit:     audit,
		inFlight:  make(map[string]domain.DedupKey),
	}
}

// Pending 在途请求表（控制面用）
func (o *Orchestrator) Pending() *PendingValidation {
	return o.pending
}

// Run 主循环，直到 ctx 结束
func (o *Orchestrator) Run(ctx context.Context) {
	signals := o.b.Subscribe(ctx, bus.TopicSignalsValidated, 256)
	responses := o.b.Subscribe(ctx, bus.TopicRiskResponses, 256)
	orderEvents := o.b.Subscribe(ctx, bus.TopicOrderEvents, 256)

	sweep := time.NewTicker(o.cfg.SweepInterval.D())
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			orchLog.Info("orchestrator stopped")
			return
		case msg, ok := <-signals:
			if !ok {
				return
			}
			if sig, okType := msg.Payload.(domain.Signal); okType {
				o.dispatch(ctx, sig)
			}
		case msg, ok := <-responses:
			if !ok {
				return
			}
			if resp, okType := msg.Payload.(domain.RiskResponse); okType {
				o.resolve(resp)
			}
		case msg, ok := <-orderEvents:
			if !ok {
				return
			}
			if ev, okType := msg.Payload.(domain.OrderEvent); okType {
				o.onOrderEvent(ev)
			}
		case <-sweep.C:
			o.sweepExpired(time.Now())
		}
	}
}

// dispatch 为信号派发风控请求
func (o *Orchestrator) dispatch(ctx context.Context, sig domain.Signal) {
	// 低置信度直接丢弃，不占用风控，但照常落审计留痕
	if sig.Confidence < o.cfg.MinConfidence {
		orchLog.Infof("discard low confidence signal: %s conf=%.2f min=%.2f", sig.Key(), sig.Confidence, o.cfg.MinConfidence)
		o.locks.Release(sig.Key())
		metrics.SignalsRejected.Add(1)
		o.emit(domain.Decision{
			RequestID:  uuid.NewString(),
			StrategyID: sig.StrategyID,
			Symbol:     sig.Symbol,
			Direction:  sig.Direction,
			Outcome:    domain.OutcomeResolved,
			Approved:   false,
			Price:      sig.EntryPrice,
			StopLoss:   sig.StopLoss,
			Reason:     domain.RejectLowConfidence,
			Confidence: sig.Confidence,
			DecidedAt:  time.Now(),
		})
		return
	}

	snapshot, err := o.portfolio.Snapshot(ctx)
	if err != nil {
		orchLog.Errorf("portfolio snapshot failed, dropping signal %s: %v", sig.Key(), err)
		o.locks.Release(sig.Key())
		return
	}

	req := domain.RiskRequest{
		RequestID: uuid.NewString(),
		Signal:    sig,
		Portfolio: snapshot,
		CreatedAt: time.Now(),
	}
	o.pending.Insert(req, req.CreatedAt)
	o.b.Publish(bus.TopicRiskRequests, req)
	metrics.RequestsDispatched.Add(1)
	orchLog.Debugf("dispatched: request=%s signal=%s", req.RequestID, sig.Key())
}

// resolve 处理风控响应
func (o *Orchestrator) resolve(resp domain.RiskResponse) {
	req, dispatched, ok := o.pending.Remove(resp.RequestID)
	if !ok {
		// 已被超时扫描清理，迟到响应只记日志
		orchLog.Warnf("⚠️ 迟到的风控响应被丢弃: request=%s", resp.RequestID)
		return
	}
	metrics.RequestsResolved.Add(1)

	sig := req.Signal
	d := domain.Decision{
		RequestID:  resp.RequestID,
		StrategyID: sig.StrategyID,
		Symbol:     sig.Symbol,
		Direction:  sig.Direction,
		Outcome:    domain.OutcomeResolved,
		Approved:   resp.Approved,
		Price:      sig.EntryPrice,
		StopLoss:   sig.StopLoss,
		Reason:     resp.Reason,
		Confidence: sig.Confidence,
		LatencyMs:  time.Since(dispatched).Milliseconds(),
		DecidedAt:  time.Now(),
	}

	if resp.Approved {
		d.Size = o.scaleByConfidence(resp.AdjustedSize, sig.Confidence)
		o.mu.Lock()
		o.inFlight[resp.RequestID] = sig.Key()
		o.mu.Unlock()
	} else {
		o.locks.Release(sig.Key())
	}

	o.emit(d)
}

// scaleByConfidence 置信度落在 [min, full) 区间时按比例缩减仓位
func (o *Orchestrator) scaleByConfidence(size decimal.Decimal, confidence float64) decimal.Decimal {
	if confidence >= o.cfg.FullConfidence {
		return size
	}
	span := o.cfg.FullConfidence - o.cfg.MinConfidence
	if span <= 0 {
		return size
	}
	scale := (confidence - o.cfg.MinConfidence) / span
	return size.Mul(decimal.NewFromFloat(scale)).Round(4)
}

// sweepExpired 清理超时请求，每条产出一个 expired 决策
func (o *Orchestrator) sweepExpired(now time.Time) {
	expired := o.pending.Sweep(now, o.cfg.PendingTimeout.D())
	for _, e := range expired {
		metrics.RequestsExpired.Add(1)
		sig := e.Req.Signal
		o.locks.Release(sig.Key())
		orchLog.Warnf("⚠️ 风控响应超时: request=%s signal=%s age=%v", e.Req.RequestID, sig.Key(), e.Age)
		o.emit(domain.Decision{
			RequestID:  e.Req.RequestID,
			StrategyID: sig.StrategyID,
			Symbol:     sig.Symbol,
			Direction:  sig.Direction,
			Outcome:    domain.OutcomeExpired,
			Approved:   false,
			Price:      sig.EntryPrice,
			Reason:     domain.RejectTimeout,
			Confidence: sig.Confidence,
			LatencyMs:  e.Age.Milliseconds(),
			DecidedAt:  now,
		})
	}
}

// emit 发布决策并落审计。审计写盘失败不阻断决策流，只告警。
func (o *Orchestrator) emit(d domain.Decision) {
	o.b.Publish(bus.TopicDecisions, d)
	o.b.Publish(bus.TopicAuditDecisions, d)
	if o.audit != nil {
		if err := o.audit.AppendDecision(d); err != nil {
			orchLog.Errorf("审计写入失败: request=%s %v", d.RequestID, err)
		}
	}
}

// onOrderEvent 订单终态后释放对应信号的去重锁。
// 被后继订单取代的终态（残量转市价）不释放，等后继订单终态。
func (o *Orchestrator) onOrderEvent(ev domain.OrderEvent) {
	if !ev.Order.Status.IsTerminal() || ev.Superseded {
		return
	}
	o.mu.Lock()
	key, ok := o.inFlight[ev.Order.RequestID]
	if ok {
		delete(o.inFlight, ev.Order.RequestID)
	}
	o.mu.Unlock()
	if ok {
		o.locks.Release(key)
		orchLog.Debugf("released signal lock: request=%s key=%s", ev.Order.RequestID, key)
	}
}
