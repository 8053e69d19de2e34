package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/quantbot/goquant/internal/bus"
	"github.com/quantbot/goquant/internal/domain"
	"github.com/quantbot/goquant/internal/gateway"
	"github.com/quantbot/goquant/internal/metrics"
	"github.com/quantbot/goquant/internal/store"
)

var reconcileLog = logrus.WithField("component", "reconcile")

// ReconcileLedger 对账需要的账本视图
type ReconcileLedger interface {
	Positions(ctx context.Context) (map[string]domain.Position, error)
}

// AlertSink 告警落盘
type AlertSink interface {
	AppendAlert(a store.AuditAlert) error
}

// Reconciler 日终对账。
//
// 拉取券商口径持仓，与账本逐标的比对。偏差超过阈值（仓位价值比例）
// 发 CRITICAL 告警并写审计流。只报告，绝不自动修正任何一侧的状态。
type Reconciler struct {
	b         *bus.Bus
	gw        gateway.ExecutionGateway
	ledger    ReconcileLedger
	audit     AlertSink
	threshold float64
	interval  time.Duration
}

// NewReconciler 创建对账器
func NewReconciler(b *bus.Bus, gw gateway.ExecutionGateway, ledger ReconcileLedger, audit AlertSink, threshold float64, interval time.Duration) *Reconciler {
	return &Reconciler{
		b:         b,
		gw:        gw,
		ledger:    ledger,
		audit:     audit,
		threshold: threshold,
		interval:  interval,
	}
}

// Run 周期对账，直到 ctx 结束
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			reconcileLog.Info("reconciler stopped")
			return
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				reconcileLog.Errorf("对账失败: %v", err)
			}
		}
	}
}

// Break 一条对账偏差
type Break struct {
	Symbol    string          `json:"symbol"`
	LedgerQty decimal.Decimal `json:"ledger_qty"`
	BrokerQty decimal.Decimal `json:"broker_qty"`
	DiffRatio float64         `json:"diff_ratio"` // 偏差占仓位价值比例
}

// RunOnce 执行一轮对账，返回的错误只表示数据获取失败
func (r *Reconciler) RunOnce(ctx context.Context) error {
	metrics.ReconcileRuns.Add(1)

	brokerPositions, err := r.gw.Positions(ctx)
	if err != nil {
		return fmt.Errorf("fetch broker positions: %w", err)
	}
	ledgerPositions, err := r.ledger.Positions(ctx)
	if err != nil {
		return fmt.Errorf("fetch ledger positions: %w", err)
	}

	broker := make(map[string]domain.BrokerPosition, len(brokerPositions))
	for _, p := range brokerPositions {
		broker[p.Symbol] = p
	}

	var breaks []Break

	// 账本侧逐标的比对
	for symbol, lp := range ledgerPositions {
		bp := broker[symbol]
		delete(broker, symbol)
		if br, ok := r.compare(symbol, lp.Quantity, bp.Quantity); ok {
			breaks = append(breaks, br)
		}
	}
	// 只在券商侧存在的仓位
	for symbol, bp := range broker {
		if br, ok := r.compare(symbol, decimal.Zero, bp.Quantity); ok {
			breaks = append(breaks, br)
		}
	}

	for _, br := range breaks {
		r.report(br)
	}
	if len(breaks) == 0 {
		reconcileLog.Infof("✅ 对账通过: ledger=%d broker=%d", len(ledgerPositions), len(brokerPositions))
	}
	return nil
}

// compare 单个标的的偏差判断。偏差比例按数量的较大侧计，
// 两侧同价比价，数量比例即价值比例。
func (r *Reconciler) compare(symbol string, ledgerQty, brokerQty decimal.Decimal) (Break, bool) {
	diff := ledgerQty.Sub(brokerQty).Abs()
	if diff.IsZero() {
		return Break{}, false
	}

	base := ledgerQty.Abs()
	if brokerQty.Abs().GreaterThan(base) {
		base = brokerQty.Abs()
	}
	if base.IsZero() {
		return Break{}, false
	}

	ratio, _ := diff.Div(base).Float64()
	if ratio <= r.threshold {
		return Break{}, false
	}

	return Break{
		Symbol:    symbol,
		LedgerQty: ledgerQty,
		BrokerQty: brokerQty,
		DiffRatio: ratio,
	}, true
}

// report 偏差只报告不修正
func (r *Reconciler) report(br Break) {
	metrics.ReconcileBreaks.Add(1)
	detail := fmt.Sprintf("ledger=%s broker=%s diff=%.4f%%", br.LedgerQty, br.BrokerQty, br.DiffRatio*100)
	reconcileLog.Errorf("🛑 CRITICAL 对账偏差: symbol=%s %s", br.Symbol, detail)

	alert := store.AuditAlert{
		Severity:   "CRITICAL",
		Kind:       "reconcile_break",
		Symbol:     br.Symbol,
		Detail:     detail,
		RecordedAt: time.Now(),
	}
	if r.audit != nil {
		if err := r.audit.AppendAlert(alert); err != nil {
			reconcileLog.Errorf("审计告警写入失败: %v", err)
		}
	}
	r.b.Publish(bus.TopicAlerts, alert)
}
