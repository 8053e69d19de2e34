package risk

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/quantbot/goquant/internal/bus"
	"github.com/quantbot/goquant/internal/domain"
	"github.com/quantbot/goquant/internal/metrics"
	"github.com/quantbot/goquant/internal/store"
	"github.com/quantbot/goquant/pkg/config"
)

var validatorLog = logrus.WithField("component", "risk")

// HistoryView 风控需要的历史数据视图（由账本实现）。
// 回撤和相关性必须来自真实历史序列，这是熔断可信的前提。
type HistoryView interface {
	EquityHistory(ctx context.Context, windowDays int) ([]store.EquityPoint, error)
	ReturnsSeries(ctx context.Context, symbol string, windowDays int) (map[string]float64, error)
}

// Validator 风控校验服务。
//
// 每个请求独立评估（stateless-per-request），顺序固定：
// (a) 熔断检查 → (b) 信号时效 → (c) 定仓 → (d) 敞口检查 → 批准。
// 熔断状态是它唯一拥有的跨请求状态。
type Validator struct {
	b          *bus.Bus
	limits     config.RiskLimitsConfig
	killSwitch *KillSwitch
	history    HistoryView
	sectors    map[string]string

	// 资金权重的不可变快照，分配器整体替换，这里只读
	allocations atomic.Value // *domain.AllocationSet
}

// NewValidator 创建风控校验服务
func NewValidator(b *bus.Bus, limits config.RiskLimitsConfig, ks *KillSwitch, history HistoryView, sectors map[string]string) *Validator {
	v := &Validator{
		b:          b,
		limits:     limits,
		killSwitch: ks,
		history:    history,
		sectors:    sectors,
	}
	v.allocations.Store(&domain.AllocationSet{Weights: map[string]float64{}})
	return v
}

// SetAllocations 发布新的权重快照（分配器调用，整体替换不改旧值）
func (v *Validator) SetAllocations(set *domain.AllocationSet) {
	if v == nil || set == nil {
		return
	}
	v.allocations.Store(set)
}

// Allocations 当前权重快照
func (v *Validator) Allocations() *domain.AllocationSet {
	set, _ := v.allocations.Load().(*domain.AllocationSet)
	return set
}

// KillSwitch 暴露给控制面
func (v *Validator) KillSwitch() *KillSwitch {
	return v.killSwitch
}

// Run 消费 risk:requests 直到 ctx 结束
func (v *Validator) Run(ctx context.Context) {
	in := v.b.Subscribe(ctx, bus.TopicRiskRequests, 256)
	for {
		select {
		case <-ctx.Done():
			validatorLog.Info("risk validator stopped")
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			req, okType := msg.Payload.(domain.RiskRequest)
			if !okType {
				validatorLog.Warnf("⚠️ 风控主题收到未知消息类型: %T", msg.Payload)
				continue
			}
			resp := v.Evaluate(ctx, req)
			v.b.Publish(bus.TopicRiskResponses, resp)
		}
	}
}

// Evaluate 评估单个风控请求
func (v *Validator) Evaluate(ctx context.Context, req domain.RiskRequest) domain.RiskResponse {
	resp := domain.RiskResponse{
		RequestID:   req.RequestID,
		RespondedAt: time.Now(),
	}

	sig := req.Signal
	isClose := sig.Direction == domain.DirectionClose

	// (a) 熔断：先查开关，再查滚动回撤。
	// 平仓不受熔断限制（熔断只封新开仓，系统继续管理离场）。
	if !isClose {
		if v.killSwitch.Engaged() {
			return v.reject(resp, domain.RejectKillSwitch, "kill switch engaged")
		}
		if reason, tripped := v.checkDrawdown(ctx); tripped {
			v.killSwitch.Trip(reason)
			return v.reject(resp, domain.RejectKillSwitch, reason)
		}
	}

	// (b) 信号时效
	if sig.IsExpiredAt(time.Now()) {
		return v.reject(resp, domain.RejectStaleSignal,
			fmt.Sprintf("signal age %v exceeds ttl %v", time.Since(sig.EmittedAt), sig.TTL))
	}

	// 平仓请求：数量为持仓全量，不做开仓类敞口检查
	if isClose {
		if pos, ok := req.Portfolio.HasOpenPosition(sig.Symbol); ok {
			resp.Approved = true
			resp.AdjustedSize = pos.Quantity
			metrics.RiskApproved.Add(1)
			return resp
		}
		return v.reject(resp, domain.RejectNoPosition, "no open position to close")
	}

	if req.Portfolio == nil || req.Portfolio.Equity.IsZero() {
		return v.reject(resp, domain.RejectInsufficientCash, "portfolio snapshot missing or empty")
	}

	// (c) 定仓：基准 = 资金 × 单仓上限，再按 置信度 × 反波动率 × 策略权重 缩放
	size, sizeNote := v.proposeSize(ctx, sig, req.Portfolio)
	if !size.IsPositive() {
		return v.reject(resp, domain.RejectMaxPosition, "proposed size is zero ("+sizeNote+")")
	}

	// (d) 敞口检查
	if reason, detail, ok := v.checkExposure(ctx, sig, size, req.Portfolio); !ok {
		return v.reject(resp, reason, detail)
	}

	resp.Approved = true
	resp.AdjustedSize = size
	metrics.RiskApproved.Add(1)
	validatorLog.Debugf("approved: request=%s symbol=%s size=%s (%s)",
		req.RequestID, sig.Symbol, size, sizeNote)
	return resp
}

func (v *Validator) reject(resp domain.RiskResponse, reason domain.RejectReason, detail string) domain.RiskResponse {
	resp.Approved = false
	resp.Reason = reason
	resp.AdjustedSize = decimal.Zero
	metrics.RiskRejected.Add(1)
	validatorLog.Infof("❌ 风控拒绝: request=%s reason=%s %s", resp.RequestID, reason, detail)
	return resp
}

// checkDrawdown 从权益历史计算滚动峰谷回撤，超限返回触发原因
func (v *Validator) checkDrawdown(ctx context.Context) (string, bool) {
	history, err := v.history.EquityHistory(ctx, v.limits.DrawdownWindowDays)
	if err != nil {
		// 历史查询失败按安全侧处理：拒绝开仓
		return fmt.Sprintf("equity history unavailable: %v", err), true
	}
	dd, ok := MaxDrawdown(history)
	if !ok {
		// 新账户没有历史，视作无回撤
		validatorLog.Debugf("equity history too short for drawdown (%d points)", len(history))
		return "", false
	}
	if dd > v.limits.MaxDrawdown {
		return fmt.Sprintf("rolling drawdown %.2f%% exceeds max %.2f%%", dd*100, v.limits.MaxDrawdown*100), true
	}
	return "", false
}

// proposeSize 定仓计算
func (v *Validator) proposeSize(ctx context.Context, sig domain.Signal, portfolio *domain.PortfolioSnapshot) (decimal.Decimal, string) {
	weight := v.Allocations().WeightOf(sig.StrategyID)
	if weight <= 0 {
		return decimal.Zero, "strategy weight is zero"
	}

	equity, _ := portfolio.Equity.Float64()
	entry, _ := sig.EntryPrice.Float64()
	if entry <= 0 {
		return decimal.Zero, "entry price invalid"
	}

	// 反波动率因子：目标波动率 / 实际波动率，上限 1（只减仓不加仓）
	volFactor := 1.0
	returns, err := v.history.ReturnsSeries(ctx, sig.Symbol, v.limits.CorrWindowDays)
	if err == nil {
		if vol, ok := Volatility(returns); ok && vol > v.limits.TargetVolatility {
			volFactor = v.limits.TargetVolatility / vol
		}
	} else {
		validatorLog.Debugf("returns history unavailable for %s: %v", sig.Symbol, err)
	}

	baseQty := equity * v.limits.MaxPositionPct / entry
	qty := baseQty * sig.Confidence * volFactor * weight
	return decimal.NewFromFloat(qty).Round(4),
		fmt.Sprintf("base=%.2f conf=%.2f vol=%.2f weight=%.2f", baseQty, sig.Confidence, volFactor, weight)
}

// checkExposure 敞口检查，返回第一条触发的拒绝原因
func (v *Validator) checkExposure(ctx context.Context, sig domain.Signal, size decimal.Decimal, portfolio *domain.PortfolioSnapshot) (domain.RejectReason, string, bool) {
	notional := size.Mul(sig.EntryPrice)
	equity := portfolio.Equity

	// 单仓位占比（含已有同标的持仓）
	existing := decimal.Zero
	if pos, ok := portfolio.HasOpenPosition(sig.Symbol); ok {
		existing = pos.Notional()
	}
	maxPosition := equity.Mul(decimal.NewFromFloat(v.limits.MaxPositionPct))
	if existing.Add(notional).GreaterThan(maxPosition) {
		return domain.RejectMaxPosition,
			fmt.Sprintf("position notional %s + %s exceeds %s", existing, notional, maxPosition), false
	}

	// 行业集中度
	sector := v.sectors[sig.Symbol]
	if sector != "" {
		sectorNotional := notional
		for _, pos := range portfolio.Positions {
			if pos.Sector == sector {
				sectorNotional = sectorNotional.Add(pos.Notional())
			}
		}
		maxSector := equity.Mul(decimal.NewFromFloat(v.limits.MaxSectorPct))
		if sectorNotional.GreaterThan(maxSector) {
			return domain.RejectMaxSector,
				fmt.Sprintf("sector %s notional %s exceeds %s", sector, sectorNotional, maxSector), false
		}
	}

	// 与现有持仓的相关性（60 日滚动窗口，逐对检查）
	candidate, err := v.history.ReturnsSeries(ctx, sig.Symbol, v.limits.CorrWindowDays)
	if err == nil && len(candidate) > 0 {
		for symbol := range portfolio.Positions {
			if symbol == sig.Symbol {
				continue
			}
			held, err := v.history.ReturnsSeries(ctx, symbol, v.limits.CorrWindowDays)
			if err != nil {
				continue
			}
			corr, ok := Correlation(candidate, held, v.limits.MinCorrObs)
			if !ok {
				validatorLog.Debugf("correlation %s/%s: insufficient overlap, treated as uncorrelated", sig.Symbol, symbol)
				continue
			}
			if corr > v.limits.MaxCorrelation {
				return domain.RejectMaxCorrelation,
					fmt.Sprintf("correlation %.2f with %s exceeds %.2f", corr, symbol, v.limits.MaxCorrelation), false
			}
		}
	}

	// 现金保底
	cashAfter := portfolio.Cash.Sub(notional)
	minCash := equity.Mul(decimal.NewFromFloat(v.limits.MinCashPct))
	if cashAfter.LessThan(minCash) {
		return domain.RejectInsufficientCash,
			fmt.Sprintf("cash after trade %s below floor %s", cashAfter, minCash), false
	}

	return domain.RejectNone, "", true
}
