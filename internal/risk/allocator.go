package risk

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quantbot/goquant/internal/domain"
	"github.com/quantbot/goquant/internal/metrics"
	"github.com/quantbot/goquant/internal/regime"
	"github.com/quantbot/goquant/internal/store"
	"github.com/quantbot/goquant/pkg/config"
	"github.com/quantbot/goquant/pkg/persistence"
)

var allocatorLog = logrus.WithField("component", "allocator")

// 分配器用的夏普回看窗口（约三个月交易日）
const sharpeLookbackDays = 63

// AllocatorHistory 分配器需要的策略权益视图
type AllocatorHistory interface {
	StrategyEquityHistory(ctx context.Context, strategyID string, windowDays int) ([]store.EquityPoint, error)
}

// AllocationSink 权重快照的接收方（风控校验服务）
type AllocationSink interface {
	SetAllocations(*domain.AllocationSet)
}

// Allocator 资金分配器。
//
// 周期性重算各策略的资金权重：
// raw = sharpe_3m × (1 − drawdown / maxTolerated)，regime 不兼容的策略清零，
// 归一化后按 [MinWeight, MaxWeight] 截断再归一化一次。
// 实际权重偏离目标超过 DriftThreshold 时提前触发重算。
type Allocator struct {
	cfg        config.AllocatorConfig
	strategies []domain.StrategyInfo
	history    AllocatorHistory
	regimes    regime.Provider
	sink       AllocationSink
	state      persistence.Store
}

// NewAllocator 创建资金分配器
func NewAllocator(cfg config.AllocatorConfig, strategies []domain.StrategyInfo, history AllocatorHistory, regimes regime.Provider, sink AllocationSink, state persistence.Store) *Allocator {
	return &Allocator{
		cfg:        cfg,
		strategies: strategies,
		history:    history,
		regimes:    regimes,
		sink:       sink,
		state:      state,
	}
}

// Restore 从持久化状态恢复上次的权重快照。
// 没有历史状态时立即重算一次，保证风控启动即有权重可用。
func (a *Allocator) Restore(ctx context.Context) error {
	var set domain.AllocationSet
	err := a.state.Load(&set)
	if err == nil && len(set.Weights) > 0 {
		allocatorLog.Infof("restored allocation snapshot: computed_at=%s weights=%v", set.ComputedAt.Format(time.RFC3339), set.Weights)
		a.sink.SetAllocations(&set)
		return nil
	}
	if err != nil && !errors.Is(err, persistence.ErrNotExists) {
		allocatorLog.Warnf("⚠️ 加载分配快照失败: %v", err)
	}
	return a.Rebalance(ctx)
}

// Run 周期重算 + 漂移检查，直到 ctx 结束
func (a *Allocator) Run(ctx context.Context) {
	cadence := time.NewTicker(a.cfg.Cadence.D())
	defer cadence.Stop()
	drift := time.NewTicker(a.cfg.CheckInterval.D())
	defer drift.Stop()

	for {
		select {
		case <-ctx.Done():
			allocatorLog.Info("allocator stopped")
			return
		case <-cadence.C:
			if err := a.Rebalance(ctx); err != nil {
				allocatorLog.Errorf("scheduled rebalance failed: %v", err)
			}
		case <-drift.C:
			drifted, err := a.checkDrift(ctx)
			if err != nil {
				allocatorLog.Debugf("drift check skipped: %v", err)
				continue
			}
			if drifted {
				allocatorLog.Info("🔄 权重漂移超阈值，提前重算")
				if err := a.Rebalance(ctx); err != nil {
					allocatorLog.Errorf("drift-triggered rebalance failed: %v", err)
				}
			}
		}
	}
}

// Rebalance 重算权重并发布不可变快照
func (a *Allocator) Rebalance(ctx context.Context) error {
	current, err := a.regimes.Current(ctx)
	if err != nil {
		return err
	}

	raw := make(map[string]float64, len(a.strategies))
	var eligible []string
	for _, s := range a.strategies {
		if !s.Enabled || !s.CompatibleWith(current) {
			raw[s.StrategyID] = 0
			continue
		}
		eligible = append(eligible, s.StrategyID)
		raw[s.StrategyID] = a.rawWeight(ctx, s.StrategyID)
	}

	weights := a.normalize(raw, eligible)
	set := &domain.AllocationSet{
		Weights:    weights,
		ComputedAt: time.Now(),
		Regime:     current,
	}

	a.sink.SetAllocations(set)
	if err := a.state.Save(set); err != nil {
		allocatorLog.Warnf("⚠️ 分配快照持久化失败: %v", err)
	}
	metrics.AllocatorRuns.Add(1)
	allocatorLog.Infof("✅ 权重重算完成: regime=%s weights=%v", current, weights)
	return nil
}

// rawWeight 单个策略的原始权重，历史不足返回 0
func (a *Allocator) rawWeight(ctx context.Context, strategyID string) float64 {
	history, err := a.history.StrategyEquityHistory(ctx, strategyID, sharpeLookbackDays)
	if err != nil {
		allocatorLog.Warnf("strategy equity history unavailable for %s: %v", strategyID, err)
		return 0
	}
	sharpe, ok := Sharpe(history)
	if !ok || sharpe <= 0 {
		return 0
	}
	dd, ok := MaxDrawdown(history)
	if !ok {
		dd = 0
	}
	penalty := 1 - dd/a.cfg.MaxToleratedDrawdown
	if penalty < 0 {
		penalty = 0
	}
	return sharpe * penalty
}

// normalize 归一化 + 截断 + 再归一化。
// 截断后只做一次再归一化，结果可能轻微越界，不迭代求精确解。
// 所有原始权重为 0 时（冷启动或全体亏损）对合格策略平均分配。
func (a *Allocator) normalize(raw map[string]float64, eligible []string) map[string]float64 {
	weights := make(map[string]float64, len(raw))
	for id := range raw {
		weights[id] = 0
	}

	var total float64
	for _, w := range raw {
		total += w
	}
	if total <= 0 {
		if len(eligible) == 0 {
			return weights
		}
		equal := 1.0 / float64(len(eligible))
		for _, id := range eligible {
			weights[id] = equal
		}
		return a.clampAndRenormalize(weights)
	}

	for id, w := range raw {
		weights[id] = w / total
	}
	return a.clampAndRenormalize(weights)
}

func (a *Allocator) clampAndRenormalize(weights map[string]float64) map[string]float64 {
	var total float64
	for id, w := range weights {
		if w == 0 {
			continue
		}
		if w < a.cfg.MinWeight {
			w = a.cfg.MinWeight
		}
		if w > a.cfg.MaxWeight {
			w = a.cfg.MaxWeight
		}
		weights[id] = w
		total += w
	}
	if total <= 0 {
		return weights
	}
	for id, w := range weights {
		if w == 0 {
			continue
		}
		weights[id] = w / total
	}
	return weights
}

// checkDrift 比较实际权重（策略权益占比）与目标权重
func (a *Allocator) checkDrift(ctx context.Context) (bool, error) {
	target := a.currentTarget()
	if target == nil || len(target.Weights) == 0 {
		return false, nil
	}

	latest := make(map[string]float64, len(a.strategies))
	var total float64
	for _, s := range a.strategies {
		history, err := a.history.StrategyEquityHistory(ctx, s.StrategyID, 1)
		if err != nil || len(history) == 0 {
			continue
		}
		eq := history[len(history)-1].Equity
		latest[s.StrategyID] = eq
		total += eq
	}
	if total <= 0 {
		return false, nil
	}

	for id, want := range target.Weights {
		actual := latest[id] / total
		diff := actual - want
		if diff < 0 {
			diff = -diff
		}
		if diff > a.cfg.DriftThreshold {
			allocatorLog.Debugf("drift: strategy=%s actual=%.3f target=%.3f", id, actual, want)
			return true, nil
		}
	}
	return false, nil
}

// currentTarget 读取上次发布的目标权重
func (a *Allocator) currentTarget() *domain.AllocationSet {
	var set domain.AllocationSet
	if err := a.state.Load(&set); err != nil {
		return nil
	}
	return &set
}
