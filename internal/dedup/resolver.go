package dedup

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quantbot/goquant/internal/bus"
	"github.com/quantbot/goquant/internal/domain"
	"github.com/quantbot/goquant/internal/metrics"
)

var resolverLog = logrus.WithField("component", "dedup")

// PositionView 是冲突解决需要的持仓只读视图（由账本实现）
type PositionView interface {
	OpenPosition(ctx context.Context, symbol string) (domain.Position, bool)
}

// Resolver 信号去重/冲突解决 agent。
//
// 原始信号进入风控前的守门人，处理顺序：
//  1. 模式校验，非法信号就地拒收
//  2. DedupKey 锁检查（重复信号丢弃）
//  3. 收进当前冲突窗口，窗口关闭时统一裁决：
//     - 同一标的反向信号并发在途：双双丢弃并记录冲突事件，
//       不做静默优先级——静默裁决会掩盖策略间的分歧
//     - 同一标的同向多策略信号：置信度最高者通过，其余丢弃（不合并）；
//       置信度相等时先比 EmittedAt 再比 StrategyID，保证裁决确定性
//  4. 持仓检查：与持仓同向则忽略（不重复开仓），
//     与持仓反向则改写为平仓评估信号，不作为新开仓转发
type Resolver struct {
	b         *bus.Bus
	locks     *LockStore
	positions PositionView

	window    time.Duration // 冲突窗口
	bufferCap int
}

// NewResolver 创建冲突解决器
func NewResolver(b *bus.Bus, locks *LockStore, positions PositionView, window time.Duration) *Resolver {
	if window <= 0 {
		window = 500 * time.Millisecond
	}
	return &Resolver{
		b:         b,
		locks:     locks,
		positions: positions,
		window:    window,
		bufferCap: 256,
	}
}

// Run 消费 signals 主题直到 ctx 结束。
// 窗口节拍和消息接收在同一个 goroutine 里，挂起点只有 channel 接收。
func (r *Resolver) Run(ctx context.Context) {
	in := r.b.Subscribe(ctx, bus.TopicSignals, r.bufferCap)
	ticker := time.NewTicker(r.window)
	defer ticker.Stop()

	var pending []domain.Signal

	flush := func() {
		if len(pending) == 0 {
			return
		}
		batch := pending
		pending = nil
		for _, sig := range r.resolveBatch(ctx, batch) {
			r.b.Publish(bus.TopicSignalsValidated, sig)
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			resolverLog.Info("dedup resolver stopped")
			return
		case msg, ok := <-in:
			if !ok {
				flush()
				return
			}
			sig, okType := msg.Payload.(domain.Signal)
			if !okType {
				resolverLog.Warnf("⚠️ 信号主题收到未知消息类型: %T", msg.Payload)
				continue
			}
			if accepted := r.admit(sig); accepted {
				pending = append(pending, sig)
			}
		case <-ticker.C:
			flush()
		}
	}
}

// admit 入窗前检查：校验 + 去重锁
func (r *Resolver) admit(sig domain.Signal) bool {
	metrics.SignalsReceived.Add(1)

	if err := sig.Validate(); err != nil {
		metrics.SignalsRejected.Add(1)
		resolverLog.Warnf("❌ 非法信号被拒收: %v", err)
		return false
	}
	if sig.IsExpiredAt(time.Now()) {
		metrics.SignalsRejected.Add(1)
		resolverLog.Warnf("❌ 过期信号被拒收: strategy=%s symbol=%s age=%v",
			sig.StrategyID, sig.Symbol, time.Since(sig.EmittedAt))
		return false
	}

	if err := r.locks.TryAcquire(sig.Key()); err != nil {
		if errors.Is(err, ErrDuplicateLock) {
			metrics.SignalsDuplicate.Add(1)
			resolverLog.Debugf("重复信号丢弃: key=%s", sig.Key())
			return false
		}
		resolverLog.Errorf("去重锁异常: %v", err)
		return false
	}
	return true
}

// resolveBatch 对一个冲突窗口内的信号做裁决，返回可以转发的信号
func (r *Resolver) resolveBatch(ctx context.Context, batch []domain.Signal) []domain.Signal {
	bySymbol := make(map[string][]domain.Signal)
	for _, sig := range batch {
		bySymbol[sig.Symbol] = append(bySymbol[sig.Symbol], sig)
	}

	var out []domain.Signal
	for symbol, sigs := range bySymbol {
		out = append(out, r.resolveSymbol(ctx, symbol, sigs)...)
	}
	return out
}

func (r *Resolver) resolveSymbol(ctx context.Context, symbol string, sigs []domain.Signal) []domain.Signal {
	// 反向冲突：long 与 short 并发在途则全部丢弃
	var hasLong, hasShort bool
	for _, s := range sigs {
		switch s.Direction {
		case domain.DirectionLong:
			hasLong = true
		case domain.DirectionShort:
			hasShort = true
		}
	}
	if hasLong && hasShort {
		for _, s := range sigs {
			if s.Direction == domain.DirectionClose {
				continue
			}
			r.locks.Release(s.Key())
		}
		metrics.SignalsConflicted.Add(1)
		resolverLog.Warnf("⚠️ 方向冲突: symbol=%s 同窗口内出现 long 与 short，双双丢弃（策略分歧需要被看见）", symbol)
		// close 信号不参与开仓冲突，继续往下走
		filtered := sigs[:0]
		for _, s := range sigs {
			if s.Direction == domain.DirectionClose {
				filtered = append(filtered, s)
			}
		}
		sigs = filtered
		if len(sigs) == 0 {
			return nil
		}
	}

	// 同向多策略：每个方向只留置信度最高的一条。
	// 并列时的确定性次序：EmittedAt 早者优先，再按 StrategyID 字典序。
	byDirection := make(map[domain.Direction][]domain.Signal)
	for _, s := range sigs {
		byDirection[s.Direction] = append(byDirection[s.Direction], s)
	}

	var out []domain.Signal
	for _, group := range byDirection {
		sort.Slice(group, func(i, j int) bool {
			a, b := group[i], group[j]
			if a.Confidence != b.Confidence {
				return a.Confidence > b.Confidence
			}
			if !a.EmittedAt.Equal(b.EmittedAt) {
				return a.EmittedAt.Before(b.EmittedAt)
			}
			return a.StrategyID < b.StrategyID
		})
		winner := group[0]
		for _, loser := range group[1:] {
			r.locks.Release(loser.Key())
			metrics.SignalsDuplicate.Add(1)
			resolverLog.Infof("同向竞争: symbol=%s 胜者=%s(conf=%.2f) 弃用=%s(conf=%.2f)",
				winner.Symbol, winner.StrategyID, winner.Confidence, loser.StrategyID, loser.Confidence)
		}
		if sig, forward := r.applyPositionPolicy(ctx, winner); forward {
			out = append(out, sig)
		}
	}
	return out
}

// applyPositionPolicy 持仓方向检查
func (r *Resolver) applyPositionPolicy(ctx context.Context, sig domain.Signal) (domain.Signal, bool) {
	if r.positions == nil || sig.Direction == domain.DirectionClose {
		return sig, true
	}
	pos, open := r.positions.OpenPosition(ctx, sig.Symbol)
	if !open {
		return sig, true
	}
	if pos.Direction == sig.Direction {
		// 与持仓同向：忽略，不重复开仓
		r.locks.Release(sig.Key())
		resolverLog.Infof("已持有同向仓位，忽略: symbol=%s direction=%s", sig.Symbol, sig.Direction)
		return sig, false
	}
	// 与持仓反向：改走平仓评估路径，而不是新开仓。
	// 锁跟着改写后的 key 走，原方向的锁随之释放。
	closeSig := sig
	closeSig.Direction = domain.DirectionClose
	if err := r.locks.TryAcquire(closeSig.Key()); err != nil {
		r.locks.Release(sig.Key())
		resolverLog.Debugf("平仓评估信号已在途，丢弃: key=%s", closeSig.Key())
		return sig, false
	}
	r.locks.Release(sig.Key())
	resolverLog.Infof("🔄 反向信号转平仓评估: symbol=%s strategy=%s 原方向=%s 持仓方向=%s",
		sig.Symbol, sig.StrategyID, sig.Direction, pos.Direction)
	return closeSig, true
}
