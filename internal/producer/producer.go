package producer

import (
	"context"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/quantbot/goquant/internal/bus"
	"github.com/quantbot/goquant/internal/domain"
)

var prodLog = logrus.WithField("component", "sim_producer")

// SimProducer 模拟信号源（paper 模式联调用）。
// 按固定节奏轮流为各策略发信号，随机数种子固定，行为可复现。
type SimProducer struct {
	b          *bus.Bus
	strategies []string
	symbols    []string
	interval   time.Duration
	rng        *rand.Rand
}

// NewSimProducer 创建模拟信号源
func NewSimProducer(b *bus.Bus, strategies, symbols []string, interval time.Duration) *SimProducer {
	return &SimProducer{
		b:          b,
		strategies: strategies,
		symbols:    symbols,
		interval:   interval,
		rng:        rand.New(rand.NewSource(42)),
	}
}

// Run 周期发信号，直到 ctx 结束
func (p *SimProducer) Run(ctx context.Context) {
	if len(p.strategies) == 0 || len(p.symbols) == 0 {
		prodLog.Warn("sim producer has no strategies or symbols, not emitting")
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	i := 0
	for {
		select {
		case <-ctx.Done():
			prodLog.Info("sim producer stopped")
			return
		case <-ticker.C:
			sig := p.nextSignal(i)
			p.b.Publish(bus.TopicSignals, sig)
			prodLog.Debugf("emitted %s conf=%.2f", sig.Key(), sig.Confidence)
			i++
		}
	}
}

func (p *SimProducer) nextSignal(i int) domain.Signal {
	strategy := p.strategies[i%len(p.strategies)]
	symbol := p.symbols[(i/len(p.strategies))%len(p.symbols)]

	direction := domain.DirectionLong
	if p.rng.Float64() < 0.4 {
		direction = domain.DirectionShort
	}

	price := decimal.NewFromFloat(50 + p.rng.Float64()*150).Round(2)
	stop := price.Mul(decimal.NewFromFloat(0.97)).Round(2)
	if direction == domain.DirectionShort {
		stop = price.Mul(decimal.NewFromFloat(1.03)).Round(2)
	}

	return domain.Signal{
		StrategyID: strategy,
		Symbol:     symbol,
		Direction:  direction,
		Confidence: 0.3 + p.rng.Float64()*0.7,
		EntryPrice: price,
		StopLoss:   stop,
		TTL:        time.Minute,
		EmittedAt:  time.Now(),
	}
}
