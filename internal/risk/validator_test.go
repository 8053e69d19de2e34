package risk

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantbot/goquant/internal/bus"
	"github.com/quantbot/goquant/internal/domain"
	"github.com/quantbot/goquant/internal/store"
	"github.com/quantbot/goquant/pkg/config"
)

type fakeHistory struct {
	equity  []store.EquityPoint
	returns map[string]map[string]float64
}

func (f *fakeHistory) EquityHistory(context.Context, int) ([]store.EquityPoint, error) {
	return f.equity, nil
}

func (f *fakeHistory) ReturnsSeries(_ context.Context, symbol string, _ int) (map[string]float64, error) {
	if r, ok := f.returns[symbol]; ok {
		return r, nil
	}
	return map[string]float64{}, nil
}

func testLimits() config.RiskLimitsConfig {
	return config.RiskLimitsConfig{
		MaxPositionPct:     0.10,
		MaxSectorPct:       0.30,
		MaxCorrelation:     0.70,
		MaxDrawdown:        0.15,
		MinCashPct:         0.20,
		DrawdownWindowDays: 90,
		CorrWindowDays:     60,
		MinCorrObs:         20,
		TargetVolatility:   0.02,
	}
}

func testPortfolio() *domain.PortfolioSnapshot {
	return &domain.PortfolioSnapshot{
		Equity:    decimal.NewFromInt(100000),
		Cash:      decimal.NewFromInt(50000),
		Positions: map[string]domain.Position{},
		TakenAt:   time.Now(),
	}
}

func riskRequest(sig domain.Signal, portfolio *domain.PortfolioSnapshot) domain.RiskRequest {
	return domain.RiskRequest{
		RequestID: "req-1",
		Signal:    sig,
		Portfolio: portfolio,
		CreatedAt: time.Now(),
	}
}

func validSignal() domain.Signal {
	return domain.Signal{
		StrategyID: "momentum",
		Symbol:     "AAPL",
		Direction:  domain.DirectionLong,
		Confidence: 0.8,
		EntryPrice: decimal.NewFromInt(100),
		StopLoss:   decimal.NewFromInt(95),
		TTL:        time.Minute,
		EmittedAt:  time.Now(),
	}
}

func newTestValidator(t *testing.T, history *fakeHistory, sectors map[string]string) *Validator {
	t.Helper()
	b := bus.New()
	t.Cleanup(b.Close)
	v := NewValidator(b, testLimits(), NewKillSwitch(nil), history, sectors)
	v.SetAllocations(&domain.AllocationSet{
		Weights:    map[string]float64{"momentum": 0.5},
		ComputedAt: time.Now(),
	})
	return v
}

// 平稳权益历史，回撤远低于阈值
func calmHistory() *fakeHistory {
	equity := make([]store.EquityPoint, 0, 30)
	for i := 0; i < 30; i++ {
		equity = append(equity, store.EquityPoint{Day: fmt.Sprintf("2026-08-%02d", i+1), Equity: 100000 + float64(i)*100})
	}
	return &fakeHistory{equity: equity, returns: map[string]map[string]float64{}}
}

func TestApproveWithinAllLimits(t *testing.T) {
	v := newTestValidator(t, calmHistory(), nil)

	resp := v.Evaluate(context.Background(), riskRequest(validSignal(), testPortfolio()))
	if !resp.Approved {
		t.Fatalf("rejected: %s", resp.Reason)
	}
	if !resp.AdjustedSize.IsPositive() {
		t.Fatalf("approved with non-positive size: %s", resp.AdjustedSize)
	}
	// base 100 × conf 0.8 × weight 0.5 = 40
	if !resp.AdjustedSize.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("want size 40, got %s", resp.AdjustedSize)
	}
}

func TestDrawdownBreachTripsKillSwitch(t *testing.T) {
	// 峰 116000 跌至 97440：回撤 16% > 15%
	history := &fakeHistory{
		equity: []store.EquityPoint{
			{Day: "2026-08-01", Equity: 100000},
			{Day: "2026-08-02", Equity: 116000},
			{Day: "2026-08-03", Equity: 97440},
		},
		returns: map[string]map[string]float64{},
	}
	v := newTestValidator(t, history, nil)

	resp := v.Evaluate(context.Background(), riskRequest(validSignal(), testPortfolio()))
	if resp.Approved {
		t.Fatal("approved despite drawdown breach")
	}
	if resp.Reason != domain.RejectKillSwitch {
		t.Fatalf("want kill_switch, got %s", resp.Reason)
	}
	if !v.KillSwitch().Engaged() {
		t.Fatal("kill switch not engaged after breach")
	}

	// 熔断后所有新开仓请求短路拒绝
	resp2 := v.Evaluate(context.Background(), riskRequest(validSignal(), testPortfolio()))
	if resp2.Approved || resp2.Reason != domain.RejectKillSwitch {
		t.Fatalf("follow-up not short-circuited: %+v", resp2)
	}
}

func TestKillSwitchDoesNotBlockCloses(t *testing.T) {
	v := newTestValidator(t, calmHistory(), nil)
	v.KillSwitch().Trip("manual test halt")

	portfolio := testPortfolio()
	portfolio.Positions["AAPL"] = domain.Position{
		Symbol:    "AAPL",
		Direction: domain.DirectionLong,
		Quantity:  decimal.NewFromInt(25),
		AvgPrice:  decimal.NewFromInt(100),
	}

	sig := validSignal()
	sig.Direction = domain.DirectionClose

	resp := v.Evaluate(context.Background(), riskRequest(sig, portfolio))
	if !resp.Approved {
		t.Fatalf("close rejected during halt: %s", resp.Reason)
	}
	if !resp.AdjustedSize.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("close size should be full position, got %s", resp.AdjustedSize)
	}
}

func TestCloseWithoutPositionRejected(t *testing.T) {
	v := newTestValidator(t, calmHistory(), nil)

	sig := validSignal()
	sig.Direction = domain.DirectionClose

	resp := v.Evaluate(context.Background(), riskRequest(sig, testPortfolio()))
	if resp.Approved || resp.Reason != domain.RejectNoPosition {
		t.Fatalf("want no_position, got %+v", resp)
	}
}

func TestStaleSignalRejected(t *testing.T) {
	v := newTestValidator(t, calmHistory(), nil)

	sig := validSignal()
	sig.EmittedAt = time.Now().Add(-2 * time.Minute)

	resp := v.Evaluate(context.Background(), riskRequest(sig, testPortfolio()))
	if resp.Approved || resp.Reason != domain.RejectStaleSignal {
		t.Fatalf("want stale_signal, got %+v", resp)
	}
}

func TestMaxPositionIncludesExistingExposure(t *testing.T) {
	v := newTestValidator(t, calmHistory(), nil)

	portfolio := testPortfolio()
	portfolio.Positions["AAPL"] = domain.Position{
		Symbol:   "AAPL",
		Quantity: decimal.NewFromInt(90),
		AvgPrice: decimal.NewFromInt(100),
	}

	resp := v.Evaluate(context.Background(), riskRequest(validSignal(), portfolio))
	if resp.Approved || resp.Reason != domain.RejectMaxPosition {
		t.Fatalf("want max_position, got %+v", resp)
	}
}

func TestSectorConcentrationRejected(t *testing.T) {
	sectors := map[string]string{"AAPL": "tech", "MSFT": "tech"}
	v := newTestValidator(t, calmHistory(), sectors)

	portfolio := testPortfolio()
	portfolio.Positions["MSFT"] = domain.Position{
		Symbol:   "MSFT",
		Sector:   "tech",
		Quantity: decimal.NewFromInt(90),
		AvgPrice: decimal.NewFromInt(310), // 行业敞口 27900，加新仓 4000 超 30%
	}

	resp := v.Evaluate(context.Background(), riskRequest(validSignal(), portfolio))
	if resp.Approved || resp.Reason != domain.RejectMaxSector {
		t.Fatalf("want max_sector, got %+v", resp)
	}
}

func TestCorrelationAgainstHoldingsRejected(t *testing.T) {
	series := map[string]float64{}
	for i := 0; i < 30; i++ {
		series[fmt.Sprintf("2026-08-%02d", i+1)] = float64(i%5) * 0.001
	}
	history := calmHistory()
	history.returns["AAPL"] = series
	history.returns["MSFT"] = series // 完全相关

	v := newTestValidator(t, history, nil)

	portfolio := testPortfolio()
	portfolio.Positions["MSFT"] = domain.Position{
		Symbol:   "MSFT",
		Quantity: decimal.NewFromInt(10),
		AvgPrice: decimal.NewFromInt(100),
	}

	resp := v.Evaluate(context.Background(), riskRequest(validSignal(), portfolio))
	if resp.Approved || resp.Reason != domain.RejectMaxCorrelation {
		t.Fatalf("want max_correlation, got %+v", resp)
	}
}

func TestCashFloorRejected(t *testing.T) {
	v := newTestValidator(t, calmHistory(), nil)

	portfolio := testPortfolio()
	portfolio.Cash = decimal.NewFromInt(23000) // 下单 4000 后跌破 20% 保底

	resp := v.Evaluate(context.Background(), riskRequest(validSignal(), portfolio))
	if resp.Approved || resp.Reason != domain.RejectInsufficientCash {
		t.Fatalf("want insufficient_cash, got %+v", resp)
	}
}

func TestZeroWeightStrategyGetsNoSize(t *testing.T) {
	v := newTestValidator(t, calmHistory(), nil)
	v.SetAllocations(&domain.AllocationSet{Weights: map[string]float64{"other": 1.0}})

	resp := v.Evaluate(context.Background(), riskRequest(validSignal(), testPortfolio()))
	if resp.Approved {
		t.Fatal("approved for zero-weight strategy")
	}
}
