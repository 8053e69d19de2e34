package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantbot/goquant/internal/domain"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := OpenLedger(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestPositionRoundTrip(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	pos := domain.Position{
		Symbol:     "AAPL",
		StrategyID: "momentum",
		Sector:     "tech",
		Quantity:   decimal.RequireFromString("100.5"),
		AvgPrice:   decimal.RequireFromString("187.32"),
		CostBasis:  decimal.RequireFromString("18825.66"),
		Direction:  domain.DirectionLong,
		OpenedAt:   time.Now(),
	}
	if err := l.UpsertPosition(ctx, pos); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := l.GetPosition(ctx, "AAPL")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Quantity.Equal(pos.Quantity) || !got.AvgPrice.Equal(pos.AvgPrice) {
		t.Fatalf("round trip lost precision: %+v", got)
	}
	if got.Sector != "tech" || got.Direction != domain.DirectionLong {
		t.Fatalf("metadata lost: %+v", got)
	}

	// 更新走 upsert 同一行
	pos.Quantity = decimal.NewFromInt(200)
	if err := l.UpsertPosition(ctx, pos); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	all, err := l.Positions(ctx)
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(all) != 1 || !all["AAPL"].Quantity.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("upsert duplicated rows: %+v", all)
	}
}

func TestZeroQuantityDeletesPosition(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	pos := domain.Position{
		Symbol:    "AAPL",
		Quantity:  decimal.NewFromInt(10),
		AvgPrice:  decimal.NewFromInt(100),
		CostBasis: decimal.NewFromInt(1000),
		Direction: domain.DirectionLong,
	}
	if err := l.UpsertPosition(ctx, pos); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	pos.Quantity = decimal.Zero
	if err := l.UpsertPosition(ctx, pos); err != nil {
		t.Fatalf("zero upsert: %v", err)
	}

	if _, err := l.GetPosition(ctx, "AAPL"); !errors.Is(err, ErrPositionNotFound) {
		t.Fatalf("want ErrPositionNotFound, got %v", err)
	}
	if _, held := l.OpenPosition(ctx, "AAPL"); held {
		t.Fatal("zero position reported as open")
	}
}

func TestEquityHistoryWindowAndOrder(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	days := []string{"2026-08-25", "2026-08-26", "2026-08-27", "2026-08-28"}
	for i, day := range days {
		if err := l.AppendEquityPoint(ctx, day, 100000+float64(i)*1000, 50000); err != nil {
			t.Fatalf("append %s: %v", day, err)
		}
	}

	history, err := l.EquityHistory(ctx, 3)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("window not applied: got %d points", len(history))
	}
	if history[0].Day != "2026-08-26" || history[2].Day != "2026-08-28" {
		t.Fatalf("not ascending within window: %+v", history)
	}

	// 同一天重复写入覆盖
	if err := l.AppendEquityPoint(ctx, "2026-08-28", 99000, 40000); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	history, _ = l.EquityHistory(ctx, 1)
	if len(history) != 1 || history[0].Equity != 99000 {
		t.Fatalf("overwrite not applied: %+v", history)
	}
}

func TestReturnsSeriesPerSymbol(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	if err := l.RecordReturn(ctx, "AAPL", "2026-08-27", 0.012); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := l.RecordReturn(ctx, "AAPL", "2026-08-28", -0.004); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := l.RecordReturn(ctx, "MSFT", "2026-08-28", 0.020); err != nil {
		t.Fatalf("record: %v", err)
	}

	series, err := l.ReturnsSeries(ctx, "AAPL", 60)
	if err != nil {
		t.Fatalf("series: %v", err)
	}
	if len(series) != 2 {
		t.Fatalf("symbols mixed up: %+v", series)
	}
	if series["2026-08-27"] != 0.012 || series["2026-08-28"] != -0.004 {
		t.Fatalf("unexpected returns: %+v", series)
	}
}

func TestStrategyEquityHistory(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	for i, day := range []string{"2026-08-26", "2026-08-27", "2026-08-28"} {
		if err := l.AppendStrategyEquity(ctx, "momentum", day, 50000+float64(i)*500); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := l.AppendStrategyEquity(ctx, "meanrev", "2026-08-28", 30000); err != nil {
		t.Fatalf("append: %v", err)
	}

	history, err := l.StrategyEquityHistory(ctx, "momentum", 63)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("strategies mixed up: %+v", history)
	}
	if history[0].Day != "2026-08-26" || history[2].Equity != 51000 {
		t.Fatalf("unexpected series: %+v", history)
	}
}

func TestSnapshotUsesLatestEquityPoint(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	if err := l.AppendEquityPoint(ctx, "2026-08-27", 100000, 60000); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := l.AppendEquityPoint(ctx, "2026-08-28", 104000, 55000); err != nil {
		t.Fatalf("append: %v", err)
	}
	pos := domain.Position{
		Symbol:    "AAPL",
		Quantity:  decimal.NewFromInt(10),
		AvgPrice:  decimal.NewFromInt(100),
		CostBasis: decimal.NewFromInt(1000),
		Direction: domain.DirectionLong,
	}
	if err := l.UpsertPosition(ctx, pos); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	snap, err := l.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snap.Equity.Equal(decimal.NewFromInt(104000)) || !snap.Cash.Equal(decimal.NewFromInt(55000)) {
		t.Fatalf("snapshot not from latest point: equity=%s cash=%s", snap.Equity, snap.Cash)
	}
	if len(snap.Positions) != 1 {
		t.Fatalf("snapshot positions: %+v", snap.Positions)
	}
}

func TestSnapshotWithoutHistoryIsZero(t *testing.T) {
	l := openTestLedger(t)

	snap, err := l.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snap.Equity.IsZero() || !snap.Cash.IsZero() {
		t.Fatalf("fresh ledger snapshot not zero: %+v", snap)
	}
}
