package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantbot/goquant/internal/domain"
)

func openTestAudit(t *testing.T, dir string) *AuditStore {
	t.Helper()
	s, err := OpenAudit(dir)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func auditDecision(i int) domain.Decision {
	return domain.Decision{
		RequestID:  fmt.Sprintf("req-%03d", i),
		StrategyID: "momentum",
		Symbol:     "AAPL",
		Direction:  domain.DirectionLong,
		Outcome:    domain.OutcomeResolved,
		Approved:   true,
		Size:       decimal.NewFromInt(int64(i)),
		DecidedAt:  time.Now(),
	}
}

func TestRecentDecisionsNewestFirst(t *testing.T) {
	s := openTestAudit(t, t.TempDir())

	for i := 0; i < 5; i++ {
		if err := s.AppendDecision(auditDecision(i)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	got, err := s.RecentDecisions(3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("limit not applied: got %d", len(got))
	}
	if got[0].RequestID != "req-004" || got[2].RequestID != "req-002" {
		t.Fatalf("not newest first: %s, %s, %s", got[0].RequestID, got[1].RequestID, got[2].RequestID)
	}
}

func TestAlertsDoNotPolluteDecisionStream(t *testing.T) {
	s := openTestAudit(t, t.TempDir())

	if err := s.AppendDecision(auditDecision(0)); err != nil {
		t.Fatalf("append decision: %v", err)
	}
	err := s.AppendAlert(AuditAlert{
		Severity: "CRITICAL",
		Kind:     "reconcile_break",
		Symbol:   "AAPL",
		Detail:   "ledger=100 broker=105",
	})
	if err != nil {
		t.Fatalf("append alert: %v", err)
	}

	got, err := s.RecentDecisions(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("alert leaked into decision stream: %d records", len(got))
	}
}

func TestAuditSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := OpenAudit(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.AppendDecision(auditDecision(1)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := openTestAudit(t, dir)
	got, err := reopened.RecentDecisions(10)
	if err != nil {
		t.Fatalf("recent after reopen: %v", err)
	}
	if len(got) != 1 || got[0].RequestID != "req-001" {
		t.Fatalf("records lost across reopen: %+v", got)
	}

	// 序列跨重启继续递增，追加不会覆盖旧记录
	if err := reopened.AppendDecision(auditDecision(2)); err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	got, _ = reopened.RecentDecisions(10)
	if len(got) != 2 || got[0].RequestID != "req-002" {
		t.Fatalf("append after reopen broke ordering: %+v", got)
	}
}
