package orchestrator

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/quantbot/goquant/internal/domain"
)

func pendingReq(id string) domain.RiskRequest {
	return domain.RiskRequest{
		RequestID: id,
		Signal:    domain.Signal{StrategyID: "momentum", Symbol: "AAPL", Direction: domain.DirectionLong},
		CreatedAt: time.Now(),
	}
}

func TestInsertRemove(t *testing.T) {
	p := NewPendingValidation()
	now := time.Now()

	p.Insert(pendingReq("r1"), now)
	if p.Len() != 1 {
		t.Fatalf("want 1 entry, got %d", p.Len())
	}

	req, dispatched, ok := p.Remove("r1")
	if !ok {
		t.Fatal("remove failed")
	}
	if req.RequestID != "r1" {
		t.Fatalf("wrong request: %s", req.RequestID)
	}
	if !dispatched.Equal(now) {
		t.Fatalf("dispatch time mangled: %v != %v", dispatched, now)
	}
	if _, _, ok := p.Remove("r1"); ok {
		t.Fatal("second remove succeeded")
	}
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	p := NewPendingValidation()
	now := time.Now()

	p.Insert(pendingReq("old"), now.Add(-40*time.Second))
	p.Insert(pendingReq("fresh"), now.Add(-5*time.Second))

	expired := p.Sweep(now, 30*time.Second)
	if len(expired) != 1 {
		t.Fatalf("want 1 expired, got %d", len(expired))
	}
	if expired[0].Req.RequestID != "old" {
		t.Fatalf("wrong entry expired: %s", expired[0].Req.RequestID)
	}
	if expired[0].Age < 40*time.Second {
		t.Fatalf("age captured after removal? got %v", expired[0].Age)
	}
	if p.Len() != 1 {
		t.Fatalf("fresh entry should remain, len=%d", p.Len())
	}
}

func TestRemoveAndSweepNeverBothWin(t *testing.T) {
	p := NewPendingValidation()
	now := time.Now()

	const n = 200
	for i := 0; i < n; i++ {
		p.Insert(pendingReq(fmt.Sprintf("r%d", i)), now.Add(-time.Minute))
	}

	var wg sync.WaitGroup
	removed := make([]int, 4)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < n; i++ {
				if _, _, ok := p.Remove(fmt.Sprintf("r%d", i)); ok {
					removed[w]++
				}
			}
		}(w)
	}
	var swept int
	wg.Add(1)
	go func() {
		defer wg.Done()
		swept = len(p.Sweep(now, 30*time.Second))
	}()
	wg.Wait()

	total := swept
	for _, c := range removed {
		total += c
	}
	if total != n {
		t.Fatalf("want exactly %d terminal outcomes, got %d (swept=%d)", n, total, swept)
	}
	if p.Len() != 0 {
		t.Fatalf("entries left behind: %d", p.Len())
	}
}
