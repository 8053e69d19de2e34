package risk

import (
	"testing"

	"github.com/quantbot/goquant/pkg/persistence"
)

func TestTripAndManualClear(t *testing.T) {
	ks := NewKillSwitch(nil)
	if ks.Engaged() {
		t.Fatal("fresh kill switch engaged")
	}

	ks.Trip("rolling drawdown 16.00% exceeds max 15.00%")
	if !ks.Engaged() {
		t.Fatal("trip did not engage")
	}
	halted, reason, haltedAt := ks.Status()
	if !halted || reason == "" || haltedAt.IsZero() {
		t.Fatalf("status incomplete: %v %q %v", halted, reason, haltedAt)
	}

	// 再次触发不覆盖首次现场
	ks.Trip("second reason")
	_, reason2, _ := ks.Status()
	if reason2 != reason {
		t.Fatalf("first trip reason overwritten: %q", reason2)
	}

	ks.Clear()
	if ks.Engaged() {
		t.Fatal("clear did not disengage")
	}
}

func TestKillSwitchStateSurvivesRestart(t *testing.T) {
	svc := persistence.NewJSONFileService(t.TempDir())
	st := svc.NewStore("state", "risk", "killswitch")

	ks := NewKillSwitch(st)
	ks.Trip("drawdown breach")

	// 模拟重启：用同一个存储重新构造
	ks2 := NewKillSwitch(st)
	if !ks2.Engaged() {
		t.Fatal("halt state lost across restart")
	}
	_, reason, _ := ks2.Status()
	if reason != "drawdown breach" {
		t.Fatalf("reason lost: %q", reason)
	}

	ks2.Clear()
	ks3 := NewKillSwitch(st)
	if ks3.Engaged() {
		t.Fatal("cleared state not persisted")
	}
}
