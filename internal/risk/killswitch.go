package risk

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quantbot/goquant/pkg/logger"
	"github.com/quantbot/goquant/pkg/persistence"
)

// ErrKillSwitchOpen 表示熔断已触发，禁止新开仓。
var ErrKillSwitchOpen = fmt.Errorf("kill switch open")

// KillSwitch 回撤熔断开关。
//
// 高频快路径（每个风控请求都要查）用原子变量；
// 触发后必须人工清除（控制面 API），自动恢复会掩盖触发原因。
// 熔断只封新开仓：平仓与报告继续运行（fatal-for-trading，不是 fatal-for-process）。
type KillSwitch struct {
	halted atomic.Bool

	mu       sync.Mutex
	reason   string
	haltedAt time.Time

	store persistence.Store // 跨重启保持熔断状态，可为 nil
}

// killSwitchState 持久化的熔断状态
type killSwitchState struct {
	Halted   bool      `json:"halted"`
	Reason   string    `json:"reason"`
	HaltedAt time.Time `json:"halted_at"`
}

// NewKillSwitch 创建熔断开关。store 非 nil 时会恢复上次的熔断状态。
func NewKillSwitch(store persistence.Store) *KillSwitch {
	ks := &KillSwitch{store: store}
	if store != nil {
		var state killSwitchState
		if err := store.Load(&state); err == nil && state.Halted {
			ks.halted.Store(true)
			ks.reason = state.Reason
			ks.haltedAt = state.HaltedAt
			logger.Warnf("⚠️ 恢复了上次运行遗留的熔断状态: %s (自 %s)", state.Reason, state.HaltedAt.Format(time.RFC3339))
		}
	}
	return ks
}

// Trip 触发熔断。幂等：已触发时只更新不了原因（保留首次触发的现场）。
func (k *KillSwitch) Trip(reason string) {
	if k == nil {
		return
	}
	if k.halted.CompareAndSwap(false, true) {
		k.mu.Lock()
		k.reason = reason
		k.haltedAt = time.Now()
		k.mu.Unlock()
		k.persist()
		logger.Errorf("🛑 熔断触发: %s（新开仓全部拒绝，等待人工清除）", reason)
	}
}

// Clear 人工清除熔断（控制面调用）
func (k *KillSwitch) Clear() {
	if k == nil {
		return
	}
	if k.halted.CompareAndSwap(true, false) {
		k.mu.Lock()
		prev := k.reason
		k.reason = ""
		k.haltedAt = time.Time{}
		k.mu.Unlock()
		k.persist()
		logger.Warnf("✅ 熔断已人工清除（此前原因: %s）", prev)
	}
}

// Engaged 快路径检查是否已熔断
func (k *KillSwitch) Engaged() bool {
	if k == nil {
		return false
	}
	return k.halted.Load()
}

// Status 返回当前状态（控制面展示用）
func (k *KillSwitch) Status() (halted bool, reason string, haltedAt time.Time) {
	if k == nil {
		return false, "", time.Time{}
	}
	halted = k.halted.Load()
	k.mu.Lock()
	reason, haltedAt = k.reason, k.haltedAt
	k.mu.Unlock()
	return halted, reason, haltedAt
}

func (k *KillSwitch) persist() {
	if k.store == nil {
		return
	}
	k.mu.Lock()
	state := killSwitchState{Halted: k.halted.Load(), Reason: k.reason, HaltedAt: k.haltedAt}
	k.mu.Unlock()
	if err := k.store.Save(state); err != nil {
		logger.Errorf("熔断状态持久化失败: %v", err)
	}
}
