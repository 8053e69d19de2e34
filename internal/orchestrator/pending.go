package orchestrator

import (
	"sync"
	"time"

	"github.com/quantbot/goquant/internal/domain"
)

// pendingEntry 在途请求记录
type pendingEntry struct {
	req        domain.RiskRequest
	dispatched time.Time
}

// ExpiredRequest 扫描清理出的超时请求。
// Age 在请求移出 map 之前取值，审计延迟数据依赖这一点。
type ExpiredRequest struct {
	Req domain.RiskRequest
	Age time.Duration
}

// PendingValidation 等待风控响应的请求表。
// 只支持三种操作：插入、按 RequestID 移除、整表超时扫描。
type PendingValidation struct {
	mu      sync.Mutex
	entries map[string]pendingEntry
}

// NewPendingValidation 创建在途请求表
func NewPendingValidation() *PendingValidation {
	return &PendingValidation{
		entries: make(map[string]pendingEntry),
	}
}

// Insert 记录新派发的请求
func (p *PendingValidation) Insert(req domain.RiskRequest, dispatched time.Time) {
	p.mu.Lock()
	p.entries[req.RequestID] = pendingEntry{req: req, dispatched: dispatched}
	p.mu.Unlock()
}

// Remove 按 RequestID 取出请求。响应到达和超时清理都走这里，
// map 的互斥保证同一请求只会被其中一方取到。
func (p *PendingValidation) Remove(requestID string) (domain.RiskRequest, time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[requestID]
	if !ok {
		return domain.RiskRequest{}, time.Time{}, false
	}
	delete(p.entries, requestID)
	return e.req, e.dispatched, true
}

// Sweep 移除所有超过 timeout 的请求并返回它们。
// 每条记录的年龄在删除前计算。
func (p *PendingValidation) Sweep(now time.Time, timeout time.Duration) []ExpiredRequest {
	p.mu.Lock()
	defer p.mu.Unlock()

	var expired []ExpiredRequest
	for id, e := range p.entries {
		age := now.Sub(e.dispatched)
		if age <= timeout {
			continue
		}
		expired = append(expired, ExpiredRequest{Req: e.req, Age: age})
		delete(p.entries, id)
	}
	return expired
}

// Len 当前在途请求数（控制面用）
func (p *PendingValidation) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
