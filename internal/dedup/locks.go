package dedup

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/quantbot/goquant/internal/domain"
)

// ErrDuplicateLock 表示同一 DedupKey 的锁仍在 TTL 窗口内。
var ErrDuplicateLock = fmt.Errorf("duplicate dedup lock")

// LockStore 提供 (strategy, symbol, direction) 粒度的时间窗互斥。
//
// 设计目标：
// - 不允许误判（哈希冲突导致误丢信号的代价太高，所以用确定性 map 而非位图）
// - 不同 key 的并发信号无锁竞争（分片 map）
// - 过期清理惰性进行，只在访问到的分片上做
type LockStore struct {
	ttl    time.Duration
	shards []lockShard
}

type lockShard struct {
	mu sync.Mutex
	m  map[domain.DedupKey]time.Time // key -> expiresAt
}

// NewLockStore 创建锁存储。ttl 为去重锁有效期（默认 1 小时）。
func NewLockStore(ttl time.Duration, shardCount int) *LockStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if shardCount <= 0 {
		shardCount = 64
	}
	shards := make([]lockShard, shardCount)
	for i := range shards {
		shards[i].m = make(map[domain.DedupKey]time.Time)
	}
	return &LockStore{ttl: ttl, shards: shards}
}

// TryAcquire 尝试获取 key 的去重锁。
// - 成功返回 nil（锁已设置，TTL 开始计时）
// - 窗口内已有锁返回 ErrDuplicateLock
func (s *LockStore) TryAcquire(key domain.DedupKey) error {
	if s == nil {
		return nil
	}
	now := time.Now()
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	// 惰性清理本分片的过期锁
	for k, exp := range sh.m {
		if !exp.After(now) {
			delete(sh.m, k)
		}
	}

	if exp, ok := sh.m[key]; ok && exp.After(now) {
		return ErrDuplicateLock
	}
	sh.m[key] = now.Add(s.ttl)
	return nil
}

// Release 提前释放 key 的锁。
// 编排器在请求到达终态（RESOLVED/EXPIRED）后调用，
// 保证“同一时刻每个 key 至多一条在途信号”而不是死等 TTL。
func (s *LockStore) Release(key domain.DedupKey) {
	if s == nil {
		return
	}
	sh := s.shard(key)
	sh.mu.Lock()
	delete(sh.m, key)
	sh.mu.Unlock()
}

// Held 检查 key 当前是否有有效锁（测试与控制面用）
func (s *LockStore) Held(key domain.DedupKey) bool {
	if s == nil {
		return false
	}
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	exp, ok := sh.m[key]
	return ok && exp.After(time.Now())
}

func (s *LockStore) shard(key domain.DedupKey) *lockShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.String()))
	idx := int(h.Sum32()) % len(s.shards)
	return &s.shards[idx]
}
