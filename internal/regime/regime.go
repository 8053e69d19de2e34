package regime

import (
	"context"
	"sync"

	"github.com/quantbot/goquant/internal/domain"
	"github.com/quantbot/goquant/pkg/cache"
	"github.com/quantbot/goquant/pkg/config"
)

// Provider 市场状态来源
type Provider interface {
	Current(ctx context.Context) (domain.Regime, error)
}

// StaticProvider 配置驱动的市场状态，可被控制面手动切换
type StaticProvider struct {
	mu      sync.RWMutex
	current domain.Regime
}

// NewStaticProvider 创建静态 Provider
func NewStaticProvider(cfg config.RegimeConfig) *StaticProvider {
	current := domain.Regime(cfg.Default)
	if current == "" {
		current = domain.RegimeRangeBound
	}
	return &StaticProvider{current: current}
}

// Current 当前市场状态
func (p *StaticProvider) Current(_ context.Context) (domain.Regime, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current, nil
}

// Set 切换市场状态（控制面调用）
func (p *StaticProvider) Set(r domain.Regime) {
	p.mu.Lock()
	p.current = r
	p.mu.Unlock()
}

// CachedProvider 带 TTL 缓存的 Provider 包装。
// 外部 regime 判定可能较慢，分配器和控制面高频查询走缓存。
type CachedProvider struct {
	inner Provider
	cache *cache.InMemoryCache[string, domain.Regime]
}

const cacheKey = "regime"

// NewCachedProvider 包装一个 Provider
func NewCachedProvider(inner Provider, cfg config.RegimeConfig) *CachedProvider {
	return &CachedProvider{
		inner: inner,
		cache: cache.NewInMemoryCache[string, domain.Regime](cfg.RefreshInterval.D()),
	}
}

// Current 优先返回缓存值，过期后透传查询
func (p *CachedProvider) Current(ctx context.Context) (domain.Regime, error) {
	if r, ok := p.cache.Get(cacheKey); ok {
		return r, nil
	}
	r, err := p.inner.Current(ctx)
	if err != nil {
		return "", err
	}
	p.cache.Set(cacheKey, r, 0)
	return r, nil
}

// Stop 停止缓存清理
func (p *CachedProvider) Stop() {
	p.cache.Stop()
}
