package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration 包装 time.Duration，支持 YAML 里写 "30s"/"5m" 这种形式
type Duration time.Duration

// D 返回底层 time.Duration
func (d Duration) D() time.Duration { return time.Duration(d) }

// UnmarshalYAML 实现 yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		// 允许直接写纳秒数（不推荐，但兼容）
		var n int64
		if err2 := value.Decode(&n); err2 == nil {
			*d = Duration(n)
			return nil
		}
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML 实现 yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// BusConfig 总线配置
type BusConfig struct {
	SubscriberBuffer int `yaml:"subscriber_buffer"` // 订阅出口 channel 缓冲
}

// DedupConfig 信号去重配置
type DedupConfig struct {
	LockTTL        Duration `yaml:"lock_ttl"`        // 去重锁有效期，默认 1h
	ShardCount     int      `yaml:"shard_count"`     // 分片数，默认 64
	ConflictWindow Duration `yaml:"conflict_window"` // 冲突裁决攒批窗口，默认 500ms
}

// RiskLimitsConfig 风控限额配置（外部拥有，本核心只消费）
type RiskLimitsConfig struct {
	MaxPositionPct     float64 `yaml:"max_position_pct"`     // 单仓位占资金比例上限
	MaxSectorPct       float64 `yaml:"max_sector_pct"`       // 行业集中度上限
	MaxCorrelation     float64 `yaml:"max_correlation"`      // 与持仓相关性上限
	MaxDrawdown        float64 `yaml:"max_drawdown"`         // 回撤熔断阈值
	MinCashPct         float64 `yaml:"min_cash_pct"`         // 现金保底比例
	DrawdownWindowDays int     `yaml:"drawdown_window_days"` // 回撤滚动窗口（交易日）
	CorrWindowDays     int     `yaml:"corr_window_days"`     // 相关性滚动窗口，默认 60
	MinCorrObs         int     `yaml:"min_corr_obs"`         // 相关性最少重叠样本数
	TargetVolatility   float64 `yaml:"target_volatility"`    // 反波动率定仓的基准波动率
}

// OrchestratorConfig 编排器配置
type OrchestratorConfig struct {
	PendingTimeout Duration `yaml:"pending_timeout"` // 风控响应超时，默认 30s
	SweepInterval  Duration `yaml:"sweep_interval"`  // 过期扫描间隔，默认 2s
	MinConfidence  float64  `yaml:"min_confidence"`  // 低于此置信度直接丢弃
	FullConfidence float64  `yaml:"full_confidence"` // 高于此置信度全额通过
}

// LifecycleConfig 订单生命周期配置
type LifecycleConfig struct {
	AckTimeout          Duration `yaml:"ack_timeout"`           // 提交确认超时，默认 5s（重试一次）
	FillTimeout         Duration `yaml:"fill_timeout"`          // SENT 无完全成交超时，默认 5m
	PartialStallTimeout Duration `yaml:"partial_stall_timeout"` // 部分成交停滞超时，默认 5m
	MinOrderSize        float64  `yaml:"min_order_size"`        // 最小可交易数量
	ReconcileThreshold  float64  `yaml:"reconcile_threshold"`   // 对账偏差阈值（仓位价值比例），默认 0.001
	ReconcileInterval   Duration `yaml:"reconcile_interval"`    // 对账周期，默认 24h
	SweepInterval       Duration `yaml:"sweep_interval"`        // 超时扫描间隔，默认 1s
}

// AllocatorConfig 资金分配配置
type AllocatorConfig struct {
	Cadence              Duration `yaml:"cadence"`               // 重算周期，默认一周
	DriftThreshold       float64  `yaml:"drift_threshold"`       // 偏离目标超过此比例立即重算，默认 0.10
	MinWeight            float64  `yaml:"min_weight"`            // 权重下限，默认 0.10
	MaxWeight            float64  `yaml:"max_weight"`            // 权重上限，默认 0.50
	MaxToleratedDrawdown float64  `yaml:"max_tolerated_drawdown"` // raw_weight 公式里的回撤容忍度
	CheckInterval        Duration `yaml:"check_interval"`        // 漂移检查间隔
}

// GatewayConfig 执行网关配置
type GatewayConfig struct {
	BaseURL       string   `yaml:"base_url"`
	FillStreamURL string   `yaml:"fill_stream_url"`
	APIKey        string   `yaml:"api_key"`
	Timeout       Duration `yaml:"timeout"`    // 所有外呼的显式超时上限
	RateLimit     int      `yaml:"rate_limit"` // 每秒请求数
	UseSim        bool     `yaml:"use_sim"`    // 使用内置模拟网关（paper 模式）
}

// StoresConfig 存储配置
type StoresConfig struct {
	LedgerPath string `yaml:"ledger_path"` // sqlite 仓位/权益账本
	AuditPath  string `yaml:"audit_path"`  // badger 审计日志目录
	StatePath  string `yaml:"state_path"`  // JSON 状态目录（分配器/熔断状态）
}

// ControlPlaneConfig 运维控制面配置
type ControlPlaneConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // 例如 127.0.0.1:8787
}

// StrategyEntry 策略注册表条目
type StrategyEntry struct {
	ID             string   `yaml:"id"`
	Enabled        bool     `yaml:"enabled"`
	Regimes        []string `yaml:"regimes"`          // 兼容的 regime 集合，空表示全部
	MaxPositionPct float64  `yaml:"max_position_pct"` // 策略级限额（可选，0 用全局值）
}

// RegimeConfig 市场状态来源配置
type RegimeConfig struct {
	Default         string   `yaml:"default"`          // 启动时的 regime 标签
	RefreshInterval Duration `yaml:"refresh_interval"` // regime 查询缓存 TTL
}

// Config 应用配置
type Config struct {
	Log          LogConfig          `yaml:"log"`
	Bus          BusConfig          `yaml:"bus"`
	Dedup        DedupConfig        `yaml:"dedup"`
	Risk         RiskLimitsConfig   `yaml:"risk"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Lifecycle    LifecycleConfig    `yaml:"lifecycle"`
	Allocator    AllocatorConfig    `yaml:"allocator"`
	Gateway      GatewayConfig      `yaml:"gateway"`
	Stores       StoresConfig       `yaml:"stores"`
	ControlPlane ControlPlaneConfig `yaml:"controlplane"`
	Strategies   []StrategyEntry    `yaml:"strategies"`
	Regime       RegimeConfig       `yaml:"regime"`
	Sectors      map[string]string  `yaml:"sectors"` // symbol -> 行业分类，集中度检查用
}

// Load 从 YAML 文件加载配置，应用默认值和环境变量覆盖后校验。
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Bus.SubscriberBuffer <= 0 {
		c.Bus.SubscriberBuffer = 256
	}
	if c.Dedup.LockTTL <= 0 {
		c.Dedup.LockTTL = Duration(time.Hour)
	}
	if c.Dedup.ShardCount <= 0 {
		c.Dedup.ShardCount = 64
	}
	if c.Dedup.ConflictWindow <= 0 {
		c.Dedup.ConflictWindow = Duration(500 * time.Millisecond)
	}
	if c.Risk.MaxPositionPct <= 0 {
		c.Risk.MaxPositionPct = 0.10
	}
	if c.Risk.MaxSectorPct <= 0 {
		c.Risk.MaxSectorPct = 0.30
	}
	if c.Risk.MaxCorrelation <= 0 {
		c.Risk.MaxCorrelation = 0.70
	}
	if c.Risk.MaxDrawdown <= 0 {
		c.Risk.MaxDrawdown = 0.15
	}
	if c.Risk.MinCashPct <= 0 {
		c.Risk.MinCashPct = 0.20
	}
	if c.Risk.DrawdownWindowDays <= 0 {
		c.Risk.DrawdownWindowDays = 90
	}
	if c.Risk.CorrWindowDays <= 0 {
		c.Risk.CorrWindowDays = 60
	}
	if c.Risk.MinCorrObs <= 0 {
		c.Risk.MinCorrObs = 20
	}
	if c.Risk.TargetVolatility <= 0 {
		c.Risk.TargetVolatility = 0.02
	}
	if c.Orchestrator.PendingTimeout <= 0 {
		c.Orchestrator.PendingTimeout = Duration(30 * time.Second)
	}
	if c.Orchestrator.SweepInterval <= 0 {
		c.Orchestrator.SweepInterval = Duration(2 * time.Second)
	}
	if c.Orchestrator.MinConfidence <= 0 {
		c.Orchestrator.MinConfidence = 0.3
	}
	if c.Orchestrator.FullConfidence <= 0 {
		c.Orchestrator.FullConfidence = 0.7
	}
	if c.Lifecycle.AckTimeout <= 0 {
		c.Lifecycle.AckTimeout = Duration(5 * time.Second)
	}
	if c.Lifecycle.FillTimeout <= 0 {
		c.Lifecycle.FillTimeout = Duration(5 * time.Minute)
	}
	if c.Lifecycle.PartialStallTimeout <= 0 {
		c.Lifecycle.PartialStallTimeout = Duration(5 * time.Minute)
	}
	if c.Lifecycle.MinOrderSize <= 0 {
		c.Lifecycle.MinOrderSize = 1
	}
	if c.Lifecycle.ReconcileThreshold <= 0 {
		c.Lifecycle.ReconcileThreshold = 0.001
	}
	if c.Lifecycle.ReconcileInterval <= 0 {
		c.Lifecycle.ReconcileInterval = Duration(24 * time.Hour)
	}
	if c.Lifecycle.SweepInterval <= 0 {
		c.Lifecycle.SweepInterval = Duration(time.Second)
	}
	if c.Allocator.Cadence <= 0 {
		c.Allocator.Cadence = Duration(7 * 24 * time.Hour)
	}
	if c.Allocator.DriftThreshold <= 0 {
		c.Allocator.DriftThreshold = 0.10
	}
	if c.Allocator.MinWeight <= 0 {
		c.Allocator.MinWeight = 0.10
	}
	if c.Allocator.MaxWeight <= 0 {
		c.Allocator.MaxWeight = 0.50
	}
	if c.Allocator.MaxToleratedDrawdown <= 0 {
		c.Allocator.MaxToleratedDrawdown = 0.25
	}
	if c.Allocator.CheckInterval <= 0 {
		c.Allocator.CheckInterval = Duration(time.Hour)
	}
	if c.Gateway.Timeout <= 0 {
		c.Gateway.Timeout = Duration(10 * time.Second)
	}
	if c.Gateway.RateLimit <= 0 {
		c.Gateway.RateLimit = 10
	}
	if c.Stores.LedgerPath == "" {
		c.Stores.LedgerPath = "data/ledger.db"
	}
	if c.Stores.AuditPath == "" {
		c.Stores.AuditPath = "data/audit"
	}
	if c.Stores.StatePath == "" {
		c.Stores.StatePath = "data/state"
	}
	if c.ControlPlane.Listen == "" {
		c.ControlPlane.Listen = "127.0.0.1:8787"
	}
	if c.Regime.Default == "" {
		c.Regime.Default = "range_bound"
	}
	if c.Regime.RefreshInterval <= 0 {
		c.Regime.RefreshInterval = Duration(time.Minute)
	}
}

// applyEnvOverrides 环境变量覆盖（部署时常用的几个入口）
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GOQUANT_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("GOQUANT_GATEWAY_BASE_URL"); v != "" {
		c.Gateway.BaseURL = v
	}
	if v := os.Getenv("GOQUANT_GATEWAY_API_KEY"); v != "" {
		c.Gateway.APIKey = v
	}
	if v := os.Getenv("GOQUANT_CONTROL_LISTEN"); v != "" {
		c.ControlPlane.Listen = v
	}
	if v := os.Getenv("GOQUANT_USE_SIM"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Gateway.UseSim = b
		}
	}
	if v := os.Getenv("GOQUANT_MAX_DRAWDOWN"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			c.Risk.MaxDrawdown = f
		}
	}
}

// Validate 配置校验
func (c *Config) Validate() error {
	if c.Orchestrator.MinConfidence > c.Orchestrator.FullConfidence {
		return fmt.Errorf("orchestrator: min_confidence %.2f > full_confidence %.2f",
			c.Orchestrator.MinConfidence, c.Orchestrator.FullConfidence)
	}
	if c.Allocator.MinWeight > c.Allocator.MaxWeight {
		return fmt.Errorf("allocator: min_weight %.2f > max_weight %.2f",
			c.Allocator.MinWeight, c.Allocator.MaxWeight)
	}
	if c.Risk.MaxDrawdown >= 1 || c.Risk.MaxDrawdown <= 0 {
		return fmt.Errorf("risk: max_drawdown must be in (0,1), got %.2f", c.Risk.MaxDrawdown)
	}
	if !c.Gateway.UseSim && strings.TrimSpace(c.Gateway.BaseURL) == "" {
		return fmt.Errorf("gateway: base_url required unless use_sim is set")
	}
	seen := map[string]bool{}
	for _, s := range c.Strategies {
		if strings.TrimSpace(s.ID) == "" {
			return fmt.Errorf("strategies: entry with empty id")
		}
		if seen[s.ID] {
			return fmt.Errorf("strategies: duplicate id %q", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}
