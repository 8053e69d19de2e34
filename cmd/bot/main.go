package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/quantbot/goquant/internal/bus"
	"github.com/quantbot/goquant/internal/controlplane"
	"github.com/quantbot/goquant/internal/dedup"
	"github.com/quantbot/goquant/internal/domain"
	"github.com/quantbot/goquant/internal/gateway"
	"github.com/quantbot/goquant/internal/lifecycle"
	"github.com/quantbot/goquant/internal/orchestrator"
	"github.com/quantbot/goquant/internal/producer"
	"github.com/quantbot/goquant/internal/regime"
	"github.com/quantbot/goquant/internal/risk"
	"github.com/quantbot/goquant/internal/store"
	"github.com/quantbot/goquant/pkg/config"
	"github.com/quantbot/goquant/pkg/logger"
	"github.com/quantbot/goquant/pkg/persistence"
	"github.com/quantbot/goquant/pkg/shutdown"
	"github.com/quantbot/goquant/pkg/syncgroup"
)

func main() {
	configPath := flag.String("config", "yml/config.yaml", "配置文件路径")
	flag.Parse()

	// .env 用于本地覆盖（网关密钥等），不存在时忽略
	_ = godotenv.Load()

	if _, err := os.Stat(*configPath); err != nil {
		logrus.Warnf("配置文件 %s 不存在，使用环境变量和默认值", *configPath)
		*configPath = ""
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	logrus.Info("🚀 goquant starting")

	if err := run(cfg); err != nil {
		logrus.Errorf("❌ 运行失败: %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 存储层
	ledger, err := store.OpenLedger(cfg.Stores.LedgerPath)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	audit, err := store.OpenAudit(cfg.Stores.AuditPath)
	if err != nil {
		_ = ledger.Close()
		return fmt.Errorf("open audit store: %w", err)
	}
	statePersist := persistence.NewJSONFileService(cfg.Stores.StatePath)

	// 消息总线
	b := bus.New()

	// 执行网关
	var gw gateway.ExecutionGateway
	var fillStream *gateway.FillStream
	sim := cfg.Gateway.UseSim
	if sim {
		logrus.Info("📋 paper 模式：使用模拟网关")
		gw = gateway.NewSimGateway(b)
	} else {
		gw = gateway.NewRESTGateway(cfg.Gateway)
		fillStream = gateway.NewFillStream(cfg.Gateway.FillStreamURL, b)
	}

	// 风控
	killSwitch := risk.NewKillSwitch(statePersist.NewStore("state", "risk", "killswitch"))
	validator := risk.NewValidator(b, cfg.Risk, killSwitch, ledger, cfg.Sectors)

	// 资金分配
	strategies := strategyInfos(cfg.Strategies)
	regimes := regime.NewCachedProvider(regime.NewStaticProvider(cfg.Regime), cfg.Regime)
	allocator := risk.NewAllocator(cfg.Allocator, strategies, ledger, regimes,
		validator, statePersist.NewStore("state", "allocator", "weights"))
	if err := allocator.Restore(ctx); err != nil {
		logrus.Warnf("⚠️ 分配器初始化重算失败: %v", err)
	}

	// 信号去重与冲突裁决
	locks := dedup.NewLockStore(cfg.Dedup.LockTTL.D(), cfg.Dedup.ShardCount)
	resolver := dedup.NewResolver(b, locks, ledger, cfg.Dedup.ConflictWindow.D())

	// 编排与订单生命周期
	pending := orchestrator.NewPendingValidation()
	orch := orchestrator.New(b, cfg.Orchestrator, pending, locks, ledger, audit)
	manager := lifecycle.NewManager(b, cfg.Lifecycle, gw, ledger)
	reconciler := lifecycle.NewReconciler(b, gw, ledger, audit,
		cfg.Lifecycle.ReconcileThreshold, cfg.Lifecycle.ReconcileInterval.D())

	// 控制面
	cp := controlplane.New(cfg.ControlPlane, validator, orch, manager)

	// 启动全部 agent
	sg := syncgroup.NewSyncGroup()
	sg.Add(func() { resolver.Run(ctx) })
	sg.Add(func() { validator.Run(ctx) })
	sg.Add(func() { allocator.Run(ctx) })
	sg.Add(func() { orch.Run(ctx) })
	sg.Add(func() { manager.Run(ctx) })
	sg.Add(func() { reconciler.Run(ctx) })
	sg.Add(func() { cp.Run(ctx) })
	if fillStream != nil {
		sg.Add(func() { fillStream.Run(ctx) })
	}
	if sim {
		ids := make([]string, 0, len(strategies))
		for _, s := range strategies {
			if s.Enabled {
				ids = append(ids, s.StrategyID)
			}
		}
		sg.Add(func() {
			producer.NewSimProducer(b, ids, sectorSymbols(cfg.Sectors), 3*time.Second).Run(ctx)
		})
	}
	sg.Run()

	// 关闭编排：先停 agent，再关存储
	mgr := shutdown.NewManager()
	mgr.OnShutdown(func(ctx context.Context, wg *sync.WaitGroup) {
		defer wg.Done()
		b.Close()
	})
	mgr.OnShutdown(func(ctx context.Context, wg *sync.WaitGroup) {
		defer wg.Done()
		if err := audit.Close(); err != nil {
			logrus.Errorf("close audit store: %v", err)
		}
		if err := ledger.Close(); err != nil {
			logrus.Errorf("close ledger: %v", err)
		}
		regimes.Stop()
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logrus.Infof("🛑 received %s, shutting down", sig)

	cancel()
	sg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	mgr.Shutdown(shutdownCtx)

	logrus.Info("✅ goquant stopped")
	return nil
}

// strategyInfos 配置条目转领域模型
func strategyInfos(entries []config.StrategyEntry) []domain.StrategyInfo {
	out := make([]domain.StrategyInfo, 0, len(entries))
	for _, e := range entries {
		info := domain.StrategyInfo{
			StrategyID: e.ID,
			Enabled:    e.Enabled,
		}
		for _, r := range e.Regimes {
			info.RegimeFilter = append(info.RegimeFilter, domain.Regime(r))
		}
		out = append(out, info)
	}
	return out
}

// sectorSymbols 模拟信号源用的标的清单（取行业映射里的标的，保证有序）
func sectorSymbols(sectors map[string]string) []string {
	if len(sectors) == 0 {
		return []string{"SIM-A", "SIM-B"}
	}
	out := make([]string, 0, len(sectors))
	for symbol := range sectors {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}
