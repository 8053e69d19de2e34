package controlplane

import (
	"context"
	"expvar"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/quantbot/goquant/internal/domain"
	"github.com/quantbot/goquant/internal/lifecycle"
	"github.com/quantbot/goquant/internal/orchestrator"
	"github.com/quantbot/goquant/internal/risk"
	"github.com/quantbot/goquant/pkg/config"
)

var cpLog = logrus.WithField("component", "controlplane")

// Server 运维控制面。
// 只读状态查询加少量人工干预入口，熔断清除必须走这里（不自动恢复）。
type Server struct {
	cfg       config.ControlPlaneConfig
	validator *risk.Validator
	orch      *orchestrator.Orchestrator
	lifecycle *lifecycle.Manager

	httpSrv *http.Server
}

// New 创建控制面服务
func New(cfg config.ControlPlaneConfig, validator *risk.Validator, orch *orchestrator.Orchestrator, lc *lifecycle.Manager) *Server {
	return &Server{
		cfg:       cfg,
		validator: validator,
		orch:      orch,
		lifecycle: lc,
	}
}

// Router 构建路由
func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/debug/vars", gin.WrapH(expvar.Handler()))

	api := r.Group("/api")

	riskGroup := api.Group("/risk")
	riskGroup.GET("/killswitch", s.handleKillSwitchStatus)
	riskGroup.POST("/killswitch/clear", s.handleKillSwitchClear)

	api.GET("/allocations", s.handleAllocations)
	api.GET("/orchestrator/pending", s.handlePending)
	api.GET("/orders", s.handleOrders)
	api.POST("/orders/:orderID/cancel", s.handleOrderCancel)

	return r
}

// Run 启动 HTTP 服务直到 ctx 结束
func (s *Server) Run(ctx context.Context) {
	if !s.cfg.Enabled {
		cpLog.Info("control plane disabled")
		return
	}

	s.httpSrv = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
	}()

	cpLog.Infof("control plane listening on %s", s.cfg.Listen)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		cpLog.Errorf("control plane server error: %v", err)
	}
}

func (s *Server) handleKillSwitchStatus(c *gin.Context) {
	engaged, reason, haltedAt := s.validator.KillSwitch().Status()
	c.JSON(http.StatusOK, gin.H{
		"engaged":   engaged,
		"reason":    reason,
		"halted_at": haltedAt,
	})
}

func (s *Server) handleKillSwitchClear(c *gin.Context) {
	if !s.validator.KillSwitch().Engaged() {
		c.JSON(http.StatusOK, gin.H{"cleared": false, "note": "kill switch not engaged"})
		return
	}
	s.validator.KillSwitch().Clear()
	cpLog.Warn("kill switch cleared by operator")
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}

func (s *Server) handleAllocations(c *gin.Context) {
	set := s.validator.Allocations()
	if set == nil {
		c.JSON(http.StatusOK, gin.H{"allocations": []domain.StrategyAllocation{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"computed_at": set.ComputedAt,
		"regime":      set.Regime,
		"allocations": set.Entries(),
	})
}

func (s *Server) handlePending(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pending": s.orch.Pending().Len()})
}

func (s *Server) handleOrders(c *gin.Context) {
	orders := s.lifecycle.Orders()
	statusFilter := c.Query("status")
	if statusFilter != "" {
		filtered := orders[:0]
		for _, o := range orders {
			if string(o.Status) == statusFilter {
				filtered = append(filtered, o)
			}
		}
		orders = filtered
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) handleOrderCancel(c *gin.Context) {
	orderID := c.Param("orderID")
	if err := s.lifecycle.Cancel(c.Request.Context(), orderID); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": orderID})
}
