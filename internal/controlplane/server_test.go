package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantbot/goquant/internal/bus"
	"github.com/quantbot/goquant/internal/domain"
	"github.com/quantbot/goquant/internal/gateway"
	"github.com/quantbot/goquant/internal/lifecycle"
	"github.com/quantbot/goquant/internal/orchestrator"
	"github.com/quantbot/goquant/internal/risk"
	"github.com/quantbot/goquant/internal/store"
	"github.com/quantbot/goquant/pkg/config"
)

type noopLocks struct{}

func (noopLocks) Release(domain.DedupKey) {}

type noopAudit struct{}

func (noopAudit) AppendDecision(domain.Decision) error { return nil }

type staticPortfolio struct{}

func (staticPortfolio) Snapshot(context.Context) (*domain.PortfolioSnapshot, error) {
	return &domain.PortfolioSnapshot{
		Equity:    decimal.NewFromInt(100000),
		Cash:      decimal.NewFromInt(50000),
		Positions: map[string]domain.Position{},
		TakenAt:   time.Now(),
	}, nil
}

type emptyHistory struct{}

func (emptyHistory) EquityHistory(context.Context, int) ([]store.EquityPoint, error) {
	return nil, nil
}

func (emptyHistory) ReturnsSeries(context.Context, string, int) (map[string]float64, error) {
	return map[string]float64{}, nil
}

type nopLedger struct{}

func (nopLedger) GetPosition(context.Context, string) (domain.Position, error) {
	return domain.Position{}, store.ErrPositionNotFound
}

func (nopLedger) UpsertPosition(context.Context, domain.Position) error { return nil }

func newTestServer(t *testing.T) (*Server, *risk.Validator, *lifecycle.Manager) {
	t.Helper()
	b := bus.New()
	t.Cleanup(b.Close)

	validator := risk.NewValidator(b, config.RiskLimitsConfig{MaxDrawdown: 0.15}, risk.NewKillSwitch(nil), emptyHistory{}, nil)
	orch := orchestrator.New(b, config.OrchestratorConfig{}, orchestrator.NewPendingValidation(), noopLocks{}, staticPortfolio{}, noopAudit{})
	lc := lifecycle.NewManager(b, config.LifecycleConfig{
		AckTimeout: config.Duration(time.Second),
	}, gateway.NewSimGateway(b), nopLedger{})

	srv := New(config.ControlPlaneConfig{Enabled: true, Listen: "127.0.0.1:0"}, validator, orch, lc)
	return srv, validator, lc
}

func doRequest(t *testing.T, handler http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(t, srv.Router(), http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestKillSwitchStatusAndClear(t *testing.T) {
	srv, validator, _ := newTestServer(t)
	router := srv.Router()

	rec := doRequest(t, router, http.MethodGet, "/api/risk/killswitch")
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		Engaged bool   `json:"engaged"`
		Reason  string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.False(t, status.Engaged)

	validator.KillSwitch().Trip("drawdown breach")
	rec = doRequest(t, router, http.MethodGet, "/api/risk/killswitch")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Engaged)
	assert.Equal(t, "drawdown breach", status.Reason)

	rec = doRequest(t, router, http.MethodPost, "/api/risk/killswitch/clear")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, validator.KillSwitch().Engaged())

	// 未触发时的清除是显式空操作
	rec = doRequest(t, router, http.MethodPost, "/api/risk/killswitch/clear")
	require.Equal(t, http.StatusOK, rec.Code)
	var cleared struct {
		Cleared bool `json:"cleared"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cleared))
	assert.False(t, cleared.Cleared)
}

func TestAllocationsEndpoint(t *testing.T) {
	srv, validator, _ := newTestServer(t)
	validator.SetAllocations(&domain.AllocationSet{
		Weights:    map[string]float64{"momentum": 0.6, "meanrev": 0.4},
		ComputedAt: time.Now(),
	})

	rec := doRequest(t, srv.Router(), http.MethodGet, "/api/allocations")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Allocations []domain.StrategyAllocation `json:"allocations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	// 按策略 ID 排序输出
	require.Len(t, body.Allocations, 2)
	assert.Equal(t, "meanrev", body.Allocations[0].StrategyID)
	assert.InDelta(t, 0.4, body.Allocations[0].Weight, 1e-9)
	assert.Equal(t, "momentum", body.Allocations[1].StrategyID)
	assert.InDelta(t, 0.6, body.Allocations[1].Weight, 1e-9)
}

func TestPendingEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(t, srv.Router(), http.MethodGet, "/api/orchestrator/pending")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"pending":0}`, rec.Body.String())
}

func TestOrdersEndpointEmptyAndFiltered(t *testing.T) {
	srv, _, _ := newTestServer(t)
	router := srv.Router()

	rec := doRequest(t, router, http.MethodGet, "/api/orders")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Orders []domain.Order `json:"orders"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.Orders)

	rec = doRequest(t, router, http.MethodGet, "/api/orders?status=filled")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.Orders)
}

func TestOrderCancelUnknownIsNoop(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(t, srv.Router(), http.MethodPost, "/api/orders/no-such-order/cancel")
	assert.Equal(t, http.StatusOK, rec.Code)
}
