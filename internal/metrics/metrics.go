package metrics

import "expvar"

var (
	SignalsReceived    = expvar.NewInt("signals_received")
	SignalsRejected    = expvar.NewInt("signals_rejected")
	SignalsDuplicate   = expvar.NewInt("signals_duplicate")
	SignalsConflicted  = expvar.NewInt("signals_conflicted")
	RequestsDispatched = expvar.NewInt("risk_requests_dispatched")
	RequestsResolved   = expvar.NewInt("risk_requests_resolved")
	RequestsExpired    = expvar.NewInt("risk_requests_expired")
	RiskApproved       = expvar.NewInt("risk_approved")
	RiskRejected       = expvar.NewInt("risk_rejected")
	OrdersSubmitted    = expvar.NewInt("orders_submitted")
	OrdersFilled       = expvar.NewInt("orders_filled")
	OrdersCancelled    = expvar.NewInt("orders_cancelled")
	OrdersRejected     = expvar.NewInt("orders_rejected")
	FillsProcessed     = expvar.NewInt("fills_processed")
	ReconcileRuns      = expvar.NewInt("reconcile_runs")
	ReconcileBreaks    = expvar.NewInt("reconcile_breaks")
	AllocatorRuns      = expvar.NewInt("allocator_runs")
	AuditWrites        = expvar.NewInt("audit_writes")
)
