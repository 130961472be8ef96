package internaldefs

import (
	"math"

	"github.com/okiedoc/viewgate"
)

// CounterDef names one viewgate counter for exporters.
type CounterDef struct {
	ID   viewgate.MetricID
	Name string
	Help string
}

// HistogramDef names one viewgate histogram for exporters.
type HistogramDef struct {
	ID   viewgate.MetricID
	Name string
	Help string
}

var CounterDefs = []CounterDef{
	{ID: viewgate.MetricInitialize, Name: "viewgate_initialize_total", Help: "Initial view evaluations."},
	{ID: viewgate.MetricStorageChange, Name: "viewgate_storage_change_total", Help: "Re-evaluations after external store changes."},
	{ID: viewgate.MetricNavigate, Name: "viewgate_navigate_total", Help: "Accepted direct navigations."},
	{ID: viewgate.MetricNavigateRejected, Name: "viewgate_navigate_rejected_total", Help: "Navigations rejected for an unknown view."},
	{ID: viewgate.MetricDashboardSelected, Name: "viewgate_dashboard_selected_total", Help: "Evaluations that selected the dashboard."},
	{ID: viewgate.MetricUnauthenticatedSelected, Name: "viewgate_unauthenticated_selected_total", Help: "Evaluations that selected the default view."},
	{ID: viewgate.MetricStaleUserKeyCleared, Name: "viewgate_stale_user_key_cleared_total", Help: "Current-user keys removed because the session flag was off."},
	{ID: viewgate.MetricOrphanSessionCleared, Name: "viewgate_orphan_session_cleared_total", Help: "Sessions removed because the user record was gone."},
	{ID: viewgate.MetricStoreError, Name: "viewgate_store_error_total", Help: "Session store failures."},
	{ID: viewgate.MetricRouterStarted, Name: "viewgate_router_started_total", Help: "Routers subscribed to store changes."},
	{ID: viewgate.MetricRouterClosed, Name: "viewgate_router_closed_total", Help: "Routers that released their subscription."},
	{ID: viewgate.MetricViewChanged, Name: "viewgate_view_changed_total", Help: "Transitions that changed the selected view."},
}

var HistogramDefs = []HistogramDef{
	{ID: viewgate.MetricEvaluateLatency, Name: "viewgate_evaluate_latency_seconds", Help: "Router evaluation latency."},
}

// AuditDroppedName is the gauge-like counter for discarded audit events.
const AuditDroppedName = "viewgate_audit_dropped_total"

// HistogramUpperBounds are the bucket upper bounds in seconds, matching the in-process
// histogram. The last bucket is unbounded.
var HistogramUpperBounds = [8]float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, math.Inf(1)}

// HistogramBoundSuffix names each bucket in flattened exports.
var HistogramBoundSuffix = [8]string{"0_001", "0_002", "0_005", "0_01", "0_025", "0_05", "0_1", "inf"}

// NormalizeBuckets copies raw into a fixed-size array, zero-filling missing buckets.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	copy(out[:], raw)
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i, c := range raw {
		running += c
		out[i] = running
	}
	return out
}
