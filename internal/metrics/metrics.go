// Package metrics exposes the engine's Prometheus instrumentation:
//
//	engine_orders_total{action}            – orders submitted through the gateway
//	engine_order_failures_total{action}    – submissions that returned a failure
//	engine_events_applied_total            – order events applied to positions
//	engine_events_deduplicated_total       – duplicate/stale events dropped
//	engine_reconcile_adjustments_total{kind} – synthetic reconciliation adjustments
//	engine_protection_emergencies_total    – naked positions force-closed
//	engine_stop_replacements_total{result} – atomic stop replacement outcomes
//	engine_active_positions                – current non-terminal position count
//
// Served in the Prometheus text exposition format at /metrics by main.go.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the engine's collectors around an explicitly-constructed
// registry so nothing registers through package-level globals.
type Metrics struct {
	registry *prometheus.Registry

	OrdersPlaced          *prometheus.CounterVec
	OrderFailures         *prometheus.CounterVec
	EventsApplied         prometheus.Counter
	EventsDeduplicated    prometheus.Counter
	ReconcileAdjustments  *prometheus.CounterVec
	ProtectionEmergencies prometheus.Counter
	StopReplacements      *prometheus.CounterVec
	ActivePositions       prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		OrdersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_orders_total",
			Help: "Orders submitted through the execution gateway",
		}, []string{"action"}),
		OrderFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_order_failures_total",
			Help: "Order submissions that returned a failure result",
		}, []string{"action"}),
		EventsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_events_applied_total",
			Help: "Order events applied to managed positions",
		}),
		EventsDeduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_events_deduplicated_total",
			Help: "Duplicate or stale order events dropped by the ordering enforcer",
		}),
		ReconcileAdjustments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_reconcile_adjustments_total",
			Help: "Synthetic adjustments written by reconciliation",
		}, []string{"kind"}),
		ProtectionEmergencies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_protection_emergencies_total",
			Help: "Naked positions force-closed by the protection monitor",
		}),
		StopReplacements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_stop_replacements_total",
			Help: "Atomic stop replacement outcomes",
		}, []string{"result"}),
		ActivePositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_active_positions",
			Help: "Current non-terminal position count",
		}),
	}
	m.registry.MustRegister(
		m.OrdersPlaced, m.OrderFailures,
		m.EventsApplied, m.EventsDeduplicated,
		m.ReconcileAdjustments, m.ProtectionEmergencies,
		m.StopReplacements, m.ActivePositions,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
