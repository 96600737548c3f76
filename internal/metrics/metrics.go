// Package metrics exports the controller's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every counter and gauge the components touch. A single
// instance is created at bootstrap and handed down; tests build their own
// with a private registry.
type Metrics struct {
	registry *prometheus.Registry

	OrdersSubmitted *prometheus.CounterVec // role: entry|tp|sl|eod
	OrdersRejected  *prometheus.CounterVec
	OrdersCancelled prometheus.Counter
	FillsApplied    prometheus.Counter
	FilledQty       prometheus.Counter
	OcoGroupsOpened prometheus.Counter
	OcoGroupsClosed *prometheus.CounterVec // winner: tp|sl
	EodClosesSent   prometheus.Counter
	SchedulerFires  prometheus.Counter
	SchedulerMisses prometheus.Counter
	ItemErrors      prometheus.Counter
	BrokerReauths   prometheus.Counter
	PollCycles      *prometheus.CounterVec // kind: orders|positions
	ActiveBatches   prometheus.Gauge
	OpenOrders      prometheus.Gauge
}

// New builds the metric set on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		OrdersSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "batch_trader_orders_submitted_total",
			Help: "Orders accepted by the broker, by role.",
		}, []string{"role"}),
		OrdersRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "batch_trader_orders_rejected_total",
			Help: "Order submissions rejected by the broker, by role.",
		}, []string{"role"}),
		OrdersCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "batch_trader_orders_cancelled_total",
			Help: "Cancel requests acknowledged by the broker.",
		}),
		FillsApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "batch_trader_fills_applied_total",
			Help: "Fill slices folded into the store from order polls.",
		}),
		FilledQty: factory.NewCounter(prometheus.CounterOpts{
			Name: "batch_trader_filled_qty_total",
			Help: "Total quantity filled across all orders.",
		}),
		OcoGroupsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "batch_trader_oco_groups_opened_total",
			Help: "Bracket pairs activated at the broker.",
		}),
		OcoGroupsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "batch_trader_oco_groups_closed_total",
			Help: "Bracket pairs settled, by winning leg.",
		}, []string{"winner"}),
		EodClosesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "batch_trader_eod_closes_total",
			Help: "Market close orders sent by the end-of-day closer.",
		}),
		SchedulerFires: factory.NewCounter(prometheus.CounterOpts{
			Name: "batch_trader_scheduler_fires_total",
			Help: "Batches started by the scheduler.",
		}),
		SchedulerMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "batch_trader_scheduler_misses_total",
			Help: "Scheduled batches expired past the miss grace window.",
		}),
		ItemErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "batch_trader_item_errors_total",
			Help: "Items moved to the error state.",
		}),
		BrokerReauths: factory.NewCounter(prometheus.CounterOpts{
			Name: "batch_trader_broker_reauths_total",
			Help: "Token refreshes triggered by authentication failures.",
		}),
		PollCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "batch_trader_poll_cycles_total",
			Help: "Completed watcher poll cycles, by kind.",
		}, []string{"kind"}),
		ActiveBatches: factory.NewGauge(prometheus.GaugeOpts{
			Name: "batch_trader_active_batches",
			Help: "Batches currently in the running state.",
		}),
		OpenOrders: factory.NewGauge(prometheus.GaugeOpts{
			Name: "batch_trader_open_orders",
			Help: "Orders the broker may still move.",
		}),
	}
}

// Registry exposes the underlying registry for the HTTP exporter.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
