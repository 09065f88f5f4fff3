// internal/metrics/metrics.go
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "solana_trader"

// Collector владеет всеми метриками движка. Nil-коллектор безопасен: все
// методы становятся no-op, поэтому компоненты в тестах можно создавать без метрик.
type Collector struct {
	swaps            *prometheus.CounterVec
	swapDuration     *prometheus.HistogramVec
	leaseBusy        *prometheus.CounterVec
	providerRequests *prometheus.CounterVec
	activeWatchers   *prometheus.GaugeVec
	triggers         *prometheus.CounterVec
	copyTrades       *prometheus.CounterVec
}

// NewCollector создает коллектор и регистрирует метрики в reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		swaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "swaps_total",
			Help:      "Swap attempts by kind and settled status",
		}, []string{"kind", "status"}),
		swapDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "swap_duration_seconds",
			Help:      "Time from quote request to settled outcome",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"kind"}),
		leaseBusy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "lease_busy_total",
			Help:      "Trade attempts skipped because the execution lease was held",
		}, []string{"source"}),
		providerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "requests_total",
			Help:      "External provider requests by result",
		}, []string{"provider", "result"}),
		activeWatchers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "active_watchers",
			Help:      "Running watcher tasks by kind",
		}, []string{"kind"}),
		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "triggers_total",
			Help:      "Exit conditions that fired",
		}, []string{"trigger"}),
		copyTrades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "copytrade",
			Name:      "copies_total",
			Help:      "Copy trades by result",
		}, []string{"result"}),
	}

	if reg != nil {
		reg.MustRegister(c.swaps, c.swapDuration, c.leaseBusy, c.providerRequests,
			c.activeWatchers, c.triggers, c.copyTrades)
	}
	return c
}

// RecordSwap записывает исход свапа и его длительность.
func (c *Collector) RecordSwap(kind, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.swaps.WithLabelValues(kind, status).Inc()
	c.swapDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// LeaseBusy считает пропуски из-за занятой блокировки.
func (c *Collector) LeaseBusy(source string) {
	if c == nil {
		return
	}
	c.leaseBusy.WithLabelValues(source).Inc()
}

// ProviderRequest записывает результат запроса к провайдеру.
func (c *Collector) ProviderRequest(provider, result string) {
	if c == nil {
		return
	}
	c.providerRequests.WithLabelValues(provider, result).Inc()
}

// WatcherStarted / WatcherStopped track running watchers.
func (c *Collector) WatcherStarted(kind string) {
	if c == nil {
		return
	}
	c.activeWatchers.WithLabelValues(kind).Inc()
}

func (c *Collector) WatcherStopped(kind string) {
	if c == nil {
		return
	}
	c.activeWatchers.WithLabelValues(kind).Dec()
}

// Trigger counts a fired exit condition.
func (c *Collector) Trigger(trigger string) {
	if c == nil {
		return
	}
	c.triggers.WithLabelValues(trigger).Inc()
}

// CopyTrade counts a copy attempt by result.
func (c *Collector) CopyTrade(result string) {
	if c == nil {
		return
	}
	c.copyTrades.WithLabelValues(result).Inc()
}
