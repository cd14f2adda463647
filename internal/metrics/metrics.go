package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ticketsync"

// Metrics 摄取与对账指标，nil 接收者上的方法均为空操作
type Metrics struct {
	ledgerEvents      *prometheus.CounterVec
	handleDuration    *prometheus.HistogramVec
	ledgerUnavailable prometheus.Counter
	replayPublished   *prometheus.CounterVec
	reconcileEntities *prometheus.CounterVec
	reconcileDuration *prometheus.HistogramVec
	supplyCache       *prometheus.CounterVec
}

// New 创建并注册指标，reg 为空时使用默认注册表
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		ledgerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_events_total",
			Help:      "Ledger events handled by kind and outcome.",
		}, []string{"kind", "outcome"}),
		handleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_event_handle_seconds",
			Help:      "Latency of projection handlers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		ledgerUnavailable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_unavailable_total",
			Help:      "Ledger subscription disconnects.",
		}),
		replayPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_published_total",
			Help:      "Failed events sent to the replay topic.",
		}, []string{"result"}),
		reconcileEntities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_entities_total",
			Help:      "Entities visited by reconciliation jobs.",
		}, []string{"job", "result"}),
		reconcileDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Reconciliation job run time.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"job"}),
		supplyCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "supply_cache_requests_total",
			Help:      "Supply cache lookups by result.",
		}, []string{"result"}),
	}

	collectors := []prometheus.Collector{
		m.ledgerEvents, m.handleDuration, m.ledgerUnavailable, m.replayPublished,
		m.reconcileEntities, m.reconcileDuration, m.supplyCache,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("注册指标失败: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) ObserveEvent(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ledgerEvents.WithLabelValues(kind, outcome).Inc()
	m.handleDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) LedgerUnavailable() {
	if m == nil {
		return
	}
	m.ledgerUnavailable.Inc()
}

func (m *Metrics) ReplayPublished(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.replayPublished.WithLabelValues(result).Inc()
}

func (m *Metrics) ReconcileEntity(job, result string) {
	if m == nil {
		return
	}
	m.reconcileEntities.WithLabelValues(job, result).Inc()
}

func (m *Metrics) ReconcileDone(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.reconcileDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *Metrics) SupplyCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.supplyCache.WithLabelValues(result).Inc()
}
