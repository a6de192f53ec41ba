package metrics

import (
	"math/big"
	"net/http"

	"github.com/manthysbr/auleMarket/internal/core/domain"
	"github.com/manthysbr/auleMarket/internal/core/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder exposes marketplace activity as Prometheus metrics. It subscribes to market
// events and rejection notifications; it never reads the store.
type Recorder struct {
	registry *prometheus.Registry

	events     *prometheus.CounterVec
	rejections *prometheus.CounterVec
	settled    prometheus.Counter
	fees       prometheus.Counter
	refunded   prometheus.Counter
	paused     prometheus.Gauge
	feeBps     prometheus.Gauge
}

var _ ports.EventPublisher = (*Recorder)(nil)

func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "market_events_total",
				Help: "Total number of market events emitted",
			},
			[]string{"type"},
		),
		rejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "market_rejections_total",
				Help: "Total number of rejected requests",
			},
			[]string{"op", "kind"},
		),
		settled: factory.NewCounter(prometheus.CounterOpts{
			Name: "market_settled_payout_total",
			Help: "Token units paid out to agents on completion",
		}),
		fees: factory.NewCounter(prometheus.CounterOpts{
			Name: "market_fees_accrued_total",
			Help: "Token units accrued as protocol fees",
		}),
		refunded: factory.NewCounter(prometheus.CounterOpts{
			Name: "market_refunded_total",
			Help: "Token units returned to posters",
		}),
		paused: factory.NewGauge(prometheus.GaugeOpts{
			Name: "market_paused",
			Help: "1 while the platform is paused",
		}),
		feeBps: factory.NewGauge(prometheus.GaugeOpts{
			Name: "market_fee_bps",
			Help: "Current protocol fee in basis points",
		}),
	}
}

func (r *Recorder) Publish(e domain.MarketEvent) {
	r.events.WithLabelValues(string(e.Type)).Inc()

	addAmount(r.settled, e.Payout)
	addAmount(r.fees, e.Fee)
	addAmount(r.refunded, e.Refund)

	switch e.Type {
	case domain.EventPaused:
		r.paused.Set(1)
	case domain.EventUnpaused:
		r.paused.Set(0)
	case domain.EventFeeUpdated:
		if e.FeeBps != nil {
			r.feeBps.Set(float64(*e.FeeBps))
		}
	}
}

func (r *Recorder) Rejected(op string, kind domain.ErrorKind) {
	r.rejections.WithLabelValues(op, string(kind)).Inc()
}

// ObservePolicy seeds the policy gauges, at startup and on every policy change.
func (r *Recorder) ObservePolicy(p domain.PlatformPolicy) {
	if p.Paused {
		r.paused.Set(1)
	} else {
		r.paused.Set(0)
	}
	r.feeBps.Set(float64(p.FeeBps))
}

// WatchEscrow registers a gauge sampled from balance at scrape time.
func (r *Recorder) WatchEscrow(balance func() (*big.Int, error)) {
	promauto.With(r.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "market_escrow_balance",
		Help: "Payment-token balance held by the engine",
	}, func() float64 {
		b, err := balance()
		if err != nil {
			return -1
		}
		f, _ := new(big.Float).SetInt(b).Float64()
		return f
	})
}

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func addAmount(c prometheus.Counter, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	f, _ := new(big.Float).SetInt(amount).Float64()
	c.Add(f)
}
