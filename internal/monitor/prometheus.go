package monitor

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prom owns a private registry so several backends can coexist in one
// process (tests included).
type Prom struct {
	reg *prometheus.Registry

	orders       *prometheus.CounterVec
	orderLatency prometheus.Histogram
	commands     *prometheus.CounterVec
	cmdLatency   *prometheus.HistogramVec
	squareOffs   *prometheus.CounterVec
	pnl          prometheus.Gauge
	openQty      prometheus.Gauge
	brokerUp     prometheus.Gauge
	httpReqs     *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

// NewProm builds and registers all collectors.
func NewProm() *Prom {
	p := &Prom{
		reg: prometheus.NewRegistry(),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tez_orders_total",
			Help: "Terminal order legs by outcome.",
		}, []string{"outcome"}),
		orderLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tez_order_confirm_seconds",
			Help:    "Place-to-terminal latency per leg.",
			Buckets: []float64{0.05, 0.1, 0.3, 0.6, 1, 2, 3, 5},
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tez_commands_total",
			Help: "Dispatched commands by name and result.",
		}, []string{"command", "result"}),
		cmdLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tez_command_seconds",
			Help:    "Handler time per command.",
			Buckets: prometheus.DefBuckets,
		}, []string{"command"}),
		squareOffs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tez_squareoff_total",
			Help: "Square-off attempts by trigger and result.",
		}, []string{"trigger", "result"}),
		pnl: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tez_intraday_pnl",
			Help: "Intraday mark-to-market P&L.",
		}),
		openQty: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tez_open_qty",
			Help: "Total open quantity in the position ledger.",
		}),
		brokerUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tez_broker_connected",
			Help: "1 when the last TradingAPI call succeeded.",
		}),
		httpReqs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tez_http_requests_total",
			Help: "API requests by route and status code.",
		}, []string{"route", "code"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tez_http_request_seconds",
			Help:    "API request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
	p.reg.MustRegister(p.orders, p.orderLatency, p.commands, p.cmdLatency, p.squareOffs, p.pnl, p.openQty, p.brokerUp,
		p.httpReqs, p.httpLatency)
	p.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return p
}

// Handler serves the registry in the Prometheus text format.
func (p *Prom) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for gathering in tests.
func (p *Prom) Registry() *prometheus.Registry { return p.reg }

func (p *Prom) order(outcome string, elapsed time.Duration) {
	if p == nil {
		return
	}
	p.orders.WithLabelValues(outcome).Inc()
	p.orderLatency.Observe(elapsed.Seconds())
}

func (p *Prom) command(name string, elapsed time.Duration, err error) {
	if p == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.commands.WithLabelValues(name, result).Inc()
	p.cmdLatency.WithLabelValues(name).Observe(elapsed.Seconds())
}

func (p *Prom) squareOff(trigger string, ok bool) {
	if p == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	p.squareOffs.WithLabelValues(trigger, result).Inc()
}

func (p *Prom) position(pnl float64, openQty int) {
	if p == nil {
		return
	}
	p.pnl.Set(pnl)
	p.openQty.Set(float64(openQty))
}

func (p *Prom) connected(ok bool) {
	if p == nil {
		return
	}
	if ok {
		p.brokerUp.Set(1)
	} else {
		p.brokerUp.Set(0)
	}
}

func (p *Prom) http(route string, status int, elapsed time.Duration) {
	if p == nil {
		return
	}
	p.httpReqs.WithLabelValues(route, strconv.Itoa(status)).Inc()
	p.httpLatency.WithLabelValues(route).Observe(elapsed.Seconds())
}
