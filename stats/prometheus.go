package stats

import (
	"math/big"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func chainLabel(id uint64) string { return strconv.FormatUint(id, 10) }

// weiPerToken converts canonical 18-decimal integers into float token
// units for gauge exposition. Precision loss is acceptable for metrics.
var weiPerToken = new(big.Float).SetFloat64(1e18)

func tokens(amount *big.Int) float64 {
	if amount == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(amount), weiPerToken).Float64()
	return f
}

// Prometheus records metrics into a prometheus registry.
type Prometheus struct {
	possibleInvoices   *prometheus.CounterVec
	invalidInvoices    *prometheus.CounterVec
	purchases          *prometheus.CounterVec
	purchaseDuration   prometheus.Histogram
	rewards            *prometheus.CounterVec
	rebalancesStarted  *prometheus.CounterVec
	rebalancesFinished *prometheus.CounterVec
	earmarkStatus      *prometheus.CounterVec
	gasAlerts          *prometheus.CounterVec
	balances           *prometheus.GaugeVec
	tickDuration       *prometheus.HistogramVec
}

// NewPrometheus builds the recorder and registers its collectors on reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		possibleInvoices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mark", Name: "possible_invoices_total",
			Help: "Invoices observed in the hub queue.",
		}, []string{"ticker"}),
		invalidInvoices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mark", Name: "invalid_invoices_total",
			Help: "Invoices skipped, by reason.",
		}, []string{"ticker", "reason"}),
		purchases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mark", Name: "purchases_total",
			Help: "Purchase intents submitted.",
		}, []string{"ticker", "origin"}),
		purchaseDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mark", Name: "invoice_purchase_seconds",
			Help:    "Time from invoice enqueue to purchase submission.",
			Buckets: prometheus.ExponentialBuckets(60, 2, 12),
		}),
		rewards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mark", Name: "rewards_tokens_total",
			Help: "Discount captured by purchases, in whole tokens.",
		}, []string{"ticker"}),
		rebalancesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mark", Name: "rebalances_started_total",
			Help: "Rebalance operations dispatched.",
		}, []string{"bridge", "origin", "destination"}),
		rebalancesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mark", Name: "rebalances_finished_total",
			Help: "Rebalance operations reaching a terminal status.",
		}, []string{"bridge", "status"}),
		earmarkStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mark", Name: "earmark_transitions_total",
			Help: "Earmark lifecycle transitions.",
		}, []string{"status"}),
		gasAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mark", Name: "gas_alerts_total",
			Help: "Native balance threshold breaches.",
		}, []string{"chain", "kind"}),
		balances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mark", Name: "balance_tokens",
			Help: "Observed balances in whole tokens.",
		}, []string{"ticker", "chain"}),
		tickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mark", Name: "tick_seconds",
			Help:    "Loop tick duration.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"loop"}),
	}
	reg.MustRegister(
		p.possibleInvoices, p.invalidInvoices, p.purchases, p.purchaseDuration,
		p.rewards, p.rebalancesStarted, p.rebalancesFinished, p.earmarkStatus,
		p.gasAlerts, p.balances, p.tickDuration,
	)
	return p
}

func (p *Prometheus) RecordPossibleInvoice(ticker string) {
	p.possibleInvoices.WithLabelValues(ticker).Inc()
}

func (p *Prometheus) RecordInvalidInvoice(ticker string, reason InvalidReason) {
	p.invalidInvoices.WithLabelValues(ticker, string(reason)).Inc()
}

func (p *Prometheus) RecordSuccessfulPurchase(ticker string, origin uint64) {
	p.purchases.WithLabelValues(ticker, chainLabel(origin)).Inc()
}

func (p *Prometheus) RecordInvoicePurchaseDuration(d time.Duration) {
	p.purchaseDuration.Observe(d.Seconds())
}

func (p *Prometheus) UpdateRewards(ticker string, amount *big.Int) {
	p.rewards.WithLabelValues(ticker).Add(tokens(amount))
}

func (p *Prometheus) RecordRebalanceStarted(bridge string, origin, destination uint64) {
	p.rebalancesStarted.WithLabelValues(bridge, chainLabel(origin), chainLabel(destination)).Inc()
}

func (p *Prometheus) RecordRebalanceCompleted(bridge, status string) {
	p.rebalancesFinished.WithLabelValues(bridge, status).Inc()
}

func (p *Prometheus) RecordEarmarkStatus(status string) {
	p.earmarkStatus.WithLabelValues(status).Inc()
}

func (p *Prometheus) RecordGasAlert(chain uint64, kind string, balance *big.Int) {
	p.gasAlerts.WithLabelValues(chainLabel(chain), kind).Inc()
}

func (p *Prometheus) RecordBalance(ticker string, chain uint64, amount *big.Int) {
	p.balances.WithLabelValues(ticker, chainLabel(chain)).Set(tokens(amount))
}

func (p *Prometheus) RecordTickDuration(loop string, d time.Duration) {
	p.tickDuration.WithLabelValues(loop).Observe(d.Seconds())
}

var _ Recorder = (*Prometheus)(nil)
