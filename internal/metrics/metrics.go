// Package metrics exposes the engine's Prometheus instruments.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"mstock-trader/internal/models"
)

// Recorder holds the engine's instruments. A nil *Recorder records nothing.
type Recorder struct {
	registry *prometheus.Registry

	ordersAttempted  *prometheus.CounterVec
	ordersPlaced     *prometheus.CounterVec
	ordersFailed     *prometheus.CounterVec
	ordersSuppressed *prometheus.CounterVec
	riskExits        *prometheus.CounterVec
	cycles           prometheus.Counter
	cycleErrors      prometheus.Counter
	cycleDuration    prometheus.Histogram
	offline          prometheus.Gauge
	breaker          prometheus.Gauge
	dailyPnLPct      prometheus.Gauge
	openPositions    prometheus.Gauge
	rsi              *prometheus.GaugeVec
}

// New creates a recorder on its own registry.
func New() *Recorder {
	r := &Recorder{
		registry:         prometheus.NewRegistry(),
		ordersAttempted:  prometheus.NewCounterVec(prometheus.CounterOpts{Name: "mstock_orders_attempted_total", Help: "Orders the engine tried to place"}, []string{"side"}),
		ordersPlaced:     prometheus.NewCounterVec(prometheus.CounterOpts{Name: "mstock_orders_placed_total", Help: "Orders accepted by the broker"}, []string{"side"}),
		ordersFailed:     prometheus.NewCounterVec(prometheus.CounterOpts{Name: "mstock_orders_failed_total", Help: "Orders the broker refused or that failed in transit"}, []string{"side"}),
		ordersSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{Name: "mstock_orders_suppressed_total", Help: "Orders blocked before submission"}, []string{"side", "reason"}),
		riskExits:        prometheus.NewCounterVec(prometheus.CounterOpts{Name: "mstock_risk_exits_total", Help: "Exits raised by the risk supervisor"}, []string{"rule"}),
		cycles:           prometheus.NewCounter(prometheus.CounterOpts{Name: "mstock_cycles_total", Help: "Completed trading cycles"}),
		cycleErrors:      prometheus.NewCounter(prometheus.CounterOpts{Name: "mstock_cycle_errors_total", Help: "Cycles that ended in an error"}),
		cycleDuration:    prometheus.NewHistogram(prometheus.HistogramOpts{Name: "mstock_cycle_duration_seconds", Help: "Wall time of one trading cycle", Buckets: []float64{.25, .5, 1, 2, 5, 10, 30, 60}}),
		offline:          prometheus.NewGauge(prometheus.GaugeOpts{Name: "mstock_offline", Help: "1 while the broker is unreachable"}),
		breaker:          prometheus.NewGauge(prometheus.GaugeOpts{Name: "mstock_circuit_breaker", Help: "1 while the daily loss breaker is latched"}),
		dailyPnLPct:      prometheus.NewGauge(prometheus.GaugeOpts{Name: "mstock_daily_pnl_percent", Help: "Portfolio change since the day's start capital"}),
		openPositions:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "mstock_open_positions", Help: "Rows in the merged position view"}),
		rsi:              prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "mstock_rsi", Help: "Last live RSI per instrument"}, []string{"instrument", "timeframe"}),
	}
	r.registry.MustRegister(
		r.ordersAttempted, r.ordersPlaced, r.ordersFailed, r.ordersSuppressed,
		r.riskExits, r.cycles, r.cycleErrors, r.cycleDuration,
		r.offline, r.breaker, r.dailyPnLPct, r.openPositions, r.rsi,
	)
	return r
}

// Registry returns the registry the instruments live on.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) OrderAttempted(side models.OrderSide) {
	if r != nil {
		r.ordersAttempted.WithLabelValues(string(side)).Inc()
	}
}

func (r *Recorder) OrderPlaced(side models.OrderSide) {
	if r != nil {
		r.ordersPlaced.WithLabelValues(string(side)).Inc()
	}
}

func (r *Recorder) OrderFailed(side models.OrderSide) {
	if r != nil {
		r.ordersFailed.WithLabelValues(string(side)).Inc()
	}
}

// OrderSuppressed counts an order stopped by a gate: pending order,
// in-flight guard, breaker or capital.
func (r *Recorder) OrderSuppressed(side models.OrderSide, reason string) {
	if r != nil {
		r.ordersSuppressed.WithLabelValues(string(side), reason).Inc()
	}
}

func (r *Recorder) RiskExit(rule string) {
	if r != nil {
		r.riskExits.WithLabelValues(rule).Inc()
	}
}

// CycleDone records one cycle and its duration.
func (r *Recorder) CycleDone(d time.Duration, err error) {
	if r == nil {
		return
	}
	r.cycles.Inc()
	r.cycleDuration.Observe(d.Seconds())
	if err != nil {
		r.cycleErrors.Inc()
	}
}

func (r *Recorder) SetOffline(offline bool) {
	if r != nil {
		r.offline.Set(boolGauge(offline))
	}
}

func (r *Recorder) SetBreaker(active bool) {
	if r != nil {
		r.breaker.Set(boolGauge(active))
	}
}

func (r *Recorder) SetDailyPnLPct(pct float64) {
	if r != nil {
		r.dailyPnLPct.Set(pct)
	}
}

func (r *Recorder) SetOpenPositions(n int) {
	if r != nil {
		r.openPositions.Set(float64(n))
	}
}

func (r *Recorder) SetRSI(key models.Key, tf models.Timeframe, value float64) {
	if r != nil {
		r.rsi.WithLabelValues(key.String(), string(tf)).Set(value)
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (r *Recorder) Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()

	logger.Info().Str("addr", addr).Msg("Metrics endpoint listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
