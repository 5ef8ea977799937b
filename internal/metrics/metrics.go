package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"autonomous-trader/internal/logger"
)

var (
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_ticks_total",
		Help: "Loop ticks by outcome.",
	}, []string{"outcome"})

	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trader_tick_duration_seconds",
		Help:    "Wall time of one tick.",
		Buckets: prometheus.DefBuckets,
	})

	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_decisions_total",
		Help: "Decisions by action and backend.",
	}, []string{"action", "source"})

	RiskRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_risk_rejections_total",
		Help: "Risk gate rejections by reason.",
	}, []string{"reason"})

	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_orders_total",
		Help: "Order resolutions by final status.",
	}, []string{"status"})

	BufferSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trader_buffer_candles",
		Help: "Candles currently buffered.",
	})

	LoopPhase = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trader_loop_phase",
		Help: "Current loop phase (1 for active phase, 0 otherwise).",
	}, []string{"phase"})

	DailyPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trader_daily_pnl",
		Help: "Realized P&L since session start, in quote units.",
	})

	NotifyDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trader_notify_drops_total",
		Help: "Notifications dropped because the queue was full.",
	})
)

// SetLoopPhase flips the phase gauge so exactly one phase reads 1.
func SetLoopPhase(phase string) {
	for _, p := range []string{"idle", "warming", "active", "draining", "halted", "stopped"} {
		v := 0.0
		if p == phase {
			v = 1.0
		}
		LoopPhase.WithLabelValues(p).Set(v)
	}
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info(ctx, "Metrics listener started", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.ErrorWithErr(ctx, "Metrics listener failed", err)
	}
}
