// Package wsmetrics exposes Prometheus counters and gauges describing
// running proxy channels. It is only wired up when the server is started
// with a metrics address; otherwise every recorder method is a no-op on a
// nil *Metrics receiver.
package wsmetrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the registered collectors. A nil *Metrics is valid and
// makes every method a no-op, so callers don't need to branch on whether
// metrics are enabled.
type Metrics struct {
	channelsActive prometheus.Gauge
	channelsTotal  *prometheus.CounterVec
	bytesTotal     *prometheus.CounterVec
	framesTotal    *prometheus.CounterVec
}

// New registers the ws2tcp metrics against a fresh registry and returns the
// *Metrics recorder together with that registry, which Serve exposes in
// Prometheus exposition format.
func New() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		channelsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ws2tcp_channels_active",
			Help: "Number of proxy channels currently running.",
		}),
		channelsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ws2tcp_channels_total",
			Help: "Total proxy channels terminated, by outcome.",
		}, []string{"outcome"}),
		bytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ws2tcp_bytes_total",
			Help: "Total payload bytes relayed, by direction.",
		}, []string{"direction"}),
		framesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ws2tcp_frames_total",
			Help: "Total WebSocket frames decoded from clients, by opcode.",
		}, []string{"opcode"}),
	}
	return m, reg
}

// ChannelStarted increments the active-channel gauge.
func (m *Metrics) ChannelStarted() {
	if m == nil {
		return
	}
	m.channelsActive.Inc()
}

// ChannelEnded decrements the active-channel gauge and records the final
// outcome (one of the wsproto.Kind strings, or "normal").
func (m *Metrics) ChannelEnded(outcome string) {
	if m == nil {
		return
	}
	m.channelsActive.Dec()
	m.channelsTotal.WithLabelValues(outcome).Inc()
}

// Bytes records n bytes relayed in the given direction ("ws_to_tcp" or
// "tcp_to_ws").
func (m *Metrics) Bytes(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesTotal.WithLabelValues(direction).Add(float64(n))
}

// Frame records one decoded client frame with the given opcode name.
func (m *Metrics) Frame(opcode string) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(opcode).Inc()
}

// Serve runs an HTTP server exposing reg at /metrics until ctx is
// cancelled, then shuts it down with a short grace period.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
