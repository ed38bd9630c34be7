// Package metrics exposes Prometheus collectors for capability executions.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sprintpilot"

// Recorder groups the execution collectors. A nil Recorder drops observations.
type Recorder struct {
	executions  *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	tokens      *prometheus.CounterVec
	toolCalls   *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	auditErrors prometheus.Counter
	gatherer    prometheus.Gatherer
}

// NewRecorder creates the collectors and registers them with reg. When reg is
// nil a private registry is used.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	r := &Recorder{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "executions_total",
			Help:      "Capability executions by final status and error code.",
		}, []string{"capability", "status", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "execution_duration_seconds",
			Help:      "Wall-clock duration of model invocations.",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"capability"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "tokens_total",
			Help:      "Tokens reported by the model backend.",
		}, []string{"capability", "model", "kind"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "tool_calls_total",
			Help:      "Tool functions invoked by the model.",
		}, []string{"capability", "tool"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quota",
			Name:      "rejections_total",
			Help:      "Requests rejected before invocation by the quota guard.",
		}, []string{"dimension"}),
		auditErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "write_failures_total",
			Help:      "Execution records that could not be persisted.",
		}),
		gatherer: reg,
	}
	reg.MustRegister(r.executions, r.duration, r.tokens, r.toolCalls, r.rejections, r.auditErrors)
	return r
}

// ObserveExecution records one finished execution.
func (r *Recorder) ObserveExecution(capability, status, code string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.executions.WithLabelValues(capability, status, code).Inc()
	r.duration.WithLabelValues(capability).Observe(elapsed.Seconds())
}

// ObserveTokens adds reported token usage.
func (r *Recorder) ObserveTokens(capability, model string, prompt, completion int) {
	if r == nil {
		return
	}
	if prompt > 0 {
		r.tokens.WithLabelValues(capability, model, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		r.tokens.WithLabelValues(capability, model, "completion").Add(float64(completion))
	}
}

// ObserveToolCall counts one tool invocation.
func (r *Recorder) ObserveToolCall(capability, tool string) {
	if r == nil {
		return
	}
	r.toolCalls.WithLabelValues(capability, tool).Inc()
}

// ObserveQuotaRejection counts a request refused by the quota guard.
func (r *Recorder) ObserveQuotaRejection(dimension string) {
	if r == nil {
		return
	}
	r.rejections.WithLabelValues(dimension).Inc()
}

// ObserveAuditFailure counts a failed execution record write.
func (r *Recorder) ObserveAuditFailure() {
	if r == nil {
		return
	}
	r.auditErrors.Inc()
}

// Handler exposes the collectors in Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on addr until ctx is cancelled.
func StartServer(ctx context.Context, addr string, handler http.Handler) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
