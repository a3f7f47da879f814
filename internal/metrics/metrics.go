// Package metrics exposes Prometheus collectors for the sync pipeline and RPC surface.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

const namespace = "banksync"

// Registry holds the collectors on a private prometheus.Registry.
// A nil *Registry is valid and records nothing.
type Registry struct {
	reg *prometheus.Registry

	JobsFinished         *prometheus.CounterVec
	JobDuration          *prometheus.HistogramVec
	TransactionsImported *prometheus.CounterVec
	JobsReclaimed        *prometheus.CounterVec
	JobsEnqueued         *prometheus.CounterVec
	GrpcRequestsTotal    *prometheus.CounterVec
	GrpcRequestDuration  *prometheus.HistogramVec
}

// NewRegistry creates and registers all collectors.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_jobs_finished_total",
			Help:      "Sync jobs that reached a terminal state.",
		}, []string{"kind", "state", "error_kind"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_job_duration_seconds",
			Help:      "Wall time of sync job execution.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"kind"}),
		TransactionsImported: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_imported_total",
			Help:      "Newly inserted provider transactions.",
		}, []string{"provider"}),
		JobsReclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_jobs_reclaimed_total",
			Help:      "Running jobs reclaimed by the liveness sweep.",
		}, []string{"outcome"}),
		JobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_jobs_enqueued_total",
			Help:      "Sync jobs enqueued, by trigger.",
		}, []string{"trigger"}),
		GrpcRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_requests_total",
			Help:      "Total number of gRPC requests.",
		}, []string{"method", "status"}),
		GrpcRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "grpc_request_duration_seconds",
			Help:      "gRPC request duration in seconds.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"method"}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.JobsFinished,
		r.JobDuration,
		r.TransactionsImported,
		r.JobsReclaimed,
		r.JobsEnqueued,
		r.GrpcRequestsTotal,
		r.GrpcRequestDuration,
	)
	return r
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// JobFinished records a terminal job.
func (r *Registry) JobFinished(kind, state, errKind string, d time.Duration) {
	if r == nil {
		return
	}
	r.JobsFinished.WithLabelValues(kind, state, errKind).Inc()
	r.JobDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// Imported adds n imported transactions for provider.
func (r *Registry) Imported(provider string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.TransactionsImported.WithLabelValues(provider).Add(float64(n))
}

// Enqueued counts one enqueued job.
func (r *Registry) Enqueued(trigger string) {
	if r == nil {
		return
	}
	r.JobsEnqueued.WithLabelValues(trigger).Inc()
}

// Reclaimed records the outcome of one sweep.
func (r *Registry) Reclaimed(requeued, failed int64) {
	if r == nil {
		return
	}
	r.JobsReclaimed.WithLabelValues("requeued").Add(float64(requeued))
	r.JobsReclaimed.WithLabelValues("failed").Add(float64(failed))
}

// UnaryServerInterceptor records request counts and latency per method.
func (r *Registry) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if r == nil {
			return handler(ctx, req)
		}
		start := time.Now()
		resp, err := handler(ctx, req)
		r.GrpcRequestsTotal.WithLabelValues(info.FullMethod, status.Code(err).String()).Inc()
		r.GrpcRequestDuration.WithLabelValues(info.FullMethod).Observe(time.Since(start).Seconds())
		return resp, err
	}
}
