package metrics

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestRegistry_Records(t *testing.T) {
	r := NewRegistry()

	r.JobFinished("account", "succeeded", "", time.Second)
	r.JobFinished("account", "failed", "provider_transient", time.Second)
	r.Imported("monobank", 3)
	r.Imported("monobank", 0)
	r.Reclaimed(2, 1)
	r.Enqueued("manual")

	require.Equal(t, 1.0, testutil.ToFloat64(r.JobsFinished.WithLabelValues("account", "failed", "provider_transient")))
	require.Equal(t, 3.0, testutil.ToFloat64(r.TransactionsImported.WithLabelValues("monobank")))
	require.Equal(t, 2.0, testutil.ToFloat64(r.JobsReclaimed.WithLabelValues("requeued")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.JobsEnqueued.WithLabelValues("manual")))

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.True(t, strings.Contains(rec.Body.String(), "banksync_transactions_imported_total"))
}

func TestRegistry_NilIsNoop(t *testing.T) {
	var r *Registry
	r.JobFinished("account", "succeeded", "", time.Second)
	r.Imported("x", 1)
	r.Reclaimed(1, 1)
	r.Enqueued("auto")

	resp, err := r.UnaryServerInterceptor()(context.Background(), "req", &grpc.UnaryServerInfo{FullMethod: "/m"},
		func(context.Context, any) (any, error) { return "ok", nil })
	require.NoError(t, err)
	require.Equal(t, "ok", resp)
}

func TestUnaryServerInterceptor_CountsByCode(t *testing.T) {
	r := NewRegistry()
	ic := r.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/banksync.v1.BankSync/Connect"}

	_, _ = ic(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return nil, status.Error(codes.NotFound, "nope")
	})
	_, _ = ic(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return nil, errors.New("plain")
	})

	require.Equal(t, 1.0, testutil.ToFloat64(r.GrpcRequestsTotal.WithLabelValues(info.FullMethod, "NotFound")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.GrpcRequestsTotal.WithLabelValues(info.FullMethod, "Unknown")))
}
