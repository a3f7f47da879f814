package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/and161185/banksync/internal/api"
	"github.com/and161185/banksync/internal/crypto"
	"github.com/and161185/banksync/internal/errs"
	"github.com/and161185/banksync/internal/limiter"
	"github.com/and161185/banksync/internal/model"
	"github.com/and161185/banksync/internal/provider"
	"github.com/and161185/banksync/internal/provider/providertest"
	"github.com/and161185/banksync/internal/queue"
	"github.com/and161185/banksync/internal/repository/memory"
	"github.com/and161185/banksync/internal/service"
	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const (
	bufSize   = 1 << 20
	monoToken = "mono-token"
)

type harness struct {
	client *api.Client
	pool   *queue.Pool
	mono   *providertest.Adapter
	key    []byte
}

func startBufGRPC(t *testing.T) *harness {
	t.Helper()
	log := zaptest.NewLogger(t)
	key := []byte("test-secret")
	store := memory.New()

	mono := providertest.New(model.ProviderMonobank, monoToken)
	mono.SetAccounts(providertest.Account("black", "Black"), providertest.Account("white", "White"))
	now := time.Now().UTC()
	mono.SetPages("black", []provider.TransactionDescriptor{providertest.Tx("b1", "-10.00", now.Add(-time.Hour))})
	mono.SetPages("white", []provider.TransactionDescriptor{providertest.Tx("w1", "25.00", now.Add(-2*time.Hour))})
	registry := provider.MustRegistry(mono)

	sealer, err := crypto.NewSealer("grpc-test-secret")
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	q := queue.New(store.Jobs(), nil, log)
	linker := service.NewLinker(store.Connections(), store.Accounts(), store.ExternalAccounts(), q, log)
	exec := queue.NewExecutor(queue.Stores{
		Connections:      store.Connections(),
		ExternalAccounts: store.ExternalAccounts(),
		Transactions:     store.Transactions(),
		Jobs:             store.Jobs(),
		Tracker:          store.Tracker(),
	}, registry, sealer, linker, queue.ExecutorConfig{}, nil, log)
	conns := service.NewConnectionService(store.Connections(), store.ExternalAccounts(), registry, sealer, linker,
		limiter.NewMemory(time.Minute, 5, time.Minute), time.Second, log)
	sync := service.NewSyncManager(store.ExternalAccounts(), store.Transactions(), store.Tracker(), q, registry,
		service.SyncManagerConfig{}, log)

	lis := bufconn.Listen(bufSize)
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(RecoverUnary(log), LoggingUnary(log), AuthUnary(key)))
	api.RegisterBankSyncServer(gs, New(conns, linker, sync, key))
	go func() { _ = gs.Serve(lis) }()
	dialer := func(context.Context, string) (net.Conn, error) { return lis.Dial() }
	//nolint:staticcheck // DialContext is supported through 1.x; migrate when grpc.NewClient is stable
	cc, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = cc.Close(); gs.Stop(); _ = lis.Close() })

	return &harness{
		client: api.NewClient(cc),
		pool:   queue.NewPool(q, exec, queue.PoolConfig{Workers: 2}, nil, log),
		mono:   mono,
		key:    key,
	}
}

/************ helpers ************/
func signJWT(t *testing.T, claims jwt.RegisteredClaims, key []byte, method jwt.SigningMethod) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return s
}

func claimsFor(sub string, iat time.Time, ttl time.Duration) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   sub,
		IssuedAt:  jwt.NewNumericDate(iat),
		NotBefore: jwt.NewNumericDate(iat.Add(-5 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(iat.Add(ttl)),
	}
}

func jwtFor(t *testing.T, sub string, key []byte, ttl time.Duration) string {
	t.Helper()
	return signJWT(t, claimsFor(sub, time.Now().UTC(), ttl+5*time.Second), key, jwt.SigningMethodHS256)
}

func incomingAuth(values ...string) context.Context {
	md := metadata.New(nil)
	for _, v := range values {
		md.Append("authorization", v)
	}
	return metadata.NewIncomingContext(context.Background(), md)
}

func (h *harness) as(t *testing.T, user uuid.UUID) context.Context {
	t.Helper()
	return metadata.AppendToOutgoingContext(context.Background(),
		"authorization", "Bearer "+jwtFor(t, user.String(), h.key, time.Hour))
}

func wantCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	if st, ok := status.FromError(err); !ok || st.Code() != code {
		t.Fatalf("want %s, got %v", code, err)
	}
}

func TestServer_E2E_ConnectSyncDisconnect(t *testing.T) {
	t.Parallel()

	h := startBufGRPC(t)
	user := uuid.Must(uuid.NewV4())
	ctx := h.as(t, user)

	pr, err := h.client.ListProviders(ctx, &api.ListProvidersRequest{})
	if err != nil || len(pr.Providers) != 1 || pr.Providers[0].Type != "monobank" {
		t.Fatalf("providers: %v, resp=%+v", err, pr)
	}

	_, err = h.client.Connect(ctx, &api.ConnectRequest{
		ProviderType: "monobank",
		Credentials:  map[string]string{providertest.TokenField: "wrong"},
	})
	wantCode(t, err, codes.PermissionDenied)

	cr, err := h.client.Connect(ctx, &api.ConnectRequest{
		ProviderType: "monobank",
		Credentials:  map[string]string{providertest.TokenField: monoToken},
	})
	if err != nil || cr.Connection.Status != "active" {
		t.Fatalf("connect: %v, resp=%+v", err, cr)
	}
	connID := cr.Connection.ID

	_, err = h.client.Connect(ctx, &api.ConnectRequest{
		ProviderType: "monobank",
		Credentials:  map[string]string{providertest.TokenField: monoToken},
	})
	wantCode(t, err, codes.AlreadyExists)

	accs, err := h.client.ListExternalAccounts(ctx, &api.ConnectionRequest{ConnectionID: connID})
	if err != nil || len(accs.Accounts) != 2 {
		t.Fatalf("accounts: %v, resp=%+v", err, accs)
	}

	sum, err := h.client.SyncAll(ctx, &api.SyncAllRequest{})
	if err != nil || sum.Enqueued != 2 || sum.JobGroupID == "" {
		t.Fatalf("sync: %v, resp=%+v", err, sum)
	}
	if n := h.pool.Drain(context.Background()); n != 2 {
		t.Fatalf("drained %d jobs", n)
	}

	pg, err := h.client.GetJobGroupProgress(ctx, &api.GetJobGroupProgressRequest{JobGroupID: sum.JobGroupID})
	if err != nil || pg.Succeeded != 2 || !pg.IsComplete || pg.Percent != 100 {
		t.Fatalf("progress: %v, resp=%+v", err, pg)
	}

	st, err := h.client.GetSyncStatus(ctx, &api.GetSyncStatusRequest{})
	if err != nil || st.Summary.Completed != 2 || st.LastManualSyncAt == nil {
		t.Fatalf("status: %v, resp=%+v", err, st)
	}

	at, err := h.client.TriggerAutoSync(ctx, &api.TriggerAutoSyncRequest{})
	if err != nil || at.Triggered {
		t.Fatalf("auto sync right after manual: %v, resp=%+v", err, at)
	}

	jobs, err := h.client.ListActiveJobs(ctx, &api.ListActiveJobsRequest{})
	if err != nil || len(jobs.Jobs) != 0 {
		t.Fatalf("active jobs: %v, resp=%+v", err, jobs)
	}

	_, err = h.client.Disconnect(h.as(t, uuid.Must(uuid.NewV4())), &api.DisconnectRequest{ConnectionID: connID})
	wantCode(t, err, codes.NotFound)

	if _, err := h.client.Disconnect(ctx, &api.DisconnectRequest{ConnectionID: connID}); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	d, err := h.client.GetConnectionDetails(ctx, &api.ConnectionRequest{ConnectionID: connID})
	if err != nil || d.Connection.Status != "disconnected" || d.Summary.Total != 2 {
		t.Fatalf("details: %v, resp=%+v", err, d)
	}

	lc, err := h.client.ListConnections(ctx, &api.ListConnectionsRequest{ActiveOnly: true})
	if err != nil || len(lc.Connections) != 0 {
		t.Fatalf("active connections: %v, resp=%+v", err, lc)
	}

	_, err = h.client.RefreshAccounts(ctx, &api.ConnectionRequest{ConnectionID: connID})
	wantCode(t, err, codes.InvalidArgument)
}

func TestServer_ConnectSelectedThenLink(t *testing.T) {
	t.Parallel()

	h := startBufGRPC(t)
	ctx := h.as(t, uuid.Must(uuid.NewV4()))

	cr, err := h.client.Connect(ctx, &api.ConnectRequest{
		ProviderType: "monobank",
		Credentials:  map[string]string{providertest.TokenField: monoToken},
		AccountIDs:   []string{"black"},
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	connID := cr.Connection.ID

	d, err := h.client.GetConnectionDetails(ctx, &api.ConnectionRequest{ConnectionID: connID})
	if err != nil || d.Summary.Total != 2 || d.Summary.Linked != 1 {
		t.Fatalf("details: %v, resp=%+v", err, d)
	}

	_, err = h.client.LinkAccounts(ctx, &api.LinkAccountsRequest{ConnectionID: connID})
	wantCode(t, err, codes.InvalidArgument)
	_, err = h.client.LinkAccounts(ctx, &api.LinkAccountsRequest{ConnectionID: connID, AccountIDs: []string{"nope"}})
	wantCode(t, err, codes.InvalidArgument)
	_, err = h.client.LinkAccounts(h.as(t, uuid.Must(uuid.NewV4())),
		&api.LinkAccountsRequest{ConnectionID: connID, AccountIDs: []string{"white"}})
	wantCode(t, err, codes.NotFound)

	lr, err := h.client.LinkAccounts(ctx, &api.LinkAccountsRequest{ConnectionID: connID, AccountIDs: []string{"white"}})
	if err != nil || lr.Created != 1 || len(lr.Accounts) != 1 || lr.Accounts[0].LocalAccountID == "" {
		t.Fatalf("link: %v, resp=%+v", err, lr)
	}
	if lr.Sync.Enqueued != 1 || lr.Sync.JobGroupID == "" {
		t.Fatalf("link sync: %+v", lr.Sync)
	}
	if n := h.pool.Drain(context.Background()); n != 1 {
		t.Fatalf("drained %d jobs", n)
	}
	pg, err := h.client.GetJobGroupProgress(ctx, &api.GetJobGroupProgressRequest{JobGroupID: lr.Sync.JobGroupID})
	if err != nil || pg.Succeeded != 1 || !pg.IsComplete {
		t.Fatalf("progress: %v, resp=%+v", err, pg)
	}
}

func TestServer_Unauthenticated(t *testing.T) {
	t.Parallel()

	h := startBufGRPC(t)
	_, err := h.client.SyncAll(context.Background(), &api.SyncAllRequest{})
	wantCode(t, err, codes.Unauthenticated)

	bad := metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer nope")
	_, err = h.client.ListConnections(bad, &api.ListConnectionsRequest{})
	wantCode(t, err, codes.Unauthenticated)
}

func TestServer_BadIDs(t *testing.T) {
	t.Parallel()

	h := startBufGRPC(t)
	ctx := h.as(t, uuid.Must(uuid.NewV4()))

	_, err := h.client.GetConnectionDetails(ctx, &api.ConnectionRequest{ConnectionID: "nope"})
	wantCode(t, err, codes.InvalidArgument)
	_, err = h.client.GetJobGroupProgress(ctx, &api.GetJobGroupProgressRequest{})
	wantCode(t, err, codes.InvalidArgument)
	_, err = h.client.GetJobGroupProgress(ctx, &api.GetJobGroupProgressRequest{JobGroupID: uuid.Must(uuid.NewV4()).String()})
	wantCode(t, err, codes.NotFound)
	_, err = h.client.Connect(ctx, &api.ConnectRequest{})
	wantCode(t, err, codes.InvalidArgument)
	_, err = h.client.Connect(ctx, &api.ConnectRequest{ProviderType: "plaid", Credentials: map[string]string{"a": "b"}})
	wantCode(t, err, codes.InvalidArgument)
}

func Test_Handler_Unauthenticated_WithoutInterceptor(t *testing.T) {
	t.Parallel()
	s := &Server{signKey: []byte("k")}
	_, err := s.ListActiveJobs(context.Background(), &api.ListActiveJobsRequest{})
	wantCode(t, err, codes.Unauthenticated)
}

func Test_toStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want codes.Code
	}{
		{errs.ErrNotFound, codes.NotFound},
		{fmt.Errorf("connect: %w", errs.ErrInvalidCredentials), codes.PermissionDenied},
		{errors.Join(errs.ErrRateLimited, errs.ErrInvalidCredentials), codes.ResourceExhausted},
		{errs.ErrDuplicateConnection, codes.AlreadyExists},
		{errs.ErrUnsupportedProvider, codes.InvalidArgument},
		{errs.ErrValidation, codes.InvalidArgument},
		{errs.ErrVersionConflict, codes.FailedPrecondition},
		{errs.ErrProviderTransient, codes.Unavailable},
		{errs.ErrProviderPermanent, codes.FailedPrecondition},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{errors.New("boom"), codes.Internal},
	}
	for _, c := range cases {
		if got := status.Code(toStatus("op", c.err)); got != c.want {
			t.Fatalf("%v: got %s want %s", c.err, got, c.want)
		}
	}
}

func Test_bearerTokenFromMD(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		ctx  context.Context
		want string
	}{
		{"bearer", incomingAuth("Bearer abc.def.ghi"), "abc.def.ghi"},
		{"case and spaces", incomingAuth("Basic foo", "  bearer   tok.part.sig   "), "tok.part.sig"},
		{"basic only", incomingAuth("Basic foo"), ""},
		{"empty token", incomingAuth("Bearer   "), ""},
		{"no metadata", context.Background(), ""},
	}
	for _, c := range cases {
		got, err := bearerTokenFromMD(c.ctx)
		if c.want == "" {
			if err == nil {
				t.Fatalf("%s: want error, got %q", c.name, got)
			}
			continue
		}
		if err != nil || got != c.want {
			t.Fatalf("%s: got=%q err=%v", c.name, got, err)
		}
	}
}

func Test_userIDFromCtx(t *testing.T) {
	t.Parallel()

	key := []byte("secret")
	s := &Server{signKey: key}
	user := uuid.Must(uuid.NewV4())
	sub := user.String()
	now := time.Now().UTC()

	notYet := claimsFor(sub, now, time.Hour)
	notYet.NotBefore = jwt.NewNumericDate(now.Add(10 * time.Minute))
	skewed := claimsFor(sub, now, time.Second)
	skewed.NotBefore = jwt.NewNumericDate(now.Add(-time.Second))
	bearer := func(tok string) context.Context { return incomingAuth("Bearer " + tok) }

	cases := []struct {
		name string
		ctx  context.Context
		ok   bool
	}{
		{"valid", bearer(signJWT(t, claimsFor(sub, now.Add(-time.Minute), 10*time.Minute), key, jwt.SigningMethodHS256)), true},
		{"small clock skew", bearer(signJWT(t, skewed, key, jwt.SigningMethodHS256)), true},
		{"caller already resolved", WithCaller(bearer("this-is-not-a-jwt"), Caller{UserID: user}), true},
		{"no metadata", context.Background(), false},
		{"expired", bearer(signJWT(t, claimsFor(sub, now.Add(-2*time.Hour), time.Hour), key, jwt.SigningMethodHS256)), false},
		{"not valid yet", bearer(signJWT(t, notYet, key, jwt.SigningMethodHS256)), false},
		{"bad subject", bearer(signJWT(t, claimsFor("not-a-uuid", now, time.Hour), key, jwt.SigningMethodHS256)), false},
		{"wrong alg", bearer(signJWT(t, claimsFor(sub, now, time.Hour), key, jwt.SigningMethodHS384)), false},
		{"wrong key", bearer(jwtFor(t, sub, []byte("signer"), time.Hour)), false},
		{"garbage", bearer("this-is-not-a-jwt"), false},
	}
	for _, c := range cases {
		got, err := s.userIDFromCtx(c.ctx)
		if c.ok && (err != nil || got != user) {
			t.Fatalf("%s: got=%s err=%v", c.name, got, err)
		}
		if !c.ok && err == nil {
			t.Fatalf("%s: want error, got %s", c.name, got)
		}
	}
}

func Test_CallerFrom(t *testing.T) {
	t.Parallel()

	if _, ok := CallerFrom(context.Background()); ok {
		t.Fatalf("empty ctx has no caller")
	}
	ctx, slot := reserveCaller(context.Background())
	if _, ok := CallerFrom(ctx); ok {
		t.Fatalf("reserved but unfilled caller must not count")
	}
	want := Caller{UserID: uuid.Must(uuid.NewV4()), ExpiresAt: time.Now().Add(time.Hour)}
	if got := WithCaller(ctx, want); got != ctx {
		t.Fatalf("filling a reserved caller must not derive a new context")
	}
	if slot.UserID != want.UserID {
		t.Fatalf("slot not filled: %+v", slot)
	}
	if got, ok := CallerFrom(ctx); !ok || got != want {
		t.Fatalf("caller: %+v %v", got, ok)
	}
}
