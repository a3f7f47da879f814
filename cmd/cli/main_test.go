package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	u "github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/and161185/banksync/internal/api"
)

func withTmpConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	return filepath.Join(dir, "banksync")
}

func Test_cfgDir_And_Paths(t *testing.T) {
	_ = withTmpConfig(t)
	got := cfgDir()
	base := os.Getenv("XDG_CONFIG_HOME") + "/banksync"
	if got != base {
		t.Fatalf("cfgDir=%q, want %q", got, base)
	}
	if !strings.HasPrefix(tokenPath(), base) || !strings.HasSuffix(tokenPath(), "token.json") {
		t.Fatalf("tokenPath unexpected: %s", tokenPath())
	}
}

func Test_token_SaveLoad(t *testing.T) {
	_ = withTmpConfig(t)

	if _, err := loadToken(); err == nil {
		t.Fatalf("expected error when token file missing")
	}
	if err := saveToken("tok", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("saveToken: %v", err)
	}
	tok, err := loadToken()
	if err != nil || tok != "tok" {
		t.Fatalf("loadToken: tok=%q err=%v", tok, err)
	}
	fi, err := os.Stat(tokenPath())
	if err != nil || fi.Mode().Perm() != 0o600 {
		t.Fatalf("token file mode: %v %v", fi, err)
	}
	if err := saveToken("tok2", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("saveToken expired: %v", err)
	}
	if _, err := loadToken(); err == nil {
		t.Fatalf("want error for expired token")
	}
}

func Test_bearer_Precedence(t *testing.T) {
	_ = withTmpConfig(t)
	t.Setenv("BANKSYNC_TOKEN", "")
	if err := saveToken("saved", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("saveToken: %v", err)
	}

	g := &globals{}
	if tok, _ := g.bearer(); tok != "saved" {
		t.Fatalf("saved token: %q", tok)
	}
	t.Setenv("BANKSYNC_TOKEN", "env")
	if tok, _ := g.bearer(); tok != "env" {
		t.Fatalf("env token: %q", tok)
	}
	g.token = "flag"
	if tok, _ := g.bearer(); tok != "flag" {
		t.Fatalf("flag token: %q", tok)
	}
}

func Test_mintToken_Verifies(t *testing.T) {
	t.Parallel()

	key := []byte("secret")
	id := u.Must(u.NewV4())
	tok, exp, err := mintToken(key, id, time.Hour)
	if err != nil {
		t.Fatalf("mintToken: %v", err)
	}
	if time.Until(exp) < 59*time.Minute {
		t.Fatalf("exp too early: %s", exp)
	}
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(tok, &claims, func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid || claims.Subject != id.String() {
		t.Fatalf("parse: valid=%v sub=%q err=%v", parsed != nil && parsed.Valid, claims.Subject, err)
	}
}

func Test_readAll_File_And_Stdin(t *testing.T) {
	tmp := filepath.Join(t.TempDir(), "f.txt")
	_ = os.WriteFile(tmp, []byte("hello"), 0o600)
	b, err := readAll(tmp)
	if err != nil || string(b) != "hello" {
		t.Fatalf("readAll(file): %q %v", b, err)
	}

	r, w, _ := os.Pipe()
	old := os.Stdin
	os.Stdin = r
	defer func() { os.Stdin = old }()
	go func() { _, _ = io.WriteString(w, "from-stdin"); _ = w.Close() }()
	b, err = readAll("-")
	if err != nil || string(b) != "from-stdin" {
		t.Fatalf("readAll(stdin): %q %v", b, err)
	}
}

func Test_printJSON_WritesPretty(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	printJSON(&buf, map[string]any{"a": 1})
	var m map[string]any
	if json.Unmarshal(buf.Bytes(), &m) != nil || m["a"] != float64(1) {
		t.Fatalf("printJSON produced invalid json: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "\n  ") {
		t.Fatalf("printJSON should indent")
	}
}

func Test_rpcError(t *testing.T) {
	t.Parallel()

	if rpcError(nil) != nil {
		t.Fatalf("nil must stay nil")
	}
	err := rpcError(status.Error(codes.NotFound, "connect: not found"))
	if err == nil || !strings.Contains(err.Error(), "code=NotFound") {
		t.Fatalf("status error: %v", err)
	}
	plain := errors.New("dial failed")
	if !errors.Is(rpcError(plain), plain) {
		t.Fatalf("non-status errors pass through")
	}
}

func Test_bearerCreds_Metadata(t *testing.T) {
	t.Parallel()

	b := bearerCreds{token: "T", secure: true}
	md, err := b.GetRequestMetadata(context.Background())
	if err != nil {
		t.Fatalf("GetRequestMetadata: %v", err)
	}
	if md["authorization"] != "Bearer T" {
		t.Fatalf("auth header mismatch: %v", md)
	}
	if !b.RequireTransportSecurity() {
		t.Fatalf("bearerCreds must require TLS unless plaintext")
	}
	if (bearerCreds{token: "T"}).RequireTransportSecurity() {
		t.Fatalf("plaintext bearerCreds must not require TLS")
	}
}

func Test_loadTLS_Variants(t *testing.T) {
	t.Parallel()

	creds, err := loadTLS("", true)
	if err != nil || creds == nil {
		t.Fatalf("insecure: %v %v", creds, err)
	}
	creds, err = loadTLS("", false)
	if err != nil || creds == nil {
		t.Fatalf("default tls: %v %v", creds, err)
	}
	tmp := filepath.Join(t.TempDir(), "bad.pem")
	_ = os.WriteFile(tmp, []byte("not pem"), 0o600)
	creds, err = loadTLS(tmp, false)
	if err == nil || creds != nil {
		t.Fatalf("bad CA should error, got creds=%v err=%v", creds, err)
	}
}

/************ commands against a stub server ************/

type stubServer struct {
	api.BankSyncServer
	auth     chan string
	progress []*api.JobGroupProgress
}

func (s *stubServer) ListProviders(ctx context.Context, _ *api.ListProvidersRequest) (*api.ListProvidersResponse, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	if v := md.Get("authorization"); len(v) > 0 {
		s.auth <- v[0]
	}
	return &api.ListProvidersResponse{Providers: []api.ProviderInfo{{Type: "monobank", DisplayName: "Monobank"}}}, nil
}

func (s *stubServer) SyncAll(context.Context, *api.SyncAllRequest) (*api.SyncSummary, error) {
	return &api.SyncSummary{JobGroupID: "33333333-3333-4333-8333-333333333333", TotalAccounts: 2, Enqueued: 2}, nil
}

func (s *stubServer) GetJobGroupProgress(context.Context, *api.GetJobGroupProgressRequest) (*api.JobGroupProgress, error) {
	p := s.progress[0]
	if len(s.progress) > 1 {
		s.progress = s.progress[1:]
	}
	return p, nil
}

func (s *stubServer) Disconnect(context.Context, *api.DisconnectRequest) (*api.DisconnectResponse, error) {
	return nil, status.Error(codes.NotFound, "disconnect: not found")
}

func (s *stubServer) LinkAccounts(_ context.Context, req *api.LinkAccountsRequest) (*api.LinkAccountsResponse, error) {
	out := &api.LinkAccountsResponse{Sync: api.SyncSummary{JobGroupID: "33333333-3333-4333-8333-333333333333"}}
	for _, id := range req.AccountIDs {
		out.Accounts = append(out.Accounts, api.ExternalAccount{ConnectionID: req.ConnectionID, ProviderAccountID: id})
		out.Created++
		out.Sync.Enqueued++
	}
	return out, nil
}

func startStub(t *testing.T, srv *stubServer) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	gs := grpc.NewServer()
	api.RegisterBankSyncServer(gs, srv)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)
	return lis.Addr().String()
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCommands_AgainstStub(t *testing.T) {
	srv := &stubServer{
		auth: make(chan string, 1),
		progress: []*api.JobGroupProgress{
			{Total: 2, Queued: 2},
			{Total: 2, Succeeded: 1, Running: 1, Percent: 50},
			{Total: 2, Succeeded: 2, IsComplete: true, Percent: 100},
		},
	}
	addr := startStub(t, srv)
	base := []string{"--addr", addr, "--plaintext", "--token", "tok"}

	out, err := run(t, append(base, "providers")...)
	if err != nil || !strings.Contains(out, `"monobank"`) {
		t.Fatalf("providers: %v\n%s", err, out)
	}
	if got := <-srv.auth; got != "Bearer tok" {
		t.Fatalf("authorization header: %q", got)
	}

	out, err = run(t, append(base, "sync", "--wait", "--every", "1ms")...)
	if err != nil || !strings.Contains(out, `"enqueued": 2`) || !strings.Contains(out, "100%") {
		t.Fatalf("sync --wait: %v\n%s", err, out)
	}

	_, err = run(t, append(base, "disconnect", "33333333-3333-4333-8333-333333333333")...)
	if err == nil || !strings.Contains(err.Error(), "code=NotFound") {
		t.Fatalf("disconnect: %v", err)
	}

	if _, err := run(t, append(base, "details", "nope")...); err == nil {
		t.Fatalf("details must reject a non-uuid id")
	}

	out, err = run(t, append(base, "link", "33333333-3333-4333-8333-333333333333", "black", "white")...)
	if err != nil || !strings.Contains(out, `"created": 2`) || !strings.Contains(out, `"providerAccountId": "white"`) {
		t.Fatalf("link: %v\n%s", err, out)
	}
	if _, err := run(t, append(base, "link", "33333333-3333-4333-8333-333333333333")...); err == nil {
		t.Fatalf("link needs at least one account id")
	}
}

func TestCommands_TokenAndVersion(t *testing.T) {
	_ = withTmpConfig(t)
	id := u.Must(u.NewV4()).String()

	out, err := run(t, "token", "--key", "k", "--user", id, "--save")
	if err != nil || !strings.Contains(out, id) {
		t.Fatalf("token: %v\n%s", err, out)
	}
	if _, err := loadToken(); err != nil {
		t.Fatalf("token not saved: %v", err)
	}
	if _, err := run(t, "token", "--user", id); err == nil {
		t.Fatalf("token without --key must fail")
	}

	out, err = run(t, "version")
	if err != nil || !strings.HasPrefix(out, "banksync dev") {
		t.Fatalf("version: %v %q", err, out)
	}
}
