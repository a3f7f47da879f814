// Command banksync is a CLI client for the bank sync service.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	u "github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	insecurecreds "google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/and161185/banksync/internal/api"
)

// ---- config/token store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "banksync")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "banksync")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func saveToken(tok string, exp time.Time) error {
	_ = os.MkdirAll(cfgDir(), 0o700)
	f, err := os.OpenFile(tokenPath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tokenFile{AccessToken: tok, ExpiresAt: exp})
}

func loadToken() (string, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return "", err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return "", err
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return "", errors.New("no valid token (run `banksync token --save` or pass --token)")
	}
	return tf.AccessToken, nil
}

// mintToken creates a signed HS256 JWT for the given subject.
func mintToken(key []byte, userID u.UUID, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(ttl)
	claims := jwt.RegisteredClaims{
		Subject:   userID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(key)
	return signed, exp, err
}

// ---- grpc dial ----

type bearerCreds struct {
	token  string
	secure bool
}

func (b bearerCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}
func (b bearerCreds) RequireTransportSecurity() bool { return b.secure }

func loadTLS(caPath string, insecure bool) (credentials.TransportCredentials, error) {
	if insecure {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

// globals holds the persistent flags shared by every RPC command.
type globals struct {
	addr      string
	token     string
	caPath    string
	insecure  bool
	plaintext bool
	timeout   time.Duration
	out       io.Writer
}

func (g *globals) bearer() (string, error) {
	if g.token != "" {
		return g.token, nil
	}
	if v := os.Getenv("BANKSYNC_TOKEN"); v != "" {
		return v, nil
	}
	return loadToken()
}

func (g *globals) dial(ctx context.Context) (*grpc.ClientConn, *api.Client, error) {
	bearer, err := g.bearer()
	if err != nil {
		return nil, nil, err
	}
	var creds credentials.TransportCredentials
	if g.plaintext {
		creds = insecurecreds.NewCredentials()
	} else if creds, err = loadTLS(g.caPath, g.insecure); err != nil {
		return nil, nil, err
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(bearerCreds{token: bearer, secure: !g.plaintext}),
	}
	//nolint:staticcheck // DialContext is supported through 1.x; migrate when grpc.NewClient is stable
	cc, err := grpc.DialContext(ctx, g.addr, opts...)
	if err != nil {
		return nil, nil, err
	}
	return cc, api.NewClient(cc), nil
}

// call dials, runs fn with a bounded context and prints its result as JSON.
func (g *globals) call(cmd *cobra.Command, fn func(ctx context.Context, cli *api.Client) (any, error)) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
	defer cancel()
	cc, cli, err := g.dial(ctx)
	if err != nil {
		return err
	}
	defer cc.Close()
	out, err := fn(ctx, cli)
	if err != nil {
		return rpcError(err)
	}
	printJSON(g.out, out)
	return nil
}

// ---- utils ----

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func rpcError(err error) error {
	if err == nil {
		return nil
	}
	if s, ok := status.FromError(err); ok {
		return fmt.Errorf("rpc error: code=%s msg=%s", s.Code(), s.Message())
	}
	return err
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// main runs the command tree; RPC commands share TLS and bearer token setup.
func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}
