package service

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/banksync/internal/crypto"
	"github.com/and161185/banksync/internal/limiter"
	"github.com/and161185/banksync/internal/model"
	"github.com/and161185/banksync/internal/provider"
	"github.com/and161185/banksync/internal/provider/providertest"
	"github.com/and161185/banksync/internal/queue"
	"github.com/and161185/banksync/internal/repository/memory"
)

const monoToken = "mono-token"

// env wires the services over the in-memory store and scripted providers.
type env struct {
	store *memory.Store
	mono  *providertest.Adapter
	multi *providertest.Adapter
	q     *queue.Queue
	pool  *queue.Pool
	conns *ConnectionServiceImpl
	link  *LinkerImpl
	sync  *SyncManagerImpl
	user  uuid.UUID
}

func newEnv(t *testing.T, exec queue.ExecutorConfig) *env {
	t.Helper()
	log := zaptest.NewLogger(t)
	store := memory.New()

	mono := providertest.New(model.ProviderMonobank, monoToken)
	mono.SetFeatures(provider.Features{
		SupportsManualSync:  true,
		SupportsAutoSync:    true,
		DefaultSyncInterval: 4 * time.Hour,
	})
	multi := providertest.New(model.ProviderLunchFlow, "lf-key")
	multi.SetMultipleConnections(true)
	registry := provider.MustRegistry(mono, multi)

	sealer, err := crypto.NewSealer("service-test-secret")
	require.NoError(t, err)

	q := queue.New(store.Jobs(), nil, log)
	link := NewLinker(store.Connections(), store.Accounts(), store.ExternalAccounts(), q, log)
	executor := queue.NewExecutor(queue.Stores{
		Connections:      store.Connections(),
		ExternalAccounts: store.ExternalAccounts(),
		Transactions:     store.Transactions(),
		Jobs:             store.Jobs(),
		Tracker:          store.Tracker(),
	}, registry, sealer, link, exec, nil, log)

	return &env{
		store: store,
		mono:  mono,
		multi: multi,
		q:     q,
		pool:  queue.NewPool(q, executor, queue.PoolConfig{Workers: 3, PollInterval: 5 * time.Millisecond}, nil, log),
		conns: NewConnectionService(store.Connections(), store.ExternalAccounts(), registry, sealer, link,
			limiter.NewMemory(time.Minute, 3, time.Minute), time.Second, log),
		link:  link,
		sync: NewSyncManager(store.ExternalAccounts(), store.Transactions(), store.Tracker(), q, registry,
			SyncManagerConfig{AutoSyncInterval: 15 * time.Minute, StatusStaleAfter: 20 * time.Minute}, log),
		user: uuid.Must(uuid.NewV4()),
	}
}

func (e *env) connectMono(t *testing.T) model.Connection {
	t.Helper()
	conn, err := e.conns.Connect(context.Background(), ConnectInput{
		UserID:       e.user,
		ProviderType: model.ProviderMonobank,
		Credentials:  map[string]string{providertest.TokenField: monoToken},
	})
	require.NoError(t, err)
	return conn
}

func (e *env) accounts(t *testing.T, conn model.Connection) []model.ExternalAccount {
	t.Helper()
	accs, err := e.link.ListExternalAccounts(context.Background(), conn.ID, e.user)
	require.NoError(t, err)
	return accs
}

func byProviderID(accs []model.ExternalAccount) map[string]model.ExternalAccount {
	out := make(map[string]model.ExternalAccount, len(accs))
	for _, a := range accs {
		out[a.ProviderAccountID] = a
	}
	return out
}
