package oauth

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/crypto"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/model"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/repository/memory"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// stubBroker counts hits per path and delegates to per-path handlers.
type stubBroker struct {
	*httptest.Server
	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	hits     map[string]*atomic.Int32
}

func newStubBroker(t *testing.T) *stubBroker {
	t.Helper()
	sb := &stubBroker{handlers: map[string]http.HandlerFunc{}, hits: map[string]*atomic.Int32{}}
	sb.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sb.mu.Lock()
		h, ok := sb.handlers[r.URL.Path]
		c := sb.hits[r.URL.Path]
		sb.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		c.Add(1)
		h(w, r)
	}))
	t.Cleanup(sb.Close)
	return sb
}

func (sb *stubBroker) handle(path string, h http.HandlerFunc) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.handlers[path] = h
	if sb.hits[path] == nil {
		sb.hits[path] = &atomic.Int32{}
	}
}

func (sb *stubBroker) count(path string) int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if c := sb.hits[path]; c != nil {
		return int(c.Load())
	}
	return 0
}

type testEnv struct {
	states *memory.StateRepo
	clock  *clock
	deps   Deps
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	master, err := crypto.RandBytes(crypto.KeyLen)
	require.NoError(t, err)
	sealer, err := crypto.NewSealer(master)
	require.NoError(t, err)
	env := &testEnv{
		states: memory.NewStateRepo(),
		clock:  &clock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)},
	}
	env.deps = Deps{
		States:   env.states,
		Sealer:   sealer,
		Client:   &http.Client{Timeout: 5 * time.Second},
		StateTTL: 10 * time.Minute,
		Log:      zaptest.NewLogger(t),
		Now:      env.clock.Now,
	}
	return env
}

func flowRequest(broker model.BrokerID, redirect string) FlowRequest {
	return FlowRequest{
		UserID:       uuid.Must(uuid.NewV4()),
		BrokerID:     broker,
		ConnectionID: uuid.Must(uuid.NewV4()),
		RedirectURI:  redirect,
	}
}

func keyPair(sandbox bool) model.KeyPair {
	return model.KeyPair{APIKey: []byte("K1"), APISecret: []byte("S1"), IsSandbox: sandbox}
}
