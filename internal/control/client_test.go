package control

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/executor-agent/internal/errs"
	"github.com/atlas-desktop/executor-agent/internal/metrics"
	"github.com/atlas-desktop/executor-agent/pkg/types"
)

func newTestClient(t *testing.T, handler http.Handler, tune func(*Config)) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := Config{
		BaseURL:        srv.URL,
		RequestTimeout: 2 * time.Second,
	}
	if tune != nil {
		tune(&cfg)
	}
	return NewClient(zap.NewNop(), metrics.New(), cfg), srv
}

func TestRegister(t *testing.T) {
	var mu sync.Mutex
	var gotReq RegisterRequest
	var gotAuth string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/executor/register", r.URL.Path)
		mu.Lock()
		gotAuth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Credentials{
			ExecutorID: "exec-1", APIKey: "key", SecretKey: "secret",
		})
	}), nil)

	creds, err := c.Register(context.Background(), RegisterRequest{
		Name: "desk-7", Platform: "mt5", AccountNumber: "123456",
	})
	require.NoError(t, err)
	assert.Equal(t, "exec-1", creds.ExecutorID)
	mu.Lock()
	assert.Equal(t, "desk-7", gotReq.Name)
	assert.Empty(t, gotAuth, "registration runs unsigned")
	mu.Unlock()
	assert.Equal(t, creds, c.Credentials(), "identity installed for later requests")
}

func TestRegisterAuthRejectionIsFatal(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}), nil)

	_, err := c.Register(context.Background(), RegisterRequest{Name: "desk-7"})
	require.Error(t, err)
	assert.Equal(t, errs.KindAuth, errs.KindOf(err))
}

func TestRegisterRejectsEmptyIdentity(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(Credentials{})
	}), nil)

	_, err := c.Register(context.Background(), RegisterRequest{Name: "desk-7"})
	require.Error(t, err)
	assert.Equal(t, errs.KindMalformed, errs.KindOf(err))
}

func TestRequestsAreSigned(t *testing.T) {
	var checked atomic.Bool
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		ts := r.Header.Get("X-Timestamp")
		assert.NotEmpty(t, ts)
		assert.Equal(t, Sign("secret", ts, nil), r.Header.Get("X-Signature"),
			"signature covers timestamp plus body")
		checked.Store(true)
		json.NewEncoder(w).Encode(map[string]any{"strategies": []types.StrategyDefinition{}})
	}), nil)
	c.SetCredentials(Credentials{ExecutorID: "exec-1", APIKey: "key", SecretKey: "secret"})

	_, err := c.DownloadStrategies(context.Background())
	require.NoError(t, err)
	assert.True(t, checked.Load())
}

func TestDownloadStrategies(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/strategies/download", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"strategies": []types.StrategyDefinition{
				{ID: "s1", Version: 3, Symbols: []string{"EURUSD"}, Timeframe: types.TimeframeH1},
			},
		})
	}), nil)

	defs, err := c.DownloadStrategies(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "s1", defs[0].ID)
	assert.Equal(t, 3, defs[0].Version)
}

func TestReportOutcomeDelivered(t *testing.T) {
	type delivered struct {
		path string
		body ackBody
	}
	ch := make(chan delivered, 1)
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var body ackBody
		assert.NoError(t, json.Unmarshal(data, &body))
		ch <- delivered{path: r.URL.Path, body: body}
	}), nil)

	c.Start(context.Background())
	t.Cleanup(c.Stop)

	c.ReportOutcome(types.CommandOutcome{
		CommandID: "c1",
		State:     types.StateCompleted,
		Result:    json.RawMessage(`{"ticket":7}`),
	})

	select {
	case got := <-ch:
		assert.Equal(t, "/executor/command/c1/ack", got.path)
		assert.Equal(t, types.StateCompleted, got.body.State)
	case <-time.After(3 * time.Second):
		t.Fatal("ack never delivered")
	}
}

func TestOutboundQueueDropsOldestOnOverflow(t *testing.T) {
	// Not started: items accumulate in the queue.
	c, _ := newTestClient(t, http.NotFoundHandler(), func(cfg *Config) {
		cfg.QueueSize = 2
	})

	for _, id := range []string{"c1", "c2", "c3"} {
		c.ReportOutcome(types.CommandOutcome{CommandID: id, State: types.StateFailed})
	}

	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	require.Len(t, c.queue, 2)
	assert.Equal(t, "/executor/command/c2/ack", c.queue[0].path, "oldest entry dropped")
	assert.Equal(t, "/executor/command/c3/ack", c.queue[1].path)
}

func TestHeartbeatTracksLinkHealth(t *testing.T) {
	var fail atomic.Bool
	var mu sync.Mutex
	var gotHB Heartbeat
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.Equal(t, "/executor/heartbeat", r.URL.Path)
		mu.Lock()
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotHB))
		mu.Unlock()
	}), nil)

	var ups, downs int
	c.SetHooks(Hooks{
		OnConnected:    func(string) { ups++ },
		OnDisconnected: func(string) { downs++ },
	})
	c.SetHeartbeatSource(func() Heartbeat {
		return Heartbeat{ExecutorID: "exec-1", Status: "running", Strategies: 2}
	})

	c.sendHeartbeat(context.Background())
	assert.Equal(t, 1, ups)
	mu.Lock()
	assert.Equal(t, "exec-1", gotHB.ExecutorID)
	assert.Equal(t, 2, gotHB.Strategies)
	mu.Unlock()

	// A second healthy beat does not re-fire the hook.
	c.sendHeartbeat(context.Background())
	assert.Equal(t, 1, ups)

	fail.Store(true)
	c.sendHeartbeat(context.Background())
	assert.Equal(t, 1, downs)

	fail.Store(false)
	c.sendHeartbeat(context.Background())
	assert.Equal(t, 2, ups, "recovery re-fires the connect hook")
}
