package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/euglena-ai/euglena/pkg/config"
	"github.com/euglena-ai/euglena/pkg/contract"
	"github.com/euglena-ai/euglena/pkg/taskstore"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeStore struct {
	mu      sync.Mutex
	tasks   map[string]*taskstore.Task
	created []*contract.TaskEnvelope
	applied []*contract.StatusEnvelope
	err     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[string]*taskstore.Task)}
}

func (f *fakeStore) CreateTask(_ context.Context, env *contract.TaskEnvelope) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if _, ok := f.tasks[env.CorrelationID]; ok {
		return false, nil
	}
	f.created = append(f.created, env)
	f.tasks[env.CorrelationID] = &taskstore.Task{
		CorrelationID: env.CorrelationID,
		Mandate:       env.Mandate,
		MaxTicks:      env.MaxTicks,
		State:         contract.TaskSubmitted,
	}
	return true, nil
}

func (f *fakeStore) GetTask(_ context.Context, id string) (*taskstore.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	t, ok := f.tasks[id]
	if !ok {
		return nil, taskstore.ErrNotFound
	}
	return t, nil
}

func (f *fakeStore) ListRecent(_ context.Context, limit int) ([]*taskstore.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []*taskstore.Task
	for _, t := range f.tasks {
		if len(out) == limit {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeStore) ApplyStatus(_ context.Context, env *contract.StatusEnvelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.applied = append(f.applied, env)
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	queues []string
	msgs   []any
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, queue string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.queues = append(f.queues, queue)
	f.msgs = append(f.msgs, v)
	return nil
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func testServerConfig() *config.Config {
	return &config.Config{
		Broker: config.DefaultBrokerConfig(),
		Engine: config.DefaultEngineConfig(),
		Server: config.DefaultServerConfig(),
	}
}

func newTestServer(t *testing.T, cfg *config.Config, store *fakeStore, pub *fakePublisher, health Pinger) *Server {
	t.Helper()
	srv, err := NewServer(cfg, store, pub, health)
	require.NoError(t, err)
	return srv
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCreateTaskSubmitsAndQueues(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}
	srv := newTestServer(t, testServerConfig(), store, pub, nil)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/v1/tasks",
		map[string]any{"mandate": "what do pandas eat", "max_ticks": 7}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		CorrelationID string `json:"correlation_id"`
		MaxTicks      int    `json:"max_ticks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.CorrelationID)
	assert.Equal(t, 7, resp.MaxTicks)

	require.Len(t, store.created, 1)
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "agent.mandates", pub.queues[0])
	env, ok := pub.msgs[0].(*contract.TaskEnvelope)
	require.True(t, ok)
	assert.Equal(t, resp.CorrelationID, env.CorrelationID)
}

func TestCreateTaskDefaultsMaxTicks(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}
	srv := newTestServer(t, testServerConfig(), store, pub, nil)

	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/v1/tasks",
		map[string]any{"mandate": "what do pandas eat"}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Len(t, store.created, 1)
	assert.Equal(t, config.DefaultEngineConfig().DefaultMaxTicks, store.created[0].MaxTicks)
}

func TestCreateTaskRejectsEmptyMandate(t *testing.T) {
	srv := newTestServer(t, testServerConfig(), newFakeStore(), &fakePublisher{}, nil)

	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/v1/tasks",
		map[string]any{"mandate": "   "}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateTaskBrokerOutage(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{err: errors.New("broker down")}
	srv := newTestServer(t, testServerConfig(), store, pub, nil)

	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/v1/tasks",
		map[string]any{"mandate": "what do pandas eat"}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetTaskNotFound(t *testing.T) {
	srv := newTestServer(t, testServerConfig(), newFakeStore(), &fakePublisher{}, nil)

	rec := doJSON(t, srv.Router(), http.MethodGet, "/api/v1/tasks/unknown", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTasksRejectsBadLimit(t *testing.T) {
	srv := newTestServer(t, testServerConfig(), newFakeStore(), &fakePublisher{}, nil)

	rec := doJSON(t, srv.Router(), http.MethodGet, "/api/v1/tasks?limit=0", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthzReportsDependencyOutage(t *testing.T) {
	srv := newTestServer(t, testServerConfig(), newFakeStore(), &fakePublisher{}, fakePinger{err: errors.New("db down")})
	rec := doJSON(t, srv.Router(), http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	srv = newTestServer(t, testServerConfig(), newFakeStore(), &fakePublisher{}, fakePinger{})
	rec = doJSON(t, srv.Router(), http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	raw, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return raw
}

func TestAuthJWT(t *testing.T) {
	cfg := testServerConfig()
	cfg.Server.JWTSecret = "test-secret"
	srv := newTestServer(t, cfg, newFakeStore(), &fakePublisher{}, nil)
	router := srv.Router()

	t.Run("missing credentials", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodGet, "/api/v1/tasks", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid token", func(t *testing.T) {
		raw := signToken(t, "test-secret", jwt.MapClaims{
			"sub":             "user-1",
			"email_confirmed": true,
			"exp":             time.Now().Add(time.Hour).Unix(),
		})
		rec := doJSON(t, router, http.MethodGet, "/api/v1/tasks", nil, func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+raw)
		})
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("unconfirmed email", func(t *testing.T) {
		raw := signToken(t, "test-secret", jwt.MapClaims{
			"sub":             "user-2",
			"email_confirmed": false,
			"exp":             time.Now().Add(time.Hour).Unix(),
		})
		rec := doJSON(t, router, http.MethodGet, "/api/v1/tasks", nil, func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+raw)
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong secret", func(t *testing.T) {
		raw := signToken(t, "other-secret", jwt.MapClaims{
			"email_confirmed": true,
			"exp":             time.Now().Add(time.Hour).Unix(),
		})
		rec := doJSON(t, router, http.MethodGet, "/api/v1/tasks", nil, func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+raw)
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestAuthAPIKeyFallback(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "keys")
	require.NoError(t, os.WriteFile(keyFile, []byte("# service keys\nsvc-key-1\n\nsvc-key-2\n"), 0o600))

	cfg := testServerConfig()
	cfg.Server.JWTSecret = "test-secret"
	cfg.Server.APIKeyFile = keyFile
	srv := newTestServer(t, cfg, newFakeStore(), &fakePublisher{}, nil)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodGet, "/api/v1/tasks", nil, func(r *http.Request) {
		r.Header.Set("X-API-Key", "svc-key-2")
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/tasks", nil, func(r *http.Request) {
		r.Header.Set("X-API-Key", "wrong")
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHubFanoutAndCancel(t *testing.T) {
	hub := NewHub()
	a, cancelA := hub.Subscribe("task-1")
	b, cancelB := hub.Subscribe("task-1")
	defer cancelB()

	hub.Publish(contract.StatusEnvelope{CorrelationID: "task-1", Seq: 1, Type: contract.StatusAccepted})
	assert.Equal(t, uint64(1), (<-a).Seq)
	assert.Equal(t, uint64(1), (<-b).Seq)

	// Other tasks' envelopes never cross over.
	hub.Publish(contract.StatusEnvelope{CorrelationID: "task-2", Seq: 1})
	assert.Empty(t, a)

	cancelA()
	hub.Publish(contract.StatusEnvelope{CorrelationID: "task-1", Seq: 2})
	assert.Empty(t, a)
	assert.Equal(t, uint64(2), (<-b).Seq)
}
