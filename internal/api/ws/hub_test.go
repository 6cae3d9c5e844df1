package ws_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/meterchain/internal/api/ws"
	"github.com/gosuda/meterchain/internal/server/middleware"
)

// fakeSubscriber hands out one buffered channel per Redis channel name.
type fakeSubscriber struct {
	mu       sync.Mutex
	channels map[string]chan []byte
	closed   map[string]bool
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{channels: make(map[string]chan []byte), closed: make(map[string]bool)}
}

func (f *fakeSubscriber) ch(name string) chan []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.channels[name]
	if !ok {
		c = make(chan []byte, 8)
		f.channels[name] = c
	}
	return c
}

func (f *fakeSubscriber) subscribed(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.channels[name]
	return ok
}

func (f *fakeSubscriber) Subscribe(_ context.Context, channel string) (<-chan []byte, func(), error) {
	c := f.ch(channel)
	return c, func() {
		f.mu.Lock()
		f.closed[channel] = true
		f.mu.Unlock()
	}, nil
}

func newHubServer(t *testing.T, hub *ws.Hub, accountID uuid.UUID) *httptest.Server {
	t.Helper()

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := middleware.WithIdentity(req.Context(), accountID, uuid.New(), middleware.RoleViewer)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
	r.Get("/audit", hub.ServeAudit)
	r.Get("/work", hub.ServeWork)
	r.Get("/chains/{chainID}", hub.ServeChain)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) string {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)
	return string(data)
}

func TestHub_StreamsFeeds(t *testing.T) {
	t.Parallel()

	accountID := uuid.New()

	tests := []struct {
		name    string
		path    string
		channel string
	}{
		{name: "audit", path: "/audit", channel: "audit:" + accountID.String()},
		{name: "work", path: "/work", channel: "work:" + accountID.String()},
		{name: "chain", path: "/chains/vault", channel: "chain:vault"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sub := newFakeSubscriber()
			srv := newHubServer(t, ws.NewHub(sub), accountID)
			conn := dial(t, srv, tt.path)

			require.Eventually(t, func() bool { return sub.subscribed(tt.channel) }, 5*time.Second, 10*time.Millisecond)

			sub.ch(tt.channel) <- []byte(`{"n":1}`)
			sub.ch(tt.channel) <- []byte(`{"n":2}`)

			assert.JSONEq(t, `{"n":1}`, read(t, conn))
			assert.JSONEq(t, `{"n":2}`, read(t, conn))
		})
	}
}

func TestHub_ClientDisconnectReleasesSubscription(t *testing.T) {
	t.Parallel()

	accountID := uuid.New()
	channel := "audit:" + accountID.String()
	sub := newFakeSubscriber()
	srv := newHubServer(t, ws.NewHub(sub), accountID)

	conn := dial(t, srv, "/audit")
	require.Eventually(t, func() bool { return sub.subscribed(channel) }, 5*time.Second, 10*time.Millisecond)

	_ = conn.Close(websocket.StatusNormalClosure, "bye")

	assert.Eventually(t, func() bool {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		return sub.closed[channel]
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHub_DisabledWithoutPubSub(t *testing.T) {
	t.Parallel()

	hub := ws.NewHub(nil)
	req := httptest.NewRequest(http.MethodGet, "/audit", http.NoBody)
	req = req.WithContext(middleware.WithIdentity(req.Context(), uuid.New(), uuid.New(), middleware.RoleViewer))
	rec := httptest.NewRecorder()

	hub.ServeAudit(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHub_RequiresAccount(t *testing.T) {
	t.Parallel()

	hub := ws.NewHub(newFakeSubscriber())

	for name, serve := range map[string]http.HandlerFunc{
		"audit": hub.ServeAudit,
		"work":  hub.ServeWork,
	} {
		rec := httptest.NewRecorder()
		serve(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
		assert.Equal(t, http.StatusForbidden, rec.Code, name)
	}
}
