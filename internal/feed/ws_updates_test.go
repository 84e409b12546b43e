package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/routecache/internal/domain"
)

type recordingApplier struct {
	mu   sync.Mutex
	msgs []string
}

func (a *recordingApplier) ApplyMessage(ctx context.Context, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.msgs = append(a.msgs, string(data))
	if string(data) == "garbage" {
		return fmt.Errorf("%w: not json", domain.ErrDecode)
	}
	return nil
}

func (a *recordingApplier) messages() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.msgs...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSUpdateFeedAppliesMessagesInOrder(t *testing.T) {
	subscribed := make(chan subscribeCommand, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var cmd subscribeCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		subscribed <- cmd

		for _, m := range []string{`{"n":1}`, "garbage", `{"n":2}`} {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		// Hold the connection until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	applier := &recordingApplier{}
	f := NewWSUpdateFeed(Config{URL: wsURL(srv), Chains: []string{"1", "8453"}}, applier, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	select {
	case cmd := <-subscribed:
		assert.Equal(t, subscribeCommand{Type: "subscribe", Channel: domain.PoolUpdatedTopic, Chains: []string{"1", "8453"}}, cmd)
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe command received")
	}

	require.Eventually(t, func() bool { return len(applier.messages()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{`{"n":1}`, "garbage", `{"n":2}`}, applier.messages())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWSUpdateFeedReconnects(t *testing.T) {
	var conns atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := conns.Add(1)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(`{"conn":%d}`, n)))
		// Drop the connection right away.
		_ = conn.Close()
	}))
	defer srv.Close()

	var disconnects atomic.Int32
	applier := &recordingApplier{}
	f := NewWSUpdateFeed(Config{
		URL:               wsURL(srv),
		ReconnectDelay:    10 * time.Millisecond,
		MaxReconnectDelay: 20 * time.Millisecond,
		OnDisconnect: func(ctx context.Context, err error) {
			disconnects.Add(1)
		},
	}, applier, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	require.Eventually(t, func() bool { return conns.Load() >= 3 }, 3*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, disconnects.Load(), int32(2))

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Contains(t, applier.messages(), `{"conn":1}`)
}

func TestWSUpdateFeedDialFailure(t *testing.T) {
	var disconnects atomic.Int32
	f := NewWSUpdateFeed(Config{
		URL:            "ws://127.0.0.1:1/unreachable",
		ReconnectDelay: 5 * time.Millisecond,
		OnDisconnect: func(ctx context.Context, err error) {
			assert.ErrorContains(t, err, "feed: connect")
			disconnects.Add(1)
		},
	}, &recordingApplier{}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := f.Run(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Positive(t, disconnects.Load())
}

func TestNewWSUpdateFeedDefaults(t *testing.T) {
	f := NewWSUpdateFeed(Config{URL: "ws://x"}, &recordingApplier{}, testLogger())
	assert.Equal(t, defaultReconnectDelay, f.cfg.ReconnectDelay)
	assert.Equal(t, defaultMaxReconnectDelay, f.cfg.MaxReconnectDelay)
}
