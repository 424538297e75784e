package push_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/pipeline-board/internal/gateway"
	"github.com/example/pipeline-board/internal/push"
	"github.com/example/pipeline-board/internal/types"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

type eventSink struct {
	mu     sync.Mutex
	events []types.PushEvent
}

func (s *eventSink) HandlePushEvent(event types.PushEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *eventSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *eventSink) at(i int) types.PushEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[i]
}

type testServer struct {
	srv      *httptest.Server
	registry *gateway.Registry
}

func newTestServer(t *testing.T, hooks gateway.Hooks) *testServer {
	t.Helper()
	registry := gateway.NewRegistry(testLogger())
	gw := gateway.New(gateway.QueryAuth("main"), registry, hooks, gateway.Config{}, testLogger())
	srv := httptest.NewServer(gw)
	t.Cleanup(func() {
		registry.CloseAll()
		srv.Close()
	})
	return &testServer{srv: srv, registry: registry}
}

func (s *testServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "?client_id=watch-1"
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestChannelDeliversPushEvents(t *testing.T) {
	server := newTestServer(t, gateway.Hooks{})
	sink := &eventSink{}

	channel := push.Open(context.Background(), server.url(), sink, testLogger())
	defer channel.Close()

	waitFor(t, 2*time.Second, func() bool { return server.registry.Count("main") == 1 })

	server.registry.Broadcast("main", types.PushEvent{
		Name: types.EventJobsUpdated,
		Data: map[string]string{types.DataJobID: "job-3"},
	}, nil)

	waitFor(t, 2*time.Second, func() bool { return sink.count() == 1 })
	got := sink.at(0)
	if got.Name != types.EventJobsUpdated {
		t.Fatalf("got event %q, want %q", got.Name, types.EventJobsUpdated)
	}
	if got.Field(types.DataJobID) != "job-3" {
		t.Fatalf("got job id %q, want job-3", got.Field(types.DataJobID))
	}
}

func TestChannelSendReachesServerHook(t *testing.T) {
	var mu sync.Mutex
	var received []types.PushEvent
	hooks := gateway.Hooks{
		OnEvent: func(ctx context.Context, conn *gateway.Connection, event types.PushEvent) error {
			mu.Lock()
			received = append(received, event)
			mu.Unlock()
			return nil
		},
	}
	server := newTestServer(t, hooks)
	sink := &eventSink{}

	channel := push.Open(context.Background(), server.url(), sink, testLogger())
	defer channel.Close()

	waitFor(t, 2*time.Second, func() bool { return channel.Connected() })

	if err := channel.Send(types.PushEvent{Name: types.EventSelectionChanged}); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if received[0].Name != types.EventSelectionChanged {
		t.Fatalf("server saw event %q, want %q", received[0].Name, types.EventSelectionChanged)
	}
}

func TestChannelReconnectsAfterServerDrop(t *testing.T) {
	server := newTestServer(t, gateway.Hooks{})
	sink := &eventSink{}

	channel := push.Open(context.Background(), server.url(), sink, testLogger(),
		push.WithReconnectDelay(20*time.Millisecond))
	defer channel.Close()

	waitFor(t, 2*time.Second, func() bool { return server.registry.Count("main") == 1 })

	// Kill every server-side session; the channel should dial back in on
	// its own.
	server.registry.CloseAll()
	waitFor(t, 2*time.Second, func() bool { return server.registry.Count("main") == 1 })

	server.registry.Broadcast("main", types.PushEvent{Name: types.EventDeepDivesChanged}, nil)
	waitFor(t, 2*time.Second, func() bool { return sink.count() == 1 })
	if got := sink.at(0); got.Name != types.EventDeepDivesChanged {
		t.Fatalf("got event %q after reconnect, want %q", got.Name, types.EventDeepDivesChanged)
	}
}

func TestChannelRetriesUntilServerAccepts(t *testing.T) {
	registry := gateway.NewRegistry(testLogger())
	gw := gateway.New(gateway.QueryAuth("main"), registry, gateway.Hooks{}, gateway.Config{}, testLogger())

	var accepting atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !accepting.Load() {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		gw.ServeHTTP(w, r)
	}))
	defer srv.Close()
	defer registry.CloseAll()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?client_id=watch-1"
	sink := &eventSink{}

	channel := push.Open(context.Background(), url, sink, testLogger(),
		push.WithReconnectDelay(20*time.Millisecond))
	defer channel.Close()

	time.Sleep(60 * time.Millisecond)
	if channel.Connected() {
		t.Fatal("channel should not report connected while server refuses upgrades")
	}

	accepting.Store(true)
	waitFor(t, 3*time.Second, func() bool { return registry.Count("main") == 1 })
	if !channel.Connected() {
		t.Fatal("channel should report connected once upgrades succeed")
	}
}

func TestChannelCloseStopsReconnect(t *testing.T) {
	server := newTestServer(t, gateway.Hooks{})
	sink := &eventSink{}

	channel := push.Open(context.Background(), server.url(), sink, testLogger(),
		push.WithReconnectDelay(50*time.Millisecond))
	waitFor(t, 2*time.Second, func() bool { return server.registry.Count("main") == 1 })

	channel.Close()
	waitFor(t, 2*time.Second, func() bool { return server.registry.Count("main") == 0 })

	// A pending reconnect timer must die with the channel.
	time.Sleep(150 * time.Millisecond)
	if got := server.registry.Count("main"); got != 0 {
		t.Fatalf("closed channel reconnected; %d live connections", got)
	}
	if channel.Connected() {
		t.Fatal("closed channel still reports connected")
	}
}

func TestChannelSendWhileDisconnected(t *testing.T) {
	sink := &eventSink{}
	channel := push.Open(context.Background(), "ws://127.0.0.1:1?client_id=watch-1", sink, testLogger(),
		push.WithReconnectDelay(time.Hour))
	defer channel.Close()

	err := channel.Send(types.PushEvent{Name: types.EventJobsUpdated})
	if err == nil {
		t.Fatal("send on a disconnected channel should fail")
	}
	var chErr *push.ChannelError
	if !errors.As(err, &chErr) {
		t.Fatalf("expected *ChannelError, got %T", err)
	}
	if !errors.Is(err, push.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected in chain, got %v", err)
	}
}
