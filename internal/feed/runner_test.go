package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/portal-scheduling/internal/appointment"
	"github.com/hackgods/portal-scheduling/internal/calendar"
)

type countingRefresher struct {
	calls atomic.Int32
	err   error
}

func (c *countingRefresher) Refresh(context.Context) (calendar.MergeResult, error) {
	c.calls.Add(1)
	return calendar.MergeResult{}, c.err
}

type burstSource struct {
	n int
}

func (b burstSource) Name() string { return "burst" }

func (b burstSource) Run(ctx context.Context, signal func()) error {
	for range b.n {
		signal()
		time.Sleep(time.Millisecond)
	}
	<-ctx.Done()
	return nil
}

type brokenSource struct{}

func (brokenSource) Name() string { return "broken" }

func (brokenSource) Run(context.Context, func()) error { return errors.New("boom") }

func start(t *testing.T, r *Runner) (cancel func() error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	return func() error {
		stop()
		select {
		case err := <-done:
			return err
		case <-time.After(2 * time.Second):
			t.Fatal("runner did not stop")
			return nil
		}
	}
}

func TestRunnerPollsUntilCancelled(t *testing.T) {
	ref := &countingRefresher{}
	stop := start(t, NewRunner(ref, 10*time.Millisecond))

	require.Eventually(t, func() bool { return ref.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	assert.NoError(t, stop())
}

func TestRunnerKeepsPollingAfterFailedRefresh(t *testing.T) {
	ref := &countingRefresher{err: appointment.ErrRemoteRead}
	var failures atomic.Int32
	stop := start(t, NewRunner(ref, 10*time.Millisecond, OnRefresh(func(_ calendar.MergeResult, err error) {
		if errors.Is(err, appointment.ErrRemoteRead) {
			failures.Add(1)
		}
	})))

	require.Eventually(t, func() bool { return failures.Load() >= 3 }, time.Second, 5*time.Millisecond)
	assert.NoError(t, stop())
}

func TestRunnerThrottlesPushRefreshes(t *testing.T) {
	ref := &countingRefresher{}
	stop := start(t, NewRunner(ref, time.Hour,
		WithSource(burstSource{n: 20}),
		WithPushRate(time.Hour, 1),
	))

	// one at start, one for the first push, the rest are dropped
	require.Eventually(t, func() bool { return ref.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	require.Never(t, func() bool { return ref.calls.Load() > 2 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.NoError(t, stop())
}

func TestRunnerStopsOnSourceError(t *testing.T) {
	r := NewRunner(&countingRefresher{}, time.Hour, WithSource(brokenSource{}))
	err := r.Run(context.Background())
	assert.EqualError(t, err, "boom")
}

func TestRedisSourceTriggersRefresh(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	scope := appointment.Scope{Role: appointment.RoleDoctor, ActorID: "doc-1"}
	channel := appointment.Channel(scope)

	ref := &countingRefresher{}
	stop := start(t, NewRunner(ref, time.Hour, WithSource(NewRedisSource(client, scope))))

	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(channel)[channel] == 1 && ref.calls.Load() == 1
	}, time.Second, 5*time.Millisecond)

	mr.Publish(channel, `{"type":"APPOINTMENT_CREATED"}`)
	require.Eventually(t, func() bool { return ref.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.NoError(t, stop())
}

func TestWebsocketSourceReconnects(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var conns, authorized atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/calendars/patient/pat-1/stream" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") == "Bearer tok" {
			authorized.Add(1)
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		// The first connection delivers one change and drops.
		if conns.Add(1) == 1 {
			_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"APPOINTMENT_UPDATED"}`))
			return
		}
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	src := NewWebsocketSource(srv.URL, "tok", appointment.Scope{Role: appointment.RolePatient, ActorID: "pat-1"}, zerolog.Nop())

	var signals atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, func() { signals.Add(1) }) }()

	require.Eventually(t, func() bool { return conns.Load() == 2 }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return signals.Load() >= 3 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), authorized.Load())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("websocket source did not stop")
	}
}
