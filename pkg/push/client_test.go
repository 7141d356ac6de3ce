package push

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qua-platform/qualibrate-console/pkg/connection"
	"github.com/qua-platform/qualibrate-console/pkg/runstatus"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + DefaultPath
}

func next(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for push event")
	}
	return Event{}
}

func TestDecodeUpdate(t *testing.T) {
	u, err := DecodeUpdate([]byte(`{"run_id":"r1","status":"running","active_node":"rabi","finished_nodes":2}`))
	require.NoError(t, err)
	assert.Equal(t, "r1", u.RunID)
	assert.Equal(t, 2, u.FinishedNodes)

	u, err = DecodeUpdate([]byte(`{"type":"run_status","data":{"run_id":"r2","status":"finished","run_duration":3.5}}`))
	require.NoError(t, err)
	assert.Equal(t, runstatus.StatusFinished, u.Status)
	require.NotNil(t, u.Duration)
	assert.Equal(t, 3.5, *u.Duration)

	u, err = DecodeUpdate([]byte(`{"type":"heartbeat","data":{"ts":1}}`))
	require.NoError(t, err)
	assert.Nil(t, u)

	_, err = DecodeUpdate([]byte(`not json`))
	assert.Error(t, err)

	_, err = DecodeUpdate([]byte(`{}`))
	assert.Error(t, err)
}

func TestClient_StreamsUpdatesInOrder(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, DefaultPath, r.URL.Path)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, msg := range []string{
			`{"run_id":"r1","seq":1,"status":"running","active_node":"a"}`,
			`garbage`,
			`{"run_id":"r1","seq":2,"status":"running","active_node":"b"}`,
		} {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
		// Keep the socket open until the client hangs up.
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := make(chan Event, 16)
	done := make(chan error, 1)
	go func() { done <- NewClient(wsURL(srv)).Run(ctx, events) }()

	assert.Equal(t, EventOpen, next(t, events).Type)
	first := next(t, events)
	require.Equal(t, EventStatus, first.Type)
	assert.Equal(t, uint64(1), first.Update.Seq)
	second := next(t, events)
	require.Equal(t, EventStatus, second.Type)
	assert.Equal(t, "b", second.Update.ActiveNode)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestClient_ReconnectsAfterDrop(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Drop immediately.
		conn.Close()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := make(chan Event, 16)
	go func() { _ = NewClient(wsURL(srv)).Run(ctx, events) }()

	assert.Equal(t, EventOpen, next(t, events).Type)
	assert.Equal(t, EventClose, next(t, events).Type)
	assert.Equal(t, EventOpen, next(t, events).Type)
}

func TestClient_DialFailureEmitsCloseThenRetries(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := make(chan Event, 16)
	b := &connection.ExponentialBackoff{Base: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2}
	go func() { _ = NewClient(url, WithBackoff(b)).Run(ctx, events) }()

	ev := next(t, events)
	assert.Equal(t, EventClose, ev.Type)
	assert.Error(t, ev.Err)

	r1 := next(t, events)
	assert.Equal(t, EventRetry, r1.Type)
	assert.Equal(t, 1, r1.Attempt)
	r2 := next(t, events)
	assert.Equal(t, EventRetry, r2.Type)
	assert.Equal(t, 2, r2.Attempt, "close is reported once per outage")
}

func TestDeriveURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "http://localhost:8001", want: "ws://localhost:8001/execution/ws/run_status"},
		{in: "https://lab.example.com/qualibrate/", want: "wss://lab.example.com/qualibrate/execution/ws/run_status"},
		{in: "ftp://lab.example.com", wantErr: true},
	}
	for _, tt := range tests {
		got, err := DeriveURL(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}
