package live

import (
	"context"
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

	"github.com/shouni/go-crawl-dash/pkg/retry"
	"github.com/shouni/go-crawl-dash/pkg/types"
)

var upgrader = websocket.Upgrader{}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func fastReconnect() retry.Config {
	return retry.Config{InitialInterval: 5 * time.Millisecond, MaxInterval: 20 * time.Millisecond}
}

func nextEvent(t *testing.T, ch <-chan types.StatusEvent) types.StatusEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "イベントチャネルが閉じられています")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("イベントを受信できませんでした")
	}
	return types.StatusEvent{}
}

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    types.StatusEvent
		wantErr bool
	}{
		{name: "正常", input: `{"id":3,"status":"completed"}`, want: types.StatusEvent{ID: 3, Status: types.StatusCompleted}},
		{name: "旧名称 running", input: `{"id":4,"status":"running"}`, want: types.StatusEvent{ID: 4, Status: types.StatusCrawling}},
		{name: "JSONでない", input: `hello`, wantErr: true},
		{name: "idなし", input: `{"status":"queued"}`, wantErr: true},
		{name: "空オブジェクト", input: `{}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEvent([]byte(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestChannel_DeliversEventsAndDropsMalformed(t *testing.T) {
	var gotKey atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey.Store(r.Header.Get("X-API-Key"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"id":7,"status":"completed"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ch := New(Config{URL: wsURL(srv), APIKey: "secret", Reconnect: fastReconnect()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ch.Run(ctx) }()

	ev := nextEvent(t, ch.Events())
	assert.Equal(t, types.StatusEvent{ID: 7, Status: types.StatusCompleted}, ev)
	assert.Equal(t, StateOpen, ch.State())
	assert.Equal(t, "secret", gotKey.Load())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run が停止しませんでした")
	}
	assert.Equal(t, StateStopped, ch.State())

	_, ok := <-ch.Events()
	assert.False(t, ok, "停止後はイベントチャネルが閉じられるべきです")
}

func TestChannel_ReconnectsAfterDisconnect(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := conns.Add(1)
		_ = conn.WriteJSON(types.StatusEvent{ID: uint(n), Status: types.StatusCrawling})
		// 1件送ったらすぐ切断する
		_ = conn.Close()
	}))
	defer srv.Close()

	var mu sync.Mutex
	var states []State
	ch := New(Config{URL: wsURL(srv), Reconnect: fastReconnect()}, WithStateHook(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- ch.Run(ctx) }()

	first := nextEvent(t, ch.Events())
	second := nextEvent(t, ch.Events())
	assert.Equal(t, uint(1), first.ID)
	assert.Equal(t, uint(2), second.ID)

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, StateClosed)
	assert.Equal(t, StateStopped, states[len(states)-1])
}

func TestChannel_NeverHoldsTwoSockets(t *testing.T) {
	var open, peak, total atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := open.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		id := total.Add(1)

		_ = conn.WriteJSON(types.StatusEvent{ID: uint(id), Status: types.StatusCrawling})
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
		// クライアントが閉じるまで読み続け、閉じた時点で接続数を減らす
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		open.Add(-1)
		_ = conn.Close()
	}))
	defer srv.Close()

	reconnect := retry.Config{InitialInterval: 30 * time.Millisecond, MaxInterval: 30 * time.Millisecond}
	ch := New(Config{URL: wsURL(srv), Reconnect: reconnect})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ch.Run(ctx) }()

	for i := 1; i <= 4; i++ {
		ev := nextEvent(t, ch.Events())
		assert.Equal(t, uint(i), ev.ID)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run が停止しませんでした")
	}

	assert.GreaterOrEqual(t, total.Load(), int32(4))
	assert.Equal(t, int32(1), peak.Load(), "同時に開いていたソケットは常に1本以下であるべきです")
}

func TestChannel_GivesUpAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	var mu sync.Mutex
	var connecting int
	ch := New(Config{URL: url, Reconnect: fastReconnect(), MaxAttempts: 3}, WithStateHook(func(s State) {
		if s == StateConnecting {
			mu.Lock()
			connecting++
			mu.Unlock()
		}
	}))

	err := ch.Run(context.Background())
	assert.ErrorIs(t, err, ErrGaveUp)
	assert.Equal(t, StateStopped, ch.State())

	mu.Lock()
	// 初期状態が Connecting なので、状態変化として数えられるのは2回目以降
	assert.Equal(t, 2, connecting)
	mu.Unlock()

	// 使い捨てなので再度の Run はエラー
	assert.ErrorIs(t, ch.Run(context.Background()), ErrAlreadyRunning)
}

func TestChannel_StopsWhileWaiting(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	ch := New(Config{URL: url, Reconnect: retry.Config{InitialInterval: time.Hour, MaxInterval: time.Hour}})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := ch.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "State(9)", State(9).String())
}
