package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shouni/go-crawl-dash/pkg/metrics"
	"github.com/shouni/go-crawl-dash/pkg/retry"
	"github.com/shouni/go-crawl-dash/pkg/types"
)

const (
	DefaultEventBuffer = 64
	// DefaultReadLimit は1フレームの最大サイズです。ステータス通知は小さいので余裕を持たせた値です。
	DefaultReadLimit = 64 * 1024
	// 再接続の待機時間。初回1秒から倍々に増やし、30秒で頭打ちにします。
	DefaultReconnectInitial = 1 * time.Second
	DefaultReconnectMax     = 30 * time.Second
)

var (
	// ErrAlreadyRunning は、Run を2回以上呼んだ場合のエラーです。Channel は使い捨てです。
	ErrAlreadyRunning = errors.New("live: channel has already been started")
	// ErrGaveUp は、連続失敗回数が MaxAttempts に達した場合のエラーです。
	ErrGaveUp = errors.New("live: reconnect attempts exhausted")
)

// State は接続状態です。
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed // 再接続待ち
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Dialer は WebSocket の接続を確立します。*websocket.Dialer が満たします。
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Config はライブチャネルの設定です。
type Config struct {
	URL    string
	APIKey string
	// Reconnect は再接続の待機時間の設定です。MaxRetries は使いません。
	Reconnect retry.Config
	// MaxAttempts は接続に連続して失敗できる回数です。0 なら無制限に再接続します。
	MaxAttempts int
	EventBuffer int
	ReadLimit   int64
}

// DefaultReconnect は、上限付き指数バックオフ + ジッターの既定値です。
func DefaultReconnect() retry.Config {
	return retry.Config{
		InitialInterval: DefaultReconnectInitial,
		MaxInterval:     DefaultReconnectMax,
		Jitter:          retry.DefaultJitter,
	}
}

// Option は Channel の任意設定です。
type Option func(*Channel)

// WithDialer は接続に使う Dialer を差し替えます。
func WithDialer(d Dialer) Option {
	return func(c *Channel) { c.dialer = d }
}

// WithLogger はロガーを差し替えます。
func WithLogger(l zerolog.Logger) Option {
	return func(c *Channel) { c.logger = l }
}

// WithMetrics は計測先を設定します。
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Channel) { c.metrics = m }
}

// WithStateHook は状態が変わるたびに呼ばれる関数を設定します。Run のゴルーチンから呼ばれます。
func WithStateHook(fn func(State)) Option {
	return func(c *Channel) { c.onState = fn }
}

// Channel は、ステータス変更通知を受け取り続ける再接続付きの WebSocket クライアントです。
// 1つの Channel が同時に持つソケットは常に1本以下です。
type Channel struct {
	cfg     Config
	dialer  Dialer
	logger  zerolog.Logger
	metrics *metrics.Collector
	onState func(State)

	events  chan types.StatusEvent
	state   atomic.Int32
	started atomic.Bool
}

// New は Channel を生成します。接続は Run を呼ぶまで行いません。
func New(cfg Config, opts ...Option) *Channel {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultReadLimit
	}
	if cfg.Reconnect.InitialInterval <= 0 {
		cfg.Reconnect = DefaultReconnect()
	}

	c := &Channel{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		logger: log.With().Str("component", "live").Logger(),
		events: make(chan types.StatusEvent, cfg.EventBuffer),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// Events は受信したステータス変更を流すチャネルです。Run の終了時に閉じられます。
func (c *Channel) Events() <-chan types.StatusEvent {
	return c.events
}

// State は現在の接続状態を返します。
func (c *Channel) State() State {
	return State(c.state.Load())
}

func (c *Channel) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev == s {
		return
	}
	c.metrics.SetConnected(s == StateOpen)
	c.logger.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("ライブチャネルの状態が変わりました")
	if c.onState != nil {
		c.onState(s)
	}
}

// Run は ctx が終わるまで接続と再接続を繰り返します。
// ctx の終了で止まった場合は ctx.Err() を、MaxAttempts に達した場合は ErrGaveUp を返します。
func (c *Channel) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(c.events)
	defer c.setState(StateStopped)

	header := http.Header{}
	if c.cfg.APIKey != "" {
		header.Set("X-API-Key", c.cfg.APIKey)
	}

	b := retry.NewExponential(c.cfg.Reconnect)
	failures := 0

	for {
		c.setState(StateConnecting)
		conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn().Err(err).Str("url", c.cfg.URL).Msg("ライブチャネルへの接続に失敗しました")
			failures++
		} else {
			c.setState(StateOpen)
			c.logger.Info().Str("url", c.cfg.URL).Msg("ライブチャネルに接続しました")
			b.Reset()
			failures = 0

			readErr := c.serve(ctx, conn)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Info().Err(readErr).Msg("ライブチャネルが切断されました")
			// 開いていた接続が切れた場合も1回の失敗として数える
			failures++
		}

		if c.cfg.MaxAttempts > 0 && failures >= c.cfg.MaxAttempts {
			c.logger.Error().Int("attempts", failures).Msg("ライブチャネルの再接続を打ち切ります")
			return ErrGaveUp
		}

		c.setState(StateClosed)
		wait := b.NextBackOff()
		c.logger.Debug().Dur("wait", wait).Msg("ライブチャネルの再接続を待機します")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		c.metrics.Reconnect()
	}
}

// serve は接続が切れるまでメッセージを読み続けます。ctx が終わるとソケットを閉じます。
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(c.cfg.ReadLimit)

	done := make(chan struct{})
	defer func() {
		close(done)
		_ = conn.Close()
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.TextMessage {
			continue
		}

		ev, err := ParseEvent(data)
		if err != nil {
			c.metrics.LiveEvent("malformed")
			c.logger.Warn().Err(err).Int("bytes", len(data)).Msg("不正なライブメッセージを破棄しました")
			continue
		}
		c.metrics.LiveEvent("accepted")

		select {
		case c.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ParseEvent はテキストフレームを StatusEvent に変換します。ID のないメッセージは不正とみなします。
func ParseEvent(data []byte) (types.StatusEvent, error) {
	var ev types.StatusEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return types.StatusEvent{}, fmt.Errorf("ライブメッセージのJSONパースに失敗しました: %w", err)
	}
	if ev.ID == 0 {
		return types.StatusEvent{}, errors.New("ライブメッセージに id がありません")
	}
	return ev, nil
}
