package mockapi

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/shouni/go-crawl-dash/pkg/types"
)

const (
	writeWait      = 5 * time.Second
	clientSendSize = 32
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub は接続中の WebSocket クライアントを管理し、ステータス変更を全員に配信します。
// 登録・解除・配信はすべて Run のゴルーチンで処理します。
type Hub struct {
	upgrader   websocket.Upgrader
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	done       chan struct{}
	clients    map[*client]struct{}
	count      atomic.Int32
	logger     zerolog.Logger
}

func newHub(logger zerolog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			// 開発用のモックなのでオリジンは検査しない
			CheckOrigin: func(*http.Request) bool { return true },
		},
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 64),
		done:       make(chan struct{}),
		clients:    make(map[*client]struct{}),
		logger:     logger,
	}
}

// run は stop が閉じられるまでクライアントの登録と配信を処理します。
func (h *Hub) run(stop <-chan struct{}) {
	defer close(h.done)
	for {
		select {
		case <-stop:
			for c := range h.clients {
				h.drop(c)
			}
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.count.Store(int32(len(h.clients)))
			h.logger.Debug().Int("clients", len(h.clients)).Msg("WebSocketクライアントを登録しました")
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
				h.logger.Debug().Int("clients", len(h.clients)).Msg("WebSocketクライアントを解除しました")
			}
		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// 受信が追いつかないクライアントは切断する
					h.drop(c)
				}
			}
		}
	}
}

func (h *Hub) drop(c *client) {
	delete(h.clients, c)
	close(c.send)
	h.count.Store(int32(len(h.clients)))
}

// Clients は接続中のクライアント数を返します。
func (h *Hub) Clients() int {
	return int(h.count.Load())
}

// Broadcast は msg を全クライアントに送ります。Hub の停止後は何もしません。
func (h *Hub) Broadcast(msg []byte) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	}
}

// BroadcastStatus はステータス変更イベントを配信します。
func (h *Hub) BroadcastStatus(id uint, status types.CrawlStatus) {
	msg, err := json.Marshal(types.StatusEvent{ID: id, Status: status})
	if err != nil {
		h.logger.Error().Err(err).Uint("id", id).Msg("ステータスイベントのJSON変換に失敗しました")
		return
	}
	h.Broadcast(msg)
}

// ServeHTTP は接続を WebSocket にアップグレードしてクライアントとして登録します。
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocketへのアップグレードに失敗しました")
		return
	}
	c := &client{conn: conn, send: make(chan []byte, clientSendSize)}

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

// readPump はクライアントからの切断を検知するためだけに読み続けます。
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		_ = c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
		time.Now().Add(writeWait))
}
