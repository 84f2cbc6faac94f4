package view

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/shouni/go-crawl-dash/pkg/api"
)

// DefaultNotificationTTL は通知を表示し続ける時間です。
const DefaultNotificationTTL = 5 * time.Second

const maxNotifications = 20

type Level int

const (
	LevelInfo Level = iota
	LevelSuccess
	LevelError
)

func (l Level) symbol() string {
	switch l {
	case LevelSuccess:
		return colorGreen("✔")
	case LevelError:
		return colorRed("✖")
	default:
		return colorCyan("ℹ")
	}
}

// Notification は一時的に表示する通知です。
type Notification struct {
	Level   Level
	Message string
	At      time.Time
}

func (n Notification) String() string {
	return n.Level.symbol() + " " + n.Message
}

// Notifier は成功・失敗の通知を w に書き出し、直近の通知を一定時間保持します。
type Notifier struct {
	mu     sync.Mutex
	w      io.Writer
	ttl    time.Duration
	now    func() time.Time
	recent []Notification
}

// NewNotifier は Notifier を生成します。w が nil の場合は書き出さずに保持だけします。
func NewNotifier(w io.Writer) *Notifier {
	return &Notifier{w: w, ttl: DefaultNotificationTTL, now: time.Now}
}

func (n *Notifier) push(level Level, msg string) Notification {
	n.mu.Lock()
	defer n.mu.Unlock()

	item := Notification{Level: level, Message: msg, At: n.now()}
	n.recent = append(n.recent, item)
	if len(n.recent) > maxNotifications {
		n.recent = n.recent[len(n.recent)-maxNotifications:]
	}
	if n.w != nil {
		fmt.Fprintln(n.w, item.String())
	}
	return item
}

// Info は情報通知を出します。
func (n *Notifier) Info(format string, args ...any) {
	n.push(LevelInfo, fmt.Sprintf(format, args...))
}

// Success は成功通知を出します。
func (n *Notifier) Success(format string, args ...any) {
	n.push(LevelSuccess, fmt.Sprintf(format, args...))
}

// Error は失敗通知を出します。
// サーバーが返したメッセージはそのまま表示し、通信エラーは汎用の文言にします。
func (n *Notifier) Error(action string, err error) Notification {
	msg := api.UserMessage(err)
	if action != "" {
		msg = action + ": " + msg
	}
	return n.push(LevelError, msg)
}

// Active は表示期限内の通知を古い順に返します。
func (n *Notifier) Active() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()

	cutoff := n.now().Add(-n.ttl)
	out := make([]Notification, 0, len(n.recent))
	for _, item := range n.recent {
		if item.At.After(cutoff) {
			out = append(out, item)
		}
	}
	return out
}
