package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/shouni/go-crawl-dash/internal/dashboard"
	"github.com/shouni/go-crawl-dash/pkg/filters"
	"github.com/shouni/go-crawl-dash/pkg/live"
	"github.com/shouni/go-crawl-dash/pkg/metrics"
	"github.com/shouni/go-crawl-dash/pkg/retry"
	"github.com/shouni/go-crawl-dash/pkg/view"
)

const clearScreen = "\033[H\033[2J"

var (
	watchFlags       = newFilterFlags()
	watchMetricsAddr string
	watchNoClear     bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "一覧を表示し、ライブ更新を受けて再描画し続けます",
	Long: `一覧を表示し、WebSocket のステータス通知を受けるたびに該当行を更新します。
標準入力から1行ずつ操作を受け付けます (help で一覧を表示)。`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchFlags.register(watchCmd)
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Prometheus メトリクスを公開するアドレス (例: :9090)")
	watchCmd.Flags().BoolVar(&watchNoClear, "no-clear", false, "再描画のたびに画面を消去しない")
}

func runWatch(cmd *cobra.Command, args []string) error {
	acts, err := watchFlags.actions(cmd)
	if err != nil {
		return err
	}
	size, err := watchFlags.resolvePageSize(globalConfig.Dashboard.PageSize)
	if err != nil {
		return err
	}

	collector := metrics.New()
	client, err := newAPIClient(globalConfig, collector)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if watchMetricsAddr != "" {
		shutdown := serveMetrics(watchMetricsAddr, collector)
		defer shutdown()
	}

	out := cmd.OutOrStdout()
	notifier := view.NewNotifier(nil)
	scr := &screen{w: out, notifier: notifier, clear: !watchNoClear}

	session := dashboard.New(ctx, client,
		dashboard.WithDebounce(globalConfig.Dashboard.Debounce),
		dashboard.WithPageSize(size),
		dashboard.WithNotifier(notifier),
		dashboard.WithMetrics(collector),
		dashboard.WithOnChange(scr.render),
	)
	defer session.Close()
	log.Debug().Str("session", session.ID()).Msg("ダッシュボードを開始します")

	for _, a := range acts {
		session.Dispatch(a)
	}
	if watchFlags.page > 1 {
		if err := session.SetPage(watchFlags.page); err != nil {
			return err
		}
	} else if len(acts) == 0 {
		session.Refresh()
	}

	reconnect := retry.DefaultConfig()
	reconnect.InitialInterval = globalConfig.Live.ReconnectInitial
	reconnect.MaxInterval = globalConfig.Live.ReconnectMax
	ch := live.New(live.Config{
		URL:         globalConfig.Live.URL,
		APIKey:      globalConfig.API.Key,
		Reconnect:   reconnect,
		MaxAttempts: globalConfig.Live.MaxAttempts,
	},
		live.WithMetrics(collector),
		live.WithStateHook(session.SetLiveState),
	)

	liveDone := make(chan error, 1)
	go func() {
		liveDone <- ch.Run(ctx)
	}()
	go session.RunLive(ctx, ch)

	inputDone := make(chan error, 1)
	go func() {
		quit, err := readCommands(ctx, cmd.InOrStdin(), session, func() {
			scr.render(session.Snapshot())
		})
		// 入力が閉じただけなら表示を続ける
		if quit || err != nil {
			inputDone <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-inputDone:
		if err != nil {
			return err
		}
	case err := <-liveDone:
		if errors.Is(err, live.ErrGaveUp) {
			return fmt.Errorf("ライブ更新に接続できませんでした: %w", err)
		}
	}
	return nil
}

// serveMetrics はメトリクス用のHTTPサーバーを起動し、停止用の関数を返します。
func serveMetrics(addr string, collector *metrics.Collector) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info().Str("addr", addr).Msg("メトリクスを公開します")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("メトリクスサーバーが停止しました")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// --- 描画 ---

// screen はスナップショットを端末に描画します。
type screen struct {
	mu       sync.Mutex
	w        io.Writer
	notifier *view.Notifier
	clear    bool
}

func (s *screen) render(snap dashboard.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clear {
		fmt.Fprint(s.w, clearScreen)
	}
	if err := renderSnapshot(s.w, snap, s.notifier.Active()); err != nil {
		log.Warn().Err(err).Msg("画面の描画に失敗しました")
	}
}

func liveLabel(st live.State) string {
	switch st {
	case live.StateOpen:
		return color.GreenString("● ライブ")
	case live.StateConnecting:
		return color.YellowString("○ 接続中")
	default:
		return color.RedString("○ 切断")
	}
}

// renderSnapshot はヘッダー、一覧、ステータス内訳、通知の順に描画します。
func renderSnapshot(w io.Writer, snap dashboard.Snapshot, notes []view.Notification) error {
	cond := snap.Filters.Key()
	if cond == "" {
		cond = "(なし)"
	}
	fmt.Fprintf(w, "%s  条件: %s\n", liveLabel(snap.Live), cond)

	switch {
	case snap.Data == nil && snap.Loading:
		fmt.Fprintln(w, "読み込み中...")
	case snap.Data == nil:
		fmt.Fprintln(w, "データがありません。")
	default:
		if snap.Stale {
			fmt.Fprintln(w, "(更新中)")
		}
		if err := view.RenderTable(w, snap.Data); err != nil {
			return err
		}
		if len(snap.Data.Data) > 0 {
			fmt.Fprintln(w)
			if err := view.RenderStatusSummary(w, snap.Data.Data); err != nil {
				return err
			}
		}
	}

	if len(notes) > 0 {
		fmt.Fprintln(w)
		for _, n := range notes {
			fmt.Fprintln(w, n.String())
		}
	}
	return nil
}

// --- 入力 ---

const watchHelp = `操作:
  n / p              次 / 前のページ
  page <n>           ページへ移動
  size <n>           ページサイズを変更
  s <text>           検索 (s だけで解除)
  status <value>     ステータスで絞り込み
  sort <column>      ソート (同じ列で方向を反転)
  reset              絞り込みを解除
  add <url>          URLを追加
  del <id>...        URLを削除
  r                  再取得
  q                  終了`

// readCommands は r から1行ずつ操作を読み、セッションに適用します。
// q を受けた場合は true を返します。EOF では false と nil を返します。
// 1行処理するたびに redraw を呼び、通知を画面に反映させます。
func readCommands(ctx context.Context, r io.Reader, session *dashboard.Session, redraw func()) (bool, error) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return false, nil
		}
		quit, err := applyCommand(ctx, session, sc.Text())
		var done notifiedError
		if err != nil && !errors.As(err, &done) {
			session.Notifier().Error("操作", err)
		}
		if quit {
			return true, nil
		}
		if redraw != nil {
			redraw()
		}
	}
	return false, sc.Err()
}

// notifiedError は、セッションが通知済みのエラーです。readCommands では通知し直しません。
type notifiedError struct{ error }

func (e notifiedError) Unwrap() error { return e.error }

// applyCommand は1行分の操作を適用します。終了する場合は true を返します。
func applyCommand(ctx context.Context, session *dashboard.Session, line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	name, rest := strings.ToLower(fields[0]), fields[1:]
	arg := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), fields[0]))

	snap := session.Snapshot()
	switch name {
	case "q", "quit", "exit":
		return true, nil
	case "help", "?":
		session.Notifier().Info("%s", watchHelp)
	case "n", "next":
		return false, session.SetPage(snap.Page + 1)
	case "p", "prev":
		return false, session.SetPage(snap.Page - 1)
	case "page":
		n, err := singleInt(rest)
		if err != nil {
			return false, err
		}
		return false, session.SetPage(n)
	case "size":
		n, err := singleInt(rest)
		if err != nil {
			return false, err
		}
		return false, session.SetPageSize(n)
	case "s", "search":
		session.Dispatch(filters.SetSearch{Value: arg})
	case "status":
		if err := filters.ValidateChoice("status", arg, statusChoices()); err != nil {
			return false, err
		}
		v := strings.ToLower(arg)
		if v == "" {
			v = filters.All
		}
		session.Dispatch(filters.SetStatus{Value: v})
	case "sort":
		if err := filters.ValidateSortField(arg); err != nil {
			return false, err
		}
		session.Dispatch(filters.SetSort{Field: arg})
	case "reset":
		session.Dispatch(filters.Reset{})
	case "add":
		u, err := ensureScheme(arg)
		if err != nil {
			return false, err
		}
		if _, err := session.Add(ctx, u); err != nil {
			return false, notifiedError{err}
		}
	case "del", "delete":
		ids, err := parseIDs(rest)
		if err != nil {
			return false, err
		}
		if err := session.DeleteSelected(ctx, ids); err != nil {
			return false, notifiedError{err}
		}
	case "r", "refresh":
		session.Refresh()
	default:
		return false, fmt.Errorf("不明な操作です: %q (help で一覧を表示)", fields[0])
	}
	return false, nil
}

func singleInt(args []string) (int, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("数値を1つ指定してください")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("数値を指定してください: %q", args[0])
	}
	return n, nil
}
