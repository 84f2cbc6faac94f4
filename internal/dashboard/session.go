package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shouni/go-crawl-dash/pkg/api"
	"github.com/shouni/go-crawl-dash/pkg/filters"
	"github.com/shouni/go-crawl-dash/pkg/live"
	"github.com/shouni/go-crawl-dash/pkg/metrics"
	"github.com/shouni/go-crawl-dash/pkg/query"
	"github.com/shouni/go-crawl-dash/pkg/types"
	"github.com/shouni/go-crawl-dash/pkg/view"
)

// DefaultDebounce は、フィルタ変更から一覧の再取得までの待ち時間です。
const DefaultDebounce = 300 * time.Millisecond

// tableView は一覧表のビュー名です。キャッシュのリクエスト番号はビューごとに管理されます。
const tableView = "table"

// Client はセッションが使うバックエンド操作です。*api.Client が満たします。
type Client interface {
	query.Fetcher
	GetURL(ctx context.Context, id uint) (*types.URLRecord, error)
	CreateURL(ctx context.Context, rawURL string) (*types.URLRecord, error)
	BulkDelete(ctx context.Context, ids []uint) error
}

// Snapshot はある時点の表示状態です。
type Snapshot struct {
	Filters  filters.State
	Page     int
	PageSize int
	Data     *types.PaginatedURLs
	// Loading は表示できるデータが無いまま取得中であることを示します。
	Loading bool
	// Stale は古いデータを表示しながら再取得中であることを示します。
	Stale bool
	Err   error
	Live  live.State
}

// Option は Session の任意設定です。
type Option func(*Session)

func WithDebounce(d time.Duration) Option {
	return func(s *Session) { s.debounce = d }
}

// WithPageSize は初期のページサイズを設定します。選択肢に無い値は無視します。
func WithPageSize(n int) Option {
	return func(s *Session) {
		if types.IsValidPageSize(n) {
			s.pageSize = n
		}
	}
}

func WithNotifier(n *view.Notifier) Option {
	return func(s *Session) { s.notifier = n }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(s *Session) { s.metrics = m }
}

// WithOnChange は表示状態が変わるたびに呼ばれる関数を設定します。呼び出しは直列化されます。
func WithOnChange(fn func(Snapshot)) Option {
	return func(s *Session) { s.onChange = fn }
}

// Session はダッシュボード1画面分の状態です。
// フィルタの変更は Reduce で適用し、デバウンス後にキャッシュ経由で一覧を取得します。
// ライブ通知を受けると対象のレコードを取得し直し、キャッシュ中の該当行を更新します。
type Session struct {
	id       string
	client   Client
	cache    *query.Cache
	notifier *view.Notifier
	metrics  *metrics.Collector
	logger   zerolog.Logger
	debounce time.Duration
	onChange func(Snapshot)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	emitMu sync.Mutex

	mu        sync.Mutex
	state     filters.State
	page      int
	pageSize  int
	data      *types.PaginatedURLs
	loading   bool
	stale     bool
	lastErr   error
	liveState live.State
	timer     *time.Timer
	closed    bool
	// applied は最後に反映した結果の順位です。seq*2 に、最新データなら1を足した値です。
	// 同じ seq でも裏の再取得の結果はキャッシュのコピーより優先されます。
	applied uint64
}

// New はセッションを生成します。一覧の取得は Refresh か Dispatch を呼ぶまで行いません。
func New(ctx context.Context, client Client, opts ...Option) *Session {
	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:        uuid.NewString(),
		client:    client,
		debounce:  DefaultDebounce,
		ctx:       sctx,
		cancel:    cancel,
		state:     filters.Default(),
		page:      1,
		pageSize:  types.DefaultPageSize,
		liveState: live.StateConnecting,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.notifier == nil {
		s.notifier = view.NewNotifier(nil)
	}
	s.logger = log.With().Str("component", "dashboard").Str("session", s.id).Logger()
	s.cache = query.New(client,
		query.WithMetrics(s.metrics),
		query.WithLogger(s.logger),
		query.WithRefreshHook(s.onRefresh),
	)
	return s
}

// ID はセッションの識別子です。ログの突き合わせに使います。
func (s *Session) ID() string { return s.id }

// Cache はセッションが所有するキャッシュを返します。
func (s *Session) Cache() *query.Cache { return s.cache }

// Notifier は通知の出力先を返します。
func (s *Session) Notifier() *view.Notifier { return s.notifier }

// Snapshot は現在の表示状態を返します。
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		Filters:  s.state,
		Page:     s.page,
		PageSize: s.pageSize,
		Data:     s.data.Clone(),
		Loading:  s.loading,
		Stale:    s.stale,
		Err:      s.lastErr,
		Live:     s.liveState,
	}
}

func (s *Session) emit() {
	if s.onChange == nil {
		return
	}
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.onChange(s.Snapshot())
}

func (s *Session) keyLocked() query.Key {
	return query.Key{Page: s.page, PageSize: s.pageSize, Filters: s.state}
}

// --- フィルタとページ操作 ---

// Dispatch はフィルタ操作を適用します。フィルタが変わった場合はページを1に戻します。
// 一覧の再取得はデバウンスされ、連続した操作は最後の1回にまとめられます。
func (s *Session) Dispatch(a filters.Action) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	next := filters.Reduce(s.state, a)
	if next.Equal(s.state) {
		s.mu.Unlock()
		return
	}
	s.state = next
	if filters.IsFilterChange(a) {
		s.page = 1
	}
	s.scheduleLocked()
	s.mu.Unlock()

	s.emit()
}

func (s *Session) scheduleLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	if s.debounce <= 0 {
		s.timer = nil
		go s.load()
		return
	}
	s.timer = time.AfterFunc(s.debounce, s.load)
}

// SetPage はページを移動して即座に取得します。
func (s *Session) SetPage(n int) error {
	s.mu.Lock()
	total := 0
	if s.data != nil {
		total = s.data.Pagination.TotalPages
	}
	if n < 1 || (total > 0 && n > total) {
		s.mu.Unlock()
		return &api.ValidationError{Field: "page", Value: fmt.Sprint(n), Reason: fmt.Sprintf("ページは 1 から %d の範囲で指定してください", max(total, 1))}
	}
	s.page = n
	s.mu.Unlock()

	s.load()
	return nil
}

// SetPageSize はページサイズを変更し、1ページ目を取得します。
func (s *Session) SetPageSize(n int) error {
	if !types.IsValidPageSize(n) {
		return &api.ValidationError{Field: "pageSize", Value: fmt.Sprint(n), Reason: fmt.Sprintf("ページサイズは %v のいずれかにしてください", types.PageSizes)}
	}
	s.mu.Lock()
	s.pageSize = n
	s.page = 1
	s.mu.Unlock()

	s.load()
	return nil
}

// Refresh は現在の条件で即座に取得します。
func (s *Session) Refresh() {
	s.load()
}

// load は現在のキーでキャッシュから取得します。結果は別ゴルーチンで反映されます。
// リクエスト番号はロック中に発行するので、後から呼んだ load の結果が常に優先されます。
func (s *Session) load() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	key := s.keyLocked()
	seq := s.cache.Begin(tableView)
	if _, cached := s.cache.Peek(key); !cached {
		s.loading = true
	}
	s.wg.Add(1)
	s.mu.Unlock()
	s.emit()

	go func() {
		defer s.wg.Done()
		res, err := s.cache.Fetch(s.ctx, tableView, key, seq)
		if errors.Is(err, query.ErrSuperseded) {
			return
		}
		if err != nil && s.ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		ok := s.applyLocked(res, err)
		if ok && err != nil {
			s.lastErr = err
		}
		s.mu.Unlock()
		if !ok {
			s.logger.Debug().Str("key", key.String()).Uint64("seq", seq).Msg("古い一覧の結果を破棄しました")
			return
		}

		if err != nil {
			s.logger.Warn().Err(err).Str("key", key.String()).Msg("一覧の取得に失敗しました")
			s.notifier.Error("一覧の取得", err)
		}
		s.emit()
	}()
}

// onRefresh は裏での再取得の結果を反映します。失敗した場合は表示中のデータを残します。
func (s *Session) onRefresh(_ string, res query.Result, err error) {
	s.mu.Lock()
	ok := s.applyLocked(res, err)
	s.mu.Unlock()
	if ok {
		s.emit()
	}
}

// applyLocked は、res が現在のキーに対するもので、反映済みの結果より新しい場合だけ表示状態に反映します。
func (s *Session) applyLocked(res query.Result, err error) bool {
	if res.Key.String() != s.keyLocked().String() {
		return false
	}
	rank := res.Seq * 2
	if !res.Stale {
		rank++
	}
	if rank <= s.applied {
		return false
	}
	s.applied = rank
	s.loading = false
	s.stale = res.Stale
	if err == nil {
		s.data = res.Data
		s.lastErr = nil
	}
	return true
}

// syncFromCache は、キャッシュ上で更新された現在のページを表示状態に反映します。
func (s *Session) syncFromCache() {
	s.mu.Lock()
	p, ok := s.cache.Peek(s.keyLocked())
	if ok {
		s.data = p
	}
	s.mu.Unlock()
	if ok {
		s.emit()
	}
}

// --- ライブ更新 ---

// SetLiveState はライブチャネルの状態を記録します。live.WithStateHook に渡して使います。
func (s *Session) SetLiveState(st live.State) {
	s.mu.Lock()
	prev := s.liveState
	s.liveState = st
	s.mu.Unlock()

	if st == live.StateOpen && prev == live.StateConnecting {
		s.notifier.Info("ライブ更新に接続しました")
	}
	if st == live.StateClosed && prev == live.StateOpen {
		s.notifier.Info("ライブ更新が切断されました。再接続します")
	}
	s.emit()
}

// HandleEvent はステータス変更通知を反映します。
// 通知の内容は信用せずにレコードを取得し直し、キャッシュ中の該当行をすべて置き換えます。
// レコードが既に削除されていた場合は何もしません。
func (s *Session) HandleEvent(ctx context.Context, ev types.StatusEvent) {
	rec, err := s.client.GetURL(ctx, ev.ID)
	var patched int
	switch {
	case err == nil:
		patched = s.cache.ApplyRecord(*rec)
	case api.IsNotFound(err):
		s.logger.Debug().Uint("id", ev.ID).Msg("削除済みのレコードへの通知を無視しました")
		return
	case ctx.Err() != nil:
		return
	default:
		// 取得できない場合は通知されたステータスだけ反映する
		s.logger.Warn().Err(err).Uint("id", ev.ID).Msg("通知されたレコードの再取得に失敗しました")
		patched = s.cache.ApplyStatus(ev)
	}

	if patched > 0 {
		s.syncFromCache()
	}
}

// RunLive は ch のイベントをチャネルが閉じるまで処理します。
func (s *Session) RunLive(ctx context.Context, ch *live.Channel) {
	for ev := range ch.Events() {
		s.HandleEvent(ctx, ev)
	}
}

// --- 変更操作 ---

// Add は URL を登録し、キャッシュを破棄して一覧を取り直します。
func (s *Session) Add(ctx context.Context, rawURL string) (*types.URLRecord, error) {
	rec, err := s.client.CreateURL(ctx, rawURL)
	if err != nil {
		s.notifier.Error("URLの追加", err)
		return nil, err
	}
	s.notifier.Success("URLを追加しました: %s", rec.URL)
	s.cache.Invalidate()
	s.load()
	return rec, nil
}

// DeleteSelected は選択した URL をまとめて削除し、キャッシュ中のページから取り除きます。
func (s *Session) DeleteSelected(ctx context.Context, ids []uint) error {
	if err := s.client.BulkDelete(ctx, ids); err != nil {
		s.notifier.Error("URLの削除", err)
		return err
	}
	removed := s.cache.Remove(ids)
	s.logger.Debug().Int("removed_rows", removed).Msg("削除した行をキャッシュから取り除きました")
	s.notifier.Success("%d件のURLを削除しました", len(ids))
	s.syncFromCache()
	return nil
}

// Close は保留中の取得を止め、実行中の取得が終わるまで待ちます。
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.cache.Wait()
}
