package query

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/shouni/go-crawl-dash/pkg/filters"
	"github.com/shouni/go-crawl-dash/pkg/metrics"
	"github.com/shouni/go-crawl-dash/pkg/types"
)

// DefaultFetchTimeout は、1回の一覧取得に許す時間です。呼び出し元の ctx とは独立して適用されます。
const DefaultFetchTimeout = 15 * time.Second

// ErrSuperseded は、同じビューでより新しいリクエストが発行されたため結果を破棄したことを示します。
var ErrSuperseded = errors.New("query: response superseded by a newer request")

// Fetcher は一覧ページを取得します。*api.Client が満たします。
type Fetcher interface {
	ListURLs(ctx context.Context, page, limit int, f filters.State) (*types.PaginatedURLs, error)
}

// Key はキャッシュのキーです。
type Key struct {
	Page     int
	PageSize int
	Filters  filters.State
}

// String は Key を比較可能な文字列にします。フィルタは正規化済みのクエリ文字列として含まれます。
func (k Key) String() string {
	return fmt.Sprintf("page=%d&limit=%d&%s", k.Page, k.PageSize, k.Filters.Key())
}

// Result は Get の結果です。
type Result struct {
	Key  Key
	Data *types.PaginatedURLs
	// Stale はキャッシュ済みの古いデータを返したことを示します。裏で再取得が走っています。
	Stale bool
	Seq   uint64
}

// RefreshFunc は、裏の再取得が完了し、その結果がまだビューの最新リクエストである場合に呼ばれます。
type RefreshFunc func(view string, res Result, err error)

type entry struct {
	data *types.PaginatedURLs
}

// Option は Cache の任意設定です。
type Option func(*Cache)

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Cache) { c.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

func WithRefreshHook(fn RefreshFunc) Option {
	return func(c *Cache) { c.onRefresh = fn }
}

func WithFetchTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

// Cache は一覧ページのキャッシュです。ダッシュボードのセッションごとに1つ生成して使います。
//
// 同じキーへの同時リクエストは1本にまとめられます。ビューごとに最新リクエストの番号を記録し、
// それより古いリクエストの結果はビューに渡しません。
type Cache struct {
	fetcher      Fetcher
	group        singleflight.Group
	metrics      *metrics.Collector
	logger       zerolog.Logger
	onRefresh    RefreshFunc
	fetchTimeout time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	latest  map[string]uint64
	seq     uint64
	// gen は Invalidate のたびに増えます。取得中に無効化された結果は保存しません。
	gen uint64

	wg sync.WaitGroup
}

// New は Cache を生成します。
func New(fetcher Fetcher, opts ...Option) *Cache {
	c := &Cache{
		fetcher:      fetcher,
		logger:       log.With().Str("component", "query").Logger(),
		fetchTimeout: DefaultFetchTimeout,
		entries:      make(map[string]*entry),
		latest:       make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Begin は view の新しいリクエスト番号を発行し、その view の最新として記録します。
// 要求の順序を保つため、呼び出し元は要求を受け付けた時点で同期的に呼び、番号を Fetch に渡します。
func (c *Cache) Begin(view string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.latest[view] = c.seq
	return c.seq
}

// Get は Begin で番号を発行して Fetch します。
func (c *Cache) Get(ctx context.Context, view string, key Key) (Result, error) {
	return c.Fetch(ctx, view, key, c.Begin(view))
}

// Fetch は、Begin で発行した seq のリクエストとして key のページを返します。
// キャッシュにあれば Stale=true で即座に返し、裏で再取得します。なければ取得が終わるまで待ちます。
// 待っている間に同じ view でより新しい番号が発行された場合は ErrSuperseded を返します。
// 取得に失敗した場合も Result の Key と Seq は設定されます。
func (c *Cache) Fetch(ctx context.Context, view string, key Key, seq uint64) (Result, error) {
	c.mu.Lock()
	e, ok := c.entries[key.String()]
	var cached *types.PaginatedURLs
	if ok {
		cached = e.data.Clone()
	}
	c.mu.Unlock()

	if ok {
		c.metrics.CacheHit()
		c.wg.Add(1)
		go c.refresh(view, key, seq)
		return Result{Key: key, Data: cached, Stale: true, Seq: seq}, nil
	}

	c.metrics.CacheMiss()
	data, err := c.load(ctx, key)
	if !c.isLatest(view, seq) {
		c.metrics.StaleDiscarded()
		c.logger.Debug().Str("view", view).Str("key", key.String()).Msg("古いレスポンスを破棄しました")
		return Result{}, ErrSuperseded
	}
	if err != nil {
		return Result{Key: key, Seq: seq}, err
	}
	return Result{Key: key, Data: data, Seq: seq}, nil
}

func (c *Cache) refresh(view string, key Key, seq uint64) {
	defer c.wg.Done()

	data, err := c.load(context.Background(), key)
	if !c.isLatest(view, seq) {
		c.metrics.StaleDiscarded()
		return
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("view", view).Str("key", key.String()).Msg("キャッシュの再取得に失敗しました")
	}
	if c.onRefresh != nil {
		c.onRefresh(view, Result{Key: key, Data: data, Seq: seq}, err)
	}
}

// load は key のページを取得してキャッシュに保存します。同じキーの取得は singleflight でまとめます。
// 返すデータは呼び出し元専用のコピーです。
func (c *Cache) load(ctx context.Context, key Key) (*types.PaginatedURLs, error) {
	k := key.String()

	ch := c.group.DoChan(k, func() (any, error) {
		c.mu.Lock()
		gen := c.gen
		c.mu.Unlock()

		// 共有される取得なので、最初の呼び出し元の ctx に引きずられないようにする
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()

		data, err := c.fetcher.ListURLs(fetchCtx, key.Page, key.PageSize, key.Filters)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if c.gen == gen {
			c.entries[k] = &entry{data: data.Clone()}
		}
		c.mu.Unlock()
		return data, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*types.PaginatedURLs).Clone(), nil
	}
}

func (c *Cache) isLatest(view string, seq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest[view] == seq
}

// Peek はキャッシュ済みのページをコピーで返します。再取得は行いません。
func (c *Cache) Peek(key Key) (*types.PaginatedURLs, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.String()]
	if !ok {
		return nil, false
	}
	return e.data.Clone(), true
}

// Len はキャッシュ済みのページ数を返します。
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// ApplyStatus は、ev.ID の行を含むすべてのキャッシュ済みページのステータスを書き換えます。
// 書き換えたページ数を返します。
func (c *Cache) ApplyStatus(ev types.StatusEvent) int {
	return c.patch(ev.ID, func(rec *types.URLRecord) {
		rec.Status = ev.Status
	})
}

// ApplyRecord は、rec.ID の行を含むすべてのキャッシュ済みページの行を rec で置き換えます。
func (c *Cache) ApplyRecord(rec types.URLRecord) int {
	return c.patch(rec.ID, func(row *types.URLRecord) {
		*row = rec
		if rec.CrawledAt != nil {
			t := *rec.CrawledAt
			row.CrawledAt = &t
		}
	})
}

func (c *Cache) patch(id uint, apply func(*types.URLRecord)) int {
	c.mu.Lock()
	patched := 0
	for _, e := range c.entries {
		idx := e.data.IndexOf(id)
		if idx < 0 {
			continue
		}
		apply(&e.data.Data[idx])
		patched++
	}
	c.mu.Unlock()

	c.metrics.Patched(patched)
	return patched
}

// Remove は、ids の行をキャッシュ済みのすべてのページから取り除き、ページ情報の件数を減らします。
// 取り除いた行の数を返します。
func (c *Cache) Remove(ids []uint) int {
	if len(ids) == 0 {
		return 0
	}
	drop := make(map[uint]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, e := range c.entries {
		kept := e.data.Data[:0]
		n := 0
		for _, rec := range e.data.Data {
			if _, ok := drop[rec.ID]; ok {
				n++
				continue
			}
			kept = append(kept, rec)
		}
		if n == 0 {
			continue
		}
		e.data.Data = kept
		p := e.data.Pagination
		e.data.Pagination = types.NewPagination(p.CurrentPage, p.PageSize, p.TotalItems-n)
		removed += n
	}
	return removed
}

// Invalidate はキャッシュをすべて破棄します。URL の追加後など、どのページが変わったか分からない場合に使います。
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.gen++
	c.mu.Unlock()
	c.logger.Debug().Msg("キャッシュを破棄しました")
}

// Wait は裏で走っている再取得がすべて終わるまで待ちます。
func (c *Cache) Wait() {
	c.wg.Wait()
}
