// Package mockapi は、クロールバックエンドの REST API と WebSocket 通知をメモリ上で再現するサーバーです。
// ローカルでの動作確認とテストに使います。
package mockapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shouni/go-crawl-dash/pkg/api"
	"github.com/shouni/go-crawl-dash/pkg/filters"
	"github.com/shouni/go-crawl-dash/pkg/metrics"
	"github.com/shouni/go-crawl-dash/pkg/types"
)

const (
	// BasePath は REST API のパスの接頭辞です。
	BasePath = "/api/v1"
	// WSPath は WebSocket のパスです。
	WSPath = "/ws"

	DefaultScanDuration = 2 * time.Second
	defaultPage         = 1
	defaultLimit        = 10
)

var (
	errNotFound      = errors.New("record not found")
	errAlreadyExists = errors.New("url already exists")
	errScanRunning   = errors.New("scan already in progress")
	errNoActiveScan  = errors.New("no active scan found to cancel")
)

// Option は Server の任意設定です。
type Option func(*Server)

// WithAPIKey は X-API-Key ヘッダーで要求するキーを設定します。空なら検査しません。
func WithAPIKey(key string) Option {
	return func(s *Server) { s.apiKey = key }
}

// WithScanDuration は、スキャン開始から完了までの時間を設定します。
func WithScanDuration(d time.Duration) Option {
	return func(s *Server) { s.scanDuration = d }
}

// WithClock は現在時刻の取得方法を差し替えます。
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithAnalyzer を指定すると、スキャンで実際にページを取得して解析します。
func WithAnalyzer(a PageAnalyzer) Option {
	return func(s *Server) { s.analyzer = a }
}

// WithMetrics はリクエストの計測先を設定します。
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Server) { s.metrics = m }
}

// Server はメモリ上のクロールバックエンドです。
type Server struct {
	apiKey       string
	scanDuration time.Duration
	now          func() time.Time
	logger       zerolog.Logger
	metrics      *metrics.Collector
	analyzer     PageAnalyzer
	hub          *Hub

	mu      sync.Mutex
	records map[uint]*types.URLRecord
	byURL   map[string]uint
	nextID  uint
	scans   map[uint]chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New は Server を生成し、WebSocket の配信を開始します。使い終わったら Close を呼んでください。
func New(opts ...Option) *Server {
	s := &Server{
		scanDuration: DefaultScanDuration,
		now:          time.Now,
		logger:       log.With().Str("component", "mockapi").Logger(),
		records:      make(map[uint]*types.URLRecord),
		byURL:        make(map[string]uint),
		nextID:       1,
		scans:        make(map[uint]chan struct{}),
		stop:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = newHub(s.logger)
	go s.hub.run(s.stop)
	return s
}

// Hub は WebSocket の配信を担う Hub を返します。
func (s *Server) Hub() *Hub {
	return s.hub
}

// Close は実行中のスキャンを止め、WebSocket の配信を終了します。
func (s *Server) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.wg.Wait()
	<-s.hub.done
}

// Handler は REST API と WebSocket のルーティングを返します。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST "+BasePath+"/urls", s.auth(s.handleCreate))
	mux.Handle("GET "+BasePath+"/urls", s.auth(s.handleList))
	mux.Handle("GET "+BasePath+"/urls/{id}", s.auth(s.handleGet))
	mux.Handle("DELETE "+BasePath+"/urls/{id}", s.auth(s.handleDelete))
	mux.Handle("POST "+BasePath+"/urls/{id}/scan", s.auth(s.handleScan))
	mux.Handle("POST "+BasePath+"/urls/{id}/cancel-scan", s.auth(s.handleCancel))
	mux.Handle("POST "+BasePath+"/urls/bulk-delete", s.auth(s.handleBulkDelete))
	mux.Handle("POST "+BasePath+"/urls/bulk-scan", s.auth(s.handleBulkScan))
	mux.Handle("GET "+WSPath, s.hub)
	return s.logRequests(mux)
}

// --- ミドルウェア ---

func (s *Server) auth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" && r.Header.Get(api.APIKeyHeader) != s.apiKey {
			writeError(w, http.StatusUnauthorized,
				"Unauthorized: Invalid API Key",
				"Please provide a valid API Key in the request header.")
			return
		}
		next(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// WebSocket のアップグレードには Hijacker が必要なのでラップしない
		if r.URL.Path == WSPath {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.ObserveRequest(route, rec.status, elapsed)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", elapsed).
			Msg("request")
	})
}

// --- レスポンス ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("JSONレスポンスの書き込みに失敗しました")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, types.ErrorPayload{Error: code, Message: message})
}

type messageBody struct {
	Message string `json:"message"`
}

func writeMessage(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusOK, messageBody{Message: message})
}

func pathID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	raw := r.PathValue("id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid id %q", raw), "Invalid URL ID")
		return 0, false
	}
	return uint(id), true
}

// --- ストア操作 ---

// Add は URL を登録します。同じ URL が既にあれば errAlreadyExists を返します。
func (s *Server) Add(rawURL string) (types.URLRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byURL[rawURL]; ok {
		return types.URLRecord{}, errAlreadyExists
	}
	now := s.now().UTC()
	rec := &types.URLRecord{
		ID:        s.nextID,
		URL:       rawURL,
		Status:    types.StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.records[rec.ID] = rec
	s.byURL[rawURL] = rec.ID
	s.nextID++
	return *rec, nil
}

// Put はレコードをそのまま保存します。テストデータの投入に使います。ID が 0 なら採番します。
func (s *Server) Put(rec types.URLRecord) types.URLRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == 0 {
		rec.ID = s.nextID
	}
	if rec.ID >= s.nextID {
		s.nextID = rec.ID + 1
	}
	if old, ok := s.records[rec.ID]; ok {
		delete(s.byURL, old.URL)
	}
	stored := rec
	s.records[rec.ID] = &stored
	s.byURL[rec.URL] = rec.ID
	return rec
}

// Record は ID のレコードを返します。
func (s *Server) Record(id uint) (types.URLRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return types.URLRecord{}, false
	}
	return *rec, true
}

// SetStatus はステータスを更新し、WebSocket で通知します。
func (s *Server) SetStatus(id uint, status types.CrawlStatus) error {
	s.mu.Lock()
	rec, ok := s.records[id]
	if ok {
		rec.Status = status
		rec.UpdatedAt = s.now().UTC()
	}
	s.mu.Unlock()

	if !ok {
		return errNotFound
	}
	s.hub.BroadcastStatus(id, status)
	return nil
}

// query は条件に一致するレコードをソートして返します。
func (s *Server) query(f filters.State) []types.URLRecord {
	s.mu.Lock()
	ids := make([]uint, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]types.URLRecord, 0, len(ids))
	for _, id := range ids {
		rec := *s.records[id]
		if filters.Matches(f, rec) {
			out = append(out, rec)
		}
	}
	s.mu.Unlock()

	filters.Sort(out, f.SortBy, f.SortOrder)
	return out
}

func (s *Server) remove(ids []uint) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, id := range ids {
		rec, ok := s.records[id]
		if !ok {
			continue
		}
		if ch, running := s.scans[id]; running {
			close(ch)
			delete(s.scans, id)
		}
		delete(s.byURL, rec.URL)
		delete(s.records, id)
		n++
	}
	return n
}

// --- ハンドラ ---

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "Invalid URL format or missing required field")
		return
	}
	normalized, err := api.ValidateTargetURL(body.URL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "Invalid URL format or missing required field")
		return
	}

	rec, err := s.Add(normalized)
	if errors.Is(err, errAlreadyExists) {
		writeError(w, http.StatusConflict, err.Error(), "URL already exists")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "Failed to create URL")
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func queryInt(q url.Values, key string, def int) int {
	n, err := strconv.Atoi(q.Get(key))
	if err != nil || n < 1 {
		return def
	}
	return n
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := queryInt(q, "page", defaultPage)
	limit := queryInt(q, "limit", defaultLimit)

	matched := s.query(filters.Decode(q))
	p := types.NewPagination(page, limit, len(matched))

	data := []types.URLRecord{}
	if p.TotalPages > 0 {
		start := (p.CurrentPage - 1) * p.PageSize
		end := start + p.PageSize
		if end > len(matched) {
			end = len(matched)
		}
		data = matched[start:end]
	}
	writeJSON(w, http.StatusOK, types.PaginatedURLs{Data: data, Pagination: p})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rec, found := s.Record(id)
	if !found {
		writeError(w, http.StatusNotFound, errNotFound.Error(), "URL not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if s.remove([]uint{id}) == 0 {
		writeError(w, http.StatusNotFound, errNotFound.Error(), "URL not found")
		return
	}
	writeMessage(w, "URL deleted successfully")
}

type idsBody struct {
	IDs []uint `json:"ids"`
}

func decodeIDs(w http.ResponseWriter, r *http.Request) ([]uint, bool) {
	var body idsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.IDs == nil {
		msg := "ids is required"
		if err != nil {
			msg = err.Error()
		}
		writeError(w, http.StatusBadRequest, msg, "Invalid request body")
		return nil, false
	}
	return body.IDs, true
}

func (s *Server) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	ids, ok := decodeIDs(w, r)
	if !ok {
		return
	}
	if s.remove(ids) == 0 && len(ids) > 0 {
		writeError(w, http.StatusNotFound, "no_urls_found_for_deletion", "None of the provided URLs were found to delete.")
		return
	}
	writeMessage(w, "URLs deleted successfully")
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	switch err := s.startScan(id); {
	case errors.Is(err, errNotFound):
		writeError(w, http.StatusNotFound, err.Error(), "URL not found")
	case errors.Is(err, errScanRunning):
		writeError(w, http.StatusConflict, err.Error(), "Scan already in progress")
	default:
		writeMessage(w, "Scan started successfully")
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	switch err := s.cancelScan(id); {
	case errors.Is(err, errNotFound):
		writeError(w, http.StatusNotFound, err.Error(), "URL not found")
	case errors.Is(err, errNoActiveScan):
		writeError(w, http.StatusConflict, err.Error(), "No active scan to cancel")
	default:
		writeMessage(w, "Scan cancelled successfully")
	}
}

func (s *Server) handleBulkScan(w http.ResponseWriter, r *http.Request) {
	ids, ok := decodeIDs(w, r)
	if !ok {
		return
	}
	started := 0
	for _, id := range ids {
		// 実行中のものは飛ばす
		if err := s.startScan(id); err == nil {
			started++
		}
	}
	if started == 0 && len(ids) > 0 {
		writeError(w, http.StatusNotFound, "no_urls_found_for_scan", "None of the provided URLs could be scanned.")
		return
	}
	writeMessage(w, fmt.Sprintf("%d scans started successfully", started))
}
