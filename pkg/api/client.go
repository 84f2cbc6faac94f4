package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/shouni/go-crawl-dash/pkg/filters"
	"github.com/shouni/go-crawl-dash/pkg/metrics"
	"github.com/shouni/go-crawl-dash/pkg/retry"
	"github.com/shouni/go-crawl-dash/pkg/types"
)

// ----------------------------------------------------------------------
// 定数とインターフェース
// ----------------------------------------------------------------------

const (
	// DefaultHTTPTimeout は、デフォルトのHTTPタイムアウトです。
	DefaultHTTPTimeout = 10 * time.Second
	// MaxBodySize はレスポンスボディの最大読み込みサイズです。
	MaxBodySize = int64(10 * 1024 * 1024)

	// APIKeyHeader は API キーを載せるヘッダー名です。
	APIKeyHeader = "X-API-Key"
	UserAgent    = "crawl-dash/1.0"
)

// Doer は、標準の *http.Client.Do() と互換性のあるHTTPクライアントのインターフェースを定義します。
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client はクローラーAPIの型付きクライアントです。
// 参照系 (GET) は 5xx と通信エラーでリトライしますが、更新系はリトライしません。
type Client struct {
	baseURL     *url.URL
	apiKey      string
	httpClient  Doer
	retryConfig retry.Config
	limiter     *rate.Limiter
	metrics     *metrics.Collector
}

// ----------------------------------------------------------------------
// 設定とコンストラクタ
// ----------------------------------------------------------------------

// ClientOption はClientの設定を行うための関数型です。
type ClientOption func(*Client)

// WithHTTPClient はカスタムのDoerを設定します。
func WithHTTPClient(doer Doer) ClientOption {
	return func(c *Client) {
		c.httpClient = doer
	}
}

// WithMaxRetries は参照系リクエストの最大リトライ回数を設定します。
func WithMaxRetries(max uint64) ClientOption {
	return func(c *Client) {
		c.retryConfig.MaxRetries = max
	}
}

// WithRetryConfig はリトライ設定をまとめて差し替えます。
func WithRetryConfig(cfg retry.Config) ClientOption {
	return func(c *Client) {
		c.retryConfig = cfg
	}
}

// WithRateLimit は、1秒あたりのリクエスト数の上限を設定します。rps が 0 以下なら無制限です。
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithMetrics はリクエストの計測先を設定します。
func WithMetrics(m *metrics.Collector) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// New は新しいClientを初期化します。baseURL は "/urls" の親となるパスです (例: http://host/api/v1)。
func New(baseURL, apiKey string, timeout time.Duration, options ...ClientOption) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("APIベースURLのパースエラー: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("APIベースURLは http(s) の絶対URLである必要があります: %q", baseURL)
	}

	c := &Client{
		baseURL:     u,
		apiKey:      apiKey,
		httpClient:  &http.Client{Timeout: timeout},
		retryConfig: retry.DefaultConfig(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// BaseURL は設定済みのベースURLを返します。
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// ----------------------------------------------------------------------
// 公開API
// ----------------------------------------------------------------------

// ValidateTargetURL は、クロール対象として登録できる絶対URLかを検証します。
func ValidateTargetURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", &ValidationError{Field: "url", Value: raw, Reason: "URLを入力してください"}
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", &ValidationError{Field: "url", Value: raw, Reason: "URLの形式が正しくありません"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", &ValidationError{Field: "url", Value: raw, Reason: "http または https で始まる絶対URLを入力してください"}
	}
	if u.Host == "" || u.Hostname() == "" {
		return "", &ValidationError{Field: "url", Value: raw, Reason: "ホスト名がありません"}
	}
	return trimmed, nil
}

// CreateURL はURLを登録します。送信前に形式を検証します。
func (c *Client) CreateURL(ctx context.Context, rawURL string) (*types.URLRecord, error) {
	target, err := ValidateTargetURL(rawURL)
	if err != nil {
		return nil, err
	}
	var rec types.URLRecord
	if err := c.send(ctx, "create", http.MethodPost, "/urls", nil, map[string]string{"url": target}, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListURLs は絞り込み条件付きで一覧の1ページを取得します。
func (c *Client) ListURLs(ctx context.Context, page, limit int, f filters.State) (*types.PaginatedURLs, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = types.DefaultPageSize
	}
	q := filters.Encode(f)
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))

	var out types.PaginatedURLs
	if err := c.fetch(ctx, "list", "/urls", q, &out); err != nil {
		return nil, err
	}
	if out.Data == nil {
		out.Data = []types.URLRecord{}
	}
	return &out, nil
}

// GetURL はIDを指定して1件取得します。
func (c *Client) GetURL(ctx context.Context, id uint) (*types.URLRecord, error) {
	var rec types.URLRecord
	if err := c.fetch(ctx, "get", "/urls/"+strconv.FormatUint(uint64(id), 10), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteURL は1件削除します。
func (c *Client) DeleteURL(ctx context.Context, id uint) error {
	return c.send(ctx, "delete", http.MethodDelete, "/urls/"+strconv.FormatUint(uint64(id), 10), nil, nil, nil)
}

// StartScan はクロールを開始します。
func (c *Client) StartScan(ctx context.Context, id uint) error {
	return c.send(ctx, "scan", http.MethodPost, fmt.Sprintf("/urls/%d/scan", id), nil, nil, nil)
}

// CancelScan は実行中のクロールを中止します。
func (c *Client) CancelScan(ctx context.Context, id uint) error {
	return c.send(ctx, "cancel-scan", http.MethodPost, fmt.Sprintf("/urls/%d/cancel-scan", id), nil, nil, nil)
}

type idsBody struct {
	IDs []uint `json:"ids"`
}

// BulkDelete は複数のURLをまとめて削除します。
func (c *Client) BulkDelete(ctx context.Context, ids []uint) error {
	if len(ids) == 0 {
		return &ValidationError{Field: "ids", Reason: "削除するURLを1件以上選択してください"}
	}
	return c.send(ctx, "bulk-delete", http.MethodPost, "/urls/bulk-delete", nil, idsBody{IDs: ids}, nil)
}

// BulkScan は複数のURLのクロールをまとめて開始します。
func (c *Client) BulkScan(ctx context.Context, ids []uint) error {
	if len(ids) == 0 {
		return &ValidationError{Field: "ids", Reason: "再解析するURLを1件以上選択してください"}
	}
	return c.send(ctx, "bulk-scan", http.MethodPost, "/urls/bulk-scan", nil, idsBody{IDs: ids}, nil)
}

// ----------------------------------------------------------------------
// 内部処理
// ----------------------------------------------------------------------

// fetch は GET をリトライ付きで実行します。
func (c *Client) fetch(ctx context.Context, op, path string, query url.Values, out any) error {
	return retry.Do(
		ctx,
		c.retryConfig,
		fmt.Sprintf("%s(%s)", op, path),
		func() error { return c.do(ctx, op, http.MethodGet, path, query, nil, out) },
		isRetryableError,
	)
}

// send は更新系リクエストを1回だけ実行します。
func (c *Client) send(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("JSONデータのシリアライズに失敗しました: %w", err)
		}
	}
	return c.do(ctx, op, method, path, query, payload, out)
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// do は1回分のHTTPリクエストを実行し、成功時は out にデコードします。
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, payload []byte, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &TransportError{Op: op, Err: err}
		}
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), body)
	if err != nil {
		return fmt.Errorf("%sリクエスト作成に失敗しました: %w", method, err)
	}
	c.addCommonHeaders(req)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.ObserveRequest(op, 0, time.Since(start))
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	c.metrics.ObserveRequest(op, resp.StatusCode, time.Since(start))

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize+1))
	if err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("レスポンスボディの読み込みに失敗しました: %w", err)}
	}
	if int64(len(data)) > MaxBodySize {
		return fmt.Errorf("レスポンスボディが最大サイズ (%dバイト) を超えました", MaxBodySize)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newServerError(resp.StatusCode, data)
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%sのレスポンスのデコードに失敗しました: %w", op, err)
	}
	return nil
}

// addCommonHeaders は共通のHTTPヘッダーを設定します。
func (c *Client) addCommonHeaders(req *http.Request) {
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(APIKeyHeader, c.apiKey)
	}
}

// newServerError は、エラーレスポンスの本文から構造化されたメッセージを取り出します。
func newServerError(status int, body []byte) *ServerError {
	se := &ServerError{StatusCode: status, Body: body}
	var payload types.ErrorPayload
	if err := json.Unmarshal(body, &payload); err == nil {
		se.Message = payload.Message
		se.Code = payload.Error
	}
	return se
}

// isRetryableError はエラーがリトライ対象かどうかを判定します。
// retry.ShouldRetryFunc 型のシグネチャを満たします。
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if se, ok := AsServerError(err); ok {
		return se.Retryable()
	}
	return IsTransportError(err)
}
