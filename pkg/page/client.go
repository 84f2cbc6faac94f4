package page

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/shouni/go-crawl-dash/pkg/retry"
)

const (
	// HTTPクライアント関連の定数
	DefaultHTTPTimeout = 30 * time.Second
	MaxBodySize        = int64(10 * 1024 * 1024) // 10MB: HTMLの最大読み込みサイズ

	// リンク確認は本体の取得より短く打ち切る
	DefaultLinkTimeout = 10 * time.Second

	UserAgent = "crawl-dash/1.0 (+https://github.com/shouni/go-crawl-dash)"
)

// NonRetryableHTTPError はHTTP 4xx系のステータスコードエラーを示すカスタムエラー型です。
type NonRetryableHTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *NonRetryableHTTPError) Error() string {
	if len(e.Body) > 0 {
		return fmt.Sprintf("HTTPクライアントエラー (非リトライ対象): ステータスコード %d, ボディ: %s", e.StatusCode, strings.TrimSpace(string(e.Body)))
	}
	return fmt.Sprintf("HTTPクライアントエラー (非リトライ対象): ステータスコード %d, ボディなし", e.StatusCode)
}

// Doer は http.Client の Do を抽象化したインターフェースです。テストで差し替えます。
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client はHTMLの取得とリンクの死活確認を行います。取得は指数バックオフでリトライします。
type Client struct {
	httpClient  Doer
	linkTimeout time.Duration
	retryConfig retry.Config
}

// ClientOption は Client の任意設定です。
type ClientOption func(*Client)

func WithHTTPClient(doer Doer) ClientOption {
	return func(c *Client) { c.httpClient = doer }
}

// WithMaxRetries は最大リトライ回数を設定します。
func WithMaxRetries(max uint64) ClientOption {
	return func(c *Client) { c.retryConfig.MaxRetries = max }
}

func WithLinkTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.linkTimeout = d
		}
	}
}

// New は、新しいClientを生成します。
func New(timeout time.Duration, opts ...ClientOption) *Client {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	c := &Client{
		httpClient:  &http.Client{Timeout: timeout},
		linkTimeout: DefaultLinkTimeout,
		retryConfig: retry.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) addCommonHeaders(req *http.Request) {
	req.Header.Set("User-Agent", UserAgent)
}

// FetchDocument はURLからHTMLを取得し、goquery.Documentを返します。
func (c *Client) FetchDocument(ctx context.Context, url string) (*goquery.Document, error) {
	var doc *goquery.Document

	op := func() error {
		var fetchErr error
		doc, fetchErr = c.doFetch(ctx, url)
		return fetchErr
	}

	err := retry.Do(
		ctx,
		c.retryConfig,
		fmt.Sprintf("URL(%s)のフェッチ", url),
		op,
		c.isHTTPRetryableError,
	)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// doFetch は実際の一度のHTTP GETリクエストとHTML解析を実行します。
func (c *Client) doFetch(ctx context.Context, url string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("GETリクエスト作成に失敗しました: %w", err)
	}
	c.addCommonHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストに失敗しました (ネットワーク/接続エラー): %w", err)
	}
	defer resp.Body.Close()

	if err := checkResponseForRetry(resp); err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, MaxBodySize))
	if err != nil {
		return nil, fmt.Errorf("HTML解析に失敗しました: %w", err)
	}
	// 相対リンクの解決にはリダイレクト後のURLを使う
	if resp.Request != nil {
		doc.Url = resp.Request.URL
	}
	return doc, nil
}

// IsBroken はリンク先が応答しないか、4xx/5xx を返す場合に true を返します。
// HEAD を受け付けないサーバーには GET で確認し直します。
func (c *Client) IsBroken(ctx context.Context, url string) bool {
	ctx, cancel := context.WithTimeout(ctx, c.linkTimeout)
	defer cancel()

	status, err := c.probe(ctx, http.MethodHead, url)
	if err == nil && (status == http.StatusMethodNotAllowed || status == http.StatusNotImplemented) {
		status, err = c.probe(ctx, http.MethodGet, url)
	}
	if err != nil {
		return true
	}
	return status >= 400 && status < 600
}

func (c *Client) probe(ctx context.Context, method, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return 0, err
	}
	c.addCommonHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	return resp.StatusCode, nil
}

// checkResponseForRetry はHTTPレスポンスのステータスコードを評価し、リトライすべきエラーか、非リトライ対象のエラーかを返します。
// ボディを閉じるのは呼び出し元の責務です。
func checkResponseForRetry(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	bodyBytes, readErr := io.ReadAll(io.LimitReader(resp.Body, 1024))

	// 5xx 系: リトライ対象のサーバーエラー
	if resp.StatusCode >= 500 && resp.StatusCode <= 599 {
		if readErr != nil {
			return fmt.Errorf("HTTPステータスコードエラー (5xx リトライ対象, ボディ読み込み失敗): %d, 原因: %w", resp.StatusCode, readErr)
		}
		return fmt.Errorf("HTTPステータスコードエラー (5xx リトライ対象): %d, 詳細: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}

	// 4xx 系 (とその他): 非リトライ対象
	if readErr != nil {
		return &NonRetryableHTTPError{StatusCode: resp.StatusCode}
	}
	return &NonRetryableHTTPError{StatusCode: resp.StatusCode, Body: bodyBytes}
}

// IsNonRetryableError は与えられたエラーが非リトライ対象のHTTPエラーであるかを判断します。
func IsNonRetryableError(err error) bool {
	var nonRetryable *NonRetryableHTTPError
	return errors.As(err, &nonRetryable)
}

// isHTTPRetryableError はエラーがHTTPリトライ対象かどうかを判定します。
func (c *Client) isHTTPRetryableError(err error) bool {
	if err == nil {
		return false
	}
	// 呼び出し元のキャンセルはリトライしても成功しない
	if errors.Is(err, context.Canceled) {
		return false
	}
	if IsNonRetryableError(err) {
		return false
	}
	return true
}
