package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/shouni/go-crawl-dash/pkg/filters"
	"github.com/shouni/go-crawl-dash/pkg/retry"
	"github.com/shouni/go-crawl-dash/pkg/types"
)

// MockHTTPClient は http.Client の Do メソッドをモックします。
type MockHTTPClient struct {
	mock.Mock
}

func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	args := m.Called(req)
	err := args.Error(1)
	if args.Get(0) != nil {
		return args.Get(0).(*http.Response), err
	}
	return nil, err
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
	}
}

var fastRetry = retry.Config{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

func newTestClient(t *testing.T, doer Doer, opts ...ClientOption) *Client {
	t.Helper()
	opts = append([]ClientOption{WithHTTPClient(doer), WithRetryConfig(fastRetry)}, opts...)
	c, err := New("http://api.test/api/v1", "secret", 0, opts...)
	require.NoError(t, err)
	return c
}

func TestNew(t *testing.T) {
	t.Run("default timeout", func(t *testing.T) {
		c, err := New("http://localhost:8080/api/v1", "k", 0)
		require.NoError(t, err)
		assert.Equal(t, DefaultHTTPTimeout, c.httpClient.(*http.Client).Timeout)
		assert.Equal(t, "http://localhost:8080/api/v1", c.BaseURL())
	})
	t.Run("trailing slash is trimmed", func(t *testing.T) {
		c, err := New("https://crawler.example.com/api/v1/", "k", time.Second)
		require.NoError(t, err)
		assert.Equal(t, "https://crawler.example.com/api/v1/urls/3", c.endpoint("/urls/3", nil))
	})
	t.Run("relative base url is rejected", func(t *testing.T) {
		_, err := New("/api/v1", "k", 0)
		assert.Error(t, err)
	})
	t.Run("max retries option", func(t *testing.T) {
		c, err := New("http://localhost", "k", 0, WithMaxRetries(7))
		require.NoError(t, err)
		assert.Equal(t, uint64(7), c.retryConfig.MaxRetries)
	})
}

func TestValidateTargetURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"https://example.com", "https://example.com", false},
		{"  http://example.com/path?q=1  ", "http://example.com/path?q=1", false},
		{"", "", true},
		{"example.com", "", true},
		{"ftp://example.com", "", true},
		{"http://", "", true},
		{"://bad", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ValidateTargetURL(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsValidationError(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCreateURL(t *testing.T) {
	t.Run("invalid url is never sent", func(t *testing.T) {
		mockClient := new(MockHTTPClient)
		c := newTestClient(t, mockClient)

		rec, err := c.CreateURL(context.Background(), "not a url")
		assert.Nil(t, rec)
		assert.True(t, IsValidationError(err))
		mockClient.AssertNotCalled(t, "Do", mock.Anything)
	})

	t.Run("posts url with api key", func(t *testing.T) {
		mockClient := new(MockHTTPClient)
		mockClient.On("Do", mock.MatchedBy(func(req *http.Request) bool {
			if req.Method != http.MethodPost || req.URL.Path != "/api/v1/urls" {
				return false
			}
			if req.Header.Get(APIKeyHeader) != "secret" {
				return false
			}
			rc, err := req.GetBody()
			if err != nil {
				return false
			}
			var body map[string]string
			_ = json.NewDecoder(rc).Decode(&body)
			return body["url"] == "https://go.dev"
		})).Return(jsonResponse(http.StatusCreated, `{"ID":12,"url":"https://go.dev","status":"queued"}`), nil).Once()

		c := newTestClient(t, mockClient)
		rec, err := c.CreateURL(context.Background(), "https://go.dev")
		require.NoError(t, err)
		assert.Equal(t, uint(12), rec.ID)
		assert.Equal(t, types.StatusQueued, rec.Status)
		mockClient.AssertExpectations(t)
	})

	t.Run("duplicate surfaces server message", func(t *testing.T) {
		mockClient := new(MockHTTPClient)
		mockClient.On("Do", mock.Anything).Return(
			jsonResponse(http.StatusConflict, `{"error":"url already exists","message":"URL already exists"}`), nil,
		).Once()

		c := newTestClient(t, mockClient)
		_, err := c.CreateURL(context.Background(), "https://go.dev")
		require.Error(t, err)
		assert.True(t, IsConflict(err))
		assert.Equal(t, "URL already exists", UserMessage(err))
		// 更新系はリトライしない
		mockClient.AssertNumberOfCalls(t, "Do", 1)
	})

	t.Run("mutation is not retried on 5xx", func(t *testing.T) {
		mockClient := new(MockHTTPClient)
		mockClient.On("Do", mock.Anything).Return(jsonResponse(http.StatusServiceUnavailable, ``), nil)

		c := newTestClient(t, mockClient)
		_, err := c.CreateURL(context.Background(), "https://go.dev")
		require.Error(t, err)
		mockClient.AssertNumberOfCalls(t, "Do", 1)
	})
}

func TestListURLs_Query(t *testing.T) {
	var (
		mu       sync.Mutex
		gotQuery string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/urls", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get(APIKeyHeader))
		mu.Lock()
		gotQuery = r.URL.RawQuery
		mu.Unlock()
		_, _ = w.Write([]byte(`{"data":[{"ID":1,"url":"https://a.test","status":"running"}],"pagination":{"currentPage":2,"pageSize":5,"totalItems":6,"totalPages":2}}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL+"/api/v1", "secret", time.Second)
	require.NoError(t, err)

	f := filters.Default()
	f = filters.Reduce(f, filters.SetStatus{Value: "crawling"})
	f = filters.Reduce(f, filters.SetHTMLVersion{Value: filters.All})
	f = filters.Reduce(f, filters.SetRange{Field: filters.InternalLinksMin, Value: filters.IntPtr(3)})

	page, err := c.ListURLs(context.Background(), 2, 5, f)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, gotQuery, "page=2")
	assert.Contains(t, gotQuery, "limit=5")
	assert.Contains(t, gotQuery, "status=crawling")
	assert.Contains(t, gotQuery, "internalLinksMin=3")
	assert.NotContains(t, gotQuery, "htmlVersion")
	assert.NotContains(t, gotQuery, "search=")

	require.Len(t, page.Data, 1)
	assert.Equal(t, types.StatusCrawling, page.Data[0].Status, "旧ステータス名 running は crawling として扱う")
	assert.Equal(t, 2, page.Pagination.TotalPages)
}

func TestListURLs_EmptyDataIsNotNil(t *testing.T) {
	mockClient := new(MockHTTPClient)
	mockClient.On("Do", mock.Anything).Return(jsonResponse(http.StatusOK, `{"data":null,"pagination":{}}`), nil).Once()

	c := newTestClient(t, mockClient)
	page, err := c.ListURLs(context.Background(), 0, 0, filters.Default())
	require.NoError(t, err)
	assert.NotNil(t, page.Data)
}

func TestGetURL_WithRetries(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds after transport and 5xx errors", func(t *testing.T) {
		mockClient := new(MockHTTPClient)
		var resp *http.Response
		mockClient.On("Do", mock.Anything).Return(resp, errors.New("temporary network error")).Once()
		mockClient.On("Do", mock.Anything).Return(jsonResponse(http.StatusBadGateway, ``), nil).Once()
		mockClient.On("Do", mock.Anything).Return(jsonResponse(http.StatusOK, `{"ID":5,"title":"ok"}`), nil).Once()

		c := newTestClient(t, mockClient)
		rec, err := c.GetURL(ctx, 5)
		require.NoError(t, err)
		assert.Equal(t, "ok", rec.Title)
		mockClient.AssertNumberOfCalls(t, "Do", 3)
	})

	t.Run("not found stops immediately", func(t *testing.T) {
		mockClient := new(MockHTTPClient)
		mockClient.On("Do", mock.Anything).Return(
			jsonResponse(http.StatusNotFound, `{"error":"record not found","message":"URL not found"}`), nil,
		).Once()

		c := newTestClient(t, mockClient)
		rec, err := c.GetURL(ctx, 99)
		assert.Nil(t, rec)
		assert.True(t, IsNotFound(err))
		mockClient.AssertNumberOfCalls(t, "Do", 1)
	})

	t.Run("transport error after retries exhausted", func(t *testing.T) {
		mockClient := new(MockHTTPClient)
		var resp *http.Response
		mockClient.On("Do", mock.Anything).Return(resp, errors.New("connection refused")).Times(3)

		c := newTestClient(t, mockClient)
		_, err := c.GetURL(ctx, 1)
		require.Error(t, err)
		assert.True(t, IsTransportError(err))
		assert.Contains(t, UserMessage(err), "時間をおいて")
		mockClient.AssertNumberOfCalls(t, "Do", 3)
	})
}

func TestScanAndBulkOperations(t *testing.T) {
	type call struct {
		method string
		path   string
		body   string
	}
	var (
		mu    sync.Mutex
		calls []call
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		calls = append(calls, call{r.Method, r.URL.Path, strings.TrimSpace(string(b))})
		mu.Unlock()
		_, _ = w.Write([]byte(`{"message":"ok"}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL, "k", time.Second)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.StartScan(ctx, 4))
	require.NoError(t, c.CancelScan(ctx, 4))
	require.NoError(t, c.BulkDelete(ctx, []uint{1, 2}))
	require.NoError(t, c.BulkScan(ctx, []uint{3}))
	require.NoError(t, c.DeleteURL(ctx, 9))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []call{
		{http.MethodPost, "/urls/4/scan", ""},
		{http.MethodPost, "/urls/4/cancel-scan", ""},
		{http.MethodPost, "/urls/bulk-delete", `{"ids":[1,2]}`},
		{http.MethodPost, "/urls/bulk-scan", `{"ids":[3]}`},
		{http.MethodDelete, "/urls/9", ""},
	}, calls)

	assert.True(t, IsValidationError(c.BulkDelete(ctx, nil)))
	assert.True(t, IsValidationError(c.BulkScan(ctx, []uint{})))
}

func TestServerError_Messages(t *testing.T) {
	tests := []struct {
		name     string
		err      *ServerError
		expected string
		user     string
	}{
		{"structured", &ServerError{StatusCode: 409, Message: "URL already exists"}, "サーバーエラー: ステータスコード 409, URL already exists", "URL already exists"},
		{"raw body", &ServerError{StatusCode: 500, Body: []byte(" boom ")}, "サーバーエラー: ステータスコード 500, ボディ: boom", "Internal Server Error"},
		{"empty body", &ServerError{StatusCode: 502}, "サーバーエラー: ステータスコード 502, ボディなし", "Bad Gateway"},
		{"truncated body", &ServerError{StatusCode: 400, Body: []byte(strings.Repeat("a", 1025))}, "サーバーエラー: ステータスコード 400, ボディ: " + strings.Repeat("a", 1024) + "...", "Bad Request"},
		{"code only", &ServerError{StatusCode: 404, Code: "no_urls_found_for_deletion"}, "サーバーエラー: ステータスコード 404, ボディなし", "no_urls_found_for_deletion"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
			assert.Equal(t, tt.user, tt.err.UserMessage())
		})
	}
}

func TestUserMessage(t *testing.T) {
	assert.Equal(t, "", UserMessage(nil))
	assert.Equal(t, "ホスト名がありません", UserMessage(&ValidationError{Reason: "ホスト名がありません"}))
	assert.Equal(t, "予期しないエラーが発生しました。", UserMessage(errors.New("x")))
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, isRetryableError(nil))
	assert.True(t, isRetryableError(&TransportError{Op: "get", Err: errors.New("reset")}))
	assert.False(t, isRetryableError(&TransportError{Op: "get", Err: context.Canceled}))
	assert.True(t, isRetryableError(&ServerError{StatusCode: 503}))
	assert.False(t, isRetryableError(&ServerError{StatusCode: 401}))
	assert.False(t, isRetryableError(errors.New("decode failure")))
}

func TestRateLimit(t *testing.T) {
	mockClient := new(MockHTTPClient)
	mockClient.On("Do", mock.Anything).Return(jsonResponse(http.StatusOK, `{}`), nil)

	c := newTestClient(t, mockClient, WithRateLimit(1, 1))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, c.StartScan(ctx, 1))
	// バーストを使い切ったため、次のリクエストは締め切りまでに許可されない
	err := c.StartScan(ctx, 1)
	assert.True(t, IsTransportError(err))
	mockClient.AssertNumberOfCalls(t, "Do", 1)
}
