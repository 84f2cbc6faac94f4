package page

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockHTTPClient struct {
	mock.Mock
}

func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	args := m.Called(req)
	return args.Get(0).(*http.Response), args.Error(1)
}

func response(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func mustDoc(t *testing.T, src string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
	require.NoError(t, err)
	return doc
}

func TestNew(t *testing.T) {
	t.Run("default timeout", func(t *testing.T) {
		client := New(0)
		assert.Equal(t, DefaultHTTPTimeout, client.httpClient.(*http.Client).Timeout)
	})
	t.Run("with HTTP client option", func(t *testing.T) {
		mockClient := new(MockHTTPClient)
		client := New(10*time.Second, WithHTTPClient(mockClient), WithMaxRetries(5))
		assert.Equal(t, mockClient, client.httpClient)
		assert.Equal(t, uint64(5), client.retryConfig.MaxRetries)
	})
}

func TestNonRetryableHTTPError_Error(t *testing.T) {
	err := &NonRetryableHTTPError{StatusCode: 404, Body: []byte("not found\n")}
	assert.Equal(t, "HTTPクライアントエラー (非リトライ対象): ステータスコード 404, ボディ: not found", err.Error())

	err = &NonRetryableHTTPError{StatusCode: 400}
	assert.Equal(t, "HTTPクライアントエラー (非リトライ対象): ステータスコード 400, ボディなし", err.Error())
}

func TestFetchDocument(t *testing.T) {
	t.Run("successful fetch", func(t *testing.T) {
		mockClient := new(MockHTTPClient)
		mockClient.On("Do", mock.Anything).Return(response(http.StatusOK, "<html><title>x</title></html>"), nil)

		client := New(time.Second, WithHTTPClient(mockClient), WithMaxRetries(0))
		doc, err := client.FetchDocument(context.Background(), "https://example.com")
		require.NoError(t, err)
		assert.Equal(t, "x", doc.Find("title").Text())
		mockClient.AssertExpectations(t)
	})
	t.Run("non-retryable error", func(t *testing.T) {
		mockClient := new(MockHTTPClient)
		mockClient.On("Do", mock.Anything).Return(response(http.StatusNotFound, "missing"), nil).Once()

		client := New(time.Second, WithHTTPClient(mockClient), WithMaxRetries(3))
		doc, err := client.FetchDocument(context.Background(), "https://example.com")
		assert.Nil(t, doc)
		assert.True(t, IsNonRetryableError(err))
		mockClient.AssertNumberOfCalls(t, "Do", 1)
	})
	t.Run("network error", func(t *testing.T) {
		mockClient := new(MockHTTPClient)
		var resp *http.Response
		mockClient.On("Do", mock.Anything).Return(resp, errors.New("network error"))

		client := New(time.Second, WithHTTPClient(mockClient), WithMaxRetries(0))
		doc, err := client.FetchDocument(context.Background(), "https://example.com")
		assert.Error(t, err)
		assert.Nil(t, doc)
	})
}

func TestDetectHTMLVersion(t *testing.T) {
	tests := []struct {
		name     string
		src      string
		expected string
	}{
		{"html5", "<!DOCTYPE html><html></html>", "html5"},
		{"html4", `<!DOCTYPE HTML PUBLIC "-//W3C//DTD HTML 4.01//EN" "http://www.w3.org/TR/html4/strict.dtd"><html></html>`, "html4"},
		{"xhtml", `<!DOCTYPE html PUBLIC "-//W3C//DTD XHTML 1.0 Strict//EN" "http://www.w3.org/TR/xhtml1/DTD/xhtml1-strict.dtd"><html></html>`, "xhtml"},
		{"no doctype", "<html></html>", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DetectHTMLVersion(mustDoc(t, tt.src)))
		})
	}
}

const samplePage = `<!DOCTYPE html>
<html><head><title>  Sample
 Page </title></head>
<body>
<h1>Top</h1><h2>A</h2><h2>B</h2><h3>C</h3><h6>D</h6>
<a href="/about">about</a>
<a href="/about#team">about again</a>
<a href="https://other.example.org/">other</a>
<a href="#top">anchor</a>
<a href="mailto:someone@example.com">mail</a>
<a href="http://[::1">bad</a>
<form><input type="text" name="user"><input type="password" name="pass"></form>
</body></html>`

func TestExtract(t *testing.T) {
	base, _ := url.Parse("https://example.com/index.html")
	r := Extract(mustDoc(t, samplePage), base)

	assert.Equal(t, "Sample Page", r.Title)
	assert.Equal(t, "html5", r.HTMLVersion)
	assert.Equal(t, 1, r.Headings.H1)
	assert.Equal(t, 2, r.Headings.H2)
	assert.Equal(t, 1, r.Headings.H3)
	assert.Equal(t, 1, r.Headings.H6)
	assert.Equal(t, 2, r.InternalLinks)
	assert.Equal(t, 1, r.ExternalLinks)
	assert.Equal(t, 1, r.BrokenLinks, "解決できないリンクは切れているとみなす")
	assert.True(t, r.HasLoginForm)
	assert.Equal(t, []string{"https://example.com/about", "https://other.example.org/"}, r.Links)
}

func TestAnalyzer_Analyze(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `<!DOCTYPE html><html><head><title>Home</title></head><body>
<h1>Home</h1>
<a href="/ok">ok</a><a href="/gone">gone</a><a href="/head-not-allowed">get only</a>
</body></html>`)
	})
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	})
	mux.HandleFunc("/head-not-allowed", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	a := NewAnalyzer(New(5*time.Second, WithMaxRetries(0)), 2)
	report, err := a.Analyze(context.Background(), ts.URL+"/")
	require.NoError(t, err)

	assert.Equal(t, "Home", report.Title)
	assert.Equal(t, 3, report.InternalLinks)
	assert.Equal(t, 1, report.BrokenLinks)
	assert.Equal(t, 1, report.Headings.H1)
}

func TestAnalyzer_FetchFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer ts.Close()

	a := NewAnalyzer(New(5*time.Second, WithMaxRetries(0)), 0)
	_, err := a.Analyze(context.Background(), ts.URL)
	require.Error(t, err)
	assert.True(t, IsNonRetryableError(err))
}

func TestAnalyzer_Canceled(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "<html></html>")
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := NewAnalyzer(New(5*time.Second, WithMaxRetries(0)), 0)
	_, err := a.Analyze(ctx, ts.URL)
	assert.Error(t, err)
}
