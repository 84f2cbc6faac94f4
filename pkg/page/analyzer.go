// Package page は、クロール対象のページを取得して一覧に表示する項目を解析します。
package page

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	textUtils "github.com/shouni/go-utils/text"

	"github.com/shouni/go-crawl-dash/pkg/types"
)

const (
	// DefaultMaxConcurrency は、リンク確認の最大同時実行数のデフォルト値です。
	DefaultMaxConcurrency = 8
	// DefaultMaxLinkChecks は1ページで死活確認するリンクの上限です。
	DefaultMaxLinkChecks = 200

	headingSelectors = "h1, h2, h3, h4, h5, h6"
)

// Report は1ページ分の解析結果です。
type Report struct {
	Title         string
	HTMLVersion   string
	Headings      types.HeadingsCount
	InternalLinks int
	ExternalLinks int
	BrokenLinks   int
	HasLoginForm  bool
	// Links は確認対象になった絶対URLです (重複なし、出現順)。
	Links []string
}

// Apply は解析結果をレコードに書き込みます。
func (r *Report) Apply(rec *types.URLRecord) {
	rec.Title = r.Title
	rec.HTMLVersion = r.HTMLVersion
	rec.HeadingsCount = r.Headings
	rec.InternalLinks = r.InternalLinks
	rec.ExternalLinks = r.ExternalLinks
	rec.BrokenLinks = r.BrokenLinks
	rec.HasLoginForm = r.HasLoginForm
}

// Fetcher は Analyzer が使う取得処理です。*Client が満たします。
type Fetcher interface {
	FetchDocument(ctx context.Context, url string) (*goquery.Document, error)
	IsBroken(ctx context.Context, url string) bool
}

// Analyzer はページを取得して解析し、リンクの死活を並列に確認します。
type Analyzer struct {
	fetcher        Fetcher
	maxConcurrency int // 最大並列数
	maxLinkChecks  int
}

// NewAnalyzer は Analyzer を初期化します。maxConcurrency が0以下ならデフォルト値を使います。
func NewAnalyzer(fetcher Fetcher, maxConcurrency int) *Analyzer {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	return &Analyzer{
		fetcher:        fetcher,
		maxConcurrency: maxConcurrency,
		maxLinkChecks:  DefaultMaxLinkChecks,
	}
}

// Analyze は rawURL を取得して解析します。取得に失敗した場合はエラーを返します。
// ctx がキャンセルされた場合はリンク確認を打ち切り、ctx.Err() を返します。
func (a *Analyzer) Analyze(ctx context.Context, rawURL string) (*Report, error) {
	doc, err := a.fetcher.FetchDocument(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("ページの取得に失敗しました: %w", err)
	}
	base := doc.Url
	if base == nil {
		if base, err = url.Parse(rawURL); err != nil {
			return nil, fmt.Errorf("URLの解析に失敗しました: %w", err)
		}
	}

	report := Extract(doc, base)
	links := report.Links
	if len(links) > a.maxLinkChecks {
		links = links[:a.maxLinkChecks]
	}
	report.BrokenLinks += a.countBroken(ctx, links)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return report, nil
}

// countBroken はリンクを並列に確認し、切れているものを数えます。
func (a *Analyzer) countBroken(ctx context.Context, links []string) int {
	var (
		wg     sync.WaitGroup
		broken atomic.Int32
	)

	// バッファ付きチャネルをセマフォとして使用し、同時実行数を制限する
	semaphore := make(chan struct{}, a.maxConcurrency)

	for _, link := range links {
		select {
		case semaphore <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return int(broken.Load())
		}

		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			defer func() { <-semaphore }()

			if a.fetcher.IsBroken(ctx, u) {
				broken.Add(1)
			}
		}(link)
	}

	wg.Wait()
	return int(broken.Load())
}

// Extract はドキュメントから解析項目を取り出します。ネットワークには触れません。
// 解決できないリンクは BrokenLinks に数えます。
func Extract(doc *goquery.Document, base *url.URL) *Report {
	r := &Report{
		Title:       textUtils.NormalizeText(doc.Find("title").First().Text()),
		HTMLVersion: DetectHTMLVersion(doc),
	}

	doc.Find(headingSelectors).Each(func(_ int, s *goquery.Selection) {
		switch goquery.NodeName(s) {
		case "h1":
			r.Headings.H1++
		case "h2":
			r.Headings.H2++
		case "h3":
			r.Headings.H3++
		case "h4":
			r.Headings.H4++
		case "h5":
			r.Headings.H5++
		case "h6":
			r.Headings.H6++
		}
	})

	// パスワード入力を含むフォームをログインフォームとみなす
	r.HasLoginForm = doc.Find("form input[type='password']").Length() > 0

	seen := make(map[string]struct{})
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			r.BrokenLinks++
			return
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			// mailto: や javascript: は数えない
			return
		}
		abs.Fragment = ""

		if abs.Hostname() == base.Hostname() {
			r.InternalLinks++
		} else {
			r.ExternalLinks++
		}

		key := abs.String()
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		r.Links = append(r.Links, key)
	})
	return r
}

// DetectHTMLVersion は DOCTYPE 宣言から HTML のバージョンを判定します。
// 判定できない場合は空文字を返します。
func DetectHTMLVersion(doc *goquery.Document) string {
	for _, root := range doc.Nodes {
		for n := root.FirstChild; n != nil; n = n.NextSibling {
			if n.Type != html.DoctypeNode {
				continue
			}
			return classifyDoctype(n)
		}
	}
	return ""
}

func classifyDoctype(n *html.Node) string {
	var public, system string
	for _, a := range n.Attr {
		switch a.Key {
		case "public":
			public = strings.ToLower(a.Val)
		case "system":
			system = strings.ToLower(a.Val)
		}
	}
	switch {
	case strings.Contains(public, "xhtml") || strings.Contains(system, "xhtml"):
		return "xhtml"
	case strings.Contains(public, "html 4"):
		return "html4"
	case public == "" && strings.EqualFold(n.Data, "html"):
		return "html5"
	}
	return ""
}
