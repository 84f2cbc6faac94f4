// Package feed は RSS/Atom フィードからクロール対象のURLを集めます。
package feed

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/mmcdole/gofeed"
	"github.com/shouni/go-http-kit/pkg/httpkit"
)

// Fetcher はフィードの本文を取得します。*httpkit.Client が満たします。
type Fetcher interface {
	FetchBytes(ctx context.Context, url string) ([]byte, error)
}

// Parser はフィードを取得してパースします。
type Parser struct {
	client Fetcher
}

// NewParser は新しい Parser を初期化します。
func NewParser(client *httpkit.Client) *Parser {
	return &Parser{client: client}
}

// Source は1つのフィードから集めた登録候補です。
type Source struct {
	Title string
	Links []string
}

// FetchLinks は feedURL のフィードを取得し、アイテムのリンクを最大 limit 件返します。
// limit が0以下なら件数は制限しません。
func (p *Parser) FetchLinks(ctx context.Context, feedURL string, limit int) (*Source, error) {
	body, err := p.client.FetchBytes(ctx, feedURL)
	if err != nil {
		return nil, fmt.Errorf("フィードを取得できませんでした (URL: %s): %w", feedURL, err)
	}

	f, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("フィードを解析できませんでした (URL: %s): %w", feedURL, err)
	}

	links := Links(f, feedURL)
	if limit > 0 && len(links) > limit {
		links = links[:limit]
	}
	return &Source{Title: f.Title, Links: links}, nil
}

// Links はフィードのアイテムから登録できるリンクを取り出します。
// 相対リンクはフィードのURLを基準に解決し、http(s) 以外と重複は除きます。
func Links(feed *gofeed.Feed, feedURL string) []string {
	if feed == nil || len(feed.Items) == 0 {
		return []string{}
	}
	base, _ := url.Parse(feedURL)

	seen := make(map[string]struct{}, len(feed.Items))
	links := make([]string, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		raw := strings.TrimSpace(item.Link)
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil {
			continue
		}
		if base != nil {
			u = base.ResolveReference(u)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			continue
		}
		link := u.String()
		if _, dup := seen[link]; dup {
			continue
		}
		seen[link] = struct{}{}
		links = append(links, link)
	}
	return links
}
