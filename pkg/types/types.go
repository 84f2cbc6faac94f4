package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CrawlStatus は、URLのクロールジョブのライフサイクル状態です。
type CrawlStatus string

const (
	StatusQueued    CrawlStatus = "queued"
	StatusCrawling  CrawlStatus = "crawling"
	StatusCompleted CrawlStatus = "completed"
	StatusFailed    CrawlStatus = "failed"
	StatusCancelled CrawlStatus = "cancelled"

	// legacyStatusRunning はバックエンドの旧リビジョンが返す crawling の別名です。
	legacyStatusRunning = "running"
)

// AllStatuses は、表示順に並べた全ステータスです。
var AllStatuses = []CrawlStatus{
	StatusQueued,
	StatusCrawling,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// ParseCrawlStatus は文字列を CrawlStatus に変換します。大文字小文字は区別しません。
func ParseCrawlStatus(s string) (CrawlStatus, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == legacyStatusRunning {
		return StatusCrawling, nil
	}
	for _, st := range AllStatuses {
		if string(st) == v {
			return st, nil
		}
	}
	return "", fmt.Errorf("不明なクロールステータスです: %q", s)
}

// IsTerminal は、これ以上状態が変化しないステータスかどうかを返します。
func (s CrawlStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// UnmarshalJSON は旧ステータス名 "running" を crawling として受け入れます。
// 未知の値はそのまま保持し、表示側で判断させます。
func (s *CrawlStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("クロールステータスのデコードに失敗しました: %w", err)
	}
	parsed, err := ParseCrawlStatus(raw)
	if err != nil {
		*s = CrawlStatus(raw)
		return nil
	}
	*s = parsed
	return nil
}

// HeadingsCount は h1 から h6 までの見出し数です。
type HeadingsCount struct {
	H1 int `json:"h1"`
	H2 int `json:"h2"`
	H3 int `json:"h3"`
	H4 int `json:"h4"`
	H5 int `json:"h5"`
	H6 int `json:"h6"`
}

// Levels は見出し数をレベル順 (h1..h6) のスライスで返します。
func (h HeadingsCount) Levels() [6]int {
	return [6]int{h.H1, h.H2, h.H3, h.H4, h.H5, h.H6}
}

// Total は全レベルの見出し数の合計です。
func (h HeadingsCount) Total() int {
	total := 0
	for _, n := range h.Levels() {
		total += n
	}
	return total
}

// URLRecord は、1つのアドレスをクロールした結果です。
// バックエンドが所有し、ダッシュボードは読み取り専用のキャッシュとして保持します。
type URLRecord struct {
	ID            uint          `json:"ID"`
	URL           string        `json:"url"`
	Status        CrawlStatus   `json:"status"`
	HTMLVersion   string        `json:"htmlVersion"`
	Title         string        `json:"title"`
	HeadingsCount HeadingsCount `json:"headingsCount"`
	InternalLinks int           `json:"internalLinks"`
	ExternalLinks int           `json:"externalLinks"`
	BrokenLinks   int           `json:"brokenLinks"`
	HasLoginForm  bool          `json:"hasLoginForm"`
	CreatedAt     time.Time     `json:"CreatedAt"`
	UpdatedAt     time.Time     `json:"UpdatedAt"`
	CrawledAt     *time.Time    `json:"crawledAt,omitempty"`
}

// Pagination はページングのメタデータです。
type Pagination struct {
	CurrentPage int `json:"currentPage"`
	PageSize    int `json:"pageSize"`
	TotalItems  int `json:"totalItems"`
	TotalPages  int `json:"totalPages"`
}

// PageSizes は UI で選択可能なページサイズです。
var PageSizes = []int{5, 10, 25, 50, 100}

const DefaultPageSize = 10

// IsValidPageSize は、ページサイズが選択肢に含まれるかを返します。
func IsValidPageSize(size int) bool {
	for _, s := range PageSizes {
		if s == size {
			return true
		}
	}
	return false
}

// NewPagination は総件数からページ数を計算し、現在ページを範囲内に収めます。
// totalPages == ceil(totalItems / pageSize) を常に満たします。
// 件数が0の場合、ページ数と現在ページはともに0になります。
func NewPagination(page, pageSize, totalItems int) Pagination {
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if totalItems < 0 {
		totalItems = 0
	}
	totalPages := (totalItems + pageSize - 1) / pageSize
	if totalPages == 0 {
		return Pagination{PageSize: pageSize}
	}
	if page < 1 {
		page = 1
	}
	if page > totalPages {
		page = totalPages
	}
	return Pagination{
		CurrentPage: page,
		PageSize:    pageSize,
		TotalItems:  totalItems,
		TotalPages:  totalPages,
	}
}

// PaginatedURLs は、一覧APIが返す1ページ分の結果です。
type PaginatedURLs struct {
	Data       []URLRecord `json:"data"`
	Pagination Pagination  `json:"pagination"`
}

// IndexOf は、指定IDのレコードの位置を返します。存在しない場合は -1 です。
func (p *PaginatedURLs) IndexOf(id uint) int {
	for i := range p.Data {
		if p.Data[i].ID == id {
			return i
		}
	}
	return -1
}

// Clone は、キャッシュ間で共有されないディープコピーを返します。
func (p *PaginatedURLs) Clone() *PaginatedURLs {
	if p == nil {
		return nil
	}
	out := &PaginatedURLs{
		Data:       make([]URLRecord, len(p.Data)),
		Pagination: p.Pagination,
	}
	for i, rec := range p.Data {
		out.Data[i] = rec
		if rec.CrawledAt != nil {
			t := *rec.CrawledAt
			out.Data[i].CrawledAt = &t
		}
	}
	return out
}

// StatusEvent は WebSocket で通知されるステータス変更イベントです。
type StatusEvent struct {
	ID     uint        `json:"id"`
	Status CrawlStatus `json:"status"`
}

// ErrorPayload は、バックエンドが返す構造化エラーの本文です。
type ErrorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
