package filters

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shouni/go-crawl-dash/pkg/types"
)

// TimestampLayout は日付フィルタをクエリに載せる際の形式です (UTC、ミリ秒付き ISO 8601)。
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTimestamp は日付を UTC の標準形式の文字列に変換します。
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Encode は State を一覧APIのクエリパラメータに変換します。
// 空文字と "all" の項目は送信しません。ソート条件は常に送信します。
func Encode(s State) url.Values {
	q := url.Values{}
	setIf := func(key, value string) {
		if value != "" && value != All {
			q.Set(key, value)
		}
	}

	setIf("search", s.Search)
	setIf("status", s.Status)
	setIf("htmlVersion", s.HTMLVersion)
	setIf("hasLogin", s.HasLogin)

	for _, f := range RangeFields {
		if v, ok := s.Range(f); ok {
			q.Set(string(f), strconv.Itoa(v))
		}
	}
	for _, f := range DateFields {
		if t, ok := s.Date(f); ok {
			q.Set(string(f), FormatTimestamp(t))
		}
	}

	setIf("sortBy", s.SortBy)
	setIf("sortOrder", string(s.SortOrder))
	return q
}

// Decode は Encode の逆変換です。モックバックエンドがリクエストを解釈する際に使います。
// 解釈できない数値・日付は無視します。
func Decode(q url.Values) State {
	s := Default()
	if v := q.Get("search"); v != "" {
		s.Search = v
	}
	if v := q.Get("status"); v != "" {
		s.Status = v
	}
	if v := q.Get("htmlVersion"); v != "" {
		s.HTMLVersion = v
	}
	if v := q.Get("hasLogin"); v != "" {
		s.HasLogin = v
	}
	for _, f := range RangeFields {
		if n, err := strconv.Atoi(q.Get(string(f))); err == nil {
			s = s.withRange(f, &n)
		}
	}
	for _, f := range DateFields {
		raw := q.Get(string(f))
		if raw == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			s = s.withDate(f, &t)
		}
	}
	if v := q.Get("sortBy"); v != "" {
		s.SortBy = v
	}
	if v := q.Get("sortOrder"); v == string(Asc) || v == string(Desc) {
		s.SortOrder = SortOrder(v)
	}
	return s
}

// ----------------------------------------------------------------------
// ローカル評価
// ----------------------------------------------------------------------

func inRange(value int, min, max int, hasMin, hasMax bool) bool {
	if hasMin && value < min {
		return false
	}
	if hasMax && value > max {
		return false
	}
	return true
}

func inDateRange(t time.Time, s State, from, to DateField) bool {
	if f, ok := s.Date(from); ok && t.Before(f) {
		return false
	}
	if u, ok := s.Date(to); ok && t.After(u) {
		return false
	}
	return true
}

func (s State) linkRange(min, max RangeField, value int) bool {
	lo, hasLo := s.Range(min)
	hi, hasHi := s.Range(max)
	return inRange(value, lo, hi, hasLo, hasHi)
}

// Matches は、レコードがすべての条件を満たすかを返します。範囲は両端を含みます。
// 検索文字列は URL またはタイトルに対して大文字小文字を区別せず部分一致で評価します。
func Matches(s State, rec types.URLRecord) bool {
	if s.Search != "" {
		needle := strings.ToLower(s.Search)
		if !strings.Contains(strings.ToLower(rec.URL), needle) && !strings.Contains(strings.ToLower(rec.Title), needle) {
			return false
		}
	}
	if s.Status != "" && s.Status != All && string(rec.Status) != s.Status {
		return false
	}
	if s.HTMLVersion != "" && s.HTMLVersion != All && !strings.EqualFold(rec.HTMLVersion, s.HTMLVersion) {
		return false
	}
	switch s.HasLogin {
	case "yes":
		if !rec.HasLoginForm {
			return false
		}
	case "no":
		if rec.HasLoginForm {
			return false
		}
	}

	if !s.linkRange(InternalLinksMin, InternalLinksMax, rec.InternalLinks) ||
		!s.linkRange(ExternalLinksMin, ExternalLinksMax, rec.ExternalLinks) ||
		!s.linkRange(BrokenLinksMin, BrokenLinksMax, rec.BrokenLinks) {
		return false
	}

	if !inDateRange(rec.CreatedAt, s, DateCreatedFrom, DateCreatedTo) {
		return false
	}
	_, hasFrom := s.Date(DateCrawledFrom)
	_, hasTo := s.Date(DateCrawledTo)
	if hasFrom || hasTo {
		if rec.CrawledAt == nil || !inDateRange(*rec.CrawledAt, s, DateCrawledFrom, DateCrawledTo) {
			return false
		}
	}
	return true
}

// less は指定列での比較です。未知の列は ID で比較します。
func less(a, b types.URLRecord, field string) bool {
	switch field {
	case "CreatedAt":
		return a.CreatedAt.Before(b.CreatedAt)
	case "url":
		return a.URL < b.URL
	case "title":
		return a.Title < b.Title
	case "status":
		return a.Status < b.Status
	case "htmlVersion":
		return a.HTMLVersion < b.HTMLVersion
	case "internalLinks":
		return a.InternalLinks < b.InternalLinks
	case "externalLinks":
		return a.ExternalLinks < b.ExternalLinks
	case "brokenLinks":
		return a.BrokenLinks < b.BrokenLinks
	default:
		return a.ID < b.ID
	}
}

// Sort はレコードを指定列・方向で安定ソートします。引数のスライスを並べ替えます。
func Sort(records []types.URLRecord, field string, order SortOrder) {
	sort.SliceStable(records, func(i, j int) bool {
		if order == Desc {
			return less(records[j], records[i], field)
		}
		return less(records[i], records[j], field)
	})
}
