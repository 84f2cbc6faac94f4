package filters

import (
	"fmt"
	"strings"
	"time"
)

// ----------------------------------------------------------------------
// 定数と型
// ----------------------------------------------------------------------

// All は「絞り込みなし」を表す列挙フィルタの値です。
const All = "all"

// SortOrder はソート方向です。
type SortOrder string

const (
	Asc  SortOrder = "asc"
	Desc SortOrder = "desc"
)

const (
	DefaultSortBy    = "CreatedAt"
	DefaultSortOrder = Desc
)

// HTMLVersions は HTML バージョンフィルタで選択可能な値です。
var HTMLVersions = []string{"html5", "html4", "xhtml"}

// LoginOptions はログインフォーム有無フィルタで選択可能な値です。
var LoginOptions = []string{"yes", "no"}

// SortFields はソート可能な列名です。バックエンドのクエリパラメータ名と一致させています。
var SortFields = []string{"CreatedAt", "url", "title", "status", "htmlVersion", "internalLinks", "externalLinks", "brokenLinks"}

// RangeField は数値範囲フィルタの対象項目です。
type RangeField string

const (
	InternalLinksMin RangeField = "internalLinksMin"
	InternalLinksMax RangeField = "internalLinksMax"
	ExternalLinksMin RangeField = "externalLinksMin"
	ExternalLinksMax RangeField = "externalLinksMax"
	BrokenLinksMin   RangeField = "brokenLinksMin"
	BrokenLinksMax   RangeField = "brokenLinksMax"
)

// RangeFields は、クエリへのシリアライズ順に並べた数値範囲の項目です。
var RangeFields = []RangeField{
	InternalLinksMin, InternalLinksMax,
	ExternalLinksMin, ExternalLinksMax,
	BrokenLinksMin, BrokenLinksMax,
}

// DateField は日付範囲フィルタの対象項目です。
type DateField string

const (
	DateCreatedFrom DateField = "dateCreatedFrom"
	DateCreatedTo   DateField = "dateCreatedTo"
	DateCrawledFrom DateField = "dateCrawledFrom"
	DateCrawledTo   DateField = "dateCrawledTo"
)

// DateFields は、クエリへのシリアライズ順に並べた日付範囲の項目です。
var DateFields = []DateField{DateCreatedFrom, DateCreatedTo, DateCrawledFrom, DateCrawledTo}

// State は、一覧ビュー1つ分の検索・絞り込み・ソート条件です。
// 値として扱い、更新は Reduce を通してのみ行います。ポインタ項目の指す先は書き換えません。
type State struct {
	Search      string
	Status      string
	HTMLVersion string
	HasLogin    string

	ranges map[RangeField]int
	dates  map[DateField]time.Time

	SortBy    string
	SortOrder SortOrder
}

// Default は初期状態を返します。
func Default() State {
	return State{
		Search:      "",
		Status:      All,
		HTMLVersion: All,
		HasLogin:    All,
		SortBy:      DefaultSortBy,
		SortOrder:   DefaultSortOrder,
	}
}

// Range は数値範囲フィルタの値を返します。未設定の場合 ok は false です。
func (s State) Range(f RangeField) (v int, ok bool) {
	v, ok = s.ranges[f]
	return v, ok
}

// Date は日付範囲フィルタの値を返します。未設定の場合 ok は false です。
func (s State) Date(f DateField) (t time.Time, ok bool) {
	t, ok = s.dates[f]
	return t, ok
}

// withRange は ranges をコピーした上で1項目を更新した新しい State を返します。
func (s State) withRange(f RangeField, v *int) State {
	next := make(map[RangeField]int, len(s.ranges)+1)
	for k, val := range s.ranges {
		next[k] = val
	}
	if v == nil {
		delete(next, f)
	} else {
		next[f] = *v
	}
	s.ranges = next
	return s
}

func (s State) withDate(f DateField, t *time.Time) State {
	next := make(map[DateField]time.Time, len(s.dates)+1)
	for k, val := range s.dates {
		next[k] = val
	}
	if t == nil {
		delete(next, f)
	} else {
		next[f] = *t
	}
	s.dates = next
	return s
}

// Equal は2つの State が同じ条件を表すかを返します。キャッシュキーの比較に使います。
func (s State) Equal(o State) bool {
	return s.Key() == o.Key()
}

// Key は、条件を安定した文字列に変換したものです。
// 既定値のフィールドは含まれないため、同じ条件は常に同じキーになります。
func (s State) Key() string {
	return Encode(s).Encode()
}

// HasActive は、ソート以外に有効な絞り込みが1つでもあるかを返します。
func HasActive(s State) bool {
	if s.Search != "" {
		return true
	}
	for _, v := range []string{s.Status, s.HTMLVersion, s.HasLogin} {
		if v != "" && v != All {
			return true
		}
	}
	return len(s.ranges) > 0 || len(s.dates) > 0
}

// ----------------------------------------------------------------------
// 入力値の検証 (CLIフラグ用)
// ----------------------------------------------------------------------

func oneOf(value string, allowed []string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}

// ValidateChoice は、列挙フィルタの値が許可されたものかを確認します。空文字と "all" は常に許可されます。
func ValidateChoice(name, value string, allowed []string) error {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" || v == All || oneOf(v, allowed) {
		return nil
	}
	return fmt.Errorf("%s に指定できない値です: %q (指定可能: all, %s)", name, value, strings.Join(allowed, ", "))
}

// ValidateSortField は、ソート可能な列名かを確認します。
func ValidateSortField(field string) error {
	if oneOf(field, SortFields) {
		return nil
	}
	return fmt.Errorf("ソートできない列です: %q (指定可能: %s)", field, strings.Join(SortFields, ", "))
}
