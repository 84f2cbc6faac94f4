package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/shouni/go-crawl-dash/pkg/filters"
	"github.com/shouni/go-crawl-dash/pkg/types"
)

const dateOnlyLayout = "2006-01-02"

// filterFlags は list と watch で共通の絞り込み・ソート・ページのフラグです。
type filterFlags struct {
	search      string
	status      string
	htmlVersion string
	hasLogin    string
	sortBy      string
	order       string
	page        int
	pageSize    int

	ranges map[filters.RangeField]*int
	dates  map[filters.DateField]*string
}

func newFilterFlags() *filterFlags {
	return &filterFlags{
		ranges: make(map[filters.RangeField]*int),
		dates:  make(map[filters.DateField]*string),
	}
}

// flagName は "internalLinksMin" を "internal-links-min" に変換します。
func flagName(field string) string {
	var b strings.Builder
	for i, r := range field {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(r - 'A' + 'a')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (f *filterFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.search, "search", "", "URL・タイトルの部分一致検索")
	fl.StringVar(&f.status, "status", filters.All, "ステータスで絞り込み (all, queued, crawling, completed, failed, cancelled)")
	fl.StringVar(&f.htmlVersion, "html-version", filters.All, "HTMLバージョンで絞り込み (all, html5, html4, xhtml)")
	fl.StringVar(&f.hasLogin, "has-login", filters.All, "ログインフォームの有無で絞り込み (all, yes, no)")
	fl.StringVar(&f.sortBy, "sort", filters.DefaultSortBy, "ソートする列")
	fl.StringVar(&f.order, "order", string(filters.DefaultSortOrder), "ソート方向 (asc, desc)")
	fl.IntVar(&f.page, "page", 1, "表示するページ")
	fl.IntVar(&f.pageSize, "page-size", 0, fmt.Sprintf("1ページの件数 %v (既定は設定ファイルの値)", types.PageSizes))

	for _, rf := range filters.RangeFields {
		v := new(int)
		f.ranges[rf] = v
		fl.IntVar(v, flagName(string(rf)), 0, "リンク数の範囲")
	}
	for _, df := range filters.DateFields {
		v := new(string)
		f.dates[df] = v
		fl.StringVar(v, flagName(string(df)), "", "日付の範囲 (YYYY-MM-DD または RFC3339)")
	}
}

func statusChoices() []string {
	out := make([]string, len(types.AllStatuses))
	for i, s := range types.AllStatuses {
		out[i] = string(s)
	}
	return out
}

// parseDate は日付フラグを解析します。日付だけの "to" はその日の終わりまでを含めます。
func parseDate(field filters.DateField, raw string) (time.Time, error) {
	return parseDateIn(field, raw, time.Local)
}

func parseDateIn(field filters.DateField, raw string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(dateOnlyLayout, raw, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s の日付が不正です: %q", flagName(string(field)), raw)
	}
	if field == filters.DateCreatedTo || field == filters.DateCrawledTo {
		// 夏時間の切り替え日は24時間ではないので暦日で進める
		t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return t, nil
}

// actions は指定されたフラグを Reduce に渡すアクション列に変換します。
// 未指定のフラグはアクションにしません。
func (f *filterFlags) actions(cmd *cobra.Command) ([]filters.Action, error) {
	if err := filters.ValidateChoice("--status", f.status, statusChoices()); err != nil {
		return nil, err
	}
	if err := filters.ValidateChoice("--html-version", f.htmlVersion, filters.HTMLVersions); err != nil {
		return nil, err
	}
	if err := filters.ValidateChoice("--has-login", f.hasLogin, filters.LoginOptions); err != nil {
		return nil, err
	}

	var acts []filters.Action
	if s := strings.TrimSpace(f.search); s != "" {
		acts = append(acts, filters.SetSearch{Value: s})
	}
	if v := strings.ToLower(strings.TrimSpace(f.status)); v != "" && v != filters.All {
		acts = append(acts, filters.SetStatus{Value: v})
	}
	if v := strings.ToLower(strings.TrimSpace(f.htmlVersion)); v != "" && v != filters.All {
		acts = append(acts, filters.SetHTMLVersion{Value: v})
	}
	if v := strings.ToLower(strings.TrimSpace(f.hasLogin)); v != "" && v != filters.All {
		acts = append(acts, filters.SetHasLogin{Value: v})
	}

	fl := cmd.Flags()
	for _, rf := range filters.RangeFields {
		if !fl.Changed(flagName(string(rf))) {
			continue
		}
		v := *f.ranges[rf]
		if v < 0 {
			return nil, fmt.Errorf("--%s は0以上にしてください: %d", flagName(string(rf)), v)
		}
		acts = append(acts, filters.SetRange{Field: rf, Value: filters.IntPtr(v)})
	}
	for _, df := range filters.DateFields {
		raw := strings.TrimSpace(*f.dates[df])
		if raw == "" {
			continue
		}
		t, err := parseDate(df, raw)
		if err != nil {
			return nil, err
		}
		acts = append(acts, filters.SetDate{Field: df, Value: filters.TimePtr(t)})
	}

	sortActs, err := sortActions(filters.Default(), f.sortBy, f.order)
	if err != nil {
		return nil, err
	}
	return append(acts, sortActs...), nil
}

// sortActions は、現在の状態から目的の列と方向にするための SetSort の列を返します。
// SetSort は同じ列で方向を反転し、別の列では昇順から始めるため、最大2回になります。
func sortActions(cur filters.State, field, order string) ([]filters.Action, error) {
	if err := filters.ValidateSortField(field); err != nil {
		return nil, err
	}
	want := filters.SortOrder(strings.ToLower(strings.TrimSpace(order)))
	if want != filters.Asc && want != filters.Desc {
		return nil, fmt.Errorf("--order は asc か desc を指定してください: %q", order)
	}

	var acts []filters.Action
	s := cur
	for i := 0; i < 2 && (s.SortBy != field || s.SortOrder != want); i++ {
		a := filters.SetSort{Field: field}
		acts = append(acts, a)
		s = filters.Reduce(s, a)
	}
	return acts, nil
}

// state はアクションを初期状態に順に適用した結果です。
func (f *filterFlags) state(cmd *cobra.Command) (filters.State, error) {
	acts, err := f.actions(cmd)
	if err != nil {
		return filters.State{}, err
	}
	s := filters.Default()
	for _, a := range acts {
		s = filters.Reduce(s, a)
	}
	return s, nil
}

// resolvePageSize はフラグ、設定の順にページサイズを決めます。
func (f *filterFlags) resolvePageSize(fallback int) (int, error) {
	size := f.pageSize
	if size == 0 {
		size = fallback
	}
	if !types.IsValidPageSize(size) {
		return 0, fmt.Errorf("--page-size は %v のいずれかを指定してください: %d", types.PageSizes, size)
	}
	return size, nil
}
