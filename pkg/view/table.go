package view

import (
	"fmt"
	"io"
	"text/tabwriter"
	"unicode/utf8"

	textUtils "github.com/shouni/go-utils/text"

	"github.com/shouni/go-crawl-dash/pkg/types"
)

const (
	maxURLWidth   = 48
	maxTitleWidth = 32
	dateLayout    = "2006-01-02 15:04"
	emptyCell     = "-"
)

// Truncate は s を最大 max 文字 (rune 単位) に切り詰め、切り詰めた場合は末尾に "…" を付けます。
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-1]) + "…"
}

// DisplayTitle は表示用にタイトルを整形します。空なら "-" を返します。
func DisplayTitle(title string) string {
	t := textUtils.NormalizeText(title)
	if t == "" {
		return emptyCell
	}
	return t
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func orDash(s string) string {
	if s == "" {
		return emptyCell
	}
	return s
}

// RenderTable は一覧ページを表形式で w に書き出します。末尾にページ情報を付けます。
func RenderTable(w io.Writer, page *types.PaginatedURLs) error {
	if page == nil || len(page.Data) == 0 {
		if _, err := fmt.Fprintln(w, "該当するURLはありません。"); err != nil {
			return err
		}
		return renderFooter(w, page)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tURL\tTITLE\tSTATUS\tHTML\tINT\tEXT\tBROKEN\tLOGIN\tCREATED")
	for _, rec := range page.Data {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			rec.ID,
			Truncate(rec.URL, maxURLWidth),
			Truncate(DisplayTitle(rec.Title), maxTitleWidth),
			StatusBadge(rec.Status),
			orDash(rec.HTMLVersion),
			rec.InternalLinks,
			rec.ExternalLinks,
			rec.BrokenLinks,
			yesNo(rec.HasLoginForm),
			rec.CreatedAt.Local().Format(dateLayout),
		)
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("表の書き出しに失敗しました: %w", err)
	}
	return renderFooter(w, page)
}

func renderFooter(w io.Writer, page *types.PaginatedURLs) error {
	if page == nil {
		return nil
	}
	p := page.Pagination
	_, err := fmt.Fprintln(w, colorFaint(fmt.Sprintf("ページ %d / %d (全 %d 件, %d 件/ページ)",
		p.CurrentPage, p.TotalPages, p.TotalItems, p.PageSize)))
	return err
}
