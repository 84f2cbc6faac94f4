package view

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/shouni/go-crawl-dash/pkg/types"
)

// HeadingBars は見出し数を h1..h6 の棒グラフ用データにします。
func HeadingBars(h types.HeadingsCount) []Bar {
	levels := h.Levels()
	bars := make([]Bar, 0, len(levels))
	for i, n := range levels {
		bars = append(bars, Bar{Label: fmt.Sprintf("h%d", i+1), Value: n, Paint: colorCyan})
	}
	return bars
}

// LinkBars はリンク数の内訳を棒グラフ用データにします。
func LinkBars(rec types.URLRecord) []Bar {
	return []Bar{
		{Label: "internal", Value: rec.InternalLinks, Paint: colorGreen},
		{Label: "external", Value: rec.ExternalLinks, Paint: colorYellow},
		{Label: "broken", Value: rec.BrokenLinks, Paint: colorRed},
	}
}

// RenderDetail は1件分の詳細と、見出し数・リンク数のグラフを w に書き出します。
func RenderDetail(w io.Writer, rec types.URLRecord) error {
	crawled := emptyCell
	if rec.CrawledAt != nil {
		crawled = rec.CrawledAt.Local().Format(dateLayout)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\t%d\n", rec.ID)
	fmt.Fprintf(tw, "URL\t%s\n", rec.URL)
	fmt.Fprintf(tw, "タイトル\t%s\n", DisplayTitle(rec.Title))
	fmt.Fprintf(tw, "ステータス\t%s\n", StatusBadge(rec.Status))
	fmt.Fprintf(tw, "HTMLバージョン\t%s\n", orDash(rec.HTMLVersion))
	fmt.Fprintf(tw, "ログインフォーム\t%s\n", yesNo(rec.HasLoginForm))
	fmt.Fprintf(tw, "見出し合計\t%d\n", rec.HeadingsCount.Total())
	fmt.Fprintf(tw, "作成日時\t%s\n", rec.CreatedAt.Local().Format(dateLayout))
	fmt.Fprintf(tw, "更新日時\t%s\n", rec.UpdatedAt.Local().Format(dateLayout))
	fmt.Fprintf(tw, "クロール日時\t%s\n", crawled)
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("詳細の書き出しに失敗しました: %w", err)
	}

	fmt.Fprintln(w)
	if err := RenderBarChart(w, "見出し数", HeadingBars(rec.HeadingsCount), DefaultBarWidth); err != nil {
		return err
	}
	fmt.Fprintln(w)
	return RenderBarChart(w, "リンク数", LinkBars(rec), DefaultBarWidth)
}
