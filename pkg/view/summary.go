package view

import (
	"io"

	"github.com/shouni/go-crawl-dash/pkg/types"
)

// StatusCounts はステータスごとの件数を数えます。
func StatusCounts(records []types.URLRecord) map[types.CrawlStatus]int {
	counts := make(map[types.CrawlStatus]int, len(types.AllStatuses))
	for _, rec := range records {
		counts[rec.Status]++
	}
	return counts
}

// RenderStatusSummary は現在のページのステータス内訳をグラフで w に書き出します。
// 0件のステータスも表示順を保つために含めます。
func RenderStatusSummary(w io.Writer, records []types.URLRecord) error {
	counts := StatusCounts(records)
	bars := make([]Bar, 0, len(types.AllStatuses))
	for _, s := range types.AllStatuses {
		bars = append(bars, Bar{
			Label: string(s),
			Value: counts[s],
			Paint: statusPaint(s),
		})
	}
	return RenderBarChart(w, "ステータス内訳", bars, DefaultBarWidth)
}
