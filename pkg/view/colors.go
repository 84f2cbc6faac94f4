package view

import (
	"fmt"

	"github.com/fatih/color"

	"github.com/shouni/go-crawl-dash/pkg/types"
)

var (
	colorGreen   = color.New(color.FgGreen).SprintFunc()
	colorRed     = color.New(color.FgRed).SprintFunc()
	colorYellow  = color.New(color.FgYellow).SprintFunc()
	colorCyan    = color.New(color.FgCyan).SprintFunc()
	colorMagenta = color.New(color.FgMagenta).SprintFunc()
	colorFaint   = color.New(color.Faint).SprintFunc()
)

// statusPaint はステータスごとの色です。未知のステータスは色なし。
func statusPaint(s types.CrawlStatus) func(a ...interface{}) string {
	switch s {
	case types.StatusQueued:
		return colorYellow
	case types.StatusCrawling:
		return colorCyan
	case types.StatusCompleted:
		return colorGreen
	case types.StatusFailed:
		return colorRed
	case types.StatusCancelled:
		return colorMagenta
	default:
		return fmt.Sprint
	}
}

// StatusBadge はステータスを色付きの文字列にします。
func StatusBadge(s types.CrawlStatus) string {
	return statusPaint(s)(string(s))
}
