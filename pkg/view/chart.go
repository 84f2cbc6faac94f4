package view

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

// DefaultBarWidth は最大値のバーの長さです。
const DefaultBarWidth = 30

const barRune = "█"

// Bar は棒グラフの1本です。
type Bar struct {
	Label string
	Value int
	// Paint はバーに色を付ける関数です。nil なら色なし。
	Paint func(a ...interface{}) string
}

// barLength は value を最大値 max に対する width 内の長さに換算します。
// 0 より大きい値は最低1マス描きます。
func barLength(value, max, width int) int {
	if value <= 0 || max <= 0 || width <= 0 {
		return 0
	}
	n := value * width / max
	if n == 0 {
		n = 1
	}
	return n
}

// RenderBarChart は横棒グラフを w に書き出します。
func RenderBarChart(w io.Writer, title string, bars []Bar, width int) error {
	if width <= 0 {
		width = DefaultBarWidth
	}
	max := 0
	for _, b := range bars {
		if b.Value > max {
			max = b.Value
		}
	}

	if title != "" {
		if _, err := fmt.Fprintln(w, title); err != nil {
			return err
		}
	}
	tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
	for _, b := range bars {
		bar := strings.Repeat(barRune, barLength(b.Value, max, width))
		if b.Paint != nil && bar != "" {
			bar = b.Paint(bar)
		}
		fmt.Fprintf(tw, "  %s\t%s %d\n", b.Label, bar, b.Value)
	}
	return tw.Flush()
}
