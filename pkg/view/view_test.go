package view

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shouni/go-crawl-dash/pkg/api"
	"github.com/shouni/go-crawl-dash/pkg/types"
)

func TestMain(m *testing.M) {
	// 出力の比較を簡単にするため色を無効化する
	color.NoColor = true
	os.Exit(m.Run())
}

func sampleRecord() types.URLRecord {
	created := time.Date(2025, 1, 2, 3, 4, 0, 0, time.UTC)
	return types.URLRecord{
		ID:            42,
		URL:           "https://example.com/",
		Status:        types.StatusCompleted,
		HTMLVersion:   "html5",
		Title:         "Example Domain",
		HeadingsCount: types.HeadingsCount{H1: 1, H2: 4, H3: 2},
		InternalLinks: 8,
		ExternalLinks: 3,
		BrokenLinks:   1,
		HasLoginForm:  true,
		CreatedAt:     created,
		UpdatedAt:     created,
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{name: "短い", in: "abc", max: 5, want: "abc"},
		{name: "ちょうど", in: "abcde", max: 5, want: "abcde"},
		{name: "長い", in: "abcdefgh", max: 5, want: "abcd…"},
		{name: "マルチバイト", in: "あいうえおかき", max: 4, want: "あいう…"},
		{name: "上限なし", in: "abcdefgh", max: 0, want: "abcdefgh"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Truncate(tt.in, tt.max))
		})
	}
}

func TestStatusBadge(t *testing.T) {
	for _, s := range types.AllStatuses {
		assert.Equal(t, string(s), StatusBadge(s))
	}
	assert.Equal(t, "weird", StatusBadge(types.CrawlStatus("weird")))
}

func TestRenderTable(t *testing.T) {
	rec := sampleRecord()
	other := sampleRecord()
	other.ID = 43
	other.Title = ""
	other.HTMLVersion = ""
	other.Status = types.StatusQueued
	other.HasLoginForm = false

	page := &types.PaginatedURLs{
		Data:       []types.URLRecord{rec, other},
		Pagination: types.NewPagination(1, 10, 2),
	}

	var buf bytes.Buffer
	require.NoError(t, RenderTable(&buf, page))
	out := buf.String()
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 4)

	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[0], "STATUS")
	assert.Contains(t, lines[1], "https://example.com/")
	assert.Contains(t, lines[1], "Example Domain")
	assert.Contains(t, lines[1], "completed")
	assert.Contains(t, lines[1], "yes")
	assert.Contains(t, lines[2], "queued")
	assert.Contains(t, lines[2], "no")
	assert.Equal(t, "ページ 1 / 1 (全 2 件, 10 件/ページ)", lines[3])
}

func TestRenderTable_Empty(t *testing.T) {
	var buf bytes.Buffer
	page := &types.PaginatedURLs{Pagination: types.NewPagination(1, 25, 0)}
	require.NoError(t, RenderTable(&buf, page))
	assert.Equal(t, "該当するURLはありません。\nページ 0 / 0 (全 0 件, 25 件/ページ)\n", buf.String())

	buf.Reset()
	require.NoError(t, RenderTable(&buf, nil))
	assert.Equal(t, "該当するURLはありません。\n", buf.String())
}

func TestBarLength(t *testing.T) {
	assert.Equal(t, 10, barLength(10, 10, 10))
	assert.Equal(t, 5, barLength(5, 10, 10))
	assert.Equal(t, 1, barLength(1, 100, 10), "0より大きい値は最低1マス")
	assert.Equal(t, 0, barLength(0, 10, 10))
	assert.Equal(t, 0, barLength(3, 0, 10))
}

func TestRenderBarChart(t *testing.T) {
	var buf bytes.Buffer
	bars := []Bar{{Label: "a", Value: 10}, {Label: "bb", Value: 5}, {Label: "c", Value: 0}}
	require.NoError(t, RenderBarChart(&buf, "グラフ", bars, 10))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "グラフ", lines[0])
	assert.Contains(t, lines[1], strings.Repeat(barRune, 10)+" 10")
	assert.Contains(t, lines[2], strings.Repeat(barRune, 5)+" 5")
	assert.NotContains(t, lines[3], barRune)
	assert.True(t, strings.HasSuffix(lines[3], " 0"))
}

func TestRenderDetail(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, RenderDetail(&buf, sampleRecord()))
	out := buf.String()

	assert.Contains(t, out, "https://example.com/")
	assert.Contains(t, out, "Example Domain")
	assert.Contains(t, out, "見出し数")
	assert.Contains(t, out, "リンク数")
	for _, label := range []string{"h1", "h2", "h3", "h4", "h5", "h6", "internal", "external", "broken"} {
		assert.Contains(t, out, label)
	}
	// クロール日時が無い場合は "-"
	assert.Regexp(t, `クロール日時\s+-`, out)
}

func TestHeadingBars(t *testing.T) {
	bars := HeadingBars(types.HeadingsCount{H1: 1, H6: 6})
	require.Len(t, bars, 6)
	assert.Equal(t, "h1", bars[0].Label)
	assert.Equal(t, 1, bars[0].Value)
	assert.Equal(t, "h6", bars[5].Label)
	assert.Equal(t, 6, bars[5].Value)
}

func TestStatusSummary(t *testing.T) {
	recs := []types.URLRecord{
		{ID: 1, Status: types.StatusCompleted},
		{ID: 2, Status: types.StatusCompleted},
		{ID: 3, Status: types.StatusFailed},
	}
	counts := StatusCounts(recs)
	assert.Equal(t, 2, counts[types.StatusCompleted])
	assert.Equal(t, 1, counts[types.StatusFailed])
	assert.Equal(t, 0, counts[types.StatusQueued])

	var buf bytes.Buffer
	require.NoError(t, RenderStatusSummary(&buf, recs))
	for _, s := range types.AllStatuses {
		assert.Contains(t, buf.String(), string(s))
	}
}

func TestNotifier_Error(t *testing.T) {
	var buf bytes.Buffer
	n := NewNotifier(&buf)

	got := n.Error("URLの追加", &api.ServerError{StatusCode: 409, Message: "URL already exists"})
	assert.Equal(t, LevelError, got.Level)
	assert.Equal(t, "URLの追加: URL already exists", got.Message)

	got = n.Error("", &api.TransportError{Op: "list", Err: errors.New("connection refused")})
	assert.Equal(t, "サーバーに接続できませんでした。時間をおいて再度お試しください。", got.Message)

	assert.Contains(t, buf.String(), "✖ URLの追加: URL already exists")
}

func TestNotifier_ActiveExpires(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	n := NewNotifier(nil)
	n.now = func() time.Time { return now }

	n.Success("追加しました: %d", 1)
	now = now.Add(3 * time.Second)
	n.Info("再接続しました")

	active := n.Active()
	require.Len(t, active, 2)
	assert.Equal(t, LevelSuccess, active[0].Level)
	assert.Equal(t, "追加しました: 1", active[0].Message)

	now = now.Add(3 * time.Second)
	active = n.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "再接続しました", active[0].Message)
}
