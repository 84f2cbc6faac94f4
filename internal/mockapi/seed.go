package mockapi

import (
	"fmt"
	"time"

	"github.com/shouni/go-crawl-dash/pkg/types"
)

var (
	seedStatuses = []types.CrawlStatus{
		types.StatusCompleted,
		types.StatusQueued,
		types.StatusFailed,
		types.StatusCompleted,
		types.StatusCancelled,
	}
	seedVersions = []string{"html5", "html4", "xhtml"}
)

// Seed は動作確認用のレコードを n 件投入します。完了済みのレコードには解析結果を入れます。
// 作成日時は現在時刻から1時間ずつ遡らせます。投入した件数を返します。
func (s *Server) Seed(n int) int {
	now := s.now().UTC()
	added := 0
	for i := 1; i <= n; i++ {
		created := now.Add(-time.Duration(n-i+1) * time.Hour)
		rec := types.URLRecord{
			URL:         fmt.Sprintf("https://demo%03d.example.com/", i),
			Status:      seedStatuses[i%len(seedStatuses)],
			HTMLVersion: seedVersions[i%len(seedVersions)],
			CreatedAt:   created,
			UpdatedAt:   created,
		}
		if rec.Status == types.StatusCompleted {
			analyze(&rec)
			crawled := created.Add(time.Minute)
			rec.CrawledAt = &crawled
			rec.UpdatedAt = crawled
		}
		s.Put(rec)
		added++
	}
	s.logger.Info().Int("records", added).Msg("デモデータを投入しました")
	return added
}
