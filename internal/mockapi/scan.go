package mockapi

import (
	"context"
	"hash/fnv"
	"net/url"
	"time"

	"github.com/shouni/go-crawl-dash/pkg/filters"
	"github.com/shouni/go-crawl-dash/pkg/page"
	"github.com/shouni/go-crawl-dash/pkg/types"
)

// PageAnalyzer は実際にページを取得して解析します。*page.Analyzer が満たします。
type PageAnalyzer interface {
	Analyze(ctx context.Context, rawURL string) (*page.Report, error)
}

// startScan はスキャンを開始し、crawling を通知します。
// 解析器が無ければ scanDuration 後に疑似的な結果で完了します。
func (s *Server) startScan(id uint) error {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return errNotFound
	}
	if _, running := s.scans[id]; running {
		s.mu.Unlock()
		return errScanRunning
	}
	cancel := make(chan struct{})
	s.scans[id] = cancel
	rec.Status = types.StatusCrawling
	rec.UpdatedAt = s.now().UTC()
	target := rec.URL
	s.mu.Unlock()

	s.hub.BroadcastStatus(id, types.StatusCrawling)

	s.wg.Add(1)
	if s.analyzer != nil {
		go s.performAnalysis(id, target, cancel)
	} else {
		go s.performScan(id, cancel)
	}
	return nil
}

// cancelScan は実行中のスキャンを止めます。cancelled の通知は performScan が行います。
func (s *Server) cancelScan(id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return errNotFound
	}
	ch, running := s.scans[id]
	if !running {
		return errNoActiveScan
	}
	close(ch)
	delete(s.scans, id)
	return nil
}

func (s *Server) performScan(id uint, cancel chan struct{}) {
	defer s.wg.Done()

	timer := time.NewTimer(s.scanDuration)
	defer timer.Stop()

	select {
	case <-s.stop:
		return
	case <-cancel:
		s.finishScan(id, cancel, types.StatusCancelled, nil)
	case <-timer.C:
		s.finishScan(id, cancel, types.StatusCompleted, nil)
	}
}

// performAnalysis は解析器でページを取得します。取得に失敗した場合は failed で終わります。
func (s *Server) performAnalysis(id uint, target string, cancel chan struct{}) {
	defer s.wg.Done()

	ctx, stopCtx := context.WithCancel(context.Background())
	defer stopCtx()
	go func() {
		select {
		case <-cancel:
		case <-s.stop:
		case <-ctx.Done():
		}
		stopCtx()
	}()

	report, err := s.analyzer.Analyze(ctx, target)

	select {
	case <-s.stop:
		return
	case <-cancel:
		s.finishScan(id, cancel, types.StatusCancelled, nil)
		return
	default:
	}
	if err != nil {
		s.logger.Warn().Err(err).Uint("id", id).Str("url", target).Msg("ページの解析に失敗しました")
		s.finishScan(id, cancel, types.StatusFailed, nil)
		return
	}
	s.finishScan(id, cancel, types.StatusCompleted, report)
}

// finishScan は結果を保存して通知します。completed で report が nil なら疑似的な結果を入れます。
func (s *Server) finishScan(id uint, ch chan struct{}, status types.CrawlStatus, report *page.Report) {
	s.mu.Lock()
	if cur, running := s.scans[id]; running {
		if cur != ch {
			// 後から始まった別のスキャンが動いている
			s.mu.Unlock()
			return
		}
		delete(s.scans, id)
	}
	rec, ok := s.records[id]
	if !ok {
		// スキャン中に削除された
		s.mu.Unlock()
		return
	}
	now := s.now().UTC()
	rec.Status = status
	rec.UpdatedAt = now
	if status == types.StatusCompleted {
		if report != nil {
			report.Apply(rec)
		} else {
			analyze(rec)
		}
		rec.CrawledAt = &now
	}
	s.mu.Unlock()

	s.hub.BroadcastStatus(id, status)
}

// analyze は URL から決まる疑似的な解析結果をレコードに書き込みます。
// 同じ URL なら常に同じ結果になります。
func analyze(rec *types.URLRecord) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(rec.URL))
	n := h.Sum32()

	host := rec.URL
	if u, err := url.Parse(rec.URL); err == nil && u.Host != "" {
		host = u.Host
	}

	rec.HTMLVersion = filters.HTMLVersions[n%uint32(len(filters.HTMLVersions))]
	rec.Title = "Mock page for " + host
	rec.HeadingsCount = types.HeadingsCount{
		H1: 1,
		H2: int(n>>3) % 6,
		H3: int(n>>6) % 8,
		H4: int(n>>9) % 4,
	}
	rec.InternalLinks = int(n>>12) % 50
	rec.ExternalLinks = int(n>>18) % 20
	rec.BrokenLinks = int(n>>24) % 5
	rec.HasLoginForm = n%4 == 0
}
