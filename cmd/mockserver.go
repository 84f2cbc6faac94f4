package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/shouni/go-crawl-dash/internal/mockapi"
	"github.com/shouni/go-crawl-dash/pkg/metrics"
	"github.com/shouni/go-crawl-dash/pkg/page"
)

const shutdownTimeout = 10 * time.Second

var mockFlags struct {
	addr         string
	scanDuration time.Duration
	seed         int
	metricsAddr  string
	fetch        bool
	concurrency  int
}

var mockServerCmd = &cobra.Command{
	Use:   "mock-server",
	Short: "メモリ上で動くクロールバックエンドを起動します",
	Long: `REST API (` + mockapi.BasePath + `) と WebSocket (` + mockapi.WSPath + `) をローカルで提供します。
APIキーが設定されていれば X-API-Key ヘッダーを検査します。`,
	Args: cobra.NoArgs,
	RunE: runMockServer,
}

func init() {
	f := mockServerCmd.Flags()
	f.StringVar(&mockFlags.addr, "addr", ":8080", "待ち受けるアドレス")
	f.DurationVar(&mockFlags.scanDuration, "scan-duration", mockapi.DefaultScanDuration, "スキャン開始から完了までの時間")
	f.IntVar(&mockFlags.seed, "seed", 0, "起動時に投入するデモデータの件数")
	f.StringVar(&mockFlags.metricsAddr, "metrics-addr", "", "Prometheus メトリクスを公開するアドレス (例: :9091)")
	f.BoolVar(&mockFlags.fetch, "fetch", false, "スキャン時に実際にページを取得して解析する")
	f.IntVar(&mockFlags.concurrency, "link-concurrency", page.DefaultMaxConcurrency, "リンク確認の最大同時実行数 (--fetch 指定時)")
}

func runMockServer(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []mockapi.Option{
		mockapi.WithAPIKey(globalConfig.API.Key),
		mockapi.WithScanDuration(mockFlags.scanDuration),
	}
	if mockFlags.fetch {
		fetcher := page.New(globalConfig.API.Timeout, page.WithMaxRetries(uint64(globalConfig.API.MaxRetries)))
		opts = append(opts, mockapi.WithAnalyzer(page.NewAnalyzer(fetcher, mockFlags.concurrency)))
	}
	if mockFlags.metricsAddr != "" {
		collector := metrics.New()
		opts = append(opts, mockapi.WithMetrics(collector))
		shutdown := serveMetrics(mockFlags.metricsAddr, collector)
		defer shutdown()
	}

	backend := mockapi.New(opts...)
	defer backend.Close()
	if mockFlags.seed > 0 {
		backend.Seed(mockFlags.seed)
	}
	if globalConfig.API.Key == "" {
		log.Warn().Msg("APIキーが未設定のため、認証なしで待ち受けます")
	}

	srv := &http.Server{
		Addr:              mockFlags.addr,
		Handler:           backend.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", mockFlags.addr).Msg("モックサーバーを起動しました")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("モックサーバーを停止します")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// WebSocket はハイジャック済みのため Shutdown では閉じない。backend.Close で閉じる
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
