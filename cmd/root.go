package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	clibase "github.com/shouni/go-cli-base"
	"github.com/spf13/cobra"

	"github.com/shouni/go-crawl-dash/internal/config"
	"github.com/shouni/go-crawl-dash/pkg/api"
	"github.com/shouni/go-crawl-dash/pkg/metrics"
	"github.com/shouni/go-crawl-dash/pkg/retry"
)

// --- グローバル定数 ---

const (
	appName = "crawl-dash"

	// 1コマンド全体のタイムアウト (watch と mock-server 以外)
	DefaultOverallTimeout = 60 * time.Second
)

// --- グローバル変数とフラグ構造体 ---

// AppFlags はこのアプリケーション固有の永続フラグを保持
type AppFlags struct {
	ConfigPath string  // --config-file 設定ファイル
	APIURL     string  // --api-url
	WSURL      string  // --ws-url
	APIKey     string  // --api-key
	TimeoutSec int     // --timeout タイムアウト
	MaxRetries int     // --max-retries リトライ回数
	RateLimit  float64 // --rate-limit 1秒あたりのリクエスト数
}

var Flags AppFlags

// globalConfig は PersistentPreRunE で組み立てた設定です。
var globalConfig *config.Config

// --- 初期化とロジック (clibaseへのコールバックとして利用) ---

// addAppPersistentFlags は、アプリケーション固有の永続フラグをルートコマンドに追加します。
func addAppPersistentFlags(rootCmd *cobra.Command) {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&Flags.ConfigPath, "config-file", "", "設定ファイル (YAML) のパス")
	pf.StringVar(&Flags.APIURL, "api-url", "", fmt.Sprintf("APIのベースURL (既定: %s)", config.DefaultAPIURL))
	pf.StringVar(&Flags.WSURL, "ws-url", "", fmt.Sprintf("WebSocketのURL (既定: %s)", config.DefaultWSURL))
	pf.StringVar(&Flags.APIKey, "api-key", "", "APIキー (X-API-Key ヘッダーで送信)")
	pf.IntVar(&Flags.TimeoutSec, "timeout", int(config.DefaultTimeout/time.Second), "HTTPリクエストのタイムアウト時間（秒）")
	pf.IntVar(&Flags.MaxRetries, "max-retries", config.DefaultMaxRetries, "参照系リクエストのリトライ最大回数")
	pf.Float64Var(&Flags.RateLimit, "rate-limit", 0, "1秒あたりのリクエスト数の上限 (0 で無制限)")
}

// initAppPreRunE は、clibase共通処理の後に実行される、アプリケーション固有のPersistentPreRunEです。
// NOTE: clibaseの PersistentPreRunE チェーンにより、clibase.Flags.Verbose はこの関数実行前に設定済み
func initAppPreRunE(cmd *cobra.Command, args []string) error {
	if err := config.LoadDotEnv(config.DotEnvFiles...); err != nil {
		return err
	}
	cfg, err := config.Load(Flags.ConfigPath)
	if err != nil {
		return err
	}
	applyFlagOverrides(cmd, cfg)
	setupLogging(cfg.LogLevel, clibase.Flags.Verbose)

	log.Debug().
		Str("api_url", cfg.API.URL).
		Str("ws_url", cfg.Live.URL).
		Dur("timeout", cfg.API.Timeout).
		Int("max_retries", cfg.API.MaxRetries).
		Msg("設定を読み込みました")

	globalConfig = cfg
	return nil
}

// applyFlagOverrides は、明示的に指定されたフラグだけで設定を上書きします。
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("api-url") {
		cfg.API.URL = Flags.APIURL
	}
	if flags.Changed("ws-url") {
		cfg.Live.URL = Flags.WSURL
	}
	if flags.Changed("api-key") {
		cfg.API.Key = Flags.APIKey
	}
	if flags.Changed("timeout") {
		cfg.API.Timeout = time.Duration(Flags.TimeoutSec) * time.Second
	}
	if flags.Changed("max-retries") {
		cfg.API.MaxRetries = Flags.MaxRetries
	}
	if flags.Changed("rate-limit") {
		cfg.API.RateLimit = Flags.RateLimit
	}
}

// setupLogging はグローバルロガーを設定します。ログは標準エラーに出し、標準出力は表示専用にします。
func setupLogging(levelName string, verbose bool) {
	level, err := zerolog.ParseLevel(levelName)
	if err != nil || levelName == "" {
		level = zerolog.InfoLevel
	}
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

// newAPIClient は設定を検証してAPIクライアントを生成します。
func newAPIClient(cfg *config.Config, m *metrics.Collector) (*api.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定が不正です: %w", err)
	}

	rc := retry.DefaultConfig()
	rc.MaxRetries = uint64(cfg.API.MaxRetries)

	opts := []api.ClientOption{api.WithRetryConfig(rc), api.WithMetrics(m)}
	if cfg.API.RateLimit > 0 {
		opts = append(opts, api.WithRateLimit(cfg.API.RateLimit, cfg.API.Burst))
	}
	return api.New(cfg.API.URL, cfg.API.Key, cfg.API.Timeout, opts...)
}

// --- エントリポイント ---

// Execute は、rootCmd を実行するメイン関数です。clibaseのExecuteを使用する。
func Execute() {
	clibase.Execute(
		appName,
		addAppPersistentFlags,
		initAppPreRunE,
		addCmd,
		listCmd,
		getCmd,
		scanCmd,
		cancelCmd,
		deleteCmd,
		rescanCmd,
		watchCmd,
		mockServerCmd,
	)
}
