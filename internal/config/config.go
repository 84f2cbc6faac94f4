package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/shouni/go-crawl-dash/pkg/types"
)

// 環境変数名
const (
	EnvAPIURL   = "CRAWL_DASH_API_URL"
	EnvWSURL    = "CRAWL_DASH_WS_URL"
	EnvAPIKey   = "CRAWL_DASH_API_KEY"
	EnvLogLevel = "CRAWL_DASH_LOG_LEVEL"
)

// 既定値
const (
	DefaultAPIURL     = "http://localhost:8080/api/v1"
	DefaultWSURL      = "ws://localhost:8080/ws"
	DefaultTimeout    = 10 * time.Second
	DefaultMaxRetries = 3
	DefaultDebounce   = 300 * time.Millisecond
	DefaultLogLevel   = "info"
)

// DotEnvFiles は読み込む .env ファイルです。先に読んだ値が優先されます。
var DotEnvFiles = []string{".env.local", ".env"}

// Config はアプリケーション全体の設定です。
type Config struct {
	API       APIConfig       `yaml:"api"`
	Live      LiveConfig      `yaml:"live"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	LogLevel  string          `yaml:"log_level"`
}

// APIConfig は REST API の接続設定です。
type APIConfig struct {
	URL        string        `yaml:"url"`
	Key        string        `yaml:"key"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	// RateLimit は1秒あたりのリクエスト数の上限です。0 なら無制限。
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// LiveConfig は WebSocket の接続設定です。
type LiveConfig struct {
	URL              string        `yaml:"url"`
	MaxAttempts      int           `yaml:"max_attempts"`
	ReconnectInitial time.Duration `yaml:"reconnect_initial"`
	ReconnectMax     time.Duration `yaml:"reconnect_max"`
}

// DashboardConfig は一覧表示の設定です。
type DashboardConfig struct {
	PageSize int           `yaml:"page_size"`
	Debounce time.Duration `yaml:"debounce"`
}

// Default は既定値で埋めた Config を返します。
func Default() *Config {
	return &Config{
		API: APIConfig{
			URL:        DefaultAPIURL,
			Timeout:    DefaultTimeout,
			MaxRetries: DefaultMaxRetries,
		},
		Live: LiveConfig{
			URL:              DefaultWSURL,
			ReconnectInitial: time.Second,
			ReconnectMax:     30 * time.Second,
		},
		Dashboard: DashboardConfig{
			PageSize: types.DefaultPageSize,
			Debounce: DefaultDebounce,
		},
		LogLevel: DefaultLogLevel,
	}
}

// LoadDotEnv は .env ファイルを環境変数に読み込みます。存在しないファイルは無視します。
// 既に設定されている環境変数は上書きしません。
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf(".envファイルの読み込みに失敗しました (%s): %w", f, err)
		}
	}
	return nil
}

// Load は既定値、YAMLファイル (path が空でなければ)、環境変数の順に設定を重ねて返します。
// 検証は行いません。呼び出し側でフラグを反映した後に Validate を呼んでください。
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("設定ファイルの読み込みに失敗しました (%s): %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("設定ファイルのパースに失敗しました (%s): %w", path, err)
	}
	return nil
}

// ApplyEnv は環境変数の値で設定を上書きします。空の値は無視します。
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(EnvAPIURL, &c.API.URL)
	set(EnvWSURL, &c.Live.URL)
	set(EnvAPIKey, &c.API.Key)
	set(EnvLogLevel, &c.LogLevel)
}

func checkURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s が不正です (%q): %w", name, raw, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%s は絶対URLで指定してください: %q", name, raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s のスキームは %s のいずれかにしてください: %q", name, strings.Join(schemes, ", "), raw)
}

// Validate は、APIクライアントとライブチャネルを作るのに必要な設定が揃っているかを検証します。
func (c *Config) Validate() error {
	var errs []error
	if err := checkURL("APIのURL", c.API.URL, "http", "https"); err != nil {
		errs = append(errs, err)
	}
	if err := checkURL("WebSocketのURL", c.Live.URL, "ws", "wss"); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.API.Key) == "" {
		errs = append(errs, fmt.Errorf("APIキーが設定されていません (%s または --api-key)", EnvAPIKey))
	}
	if c.API.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("タイムアウトは正の値にしてください: %s", c.API.Timeout))
	}
	if c.API.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("リトライ回数は0以上にしてください: %d", c.API.MaxRetries))
	}
	if !types.IsValidPageSize(c.Dashboard.PageSize) {
		errs = append(errs, fmt.Errorf("ページサイズは %v のいずれかにしてください: %d", types.PageSizes, c.Dashboard.PageSize))
	}
	return errors.Join(errs...)
}
