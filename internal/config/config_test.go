package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, DefaultAPIURL, cfg.API.URL)
	assert.Equal(t, DefaultWSURL, cfg.Live.URL)
	assert.Equal(t, 10, cfg.Dashboard.PageSize)
	assert.Equal(t, 300*time.Millisecond, cfg.Dashboard.Debounce)
	assert.Empty(t, cfg.API.Key)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	cfg.ApplyEnv(lookupFrom(map[string]string{
		EnvAPIURL: " https://crawler.example.com/api/v1 ",
		EnvWSURL:  "wss://crawler.example.com/ws",
		EnvAPIKey: "secret",
		// 空の値は無視される
		EnvLogLevel: "",
	}))

	assert.Equal(t, "https://crawler.example.com/api/v1", cfg.API.URL)
	assert.Equal(t, "wss://crawler.example.com/ws", cfg.Live.URL)
	assert.Equal(t, "secret", cfg.API.Key)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crawl-dash.yaml")
	content := `
api:
  url: http://file.example.com/api/v1
  key: from-file
  timeout: 3s
  rate_limit: 5
live:
  max_attempts: 4
dashboard:
  page_size: 25
  debounce: 100ms
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv(EnvAPIKey, "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://file.example.com/api/v1", cfg.API.URL)
	assert.Equal(t, "from-env", cfg.API.Key, "環境変数がファイルより優先される")
	assert.Equal(t, 3*time.Second, cfg.API.Timeout)
	assert.Equal(t, 5.0, cfg.API.RateLimit)
	assert.Equal(t, 4, cfg.Live.MaxAttempts)
	assert.Equal(t, 25, cfg.Dashboard.PageSize)
	assert.Equal(t, 100*time.Millisecond, cfg.Dashboard.Debounce)
	// ファイルに無い項目は既定値のまま
	assert.Equal(t, DefaultWSURL, cfg.Live.URL)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "設定ファイルの読み込みに失敗しました")

	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api: [unclosed"), 0o600))
	_, err = Load(path)
	assert.ErrorContains(t, err, "設定ファイルのパースに失敗しました")
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, ".env.local")
	base := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(local, []byte(EnvAPIKey+"=local-key\n"), 0o600))
	require.NoError(t, os.WriteFile(base, []byte(EnvAPIKey+"=base-key\n"+EnvWSURL+"=ws://base/ws\n"), 0o600))

	// t.Setenv で元の状態に戻るように登録してから消す
	t.Setenv(EnvAPIKey, "")
	t.Setenv(EnvWSURL, "")
	require.NoError(t, os.Unsetenv(EnvAPIKey))
	require.NoError(t, os.Unsetenv(EnvWSURL))

	require.NoError(t, LoadDotEnv(local, filepath.Join(dir, "missing.env"), base))
	assert.Equal(t, "local-key", os.Getenv(EnvAPIKey), ".env.local が優先される")
	assert.Equal(t, "ws://base/ws", os.Getenv(EnvWSURL))
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.API.Key = "secret"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "正常", mutate: func(*Config) {}},
		{name: "相対URL", mutate: func(c *Config) { c.API.URL = "/api/v1" }, wantErr: "絶対URL"},
		{name: "APIのスキーム", mutate: func(c *Config) { c.API.URL = "ftp://example.com" }, wantErr: "スキーム"},
		{name: "WSのスキーム", mutate: func(c *Config) { c.Live.URL = "http://localhost:8080/ws" }, wantErr: "WebSocketのURL"},
		{name: "APIキーなし", mutate: func(c *Config) { c.API.Key = "  " }, wantErr: EnvAPIKey},
		{name: "タイムアウト", mutate: func(c *Config) { c.API.Timeout = 0 }, wantErr: "タイムアウト"},
		{name: "ページサイズ", mutate: func(c *Config) { c.Dashboard.PageSize = 7 }, wantErr: "ページサイズ"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
