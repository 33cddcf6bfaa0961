package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-vault-secret-for-development-32-chars-long"

func TestLoad(t *testing.T) {
	t.Run("加载默认配置成功", func(t *testing.T) {
		t.Setenv("BOARDMAIL_VAULT_SECRET", testSecret)

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9090, cfg.Server.Port)
		assert.Equal(t, "0.0.0.0:9090", cfg.Server.Address())
		assert.Equal(t, "info", cfg.Log.Level)
		assert.False(t, cfg.Log.Development)
		assert.Equal(t, "", cfg.Database.Type)
		assert.Equal(t, 5*time.Minute, cfg.Database.ConnMaxLifetime)
		assert.Equal(t, 2*time.Minute, cfg.Vault.RefreshSkew)
		assert.Equal(t, 30*time.Second, cfg.Poller.Interval)
		assert.Equal(t, 4, cfg.Poller.Workers)
		assert.Equal(t, 100, cfg.Poller.BatchSize)
		assert.Equal(t, 3, cfg.Poller.ResolveRetries)
		assert.Equal(t, 3*time.Minute, cfg.Poller.LeaseTTL)
		assert.Equal(t, 7*24*time.Hour, cfg.Poller.BootstrapWindow)
		assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
		assert.Empty(t, cfg.Server.AdminToken)
	})

	t.Run("加载自定义配置成功", func(t *testing.T) {
		t.Setenv("BOARDMAIL_VAULT_SECRET", testSecret)
		t.Setenv("BOARDMAIL_SERVER_PORT", "8081")
		t.Setenv("BOARDMAIL_LOG_LEVEL", "debug")
		t.Setenv("BOARDMAIL_DATABASE_TYPE", "Postgres")
		t.Setenv("BOARDMAIL_DATABASE_DSN", "postgres://u:p@localhost/boardmail")
		t.Setenv("BOARDMAIL_POLLER_INTERVAL", "1m")
		t.Setenv("BOARDMAIL_POLLER_WORKERS", "8")
		t.Setenv("BOARDMAIL_VAULT_REFRESH_SKEW", "5m")
		t.Setenv("BOARDMAIL_CORS_ALLOWED_ORIGINS", "https://ops.example.com, https://admin.example.com")
		t.Setenv("BOARDMAIL_SERVER_ADMIN_TOKEN", "ops-token")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 8081, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Log.Level)
		assert.Equal(t, "postgres", cfg.Database.Type)
		assert.Equal(t, time.Minute, cfg.Poller.Interval)
		assert.Equal(t, 8, cfg.Poller.Workers)
		assert.Equal(t, 5*time.Minute, cfg.Vault.RefreshSkew)
		assert.Equal(t, []string{"https://ops.example.com", "https://admin.example.com"}, cfg.CORS.AllowedOrigins)
		assert.Equal(t, "ops-token", cfg.Server.AdminToken)
	})

	t.Run("缺少保险库密钥时失败", func(t *testing.T) {
		os.Unsetenv("BOARDMAIL_VAULT_SECRET")

		_, err := Load()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "vault secret")
	})

	t.Run("无效的时长格式", func(t *testing.T) {
		t.Setenv("BOARDMAIL_VAULT_SECRET", testSecret)
		t.Setenv("BOARDMAIL_POLLER_INTERVAL", "soon")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("数据库类型需要 DSN", func(t *testing.T) {
		t.Setenv("BOARDMAIL_VAULT_SECRET", testSecret)
		t.Setenv("BOARDMAIL_DATABASE_TYPE", "mysql")
		t.Setenv("BOARDMAIL_DATABASE_DSN", "")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("不支持的数据库类型", func(t *testing.T) {
		t.Setenv("BOARDMAIL_VAULT_SECRET", testSecret)
		t.Setenv("BOARDMAIL_DATABASE_TYPE", "oracle")
		t.Setenv("BOARDMAIL_DATABASE_DSN", "x")

		_, err := Load()
		assert.Error(t, err)
	})
}
