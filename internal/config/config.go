package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义运维 HTTP 监听参数（指标、健康检查、手动触发）
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 9090
	// AdminToken 保护 /admin 接口的静态令牌，留空则关闭 /admin
	AdminToken string
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 彩色控制台输出
	File        string // 日志文件路径，留空只输出到控制台
}

// DatabaseConfig 定义数据库连接配置
type DatabaseConfig struct {
	Type            string // "postgres"、"pq"、"mysql"，留空使用内存存储
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool // 启动时执行 AutoMigrate
}

// RedisConfig 定义 Redis 配置，Address 为空时使用进程内租约
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// StorageConfig 定义附件对象存储配置
type StorageConfig struct {
	AttachmentDir string // 附件内容根目录
}

// VaultConfig 定义凭证保险库配置
type VaultConfig struct {
	Secret         string        // 进程密钥，至少 32 字符，用于派生 AES-256 密钥
	RefreshSkew    time.Duration // 提前刷新的时间窗口，默认 2 分钟
	RefreshTimeout time.Duration // 单次刷新请求超时
}

// PollerConfig 定义邮箱轮询配置
type PollerConfig struct {
	Interval        time.Duration // 轮询周期，默认 30 秒
	Workers         int           // 并发账户数，默认 4
	AccountTimeout  time.Duration // 单个账户一次轮询的总超时
	ProviderTimeout time.Duration // 单次提供商调用超时
	WriteTimeout    time.Duration // 单封邮件写入超时
	BatchSize       int           // 单次拉取的最大邮件数
	LeaseTTL        time.Duration // 账户租约有效期
	ProviderRate    float64       // 每秒提供商请求数
	ProviderBurst   int
	BootstrapWindow time.Duration // 首次连接回溯的时间范围
	ResolveRetries  int           // 线程解析遇到并发创建时的重试次数
}

// GoogleConfig 定义 Gmail OAuth 客户端配置
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Config 是系统核心配置的根结构体
type Config struct {
	Server   ServerConfig
	CORS     CORSConfig
	Log      LogConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Storage  StorageConfig
	Vault    VaultConfig
	Poller   PollerConfig
	Google   GoogleConfig
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: BOARDMAIL_，例如 BOARDMAIL_VAULT_SECRET, BOARDMAIL_POLLER_INTERVAL
func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetEnvPrefix("boardmail")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 9090)
	v.SetDefault("server.admin_token", "")
	v.SetDefault("cors.allowed_origins", "*")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
	v.SetDefault("database.type", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("storage.attachment_dir", "./data/attachments")
	v.SetDefault("vault.secret", "")
	v.SetDefault("vault.refresh_skew", "2m")
	v.SetDefault("vault.refresh_timeout", "15s")
	v.SetDefault("poller.interval", "30s")
	v.SetDefault("poller.workers", 4)
	v.SetDefault("poller.account_timeout", "2m")
	v.SetDefault("poller.provider_timeout", "30s")
	v.SetDefault("poller.write_timeout", "10s")
	v.SetDefault("poller.batch_size", 100)
	v.SetDefault("poller.lease_ttl", "3m")
	v.SetDefault("poller.provider_rate", 5.0)
	v.SetDefault("poller.provider_burst", 10)
	v.SetDefault("poller.bootstrap_window", "168h")
	v.SetDefault("poller.resolve_retries", 3)
	v.SetDefault("google.client_id", "")
	v.SetDefault("google.client_secret", "")
	v.SetDefault("google.redirect_url", "")

	cfg := &Config{}
	durations := map[string]*time.Duration{
		"database.conn_max_lifetime": &cfg.Database.ConnMaxLifetime,
		"vault.refresh_skew":         &cfg.Vault.RefreshSkew,
		"vault.refresh_timeout":      &cfg.Vault.RefreshTimeout,
		"poller.interval":            &cfg.Poller.Interval,
		"poller.account_timeout":     &cfg.Poller.AccountTimeout,
		"poller.provider_timeout":    &cfg.Poller.ProviderTimeout,
		"poller.write_timeout":       &cfg.Poller.WriteTimeout,
		"poller.lease_ttl":           &cfg.Poller.LeaseTTL,
		"poller.bootstrap_window":    &cfg.Poller.BootstrapWindow,
	}
	for key, dst := range durations {
		d, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = d
	}

	cfg.Server = ServerConfig{
		Host:       v.GetString("server.host"),
		Port:       v.GetInt("server.port"),
		AdminToken: v.GetString("server.admin_token"),
	}
	cfg.CORS.AllowedOrigins = parseList(v.GetString("cors.allowed_origins"))
	if len(cfg.CORS.AllowedOrigins) == 0 {
		cfg.CORS.AllowedOrigins = []string{"*"}
	}
	cfg.Log = LogConfig{
		Level:       v.GetString("log.level"),
		Development: v.GetBool("log.development"),
		File:        v.GetString("log.file"),
	}
	cfg.Database.Type = strings.ToLower(v.GetString("database.type"))
	cfg.Database.DSN = v.GetString("database.dsn")
	cfg.Database.MaxOpenConns = v.GetInt("database.max_open_conns")
	cfg.Database.MaxIdleConns = v.GetInt("database.max_idle_conns")
	cfg.Database.AutoMigrate = v.GetBool("database.auto_migrate")
	cfg.Redis = RedisConfig{
		Address:  v.GetString("redis.address"),
		Password: v.GetString("redis.password"),
		DB:       v.GetInt("redis.db"),
	}
	cfg.Storage = StorageConfig{AttachmentDir: v.GetString("storage.attachment_dir")}
	cfg.Vault.Secret = v.GetString("vault.secret")
	cfg.Poller.Workers = v.GetInt("poller.workers")
	cfg.Poller.BatchSize = v.GetInt("poller.batch_size")
	cfg.Poller.ProviderRate = v.GetFloat64("poller.provider_rate")
	cfg.Poller.ProviderBurst = v.GetInt("poller.provider_burst")
	cfg.Poller.ResolveRetries = v.GetInt("poller.resolve_retries")
	cfg.Google = GoogleConfig{
		ClientID:     v.GetString("google.client_id"),
		ClientSecret: v.GetString("google.client_secret"),
		RedirectURL:  v.GetString("google.redirect_url"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate 检查配置合法性并补齐无效的数值
func (c *Config) validate() error {
	// 安全检查：保险库密钥必须显式配置
	if len(c.Vault.Secret) < 32 {
		return fmt.Errorf("SECURITY ERROR: vault secret must be at least 32 characters long. Please set BOARDMAIL_VAULT_SECRET environment variable")
	}

	switch c.Database.Type {
	case "", "postgres", "pq", "mysql":
	default:
		return fmt.Errorf("unsupported database.type %q", c.Database.Type)
	}
	if c.Database.Type != "" && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required when database.type is %q", c.Database.Type)
	}

	if c.Poller.Interval <= 0 {
		return fmt.Errorf("poller.interval must be positive")
	}
	if c.Poller.Workers <= 0 {
		c.Poller.Workers = 4
	}
	if c.Poller.BatchSize <= 0 {
		c.Poller.BatchSize = 100
	}
	if c.Poller.ResolveRetries <= 0 {
		c.Poller.ResolveRetries = 3
	}
	if c.Poller.ProviderRate <= 0 {
		c.Poller.ProviderRate = 5
	}
	if c.Poller.ProviderBurst <= 0 {
		c.Poller.ProviderBurst = 1
	}
	if c.Poller.LeaseTTL < c.Poller.AccountTimeout {
		// 租约必须覆盖一次完整的账户轮询
		c.Poller.LeaseTTL = c.Poller.AccountTimeout + 30*time.Second
	}
	return nil
}

// Address 返回运维监听地址
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// parseList 解析逗号分隔的列表
func parseList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// loadEnvFile 尝试加载 .env 文件
//
// 加载顺序：
//  1. 当前目录的 .env
//  2. 父目录的 .env（用于从 backend/ 子目录运行的情况）
//
// 已存在的环境变量不会被覆盖。
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
