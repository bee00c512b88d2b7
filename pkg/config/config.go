package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/betbot/deritrader/pkg/secretstore"
)

// ExchangeConfig 交易所连接配置
type ExchangeConfig struct {
	Scheme            string        `yaml:"scheme"`   // wss
	Host              string        `yaml:"host"`     // test.deribit.com / www.deribit.com
	Endpoint          string        `yaml:"endpoint"` // /ws/api/v2
	RESTPath          string        `yaml:"rest_path"`
	ProxyURL          string        `yaml:"proxy_url"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	PingInterval      time.Duration `yaml:"ping_interval"`      // WebSocket 协议层 ping，0 关闭
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // public/set_heartbeat，0 关闭
}

// RateLimitConfig 两类请求的限速
type RateLimitConfig struct {
	MatchingRate     float64 `yaml:"matching_rate"`
	MatchingBurst    int     `yaml:"matching_burst"`
	NonMatchingRate  float64 `yaml:"non_matching_rate"`
	NonMatchingBurst int     `yaml:"non_matching_burst"`
}

// CallsConfig 调用配置
type CallsConfig struct {
	Timeout   time.Duration   `yaml:"timeout"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// SubscriptionsConfig 订阅配置
type SubscriptionsConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	DailyFile  bool   `yaml:"daily_file"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// ListenConfig HTTP 监听地址，空表示不启动
type ListenConfig struct {
	Listen string `yaml:"listen"`
}

// SecretStoreConfig 加密凭证库
type SecretStoreConfig struct {
	Path string `yaml:"path"`
	Key  string `yaml:"key"` // hex 或 base64 编码的 32 字节密钥，空表示不加密
}

// Credentials API 凭证；通常来自环境变量，不建议写进配置文件
type Credentials struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// Config 应用配置
type Config struct {
	Exchange      ExchangeConfig      `yaml:"exchange"`
	Calls         CallsConfig         `yaml:"calls"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	Log           LogConfig           `yaml:"log"`
	Metrics       ListenConfig        `yaml:"metrics"`
	Status        ListenConfig        `yaml:"status"`
	SecretStore   SecretStoreConfig   `yaml:"secret_store"`
	Credentials   Credentials         `yaml:"credentials"`
}

// Default 返回测试网默认配置
func Default() *Config {
	return &Config{
		Exchange: ExchangeConfig{
			Scheme:            "wss",
			Host:              "test.deribit.com",
			Endpoint:          "/ws/api/v2",
			RESTPath:          "/api/v2",
			HandshakeTimeout:  10 * time.Second,
			WriteTimeout:      10 * time.Second,
			PingInterval:      30 * time.Second,
			HeartbeatInterval: 30 * time.Second,
		},
		Calls: CallsConfig{
			Timeout: 10 * time.Second,
			RateLimit: RateLimitConfig{
				MatchingRate:     5,
				MatchingBurst:    20,
				NonMatchingRate:  20,
				NonMatchingBurst: 100,
			},
		},
		Subscriptions: SubscriptionsConfig{QueueSize: 1024},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			File:       "logs/deritrader.log",
			DailyFile:  true,
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
			Compress:   true,
		},
		SecretStore: SecretStoreConfig{Path: "data/secrets"},
	}
}

// LoadFromFile 读取配置文件（可为空）并应用环境变量覆盖。
// 优先级：环境变量 > 配置文件 > 默认值
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "读取配置文件失败 %s", path)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml", ".json":
		// JSON 是 YAML 的子集，统一用 yaml.v3 解析（支持 "10s" 形式的时长）
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return errors.Wrapf(err, "解析配置文件失败 %s", path)
		}
	default:
		return errors.Errorf("不支持的配置文件格式: %s (支持 .yaml, .yml, .json)", ext)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.Exchange.Host = getEnv("DERIBIT_HOST", cfg.Exchange.Host)
	cfg.Exchange.Endpoint = getEnv("DERIBIT_ENDPOINT", cfg.Exchange.Endpoint)
	cfg.Exchange.ProxyURL = getEnv("DERIBIT_PROXY_URL", cfg.Exchange.ProxyURL)
	cfg.Credentials.ClientID = getEnv("DERIBIT_CLIENT_ID", cfg.Credentials.ClientID)
	cfg.Credentials.ClientSecret = getEnv("DERIBIT_CLIENT_SECRET", cfg.Credentials.ClientSecret)

	var err error
	if cfg.Calls.Timeout, err = parseDurationEnv("DERIBIT_CALL_TIMEOUT", cfg.Calls.Timeout); err != nil {
		return err
	}
	if cfg.Exchange.HeartbeatInterval, err = parseDurationEnv("DERIBIT_HEARTBEAT_INTERVAL", cfg.Exchange.HeartbeatInterval); err != nil {
		return err
	}
	cfg.Calls.RateLimit.MatchingRate = parseFloatEnv("DERIBIT_MATCHING_RATE", cfg.Calls.RateLimit.MatchingRate)
	cfg.Calls.RateLimit.NonMatchingRate = parseFloatEnv("DERIBIT_NON_MATCHING_RATE", cfg.Calls.RateLimit.NonMatchingRate)
	cfg.Subscriptions.QueueSize = parseIntEnv("SUBSCRIPTION_QUEUE_SIZE", cfg.Subscriptions.QueueSize)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)
	cfg.Metrics.Listen = getEnv("METRICS_LISTEN", cfg.Metrics.Listen)
	cfg.Status.Listen = getEnv("STATUS_LISTEN", cfg.Status.Listen)
	cfg.SecretStore.Path = getEnv("SECRETSTORE_PATH", cfg.SecretStore.Path)
	cfg.SecretStore.Key = getEnv("SECRETSTORE_KEY", cfg.SecretStore.Key)
	return nil
}

// WebSocketURL 例如 wss://test.deribit.com/ws/api/v2
func (c *Config) WebSocketURL() string {
	return fmt.Sprintf("%s://%s%s", c.Exchange.Scheme, c.Exchange.Host, ensureSlash(c.Exchange.Endpoint))
}

// RESTBaseURL 例如 https://test.deribit.com/api/v2
func (c *Config) RESTBaseURL() string {
	scheme := "https"
	if c.Exchange.Scheme == "ws" {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s%s", scheme, c.Exchange.Host, ensureSlash(c.Exchange.RESTPath))
}

func ensureSlash(p string) string {
	if p == "" || strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}

// HasCredentials 是否已配置 API 凭证
func (c *Config) HasCredentials() bool {
	return c.Credentials.ClientID != "" && c.Credentials.ClientSecret != ""
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Exchange.Host == "" {
		return errors.New("exchange.host 未配置")
	}
	if c.Exchange.Scheme != "wss" && c.Exchange.Scheme != "ws" {
		return errors.Errorf("exchange.scheme 必须是 wss 或 ws，当前: %q", c.Exchange.Scheme)
	}
	if c.Exchange.HandshakeTimeout <= 0 || c.Exchange.WriteTimeout <= 0 {
		return errors.New("exchange 超时必须大于 0")
	}
	if c.Exchange.HeartbeatInterval != 0 && c.Exchange.HeartbeatInterval < 10*time.Second {
		return errors.New("exchange.heartbeat_interval 不能小于 10s")
	}
	if c.Calls.Timeout <= 0 {
		return errors.New("calls.timeout 必须大于 0")
	}
	rl := c.Calls.RateLimit
	if rl.MatchingRate < 0 || rl.NonMatchingRate < 0 {
		return errors.New("calls.rate_limit 速率不能为负数")
	}
	if (rl.MatchingRate > 0 && rl.MatchingBurst < 1) || (rl.NonMatchingRate > 0 && rl.NonMatchingBurst < 1) {
		return errors.New("calls.rate_limit 启用限速时 burst 必须 >= 1")
	}
	if c.Subscriptions.QueueSize < 0 {
		return errors.New("subscriptions.queue_size 不能为负数")
	}
	if _, err := secretstore.ParseKey(c.SecretStore.Key); err != nil {
		return errors.Wrap(err, "secret_store.key")
	}
	return nil
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseIntEnv 解析整数环境变量
func parseIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseFloatEnv 解析浮点数环境变量
func parseFloatEnv(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseDurationEnv 解析时长环境变量，格式错误直接报错
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.Wrapf(err, "环境变量 %s 格式错误", key)
	}
	return d, nil
}
