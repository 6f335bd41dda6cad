package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrInvalid 配置校验失败
var ErrInvalid = errors.New("配置无效")

// Config 应用配置
type Config struct {
	App struct {
		Name      string `yaml:"name"`
		Env       string `yaml:"env"`
		LogLevel  string `yaml:"log_level"`
		LogFormat string `yaml:"log_format"` // json | text
	} `yaml:"app"`

	DataSources struct {
		FMP struct {
			APIKey  string        `yaml:"api_key"`
			BaseURL string        `yaml:"base_url"`
			Timeout time.Duration `yaml:"timeout"`
		} `yaml:"fmp"`
	} `yaml:"data_sources"`

	Fetch struct {
		Symbols      []string      `yaml:"symbols"`
		Interval     time.Duration `yaml:"interval"`
		ErrorBackoff time.Duration `yaml:"error_backoff"`
		Concurrency  int           `yaml:"concurrency"`
	} `yaml:"fetch"`

	Database struct {
		Driver         string        `yaml:"driver"` // postgres | sqlite
		DSN            string        `yaml:"dsn"`
		Host           string        `yaml:"host"`
		Port           int           `yaml:"port"`
		User           string        `yaml:"user"`
		Password       string        `yaml:"password"`
		DBName         string        `yaml:"dbname"`
		SSLMode        string        `yaml:"sslmode"`
		Dedup          bool          `yaml:"dedup"`
		ConnectTimeout time.Duration `yaml:"connect_timeout"`
	} `yaml:"database"`

	Queue struct {
		Driver    string        `yaml:"driver"` // jetstream | stan | memory
		Name      string        `yaml:"name"`
		Prefetch  int           `yaml:"prefetch"`
		AckWait   time.Duration `yaml:"ack_wait"`
		Consumer  string        `yaml:"consumer"`
		ClusterID string        `yaml:"cluster_id"`
		ClientID  string        `yaml:"client_id"`
	} `yaml:"queue"`

	NATS struct {
		URL string `yaml:"url"`
	} `yaml:"nats"`

	Processor struct {
		MaxDeliveries int           `yaml:"max_deliveries"` // 格式错误的消息，0 表示无限重投
		RetryDelay    time.Duration `yaml:"retry_delay"`    // 0 表示立即重投
		MaxRetryDelay time.Duration `yaml:"max_retry_delay"`
	} `yaml:"processor"`

	Analytics struct {
		Mode     string `yaml:"mode"` // append | replace
		Schedule string `yaml:"schedule"`
	} `yaml:"analytics"`

	Retention struct {
		Days     int    `yaml:"days"`
		Schedule string `yaml:"schedule"`
	} `yaml:"retention"`

	API struct {
		Port         string        `yaml:"port"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"api"`
}

// Default 默认配置
func Default() *Config {
	var c Config
	c.App.Name = "quotestream"
	c.App.Env = "dev"
	c.App.LogLevel = "info"
	c.App.LogFormat = "json"

	c.DataSources.FMP.BaseURL = "https://financialmodelingprep.com/api/v3"
	c.DataSources.FMP.Timeout = 10 * time.Second

	c.Fetch.Symbols = []string{"AAPL", "GOOGL", "MSFT"}
	c.Fetch.Interval = 60 * time.Second
	c.Fetch.ErrorBackoff = 10 * time.Second
	c.Fetch.Concurrency = 4

	c.Database.Driver = "postgres"
	c.Database.Host = "postgres"
	c.Database.Port = 5432
	c.Database.User = "fintech_user"
	c.Database.Password = "fintech_pass"
	c.Database.DBName = "fintech_data"
	c.Database.SSLMode = "disable"
	c.Database.Dedup = true
	c.Database.ConnectTimeout = 60 * time.Second

	c.Queue.Driver = "jetstream"
	c.Queue.Name = "stock_data_queue"
	c.Queue.Prefetch = 1
	c.Queue.AckWait = 30 * time.Second
	c.Queue.Consumer = "stream-processor"
	c.Queue.ClusterID = "test-cluster"
	c.Queue.ClientID = "quotestream"

	c.NATS.URL = "nats://nats:4222"

	c.Processor.RetryDelay = time.Second
	c.Processor.MaxRetryDelay = time.Minute

	c.Analytics.Mode = "append"
	c.Analytics.Schedule = "0 5 0 * * *"

	c.Retention.Days = 30
	c.Retention.Schedule = "0 30 0 * * *"

	c.API.Port = "8000"
	c.API.ReadTimeout = 10 * time.Second
	c.API.WriteTimeout = 10 * time.Second
	return &c
}

// LoadConfig 从文件加载配置
// 文件中未出现的字段保留默认值
func LoadConfig(path string) (*Config, error) {
	// .env 不存在时直接使用系统环境变量
	_ = godotenv.Load()

	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("解析配置文件失败: %w", err)
		}
	}

	// 环境变量覆盖
	if err := overrideFromEnv(config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// overrideFromEnv 使用环境变量覆盖配置
func overrideFromEnv(config *Config) error {
	if env := os.Getenv("APP_ENV"); env != "" {
		config.App.Env = env
	}
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		config.App.LogLevel = env
	}

	// 数据源
	if env := os.Getenv("API_KEY"); env != "" {
		config.DataSources.FMP.APIKey = env
	}
	if env := os.Getenv("FMP_BASE_URL"); env != "" {
		config.DataSources.FMP.BaseURL = env
	}
	if env := os.Getenv("STOCK_SYMBOLS"); env != "" {
		config.Fetch.Symbols = SplitSymbols(env)
	}
	if env := os.Getenv("FETCH_INTERVAL"); env != "" {
		d, err := time.ParseDuration(env)
		if err != nil {
			return fmt.Errorf("%w: FETCH_INTERVAL=%q: %v", ErrInvalid, env, err)
		}
		config.Fetch.Interval = d
	}

	// 数据库
	if env := os.Getenv("DB_DRIVER"); env != "" {
		config.Database.Driver = env
	}
	if env := os.Getenv("DB_DSN"); env != "" {
		config.Database.DSN = env
	}
	if env := os.Getenv("DB_HOST"); env != "" {
		config.Database.Host = env
	}
	if env := os.Getenv("DB_PORT"); env != "" {
		port, err := strconv.Atoi(env)
		if err != nil {
			return fmt.Errorf("%w: DB_PORT=%q", ErrInvalid, env)
		}
		config.Database.Port = port
	}
	if env := os.Getenv("DB_USER"); env != "" {
		config.Database.User = env
	}
	if env := os.Getenv("DB_PASSWORD"); env != "" {
		config.Database.Password = env
	}
	if env := os.Getenv("DB_NAME"); env != "" {
		config.Database.DBName = env
	}

	// 队列
	if env := os.Getenv("NATS_URL"); env != "" {
		config.NATS.URL = env
	}
	if env := os.Getenv("QUEUE_NAME"); env != "" {
		config.Queue.Name = env
	}
	if env := os.Getenv("QUEUE_DRIVER"); env != "" {
		config.Queue.Driver = env
	}
	if env := os.Getenv("MAX_DELIVERIES"); env != "" {
		n, err := strconv.Atoi(env)
		if err != nil {
			return fmt.Errorf("%w: MAX_DELIVERIES=%q", ErrInvalid, env)
		}
		config.Processor.MaxDeliveries = n
	}

	if env := os.Getenv("API_PORT"); env != "" {
		config.API.Port = env
	}
	return nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if len(c.Fetch.Symbols) == 0 {
		return fmt.Errorf("%w: 股票代码列表不能为空", ErrInvalid)
	}
	if c.Fetch.Interval <= 0 {
		return fmt.Errorf("%w: fetch.interval必须大于0", ErrInvalid)
	}
	if c.Fetch.ErrorBackoff <= 0 {
		return fmt.Errorf("%w: fetch.error_backoff必须大于0", ErrInvalid)
	}
	if c.Fetch.Concurrency <= 0 {
		return fmt.Errorf("%w: fetch.concurrency必须大于0", ErrInvalid)
	}
	if c.Queue.Name == "" {
		return fmt.Errorf("%w: queue.name不能为空", ErrInvalid)
	}
	if c.Queue.Prefetch <= 0 {
		return fmt.Errorf("%w: queue.prefetch必须大于0", ErrInvalid)
	}
	switch c.Queue.Driver {
	case "jetstream", "stan", "memory":
	default:
		return fmt.Errorf("%w: 未知的队列驱动 %q", ErrInvalid, c.Queue.Driver)
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("%w: 未知的数据库驱动 %q", ErrInvalid, c.Database.Driver)
	}
	switch c.Analytics.Mode {
	case "append", "replace":
	default:
		return fmt.Errorf("%w: 未知的analytics.mode %q", ErrInvalid, c.Analytics.Mode)
	}
	if c.Processor.MaxDeliveries < 0 {
		return fmt.Errorf("%w: processor.max_deliveries不能为负数", ErrInvalid)
	}
	if c.Processor.RetryDelay < 0 || c.Processor.MaxRetryDelay < 0 {
		return fmt.Errorf("%w: processor重投等待不能为负数", ErrInvalid)
	}
	if c.Retention.Days <= 0 {
		return fmt.Errorf("%w: retention.days必须大于0", ErrInvalid)
	}
	return nil
}

// PostgresDSN 构建Postgres连接字符串
func (c *Config) PostgresDSN() string {
	if c.Database.DSN != "" {
		return c.Database.DSN
	}
	db := c.Database
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		db.Host, db.Port, db.User, db.Password, db.DBName, db.SSLMode,
	)
}

// SplitSymbols 解析逗号分隔的股票代码
func SplitSymbols(s string) []string {
	var symbols []string
	for _, part := range strings.Split(s, ",") {
		if sym := strings.ToUpper(strings.TrimSpace(part)); sym != "" {
			symbols = append(symbols, sym)
		}
	}
	return symbols
}

// GetDefaultConfigPath 获取默认配置文件路径
func GetDefaultConfigPath() string {
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		return path
	}

	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "dev" // 默认开发环境
	}

	return fmt.Sprintf("configs/%s/app.yaml", env)
}
