package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Log      LogConfig      `mapstructure:"log"`
	Analysis AnalysisConfig `mapstructure:"analysis"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Verdict  VerdictConfig  `mapstructure:"verdict"`
	Model    ModelConfig    `mapstructure:"model"`
	Watcher  WatcherConfig  `mapstructure:"watcher"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	Mode     string `mapstructure:"mode"`      // debug, release
	APIToken string `mapstructure:"api_token"` // 为空时不校验
}

type DatabaseConfig struct {
	Type     string `mapstructure:"type"` // mysql, sqlite
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	Path     string `mapstructure:"path"` // sqlite 文件路径
}

type RabbitMQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
	Queue    string `mapstructure:"queue"`
	Prefetch int    `mapstructure:"prefetch"`
}

// URL AMQP 连接串
func (c RabbitMQConfig) URL() string {
	vhost := strings.TrimPrefix(c.VHost, "/")
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s", c.User, c.Password, c.Host, c.Port, vhost)
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"` // Worker 数量
	QueueSize   int `mapstructure:"queue_size"`  // 任务队列大小
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// AnalysisConfig 分析流水线配置
type AnalysisConfig struct {
	InboundDir     string `mapstructure:"inbound_dir"`     // 上传文件落盘目录
	MaxUploadMB    int    `mapstructure:"max_upload_mb"`   // 上传大小上限
	MaxEntryMB     int    `mapstructure:"max_entry_mb"`    // 单个压缩条目扫描上限
	TimeoutSeconds int    `mapstructure:"timeout_seconds"` // 单次分析超时
	CacheEnabled   bool   `mapstructure:"cache_enabled"`   // 按 sha256 缓存特征
	CacheTTLHours  int    `mapstructure:"cache_ttl_hours"` // 缓存保留时长，0 表示不过期
}

// RiskConfig 规则表覆盖
type RiskConfig struct {
	RulesFile     string `mapstructure:"rules_file"`
	CodeRulesFile string `mapstructure:"code_rules_file"`
}

// VerdictConfig 分级阈值
type VerdictConfig struct {
	LowThreshold  float64 `mapstructure:"low_threshold"`
	HighThreshold float64 `mapstructure:"high_threshold"`
}

// ModelConfig ONNX 评分模型
type ModelConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	Path              string `mapstructure:"path"`
	SharedLibraryPath string `mapstructure:"shared_library_path"`
	InputName         string `mapstructure:"input_name"`
	OutputName        string `mapstructure:"output_name"`
	PositiveIndex     int    `mapstructure:"positive_index"`
}

// WatcherConfig 目录监听
type WatcherConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
	Pattern string `mapstructure:"pattern"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.path", "./data/analyses.db")
	v.SetDefault("database.port", 3306)

	v.SetDefault("rabbitmq.enabled", false)
	v.SetDefault("rabbitmq.host", "localhost")
	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.user", "guest")
	v.SetDefault("rabbitmq.password", "guest")
	v.SetDefault("rabbitmq.vhost", "/")
	v.SetDefault("rabbitmq.queue", "apk_analysis_jobs")
	v.SetDefault("rabbitmq.prefetch", 1)

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.queue_size", 100)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("analysis.inbound_dir", "./data/inbound")
	v.SetDefault("analysis.max_upload_mb", 200)
	v.SetDefault("analysis.max_entry_mb", 64)
	v.SetDefault("analysis.timeout_seconds", 120)
	v.SetDefault("analysis.cache_enabled", true)
	v.SetDefault("analysis.cache_ttl_hours", 720)

	v.SetDefault("verdict.low_threshold", 0.40)
	v.SetDefault("verdict.high_threshold", 0.70)

	v.SetDefault("model.enabled", false)
	v.SetDefault("model.input_name", "features")
	v.SetDefault("model.output_name", "probabilities")
	v.SetDefault("model.positive_index", 1)

	v.SetDefault("watcher.enabled", false)
	v.SetDefault("watcher.dir", "./data/watch")
	v.SetDefault("watcher.pattern", "*.apk")
}

// Load 读取 YAML 配置，path 为空时只使用默认值和环境变量
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// 环境变量覆盖（支持嵌套配置）
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// RabbitMQ
	v.BindEnv("rabbitmq.host", "RABBITMQ_HOST")
	v.BindEnv("rabbitmq.port", "RABBITMQ_PORT")
	v.BindEnv("rabbitmq.user", "RABBITMQ_USER")
	v.BindEnv("rabbitmq.password", "RABBITMQ_PASS")

	// Database
	v.BindEnv("database.host", "MYSQL_HOST")
	v.BindEnv("database.port", "MYSQL_PORT")
	v.BindEnv("database.user", "MYSQL_USER")
	v.BindEnv("database.password", "MYSQL_PASS")
	v.BindEnv("database.db_name", "MYSQL_DB")

	// 模型与 API
	v.BindEnv("model.shared_library_path", "ONNXRUNTIME_SHARED_LIBRARY_PATH")
	v.BindEnv("server.api_token", "APK_RISK_API_TOKEN")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查取值范围
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	switch c.Database.Type {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("database.type must be mysql or sqlite, got %q", c.Database.Type)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be positive")
	}
	if c.Worker.QueueSize <= 0 {
		return fmt.Errorf("worker.queue_size must be positive")
	}
	if c.Analysis.MaxUploadMB <= 0 || c.Analysis.MaxEntryMB <= 0 {
		return fmt.Errorf("analysis size limits must be positive")
	}
	if c.Analysis.TimeoutSeconds <= 0 {
		return fmt.Errorf("analysis.timeout_seconds must be positive")
	}
	if c.Analysis.CacheTTLHours < 0 {
		return fmt.Errorf("analysis.cache_ttl_hours must not be negative")
	}
	low, high := c.Verdict.LowThreshold, c.Verdict.HighThreshold
	if low < 0 || high > 1 || low >= high {
		return fmt.Errorf("verdict thresholds must satisfy 0 <= low < high <= 1 (got %.2f, %.2f)", low, high)
	}
	if c.Model.Enabled && c.Model.Path == "" {
		return fmt.Errorf("model.path is required when model.enabled is true")
	}
	if c.Watcher.Enabled && c.Watcher.Dir == "" {
		return fmt.Errorf("watcher.dir is required when watcher.enabled is true")
	}
	return nil
}
