package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"deckhand/pkg/logger"
)

// SupportedVersions is the config schema range this build understands.
const SupportedVersions = ">= 1.0.0, < 2.0.0"

// ErrUnsupportedVersion is returned when the config file declares a schema
// version outside SupportedVersions.
var ErrUnsupportedVersion = errors.New("config: unsupported config version")

// Config 是应用配置的根结构体
type Config struct {
	Version string        `mapstructure:"version" yaml:"version"`
	Gateway GatewayConfig `mapstructure:"gateway" yaml:"gateway"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Policy  PolicyConfig  `mapstructure:"policy" yaml:"policy"`
	Runtime RuntimeConfig `mapstructure:"runtime" yaml:"runtime"`
	Reaper  ReaperConfig  `mapstructure:"reaper" yaml:"reaper"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LogConfig is the logger section; it maps directly onto the logger package.
type LogConfig = logger.LogConfig

// GatewayConfig 网关配置
type GatewayConfig struct {
	Port           int             `mapstructure:"port" yaml:"port"`
	Host           string          `mapstructure:"host" yaml:"host"`
	AllowedOrigins []string        `mapstructure:"allowed_origins" yaml:"allowed_origins,omitempty"`
	RateLimit      RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig 限流配置, per client IP.
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `mapstructure:"burst" yaml:"burst"`
}

// Addr returns host:port.
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// StorageConfig 存储配置
type StorageConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"` // sqlite, none
	Path   string `mapstructure:"path" yaml:"path"`
}

// PolicyConfig 审批策略配置
type PolicyConfig struct {
	// DefaultMode applies when a session starts without an explicit mode.
	DefaultMode string `mapstructure:"default_mode" yaml:"default_mode"`
	// EditTools extends the built-in edit-class tool group.
	EditTools []string `mapstructure:"edit_tools" yaml:"edit_tools,omitempty"`
	// BlockedTools are declined without asking, under every mode.
	BlockedTools []string `mapstructure:"blocked_tools" yaml:"blocked_tools,omitempty"`
}

// RuntimeConfig selects and configures the agent runtime.
type RuntimeConfig struct {
	Kind          string        `mapstructure:"kind" yaml:"kind"` // script, http
	ScriptDir     string        `mapstructure:"script_dir" yaml:"script_dir"`
	DefaultScript string        `mapstructure:"default_script" yaml:"default_script"`
	ChunkDelay    time.Duration `mapstructure:"chunk_delay" yaml:"chunk_delay"`
	Endpoint      string        `mapstructure:"endpoint" yaml:"endpoint"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// ReaperConfig 超时清理配置
type ReaperConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Schedule     string        `mapstructure:"schedule" yaml:"schedule"`
	MaxSuspended time.Duration `mapstructure:"max_suspended" yaml:"max_suspended"`
	MaxRunning   time.Duration `mapstructure:"max_running" yaml:"max_running"`
	// LedgerRetention prunes finished ledger rows older than this. Zero keeps everything.
	LedgerRetention time.Duration `mapstructure:"ledger_retention" yaml:"ledger_retention"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

var (
	globalConfig *Config
	configPath   string
	mu           sync.RWMutex
)

// Load 加载配置文件
// 优先级: ENV > 配置文件 > 默认值
func Load(path string) (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	SetDefaults()

	viper.SetEnvPrefix("DECKHAND")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if path != "" {
		expandedPath, err := ExpandPath(path)
		if err != nil {
			return nil, err
		}
		configPath = expandedPath

		viper.SetConfigFile(expandedPath)
		if err := viper.ReadInConfig(); err != nil {
			// 忽略文件不存在错误
			var pathErr *os.PathError
			if !errors.As(err, &pathErr) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", expandedPath, err)
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := CheckVersion(cfg.Version); err != nil {
		return nil, err
	}

	globalConfig = &cfg
	return &cfg, nil
}

// CheckVersion validates a declared config schema version. An empty version
// is treated as current.
func CheckVersion(v string) error {
	if v == "" {
		return nil
	}
	ver, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrUnsupportedVersion, v, err)
	}
	constraint, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return err
	}
	if !constraint.Check(ver) {
		return fmt.Errorf("%w: %s (want %s)", ErrUnsupportedVersion, v, SupportedVersions)
	}
	return nil
}

// Path returns the path of the loaded config file, or "" when none was set.
func Path() string {
	mu.RLock()
	defer mu.RUnlock()
	return configPath
}

// GetConfig 获取当前配置
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return globalConfig
}

// Get 获取任意配置键值
func Get(key string) any {
	return viper.Get(key)
}

// GetString 获取字符串配置值
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt 获取整数配置值
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool 获取布尔配置值
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// Set 设置配置值并持久化
func Set(key string, value any) error {
	mu.Lock()
	defer mu.Unlock()

	viper.Set(key, value)
	if configPath != "" {
		return save()
	}
	return nil
}

// Save 保存配置到文件
func Save() error {
	mu.Lock()
	defer mu.Unlock()
	return save()
}

// save 调用者需要持有锁
func save() error {
	if configPath == "" {
		return errors.New("config path not set")
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(viper.AllSettings())
	if err != nil {
		return err
	}
	return os.WriteFile(configPath, data, 0600)
}

// SaveTo 保存配置到指定路径
func SaveTo(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Reset 重置配置（主要用于测试）
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = nil
	configPath = ""
	viper.Reset()
}

// SetTestConfig 设置全局配置（仅用于测试）
func SetTestConfig(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = cfg
}
