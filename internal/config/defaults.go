package config

import (
	"time"

	"github.com/spf13/viper"
)

// CurrentVersion is written into freshly initialised config files.
const CurrentVersion = "1.0.0"

// SetDefaults 设置所有配置项的默认值
func SetDefaults() {
	viper.SetDefault("version", CurrentVersion)

	// Gateway 配置
	viper.SetDefault("gateway.port", 8080)
	viper.SetDefault("gateway.host", "127.0.0.1")
	viper.SetDefault("gateway.allowed_origins", []string{})
	viper.SetDefault("gateway.rate_limit.enabled", true)
	viper.SetDefault("gateway.rate_limit.requests_per_second", 10.0)
	viper.SetDefault("gateway.rate_limit.burst", 20)

	// Log 配置
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("log.file", "")

	// Storage 配置
	viper.SetDefault("storage.driver", "sqlite")
	viper.SetDefault("storage.path", "~/.deckhand/deckhand.db")

	// Policy 配置
	viper.SetDefault("policy.default_mode", "manual")
	viper.SetDefault("policy.edit_tools", []string{})
	viper.SetDefault("policy.blocked_tools", []string{})

	// Runtime 配置
	viper.SetDefault("runtime.kind", "script")
	viper.SetDefault("runtime.script_dir", "~/.deckhand/scripts")
	viper.SetDefault("runtime.default_script", "")
	viper.SetDefault("runtime.chunk_delay", 0)
	viper.SetDefault("runtime.endpoint", "http://127.0.0.1:9090")
	viper.SetDefault("runtime.timeout", 30*time.Second)

	// Reaper 配置
	viper.SetDefault("reaper.enabled", true)
	viper.SetDefault("reaper.schedule", "@every 1m")
	viper.SetDefault("reaper.max_suspended", 30*time.Minute)
	viper.SetDefault("reaper.max_running", 0)
	viper.SetDefault("reaper.ledger_retention", 30*24*time.Hour)

	// Metrics 配置
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
}
