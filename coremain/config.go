package coremain

import (
	"github.com/pmkol/scanx/mlog"
	"github.com/pmkol/scanx/pkg/adaptive"
	"github.com/pmkol/scanx/pkg/utils"
)

type Config struct {
	Log         mlog.LogConfig    `yaml:"log"`
	API         APIConfig         `yaml:"api"`
	Cache       CacheConfig       `yaml:"cache"`
	Recognizer  RecognizerConfig  `yaml:"recognizer"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Engine      adaptive.Tunables `yaml:"engine"`
	Preferences PreferencesConfig `yaml:"preferences"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Environment EnvironmentConfig `yaml:"environment"`
}

type APIConfig struct {
	HTTP string `yaml:"http"`
}

type CacheConfig struct {
	// Size is the max number of local entries. Default is 100.
	Size int `yaml:"size"`
	// DefaultTTL in seconds. Default is 600.
	DefaultTTL int `yaml:"default_ttl"`

	// Redis is an optional redis url used as a shared second level.
	Redis          string `yaml:"redis"`
	RedisKeyPrefix string `yaml:"redis_key_prefix"`
	// RedisTimeout in milliseconds. Default is 1000.
	RedisTimeout int `yaml:"redis_timeout"`
}

type RecognizerConfig struct {
	// Addrs of remote recognition endpoints (http, https or h3 urls).
	// All of them are raced. Empty disables the remote fallback.
	Addrs []string `yaml:"addrs"`
	// Timeout of a single call in milliseconds. Default is 10000.
	Timeout            int  `yaml:"timeout"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
	DisableEnhance     bool `yaml:"disable_enhance"`
}

type PipelineConfig struct {
	LocalThreshold   float64 `yaml:"local_threshold"`
	RemoteConfidence float64 `yaml:"remote_confidence"`
}

type PreferencesConfig struct {
	// Backend is one of "file", "sqlite" or "memory". Default is "file".
	Backend string `yaml:"backend"`
	// Path of the preferences file or database.
	Path string `yaml:"path"`
	// Watch reloads the file backend when it changes on disk.
	Watch bool `yaml:"watch"`
}

type TelemetryConfig struct {
	// Endpoint receives flushed batches. Empty logs them instead.
	Endpoint   string `yaml:"endpoint"`
	Compress   bool   `yaml:"compress"`
	BufferSize int    `yaml:"buffer_size"`
	// FlushInterval in seconds. Default is 60.
	FlushInterval int `yaml:"flush_interval"`
	// RetryInterval in seconds after a failed flush. Default is 30.
	RetryInterval int `yaml:"retry_interval"`
}

type EnvironmentConfig struct {
	// SensorTimeout in milliseconds. Default is 2000.
	SensorTimeout int `yaml:"sensor_timeout"`
	// DayStartHour and DayEndHour default to 6 and 18 when both are 0.
	DayStartHour  int `yaml:"day_start_hour"`
	DayEndHour    int `yaml:"day_end_hour"`
}

func (c *Config) Init() {
	utils.SetDefaultString(&c.Log.Level, "info")

	utils.SetDefaultNum(&c.Cache.Size, 100)
	utils.SetDefaultNum(&c.Cache.DefaultTTL, 600)
	utils.SetDefaultNum(&c.Cache.RedisTimeout, 1000)
	utils.SetDefaultString(&c.Cache.RedisKeyPrefix, "scanx:")

	utils.SetDefaultNum(&c.Recognizer.Timeout, 10000)

	utils.SetDefaultNum(&c.Pipeline.LocalThreshold, 0.8)
	utils.SetDefaultNum(&c.Pipeline.RemoteConfidence, 0.7)

	c.Engine.Init()

	utils.SetDefaultString(&c.Preferences.Backend, "file")
	switch c.Preferences.Backend {
	case "sqlite":
		utils.SetDefaultString(&c.Preferences.Path, "scanx.db")
	default:
		utils.SetDefaultString(&c.Preferences.Path, "scanx_prefs.json")
	}

	utils.SetDefaultNum(&c.Telemetry.BufferSize, 50)
	utils.SetDefaultNum(&c.Telemetry.FlushInterval, 60)
	utils.SetDefaultNum(&c.Telemetry.RetryInterval, 30)

	utils.SetDefaultNum(&c.Environment.SensorTimeout, 2000)
	if c.Environment.DayStartHour == 0 && c.Environment.DayEndHour == 0 {
		c.Environment.DayStartHour, c.Environment.DayEndHour = 6, 18
	}
}
