// Package config loads and validates crawlpipe configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/crawlpipe/internal/crawler"
	"github.com/JakeFAU/crawlpipe/internal/logging"
	"github.com/JakeFAU/crawlpipe/internal/middleware/useragent"
	mongopipe "github.com/JakeFAU/crawlpipe/internal/pipeline/mongodb"
)

// EnvPrefix namespaces application keys in the environment.
const EnvPrefix = "CRAWLPIPE"

// hostSettingKeys are read by pipelines and middlewares at Open. They keep
// their bare names in the environment.
var hostSettingKeys = []string{
	mongopipe.SettingURI,
	mongopipe.SettingFsync,
	mongopipe.SettingWriteConcern,
	mongopipe.SettingDatabase,
	mongopipe.SettingCollection,
	mongopipe.SettingUniqueKey,
	mongopipe.SettingBuffer,
	mongopipe.SettingAddTimestamp,
	mongopipe.SettingStopOnDuplicate,
	useragent.SettingListFile,
}

// Config captures the application knobs. Pipeline settings stay in the
// *viper.Viper returned by Load.
type Config struct {
	Server  ServerConfig   `mapstructure:"server"`
	Crawler CrawlerConfig  `mapstructure:"crawler"`
	MongoDB MongoDBConfig  `mapstructure:"mongodb"`
	Logging logging.Config `mapstructure:"logging"`
}

// ServerConfig controls the health and metrics HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// CrawlerConfig governs the colly host.
type CrawlerConfig struct {
	Seeds          []string `mapstructure:"seeds"`
	AllowedDomains []string `mapstructure:"allowed_domains"`
	BlockedDomains []string `mapstructure:"blocked_domains"`
	MaxDepth       int      `mapstructure:"max_depth"`
	DelayMs        int      `mapstructure:"delay_ms"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
	UserAgent      string   `mapstructure:"user_agent"`
	RespectRobots  bool     `mapstructure:"respect_robots"`
}

// MongoDBConfig holds driver-level knobs that are not pipeline settings.
type MongoDBConfig struct {
	ConnectTimeoutSeconds int `mapstructure:"connect_timeout_seconds"`
}

// Load builds a Config from an optional file and the environment. The
// returned Viper instance is the settings source handed to pipelines.
func Load(path string) (Config, *viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range hostSettingKeys {
		if err := v.BindEnv(key, key); err != nil {
			return Config{}, nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, nil, err
	}
	return cfg, v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("crawler.seeds", []string{})
	v.SetDefault("crawler.allowed_domains", []string{})
	v.SetDefault("crawler.blocked_domains", []string{})
	v.SetDefault("crawler.max_depth", 2)
	v.SetDefault("crawler.delay_ms", 0)
	v.SetDefault("crawler.timeout_seconds", 15)
	v.SetDefault("crawler.user_agent", "crawlpipe/0.1")
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("mongodb.connect_timeout_seconds", 10)
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0 when the server is enabled")
	}
	if len(c.Crawler.Seeds) == 0 {
		return fmt.Errorf("crawler.seeds must name at least one url")
	}
	if c.Crawler.MaxDepth < 0 {
		return fmt.Errorf("crawler.max_depth must be >= 0")
	}
	if c.Crawler.DelayMs < 0 {
		return fmt.Errorf("crawler.delay_ms must be >= 0")
	}
	if c.Crawler.TimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.timeout_seconds must be > 0")
	}
	if c.MongoDB.ConnectTimeoutSeconds <= 0 {
		return fmt.Errorf("mongodb.connect_timeout_seconds must be > 0")
	}
	return nil
}

// Engine converts the crawler section into an engine configuration.
func (c CrawlerConfig) Engine() crawler.Config {
	return crawler.Config{
		Seeds:          c.Seeds,
		AllowedDomains: c.AllowedDomains,
		BlockedDomains: c.BlockedDomains,
		MaxDepth:       c.MaxDepth,
		Delay:          time.Duration(c.DelayMs) * time.Millisecond,
		RequestTimeout: time.Duration(c.TimeoutSeconds) * time.Second,
		UserAgent:      c.UserAgent,
		RespectRobots:  c.RespectRobots,
	}
}

// ConnectTimeout returns the MongoDB connect and ping budget.
func (c MongoDBConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}
