// Package config loads gitvault's runtime configuration: defaults set
// in code, overridable by environment variables prefixed GITVAULT_,
// or a config file. Unknown keys are rejected at bind time rather than
// silently ignored.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Storage holds the tiered object store's size thresholds (§4.D) and
// the cloud backend's connection details.
type Storage struct {
	ChunkSize               int64  `mapstructure:"chunk_size"`
	CompactionThreshold     int64  `mapstructure:"compaction_threshold"`
	MinBlobsForCompaction   int    `mapstructure:"min_blobs_for_compaction"`
	SuperChunkSize          int64  `mapstructure:"super_chunk_size"`
	Endpoint                string `mapstructure:"endpoint"`
	AccessKey               string `mapstructure:"access_key"`
	SecretKey               string `mapstructure:"secret_key"`
	UseSSL                  bool   `mapstructure:"use_ssl"`
	Bucket                  string `mapstructure:"bucket"`
	HotTablePrefix          string `mapstructure:"hot_table_prefix"`
}

// GC holds the garbage collector's defaults (§4.K).
type GC struct {
	GracePeriod    time.Duration `mapstructure:"grace_period"`
	MaxDeleteCount int           `mapstructure:"max_delete_count"`
}

// Negotiation holds the Smart HTTP hardening limits (§4.H).
type Negotiation struct {
	MaxRounds       int           `mapstructure:"max_rounds"`
	MaxWants        int           `mapstructure:"max_wants"`
	MaxHaves        int           `mapstructure:"max_haves"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxCapabilities int           `mapstructure:"max_capabilities"`
	MaxRefLength    int           `mapstructure:"max_ref_length"`
	RateLimitRPS    float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst  int           `mapstructure:"rate_limit_burst"`
}

// Lock holds the lock manager's default lease duration (§4.L).
type Lock struct {
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
}

// Server holds the HTTP listener's own settings.
type Server struct {
	Addr  string `mapstructure:"addr"`
	Realm string `mapstructure:"realm"`
}

// Config is the top-level typed configuration surface. Every field
// group nests under its own viper key so GITVAULT_STORAGE_ENDPOINT,
// GITVAULT_GC_GRACE_PERIOD, and so on resolve via AutomaticEnv's
// key-replacer without any per-field binding.
type Config struct {
	Storage     Storage     `mapstructure:"storage"`
	GC          GC          `mapstructure:"gc"`
	Negotiation Negotiation `mapstructure:"negotiation"`
	Lock        Lock        `mapstructure:"lock"`
	Server      Server      `mapstructure:"server"`
}

// Defaults mirrors the constants scattered across internal/store,
// internal/gc, and internal/smarthttp so a zero-config deployment
// behaves exactly like those packages' own DefaultXxx constructors.
func Defaults() Config {
	return Config{
		Storage: Storage{
			ChunkSize:             2 * 1024 * 1024,
			CompactionThreshold:   64 * 1024,
			MinBlobsForCompaction: 10,
			SuperChunkSize:        2 * 1024 * 1024,
			HotTablePrefix:        "gitvault",
		},
		GC: GC{
			GracePeriod:    14 * 24 * time.Hour,
			MaxDeleteCount: 0,
		},
		Negotiation: Negotiation{
			MaxRounds:       50,
			MaxWants:        1000,
			MaxHaves:        10000,
			Timeout:         120 * time.Second,
			MaxCapabilities: 100,
			MaxRefLength:    4096,
			RateLimitRPS:    50,
			RateLimitBurst:  100,
		},
		Lock: Lock{
			DefaultTTL: 30 * time.Second,
		},
		Server: Server{
			Addr:  ":8080",
			Realm: "gitvault",
		},
	}
}

// Load builds a Config starting from Defaults, optionally reading
// configPath (ini/yaml/json/toml — whatever viper's codec set
// recognizes by extension; ignored if empty), then overlaying
// GITVAULT_-prefixed environment variables. Env vars take precedence
// over the file, which takes precedence over defaults.
//
// A key present in the config file that doesn't correspond to any
// Config field surfaces as a bind error rather than being silently
// dropped, per the project's "unknown keys are errors at the boundary"
// rule. Environment variables are only looked up for known keys, so an
// unrecognized GITVAULT_ variable is ignored, not reported.
func Load(configPath string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GITVAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, Defaults())

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.ErrorUnused = true
	}); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("storage.chunk_size", d.Storage.ChunkSize)
	v.SetDefault("storage.compaction_threshold", d.Storage.CompactionThreshold)
	v.SetDefault("storage.min_blobs_for_compaction", d.Storage.MinBlobsForCompaction)
	v.SetDefault("storage.super_chunk_size", d.Storage.SuperChunkSize)
	v.SetDefault("storage.endpoint", d.Storage.Endpoint)
	v.SetDefault("storage.access_key", d.Storage.AccessKey)
	v.SetDefault("storage.secret_key", d.Storage.SecretKey)
	v.SetDefault("storage.use_ssl", d.Storage.UseSSL)
	v.SetDefault("storage.bucket", d.Storage.Bucket)
	v.SetDefault("storage.hot_table_prefix", d.Storage.HotTablePrefix)

	v.SetDefault("gc.grace_period", d.GC.GracePeriod)
	v.SetDefault("gc.max_delete_count", d.GC.MaxDeleteCount)

	v.SetDefault("negotiation.max_rounds", d.Negotiation.MaxRounds)
	v.SetDefault("negotiation.max_wants", d.Negotiation.MaxWants)
	v.SetDefault("negotiation.max_haves", d.Negotiation.MaxHaves)
	v.SetDefault("negotiation.timeout", d.Negotiation.Timeout)
	v.SetDefault("negotiation.max_capabilities", d.Negotiation.MaxCapabilities)
	v.SetDefault("negotiation.max_ref_length", d.Negotiation.MaxRefLength)
	v.SetDefault("negotiation.rate_limit_rps", d.Negotiation.RateLimitRPS)
	v.SetDefault("negotiation.rate_limit_burst", d.Negotiation.RateLimitBurst)

	v.SetDefault("lock.default_ttl", d.Lock.DefaultTTL)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.realm", d.Server.Realm)
}
