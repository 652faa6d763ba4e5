package config

import "time"

type AppConfig struct {
	DBDriver   string          `yaml:"db_driver" env:"YSOD_DB_DRIVER" env-default:"sqlite"`
	DBURL      string          `yaml:"db_url" env:"YSOD_DB_URL" env-default:"data/timeline.db"`
	ListenAddr string          `yaml:"listen_addr" env:"YSOD_LISTEN_ADDR" env-default:"0.0.0.0:8080"`
	AppEnv     string          `yaml:"app_env" env:"YSOD_APP_ENV"`
	Log        LogConfig       `yaml:"log"`
	Timeline   TimelineConfig  `yaml:"timeline"`
	Integrity  IntegrityConfig `yaml:"integrity"`
	RBAC       RBACConfig      `yaml:"rbac"`
	HTTP       HTTPConfig      `yaml:"http"`
}

type LogConfig struct {
	Format string `yaml:"format" env:"YSOD_LOG_FORMAT" env-default:"text"`
	Level  string `yaml:"level" env:"YSOD_LOG_LEVEL" env-default:"info"`
}

type TimelineConfig struct {
	DigestAlgorithm   string `yaml:"digest_algorithm" env:"YSOD_TIMELINE_DIGEST" env-default:"sha256"`
	CanonicalEncoding string `yaml:"canonical_encoding" env:"YSOD_TIMELINE_ENCODING" env-default:"json"`
	ListLimit         int    `yaml:"list_limit" env:"YSOD_TIMELINE_LIST_LIMIT" env-default:"500"`
	ExportLimit       int    `yaml:"export_limit" env:"YSOD_TIMELINE_EXPORT_LIMIT" env-default:"5000"`

	// MaxClockSkew bounds how far a caller-supplied createdAt may run ahead
	// of the server clock.
	MaxClockSkew time.Duration `yaml:"max_clock_skew" env:"YSOD_TIMELINE_MAX_CLOCK_SKEW" env-default:"5m"`
}

type IntegrityConfig struct {
	Enabled     bool   `yaml:"enabled" env:"YSOD_INTEGRITY_ENABLED" env-default:"true"`
	Cron        string `yaml:"cron" env:"YSOD_INTEGRITY_CRON" env-default:"@every 15m"`
	Parallelism int    `yaml:"parallelism" env:"YSOD_INTEGRITY_PARALLELISM" env-default:"4"`
}

type RBACConfig struct {
	// PolicyPath points to a casbin CSV policy; empty uses the built-in roles.
	PolicyPath string `yaml:"policy_path" env:"YSOD_RBAC_POLICY_PATH"`
}

type HTTPConfig struct {
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"YSOD_HTTP_READ_TIMEOUT" env-default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"YSOD_HTTP_WRITE_TIMEOUT" env-default:"30s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"YSOD_HTTP_SHUTDOWN_TIMEOUT" env-default:"10s"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" env:"YSOD_HTTP_MAX_BODY_BYTES" env-default:"1048576"`
}

func (c *AppConfig) IsPostgres() bool {
	if c == nil {
		return false
	}
	switch c.DBDriver {
	case "postgres", "pgx":
		return true
	}
	return false
}

const maxListLimit = 5000

func (c *AppConfig) EffectiveListLimit() int {
	limit := 500
	if c != nil && c.Timeline.ListLimit > 0 {
		limit = c.Timeline.ListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

const defaultClockSkew = 5 * time.Minute

func (c *AppConfig) MaxClockSkew() time.Duration {
	if c == nil || c.Timeline.MaxClockSkew <= 0 {
		return defaultClockSkew
	}
	return c.Timeline.MaxClockSkew
}
