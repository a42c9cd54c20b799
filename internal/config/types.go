package config

import (
	"fmt"
	"time"
)

// Durations are whole seconds in config.json and are multiplied by
// time.Second where they are used.
type Config struct {
	Server   ServerConfig `json:"server"`
	Upload   UploadConfig `json:"upload"`
	Database Database     `json:"database"`
	Ledger   LedgerConfig `json:"ledger"`
	Redis    RedisConfig  `json:"redis"`
	R2       R2Config     `json:"r2"`
	Mirror   MirrorConfig `json:"mirror"`
	Auth     AuthConfig   `json:"auth"`
	Sentry   SentryConfig `json:"sentry"`
	Log      LogConfig    `json:"log"`
}

type ServerConfig struct {
	Port            int           `json:"port" validate:"gt=0,lt=65536"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	CORSOrigins     []string      `json:"cors_origins"`
}

type UploadConfig struct {
	// Env selects the default storage root: "production" uses /app/uploads,
	// anything else ./uploads. Dir overrides both.
	Env                  string   `json:"env"`
	Dir                  string   `json:"dir"`
	MaxFileMB            int64    `json:"max_file_mb" validate:"gte=0"`
	MaxMultipartMemoryMB int64    `json:"max_multipart_memory" validate:"gte=0"`
	AllowGuest           bool     `json:"allow_guest"`
	AllowedFormats       []string `json:"allowed_formats"`

	ConvertToWebP    bool   `json:"convert_to_webp"`
	TargetFormat     string `json:"target_format" validate:"omitempty,oneof=webp jpg jpeg png gif bmp tiff tif"`
	Quality          int    `json:"quality" validate:"gte=0,lte=100"`
	Lossless         bool   `json:"lossless"`
	ReencodeAnimated bool   `json:"reencode_animated"`

	MaxConcurrentTransforms int64 `json:"max_concurrent_transforms" validate:"gte=0"`
	MaxDimension            int   `json:"max_dimension" validate:"gte=0"`
	PublicMaxAge            int   `json:"public_max_age" validate:"gte=0"`
}

type Database struct {
	DSN         string `json:"dsn"`
	AutoMigrate bool   `json:"auto_migrate"`
}

type LedgerConfig struct {
	Driver    string `json:"driver" validate:"oneof=postgres badger"`
	BadgerDir string `json:"badger_dir"`
}

type RedisConfig struct {
	Password            string        `json:"password"`
	DatabaseID          int           `json:"database_id"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
	DialTimeout         time.Duration `json:"dial_timeout"`
	ReadTimeout         time.Duration `json:"read_timeout"`
	WriteTimeout        time.Duration `json:"write_timeout"`
	PoolSize            int           `json:"pool_size"`
	Nodes               []RedisNode   `json:"nodes"`
	Namespace           string        `json:"namespace"`
	CacheTTL            time.Duration `json:"cache_ttl"`
}

// Enabled reports whether any Redis node is configured. Without Redis the
// record cache and the mirror queue are switched off.
func (c RedisConfig) Enabled() bool { return len(c.Nodes) > 0 }

type RedisNode struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (n RedisNode) Addr() string { return fmt.Sprintf("%s:%d", n.Host, n.Port) }

type R2Config struct {
	AccountID   string `json:"account_id"`
	BucketName  string `json:"bucket_name"`
	AccessKeyID string `json:"access_key_id"`
	SecretKey   string `json:"secret_key"`
	Region      string `json:"region"`
	// Endpoint overrides the account endpoint, e.g. for MinIO.
	Endpoint string `json:"endpoint"`
}

type MirrorConfig struct {
	Enabled      bool          `json:"enabled"`
	Stream       string        `json:"stream"`        // redis stream name
	Group        string        `json:"group"`         // consumer group name
	Consumer     string        `json:"consumer"`      // consumer name within the group
	Workers      int           `json:"workers"`       // number of concurrent goroutines
	MaxAttempts  int           `json:"max_attempts"`  // give up after this many tries
	MaxLen       int64         `json:"max_len"`       // stream max length before trim
	BackoffBase  time.Duration `json:"backoff_base"`  // base retry delay, milliseconds
	BlockTimeout time.Duration `json:"block_timeout"` // XREADGROUP block timeout, seconds
}

type AuthConfig struct {
	JWTSecret   string        `json:"jwt_secret"`
	JWKSURL     string        `json:"jwks_url" validate:"omitempty,url"`
	JWKSRefresh time.Duration `json:"jwks_refresh"`
	Leeway      time.Duration `json:"leeway"`
}

type SentryConfig struct {
	SentryDSN   string `json:"sentry_dsn"`
	Environment string `json:"environment"`
}

type LogConfig struct {
	Level  string `json:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `json:"format" validate:"omitempty,oneof=json text"`
}
