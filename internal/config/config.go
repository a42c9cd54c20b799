package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const ProductionUploadDir = "/app/uploads"

// Create new config instance
func NewConfig() *Config {
	return &Config{}
}

// Load configuration file in json format
func (c *Config) Read(file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", file, err)
	}
	return nil
}

// LoadEnv loads envFile (if it exists) into the process environment and
// applies the supported overrides on top of the file values.
func (c *Config) LoadEnv(envFile string) error {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}

	if v, ok := os.LookupEnv("APP_ENV"); ok {
		c.Upload.Env = v
	}
	if v, ok := os.LookupEnv("DATABASE_DSN"); ok {
		c.Database.DSN = v
	}
	if v, ok := os.LookupEnv("JWT_SECRET"); ok {
		c.Auth.JWTSecret = v
	}
	if v, ok := os.LookupEnv("UPLOAD_DIR"); ok {
		c.Upload.Dir = v
	}
	if v, ok := os.LookupEnv("PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Server.Port = port
	}
	return nil
}

// Defaults fills every zero value that has a sensible default.
func (c *Config) Defaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 60
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10
	}
	if len(c.Server.CORSOrigins) == 0 {
		c.Server.CORSOrigins = []string{"*"}
	}

	u := &c.Upload
	if u.Env == "" {
		u.Env = "development"
	}
	if u.MaxFileMB == 0 {
		u.MaxFileMB = 20
	}
	if u.MaxMultipartMemoryMB == 0 {
		u.MaxMultipartMemoryMB = 8
	}
	if len(u.AllowedFormats) == 0 {
		u.AllowedFormats = []string{"jpeg", "jpg", "png", "gif", "webp", "avif", "svg", "bmp", "ico", "apng", "tiff", "tif"}
	}
	if u.TargetFormat == "" {
		u.TargetFormat = "webp"
	}
	if u.Quality == 0 {
		u.Quality = 80
	}
	if u.MaxConcurrentTransforms == 0 {
		u.MaxConcurrentTransforms = int64(runtime.NumCPU())
	}
	if u.PublicMaxAge == 0 {
		u.PublicMaxAge = 30 * 24 * 3600
	}

	if c.Ledger.Driver == "" {
		if c.Database.DSN != "" {
			c.Ledger.Driver = "postgres"
		} else {
			c.Ledger.Driver = "badger"
		}
	}
	if c.Ledger.Driver == "badger" && c.Ledger.BadgerDir == "" {
		c.Ledger.BadgerDir = filepath.Join("data", "ledger")
	}

	r := &c.Redis
	if r.HealthCheckInterval == 0 {
		r.HealthCheckInterval = 30
	}
	if r.DialTimeout == 0 {
		r.DialTimeout = 5
	}
	if r.ReadTimeout == 0 {
		r.ReadTimeout = 3
	}
	if r.WriteTimeout == 0 {
		r.WriteTimeout = 3
	}
	if r.Namespace == "" {
		r.Namespace = "easyimg:images"
	}
	if r.CacheTTL == 0 {
		r.CacheTTL = 300
	}

	if c.R2.Region == "" {
		c.R2.Region = "auto"
	}

	m := &c.Mirror
	if m.Stream == "" {
		m.Stream = "easyimg:mirror"
	}
	if m.Group == "" {
		m.Group = "mirror"
	}
	if m.Consumer == "" {
		m.Consumer, _ = os.Hostname()
		if m.Consumer == "" {
			m.Consumer = "easyimg"
		}
	}
	if m.Workers == 0 {
		m.Workers = 2
	}
	if m.MaxAttempts == 0 {
		m.MaxAttempts = 5
	}
	if m.MaxLen == 0 {
		m.MaxLen = 10000
	}
	if m.BackoffBase == 0 {
		m.BackoffBase = 500
	}
	if m.BlockTimeout == 0 {
		m.BlockTimeout = 5
	}

	if c.Auth.JWKSRefresh == 0 {
		c.Auth.JWKSRefresh = 3600
	}

	if c.Sentry.Environment == "" {
		c.Sentry.Environment = u.Env
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	if c.Ledger.Driver == "postgres" && c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required for the postgres ledger"))
	}
	if c.Auth.JWTSecret == "" && c.Auth.JWKSURL == "" {
		errs = append(errs, errors.New("auth.jwt_secret or auth.jwks_url is required"))
	}
	if c.Mirror.Enabled {
		if !c.Redis.Enabled() {
			errs = append(errs, errors.New("mirror requires at least one redis node"))
		}
		if c.R2.BucketName == "" {
			errs = append(errs, errors.New("mirror requires r2.bucket_name"))
		}
		if c.R2.AccountID == "" && c.R2.Endpoint == "" {
			errs = append(errs, errors.New("mirror requires r2.account_id or r2.endpoint"))
		}
	}
	return errors.Join(errs...)
}

// ResolveUploadDir returns the absolute storage root for the configured
// environment.
func (u UploadConfig) ResolveUploadDir() (string, error) {
	if u.Dir != "" {
		return filepath.Abs(u.Dir)
	}
	if u.Env == "production" {
		return ProductionUploadDir, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, "uploads"), nil
}

// IsAllowedFormat reports whether ext (with or without a leading dot) is on
// the upload allowlist.
func (u UploadConfig) IsAllowedFormat(ext string) bool {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	for _, f := range u.AllowedFormats {
		if strings.EqualFold(f, ext) {
			return true
		}
	}
	return false
}

// SetupLogger builds the process logger and installs it as the slog default.
func SetupLogger(cfg LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
