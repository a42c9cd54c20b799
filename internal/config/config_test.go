package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestReadAndDefaults(t *testing.T) {
	p := writeFile(t, "config.json", `{
		"server": {"port": 9000},
		"upload": {"quality": 65, "allow_guest": true},
		"auth": {"jwt_secret": "s3cret"}
	}`)

	cfg := NewConfig()
	require.NoError(t, cfg.Read(p))
	cfg.Defaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 65, cfg.Upload.Quality)
	assert.True(t, cfg.Upload.AllowGuest)
	assert.Equal(t, "webp", cfg.Upload.TargetFormat)
	assert.Equal(t, "badger", cfg.Ledger.Driver)
	assert.Equal(t, "development", cfg.Sentry.Environment)
	assert.False(t, cfg.Redis.Enabled())
}

func TestReadReportsBadJSON(t *testing.T) {
	p := writeFile(t, "config.json", `{"server": `)
	assert.Error(t, NewConfig().Read(p))
	assert.Error(t, NewConfig().Read(filepath.Join(t.TempDir(), "missing.json")))
}

func TestLoadEnvOverrides(t *testing.T) {
	envFile := writeFile(t, ".env", "JWT_SECRET=from-dotenv\n")
	t.Setenv("APP_ENV", "production")
	t.Setenv("DATABASE_DSN", "postgres://u:p@localhost/easyimg")
	t.Setenv("PORT", "7070")
	t.Setenv("UPLOAD_DIR", "/srv/images")
	// godotenv never overrides variables that are already set.
	t.Setenv("JWT_SECRET", "")
	os.Unsetenv("JWT_SECRET")

	cfg := NewConfig()
	require.NoError(t, cfg.LoadEnv(envFile))
	cfg.Defaults()

	assert.Equal(t, "production", cfg.Upload.Env)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "/srv/images", cfg.Upload.Dir)
	assert.Equal(t, "from-dotenv", cfg.Auth.JWTSecret)
	assert.Equal(t, "postgres", cfg.Ledger.Driver)

	t.Setenv("PORT", "not-a-port")
	assert.Error(t, NewConfig().LoadEnv(filepath.Join(t.TempDir(), "none.env")))
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		c := NewConfig()
		c.Auth.JWTSecret = "x"
		c.Defaults()
		return c
	}

	require.NoError(t, base().Validate())

	c := base()
	c.Upload.Quality = 101
	assert.Error(t, c.Validate())

	c = base()
	c.Upload.TargetFormat = "heic"
	assert.Error(t, c.Validate())

	c = base()
	c.Ledger.Driver = "postgres"
	assert.Error(t, c.Validate())

	c = base()
	c.Auth.JWTSecret = ""
	assert.Error(t, c.Validate())

	c = base()
	c.Mirror.Enabled = true
	assert.Error(t, c.Validate())

	c = base()
	c.Mirror.Enabled = true
	c.Redis.Nodes = []RedisNode{{Host: "localhost", Port: 6379}}
	c.R2.BucketName = "images"
	c.R2.AccountID = "acc"
	assert.NoError(t, c.Validate())
}

func TestResolveUploadDir(t *testing.T) {
	dir, err := UploadConfig{Env: "production"}.ResolveUploadDir()
	require.NoError(t, err)
	assert.Equal(t, ProductionUploadDir, dir)

	wd, err := os.Getwd()
	require.NoError(t, err)
	dir, err = UploadConfig{Env: "development"}.ResolveUploadDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(wd, "uploads"), dir)

	custom := t.TempDir()
	dir, err = UploadConfig{Env: "production", Dir: custom}.ResolveUploadDir()
	require.NoError(t, err)
	assert.Equal(t, custom, dir)
}

func TestIsAllowedFormat(t *testing.T) {
	u := UploadConfig{AllowedFormats: []string{"png", "jpg"}}
	assert.True(t, u.IsAllowedFormat(".PNG"))
	assert.True(t, u.IsAllowedFormat("jpg"))
	assert.False(t, u.IsAllowedFormat("svg"))
	assert.False(t, u.IsAllowedFormat(""))

	var c Config
	c.Defaults()
	for _, ext := range []string{"svg", "ico", "avif", "apng", "tif"} {
		assert.True(t, c.Upload.IsAllowedFormat(ext), ext)
	}
}
