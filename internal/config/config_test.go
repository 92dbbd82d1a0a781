package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, DefaultAddr, cfg.Addr)
	assert.Equal(t, []string{"127.0.0.1", "::1"}, cfg.AllowedIPs)
	assert.Equal(t, 10*GiB, cfg.MaxUploadBytes)
	assert.Contains(t, cfg.AllowedExtensions, "pdf")
	assert.Contains(t, cfg.AllowedExtensions, "ps1")
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.RateLimit.Enabled)

	cfg.AllowedExtensions[0] = "mutated"
	assert.Equal(t, "txt", DefaultExtensions[0], "Default must not share the package slice")
}

func TestLoadFileYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "filebay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
root: /srv/files
addr: 0.0.0.0:8080
allowedIPs: ["10.0.0.0/8", "::1"]
maxUploadBytes: 1024
allowedExtensions: [txt, md]
log:
  level: debug
rateLimit:
  enabled: true
  requestsPerSecond: 5
  burst: 10
`), 0o644))

	cfg := Default()
	require.NoError(t, LoadFile(path, &cfg))
	assert.Equal(t, "/srv/files", cfg.Root)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr)
	assert.Equal(t, []string{"10.0.0.0/8", "::1"}, cfg.AllowedIPs)
	assert.Equal(t, int64(1024), cfg.MaxUploadBytes)
	assert.Equal(t, DefaultMaxExtractBytes, cfg.MaxExtractBytes, "unset keys keep defaults")
	assert.Equal(t, []string{"txt", "md"}, cfg.AllowedExtensions)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 10, cfg.RateLimit.Burst)
}

func TestLoadFileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filebay.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"root": "/data", "webdav": true}`), 0o644))

	cfg := Default()
	require.NoError(t, LoadFile(path, &cfg))
	assert.Equal(t, "/data", cfg.Root)
	assert.True(t, cfg.WebDAV)
}

func TestLoadFileRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("root: /x\nrooot: /typo\n"), 0o644))

	cfg := Default()
	assert.Error(t, LoadFile(path, &cfg))
	assert.Error(t, LoadFile(filepath.Join(t.TempDir(), "missing.yaml"), &cfg))
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("FILEBAY_ROOT", "/from/env")
	t.Setenv("FILEBAY_ALLOWED_IPS", "*")
	t.Setenv("FILEBAY_MAX_UPLOAD_BYTES", "2048")
	t.Setenv("FILEBAY_LOG_LEVEL", "warn")
	t.Setenv("FILEBAY_RATE_LIMIT_ENABLED", "true")

	cfg := Default()
	cfg.Addr = "127.0.0.1:9999"
	require.NoError(t, ApplyEnv(&cfg))

	assert.Equal(t, "/from/env", cfg.Root)
	assert.Equal(t, []string{"*"}, cfg.AllowedIPs)
	assert.Equal(t, int64(2048), cfg.MaxUploadBytes)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, "127.0.0.1:9999", cfg.Addr, "unset variables must not override")
	assert.Equal(t, 40, cfg.RateLimit.Burst)
}

func TestApplyEnvBadValue(t *testing.T) {
	t.Setenv("FILEBAY_MAX_UPLOAD_BYTES", "lots")
	cfg := Default()
	assert.Error(t, ApplyEnv(&cfg))
}

func TestValidate(t *testing.T) {
	root := t.TempDir()

	cfg := Default()
	assert.Error(t, cfg.Validate(), "root is required")

	cfg.Root = root
	require.NoError(t, cfg.Validate())
	assert.True(t, filepath.IsAbs(cfg.Root))
	assert.NotEmpty(t, cfg.ThumbDir)

	tests := map[string]func(*Config){
		"zero upload":        func(c *Config) { c.MaxUploadBytes = 0 },
		"negative extract":   func(c *Config) { c.MaxExtractBytes = -1 },
		"empty allow list":   func(c *Config) { c.AllowedIPs = nil },
		"no extensions":      func(c *Config) { c.AllowedExtensions = nil },
		"blank addr":         func(c *Config) { c.Addr = " " },
		"thumbs inside":      func(c *Config) { c.ThumbDir = filepath.Join(root, "thumbs") },
		"rate limit w/o rps": func(c *Config) { c.RateLimit = RateLimitConfig{Enabled: true} },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			c := Default()
			c.Root = root
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestLoad(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("root: "+root+"\naddr: 127.0.0.1:1\n"), 0o644))
	t.Setenv("FILEBAY_ADDR", "127.0.0.1:2")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, root, cfg.Root)
	assert.Equal(t, "127.0.0.1:2", cfg.Addr, "environment wins over the file")

	cfg, err = Load(path, func(c *Config) { c.Addr = "127.0.0.1:3" })
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:3", cfg.Addr, "overrides win over the environment")
}

func TestValidateThumbDirThroughAlias(t *testing.T) {
	root := t.TempDir()
	alias := filepath.Join(t.TempDir(), "alias")
	require.NoError(t, os.Symlink(root, alias))

	cfg := Default()
	cfg.Root = alias
	cfg.ThumbDir = filepath.Join(root, "thumbs")
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Root = root
	cfg.ThumbDir = filepath.Join(alias, "thumbs")
	assert.Error(t, cfg.Validate())
}
