package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"

	"filebay/internal/fsutil"
)

// EnvPrefix prefixes every environment override, e.g. FILEBAY_ROOT.
const EnvPrefix = "FILEBAY"

const (
	GiB = int64(1) << 30

	DefaultAddr            = "127.0.0.1:5000"
	DefaultMaxUploadBytes  = 10 * GiB
	DefaultMaxExtractBytes = 50 * GiB
)

// Config is built once at startup and handed to every component.
// Only Root is required.
type Config struct {
	// Root is the only directory filebay serves. Created if missing.
	Root string `json:"root" yaml:"root" envconfig:"ROOT"`

	Addr string `json:"addr" yaml:"addr" envconfig:"ADDR"`

	// AllowedIPs lists client addresses or CIDR prefixes that may connect.
	// "*" allows everyone.
	AllowedIPs []string `json:"allowedIPs" yaml:"allowedIPs" envconfig:"ALLOWED_IPS"`

	// TrustedProxies are the proxies whose X-Forwarded-For is believed.
	// Empty means the socket peer is always the client.
	TrustedProxies []string `json:"trustedProxies,omitempty" yaml:"trustedProxies,omitempty" envconfig:"TRUSTED_PROXIES"`

	MaxUploadBytes int64 `json:"maxUploadBytes" yaml:"maxUploadBytes" envconfig:"MAX_UPLOAD_BYTES"`
	// MaxExtractBytes caps the uncompressed size of one archive. 0 = unlimited.
	MaxExtractBytes int64 `json:"maxExtractBytes" yaml:"maxExtractBytes" envconfig:"MAX_EXTRACT_BYTES"`

	AllowedExtensions []string `json:"allowedExtensions" yaml:"allowedExtensions" envconfig:"ALLOWED_EXTENSIONS"`

	// HiddenPatterns are glob patterns for names left out of listings.
	HiddenPatterns []string `json:"hiddenPatterns" yaml:"hiddenPatterns" envconfig:"HIDDEN_PATTERNS"`

	// SevenZip overrides the 7-Zip binary; "off" disables 7z support.
	SevenZip string `json:"sevenZip,omitempty" yaml:"sevenZip,omitempty" envconfig:"SEVEN_ZIP"`

	// ThumbDir caches thumbnails. It must not be inside Root.
	ThumbDir string `json:"thumbDir,omitempty" yaml:"thumbDir,omitempty" envconfig:"THUMB_DIR"`

	// WebDAV mounts a read-only view of Root under /dav/.
	WebDAV bool `json:"webdav,omitempty" yaml:"webdav,omitempty" envconfig:"WEBDAV"`

	CORSOrigins []string `json:"corsOrigins,omitempty" yaml:"corsOrigins,omitempty" envconfig:"CORS_ORIGINS"`

	Log       LogConfig       `json:"log" yaml:"log" envconfig:"LOG"`
	RateLimit RateLimitConfig `json:"rateLimit" yaml:"rateLimit" envconfig:"RATE_LIMIT"`
}

type LogConfig struct {
	Level       string `json:"level" yaml:"level" envconfig:"LEVEL"`
	Development bool   `json:"development" yaml:"development" envconfig:"DEV"`
}

type RateLimitConfig struct {
	Enabled           bool    `json:"enabled" yaml:"enabled" envconfig:"ENABLED"`
	RequestsPerSecond float64 `json:"requestsPerSecond" yaml:"requestsPerSecond" envconfig:"RPS"`
	Burst             int     `json:"burst" yaml:"burst" envconfig:"BURST"`
}

// DefaultExtensions is the upload allow-list used when none is configured.
var DefaultExtensions = []string{
	// documents
	"txt", "pdf", "doc", "docx", "xls", "xlsx", "ppt", "pptx", "odt", "ods", "odp", "rtf", "tex", "wpd", "csv", "md", "json", "xml",
	// images
	"jpg", "jpeg", "png", "gif", "bmp", "svg", "webp", "tiff", "ico",
	// audio
	"mp3", "wav", "ogg", "flac", "m4a", "aac", "wma",
	// video
	"mp4", "avi", "mov", "wmv", "flv", "mkv", "webm", "m4v",
	// archives
	"zip", "rar", "7z", "tar", "gz", "bz2",
	// code
	"py", "js", "html", "css", "java", "c", "cpp", "h", "hpp", "php", "rb", "go", "rs", "swift", "kt", "ts", "sql", "sh", "bat", "ps1",
	// other
	"log", "ini", "cfg", "conf", "yaml", "yml", "toml", "db", "sqlite", "exe", "dll", "iso", "bin", "dat",
}

func Default() Config {
	return Config{
		Addr:              DefaultAddr,
		AllowedIPs:        []string{"127.0.0.1", "::1"},
		MaxUploadBytes:    DefaultMaxUploadBytes,
		MaxExtractBytes:   DefaultMaxExtractBytes,
		AllowedExtensions: append([]string(nil), DefaultExtensions...),
		HiddenPatterns:    []string{".filebay-*"},
		Log: LogConfig{
			Level: "info",
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 20,
			Burst:             40,
		},
	}
}

// LoadFile overlays a YAML (or JSON) file onto cfg. Unknown keys are errors.
func LoadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.UnmarshalWithOptions(b, cfg, yaml.DisallowUnknownField()); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays FILEBAY_* variables. Unset variables leave cfg alone.
func ApplyEnv(cfg *Config) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return fmt.Errorf("env config: %w", err)
	}
	return nil
}

// Load is Default, then the optional file, then the environment, then each
// override in order, validated.
func Load(path string, overrides ...func(*Config)) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := ApplyEnv(&cfg); err != nil {
		return cfg, err
	}
	for _, o := range overrides {
		o(&cfg)
	}
	return cfg, cfg.Validate()
}

// Validate normalizes paths and rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Root) == "" {
		return errors.New("config: root is required")
	}
	root, err := filepath.Abs(c.Root)
	if err != nil {
		return fmt.Errorf("config: root: %w", err)
	}
	c.Root = root

	if strings.TrimSpace(c.Addr) == "" {
		return errors.New("config: addr is required")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("config: maxUploadBytes must be positive, got %d", c.MaxUploadBytes)
	}
	if c.MaxExtractBytes < 0 {
		return fmt.Errorf("config: maxExtractBytes must be >= 0, got %d", c.MaxExtractBytes)
	}
	if len(c.AllowedIPs) == 0 {
		return errors.New("config: allowedIPs is empty; use \"*\" to allow every client")
	}
	if len(c.AllowedExtensions) == 0 {
		return errors.New("config: allowedExtensions is empty")
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0) {
		return errors.New("config: rateLimit needs positive requestsPerSecond and burst")
	}

	if c.ThumbDir == "" {
		c.ThumbDir = filepath.Join(os.TempDir(), "filebay-thumbs")
	}
	thumbs, err := filepath.Abs(c.ThumbDir)
	if err != nil {
		return fmt.Errorf("config: thumbDir: %w", err)
	}
	canonRoot, err := fsutil.ResolveWithin(root, "")
	if err != nil {
		return fmt.Errorf("config: root: %w", err)
	}
	canonThumbs, err := fsutil.ResolveWithin(thumbs, "")
	if err != nil {
		return fmt.Errorf("config: thumbDir: %w", err)
	}
	if fsutil.Within(canonRoot, canonThumbs) {
		return errors.New("config: thumbDir must be outside root")
	}
	c.ThumbDir = thumbs
	return nil
}
