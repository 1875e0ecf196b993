package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultConfigFileName = "tokenrelay.toml"

	DefaultUpstreamURL     = "https://api.groq.com/openai/v1/chat/completions"
	DefaultModel           = "openai/gpt-oss-120b"
	DefaultAllowedModels   = "openai/gpt-oss-120b,openai/gpt-oss-20b,llama-3.3-70b-versatile,moonshotai/kimi-k2-instruct-0905,qwen/qwen3-32b"
	defaultMaxRequestBytes = 8 << 20
)

type UpstreamConfig struct {
	URL            string `toml:"url"`
	APIKey         string `toml:"api_key,omitempty"`
	TimeoutSeconds int    `toml:"timeout_seconds,omitempty"`
}

type ModelsConfig struct {
	Allowed string `toml:"allowed"`
	Default string `toml:"default"`
}

type DatabaseConfig struct {
	URL          string `toml:"url,omitempty"`
	MaxOpenConns int    `toml:"max_open_conns,omitempty"`
	AutoMigrate  bool   `toml:"auto_migrate"`
}

type LogsConfig struct {
	Level      string `toml:"level"`
	File       string `toml:"file,omitempty"`
	MaxSizeMB  int    `toml:"max_size_mb,omitempty"`
	MaxBackups int    `toml:"max_backups,omitempty"`
	MaxAgeDays int    `toml:"max_age_days,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

type CORSConfig struct {
	AllowedOrigins []string `toml:"allowed_origins"`
}

type TLSConfig struct {
	Enabled  bool   `toml:"enabled"`
	Domain   string `toml:"domain"`
	Email    string `toml:"email"`
	CacheDir string `toml:"cache_dir"`
}

type ServerConfig struct {
	ListenAddr        string         `toml:"listen_addr"`
	TrustProxyHeaders bool           `toml:"trust_proxy_headers"`
	MaxRequestBytes   int64          `toml:"max_request_bytes,omitempty"`
	Upstream          UpstreamConfig `toml:"upstream"`
	Models            ModelsConfig   `toml:"models"`
	Database          DatabaseConfig `toml:"database"`
	Logs              LogsConfig     `toml:"logs"`
	Metrics           MetricsConfig  `toml:"metrics"`
	CORS              CORSConfig     `toml:"cors"`
	TLS               TLSConfig      `toml:"tls"`
}

func DefaultServerConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "tokenrelay", defaultConfigFileName)
}

func DefaultTLSCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tls-autocert"
	}
	return filepath.Join(home, ".cache", "tokenrelay", "tls-autocert")
}

func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:      "127.0.0.1:8080",
		MaxRequestBytes: defaultMaxRequestBytes,
		Upstream: UpstreamConfig{
			URL: DefaultUpstreamURL,
		},
		Models: ModelsConfig{
			Allowed: DefaultAllowedModels,
			Default: DefaultModel,
		},
		Database: DatabaseConfig{
			MaxOpenConns: 16,
			AutoMigrate:  true,
		},
		Logs: LogsConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
		},
		TLS: TLSConfig{
			CacheDir: DefaultTLSCacheDir(),
		},
	}
}

// LoadServerConfig reads path over the defaults, applies environment
// overrides and validates the result. A missing file is reported with an
// error wrapping os.ErrNotExist.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse toml: %w", err)
	}
	cfg.ApplyEnv(os.LookupEnv)
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadServerConfigOrDefault behaves like LoadServerConfig but falls back to
// the defaults (plus environment) when path does not exist.
func LoadServerConfigOrDefault(path string) (*ServerConfig, error) {
	cfg, err := LoadServerConfig(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	cfg = NewDefaultServerConfig()
	cfg.ApplyEnv(os.LookupEnv)
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays the deployment environment variables on top of the file
// values. lookup is normally os.LookupEnv.
func (c *ServerConfig) ApplyEnv(lookup func(string) (string, bool)) {
	if lookup == nil {
		return
	}
	if v, ok := lookup("LISTEN_ADDR"); ok && strings.TrimSpace(v) != "" {
		c.ListenAddr = v
	}
	if v, ok := lookup("COMPLETIONS_URL"); ok && strings.TrimSpace(v) != "" {
		c.Upstream.URL = v
	}
	if v, ok := lookup("UPSTREAM_API_KEY"); ok && strings.TrimSpace(v) != "" {
		c.Upstream.APIKey = v
	} else if v, ok := lookup("GROQ_API_KEY"); ok && strings.TrimSpace(v) != "" {
		c.Upstream.APIKey = v
	}
	if v, ok := lookup("ALLOWED_MODELS"); ok && strings.TrimSpace(v) != "" {
		c.Models.Allowed = v
	}
	if v, ok := lookup("DEFAULT_MODEL"); ok && strings.TrimSpace(v) != "" {
		c.Models.Default = v
	}
	if v, ok := lookup("DATABASE_URL"); ok {
		c.Database.URL = v
	}
}

func (c *ServerConfig) Normalize() {
	c.ListenAddr = strings.TrimSpace(c.ListenAddr)
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.MaxRequestBytes <= 0 {
		c.MaxRequestBytes = defaultMaxRequestBytes
	}
	c.Upstream.URL = strings.TrimSpace(c.Upstream.URL)
	c.Upstream.APIKey = strings.TrimSpace(c.Upstream.APIKey)
	if c.Upstream.TimeoutSeconds < 0 {
		c.Upstream.TimeoutSeconds = 0
	}
	c.Models.Default = strings.TrimSpace(c.Models.Default)
	c.Models.Allowed = strings.Join(ParseModelList(c.Models.Allowed), ",")
	c.Database.URL = strings.TrimSpace(c.Database.URL)
	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = 16
	}
	c.Logs.Level = strings.ToLower(strings.TrimSpace(c.Logs.Level))
	if c.Logs.Level == "" {
		c.Logs.Level = "info"
	}
	c.Logs.File = strings.TrimSpace(c.Logs.File)
	if c.Logs.MaxSizeMB <= 0 {
		c.Logs.MaxSizeMB = 50
	}
	if c.Logs.MaxBackups < 0 {
		c.Logs.MaxBackups = 0
	}
	if c.Logs.MaxAgeDays < 0 {
		c.Logs.MaxAgeDays = 0
	}
	c.Metrics.Path = strings.TrimSpace(c.Metrics.Path)
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		c.Metrics.Path = "/" + c.Metrics.Path
	}
	origins := make([]string, 0, len(c.CORS.AllowedOrigins))
	for _, o := range c.CORS.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.CORS.AllowedOrigins = origins
	c.TLS.Domain = strings.TrimSpace(c.TLS.Domain)
	c.TLS.Email = strings.TrimSpace(c.TLS.Email)
	c.TLS.CacheDir = strings.TrimSpace(c.TLS.CacheDir)
	if c.TLS.CacheDir == "" {
		c.TLS.CacheDir = DefaultTLSCacheDir()
	}
}

func (c *ServerConfig) Validate() error {
	if c.Upstream.URL == "" {
		return errors.New("upstream.url cannot be empty")
	}
	u, err := url.Parse(c.Upstream.URL)
	if err != nil {
		return fmt.Errorf("upstream.url is invalid: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("upstream.url %q must be an absolute http(s) URL", c.Upstream.URL)
	}
	if len(ParseModelList(c.Models.Allowed)) == 0 {
		return errors.New("models.allowed must list at least one model")
	}
	if c.Models.Default == "" {
		return errors.New("models.default cannot be empty")
	}
	switch c.Logs.Level {
	case "trace", "debug", "info", "warn", "error", "fatal":
	default:
		return fmt.Errorf("invalid logs.level %q", c.Logs.Level)
	}
	if c.TLS.Enabled && c.TLS.Domain == "" {
		return errors.New("tls.domain is required when tls.enabled=true")
	}
	return nil
}

// Catalog builds the model catalog described by the models section.
func (c *ServerConfig) Catalog() *ModelCatalog {
	return NewModelCatalog(ParseModelList(c.Models.Allowed), c.Models.Default)
}

func Save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	b, err := MarshalTOML(v)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func MarshalTOML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetArraysMultiline(true)
	enc.SetIndentSymbol("  ")
	enc.SetIndentTables(true)
	enc.SetTablesInline(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return out, nil
}
