package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const defaultConfigFileName = "grokgate.toml"

type TLSConfig struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"`
	Domain     string `toml:"domain"`
	Email      string `toml:"email"`
	CacheDir   string `toml:"cache_dir"`
}

// GrokConfig carries everything needed to talk to the upstream web API,
// including the statically supplied anti-automation values.
type GrokConfig struct {
	BaseURL                string `toml:"base_url,omitempty"`
	AssetsBaseURL          string `toml:"assets_base_url,omitempty"`
	ProxyURL               string `toml:"proxy_url"`
	CFClearance            string `toml:"cf_clearance"`
	XStatsigID             string `toml:"x_statsig_id"`
	FilteredTags           string `toml:"filtered_tags"`
	FirstByteTimeoutSecs   int    `toml:"stream_first_response_timeout"`
	ChunkTimeoutSecs       int    `toml:"stream_chunk_timeout"`
	TotalTimeoutSecs       int    `toml:"stream_total_timeout"`
	Temporary              bool   `toml:"temporary"`
	ShowThinking           bool   `toml:"show_thinking"`
	MaxAttempts            int    `toml:"max_attempts"`
}

type ServerConfig struct {
	ListenAddr      string     `toml:"listen_addr"`
	APIKey          string     `toml:"api_key"`
	AllowAnonymous  bool       `toml:"allow_anonymous_access"`
	LogLevel        string     `toml:"log_level"`
	CredentialsPath string     `toml:"credentials_path"`
	Grok            GrokConfig `toml:"grok"`
	TLS             TLSConfig  `toml:"tls"`
}

func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "grokgate", defaultConfigFileName)
}

func DefaultCredentialsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "credentials.json"
	}
	return filepath.Join(home, ".config", "grokgate", "credentials.json")
}

func DefaultTLSCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tls-autocert"
	}
	return filepath.Join(home, ".cache", "grokgate", "tls-autocert")
}

func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:      "127.0.0.1:8180",
		LogLevel:        "info",
		CredentialsPath: DefaultCredentialsPath(),
		Grok: GrokConfig{
			BaseURL:              "https://grok.com",
			AssetsBaseURL:        "https://assets.grok.com",
			FilteredTags:         "xaiartifact,xai:tool_usage_card,grok:render",
			FirstByteTimeoutSecs: 30,
			ChunkTimeoutSecs:     120,
			TotalTimeoutSecs:     600,
			Temporary:            true,
			ShowThinking:         true,
			MaxAttempts:          3,
		},
		TLS: TLSConfig{
			Enabled:    false,
			ListenAddr: ":443",
			CacheDir:   DefaultTLSCacheDir(),
		},
	}
}

func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse toml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrCreateServerConfig writes the default config when none exists yet.
func LoadOrCreateServerConfig(path string) (*ServerConfig, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := NewDefaultServerConfig()
		cfg.Normalize()
		if err := Save(path, cfg); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
		return cfg, nil
	}
	return LoadServerConfig(path)
}

func Save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return writeAtomic(path, v)
}

func writeAtomic(path string, v any) error {
	b, err := marshalTOML(v)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// MarshalTOML renders the config the way Save writes it, for display.
func (c *ServerConfig) MarshalTOML() ([]byte, error) {
	return marshalTOML(c)
}

func marshalTOML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetIndentSymbol("  ")
	enc.SetIndentTables(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return out, nil
}

func (c *ServerConfig) Normalize() {
	c.ListenAddr = strings.TrimSpace(c.ListenAddr)
	if c.ListenAddr == "" {
		c.ListenAddr = ":8180"
	}
	c.APIKey = strings.TrimSpace(c.APIKey)
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.CredentialsPath = strings.TrimSpace(c.CredentialsPath)
	if c.CredentialsPath == "" {
		c.CredentialsPath = DefaultCredentialsPath()
	}

	g := &c.Grok
	g.BaseURL = strings.TrimRight(strings.TrimSpace(g.BaseURL), "/")
	if g.BaseURL == "" {
		g.BaseURL = "https://grok.com"
	}
	g.AssetsBaseURL = strings.TrimRight(strings.TrimSpace(g.AssetsBaseURL), "/")
	if g.AssetsBaseURL == "" {
		g.AssetsBaseURL = "https://assets.grok.com"
	}
	g.ProxyURL = strings.TrimSpace(g.ProxyURL)
	// The Python ecosystem spells proxy-side DNS resolution socks5h; Go's
	// transport resolves through the proxy already and only knows socks5.
	if strings.HasPrefix(g.ProxyURL, "socks5h://") {
		g.ProxyURL = "socks5://" + strings.TrimPrefix(g.ProxyURL, "socks5h://")
	}
	g.CFClearance = strings.TrimPrefix(strings.TrimSpace(g.CFClearance), "cf_clearance=")
	g.XStatsigID = strings.TrimSpace(g.XStatsigID)
	g.FilteredTags = strings.TrimSpace(g.FilteredTags)
	if g.FirstByteTimeoutSecs <= 0 {
		g.FirstByteTimeoutSecs = 30
	}
	if g.ChunkTimeoutSecs <= 0 {
		g.ChunkTimeoutSecs = 120
	}
	if g.TotalTimeoutSecs < 0 {
		g.TotalTimeoutSecs = 0
	}
	if g.MaxAttempts <= 0 {
		g.MaxAttempts = 3
	}

	c.TLS.ListenAddr = strings.TrimSpace(c.TLS.ListenAddr)
	if c.TLS.ListenAddr == "" {
		c.TLS.ListenAddr = ":443"
	}
	c.TLS.Domain = strings.TrimSpace(c.TLS.Domain)
	c.TLS.Email = strings.TrimSpace(c.TLS.Email)
	c.TLS.CacheDir = strings.TrimSpace(c.TLS.CacheDir)
	if c.TLS.CacheDir == "" {
		c.TLS.CacheDir = DefaultTLSCacheDir()
	}
}

func (c *ServerConfig) Validate() error {
	if c.Grok.ProxyURL != "" {
		u, err := url.Parse(c.Grok.ProxyURL)
		if err != nil {
			return fmt.Errorf("grok.proxy_url is not a valid URL: %w", err)
		}
		switch u.Scheme {
		case "http", "https", "socks5":
		default:
			return fmt.Errorf("grok.proxy_url scheme %q not supported (http, https, socks5)", u.Scheme)
		}
	}
	if _, err := url.Parse(c.Grok.BaseURL); err != nil {
		return fmt.Errorf("grok.base_url is not a valid URL: %w", err)
	}
	if c.TLS.Enabled && c.TLS.Domain == "" {
		return errors.New("tls.domain is required when tls.enabled=true")
	}
	return nil
}

// FilteredTagList splits the comma separated filtered_tags option.
func (g GrokConfig) FilteredTagList() []string {
	parts := strings.Split(g.FilteredTags, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (g GrokConfig) FirstByteTimeout() time.Duration {
	return time.Duration(g.FirstByteTimeoutSecs) * time.Second
}

func (g GrokConfig) ChunkTimeout() time.Duration {
	return time.Duration(g.ChunkTimeoutSecs) * time.Second
}

// TotalTimeout returns zero when the absolute cap is disabled.
func (g GrokConfig) TotalTimeout() time.Duration {
	return time.Duration(g.TotalTimeoutSecs) * time.Second
}

// ServerConfigStore serializes config mutations and persists every change.
type ServerConfigStore struct {
	mu   sync.RWMutex
	path string
	cfg  *ServerConfig
}

func NewServerConfigStore(path string, cfg *ServerConfig) *ServerConfigStore {
	return &ServerConfigStore{path: path, cfg: cfg}
}

func (s *ServerConfigStore) Snapshot() ServerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.cfg
}

func (s *ServerConfigStore) Update(mutator func(*ServerConfig) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.cfg
	if err := mutator(&cp); err != nil {
		return err
	}
	cp.Normalize()
	if err := cp.Validate(); err != nil {
		return err
	}
	if err := Save(s.path, &cp); err != nil {
		return err
	}
	s.cfg = &cp
	return nil
}
