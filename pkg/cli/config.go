package cli

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/goccy/go-yaml"
)

const (
	// DefaultBaseDir is the directory under $HOME holding every app's files.
	DefaultBaseDir = ".respsel"
	// DefaultConfigFile is the config file name inside the app directory.
	DefaultConfigFile = "config.yaml"
)

var (
	// ErrContextNotFound is returned for an unknown context name.
	ErrContextNotFound = errors.New("cli: context not found")

	// ErrNoCurrentContext is returned when no context is selected.
	ErrNoCurrentContext = errors.New("cli: no current context")
)

// Config lists the artifact store contexts of an app and remembers the
// selected one. It is persisted as YAML.
type Config struct {
	AppName        string              `yaml:"-"`
	CurrentContext string              `yaml:"current_context,omitempty"`
	Contexts       map[string]*Context `yaml:"contexts,omitempty"`

	configPath string
}

// Context is a named artifact store plus the credentials to reach it.
type Context struct {
	Name string `yaml:"name"`

	// Store is a local directory or an s3://bucket/prefix URL.
	Store string `yaml:"store"`

	// Endpoint overrides the S3 endpoint, e.g. for MinIO.
	Endpoint  string `yaml:"endpoint,omitempty"`
	Region    string `yaml:"region,omitempty"`
	AccessKey string `yaml:"access_key,omitempty"`
	SecretKey string `yaml:"secret_key,omitempty"`

	// MetricsDB is the training metrics database directory.
	MetricsDB string `yaml:"metrics_db,omitempty"`
}

// IsS3 reports whether the store is an S3 URL.
func (sc *Context) IsS3() bool {
	return strings.HasPrefix(sc.Store, "s3://")
}

// LoadConfig is LoadConfigWithPath with the default location.
func LoadConfig(appName string) (*Config, error) {
	return LoadConfigWithPath(appName, "")
}

// LoadConfigWithPath reads the config at path, defaulting to
// ~/.respsel/<app>/config.yaml. A missing file is written out empty.
func LoadConfigWithPath(appName, path string) (*Config, error) {
	if path == "" {
		p, err := NewPaths(appName)
		if err != nil {
			return nil, fmt.Errorf("cli: locate config: %w", err)
		}
		path = p.ConfigFile()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("cli: config dir: %w", err)
	}

	cfg := &Config{configPath: path}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("cli: read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("cli: parse %s: %w", path, err)
		}
	}
	cfg.AppName = appName
	if cfg.Contexts == nil {
		cfg.Contexts = make(map[string]*Context)
	}
	if err != nil {
		return cfg, cfg.Save()
	}
	return cfg, nil
}

// Save replaces the config file. It may hold credentials, so it is
// created with mode 0600.
func (c *Config) Save() error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("cli: encode config: %w", err)
	}
	tmp := c.configPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("cli: save config: %w", err)
	}
	if err := os.Rename(tmp, c.configPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("cli: save config: %w", err)
	}
	return nil
}

// Path returns the config file location.
func (c *Config) Path() string { return c.configPath }

// Dir returns the directory holding the config file.
func (c *Config) Dir() string { return filepath.Dir(c.configPath) }

// AddContext stores sc under name, replacing any context of that name,
// and saves.
func (c *Config) AddContext(name string, sc *Context) error {
	if sc.Store == "" {
		return fmt.Errorf("cli: context %q: store is required", name)
	}
	sc.Name = name
	c.Contexts[name] = sc
	return c.Save()
}

// DeleteContext removes a context, deselecting it if current, and saves.
func (c *Config) DeleteContext(name string) error {
	if _, err := c.GetContext(name); err != nil {
		return err
	}
	delete(c.Contexts, name)
	if c.CurrentContext == name {
		c.CurrentContext = ""
	}
	return c.Save()
}

// UseContext selects a context and saves.
func (c *Config) UseContext(name string) error {
	if _, err := c.GetContext(name); err != nil {
		return err
	}
	c.CurrentContext = name
	return c.Save()
}

// GetContext looks a context up by name.
func (c *Config) GetContext(name string) (*Context, error) {
	if sc, ok := c.Contexts[name]; ok {
		return sc, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrContextNotFound, name)
}

// GetCurrentContext returns the selected context.
func (c *Config) GetCurrentContext() (*Context, error) {
	if c.CurrentContext == "" {
		return nil, ErrNoCurrentContext
	}
	return c.GetContext(c.CurrentContext)
}

// ResolveContext returns the named context, or the current one for "".
func (c *Config) ResolveContext(name string) (*Context, error) {
	if name != "" {
		return c.GetContext(name)
	}
	return c.GetCurrentContext()
}

// ListContexts returns the context names in sorted order.
func (c *Config) ListContexts() []string {
	return slices.Sorted(maps.Keys(c.Contexts))
}

// MaskSecret hides a credential for display. Values longer than eight
// bytes keep their first and last four.
func MaskSecret(s string) string {
	const keep = 4
	if len(s) <= 2*keep {
		return strings.Repeat("*", len(s))
	}
	return s[:keep] + strings.Repeat("*", len(s)-2*keep) + s[len(s)-keep:]
}
