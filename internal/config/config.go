// Package config loads trellis.hcl.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"github.com/agentic-research/trellis/internal/codegen"
)

// DefaultFile is looked up in the working directory when no path is given.
const DefaultFile = "trellis.hcl"

// Store kinds.
const (
	StoreJSON   = "json"
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Config is the project configuration. Relative paths are resolved against
// the directory holding the config file.
type Config struct {
	ProjectRoot         string        `hcl:"project_root,optional"`
	Manifest            string        `hcl:"manifest,optional"`
	ManifestSelector    string        `hcl:"manifest_selector,optional"`
	StateDir            string        `hcl:"state_dir,optional"`
	Store               string        `hcl:"store,optional"`
	MaxConcurrentWrites int           `hcl:"max_concurrent_writes,optional"`
	StalePendingAfter   string        `hcl:"stale_pending_after,optional"`
	ValidateOutput      *bool         `hcl:"validate_output,optional"`
	LogLevel            string        `hcl:"log_level,optional"`
	Output              *OutputConfig `hcl:"output,block"`
	Watch               *WatchConfig  `hcl:"watch,block"`
}

type OutputConfig struct {
	SrcDir        string `hcl:"src_dir,optional"`
	ComponentsDir string `hcl:"components_dir,optional"`
	Extension     string `hcl:"extension,optional"`
	AppName       string `hcl:"app_name,optional"`
	BootstrapName string `hcl:"bootstrap_name,optional"`
}

type WatchConfig struct {
	Debounce string `hcl:"debounce,optional"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads path. A missing file yields Default() rooted at path's directory.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultFile
	}
	base := filepath.Dir(path)

	src, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		c := Default()
		c.resolve(base)
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(path, src)
}

// Parse decodes HCL source. filename selects the syntax (.hcl or .json) and
// anchors relative paths.
func Parse(filename string, src []byte) (*Config, error) {
	var c Config
	if err := hclsimple.Decode(filename, src, nil, &c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	c.resolve(filepath.Dir(filename))
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.ProjectRoot == "" {
		c.ProjectRoot = "."
	}
	if c.Manifest == "" {
		c.Manifest = "manifest.json"
	}
	if c.StateDir == "" {
		c.StateDir = ".trellis"
	}
	if c.Store == "" {
		c.Store = StoreJSON
	}
	if c.MaxConcurrentWrites == 0 {
		c.MaxConcurrentWrites = 5
	}
	if c.StalePendingAfter == "" {
		c.StalePendingAfter = "30s"
	}
	if c.ValidateOutput == nil {
		v := true
		c.ValidateOutput = &v
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Output == nil {
		c.Output = &OutputConfig{}
	}
	if c.Watch == nil {
		c.Watch = &WatchConfig{}
	}
	if c.Watch.Debounce == "" {
		c.Watch.Debounce = "200ms"
	}
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreJSON, StoreSQLite, StoreMemory:
	default:
		return fmt.Errorf("store: unknown kind %q", c.Store)
	}
	if c.MaxConcurrentWrites < 1 {
		return fmt.Errorf("max_concurrent_writes: must be positive, got %d", c.MaxConcurrentWrites)
	}
	if _, err := time.ParseDuration(c.StalePendingAfter); err != nil {
		return fmt.Errorf("stale_pending_after: %w", err)
	}
	if _, err := time.ParseDuration(c.Watch.Debounce); err != nil {
		return fmt.Errorf("watch.debounce: %w", err)
	}
	return nil
}

func (c *Config) resolve(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.ProjectRoot = abs(c.ProjectRoot)
	c.Manifest = abs(c.Manifest)
	if !filepath.IsAbs(c.StateDir) {
		c.StateDir = filepath.Join(c.ProjectRoot, c.StateDir)
	}
}

// StaleAfter is the parsed stale_pending_after.
func (c *Config) StaleAfter() time.Duration {
	d, _ := time.ParseDuration(c.StalePendingAfter)
	return d
}

// Debounce is the parsed watch.debounce.
func (c *Config) Debounce() time.Duration {
	d, _ := time.ParseDuration(c.Watch.Debounce)
	return d
}

// CodegenOptions maps the output block onto generator options.
func (c *Config) CodegenOptions() codegen.Options {
	o := codegen.DefaultOptions()
	if c.Output.SrcDir != "" {
		o.SrcDir = c.Output.SrcDir
		o.ComponentsDir = ""
	}
	if c.Output.ComponentsDir != "" {
		o.ComponentsDir = c.Output.ComponentsDir
	}
	if c.Output.Extension != "" {
		o.Extension = c.Output.Extension
	}
	if c.Output.AppName != "" {
		o.AppName = c.Output.AppName
	}
	if c.Output.BootstrapName != "" {
		o.BootstrapName = c.Output.BootstrapName
	}
	o.Validate = *c.ValidateOutput
	return o
}

// ControlPath is the cross-process lock and pass counter file.
func (c *Config) ControlPath() string {
	return filepath.Join(c.StateDir, "control")
}

// SQLitePath is the database used by the sqlite store.
func (c *Config) SQLitePath() string {
	return filepath.Join(c.StateDir, "state.db")
}
