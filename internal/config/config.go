// Package config resolves the runtime configuration from three layers in
// ascending precedence: baked-in defaults, an optional loom.yaml, and
// LOOM_* environment variables. Command-line flags are applied on top by
// the caller through Options.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"loom/internal/filestore"
)

// Config is the fully resolved configuration tree. It mirrors loom.yaml
// one to one and is passed by value once loaded.
type Config struct {
	// DataDir is the root of all persistent state: task records,
	// artifact history, blobs, and apply manifests.
	DataDir string `mapstructure:"data_dir"`

	// Workspace is the directory the engine reads and patches.
	Workspace string `mapstructure:"workspace"`

	LogLevel string `mapstructure:"log_level"`

	// LogFile mirrors log output to a file when non-empty.
	LogFile string `mapstructure:"log_file"`

	Engine          Engine   `mapstructure:"engine"`
	Role            Role     `mapstructure:"role"`
	Tester          Tester   `mapstructure:"tester"`
	WorkspaceLimits Limits   `mapstructure:"workspace_limits"`
	Research        Research `mapstructure:"research"`
}

// Engine bounds the repair loops and the runner lease.
type Engine struct {
	MaxSpecRepairs   int           `mapstructure:"max_spec_repairs"`
	MaxPatchRepairs  int           `mapstructure:"max_patch_repairs"`
	TransientRetries int           `mapstructure:"transient_retries"`
	LeaseTTL         time.Duration `mapstructure:"lease_ttl"`
}

// Role configures how role invocations reach the model process.
type Role struct {
	// Command is the argv of the external role process. Empty means no
	// gateway is configured; commands that need one will refuse to run.
	Command []string `mapstructure:"command"`

	Timeout          time.Duration `mapstructure:"timeout"`
	Temperature      float64       `mapstructure:"temperature"`
	MaxContextTokens int           `mapstructure:"max_context_tokens"`
}

// Tester bounds the acceptance gate.
type Tester struct {
	MaxCommands    int           `mapstructure:"max_commands"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

// Limits bounds single workspace operations.
type Limits struct {
	MaxReadBytes      int      `mapstructure:"max_read_bytes"`
	MaxListEntries    int      `mapstructure:"max_list_entries"`
	AllowedExtensions []string `mapstructure:"allowed_extensions"`
}

// Research configures reference verification during spec review.
type Research struct {
	Enabled bool          `mapstructure:"enabled"`
	Timeout time.Duration `mapstructure:"timeout"`
	MaxURLs int           `mapstructure:"max_urls"`
}

// Options carries the command-line overrides that outrank every file and
// environment value.
type Options struct {
	// ConfigFile, when set, names an explicit config file; loading fails
	// if it cannot be read. When empty, loom.yaml is searched for in the
	// current directory and its absence is fine.
	ConfigFile string

	DataDir   string
	Workspace string
	LogLevel  string
}

// Load resolves the configuration and validates it.
func Load(opts Options) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", opts.ConfigFile, err)
		}
	} else {
		v.SetConfigName("loom")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}

	if opts.DataDir != "" {
		cfg.DataDir = opts.DataDir
	}
	if opts.Workspace != "" {
		cfg.Workspace = opts.Workspace
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration that Load produces with no file, no
// environment, and no overrides.
func Default() Config {
	return Config{
		DataDir:   ".loom",
		Workspace: ".",
		LogLevel:  "info",
		Engine: Engine{
			MaxSpecRepairs:   2,
			MaxPatchRepairs:  3,
			TransientRetries: 3,
			LeaseTTL:         60 * time.Second,
		},
		Role: Role{
			Timeout:          120 * time.Second,
			Temperature:      0.2,
			MaxContextTokens: 24_000,
		},
		Tester: Tester{
			MaxCommands:    3,
			CommandTimeout: 30 * time.Second,
		},
		WorkspaceLimits: Limits{
			MaxReadBytes:   50_000,
			MaxListEntries: 300,
		},
		Research: Research{
			Enabled: true,
			Timeout: 10 * time.Second,
			MaxURLs: 5,
		},
	}
}

// Every key carries a default so AutomaticEnv overrides survive Unmarshal;
// viper only binds environment variables for keys it already knows about.
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("workspace", d.Workspace)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_file", d.LogFile)

	v.SetDefault("engine.max_spec_repairs", d.Engine.MaxSpecRepairs)
	v.SetDefault("engine.max_patch_repairs", d.Engine.MaxPatchRepairs)
	v.SetDefault("engine.transient_retries", d.Engine.TransientRetries)
	v.SetDefault("engine.lease_ttl", d.Engine.LeaseTTL.String())

	v.SetDefault("role.command", []string{})
	v.SetDefault("role.timeout", d.Role.Timeout.String())
	v.SetDefault("role.temperature", d.Role.Temperature)
	v.SetDefault("role.max_context_tokens", d.Role.MaxContextTokens)

	v.SetDefault("tester.max_commands", d.Tester.MaxCommands)
	v.SetDefault("tester.command_timeout", d.Tester.CommandTimeout.String())

	v.SetDefault("workspace_limits.max_read_bytes", d.WorkspaceLimits.MaxReadBytes)
	v.SetDefault("workspace_limits.max_list_entries", d.WorkspaceLimits.MaxListEntries)
	v.SetDefault("workspace_limits.allowed_extensions", []string{})

	v.SetDefault("research.enabled", d.Research.Enabled)
	v.SetDefault("research.timeout", d.Research.Timeout.String())
	v.SetDefault("research.max_urls", d.Research.MaxURLs)
}

// normalize trims values and expands ~ and environment variables in paths.
func (c *Config) normalize() {
	c.DataDir = filestore.ResolvePath(strings.TrimSpace(c.DataDir), "")
	c.Workspace = filestore.ResolvePath(strings.TrimSpace(c.Workspace), "")
	c.LogFile = filestore.ResolvePath(strings.TrimSpace(c.LogFile), "")
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	for i, ext := range c.WorkspaceLimits.AllowedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.WorkspaceLimits.AllowedExtensions[i] = ext
	}
}

// Validate rejects configurations the engine cannot run with. Zero
// workspace limits are accepted and fall back to the shipped defaults.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("config: data_dir cannot be empty")
	}
	if c.Workspace == "" {
		return errors.New("config: workspace cannot be empty")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}

	if c.Engine.MaxSpecRepairs < 1 {
		return errors.New("config: engine.max_spec_repairs must be at least 1")
	}
	if c.Engine.MaxPatchRepairs < 1 {
		return errors.New("config: engine.max_patch_repairs must be at least 1")
	}
	if c.Engine.TransientRetries < 1 {
		return errors.New("config: engine.transient_retries must be at least 1")
	}
	if c.Engine.LeaseTTL <= 0 {
		return errors.New("config: engine.lease_ttl must be positive")
	}

	if c.Role.Timeout <= 0 {
		return errors.New("config: role.timeout must be positive")
	}
	if c.Role.Temperature < 0 || c.Role.Temperature > 2 {
		return fmt.Errorf("config: role.temperature %v is outside [0, 2]", c.Role.Temperature)
	}
	if c.Role.MaxContextTokens < 1 {
		return errors.New("config: role.max_context_tokens must be at least 1")
	}

	if c.Tester.MaxCommands < 1 {
		return errors.New("config: tester.max_commands must be at least 1")
	}
	if c.Tester.CommandTimeout <= 0 {
		return errors.New("config: tester.command_timeout must be positive")
	}

	if c.WorkspaceLimits.MaxReadBytes < 0 {
		return errors.New("config: workspace_limits.max_read_bytes cannot be negative")
	}
	if c.WorkspaceLimits.MaxListEntries < 0 {
		return errors.New("config: workspace_limits.max_list_entries cannot be negative")
	}

	if c.Research.Enabled {
		if c.Research.Timeout <= 0 {
			return errors.New("config: research.timeout must be positive")
		}
		if c.Research.MaxURLs < 1 {
			return errors.New("config: research.max_urls must be at least 1")
		}
	}
	return nil
}
