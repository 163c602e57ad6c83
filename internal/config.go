package internal

import (
	"fmt"
	"log/slog"
	"runtime"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App     ApplicationConfig `yaml:"app"`
	Dumps   DumpsConfig       `yaml:"dumps"`
	Extract ExtractConfig     `yaml:"extract"`
	SQLite  SQLiteConfig      `yaml:"sqlite"`
	Auth    AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Dumps.Validate(); err != nil {
		return err
	}
	if err := c.Extract.Validate(); err != nil {
		return err
	}
	if err := c.SQLite.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds the status server configuration. Port 0 disables the
// status server entirely.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns the status server listen address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Enabled reports whether the status server should be started.
func (c *HTTPConfig) Enabled() bool {
	return c.Port > 0
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Min(0), validation.Max(65535)),
	)
}

// DumpsConfig describes where revision-history archives come from.
type DumpsConfig struct {
	MirrorURL  string `yaml:"mirror_url"`
	Date       string `yaml:"date"`
	StagingDir string `yaml:"staging_dir"`
}

// Validate validates the dumps configuration.
func (c *DumpsConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.StagingDir, validation.Required),
	)
}

// ExtractConfig holds the extraction pipeline configuration.
//
// Workers caps how many archives are processed concurrently; zero means one
// worker per CPU core. MergeFanIn bounds how many sorted runs the merge reads
// at once.
type ExtractConfig struct {
	Workers          int    `yaml:"workers"`
	SpoolDir         string `yaml:"spool_dir"`
	OutputPath       string `yaml:"output_path"`
	Compress         bool   `yaml:"compress"`
	MergeFanIn       int    `yaml:"merge_fan_in"`
	ResolveRedirects bool   `yaml:"resolve_redirects"`
	Guard            bool   `yaml:"guard"`
	EntitiesFilter   string `yaml:"entities_filter"`
	PredicatesFilter string `yaml:"predicates_filter"`
}

// EffectiveWorkers resolves the worker budget, defaulting to the core count.
func (c *ExtractConfig) EffectiveWorkers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.NumCPU()
}

// Validate validates the extraction configuration.
func (c *ExtractConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Workers, validation.Min(0)),
		validation.Field(&c.SpoolDir, validation.Required),
		validation.Field(&c.OutputPath, validation.Required),
		validation.Field(&c.MergeFanIn, validation.Min(0)),
	)
}

// SQLiteConfig holds the checkpoint database configuration.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// AuthConfig holds status server authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	// Normalise empty mode to "disabled" for backward compatibility.
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Dumps: DumpsConfig{
			MirrorURL:  "https://dumps.wikimedia.org",
			Date:       "latest",
			StagingDir: "./dumps",
		},
		Extract: ExtractConfig{
			SpoolDir:         "./spool",
			OutputPath:       "./operations.txt",
			Compress:         true,
			MergeFanIn:       64,
			ResolveRedirects: true,
			Guard:            true,
		},
		SQLite: SQLiteConfig{
			Path: "./raido.db",
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
