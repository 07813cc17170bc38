package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for fleetgate.
type Config struct {
	// Address the gateway listens on.
	ListenAddr string `env:"FLEETGATE_LISTEN_ADDR" envDefault:":8080"`

	// Base URL of the fleet management REST backend (login, refresh,
	// and all proxied API calls).
	BackendURL string `env:"FLEETGATE_BACKEND_URL"`

	// Origin of the admin application the gateway fronts. Guarded
	// page requests are reverse-proxied here.
	AppURL string `env:"FLEETGATE_APP_URL"`

	// Directory for durable session state. Defaults to ~/.fleetgate.
	StateDir string `env:"FLEETGATE_STATE_DIR"`

	// Optional YAML route policy file. When empty the built-in
	// defaults apply (public login/register/password-reset paths,
	// /dashboard landing page).
	RoutePolicy string `env:"FLEETGATE_ROUTE_POLICY"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Log level override (debug, info, warn, error).
	LogLevel string `env:"FLEETGATE_LOG_LEVEL" envDefault:""`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.StateDir == "" {
		dir, err := DefaultStateDir()
		if err != nil {
			return nil, err
		}

		cfg.StateDir = dir
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve StateDir to an absolute path at startup so the session
	// store and its file watcher agree on the database location
	// regardless of later working-directory changes.
	absDir, err := filepath.Abs(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("resolving state dir to absolute path: %w", err)
	}

	cfg.StateDir = absDir

	return cfg, nil
}

func (c *Config) validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("FLEETGATE_BACKEND_URL is required")
	}

	if err := validateOrigin("FLEETGATE_BACKEND_URL", c.BackendURL); err != nil {
		return err
	}

	if c.AppURL == "" {
		return fmt.Errorf("FLEETGATE_APP_URL is required")
	}

	return validateOrigin("FLEETGATE_APP_URL", c.AppURL)
}

// validateOrigin rejects URLs without an http(s) scheme or host.
// Catching these at load time beats a confusing proxy error later.
func validateOrigin(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", name, err)
	}

	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an absolute http(s) URL, got %q", name, raw)
	}

	return nil
}

// DefaultStateDir returns the default session state directory:
// ~/.fleetgate/
func DefaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".fleetgate"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
