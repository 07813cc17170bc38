// Package guard decides, per navigated path, whether to serve
// protected content, redirect to login, or hold a navigation while
// the session renews. One decision function feeds two execution
// contexts: the edge middleware, which can only see cookies, and the
// client validator, which has durable storage and the live session
// manager. Keeping both on the same table is what stops the layers
// from diverging in permissiveness.
package guard

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Policy names the paths with special routing behaviour.
type Policy struct {
	// PublicPrefixes bypass all auth checks (login, registration,
	// password reset and the like).
	PublicPrefixes []string `yaml:"public_prefixes"`

	// StaticPrefixes are always served (assets, icons, manifests).
	StaticPrefixes []string `yaml:"static_prefixes"`

	// LoginPath is where unauthenticated navigations land.
	LoginPath string `yaml:"login_path"`

	// LandingPath is the default authenticated destination.
	LandingPath string `yaml:"landing_path"`
}

// DefaultPolicy returns the built-in route policy.
func DefaultPolicy() Policy {
	return Policy{
		PublicPrefixes: []string{"/login", "/register", "/password-reset"},
		StaticPrefixes: []string{"/favicon.ico", "/static", "/images", "/icons", "/manifest.json"},
		LoginPath:      "/login",
		LandingPath:    "/dashboard",
	}
}

// LoadPolicy reads a YAML policy file. Fields left empty in the file
// fall back to the defaults, so a file can override just the prefixes.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("reading route policy: %w", err)
	}

	p := Policy{}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parsing route policy: %w", err)
	}

	def := DefaultPolicy()

	if len(p.PublicPrefixes) == 0 {
		p.PublicPrefixes = def.PublicPrefixes
	}

	if len(p.StaticPrefixes) == 0 {
		p.StaticPrefixes = def.StaticPrefixes
	}

	if p.LoginPath == "" {
		p.LoginPath = def.LoginPath
	}

	if p.LandingPath == "" {
		p.LandingPath = def.LandingPath
	}

	return p, nil
}

// IsStatic reports whether the path is an always-served asset path.
func (p Policy) IsStatic(path string) bool {
	for _, prefix := range p.StaticPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}

	return false
}

// IsPublic reports whether the path is exempt from auth checks.
// A prefix matches exactly or as a parent path segment; "/login"
// covers "/login" and "/login/reset" but not "/loginy".
func (p Policy) IsPublic(path string) bool {
	for _, prefix := range p.PublicPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}

	return false
}
