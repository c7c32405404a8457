package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PermissionPolicy is the per-context permission and network policy.
type PermissionPolicy struct {
	// Managed permissions are denied by default in every context.
	Managed []string `yaml:"managed"`
	// Allow is granted for every origin.
	Allow []string `yaml:"allow"`
	// TrustedDomains get TrustedPermissions granted on their origins. A bare
	// host is read as https://host; after parsing every entry is an origin.
	TrustedDomains     []string `yaml:"trusted_domains"`
	TrustedPermissions []string `yaml:"trusted_permissions"`
	// BlockedURLs are URL patterns no page may request.
	BlockedURLs []string `yaml:"blocked_urls,omitempty"`
}

// PlatformConfig describes one target platform.
type PlatformConfig struct {
	Name string `yaml:"name"`
	// LoginCheck is a JS expression evaluating to true (logged in), false
	// (logged out) or null (unknown).
	LoginCheck string `yaml:"login_check,omitempty"`
	// InitScripts are registered on every tab of the platform.
	InitScripts []string `yaml:"init_scripts,omitempty"`
}

// Policy is the top-level YAML policy file.
type Policy struct {
	Permissions PermissionPolicy `yaml:"permissions"`
	Platforms   []PlatformConfig `yaml:"platforms"`
}

// DefaultPolicy returns the policy used when no file is present.
func DefaultPolicy() *Policy {
	return &Policy{
		Permissions: PermissionPolicy{
			Managed: []string{
				"geolocation", "notifications", "camera", "microphone",
				"midi", "clipboard-read", "background-sync",
				"accelerometer", "gyroscope", "magnetometer",
			},
			Allow:              []string{"notifications"},
			TrustedPermissions: []string{"clipboard-read", "clipboard-write"},
		},
	}
}

// LoadPolicy reads and validates a policy YAML file. A missing file yields
// DefaultPolicy.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultPolicy(), nil
		}
		return nil, fmt.Errorf("policy config: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes and validates policy YAML.
func ParsePolicy(data []byte) (*Policy, error) {
	p := DefaultPolicy()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("policy config: %w", err)
	}
	seen := make(map[string]bool, len(p.Platforms))
	for i, pl := range p.Platforms {
		name := strings.TrimSpace(pl.Name)
		if name == "" {
			return nil, fmt.Errorf("policy config: platforms[%d] missing name", i)
		}
		if seen[name] {
			return nil, fmt.Errorf("policy config: duplicate platform %q", name)
		}
		seen[name] = true
		p.Platforms[i].Name = name
	}
	if err := p.Permissions.validate(); err != nil {
		return nil, fmt.Errorf("policy config: %w", err)
	}
	return p, nil
}

// permissionNames are the PermissionDescriptor names Browser.setPermission
// accepts.
var permissionNames = map[string]bool{
	"accelerometer": true, "ambient-light-sensor": true, "background-fetch": true,
	"background-sync": true, "camera": true, "captured-surface-control": true,
	"clipboard-read": true, "clipboard-write": true, "display-capture": true,
	"fullscreen": true, "geolocation": true, "gyroscope": true,
	"idle-detection": true, "keyboard-lock": true, "local-fonts": true,
	"magnetometer": true, "microphone": true, "midi": true, "nfc": true,
	"notifications": true, "payment-handler": true,
	"periodic-background-sync": true, "persistent-storage": true,
	"pointer-lock": true, "push": true, "screen-wake-lock": true,
	"speaker-selection": true, "storage-access": true,
	"top-level-storage-access": true, "window-management": true,
}

func (pp *PermissionPolicy) validate() error {
	lists := []struct {
		key   string
		names []string
	}{
		{"managed", pp.Managed},
		{"allow", pp.Allow},
		{"trusted_permissions", pp.TrustedPermissions},
	}
	for _, l := range lists {
		for i, name := range l.names {
			if !permissionNames[name] {
				return fmt.Errorf("%s[%d]: unknown permission %q", l.key, i, name)
			}
		}
	}
	for i, d := range pp.TrustedDomains {
		origin, err := normalizeOrigin(d)
		if err != nil {
			return fmt.Errorf("trusted_domains[%d]: %w", i, err)
		}
		pp.TrustedDomains[i] = origin
	}
	return nil
}

// normalizeOrigin turns "example.com" or "https://example.com/" into
// "https://example.com". Paths, queries and non-http schemes are rejected.
func normalizeOrigin(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", errors.New("empty origin")
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid origin %q: %w", raw, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", fmt.Errorf("origin %q must use http or https", raw)
	}
	if u.Hostname() == "" || u.User != nil {
		return "", fmt.Errorf("origin %q has no host", raw)
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" {
		return "", fmt.Errorf("origin %q must not carry a path or query", raw)
	}
	return u.Scheme + "://" + u.Host, nil
}

// Platform returns the named platform config.
func (p *Policy) Platform(name string) (PlatformConfig, bool) {
	for _, pl := range p.Platforms {
		if pl.Name == name {
			return pl, true
		}
	}
	return PlatformConfig{}, false
}
