package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SiteProfile holds deployment-site overrides loaded from an optional YAML
// file (TWINOPS_SITE_PROFILE_PATH), grounded on the teacher's
// pkg/config.RegionalProfile: per-environment operational defaults kept out
// of process env vars so a fleet of otherwise-identical binaries can differ
// by mounted file rather than by redeploy.
type SiteProfile struct {
	Name              string   `yaml:"name"`
	DefaultRoles      []string `yaml:"default_roles,omitempty"`
	InterlockFailSafe *bool    `yaml:"interlock_fail_safe,omitempty"`
	RequireApprovalFor []string `yaml:"require_approval_for,omitempty"`
}

// LoadSiteProfile reads and parses the YAML file at path. A missing path
// is not an error: deployments without a site profile simply keep the
// env-var-derived Config unmodified.
func LoadSiteProfile(path string) (*SiteProfile, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: read site profile: %w", err)
	}
	var p SiteProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("config: parse site profile: %w", err)
	}
	return &p, nil
}

// ApplyTo overrides c's DefaultRoles and InterlockFailSafe when the profile
// sets them; the profile's Name and RequireApprovalFor are not applied.
func (p *SiteProfile) ApplyTo(c *Config) {
	if p == nil {
		return
	}
	if len(p.DefaultRoles) > 0 {
		c.DefaultRoles = p.DefaultRoles
	}
	if p.InterlockFailSafe != nil {
		c.InterlockFailSafe = *p.InterlockFailSafe
	}
}
