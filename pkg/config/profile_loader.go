package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// RuntimeProfile tunes scheduling and messaging for a deployment class
// (e.g. "edge", "server", "test"). Absent values fall back to the built-in
// defaults.
type RuntimeProfile struct {
	Name       string           `yaml:"name" json:"name"`
	Code       string           `yaml:"code" json:"code"`
	Scheduling SchedulingConfig `yaml:"scheduling" json:"scheduling"`
	Mailboxes  MailboxConfig    `yaml:"mailboxes" json:"mailboxes"`
	Limits     LimitsConfig     `yaml:"limits" json:"limits"`
}

// SchedulingConfig overrides scheduler parameters.
type SchedulingConfig struct {
	Cores int `yaml:"cores,omitempty" json:"cores,omitempty"`
	// FairnessFloor is the minimum acceptable fairness ratio; alerts fire
	// below it.
	FairnessFloor float64 `yaml:"fairness_floor,omitempty" json:"fairness_floor,omitempty"`
}

// MailboxConfig overrides mailbox capacity classes.
type MailboxConfig struct {
	DefaultCapacity      int    `yaml:"default_capacity,omitempty" json:"default_capacity,omitempty"`
	HighPriorityCapacity int    `yaml:"high_priority_capacity,omitempty" json:"high_priority_capacity,omitempty"`
	SystemCapacity       int    `yaml:"system_capacity,omitempty" json:"system_capacity,omitempty"`
	OverflowPolicy       string `yaml:"overflow_policy,omitempty" json:"overflow_policy,omitempty"`
}

// LimitsConfig overrides dispatch limits.
type LimitsConfig struct {
	SyscallRPS   float64 `yaml:"syscall_rps,omitempty" json:"syscall_rps,omitempty"`
	SyscallBurst int     `yaml:"syscall_burst,omitempty" json:"syscall_burst,omitempty"`
	GasBudget    uint64  `yaml:"gas_budget,omitempty" json:"gas_budget,omitempty"`
}

// LoadProfile loads a runtime profile YAML by code, searching the profiles
// directory for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*RuntimeProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}
	return parseProfile(data, code)
}

// LoadProfileFile loads a runtime profile from an explicit path.
func LoadProfileFile(path string) (*RuntimeProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %s: %w", path, err)
	}
	base := filepath.Base(path)
	code := strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
	return parseProfile(data, code)
}

func parseProfile(data []byte, code string) (*RuntimeProfile, error) {
	var profile RuntimeProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}
	if profile.Code == "" {
		profile.Code = code
	}
	return &profile, nil
}

// LoadAllProfiles loads every profile_*.yaml under the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*RuntimeProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*RuntimeProfile, len(matches))
	for _, path := range matches {
		profile, err := LoadProfileFile(path)
		if err != nil {
			return nil, err
		}
		profiles[profile.Code] = profile
	}
	return profiles, nil
}

// Apply overlays profile values onto a loaded Config.
func (p *RuntimeProfile) Apply(cfg *Config) {
	if p.Scheduling.Cores > 0 {
		cfg.Cores = p.Scheduling.Cores
	}
	if p.Limits.SyscallRPS > 0 {
		cfg.SyscallRPS = p.Limits.SyscallRPS
	}
	if p.Limits.SyscallBurst > 0 {
		cfg.SyscallBurst = p.Limits.SyscallBurst
	}
}
