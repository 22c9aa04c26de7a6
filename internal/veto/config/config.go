// Package config loads and validates the veto settings file. The raw TOML
// settings pass through koanf (file + env providers) and struct validation,
// then resolve into parsed types (prefixes, durations, dispositions) that
// the rest of the daemon consumes.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/vetod/veto/internal/veto/firewall"
)

// DefaultPath is where the settings file lives unless overridden by
// --config or VETO_CONFIG.
const DefaultPath = "/etc/veto/config.toml"

// ErrBadDuration indicates a rule timeout that does not parse or is not
// positive.
var ErrBadDuration = errors.New("bad duration")

// Settings mirrors the TOML file before resolution.
type Settings struct {
	// Whitelist holds CIDR prefixes whose addresses are never blocked.
	Whitelist []string `koanf:"whitelist"`

	// StateDir holds the snapshot, journal, and lock file.
	StateDir string `koanf:"state_dir" validate:"required"`

	IPSet IPSetSettings `koanf:"ipset"`

	// Rules maps rule names to their definitions.
	Rules map[string]RuleSettings `koanf:"rules" validate:"required,min=1,dive"`
}

// IPSetSettings selects the packet-filter backend and disposition.
type IPSetSettings struct {
	Target  string `koanf:"target" validate:"required"`
	Backend string `koanf:"backend" validate:"required,oneof=ipset nft"`
}

// RuleSettings is one rule as written in the settings file.
type RuleSettings struct {
	// File is the log file the rule watches.
	File string `koanf:"file" validate:"required"`

	// Filters are regex patterns with placeholder tokens; every filter
	// must contain <HOST>.
	Filters []string `koanf:"filters" validate:"required,min=1"`

	// Ports is parsed and validated but not consulted by the firewall
	// path; matching by destination port is not part of the blocking
	// contract.
	Ports []uint16 `koanf:"ports" validate:"dive,gt=0"`

	// Timeout is a humanized block duration such as "3d" or "2h30m".
	Timeout string `koanf:"timeout" validate:"required"`

	// Blacklists maps filter capture-group names to substrings that
	// must appear in the captured text for the rule to block.
	Blacklists map[string][]string `koanf:"blacklists"`
}

var defaultSettings = Settings{
	StateDir: "/var/lib/veto",
	IPSet: IPSetSettings{
		Target:  "Drop",
		Backend: "ipset",
	},
}

// Config is the resolved configuration.
type Config struct {
	Whitelist []netip.Prefix
	StateDir  string
	Target    firewall.Disposition
	Backend   string
	Rules     map[string]Rule
}

// Rule is one resolved rule.
type Rule struct {
	Name       string
	File       string
	Filters    []string
	Ports      []uint16
	Timeout    time.Duration
	Blacklists map[string][]string
}

// Load reads the settings file at path, applies VETO_-prefixed environment
// overrides, validates, and resolves the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultSettings, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("error loading default config: %w", err)
	}

	if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
		return nil, fmt.Errorf("error loading config file %s: %w", path, err)
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: "VETO_",
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, "VETO_"))
			return key, strings.TrimSpace(value)
		},
	}), nil); err != nil {
		return nil, fmt.Errorf("error loading env: %w", err)
	}

	var settings Settings
	if err := k.Unmarshal("", &settings); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(&settings); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return resolve(&settings)
}

// resolve converts validated raw settings into parsed types.
func resolve(settings *Settings) (*Config, error) {
	target, err := firewall.ParseDisposition(settings.IPSet.Target)
	if err != nil {
		return nil, err
	}

	whitelist := make([]netip.Prefix, 0, len(settings.Whitelist))
	for _, cidr := range settings.Whitelist {
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid whitelist entry %q: %w", cidr, err)
		}
		whitelist = append(whitelist, prefix.Masked())
	}

	rules := make(map[string]Rule, len(settings.Rules))
	for name, rs := range settings.Rules {
		timeout, err := ParseDuration(rs.Timeout)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", name, err)
		}
		rules[name] = Rule{
			Name:       name,
			File:       rs.File,
			Filters:    rs.Filters,
			Ports:      rs.Ports,
			Timeout:    timeout,
			Blacklists: rs.Blacklists,
		}
	}

	return &Config{
		Whitelist: whitelist,
		StateDir:  settings.StateDir,
		Target:    target,
		Backend:   settings.IPSet.Backend,
		Rules:     rules,
	}, nil
}

// daysRe splits a leading whole-day component off a duration string, since
// time.ParseDuration has no day unit.
var daysRe = regexp.MustCompile(`^(\d+)d(.*)$`)

// ParseDuration parses humanized durations like "3d", "1d12h", or "2h30m".
// Durations must be positive whole seconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty duration", ErrBadDuration)
	}

	var total time.Duration
	if m := daysRe.FindStringSubmatch(s); m != nil {
		var days int
		if _, err := fmt.Sscanf(m[1], "%d", &days); err != nil {
			return 0, fmt.Errorf("%w: %q", ErrBadDuration, s)
		}
		total = time.Duration(days) * 24 * time.Hour
		s = m[2]
	}
	if s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrBadDuration, s)
		}
		total += d
	}

	if total <= 0 {
		return 0, fmt.Errorf("%w: duration must be positive, got %s", ErrBadDuration, total)
	}
	if total%time.Second != 0 {
		return 0, fmt.Errorf("%w: duration must be whole seconds, got %s", ErrBadDuration, total)
	}
	return total, nil
}
