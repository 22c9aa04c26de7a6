package config

import (
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vetod/veto/internal/veto/firewall"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config fixture: %v", err)
	}
	return path
}

const validConfig = `
state_dir = "/tmp/veto-test"
whitelist = ["10.0.0.0/8", "192.168.1.0/24"]

[ipset]
target = "Reject"
backend = "nft"

[rules.ssh]
file = "/var/log/auth.log"
filters = ["Failed password for .* from <HOST>"]
ports = [22]
timeout = "1d"

[rules.http]
file = "/var/log/nginx/access.log"
filters = ['<HOST> .* "(?P<agent>[^"]*)"']
timeout = "2h30m"

[rules.http.blacklists]
agent = ["masscan", "sqlmap"]
`

func TestLoad_Valid(t *testing.T) {
	path := writeConfig(t, validConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.StateDir != "/tmp/veto-test" {
		t.Errorf("expected StateDir=/tmp/veto-test, got %q", cfg.StateDir)
	}
	if cfg.Target != firewall.Reject {
		t.Errorf("expected Target=Reject, got %v", cfg.Target)
	}
	if cfg.Backend != "nft" {
		t.Errorf("expected Backend=nft, got %q", cfg.Backend)
	}

	if len(cfg.Whitelist) != 2 {
		t.Fatalf("expected 2 whitelist prefixes, got %d", len(cfg.Whitelist))
	}
	want := netip.MustParsePrefix("10.0.0.0/8")
	if cfg.Whitelist[0] != want {
		t.Errorf("expected whitelist[0]=%s, got %s", want, cfg.Whitelist[0])
	}

	ssh, ok := cfg.Rules["ssh"]
	if !ok {
		t.Fatal("expected rule ssh to be present")
	}
	if ssh.Name != "ssh" {
		t.Errorf("expected rule name ssh, got %q", ssh.Name)
	}
	if ssh.File != "/var/log/auth.log" {
		t.Errorf("unexpected rule file %q", ssh.File)
	}
	if ssh.Timeout != 24*time.Hour {
		t.Errorf("expected timeout 24h, got %s", ssh.Timeout)
	}
	if len(ssh.Ports) != 1 || ssh.Ports[0] != 22 {
		t.Errorf("unexpected ports %v", ssh.Ports)
	}

	http := cfg.Rules["http"]
	if http.Timeout != 2*time.Hour+30*time.Minute {
		t.Errorf("expected timeout 2h30m, got %s", http.Timeout)
	}
	if len(http.Blacklists["agent"]) != 2 {
		t.Errorf("unexpected blacklists %v", http.Blacklists)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
[rules.ssh]
file = "/var/log/auth.log"
filters = ["from <HOST>"]
timeout = "10m"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.StateDir != "/var/lib/veto" {
		t.Errorf("expected default StateDir, got %q", cfg.StateDir)
	}
	if cfg.Target != firewall.Drop {
		t.Errorf("expected default Target=Drop, got %v", cfg.Target)
	}
	if cfg.Backend != "ipset" {
		t.Errorf("expected default Backend=ipset, got %q", cfg.Backend)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeConfig(t, validConfig)
	t.Setenv("VETO_STATE_DIR", "/run/veto")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.StateDir != "/run/veto" {
		t.Errorf("expected env override StateDir=/run/veto, got %q", cfg.StateDir)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestLoad_NoRules(t *testing.T) {
	path := writeConfig(t, `state_dir = "/tmp/x"`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for empty rules, got nil")
	}
}

func TestLoad_InvalidBackend(t *testing.T) {
	path := writeConfig(t, `
[ipset]
target = "Drop"
backend = "pf"

[rules.ssh]
file = "/var/log/auth.log"
filters = ["from <HOST>"]
timeout = "10m"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for backend=pf, got nil")
	}
}

func TestLoad_InvalidTarget(t *testing.T) {
	path := writeConfig(t, `
[ipset]
target = "Allow"
backend = "ipset"

[rules.ssh]
file = "/var/log/auth.log"
filters = ["from <HOST>"]
timeout = "10m"
`)
	_, err := Load(path)
	if !errors.Is(err, firewall.ErrUnknownTarget) {
		t.Fatalf("expected ErrUnknownTarget, got %v", err)
	}
}

func TestLoad_InvalidWhitelist(t *testing.T) {
	path := writeConfig(t, `
whitelist = ["10.0.0.0"]

[rules.ssh]
file = "/var/log/auth.log"
filters = ["from <HOST>"]
timeout = "10m"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for whitelist entry without prefix length, got nil")
	}
}

func TestLoad_InvalidTimeout(t *testing.T) {
	path := writeConfig(t, `
[rules.ssh]
file = "/var/log/auth.log"
filters = ["from <HOST>"]
timeout = "soon"
`)
	_, err := Load(path)
	if !errors.Is(err, ErrBadDuration) {
		t.Fatalf("expected ErrBadDuration, got %v", err)
	}
}

func TestParseDuration_Valid(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"3d", 72 * time.Hour},
		{"1d12h", 36 * time.Hour},
		{"2h30m", 2*time.Hour + 30*time.Minute},
		{"90s", 90 * time.Second},
		{"10m", 10 * time.Minute},
		{" 1d ", 24 * time.Hour},
	}
	for _, tc := range cases {
		got, err := ParseDuration(tc.in)
		if err != nil {
			t.Errorf("ParseDuration(%q) returned error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseDuration(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestParseDuration_Invalid(t *testing.T) {
	cases := []string{"", "abc", "d", "-5m", "0s", "500ms", "1dxyz", "1.5s"}
	for _, in := range cases {
		if _, err := ParseDuration(in); !errors.Is(err, ErrBadDuration) {
			t.Errorf("ParseDuration(%q) = %v, want ErrBadDuration", in, err)
		}
	}
}
