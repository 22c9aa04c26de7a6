// Package ipset drives the ipset+iptables tool family. Two kernel sets
// hold blocked addresses (veto4 for IPv4, veto6 for IPv6) and one filter
// rule per chain and family matches source membership in the set.
package ipset

import (
	"fmt"
	"net/netip"
	"os/exec"
	"strings"
	"time"

	"github.com/vetod/veto/internal/veto/blocklist"
	"github.com/vetod/veto/internal/veto/common/log"
	"github.com/vetod/veto/internal/veto/firewall"
)

const (
	setV4 = "veto4"
	setV6 = "veto6"
)

var chains = []string{"INPUT", "FORWARD"}

// Expected ipset error suffixes for idempotent add/delete.
const (
	alreadyAddedMsg = "it's already added"
	notAddedMsg     = "it's not added"
)

// runner abstracts external command invocation so tests can substitute a
// fake.
type runner interface {
	run(name string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) run(name string, args ...string) (string, error) {
	out, err := exec.Command(name, args...).CombinedOutput()
	return string(out), err
}

// Backend implements firewall.Firewall on top of ipset and ip(6)tables.
type Backend struct {
	target  firewall.Disposition
	log     log.Logger
	run     runner
	retries int
	backoff time.Duration
}

func New(target firewall.Disposition, logger log.Logger) *Backend {
	return &Backend{
		target:  target,
		log:     logger,
		run:     execRunner{},
		retries: 3,
		backoff: 200 * time.Millisecond,
	}
}

type family struct {
	set      string
	inet     string
	iptables string
}

var families = []family{
	{set: setV4, inet: "inet", iptables: "iptables"},
	{set: setV6, inet: "inet6", iptables: "ip6tables"},
}

// EnsureInitialized creates both sets if missing and installs the filter
// rules exactly once (check-then-add).
func (b *Backend) EnsureInitialized() error {
	existing, err := b.run.run("ipset", "list", "-n")
	if err != nil {
		return fmt.Errorf("%w: listing ipset names: %v: %s", firewall.ErrFirewallInit, err, existing)
	}

	for _, fam := range families {
		if !containsLine(existing, fam.set) {
			if out, err := b.run.run("ipset", "create", fam.set, "hash:ip", "family", fam.inet); err != nil {
				return fmt.Errorf("%w: creating set %s: %v: %s", firewall.ErrFirewallInit, fam.set, err, out)
			}
		}

		for _, chain := range chains {
			match := matchArgs(fam.set, b.target)
			if _, err := b.run.run(fam.iptables, append([]string{"-C", chain}, match...)...); err == nil {
				continue
			}
			if out, err := b.run.run(fam.iptables, append([]string{"-I", chain}, match...)...); err != nil {
				return fmt.Errorf("%w: installing %s rule in %s: %v: %s", firewall.ErrFirewallInit, fam.iptables, chain, err, out)
			}
		}
	}
	return nil
}

// Apply makes one blocklist event effective. Added and Extended insert the
// address; Removed deletes it. Expected "already added" / "not added"
// outcomes are success; other failures retry with exponential backoff.
func (b *Backend) Apply(ev blocklist.Event) error {
	switch ev.Kind {
	case blocklist.Added, blocklist.Extended:
		return b.withRetry(func() error { return b.add(ev.Addr) })
	case blocklist.Removed:
		return b.withRetry(func() error { return b.del(ev.Addr) })
	default:
		return nil
	}
}

func (b *Backend) add(addr netip.Addr) error {
	out, err := b.run.run("ipset", "add", setFor(addr), addr.String())
	if err != nil {
		if strings.Contains(out, alreadyAddedMsg) {
			return nil
		}
		return fmt.Errorf("ipset add %s: %v: %s", addr, err, out)
	}
	return nil
}

func (b *Backend) del(addr netip.Addr) error {
	out, err := b.run.run("ipset", "del", setFor(addr), addr.String())
	if err != nil {
		if strings.Contains(out, notAddedMsg) {
			return nil
		}
		return fmt.Errorf("ipset del %s: %v: %s", addr, err, out)
	}
	return nil
}

// Teardown removes the filter rules, then flushes and destroys both sets.
func (b *Backend) Teardown() error {
	var firstErr error
	for _, fam := range families {
		for _, chain := range chains {
			match := matchArgs(fam.set, b.target)
			// Delete until the rule is gone; duplicates can accumulate
			// across crashed runs.
			for {
				if _, err := b.run.run(fam.iptables, append([]string{"-D", chain}, match...)...); err != nil {
					break
				}
			}
		}

		if out, err := b.run.run("ipset", "flush", fam.set); err != nil {
			b.log.Warn(map[string]any{"set": fam.set, "error": err, "output": out}, "failed flushing set")
		}
		if out, err := b.run.run("ipset", "destroy", fam.set); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("ipset destroy %s: %v: %s", fam.set, err, out)
			}
		}
	}
	return firstErr
}

func (b *Backend) withRetry(op func() error) error {
	var err error
	for attempt := 0; attempt < b.retries; attempt++ {
		if attempt > 0 {
			time.Sleep(b.backoff << (attempt - 1))
		}
		if err = op(); err == nil {
			return nil
		}
		b.log.Warn(map[string]any{"attempt": attempt + 1, "error": err}, "firewall command failed")
	}
	return err
}

func setFor(addr netip.Addr) string {
	if addr.Unmap().Is4() {
		return setV4
	}
	return setV6
}

func matchArgs(set string, target firewall.Disposition) []string {
	return []string{"-m", "set", "--match-set", set, "src", "-j", target.String()}
}

func containsLine(out, want string) bool {
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == want {
			return true
		}
	}
	return false
}

var _ firewall.Firewall = (*Backend)(nil)
