// Package nft is the nftables rendition of the firewall contract: one
// inet table with per-family sets and a filter rule per hook chain. It
// shells out to nft the way the ipset backend shells out to ipset, with
// check-then-add idempotence.
package nft

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
	tableFamily = "inet"
	tableName   = "veto"
	setV4       = "veto4"
	setV6       = "veto6"
)

var hookChains = []string{"input", "forward"}

type runner interface {
	run(args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) run(args ...string) (string, error) {
	out, err := exec.Command("nft", args...).CombinedOutput()
	return string(out), err
}

// Backend implements firewall.Firewall using the nft tool.
type Backend struct {
	target  firewall.Disposition
	log     log.Logger
	run     runner
	retries int
	backoff time.Duration
}

func New(target firewall.Disposition, logger log.Logger) *Backend {
	if target == firewall.Tarpit {
		// nftables has no TARPIT verdict; drop is the closest disposition.
		logger.Warn(nil, "nft backend does not support Tarpit, using Drop")
		target = firewall.Drop
	}
	return &Backend{
		target:  target,
		log:     logger,
		run:     execRunner{},
		retries: 3,
		backoff: 200 * time.Millisecond,
	}
}

func (b *Backend) EnsureInitialized() error {
	steps := []struct {
		exists func() bool
		create []string
	}{
		{
			exists: func() bool { return b.exists("list", "table", tableFamily, tableName) },
			create: []string{"add", "table", tableFamily, tableName},
		},
		{
			exists: func() bool { return b.exists("list", "set", tableFamily, tableName, setV4) },
			create: []string{"add", "set", tableFamily, tableName, setV4, "{", "type", "ipv4_addr;", "}"},
		},
		{
			exists: func() bool { return b.exists("list", "set", tableFamily, tableName, setV6) },
			create: []string{"add", "set", tableFamily, tableName, setV6, "{", "type", "ipv6_addr;", "}"},
		},
	}
	for _, step := range steps {
		if step.exists() {
			continue
		}
		if out, err := b.run.run(step.create...); err != nil {
			return fmt.Errorf("%w: %s: %v: %s", firewall.ErrFirewallInit, strings.Join(step.create, " "), err, out)
		}
	}

	verdict := strings.ToLower(b.target.String())
	for _, chain := range hookChains {
		if !b.exists("list", "chain", tableFamily, tableName, chain) {
			spec := fmt.Sprintf("{ type filter hook %s priority filter; policy accept; }", chain)
			if out, err := b.run.run("add", "chain", tableFamily, tableName, chain, spec); err != nil {
				return fmt.Errorf("%w: adding chain %s: %v: %s", firewall.ErrFirewallInit, chain, err, out)
			}
		}

		for _, rule := range []struct{ proto, set string }{{"ip", setV4}, {"ip6", setV6}} {
			expr := fmt.Sprintf("%s saddr @%s %s", rule.proto, rule.set, verdict)
			if b.ruleExists(chain, expr) {
				continue
			}
			args := append([]string{"add", "rule", tableFamily, tableName, chain}, strings.Fields(expr)...)
			if out, err := b.run.run(args...); err != nil {
				return fmt.Errorf("%w: adding rule %q: %v: %s", firewall.ErrFirewallInit, expr, err, out)
			}
		}
	}
	return nil
}

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
	out, err := b.run.run("add", "element", tableFamily, tableName, setFor(addr), "{", addr.String(), "}")
	if err != nil {
		if strings.Contains(out, "already exists") || strings.Contains(out, "File exists") {
			return nil
		}
		return fmt.Errorf("nft add element %s: %v: %s", addr, err, out)
	}
	return nil
}

func (b *Backend) del(addr netip.Addr) error {
	out, err := b.run.run("delete", "element", tableFamily, tableName, setFor(addr), "{", addr.String(), "}")
	if err != nil {
		if strings.Contains(out, "No such file or directory") || strings.Contains(out, "Could not delete element") {
			return nil
		}
		return fmt.Errorf("nft delete element %s: %v: %s", addr, err, out)
	}
	return nil
}

// Teardown deletes the whole veto table, removing sets and rules in one
// operation.
func (b *Backend) Teardown() error {
	if !b.exists("list", "table", tableFamily, tableName) {
		return nil
	}
	if out, err := b.run.run("flush", "table", tableFamily, tableName); err != nil {
		b.log.Warn(map[string]any{"error": err, "output": out}, "failed flushing table")
	}
	if out, err := b.run.run("delete", "table", tableFamily, tableName); err != nil {
		return fmt.Errorf("nft delete table: %v: %s", err, out)
	}
	return nil
}

func (b *Backend) exists(args ...string) bool {
	_, err := b.run.run(args...)
	return err == nil
}

func (b *Backend) ruleExists(chain, expr string) bool {
	out, err := b.run.run("list", "chain", tableFamily, tableName, chain)
	return err == nil && strings.Contains(out, expr)
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
		b.log.Warn(map[string]any{"attempt": attempt + 1, "error": err}, "nft command failed")
	}
	return err
}

func setFor(addr netip.Addr) string {
	if addr.Unmap().Is4() {
		return setV4
	}
	return setV6
}

var _ firewall.Firewall = (*Backend)(nil)
