package nft

import (
	"errors"
	"net/netip"
	"strings"
	"testing"

	"github.com/vetod/veto/internal/veto/blocklist"
	"github.com/vetod/veto/internal/veto/common/log"
	"github.com/vetod/veto/internal/veto/firewall"
)

type fakeRunner struct {
	calls  []string
	script map[string]fakeResult
}

type fakeResult struct {
	out string
	err error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{script: make(map[string]fakeResult)}
}

func (f *fakeRunner) run(args ...string) (string, error) {
	cmd := strings.Join(args, " ")
	f.calls = append(f.calls, cmd)
	if res, ok := f.script[cmd]; ok {
		return res.out, res.err
	}
	return "", nil
}

func (f *fakeRunner) calledWith(cmd string) bool {
	for _, c := range f.calls {
		if c == cmd {
			return true
		}
	}
	return false
}

func newTestBackend(run *fakeRunner) *Backend {
	b := New(firewall.Drop, log.NewNoopLogger())
	b.run = run
	b.backoff = 0
	return b
}

func TestEnsureInitialized_FreshSystem(t *testing.T) {
	run := newFakeRunner()
	missing := errors.New("No such file or directory")
	run.script["list table inet veto"] = fakeResult{err: missing}
	run.script["list set inet veto veto4"] = fakeResult{err: missing}
	run.script["list set inet veto veto6"] = fakeResult{err: missing}
	run.script["list chain inet veto input"] = fakeResult{err: missing}
	run.script["list chain inet veto forward"] = fakeResult{err: missing}

	b := newTestBackend(run)
	if err := b.EnsureInitialized(); err != nil {
		t.Fatalf("EnsureInitialized returned error: %v", err)
	}

	for _, want := range []string{
		"add table inet veto",
		"add set inet veto veto4 { type ipv4_addr; }",
		"add set inet veto veto6 { type ipv6_addr; }",
		"add chain inet veto input { type filter hook input priority filter; policy accept; }",
		"add chain inet veto forward { type filter hook forward priority filter; policy accept; }",
		"add rule inet veto input ip saddr @veto4 drop",
		"add rule inet veto input ip6 saddr @veto6 drop",
		"add rule inet veto forward ip saddr @veto4 drop",
		"add rule inet veto forward ip6 saddr @veto6 drop",
	} {
		if !run.calledWith(want) {
			t.Errorf("expected command %q, calls: %v", want, run.calls)
		}
	}
}

func TestEnsureInitialized_Idempotent(t *testing.T) {
	run := newFakeRunner()
	// Everything exists; the chain listings already show both rules.
	run.script["list chain inet veto input"] = fakeResult{
		out: "ip saddr @veto4 drop\nip6 saddr @veto6 drop\n",
	}
	run.script["list chain inet veto forward"] = fakeResult{
		out: "ip saddr @veto4 drop\nip6 saddr @veto6 drop\n",
	}

	b := newTestBackend(run)
	if err := b.EnsureInitialized(); err != nil {
		t.Fatalf("EnsureInitialized returned error: %v", err)
	}
	for _, call := range run.calls {
		if strings.HasPrefix(call, "add ") {
			t.Errorf("unexpected mutation on an initialized system: %q", call)
		}
	}
}

func TestNew_TarpitFallsBackToDrop(t *testing.T) {
	run := newFakeRunner()
	b := New(firewall.Tarpit, log.NewNoopLogger())
	b.run = run
	b.backoff = 0

	if b.target != firewall.Drop {
		t.Fatalf("expected Tarpit to fall back to Drop, got %v", b.target)
	}
}

func TestApply_AddAndRemove(t *testing.T) {
	run := newFakeRunner()
	b := newTestBackend(run)

	if err := b.Apply(blocklist.Event{Kind: blocklist.Added, Addr: netip.MustParseAddr("203.0.113.9")}); err != nil {
		t.Fatalf("Apply(Added) returned error: %v", err)
	}
	if err := b.Apply(blocklist.Event{Kind: blocklist.Removed, Addr: netip.MustParseAddr("2001:db8::42")}); err != nil {
		t.Fatalf("Apply(Removed) returned error: %v", err)
	}

	for _, want := range []string{
		"add element inet veto veto4 { 203.0.113.9 }",
		"delete element inet veto veto6 { 2001:db8::42 }",
	} {
		if !run.calledWith(want) {
			t.Errorf("expected command %q, calls: %v", want, run.calls)
		}
	}
}

func TestApply_ExpectedErrorsAreSuccess(t *testing.T) {
	run := newFakeRunner()
	run.script["add element inet veto veto4 { 203.0.113.9 }"] = fakeResult{
		out: "Error: interval overlaps with an existing one, element already exists",
		err: errors.New("exit 1"),
	}
	run.script["delete element inet veto veto4 { 203.0.113.9 }"] = fakeResult{
		out: "Error: Could not process rule: No such file or directory",
		err: errors.New("exit 1"),
	}

	b := newTestBackend(run)
	addr := netip.MustParseAddr("203.0.113.9")
	if err := b.Apply(blocklist.Event{Kind: blocklist.Added, Addr: addr}); err != nil {
		t.Errorf("expected success for an existing element, got %v", err)
	}
	if err := b.Apply(blocklist.Event{Kind: blocklist.Removed, Addr: addr}); err != nil {
		t.Errorf("expected success for an absent element, got %v", err)
	}
}

func TestApply_RetriesExhausted(t *testing.T) {
	run := newFakeRunner()
	run.script["add element inet veto veto4 { 203.0.113.9 }"] = fakeResult{
		out: "netlink error",
		err: errors.New("exit 1"),
	}

	b := newTestBackend(run)
	if err := b.Apply(blocklist.Event{Kind: blocklist.Added, Addr: netip.MustParseAddr("203.0.113.9")}); err == nil {
		t.Fatal("expected an error after exhausting retries, got nil")
	}
}

func TestTeardown(t *testing.T) {
	run := newFakeRunner()
	b := newTestBackend(run)

	if err := b.Teardown(); err != nil {
		t.Fatalf("Teardown returned error: %v", err)
	}
	if !run.calledWith("flush table inet veto") || !run.calledWith("delete table inet veto") {
		t.Errorf("expected table flush and delete, calls: %v", run.calls)
	}
}

func TestTeardown_TableAbsent(t *testing.T) {
	run := newFakeRunner()
	run.script["list table inet veto"] = fakeResult{err: errors.New("No such file or directory")}

	b := newTestBackend(run)
	if err := b.Teardown(); err != nil {
		t.Fatalf("Teardown on an absent table returned error: %v", err)
	}
	for _, call := range run.calls {
		if strings.HasPrefix(call, "delete") || strings.HasPrefix(call, "flush") {
			t.Errorf("unexpected mutation when the table is absent: %q", call)
		}
	}
}
