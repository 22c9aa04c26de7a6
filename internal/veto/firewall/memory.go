package firewall

import (
	"net/netip"
	"sort"
	"sync"

	"github.com/vetod/veto/internal/veto/blocklist"
)

// Memory is an in-process Firewall that tracks set membership without
// touching the kernel. It backs tests and models the invariant that the
// IP-set membership equals the blocklist's address set.
type Memory struct {
	mu          sync.Mutex
	initialized bool
	addrs       map[netip.Addr]struct{}
}

func NewMemory() *Memory {
	return &Memory{addrs: make(map[netip.Addr]struct{})}
}

func (m *Memory) EnsureInitialized() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = true
	return nil
}

func (m *Memory) Apply(ev blocklist.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch ev.Kind {
	case blocklist.Added, blocklist.Extended:
		m.addrs[ev.Addr] = struct{}{}
	case blocklist.Removed:
		delete(m.addrs, ev.Addr)
	}
	return nil
}

func (m *Memory) Teardown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addrs = make(map[netip.Addr]struct{})
	m.initialized = false
	return nil
}

// Contains reports whether addr is in the modeled set.
func (m *Memory) Contains(addr netip.Addr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.addrs[addr]
	return ok
}

// Addrs returns the modeled membership in address order.
func (m *Memory) Addrs() []netip.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	addrs := make([]netip.Addr, 0, len(m.addrs))
	for a := range m.addrs {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Compare(addrs[j]) < 0 })
	return addrs
}

// Initialized reports whether EnsureInitialized has run.
func (m *Memory) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

var _ Firewall = (*Memory)(nil)
