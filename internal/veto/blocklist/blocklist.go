// Package blocklist is the single source of truth for which addresses are
// currently blocked and for how long. It combines an address-keyed map with
// a min-heap ordered by expiration, and emits events that the firewall
// adapter applies.
package blocklist

import (
	"container/heap"
	"net/netip"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// whitelistCacheSize bounds the LRU of per-address whitelist decisions.
// The whitelist is immutable for the process lifetime, so cached decisions
// never go stale.
const whitelistCacheSize = 1024

// Kind classifies the outcome of a blocklist operation.
type Kind int

const (
	// Added: the address had no active block and one was created.
	Added Kind = iota
	// Extended: an active block's expiration moved later.
	Extended
	// Removed: an active block expired or was drained.
	Removed
	// Unchanged: the address already has an equal-or-later expiration.
	Unchanged
	// Ignored: the address is whitelisted.
	Ignored
)

func (k Kind) String() string {
	switch k {
	case Added:
		return "added"
	case Extended:
		return "extended"
	case Removed:
		return "removed"
	case Unchanged:
		return "unchanged"
	case Ignored:
		return "ignored"
	default:
		return "unknown"
	}
}

// Event describes a state transition for one address.
type Event struct {
	Kind Kind
	Addr netip.Addr
	Rule string
}

// Entry is one address's active block.
type Entry struct {
	Addr      netip.Addr
	Rule      string
	ExpiresAt time.Time
}

// Blocklist holds the active block entries. All methods are safe for
// concurrent use; the mutex is held only across short in-memory sections,
// never across I/O.
type Blocklist struct {
	mu        sync.Mutex
	entries   map[netip.Addr]Entry
	heap      expiryHeap
	whitelist []netip.Prefix
	wlCache   *lru.Cache[netip.Addr, bool]
}

// New creates an empty Blocklist. Addresses covered by any of the given
// prefixes are never blocked.
func New(whitelist []netip.Prefix) (*Blocklist, error) {
	cache, err := lru.New[netip.Addr, bool](whitelistCacheSize)
	if err != nil {
		return nil, err
	}
	return &Blocklist{
		entries:   make(map[netip.Addr]Entry),
		whitelist: whitelist,
		wlCache:   cache,
	}, nil
}

// Add records a match for addr under the named rule. The block expires at
// now+timeout. An existing block is only ever extended, never shortened.
func (b *Blocklist) Add(addr netip.Addr, rule string, timeout time.Duration, now time.Time) Event {
	addr = addr.Unmap()
	if b.whitelisted(addr) {
		return Event{Kind: Ignored, Addr: addr, Rule: rule}
	}

	expires := now.Add(timeout)

	b.mu.Lock()
	defer b.mu.Unlock()

	cur, exists := b.entries[addr]
	if exists && !expires.After(cur.ExpiresAt) {
		return Event{Kind: Unchanged, Addr: addr, Rule: cur.Rule}
	}

	b.entries[addr] = Entry{Addr: addr, Rule: rule, ExpiresAt: expires}
	heap.Push(&b.heap, heapItem{expires: expires, addr: addr})

	if exists {
		return Event{Kind: Extended, Addr: addr, Rule: rule}
	}
	return Event{Kind: Added, Addr: addr, Rule: rule}
}

// Tick removes every entry whose expiration is at or before now and returns
// the corresponding Removed events in expiration order, ties broken by
// address order.
func (b *Blocklist) Tick(now time.Time) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var events []Event
	for b.heap.Len() > 0 {
		top := b.heap[0]
		cur, ok := b.entries[top.addr]
		if !ok || !cur.ExpiresAt.Equal(top.expires) {
			// Stale heap item from an extension; the live expiration is
			// tracked by a later item.
			heap.Pop(&b.heap)
			continue
		}
		if cur.ExpiresAt.After(now) {
			break
		}
		heap.Pop(&b.heap)
		delete(b.entries, top.addr)
		events = append(events, Event{Kind: Removed, Addr: top.addr, Rule: cur.Rule})
	}
	return events
}

// NextExpiry reports the soonest live expiration, if any. Stale heap items
// encountered on the way are discarded.
func (b *Blocklist) NextExpiry() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.heap.Len() > 0 {
		top := b.heap[0]
		cur, ok := b.entries[top.addr]
		if !ok || !cur.ExpiresAt.Equal(top.expires) {
			heap.Pop(&b.heap)
			continue
		}
		return cur.ExpiresAt, true
	}
	return time.Time{}, false
}

// Drain empties the blocklist and returns Removed events for every entry,
// in expiration order. Called on clean shutdown.
func (b *Blocklist) Drain() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.sortedLocked()
	events := make([]Event, 0, len(entries))
	for _, e := range entries {
		events = append(events, Event{Kind: Removed, Addr: e.Addr, Rule: e.Rule})
	}
	b.entries = make(map[netip.Addr]Entry)
	b.heap = nil
	return events
}

// Snapshot returns all active entries ordered by expiration then address.
func (b *Blocklist) Snapshot() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sortedLocked()
}

// Restore loads entries from a snapshot, dropping any whose expiration is
// not after now, and returns Added events for the remainder. Whitelisted
// addresses are dropped as well; restoration must never contradict the
// current whitelist.
func (b *Blocklist) Restore(entries []Entry, now time.Time) []Event {
	var events []Event
	for _, e := range entries {
		if !e.ExpiresAt.After(now) {
			continue
		}
		addr := e.Addr.Unmap()
		if b.whitelisted(addr) {
			continue
		}

		b.mu.Lock()
		cur, exists := b.entries[addr]
		if exists && !e.ExpiresAt.After(cur.ExpiresAt) {
			b.mu.Unlock()
			continue
		}
		b.entries[addr] = Entry{Addr: addr, Rule: e.Rule, ExpiresAt: e.ExpiresAt}
		heap.Push(&b.heap, heapItem{expires: e.ExpiresAt, addr: addr})
		b.mu.Unlock()

		if !exists {
			events = append(events, Event{Kind: Added, Addr: addr, Rule: e.Rule})
		}
	}
	return events
}

// Len returns the number of active entries.
func (b *Blocklist) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Whitelisted reports whether addr falls inside any whitelist prefix.
func (b *Blocklist) Whitelisted(addr netip.Addr) bool {
	return b.whitelisted(addr.Unmap())
}

func (b *Blocklist) whitelisted(addr netip.Addr) bool {
	if hit, ok := b.wlCache.Get(addr); ok {
		return hit
	}
	var hit bool
	for _, p := range b.whitelist {
		if p.Contains(addr) {
			hit = true
			break
		}
	}
	b.wlCache.Add(addr, hit)
	return hit
}

func (b *Blocklist) sortedLocked() []Entry {
	entries := make([]Entry, 0, len(b.entries))
	for _, e := range b.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].ExpiresAt.Equal(entries[j].ExpiresAt) {
			return entries[i].ExpiresAt.Before(entries[j].ExpiresAt)
		}
		return entries[i].Addr.Compare(entries[j].Addr) < 0
	})
	return entries
}

// heapItem is a point-in-time view of one entry's expiration. Extending an
// entry pushes a new item; the superseded one is detected and dropped when
// it reaches the top.
type heapItem struct {
	expires time.Time
	addr    netip.Addr
}

type expiryHeap []heapItem

func (h expiryHeap) Len() int { return len(h) }

func (h expiryHeap) Less(i, j int) bool {
	if !h[i].expires.Equal(h[j].expires) {
		return h[i].expires.Before(h[j].expires)
	}
	return h[i].addr.Compare(h[j].addr) < 0
}

func (h expiryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *expiryHeap) Push(x any) {
	*h = append(*h, x.(heapItem))
}

func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
