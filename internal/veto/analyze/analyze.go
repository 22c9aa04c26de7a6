// Package analyze replays a log file through a rule's matcher without
// touching the blocklist or the firewall, reporting what the rule would
// have done.
package analyze

import (
	"net/netip"
	"sort"

	"github.com/vetod/veto/internal/veto/match"
	"github.com/vetod/veto/internal/veto/watch"
)

// Report summarizes one replay.
type Report struct {
	Rule string

	// TotalLines is the number of complete lines read.
	TotalLines int

	// FilterMatches counts matched lines per filter, indexed by the
	// filter's declaration order.
	FilterMatches []int

	// Addrs are the distinct addresses matched, in address order.
	Addrs []netip.Addr
}

// Matched returns the total number of matched lines.
func (r *Report) Matched() int {
	var n int
	for _, c := range r.FilterMatches {
		n += c
	}
	return n
}

// File replays path through the matcher using the watcher's backfill read
// (complete lines only, no watch mode).
func File(matcher *match.RuleMatcher, path string) (*Report, error) {
	report := &Report{
		Rule:          matcher.Name(),
		FilterMatches: make([]int, matcher.NumFilters()),
	}
	seen := make(map[netip.Addr]struct{})

	err := watch.Backfill(path, func(line string) error {
		report.TotalLines++
		if m, ok := matcher.Classify(line); ok {
			report.FilterMatches[m.Filter]++
			seen[m.Addr] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	report.Addrs = make([]netip.Addr, 0, len(seen))
	for addr := range seen {
		report.Addrs = append(report.Addrs, addr)
	}
	sort.Slice(report.Addrs, func(i, j int) bool {
		return report.Addrs[i].Compare(report.Addrs[j]) < 0
	})
	return report, nil
}
