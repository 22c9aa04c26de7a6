// Package match turns log lines into block decisions. A RuleMatcher
// compiles a rule's filters (after placeholder expansion) and its blacklist
// substring sets, then classifies one line at a time.
package match

import (
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"strings"

	"github.com/vetod/veto/internal/veto/match/ahocorasick"
)

// ErrUnknownBlacklistGroup indicates a blacklist keyed on a capture group
// that no filter of the rule defines.
var ErrUnknownBlacklistGroup = errors.New("unknown blacklist group")

// Match is a positive classification.
type Match struct {
	// Addr is the parsed host capture.
	Addr netip.Addr
	// Filter is the index of the filter that matched, in declaration
	// order.
	Filter int
}

// RuleMatcher is the compiled form of one rule. It is immutable after
// construction and safe for concurrent use.
type RuleMatcher struct {
	name       string
	filters    []*regexp.Regexp
	hostIdx    []int            // per filter: submatch index of the host group
	groupIdx   []map[string]int // per filter: capture name to submatch index
	blacklists map[string]*ahocorasick.Matcher
}

// NewRuleMatcher compiles filters and blacklists for the named rule.
// Filters are expanded first; every blacklist group must be defined by at
// least one filter.
func NewRuleMatcher(name string, filters []string, blacklists map[string][]string) (*RuleMatcher, error) {
	m := &RuleMatcher{
		name:       name,
		filters:    make([]*regexp.Regexp, 0, len(filters)),
		hostIdx:    make([]int, 0, len(filters)),
		groupIdx:   make([]map[string]int, 0, len(filters)),
		blacklists: make(map[string]*ahocorasick.Matcher, len(blacklists)),
	}

	defined := make(map[string]bool)
	for i, pattern := range filters {
		source, err := Expand(pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s filter %d: %w", name, i, err)
		}
		re, err := regexp.Compile(source)
		if err != nil {
			return nil, fmt.Errorf("rule %s filter %d: %w: %v", name, i, ErrBadFilter, err)
		}

		groups := make(map[string]int)
		for idx, groupName := range re.SubexpNames() {
			if groupName != "" {
				groups[groupName] = idx
				defined[groupName] = true
			}
		}
		hostIdx, ok := groups[HostGroup]
		if !ok {
			return nil, fmt.Errorf("rule %s filter %d: %w: no %s capture after expansion", name, i, ErrBadFilter, HostGroup)
		}

		m.filters = append(m.filters, re)
		m.hostIdx = append(m.hostIdx, hostIdx)
		m.groupIdx = append(m.groupIdx, groups)
	}

	for group, patterns := range blacklists {
		if !defined[group] {
			return nil, fmt.Errorf("rule %s: %w: %q", name, ErrUnknownBlacklistGroup, group)
		}
		m.blacklists[group] = ahocorasick.New(patterns)
	}

	return m, nil
}

// Name returns the rule name the matcher was built for.
func (m *RuleMatcher) Name() string {
	return m.name
}

// NumFilters returns the number of compiled filters.
func (m *RuleMatcher) NumFilters() int {
	return len(m.filters)
}

// Classify runs the line through the filters in declaration order and
// returns the first block decision.
//
// A filter matches the rule when its host capture parses as an IP address
// and, if blacklists are configured, every blacklist group's captured text
// contains at least one configured substring. A filter whose match lacks a
// configured blacklist capture, or whose captures fail the screen, yields
// to the next filter. A host capture that does not parse ends
// classification: the filter claimed a host and delivered garbage, so the
// line is dropped rather than retried.
func (m *RuleMatcher) Classify(line string) (Match, bool) {
nextFilter:
	for i, re := range m.filters {
		caps := re.FindStringSubmatch(line)
		if caps == nil {
			continue
		}

		host := strings.TrimSuffix(strings.TrimPrefix(caps[m.hostIdx[i]], "["), "]")
		addr, err := netip.ParseAddr(host)
		if err != nil {
			return Match{}, false
		}

		for group, screen := range m.blacklists {
			idx, ok := m.groupIdx[i][group]
			if !ok || caps[idx] == "" {
				continue nextFilter
			}
			if !screen.Match(caps[idx]) {
				continue nextFilter
			}
		}

		return Match{Addr: addr.Unmap(), Filter: i}, true
	}
	return Match{}, false
}
