// Package ahocorasick implements a case-insensitive Aho-Corasick automaton
// for multi-pattern substring matching. A blacklist of substrings compiles
// into one automaton, and screening a captured value is a single O(len)
// scan regardless of pattern count.
//
// The Matcher is immutable after New returns and safe for concurrent use.
package ahocorasick

import "unicode"

// Matcher is a compiled set of patterns.
type Matcher struct {
	root     *node
	patterns []string
}

type node struct {
	children map[rune]*node
	fail     *node
	terminal bool
}

// New builds a Matcher from patterns. Matching is case-insensitive; the
// patterns are folded at build time and the text at scan time.
func New(patterns []string) *Matcher {
	m := &Matcher{
		root:     newNode(),
		patterns: patterns,
	}
	for _, pattern := range patterns {
		m.insert(pattern)
	}
	m.buildFailureLinks()
	return m
}

func newNode() *node {
	return &node{children: make(map[rune]*node)}
}

func (m *Matcher) insert(pattern string) {
	current := m.root
	for _, r := range pattern {
		r = unicode.ToLower(r)
		next, ok := current.children[r]
		if !ok {
			next = newNode()
			current.children[r] = next
		}
		current = next
	}
	current.terminal = true
}

// buildFailureLinks wires each node to its longest proper suffix state,
// breadth-first from the root.
func (m *Matcher) buildFailureLinks() {
	queue := make([]*node, 0, len(m.root.children))
	for _, child := range m.root.children {
		child.fail = m.root
		queue = append(queue, child)
	}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for r, child := range current.children {
			queue = append(queue, child)

			fail := current.fail
			for fail != nil {
				if next, ok := fail.children[r]; ok {
					child.fail = next
					if next.terminal {
						child.terminal = true
					}
					break
				}
				fail = fail.fail
			}
			if child.fail == nil {
				child.fail = m.root
			}
		}
	}
}

// Match reports whether any pattern occurs in text.
func (m *Matcher) Match(text string) bool {
	if len(m.patterns) == 0 {
		return false
	}

	current := m.root
	for _, r := range text {
		r = unicode.ToLower(r)

		for current != m.root {
			if _, ok := current.children[r]; ok {
				break
			}
			current = current.fail
		}
		if next, ok := current.children[r]; ok {
			current = next
		}

		if current.terminal {
			return true
		}
	}
	return false
}

// PatternCount returns the number of patterns compiled into the automaton.
func (m *Matcher) PatternCount() int {
	return len(m.patterns)
}
