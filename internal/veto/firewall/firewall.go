// Package firewall defines the contract between the blocklist and the
// kernel packet filter. Backends make blocklist membership effective by
// driving external tooling (ipset+iptables, nftables); all backends share
// the same three-operation lifecycle.
package firewall

import (
	"errors"
	"fmt"

	"github.com/vetod/veto/internal/veto/blocklist"
)

// ErrFirewallInit indicates the backend could not establish its sets or
// filter rules at startup. It aborts the process.
var ErrFirewallInit = errors.New("firewall initialization failed")

// ErrUnknownTarget indicates a disposition string outside the supported set.
var ErrUnknownTarget = errors.New("unknown target")

// Disposition is what happens to packets from a blocked source.
type Disposition int

const (
	Drop Disposition = iota
	Reject
	Tarpit
)

// ParseDisposition maps a configuration string to a Disposition.
func ParseDisposition(s string) (Disposition, error) {
	switch s {
	case "Drop":
		return Drop, nil
	case "Reject":
		return Reject, nil
	case "Tarpit":
		return Tarpit, nil
	default:
		return Drop, fmt.Errorf("%w: %q", ErrUnknownTarget, s)
	}
}

// String returns the iptables jump target for the disposition.
func (d Disposition) String() string {
	switch d {
	case Reject:
		return "REJECT"
	case Tarpit:
		return "TARPIT"
	default:
		return "DROP"
	}
}

// Firewall is implemented by packet-filter backends.
//
// EnsureInitialized creates the named IP sets and filter rules if missing;
// it is idempotent. Apply inserts or deletes one address according to the
// event kind; "already present" and "not present" outcomes are success.
// Teardown drains the sets and removes the filter rules so the process
// leaves no residue.
type Firewall interface {
	EnsureInitialized() error
	Apply(ev blocklist.Event) error
	Teardown() error
}
