package match

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBadFilter indicates a filter pattern that is missing <HOST>, places a
// placeholder inside an existing named group, or does not compile after
// expansion.
var ErrBadFilter = errors.New("bad filter")

// HostGroup is the capture group every filter must produce.
const HostGroup = "host"

const (
	hostToken = "<HOST>"

	// Dotted IPv4 or an optionally bracketed IPv6 literal. Brackets are
	// stripped before address parsing.
	hostPattern = `(?P<host>(?:[0-9]{1,3}\.){3}[0-9]{1,3}|\[?(?:[0-9A-Fa-f]{0,4}:){1,7}[0-9A-Fa-f]{0,4}\]?)`

	// Common-log timestamp: DD/Mon/YYYY:HH:MM:SS +-ZZZZ.
	timePattern = `(?P<time>[0-9]{2}/[A-Za-z]{3}/[0-9]{4}(?::[0-9]{2}){3} [\+\-][0-9]{4})`

	rfc2822Pattern = `(?P<time_rfc2822>[A-Za-z]{3}, [0-9]{1,2} [A-Za-z]{3} [0-9]{4} [0-9]{2}(?::[0-9]{2}){2} [\+\-][0-9]{4})`
	rfc3339Pattern = `(?P<time_rfc3339>[0-9]{4}(?:-[0-9]{2}){2}T[0-9]{2}(?::[0-9]{2}){2}[\+\-][0-9]{2}:[0-9]{2})`

	methodPattern  = `(?P<method>[A-Z]{3,7})`
	versionPattern = `(?P<version>HTTP/[1-9](?:\.[0-9])?)`
)

// placeholders maps literal tokens in filter patterns to named-capture
// regex fragments.
var placeholders = map[string]string{
	hostToken:        hostPattern,
	"<TIME>":         timePattern,
	"<TIME_RFC2822>": rfc2822Pattern,
	"<TIME_RFC3339>": rfc3339Pattern,
	"<METHOD>":       methodPattern,
	"<VERSION>":      versionPattern,
}

// Expand rewrites placeholder tokens in a filter pattern into concrete
// regex source. The pattern must contain <HOST> and no placeholder may sit
// inside an existing named group.
func Expand(pattern string) (string, error) {
	if !strings.Contains(pattern, hostToken) {
		return "", fmt.Errorf("%w: pattern %q has no %s placeholder", ErrBadFilter, pattern, hostToken)
	}
	if token := placeholderInsideGroup(pattern); token != "" {
		return "", fmt.Errorf("%w: placeholder %s inside a named group in %q", ErrBadFilter, token, pattern)
	}

	expanded := pattern
	for token, sub := range placeholders {
		expanded = strings.ReplaceAll(expanded, token, sub)
	}
	return expanded, nil
}

// placeholderInsideGroup returns the first placeholder token found inside
// a (?P<...>...) group, or "" if none. Escapes and character classes are
// skipped so literal parens do not confuse the depth tracking.
func placeholderInsideGroup(pattern string) string {
	var namedDepth, depth int
	namedAt := make([]bool, 0, 8)
	inClass := false

	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '\\':
			i++
		case '[':
			if !inClass {
				inClass = true
			}
		case ']':
			inClass = false
		case '(':
			if inClass {
				continue
			}
			named := strings.HasPrefix(pattern[i:], "(?P<")
			namedAt = append(namedAt, named)
			depth++
			if named {
				namedDepth++
			}
		case ')':
			if inClass || depth == 0 {
				continue
			}
			depth--
			if namedAt[len(namedAt)-1] {
				namedDepth--
			}
			namedAt = namedAt[:len(namedAt)-1]
		case '<':
			if inClass || namedDepth == 0 {
				continue
			}
			for token := range placeholders {
				if strings.HasPrefix(pattern[i:], token) {
					return token
				}
			}
		}
	}
	return ""
}
