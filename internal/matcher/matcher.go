// Package matcher matches request attributes (paths, user agents, methods,
// client IPs) against configured literal, pattern and CIDR lists.
package matcher

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

type kind int

const (
	kindLiteral kind = iota
	kindPattern
)

// Entry is either a literal string or a compiled pattern.
type Entry struct {
	kind    kind
	literal string
	expr    string
	re      *regexp.Regexp
	fold    bool
}

// Literal builds an entry matching only the exact value s.
func Literal(s string) Entry {
	return Entry{kind: kindLiteral, literal: s}
}

// Pattern compiles expr (RE2 syntax) into an entry.
func Pattern(expr string) (Entry, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return Entry{}, fmt.Errorf("compile pattern %q: %w", expr, err)
	}
	return Entry{kind: kindPattern, expr: expr, re: re}, nil
}

// MustPattern is Pattern for expressions known at compile time.
func MustPattern(expr string) Entry {
	e, err := Pattern(expr)
	if err != nil {
		panic(err)
	}
	return e
}

// IsPattern reports whether the entry is a pattern entry.
func (e Entry) IsPattern() bool { return e.kind == kindPattern }

// String returns the literal value or the pattern source.
func (e Entry) String() string {
	if e.kind == kindPattern {
		return e.expr
	}
	return e.literal
}

// Match tests value against the entry.
func (e Entry) Match(value string) bool {
	switch e.kind {
	case kindLiteral:
		if e.fold {
			return strings.EqualFold(e.literal, value)
		}
		return e.literal == value
	case kindPattern:
		return e.re != nil && e.re.MatchString(value)
	default:
		return false
	}
}

func (e Entry) folded() Entry {
	out := e
	out.fold = true
	if e.kind == kindPattern && !strings.HasPrefix(e.expr, "(?i)") {
		// the source expression compiled once already, so the folded form compiles too
		out.re = regexp.MustCompile("(?i)" + e.expr)
	}
	return out
}

// UnmarshalYAML decodes a scalar into a literal and a mapping
// {pattern: <expr>} or {literal: <value>} into the matching variant.
func (e *Entry) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*e = Literal(node.Value)
		return nil
	case yaml.MappingNode:
		var raw struct {
			Literal *string `yaml:"literal"`
			Pattern *string `yaml:"pattern"`
		}
		if err := node.Decode(&raw); err != nil {
			return err
		}
		switch {
		case raw.Pattern != nil && raw.Literal != nil:
			return fmt.Errorf("line %d: entry has both literal and pattern", node.Line)
		case raw.Pattern != nil:
			entry, err := Pattern(*raw.Pattern)
			if err != nil {
				return fmt.Errorf("line %d: %w", node.Line, err)
			}
			*e = entry
			return nil
		case raw.Literal != nil:
			*e = Literal(*raw.Literal)
			return nil
		}
		return fmt.Errorf("line %d: entry needs a literal or pattern key", node.Line)
	default:
		return fmt.Errorf("line %d: unsupported entry node", node.Line)
	}
}

// MarshalYAML mirrors UnmarshalYAML.
func (e Entry) MarshalYAML() (any, error) {
	if e.kind == kindPattern {
		return map[string]string{"pattern": e.expr}, nil
	}
	return e.literal, nil
}

// List is an ordered set of entries. An empty list matches nothing.
type List []Entry

// Literals builds a list of literal entries.
func Literals(values ...string) List {
	out := make(List, 0, len(values))
	for _, v := range values {
		out = append(out, Literal(v))
	}
	return out
}

// Match returns the first entry matching value.
func (l List) Match(value string) (Entry, bool) {
	for _, e := range l {
		if e.Match(value) {
			return e, true
		}
	}
	return Entry{}, false
}

// Fold returns a case-insensitive copy of the list.
func (l List) Fold() List {
	if len(l) == 0 {
		return nil
	}
	out := make(List, len(l))
	for i, e := range l {
		out[i] = e.folded()
	}
	return out
}

// Ranges is a set of IP prefixes.
type Ranges []netip.Prefix

// ParseRanges accepts CIDR blocks and bare addresses.
func ParseRanges(values []string) (Ranges, error) {
	out := make(Ranges, 0, len(values))
	for _, raw := range values {
		v := strings.TrimSpace(raw)
		if v == "" {
			continue
		}
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, fmt.Errorf("parse ip range %q: %w", v, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, fmt.Errorf("parse ip %q: %w", v, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// Contains reports whether ip falls inside any range. Unparsable
// addresses never match.
func (r Ranges) Contains(ip string) (netip.Prefix, bool) {
	if len(r) == 0 {
		return netip.Prefix{}, false
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return netip.Prefix{}, false
	}
	addr = addr.Unmap()
	for _, p := range r {
		if p.Contains(addr) {
			return p, true
		}
	}
	return netip.Prefix{}, false
}
