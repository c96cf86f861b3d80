package channel

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Policy decides when a channel receives a publication.
//
// It is a closed set: DefaultPolicy, FixedPolicy or IntervalPolicy.
// Exactly one variant is attached to a channel at a time.
type Policy interface {
	Kind() PolicyKind
	// encode returns the storage value column ("" for Default).
	encode() string
}

type PolicyKind string

const (
	PolicyDefault  PolicyKind = "default"
	PolicyFixed    PolicyKind = "fixed"
	PolicyInterval PolicyKind = "interval"
)

// DefaultPolicy fires with a small independent probability per tick.
type DefaultPolicy struct{}

func (DefaultPolicy) Kind() PolicyKind { return PolicyDefault }
func (DefaultPolicy) encode() string   { return "" }

// FixedPolicy fires at most once per listed hour of day.
type FixedPolicy struct {
	Hours []int // each in [0,23], sorted, unique
}

func (FixedPolicy) Kind() PolicyKind { return PolicyFixed }
func (p FixedPolicy) encode() string {
	parts := make([]string, 0, len(p.Hours))
	for _, h := range p.Hours {
		parts = append(parts, strconv.Itoa(h))
	}
	return strings.Join(parts, ",")
}

// HourMatch reports whether h is one of the configured hours.
func (p FixedPolicy) HourMatch(h int) bool {
	for _, v := range p.Hours {
		if v == h {
			return true
		}
	}
	return false
}

// IntervalPolicy fires when at least Minutes have elapsed since the
// last publication.
type IntervalPolicy struct {
	Minutes int // >= 1
}

func (IntervalPolicy) Kind() PolicyKind { return PolicyInterval }
func (p IntervalPolicy) encode() string { return strconv.Itoa(p.Minutes) }

// EncodePolicy flattens a policy to the (kind, value) column pair used by
// the registry schema.
func EncodePolicy(p Policy) (kind, value string) {
	if p == nil {
		return string(PolicyDefault), ""
	}
	return string(p.Kind()), p.encode()
}

// ParsePolicy rebuilds a policy from its stored (kind, value) pair.
func ParsePolicy(kind, value string) (Policy, error) {
	switch PolicyKind(strings.TrimSpace(kind)) {
	case PolicyDefault, "":
		return DefaultPolicy{}, nil
	case PolicyFixed:
		hours, err := ParseHours(value)
		if err != nil {
			return nil, err
		}
		return FixedPolicy{Hours: hours}, nil
	case PolicyInterval:
		m, err := ParseIntervalMinutes(value)
		if err != nil {
			return nil, err
		}
		return IntervalPolicy{Minutes: m}, nil
	default:
		return nil, fmt.Errorf("unknown policy kind %q", kind)
	}
}

// ParseHours parses a comma-separated hour list ("10, 14, 20").
// Every token must be an integer in [0,23]; duplicates collapse.
func ParseHours(raw string) ([]int, error) {
	seen := make(map[int]bool)
	var hours []int
	for _, tok := range strings.Split(raw, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		h, err := strconv.Atoi(tok)
		if err != nil {
			return nil, fmt.Errorf("hour %q is not a number", tok)
		}
		if h < 0 || h > 23 {
			return nil, fmt.Errorf("hour %d out of range 0-23", h)
		}
		if !seen[h] {
			seen[h] = true
			hours = append(hours, h)
		}
	}
	if len(hours) == 0 {
		return nil, fmt.Errorf("no hours given")
	}
	sort.Ints(hours)
	return hours, nil
}

// ParseIntervalMinutes parses a single positive integer minute count.
func ParseIntervalMinutes(raw string) (int, error) {
	m, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("interval %q is not a number", raw)
	}
	if m < 1 {
		return 0, fmt.Errorf("interval must be at least 1 minute")
	}
	return m, nil
}

// Describe renders a short human-readable policy summary for operator
// confirmations.
func Describe(p Policy) string {
	switch v := p.(type) {
	case FixedPolicy:
		return "hours " + v.encode()
	case IntervalPolicy:
		return fmt.Sprintf("every %d min", v.Minutes)
	default:
		return "default (random)"
	}
}
