package dnsstub

import "strings"

// Pattern is a DNS resource address pattern: an exact domain, optionally
// prefixed with "*." (exactly one additional label) or "**." (one or more
// additional labels).
type Pattern struct {
	raw    string
	base   string
	single bool // "*." prefix
	multi  bool // "**." prefix
}

// ParsePattern normalises and classifies a pattern.
func ParsePattern(raw string) Pattern {
	normalized := strings.TrimSuffix(strings.ToLower(raw), ".")
	switch {
	case strings.HasPrefix(normalized, "**."):
		return Pattern{raw: normalized, base: normalized[3:], multi: true}
	case strings.HasPrefix(normalized, "*."):
		return Pattern{raw: normalized, base: normalized[2:], single: true}
	default:
		return Pattern{raw: normalized, base: normalized}
	}
}

// String returns the normalised pattern.
func (p Pattern) String() string { return p.raw }

// Matches reports whether domain is covered by the pattern.
func (p Pattern) Matches(domain string) bool {
	domain = strings.TrimSuffix(strings.ToLower(domain), ".")

	switch {
	case p.multi:
		// At least one extra label in front of the base.
		if !strings.HasSuffix(domain, "."+p.base) {
			return false
		}
		return len(domain) > len(p.base)+1
	case p.single:
		// Exactly one extra label.
		if !strings.HasSuffix(domain, "."+p.base) {
			return false
		}
		prefix := domain[:len(domain)-len(p.base)-1]
		return prefix != "" && !strings.Contains(prefix, ".")
	default:
		return domain == p.base
	}
}
