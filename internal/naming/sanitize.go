// Package naming turns arbitrary column and table labels into identifiers
// every supported backend accepts without quoting surprises.
//
// Rules (applied in order):
//   - every rune outside [A-Za-z0-9_] becomes '_'
//   - runs of '_' collapse, leading/trailing '_' are trimmed
//   - case is folded according to the Sanitizer's Case policy
//   - a leading digit gets a prefix (COL_ for columns, TABLE_ for tables)
//   - an empty result becomes a placeholder (UNNAMED_COLUMN / NEW_TABLE)
//   - a reserved word gets a prefix (COL_ for columns, T_ for tables)
//   - the result is cut to MaxLen bytes
//
// Sanitizing is deterministic and idempotent: Column(Column(s)) == Column(s).
package naming

import (
	"strconv"
	"strings"
)

// Case selects how sanitized identifiers are case-folded.
type Case int

const (
	// Upper folds to upper case. This is the default policy.
	Upper Case = iota
	// Lower folds to lower case.
	Lower
	// Preserve keeps the input's case.
	Preserve
)

// ParseCase maps "upper", "lower" or "preserve" to a Case. Unknown values
// return Upper.
func ParseCase(s string) Case {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "lower":
		return Lower
	case "preserve", "none":
		return Preserve
	default:
		return Upper
	}
}

func (c Case) String() string {
	switch c {
	case Lower:
		return "lower"
	case Preserve:
		return "preserve"
	default:
		return "upper"
	}
}

// DefaultMaxLen matches the Postgres identifier limit, the tightest of the
// supported backends.
const DefaultMaxLen = 63

// Sanitizer normalizes labels. The zero value is usable: upper case,
// DefaultMaxLen, and the built-in reserved word list.
type Sanitizer struct {
	Case Case

	// Reserved holds extra reserved words (any case) on top of the built-in
	// list. Backends contribute their dialect-specific words here.
	Reserved []string

	// MaxLen caps identifier length in bytes. <= 0 means DefaultMaxLen.
	MaxLen int

	extra map[string]struct{}
}

// New returns a Sanitizer with the given case policy and extra reserved words.
func New(c Case, reserved ...string) *Sanitizer {
	s := &Sanitizer{Case: c, Reserved: reserved}
	s.index()
	return s
}

type kind struct {
	digitPrefix    string
	reservedPrefix string
	placeholder    string
}

var (
	columnKind = kind{digitPrefix: "COL_", reservedPrefix: "COL_", placeholder: "UNNAMED_COLUMN"}
	tableKind  = kind{digitPrefix: "TABLE_", reservedPrefix: "T_", placeholder: "NEW_TABLE"}
)

// Column sanitizes a column label.
func (s *Sanitizer) Column(name string) string { return s.sanitize(name, columnKind) }

// Table sanitizes a table label.
func (s *Sanitizer) Table(name string) string { return s.sanitize(name, tableKind) }

// IsReserved reports whether name (any case) is a reserved word for this
// Sanitizer.
func (s *Sanitizer) IsReserved(name string) bool {
	u := strings.ToUpper(name)
	if _, ok := reservedWords[u]; ok {
		return true
	}
	if s == nil {
		return false
	}
	if s.extra == nil && len(s.Reserved) > 0 {
		s.index()
	}
	_, ok := s.extra[u]
	return ok
}

func (s *Sanitizer) index() {
	s.extra = make(map[string]struct{}, len(s.Reserved))
	for _, w := range s.Reserved {
		if w = strings.TrimSpace(w); w != "" {
			s.extra[strings.ToUpper(w)] = struct{}{}
		}
	}
}

func (s *Sanitizer) maxLen() int {
	if s == nil || s.MaxLen <= 0 {
		return DefaultMaxLen
	}
	return s.MaxLen
}

func (s *Sanitizer) fold(v string) string {
	c := Upper
	if s != nil {
		c = s.Case
	}
	switch c {
	case Lower:
		return strings.ToLower(v)
	case Preserve:
		return v
	default:
		return strings.ToUpper(v)
	}
}

func (s *Sanitizer) sanitize(name string, k kind) string {
	var b strings.Builder
	b.Grow(len(name))

	lastUnderscore := false
	for _, r := range name {
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			// '_' and every other rune share the same treatment.
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
			continue
		}
		b.WriteRune(r)
		lastUnderscore = false
	}

	out := s.fold(strings.Trim(b.String(), "_"))

	switch {
	case out == "":
		out = s.fold(k.placeholder)
	case out[0] >= '0' && out[0] <= '9':
		out = s.fold(k.digitPrefix) + out
	case s.IsReserved(out):
		out = s.fold(k.reservedPrefix) + out
	}

	return truncate(out, s.maxLen())
}

// truncate cuts an ASCII identifier to n bytes and drops any trailing '_'
// the cut exposed.
func truncate(v string, n int) string {
	if len(v) <= n {
		return v
	}
	return strings.TrimRight(v[:n], "_")
}

// Unique sanitizes every label as a column and resolves collisions by
// appending _2, _3, ... in first-seen order. Collisions are detected
// case-insensitively because several backends fold unquoted identifiers.
func (s *Sanitizer) Unique(names []string) []string {
	out := make([]string, len(names))
	d := NewDeduper(s)
	for i, n := range names {
		out[i] = d.Claim(s.Column(n))
	}
	return out
}

// Deduper hands out unique identifiers, remembering every name it returned.
type Deduper struct {
	s    *Sanitizer
	used map[string]struct{}
}

// NewDeduper returns an empty Deduper bound to s's length limit.
func NewDeduper(s *Sanitizer) *Deduper {
	return &Deduper{s: s, used: make(map[string]struct{})}
}

// Reserve marks name as taken without returning a new one.
func (d *Deduper) Reserve(name string) {
	d.used[strings.ToUpper(name)] = struct{}{}
}

// Taken reports whether name was already claimed or reserved.
func (d *Deduper) Taken(name string) bool {
	_, ok := d.used[strings.ToUpper(name)]
	return ok
}

// Claim returns name if it is free, otherwise the first free name_N (N>=2).
// The suffix never pushes the result past the sanitizer's MaxLen.
func (d *Deduper) Claim(name string) string {
	if !d.Taken(name) {
		d.Reserve(name)
		return name
	}
	limit := d.s.maxLen()
	for n := 2; ; n++ {
		suffix := "_" + strconv.Itoa(n)
		base := name
		if len(base)+len(suffix) > limit {
			base = strings.TrimRight(base[:max(limit-len(suffix), 0)], "_")
		}
		cand := base + suffix
		if !d.Taken(cand) {
			d.Reserve(cand)
			return cand
		}
	}
}
