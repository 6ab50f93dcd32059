// Package diff classifies the change between two detected label sets.
package diff

import (
	"sort"
	"strings"
)

// NoChanges is reported when both label sets hold the same labels.
const NoChanges = "No object changes."

// Changes holds the labels that appeared and disappeared, each sorted.
type Changes struct {
	Added   []string
	Removed []string
}

func (c Changes) Empty() bool { return len(c.Added) == 0 && len(c.Removed) == 0 }

// String renders the change description. Lines appear in a fixed order:
// additions first, then removals.
func (c Changes) String() string {
	if c.Empty() {
		return NoChanges
	}
	lines := make([]string, 0, 2)
	if len(c.Added) > 0 {
		lines = append(lines, "New objects: "+listRepr(c.Added))
	}
	if len(c.Removed) > 0 {
		lines = append(lines, "Objects no longer detected: "+listRepr(c.Removed))
	}
	return strings.Join(lines, "\n")
}

// Diff computes set differences between previous and current. Duplicates
// and input order have no effect on the result.
func Diff(previous, current []string) Changes {
	prev := toSet(previous)
	cur := toSet(current)
	return Changes{
		Added:   minus(cur, prev),
		Removed: minus(prev, cur),
	}
}

// Compare returns the textual change description between two label sets.
func Compare(previous, current []string) string {
	return Diff(previous, current).String()
}

func toSet(labels []string) map[string]struct{} {
	s := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		s[l] = struct{}{}
	}
	return s
}

func minus(a, b map[string]struct{}) []string {
	var out []string
	for k := range a {
		if _, ok := b[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// listRepr renders labels the way a bracketed, quoted list is printed in
// the stored status history: ['a', 'b'].
func listRepr(items []string) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, s := range items {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quote(s))
	}
	b.WriteByte(']')
	return b.String()
}

// quote prefers single quotes and switches to double quotes only when the
// label contains a single quote but no double quote.
func quote(s string) string {
	q := byte('\'')
	if strings.ContainsRune(s, '\'') && !strings.ContainsRune(s, '"') {
		q = '"'
	}
	var b strings.Builder
	b.WriteByte(q)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case q:
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte(q)
	return b.String()
}
