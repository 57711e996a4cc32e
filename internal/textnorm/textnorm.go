// Package textnorm canonicalizes free-text names and locations so strings from
// independent feeds can be compared. Billing customers, terminal names and
// driver names all arrive with inconsistent casing, punctuation and suffixes.
package textnorm

import "strings"

// businessSuffixes are stripped from the end of normalized business names,
// repeatedly, so "ACME PTY LTD" and "ACME" compare equal.
var businessSuffixes = []string{
	"PTY LTD", "PTY", "LTD", "LIMITED", "INC", "INCORPORATED",
	"CORP", "CORPORATION", "CO", "LLC", "PLC", "HOLDINGS", "GROUP",
}

// Normalize uppercases, replaces punctuation with spaces, collapses runs of
// whitespace and strips trailing business suffixes.
func Normalize(s string) string {
	base := fold(s)
	for {
		stripped := base
		for _, suf := range businessSuffixes {
			if strings.HasSuffix(stripped, " "+suf) {
				stripped = strings.TrimSpace(strings.TrimSuffix(stripped, " "+suf))
			} else if stripped == suf {
				stripped = ""
			}
		}
		if stripped == base {
			return base
		}
		base = stripped
	}
}

// NormalizeName canonicalizes a person name: case and whitespace insensitive,
// punctuation dropped. No suffix stripping.
func NormalizeName(s string) string { return fold(s) }

func fold(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := true
	for _, r := range strings.ToUpper(s) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastSpace = false
		default:
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// Contains reports a containment match: either normalized string embedded in
// the other. Very short strings are excluded to avoid accidental hits.
func Contains(a, b string) bool {
	na, nb := Normalize(a), Normalize(b)
	if len(na) < 3 || len(nb) < 3 {
		return false
	}
	return strings.Contains(na, nb) || strings.Contains(nb, na)
}

// SharedIdentifier returns the first known business identifier embedded in both
// strings, normalized, or "" if none.
func SharedIdentifier(a, b string, identifiers []string) string {
	na, nb := Normalize(a), Normalize(b)
	for _, id := range identifiers {
		nid := Normalize(id)
		if nid == "" {
			continue
		}
		if strings.Contains(na, nid) && strings.Contains(nb, nid) {
			return nid
		}
	}
	return ""
}

// Similarity computes a bigram Dice coefficient over the normalized strings,
// in [0,1]. Identical normalized strings score 1.
func Similarity(a, b string) float64 {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	ba := bigrams(na)
	bb := bigrams(nb)
	if len(ba) == 0 || len(bb) == 0 {
		return 0
	}
	shared := 0
	for g, n := range ba {
		if m, ok := bb[g]; ok {
			if m < n {
				shared += m
			} else {
				shared += n
			}
		}
	}
	totalA, totalB := 0, 0
	for _, n := range ba {
		totalA += n
	}
	for _, n := range bb {
		totalB += n
	}
	return 2 * float64(shared) / float64(totalA+totalB)
}

func bigrams(s string) map[string]int {
	out := map[string]int{}
	for i := 0; i+2 <= len(s); i++ {
		g := s[i : i+2]
		if g[0] == ' ' || g[1] == ' ' {
			continue
		}
		out[g]++
	}
	return out
}
