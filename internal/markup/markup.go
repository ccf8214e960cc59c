// Package markup converts between remote markdown bodies and the store's
// internal markup form.
//
// The store keeps bodies in a normalized markdown form so that structural
// comparison doesn't trip over serialization artifacts (CRLF line endings,
// trailing whitespace) the remote round-trips introduce. Conversion is a
// pure function pair; fidelity beyond normalization is out of scope.
package markup

import "strings"

// FromRemote converts a remote markdown body to internal markup.
func FromRemote(body string) string {
	return normalize(body)
}

// ToRemote converts internal markup back to a remote markdown body.
func ToRemote(markup string) string {
	return normalize(markup)
}

// BodiesEqual reports whether two bodies are the same after normalization.
// Used to suppress no-op remote updates when only formatting differs.
func BodiesEqual(a, b string) bool {
	return normalize(a) == normalize(b)
}

func normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.Trim(strings.Join(lines, "\n"), "\n")
}
