package identity

import "strings"

// Snapshot is the serializable capture of the handles the user selected
// at configuration time. It is the only transportable form of an
// application identity: matching is always a direct containment check
// against a handle obtained live in the current process, because the
// host may reissue different token values across launches.
type Snapshot struct {
	Tokens []string `json:"tokens"`
}

// NewSnapshot captures the given handles.
func NewSnapshot(handles ...Handle) Snapshot {
	tokens := make([]string, 0, len(handles))
	for _, h := range handles {
		if !h.IsZero() {
			tokens = append(tokens, h.token)
		}
	}
	return Snapshot{Tokens: tokens}
}

// Contains reports whether the snapshot includes the live handle.
func (s Snapshot) Contains(h Handle) bool {
	if h.IsZero() {
		return false
	}
	for _, token := range s.Tokens {
		if token == h.token {
			return true
		}
	}
	return false
}

// IsEmpty reports whether the snapshot captured no handles.
func (s Snapshot) IsEmpty() bool {
	return len(s.Tokens) == 0
}

// NormalizeName lowercases and trims a display name for comparison.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// NamesMatch reports whether two display names refer to the same
// application under the lossy name-matching rules: case-insensitive,
// whitespace-trimmed, substring-tolerant in either direction. This is
// an approximate fallback, not an identity guarantee.
func NamesMatch(a, b string) bool {
	na, nb := NormalizeName(a), NormalizeName(b)
	if na == "" || nb == "" {
		return false
	}
	return na == nb || strings.Contains(na, nb) || strings.Contains(nb, na)
}
