// Package stopid reconciles the stop identifier schemes found in Swiss
// GTFS and GTFS-RT data: parent stations ("Parent8501120"), SLOIDs
// ("ch:1:sloid:1120", optionally with area/platform suffixes) and
// platform-qualified UIC ids ("8501120:0:3").
package stopid

import (
	"strconv"
	"strings"
)

const (
	parentPrefix = "parent"
	sloidMarker  = "sloid:"
	// Swiss UIC station numbers are the country code 85 followed by the
	// five-digit DiDok number that also forms the SLOID tail.
	swissUICPrefix = "85"
)

// KeySet returns the normalized tokens under which id can be compared:
// the raw lowercase id, its parent root, its SLOID tail, its numeric
// prefix before the first colon, and the Swiss UIC/SLOID cross forms.
func KeySet(id string) map[string]struct{} {
	set := make(map[string]struct{}, 4)
	raw := normalize(id)
	if raw == "" {
		return set
	}
	set[raw] = struct{}{}

	add := func(token string) {
		if token == "" || isZero(token) {
			return
		}
		set[token] = struct{}{}
		for _, cross := range crossForms(token) {
			set[cross] = struct{}{}
		}
	}

	add(parentRoot(raw))
	add(sloidTail(raw))
	add(numericPrefix(raw))
	if isDigits(raw) {
		add(raw)
	}
	return set
}

// HasTokenIntersection reports whether two token sets share any member.
func HasTokenIntersection(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for token := range a {
		if _, ok := b[token]; ok {
			return true
		}
	}
	return false
}

// RootForDebugMatch extracts the canonical numeric root of id, or "" when
// none exists. A root made only of zeros counts as absent.
func RootForDebugMatch(id string) string {
	raw := normalize(id)
	for _, candidate := range []string{parentRoot(raw), sloidTail(raw), numericPrefix(raw)} {
		if candidate != "" {
			if isZero(candidate) {
				return ""
			}
			return candidate
		}
	}
	if isDigits(raw) && !isZero(raw) {
		return raw
	}
	return ""
}

// InformedStopMatches reports whether an alert's informed stop id refers to
// the requested stop. Token overlap is tried first, then the informed id is
// compared against the requested root ("<root>" or "<root>:...").
func InformedStopMatches(entityStopID, requestedStopID string) bool {
	if normalize(entityStopID) == "" || normalize(requestedStopID) == "" {
		return false
	}
	if HasTokenIntersection(KeySet(entityStopID), KeySet(requestedStopID)) {
		return true
	}
	root := RootForDebugMatch(requestedStopID)
	if root == "" {
		return false
	}
	informed := normalize(entityStopID)
	return informed == root || strings.HasPrefix(informed, root+":")
}

// MatchesAny reports whether id matches any of the candidates.
func MatchesAny(id string, candidates []string) bool {
	for _, c := range candidates {
		if InformedStopMatches(id, c) {
			return true
		}
	}
	return false
}

func normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func parentRoot(raw string) string {
	rest, ok := strings.CutPrefix(raw, parentPrefix)
	if !ok {
		return ""
	}
	rest, _, _ = strings.Cut(rest, ":")
	if !isDigits(rest) {
		return ""
	}
	return rest
}

// sloidTail returns the numeric segment right after "sloid:".
// "ch:1:sloid:1120:2:3" yields "1120".
func sloidTail(raw string) string {
	_, rest, ok := strings.Cut(raw, sloidMarker)
	if !ok {
		return ""
	}
	rest, _, _ = strings.Cut(rest, ":")
	if !isDigits(rest) {
		return ""
	}
	return rest
}

func numericPrefix(raw string) string {
	prefix, _, ok := strings.Cut(raw, ":")
	if !ok || !isDigits(prefix) {
		return ""
	}
	return prefix
}

// crossForms maps a DiDok number to its UIC form and back:
// "1120" <-> "8501120".
func crossForms(token string) []string {
	switch {
	case len(token) == 7 && strings.HasPrefix(token, swissUICPrefix):
		didok := strings.TrimLeft(token[len(swissUICPrefix):], "0")
		if didok == "" {
			return nil
		}
		return []string{didok}
	case len(token) <= 5:
		n, err := strconv.Atoi(token)
		if err != nil || n == 0 {
			return nil
		}
		return []string{swissUICPrefix + leftPad(strconv.Itoa(n), 5)}
	}
	return nil
}

func leftPad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isZero(s string) bool {
	return strings.Trim(s, "0") == "" && isDigits(s)
}
