// Package display renders stable, human-readable names for activation
// candidates. Everything here is a pure function of the descriptor and
// context pair; the same inputs always produce the same strings.
package display

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mattjoyce/envgate/internal/rt"
)

// maxDetailEntries is how many key=value pairs are rendered before the
// remainder collapses into a "+n more" suffix.
const maxDetailEntries = 2

// Names holds the two rendered forms of one candidate.
type Names struct {
	Display string
	Short   string
}

// BuildNames renders the display and short display names for one
// (descriptor, context) pair.
//
// The package detail shows only the packages that distinguish this
// descriptor from its siblings (entries absent from, or differing from,
// the shared-package baseline); when nothing distinguishes it, all
// packages are shown instead so an environment with packages never reads
// as empty. The env detail works the same way against the descriptor's
// shared env. When both details are empty the context hash stands in so
// the name never ends on a bare separator.
func BuildNames(d rt.Descriptor, c rt.Context) Names {
	pkgDetail := formatDetail(diffMap(d.Pkgs, d.SharedPkgs, true))
	envDetail := formatDetail(diffMap(c.Env, d.SharedEnv, false))

	prefix := fmt.Sprintf("%s (%s)", d.Name, d.Python)

	segments := make([]string, 0, 2)
	if pkgDetail != "" {
		segments = append(segments, pkgDetail)
	}
	if envDetail != "" {
		segments = append(segments, envDetail)
	}
	if len(segments) == 0 {
		segments = append(segments, c.Hash)
	}

	display := prefix + " | " + strings.Join(segments, " | ")

	short := prefix + " | " + segments[0]
	if omitted := len(segments) - 1; omitted > 0 {
		short += fmt.Sprintf(" +%d more", omitted)
	}

	return Names{Display: display, Short: short}
}

// diffMap returns the entries of m whose key is absent from base or
// whose value differs. With fallbackAll set, an empty diff of a
// non-empty map falls back to the whole map.
func diffMap(m, base map[string]string, fallbackAll bool) map[string]string {
	diff := make(map[string]string)
	for k, v := range m {
		if bv, ok := base[k]; !ok || bv != v {
			diff[k] = v
		}
	}
	if len(diff) == 0 && fallbackAll && len(m) > 0 {
		return m
	}
	return diff
}

// formatDetail renders a map as "k=v, k2=v2 +n more": keys sorted
// lexicographically, at most maxDetailEntries rendered, empty values
// shown as "latest". An empty map renders to the empty string.
func formatDetail(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	shown := keys
	if len(shown) > maxDetailEntries {
		shown = shown[:maxDetailEntries]
	}

	parts := make([]string, 0, len(shown))
	for _, k := range shown {
		v := m[k]
		if v == "" {
			v = "latest"
		}
		parts = append(parts, k+"="+v)
	}

	detail := strings.Join(parts, ", ")
	if omitted := len(keys) - len(shown); omitted > 0 {
		detail += fmt.Sprintf(" +%d more", omitted)
	}
	return detail
}
