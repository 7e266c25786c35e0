package catalog

import (
	"strconv"
	"strings"
)

// NormalizeVersion canonicalizes a python version string to three
// numeric components: "3.11" becomes "3.11.0", "3" becomes "3.0.0".
// Non-numeric trailing garbage inside a component is dropped before
// parsing ("3.11rc1" reads as "3.11.0"). A string with no leading
// digits at all is returned unchanged.
func NormalizeVersion(version string) string {
	parts := strings.Split(version, ".")

	components := make([]int, 0, 3)
	for _, part := range parts {
		if len(components) == 3 {
			break
		}
		digits := leadingDigits(part)
		if digits == "" {
			break
		}
		n, err := strconv.Atoi(digits)
		if err != nil {
			break
		}
		components = append(components, n)
	}

	if len(components) == 0 {
		return version
	}

	for len(components) < 3 {
		components = append(components, 0)
	}

	rendered := make([]string, len(components))
	for i, n := range components {
		rendered[i] = strconv.Itoa(n)
	}
	return strings.Join(rendered, ".")
}

// CompareVersions orders two python version strings numerically,
// component by component with zero-fill, falling back to plain string
// comparison when either side is not numeric. Returns -1, 0, or 1.
func CompareVersions(lhs, rhs string) int {
	left, lok := versionComponents(lhs)
	right, rok := versionComponents(rhs)
	if !lok || !rok {
		return strings.Compare(lhs, rhs)
	}

	for len(left) < len(right) {
		left = append(left, 0)
	}
	for len(right) < len(left) {
		right = append(right, 0)
	}

	for i := range left {
		if left[i] != right[i] {
			if left[i] < right[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func versionComponents(version string) ([]int, bool) {
	if version == "" {
		return nil, true
	}
	parts := strings.Split(version, ".")
	components := make([]int, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, false
		}
		components = append(components, n)
	}
	return components, true
}

func leadingDigits(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return s[:i]
}
