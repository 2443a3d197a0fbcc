package version

import (
	"strings"

	"github.com/blang/semver"
)

// Parse accepts version strings with an optional v/V prefix and tolerates
// missing minor/patch components.
func Parse(ver string) (semver.Version, error) {
	ver = strings.TrimPrefix(ver, "v")
	ver = strings.TrimPrefix(ver, "V")
	return semver.ParseTolerant(ver)
}

func Normalize(ver string) string {
	v, err := Parse(ver)
	if err != nil {
		return strings.TrimSpace(ver)
	}
	return v.String()
}

// Equal reports whether two version strings denote the same version.
// Strings that do not parse as semver fall back to a trimmed compare.
func Equal(a, b string) bool {
	va, errA := Parse(a)
	vb, errB := Parse(b)
	if errA != nil || errB != nil {
		return strings.TrimSpace(a) == strings.TrimSpace(b)
	}
	return va.EQ(vb)
}
