package repo

import "strings"

const numericPad = 12

// VersionSortKey builds an index sort key whose plain string ordering
// matches numeric-aware version ordering: every digit run is zero-padded to
// a fixed width, so "1.10.0" sorts above "1.9.0".
func VersionSortKey(version string) string {
	var b strings.Builder
	b.Grow(len(version) + numericPad)

	i := 0
	for i < len(version) {
		c := version[i]
		if c < '0' || c > '9' {
			b.WriteByte(c)
			i++
			continue
		}
		start := i
		for i < len(version) && version[i] >= '0' && version[i] <= '9' {
			i++
		}
		run := strings.TrimLeft(version[start:i], "0")
		if run == "" {
			run = "0"
		}
		if pad := numericPad - len(run); pad > 0 {
			b.WriteString(strings.Repeat("0", pad))
		}
		b.WriteString(run)
	}
	return b.String()
}
