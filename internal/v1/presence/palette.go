// Package presence implements the color/nickname assignment, cursor and
// word-highlight geometry, join/leave notifications, and play-time
// aggregation of §4.6 and §4.7. It has no dependency on any puzzle-parsing
// library (deliberately out of scope, §1): geometry is expressed against
// the minimal Geometry interface in geometry.go.
package presence

import "sort"

// Palette is a fixed set of distinct colors excluding red and green, so
// collaborator cursors are never confused with the error (red) or verified
// (green) cell indicators (§4.6 "color").
var Palette = []string{
	"#4F8EF7", // blue
	"#F7A24F", // orange
	"#B24FF7", // purple
	"#F74FD1", // pink
	"#4FF7E8", // teal
	"#F7E84F", // yellow
	"#7A4FF7", // indigo
	"#F76B4F", // coral
	"#4FF79A", // mint
	"#F74F6B", // rose
	"#8EF74F", // lime
	"#4FA2F7", // sky
}

// HomeColor is the fixed "home" color the local user always sees for their
// own UI affordances, irrespective of palette rotation (§4.6).
const HomeColor = "#2E2E2E"

// AssignColor picks the first palette entry not present in used. If every
// palette entry is already taken, it falls back to a deterministic
// hash-of-clientID index, so a given client always gets the same fallback
// color; two clients whose hashes land on the same index share it (§4.6
// "assignment goes through the awareness channel").
func AssignColor(used []string, clientID string) string {
	taken := make(map[string]struct{}, len(used))
	for _, c := range used {
		taken[c] = struct{}{}
	}
	for _, c := range Palette {
		if _, ok := taken[c]; !ok {
			return c
		}
	}
	return Palette[fnv32(clientID)%uint32(len(Palette))]
}

// fnv32 is a small non-cryptographic hash, good enough to spread client ids
// across the palette when every color is in use.
func fnv32(s string) uint32 {
	const prime = 16777619
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return h
}

// SortedUsed is a convenience for tests and debugging: returns used colors
// in a stable order.
func SortedUsed(used []string) []string {
	out := append([]string(nil), used...)
	sort.Strings(out)
	return out
}
