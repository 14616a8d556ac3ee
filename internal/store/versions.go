package store

import (
	"strconv"
	"strings"
)

// compareVersions orders MAJOR.MINOR.PATCH strings numerically. Returns -1,
// 0 or 1. Malformed segments compare as zero; definitions are validated
// before registration so this only matters for hand-edited rows.
func compareVersions(a, b string) int {
	as := strings.SplitN(a, ".", 3)
	bs := strings.SplitN(b, ".", 3)
	for i := 0; i < 3; i++ {
		av, bv := 0, 0
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
	}
	return 0
}
