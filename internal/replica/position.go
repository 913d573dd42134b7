package replica

import (
	"math/rand/v2"
	"strings"
)

const (
	// base is the exclusive upper bound of a digit at every level.
	base = uint64(1) << 32
	// boundary caps how far past the left neighbour a new digit lands, which
	// keeps room for later inserts on the right.
	boundary = 64
	// seedGap spaces seeded characters so edits between them stay shallow.
	seedGap = 16
)

func compareIdent(a, b Ident) int {
	if a.Digit != b.Digit {
		if a.Digit < b.Digit {
			return -1
		}
		return 1
	}
	return strings.Compare(a.Site, b.Site)
}

func comparePosition(a, b []Ident) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := compareIdent(a[i], b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// between allocates a position strictly between p and q for site. A nil p is
// the start of the document and a nil q is the end.
func between(p, q []Ident, site string) []Ident {
	var out []Ident
	bounded := true
	for i := 0; ; i++ {
		var lo uint64
		if i < len(p) {
			lo = uint64(p[i].Digit)
		}
		hi := base
		if bounded && i < len(q) {
			hi = uint64(q[i].Digit)
		}

		if hi > lo+1 {
			step := hi - lo - 1
			if step > boundary {
				step = boundary
			}
			d := lo + 1 + rand.Uint64N(step)
			return append(out, Ident{Digit: uint32(d), Site: site})
		}

		// No room at this level: follow p one level down. A level past the
		// end of p is the smallest identifier with that digit.
		e := Ident{Digit: uint32(lo)}
		if i < len(p) {
			e = p[i]
		}
		out = append(out, e)
		if bounded && (i >= len(q) || compareIdent(e, q[i]) != 0) {
			bounded = false
		}
	}
}
