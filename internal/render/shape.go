package render

import (
	"strings"
	"unicode"
)

// forms holds presentation forms: isolated, final, initial, medial. Letters
// that only join to the right have zero initial and medial forms.
type forms [4]rune

const (
	isolated = iota
	final
	initial
	medial
)

func dual(base rune) forms  { return forms{base, base + 1, base + 2, base + 3} }
func right(base rune) forms { return forms{base, base + 1, 0, 0} }

var arabicForms = map[rune]forms{
	0x0621: {0xFE80, 0, 0, 0},
	0x0622: right(0xFE81),
	0x0623: right(0xFE83),
	0x0624: right(0xFE85),
	0x0625: right(0xFE87),
	0x0626: dual(0xFE89),
	0x0627: right(0xFE8D),
	0x0628: dual(0xFE8F),
	0x0629: right(0xFE93),
	0x062A: dual(0xFE95),
	0x062B: dual(0xFE99),
	0x062C: dual(0xFE9D),
	0x062D: dual(0xFEA1),
	0x062E: dual(0xFEA5),
	0x062F: right(0xFEA9),
	0x0630: right(0xFEAB),
	0x0631: right(0xFEAD),
	0x0632: right(0xFEAF),
	0x0633: dual(0xFEB1),
	0x0634: dual(0xFEB5),
	0x0635: dual(0xFEB9),
	0x0636: dual(0xFEBD),
	0x0637: dual(0xFEC1),
	0x0638: dual(0xFEC5),
	0x0639: dual(0xFEC9),
	0x063A: dual(0xFECD),
	0x0640: {0x0640, 0x0640, 0x0640, 0x0640},
	0x0641: dual(0xFED1),
	0x0642: dual(0xFED5),
	0x0643: dual(0xFED9),
	0x0644: dual(0xFEDD),
	0x0645: dual(0xFEE1),
	0x0646: dual(0xFEE5),
	0x0647: dual(0xFEE9),
	0x0648: right(0xFEED),
	0x0649: right(0xFEEF),
	0x064A: dual(0xFEF1),
	0x0671: right(0xFB50),
	0x067E: dual(0xFB56),
	0x0686: dual(0xFB7A),
	0x0698: right(0xFB8A),
	0x06A9: dual(0xFB8E),
	0x06AF: dual(0xFB92),
	0x06CC: dual(0xFBFC),
}

const lam = 0x0644

// lamAlef maps the alef following a lam to its isolated ligature; the final
// form is the next code point.
var lamAlef = map[rune]rune{
	0x0622: 0xFEF5,
	0x0623: 0xFEF7,
	0x0625: 0xFEF9,
	0x0627: 0xFEFB,
}

// transparent marks (harakat) do not break joining.
func transparent(r rune) bool {
	return (r >= 0x064B && r <= 0x065F) || r == 0x0670
}

func joinsNext(r rune) bool {
	f, ok := arabicForms[r]
	return ok && f[initial] != 0
}

func joinable(r rune) bool {
	f, ok := arabicForms[r]
	return ok && f[final] != 0
}

// Shape replaces Arabic letters with their contextual presentation forms and
// forms lam-alef ligatures. The result is still in logical order.
func Shape(text string) string {
	rs := []rune(text)
	var b strings.Builder
	b.Grow(len(text))

	prevOf := func(i int) rune {
		for j := i - 1; j >= 0; j-- {
			if !transparent(rs[j]) {
				return rs[j]
			}
		}
		return 0
	}
	nextOf := func(i int) (rune, int) {
		for j := i + 1; j < len(rs); j++ {
			if !transparent(rs[j]) {
				return rs[j], j
			}
		}
		return 0, -1
	}

	for i := 0; i < len(rs); i++ {
		r := rs[i]
		f, ok := arabicForms[r]
		if !ok {
			b.WriteRune(r)
			continue
		}
		prevJoins := joinsNext(prevOf(i))

		if r == lam {
			if nr, j := nextOf(i); j >= 0 {
				if lig, ok := lamAlef[nr]; ok {
					if prevJoins {
						lig++
					}
					b.WriteRune(lig)
					// Marks between lam and alef stay after the ligature.
					for k := i + 1; k < j; k++ {
						b.WriteRune(rs[k])
					}
					i = j
					continue
				}
			}
		}

		nr, _ := nextOf(i)
		nextJoins := f[initial] != 0 && joinable(nr)

		form := isolated
		switch {
		case prevJoins && nextJoins:
			form = medial
		case prevJoins:
			form = final
		case nextJoins:
			form = initial
		}
		out := f[form]
		if out == 0 {
			out = f[isolated]
		}
		b.WriteRune(out)
	}
	return b.String()
}

type direction int

const (
	dirNeutral direction = iota
	dirLTR
	dirRTL
)

func isRTL(r rune) bool {
	return (r >= 0x0590 && r <= 0x08FF) || (r >= 0xFB1D && r <= 0xFDFF) || (r >= 0xFE70 && r <= 0xFEFF)
}

func classify(r rune) direction {
	switch {
	case isRTL(r):
		return dirRTL
	case unicode.IsLetter(r) || unicode.IsDigit(r):
		return dirLTR
	}
	return dirNeutral
}

var mirrors = map[rune]rune{
	'(': ')', ')': '(',
	'[': ']', ']': '[',
	'{': '}', '}': '{',
	'<': '>', '>': '<',
	'«': '»', '»': '«',
}

// Visual reorders one line of right-to-left text for left-to-right drawing.
// Runs of Latin letters and digits keep their internal order.
func Visual(line string) string {
	if !HasArabic(line) {
		return line
	}
	rs := []rune(line)
	dirs := make([]direction, len(rs))
	for i, r := range rs {
		dirs[i] = classify(r)
	}
	// Neutrals between two LTR characters belong to the LTR run.
	strong := append([]direction(nil), dirs...)
	for i := range dirs {
		if strong[i] != dirNeutral {
			continue
		}
		prev := dirNeutral
		for j := i - 1; j >= 0; j-- {
			if strong[j] != dirNeutral {
				prev = strong[j]
				break
			}
		}
		next := dirNeutral
		for j := i + 1; j < len(strong); j++ {
			if strong[j] != dirNeutral {
				next = strong[j]
				break
			}
		}
		if prev == dirLTR && next == dirLTR {
			dirs[i] = dirLTR
		} else {
			dirs[i] = dirRTL
		}
	}

	type run struct {
		dir   direction
		runes []rune
	}
	var runs []run
	for i, r := range rs {
		if len(runs) == 0 || runs[len(runs)-1].dir != dirs[i] {
			runs = append(runs, run{dir: dirs[i]})
		}
		runs[len(runs)-1].runes = append(runs[len(runs)-1].runes, r)
	}

	var b strings.Builder
	b.Grow(len(line))
	for i := len(runs) - 1; i >= 0; i-- {
		rn := runs[i]
		if rn.dir == dirLTR {
			b.WriteString(string(rn.runes))
			continue
		}
		for j := len(rn.runes) - 1; j >= 0; j-- {
			r := rn.runes[j]
			if m, ok := mirrors[r]; ok {
				r = m
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

// HasArabic reports whether s contains any right-to-left letter.
func HasArabic(s string) bool {
	for _, r := range s {
		if isRTL(r) {
			return true
		}
	}
	return false
}
