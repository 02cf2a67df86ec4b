package gcode

import (
	"strconv"
	"strings"
)

// Compact removes inter-token whitespace, drops line-number (N…) words,
// and normalizes each numeric word (strip trailing zeros after the
// decimal point, drop a redundant leading zero, preserve sign), the way
// gcode_parser.py's compact_line does. Input must already be Clean'd
// (comments/frame markers stripped).
func Compact(line string) string {
	var b strings.Builder
	for _, w := range rawTokens(line) {
		if w.letter == 'N' {
			continue
		}
		b.WriteByte(w.letter)
		b.WriteString(normalizeNumber(w.number))
	}
	return b.String()
}

type rawToken struct {
	letter byte
	number string
}

// rawTokens extracts letter/number pairs in order, same grammar as
// wordPattern but keeping the number's original text so Compact can
// normalize it itself rather than round-tripping through float64 (which
// would silently rewrite precision the caller never asked to lose).
func rawTokens(line string) []rawToken {
	matches := wordPattern.FindAllStringSubmatchIndex(line, -1)
	tokens := make([]rawToken, 0, len(matches))
	for _, m := range matches {
		letter := upper(line[m[2]])
		number := line[m[4]:m[5]]
		tokens = append(tokens, rawToken{letter: letter, number: number})
	}
	return tokens
}

func normalizeNumber(s string) string {
	sign := ""
	switch {
	case strings.HasPrefix(s, "-"):
		sign, s = "-", s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}

	intPart, fracPart := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], strings.TrimRight(s[i+1:], "0")
	}
	intPart = strings.TrimLeft(intPart, "0")

	switch {
	case fracPart != "":
		return sign + intPart + "." + fracPart
	case intPart == "":
		return "0"
	default:
		return sign + intPart
	}
}

// splittable reports whether a compacted line's words make it eligible
// for the linear-split pass: motion is G0 or G1, feed mode is G94 (not
// G93 inverse-time), and every non-G word is one of X/Y/Z/F/S.
func splittable(words []Word, feedMode string) bool {
	if feedMode == "G93" {
		return false
	}
	isLinear := false
	for _, w := range words {
		if w.Letter != 'G' {
			continue
		}
		switch round3(w.Value) {
		case 0, 1:
			isLinear = true
		default:
			return false
		}
	}
	if !isLinear {
		return false
	}
	for _, w := range words {
		switch w.Letter {
		case 'G', 'X', 'Y', 'Z', 'F', 'S':
		default:
			return false
		}
	}
	return true
}

// splitLine subdivides a linear move into the smallest number of
// sub-segments such that every rendered segment (after Compact) fits
// within maxLen bytes including its trailing newline, preserving the
// start→end vector under snap's current modal state. F and S are
// modal on the firmware and so are only re-sent on the first segment;
// every segment carries absolute X/Y/Z so each stands alone for
// resume/error reporting. Under G91 the interpolated points are still
// computed in absolute world coordinates (snap.X/Y/Z plus the move's
// delta), so the whole sequence is bracketed in a G90/G91 pair that
// switches the firmware into absolute mode for the split segments and
// switches it straight back, leaving the modal state the rest of the
// job sees unchanged.
func splitLine(words []Word, snap Snapshot, maxLen int) []string {
	absolute := snap.Distance == "G90"
	gCode := 1.0
	x0, y0, z0 := snap.X, snap.Y, snap.Z
	x1, y1, z1 := x0, y0, z0
	var fVal, sVal float64
	haveF, haveS := false, false

	for _, w := range words {
		switch w.Letter {
		case 'G':
			gCode = w.Value
		case 'X':
			if absolute {
				x1 = w.Value
			} else {
				x1 = x0 + w.Value
			}
		case 'Y':
			if absolute {
				y1 = w.Value
			} else {
				y1 = y0 + w.Value
			}
		case 'Z':
			if absolute {
				z1 = w.Value
			} else {
				z1 = z0 + w.Value
			}
		case 'F':
			haveF, fVal = true, w.Value
		case 'S':
			haveS, sVal = true, w.Value
		}
	}

	render := func(n int) []string {
		out := make([]string, n)
		for i := 1; i <= n; i++ {
			t := float64(i) / float64(n)
			line := formatG(gCode) +
				formatAxis('X', x0+(x1-x0)*t) +
				formatAxis('Y', y0+(y1-y0)*t) +
				formatAxis('Z', z0+(z1-z0)*t)
			if i == 1 {
				if haveF {
					line += formatAxis('F', fVal)
				}
				if haveS {
					line += formatAxis('S', sVal)
				}
			}
			out[i-1] = line
		}
		return out
	}

	wrap := func(segs []string) []string {
		if absolute {
			return segs
		}
		out := make([]string, 0, len(segs)+2)
		out = append(out, "G90")
		out = append(out, segs...)
		out = append(out, "G91")
		return out
	}

	for n := 2; n <= 100000; n++ {
		segs := render(n)
		ok := true
		for _, s := range segs {
			if len(s)+1 > maxLen {
				ok = false
				break
			}
		}
		if ok {
			return wrap(segs)
		}
	}
	// Unreachable for any line that failed the 80-byte check only because
	// of X/Y/Z/F/S precision — render(100000) always fits.
	return wrap(render(100000))
}

func formatG(code float64) string {
	return "G" + normalizeNumber(strconv.FormatFloat(code, 'f', -1, 64))
}

// formatAxis renders v at 4 decimal places (matching the precision
// modal.Preamble already commits to for G92 offsets) then lets
// normalizeNumber strip the trailing zeros back off.
func formatAxis(letter byte, v float64) string {
	return string(letter) + normalizeNumber(strconv.FormatFloat(v, 'f', 4, 64))
}
