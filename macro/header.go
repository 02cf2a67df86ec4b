package macro

import (
	"regexp"
	"strings"
)

var hexColorPattern = regexp.MustCompile(`^#(?:[0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)

// Header is a macro file's fixed four-line metadata block: button label,
// tooltip, optional button color, optional button text color. Body lines
// start at index 4. Grounded on macro_headers.py's parse_macro_header.
type Header struct {
	Label         string
	Tooltip       string
	Color         string
	TextColor     string
	BodyStartLine int
}

// ParseHeader extracts a Header from a macro file's lines, leaving the
// body (lines[4:]) for the caller.
func ParseHeader(lines []string) Header {
	h := Header{BodyStartLine: 4}
	if len(lines) > 0 {
		h.Label = strings.TrimSpace(lines[0])
	}
	if len(lines) > 1 {
		h.Tooltip = strings.TrimSpace(lines[1])
	}
	if len(lines) > 2 {
		if c, ok := parseColorLine(lines[2], false); ok {
			h.Color = c
		}
	}
	if len(lines) > 3 {
		if c, ok := parseColorLine(lines[3], true); ok {
			h.TextColor = c
		}
	}
	return h
}

var colorPrefix = regexp.MustCompile(`(?i)^\s*color\s*[:=]\s*(.*?)\s*$`)
var textColorPrefix = regexp.MustCompile(`(?i)^\s*(?:text[_\s-]*color|foreground|fg)\s*[:=]\s*(.*?)\s*$`)

// parseColorLine parses one header color line, returning ("", true) for
// a blank line, (token, true) for a valid color, and ("", false) for a
// non-blank but invalid line.
func parseColorLine(line string, text bool) (string, bool) {
	raw := strings.TrimSpace(line)
	if raw == "" {
		return "", true
	}
	var token string
	var matched bool
	if text {
		if m := textColorPrefix.FindStringSubmatch(raw); m != nil {
			token, matched = m[1], true
		}
	} else if m := colorPrefix.FindStringSubmatch(raw); m != nil {
		token, matched = m[1], true
	}
	if !matched {
		token = raw
	}
	if !isValidColorToken(token) {
		return "", false
	}
	return token, true
}

func isValidColorToken(token string) bool {
	if token == "" {
		return false
	}
	return hexColorPattern.MatchString(token) || isNamedColor(token)
}

// namedColors is the small palette macro headers may reference by name
// instead of a hex triplet, matching the common case in hand-written
// macro files.
var namedColors = map[string]bool{
	"red": true, "green": true, "blue": true, "yellow": true,
	"orange": true, "purple": true, "white": true, "black": true,
	"gray": true, "grey": true, "cyan": true, "magenta": true,
}

func isNamedColor(token string) bool {
	return namedColors[strings.ToLower(token)]
}
