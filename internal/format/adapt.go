package format

import (
	"regexp"
	"strings"
)

var (
	reAnchor    = regexp.MustCompile(`<a\s+href=["']([^"']*)["']\s*>(.*?)</a>`)
	reBold      = regexp.MustCompile(`(?s)<b>(.*?)</b>`)
	reItalic    = regexp.MustCompile(`(?s)<i>(.*?)</i>`)
	reParagraph = regexp.MustCompile(`</?p>`)
	reAnyTag    = regexp.MustCompile(`<[^<]+?>`)

	// reLink matches "(http://...)" blocks produced from anchors; they are never styled.
	reLink = regexp.MustCompile(`\s?(\(https?://[\w.\-]*[/\w\-.?=&%#:]*\))\s?`)
)

// Adapt converts the bot's HTML-ish markup into text for the given target.
//
//   - <a href="u">t</a> becomes "t (u)" (except for TargetHTML)
//   - <p> and </p> become line breaks; lines are trimmed
//   - <b>/<i> are rendered per target
//   - every other tag is removed (except for TargetHTML)
func Adapt(text string, target Target) string {
	if target == TargetHTML {
		return normalizeLines(reParagraph.ReplaceAllString(text, "\n"))
	}

	text = reAnchor.ReplaceAllString(text, "$2 ($1)")
	text = normalizeLines(reParagraph.ReplaceAllString(text, "\n"))

	var bold, italic func(string) string
	switch target {
	case TargetMarkdown:
		bold, italic = boldMarkdown, italicMarkdown
	case TargetUnicode:
		bold, italic = BoldUnicode, ItalicUnicode
	}
	if bold != nil {
		text = replaceSubmatch(reBold, text, bold)
		text = replaceSubmatch(reItalic, text, italic)
	}
	return reAnyTag.ReplaceAllString(text, "")
}

func normalizeLines(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	return strings.Trim(strings.Join(lines, "\n"), "\n")
}

func replaceSubmatch(re *regexp.Regexp, s string, fn func(string) string) string {
	return re.ReplaceAllStringFunc(s, func(m string) string {
		sub := re.FindStringSubmatch(m)
		if len(sub) < 2 {
			return m
		}
		return fn(sub[1])
	})
}

func boldMarkdown(s string) string   { return wrapMarkers(s, "*") }
func italicMarkdown(s string) string { return wrapMarkers(s, "_") }

// wrapMarkers wraps s in marker and moves embedded links out of the styled span.
func wrapMarkers(s, marker string) string {
	s = marker + s + marker
	s = reLink.ReplaceAllString(s, marker+" ${1} "+marker)
	return strings.TrimSpace(strings.ReplaceAll(s, marker+marker, ""))
}

const combiningDiaeresis = '\u0308'

// BoldUnicode rewrites ASCII letters, digits and German umlauts into the
// Mathematical Sans-Serif Bold alphabet. Links in "(http...)" form are kept verbatim.
func BoldUnicode(s string) string {
	return styleOutsideLinks(s, func(r rune) (string, bool) {
		switch {
		case r >= 'a' && r <= 'z':
			return string(0x1D5EE + r - 'a'), true
		case r >= 'A' && r <= 'Z':
			return string(0x1D5D4 + r - 'A'), true
		case r >= '0' && r <= '9':
			return string(0x1D7EC + r - '0'), true
		}
		return umlaut(r, 0x1D5EE, 0x1D5D4)
	})
}

// ItalicUnicode is the Sans-Serif Italic counterpart of BoldUnicode.
// There are no italic digits; they stay as-is.
func ItalicUnicode(s string) string {
	return styleOutsideLinks(s, func(r rune) (string, bool) {
		switch {
		case r >= 'a' && r <= 'z':
			return string(0x1D622 + r - 'a'), true
		case r >= 'A' && r <= 'Z':
			return string(0x1D608 + r - 'A'), true
		}
		return umlaut(r, 0x1D622, 0x1D608)
	})
}

// umlaut renders ä/ö/ü as styled base letter + U+0308; Signal needs the
// decomposed form to display them.
func umlaut(r, lower, upper rune) (string, bool) {
	var base rune
	switch r {
	case 'ä':
		base = lower
	case 'ö':
		base = lower + ('o' - 'a')
	case 'ü':
		base = lower + ('u' - 'a')
	case 'Ä':
		base = upper
	case 'Ö':
		base = upper + ('O' - 'A')
	case 'Ü':
		base = upper + ('U' - 'A')
	default:
		return "", false
	}
	return string([]rune{base, combiningDiaeresis}), true
}

// styleOutsideLinks applies fn to every rune except those inside link tokens.
// Each link match is a protected token copied through unchanged.
func styleOutsideLinks(s string, fn func(rune) (string, bool)) string {
	var b strings.Builder
	b.Grow(len(s) * 2)
	last := 0
	for _, loc := range reLink.FindAllStringIndex(s, -1) {
		styleRunes(&b, s[last:loc[0]], fn)
		b.WriteString(s[loc[0]:loc[1]])
		last = loc[1]
	}
	styleRunes(&b, s[last:], fn)
	return b.String()
}

func styleRunes(b *strings.Builder, s string, fn func(rune) (string, bool)) {
	for _, r := range s {
		if out, ok := fn(r); ok {
			b.WriteString(out)
			continue
		}
		b.WriteRune(r)
	}
}
