package format

import (
	"strings"
	"unicode/utf8"
)

// ConfigurationError reports caller misuse of the formatter.
type ConfigurationError struct {
	Op     string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "format: " + e.Op + ": " + e.Reason
}

// Limits bounds the size of one message part.
// MaxBytes wins when both are set.
type Limits struct {
	MaxBytes int
	MaxChars int
}

func (l Limits) measure() (func(string) int, int, bool) {
	if l.MaxBytes > 0 {
		return func(s string) int { return len(s) }, l.MaxBytes, true
	}
	if l.MaxChars > 0 {
		return utf8.RuneCountInString, l.MaxChars, true
	}
	return nil, 0, false
}

// Split breaks text into parts of at most the configured size, cutting only
// at line breaks. Joining the parts with "\n" yields the original text.
//
// A single line longer than the limit is returned as its own (oversized)
// part; callers must deal with such lines themselves.
func Split(text string, lim Limits) ([]string, error) {
	size, limit, ok := lim.measure()
	if !ok {
		return nil, &ConfigurationError{Op: "split", Reason: "either max bytes or max chars must be set"}
	}
	if text == "" {
		return nil, nil
	}
	if size(text) <= limit {
		return []string{text}, nil
	}

	var (
		parts []string
		cur   strings.Builder
		n     int
		empty = true
	)
	for _, line := range strings.Split(text, "\n") {
		ln := size(line)
		if !empty && n+size("\n")+ln <= limit {
			cur.WriteByte('\n')
			cur.WriteString(line)
			n += size("\n") + ln
			continue
		}
		if !empty {
			parts = append(parts, cur.String())
			cur.Reset()
		}
		cur.WriteString(line)
		n = ln
		empty = false
	}
	if !empty {
		parts = append(parts, cur.String())
	}
	return parts, nil
}
