package report

import (
	"strconv"
	"strings"
)

// Trend is the direction of a value compared to the previous day.
type Trend int

const (
	TrendNone Trend = iota
	TrendUp
	TrendSame
	TrendDown
)

func TrendOf(current, previous float64) Trend {
	switch {
	case current > previous:
		return TrendUp
	case current < previous:
		return TrendDown
	default:
		return TrendSame
	}
}

// String renders the trend as " ↗", " ➡", " ↘" or "".
func (t Trend) String() string {
	switch t {
	case TrendUp:
		return " ↗"
	case TrendSame:
		return " ➡"
	case TrendDown:
		return " ↘"
	default:
		return ""
	}
}

// FormatInt uses "." as thousands separator: 1234567 -> "1.234.567".
func FormatInt(n int) string {
	s := strconv.Itoa(n)
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	groups := make([]string, 0, len(s)/3+1)
	for len(s) > 3 {
		groups = append([]string{s[len(s)-3:]}, groups...)
		s = s[:len(s)-3]
	}
	groups = append([]string{s}, groups...)
	return sign + strings.Join(groups, ".")
}

// FormatFloat prints two decimals with a decimal comma: 12.5 -> "12,50".
func FormatFloat(f float64) string {
	return strings.Replace(strconv.FormatFloat(f, 'f', 2, 64), ".", ",", 1)
}

// Noun selects singular or plural wording.
type Noun int

const (
	NounInfections Noun = iota
	NounDeaths
	NounDistricts
	NounPersons
)

var nouns = map[Noun][2]string{
	NounInfections: {"Neuinfektion", "Neuinfektionen"},
	NounDeaths:     {"Todesfall", "Todesfälle"},
	NounDistricts:  {"Ort", "Orte"},
	NounPersons:    {"Person", "Personen"},
}

// FormatNoun renders "1 Neuinfektion" or "1.024 Neuinfektionen".
func FormatNoun(n int, noun Noun) string {
	w := nouns[noun]
	if n == 1 {
		return "1 " + w[0]
	}
	return FormatInt(n) + " " + w[1]
}
