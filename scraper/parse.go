package scraper

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	numberGroupRegex = regexp.MustCompile(`\d[\d\s.,]*`)
	intRegex         = regexp.MustCompile(`\d+`)
)

// ParsePrice extracts the first number in text and the currency it mentions.
// "1 200 DT" -> 1200 TND, "€ 1.250.000" -> 1250000 EUR.
func ParsePrice(text string) (*float64, string) {
	t := strings.ReplaceAll(text, "\u00a0", " ")
	if strings.TrimSpace(t) == "" {
		return nil, ""
	}

	currency := ""
	upper := strings.ToUpper(t)
	switch {
	case strings.Contains(upper, "DT") || strings.Contains(upper, "TND"):
		currency = "TND"
	case strings.Contains(t, "€") || strings.Contains(upper, "EUR"):
		currency = "EUR"
	case strings.Contains(t, "$") || strings.Contains(upper, "USD"):
		currency = "USD"
	}

	v, ok := parseNumber(t)
	if !ok {
		return nil, currency
	}
	return &v, currency
}

// ParseFloat returns the first number in text, or nil.
func ParseFloat(text string) *float64 {
	v, ok := parseNumber(strings.ReplaceAll(text, "\u00a0", " "))
	if !ok {
		return nil
	}
	return &v
}

// ParseDecimal reads a machine-formatted number such as a coordinate, where a
// single separator is always the decimal point. Free text falls back to ParseFloat.
func ParseDecimal(text string) *float64 {
	t := strings.TrimSpace(text)
	if t == "" {
		return nil
	}
	if !strings.Contains(t, ".") && strings.Count(t, ",") == 1 {
		t = strings.Replace(t, ",", ".", 1)
	}
	if v, err := strconv.ParseFloat(t, 64); err == nil {
		return &v
	}
	return ParseFloat(text)
}

// ParseInt returns the first run of digits in text, or nil.
func ParseInt(text string) *int {
	m := intRegex.FindString(text)
	if m == "" {
		return nil
	}
	v, err := strconv.Atoi(m)
	if err != nil {
		return nil
	}
	return &v
}

// ParseTime parses text with layout, falling back to RFC 3339.
func ParseTime(text, layout string) *time.Time {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	for _, l := range []string{layout, time.RFC3339, "2006-01-02", "02/01/2006"} {
		if l == "" {
			continue
		}
		if t, err := time.Parse(l, text); err == nil {
			return &t
		}
	}
	return nil
}

func parseNumber(text string) (float64, bool) {
	group := numberGroupRegex.FindString(text)
	if group == "" {
		return 0, false
	}
	group = strings.Join(strings.Fields(group), "")
	group = strings.TrimRight(group, ".,")

	lastDot := strings.LastIndex(group, ".")
	lastComma := strings.LastIndex(group, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		// Whichever separator comes last is the decimal point.
		if lastDot > lastComma {
			group = strings.ReplaceAll(group, ",", "")
		} else {
			group = strings.ReplaceAll(group, ".", "")
			group = strings.Replace(group, ",", ".", 1)
		}
	case lastDot >= 0:
		group = normalizeSingleSeparator(group, ".")
	case lastComma >= 0:
		group = normalizeSingleSeparator(group, ",")
	}

	v, err := strconv.ParseFloat(group, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// normalizeSingleSeparator decides whether sep groups thousands or marks decimals.
func normalizeSingleSeparator(s, sep string) string {
	if strings.Count(s, sep) > 1 {
		return strings.ReplaceAll(s, sep, "")
	}
	i := strings.Index(s, sep)
	if len(s)-i-1 == 3 {
		return strings.Replace(s, sep, "", 1)
	}
	return strings.Replace(s, sep, ".", 1)
}
