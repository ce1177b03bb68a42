package scrape

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var priceRe = regexp.MustCompile(`\d[\d.,\s]*`)

// ParsePrice extracts a numeric price from raw page text. Handles currency
// symbols and both "1,234.56" and "1.234,56" separator conventions: when
// both separators appear, the last one is the decimal point; a lone
// separator followed by exactly two digits is treated as decimal.
func ParsePrice(text string) (float64, error) {
	match := priceRe.FindString(text)
	if match == "" {
		return 0, fmt.Errorf("no numeric price in %q", text)
	}
	match = strings.ReplaceAll(match, " ", "")
	match = strings.TrimRight(match, ".,")

	lastDot := strings.LastIndex(match, ".")
	lastComma := strings.LastIndex(match, ",")

	var decimalSep string
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastDot > lastComma {
			decimalSep = "."
		} else {
			decimalSep = ","
		}
	case lastDot >= 0:
		if isDecimalPosition(match, lastDot) {
			decimalSep = "."
		}
	case lastComma >= 0:
		if isDecimalPosition(match, lastComma) {
			decimalSep = ","
		}
	}

	var normalized strings.Builder
	for i, r := range match {
		switch r {
		case '.', ',':
			if string(r) == decimalSep && i == strings.LastIndex(match, string(r)) {
				normalized.WriteByte('.')
			}
			// thousands separators are dropped
		default:
			normalized.WriteRune(r)
		}
	}

	price, err := strconv.ParseFloat(normalized.String(), 64)
	if err != nil {
		return 0, fmt.Errorf("parsing price %q: %w", text, err)
	}
	return price, nil
}

// isDecimalPosition reports whether the separator at idx looks like a
// decimal point: one or two trailing digits. Exactly three trailing digits
// ("1.299") reads as a thousands separator.
func isDecimalPosition(s string, idx int) bool {
	trailing := len(s) - idx - 1
	return trailing >= 1 && trailing <= 2
}
