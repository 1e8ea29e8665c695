package metricstore

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnparsable marks a value that is not a number, as distinct from a real zero.
var ErrUnparsable = errors.New("unparsable metric value")

var valueReplacer = strings.NewReplacer(
	"$", "", "€", "", "£", "", "¥", "",
	",", "", " ", "", " ", "", "%", "",
)

// ParseMetricValueStrict parses amounts such as "$1,234.56", "45.2%",
// "(1,234.56)" and "-12". Parenthesized values are negative.
func ParseMetricValueStrict(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrUnparsable)
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}

	s = valueReplacer.Replace(s)

	// "-$5" becomes "-5" above; "$-5" too
	if strings.HasPrefix(s, "-") {
		if negative {
			return 0, fmt.Errorf("%w: %q", ErrUnparsable, raw)
		}
		negative = true
		s = s[1:]
	}
	if s == "" || !isPlainNumber(s) {
		return 0, fmt.Errorf("%w: %q", ErrUnparsable, raw)
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnparsable, raw)
	}

	if negative {
		v = -v
	}
	return v, nil
}

// ParseMetricValue is the lenient form: anything unparsable is 0.
func ParseMetricValue(raw string) float64 {
	v, err := ParseMetricValueStrict(raw)
	if err != nil {
		return 0
	}
	return v
}

func isPlainNumber(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' {
			return false
		}
	}
	return true
}
