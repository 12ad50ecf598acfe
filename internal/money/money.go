package money

import (
	"fmt"
	"math"
	"math/bits"
	"strconv"
	"strings"
)

// BasisPoints is a rate in hundredths of a percent (1% = 100).
type BasisPoints int64

// Hundred is a rate of 100%.
const Hundred BasisPoints = 10000

// Percent returns a whole-number percentage as basis points.
func Percent(p int64) BasisPoints {
	return BasisPoints(p * 100)
}

// ParsePercent parses a decimal percentage such as "10", "12.5" or "0.25%"
// into basis points. At most two fractional digits are accepted so the
// conversion is exact.
func ParsePercent(s string) (BasisPoints, error) {
	s = strings.TrimSuffix(strings.TrimSpace(s), "%")
	if s == "" {
		return 0, fmt.Errorf("empty percentage")
	}

	neg := false
	if s[0] == '-' || s[0] == '+' {
		neg = s[0] == '-'
		s = s[1:]
	}

	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" && (!hasFrac || frac == "") {
		return 0, fmt.Errorf("invalid percentage %q", s)
	}
	if len(frac) > 2 {
		return 0, fmt.Errorf("percentage %q has more than two decimal places", s)
	}

	var w int64
	if whole != "" {
		v, err := strconv.ParseInt(whole, 10, 64)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("invalid percentage %q", s)
		}
		w = v
	}

	var f int64
	if frac != "" {
		v, err := strconv.ParseInt(frac, 10, 64)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("invalid percentage %q", s)
		}
		if len(frac) == 1 {
			v *= 10
		}
		f = v
	}

	if w > (1<<62)/100 {
		return 0, fmt.Errorf("percentage %q out of range", s)
	}
	bp := BasisPoints(w*100 + f)
	if neg {
		bp = -bp
	}
	return bp, nil
}

// Valid reports whether the rate lies within 0%..100%.
func (b BasisPoints) Valid() bool {
	return b >= 0 && b <= Hundred
}

// String renders the rate as a percentage without a trailing % sign.
func (b BasisPoints) String() string {
	sign := ""
	v := int64(b)
	if v < 0 {
		sign = "-"
		v = -v
	}
	whole, frac := v/100, v%100
	if frac == 0 {
		return fmt.Sprintf("%s%d", sign, whole)
	}
	s := fmt.Sprintf("%s%d.%02d", sign, whole, frac)
	return strings.TrimSuffix(s, "0")
}

func (b BasisPoints) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func (b *BasisPoints) UnmarshalText(text []byte) error {
	v, err := ParsePercent(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// Share returns floor(amount * rate / 100%) in minor units. Both inputs must
// be non-negative; the intermediate product is computed in 128 bits.
func Share(amount int64, rate BasisPoints) (int64, error) {
	if amount < 0 || rate < 0 {
		return 0, fmt.Errorf("share of negative amount or rate: %d at %s%%", amount, rate)
	}
	hi, lo := bits.Mul64(uint64(amount), uint64(rate))
	if hi >= uint64(Hundred) {
		return 0, fmt.Errorf("share overflow: %d at %s%%", amount, rate)
	}
	q, _ := bits.Div64(hi, lo, uint64(Hundred))
	if q > math.MaxInt64 {
		return 0, fmt.Errorf("share overflow: %d at %s%%", amount, rate)
	}
	return int64(q), nil
}

// FormatCents renders minor units as a two-decimal major-unit string.
func FormatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
