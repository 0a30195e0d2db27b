// ABOUTME: Fixed-point monetary amounts stored as integer micro-dollars
// ABOUTME: Parses config strings like "10.00" and API floats without float drift

package money

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Amount is a monetary value in micro-dollars (1 USD = 1_000_000).
type Amount int64

// Common amounts.
const (
	Micro  Amount = 1
	Cent   Amount = 10_000
	Dollar Amount = 1_000_000
)

// ErrInvalidAmount is returned when a string cannot be parsed as an amount.
var ErrInvalidAmount = errors.New("invalid amount")

// Dollars converts a float dollar value, rounding to the nearest micro-dollar.
func Dollars(v float64) Amount {
	return Amount(math.Round(v * float64(Dollar)))
}

// Parse reads a decimal dollar string such as "10", "10.5", "$0.0123".
// At most six fractional digits are accepted.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "$")
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}

	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" && frac == "" {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if !digitsOnly(whole) || !digitsOnly(frac) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 6 {
		return 0, fmt.Errorf("%w: %q has more than 6 decimal places", ErrInvalidAmount, s)
	}

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}

	var f int64
	if frac != "" {
		f, err = strconv.ParseInt(frac+strings.Repeat("0", 6-len(frac)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
	}

	if w > (math.MaxInt64-f)/int64(Dollar) {
		return 0, fmt.Errorf("%w: %q out of range", ErrInvalidAmount, s)
	}

	a := Amount(w*int64(Dollar) + f)
	if neg {
		a = -a
	}
	return a, nil
}

func digitsOnly(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Float returns the amount in dollars.
func (a Amount) Float() float64 {
	return float64(a) / float64(Dollar)
}

// String formats the amount as dollars with at least two decimals, e.g. "$10.00", "$0.0123".
func (a Amount) String() string {
	sign := ""
	v := int64(a)
	if v < 0 {
		sign = "-"
		v = -v
	}
	whole := v / int64(Dollar)
	frac := fmt.Sprintf("%06d", v%int64(Dollar))
	frac = strings.TrimRight(frac, "0")
	for len(frac) < 2 {
		frac += "0"
	}
	return fmt.Sprintf("%s$%d.%s", sign, whole, frac)
}
