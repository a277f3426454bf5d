// Package money represents monetary values in integer minor units to avoid
// floating point errors on the settlement path. Amounts are parsed from
// decimal strings with explicit scale rules per currency.
package money

import (
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

var (
	ErrInvalidDecimal   = errors.New("invalid decimal amount")
	ErrScaleExceeded    = errors.New("fractional digits exceed currency scale")
	ErrCurrencyMismatch = errors.New("currency mismatch")
	ErrAmountOverflow   = errors.New("amount exceeds representable range")
)

// decimalPattern matches valid decimal strings: ^[+-]?[0-9]+(\.[0-9]+)?$
var decimalPattern = regexp.MustCompile(`^[+-]?[0-9]+(\.[0-9]+)?$`)

// Amount is a monetary value in a specific currency.
// It uses integer math (minor units); no float ever touches the value.
type Amount struct {
	Minor    int64  `json:"amount_minor"`
	Currency string `json:"currency"` // ISO 4217 code
	Scale    int    `json:"scale"`    // 2 for USD/EUR, 8 for BTC/ETH
}

// ScaleFor returns the minor-unit scale for a currency code.
func ScaleFor(currency string) int {
	switch currency {
	case "BTC", "ETH":
		return 8
	default:
		return 2
	}
}

// New creates an Amount from minor units.
func New(minor int64, currency string) Amount {
	return Amount{Minor: minor, Currency: currency, Scale: ScaleFor(currency)}
}

// Parse converts a decimal string such as "500.00" into an Amount.
// The fractional part must not exceed the currency's scale.
func Parse(s, currency string) (Amount, error) {
	if !decimalPattern.MatchString(s) {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidDecimal, s)
	}

	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	scale := ScaleFor(currency)
	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if len(frac) > scale {
		return Amount{}, fmt.Errorf("%w: %q has %d fractional digits, %s allows %d",
			ErrScaleExceeded, s, len(frac), currency, scale)
	}
	frac += strings.Repeat("0", scale-len(frac))

	minor, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidDecimal, s)
	}
	if neg {
		minor.Neg(minor)
	}
	if !minor.IsInt64() {
		return Amount{}, fmt.Errorf("%w: %q", ErrAmountOverflow, s)
	}

	return Amount{Minor: minor.Int64(), Currency: currency, Scale: scale}, nil
}

// MustParse is Parse for constants in tests and wiring code; it panics on error.
func MustParse(s, currency string) Amount {
	a, err := Parse(s, currency)
	if err != nil {
		panic(err)
	}
	return a
}

// String formats the amount as a decimal string, e.g. "500.00".
func (a Amount) String() string {
	minor := a.Minor
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	if a.Scale == 0 {
		return fmt.Sprintf("%s%d", sign, minor)
	}
	div := int64(1)
	for i := 0; i < a.Scale; i++ {
		div *= 10
	}
	return fmt.Sprintf("%s%d.%0*d", sign, minor/div, a.Scale, minor%div)
}

// Add returns a + other. Currencies and scales must match; a sum outside
// int64 fails rather than wrapping.
func (a Amount) Add(other Amount) (Amount, error) {
	if err := a.compatible(other); err != nil {
		return Amount{}, err
	}
	sum := a.Minor + other.Minor
	if (other.Minor > 0 && sum < a.Minor) || (other.Minor < 0 && sum > a.Minor) {
		return Amount{}, fmt.Errorf("%w: %d + %d", ErrAmountOverflow, a.Minor, other.Minor)
	}
	return Amount{Minor: sum, Currency: a.Currency, Scale: a.Scale}, nil
}

// Sub returns a - other. Currencies and scales must match; a difference
// outside int64 fails rather than wrapping.
func (a Amount) Sub(other Amount) (Amount, error) {
	if err := a.compatible(other); err != nil {
		return Amount{}, err
	}
	diff := a.Minor - other.Minor
	if (other.Minor > 0 && diff > a.Minor) || (other.Minor < 0 && diff < a.Minor) {
		return Amount{}, fmt.Errorf("%w: %d - %d", ErrAmountOverflow, a.Minor, other.Minor)
	}
	return Amount{Minor: diff, Currency: a.Currency, Scale: a.Scale}, nil
}

// Cmp compares a against other: -1 if a < other, 0 if equal, 1 if a > other.
func (a Amount) Cmp(other Amount) (int, error) {
	if err := a.compatible(other); err != nil {
		return 0, err
	}
	switch {
	case a.Minor < other.Minor:
		return -1, nil
	case a.Minor > other.Minor:
		return 1, nil
	default:
		return 0, nil
	}
}

func (a Amount) IsZero() bool     { return a.Minor == 0 }
func (a Amount) IsPositive() bool { return a.Minor > 0 }
func (a Amount) IsNegative() bool { return a.Minor < 0 }

func (a Amount) compatible(other Amount) error {
	if a.Currency != other.Currency {
		return fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, a.Currency, other.Currency)
	}
	if a.Scale != other.Scale {
		return fmt.Errorf("%w: scale %d vs %d", ErrCurrencyMismatch, a.Scale, other.Scale)
	}
	return nil
}
