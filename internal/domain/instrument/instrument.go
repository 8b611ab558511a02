// Package instrument parses and validates currency-pair instrument identifiers.
package instrument

import (
	"strings"

	"golang.org/x/text/currency"

	"github.com/coachpo/pricegate/errs"
)

const (
	component = "instrument"
	codeWidth = 3
)

// Pair is a currency pair such as EUR/USD, written EURUSD on the wire.
type Pair struct {
	Base  currency.Unit
	Quote currency.Unit
}

// String returns the concatenated ISO 4217 codes.
func (p Pair) String() string {
	return p.Base.String() + p.Quote.String()
}

// Parse splits code into two three-letter ISO 4217 currencies.
func Parse(code string) (Pair, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	if normalized == "" {
		return Pair{}, invalid(code, "instrument required", nil)
	}
	if len(normalized) != 2*codeWidth {
		return Pair{}, invalid(code, "currency pair must be two three-letter codes", nil)
	}
	for _, r := range normalized {
		if r < 'A' || r > 'Z' {
			return Pair{}, invalid(code, "currency pair must contain letters only", nil)
		}
	}

	base, err := currency.ParseISO(normalized[:codeWidth])
	if err != nil {
		return Pair{}, invalid(code, "unknown base currency "+normalized[:codeWidth], err)
	}
	quote, err := currency.ParseISO(normalized[codeWidth:])
	if err != nil {
		return Pair{}, invalid(code, "unknown quote currency "+normalized[codeWidth:], err)
	}
	return Pair{Base: base, Quote: quote}, nil
}

// Validate reports whether code is a well-formed currency pair.
func Validate(code string) error {
	_, err := Parse(code)
	return err
}

func invalid(code, msg string, cause error) error {
	opts := []errs.Option{
		errs.WithMessage(msg),
		errs.WithCanonicalCode(errs.CanonicalInvalidInstrument),
		errs.WithField("instrument", code),
	}
	if cause != nil {
		opts = append(opts, errs.WithCause(cause))
	}
	return errs.New(component, errs.CodeInvalid, opts...)
}
