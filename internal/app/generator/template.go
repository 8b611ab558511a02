package generator

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/pricegate/errs"
	"github.com/coachpo/pricegate/internal/domain/instrument"
)

//go:embed exchange_rates_template.json
var defaultTemplate []byte

// Entry is one template quote.
type Entry struct {
	Pair string          `json:"pair"`
	Bid  decimal.Decimal `json:"bid"`
	Ask  decimal.Decimal `json:"ask"`
}

// DefaultTemplate returns the embedded template.
func DefaultTemplate() ([]Entry, error) {
	return ParseTemplate(bytes.NewReader(defaultTemplate))
}

// LoadTemplateFile reads a template from path. An empty path yields the embedded template.
func LoadTemplateFile(path string) ([]Entry, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return DefaultTemplate()
	}
	file, err := os.Open(trimmed)
	if err != nil {
		return nil, fmt.Errorf("open template %s: %w", trimmed, err)
	}
	defer func() {
		_ = file.Close()
	}()
	entries, err := ParseTemplate(file)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", trimmed, err)
	}
	return entries, nil
}

// ParseTemplate decodes and validates a JSON array of {pair, bid, ask}.
func ParseTemplate(r io.Reader) ([]Entry, error) {
	var entries []Entry
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return nil, errs.New(component, errs.CodeInvalid,
			errs.WithMessage("decode template"), errs.WithCause(err))
	}
	if len(entries) == 0 {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("template has no entries"))
	}

	seen := make(map[string]struct{}, len(entries))
	for i := range entries {
		pair, err := instrument.Parse(entries[i].Pair)
		if err != nil {
			return nil, fmt.Errorf("template entry %d: %w", i, err)
		}
		code := pair.String()
		if _, dup := seen[code]; dup {
			return nil, errs.New(component, errs.CodeInvalid,
				errs.WithMessage("duplicate template pair"), errs.WithField("pair", code))
		}
		if !entries[i].Bid.IsPositive() || !entries[i].Ask.IsPositive() {
			return nil, errs.New(component, errs.CodeInvalid,
				errs.WithMessage("bid and ask must be positive"), errs.WithField("pair", code))
		}
		seen[code] = struct{}{}
		entries[i].Pair = code
	}
	return entries, nil
}
