package cart

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

var leadingNumber = regexp.MustCompile(`[-+]?(?:\d+(?:\.\d+)?|\.\d+)`)

// Price is the unit price snapshot captured when an item is added. It keeps the
// raw text as entered by the catalogue ("₪120", "45.90 ILS", 30) and exposes a
// sanitised decimal amount.
type Price struct {
	raw string
}

// PriceOf wraps raw catalogue price text.
func PriceOf(raw string) Price {
	return Price{raw: strings.TrimSpace(raw)}
}

// PriceFromDecimal wraps a numeric price.
func PriceFromDecimal(d decimal.Decimal) Price {
	return Price{raw: d.String()}
}

// Raw returns the price text as captured.
func (p Price) Raw() string { return p.raw }

func (p Price) String() string { return p.raw }

// Amount extracts the leading numeric token of the raw text, keeping its sign
// and accepting a bare fractional part (".5"). Thousands separators are
// ignored; text without digits yields zero.
func (p Price) Amount() decimal.Decimal {
	return SanitizePrice(p.raw)
}

// SanitizePrice parses the leading numeric token from raw price text.
func SanitizePrice(raw string) decimal.Decimal {
	cleaned := strings.ReplaceAll(raw, ",", "")
	token := leadingNumber.FindString(cleaned)
	if token == "" {
		return decimal.Zero
	}
	sign := ""
	switch token[0] {
	case '-':
		sign, token = "-", token[1:]
	case '+':
		token = token[1:]
	}
	if strings.HasPrefix(token, ".") {
		token = "0" + token
	}
	amount, err := decimal.NewFromString(sign + token)
	if err != nil {
		return decimal.Zero
	}
	return amount
}

// MarshalJSON writes purely numeric prices as JSON numbers and anything else as text.
func (p Price) MarshalJSON() ([]byte, error) {
	if p.raw == "" {
		return []byte("null"), nil
	}
	if d, err := decimal.NewFromString(p.raw); err == nil && d.String() == p.raw {
		return []byte(p.raw), nil
	}
	return json.Marshal(p.raw)
}

// UnmarshalJSON accepts a JSON number, string or null.
func (p *Price) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		p.raw = ""
		return nil
	}
	if trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return err
		}
		p.raw = strings.TrimSpace(text)
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(trimmed, &number); err != nil {
		return err
	}
	p.raw = number.String()
	return nil
}
