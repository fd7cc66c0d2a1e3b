package cart

import (
	"strings"

	"github.com/goccy/go-json"

	"github.com/mzlad1/mirabeauty-sub001/errs"
)

// Encode serialises the snapshot as the JSON array stored under the cart key.
func Encode(s Snapshot) (string, error) {
	lines := s.Lines
	if lines == nil {
		lines = []Line{}
	}
	raw, err := json.Marshal(lines)
	if err != nil {
		return "", errs.New("cart/encode", errs.CodeInternal, errs.WithCause(err))
	}
	return string(raw), nil
}

// Decode parses a stored blob. Blank input decodes to an empty snapshot;
// anything that is not a JSON array of lines is an error. Decoded lines are
// normalised so stored data always satisfies the line invariants.
func Decode(blob string) (Snapshot, error) {
	if strings.TrimSpace(blob) == "" {
		return Empty(), nil
	}
	var lines []Line
	if err := json.Unmarshal([]byte(blob), &lines); err != nil {
		return Empty(), errs.New("cart/decode", errs.CodeInvalid,
			errs.WithMessage("malformed cart blob"), errs.WithCause(err))
	}
	return Snapshot{Lines: lines}.normalize(), nil
}
