// Package cart defines the persisted shopping-cart representation and its pure
// line-level transformations.
package cart

import (
	"github.com/shopspring/decimal"
)

// DefaultKey is the storage key under which the cart blob is persisted.
const DefaultKey = "cart"

// Item describes a catalogue entry being added to the cart.
type Item struct {
	ItemID      string
	UnitPrice   Price
	DisplayName string
	ImageRef    string
}

// Line is a single cart entry. Quantity is always at least one.
type Line struct {
	ItemID      string `json:"itemId"`
	Quantity    int    `json:"quantity"`
	UnitPrice   Price  `json:"unitPrice"`
	DisplayName string `json:"displayName,omitempty"`
	ImageRef    string `json:"imageRef,omitempty"`
}

// Subtotal returns the sanitised unit price multiplied by the quantity.
func (l Line) Subtotal() decimal.Decimal {
	return l.UnitPrice.Amount().Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Snapshot is the ordered set of cart lines. Transformations return a new
// snapshot and never modify the receiver.
type Snapshot struct {
	Lines []Line
}

// Empty returns a snapshot without lines.
func Empty() Snapshot {
	return Snapshot{Lines: []Line{}}
}

// Len reports the number of distinct lines.
func (s Snapshot) Len() int { return len(s.Lines) }

// Count reports the total quantity across lines.
func (s Snapshot) Count() int {
	total := 0
	for _, line := range s.Lines {
		total += line.Quantity
	}
	return total
}

// Find returns the line for itemID.
func (s Snapshot) Find(itemID string) (Line, bool) {
	if idx := s.index(itemID); idx >= 0 {
		return s.Lines[idx], true
	}
	return Line{}, false
}

// Total sums the sanitised unit price times quantity over all lines.
func (s Snapshot) Total() decimal.Decimal {
	total := decimal.Zero
	for _, line := range s.Lines {
		total = total.Add(line.Subtotal())
	}
	return total
}

// Add merges qty into an existing line for the item or appends a new line.
// Non-positive quantities leave the snapshot unchanged.
func (s Snapshot) Add(item Item, qty int) Snapshot {
	out := s.clone()
	if qty <= 0 || item.ItemID == "" {
		return out
	}
	if idx := out.index(item.ItemID); idx >= 0 {
		out.Lines[idx].Quantity += qty
		return out
	}
	out.Lines = append(out.Lines, Line{
		ItemID:      item.ItemID,
		Quantity:    qty,
		UnitPrice:   item.UnitPrice,
		DisplayName: item.DisplayName,
		ImageRef:    item.ImageRef,
	})
	return out
}

// SetQuantity replaces the quantity of the line; qty <= 0 removes it.
// Unknown item ids leave the snapshot unchanged.
func (s Snapshot) SetQuantity(itemID string, qty int) Snapshot {
	if qty <= 0 {
		return s.Remove(itemID)
	}
	out := s.clone()
	if idx := out.index(itemID); idx >= 0 {
		out.Lines[idx].Quantity = qty
	}
	return out
}

// Remove drops the line for itemID if present.
func (s Snapshot) Remove(itemID string) Snapshot {
	out := Snapshot{Lines: make([]Line, 0, len(s.Lines))}
	for _, line := range s.Lines {
		if line.ItemID == itemID {
			continue
		}
		out.Lines = append(out.Lines, line)
	}
	return out
}

// normalize enforces the line invariants on data read back from storage:
// blank ids and non-positive quantities are dropped, duplicate ids merged.
func (s Snapshot) normalize() Snapshot {
	out := Snapshot{Lines: make([]Line, 0, len(s.Lines))}
	for _, line := range s.Lines {
		if line.ItemID == "" || line.Quantity <= 0 {
			continue
		}
		if idx := out.index(line.ItemID); idx >= 0 {
			out.Lines[idx].Quantity += line.Quantity
			continue
		}
		out.Lines = append(out.Lines, line)
	}
	return out
}

func (s Snapshot) index(itemID string) int {
	for i, line := range s.Lines {
		if line.ItemID == itemID {
			return i
		}
	}
	return -1
}

func (s Snapshot) clone() Snapshot {
	lines := make([]Line, len(s.Lines))
	copy(lines, s.Lines)
	return Snapshot{Lines: lines}
}
