package matrix

import "strings"

// Kind is the shape of a Value.
type Kind uint8

// Value shapes.
const (
	KindSingle Kind = iota
	KindList
	KindModified
	KindModifiedList
)

func (k Kind) String() string {
	switch k {
	case KindSingle:
		return "single"
	case KindList:
		return "list"
	case KindModified:
		return "modified"
	case KindModifiedList:
		return "modified-list"
	}
	return "unknown"
}

// Item is a text element with an optional set of modifiers.
type Item struct {
	Text      string
	Modifiers []string
}

// NewItem creates an item.
func NewItem(text string, modifiers ...string) Item {
	return Item{Text: text, Modifiers: modifiers}
}

func (i Item) encode(sb *strings.Builder) {
	sb.WriteString(i.Text)
	if len(i.Modifiers) == 0 {
		return
	}
	sb.WriteByte('[')
	for n, m := range i.Modifiers {
		if n > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(m)
	}
	sb.WriteByte(']')
}

func (i Item) equal(o Item) bool {
	if i.Text != o.Text || len(i.Modifiers) != len(o.Modifiers) {
		return false
	}
	for n := range i.Modifiers {
		if i.Modifiers[n] != o.Modifiers[n] {
			return false
		}
	}
	return true
}

// --------------------------------------------------------------------

// Value is a tagged cell value of one of four shapes.
type Value struct {
	kind  Kind
	items []Item
}

// Single creates a scalar value.
func Single(text string) Value {
	return Value{kind: KindSingle, items: []Item{{Text: text}}}
}

// List creates an ordered list value.
func List(texts ...string) Value {
	items := make([]Item, len(texts))
	for i, s := range texts {
		items[i].Text = s
	}
	return Value{kind: KindList, items: items}
}

// Modified creates a scalar value with modifiers.
func Modified(text string, modifiers ...string) Value {
	return Value{kind: KindModified, items: []Item{NewItem(text, modifiers...)}}
}

// ModifiedList creates a list of values with per-element modifiers.
func ModifiedList(items ...Item) Value {
	return Value{kind: KindModifiedList, items: items}
}

// Kind returns the shape.
func (v Value) Kind() Kind { return v.kind }

// Len returns the number of elements.
func (v Value) Len() int { return len(v.items) }

// Items returns the elements of the value.
func (v Value) Items() []Item {
	return append([]Item(nil), v.items...)
}

// Texts returns the element texts without modifiers.
func (v Value) Texts() []string {
	texts := make([]string, len(v.items))
	for i, it := range v.items {
		texts[i] = it.Text
	}
	return texts
}

// Text returns the text of a scalar value, or the comma-joined texts of a list.
func (v Value) Text() string {
	if len(v.items) == 1 {
		return v.items[0].Text
	}
	return strings.Join(v.Texts(), ",")
}

// Modifiers returns the modifiers of a scalar value.
func (v Value) Modifiers() []string {
	if len(v.items) != 1 {
		return nil
	}
	return v.items[0].Modifiers
}

// Encode renders the value as cell text.
func (v Value) Encode() string {
	var sb strings.Builder
	for i, it := range v.items {
		if i > 0 {
			sb.WriteByte(',')
		}
		if v.kind == KindList {
			sb.WriteString(it.Text)
		} else {
			it.encode(&sb)
		}
	}
	return sb.String()
}

// String implements fmt.Stringer.
func (v Value) String() string { return v.Encode() }

// Canonical returns the value as it reads back after encoding. Degenerate
// shapes collapse, i.e. a single element list becomes Single.
func (v Value) Canonical() Value {
	return Decode(v.Encode())
}

// Equal reports whether both values have the same shape and elements.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind || len(v.items) != len(o.items) {
		return false
	}
	for i := range v.items {
		if !v.items[i].equal(o.items[i]) {
			return false
		}
	}
	return true
}

// --------------------------------------------------------------------

// Decode infers the shape of a cell and parses it.
func Decode(cell string) Value {
	hasOpen := strings.IndexByte(cell, '[') > -1
	if hasOpen && hasTopLevelComma(cell) {
		var items []Item
		depth, start := 0, 0
		for i := 0; i < len(cell); i++ {
			switch cell[i] {
			case '[':
				depth++
			case ']':
				if depth > 0 {
					depth--
				}
			case ',':
				if depth == 0 {
					items = append(items, parseItem(cell[start:i]))
					start = i + 1
				}
			}
		}
		items = append(items, parseItem(cell[start:]))
		return Value{kind: KindModifiedList, items: items}
	}

	if hasOpen && strings.IndexByte(cell, ']') > -1 {
		return Value{kind: KindModified, items: []Item{parseItem(cell)}}
	}

	if strings.IndexByte(cell, ',') > -1 {
		return List(strings.Split(cell, ",")...)
	}
	return Single(cell)
}

func hasTopLevelComma(s string) bool {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				return true
			}
		}
	}
	return false
}

// parseItem splits a trailing [modifiers] suffix off s.
func parseItem(s string) Item {
	if len(s) == 0 || s[len(s)-1] != ']' {
		return Item{Text: s}
	}
	i := strings.IndexByte(s, '[')
	if i < 0 {
		return Item{Text: s}
	}

	it := Item{Text: s[:i]}
	if mods := s[i+1 : len(s)-1]; mods != "" {
		it.Modifiers = strings.Split(mods, ",")
	}
	return it
}
