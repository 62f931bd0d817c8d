package rbks

import (
	"sort"
	"strings"
)

// Modifiers holds the categorised modifiers of a key.
type Modifiers struct {
	Language    string
	Environment string
	Season      string
	Variant     string
	Custom      []string
}

// Len returns the number of modifiers.
func (m Modifiers) Len() int {
	n := len(m.Custom)
	for _, s := range []string{m.Language, m.Environment, m.Season, m.Variant} {
		if s != "" {
			n++
		}
	}
	return n
}

// canonical returns the modifiers in canonical order.
func (m Modifiers) canonical() []string {
	tokens := make([]string, 0, m.Len())
	for _, s := range []string{m.Language, m.Environment, m.Season, m.Variant} {
		if s != "" {
			tokens = append(tokens, s)
		}
	}

	custom := append([]string(nil), m.Custom...)
	sort.Strings(custom)
	for i, s := range custom {
		if i == 0 || s != custom[i-1] {
			tokens = append(tokens, s)
		}
	}
	return tokens
}

// ParsedKey is a validated structured key.
type ParsedKey struct {
	Base      string
	Modifiers Modifiers
}

// Segments returns the dotted path segments of the base.
func (k *ParsedKey) Segments() []string {
	return strings.Split(k.Base, ".")
}

// Depth returns the number of base segments.
func (k *ParsedKey) Depth() int {
	return strings.Count(k.Base, ".") + 1
}

// String renders the key in canonical form.
func (k *ParsedKey) String() string {
	if k.Modifiers.Len() == 0 {
		return k.Base
	}
	return k.Base + "<" + strings.Join(k.Modifiers.canonical(), ",") + ">"
}

// Parse validates key and returns its base and categorised modifiers.
// Custom modifiers are kept in the order they appear.
func Parse(key string) (*ParsedKey, error) {
	base, mods, pos, err := split(key)
	if err != nil {
		return nil, err
	}
	if err := validateBase(key, base); err != nil {
		return nil, err
	}

	pk := &ParsedKey{Base: base}
	if pos < 0 {
		return pk, nil
	}

	m := &pk.Modifiers
	if _, err := scanModifiers(key, mods, pos, func(token string, cat Category) {
		switch cat {
		case Language:
			m.Language = token
		case Environment:
			m.Environment = token
		case Season:
			m.Season = token
		case Variant:
			m.Variant = token
		default:
			m.Custom = append(m.Custom, token)
		}
	}); err != nil {
		return nil, err
	}
	return pk, nil
}

// Normalize lower-cases key, trims blanks around segments and modifiers,
// re-orders modifiers into canonical category order and de-duplicates
// custom modifiers. The result is a valid key.
func Normalize(key string) (string, error) {
	key = strings.ToLower(strings.TrimSpace(key))

	var sb strings.Builder
	sb.Grow(len(key))

	base, rest := key, ""
	if i := strings.IndexByte(key, '<'); i > -1 {
		base, rest = key[:i], key[i:]
	}
	for i, seg := range strings.Split(base, ".") {
		if i > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(strings.TrimSpace(seg))
	}

	if strings.HasPrefix(rest, "<") && strings.HasSuffix(rest, ">") && len(rest) > 2 {
		sb.WriteByte('<')
		for i, tok := range strings.Split(rest[1:len(rest)-1], ",") {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strings.TrimSpace(tok))
		}
		sb.WriteByte('>')
	} else {
		sb.WriteString(rest)
	}

	pk, err := Parse(sb.String())
	if err != nil {
		return "", err
	}
	return pk.String(), nil
}
