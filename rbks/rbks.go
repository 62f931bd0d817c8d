package rbks

import (
	"errors"
	"fmt"
)

// Depth limits of the dotted key path.
const (
	MinDepth = 2
	MaxDepth = 8
)

// Validation failures. Every error returned by this package is a *KeyError
// wrapping exactly one of these.
var (
	ErrDepth              = errors.New("rbks: depth out of range")
	ErrUppercase          = errors.New("rbks: uppercase character")
	ErrEmptySegment       = errors.New("rbks: empty segment")
	ErrInvalidChar        = errors.New("rbks: invalid character")
	ErrDuplicateCategory  = errors.New("rbks: duplicate modifier category")
	ErrMalformedModifiers = errors.New("rbks: malformed modifier block")
)

// KeyError describes why a key was rejected.
type KeyError struct {
	Key    string
	Pos    int // byte offset of the offending token
	Reason string
	Err    error
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("%s in %q at %d: %s", e.Err.Error(), e.Key, e.Pos, e.Reason)
}

// Unwrap returns the sentinel error.
func (e *KeyError) Unwrap() error { return e.Err }

func keyError(key string, pos int, err error, reason string) error {
	return &KeyError{Key: key, Pos: pos, Reason: reason, Err: err}
}

// --------------------------------------------------------------------

// Category is the closed vocabulary a modifier belongs to.
type Category uint8

// Modifier categories, in canonical order.
const (
	Language Category = iota
	Environment
	Season
	Variant
	Custom
)

func (c Category) String() string {
	switch c {
	case Language:
		return "language"
	case Environment:
		return "environment"
	case Season:
		return "season"
	case Variant:
		return "variant"
	default:
		return "custom"
	}
}

// KnownLanguages contains all ISO 639-1 language codes.
var KnownLanguages = newVocabulary(
	"aa", "ab", "ae", "af", "ak", "am", "an", "ar", "as", "av", "ay", "az",
	"ba", "be", "bg", "bh", "bi", "bm", "bn", "bo", "br", "bs",
	"ca", "ce", "ch", "co", "cr", "cs", "cu", "cv", "cy",
	"da", "de", "dv", "dz",
	"ee", "el", "en", "eo", "es", "et", "eu",
	"fa", "ff", "fi", "fj", "fo", "fr", "fy",
	"ga", "gd", "gl", "gn", "gu", "gv",
	"ha", "he", "hi", "ho", "hr", "ht", "hu", "hy", "hz",
	"ia", "id", "ie", "ig", "ii", "ik", "io", "is", "it", "iu",
	"ja", "jv",
	"ka", "kg", "ki", "kj", "kk", "kl", "km", "kn", "ko", "kr", "ks", "ku", "kv", "kw", "ky",
	"la", "lb", "lg", "li", "ln", "lo", "lt", "lu", "lv",
	"mg", "mh", "mi", "mk", "ml", "mn", "mr", "ms", "mt", "my",
	"na", "nb", "nd", "ne", "ng", "nl", "nn", "no", "nr", "nv", "ny",
	"oc", "oj", "om", "or", "os",
	"pa", "pi", "pl", "ps", "pt",
	"qu",
	"rm", "rn", "ro", "ru", "rw",
	"sa", "sc", "sd", "se", "sg", "si", "sk", "sl", "sm", "sn", "so", "sq", "sr", "ss", "st", "su", "sv", "sw",
	"ta", "te", "tg", "th", "ti", "tk", "tl", "tn", "to", "tr", "ts", "tt", "tw", "ty",
	"ug", "uk", "ur", "uz",
	"ve", "vi", "vo",
	"wa", "wo",
	"xh",
	"yi", "yo",
	"za", "zh", "zu",
)

// KnownEnvironments contains deployment environments.
var KnownEnvironments = newVocabulary("dev", "prod", "staging", "test")

// KnownSeasons contains seasonal modifiers.
var KnownSeasons = newVocabulary("christmas", "easter", "summer", "winter", "autumn", "spring")

// KnownVariants contains device variants.
var KnownVariants = newVocabulary("mobile", "desktop", "tablet")

// Vocabulary is a closed set of modifier tokens.
type Vocabulary map[string]struct{}

func newVocabulary(tokens ...string) Vocabulary {
	v := make(Vocabulary, len(tokens))
	for _, t := range tokens {
		v[t] = struct{}{}
	}
	return v
}

// Contains returns true if token is part of the vocabulary.
func (v Vocabulary) Contains(token string) bool {
	_, ok := v[token]
	return ok
}

// Classify returns the category of a modifier token.
func Classify(token string) Category {
	switch {
	case KnownLanguages.Contains(token):
		return Language
	case KnownEnvironments.Contains(token):
		return Environment
	case KnownSeasons.Contains(token):
		return Season
	case KnownVariants.Contains(token):
		return Variant
	default:
		return Custom
	}
}
