package rbks

// Validate checks key against the structured key rules. It does not allocate
// on success.
func Validate(key string) error {
	base, mods, pos, err := split(key)
	if err != nil {
		return err
	}
	if err := validateBase(key, base); err != nil {
		return err
	}
	if pos < 0 {
		return nil
	}
	_, err = scanModifiers(key, mods, pos, nil)
	return err
}

// split isolates the dotted base from the modifier block. pos is the offset
// of the block contents within key, or -1 if there is no block.
func split(key string) (base, mods string, pos int, err error) {
	open := -1
	for i := 0; i < len(key); i++ {
		switch key[i] {
		case '<':
			if open > -1 {
				return "", "", -1, keyError(key, i, ErrMalformedModifiers, "nested '<'")
			}
			open = i
		case '>':
			if open < 0 {
				return "", "", -1, keyError(key, i, ErrMalformedModifiers, "unexpected '>'")
			}
			if i != len(key)-1 {
				return "", "", -1, keyError(key, i, ErrMalformedModifiers, "trailing characters after '>'")
			}
		}
	}

	if open < 0 {
		return key, "", -1, nil
	}
	if key[len(key)-1] != '>' {
		return "", "", -1, keyError(key, open, ErrMalformedModifiers, "unterminated modifier block")
	}
	if open+1 == len(key)-1 {
		return "", "", -1, keyError(key, open, ErrMalformedModifiers, "empty modifier block")
	}
	return key[:open], key[open+1 : len(key)-1], open + 1, nil
}

func validateBase(key, base string) error {
	depth, start := 0, 0
	for i := 0; i <= len(base); i++ {
		if i < len(base) && base[i] != '.' {
			if err := checkChar(key, i, base[i]); err != nil {
				return err
			}
			continue
		}
		if i == start {
			return keyError(key, i, ErrEmptySegment, "empty segment")
		}
		depth++
		start = i + 1
	}

	if depth < MinDepth || depth > MaxDepth {
		return keyError(key, 0, ErrDepth, "depth must be between 2 and 8")
	}
	return nil
}

// scanModifiers walks the comma separated modifier tokens, rejecting a
// second token of the same closed category. fn, if given, is called for each
// classified token.
func scanModifiers(key, mods string, offset int, fn func(string, Category)) (int, error) {
	var seen uint8
	n, start := 0, 0
	for i := 0; i <= len(mods); i++ {
		if i < len(mods) && mods[i] != ',' {
			if err := checkChar(key, offset+i, mods[i]); err != nil {
				return n, err
			}
			continue
		}
		if i == start {
			return n, keyError(key, offset+i, ErrMalformedModifiers, "empty modifier")
		}

		token := mods[start:i]
		cat := Classify(token)
		if cat != Custom {
			bit := uint8(1) << cat
			if seen&bit != 0 {
				return n, keyError(key, offset+start, ErrDuplicateCategory, "second "+cat.String()+" modifier")
			}
			seen |= bit
		}
		if fn != nil {
			fn(token, cat)
		}
		n++
		start = i + 1
	}
	return n, nil
}

func checkChar(key string, pos int, c byte) error {
	switch {
	case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_', c == '-':
		return nil
	case c >= 'A' && c <= 'Z':
		return keyError(key, pos, ErrUppercase, "keys must be lowercase")
	default:
		return keyError(key, pos, ErrInvalidChar, "character not allowed")
	}
}
