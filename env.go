package reedbase

import (
	"strings"

	"github.com/pkg/errors"
)

// DefaultEnv is the fallback environment bucket.
const DefaultEnv = "DEFAULT"

const envSep = '@'

// SplitEnv splits a row key into its base and upper-cased environment
// bucket. Keys without a suffix belong to DefaultEnv.
//
//	PAGE_HEADER_TITLE@de  => PAGE_HEADER_TITLE, DE
//	PAGE_HEADER_TITLE     => PAGE_HEADER_TITLE, DEFAULT
func SplitEnv(key string) (base, env string, err error) {
	base, env = key, DefaultEnv
	if i := strings.LastIndexByte(key, envSep); i > -1 {
		base = key[:i]
		if env, err = normEnv(key[i+1:]); err != nil {
			return "", "", err
		}
	}
	if base == "" {
		return "", "", errors.Wrapf(ErrInvalidKey, "empty base in %q", key)
	}
	return base, env, nil
}

// EnvKey joins base and env into the canonical lookup key. An empty env
// selects DefaultEnv.
func EnvKey(base, env string) string {
	if env == "" {
		env = DefaultEnv
	}
	return base + string(envSep) + strings.ToUpper(env)
}

// rowKey renders the key cell stored in a table row. Default rows carry no
// suffix.
func rowKey(base, env string) string {
	if env == DefaultEnv {
		return base
	}
	return base + string(envSep) + env
}

func normEnv(env string) (string, error) {
	if env == "" {
		return "", errors.Wrap(ErrInvalidKey, "empty environment")
	}
	for i := 0; i < len(env); i++ {
		switch c := env[i]; {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return "", errors.Wrapf(ErrInvalidKey, "invalid character %q in environment %q", c, env)
		}
	}
	return strings.ToUpper(env), nil
}
