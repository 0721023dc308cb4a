package shared

import (
	"fmt"
	"os"
	"strconv"
)

// Version is stamped into log output by binaries embedding the library.
const Version = "0.1.0"

func GetenvString(s string) (string, error) { return s, nil }

func GetenvInt(s string) (int, error) { return strconv.Atoi(s) }

func GetenvBool(s string) (bool, error) { return strconv.ParseBool(s) }

// Getenv reads and parses one environment variable. A missing variable is
// an error when required, the fallback otherwise.
func Getenv[T any](parse func(string) (T, error), key string, required bool, fallback T) (T, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		if required {
			var zero T
			return zero, fmt.Errorf("required environment variable %s is not set", key)
		}
		return fallback, nil
	}
	v, err := parse(raw)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("parsing environment variable %s: %w", key, err)
	}
	return v, nil
}

// MustGetenv is Getenv for values the caller cannot proceed without.
func MustGetenv[T any](parse func(string) (T, error), key string, required bool, fallback T) T {
	v, err := Getenv(parse, key, required, fallback)
	if err != nil {
		panic(err)
	}
	return v
}
