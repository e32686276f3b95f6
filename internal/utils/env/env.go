package env

import (
	"os"
	"strconv"
	"time"
)

// Lookup returns the first of keys that is set and parses, or def.
func Lookup[T any](def T, parse func(string) (T, error), keys ...string) T {
	for _, key := range keys {
		val, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		if v, err := parse(val); err == nil {
			return v
		}
	}
	return def
}

func StringEnv(def string, keys ...string) string {
	return Lookup(def, func(s string) (string, error) { return s, nil }, keys...)
}

func BoolEnv(def bool, keys ...string) bool {
	return Lookup(def, strconv.ParseBool, keys...)
}

func DurationEnv(def time.Duration, keys ...string) time.Duration {
	return Lookup(def, time.ParseDuration, keys...)
}
