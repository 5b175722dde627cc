package env

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

var logFatalf = log.Fatalf

func HasEnv(name string) bool {
	_, ok := os.LookupEnv(name)
	return ok
}

func RequiredStringVariable(name string) string {
	if !HasEnv(name) {
		logFatalf("Environment variable (%s) is required but does not exist.", name)
	}
	return os.Getenv(name)
}

// optional parses the variable with parse, or returns defaultValue when the
// variable is unset. A malformed value is fatal.
func optional[T any](name string, defaultValue T, kind string, parse func(string) (T, error)) T {
	if !HasEnv(name) {
		return defaultValue
	}
	value, err := parse(strings.TrimSpace(os.Getenv(name)))
	if err != nil {
		logFatalf("Environment variable (%s) is not a valid %s.", name, kind)
		return defaultValue
	}
	return value
}

func OptionalStringVariable(name string, defaultValue string) string {
	return optional(name, defaultValue, "string", func(s string) (string, error) {
		return os.Getenv(name), nil
	})
}

func OptionalIntVariable(name string, defaultValue int) int {
	return optional(name, defaultValue, "int", strconv.Atoi)
}

func OptionalBoolVariable(name string, defaultValue bool) bool {
	return optional(name, defaultValue, "bool", strconv.ParseBool)
}

func OptionalFloatVariable(name string, defaultValue float64) float64 {
	return optional(name, defaultValue, "float", func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	})
}

// OptionalDurationVariable accepts Go durations ("1m30s") or a bare number of
// milliseconds ("1500").
func OptionalDurationVariable(name string, defaultValue time.Duration) time.Duration {
	return optional(name, defaultValue, "duration", parseDuration)
}

// OptionalListVariable splits a comma-separated value, dropping empty items.
func OptionalListVariable(name string, defaultValue []string) []string {
	return optional(name, defaultValue, "list", func(s string) ([]string, error) {
		var items []string
		for _, item := range strings.Split(s, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		return items, nil
	})
}

func parseDuration(s string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}
