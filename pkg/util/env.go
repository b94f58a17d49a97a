package util

import (
	"os"
	"strings"
)

// GetEnvOrDefault returns the value of env, or def when it is unset or empty.
func GetEnvOrDefault(env, def string) string {
	if val := os.Getenv(env); val != "" {
		return val
	}
	return def
}

// GetEnvList splits a comma separated variable, dropping blank items.
// It returns def when nothing is left.
func GetEnvList(env string, def ...string) []string {
	var out []string
	for item := range strings.SplitSeq(os.Getenv(env), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
