package config

import (
	"os"
	"regexp"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv substitutes ${VAR} references with process environment values.
// Unset variables expand to the empty string.
func ExpandEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

// ExpandEnvMap expands every value of a string map in place.
func ExpandEnvMap(m map[string]string) {
	for k, v := range m {
		m[k] = ExpandEnv(v)
	}
}
