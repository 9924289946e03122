package flow

import (
	"os"
	"regexp"
	"strings"

	"github.com/aofdev/aof/expr"
)

var varPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_.]+)\}`)

// Expand replaces ${key} and ${node.output} references with flow variables,
// then falls back to process environment variables for all-uppercase names.
// Unresolvable references are left intact.
func Expand(s string, vars map[string]any) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		if v, ok := expr.Lookup(vars, name); ok {
			return expr.Render(v)
		}
		if isUpperName(name) {
			if env, ok := os.LookupEnv(name); ok {
				return env
			}
		}
		return match
	})
}

func isUpperName(name string) bool {
	if strings.Contains(name, ".") {
		return false
	}
	return name == strings.ToUpper(name)
}
