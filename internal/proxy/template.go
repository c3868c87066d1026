package proxy

import (
	"fmt"
	"regexp"
)

// templateVarPattern matches placeholders like {variable_name} in template strings.
var templateVarPattern = regexp.MustCompile(`\{([a-zA-Z0-9_-]{1,64})\}`)

// ResolveTemplate replaces all {placeholder} occurrences in tmpl with values
// from the variables map. Returns an error naming the first placeholder with
// no matching variable.
func ResolveTemplate(tmpl string, variables map[string]string) (string, error) {
	var missing string
	result := templateVarPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := match[1 : len(match)-1]
		val, ok := variables[name]
		if !ok {
			if missing == "" {
				missing = name
			}
			return match
		}
		return val
	})
	if missing != "" {
		return "", fmt.Errorf("template variable %q is not defined", missing)
	}
	return result, nil
}
