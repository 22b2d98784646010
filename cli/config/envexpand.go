// Package config handles YAML config file loading for skiff and skiff-releases.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
)

// envRef matches ${VAR}, ${VAR:-default} and ${VAR:?message}.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?:(:-|:\?)([^}]*))?\}`)

// ExpandEnv substitutes environment references in a config file.
//
//	${VAR}           value of VAR, or "" if unset
//	${VAR:-default}  value of VAR, or default if unset or empty
//	${VAR:?message}  value of VAR; unset or empty is an error
//
// Every missing required variable is reported, not just the first.
func ExpandEnv(input string) (string, error) {
	var missing []error
	out := envRef.ReplaceAllStringFunc(input, func(ref string) string {
		m := envRef.FindStringSubmatch(ref)
		name, op, arg := m[1], m[2], m[3]
		if value := os.Getenv(name); value != "" {
			return value
		}
		switch op {
		case ":-":
			return arg
		case ":?":
			if arg == "" {
				arg = "is required"
			}
			missing = append(missing, fmt.Errorf("${%s}: %s", name, arg))
		}
		return ""
	})
	return out, errors.Join(missing...)
}
