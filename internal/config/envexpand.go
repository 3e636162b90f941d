package config

import (
	"os"
	"regexp"

	"github.com/objectfs/objectfs/pkg/errors"
)

// envVarPattern matches both ${VAR} and bare $VAR forms.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// ExpandEnvVars recursively substitutes ${VAR}/$VAR references in every
// string value of a decoded config tree (maps, slices, and scalars),
// returning a new tree. An unresolved reference is a hard error.
func ExpandEnvVars(node interface{}) (interface{}, error) {
	switch v := node.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			expanded, err := ExpandEnvVars(val)
			if err != nil {
				return nil, err
			}
			out[k] = expanded
		}
		return out, nil
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			expanded, err := ExpandEnvVars(val)
			if err != nil {
				return nil, err
			}
			out[keyToString(k)] = expanded
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, val := range v {
			expanded, err := ExpandEnvVars(val)
			if err != nil {
				return nil, err
			}
			out[i] = expanded
		}
		return out, nil
	case string:
		return expandString(v)
	default:
		return v, nil
	}
}

func keyToString(k interface{}) string {
	if s, ok := k.(string); ok {
		return s
	}
	return ""
}

func expandString(s string) (string, error) {
	var missing []string
	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		name := sub[1]
		if name == "" {
			name = sub[2]
		}
		val, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
			return match
		}
		return val
	})
	if len(missing) > 0 {
		return "", errors.NewInvalidArgument("unresolved environment variable reference(s): %v", missing).WithComponent("config")
	}
	return result, nil
}
