package utils

import "fmt"

// MergeConflict records an attempted overwrite MergeDictionariesNoOverwrite
// refused: the dotted key path and the two conflicting values.
type MergeConflict struct {
	KeyPath string
	ValueA  interface{}
	ValueB  interface{}
}

// MergeDictionariesNoOverwrite deep-merges b into a, recursing into nested
// maps but refusing to overwrite any scalar/slice value already present in
// a; every refused overwrite is collected as a MergeConflict rather than
// silently applied.
func MergeDictionariesNoOverwrite(a, b map[string]interface{}) (map[string]interface{}, []MergeConflict) {
	merged, conflicts := mergeInto(a, b, "")
	return merged, conflicts
}

func mergeInto(a, b map[string]interface{}, prefix string) (map[string]interface{}, []MergeConflict) {
	out := make(map[string]interface{}, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}

	var conflicts []MergeConflict
	for k, bv := range b {
		keyPath := k
		if prefix != "" {
			keyPath = prefix + "." + k
		}
		av, exists := out[k]
		if !exists {
			out[k] = bv
			continue
		}
		aMap, aIsMap := av.(map[string]interface{})
		bMap, bIsMap := bv.(map[string]interface{})
		if aIsMap && bIsMap {
			nested, nestedConflicts := mergeInto(aMap, bMap, keyPath)
			out[k] = nested
			conflicts = append(conflicts, nestedConflicts...)
			continue
		}
		if fmt.Sprintf("%v", av) == fmt.Sprintf("%v", bv) {
			continue // identical values aren't a conflict
		}
		conflicts = append(conflicts, MergeConflict{KeyPath: keyPath, ValueA: av, ValueB: bv})
	}
	return out, conflicts
}
