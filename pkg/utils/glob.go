package utils

import "strings"

// ExtractPrefixFromGlob returns the literal prefix of a glob pattern up to
// the first metacharacter (*, ?, [) or the first `**` segment, splitting
// on "/". Callers use this to minimize the listing a glob has
// to scan before filtering with fnmatch/doublestar.
func ExtractPrefixFromGlob(pattern string) string {
	segments := strings.Split(pattern, "/")
	var literal []string
	for _, seg := range segments {
		if seg == "**" || strings.ContainsAny(seg, "*?[") {
			break
		}
		literal = append(literal, seg)
	}
	if len(literal) == 0 {
		return ""
	}
	prefix := strings.Join(literal, "/")
	// A pattern with no metacharacters at all is returned unchanged; a
	// prefix cut short by a metacharacter segment ends at that segment's
	// directory boundary.
	if len(literal) < len(segments) {
		prefix += "/"
	}
	return prefix
}
