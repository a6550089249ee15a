package utils

import "strings"

// Match reports whether value matches pattern. Patterns may include:
//   - '*' which matches any sequence of characters (including none).
//   - '?' which matches exactly one character.
//
// Matching is case sensitive. A pattern without wildcards must equal the value.
func Match(value, pattern string) bool {
	if pattern == "*" || pattern == value {
		return true
	}
	if !strings.ContainsAny(pattern, "*?") {
		return false
	}
	return matchPattern(value, pattern)
}

// matchPattern walks value and pattern once, remembering the last '*' so a
// failed literal match can backtrack to consume one more character.
func matchPattern(value, pattern string) bool {
	vIndex, pIndex := 0, 0
	starIdx, matchIdx := -1, 0
	vLen, pLen := len(value), len(pattern)

	for vIndex < vLen {
		switch {
		case pIndex < pLen && (pattern[pIndex] == '?' || pattern[pIndex] == value[vIndex]):
			vIndex++
			pIndex++
		case pIndex < pLen && pattern[pIndex] == '*':
			starIdx = pIndex
			matchIdx = vIndex
			pIndex++
		case starIdx != -1:
			pIndex = starIdx + 1
			matchIdx++
			vIndex = matchIdx
		default:
			return false
		}
	}
	for pIndex < pLen && pattern[pIndex] == '*' {
		pIndex++
	}
	return pIndex == pLen
}

// SplitPermission splits "resource.action" at the last dot.
func SplitPermission(id string) (resource, action string, ok bool) {
	idx := strings.LastIndex(id, ".")
	if idx <= 0 || idx == len(id)-1 {
		return "", "", false
	}
	return id[:idx], id[idx+1:], true
}
