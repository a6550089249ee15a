package utils

import (
	"errors"
	"strings"
)

// ErrPathNotFound is returned by Lookup when a segment of a dotted path is absent
// or traverses a value that is not a map.
var ErrPathNotFound = errors.New("path not found")

// Lookup resolves a dotted path ("details.geo.country") against a tree of nested
// maps. Missing segments return ErrPathNotFound; a present key holding nil is a
// found nil value.
func Lookup(tree map[string]any, path string) (any, error) {
	if tree == nil || path == "" {
		return nil, ErrPathNotFound
	}
	// exact keys win so callers can store flattened names with dots
	if v, ok := tree[path]; ok {
		return v, nil
	}
	var cur any = tree
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, ErrPathNotFound
			}
			cur = v
		case map[string]string:
			v, ok := node[seg]
			if !ok {
				return nil, ErrPathNotFound
			}
			cur = v
		default:
			return nil, ErrPathNotFound
		}
	}
	return cur, nil
}
