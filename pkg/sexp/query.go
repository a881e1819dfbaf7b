package sexp

import (
	"fmt"
	"strconv"
	"time"
)

// Items returns the elements of a list, or nil for an atom.
func Items(s Sexp) []Sexp {
	if l, ok := s.(*List); ok {
		return l.elements
	}
	return nil
}

// Key returns the leading symbol of a list such as (target "x"), or "" if
// the list is empty or starts with another list.
func Key(s Sexp) string {
	items := Items(s)
	if len(items) == 0 {
		return ""
	}
	if sym, ok := items[0].(Symbol); ok {
		return string(sym)
	}
	return ""
}

// FindNode searches the direct children of s for a list starting with key.
// Example: FindNode(project, "target") finds (target "thumbv7m-none-eabi")
func FindNode(s Sexp, key string) (Sexp, bool) {
	for _, item := range Items(s) {
		if item != nil && !item.IsLeaf() && Key(item) == key {
			return item, true
		}
	}
	return nil, false
}

// FindAllNodes finds all child lists starting with key
func FindAllNodes(s Sexp, key string) []Sexp {
	var results []Sexp
	for _, item := range Items(s) {
		if item != nil && !item.IsLeaf() && Key(item) == key {
			results = append(results, item)
		}
	}
	return results
}

// GetListItems returns all items in a list (excluding the first symbol/key)
func GetListItems(s Sexp) []Sexp {
	items := Items(s)
	if len(items) <= 1 {
		return nil
	}
	return items[1:]
}

// GetString extracts the atom at the given index in a list.
// Index 0 is the key, 1 is first value, etc.
func GetString(s Sexp, index int) (string, error) {
	if s == nil || s.IsLeaf() {
		return "", fmt.Errorf("expected list, got leaf")
	}

	items := Items(s)
	if index < 0 || index >= len(items) {
		return "", fmt.Errorf("(%s): index %d out of bounds (length %d)", Key(s), index, len(items))
	}

	if sym, ok := items[index].(Symbol); ok {
		return string(sym), nil
	}

	return "", fmt.Errorf("(%s): expected atom at index %d, got list", Key(s), index)
}

// GetInt extracts an integer (decimal or 0x hex) at the given index
func GetInt(s Sexp, index int) (int64, error) {
	str, err := GetString(s, index)
	if err != nil {
		return 0, err
	}

	val, err := strconv.ParseInt(str, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("(%s): failed to parse int %q: %w", Key(s), str, err)
	}
	return val, nil
}

// GetBool accepts yes/no, true/false and on/off.
func GetBool(s Sexp, index int) (bool, error) {
	str, err := GetString(s, index)
	if err != nil {
		return false, err
	}
	switch str {
	case "yes", "true", "on":
		return true, nil
	case "no", "false", "off":
		return false, nil
	}
	return false, fmt.Errorf("(%s): expected yes or no, got %q", Key(s), str)
}

// GetDuration parses a Go duration such as "5s" or "250ms".
func GetDuration(s Sexp, index int) (time.Duration, error) {
	str, err := GetString(s, index)
	if err != nil {
		return 0, err
	}
	d, err := time.ParseDuration(str)
	if err != nil {
		return 0, fmt.Errorf("(%s): %w", Key(s), err)
	}
	return d, nil
}
