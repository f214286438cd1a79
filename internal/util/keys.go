package util

import (
	"unicode"
	"unicode/utf8"
)

// MaxKeyLen matches the object-key limit of S3-compatible stores.
const MaxKeyLen = 1024

// ValidKey reports whether key can name a storage object: non-empty,
// at most MaxKeyLen bytes, valid UTF-8 and free of control characters.
func ValidKey(key string) bool {
	if key == "" || len(key) > MaxKeyLen || !utf8.ValidString(key) {
		return false
	}
	for _, r := range key {
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// SplitKeys removes duplicates (first occurrence wins) and separates
// invalid keys from valid ones. The input is not modified.
func SplitKeys(keys []string) (valid, invalid []string) {
	seen := make(map[string]struct{}, len(keys))
	valid = make([]string, 0, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if ValidKey(k) {
			valid = append(valid, k)
		} else {
			invalid = append(invalid, k)
		}
	}
	return valid, invalid
}
