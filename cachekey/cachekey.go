// Package cachekey derives the stable, filesystem-safe key used by both
// cache tiers from a source URL.
package cachekey

import (
	"crypto/md5" //nolint:gosec // collision resistance is not required, only uniform distribution
	"encoding/hex"
)

// Key returns the lowercase hexadecimal MD5 digest of the UTF-8 url. Two
// URLs that hash to the same key are treated as the same cached object.
func Key(url string) string {
	sum := md5.Sum([]byte(url)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}
