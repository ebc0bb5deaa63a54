// Package identity derives the stable keys the caches are built on: a
// content checksum for uploaded documents and a normalized form of free-text
// entity names.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// Checksum returns the hex-encoded SHA-256 digest of everything readable
// from r. Two uploads with identical bytes always map to the same checksum,
// which is what makes the resource cache content-addressed.
func Checksum(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, fmt.Errorf("hash content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// ChecksumBytes hashes an in-memory buffer.
func ChecksumBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NormalizedName carries both forms of an entity name: Display is what we
// show back to users, Key is what cache equality is decided on.
type NormalizedName struct {
	Display string
	Key     string
}

// NormalizeName canonicalizes a free-text entity name. A "Last, First" input
// is recognized by its separating comma and rewritten to "First Last"; the
// lookup key is the trimmed, space-collapsed, lower-cased display form, so
// "Doe, Jane" and "jane  doe" resolve to the same cache row.
func NormalizeName(raw string) NormalizedName {
	display := collapseSpaces(strings.TrimSpace(raw))
	if last, first, ok := strings.Cut(display, ","); ok {
		first = strings.TrimSpace(first)
		last = strings.TrimSpace(last)
		switch {
		case first == "":
			display = last
		case last == "":
			display = first
		default:
			display = first + " " + last
		}
	}
	return NormalizedName{
		Display: display,
		Key:     strings.ToLower(display),
	}
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
