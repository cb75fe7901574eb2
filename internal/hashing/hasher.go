// Package hashing normalises and one-way hashes PII identifiers. Raw values
// never leave this package; everything downstream works with HashedID.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// HashedID is a 64-hex SHA-256 digest of a normalised identifier, or the empty
// string when the raw input was empty. The distinct type keeps raw PII from
// slipping into stores that expect hashes.
type HashedID string

func (h HashedID) String() string { return string(h) }

// IsZero reports whether no identifier was supplied.
func (h HashedID) IsZero() bool { return h == "" }

// Hash lowercases and trims the input before hashing. Empty input yields an
// empty HashedID, not the digest of the empty string.
func Hash(raw string) HashedID {
	normalised := strings.ToLower(strings.TrimSpace(raw))
	if normalised == "" {
		return ""
	}
	return digest(normalised)
}

// HashPhone strips every non-digit before hashing, so formatting and country
// separators do not split the same number across entries.
func HashPhone(raw string) HashedID {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return digest(b.String())
}

// HashEmail canonicalises the address to lowercase before hashing.
func HashEmail(raw string) HashedID {
	return Hash(raw)
}

func digest(s string) HashedID {
	sum := sha256.Sum256([]byte(s))
	return HashedID(hex.EncodeToString(sum[:]))
}
