// Package idemkey derives idempotency keys and content hashes for write requests.
//
// A derived key has the form
//
//	{tenant}:{METHOD}:{routePattern}:{contentHash}
//
// where contentHash is the first 16 hex characters of SHA-256 over the canonical
// body. Collisions only matter inside one tenant and route, so 64 bits is enough.
package idemkey

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"

	"github.com/roach88/idem/internal/canon"
)

// HashLength is the number of hex characters kept from the SHA-256 digest.
const HashLength = 16

// ContentHash returns the truncated SHA-256 of already-canonical bytes.
func ContentHash(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:HashLength]
}

// HashValue canonicalises v and returns its content hash together with the
// canonical bytes, which callers store as the request snapshot.
func HashValue(v canon.Value) (hash string, canonical []byte) {
	canonical = canon.Canonical(v)
	return ContentHash(canonical), canonical
}

// Derive builds the automatic idempotency key.
// Separator characters and whitespace are stripped from the tenant so a tenant
// id can never forge another tenant's key prefix.
func Derive(tenantID, method, routePattern, contentHash string) string {
	return fmt.Sprintf("%s:%s:%s:%s",
		sanitizeTenant(tenantID),
		strings.ToUpper(method),
		routePattern,
		contentHash,
	)
}

func sanitizeTenant(tenantID string) string {
	return strings.Map(func(r rune) rune {
		if r == ':' || unicode.IsSpace(r) {
			return -1
		}
		return r
	}, tenantID)
}
