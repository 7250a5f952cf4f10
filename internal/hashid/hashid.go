// Package hashid implements the deterministic URL -> local table name
// mapping used throughout the mediator (spec component A). It is pure and
// performs no I/O: given the same url and secret it always returns the
// same table name, on any machine.
package hashid

import (
	"encoding/hex"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// TableName derives the stable local PostGIS table name for url, keyed by
// secret (process-wide configuration shared by every mediator instance
// that must agree on table names). Two lanes of xxhash64 over disjoint
// salts combine into a 128-bit digest, rendered as 32 lowercase hex
// characters, collision-resistance-grade for this purpose.
//
// A table name must begin with a letter to be a legal, unquoted SQL
// identifier. Raw hex digests are lowercase alphanumeric already; when the
// leading nibble happens to be a digit, the first alphabetic hex digit
// ('a'-'f') found later in the digest is swapped into position 0. This
// keeps the mapping a pure function of (url, secret): the swap position is
// itself determined by the digest, not by any external state.
func TableName(url, secret string) string {
	digest := digest128(url, secret)
	return ensureLeadingLetter(digest)
}

func digest128(url, secret string) string {
	lane0 := xxhash.New()
	lane1 := xxhash.New()

	// Distinct salts give the two lanes independent output even though
	// they hash the same (url, secret) pair.
	_, _ = lane0.WriteString("md-table-lane0:")
	_, _ = lane0.WriteString(url)
	_, _ = lane0.WriteString("\x00")
	_, _ = lane0.WriteString(secret)

	_, _ = lane1.WriteString("md-table-lane1:")
	_, _ = lane1.WriteString(secret)
	_, _ = lane1.WriteString("\x00")
	_, _ = lane1.WriteString(url)

	var buf [16]byte
	hi := lane0.Sum64()
	lo := lane1.Sum64()
	for i := 0; i < 8; i++ {
		buf[i] = byte(hi >> (8 * (7 - i)))
		buf[8+i] = byte(lo >> (8 * (7 - i)))
	}
	return hex.EncodeToString(buf[:])
}

func ensureLeadingLetter(digest string) string {
	if digest[0] >= 'a' && digest[0] <= 'f' {
		return digest
	}
	for i := 1; i < len(digest); i++ {
		if digest[i] >= 'a' && digest[i] <= 'f' {
			b := []byte(digest)
			b[0], b[i] = b[i], b[0]
			return string(b)
		}
	}
	// A 32-hex-digit digest with no a-f at all is astronomically
	// unlikely; fall back to prefixing rather than panicking.
	return "t" + strings.TrimSuffix(digest, digest[len(digest)-1:])
}
