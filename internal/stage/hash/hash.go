// Package hash implements the Hasher stage: a fixed 32-byte cryptographic
// digest over the exact bytes handed out by the Compressor. The digest
// domain never varies with encryption state — it is computed before any
// encryption happens, which is what lets dedup survive encryption.
package hash

import (
	"crypto/sha256"

	"github.com/saworbit/space/internal/types"
)

// Sum computes the content hash of data.
func Sum(data []byte) types.ContentHash {
	return sha256.Sum256(data)
}
