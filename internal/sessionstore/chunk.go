package sessionstore

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zulandar/signalbox/internal/models"
)

const (
	// DefaultChunkSize is the maximum base64 characters stored per chunk row.
	DefaultChunkSize = 512 * 1024
	// DefaultBatchSize is the number of chunk rows inserted per request.
	DefaultBatchSize = 10
)

// Checksum returns the hex SHA-256 digest of the raw blob.
func Checksum(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// SplitEncoded splits base64 text into pieces of at most size characters.
// Every boundary is moved back to a multiple of 4 so each piece is a valid
// base64 substring on its own.
func SplitEncoded(encoded string, size int) []string {
	size -= size % 4
	if size <= 0 {
		size = 4
	}
	if encoded == "" {
		return []string{""}
	}
	var parts []string
	for len(encoded) > 0 {
		n := size
		if n > len(encoded) {
			n = len(encoded)
		}
		parts = append(parts, encoded[:n])
		encoded = encoded[n:]
	}
	return parts
}

// buildChunks encodes raw and returns the chunk rows and encoded length.
func buildChunks(sessionID string, raw []byte, size int) ([]models.SessionChunk, int) {
	encoded := base64.StdEncoding.EncodeToString(raw)
	parts := SplitEncoded(encoded, size)
	chunks := make([]models.SessionChunk, len(parts))
	for i, p := range parts {
		chunks[i] = models.SessionChunk{
			SessionID:   sessionID,
			ChunkIndex:  i,
			ChunkData:   p,
			TotalChunks: len(parts),
		}
	}
	return chunks, len(encoded)
}

// assemble orders chunks by index into a single base64 string. Rows may
// arrive in any order. Indices outside 0..count-1 and duplicates are dropped;
// missing indices are reported and skipped so the checksum catches them.
func assemble(chunks []models.SessionChunk, count int) (string, []int) {
	slots := make([]*string, count)
	for i := range chunks {
		c := &chunks[i]
		if c.ChunkIndex < 0 || c.ChunkIndex >= count || slots[c.ChunkIndex] != nil {
			continue
		}
		slots[c.ChunkIndex] = &c.ChunkData
	}
	var b strings.Builder
	var missing []int
	for i, s := range slots {
		if s == nil {
			missing = append(missing, i)
			continue
		}
		b.WriteString(*s)
	}
	return b.String(), missing
}

// decodeAndVerify decodes the reassembled text and checks it against sum.
func decodeAndVerify(encoded, sum string) ([]byte, error) {
	raw, err := base64.StdEncoding.Strict().DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if got := Checksum(raw); got != sum {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrChecksumMismatch, got, sum)
	}
	return raw, nil
}
