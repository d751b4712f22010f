// Package hash provides content hashing for the engine.
//
// All digests are cryptographic (sha256): cache keys must be collision-free
// and integrity baselines must not be forgeable with a convenience hash.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/bytedance/sonic"
)

// Content computes the sha256 hex digest of raw bytes.
func Content(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ContentString computes the sha256 hex digest of a string.
func ContentString(s string) string {
	return Content([]byte(s))
}

// JSON computes a deterministic digest of a JSON-serializable value.
func JSON(v interface{}) (string, error) {
	data, err := sonic.ConfigStd.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return Content(data), nil
}

// Fields computes a digest from multiple fields. Fields are sorted and joined
// with a delimiter so the digest is independent of argument order.
func Fields(fields ...string) string {
	sorted := make([]string, len(fields))
	copy(sorted, fields)
	sort.Strings(sorted)

	return ContentString(strings.Join(sorted, "|"))
}

// Short returns an 8-character prefix of a full digest for display.
func Short(full string) string {
	if len(full) < 8 {
		return full
	}
	return full[:8]
}
