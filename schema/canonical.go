package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// canonicalize reduces a JSON schema document to its canonical structural
// form: object keys sorted, insignificant whitespace removed. Two schemas
// that differ only in key order or formatting canonicalize identically and
// therefore share one cache entry.
func canonicalize(schema []byte) ([]byte, error) {
	var doc any
	if err := json.Unmarshal(schema, &doc); err != nil {
		return nil, fmt.Errorf("schema is not valid JSON: %w", err)
	}
	// encoding/json sorts map keys on marshal, which gives us the sorted,
	// whitespace-free form in one pass.
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("canonicalize schema: %w", err)
	}
	return out, nil
}

// cacheKey hashes the canonical form into a fixed-size key.
func cacheKey(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
