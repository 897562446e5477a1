// Package hashing implements the engine's deterministic fingerprints (§3.2,
// §4.3): species_hash and genus_hash must be identical across processes
// given the same inputs and config. Every function here is pure.
package hashing

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"golang.org/x/crypto/blake2b"

	hex "github.com/tmthrgd/go-hex"
)

const hashLen = 16

// SortedJSON serializes v with map keys sorted and floats coerced to
// canonical decimal strings, per §4.3. It is the single normalization path
// both hash functions build on.
func SortedJSON(v any) ([]byte, error) {
	normalized := normalize(v)
	// json.Marshal already sorts map[string]any keys lexicographically.
	return json.Marshal(normalized)
}

// normalize walks v, converting maps to map[string]any (so encoding/json's
// built-in key sorting applies), coercing float64 values to canonical
// decimal strings, and leaving everything else as-is.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out[k] = normalize(t[k])
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case float64:
		return canonicalDecimal(t)
	case float32:
		return canonicalDecimal(float64(t))
	default:
		return v
	}
}

func canonicalDecimal(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// sha256Hex16 hashes data with SHA-256 and returns the first 16 hex chars.
func sha256Hex16(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:hashLen]
}

// SpeciesHashInputLLM is the canonical input to SpeciesHash for LLM cells
// (§3.2): {instructions, input_data, candidates, rules, output_schema, wards}.
// model is deliberately excluded to enable cross-model comparison.
type SpeciesHashInputLLM struct {
	Instructions any `json:"instructions"`
	InputData    any `json:"input_data"`
	Candidates   any `json:"candidates"`
	Rules        any `json:"rules"`
	OutputSchema any `json:"output_schema"`
	Wards        any `json:"wards"`
}

// SpeciesHashInputDeterministic is the canonical input for deterministic
// cells: {tool, inputs, input_data, rules}.
type SpeciesHashInputDeterministic struct {
	Tool      any `json:"tool"`
	Inputs    any `json:"inputs"`
	InputData any `json:"input_data"`
	Rules     any `json:"rules"`
}

// SpeciesHashLLM computes the cell-level species_hash for an LLM cell.
func SpeciesHashLLM(in SpeciesHashInputLLM) (string, error) {
	return hashValue(in)
}

// SpeciesHashDeterministic computes the cell-level species_hash for a
// deterministic cell.
func SpeciesHashDeterministic(in SpeciesHashInputDeterministic) (string, error) {
	return hashValue(in)
}

// GenusHashInput is the canonical input to GenusHash (§3.2):
// {cascade_id, cells: [{name, type, tool?}], input_fingerprint, input_data}.
type GenusHashInput struct {
	CascadeID        string          `json:"cascade_id"`
	Cells            []GenusHashCell `json:"cells"`
	InputFingerprint map[string]any  `json:"input_fingerprint"`
	InputData        any             `json:"input_data"`
}

type GenusHashCell struct {
	Name string `json:"name"`
	Type string `json:"type"` // "llm" | "deterministic"
	Tool string `json:"tool,omitempty"`
}

// GenusHash computes the cascade-level genus_hash.
func GenusHash(in GenusHashInput) (string, error) {
	return hashValue(in)
}

func hashValue(v any) (string, error) {
	// Round-trip through a generic any via JSON so struct field values
	// become map[string]any and benefit from the same normalize() path as
	// hand-built maps (e.g. a caller-supplied input_data map[string]any).
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("hashing: marshal: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("hashing: unmarshal: %w", err)
	}
	canonical, err := SortedJSON(generic)
	if err != nil {
		return "", fmt.Errorf("hashing: sorted json: %w", err)
	}
	return sha256Hex16(canonical), nil
}

// ContentHash fingerprints free-form content (log row deduplication, not a
// determinism-critical identity hash) using blake2b for speed on large
// payloads.
func ContentHash(content string) string {
	sum := blake2b.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:hashLen]
}

// SizeBucket buckets a character/element count per §3.2.
func SizeBucket(n int) string {
	switch {
	case n < 500:
		return "tiny"
	case n < 2000:
		return "small"
	case n < 6000:
		return "medium"
	case n < 20000:
		return "large"
	default:
		return "huge"
	}
}

// InputFingerprint builds the bucketed structural summary named in §3.2:
// for each top-level key, {type, size_bucket}; values are discarded.
func InputFingerprint(input map[string]any) map[string]any {
	fp := make(map[string]any, len(input))
	for k, v := range input {
		fp[k] = map[string]any{
			"type":        typeName(v),
			"size_bucket": SizeBucket(sizeOf(v)),
		}
	}
	return fp
}

func typeName(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case float64, int, int64, float32:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	case nil:
		return "null"
	default:
		return "unknown"
	}
}

func sizeOf(v any) int {
	switch t := v.(type) {
	case string:
		return len(t)
	case []any:
		return len(t)
	case map[string]any:
		raw, err := json.Marshal(t)
		if err != nil {
			return 0
		}
		return len(raw)
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return 0
		}
		return len(raw)
	}
}
