package toon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uniformRows(n int) []any {
	rows := make([]any, n)
	for i := range rows {
		rows[i] = map[string]any{"id": float64(i), "name": "item"}
	}
	return rows
}

func TestEncode_FallsBackToJSONBelowMinRows(t *testing.T) {
	v := uniformRows(MinRows - 1)
	out, isTOON := Encode(v)
	assert.False(t, isTOON)
	assert.Contains(t, out, `"id"`)
}

func TestEncode_UsesTOONAtMinRows(t *testing.T) {
	v := uniformRows(MinRows)
	out, isTOON := Encode(v)
	assert.True(t, isTOON)
	assert.Contains(t, out, "[5]{id,name}:")
}

func TestEncode_NonUniformFallsBackToJSON(t *testing.T) {
	v := []any{
		map[string]any{"id": float64(1), "name": "a"},
		map[string]any{"id": float64(2)},
	}
	_, isTOON := Encode(v)
	assert.False(t, isTOON)
}

func TestEncode_ScalarEscaping(t *testing.T) {
	v := uniformRows(MinRows)
	v[0] = map[string]any{"id": float64(0), "name": "has,comma"}
	out, isTOON := Encode(v)
	require.True(t, isTOON)
	assert.Contains(t, out, `"has,comma"`)
}

func TestDecode_RoundTripsTOON(t *testing.T) {
	v := uniformRows(MinRows)
	encoded, isTOON := Encode(v)
	require.True(t, isTOON)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	rows, ok := decoded.([]map[string]any)
	require.True(t, ok)
	require.Len(t, rows, MinRows)
	assert.Equal(t, float64(0), rows[0]["id"])
	assert.Equal(t, "item", rows[0]["name"])
}

func TestDecode_FallsBackToJSON(t *testing.T) {
	decoded, err := Decode(`{"a":1}`)
	require.NoError(t, err)
	m, ok := decoded.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), m["a"])
}

func TestDecode_RoundTripsQuotedComma(t *testing.T) {
	v := uniformRows(MinRows)
	v[2] = map[string]any{"id": float64(2), "name": "a,b"}
	encoded, isTOON := Encode(v)
	require.True(t, isTOON)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	rows := decoded.([]map[string]any)
	assert.Equal(t, "a,b", rows[2]["name"])
}

func TestSizes_ReportsSavings(t *testing.T) {
	v := uniformRows(20)
	jsonSize, toonSize, savingsPct := Sizes(v)
	assert.Greater(t, jsonSize, toonSize)
	assert.Greater(t, savingsPct, float64(0))
}

func TestSizes_NeverNegativeSavings(t *testing.T) {
	v := uniformRows(MinRows - 1)
	_, _, savingsPct := Sizes(v)
	assert.Equal(t, float64(0), savingsPct)
}
