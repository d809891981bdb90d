package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSONSortsKeys(t *testing.T) {
	canonical, err := CanonicalJSON(map[string]any{
		"zulu":  1,
		"alpha": map[string]any{"nested": true, "also": "yes"},
		"mike":  []any{3, 2, 1},
	})
	require.NoError(t, err)

	assert.Equal(t,
		`{"alpha":{"also":"yes","nested":true},"mike":[3,2,1],"zulu":1}`,
		string(canonical))
}

func TestCanonicalJSONHasNoWhitespace(t *testing.T) {
	canonical, err := CanonicalJSON(map[string]Item{
		"TEMP": {Type: TypeNumeric, Units: "degC"},
	})
	require.NoError(t, err)
	assert.NotContains(t, string(canonical), " ")
	assert.NotContains(t, string(canonical), "\n")
}

func TestCanonicalJSONPreservesIntegers(t *testing.T) {
	canonical, err := CanonicalJSON(map[string]any{
		"big": int64(9007199254740993),
	})
	require.NoError(t, err)
	assert.Equal(t, `{"big":9007199254740993}`, string(canonical))
}

func TestHashItemsIsOrderIndependent(t *testing.T) {
	// Equivalent mappings built in different insertion orders hash the
	// same way.
	a := map[string]Item{}
	a["TEMP"] = Item{Type: TypeNumeric}
	a["MODE"] = Item{Type: TypeEnumerated, Enumerators: map[string]string{"0": "Off", "1": "On"}}

	b := map[string]Item{}
	b["MODE"] = Item{Type: TypeEnumerated, Enumerators: map[string]string{"1": "On", "0": "Off"}}
	b["TEMP"] = Item{Type: TypeNumeric}

	hashA, err := HashItems(a)
	require.NoError(t, err)
	hashB, err := HashItems(b)
	require.NoError(t, err)

	assert.Equal(t, hashA, hashB)
	assert.Len(t, hashA, 32)
}

func TestHashItemsEmptyMapping(t *testing.T) {
	hash, err := HashItems(map[string]Item{})
	require.NoError(t, err)
	assert.Len(t, hash, 32)
}
