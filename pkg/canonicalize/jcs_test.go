package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCSSortsKeys(t *testing.T) {
	out, err := JCS(map[string]any{"b": 2, "a": 1, "c": 3})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":3}`, string(out))
}

func TestJCSStableAcrossEquivalentInputs(t *testing.T) {
	first, err := JCS(map[string]any{"x": []any{1, 2}, "y": "z"})
	require.NoError(t, err)
	second, err := JCS(map[string]any{"y": "z", "x": []any{1, 2}})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestHashDeterministic(t *testing.T) {
	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	h1, err := Hash(payload{Name: "alpha", Count: 3})
	require.NoError(t, err)
	h2, err := Hash(payload{Name: "alpha", Count: 3})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)

	h3, err := Hash(payload{Name: "alpha", Count: 4})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestHashRejectsUnmarshalable(t *testing.T) {
	_, err := Hash(map[string]any{"fn": func() {}})
	require.Error(t, err)
}

func TestHashBytes(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		HashBytes(nil))
}
