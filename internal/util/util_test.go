package util

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNowISOFormat(t *testing.T) {
	ts := NowISO()
	assert.Regexp(t, regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}Z$`), ts)
}

func TestSHA256Text(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		SHA256Text(""))
	assert.NotEqual(t, SHA256Text("a"), SHA256Text("b"))
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	s, err := CanonicalJSON(map[string]interface{}{"b": 1, "a": map[string]interface{}{"z": 1, "y": 2}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"y":2,"z":1},"b":1}`, s)
}

func TestStableHashDeterministic(t *testing.T) {
	h1, err := StableHash(map[string]interface{}{"x": 1, "y": 2})
	require.NoError(t, err)
	h2, err := StableHash(map[string]interface{}{"y": 2, "x": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 16)
}

func TestSafeReadTextTruncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.txt")
	require.NoError(t, os.WriteFile(path, []byte("abcdefghij"), 0o644))

	got, err := SafeReadText(path, 4)
	require.NoError(t, err)
	assert.Equal(t, "abcd\n[TRUNCATED]", got)

	got, err = SafeReadText(path, 100)
	require.NoError(t, err)
	assert.Equal(t, "abcdefghij", got)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abcdef", 3))
	assert.Equal(t, "abcdef", Truncate("abcdef", 10))
	assert.Equal(t, "abcdef", Truncate("abcdef", 0))
}
