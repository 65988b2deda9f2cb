// Package util carries small helpers shared across the engine: canonical
// timestamps, hashing, and bounded file reads.
package util

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"
)

// NowISO returns the current UTC time in ISO-8601 with seconds precision.
// All timestamps persisted by the engine use this format.
func NowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05Z")
}

// FormatISO renders a time in the engine's canonical timestamp format.
func FormatISO(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// SHA256File returns the hex digest of a file's contents.
func SHA256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SHA256Bytes returns the hex digest of a byte slice.
func SHA256Bytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SHA256Text returns the hex digest of a string.
func SHA256Text(text string) string {
	return SHA256Bytes([]byte(text))
}

// CanonicalJSON marshals a value with sorted keys and no extra whitespace,
// suitable for stable hashing.
func CanonicalJSON(v interface{}) (string, error) {
	normalized, err := normalize(v)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(normalized)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// normalize round-trips through map/slice form so map keys marshal sorted.
func normalize(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return sortKeys(out), nil
}

func sortKeys(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]interface{}, len(t))
		for _, k := range keys {
			out[k] = sortKeys(t[k])
		}
		return out
	case []interface{}:
		for i := range t {
			t[i] = sortKeys(t[i])
		}
		return t
	default:
		return v
	}
}

// StableHash returns a short stable hash of canonical JSON, used for
// runtime context fingerprints.
func StableHash(v interface{}) (string, error) {
	s, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return SHA256Text(s)[:16], nil
}

// SafeReadText reads at most maxChars characters from a file, appending a
// truncation marker when the content was cut.
func SafeReadText(path string, maxChars int) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	runes := []rune(string(data))
	if maxChars > 0 && len(runes) > maxChars {
		return string(runes[:maxChars]) + "\n[TRUNCATED]", nil
	}
	return string(runes), nil
}

// Truncate clips a string to max characters.
func Truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
