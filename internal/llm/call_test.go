package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name string
		text string
		ok   bool
	}{
		{"bare object", `{"a":1}`, true},
		{"markdown fence", "```json\n{\"a\":1}\n```", true},
		{"prose around", "Here you go:\n{\"a\":1}\nhope that helps", true},
		{"no braces", "just words", false},
		{"broken json", `{"a":`, false},
		{"array only", `[1,2,3]`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj, ok := ExtractJSONObject(tt.text)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, float64(1), obj["a"])
			}
		})
	}
}

func TestLooksLikeRefusal(t *testing.T) {
	assert.True(t, LooksLikeRefusal("I cannot assist with that request."))
	assert.True(t, LooksLikeRefusal("As an AI, I must decline."))
	assert.False(t, LooksLikeRefusal("The report is attached below."))
}

func TestCallJSONParsesObject(t *testing.T) {
	client := NewStubClient("```json\n{\"result_type\":\"NOOP\"}\n```")
	res := CallJSON(context.Background(), client, "", "do the thing")
	require.True(t, res.OK())
	assert.Equal(t, "NOOP", res.Parsed["result_type"])
}

func TestCallJSONRefusal(t *testing.T) {
	client := NewStubClient("I'm unable to help with that.")
	res := CallJSON(context.Background(), client, "", "p")
	assert.False(t, res.OK())
	assert.Equal(t, CodeRefusal, res.ErrCode)
}

func TestCallJSONUnparseable(t *testing.T) {
	client := NewStubClient("sure, here is the plan in prose form")
	res := CallJSON(context.Background(), client, "", "p")
	assert.Equal(t, CodeUnparseable, res.ErrCode)
}

func TestCallJSONTransportFailure(t *testing.T) {
	client := NewStubClient(`{"x":1}`)
	client.Fail(errors.New("boom"))
	res := CallJSON(context.Background(), client, "", "p")
	assert.Equal(t, CodeFailed, res.ErrCode)
	assert.Equal(t, "boom", res.ErrMessage)
}

func TestCallJSONTimeout(t *testing.T) {
	client := NewStubClient(`{"x":1}`)
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)
	res := CallJSON(ctx, client, "", "p")
	assert.Equal(t, CodeTimeout, res.ErrCode)
}

func TestStubClientSequencing(t *testing.T) {
	client := NewStubClient("one", "two")
	ctx := context.Background()
	r1, err := client.Complete(ctx, "a")
	require.NoError(t, err)
	r2, err := client.Complete(ctx, "b")
	require.NoError(t, err)
	// The last response repeats once the script runs out.
	r3, err := client.Complete(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "two"}, []string{r1, r2, r3})
	assert.Equal(t, 3, client.CallCount())
	assert.Equal(t, []string{"a", "b", "c"}, client.Prompts())
}

func TestCallJSONUsesSystemPrompt(t *testing.T) {
	client := NewStubClient(`{"ok":true}`)
	res := CallJSON(context.Background(), client, "system rules", "user ask")
	require.True(t, res.OK())
	prompts := client.Prompts()
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "system rules")
	assert.Contains(t, prompts[0], "user ask")
}
