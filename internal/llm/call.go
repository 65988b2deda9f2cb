package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/jiazeyu1987/AgentFolder/internal/logging"
)

// Error codes produced by JSON calls.
const (
	CodeRefusal     = "LLM_REFUSAL"
	CodeUnparseable = "LLM_UNPARSEABLE"
	CodeTimeout     = "LLM_TIMEOUT"
	CodeFailed      = "LLM_FAILED"
)

// CallResult is the outcome of one JSON-expecting call.
type CallResult struct {
	Raw        string
	Parsed     map[string]interface{}
	ErrCode    string
	ErrMessage string
}

// OK reports whether the call produced a parsed JSON object.
func (r CallResult) OK() bool {
	return r.ErrCode == "" && r.Parsed != nil
}

// Phrases that indicate the model declined rather than answered.
var refusalHints = []string{
	"i cannot", "i can't", "i won't", "i am unable", "i'm unable",
	"as an ai", "cannot assist", "cannot help with", "refuse",
	"against my guidelines", "i must decline",
}

// CallJSON runs a completion and extracts exactly one JSON object from
// the response. Failures come back as error codes, never as Go errors,
// so the caller can map them through the standard outcome table.
func CallJSON(ctx context.Context, client Client, systemPrompt, userPrompt string) CallResult {
	var raw string
	var err error
	if systemPrompt != "" {
		raw, err = client.CompleteWithSystem(ctx, systemPrompt, userPrompt)
	} else {
		raw, err = client.Complete(ctx, userPrompt)
	}
	if err != nil {
		code := CodeFailed
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			code = CodeTimeout
		}
		logging.Get(logging.CategoryLLM).Warn("call failed: %v", err)
		return CallResult{Raw: raw, ErrCode: code, ErrMessage: err.Error()}
	}

	obj, ok := ExtractJSONObject(raw)
	if !ok {
		if LooksLikeRefusal(raw) {
			return CallResult{Raw: raw, ErrCode: CodeRefusal, ErrMessage: firstLine(raw)}
		}
		return CallResult{Raw: raw, ErrCode: CodeUnparseable, ErrMessage: "no JSON object in response"}
	}
	return CallResult{Raw: raw, Parsed: obj}
}

// ExtractJSONObject pulls the outermost {...} span out of model text and
// parses it. Markdown fences and prose around the object are tolerated.
func ExtractJSONObject(text string) (map[string]interface{}, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, false
	}
	candidate := text[start : end+1]
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(candidate), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// LooksLikeRefusal checks for decline phrasing in a response that carried
// no JSON.
func LooksLikeRefusal(text string) bool {
	lower := strings.ToLower(text)
	for _, hint := range refusalHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
