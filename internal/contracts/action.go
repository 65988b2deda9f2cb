package contracts

import (
	"fmt"
	"strings"
)

// Allowed artifact formats.
var allowedFormats = map[string]bool{
	"md": true, "txt": true, "json": true, "html": true, "css": true, "js": true,
}

// Allowed executor result types.
var allowedResultTypes = map[string]bool{
	"ARTIFACT": true, "NEEDS_INPUT": true, "NOOP": true, "ERROR": true,
}

// NormalizeAction applies the tolerated-alias table to a raw executor
// output. The result may still fail validation; normalization only maps
// known synonym shapes onto the canonical one.
func NormalizeAction(raw map[string]interface{}) map[string]interface{} {
	if raw == nil {
		return nil
	}
	doc := unwrap(raw, "result_type", "action", "result", "output", "data", "payload", "response")

	out := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		out[k] = v
	}

	// schema_version: fill when absent, coerce obvious shorthand, leave
	// anything else for the validator to reject.
	switch sv := asString(out["schema_version"]); sv {
	case "":
		out["schema_version"] = SchemaAction
	case SchemaAction:
	case "xiaobo_action", "action_v1", "v1":
		out["schema_version"] = SchemaAction
	}

	renameKey(out, "type", "result_type")
	renameKey(out, "result", "result_type")
	if rt := asString(out["result_type"]); rt != "" {
		out["result_type"] = strings.ToUpper(rt)
	}

	switch asString(out["result_type"]) {
	case "ARTIFACT":
		normalizeArtifactPayload(out)
	case "NEEDS_INPUT":
		normalizeNeedsInput(out)
	}
	return out
}

func normalizeArtifactPayload(out map[string]interface{}) {
	art := asMap(out["artifact"])
	if art == nil {
		// Some outputs inline the artifact fields at the top level.
		inline := map[string]interface{}{}
		for _, k := range []string{"name", "filename", "format", "content", "body", "text"} {
			if v, ok := out[k]; ok {
				inline[k] = v
			}
		}
		if len(inline) > 0 {
			art = inline
			out["artifact"] = art
		} else {
			return
		}
	}
	renameKey(art, "filename", "name")
	renameKey(art, "body", "content")
	renameKey(art, "text", "content")
	if f := asString(art["format"]); f != "" {
		art["format"] = strings.ToLower(f)
	} else if name := asString(art["name"]); strings.Contains(name, ".") {
		parts := strings.Split(name, ".")
		art["format"] = strings.ToLower(parts[len(parts)-1])
	}
}

func normalizeNeedsInput(out map[string]interface{}) {
	if docs := asSlice(out["required_docs"]); docs != nil {
		normalized := make([]interface{}, 0, len(docs))
		for _, d := range docs {
			if m := asMap(d); m != nil {
				renameKey(m, "title", "name")
				renameKey(m, "desc", "description")
				normalized = append(normalized, m)
			} else if s := asString(d); s != "" {
				normalized = append(normalized, map[string]interface{}{
					"name": s, "description": s,
				})
			}
		}
		out["required_docs"] = normalized
		return
	}

	// Synthesize required_docs from the shapes models actually emit.
	var docs []interface{}
	for _, key := range []string{"missing_inputs", "required_context"} {
		for _, v := range asSlice(out[key]) {
			name := asString(v)
			if m := asMap(v); m != nil {
				name = asString(m["name"])
			}
			if name != "" {
				docs = append(docs, map[string]interface{}{
					"name": name, "description": name,
				})
			}
		}
	}
	if len(docs) == 0 {
		if reason := asString(out["reason"]); reason != "" {
			docs = append(docs, map[string]interface{}{
				"name": "missing_input", "description": reason,
			})
		}
	}
	if len(docs) > 0 {
		out["required_docs"] = docs
	}
}

// ValidateAction checks the canonical executor output shape.
func ValidateAction(doc map[string]interface{}) *ContractError {
	if doc == nil {
		return contractErr("LLM_UNPARSEABLE", SchemaAction, "$", "JSON object", "null", "")
	}
	if sv := asString(doc["schema_version"]); sv != SchemaAction {
		return &ContractError{
			ErrorCode: "SCHEMA_VERSION_MISMATCH", Schema: SchemaAction,
			SchemaVersion: sv, JSONPath: "$.schema_version",
			Expected: SchemaAction, Actual: sv,
			ExampleFix: fmt.Sprintf(`"schema_version": %q`, SchemaAction),
		}
	}
	rt := asString(doc["result_type"])
	if !allowedResultTypes[rt] {
		return contractErr("INVALID_RESULT_TYPE", SchemaAction, "$.result_type",
			"ARTIFACT|NEEDS_INPUT|NOOP|ERROR", rt, `"result_type": "ARTIFACT"`)
	}
	switch rt {
	case "ARTIFACT":
		art := asMap(doc["artifact"])
		if art == nil {
			return contractErr("MISSING_ARTIFACT", SchemaAction, "$.artifact",
				"object", "absent", `"artifact": {"name":"out.md","format":"md","content":"..."}`)
		}
		if asString(art["name"]) == "" {
			return contractErr("MISSING_ARTIFACT_NAME", SchemaAction, "$.artifact.name",
				"non-empty string", "empty", `"name": "out.md"`)
		}
		format := asString(art["format"])
		if !allowedFormats[format] {
			return contractErr("INVALID_ARTIFACT_FORMAT", SchemaAction, "$.artifact.format",
				"md|txt|json|html|css|js", format, `"format": "md"`)
		}
		if _, ok := art["content"]; !ok || asString(art["content"]) == "" {
			return contractErr("MISSING_ARTIFACT_CONTENT", SchemaAction, "$.artifact.content",
				"non-empty string", "empty", `"content": "..."`)
		}
	case "NEEDS_INPUT":
		docs := asSlice(doc["required_docs"])
		if len(docs) == 0 {
			return contractErr("MISSING_REQUIRED_DOCS", SchemaAction, "$.required_docs",
				"non-empty array", "empty", `"required_docs": [{"name":"spec","description":"..."}]`)
		}
		for i, d := range docs {
			m := asMap(d)
			if m == nil || asString(m["name"]) == "" {
				return contractErr("INVALID_REQUIRED_DOC", SchemaAction,
					fmt.Sprintf("$.required_docs[%d]", i),
					`object with "name"`, "malformed", `{"name":"spec","description":"..."}`)
			}
		}
	case "ERROR":
		if asString(doc["message"]) == "" && asString(doc["reason"]) == "" {
			return contractErr("MISSING_ERROR_MESSAGE", SchemaAction, "$.message",
				"non-empty string", "empty", `"message": "why it failed"`)
		}
	}
	return nil
}
