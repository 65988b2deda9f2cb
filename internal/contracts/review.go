package contracts

import (
	"fmt"
	"strings"
)

var priorityAliases = map[string]string{
	"H": "HIGH", "HI": "HIGH", "HIGH": "HIGH", "URGENT": "HIGH", "CRITICAL": "HIGH",
	"M": "MEDIUM", "MED": "MEDIUM", "MEDIUM": "MEDIUM", "NORMAL": "MEDIUM",
	"L": "LOW", "LO": "LOW", "LOW": "LOW", "MINOR": "LOW",
}

// NormalizeReview maps tolerated reviewer output shapes onto the
// canonical xiaojing_review_v1 document. A non-empty wrong schema_version
// is preserved so validation rejects it; scores are never invented.
func NormalizeReview(raw map[string]interface{}, passScore int) map[string]interface{} {
	if raw == nil {
		return nil
	}
	doc := unwrap(raw, "total_score", "review_result", "result", "data", "review")

	out := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		out[k] = v
	}

	if sv := asString(out["schema_version"]); sv == "" {
		out["schema_version"] = SchemaReview
	}

	renameKey(out, "score", "total_score")
	renameKey(out, "total", "total_score")
	if n, ok := asNumber(out["total_score"]); ok {
		out["total_score"] = n
	}

	// Aliases fix shape only. The verdict itself is the reviewer's
	// decision and is never rewritten from the score.
	renameKey(out, "action", "action_required")
	renameKey(out, "verdict", "action_required")
	if ar := asString(out["action_required"]); ar != "" {
		ar = strings.ToUpper(strings.TrimSpace(ar))
		switch ar {
		case "APPROVED", "PASS", "ACCEPT":
			ar = "APPROVE"
		case "REJECT", "REVISE", "CHANGES_REQUESTED":
			ar = "MODIFY"
		case "REQUEST_INPUT", "NEEDS_EXTERNAL_INPUT":
			ar = "REQUEST_EXTERNAL_INPUT"
		}
		out["action_required"] = ar
	}

	normalizeBreakdown(out)
	normalizeSuggestions(out)
	return out
}

func normalizeBreakdown(out map[string]interface{}) {
	if bd := asSlice(out["breakdown"]); bd != nil {
		for _, item := range bd {
			m := asMap(item)
			if m == nil {
				continue
			}
			renameKey(m, "dim", "dimension")
			renameKey(m, "category", "dimension")
			if n, ok := asNumber(m["score"]); ok {
				m["score"] = n
			}
			if _, has := m["issues"]; !has {
				m["issues"] = []interface{}{}
			}
		}
		return
	}

	// dimension_scores: {"clarity": 80, ...} becomes a breakdown list.
	if ds := asMap(out["dimension_scores"]); ds != nil {
		bd := make([]interface{}, 0, len(ds))
		for dim, v := range ds {
			score, ok := asNumber(v)
			if !ok {
				continue
			}
			bd = append(bd, map[string]interface{}{
				"dimension": dim, "score": score, "issues": []interface{}{},
			})
		}
		if len(bd) > 0 {
			out["breakdown"] = bd
			delete(out, "dimension_scores")
			return
		}
	}

	if score, ok := asNumber(out["total_score"]); ok {
		out["breakdown"] = []interface{}{map[string]interface{}{
			"dimension": "overall", "score": score, "issues": []interface{}{},
		}}
	}
}

func normalizeSuggestions(out map[string]interface{}) {
	raw := asSlice(out["suggestions"])
	if raw == nil {
		out["suggestions"] = []interface{}{}
		return
	}
	normalized := make([]interface{}, 0, len(raw))
	for _, item := range raw {
		if m := asMap(item); m != nil {
			renameKey(m, "text", "suggestion")
			renameKey(m, "message", "suggestion")
			p := strings.ToUpper(asString(m["priority"]))
			if canon, ok := priorityAliases[p]; ok {
				m["priority"] = canon
			} else {
				m["priority"] = "MEDIUM"
			}
			normalized = append(normalized, m)
		} else if s := asString(item); s != "" {
			normalized = append(normalized, map[string]interface{}{
				"priority": "MEDIUM", "suggestion": s,
			})
		}
	}
	out["suggestions"] = normalized
}

// ValidateReview checks the canonical reviewer output.
func ValidateReview(doc map[string]interface{}, passScore int) *ContractError {
	if doc == nil {
		return contractErr("LLM_UNPARSEABLE", SchemaReview, "$", "JSON object", "null", "")
	}
	if sv := asString(doc["schema_version"]); sv != SchemaReview {
		return &ContractError{
			ErrorCode: "SCHEMA_VERSION_MISMATCH", Schema: SchemaReview,
			SchemaVersion: sv, JSONPath: "$.schema_version",
			Expected: SchemaReview, Actual: sv,
			ExampleFix: fmt.Sprintf(`"schema_version": %q`, SchemaReview),
		}
	}
	score, ok := asNumber(doc["total_score"])
	if !ok {
		return contractErr("MISSING_TOTAL_SCORE", SchemaReview, "$.total_score",
			"number 0..100", "absent", `"total_score": 85`)
	}
	if score < 0 || score > 100 {
		return contractErr("SCORE_OUT_OF_RANGE", SchemaReview, "$.total_score",
			"0..100", fmt.Sprintf("%g", score), `"total_score": 85`)
	}
	ar := asString(doc["action_required"])
	if ar != "APPROVE" && ar != "MODIFY" && ar != "REQUEST_EXTERNAL_INPUT" {
		return contractErr("INVALID_ACTION_REQUIRED", SchemaReview, "$.action_required",
			"APPROVE|MODIFY|REQUEST_EXTERNAL_INPUT", ar, `"action_required": "MODIFY"`)
	}
	bd := asSlice(doc["breakdown"])
	if len(bd) == 0 {
		return contractErr("MISSING_BREAKDOWN", SchemaReview, "$.breakdown",
			"non-empty array", "empty",
			`"breakdown": [{"dimension":"overall","score":85,"issues":[]}]`)
	}
	for i, item := range bd {
		m := asMap(item)
		if m == nil {
			return contractErr("INVALID_BREAKDOWN_ITEM", SchemaReview,
				fmt.Sprintf("$.breakdown[%d]", i), "object", "malformed", "")
		}
		if asString(m["dimension"]) == "" {
			return contractErr("INVALID_BREAKDOWN_ITEM", SchemaReview,
				fmt.Sprintf("$.breakdown[%d].dimension", i), "non-empty string", "empty", "")
		}
		if s, ok := asNumber(m["score"]); !ok || s < 0 || s > 100 {
			return contractErr("INVALID_BREAKDOWN_ITEM", SchemaReview,
				fmt.Sprintf("$.breakdown[%d].score", i), "number 0..100",
				asString(m["score"]), "")
		}
	}
	for i, item := range asSlice(doc["suggestions"]) {
		m := asMap(item)
		if m == nil || asString(m["suggestion"]) == "" {
			return contractErr("INVALID_SUGGESTION", SchemaReview,
				fmt.Sprintf("$.suggestions[%d]", i),
				`object with "suggestion"`, "malformed",
				`{"priority":"HIGH","suggestion":"..."}`)
		}
	}
	return nil
}
