// Package contracts normalizes and validates the JSON documents the
// language model must produce: plan_json_v1, xiaobo_action_v1, and
// xiaojing_review_v1. Normalization is a fixed table of tolerated aliases
// and wrapper shapes; validation is strict. Normalization never invents
// scores or verdicts.
package contracts

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Contract identifies which schema a call's output must satisfy.
type Contract string

const (
	ContractPlanGen    Contract = "PLAN_GEN"    // plan_json_v1
	ContractPlanReview Contract = "PLAN_REVIEW" // xiaojing_review_v1 over a plan
	ContractTaskAction Contract = "TASK_ACTION" // xiaobo_action_v1
	ContractTaskCheck  Contract = "TASK_CHECK"  // xiaojing_review_v1 over an artifact
)

// Schema version strings.
const (
	SchemaPlan   = "plan_json_v1"
	SchemaAction = "xiaobo_action_v1"
	SchemaReview = "xiaojing_review_v1"
)

// ContractError is a structured validation failure, precise enough for a
// retry note back to the model.
type ContractError struct {
	ErrorCode     string `json:"error_code"`
	Schema        string `json:"schema"`
	SchemaVersion string `json:"schema_version"`
	JSONPath      string `json:"json_path"`
	Expected      string `json:"expected"`
	Actual        string `json:"actual"`
	ExampleFix    string `json:"example_fix"`
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("%s at %s: expected %s, got %s", e.ErrorCode, e.JSONPath, e.Expected, e.Actual)
}

// Short renders a compact single-line form for retry notes and logs.
func (e *ContractError) Short() string {
	var b strings.Builder
	b.WriteString(e.ErrorCode)
	if e.JSONPath != "" {
		b.WriteString(" @ " + e.JSONPath)
	}
	if e.Expected != "" {
		b.WriteString(" expected=" + e.Expected)
	}
	if e.Actual != "" {
		b.WriteString(" actual=" + e.Actual)
	}
	if e.ExampleFix != "" {
		b.WriteString(" fix=" + e.ExampleFix)
	}
	return b.String()
}

func contractErr(code, schema, path, expected, actual, fix string) *ContractError {
	return &ContractError{
		ErrorCode:  code,
		Schema:     schema,
		JSONPath:   path,
		Expected:   expected,
		Actual:     actual,
		ExampleFix: fix,
	}
}

// asMap returns v as an object, or nil.
func asMap(v interface{}) map[string]interface{} {
	m, _ := v.(map[string]interface{})
	return m
}

// asSlice returns v as an array, or nil.
func asSlice(v interface{}) []interface{} {
	s, _ := v.([]interface{})
	return s
}

// asString returns a trimmed string form of scalar v, or "".
func asString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strings.TrimSpace(fmt.Sprintf("%g", t))
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}

// asNumber returns v as a float64 when it is numeric or a numeric string.
func asNumber(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(t), "%g", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}

// renameKey moves m[from] to m[to] when to is absent.
func renameKey(m map[string]interface{}, from, to string) {
	if v, ok := m[from]; ok {
		if _, has := m[to]; !has {
			m[to] = v
		}
		delete(m, from)
	}
}

// unwrap peels one level of a known wrapper key when the outer object
// lacks markerKey and the inner value is an object.
func unwrap(m map[string]interface{}, markerKey string, wrappers ...string) map[string]interface{} {
	if _, has := m[markerKey]; has {
		return m
	}
	for _, w := range wrappers {
		if inner := asMap(m[w]); inner != nil {
			return inner
		}
	}
	return m
}

// NormalizeAndValidate runs the registered normalizer then validator for
// the contract. On failure the partially-normalized document is still
// returned for telemetry.
func NormalizeAndValidate(contract Contract, raw map[string]interface{}, passScore int) (map[string]interface{}, *ContractError) {
	switch contract {
	case ContractPlanGen:
		norm := NormalizePlanDoc(raw)
		if cerr := ValidatePlanDoc(norm); cerr != nil {
			return norm, cerr
		}
		return norm, nil
	case ContractTaskAction:
		norm := NormalizeAction(raw)
		if cerr := ValidateAction(norm); cerr != nil {
			return norm, cerr
		}
		return norm, nil
	case ContractPlanReview, ContractTaskCheck:
		norm := NormalizeReview(raw, passScore)
		if cerr := ValidateReview(norm, passScore); cerr != nil {
			return norm, cerr
		}
		return norm, nil
	default:
		return raw, contractErr("UNKNOWN_CONTRACT", string(contract), "$", "known contract", string(contract), "")
	}
}

// MarshalNormalized renders a normalized document for storage.
func MarshalNormalized(m map[string]interface{}) string {
	if m == nil {
		return ""
	}
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(data)
}
