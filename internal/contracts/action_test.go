package contracts

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, s string) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(s), &m))
	return m
}

func TestNormalizeActionCanonicalPassesThrough(t *testing.T) {
	doc, cerr := NormalizeAndValidate(ContractTaskAction, parse(t, `{
		"schema_version": "xiaobo_action_v1",
		"result_type": "ARTIFACT",
		"artifact": {"name": "report.md", "format": "md", "content": "# Report"}
	}`), 0)
	require.Nil(t, cerr)
	assert.Equal(t, "ARTIFACT", doc["result_type"])
}

func TestNormalizeActionUnwrapsResultWrapper(t *testing.T) {
	doc, cerr := NormalizeAndValidate(ContractTaskAction, parse(t, `{
		"result": {
			"result_type": "artifact",
			"artifact": {"filename": "out.md", "body": "hello"}
		}
	}`), 0)
	require.Nil(t, cerr)
	assert.Equal(t, "ARTIFACT", doc["result_type"])
	art := doc["artifact"].(map[string]interface{})
	assert.Equal(t, "out.md", art["name"])
	assert.Equal(t, "hello", art["content"])
	// format inferred from the filename extension
	assert.Equal(t, "md", art["format"])
}

func TestNormalizeActionInlineArtifactFields(t *testing.T) {
	doc, cerr := NormalizeAndValidate(ContractTaskAction, parse(t, `{
		"result_type": "ARTIFACT",
		"name": "page.html",
		"content": "<html></html>"
	}`), 0)
	require.Nil(t, cerr)
	art := doc["artifact"].(map[string]interface{})
	assert.Equal(t, "page.html", art["name"])
	assert.Equal(t, "html", art["format"])
}

func TestNormalizeActionSynthesizesRequiredDocs(t *testing.T) {
	doc, cerr := NormalizeAndValidate(ContractTaskAction, parse(t, `{
		"result_type": "NEEDS_INPUT",
		"missing_inputs": ["product spec", "brand guide"]
	}`), 0)
	require.Nil(t, cerr)
	docs := doc["required_docs"].([]interface{})
	require.Len(t, docs, 2)
	first := docs[0].(map[string]interface{})
	assert.Equal(t, "product spec", first["name"])
}

func TestNormalizeActionStringRequiredDocs(t *testing.T) {
	doc, cerr := NormalizeAndValidate(ContractTaskAction, parse(t, `{
		"result_type": "NEEDS_INPUT",
		"required_docs": ["design mockups"]
	}`), 0)
	require.Nil(t, cerr)
	docs := doc["required_docs"].([]interface{})
	require.Len(t, docs, 1)
	assert.Equal(t, "design mockups", docs[0].(map[string]interface{})["name"])
}

func TestValidateActionRejectsWrongSchemaVersion(t *testing.T) {
	// A non-empty wrong schema_version is never coerced.
	_, cerr := NormalizeAndValidate(ContractTaskAction, parse(t, `{
		"schema_version": "xiaobo_action_v2",
		"result_type": "NOOP"
	}`), 0)
	require.NotNil(t, cerr)
	assert.Equal(t, "SCHEMA_VERSION_MISMATCH", cerr.ErrorCode)
	assert.Equal(t, "$.schema_version", cerr.JSONPath)
}

func TestValidateActionRejectsBadFormat(t *testing.T) {
	_, cerr := NormalizeAndValidate(ContractTaskAction, parse(t, `{
		"result_type": "ARTIFACT",
		"artifact": {"name": "prog.exe", "format": "exe", "content": "x"}
	}`), 0)
	require.NotNil(t, cerr)
	assert.Equal(t, "INVALID_ARTIFACT_FORMAT", cerr.ErrorCode)
}

func TestValidateActionRejectsEmptyContent(t *testing.T) {
	_, cerr := NormalizeAndValidate(ContractTaskAction, parse(t, `{
		"result_type": "ARTIFACT",
		"artifact": {"name": "out.md", "format": "md", "content": ""}
	}`), 0)
	require.NotNil(t, cerr)
	assert.Equal(t, "MISSING_ARTIFACT_CONTENT", cerr.ErrorCode)
}

func TestValidateActionRejectsUnknownResultType(t *testing.T) {
	_, cerr := NormalizeAndValidate(ContractTaskAction, parse(t, `{
		"result_type": "SHRUG"
	}`), 0)
	require.NotNil(t, cerr)
	assert.Equal(t, "INVALID_RESULT_TYPE", cerr.ErrorCode)
}

func TestValidateActionErrorNeedsMessage(t *testing.T) {
	_, cerr := NormalizeAndValidate(ContractTaskAction, parse(t, `{
		"result_type": "ERROR"
	}`), 0)
	require.NotNil(t, cerr)
	assert.Equal(t, "MISSING_ERROR_MESSAGE", cerr.ErrorCode)

	doc, cerr := NormalizeAndValidate(ContractTaskAction, parse(t, `{
		"result_type": "ERROR", "message": "cannot proceed"
	}`), 0)
	require.Nil(t, cerr)
	assert.Equal(t, "cannot proceed", doc["message"])
}

func TestContractErrorShort(t *testing.T) {
	cerr := &ContractError{
		ErrorCode: "INVALID_RESULT_TYPE",
		JSONPath:  "$.result_type",
		Expected:  "ARTIFACT|NEEDS_INPUT|NOOP|ERROR",
		Actual:    "SHRUG",
	}
	s := cerr.Short()
	assert.Contains(t, s, "INVALID_RESULT_TYPE")
	assert.Contains(t, s, "$.result_type")
	assert.Contains(t, s, "SHRUG")
}
