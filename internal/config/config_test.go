package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "v1", cfg.WorkflowMode)
	assert.Equal(t, 90, cfg.PlanReviewPassScore)
	assert.Equal(t, 3, cfg.MaxTaskAttempts)
	assert.Equal(t, 3*time.Second, cfg.PollInterval())
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "runtime_config.json"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runtime_config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"workflow_mode": "v2",
		"plan_review_pass_score": 75,
		"llm": {"provider": "stub", "model": "test", "timeout_s": 10}
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "v2", cfg.WorkflowMode)
	assert.Equal(t, 75, cfg.PlanReviewPassScore)
	assert.Equal(t, "stub", cfg.LLM.Provider)
	// Untouched keys keep their defaults.
	assert.Equal(t, 3, cfg.MaxTaskAttempts)
}

func TestValidateRejectsBadKeys(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Runtime)
		key    string
	}{
		{"provider", func(c *Runtime) { c.LLM.Provider = "openai" }, "llm.provider"},
		{"timeout", func(c *Runtime) { c.LLM.TimeoutS = 0 }, "llm.timeout_s"},
		{"mode", func(c *Runtime) { c.WorkflowMode = "v3" }, "workflow_mode"},
		{"pass score", func(c *Runtime) { c.PlanReviewPassScore = 101 }, "plan_review_pass_score"},
		{"attempts", func(c *Runtime) { c.MaxTaskAttempts = 0 }, "max_task_attempts"},
		{"iterations", func(c *Runtime) { c.Guardrails.MaxRunIterations = 0 }, "guardrails.max_run_iterations"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			var rce *RuntimeConfigError
			require.ErrorAs(t, err, &rce)
			assert.Equal(t, tc.key, rce.Key)
		})
	}
}

func TestLayoutPaths(t *testing.T) {
	l := NewLayout("/ws")
	assert.Equal(t, filepath.Join("/ws", "state", "state.db"), l.DBPath())
	assert.Equal(t, filepath.Join("/ws", "inputs"), l.InputsDir())
	assert.Equal(t, filepath.Join("/ws", "plan.json"), l.PlanJSONPath())
}

func TestEnsureDirs(t *testing.T) {
	l := NewLayout(t.TempDir())
	require.NoError(t, l.EnsureDirs())
	for _, d := range []string{l.InputsDir(), l.StateDir(), l.DeliverablesDir()} {
		info, err := os.Stat(d)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
