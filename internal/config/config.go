// Package config holds the workspace layout and the runtime configuration
// for the plan-execution engine. The runtime config is a single JSON file
// (runtime_config.json) validated key by key at load time.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Layout describes the on-disk workspace the engine operates in.
// Everything the engine writes lives under Root.
type Layout struct {
	Root string
}

func NewLayout(root string) Layout {
	return Layout{Root: root}
}

func (l Layout) InputsDir() string         { return filepath.Join(l.Root, "inputs") }
func (l Layout) BaselineInputsDir() string { return filepath.Join(l.Root, "baseline_inputs") }
func (l Layout) ArtifactsDir() string      { return filepath.Join(l.Root, "artifacts") }
func (l Layout) ReviewsDir() string        { return filepath.Join(l.Root, "reviews") }
func (l Layout) RequiredDocsDir() string   { return filepath.Join(l.Root, "required_docs") }
func (l Layout) DeliverablesDir() string   { return filepath.Join(l.Root, "deliverables") }
func (l Layout) StateDir() string          { return filepath.Join(l.Root, "state") }
func (l Layout) DBPath() string            { return filepath.Join(l.Root, "state", "state.db") }
func (l Layout) PlanJSONPath() string      { return filepath.Join(l.Root, "plan.json") }
func (l Layout) PromptsDir() string        { return filepath.Join(l.Root, "prompts") }
func (l Layout) SkillsRegistryPath() string {
	return filepath.Join(l.Root, "skills", "registry.yaml")
}

// EnsureDirs creates every directory the engine expects to exist.
func (l Layout) EnsureDirs() error {
	dirs := []string{
		l.InputsDir(), l.BaselineInputsDir(), l.ArtifactsDir(),
		l.ReviewsDir(), l.RequiredDocsDir(), l.DeliverablesDir(),
		l.StateDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("ensure workspace dir %s: %w", d, err)
		}
	}
	return nil
}

// Guardrails caps runaway behavior inside a single run.
type Guardrails struct {
	MaxRunIterations     int `json:"max_run_iterations"`
	MaxLLMCallsPerRun    int `json:"max_llm_calls_per_run"`
	MaxLLMCallsPerTask   int `json:"max_llm_calls_per_task"`
	MaxPromptChars       int `json:"max_prompt_chars"`
	MaxResponseChars     int `json:"max_response_chars"`
	MaxTaskEventsPerTask int `json:"max_task_events_per_task"`
	MaxLLMCallsRows      int `json:"max_llm_calls_rows"`
	MaxTaskEventsRows    int `json:"max_task_events_rows"`
}

// LLM selects the language-model provider and its limits.
type LLM struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	TimeoutS int    `json:"timeout_s"`
}

// Runtime is the full runtime configuration.
type Runtime struct {
	LLM                        LLM        `json:"llm"`
	WorkflowMode               string     `json:"workflow_mode"`
	MaxDecompositionDepth      int        `json:"max_decomposition_depth"`
	OneShotThresholdPersonDays float64    `json:"one_shot_threshold_person_days"`
	PlanReviewPassScore        int        `json:"plan_review_pass_score"`
	ExportIncludeCandidates    bool       `json:"export_include_candidates"`
	MaxArtifactVersionsPerTask int        `json:"max_artifact_versions_per_task"`
	MaxReviewVersionsPerCheck  int        `json:"max_review_versions_per_check"`
	MaxCheckAttemptsV2         int        `json:"max_check_attempts_v2"`
	Guardrails                 Guardrails `json:"guardrails"`

	// Engine fuses and pacing.
	MaxPlanRuntimeSeconds int  `json:"max_plan_runtime_seconds"`
	MaxTaskAttempts       int  `json:"max_task_attempts"`
	MaxLLMCalls           int  `json:"max_llm_calls"`
	PollIntervalSeconds   int  `json:"poll_interval_seconds"`
	SkillTimeoutSeconds   int  `json:"skill_timeout_seconds"`
	MaxSkillRetries       int  `json:"max_skill_retries"`
	FailedAutoResetReady  bool `json:"failed_auto_reset_ready"`
}

// RuntimeConfigError reports one invalid config key.
type RuntimeConfigError struct {
	Key    string
	Reason string
}

func (e *RuntimeConfigError) Error() string {
	return fmt.Sprintf("runtime config: %s: %s", e.Key, e.Reason)
}

// Default returns the built-in configuration.
func Default() Runtime {
	return Runtime{
		LLM: LLM{
			Provider: "gemini",
			Model:    "gemini-2.0-flash",
			TimeoutS: 300,
		},
		WorkflowMode:               "v1",
		MaxDecompositionDepth:      5,
		OneShotThresholdPersonDays: 10,
		PlanReviewPassScore:        90,
		ExportIncludeCandidates:    false,
		MaxArtifactVersionsPerTask: 50,
		MaxReviewVersionsPerCheck:  50,
		MaxCheckAttemptsV2:         3,
		Guardrails: Guardrails{
			MaxRunIterations:     200,
			MaxLLMCallsPerRun:    50,
			MaxLLMCallsPerTask:   10,
			MaxPromptChars:       120000,
			MaxResponseChars:     200000,
			MaxTaskEventsPerTask: 200,
			MaxLLMCallsRows:      5000,
			MaxTaskEventsRows:    20000,
		},
		MaxPlanRuntimeSeconds: 7200,
		MaxTaskAttempts:       3,
		MaxLLMCalls:           200,
		PollIntervalSeconds:   3,
		SkillTimeoutSeconds:   120,
		MaxSkillRetries:       3,
		FailedAutoResetReady:  false,
	}
}

// Load reads runtime_config.json from path, layering it over defaults.
// A missing file yields the defaults.
func Load(path string) (Runtime, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read runtime config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse runtime config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks every key and reports the first violation.
func (c Runtime) Validate() error {
	switch c.LLM.Provider {
	case "gemini", "stub":
	default:
		return &RuntimeConfigError{Key: "llm.provider", Reason: fmt.Sprintf("unknown provider %q", c.LLM.Provider)}
	}
	if c.LLM.TimeoutS <= 0 {
		return &RuntimeConfigError{Key: "llm.timeout_s", Reason: "must be positive"}
	}
	if c.WorkflowMode != "v1" && c.WorkflowMode != "v2" {
		return &RuntimeConfigError{Key: "workflow_mode", Reason: "must be v1 or v2"}
	}
	if c.MaxDecompositionDepth < 1 {
		return &RuntimeConfigError{Key: "max_decomposition_depth", Reason: "must be >= 1"}
	}
	if c.PlanReviewPassScore < 0 || c.PlanReviewPassScore > 100 {
		return &RuntimeConfigError{Key: "plan_review_pass_score", Reason: "must be in 0..100"}
	}
	if c.MaxTaskAttempts < 1 {
		return &RuntimeConfigError{Key: "max_task_attempts", Reason: "must be >= 1"}
	}
	if c.MaxPlanRuntimeSeconds < 1 {
		return &RuntimeConfigError{Key: "max_plan_runtime_seconds", Reason: "must be >= 1"}
	}
	if c.MaxLLMCalls < 1 {
		return &RuntimeConfigError{Key: "max_llm_calls", Reason: "must be >= 1"}
	}
	if c.PollIntervalSeconds < 1 {
		return &RuntimeConfigError{Key: "poll_interval_seconds", Reason: "must be >= 1"}
	}
	g := c.Guardrails
	for _, kv := range []struct {
		key string
		val int
	}{
		{"guardrails.max_run_iterations", g.MaxRunIterations},
		{"guardrails.max_llm_calls_per_run", g.MaxLLMCallsPerRun},
		{"guardrails.max_llm_calls_per_task", g.MaxLLMCallsPerTask},
		{"guardrails.max_prompt_chars", g.MaxPromptChars},
		{"guardrails.max_response_chars", g.MaxResponseChars},
		{"guardrails.max_task_events_per_task", g.MaxTaskEventsPerTask},
		{"guardrails.max_llm_calls_rows", g.MaxLLMCallsRows},
		{"guardrails.max_task_events_rows", g.MaxTaskEventsRows},
	} {
		if kv.val < 1 {
			return &RuntimeConfigError{Key: kv.key, Reason: "must be >= 1"}
		}
	}
	return nil
}

// LLMTimeout returns the per-call timeout as a duration.
func (c Runtime) LLMTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutS) * time.Second
}

// PollInterval returns the tick sleep as a duration.
func (c Runtime) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// SkillTimeout returns the per-skill timeout as a duration.
func (c Runtime) SkillTimeout() time.Duration {
	return time.Duration(c.SkillTimeoutSeconds) * time.Second
}

// MaxPlanRuntime returns the whole-run fuse as a duration.
func (c Runtime) MaxPlanRuntime() time.Duration {
	return time.Duration(c.MaxPlanRuntimeSeconds) * time.Second
}
