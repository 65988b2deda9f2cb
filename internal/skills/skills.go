// Package skills loads the YAML skill registry and executes built-in
// skills with idempotency caching through the skill_runs table.
package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/jiazeyu1987/AgentFolder/internal/logging"
	"github.com/jiazeyu1987/AgentFolder/internal/store"
	"github.com/jiazeyu1987/AgentFolder/internal/util"
)

// Def describes one registered skill.
type Def struct {
	Name           string `yaml:"name"`
	Implementation string `yaml:"implementation"`
	Idempotency    struct {
		Strategy string `yaml:"strategy"`
		Cache    bool   `yaml:"cache"`
	} `yaml:"idempotency"`
}

type registryFile struct {
	Skills []Def `yaml:"skills"`
}

// Fn executes a skill invocation.
type Fn func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error)

// Registry maps skill names to runnable implementations.
type Registry struct {
	store *store.Store
	defs  map[string]Def
	impls map[string]Fn
}

// TextExtractMaxChars bounds how much of a file the text_extract skill
// returns.
const TextExtractMaxChars = 50000

// Load parses registry.yaml and wires the built-in implementations. A
// missing registry file yields the built-ins alone.
func Load(s *store.Store, path string) (*Registry, error) {
	r := &Registry{
		store: s,
		defs:  map[string]Def{},
		impls: map[string]Fn{},
	}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read skills registry: %w", err)
	}
	if err == nil {
		var rf registryFile
		if err := yaml.Unmarshal(data, &rf); err != nil {
			return nil, fmt.Errorf("parse skills registry: %w", err)
		}
		for _, d := range rf.Skills {
			if d.Name == "" {
				continue
			}
			r.defs[d.Name] = d
		}
	}

	// Built-in: plain text extraction for md/txt/json/html/css/js inputs.
	if _, ok := r.defs["text_extract"]; !ok {
		d := Def{Name: "text_extract", Implementation: "builtin"}
		d.Idempotency.Strategy = "content_hash"
		d.Idempotency.Cache = true
		r.defs["text_extract"] = d
	}
	r.impls["text_extract"] = textExtract
	return r, nil
}

// Names lists registered skills.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.defs))
	for name := range r.defs {
		out = append(out, name)
	}
	return out
}

// Result is a finished skill invocation.
type Result struct {
	Output map[string]interface{}
	Cached bool
}

// Run executes a skill with idempotency caching. A cached successful run
// with the same idempotency key is reused instead of re-executed.
func (r *Registry) Run(ctx context.Context, taskID, name string, params map[string]interface{}) (*Result, error) {
	def, ok := r.defs[name]
	if !ok {
		return nil, fmt.Errorf("unknown skill: %s", name)
	}
	impl, ok := r.impls[name]
	if !ok {
		return nil, fmt.Errorf("skill %s has no implementation", name)
	}

	key, err := idempotencyKey(name, params)
	if err != nil {
		return nil, err
	}
	if def.Idempotency.Cache {
		if cached, err := r.cachedOutput(name, key); err == nil && cached != nil {
			logging.Get(logging.CategorySkills).Debug("skill %s cache hit", name)
			return &Result{Output: cached, Cached: true}, nil
		}
	}

	runID := uuid.NewString()
	started := util.NowISO()
	out, runErr := impl(ctx, params)
	status := "SUCCEEDED"
	errMsg := ""
	if runErr != nil {
		status = "FAILED"
		errMsg = runErr.Error()
		if ctx.Err() != nil {
			status = "TIMED_OUT"
		}
	}
	r.recordRun(runID, taskID, name, key, params, status, out, errMsg, started)
	if runErr != nil {
		return nil, runErr
	}
	return &Result{Output: out}, nil
}

func idempotencyKey(name string, params map[string]interface{}) (string, error) {
	canonical, err := util.CanonicalJSON(params)
	if err != nil {
		return "", fmt.Errorf("skill params not hashable: %w", err)
	}
	return util.SHA256Text(name + "\x00" + canonical), nil
}

func (r *Registry) cachedOutput(name, key string) (map[string]interface{}, error) {
	var outJSON string
	err := r.store.DB().QueryRow(`SELECT COALESCE(output_json,'')
		FROM skill_runs
		WHERE skill_name=? AND idempotency_key=? AND status='SUCCEEDED'
		ORDER BY started_at DESC LIMIT 1`, name, key).Scan(&outJSON)
	if err != nil || outJSON == "" {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(outJSON), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Registry) recordRun(runID, taskID, name, key string, params map[string]interface{}, status string, out map[string]interface{}, errMsg, started string) {
	paramsJSON, _ := util.CanonicalJSON(params)
	outJSON := ""
	if out != nil {
		outJSON, _ = util.CanonicalJSON(out)
	}
	_, err := r.store.DB().Exec(`INSERT INTO skill_runs(
		skill_run_id, task_id, skill_name, idempotency_key, params_json,
		status, output_json, error_message, started_at, finished_at)
		VALUES(?,?,?,?,?,?,?,?,?,?)`,
		runID, taskID, name, key, paramsJSON, status, outJSON, errMsg,
		started, util.NowISO())
	if err != nil {
		logging.Get(logging.CategorySkills).Warn("record skill run: %v", err)
	}
}

// textExtract reads a text file, truncating at TextExtractMaxChars.
func textExtract(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, _ := params["path"].(string)
	if path == "" {
		return nil, fmt.Errorf("text_extract: missing path")
	}
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".md", ".txt", ".json", ".html", ".css", ".js", ".csv", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("text_extract: unsupported file type %s", ext)
	}
	text, err := util.SafeReadText(path, TextExtractMaxChars)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"path": path,
		"text": text,
	}, nil
}
