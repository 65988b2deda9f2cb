// Package deliver exports a plan's approved outputs into a standalone
// deliverables directory with a manifest, and picks the final entrypoint
// document.
package deliver

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/jiazeyu1987/AgentFolder/internal/config"
	"github.com/jiazeyu1987/AgentFolder/internal/logging"
	"github.com/jiazeyu1987/AgentFolder/internal/model"
	"github.com/jiazeyu1987/AgentFolder/internal/store"
	"github.com/jiazeyu1987/AgentFolder/internal/util"
)

// Exporter copies approved artifacts out of the workspace.
type Exporter struct {
	store  *store.Store
	cfg    config.Runtime
	layout config.Layout
}

func New(s *store.Store, cfg config.Runtime, layout config.Layout) *Exporter {
	return &Exporter{store: s, cfg: cfg, layout: layout}
}

// ManifestFile is one copied file of a deliverable.
type ManifestFile struct {
	DestPath   string `json:"dest_path"`
	SourcePath string `json:"source_path"`
	SHA256     string `json:"sha256"`
}

// ManifestReview records the verdict that cleared a deliverable.
type ManifestReview struct {
	CheckTaskID string `json:"check_task_id"`
	ReviewID    string `json:"review_id"`
	Verdict     string `json:"verdict"`
	Score       int    `json:"score"`
}

// ManifestEntry describes one exported deliverable.
type ManifestEntry struct {
	TaskID             string          `json:"task_id"`
	TaskTitle          string          `json:"task_title"`
	Format             string          `json:"format"`
	Filename           string          `json:"filename"`
	SingleFile         bool            `json:"single_file"`
	BundleMode         string          `json:"bundle_mode"`
	ArtifactID         string          `json:"artifact_id"`
	ApprovedArtifactID string          `json:"approved_artifact_id,omitempty"`
	Version            int             `json:"version"`
	Files              []ManifestFile  `json:"files"`
	Review             *ManifestReview `json:"review,omitempty"`
}

// Manifest is the exported manifest.json document.
type Manifest struct {
	PlanID     string          `json:"plan_id"`
	PlanTitle  string          `json:"plan_title"`
	ExportedAt string          `json:"exported_at"`
	Final      string          `json:"final_entrypoint,omitempty"`
	Items      []ManifestEntry `json:"items"`
}

// Final is the final.json document pointing at the plan's entrypoint
// deliverable.
type Final struct {
	FinalEntrypoint string   `json:"final_entrypoint"`
	HowToRun        []string `json:"how_to_run"`
	FinalTaskTitle  string   `json:"final_task_title"`
	FinalArtifactID string   `json:"final_artifact_id"`
}

// Export copies the deliverable artifact of every completed ACTION task
// into deliverables/<plan_id>/bundle/, writes plan_meta.json,
// manifest.json, and final.json, and verifies each copy against its
// recorded hash.
func (e *Exporter) Export(planID string) (*Manifest, error) {
	log := logging.Get(logging.CategoryExport)
	plan, err := e.store.GetPlan(planID)
	if err != nil {
		return nil, err
	}
	tasks, err := e.store.PlanTasks(planID)
	if err != nil {
		return nil, err
	}

	outDir := filepath.Join(e.layout.DeliverablesDir(), planID)
	bundleDir := filepath.Join(outDir, "bundle")
	if err := os.MkdirAll(bundleDir, 0o755); err != nil {
		return nil, err
	}

	// CHECK nodes point back at the task they verified; their reviews
	// outrank the task's own review rounds in the manifest.
	checkFor := map[string]string{}
	for _, t := range tasks {
		if t.NodeType == model.NodeCheck && t.ReviewTargetTaskID != "" {
			checkFor[t.ReviewTargetTaskID] = t.TaskID
		}
	}

	type job struct {
		entry ManifestEntry
		src   string
		dst   string
	}
	var jobs []job
	for _, t := range tasks {
		if t.NodeType != model.NodeAction || !t.ActiveBranch || t.Status != model.StatusDone {
			continue
		}
		artifactID := t.ApprovedArtifactID
		approved := artifactID != ""
		if artifactID == "" && e.cfg.ExportIncludeCandidates {
			artifactID = t.ActiveArtifactID
		}
		if artifactID == "" {
			continue
		}
		art, err := e.store.GetArtifact(artifactID)
		if err != nil {
			log.Warn("skip task %s: %v", t.TaskID, err)
			continue
		}
		sub := fmt.Sprintf("%s_%s", slug(t.Title), shortID(t.TaskID))
		rel := filepath.ToSlash(filepath.Join("bundle", sub, art.Name))
		entry := ManifestEntry{
			TaskID:     t.TaskID,
			TaskTitle:  t.Title,
			Format:     art.Format,
			Filename:   art.Name,
			SingleFile: true,
			BundleMode: "SINGLE_FILE",
			ArtifactID: art.ArtifactID,
			Version:    art.Version,
			Files: []ManifestFile{{
				DestPath:   rel,
				SourcePath: art.Path,
				SHA256:     art.SHA256,
			}},
			Review: e.reviewFor(t.TaskID, checkFor[t.TaskID]),
		}
		if approved {
			entry.ApprovedArtifactID = art.ArtifactID
		}
		jobs = append(jobs, job{entry: entry, src: art.Path,
			dst: filepath.Join(outDir, filepath.FromSlash(rel))})
	}

	var g errgroup.Group
	g.SetLimit(4)
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			if err := copyFile(j.src, j.dst); err != nil {
				return fmt.Errorf("copy %s: %w", j.src, err)
			}
			sum, err := util.SHA256File(j.dst)
			if err != nil {
				return err
			}
			if want := j.entry.Files[0].SHA256; want != "" && sum != want {
				return fmt.Errorf("hash mismatch for %s after copy", j.dst)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	entries := make([]ManifestEntry, 0, len(jobs))
	for _, j := range jobs {
		entries = append(entries, j.entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Files[0].DestPath < entries[j].Files[0].DestPath
	})

	final, _ := e.PickFinal(planID, entries)
	m := &Manifest{
		PlanID:     plan.PlanID,
		PlanTitle:  plan.Title,
		ExportedAt: util.NowISO(),
		Items:      entries,
	}
	if final != nil {
		m.Final = final.FinalEntrypoint
	}

	meta := map[string]interface{}{
		"plan_id":      plan.PlanID,
		"title":        plan.Title,
		"status":       plan.Status,
		"root_task_id": plan.RootTaskID,
		"created_at":   plan.CreatedAt,
		"exported_at":  m.ExportedAt,
	}
	if err := writeJSON(filepath.Join(outDir, "plan_meta.json"), meta); err != nil {
		return nil, err
	}
	if err := writeJSON(filepath.Join(outDir, "manifest.json"), m); err != nil {
		return nil, err
	}
	if final != nil {
		if err := writeJSON(filepath.Join(outDir, "final.json"), final); err != nil {
			return nil, err
		}
	}
	log.Info("exported %d deliverable(s) to %s", len(entries), outDir)
	return m, nil
}

// reviewFor finds the verdict covering a deliverable: the latest review
// of the task's CHECK node when one exists, else the task's own latest
// review round.
func (e *Exporter) reviewFor(taskID, checkID string) *ManifestReview {
	if checkID != "" {
		if rev, err := e.store.LatestReview(checkID); err == nil && rev != nil {
			return &ManifestReview{
				CheckTaskID: checkID,
				ReviewID:    rev.ReviewID,
				Verdict:     rev.ActionRequired,
				Score:       rev.TotalScore,
			}
		}
	}
	rev, err := e.store.LatestReview(taskID)
	if err != nil || rev == nil {
		return nil
	}
	return &ManifestReview{
		CheckTaskID: taskID,
		ReviewID:    rev.ReviewID,
		Verdict:     rev.ActionRequired,
		Score:       rev.TotalScore,
	}
}

// PickFinal chooses the entrypoint deliverable: an explicit final spec on
// the root wins, then final/package naming, then the newest export.
func (e *Exporter) PickFinal(planID string, entries []ManifestEntry) (*Final, []string) {
	if len(entries) == 0 {
		return nil, nil
	}
	var reasons []string

	plan, err := e.store.GetPlan(planID)
	if err == nil {
		if root, err := e.store.GetTask(plan.RootTaskID); err == nil &&
			root.FinalDeliverableSpecJSON != "" {
			var spec struct {
				Filename string `json:"filename"`
				Format   string `json:"format"`
			}
			if json.Unmarshal([]byte(root.FinalDeliverableSpecJSON), &spec) == nil {
				for _, en := range entries {
					if spec.Filename != "" && en.Filename == spec.Filename {
						reasons = append(reasons, "matched final_deliverable_spec filename")
						return finalFor(en), reasons
					}
				}
				for _, en := range entries {
					if spec.Format != "" && en.Format == spec.Format {
						reasons = append(reasons, "matched final_deliverable_spec format")
						return finalFor(en), reasons
					}
				}
			}
		}
	}

	for _, en := range entries {
		lower := strings.ToLower(en.Filename + " " + en.TaskTitle)
		if strings.Contains(lower, "final") || strings.Contains(lower, "package") {
			reasons = append(reasons, "name suggests the final deliverable")
			return finalFor(en), reasons
		}
	}

	best := entries[0]
	for _, en := range entries[1:] {
		if en.Version > best.Version {
			best = en
		}
	}
	reasons = append(reasons, "fell back to the newest exported artifact")
	return finalFor(best), reasons
}

func finalFor(en ManifestEntry) *Final {
	entry := en.Files[0].DestPath
	var howTo []string
	switch en.Format {
	case "html":
		howTo = []string{fmt.Sprintf("Open %s in a web browser.", entry)}
	case "md":
		howTo = []string{fmt.Sprintf("Open %s in a Markdown viewer or text editor.", entry)}
	default:
		howTo = []string{fmt.Sprintf("Open %s.", entry)}
	}
	return &Final{
		FinalEntrypoint: entry,
		HowToRun:        howTo,
		FinalTaskTitle:  en.TaskTitle,
		FinalArtifactID: en.ArtifactID,
	}
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// slug turns a task title into a safe directory name.
func slug(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(title)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_', r == '.':
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		out = "task"
	}
	if len(out) > 40 {
		out = out[:40]
	}
	return out
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
