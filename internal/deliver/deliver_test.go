package deliver

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiazeyu1987/AgentFolder/internal/config"
	"github.com/jiazeyu1987/AgentFolder/internal/model"
	"github.com/jiazeyu1987/AgentFolder/internal/store"
	"github.com/jiazeyu1987/AgentFolder/internal/util"
)

type fixture struct {
	layout config.Layout
	s      *store.Store
	planID string
	rootID string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	layout := config.NewLayout(t.TempDir())
	require.NoError(t, layout.EnsureDirs())
	s, err := store.Open(layout.DBPath())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return &fixture{layout: layout, s: s, planID: uuid.NewString(), rootID: uuid.NewString()}
}

func (f *fixture) outDir() string {
	return filepath.Join(f.layout.DeliverablesDir(), f.planID)
}

func (f *fixture) seed(t *testing.T, nodes ...model.TaskNode) {
	t.Helper()
	all := []model.TaskNode{
		{TaskID: f.rootID, PlanID: f.planID, NodeType: model.NodeGoal, Title: "deliver site"},
	}
	var edges []model.TaskEdge
	for _, n := range nodes {
		n.PlanID = f.planID
		all = append(all, n)
		edges = append(edges, model.TaskEdge{
			PlanID: f.planID, FromTaskID: f.rootID, ToTaskID: n.TaskID,
			EdgeType: model.EdgeDecompose,
		})
	}
	p := &model.Plan{PlanID: f.planID, Title: "site", RootTaskID: f.rootID,
		Nodes: all, Edges: edges}
	require.NoError(t, f.s.UpsertPlan(p, "{}"))
}

// finish creates an artifact for a task, marks the task DONE, and
// optionally approves the artifact.
func (f *fixture) finish(t *testing.T, taskID, name, content string, approve bool) *store.Artifact {
	t.Helper()
	dir := filepath.Join(f.layout.ArtifactsDir(), taskID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	format := "md"
	if filepath.Ext(name) == ".html" {
		format = "html"
	}
	a, err := f.s.InsertArtifact(taskID, name, path, format, util.SHA256Text(content))
	require.NoError(t, err)
	require.NoError(t, f.s.SetActiveArtifact(taskID, a.ArtifactID))
	if approve {
		require.NoError(t, f.s.SetApprovedArtifact(taskID, a.ArtifactID))
	}
	require.NoError(t, f.s.UpdateTaskStatus(taskID, model.StatusDone, ""))
	return a
}

func TestExportApprovedArtifacts(t *testing.T) {
	f := newFixture(t)
	taskA := uuid.NewString()
	taskB := uuid.NewString()
	f.seed(t,
		model.TaskNode{TaskID: taskA, NodeType: model.NodeAction, Title: "Write HTML",
			OwnerAgentID: model.AgentExecutor},
		model.TaskNode{TaskID: taskB, NodeType: model.NodeAction, Title: "Write CSS",
			OwnerAgentID: model.AgentExecutor},
	)
	artA := f.finish(t, taskA, "index.html", "<html></html>", true)
	f.finish(t, taskB, "style.css", "body{}", true)

	ex := New(f.s, config.Default(), f.layout)
	m, err := ex.Export(f.planID)
	require.NoError(t, err)
	require.Len(t, m.Items, 2)
	assert.Equal(t, f.planID, m.PlanID)

	// Copies land under deliverables/<plan>/bundle/<slug>_<id8>/ and
	// survive the hash check.
	for _, en := range m.Items {
		require.Len(t, en.Files, 1)
		data, err := os.ReadFile(filepath.Join(f.outDir(),
			filepath.FromSlash(en.Files[0].DestPath)))
		require.NoError(t, err)
		assert.Equal(t, en.Files[0].SHA256, util.SHA256Text(string(data)))
		assert.NotEmpty(t, en.ApprovedArtifactID)
	}

	want := ManifestEntry{
		TaskID:             taskA,
		TaskTitle:          "Write HTML",
		Format:             "html",
		Filename:           "index.html",
		SingleFile:         true,
		BundleMode:         "SINGLE_FILE",
		ArtifactID:         artA.ArtifactID,
		ApprovedArtifactID: artA.ArtifactID,
		Version:            1,
		Files: []ManifestFile{{
			DestPath:   "bundle/write_html_" + shortID(taskA) + "/index.html",
			SourcePath: artA.Path,
			SHA256:     util.SHA256Text("<html></html>"),
		}},
	}
	var got *ManifestEntry
	for i := range m.Items {
		if m.Items[i].TaskID == taskA {
			got = &m.Items[i]
		}
	}
	require.NotNil(t, got)
	if diff := cmp.Diff(want, *got); diff != "" {
		t.Fatalf("manifest entry mismatch (-want +got):\n%s", diff)
	}

	assert.FileExists(t, filepath.Join(f.outDir(), "manifest.json"))
	assert.FileExists(t, filepath.Join(f.outDir(), "plan_meta.json"))
	assert.FileExists(t, filepath.Join(f.outDir(), "final.json"))

	meta, err := os.ReadFile(filepath.Join(f.outDir(), "plan_meta.json"))
	require.NoError(t, err)
	assert.Contains(t, string(meta), f.rootID)
}

func TestExportWritesFinalJSON(t *testing.T) {
	f := newFixture(t)
	taskID := uuid.NewString()
	f.seed(t, model.TaskNode{TaskID: taskID, NodeType: model.NodeAction,
		Title: "package the final site", OwnerAgentID: model.AgentExecutor})
	art := f.finish(t, taskID, "index.html", "<html></html>", true)

	ex := New(f.s, config.Default(), f.layout)
	_, err := ex.Export(f.planID)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(f.outDir(), "final.json"))
	require.NoError(t, err)
	var final Final
	require.NoError(t, json.Unmarshal(data, &final))
	assert.Equal(t, "bundle/package_the_final_site_"+shortID(taskID)+"/index.html",
		final.FinalEntrypoint)
	assert.Equal(t, "package the final site", final.FinalTaskTitle)
	assert.Equal(t, art.ArtifactID, final.FinalArtifactID)
	require.NotEmpty(t, final.HowToRun)
	assert.Contains(t, final.HowToRun[0], "browser")

	// The entrypoint the document points at actually exists.
	assert.FileExists(t, filepath.Join(f.outDir(),
		filepath.FromSlash(final.FinalEntrypoint)))
}

func TestExportRecordsCheckReview(t *testing.T) {
	f := newFixture(t)
	taskID := uuid.NewString()
	checkID := uuid.NewString()
	f.seed(t,
		model.TaskNode{TaskID: taskID, NodeType: model.NodeAction, Title: "draft",
			OwnerAgentID: model.AgentExecutor},
		model.TaskNode{TaskID: checkID, NodeType: model.NodeCheck, Title: "verify",
			OwnerAgentID: model.AgentReviewer, ReviewTargetTaskID: taskID},
	)
	f.finish(t, taskID, "out.md", "# out", true)

	// The task's own review round, then the check's verdict.
	require.NoError(t, f.s.InsertReview(f.planID, &store.Review{
		TaskID: taskID, ReviewerAgentID: model.AgentReviewer,
		TotalScore: 91, ActionRequired: "APPROVE",
	}))
	require.NoError(t, f.s.InsertReview(f.planID, &store.Review{
		TaskID: checkID, ReviewerAgentID: model.AgentReviewer,
		TotalScore: 96, ActionRequired: "APPROVE",
	}))

	ex := New(f.s, config.Default(), f.layout)
	m, err := ex.Export(f.planID)
	require.NoError(t, err)
	require.Len(t, m.Items, 1)

	rev := m.Items[0].Review
	require.NotNil(t, rev)
	assert.Equal(t, checkID, rev.CheckTaskID, "the check's verdict outranks the round review")
	assert.Equal(t, "APPROVE", rev.Verdict)
	assert.Equal(t, 96, rev.Score)
}

func TestExportSkipsUnapprovedByDefault(t *testing.T) {
	f := newFixture(t)
	taskID := uuid.NewString()
	f.seed(t, model.TaskNode{TaskID: taskID, NodeType: model.NodeAction, Title: "draft",
		OwnerAgentID: model.AgentExecutor})
	f.finish(t, taskID, "draft.md", "# Draft", false)

	ex := New(f.s, config.Default(), f.layout)
	m, err := ex.Export(f.planID)
	require.NoError(t, err)
	assert.Empty(t, m.Items)

	cfg := config.Default()
	cfg.ExportIncludeCandidates = true
	m, err = New(f.s, cfg, f.layout).Export(f.planID)
	require.NoError(t, err)
	require.Len(t, m.Items, 1)
	assert.Empty(t, m.Items[0].ApprovedArtifactID)
	assert.NotEmpty(t, m.Items[0].ArtifactID)
}

func TestExportSkipsUnfinishedTasks(t *testing.T) {
	f := newFixture(t)
	done := uuid.NewString()
	open := uuid.NewString()
	f.seed(t,
		model.TaskNode{TaskID: done, NodeType: model.NodeAction, Title: "done",
			OwnerAgentID: model.AgentExecutor},
		model.TaskNode{TaskID: open, NodeType: model.NodeAction, Title: "open",
			OwnerAgentID: model.AgentExecutor},
	)
	f.finish(t, done, "out.md", "done", true)

	ex := New(f.s, config.Default(), f.layout)
	m, err := ex.Export(f.planID)
	require.NoError(t, err)
	require.Len(t, m.Items, 1)
	assert.Equal(t, done, m.Items[0].TaskID)
}

func entry(name, taskTitle, dest string, version int) ManifestEntry {
	format := "md"
	if filepath.Ext(name) == ".html" {
		format = "html"
	}
	return ManifestEntry{
		TaskTitle: taskTitle, Filename: name, Format: format, Version: version,
		ArtifactID: "art-" + name,
		Files:      []ManifestFile{{DestPath: dest}},
	}
}

func TestPickFinalBySpecFilename(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	_, err := f.s.DB().Exec(
		"UPDATE task_nodes SET final_deliverable_spec_json=? WHERE task_id=?",
		`{"filename":"index.html"}`, f.rootID)
	require.NoError(t, err)

	ex := New(f.s, config.Default(), f.layout)
	entries := []ManifestEntry{
		entry("style.css", "styling", "bundle/a/style.css", 1),
		entry("index.html", "markup", "bundle/b/index.html", 1),
	}
	final, reasons := ex.PickFinal(f.planID, entries)
	require.NotNil(t, final)
	assert.Equal(t, "bundle/b/index.html", final.FinalEntrypoint)
	assert.Equal(t, "art-index.html", final.FinalArtifactID)
	require.NotEmpty(t, reasons)
	assert.Contains(t, reasons[0], "final_deliverable_spec filename")
}

func TestPickFinalByName(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ex := New(f.s, config.Default(), f.layout)
	entries := []ManifestEntry{
		entry("notes.md", "notes", "bundle/a/notes.md", 1),
		entry("final_report.md", "report", "bundle/b/final_report.md", 1),
	}
	final, _ := ex.PickFinal(f.planID, entries)
	require.NotNil(t, final)
	assert.Equal(t, "bundle/b/final_report.md", final.FinalEntrypoint)
}

func TestPickFinalFallsBackToNewest(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ex := New(f.s, config.Default(), f.layout)
	entries := []ManifestEntry{
		entry("a.md", "a", "bundle/a/a.md", 1),
		entry("b.md", "b", "bundle/b/b.md", 3),
	}
	final, reasons := ex.PickFinal(f.planID, entries)
	require.NotNil(t, final)
	assert.Equal(t, "bundle/b/b.md", final.FinalEntrypoint)
	assert.Contains(t, reasons[0], "newest")
}

func TestSlugAndShortID(t *testing.T) {
	assert.Equal(t, "write_the_landing_page", slug("Write the Landing Page"))
	assert.Equal(t, "task", slug("!!!"))
	assert.Len(t, slug("a very long title that keeps going and going and going forever"), 40)
	assert.Equal(t, "abcd1234", shortID("abcd1234-5678-90ab-cdef-000000000000"))
}
