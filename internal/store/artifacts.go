package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/jiazeyu1987/AgentFolder/internal/util"
)

// Artifact is one immutable versioned output of an ACTION task.
type Artifact struct {
	ArtifactID string
	TaskID     string
	Name       string
	Path       string
	Format     string
	Version    int
	SHA256     string
	CreatedAt  string
}

// InsertArtifact records a new artifact version for a task. The version is
// one past the task's current highest. Artifacts are never updated.
func (s *Store) InsertArtifact(taskID, name, path, format, sha string) (*Artifact, error) {
	a := &Artifact{
		ArtifactID: uuid.NewString(),
		TaskID:     taskID,
		Name:       name,
		Path:       path,
		Format:     format,
		SHA256:     sha,
		CreatedAt:  util.NowISO(),
	}
	err := s.withTx(func(tx *sql.Tx) error {
		if err := tx.QueryRow(
			"SELECT COALESCE(MAX(version), 0) + 1 FROM artifacts WHERE task_id=?", taskID,
		).Scan(&a.Version); err != nil {
			return err
		}
		_, err := tx.Exec(`INSERT INTO artifacts(
			artifact_id, task_id, name, path, format, version, sha256, created_at)
			VALUES(?,?,?,?,?,?,?,?)`,
			a.ArtifactID, a.TaskID, a.Name, a.Path, a.Format, a.Version,
			a.SHA256, a.CreatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert artifact: %w", err)
	}
	return a, nil
}

// GetArtifact loads one artifact by id.
func (s *Store) GetArtifact(artifactID string) (*Artifact, error) {
	row := s.db.QueryRow(`SELECT artifact_id, task_id, name, path, format,
		version, sha256, created_at FROM artifacts WHERE artifact_id=?`, artifactID)
	var a Artifact
	err := row.Scan(&a.ArtifactID, &a.TaskID, &a.Name, &a.Path, &a.Format,
		&a.Version, &a.SHA256, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("artifact not found: %s", artifactID)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// TaskArtifactCount returns how many versions a task has produced.
func (s *Store) TaskArtifactCount(taskID string) (int, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM artifacts WHERE task_id=?", taskID).Scan(&n)
	return n, err
}

// Review is a persisted reviewer verdict.
type Review struct {
	ReviewID           string
	TaskID             string
	ReviewerAgentID    string
	TotalScore         int
	BreakdownJSON      string
	SuggestionsJSON    string
	Summary            string
	ActionRequired     string
	ReviewedArtifactID string
	CreatedAt          string
}

// InsertReview persists a review and emits a REVIEW_WRITTEN event.
func (s *Store) InsertReview(planID string, r *Review) error {
	if r.ReviewID == "" {
		r.ReviewID = uuid.NewString()
	}
	r.CreatedAt = util.NowISO()
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO reviews(
			review_id, task_id, reviewer_agent_id, total_score, breakdown_json,
			suggestions_json, summary, action_required, reviewed_artifact_id, created_at)
			VALUES(?,?,?,?,?,?,?,?,?,?)`,
			r.ReviewID, r.TaskID, r.ReviewerAgentID, r.TotalScore,
			defaultStr(r.BreakdownJSON, "[]"), defaultStr(r.SuggestionsJSON, "[]"),
			r.Summary, r.ActionRequired, nullable(r.ReviewedArtifactID),
			r.CreatedAt); err != nil {
			return err
		}
		return emitEventTx(tx, planID, r.TaskID, "REVIEW_WRITTEN", map[string]interface{}{
			"review_id":       r.ReviewID,
			"total_score":     r.TotalScore,
			"action_required": r.ActionRequired,
		})
	})
}

func defaultStr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// LatestReview returns the newest review for a task, or nil.
func (s *Store) LatestReview(taskID string) (*Review, error) {
	row := s.db.QueryRow(`SELECT review_id, task_id, reviewer_agent_id,
		total_score, breakdown_json, suggestions_json, COALESCE(summary,''),
		action_required, COALESCE(reviewed_artifact_id,''), created_at
		FROM reviews WHERE task_id=? ORDER BY created_at DESC, review_id DESC LIMIT 1`,
		taskID)
	var r Review
	err := row.Scan(&r.ReviewID, &r.TaskID, &r.ReviewerAgentID, &r.TotalScore,
		&r.BreakdownJSON, &r.SuggestionsJSON, &r.Summary, &r.ActionRequired,
		&r.ReviewedArtifactID, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// InsertApproval records an approval of an artifact.
func (s *Store) InsertApproval(taskID, artifactID, approvedBy string) error {
	return s.exec(`INSERT INTO approvals(approval_id, task_id, artifact_id, approved_by, created_at)
		VALUES(?,?,?,?,?)`,
		uuid.NewString(), taskID, artifactID, approvedBy, util.NowISO())
}
