package store

import (
	"database/sql"

	"github.com/google/uuid"

	"github.com/jiazeyu1987/AgentFolder/internal/util"
)

// Evidence binds a concrete input (usually a file) to a requirement.
type Evidence struct {
	EvidenceID    string
	RequirementID string
	EvidenceType  string
	RefID         string
	RefPath       string
	SHA256        string
	AddedAt       string
}

// BindEvidence inserts an evidence row. The (requirement_id, sha256)
// unique constraint makes rebinding the same content a no-op; the bool
// reports whether a new row was written.
func (s *Store) BindEvidence(e *Evidence) (bool, error) {
	if e.EvidenceID == "" {
		e.EvidenceID = uuid.NewString()
	}
	e.AddedAt = util.NowISO()
	inserted := false
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`INSERT OR IGNORE INTO evidences(
			evidence_id, requirement_id, evidence_type, ref_id, ref_path, sha256, added_at)
			VALUES(?,?,?,?,?,?,?)`,
			e.EvidenceID, e.RequirementID, e.EvidenceType, e.RefID, e.RefPath,
			e.SHA256, e.AddedAt)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		inserted = n > 0
		return nil
	})
	return inserted, err
}

// RequirementEvidence lists evidences bound to one requirement, newest
// first.
func (s *Store) RequirementEvidence(requirementID string) ([]Evidence, error) {
	rows, err := s.db.Query(`SELECT evidence_id, requirement_id, evidence_type,
		COALESCE(ref_id,''), COALESCE(ref_path,''), COALESCE(sha256,''), added_at
		FROM evidences WHERE requirement_id=? ORDER BY added_at DESC, evidence_id`,
		requirementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Evidence
	for rows.Next() {
		var e Evidence
		if err := rows.Scan(&e.EvidenceID, &e.RequirementID, &e.EvidenceType,
			&e.RefID, &e.RefPath, &e.SHA256, &e.AddedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// EvidenceCount returns how many evidences a requirement has.
func (s *Store) EvidenceCount(requirementID string) (int, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM evidences WHERE requirement_id=?", requirementID).Scan(&n)
	return n, err
}

// RequirementTask returns the task owning a requirement.
func (s *Store) RequirementTask(requirementID string) (string, error) {
	var taskID string
	err := s.db.QueryRow(
		"SELECT task_id FROM input_requirements WHERE requirement_id=?",
		requirementID).Scan(&taskID)
	return taskID, err
}

// InputFile tracks one file seen under the input roots.
type InputFile struct {
	Path        string
	Source      string
	SHA256      string
	Size        int64
	MTime       int64
	FirstSeenAt string
	LastSeenAt  string
	Missing     bool
}

// UpsertInputFile records a sighting of an input file.
func (s *Store) UpsertInputFile(f *InputFile) error {
	now := util.NowISO()
	return s.exec(`INSERT INTO input_files(
		path, source, sha256, size, mtime, first_seen_at, last_seen_at, missing)
		VALUES(?,?,?,?,?,?,?,0)
		ON CONFLICT(path) DO UPDATE SET
			sha256=excluded.sha256, size=excluded.size, mtime=excluded.mtime,
			last_seen_at=excluded.last_seen_at, missing=0`,
		f.Path, f.Source, f.SHA256, f.Size, f.MTime, now, now)
}

// KnownInputFiles lists every tracked input file not already missing.
func (s *Store) KnownInputFiles() ([]InputFile, error) {
	rows, err := s.db.Query(`SELECT path, source, sha256, size, mtime,
		first_seen_at, last_seen_at, missing FROM input_files WHERE missing=0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []InputFile
	for rows.Next() {
		var f InputFile
		var missing int
		if err := rows.Scan(&f.Path, &f.Source, &f.SHA256, &f.Size, &f.MTime,
			&f.FirstSeenAt, &f.LastSeenAt, &missing); err != nil {
			return nil, err
		}
		f.Missing = missing != 0
		out = append(out, f)
	}
	return out, rows.Err()
}

// MarkInputFileMissing flags a tracked file that disappeared from disk.
func (s *Store) MarkInputFileMissing(path string) error {
	return s.exec(
		"UPDATE input_files SET missing=1, last_seen_at=? WHERE path=?",
		util.NowISO(), path)
}

// CachedInputFile returns the tracked row for a path when its (mtime,
// size) still match, so the scanner can skip rehashing.
func (s *Store) CachedInputFile(path string, mtime, size int64) (*InputFile, error) {
	row := s.db.QueryRow(`SELECT path, source, sha256, size, mtime,
		first_seen_at, last_seen_at, missing
		FROM input_files WHERE path=? AND mtime=? AND size=?`, path, mtime, size)
	var f InputFile
	var missing int
	err := row.Scan(&f.Path, &f.Source, &f.SHA256, &f.Size, &f.MTime,
		&f.FirstSeenAt, &f.LastSeenAt, &missing)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	f.Missing = missing != 0
	return &f, nil
}
