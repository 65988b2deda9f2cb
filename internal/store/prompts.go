package store

import (
	"database/sql"

	"github.com/google/uuid"

	"github.com/jiazeyu1987/AgentFolder/internal/util"
)

// GetOrCreatePromptVersion registers a prompt document by content hash.
// The same content maps to the same version; changed content gets the
// next version number for that (kind, name, agent).
func (s *Store) GetOrCreatePromptVersion(kind, name, agent, path, sha string) (string, int, error) {
	var promptID string
	var version int
	err := s.db.QueryRow(
		`SELECT prompt_id, version FROM prompts
		 WHERE kind=? AND name=? AND COALESCE(agent,'')=? AND sha256=?`,
		kind, name, agent, sha).Scan(&promptID, &version)
	if err == nil {
		return promptID, version, nil
	}
	if err != sql.ErrNoRows {
		return "", 0, err
	}

	err = s.withTx(func(tx *sql.Tx) error {
		if err := tx.QueryRow(
			`SELECT COALESCE(MAX(version), 0) + 1 FROM prompts
			 WHERE kind=? AND name=? AND COALESCE(agent,'')=?`,
			kind, name, agent).Scan(&version); err != nil {
			return err
		}
		promptID = uuid.NewString()
		_, err := tx.Exec(`INSERT INTO prompts(
			prompt_id, kind, name, agent, version, path, sha256, created_at)
			VALUES(?,?,?,?,?,?,?,?)`,
			promptID, kind, name, nullable(agent), version, nullable(path),
			sha, util.NowISO())
		return err
	})
	return promptID, version, err
}
