// Package matcher discovers input files under the workspace input roots
// and binds them to task input requirements by a deterministic filename
// scoring rule.
package matcher

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jiazeyu1987/AgentFolder/internal/config"
	"github.com/jiazeyu1987/AgentFolder/internal/logging"
	"github.com/jiazeyu1987/AgentFolder/internal/model"
	"github.com/jiazeyu1987/AgentFolder/internal/store"
	"github.com/jiazeyu1987/AgentFolder/internal/util"
)

// Scan caps keep a pathological baseline_inputs tree from stalling the
// tick loop.
const (
	MaxScanFiles      = 5000
	MaxScanTotalBytes = 500 * 1024 * 1024
)

// Scoring constants. A requirement is a candidate for a file at or above
// BindThreshold; the total is capped so keyword spam cannot dominate a
// directory match.
const (
	ScoreDirMatch   = 100
	ScorePerKeyword = 40
	ScoreKeywordCap = 80
	ScoreExtAllowed = 10
	ScoreUserSource = 10
	ScoreCap        = ScoreDirMatch + ScoreKeywordCap + ScoreExtAllowed + ScoreUserSource
	BindThreshold   = 60
	MaxBindsPerFile = 2
)

// Sources for discovered files.
const (
	SourceUser     = "USER"
	SourceBaseline = "BASELINE"
)

// Matcher scans the input roots and binds evidence.
type Matcher struct {
	store  *store.Store
	layout config.Layout
}

func New(s *store.Store, layout config.Layout) *Matcher {
	return &Matcher{store: s, layout: layout}
}

// candidate is one discovered file.
type candidate struct {
	path   string
	source string
	sha    string
	dir    string // immediate parent directory name
	name   string // lowercase filename
	ext    string // extension without dot, lowercase
}

// ScanResult summarizes one scan pass.
type ScanResult struct {
	FilesSeen   int
	Bound       int
	Conflicts   int
	Removed     int
	SkippedScan bool
}

// Scan walks the input roots, refreshes the input_files table, detects
// removed files, and binds each discovered file to the requirements it
// best matches.
func (m *Matcher) Scan(planID string) (*ScanResult, error) {
	res := &ScanResult{}

	cands, skipped, err := m.collect(planID)
	if err != nil {
		return nil, err
	}
	res.FilesSeen = len(cands)
	res.SkippedScan = skipped
	if skipped {
		_ = m.store.EmitEvent(planID, planID, "BASELINE_INPUTS_SKIPPED", map[string]interface{}{
			"max_files": MaxScanFiles, "max_total_bytes": MaxScanTotalBytes,
		})
	}

	if err := m.detectRemoved(planID, cands, res); err != nil {
		return nil, err
	}

	reqs, err := m.store.AllRequirements(planID)
	if err != nil {
		return nil, err
	}
	fileReqs := reqs[:0]
	for _, req := range reqs {
		if req.Kind == model.ReqFile {
			fileReqs = append(fileReqs, req)
		}
	}
	for _, c := range cands {
		bound, conflict := m.bindFile(planID, c, fileReqs)
		res.Bound += bound
		if conflict {
			res.Conflicts++
		}
	}
	logging.Matcher("scan: %d files, %d bound, %d conflicts, %d removed",
		res.FilesSeen, res.Bound, res.Conflicts, res.Removed)
	return res, nil
}

// collect walks both roots under the file and byte caps. New sightings
// are announced with a FILE_OBSERVED event.
func (m *Matcher) collect(planID string) ([]candidate, bool, error) {
	var cands []candidate
	var totalBytes int64
	skipped := false

	walk := func(root, source string) error {
		return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return nil // unreadable entries are skipped, not fatal
			}
			if info.IsDir() || strings.HasPrefix(info.Name(), ".") {
				return nil
			}
			if len(cands) >= MaxScanFiles || totalBytes+info.Size() > MaxScanTotalBytes {
				skipped = true
				return filepath.SkipAll
			}
			totalBytes += info.Size()

			sha, fresh, err := m.hashCached(path, info, source)
			if err != nil {
				logging.Get(logging.CategoryMatcher).Warn("hash %s: %v", path, err)
				return nil
			}
			if fresh {
				_ = m.store.EmitEvent(planID, planID, "FILE_OBSERVED", map[string]interface{}{
					"path": path, "sha256": sha, "source": source,
				})
			}
			name := strings.ToLower(info.Name())
			ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
			cands = append(cands, candidate{
				path:   path,
				source: source,
				sha:    sha,
				dir:    strings.ToLower(filepath.Base(filepath.Dir(path))),
				name:   name,
				ext:    ext,
			})
			return nil
		})
	}

	for _, root := range []struct{ dir, source string }{
		{m.layout.InputsDir(), SourceUser},
		{m.layout.BaselineInputsDir(), SourceBaseline},
	} {
		if _, err := os.Stat(root.dir); os.IsNotExist(err) {
			continue
		}
		if err := walk(root.dir, root.source); err != nil {
			return nil, false, err
		}
	}
	return cands, skipped, nil
}

// hashCached reuses the stored digest when (mtime, size) are unchanged.
// fresh reports whether this sighting was new or changed.
func (m *Matcher) hashCached(path string, info os.FileInfo, source string) (string, bool, error) {
	mtime := info.ModTime().Unix()
	if cached, err := m.store.CachedInputFile(path, mtime, info.Size()); err == nil && cached != nil {
		return cached.SHA256, false, nil
	}
	sha, err := util.SHA256File(path)
	if err != nil {
		return "", false, err
	}
	err = m.store.UpsertInputFile(&store.InputFile{
		Path: path, Source: source, SHA256: sha,
		Size: info.Size(), MTime: mtime,
	})
	return sha, true, err
}

// detectRemoved flags tracked files that vanished from disk and emits
// FILE_REMOVED. Evidence already bound through the file stays: deletions
// never un-satisfy a requirement.
func (m *Matcher) detectRemoved(planID string, cands []candidate, res *ScanResult) error {
	onDisk := make(map[string]bool, len(cands))
	for _, c := range cands {
		onDisk[c.path] = true
	}
	known, err := m.store.KnownInputFiles()
	if err != nil {
		return err
	}
	for _, f := range known {
		if onDisk[f.Path] {
			continue
		}
		if _, err := os.Stat(f.Path); err == nil {
			continue // outside scan caps this pass, still present
		}
		if err := m.store.MarkInputFileMissing(f.Path); err != nil {
			return err
		}
		res.Removed++
		_ = m.store.EmitEvent(planID, planID, "FILE_REMOVED", map[string]interface{}{
			"path": f.Path, "sha256": f.SHA256,
		})
	}
	return nil
}

// scoreCandidate applies the scoring table for one (file, requirement)
// pair.
func scoreCandidate(c candidate, req *model.InputRequirement) int {
	reqName := strings.ToLower(strings.TrimSpace(req.Name))
	score := 0
	if c.dir == reqName {
		score += ScoreDirMatch
	}
	kw := 0
	for _, word := range keywords(reqName) {
		if strings.Contains(c.name, word) {
			kw += ScorePerKeyword
		}
	}
	if kw > ScoreKeywordCap {
		kw = ScoreKeywordCap
	}
	score += kw
	for _, t := range req.AllowedTypes {
		if strings.ToLower(t) == c.ext {
			score += ScoreExtAllowed
			break
		}
	}
	if c.source == SourceUser {
		score += ScoreUserSource
	}
	if score > ScoreCap {
		score = ScoreCap
	}
	return score
}

func keywords(name string) []string {
	fields := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-' || r == ' ' || r == '.'
	})
	var out []string
	for _, f := range fields {
		if len(f) >= 3 {
			out = append(out, f)
		}
	}
	return out
}

// bindFile ranks the requirements a file could satisfy and binds it to
// the top MaxBindsPerFile above the threshold. Two distinct requirements
// tied at the top score mean the file is ambiguous: nothing binds and an
// EVIDENCE_CONFLICT event is emitted.
func (m *Matcher) bindFile(planID string, c candidate, reqs []*model.InputRequirement) (int, bool) {
	type scored struct {
		req   *model.InputRequirement
		score int
	}
	var ranked []scored
	for _, req := range reqs {
		if s := scoreCandidate(c, req); s >= BindThreshold {
			ranked = append(ranked, scored{req, s})
		}
	}
	if len(ranked) == 0 {
		return 0, false
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].req.RequirementID < ranked[j].req.RequirementID
	})

	if len(ranked) > 1 && ranked[0].score == ranked[1].score &&
		ranked[0].req.RequirementID != ranked[1].req.RequirementID {
		_ = m.store.EmitEvent(planID, ranked[0].req.TaskID, "EVIDENCE_CONFLICT", map[string]interface{}{
			"path":   c.path,
			"sha256": c.sha,
			"score":  ranked[0].score,
			"requirement_ids": []string{
				ranked[0].req.RequirementID, ranked[1].req.RequirementID,
			},
		})
		return 0, true
	}

	bound := 0
	for i := 0; i < len(ranked) && i < MaxBindsPerFile; i++ {
		inserted, err := m.store.BindEvidence(&store.Evidence{
			RequirementID: ranked[i].req.RequirementID,
			EvidenceType:  "FILE",
			RefID:         c.sha,
			RefPath:       c.path,
			SHA256:        c.sha,
		})
		if err != nil {
			logging.Get(logging.CategoryMatcher).Warn("bind %s: %v", c.path, err)
			continue
		}
		if inserted {
			bound++
			_ = m.store.EmitEvent(planID, ranked[i].req.TaskID, "EVIDENCE_ADDED", map[string]interface{}{
				"requirement_id": ranked[i].req.RequirementID,
				"path":           c.path,
				"sha256":         c.sha,
				"score":          ranked[i].score,
			})
		}
	}
	return bound, false
}
