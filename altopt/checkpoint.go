package altopt

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// File name conventions of the training framework's snapshots, e.g.
// "zf_rpn_stage1_iter_80000.caffemodel" and "zf_rpn_stage1_iter_80000_proposals.pkl".
const (
	ModelExt       = ".caffemodel"
	ProposalSuffix = "_proposals.pkl"
)

// Checkpoint is a model or proposals file of a stage at a given iteration.
type Checkpoint struct {
	Stage     string
	Iteration int
	Path      string
}

// Found reports whether c refers to a file.
func (c Checkpoint) Found() bool {
	return c.Path != ""
}

// parseIteration returns the number in the last "_" or "." separated token of name after
// removing suffix.
func parseIteration(name, suffix string) (int, error) {
	trimmed := strings.TrimSuffix(name, suffix)
	tokens := strings.FieldsFunc(trimmed, func(r rune) bool { return r == '_' || r == '.' })
	if len(tokens) == 0 {
		return 0, fmt.Errorf("no iteration in %q", name)
	}
	iter, err := strconv.Atoi(tokens[len(tokens)-1])
	if err != nil || iter < 0 {
		return 0, fmt.Errorf("no iteration in %q", name)
	}
	return iter, nil
}

// scanDir lists the regular files in dir whose names contain stage and end with suffix, with the
// iteration parsed from each. A missing directory holds no files.
func scanDir(dir, stage, suffix string) ([]Checkpoint, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("cannot list %q: %w", dir, err)
	}

	var found []Checkpoint
	for _, e := range entries {
		name := e.Name()
		// Must be a regular file or a symlink.
		if t := e.Type(); !t.IsRegular() && t&os.ModeSymlink == 0 {
			continue
		}
		if !strings.Contains(name, stage) || !strings.HasSuffix(name, suffix) {
			continue
		}
		iter, err := parseIteration(name, suffix)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", stage, err)
		}
		found = append(found, Checkpoint{Stage: stage, Iteration: iter, Path: filepath.Join(dir, name)})
	}

	sort.SliceStable(found, func(i, j int) bool { return found[i].Iteration < found[j].Iteration })
	return found, nil
}

// ScanCheckpoints returns the model snapshots of stage found in dir, ordered by iteration.
func ScanCheckpoints(dir, stage string) ([]Checkpoint, error) {
	return scanDir(dir, stage, ModelExt)
}

// LatestCheckpoint returns the snapshot of stage with the highest iteration in dir. The result is
// not Found when there is none.
func LatestCheckpoint(dir, stage string) (Checkpoint, error) {
	found, err := ScanCheckpoints(dir, stage)
	if err != nil || len(found) == 0 {
		return Checkpoint{Stage: stage}, err
	}
	return found[len(found)-1], nil
}

// ScanProposals returns the proposals file of stage generated from the model at iteration. The
// file content is not validated.
func ScanProposals(dir, stage string, iteration int) (Checkpoint, error) {
	found, err := scanDir(dir, stage, ProposalSuffix)
	if err != nil {
		return Checkpoint{Stage: stage}, err
	}
	for _, c := range found {
		if c.Iteration == iteration {
			return c, nil
		}
	}
	return Checkpoint{Stage: stage}, nil
}

// IterationOf parses the iteration of a model file path, as written by the training framework.
func IterationOf(path string) (int, error) {
	return parseIteration(filepath.Base(path), ModelExt)
}
