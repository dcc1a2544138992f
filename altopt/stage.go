package altopt

import (
	"fmt"
	"path/filepath"
)

// Role is the kind of work a worker process performs.
type Role int

// The worker roles.
const (
	TrainRPN Role = iota
	GenerateProposals
	TrainFastRCNN
)

func (r Role) String() string {
	switch r {
	case TrainRPN:
		return "train_rpn"
	case GenerateProposals:
		return "rpn_generate"
	case TrainFastRCNN:
		return "train_fast_rcnn"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// Overrides returns the framework config keys the role forces, as KEY VALUE pairs.
func (r Role) Overrides() []string {
	switch r {
	case TrainRPN:
		// Not using any proposals, just ground-truth boxes.
		return []string{
			"TRAIN.HAS_RPN", "True",
			"TRAIN.BBOX_REG", "False",
			"TRAIN.PROPOSAL_METHOD", "gt",
			"TRAIN.IMS_PER_BATCH", "1",
		}
	case GenerateProposals:
		return []string{
			"TEST.RPN_PRE_NMS_TOP_N", "-1",
			"TEST.RPN_POST_NMS_TOP_N", "2000",
		}
	case TrainFastRCNN:
		// Pre-computed RPN proposals instead of generating them on the fly.
		return []string{
			"TRAIN.HAS_RPN", "False",
			"TRAIN.PROPOSAL_METHOD", "rpn",
			"TRAIN.IMS_PER_BATCH", "2",
		}
	}
	return nil
}

// Stage is one of the four training stages of alternating optimisation.
type Stage struct {
	Index         int    // 1 to 4.
	Name          string // Snapshot name fragment, e.g. "rpn_stage1".
	Role          Role   // TrainRPN or TrainFastRCNN.
	Solver        string // Solver definition path.
	MaxIters      int    // Iteration budget.
	SnapshotInfix string // TRAIN.SNAPSHOT_INFIX for the stage.
}

func (s Stage) String() string {
	return fmt.Sprintf("stage %d (%s)", s.Index, s.Name)
}

// ProposalStep is the name used for metrics and the manifest of the proposal generation that
// follows an RPN stage.
func (s Stage) ProposalStep() string {
	return s.Name + "_proposals"
}

// DefaultMaxIters are the iteration budgets of the four stages.
var DefaultMaxIters = [4]int{80000, 40000, 80000, 40000}

const solverDir = "faster_rcnn_alt_opt"

// Solvers returns the four stage descriptors for netName and the RPN test definition used for
// proposal generation.
func Solvers(modelsDir, netName string, maxIters [4]int) ([4]Stage, string) {
	dir := filepath.Join(modelsDir, netName, solverDir)
	stages := [4]Stage{
		{Index: 1, Name: "rpn_stage1", Role: TrainRPN,
			Solver: filepath.Join(dir, "stage1_rpn_solver60k80k.pt"), SnapshotInfix: "stage1"},
		{Index: 2, Name: "fast_rcnn_stage1", Role: TrainFastRCNN,
			Solver: filepath.Join(dir, "stage1_fast_rcnn_solver30k40k.pt"), SnapshotInfix: "stage1"},
		{Index: 3, Name: "rpn_stage2", Role: TrainRPN,
			Solver: filepath.Join(dir, "stage2_rpn_solver60k80k.pt"), SnapshotInfix: "stage2"},
		{Index: 4, Name: "fast_rcnn_stage2", Role: TrainFastRCNN,
			Solver: filepath.Join(dir, "stage2_fast_rcnn_solver30k40k.pt"), SnapshotInfix: "stage2"},
	}
	for i := range stages {
		stages[i].MaxIters = maxIters[i]
	}
	return stages, filepath.Join(dir, "rpn_test.pt")
}

// FinalModelName is the name the last Fast R-CNN model is copied to.
func FinalModelName(netName string) string {
	return netName + "_faster_rcnn_final" + ModelExt
}
