package altopt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelperProcess is not a real test. It is the worker child started by the ProcessWorker
// tests, behaving according to HELPER_MODE.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}

	fmt.Println("Loaded dataset `voc_2007_trainval` for training")
	fmt.Fprintln(os.Stderr, "I0101 solver.cpp] Iteration 20, loss = 0.5")

	switch os.Getenv("HELPER_MODE") {
	case "ok":
		fmt.Println(`result {"model_paths": ["/out/a_iter_10.caffemodel", "/out/a_iter_20.caffemodel"]}`)
		fmt.Println("done")
	case "echo":
		enc, _ := json.Marshal(Result{ModelPaths: args})
		fmt.Printf("result %s\n", enc)
	case "twice":
		fmt.Println(`result {"proposal_path": "/out/first_proposals.pkl"}`)
		fmt.Println(`result {"proposal_path": "/out/second_proposals.pkl"}`)
	case "noresult":
	case "malformed":
		fmt.Println(`result {"model_paths": [`)
	case "empty":
		fmt.Println(`result {}`)
	case "crash":
		fmt.Println(`result {"model_paths": ["/out/a_iter_20.caffemodel"]}`)
		os.Exit(3)
	case "hang":
		time.Sleep(time.Minute)
	case "fork":
		// A data loader inheriting stdout, then a hang.
		startHelperChild("hang")
		time.Sleep(time.Minute)
	case "linger":
		fmt.Println(`result {"model_paths": ["/out/a_iter_20.caffemodel"]}`)
		startHelperChild("sleep")
	case "sleep":
		time.Sleep(10 * time.Second)
	}
}

func startHelperChild(mode string) {
	cmd := exec.Command(os.Args[0], "-test.run=TestHelperProcess", "--")
	cmd.Env = append(os.Environ(), "HELPER_MODE="+mode)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

func helperWorker(mode string, output *bytes.Buffer) *ProcessWorker {
	return &ProcessWorker{
		Command: []string{os.Args[0], "-test.run=TestHelperProcess", "--"},
		Env:     []string{"GO_WANT_HELPER_PROCESS=1", "HELPER_MODE=" + mode},
		Output:  output,
	}
}

var rpnTask = Task{
	Step:          "rpn_stage1",
	Role:          TrainRPN,
	Imdb:          "voc_2007_trainval",
	GPU:           1,
	Solver:        "models/ZF/faster_rcnn_alt_opt/stage1_rpn_solver60k80k.pt",
	InitModel:     "data/imagenet_models/ZF.v2.caffemodel",
	MaxIters:      80000,
	SnapshotInfix: "stage1",
}

func TestProcessWorker(t *testing.T) {
	var out bytes.Buffer
	res, err := helperWorker("ok", &out).Run(context.Background(), rpnTask)
	require.NoError(t, err)
	assert.Equal(t, []string{"/out/a_iter_10.caffemodel", "/out/a_iter_20.caffemodel"}, res.ModelPaths)
	assert.Equal(t, "/out/a_iter_20.caffemodel", res.FinalModel())

	assert.Contains(t, out.String(), "Loaded dataset")
	assert.Contains(t, out.String(), "Iteration 20")
	assert.Contains(t, out.String(), "done")
	assert.NotContains(t, out.String(), "model_paths")
}

func TestProcessWorkerArgs(t *testing.T) {
	var out bytes.Buffer
	res, err := helperWorker("echo", &out).Run(context.Background(), rpnTask)
	require.NoError(t, err)
	assert.Equal(t, rpnTask.Args(), res.ModelPaths)
}

func TestProcessWorkerFirstResultWins(t *testing.T) {
	var out bytes.Buffer
	task := Task{Step: "rpn_stage1_proposals", Role: GenerateProposals}
	res, err := helperWorker("twice", &out).Run(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, "/out/first_proposals.pkl", res.ProposalPath)
}

func TestProcessWorkerFailures(t *testing.T) {
	tests := []struct {
		mode  string
		code  ErrorCode
		cause error
	}{
		{"noresult", CodeResult, ErrNoResult},
		{"malformed", CodeResult, ErrBadResult},
		{"empty", CodeResult, ErrBadResult},
		{"crash", CodeExit, ErrWorkerExit},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			var out bytes.Buffer
			_, err := helperWorker(tt.mode, &out).Run(context.Background(), rpnTask)
			require.Error(t, err)

			var stageErr *StageError
			require.True(t, errors.As(err, &stageErr))
			assert.Equal(t, tt.code, stageErr.Code)
			assert.Equal(t, "rpn_stage1", stageErr.Step)
			assert.Equal(t, TrainRPN, stageErr.Role)
			assert.ErrorIs(t, err, tt.cause)
		})
	}
}

func TestProcessWorkerCanceled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var out bytes.Buffer
	start := time.Now()
	_, err := helperWorker("hang", &out).Run(ctx, rpnTask)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 30*time.Second)

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, CodeCanceled, stageErr.Code)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProcessWorkerCanceledWithDescendant(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	var out bytes.Buffer
	start := time.Now()
	_, err := helperWorker("fork", &out).Run(ctx, rpnTask)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 15*time.Second)

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, CodeCanceled, stageErr.Code)
}

func TestProcessWorkerDescendantHoldsOutput(t *testing.T) {
	var out bytes.Buffer
	w := helperWorker("linger", &out)
	w.WaitDelay = 300 * time.Millisecond

	start := time.Now()
	res, err := w.Run(context.Background(), rpnTask)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 8*time.Second)
	assert.Equal(t, "/out/a_iter_20.caffemodel", res.FinalModel())
}

func TestProcessWorkerStartFailure(t *testing.T) {
	w := &ProcessWorker{Command: []string{"/nonexistent/worker"}}
	_, err := w.Run(context.Background(), rpnTask)

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, CodeStart, stageErr.Code)

	_, err = (&ProcessWorker{}).Run(context.Background(), rpnTask)
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, CodeStart, stageErr.Code)
}

func TestProcessWorkerWatch(t *testing.T) {
	var out bytes.Buffer
	w := helperWorker("ok", &out)
	watched := make(chan int, 1)
	w.Watch = func(ctx context.Context, step string, pid int) {
		watched <- pid
		<-ctx.Done()
	}

	_, err := w.Run(context.Background(), rpnTask)
	require.NoError(t, err)
	select {
	case pid := <-watched:
		assert.NotZero(t, pid)
	case <-time.After(5 * time.Second):
		t.Fatal("watch was not called")
	}
}

func TestReadResult(t *testing.T) {
	input := "log line\nresult {\"proposal_path\": \"p.pkl\"}\nresult {\"proposal_path\": \"q.pkl\"}\ntail"
	var out bytes.Buffer
	results := make(chan outcome, 1)
	readResult(strings.NewReader(input), &out, results)

	o := <-results
	require.NoError(t, o.err)
	assert.Equal(t, "p.pkl", o.result.ProposalPath)
	assert.Equal(t, "log line\ntail", out.String())
}

func TestTaskArgs(t *testing.T) {
	task := rpnTask
	task.CfgFile = "experiments/cfgs/faster_rcnn_alt_opt.yml"
	task.Set = []string{"RNG_SEED", "42"}
	task.StartingIters = 20000

	assert.Equal(t, []string{
		"train_rpn", "--imdb", "voc_2007_trainval", "--gpu", "1",
		"--cfg", "experiments/cfgs/faster_rcnn_alt_opt.yml",
		"--solver", "models/ZF/faster_rcnn_alt_opt/stage1_rpn_solver60k80k.pt",
		"--starting-iters", "20000", "--max-iters", "80000",
		"--init-model", "data/imagenet_models/ZF.v2.caffemodel",
		"--set", "RNG_SEED", "42",
		"TRAIN.HAS_RPN", "True", "TRAIN.BBOX_REG", "False", "TRAIN.PROPOSAL_METHOD", "gt",
		"TRAIN.IMS_PER_BATCH", "1",
		"TRAIN.SNAPSHOT_INFIX", "stage1", "GPU_ID", "1",
	}, task.Args())

	gen := Task{Role: GenerateProposals, Imdb: "voc_2007_trainval", RPNModel: "m.caffemodel", TestDef: "rpn_test.pt"}
	assert.Equal(t, []string{
		"rpn_generate", "--imdb", "voc_2007_trainval", "--gpu", "0",
		"--rpn-model", "m.caffemodel", "--test-def", "rpn_test.pt",
		"--set", "TEST.RPN_PRE_NMS_TOP_N", "-1", "TEST.RPN_POST_NMS_TOP_N", "2000", "GPU_ID", "0",
	}, gen.Args())

	frcnn := Task{Role: TrainFastRCNN, Imdb: "voc_2007_trainval", Solver: "s.pt", MaxIters: 40000, RPNFile: "p.pkl"}
	args := frcnn.Args()
	assert.Contains(t, args, "--rpn-file")
	assert.NotContains(t, args, "--init-model")
	assert.Contains(t, args, "rpn")
}

func TestSolvers(t *testing.T) {
	stages, testDef := Solvers("models", "ZF", DefaultMaxIters)
	assert.Equal(t, "models/ZF/faster_rcnn_alt_opt/rpn_test.pt", testDef)

	assert.Equal(t, "models/ZF/faster_rcnn_alt_opt/stage1_rpn_solver60k80k.pt", stages[0].Solver)
	assert.Equal(t, "models/ZF/faster_rcnn_alt_opt/stage1_fast_rcnn_solver30k40k.pt", stages[1].Solver)
	assert.Equal(t, "models/ZF/faster_rcnn_alt_opt/stage2_rpn_solver60k80k.pt", stages[2].Solver)
	assert.Equal(t, "models/ZF/faster_rcnn_alt_opt/stage2_fast_rcnn_solver30k40k.pt", stages[3].Solver)

	for i, s := range stages {
		assert.Equal(t, i+1, s.Index)
		assert.Equal(t, DefaultMaxIters[i], s.MaxIters)
	}
	assert.Equal(t, []Role{TrainRPN, TrainFastRCNN, TrainRPN, TrainFastRCNN},
		[]Role{stages[0].Role, stages[1].Role, stages[2].Role, stages[3].Role})
	assert.Equal(t, "stage2", stages[3].SnapshotInfix)
	assert.Equal(t, "ZF_faster_rcnn_final.caffemodel", FinalModelName("ZF"))
}
