package altopt

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sensorable/rcnnkit/logger"
)

// Task describes one worker invocation.
type Task struct {
	Step    string // Name used in errors, logs and metrics.
	Role    Role
	Imdb    string
	GPU     int
	CfgFile string   // Optional framework config file.
	Set     []string // Framework config overrides from the command line, KEY VALUE pairs.

	// Training.
	Solver        string
	InitModel     string
	StartingIters int
	MaxIters      int
	SnapshotInfix string
	RPNFile       string // Proposals for Fast R-CNN training.

	// Proposal generation.
	RPNModel string
	TestDef  string
}

// Args returns the worker command line arguments for t. Config overrides come last, with the
// role's own overrides after the user's so that they take precedence.
func (t Task) Args() []string {
	args := []string{t.Role.String(), "--imdb", t.Imdb, "--gpu", strconv.Itoa(t.GPU)}
	if t.CfgFile != "" {
		args = append(args, "--cfg", t.CfgFile)
	}

	switch t.Role {
	case TrainRPN, TrainFastRCNN:
		args = append(args,
			"--solver", t.Solver,
			"--starting-iters", strconv.Itoa(t.StartingIters),
			"--max-iters", strconv.Itoa(t.MaxIters))
		if t.InitModel != "" {
			args = append(args, "--init-model", t.InitModel)
		}
		if t.Role == TrainFastRCNN {
			args = append(args, "--rpn-file", t.RPNFile)
		}
	case GenerateProposals:
		args = append(args, "--rpn-model", t.RPNModel, "--test-def", t.TestDef)
	}

	set := append([]string{}, t.Set...)
	set = append(set, t.Role.Overrides()...)
	if t.SnapshotInfix != "" {
		set = append(set, "TRAIN.SNAPSHOT_INFIX", t.SnapshotInfix)
	}
	set = append(set, "GPU_ID", strconv.Itoa(t.GPU))
	return append(append(args, "--set"), set...)
}

// Result is what a worker posts when it is done.
type Result struct {
	ModelPaths   []string `json:"model_paths,omitempty"`   // Snapshots written, last one final.
	ProposalPath string   `json:"proposal_path,omitempty"` // Generated proposals.
}

// validate checks that r carries what role produces.
func (r Result) validate(role Role) error {
	switch role {
	case TrainRPN, TrainFastRCNN:
		if len(r.ModelPaths) == 0 || r.ModelPaths[len(r.ModelPaths)-1] == "" {
			return fmt.Errorf("%w: no model path", ErrBadResult)
		}
	case GenerateProposals:
		if r.ProposalPath == "" {
			return fmt.Errorf("%w: no proposal path", ErrBadResult)
		}
	}
	return nil
}

// FinalModel is the last snapshot of a training result.
func (r Result) FinalModel() string {
	if len(r.ModelPaths) == 0 {
		return ""
	}
	return r.ModelPaths[len(r.ModelPaths)-1]
}

// Worker runs a single task to completion.
type Worker interface {
	Run(ctx context.Context, task Task) (Result, error)
}

// ResultPrefix starts the stdout line that carries a worker's JSON result.
const ResultPrefix = "result "

// DefaultWaitDelay bounds how long a worker's output is awaited after the worker exits.
const DefaultWaitDelay = 5 * time.Second

// ProcessWorker runs every task in a fresh child process, so the accelerator memory held by the
// framework is released when the task ends.
//
// The child is started as Command followed by Task.Args. It may print anything; exactly one stdout
// line must be ResultPrefix followed by the JSON encoded Result. All other output is copied to
// Output.
//
// On unix the child leads its own process group, and cancelling the context kills the whole group.
// Descendants that outlive the child, or escaped the group, do not keep Run from returning: their
// output is abandoned WaitDelay after the child exits.
type ProcessWorker struct {
	Command []string
	Dir     string
	Env     []string  // Added to the parent's environment.
	Output  io.Writer // Defaults to os.Stdout.

	// WaitDelay defaults to DefaultWaitDelay.
	WaitDelay time.Duration

	// Watch, when set, runs while the child is alive and is cancelled when it exits.
	Watch func(ctx context.Context, step string, pid int)
}

// outcome is the single message sent from the stdout reader to Run.
type outcome struct {
	result Result
	err    error
}

func (w *ProcessWorker) waitDelay() time.Duration {
	if w.WaitDelay > 0 {
		return w.WaitDelay
	}
	return DefaultWaitDelay
}

// Run starts the child process, collects its result and waits for it to exit.
func (w *ProcessWorker) Run(ctx context.Context, task Task) (Result, error) {
	if len(w.Command) == 0 {
		return Result{}, newStageError(CodeStart, task.Step, task.Role, errors.New("no worker command"))
	}

	args := append(append([]string{}, w.Command[1:]...), task.Args()...)
	cmd := exec.CommandContext(ctx, w.Command[0], args...)
	cmd.Dir = w.Dir
	cmd.Env = append(os.Environ(), w.Env...)
	cmd.WaitDelay = w.waitDelay()
	setProcessGroup(cmd)
	var output io.Writer = os.Stdout
	if w.Output != nil {
		output = &syncWriter{w: w.Output}
	}
	cmd.Stderr = output

	// The stdout pipe is owned here rather than by cmd, so Wait never blocks on it.
	stdout, childStdout, err := os.Pipe()
	if err != nil {
		return Result{}, newStageError(CodeStart, task.Step, task.Role, err)
	}
	defer stdout.Close()
	cmd.Stdout = childStdout

	logger.S().Debugw("Starting worker", "step", task.Step, "command", w.Command[0], "args", args)
	start := time.Now()
	err = cmd.Start()
	_ = childStdout.Close()
	if err != nil {
		return Result{}, newStageError(CodeStart, task.Step, task.Role, err)
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	if w.Watch != nil {
		go w.Watch(watchCtx, task.Step, cmd.Process.Pid)
	}

	results := make(chan outcome, 1)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		readResult(stdout, output, results)
	}()

	// Wait returns once the child is gone: on its own, or killed with its group on cancellation.
	// WaitDelay bounds the stderr copy when a descendant still holds it.
	waitErr := cmd.Wait()
	stopWatch()
	if errors.Is(waitErr, exec.ErrWaitDelay) {
		logger.S().Warnw("Worker exited but its descendants still hold stderr", "step", task.Step)
		waitErr = nil
	}

	select {
	case <-drained:
	case <-time.After(w.waitDelay()):
		logger.S().Warnw("Worker exited but its descendants still hold stdout", "step", task.Step)
	}
	var out outcome
	select {
	case out = <-results:
	default:
		out.err = ErrNoResult
	}

	logger.S().Debugw("Worker exited", "step", task.Step, "elapsed", time.Since(start).String(),
		"error", waitErr)

	switch {
	case ctx.Err() != nil:
		return Result{}, newStageError(CodeCanceled, task.Step, task.Role, ctx.Err())
	case waitErr != nil:
		return Result{}, newStageError(CodeExit, task.Step, task.Role,
			fmt.Errorf("%w: %v", ErrWorkerExit, waitErr))
	case out.err != nil:
		return Result{}, newStageError(CodeResult, task.Step, task.Role, out.err)
	}

	if err := out.result.validate(task.Role); err != nil {
		return Result{}, newStageError(CodeResult, task.Step, task.Role, err)
	}
	return out.result, nil
}

// readResult copies r to output until EOF, posting the first result line (or the first problem
// with one) to results. Later result lines are logged and ignored.
func readResult(r io.Reader, output io.Writer, results chan<- outcome) {
	rd := bufio.NewReader(r)
	posted := false
	post := func(o outcome) {
		if !posted {
			posted = true
			results <- o
		}
	}

	for {
		line, err := rd.ReadString('\n')
		if strings.HasPrefix(line, ResultPrefix) {
			var res Result
			if posted {
				logger.S().Warnw("Ignoring additional worker result", "line", strings.TrimSpace(line))
			} else if jsonErr := json.Unmarshal([]byte(line[len(ResultPrefix):]), &res); jsonErr != nil {
				post(outcome{err: fmt.Errorf("%w: %v", ErrBadResult, jsonErr)})
			} else {
				post(outcome{result: res})
			}
		} else if line != "" {
			_, _ = io.WriteString(output, line)
		}

		if err != nil {
			if err != io.EOF {
				post(outcome{err: fmt.Errorf("reading worker output: %w", err)})
			}
			return
		}
	}
}

// syncWriter serialises writes from the stderr copier and the stdout reader.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
