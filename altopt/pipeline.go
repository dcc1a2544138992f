// Package altopt drives the four-stage alternating optimisation training of a Faster R-CNN
// detector: RPN, Fast R-CNN on the RPN's proposals, then both again initialised from the previous
// Fast R-CNN model. Every step runs in an external worker process. Snapshots already present in
// the output directory are picked up, so an interrupted run continues where it stopped.
package altopt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/sensorable/rcnnkit/internal/fileutil"
	"github.com/sensorable/rcnnkit/logger"
	"github.com/sensorable/rcnnkit/metrics"
)

// Pipeline holds everything a run needs. Worker, Stages, Imdb, NetName and OutputDir are
// required; reporting fields are optional.
type Pipeline struct {
	Worker  Worker
	Stages  [4]Stage
	TestDef string // RPN test definition for proposal generation.

	Imdb    string
	GPU     int
	CfgFile string
	Set     []string
	Weights string // Pretrained initialisation of stages 1 and 2.
	NetName string

	OutputDir string // Where the workers write snapshots and proposals.

	Metrics     *metrics.Recorder
	MetricsFile string
	Notifier    Notifier
	Status      *StatusBoard
	RunID       string

	manifest *Manifest
}

// Resolution is the resume state of a training stage.
type Resolution struct {
	Checkpoint    Checkpoint // Not Found when the stage starts from scratch.
	Skip          bool       // The checkpoint reached the stage's budget.
	InitModel     string
	StartingIters int
}

// Trained is the model a training stage ended with.
type Trained struct {
	Path      string
	Iteration int
}

func (p *Pipeline) loadManifest() (*Manifest, error) {
	if p.manifest != nil {
		return p.manifest, nil
	}
	m, err := LoadManifest(p.OutputDir)
	if err != nil {
		return nil, err
	}
	p.manifest = m
	return m, nil
}

// Resolve decides how stage runs. The newest snapshot in the output directory competes with the
// manifest entry of the stage; the higher iteration wins. A winner at or beyond the stage budget
// skips the stage, any other winner is resumed from. Without one, the stage trains from init.
func (p *Pipeline) Resolve(stage Stage, init string) (Resolution, error) {
	ckpt, err := LatestCheckpoint(p.OutputDir, stage.Name)
	if err != nil {
		return Resolution{}, err
	}

	m, err := p.loadManifest()
	if err != nil {
		return Resolution{}, err
	}
	if e, ok := m.Lookup(stage.Name); ok && e.ModelPath != "" && (!ckpt.Found() || e.Iteration > ckpt.Iteration) {
		ckpt = Checkpoint{Stage: stage.Name, Iteration: e.Iteration, Path: e.ModelPath}
	}

	if !ckpt.Found() {
		return Resolution{Checkpoint: ckpt, InitModel: init}, nil
	}
	return Resolution{
		Checkpoint:    ckpt,
		Skip:          ckpt.Iteration >= stage.MaxIters,
		InitModel:     ckpt.Path,
		StartingIters: ckpt.Iteration,
	}, nil
}

// Run executes the six steps and copies the final model to its fixed name, returning its path.
func (p *Pipeline) Run(ctx context.Context) (string, error) {
	if p.RunID == "" {
		p.RunID = uuid.NewString()
	}
	if _, err := p.loadManifest(); err != nil {
		return "", err
	}
	s := p.Stages
	logger.S().Infow("Starting alternating optimisation", "run_id", p.RunID, "output_dir", p.OutputDir,
		"imdb", p.Imdb, "net", p.NetName)

	banner("Stage 1 RPN, init from ImageNet model")
	rpn1, err := p.train(ctx, s[0], p.Weights, "")
	if err != nil {
		return "", p.fail(err)
	}

	banner("Stage 1 RPN, generate proposals")
	proposals1, err := p.proposals(ctx, s[0], rpn1)
	if err != nil {
		return "", p.fail(err)
	}

	banner("Stage 1 Fast R-CNN using RPN proposals, init from ImageNet model")
	frcnn1, err := p.train(ctx, s[1], p.Weights, proposals1)
	if err != nil {
		return "", p.fail(err)
	}

	banner("Stage 2 RPN, init from stage 1 Fast R-CNN model")
	rpn2, err := p.train(ctx, s[2], frcnn1.Path, "")
	if err != nil {
		return "", p.fail(err)
	}

	banner("Stage 2 RPN, generate proposals")
	proposals2, err := p.proposals(ctx, s[2], rpn2)
	if err != nil {
		return "", p.fail(err)
	}

	banner("Stage 2 Fast R-CNN, init from stage 2 RPN R-CNN model")
	frcnn2, err := p.train(ctx, s[3], rpn2.Path, proposals2)
	if err != nil {
		return "", p.fail(err)
	}

	finalPath := filepath.Join(filepath.Dir(frcnn2.Path), FinalModelName(p.NetName))
	logger.S().Infow("Copying final model", "from", frcnn2.Path, "to", finalPath)
	if err := fileutil.CopyFile(frcnn2.Path, finalPath); err != nil {
		return "", p.fail(newStageError(CodeArtifact, s[3].Name, s[3].Role, err))
	}
	logger.S().Infow("Final model", "path", finalPath)

	p.Status.Update(func(st *Status) {
		st.Current = ""
		st.Done = true
	})
	return finalPath, nil
}

func banner(title string) {
	logger.S().Info("~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~")
	logger.S().Info(title)
	logger.S().Info("~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~")
}

// train runs or skips a training stage.
func (p *Pipeline) train(ctx context.Context, stage Stage, init, rpnFile string) (Trained, error) {
	res, err := p.Resolve(stage, init)
	if err != nil {
		return Trained{}, newStageError(CodeArtifact, stage.Name, stage.Role, err)
	}

	if res.Skip {
		logger.S().Infow("Stage already trained, skipping", "stage", stage.Name,
			"iteration", res.Checkpoint.Iteration, "path", res.Checkpoint.Path)
		out := Trained{Path: res.Checkpoint.Path, Iteration: res.Checkpoint.Iteration}
		p.Metrics.Iteration(stage.Name, out.Iteration)
		return out, p.complete(ctx, stage.Name, metrics.Skipped, 0, Entry{Iteration: out.Iteration, ModelPath: out.Path})
	}
	if res.Checkpoint.Found() {
		logger.S().Infow("Resuming stage", "stage", stage.Name, "iteration", res.StartingIters,
			"path", res.Checkpoint.Path)
	}
	logger.S().Infow("Init model", "stage", stage.Name, "path", res.InitModel)

	task := Task{
		Step:          stage.Name,
		Role:          stage.Role,
		Imdb:          p.Imdb,
		GPU:           p.GPU,
		CfgFile:       p.CfgFile,
		Set:           p.Set,
		Solver:        stage.Solver,
		InitModel:     res.InitModel,
		StartingIters: res.StartingIters,
		MaxIters:      stage.MaxIters,
		SnapshotInfix: stage.SnapshotInfix,
		RPNFile:       rpnFile,
	}
	result, elapsed, err := p.runTask(ctx, task)
	if err != nil {
		return Trained{}, err
	}

	final := result.FinalModel()
	if _, err := os.Stat(final); err != nil {
		return Trained{}, newStageError(CodeArtifact, stage.Name, stage.Role, err)
	}
	p.removeSnapshots(result.ModelPaths[:len(result.ModelPaths)-1])

	iter, err := IterationOf(final)
	if err != nil {
		logger.S().Warnw("Cannot parse model iteration, assuming the stage budget", "path", final, "error", err)
		iter = stage.MaxIters
	}
	out := Trained{Path: final, Iteration: iter}
	logger.S().Infow("Stage trained", "stage", stage.Name, "iteration", iter, "path", final)
	p.Metrics.Iteration(stage.Name, iter)
	return out, p.complete(ctx, stage.Name, metrics.Completed, elapsed, Entry{Iteration: iter, ModelPath: final})
}

// proposals reuses or generates the proposals of an RPN model.
func (p *Pipeline) proposals(ctx context.Context, stage Stage, rpn Trained) (string, error) {
	step := stage.ProposalStep()

	prev, err := ScanProposals(p.OutputDir, stage.Name, rpn.Iteration)
	if err != nil {
		return "", newStageError(CodeArtifact, step, GenerateProposals, err)
	}
	if !prev.Found() {
		if e, ok := p.manifest.Lookup(step); ok && e.Iteration == rpn.Iteration && e.ProposalPath != "" {
			prev = Checkpoint{Stage: stage.Name, Iteration: e.Iteration, Path: e.ProposalPath}
		}
	}
	if prev.Found() {
		logger.S().Infow("Reusing proposals", "stage", stage.Name, "iteration", rpn.Iteration, "path", prev.Path)
		return prev.Path, p.complete(ctx, step, metrics.Reused, 0,
			Entry{Iteration: rpn.Iteration, ProposalPath: prev.Path})
	}

	logger.S().Infow("RPN model", "stage", stage.Name, "path", rpn.Path)
	task := Task{
		Step:     step,
		Role:     GenerateProposals,
		Imdb:     p.Imdb,
		GPU:      p.GPU,
		CfgFile:  p.CfgFile,
		Set:      p.Set,
		RPNModel: rpn.Path,
		TestDef:  p.TestDef,
	}
	result, elapsed, err := p.runTask(ctx, task)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(result.ProposalPath); err != nil {
		return "", newStageError(CodeArtifact, step, GenerateProposals, err)
	}

	logger.S().Infow("Wrote RPN proposals", "stage", stage.Name, "path", result.ProposalPath)
	return result.ProposalPath, p.complete(ctx, step, metrics.Completed, elapsed,
		Entry{Iteration: rpn.Iteration, ProposalPath: result.ProposalPath})
}

func (p *Pipeline) runTask(ctx context.Context, task Task) (Result, time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, 0, newStageError(CodeCanceled, task.Step, task.Role, err)
	}
	p.Status.Update(func(st *Status) { st.Current = task.Step })

	start := time.Now()
	result, err := p.Worker.Run(ctx, task)
	elapsed := time.Since(start)
	if err != nil {
		var stageErr *StageError
		if !errors.As(err, &stageErr) {
			err = newStageError(CodeResult, task.Step, task.Role, err)
		}
		return Result{}, elapsed, err
	}
	if err := result.validate(task.Role); err != nil {
		return Result{}, elapsed, newStageError(CodeResult, task.Step, task.Role, err)
	}
	return result, elapsed, nil
}

// removeSnapshots deletes the intermediate snapshots of a training stage.
func (p *Pipeline) removeSnapshots(paths []string) {
	removed := 0
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.S().Warnw("Cannot remove snapshot", "path", path, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		logger.S().Debugw("Removed intermediate snapshots", "count", removed)
		p.Metrics.SnapshotsDeleted(removed)
	}
}

// complete records a finished step in the manifest, metrics, status board and webhook.
func (p *Pipeline) complete(ctx context.Context, step, outcome string, elapsed time.Duration, e Entry) error {
	e.RunID = p.RunID
	if err := p.manifest.Record(step, e); err != nil {
		return fmt.Errorf("step %s: %w", step, err)
	}

	p.Metrics.Step(step, outcome, elapsed)
	p.writeMetrics()
	p.Status.Update(func(st *Status) { st.Steps[step] = e })

	path := e.ModelPath
	if path == "" {
		path = e.ProposalPath
	}
	p.notify(ctx, Event{RunID: p.RunID, Step: step, Outcome: outcome, Iteration: e.Iteration, Path: path})
	return nil
}

// fail reports err and returns it.
func (p *Pipeline) fail(err error) error {
	step := ""
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		step = stageErr.Step
		p.Metrics.Step(step, metrics.Failed, 0)
		p.writeMetrics()
	}
	p.Status.Update(func(st *Status) {
		st.Done = true
		st.Error = err.Error()
	})
	p.notify(context.Background(), Event{RunID: p.RunID, Step: step, Outcome: metrics.Failed, Error: err.Error()})
	return err
}

func (p *Pipeline) writeMetrics() {
	if err := p.Metrics.WriteTextfile(p.MetricsFile); err != nil {
		logger.S().Warnw("Cannot write metrics", "path", p.MetricsFile, "error", err)
	}
}

func (p *Pipeline) notify(ctx context.Context, ev Event) {
	if p.Notifier == nil {
		return
	}
	if err := p.Notifier.Notify(context.WithoutCancel(ctx), ev); err != nil {
		logger.S().Warnw("Cannot deliver event", "step", ev.Step, "error", err)
	}
}
