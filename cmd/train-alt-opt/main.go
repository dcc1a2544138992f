// Trains a Faster R-CNN network using alternating optimisation, running every stage in a
// separate worker process and resuming from snapshots found in the output directory.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/sensorable/rcnnkit/altopt"
	"github.com/sensorable/rcnnkit/logger"
	"github.com/sensorable/rcnnkit/metrics"
)

const (
	setFlag         = "--set"
	rssPollInterval = 5 * time.Second
)

var (
	gpuID        int    // The GPU device id.
	netName      string // The network name, e.g. "ZF".
	weights      string // The pretrained model weights.
	cfgFile      string // The optional framework config file.
	imdbName     string // The dataset to train on.
	driverConfig string // The driver config YAML file.
)

func init() {
	flag.Usage = func() {
		_, _ = fmt.Fprintf(os.Stderr, "Usage of %s:\n", filepath.Base(os.Args[0]))
		_, _ = fmt.Fprintln(os.Stderr, "  --net_name <name> --weights <file> [--gpu <id>] [--cfg <file>]"+
			" [--imdb <name>] [--set KEY VALUE ...]")
		_, _ = fmt.Fprintln(os.Stderr)
		flag.PrintDefaults()
		_, _ = fmt.Fprintln(os.Stderr, "  --set KEY VALUE ...\n    \tSet framework config keys (must come last)")
	}

	flag.IntVar(&gpuID, "gpu", 0, "GPU device `id` to use")
	flag.StringVar(&netName, "net_name", "", "Network `name` (e.g. \"ZF\")")
	flag.StringVar(&weights, "weights", "", "Initialize with pretrained model weights from `file`")
	flag.StringVar(&cfgFile, "cfg", "", "Optional framework config `file`")
	flag.StringVar(&imdbName, "imdb", "voc_2007_trainval", "Dataset `name` to train on")
	flag.StringVar(&driverConfig, "driver-config", "",
		"Driver config YAML `file` (defaults to $"+altopt.ConfigEnv+")")
}

// splitSet separates the framework overrides, which take the rest of the command line.
func splitSet(args []string) (flags, set []string) {
	for i, a := range args {
		if a == setFlag || a == "-set" {
			return args[:i], args[i+1:]
		}
	}
	return args, nil
}

func main() {
	if len(os.Args) == 1 {
		flag.Usage()
		os.Exit(1)
	}

	args, set := splitSet(os.Args[1:])
	if err := flag.CommandLine.Parse(args); err != nil {
		os.Exit(2)
	}

	cfg, err := altopt.Load(driverConfig)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	initLog := logger.InitProduction
	if cfg.LogDevelopment {
		initLog = logger.InitDevelopment
	}
	if err := initLog(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "cannot initialise logging:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	printUsageAndExit := func(msg string) {
		logger.S().Error(msg)
		flag.Usage()
		logger.Sync()
		os.Exit(1)
	}
	if netName == "" {
		printUsageAndExit("--net_name is required")
	}
	if len(set)%2 != 0 {
		printUsageAndExit("--set needs KEY VALUE pairs")
	}

	logger.S().Infow("Called with args", "gpu", gpuID, "net_name", netName, "weights", weights,
		"cfg", cfgFile, "imdb", imdbName, "set", set)

	if err := run(cfg, set); err != nil {
		logger.S().Errorw("Training failed", "error", err)
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg altopt.Config, set []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	outputDir, err := cfg.OutputDirFor(imdbName, cfgFile, set)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}
	logger.S().Infow("Got output dir", "path", outputDir)

	stages, testDef := altopt.Solvers(cfg.ModelsDir, netName, cfg.MaxIters)
	logger.S().Debugw("Created solvers", "stages", stages, "rpn_test", testDef)

	runID := uuid.NewString()
	rec := metrics.NewRecorder()
	board := altopt.NewStatusBoard(runID, outputDir)

	worker := &altopt.ProcessWorker{
		Command: cfg.WorkerCommand,
		Dir:     cfg.WorkerDir,
		Watch: func(ctx context.Context, step string, pid int) {
			rec.WatchProcess(ctx, step, pid, rssPollInterval)
		},
	}

	p := &altopt.Pipeline{
		Worker:      worker,
		Stages:      stages,
		TestDef:     testDef,
		Imdb:        imdbName,
		GPU:         gpuID,
		CfgFile:     cfgFile,
		Set:         set,
		Weights:     weights,
		NetName:     netName,
		OutputDir:   outputDir,
		Metrics:     rec,
		MetricsFile: cfg.MetricsFile,
		Status:      board,
		RunID:       runID,
	}
	if cfg.NotifyURL != "" {
		p.Notifier = altopt.NewWebhookNotifier(cfg.NotifyURL)
	}

	if cfg.StatusAddr != "" {
		serveCtx, stopServe := context.WithCancel(ctx)
		defer stopServe()
		go func() {
			err := altopt.ServeStatus(serveCtx, cfg.StatusAddr, board, rec)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.S().Warnw("Status server stopped", "error", err)
			}
		}()
	}

	finalPath, err := p.Run(ctx)
	if err != nil {
		return err
	}
	logger.S().Infow("Training complete", "final_model", finalPath, "run_id", runID)
	return nil
}
