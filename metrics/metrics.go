// Package metrics records training pipeline progress in a private Prometheus registry.
//
// The registry is written to a node-exporter textfile after every step and can be served over
// HTTP while a run is in progress. All Recorder methods accept a nil receiver.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/sensorable/rcnnkit/logger"
)

// Step outcomes.
const (
	Completed = "completed"
	Skipped   = "skipped"
	Reused    = "reused"
	Failed    = "failed"
)

// Recorder owns the pipeline collectors.
type Recorder struct {
	registry  *prometheus.Registry
	steps     *prometheus.CounterVec
	duration  *prometheus.GaugeVec
	iteration *prometheus.GaugeVec
	rss       *prometheus.GaugeVec
	deleted   prometheus.Counter
}

// NewRecorder creates a Recorder with its own registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "altopt_steps_total",
			Help: "Pipeline steps by stage and outcome",
		}, []string{"step", "outcome"}),
		duration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "altopt_step_duration_seconds",
			Help: "Wall time of the last execution of each step",
		}, []string{"step"}),
		iteration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "altopt_checkpoint_iteration",
			Help: "Iteration of the model artifact each training stage ended with",
		}, []string{"step"}),
		rss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "altopt_worker_rss_megabytes",
			Help: "Peak resident memory of the worker process of each step",
		}, []string{"step"}),
		deleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "altopt_snapshots_deleted_total",
			Help: "Intermediate snapshots removed after training",
		}),
	}
	r.registry.MustRegister(r.steps, r.duration, r.iteration, r.rss, r.deleted)
	return r
}

// Step records the outcome of a step, and its duration when it ran a worker.
func (r *Recorder) Step(step, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.steps.WithLabelValues(step, outcome).Inc()
	if d > 0 {
		r.duration.WithLabelValues(step).Set(d.Seconds())
	}
}

// Iteration records the checkpoint iteration a training stage ended with.
func (r *Recorder) Iteration(step string, iter int) {
	if r == nil {
		return
	}
	r.iteration.WithLabelValues(step).Set(float64(iter))
}

// SnapshotsDeleted counts removed intermediate snapshots.
func (r *Recorder) SnapshotsDeleted(n int) {
	if r == nil {
		return
	}
	r.deleted.Add(float64(n))
}

// WatchProcess samples the resident memory of pid every interval until ctx is done or the
// process is gone, keeping the peak in the step's gauge.
func (r *Recorder) WatchProcess(ctx context.Context, step string, pid int, interval time.Duration) {
	if r == nil {
		return
	}
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		logger.S().Debugw("Cannot watch worker process", "pid", pid, "error", err)
		return
	}

	gauge := r.rss.WithLabelValues(step)
	var peak float64
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := proc.MemoryInfoWithContext(ctx)
			if err != nil {
				return
			}
			if mb := float64(info.RSS) / 1024 / 1024; mb > peak {
				peak = mb
				gauge.Set(peak)
			}
		}
	}
}

// WriteTextfile writes the current values in the Prometheus text format to path.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, r.registry)
}

// Handler serves the registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Gatherer exposes the registry to tests and other exporters. A nil Recorder gathers nothing.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.Gatherers{}
	}
	return r.registry
}
