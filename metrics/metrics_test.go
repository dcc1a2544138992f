package metrics

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	r.Step("rpn_stage1", Completed, 90*time.Second)
	r.Step("rpn_stage1_proposals", Reused, 0)
	r.Iteration("rpn_stage1", 80000)
	r.SnapshotsDeleted(3)

	path := filepath.Join(t.TempDir(), "altopt.prom")
	require.NoError(t, r.WriteTextfile(path))

	enc, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(enc)
	assert.Contains(t, text, `altopt_steps_total{outcome="completed",step="rpn_stage1"} 1`)
	assert.Contains(t, text, `altopt_steps_total{outcome="reused",step="rpn_stage1_proposals"} 1`)
	assert.Contains(t, text, `altopt_step_duration_seconds{step="rpn_stage1"} 90`)
	assert.NotContains(t, text, `altopt_step_duration_seconds{step="rpn_stage1_proposals"}`)
	assert.Contains(t, text, `altopt_checkpoint_iteration{step="rpn_stage1"} 80000`)
	assert.Contains(t, text, `altopt_snapshots_deleted_total 3`)

	families, err := r.Gatherer().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestRecorderNil(t *testing.T) {
	var r *Recorder
	r.Step("s", Failed, time.Second)
	r.Iteration("s", 1)
	r.SnapshotsDeleted(1)
	r.WatchProcess(context.Background(), "s", os.Getpid(), time.Millisecond)
	assert.NoError(t, r.WriteTextfile(filepath.Join(t.TempDir(), "x.prom")))
	assert.NotNil(t, r.Handler())

	families, err := r.Gatherer().Gather()
	require.NoError(t, err)
	assert.Empty(t, families)
}

func TestWatchProcess(t *testing.T) {
	r := NewRecorder()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	r.WatchProcess(ctx, "rpn_stage1", os.Getpid(), 10*time.Millisecond)

	path := filepath.Join(t.TempDir(), "altopt.prom")
	require.NoError(t, r.WriteTextfile(path))
	enc, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(enc), `altopt_worker_rss_megabytes{step="rpn_stage1"}`)
}
