package altopt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte(n), 0644))
	}
}

func TestLatestCheckpoint(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir,
		"zf_rpn_stage1_iter_10000.caffemodel",
		"zf_rpn_stage1_iter_80000.caffemodel",
		"zf_rpn_stage1_iter_9000.caffemodel",
		"zf_rpn_stage1_iter_80000_proposals.pkl",
		"zf_fast_rcnn_stage1_iter_40000.caffemodel",
		"zf_rpn_stage2_iter_5.caffemodel",
	)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "zf_rpn_stage1_iter_90000.caffemodel"), 0755))

	c, err := LatestCheckpoint(dir, "rpn_stage1")
	require.NoError(t, err)
	assert.True(t, c.Found())
	assert.Equal(t, 80000, c.Iteration)
	assert.Equal(t, filepath.Join(dir, "zf_rpn_stage1_iter_80000.caffemodel"), c.Path)

	all, err := ScanCheckpoints(dir, "rpn_stage1")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []int{9000, 10000, 80000}, []int{all[0].Iteration, all[1].Iteration, all[2].Iteration})

	c, err = LatestCheckpoint(dir, "fast_rcnn_stage2")
	require.NoError(t, err)
	assert.False(t, c.Found())
}

func TestLatestCheckpointMissingDir(t *testing.T) {
	c, err := LatestCheckpoint(filepath.Join(t.TempDir(), "none"), "rpn_stage1")
	require.NoError(t, err)
	assert.False(t, c.Found())
}

func TestLatestCheckpointBadIteration(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "zf_rpn_stage1_iter_final.caffemodel")
	_, err := LatestCheckpoint(dir, "rpn_stage1")
	assert.Error(t, err)
}

func TestScanProposals(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir,
		"zf_rpn_stage1_iter_8000_proposals.pkl",
		"zf_rpn_stage1_iter_80000_proposals.pkl",
		"zf_rpn_stage2_iter_80000_proposals.pkl",
	)

	c, err := ScanProposals(dir, "rpn_stage1", 80000)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "zf_rpn_stage1_iter_80000_proposals.pkl"), c.Path)

	c, err = ScanProposals(dir, "rpn_stage1", 800)
	require.NoError(t, err)
	assert.False(t, c.Found())
}

func TestIterationOf(t *testing.T) {
	iter, err := IterationOf("/out/vgg16_fast_rcnn_stage2_iter_40000.caffemodel")
	require.NoError(t, err)
	assert.Equal(t, 40000, iter)

	_, err = IterationOf("/out/final.caffemodel")
	assert.Error(t, err)
}
