package fileutil

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "zf_fast_rcnn_stage2_iter_40000.caffemodel")
	dst := filepath.Join(dir, "ZF_faster_rcnn_final.caffemodel")
	require.NoError(t, os.WriteFile(src, []byte("weights"), 0644))
	require.NoError(t, os.WriteFile(dst, []byte("old weights, longer"), 0644))

	require.NoError(t, CopyFile(src, dst))
	enc, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "weights", string(enc))

	assert.Error(t, CopyFile(filepath.Join(dir, "missing"), dst))
	assert.Error(t, CopyFile(src, filepath.Join(dir, "no", "such", "dir")))
}

type closer struct{ err error }

func (c closer) Close() error { return c.err }

func TestCloseWithErrCheck(t *testing.T) {
	closeErr := errors.New("close")
	first := errors.New("first")

	var err error
	CloseWithErrCheck(closer{closeErr}, &err)
	assert.Equal(t, closeErr, err)

	err = first
	CloseWithErrCheck(closer{closeErr}, &err)
	assert.Equal(t, first, err)

	err = nil
	CloseWithErrCheck(closer{}, &err)
	assert.NoError(t, err)
}
