package altopt

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensorable/rcnnkit/metrics"
)

func TestStatusRouter(t *testing.T) {
	gin.SetMode(gin.TestMode)

	board := NewStatusBoard("run-7", "/out")
	rec := metrics.NewRecorder()
	rec.Step("rpn_stage1", metrics.Completed, 3*time.Second)
	board.Update(func(s *Status) {
		s.Current = "rpn_stage1_proposals"
		s.Steps["rpn_stage1"] = Entry{Iteration: 80000, ModelPath: "/out/zf_rpn_stage1_iter_80000.caffemodel"}
	})
	router := NewStatusRouter(board, rec)

	t.Run("status", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var s Status
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &s))
		assert.Equal(t, "run-7", s.RunID)
		assert.Equal(t, "rpn_stage1_proposals", s.Current)
		assert.Equal(t, 80000, s.Steps["rpn_stage1"].Iteration)
		assert.False(t, s.Done)
	})

	t.Run("metrics", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `altopt_step_duration_seconds{step="rpn_stage1"} 3`)
	})
}

func TestStatusBoardConcurrent(t *testing.T) {
	board := NewStatusBoard("run", "/out")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			board.Update(func(s *Status) { s.Steps[string(rune('a'+i))] = Entry{Iteration: i} })
			_ = board.Get()
		}(i)
	}
	wg.Wait()
	assert.Len(t, board.Get().Steps, 8)

	var nilBoard *StatusBoard
	nilBoard.Update(func(s *Status) { s.Done = true })
}

func TestServeStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ServeStatus(ctx, addr, NewStatusBoard("run", "/out"), metrics.NewRecorder())
	}()

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get("http://" + addr + "/status")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Contains(t, string(body), `"run_id":"run"`)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("status server did not stop")
	}
}
