package altopt

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sensorable/rcnnkit/logger"
	"github.com/sensorable/rcnnkit/metrics"
)

// Status is the progress of a run, as served on /status.
type Status struct {
	RunID     string           `json:"run_id"`
	OutputDir string           `json:"output_dir"`
	Current   string           `json:"current,omitempty"` // Step in progress.
	Steps     map[string]Entry `json:"steps"`
	Done      bool             `json:"done"`
	Error     string           `json:"error,omitempty"`
	StartedAt time.Time        `json:"started_at"`
}

// StatusBoard holds the latest Status. It is safe for concurrent use.
type StatusBoard struct {
	mu     sync.RWMutex
	status Status
}

// NewStatusBoard creates a board for a run.
func NewStatusBoard(runID, outputDir string) *StatusBoard {
	return &StatusBoard{status: Status{
		RunID:     runID,
		OutputDir: outputDir,
		Steps:     map[string]Entry{},
		StartedAt: time.Now().UTC(),
	}}
}

// Update applies fn to the status under the lock. A nil board is ignored.
func (b *StatusBoard) Update(fn func(s *Status)) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(&b.status)
}

// Get returns a copy of the status.
func (b *StatusBoard) Get() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := b.status
	s.Steps = make(map[string]Entry, len(b.status.Steps))
	for k, v := range b.status.Steps {
		s.Steps[k] = v
	}
	return s
}

// NewStatusRouter serves the board on GET /status and the recorder on GET /metrics.
func NewStatusRouter(board *StatusBoard, rec *metrics.Recorder) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, board.Get())
	})
	r.GET("/metrics", gin.WrapH(rec.Handler()))
	return r
}

// ServeStatus runs the status server on addr until ctx is done.
func ServeStatus(ctx context.Context, addr string, board *StatusBoard, rec *metrics.Recorder) error {
	srv := &http.Server{Addr: addr, Handler: NewStatusRouter(board, rec)}

	errs := make(chan error, 1)
	go func() {
		errs <- srv.ListenAndServe()
	}()
	logger.S().Infow("Status server listening", "addr", addr)

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
