package altopt

import (
	"errors"
	"fmt"
)

// Worker failure causes. A StageError wraps one of these, or the underlying I/O error.
var (
	ErrNoResult   = errors.New("worker exited without posting a result")
	ErrBadResult  = errors.New("worker posted a malformed result")
	ErrWorkerExit = errors.New("worker exited with an error")
)

// ErrorCode classifies a StageError.
type ErrorCode string

// Error codes.
const (
	CodeStart    ErrorCode = "WORKER_START"
	CodeResult   ErrorCode = "WORKER_RESULT"
	CodeExit     ErrorCode = "WORKER_EXIT"
	CodeCanceled ErrorCode = "CANCELED"
	CodeArtifact ErrorCode = "ARTIFACT"
)

// StageError is returned when a pipeline step fails.
type StageError struct {
	Code  ErrorCode
	Step  string // e.g. "rpn_stage1" or "rpn_stage1_proposals".
	Role  Role
	Cause error
}

func (e *StageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s %s (%s): %v", e.Code, e.Step, e.Role, e.Cause)
	}
	return fmt.Sprintf("%s %s (%s)", e.Code, e.Step, e.Role)
}

func (e *StageError) Unwrap() error {
	return e.Cause
}

func newStageError(code ErrorCode, step string, role Role, cause error) *StageError {
	return &StageError{Code: code, Step: step, Role: role, Cause: cause}
}
