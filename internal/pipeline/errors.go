package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownUpstream means a stage names an upstream that is not
	// declared before it.
	ErrUnknownUpstream = errors.New("upstream stage not declared earlier in the pipeline")
	// ErrDuplicateStage means two stages share an id.
	ErrDuplicateStage = errors.New("duplicate stage id")
)

// StageError reports which stage failed. Stages before it keep their
// recorded state; stages after it were not attempted.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
