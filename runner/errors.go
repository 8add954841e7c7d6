package runner

import (
	"fmt"

	"github.com/pkg/errors"
)

// Stage names the pipeline step a failure occurred in
type Stage string

const (
	StageSelect    Stage = "select"
	StageLoad      Stage = "load"
	StageBuild     Stage = "build"
	StagePartition Stage = "partition"
	StageAllocate  Stage = "allocate"
	StageUpload    Stage = "upload"
	StageDispatch  Stage = "dispatch"
	StageAwait     Stage = "await"
	StageDownload  Stage = "download"
	StageProfile   Stage = "profile"
	StageReduce    Stage = "reduce"
	StageClose     Stage = "close"
)

// StageError attaches the failing stage to an underlying error
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageError(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{Stage: stage, Err: err}
}

// StageOf returns the stage recorded in err, or "" if none
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}
