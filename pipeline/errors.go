package pipeline

import "errors"

// Sentinel errors returned by StateStore implementations. Callers should
// compare with errors.Is, never string-match driver errors.
var (
	ErrProjectNotFound          = errors.New("pipeline: project not found")
	ErrProjectExists            = errors.New("pipeline: project with this repo already exists")
	ErrProjectHasActivePipeline = errors.New("pipeline: project has an active pipeline")
	ErrPipelineNotFound         = errors.New("pipeline: pipeline not found")
	ErrPipelineExists           = errors.New("pipeline: active pipeline already exists for this ticket")
)
