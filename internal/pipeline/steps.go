package pipeline

// Step names are the checkpoint keys; renaming one invalidates recorded
// checkpoints for in-flight jobs.
const (
	StepStart               = "start"
	StepLoadDependency      = "load-dependency"
	StepLoadDependencyDelay = "load-dependency-delay"
	StepPrepareInput        = "prepare-input"
	StepPrepareInputDelay   = "prepare-input-delay"
	StepCheckForcedFailure  = "check-forced-failure"
	StepHandleFailure       = "handle-failure"
	StepRunMainWork         = "run-main-work"
	StepRunMainWorkDelay    = "run-main-work-delay"
	StepPostProcess         = "post-process"
	StepPostProcessDelay    = "post-process-delay"
	StepFinalize            = "finalize"
)

// stepPercent is the progress reached once a step has started
var stepPercent = map[string]int{
	StepStart:               0,
	StepLoadDependency:      10,
	StepLoadDependencyDelay: 10,
	StepPrepareInput:        25,
	StepPrepareInputDelay:   25,
	StepCheckForcedFailure:  25,
	StepHandleFailure:       25,
	StepRunMainWork:         40,
	StepRunMainWorkDelay:    40,
	StepPostProcess:         85,
	StepPostProcessDelay:    85,
	StepFinalize:            100,
}

// percentFor returns the progress of a step, 0 for unknown names
func percentFor(step string) int {
	return stepPercent[step]
}

type startResult struct{}

type loadResult struct{}

type prepareResult struct {
	Input string `json:"input"`
}

type forcedFailureResult struct {
	SimulateFailure bool `json:"simulate_failure"`
}

type mainWorkResult struct {
	DelayMS int64 `json:"delay_ms"`
}

type postProcessResult struct{}

type finalizeResult struct {
	Output string `json:"output"`
}

type failureResult struct {
	Error string `json:"error"`
}
