package core

// Phase is one step of a project's build pipeline.
// Phases run sequentially (PreBuild --> Build --> PostBuild).
type Phase string

const (
	PhasePreBuild  Phase = "PreBuild"
	PhaseBuild     Phase = "Build"
	PhasePostBuild Phase = "PostBuild"
)

// Phases lists the pipeline phases in execution order.
var Phases = []Phase{PhasePreBuild, PhaseBuild, PhasePostBuild}

// FailureResult is the overall build result when a command in this phase fails.
func (p Phase) FailureResult() Result {
	switch p {
	case PhasePostBuild:
		return ResultWarning
	case PhaseBuild:
		return ResultFailed
	default:
		return ResultError
	}
}
