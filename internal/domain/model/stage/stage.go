package stage

// Stage represents one phase of the experiment lifecycle
type Stage string

const (
	StageHypothesis           Stage = "hypothesis"
	StageDesign               Stage = "design"
	StageImplementation       Stage = "implementation"
	StageImplementationReview Stage = "implementation_review"
	StageLaunch               Stage = "launch"
	StageExtractResults       Stage = "extract_results"
	StageUpdateDocs           Stage = "update_docs"
	StageDecideRepeat         Stage = "decide_repeat"
	StageHumanReview          Stage = "human_review"
	StageStop                 Stage = "stop"
)

// String returns the string representation
func (s Stage) String() string {
	return string(s)
}

// IsValid validates the stage name
func (s Stage) IsValid() bool {
	switch s {
	case StageHypothesis, StageDesign, StageImplementation, StageImplementationReview,
		StageLaunch, StageExtractResults, StageUpdateDocs, StageDecideRepeat,
		StageHumanReview, StageStop:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the stage accepts no further transitions
func (s Stage) IsTerminal() bool {
	return s == StageHumanReview || s == StageStop
}

// Ordered is the canonical forward order of the non-terminal pipeline.
// decide_repeat has no fixed successor; its edge is chosen by the
// recorded decision (see Registry.DecisionTarget).
var Ordered = []Stage{
	StageHypothesis,
	StageDesign,
	StageImplementation,
	StageImplementationReview,
	StageLaunch,
	StageExtractResults,
	StageUpdateDocs,
	StageDecideRepeat,
}

// Parse converts a raw string into a Stage
func Parse(raw string) (Stage, bool) {
	s := Stage(raw)
	return s, s.IsValid()
}
