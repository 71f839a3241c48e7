package stage

import (
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		raw    string
		want   Stage
		wantOK bool
	}{
		{"hypothesis", StageHypothesis, true},
		{"decide_repeat", StageDecideRepeat, true},
		{"human_review", StageHumanReview, true},
		{"", "", false},
		{"deploy", "", false},
		{"Hypothesis", "", false},
	}
	for _, tt := range tests {
		got, ok := Parse(tt.raw)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("Parse(%q) = (%q, %v), want (%q, %v)", tt.raw, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range Ordered {
		terminal := s == StageHumanReview || s == StageStop
		if s.IsTerminal() != terminal {
			t.Errorf("%s.IsTerminal() = %v, want %v", s, s.IsTerminal(), terminal)
		}
	}
}

func TestRegistry_PipelineOrder(t *testing.T) {
	reg := NewRegistry()

	wantSuccessors := map[Stage]Stage{
		StageHypothesis:           StageDesign,
		StageDesign:               StageImplementation,
		StageImplementation:       StageImplementationReview,
		StageImplementationReview: StageLaunch,
		StageLaunch:               StageExtractResults,
		StageExtractResults:       StageUpdateDocs,
		StageUpdateDocs:           StageDecideRepeat,
	}
	for from, want := range wantSuccessors {
		spec, err := reg.Spec(from)
		if err != nil {
			t.Fatalf("Spec(%s): %v", from, err)
		}
		if spec.Successor() != want {
			t.Errorf("%s successor = %s, want %s", from, spec.Successor(), want)
		}
		if spec.IsDecision() {
			t.Errorf("%s should not be a decision stage", from)
		}
	}
}

func TestRegistry_DecideRepeatTargets(t *testing.T) {
	reg := NewRegistry()
	spec, err := reg.Spec(StageDecideRepeat)
	if err != nil {
		t.Fatalf("Spec: %v", err)
	}
	if !spec.IsDecision() {
		t.Fatal("decide_repeat must be a decision stage")
	}
	if spec.Successor() != "" {
		t.Errorf("decision stage must have no fixed successor, got %s", spec.Successor())
	}

	targets := map[DecisionKind]Stage{
		DecisionRestartHypothesis: StageHypothesis,
		DecisionIterateDesign:     StageDesign,
		DecisionStop:              StageStop,
		DecisionEscalateHuman:     StageHumanReview,
	}
	for kind, want := range targets {
		got, err := spec.DecisionTarget(kind)
		if err != nil {
			t.Errorf("DecisionTarget(%s): %v", kind, err)
			continue
		}
		if got != want {
			t.Errorf("DecisionTarget(%s) = %s, want %s", kind, got, want)
		}
	}

	if _, err := spec.DecisionTarget(DecisionKind("retry")); err == nil {
		t.Error("unknown decision kind should be rejected")
	}
}

func TestRegistry_TerminalStages(t *testing.T) {
	reg := NewRegistry()
	for _, s := range []Stage{StageHumanReview, StageStop} {
		spec, err := reg.Spec(s)
		if err != nil {
			t.Fatalf("Spec(%s): %v", s, err)
		}
		if spec.Successor() != "" {
			t.Errorf("%s must have no successor", s)
		}
		if spec.IsRunnerEligible() {
			t.Errorf("%s must not be runner eligible", s)
		}
		if len(spec.Capabilities()) != 0 {
			t.Errorf("%s must declare no verification capabilities", s)
		}
	}
}

func TestRegistry_LaunchNotRunnerEligible(t *testing.T) {
	reg := NewRegistry()
	spec, _ := reg.Spec(StageLaunch)
	if spec.IsRunnerEligible() {
		t.Error("launch is orchestrator-owned; the agent runner must not execute it")
	}
}

func TestRegistry_UnknownStage(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Spec(Stage("deploy")); err == nil {
		t.Error("unknown stage should be rejected")
	}
}

func TestSpec_RequiredOutputsAreCopies(t *testing.T) {
	reg := NewRegistry()
	spec, _ := reg.Spec(StageDesign)

	outputs := spec.RequiredOutputs()
	if len(outputs) != 1 || outputs[0] != "design.yaml" {
		t.Fatalf("unexpected outputs: %v", outputs)
	}
	outputs[0] = "mutated"
	if spec.RequiredOutputs()[0] != "design.yaml" {
		t.Error("RequiredOutputs must return a copy")
	}
}

func TestRegistry_AllCoversEveryStage(t *testing.T) {
	all := NewRegistry().All()
	if len(all) != len(Ordered) {
		t.Fatalf("registry has %d stages, want %d", len(all), len(Ordered))
	}
	for _, s := range Ordered {
		if _, ok := all[s]; !ok {
			t.Errorf("registry missing stage %s", s)
		}
	}
}
