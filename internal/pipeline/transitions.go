package pipeline

import "fmt"

// Step describes the stage run taken from a resting state.
type Step struct {
	From    State
	Stage   Stage
	Running State
	// Success is the state after the stage completes.
	Success State
	// Exhausted is the state after retries run out or a fatal failure.
	Exhausted State
	// Reentry is set when the step loops back into patch after a failed QA verdict.
	Reentry bool
}

var steps = map[State]Step{
	StatePending:   {From: StatePending, Stage: StageDiagnose, Running: StateDiagnosing, Success: StateDiagnosed, Exhausted: StateNeedsAttention},
	StateDiagnosed: {From: StateDiagnosed, Stage: StagePatch, Running: StatePatching, Success: StatePatched, Exhausted: StateNeedsAttention},
	StatePatched:   {From: StatePatched, Stage: StageQA, Running: StateValidating, Success: StateValidated, Exhausted: StateNeedsAttention},
}

var (
	prStep      = Step{From: StateValidated, Stage: StagePR, Running: StateCreatingPR, Success: StateCompleted, Exhausted: StateFailed}
	reentryStep = Step{From: StateValidated, Stage: StagePatch, Running: StatePatching, Success: StatePatched, Exhausted: StateNeedsAttention, Reentry: true}
)

// NextStep returns the stage run that advances the issue from its current state.
// From validated the choice depends on the latest QA verdict.
func NextStep(iss *Issue) (Step, error) {
	if iss.State == StateValidated {
		var v QAVerdict
		if err := iss.Result(StageQA).Decode(&v); err != nil {
			return Step{}, fmt.Errorf("issue %s: read qa verdict: %w", iss.ID, err)
		}
		if v.Passed() {
			return prStep, nil
		}
		return reentryStep, nil
	}
	st, ok := steps[iss.State]
	if !ok {
		return Step{}, fmt.Errorf("issue %s: no stage runs from state %q", iss.ID, iss.State)
	}
	return st, nil
}

// InFlightStep returns the step that put iss into its current running state.
// A patching issue with PatchRounds > 0 is a QA re-entry, since first-round
// patches always run with PatchRounds == 0.
func InFlightStep(iss *Issue) (Step, bool) {
	switch iss.State {
	case StateDiagnosing:
		return steps[StatePending], true
	case StatePatching:
		if iss.PatchRounds > 0 {
			return reentryStep, true
		}
		return steps[StateDiagnosed], true
	case StateValidating:
		return steps[StatePatched], true
	case StateCreatingPR:
		return prStep, true
	}
	return Step{}, false
}

// ValidTransitions maps each state to the states it may move to.
var ValidTransitions = map[State][]State{
	StatePending:        {StateDiagnosing},
	StateDiagnosing:     {StateDiagnosed, StateNeedsAttention, StatePending},
	StateDiagnosed:      {StatePatching},
	StatePatching:       {StatePatched, StateNeedsAttention, StateDiagnosed, StateValidated},
	StatePatched:        {StateValidating},
	StateValidating:     {StateValidated, StateNeedsAttention, StatePatched},
	StateValidated:      {StateCreatingPR, StatePatching, StateNeedsAttention},
	StateCreatingPR:     {StateCompleted, StateFailed, StateValidated},
	StateCompleted:      {},
	StateNeedsAttention: {},
	StateFailed:         {},
}

// CanTransition reports whether from -> to is allowed by the state machine.
// Re-triage back to pending is handled separately and is always allowed.
func CanTransition(from, to State) bool {
	for _, s := range ValidTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
