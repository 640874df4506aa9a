package scheduler

import "github.com/me/taskgraph/pkg/model"

// Action is the state transition chosen for a step outcome.
type Action int

const (
	// ActionComplete marks the step completed and stores its result.
	ActionComplete Action = iota
	// ActionRetry leaves the step unresolved so the next ready set offers it again.
	ActionRetry
	// ActionFail marks the step permanently failed; dependents become blocked.
	ActionFail
	// ActionAbort marks the step failed and stops the run after the batch.
	ActionAbort
)

func (a Action) String() string {
	switch a {
	case ActionComplete:
		return "complete"
	case ActionRetry:
		return "retry"
	case ActionFail:
		return "fail"
	case ActionAbort:
		return "abort"
	}
	return "unknown"
}

// Decision is the policy handler's verdict on one outcome.
type Decision struct {
	Action Action
	// Exhausted is set when a retrying step ran out of attempts and the
	// exhaustion fallback was applied.
	Exhausted bool
}

// PolicyHandler maps a step's failure policy and an outcome to an Action.
type PolicyHandler struct {
	MaxAttempts     int
	ExhaustedPolicy model.FailurePolicy
}

// Decide interprets err for step after attempts dispatches. A nil err
// always completes the step.
func (h PolicyHandler) Decide(step *model.Step, attempts int, err error) Decision {
	if err == nil {
		return Decision{Action: ActionComplete}
	}

	switch step.Policy() {
	case model.FailurePolicyContinue:
		return Decision{Action: ActionFail}
	case model.FailurePolicyRetry:
		if h.MaxAttempts <= 0 || attempts < h.MaxAttempts {
			return Decision{Action: ActionRetry}
		}
		if h.ExhaustedPolicy == model.FailurePolicyContinue {
			return Decision{Action: ActionFail, Exhausted: true}
		}
		return Decision{Action: ActionAbort, Exhausted: true}
	default:
		return Decision{Action: ActionAbort}
	}
}
