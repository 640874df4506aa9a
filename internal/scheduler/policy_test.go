package scheduler

import (
	"errors"
	"testing"

	"github.com/me/taskgraph/pkg/model"
)

func TestPolicyHandler_Decide(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name          string
		handler       PolicyHandler
		policy        model.FailurePolicy
		attempts      int
		err           error
		wantAction    Action
		wantExhausted bool
	}{
		{"success", PolicyHandler{MaxAttempts: 3}, model.FailurePolicyStop, 1, nil, ActionComplete, false},
		{"success after retries", PolicyHandler{MaxAttempts: 3}, model.FailurePolicyRetry, 3, nil, ActionComplete, false},
		{"stop", PolicyHandler{MaxAttempts: 3}, model.FailurePolicyStop, 1, boom, ActionAbort, false},
		{"empty policy means stop", PolicyHandler{MaxAttempts: 3}, "", 1, boom, ActionAbort, false},
		{"continue", PolicyHandler{MaxAttempts: 3}, model.FailurePolicyContinue, 1, boom, ActionFail, false},
		{"retry below bound", PolicyHandler{MaxAttempts: 3}, model.FailurePolicyRetry, 2, boom, ActionRetry, false},
		{"retry exhausted stop", PolicyHandler{MaxAttempts: 3, ExhaustedPolicy: model.FailurePolicyStop}, model.FailurePolicyRetry, 3, boom, ActionAbort, true},
		{"retry exhausted continue", PolicyHandler{MaxAttempts: 3, ExhaustedPolicy: model.FailurePolicyContinue}, model.FailurePolicyRetry, 3, boom, ActionFail, true},
		{"retry exhausted default", PolicyHandler{MaxAttempts: 1}, model.FailurePolicyRetry, 1, boom, ActionAbort, true},
		{"retry unbounded", PolicyHandler{MaxAttempts: 0}, model.FailurePolicyRetry, 1000, boom, ActionRetry, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			step := &model.Step{ID: "s", OnFailure: tt.policy}
			d := tt.handler.Decide(step, tt.attempts, tt.err)
			if d.Action != tt.wantAction {
				t.Errorf("Action = %v, want %v", d.Action, tt.wantAction)
			}
			if d.Exhausted != tt.wantExhausted {
				t.Errorf("Exhausted = %v, want %v", d.Exhausted, tt.wantExhausted)
			}
		})
	}
}

func TestAction_String(t *testing.T) {
	tests := map[Action]string{
		ActionComplete: "complete",
		ActionRetry:    "retry",
		ActionFail:     "fail",
		ActionAbort:    "abort",
		Action(42):     "unknown",
	}
	for a, want := range tests {
		if got := a.String(); got != want {
			t.Errorf("Action(%d).String() = %q, want %q", int(a), got, want)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"sequential", func(c *Config) { c.Mode = ModeSequential }, false},
		{"unknown mode", func(c *Config) { c.Mode = "fast" }, true},
		{"negative parallel", func(c *Config) { c.MaxParallel = -1 }, true},
		{"retry as fallback", func(c *Config) { c.ExhaustedPolicy = model.FailurePolicyRetry }, true},
		{"bad workspace mode", func(c *Config) { c.WorkspaceMode = "copy" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
