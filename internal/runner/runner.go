// Package runner defines the worker boundary: the opaque, potentially slow
// call that performs a step's work.
package runner

import "context"

// Request is a single dispatch of a step to a worker.
type Request struct {
	StepID        string
	Task          string
	Worker        string
	MaxIterations int
	WorkDir       string
}

// Result is a successful worker outcome.
type Result struct {
	// Token is stored in the run results and used to evaluate conditions.
	Token string
	// Usage is added to the run's cumulative usage counter.
	Usage int64
}

// Worker performs the work for one step.
type Worker interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// WorkerFunc adapts a function to the Worker interface.
type WorkerFunc func(ctx context.Context, req Request) (Result, error)

// Execute calls f(ctx, req).
func (f WorkerFunc) Execute(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}
