package domain

import "context"

// Handler is the code the engine invokes to run a step. Implementations read
// their inputs from the task context and from previous steps' results via
// sequence.Find, and return a JSON-serializable result that the engine stores
// in the step's results column.
//
// Failure signalling is by error type: return *errors.RetryableError for
// transient conditions (optionally with a server-supplied retry delay) and
// *errors.PermanentError for semantic failures that must not be retried. Any
// other error is treated as retryable, conservatively.
//
// Handlers need not be safe for concurrent use with the same step; the engine
// guarantees at most one concurrent invocation per step.
type Handler interface {
	Handle(ctx context.Context, task *Task, sequence *StepSequence, step *WorkflowStep) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, task *Task, sequence *StepSequence, step *WorkflowStep) (any, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, task *Task, sequence *StepSequence, step *WorkflowStep) (any, error) {
	return f(ctx, task, sequence, step)
}
