package constants

// Event names published on the internal event bus. Subscribers register for
// these by name; unknown names are rejected at registration time.
const (
	// EventTaskStarted fires when a coordinator begins the first cycle of a task.
	EventTaskStarted = "task.started"

	// EventTaskCompleted fires when the finalizer moves a task to complete.
	EventTaskCompleted = "task.completed"

	// EventTaskFailed fires when the finalizer moves a task to error.
	EventTaskFailed = "task.failed"

	// EventTaskReenqueued fires when a task is placed back on the job queue.
	EventTaskReenqueued = "task.reenqueued"

	// EventTaskCancelled fires when a task is cancelled.
	EventTaskCancelled = "task.cancelled"

	// EventStepBeforeHandle fires immediately before a handler is invoked.
	EventStepBeforeHandle = "step.before_handle"

	// EventStepCompleted fires after a handler returns successfully.
	EventStepCompleted = "step.completed"

	// EventStepFailed fires after a handler fails (retryable or permanent).
	EventStepFailed = "step.failed"

	// EventStepBackoff fires when a backoff window is scheduled for a step.
	EventStepBackoff = "step.backoff"

	// EventCycleFinished is an orchestrator-internal event emitted after each
	// coordinator cycle with the resulting execution status.
	EventCycleFinished = "orchestration.cycle_finished"
)

// EventNames returns every event name the bus accepts, in a stable order.
func EventNames() []string {
	return []string{
		EventTaskStarted,
		EventTaskCompleted,
		EventTaskFailed,
		EventTaskReenqueued,
		EventTaskCancelled,
		EventStepBeforeHandle,
		EventStepCompleted,
		EventStepFailed,
		EventStepBackoff,
		EventCycleFinished,
	}
}
