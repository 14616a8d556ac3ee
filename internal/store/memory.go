package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sequor/sequor/internal/clock"
	"github.com/sequor/sequor/internal/constants"
	"github.com/sequor/sequor/internal/ctxutil"
	"github.com/sequor/sequor/internal/domain"
	seqerrors "github.com/sequor/sequor/internal/errors"
	"github.com/sequor/sequor/internal/lifecycle"
	"github.com/sequor/sequor/internal/readiness"
)

// Memory is an in-memory Store for single-process use and tests. It enforces
// the same validation, sort-key allocation and duplicate guard as the
// Postgres store. Safe for concurrent use.
type Memory struct {
	clk clock.Clock

	// PoolSize is reported through SystemHealth; the in-memory store has no
	// real connection pool, so the value only feeds the concurrency clamp.
	PoolSize int

	mu sync.Mutex

	nextID int64

	namespaces  map[string]*domain.Namespace
	namedTasks  map[int64]*domain.NamedTask
	namedSteps  map[string]*domain.NamedStep
	definitions map[int64]*domain.WorkflowDefinition

	tasks map[int64]*domain.Task
	steps map[int64]*domain.WorkflowStep
	edges map[int64][]*domain.WorkflowStepEdge

	taskLog map[int64][]*domain.Transition
	stepLog map[int64][]*domain.Transition

	taskLocks map[int64]*sync.Mutex
}

// NewMemory creates an empty in-memory store using clk as its time source.
func NewMemory(clk clock.Clock) *Memory {
	return &Memory{
		clk:         clk,
		PoolSize:    constants.DefaultMaxConcurrentSteps,
		namespaces:  make(map[string]*domain.Namespace),
		namedTasks:  make(map[int64]*domain.NamedTask),
		namedSteps:  make(map[string]*domain.NamedStep),
		definitions: make(map[int64]*domain.WorkflowDefinition),
		tasks:       make(map[int64]*domain.Task),
		steps:       make(map[int64]*domain.WorkflowStep),
		edges:       make(map[int64][]*domain.WorkflowStepEdge),
		taskLog:     make(map[int64][]*domain.Transition),
		stepLog:     make(map[int64][]*domain.Transition),
		taskLocks:   make(map[int64]*sync.Mutex),
	}
}

// allocID hands out the next row ID. Caller holds mu.
func (m *Memory) allocID() int64 {
	m.nextID++
	return m.nextID
}

// RegisterWorkflow validates and registers a workflow definition.
func (m *Memory) RegisterWorkflow(ctx context.Context, def *domain.WorkflowDefinition) (*domain.NamedTask, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}
	if def == nil {
		return nil, fmt.Errorf("register workflow: definition %w", seqerrors.ErrEmptyValue)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	namespace := def.Namespace
	if namespace == "" {
		namespace = domain.DefaultNamespace
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ns, ok := m.namespaces[namespace]
	if !ok {
		ns = &domain.Namespace{ID: m.allocID(), Name: namespace}
		m.namespaces[namespace] = ns
	}

	for _, nt := range m.namedTasks {
		if nt.NamespaceID == ns.ID && nt.Name == def.Name && nt.Version == def.Version {
			return nil, fmt.Errorf("workflow %s/%s@%s already registered: %w",
				namespace, def.Name, def.Version, seqerrors.ErrInvalidWorkflow)
		}
	}

	nt := &domain.NamedTask{
		ID:          m.allocID(),
		NamespaceID: ns.ID,
		Name:        def.Name,
		Version:     def.Version,
		Config:      def.Configuration.Clone(),
		CreatedAt:   m.clk.Now().UTC(),
	}
	m.namedTasks[nt.ID] = nt
	m.definitions[nt.ID] = def

	for _, tmpl := range def.Steps {
		key := tmpl.DependentSystem + "/" + tmpl.Name
		if _, exists := m.namedSteps[key]; !exists {
			m.namedSteps[key] = &domain.NamedStep{
				ID:              m.allocID(),
				Name:            tmpl.Name,
				DependentSystem: tmpl.DependentSystem,
			}
		}
	}

	out := *nt
	return &out, nil
}

// FindNamedTask resolves a registered workflow; empty version selects the
// highest registered version.
func (m *Memory) FindNamedTask(ctx context.Context, namespace, name, version string) (*domain.NamedTask, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}
	if namespace == "" {
		namespace = domain.DefaultNamespace
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	nt, err := m.findNamedTaskLocked(namespace, name, version)
	if err != nil {
		return nil, err
	}
	out := *nt
	return &out, nil
}

// findNamedTaskLocked is FindNamedTask without locking. Caller holds mu.
func (m *Memory) findNamedTaskLocked(namespace, name, version string) (*domain.NamedTask, error) {
	ns, ok := m.namespaces[namespace]
	if !ok {
		return nil, fmt.Errorf("workflow %s/%s: %w", namespace, name, seqerrors.ErrUnknownTask)
	}

	var best *domain.NamedTask
	for _, nt := range m.namedTasks {
		if nt.NamespaceID != ns.ID || nt.Name != name {
			continue
		}
		if version != "" {
			if nt.Version == version {
				return nt, nil
			}
			continue
		}
		if best == nil || compareVersions(nt.Version, best.Version) > 0 {
			best = nt
		}
	}
	if best == nil {
		return nil, fmt.Errorf("workflow %s/%s@%s: %w", namespace, name, version, seqerrors.ErrUnknownTask)
	}
	return best, nil
}

// CreateTask instantiates a task from a request.
func (m *Memory) CreateTask(ctx context.Context, req *domain.TaskRequest) (*domain.Task, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fmt.Errorf("create task: request %w", seqerrors.ErrEmptyValue)
	}

	now := m.clk.Now().UTC()
	req.Normalize(now)
	if err := req.Validate(); err != nil {
		return nil, err
	}
	hash, err := req.IdentityHash()
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.tasks {
		if existing.IdentityHash == hash && now.Sub(existing.CreatedAt) < constants.IdentityWindow {
			return nil, fmt.Errorf("task %s: %w", req.Name, seqerrors.ErrDuplicateTask)
		}
	}

	nt, err := m.findNamedTaskLocked(domain.DefaultNamespace, req.Name, req.Version)
	if err != nil {
		return nil, err
	}
	def := m.definitions[nt.ID]

	task := &domain.Task{
		ID:            m.allocID(),
		NamedTaskID:   nt.ID,
		Name:          nt.Name,
		Version:       nt.Version,
		Context:       append(json.RawMessage(nil), req.Context...),
		RequestedAt:   req.RequestedAt,
		IdentityHash:  hash,
		Initiator:     req.Initiator,
		SourceSystem:  req.SourceSystem,
		Reason:        req.Reason,
		Tags:          append(domain.StringList(nil), req.Tags...),
		BypassSteps:   append(domain.StringList(nil), req.BypassSteps...),
		CorrelationID: req.CorrelationID,
		CreatedAt:     now,
	}
	m.tasks[task.ID] = task

	order, err := def.TopologicalOrder()
	if err != nil {
		return nil, err
	}

	byName := make(map[string]*domain.WorkflowStep, len(order))
	for i, stepName := range order {
		tmpl := def.StepByName(stepName)
		named := m.namedSteps[tmpl.DependentSystem+"/"+tmpl.Name]

		step := &domain.WorkflowStep{
			ID:              m.allocID(),
			TaskID:          task.ID,
			NamedStepID:     named.ID,
			Name:            tmpl.Name,
			DependentSystem: tmpl.DependentSystem,
			Handler:         tmpl.Handler,
			SortKey:         i + 1,
			RetryLimit:      tmpl.EffectiveRetryLimit(),
			Retryable:       tmpl.Retryable,
			Skippable:       tmpl.Skippable,
			CreatedAt:       now,
		}
		m.steps[step.ID] = step
		byName[step.Name] = step
	}

	for _, tmpl := range def.Steps {
		child := byName[tmpl.Name]
		for _, dep := range tmpl.DependsOn {
			m.edges[task.ID] = append(m.edges[task.ID], &domain.WorkflowStepEdge{
				ID:         m.allocID(),
				FromStepID: byName[dep].ID,
				ToStepID:   child.ID,
				Name:       domain.DefaultEdgeName,
			})
		}
	}

	out := *task
	return &out, nil
}

// GetTask retrieves a task by ID.
func (m *Memory) GetTask(ctx context.Context, taskID int64) (*domain.Task, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %d: %w", taskID, seqerrors.ErrUnknownTask)
	}
	out := *task
	return &out, nil
}

// GetStep retrieves a workflow step by ID.
func (m *Memory) GetStep(ctx context.Context, stepID int64) (*domain.WorkflowStep, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	step, ok := m.steps[stepID]
	if !ok {
		return nil, fmt.Errorf("step %d: %w", stepID, seqerrors.ErrStepNotFound)
	}
	out := *step
	return &out, nil
}

// Snapshot returns a consistent view of one task.
func (m *Memory) Snapshot(ctx context.Context, taskID int64) (*readiness.Snapshot, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %d: %w", taskID, seqerrors.ErrUnknownTask)
	}

	snap := &readiness.Snapshot{
		Task:              func() *domain.Task { t := *task; return &t }(),
		States:            make(map[int64]constants.StepState),
		LastFailureAt:     make(map[int64]time.Time),
		LastErrorMessages: make(map[int64]string),
	}

	for _, step := range m.steps {
		if step.TaskID != taskID {
			continue
		}
		s := *step
		snap.Steps = append(snap.Steps, &s)

		log := m.stepLog[step.ID]
		if len(log) > 0 {
			snap.States[step.ID] = constants.StepState(log[len(log)-1].ToState)
		}
		for i := len(log) - 1; i >= 0; i-- {
			if log[i].ToState != string(constants.StepStateError) {
				continue
			}
			snap.LastFailureAt[step.ID] = log[i].CreatedAt
			if msg, ok := log[i].Metadata[domain.MetaErrorMessage].(string); ok {
				snap.LastErrorMessages[step.ID] = msg
			}
			break
		}
	}
	sort.Slice(snap.Steps, func(i, j int) bool {
		if snap.Steps[i].SortKey != snap.Steps[j].SortKey {
			return snap.Steps[i].SortKey < snap.Steps[j].SortKey
		}
		return snap.Steps[i].ID < snap.Steps[j].ID
	})

	for _, e := range m.edges[taskID] {
		edge := *e
		snap.Edges = append(snap.Edges, &edge)
	}

	return snap, nil
}

// TaskState derives the task's current state from its latest transition.
func (m *Memory) TaskState(ctx context.Context, taskID int64) (constants.TaskState, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[taskID]; !ok {
		return "", fmt.Errorf("task %d: %w", taskID, seqerrors.ErrUnknownTask)
	}
	return constants.TaskState(latestToState(m.taskLog[taskID], string(constants.TaskStatePending))), nil
}

// StepState derives the step's current state from its latest transition.
func (m *Memory) StepState(ctx context.Context, stepID int64) (constants.StepState, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.steps[stepID]; !ok {
		return "", fmt.Errorf("step %d: %w", stepID, seqerrors.ErrStepNotFound)
	}
	return constants.StepState(latestToState(m.stepLog[stepID], string(constants.StepStatePending))), nil
}

// latestToState reads the newest transition's to_state, or fallback when the
// log is empty.
func latestToState(log []*domain.Transition, fallback string) string {
	if len(log) == 0 {
		return fallback
	}
	return log[len(log)-1].ToState
}

// RecordTaskTransition validates and appends one task transition.
func (m *Memory) RecordTaskTransition(ctx context.Context, taskID int64, to constants.TaskState, metadata domain.Metadata) (*domain.Transition, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[taskID]; !ok {
		return nil, fmt.Errorf("task %d: %w", taskID, seqerrors.ErrUnknownTask)
	}
	return m.recordTaskTransitionLocked(taskID, to, metadata)
}

// recordTaskTransitionLocked appends a task transition. Caller holds mu.
func (m *Memory) recordTaskTransitionLocked(taskID int64, to constants.TaskState, metadata domain.Metadata) (*domain.Transition, error) {
	log := m.taskLog[taskID]
	var from *string
	if len(log) > 0 {
		prev := log[len(log)-1].ToState
		from = &prev
	}
	if err := lifecycle.ValidateTaskTransition(from, to); err != nil {
		return nil, err
	}

	tr := &domain.Transition{
		ID:        m.allocID(),
		EntityID:  taskID,
		FromState: from,
		ToState:   string(to),
		SortKey:   len(log) + 1,
		Metadata:  metadata.Clone(),
		CreatedAt: m.clk.Now().UTC(),
	}
	m.taskLog[taskID] = append(log, tr)
	out := *tr
	return &out, nil
}

// RecordStepTransition validates and appends one step transition.
func (m *Memory) RecordStepTransition(ctx context.Context, stepID int64, to constants.StepState, metadata domain.Metadata) (*domain.Transition, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.steps[stepID]; !ok {
		return nil, fmt.Errorf("step %d: %w", stepID, seqerrors.ErrStepNotFound)
	}
	return m.recordStepTransitionLocked(stepID, to, metadata)
}

// recordStepTransitionLocked appends a step transition. Caller holds mu.
func (m *Memory) recordStepTransitionLocked(stepID int64, to constants.StepState, metadata domain.Metadata) (*domain.Transition, error) {
	log := m.stepLog[stepID]
	var from *string
	if len(log) > 0 {
		prev := log[len(log)-1].ToState
		from = &prev
	}
	if err := lifecycle.ValidateStepTransition(from, to); err != nil {
		return nil, err
	}

	tr := &domain.Transition{
		ID:        m.allocID(),
		EntityID:  stepID,
		FromState: from,
		ToState:   string(to),
		SortKey:   len(log) + 1,
		Metadata:  metadata.Clone(),
		CreatedAt: m.clk.Now().UTC(),
	}
	m.stepLog[stepID] = append(log, tr)
	out := *tr
	return &out, nil
}

// TaskTransitions returns the task's transition log in sort-key order.
func (m *Memory) TaskTransitions(ctx context.Context, taskID int64) ([]*domain.Transition, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return copyLog(m.taskLog[taskID]), nil
}

// StepTransitions returns the step's transition log in sort-key order.
func (m *Memory) StepTransitions(ctx context.Context, stepID int64) ([]*domain.Transition, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return copyLog(m.stepLog[stepID]), nil
}

func copyLog(log []*domain.Transition) []*domain.Transition {
	out := make([]*domain.Transition, 0, len(log))
	for _, tr := range log {
		t := *tr
		out = append(out, &t)
	}
	return out
}

// MostRecentStepTransitionTo returns the latest step transition entering state.
func (m *Memory) MostRecentStepTransitionTo(ctx context.Context, stepID int64, state constants.StepState) (*domain.Transition, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.stepLog[stepID]
	for i := len(log) - 1; i >= 0; i-- {
		if log[i].ToState == string(state) {
			out := *log[i]
			return &out, nil
		}
	}
	return nil, nil
}

// DispatchStep moves a viable step into in_progress.
func (m *Memory) DispatchStep(ctx context.Context, stepID int64, now time.Time) (*domain.WorkflowStep, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	step, ok := m.steps[stepID]
	if !ok {
		return nil, fmt.Errorf("step %d: %w", stepID, seqerrors.ErrStepNotFound)
	}

	if step.Attempts > 0 && step.Attempts >= step.RetryLimit {
		return nil, fmt.Errorf("step %d: %w", stepID, seqerrors.ErrRetryExhausted)
	}

	state := constants.StepState(latestToState(m.stepLog[stepID], string(constants.StepStatePending)))
	attempt := step.Attempts + 1

	if state == constants.StepStateError {
		if _, err := m.recordStepTransitionLocked(stepID, constants.StepStatePending, domain.Metadata{
			domain.MetaRetryAttempt: attempt,
		}); err != nil {
			return nil, err
		}
	}
	if _, err := m.recordStepTransitionLocked(stepID, constants.StepStateInProgress, domain.Metadata{
		domain.MetaAttemptNumber: attempt,
	}); err != nil {
		return nil, err
	}

	step.Attempts = attempt
	at := now.UTC()
	step.LastAttemptedAt = &at
	step.InProcess = true

	out := *step
	return &out, nil
}

// CompleteStep records a successful handler outcome.
func (m *Memory) CompleteStep(ctx context.Context, stepID int64, results json.RawMessage) error {
	if err := ctxutil.Canceled(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	step, ok := m.steps[stepID]
	if !ok {
		return fmt.Errorf("step %d: %w", stepID, seqerrors.ErrStepNotFound)
	}
	if _, err := m.recordStepTransitionLocked(stepID, constants.StepStateComplete, nil); err != nil {
		return err
	}

	step.Results = append(json.RawMessage(nil), results...)
	step.Processed = true
	step.InProcess = false
	step.BackoffRequestSeconds = nil
	return nil
}

// FailStep records a failed handler outcome.
func (m *Memory) FailStep(ctx context.Context, stepID int64, failure StepFailure) error {
	if err := ctxutil.Canceled(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	step, ok := m.steps[stepID]
	if !ok {
		return fmt.Errorf("step %d: %w", stepID, seqerrors.ErrStepNotFound)
	}

	metadata := domain.Metadata{domain.MetaErrorMessage: failure.Message}
	if failure.Code != "" {
		metadata[domain.MetaErrorCode] = failure.Code
	}
	if failure.Permanent {
		metadata[domain.MetaPermanent] = true
	}
	if failure.BackoffSeconds != nil {
		metadata[domain.MetaBackoffSeconds] = *failure.BackoffSeconds
	}

	if _, err := m.recordStepTransitionLocked(stepID, constants.StepStateError, metadata); err != nil {
		return err
	}

	step.InProcess = false
	if failure.BackoffSeconds != nil {
		v := *failure.BackoffSeconds
		step.BackoffRequestSeconds = &v
	}
	if failure.Permanent {
		f := false
		step.Retryable = &f
	}
	return nil
}

// CancelTask transitions the task and every non-terminal step to cancelled.
func (m *Memory) CancelTask(ctx context.Context, taskID int64, reason string) error {
	if err := ctxutil.Canceled(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[taskID]; !ok {
		return fmt.Errorf("task %d: %w", taskID, seqerrors.ErrUnknownTask)
	}

	metadata := domain.Metadata{domain.MetaReason: reason}
	if _, err := m.recordTaskTransitionLocked(taskID, constants.TaskStateCancelled, metadata); err != nil {
		return err
	}

	for _, step := range m.stepsOfLocked(taskID) {
		state := constants.StepState(latestToState(m.stepLog[step.ID], string(constants.StepStatePending)))
		if lifecycle.IsTerminalStepState(state) {
			continue
		}
		if _, err := m.recordStepTransitionLocked(step.ID, constants.StepStateCancelled, metadata); err != nil {
			return err
		}
		step.InProcess = false
	}
	return nil
}

// ResolveTaskManually transitions an error task and its error steps to
// resolved_manually.
func (m *Memory) ResolveTaskManually(ctx context.Context, taskID int64, reason string) error {
	if err := ctxutil.Canceled(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[taskID]; !ok {
		return fmt.Errorf("task %d: %w", taskID, seqerrors.ErrUnknownTask)
	}

	metadata := domain.Metadata{domain.MetaReason: reason}
	if _, err := m.recordTaskTransitionLocked(taskID, constants.TaskStateResolvedManually, metadata); err != nil {
		return err
	}

	for _, step := range m.stepsOfLocked(taskID) {
		state := constants.StepState(latestToState(m.stepLog[step.ID], string(constants.StepStatePending)))
		if state != constants.StepStateError {
			continue
		}
		if _, err := m.recordStepTransitionLocked(step.ID, constants.StepStateResolvedManually, metadata); err != nil {
			return err
		}
	}
	return nil
}

// stepsOfLocked returns the task's steps in (sort_key, id) order. Caller
// holds mu.
func (m *Memory) stepsOfLocked(taskID int64) []*domain.WorkflowStep {
	var steps []*domain.WorkflowStep
	for _, step := range m.steps {
		if step.TaskID == taskID {
			steps = append(steps, step)
		}
	}
	sort.Slice(steps, func(i, j int) bool {
		if steps[i].SortKey != steps[j].SortKey {
			return steps[i].SortKey < steps[j].SortKey
		}
		return steps[i].ID < steps[j].ID
	})
	return steps
}

// TryLockTask acquires the per-task cycle lock without blocking.
func (m *Memory) TryLockTask(ctx context.Context, taskID int64) (func(), bool, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	lock, ok := m.taskLocks[taskID]
	if !ok {
		lock = &sync.Mutex{}
		m.taskLocks[taskID] = lock
	}
	m.mu.Unlock()

	if !lock.TryLock() {
		return nil, false, nil
	}
	return lock.Unlock, true, nil
}

// SystemHealth counts in-progress tasks and steps from the transition logs.
func (m *Memory) SystemHealth(ctx context.Context) (*SystemHealth, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	health := &SystemHealth{PoolSize: m.PoolSize}
	for taskID := range m.tasks {
		if latestToState(m.taskLog[taskID], string(constants.TaskStatePending)) == string(constants.TaskStateInProgress) {
			health.InProgressTasks++
		}
	}
	for _, step := range m.steps {
		if step.InProcess {
			health.InProgressSteps++
		}
	}
	return health, nil
}

var _ Store = (*Memory)(nil)
