package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver
	"github.com/jmoiron/sqlx"

	"github.com/sequor/sequor/internal/clock"
	"github.com/sequor/sequor/internal/constants"
	"github.com/sequor/sequor/internal/ctxutil"
	"github.com/sequor/sequor/internal/domain"
	seqerrors "github.com/sequor/sequor/internal/errors"
	"github.com/sequor/sequor/internal/lifecycle"
	"github.com/sequor/sequor/internal/readiness"
)

// pgUniqueViolation is the Postgres error code for unique constraint breaks.
const pgUniqueViolation = "23505"

// Open connects to Postgres through the pgx stdlib driver and verifies the
// connection. maxConns bounds the pool; zero keeps the driver default.
func Open(ctx context.Context, dsn string, maxConns int) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Postgres implements Store over a Postgres database. All multi-row writes
// run in a transaction with a row lock on the owning entity, so transitions
// for one entity serialize and sort keys never collide.
type Postgres struct {
	db  *sqlx.DB
	clk clock.Clock
}

// NewPostgres creates a Postgres store over an open connection pool.
func NewPostgres(db *sqlx.DB, clk clock.Clock) *Postgres {
	return &Postgres{db: db, clk: clk}
}

// withTx runs fn inside a transaction, committing on success.
func (s *Postgres) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique constraint break.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// RegisterWorkflow validates and registers a workflow definition.
func (s *Postgres) RegisterWorkflow(ctx context.Context, def *domain.WorkflowDefinition) (*domain.NamedTask, error) {
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

	var nt domain.NamedTask
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var namespaceID int64
		if err := tx.GetContext(ctx, &namespaceID, `
			INSERT INTO task_namespaces (name)
			VALUES ($1)
			ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
			RETURNING id`, namespace); err != nil {
			return fmt.Errorf("upsert namespace %s: %w", namespace, err)
		}

		config, err := json.Marshal(def.Configuration)
		if err != nil {
			return fmt.Errorf("encode configuration: %w", err)
		}
		if err := tx.GetContext(ctx, &nt, `
			INSERT INTO named_tasks (namespace_id, name, version, configuration, created_at)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, namespace_id, name, version, configuration, created_at`,
			namespaceID, def.Name, def.Version, config, s.clk.Now().UTC()); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("workflow %s/%s@%s already registered: %w",
					namespace, def.Name, def.Version, seqerrors.ErrInvalidWorkflow)
			}
			return fmt.Errorf("insert named task: %w", err)
		}

		order, err := def.TopologicalOrder()
		if err != nil {
			return err
		}
		for position, stepName := range order {
			tmpl := def.StepByName(stepName)

			if _, err := tx.ExecContext(ctx, `
				INSERT INTO dependent_systems (name)
				VALUES ($1)
				ON CONFLICT (name) DO NOTHING`, tmpl.DependentSystem); err != nil {
				return fmt.Errorf("upsert dependent system %s: %w", tmpl.DependentSystem, err)
			}

			var namedStepID int64
			if err := tx.GetContext(ctx, &namedStepID, `
				INSERT INTO named_steps (name, dependent_system)
				VALUES ($1, $2)
				ON CONFLICT (dependent_system, name) DO UPDATE SET name = EXCLUDED.name
				RETURNING id`, tmpl.Name, tmpl.DependentSystem); err != nil {
				return fmt.Errorf("upsert named step %s: %w", tmpl.Name, err)
			}

			dependsOn, err := json.Marshal(tmpl.DependsOn)
			if err != nil {
				return fmt.Errorf("encode depends_on for %s: %w", tmpl.Name, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO named_tasks_named_steps
					(named_task_id, named_step_id, handler, depends_on, retryable, retry_limit, skippable, position)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				nt.ID, namedStepID, tmpl.Handler, dependsOn,
				tmpl.Retryable, tmpl.RetryLimit, tmpl.Skippable, position); err != nil {
				return fmt.Errorf("insert step template %s: %w", tmpl.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &nt, nil
}

// namedTaskRow joins named_tasks with its namespace for lookups.
type namedTaskRow struct {
	domain.NamedTask
	NamespaceName string `db:"namespace_name"`
}

// FindNamedTask resolves a registered workflow; empty version selects the
// highest registered version.
func (s *Postgres) FindNamedTask(ctx context.Context, namespace, name, version string) (*domain.NamedTask, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}
	return s.findNamedTask(ctx, s.db, namespace, name, version)
}

func (s *Postgres) findNamedTask(ctx context.Context, q sqlx.QueryerContext, namespace, name, version string) (*domain.NamedTask, error) {
	if namespace == "" {
		namespace = domain.DefaultNamespace
	}

	var rows []namedTaskRow
	err := sqlx.SelectContext(ctx, q, &rows, `
		SELECT nt.id, nt.namespace_id, nt.name, nt.version, nt.configuration, nt.created_at,
		       ns.name AS namespace_name
		FROM named_tasks nt
		JOIN task_namespaces ns ON ns.id = nt.namespace_id
		WHERE ns.name = $1 AND nt.name = $2`, namespace, name)
	if err != nil {
		return nil, fmt.Errorf("query named task %s/%s: %w", namespace, name, err)
	}

	var best *domain.NamedTask
	for i := range rows {
		nt := &rows[i].NamedTask
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

// templateRow is one step template row of a named task.
type templateRow struct {
	NamedStepID     int64           `db:"named_step_id"`
	Name            string          `db:"name"`
	DependentSystem string          `db:"dependent_system"`
	Handler         string          `db:"handler"`
	DependsOn       json.RawMessage `db:"depends_on"`
	Retryable       *bool           `db:"retryable"`
	RetryLimit      *int            `db:"retry_limit"`
	Skippable       bool            `db:"skippable"`
	Position        int             `db:"position"`
}

// loadTemplates rebuilds the workflow definition steps for a named task, in
// registered topological position order.
func (s *Postgres) loadTemplates(ctx context.Context, q sqlx.QueryerContext, namedTaskID int64) ([]templateRow, error) {
	var rows []templateRow
	err := sqlx.SelectContext(ctx, q, &rows, `
		SELECT nts.named_step_id, ns.name, ns.dependent_system,
		       nts.handler, nts.depends_on, nts.retryable, nts.retry_limit,
		       nts.skippable, nts.position
		FROM named_tasks_named_steps nts
		JOIN named_steps ns ON ns.id = nts.named_step_id
		WHERE nts.named_task_id = $1
		ORDER BY nts.position`, namedTaskID)
	if err != nil {
		return nil, fmt.Errorf("load step templates: %w", err)
	}
	return rows, nil
}

// CreateTask instantiates a task from a request.
func (s *Postgres) CreateTask(ctx context.Context, req *domain.TaskRequest) (*domain.Task, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fmt.Errorf("create task: request %w", seqerrors.ErrEmptyValue)
	}

	now := s.clk.Now().UTC()
	req.Normalize(now)
	if err := req.Validate(); err != nil {
		return nil, err
	}
	hash, err := req.IdentityHash()
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	var task domain.Task
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		var duplicate bool
		if err := tx.GetContext(ctx, &duplicate, `
			SELECT EXISTS (
				SELECT 1 FROM tasks
				WHERE identity_hash = $1 AND created_at > $2
			)`, hash, now.Add(-constants.IdentityWindow)); err != nil {
			return fmt.Errorf("check duplicate submission: %w", err)
		}
		if duplicate {
			return fmt.Errorf("task %s: %w", req.Name, seqerrors.ErrDuplicateTask)
		}

		nt, err := s.findNamedTask(ctx, tx, domain.DefaultNamespace, req.Name, req.Version)
		if err != nil {
			return err
		}
		templates, err := s.loadTemplates(ctx, tx, nt.ID)
		if err != nil {
			return err
		}

		if err := tx.GetContext(ctx, &task, `
			INSERT INTO tasks
				(named_task_id, name, version, context, requested_at, identity_hash,
				 initiator, source_system, reason, tags, bypass_steps, correlation_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			RETURNING id, named_task_id, name, version, context, requested_at, identity_hash,
			          initiator, source_system, reason, tags, bypass_steps, correlation_id, created_at`,
			nt.ID, nt.Name, nt.Version, []byte(req.Context), req.RequestedAt, hash,
			req.Initiator, req.SourceSystem, req.Reason,
			domain.StringList(req.Tags), domain.StringList(req.BypassSteps),
			req.CorrelationID, now); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("task %s: %w", req.Name, seqerrors.ErrDuplicateTask)
			}
			return fmt.Errorf("insert task: %w", err)
		}

		stepIDs := make(map[string]int64, len(templates))
		dependsOn := make(map[string][]string, len(templates))
		for i, tmpl := range templates {
			retryLimit := constants.DefaultRetryLimit
			if tmpl.RetryLimit != nil {
				retryLimit = *tmpl.RetryLimit
			}

			var stepID int64
			if err := tx.GetContext(ctx, &stepID, `
				INSERT INTO workflow_steps
					(task_id, named_step_id, name, dependent_system, handler, sort_key,
					 retry_limit, retryable, skippable, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				RETURNING id`,
				task.ID, tmpl.NamedStepID, tmpl.Name, tmpl.DependentSystem, tmpl.Handler, i+1,
				retryLimit, tmpl.Retryable, tmpl.Skippable, now); err != nil {
				return fmt.Errorf("insert workflow step %s: %w", tmpl.Name, err)
			}
			stepIDs[tmpl.Name] = stepID

			var deps []string
			if len(tmpl.DependsOn) > 0 {
				if err := json.Unmarshal(tmpl.DependsOn, &deps); err != nil {
					return fmt.Errorf("decode depends_on for %s: %w", tmpl.Name, err)
				}
			}
			dependsOn[tmpl.Name] = deps
		}

		for name, deps := range dependsOn {
			for _, dep := range deps {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO workflow_step_edges (from_step_id, to_step_id, name)
					VALUES ($1, $2, $3)`,
					stepIDs[dep], stepIDs[name], domain.DefaultEdgeName); err != nil {
					return fmt.Errorf("insert edge %s -> %s: %w", dep, name, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// GetTask retrieves a task by ID.
func (s *Postgres) GetTask(ctx context.Context, taskID int64) (*domain.Task, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}

	var task domain.Task
	err := s.db.GetContext(ctx, &task, `
		SELECT id, named_task_id, name, version, context, requested_at, identity_hash,
		       initiator, source_system, reason, tags, bypass_steps, correlation_id, created_at
		FROM tasks WHERE id = $1`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", taskID, seqerrors.ErrUnknownTask)
	}
	if err != nil {
		return nil, fmt.Errorf("query task %d: %w", taskID, err)
	}
	return &task, nil
}

// GetStep retrieves a workflow step by ID.
func (s *Postgres) GetStep(ctx context.Context, stepID int64) (*domain.WorkflowStep, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}

	var step domain.WorkflowStep
	err := s.db.GetContext(ctx, &step, stepColumns+` FROM workflow_steps WHERE id = $1`, stepID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("step %d: %w", stepID, seqerrors.ErrStepNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query step %d: %w", stepID, err)
	}
	return &step, nil
}

const stepColumns = `
	SELECT id, task_id, named_step_id, name, dependent_system, handler, sort_key,
	       attempts, retry_limit, retryable, skippable, in_process, processed,
	       last_attempted_at, backoff_request_seconds, inputs, results, created_at`

// latestStateRow pairs a step with its newest transition state.
type latestStateRow struct {
	StepID  int64  `db:"workflow_step_id"`
	ToState string `db:"to_state"`
}

// latestFailureRow pairs a step with its newest error transition.
type latestFailureRow struct {
	StepID    int64           `db:"workflow_step_id"`
	Metadata  domain.Metadata `db:"metadata"`
	CreatedAt time.Time       `db:"created_at"`
}

// Snapshot returns a consistent view of one task within a single transaction.
func (s *Postgres) Snapshot(ctx context.Context, taskID int64) (*readiness.Snapshot, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}

	snap := &readiness.Snapshot{
		States:            make(map[int64]constants.StepState),
		LastFailureAt:     make(map[int64]time.Time),
		LastErrorMessages: make(map[int64]string),
	}

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var task domain.Task
		err := tx.GetContext(ctx, &task, `
			SELECT id, named_task_id, name, version, context, requested_at, identity_hash,
			       initiator, source_system, reason, tags, bypass_steps, correlation_id, created_at
			FROM tasks WHERE id = $1`, taskID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %d: %w", taskID, seqerrors.ErrUnknownTask)
		}
		if err != nil {
			return fmt.Errorf("query task %d: %w", taskID, err)
		}
		snap.Task = &task

		var steps []domain.WorkflowStep
		if err := tx.SelectContext(ctx, &steps, stepColumns+`
			FROM workflow_steps WHERE task_id = $1
			ORDER BY sort_key, id`, taskID); err != nil {
			return fmt.Errorf("query steps of task %d: %w", taskID, err)
		}
		for i := range steps {
			snap.Steps = append(snap.Steps, &steps[i])
		}

		var edges []domain.WorkflowStepEdge
		if err := tx.SelectContext(ctx, &edges, `
			SELECT e.id, e.from_step_id, e.to_step_id, e.name
			FROM workflow_step_edges e
			JOIN workflow_steps ws ON ws.id = e.from_step_id
			WHERE ws.task_id = $1
			ORDER BY e.id`, taskID); err != nil {
			return fmt.Errorf("query edges of task %d: %w", taskID, err)
		}
		for i := range edges {
			snap.Edges = append(snap.Edges, &edges[i])
		}

		var states []latestStateRow
		if err := tx.SelectContext(ctx, &states, `
			SELECT DISTINCT ON (t.workflow_step_id) t.workflow_step_id, t.to_state
			FROM workflow_step_transitions t
			JOIN workflow_steps ws ON ws.id = t.workflow_step_id
			WHERE ws.task_id = $1
			ORDER BY t.workflow_step_id, t.sort_key DESC`, taskID); err != nil {
			return fmt.Errorf("query step states of task %d: %w", taskID, err)
		}
		for _, row := range states {
			snap.States[row.StepID] = constants.StepState(row.ToState)
		}

		var failures []latestFailureRow
		if err := tx.SelectContext(ctx, &failures, `
			SELECT DISTINCT ON (t.workflow_step_id) t.workflow_step_id, t.metadata, t.created_at
			FROM workflow_step_transitions t
			JOIN workflow_steps ws ON ws.id = t.workflow_step_id
			WHERE ws.task_id = $1 AND t.to_state = 'error'
			ORDER BY t.workflow_step_id, t.sort_key DESC`, taskID); err != nil {
			return fmt.Errorf("query step failures of task %d: %w", taskID, err)
		}
		for _, row := range failures {
			snap.LastFailureAt[row.StepID] = row.CreatedAt
			if msg, ok := row.Metadata[domain.MetaErrorMessage].(string); ok {
				snap.LastErrorMessages[row.StepID] = msg
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// TaskState derives the task's current state from its latest transition.
func (s *Postgres) TaskState(ctx context.Context, taskID int64) (constants.TaskState, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return "", err
	}

	var toState string
	err := s.db.GetContext(ctx, &toState, `
		SELECT to_state FROM task_transitions
		WHERE task_id = $1
		ORDER BY sort_key DESC LIMIT 1`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return constants.TaskStatePending, nil
	}
	if err != nil {
		return "", fmt.Errorf("query task state %d: %w", taskID, err)
	}
	return constants.TaskState(toState), nil
}

// StepState derives the step's current state from its latest transition.
func (s *Postgres) StepState(ctx context.Context, stepID int64) (constants.StepState, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return "", err
	}

	var toState string
	err := s.db.GetContext(ctx, &toState, `
		SELECT to_state FROM workflow_step_transitions
		WHERE workflow_step_id = $1
		ORDER BY sort_key DESC LIMIT 1`, stepID)
	if errors.Is(err, sql.ErrNoRows) {
		return constants.StepStatePending, nil
	}
	if err != nil {
		return "", fmt.Errorf("query step state %d: %w", stepID, err)
	}
	return constants.StepState(toState), nil
}

// recordTaskTransitionTx appends one task transition under the task row lock.
func (s *Postgres) recordTaskTransitionTx(ctx context.Context, tx *sqlx.Tx, taskID int64, to constants.TaskState, metadata domain.Metadata) (*domain.Transition, error) {
	var id int64
	err := tx.GetContext(ctx, &id, `SELECT id FROM tasks WHERE id = $1 FOR UPDATE`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", taskID, seqerrors.ErrUnknownTask)
	}
	if err != nil {
		return nil, fmt.Errorf("lock task %d: %w", taskID, err)
	}

	var prev struct {
		ToState string `db:"to_state"`
		SortKey int    `db:"sort_key"`
	}
	var from *string
	sortKey := 1
	err = tx.GetContext(ctx, &prev, `
		SELECT to_state, sort_key FROM task_transitions
		WHERE task_id = $1
		ORDER BY sort_key DESC LIMIT 1`, taskID)
	if err == nil {
		from = &prev.ToState
		sortKey = prev.SortKey + 1
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("query latest task transition %d: %w", taskID, err)
	}

	if err := lifecycle.ValidateTaskTransition(from, to); err != nil {
		return nil, err
	}

	tr := &domain.Transition{
		EntityID:  taskID,
		FromState: from,
		ToState:   string(to),
		SortKey:   sortKey,
		Metadata:  metadata.Clone(),
		CreatedAt: s.clk.Now().UTC(),
	}
	if err := tx.GetContext(ctx, &tr.ID, `
		INSERT INTO task_transitions (task_id, from_state, to_state, sort_key, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		taskID, from, tr.ToState, tr.SortKey, tr.Metadata, tr.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert task transition %d: %w", taskID, err)
	}
	return tr, nil
}

// recordStepTransitionTx appends one step transition under the step row lock.
func (s *Postgres) recordStepTransitionTx(ctx context.Context, tx *sqlx.Tx, stepID int64, to constants.StepState, metadata domain.Metadata) (*domain.Transition, error) {
	var id int64
	err := tx.GetContext(ctx, &id, `SELECT id FROM workflow_steps WHERE id = $1 FOR UPDATE`, stepID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("step %d: %w", stepID, seqerrors.ErrStepNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lock step %d: %w", stepID, err)
	}

	var prev struct {
		ToState string `db:"to_state"`
		SortKey int    `db:"sort_key"`
	}
	var from *string
	sortKey := 1
	err = tx.GetContext(ctx, &prev, `
		SELECT to_state, sort_key FROM workflow_step_transitions
		WHERE workflow_step_id = $1
		ORDER BY sort_key DESC LIMIT 1`, stepID)
	if err == nil {
		from = &prev.ToState
		sortKey = prev.SortKey + 1
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("query latest step transition %d: %w", stepID, err)
	}

	if err := lifecycle.ValidateStepTransition(from, to); err != nil {
		return nil, err
	}

	tr := &domain.Transition{
		EntityID:  stepID,
		FromState: from,
		ToState:   string(to),
		SortKey:   sortKey,
		Metadata:  metadata.Clone(),
		CreatedAt: s.clk.Now().UTC(),
	}
	if err := tx.GetContext(ctx, &tr.ID, `
		INSERT INTO workflow_step_transitions (workflow_step_id, from_state, to_state, sort_key, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		stepID, from, tr.ToState, tr.SortKey, tr.Metadata, tr.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert step transition %d: %w", stepID, err)
	}
	return tr, nil
}

// RecordTaskTransition validates and appends one task transition.
func (s *Postgres) RecordTaskTransition(ctx context.Context, taskID int64, to constants.TaskState, metadata domain.Metadata) (*domain.Transition, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}

	var tr *domain.Transition
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		tr, err = s.recordTaskTransitionTx(ctx, tx, taskID, to, metadata)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tr, nil
}

// RecordStepTransition validates and appends one step transition.
func (s *Postgres) RecordStepTransition(ctx context.Context, stepID int64, to constants.StepState, metadata domain.Metadata) (*domain.Transition, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}

	var tr *domain.Transition
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		tr, err = s.recordStepTransitionTx(ctx, tx, stepID, to, metadata)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tr, nil
}

// TaskTransitions returns the task's transition log in sort-key order.
func (s *Postgres) TaskTransitions(ctx context.Context, taskID int64) ([]*domain.Transition, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}

	var rows []domain.Transition
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, task_id AS entity_id, from_state, to_state, sort_key, metadata, created_at
		FROM task_transitions
		WHERE task_id = $1
		ORDER BY sort_key`, taskID); err != nil {
		return nil, fmt.Errorf("query task transitions %d: %w", taskID, err)
	}
	out := make([]*domain.Transition, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out, nil
}

// StepTransitions returns the step's transition log in sort-key order.
func (s *Postgres) StepTransitions(ctx context.Context, stepID int64) ([]*domain.Transition, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}

	var rows []domain.Transition
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, workflow_step_id AS entity_id, from_state, to_state, sort_key, metadata, created_at
		FROM workflow_step_transitions
		WHERE workflow_step_id = $1
		ORDER BY sort_key`, stepID); err != nil {
		return nil, fmt.Errorf("query step transitions %d: %w", stepID, err)
	}
	out := make([]*domain.Transition, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out, nil
}

// MostRecentStepTransitionTo returns the latest step transition entering state.
func (s *Postgres) MostRecentStepTransitionTo(ctx context.Context, stepID int64, state constants.StepState) (*domain.Transition, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}

	var tr domain.Transition
	err := s.db.GetContext(ctx, &tr, `
		SELECT id, workflow_step_id AS entity_id, from_state, to_state, sort_key, metadata, created_at
		FROM workflow_step_transitions
		WHERE workflow_step_id = $1 AND to_state = $2
		ORDER BY sort_key DESC LIMIT 1`, stepID, string(state))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query step transition %d to %s: %w", stepID, state, err)
	}
	return &tr, nil
}

// DispatchStep moves a viable step into in_progress in one transaction.
func (s *Postgres) DispatchStep(ctx context.Context, stepID int64, now time.Time) (*domain.WorkflowStep, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}

	var step domain.WorkflowStep
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &step, stepColumns+` FROM workflow_steps WHERE id = $1 FOR UPDATE`, stepID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("step %d: %w", stepID, seqerrors.ErrStepNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock step %d: %w", stepID, err)
		}

		if step.Attempts > 0 && step.Attempts >= step.RetryLimit {
			return fmt.Errorf("step %d: %w", stepID, seqerrors.ErrRetryExhausted)
		}

		var toState string
		state := constants.StepStatePending
		err = tx.GetContext(ctx, &toState, `
			SELECT to_state FROM workflow_step_transitions
			WHERE workflow_step_id = $1
			ORDER BY sort_key DESC LIMIT 1`, stepID)
		if err == nil {
			state = constants.StepState(toState)
		} else if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("query step state %d: %w", stepID, err)
		}

		attempt := step.Attempts + 1
		if state == constants.StepStateError {
			if _, err := s.recordStepTransitionTx(ctx, tx, stepID, constants.StepStatePending, domain.Metadata{
				domain.MetaRetryAttempt: attempt,
			}); err != nil {
				return err
			}
		}
		if _, err := s.recordStepTransitionTx(ctx, tx, stepID, constants.StepStateInProgress, domain.Metadata{
			domain.MetaAttemptNumber: attempt,
		}); err != nil {
			return err
		}

		at := now.UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE workflow_steps
			SET attempts = $2, last_attempted_at = $3, in_process = TRUE
			WHERE id = $1`, stepID, attempt, at); err != nil {
			return fmt.Errorf("update step %d for dispatch: %w", stepID, err)
		}

		step.Attempts = attempt
		step.LastAttemptedAt = &at
		step.InProcess = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &step, nil
}

// CompleteStep records a successful handler outcome.
func (s *Postgres) CompleteStep(ctx context.Context, stepID int64, results json.RawMessage) error {
	if err := ctxutil.Canceled(ctx); err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := s.recordStepTransitionTx(ctx, tx, stepID, constants.StepStateComplete, nil); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE workflow_steps
			SET results = $2, processed = TRUE, in_process = FALSE, backoff_request_seconds = NULL
			WHERE id = $1`, stepID, []byte(results)); err != nil {
			return fmt.Errorf("update step %d for completion: %w", stepID, err)
		}
		return nil
	})
}

// FailStep records a failed handler outcome.
func (s *Postgres) FailStep(ctx context.Context, stepID int64, failure StepFailure) error {
	if err := ctxutil.Canceled(ctx); err != nil {
		return err
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

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := s.recordStepTransitionTx(ctx, tx, stepID, constants.StepStateError, metadata); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE workflow_steps
			SET in_process = FALSE,
			    backoff_request_seconds = COALESCE($2, backoff_request_seconds),
			    retryable = CASE WHEN $3 THEN FALSE ELSE retryable END
			WHERE id = $1`, stepID, failure.BackoffSeconds, failure.Permanent); err != nil {
			return fmt.Errorf("update step %d for failure: %w", stepID, err)
		}
		return nil
	})
}

// CancelTask transitions the task and every non-terminal step to cancelled.
func (s *Postgres) CancelTask(ctx context.Context, taskID int64, reason string) error {
	if err := ctxutil.Canceled(ctx); err != nil {
		return err
	}

	metadata := domain.Metadata{domain.MetaReason: reason}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := s.recordTaskTransitionTx(ctx, tx, taskID, constants.TaskStateCancelled, metadata); err != nil {
			return err
		}

		var stepIDs []int64
		if err := tx.SelectContext(ctx, &stepIDs, `
			SELECT id FROM workflow_steps WHERE task_id = $1 ORDER BY sort_key, id`, taskID); err != nil {
			return fmt.Errorf("query steps of task %d: %w", taskID, err)
		}
		for _, stepID := range stepIDs {
			var toState string
			state := constants.StepStatePending
			err := tx.GetContext(ctx, &toState, `
				SELECT to_state FROM workflow_step_transitions
				WHERE workflow_step_id = $1
				ORDER BY sort_key DESC LIMIT 1`, stepID)
			if err == nil {
				state = constants.StepState(toState)
			} else if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("query step state %d: %w", stepID, err)
			}
			if lifecycle.IsTerminalStepState(state) {
				continue
			}
			if _, err := s.recordStepTransitionTx(ctx, tx, stepID, constants.StepStateCancelled, metadata); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE workflow_steps SET in_process = FALSE WHERE id = $1`, stepID); err != nil {
				return fmt.Errorf("clear in_process on step %d: %w", stepID, err)
			}
		}
		return nil
	})
}

// ResolveTaskManually transitions an error task and its error steps to
// resolved_manually.
func (s *Postgres) ResolveTaskManually(ctx context.Context, taskID int64, reason string) error {
	if err := ctxutil.Canceled(ctx); err != nil {
		return err
	}

	metadata := domain.Metadata{domain.MetaReason: reason}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := s.recordTaskTransitionTx(ctx, tx, taskID, constants.TaskStateResolvedManually, metadata); err != nil {
			return err
		}

		var stepIDs []int64
		if err := tx.SelectContext(ctx, &stepIDs, `
			SELECT ws.id
			FROM workflow_steps ws
			JOIN LATERAL (
				SELECT to_state FROM workflow_step_transitions
				WHERE workflow_step_id = ws.id
				ORDER BY sort_key DESC LIMIT 1
			) latest ON TRUE
			WHERE ws.task_id = $1 AND latest.to_state = 'error'
			ORDER BY ws.sort_key, ws.id`, taskID); err != nil {
			return fmt.Errorf("query error steps of task %d: %w", taskID, err)
		}
		for _, stepID := range stepIDs {
			if _, err := s.recordStepTransitionTx(ctx, tx, stepID, constants.StepStateResolvedManually, metadata); err != nil {
				return err
			}
		}
		return nil
	})
}

// TryLockTask acquires a session-scoped advisory lock keyed by task ID. The
// lock rides on a dedicated connection that is held until release.
func (s *Postgres) TryLockTask(ctx context.Context, taskID int64) (func(), bool, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, false, err
	}

	conn, err := s.db.Connx(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection for task lock %d: %w", taskID, err)
	}

	var locked bool
	if err := conn.GetContext(ctx, &locked, `SELECT pg_try_advisory_lock($1)`, taskID); err != nil {
		_ = conn.Close()
		return nil, false, fmt.Errorf("try task lock %d: %w", taskID, err)
	}
	if !locked {
		_ = conn.Close()
		return nil, false, nil
	}

	release := func() {
		var unlocked bool
		_ = conn.GetContext(context.Background(), &unlocked, `SELECT pg_advisory_unlock($1)`, taskID)
		_ = conn.Close()
	}
	return release, true, nil
}

// SystemHealth returns the counters feeding the concurrency calculation.
func (s *Postgres) SystemHealth(ctx context.Context) (*SystemHealth, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}

	health := &SystemHealth{}
	if err := s.db.GetContext(ctx, &health.InProgressTasks, `
		SELECT COUNT(*) FROM (
			SELECT DISTINCT ON (task_id) to_state
			FROM task_transitions
			ORDER BY task_id, sort_key DESC
		) latest
		WHERE latest.to_state = 'in_progress'`); err != nil {
		return nil, fmt.Errorf("count in-progress tasks: %w", err)
	}
	if err := s.db.GetContext(ctx, &health.InProgressSteps, `
		SELECT COUNT(*) FROM workflow_steps WHERE in_process`); err != nil {
		return nil, fmt.Errorf("count in-progress steps: %w", err)
	}

	stats := s.db.Stats()
	health.ActiveConnections = stats.InUse
	health.PoolSize = stats.MaxOpenConnections
	return health, nil
}

var _ Store = (*Postgres)(nil)
