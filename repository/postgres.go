package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/blopit/SwarmDirector-sub000/core"
)

const taskColumns = `id, title, description, type, status, priority,
	assigned_agent_id, parent_task_id, input_data, output_data, error_details,
	created_at, started_at, completed_at, last_activity,
	queue_time, processing_time, retry_count, max_retries,
	progress_percentage, complexity_score, quality_score`

const agentColumns = `id, name, agent_type, status, capabilities, parent_id,
	tasks_completed, success_rate, average_response_time, created_at, updated_at`

// PostgresRepository is the pgxpool-backed Repository. Lifecycle methods
// run read-modify-write inside a transaction with a row lock, so status and
// timing fields always land together. The schema ships in schema.sql and is
// treated as a deployment precondition.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger core.Logger
}

// NewPostgresRepository opens a connection pool against connString and
// verifies connectivity.
func NewPostgresRepository(ctx context.Context, config core.DatabaseConfig) (*PostgresRepository, error) {
	poolConfig, err := pgxpool.ParseConfig(config.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = int32(config.MaxConns)
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = int32(config.MinConns)
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &PostgresRepository{pool: pool, logger: &core.NoOpLogger{}}, nil
}

// SetLogger injects the logger.
func (r *PostgresRepository) SetLogger(logger core.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// Close releases the connection pool.
func (r *PostgresRepository) Close() {
	r.pool.Close()
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// ═══════════════════════════════════════════════════════════════════════════
// Tasks
// ═══════════════════════════════════════════════════════════════════════════

func (r *PostgresRepository) CreateTask(ctx context.Context, task *core.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	query := `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		ON CONFLICT (id) DO NOTHING
	`
	tag, err := r.pool.Exec(ctx, query, taskArgs(task)...)
	if err != nil {
		return fmt.Errorf("inserting task %s: %w", task.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: task %s", core.ErrAlreadyExists, task.ID)
	}
	return nil
}

func (r *PostgresRepository) GetTask(ctx context.Context, id string) (*core.Task, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: task %s", core.ErrTaskNotFound, id)
	}
	return task, err
}

func (r *PostgresRepository) UpdateTask(ctx context.Context, task *core.Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("%w: missing id", core.ErrInvalidTask)
	}
	task.LastActivity = time.Now()
	tag, err := r.pool.Exec(ctx, updateTaskSQL, taskArgs(task)...)
	if err != nil {
		return fmt.Errorf("updating task %s: %w", task.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: task %s", core.ErrTaskNotFound, task.ID)
	}
	return nil
}

func (r *PostgresRepository) ListTasks(ctx context.Context, filter core.TaskFilter) ([]*core.Task, error) {
	var conds []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.Type != "" {
		add("type = $%d", string(filter.Type))
	}
	if filter.Priority != "" {
		add("priority = $%d", string(filter.Priority))
	}
	if filter.AssignedAgentID != "" {
		add("assigned_agent_id = $%d", filter.AssignedAgentID)
	}
	if filter.ParentTaskID != "" {
		add("parent_task_id = $%d", filter.ParentTaskID)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (r *PostgresRepository) CountTasksByStatus(ctx context.Context, status core.TaskStatus) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM tasks WHERE status = $1`, string(status)).Scan(&count)
	return count, err
}

// mutateTask loads the row under a lock, applies fn, and writes the result
// back in the same transaction.
func (r *PostgresRepository) mutateTask(ctx context.Context, id string, fn func(pgx.Tx, *core.Task) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: task %s", core.ErrTaskNotFound, id)
	}
	if err != nil {
		return err
	}
	if err := fn(tx, task); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, updateTaskSQL, taskArgs(task)...); err != nil {
		return fmt.Errorf("writing task %s: %w", id, err)
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) AssignTask(ctx context.Context, taskID, agentID string) error {
	return r.mutateTask(ctx, taskID, func(_ pgx.Tx, t *core.Task) error {
		return t.MarkAssigned(agentID)
	})
}

func (r *PostgresRepository) StartTask(ctx context.Context, taskID string) error {
	return r.mutateTask(ctx, taskID, func(tx pgx.Tx, t *core.Task) error {
		var parentStatus core.TaskStatus
		if t.ParentTaskID != "" {
			var s string
			err := tx.QueryRow(ctx,
				`SELECT status FROM tasks WHERE id = $1`, t.ParentTaskID).Scan(&s)
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: parent task %s", core.ErrTaskNotFound, t.ParentTaskID)
			}
			if err != nil {
				return err
			}
			parentStatus = core.TaskStatus(s)
		}
		return t.MarkStarted(parentStatus)
	})
}

func (r *PostgresRepository) CompleteTask(ctx context.Context, taskID string, output map[string]interface{}, qualityScore float64) error {
	return r.mutateTask(ctx, taskID, func(_ pgx.Tx, t *core.Task) error {
		return t.MarkCompleted(output, qualityScore)
	})
}

func (r *PostgresRepository) FailTask(ctx context.Context, taskID, errorDetails string) error {
	return r.mutateTask(ctx, taskID, func(_ pgx.Tx, t *core.Task) error {
		return t.MarkFailed(errorDetails)
	})
}

func (r *PostgresRepository) RetryTask(ctx context.Context, taskID string) error {
	return r.mutateTask(ctx, taskID, func(_ pgx.Tx, t *core.Task) error {
		return t.ResetForRetry()
	})
}

const updateTaskSQL = `
	UPDATE tasks SET
		title = $2, description = $3, type = $4, status = $5, priority = $6,
		assigned_agent_id = $7, parent_task_id = $8, input_data = $9,
		output_data = $10, error_details = $11, created_at = $12,
		started_at = $13, completed_at = $14, last_activity = $15,
		queue_time = $16, processing_time = $17, retry_count = $18,
		max_retries = $19, progress_percentage = $20, complexity_score = $21,
		quality_score = $22
	WHERE id = $1
`

func taskArgs(t *core.Task) []interface{} {
	return []interface{}{
		t.ID, t.Title, t.Description, string(t.Type), string(t.Status), string(t.Priority),
		nullString(t.AssignedAgentID), nullString(t.ParentTaskID),
		t.InputData, t.OutputData, t.ErrorDetails,
		t.CreatedAt, t.StartedAt, t.CompletedAt, t.LastActivity,
		t.QueueTime, t.ProcessingTime, t.RetryCount, t.MaxRetries,
		t.ProgressPercentage, t.ComplexityScore, t.QualityScore,
	}
}

func scanTask(row pgx.Row) (*core.Task, error) {
	var t core.Task
	var taskType, status, priority string
	var assignedAgentID, parentTaskID *string
	err := row.Scan(
		&t.ID, &t.Title, &t.Description, &taskType, &status, &priority,
		&assignedAgentID, &parentTaskID,
		&t.InputData, &t.OutputData, &t.ErrorDetails,
		&t.CreatedAt, &t.StartedAt, &t.CompletedAt, &t.LastActivity,
		&t.QueueTime, &t.ProcessingTime, &t.RetryCount, &t.MaxRetries,
		&t.ProgressPercentage, &t.ComplexityScore, &t.QualityScore,
	)
	if err != nil {
		return nil, err
	}
	t.Type = core.TaskType(taskType)
	t.Status = core.TaskStatus(status)
	t.Priority = core.TaskPriority(priority)
	if assignedAgentID != nil {
		t.AssignedAgentID = *assignedAgentID
	}
	if parentTaskID != nil {
		t.ParentTaskID = *parentTaskID
	}
	return &t, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ═══════════════════════════════════════════════════════════════════════════
// Agents
// ═══════════════════════════════════════════════════════════════════════════

func (r *PostgresRepository) CreateAgent(ctx context.Context, agent *core.Agent) error {
	if agent == nil || agent.ID == "" || agent.Name == "" {
		return fmt.Errorf("%w: agent requires id and name", core.ErrInvalidRequest)
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if agent.ParentID != "" {
		if err := checkParentTx(ctx, tx, agent); err != nil {
			return err
		}
	}
	if agent.Status == "" {
		agent.Status = core.AgentStatusIdle
	}
	now := time.Now()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now

	query := `
		INSERT INTO agents (` + agentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`
	tag, err := tx.Exec(ctx, query,
		agent.ID, agent.Name, string(agent.Type), string(agent.Status),
		agent.Capabilities, nullString(agent.ParentID),
		agent.TasksCompleted, agent.SuccessRate, agent.AverageResponseTime,
		agent.CreatedAt, agent.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting agent %s: %w", agent.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: agent %s", core.ErrAlreadyExists, agent.ID)
	}
	return tx.Commit(ctx)
}

// checkParentTx walks the ancestor chain inside the creating transaction,
// mirroring the in-memory tree rules.
func checkParentTx(ctx context.Context, tx pgx.Tx, agent *core.Agent) error {
	if agent.ParentID == agent.ID {
		return fmt.Errorf("%w: agent %s is its own parent", core.ErrAgentCycle, agent.ID)
	}
	seen := map[string]bool{agent.ID: true}
	cur := agent.ParentID
	first := true
	for cur != "" {
		var agentType string
		var parentID *string
		err := tx.QueryRow(ctx,
			`SELECT agent_type, parent_id FROM agents WHERE id = $1`, cur).Scan(&agentType, &parentID)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: parent agent %s", core.ErrAgentNotFound, cur)
		}
		if err != nil {
			return err
		}
		if first {
			if core.AgentType(agentType) != core.AgentTypeSupervisor {
				return fmt.Errorf("%w: parent %s is a %s, only supervisors register children",
					core.ErrInvalidRequest, cur, agentType)
			}
			first = false
		}
		if parentID == nil {
			return nil
		}
		if seen[*parentID] {
			return fmt.Errorf("%w: via agent %s", core.ErrAgentCycle, cur)
		}
		seen[*parentID] = true
		cur = *parentID
	}
	return nil
}

func (r *PostgresRepository) GetAgent(ctx context.Context, id string) (*core.Agent, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	agent, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: agent %s", core.ErrAgentNotFound, id)
	}
	return agent, err
}

func (r *PostgresRepository) ListAgents(ctx context.Context) ([]*core.Agent, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var agents []*core.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

func (r *PostgresRepository) UpdateAgentStatus(ctx context.Context, id string, status core.AgentStatus) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1 FOR UPDATE`, id)
	agent, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: agent %s", core.ErrAgentNotFound, id)
	}
	if err != nil {
		return err
	}
	if !agent.CanTransitionTo(status) {
		return fmt.Errorf("%w: agent %s cannot move %s -> %s",
			core.ErrInvalidTransition, id, agent.Status, status)
	}
	_, err = tx.Exec(ctx,
		`UPDATE agents SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, string(status))
	if err != nil {
		return fmt.Errorf("updating agent %s: %w", id, err)
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) RecordAgentResult(ctx context.Context, id string, success bool, responseTime time.Duration) error {
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	// Running means folded in SQL so concurrent recorders stay consistent.
	query := `
		UPDATE agents SET
			tasks_completed = tasks_completed + 1,
			success_rate = (success_rate * tasks_completed + $2) / (tasks_completed + 1),
			average_response_time = (average_response_time * tasks_completed + $3) / (tasks_completed + 1),
			updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query, id, outcome, responseTime.Seconds())
	if err != nil {
		return fmt.Errorf("recording result for agent %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: agent %s", core.ErrAgentNotFound, id)
	}
	return nil
}

func scanAgent(row pgx.Row) (*core.Agent, error) {
	var a core.Agent
	var agentType, status string
	var parentID *string
	err := row.Scan(
		&a.ID, &a.Name, &agentType, &status, &a.Capabilities, &parentID,
		&a.TasksCompleted, &a.SuccessRate, &a.AverageResponseTime,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Type = core.AgentType(agentType)
	a.Status = core.AgentStatus(status)
	if parentID != nil {
		a.ParentID = *parentID
	}
	return &a, nil
}
