package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/songzhibin97/process-engine/types"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// SQLiteStorage is a SQLite-backed implementation of the Storage interface.
// Instance rows carry a version column; an update that matches no row at the
// expected version is reported as ErrConflict.
type SQLiteStorage struct {
	db    *sql.DB
	clock clock.Clock
}

var _ Storage = (*SQLiteStorage)(nil)

// NewInMemorySQLiteStorage opens a private in-memory database.
func NewInMemorySQLiteStorage(opts ...Option) (*SQLiteStorage, error) {
	s, err := newSQLiteStorage("file::memory:", opts...)
	if err != nil {
		return nil, err
	}
	s.db.SetMaxOpenConns(1)
	return s, nil
}

// NewSQLiteStorage opens (and initializes) the database file at path.
func NewSQLiteStorage(path string, opts ...Option) (*SQLiteStorage, error) {
	return newSQLiteStorage(fmt.Sprintf("file:%v?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path), opts...)
}

func newSQLiteStorage(dsn string, opts ...Option) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "could not open database")
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "could not initialize schema")
	}

	o := applyOptions(opts)
	return &SQLiteStorage{db: db, clock: o.clock}, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// SaveDefinition saves a definition.
func (s *SQLiteStorage) SaveDefinition(ctx context.Context, def types.Definition) error {
	body, err := json.Marshal(def)
	if err != nil {
		return errors.Wrap(err, "could not marshal definition")
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO `definitions` (id, body) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET body = excluded.body",
		def.ID, string(body))
	return errors.Wrap(err, "could not save definition")
}

// GetDefinition retrieves a definition.
func (s *SQLiteStorage) GetDefinition(ctx context.Context, id uint64) (types.Definition, error) {
	return getDefinition(ctx, s.db, id)
}

func getDefinition(ctx context.Context, q queryer, id uint64) (types.Definition, error) {
	var body string
	err := q.QueryRowContext(ctx, "SELECT body FROM `definitions` WHERE id = ?", id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Definition{}, fmt.Errorf("%w: id=%d", ErrDefinitionNotFound, id)
	} else if err != nil {
		return types.Definition{}, errors.Wrap(err, "could not load definition")
	}
	var def types.Definition
	if err := json.Unmarshal([]byte(body), &def); err != nil {
		return types.Definition{}, errors.Wrap(err, "could not unmarshal definition")
	}
	return def, nil
}

const instanceColumns = "id, definition_id, application_id, status, current_node_id, variables, retry_count, " +
	"max_retries, started_by, started_at, completed_at, last_activity_at, version"

func scanInstance(r rowScanner) (types.Instance, error) {
	var (
		inst types.Instance
		vars string
	)
	if err := r.Scan(&inst.ID, &inst.DefinitionID, &inst.ApplicationID, &inst.Status, &inst.CurrentNodeID, &vars,
		&inst.RetryCount, &inst.MaxRetries, &inst.StartedBy, &inst.StartedAt, &inst.CompletedAt,
		&inst.LastActivityAt, &inst.Version); err != nil {
		return types.Instance{}, err
	}
	if err := json.Unmarshal([]byte(vars), &inst.Variables); err != nil {
		return types.Instance{}, errors.Wrap(err, "could not unmarshal variables")
	}
	return inst, nil
}

// CreateInstance stores a new instance.
func (s *SQLiteStorage) CreateInstance(ctx context.Context, inst types.Instance) error {
	vars, err := json.Marshal(copyVariables(inst.Variables))
	if err != nil {
		return errors.Wrap(err, "could not marshal variables")
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO `instances` ("+instanceColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		inst.ID, inst.DefinitionID, inst.ApplicationID, inst.Status, inst.CurrentNodeID, string(vars),
		inst.RetryCount, inst.MaxRetries, inst.StartedBy, inst.StartedAt, inst.CompletedAt,
		inst.LastActivityAt, inst.Version)
	if err != nil {
		return errors.Wrap(err, "could not insert workflow instance")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows != 1 {
		return fmt.Errorf("%w: instance %d already exists", ErrConflict, inst.ID)
	}
	return nil
}

func getInstanceRow(ctx context.Context, q queryer, id uint64) (types.Instance, error) {
	inst, err := scanInstance(q.QueryRowContext(ctx, "SELECT "+instanceColumns+" FROM `instances` WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Instance{}, fmt.Errorf("%w: id=%d", ErrInstanceNotFound, id)
	} else if err != nil {
		return types.Instance{}, errors.Wrap(err, "could not load instance")
	}
	return inst, nil
}

// GetInstance retrieves an instance with its definition, tasks and log.
func (s *SQLiteStorage) GetInstance(ctx context.Context, id uint64) (types.Instance, error) {
	inst, err := getInstanceRow(ctx, s.db, id)
	if err != nil {
		return types.Instance{}, err
	}
	def, err := getDefinition(ctx, s.db, inst.DefinitionID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return types.Instance{}, err
	}
	if err == nil {
		inst.Definition = &def
	}
	if inst.Tasks, err = s.GetTasks(ctx, id); err != nil {
		return types.Instance{}, err
	}
	if inst.ExecutionLog, err = s.GetExecutionLogs(ctx, id); err != nil {
		return types.Instance{}, err
	}
	return inst, nil
}

func (s *SQLiteStorage) queryInstances(ctx context.Context, where string, args ...interface{}) ([]types.Instance, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+instanceColumns+" FROM `instances` WHERE "+where+" ORDER BY seq", args...)
	if err != nil {
		return nil, errors.Wrap(err, "could not query instances")
	}
	defer rows.Close()

	var out []types.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, errors.Wrap(err, "could not scan instance")
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// GetActiveInstances lists non-terminal instances in creation order.
func (s *SQLiteStorage) GetActiveInstances(ctx context.Context) ([]types.Instance, error) {
	return s.queryInstances(ctx, "status NOT IN (?, ?)", types.InstanceCompleted, types.InstanceCancelled)
}

// GetActiveInstance returns the oldest non-terminal instance for the pair.
func (s *SQLiteStorage) GetActiveInstance(ctx context.Context, definitionID uint64, applicationID string) (types.Instance, error) {
	insts, err := s.queryInstances(ctx, "definition_id = ? AND application_id = ? AND status NOT IN (?, ?)",
		definitionID, applicationID, types.InstanceCompleted, types.InstanceCancelled)
	if err != nil {
		return types.Instance{}, err
	}
	if len(insts) == 0 {
		return types.Instance{}, fmt.Errorf("%w: definition=%d application=%s", ErrInstanceNotFound, definitionID, applicationID)
	}
	return insts[0], nil
}

func loadLiveInstanceRow(ctx context.Context, q queryer, id uint64) (types.Instance, error) {
	inst, err := getInstanceRow(ctx, q, id)
	if err != nil {
		return types.Instance{}, err
	}
	if err := checkLive(inst, anyVersion); err != nil {
		return types.Instance{}, err
	}
	return inst, nil
}

// mutateInstance reads the instance, applies fn and writes it back if the
// version did not move in between.
func (s *SQLiteStorage) mutateInstance(ctx context.Context, id uint64, version int64, fn func(inst *types.Instance)) error {
	inst, err := getInstanceRow(ctx, s.db, id)
	if err != nil {
		return err
	}
	if err := checkLive(inst, version); err != nil {
		return err
	}
	expected := inst.Version
	fn(&inst)
	inst.LastActivityAt = s.clock.Now().UnixMilli()
	inst.Version++
	return s.writeInstance(ctx, inst, expected)
}

// writeInstance stores inst only if the row is still at the expected version.
func (s *SQLiteStorage) writeInstance(ctx context.Context, inst types.Instance, expected int64) error {
	id := inst.ID
	res, err := s.db.ExecContext(ctx,
		"UPDATE `instances` SET status = ?, current_node_id = ?, retry_count = ?, completed_at = ?, last_activity_at = ?, version = ? "+
			"WHERE id = ? AND version = ? AND status NOT IN (?, ?)",
		inst.Status, inst.CurrentNodeID, inst.RetryCount, inst.CompletedAt, inst.LastActivityAt, inst.Version,
		id, expected, types.InstanceCompleted, types.InstanceCancelled)
	if err != nil {
		return errors.Wrap(err, "could not update instance")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows != 1 {
		return fmt.Errorf("%w: instance %d changed since version %d", ErrConflict, id, expected)
	}
	return nil
}

// UpdateInstanceStatus changes the status of an instance.
func (s *SQLiteStorage) UpdateInstanceStatus(ctx context.Context, id uint64, version int64, status types.InstanceStatus) error {
	return s.mutateInstance(ctx, id, version, func(inst *types.Instance) {
		inst.Status = status
		if status.Terminal() {
			inst.CompletedAt = s.clock.Now().UnixMilli()
		}
	})
}

// UpdateCurrentNode moves the instance pointer.
func (s *SQLiteStorage) UpdateCurrentNode(ctx context.Context, id uint64, version int64, nodeID string) error {
	return s.mutateInstance(ctx, id, version, func(inst *types.Instance) {
		inst.CurrentNodeID = nodeID
	})
}

// IncrementRetryCount bumps the retry counter.
func (s *SQLiteStorage) IncrementRetryCount(ctx context.Context, id uint64) error {
	return s.mutateInstance(ctx, id, anyVersion, func(inst *types.Instance) {
		inst.RetryCount++
	})
}

const taskColumns = "id, instance_id, node_id, title, description, status, priority, assigned_to_user_id, " +
	"assigned_to, assignment_type, notes, created_at, completed_at, completed_by, result"

func scanTask(r rowScanner) (types.Task, error) {
	var t types.Task
	err := r.Scan(&t.ID, &t.InstanceID, &t.NodeID, &t.Title, &t.Description, &t.Status, &t.Priority,
		&t.AssignedToUserID, &t.AssignedTo, &t.AssignmentType, &t.Notes, &t.CreatedAt, &t.CompletedAt,
		&t.CompletedBy, &t.Result)
	return t, err
}

// CreateTask stores a task, refusing a second open task for the same node.
func (s *SQLiteStorage) CreateTask(ctx context.Context, task types.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "could not start transaction")
	}
	defer tx.Rollback()

	if _, err := loadLiveInstanceRow(ctx, tx, task.InstanceID); err != nil {
		return err
	}

	if task.Status.Open() {
		var existing uint64
		err := tx.QueryRowContext(ctx,
			"SELECT id FROM `tasks` WHERE instance_id = ? AND node_id = ? AND status IN (?, ?)",
			task.InstanceID, task.NodeID, types.TaskPending, types.TaskInProgress).Scan(&existing)
		if err == nil {
			return fmt.Errorf("%w: task %d already open for node %s", ErrConflict, existing, task.NodeID)
		} else if !errors.Is(err, sql.ErrNoRows) {
			return errors.Wrap(err, "could not check open tasks")
		}
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO `tasks` ("+taskColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		task.ID, task.InstanceID, task.NodeID, task.Title, task.Description, task.Status, task.Priority,
		task.AssignedToUserID, task.AssignedTo, task.AssignmentType, task.Notes, task.CreatedAt,
		task.CompletedAt, task.CompletedBy, task.Result)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: open task exists for node %s", ErrConflict, task.NodeID)
		}
		return errors.Wrap(err, "could not insert task")
	}

	return errors.Wrap(tx.Commit(), "could not create task")
}

// GetOpenTask returns the open task of a node.
func (s *SQLiteStorage) GetOpenTask(ctx context.Context, instanceID uint64, nodeID string) (types.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		"SELECT "+taskColumns+" FROM `tasks` WHERE instance_id = ? AND node_id = ? AND status IN (?, ?)",
		instanceID, nodeID, types.TaskPending, types.TaskInProgress))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Task{}, fmt.Errorf("%w: instance=%d node=%s", ErrTaskNotFound, instanceID, nodeID)
	} else if err != nil {
		return types.Task{}, errors.Wrap(err, "could not load open task")
	}
	return t, nil
}

// CompleteTask completes the open task of a node.
func (s *SQLiteStorage) CompleteTask(ctx context.Context, instanceID uint64, nodeID, result, completedBy string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "could not start transaction")
	}
	defer tx.Rollback()

	if _, err := loadLiveInstanceRow(ctx, tx, instanceID); err != nil {
		return err
	}

	now := s.clock.Now().UnixMilli()
	res, err := tx.ExecContext(ctx,
		"UPDATE `tasks` SET status = ?, result = ?, completed_by = ?, completed_at = ? "+
			"WHERE instance_id = ? AND node_id = ? AND status IN (?, ?)",
		types.TaskCompleted, result, completedBy, now, instanceID, nodeID, types.TaskPending, types.TaskInProgress)
	if err != nil {
		return errors.Wrap(err, "could not complete task")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: instance=%d node=%s", ErrTaskNotFound, instanceID, nodeID)
	}

	if _, err := tx.ExecContext(ctx, "UPDATE `instances` SET last_activity_at = ? WHERE id = ?", now, instanceID); err != nil {
		return errors.Wrap(err, "could not touch instance")
	}

	return errors.Wrap(tx.Commit(), "could not complete task")
}

// GetTasks lists the tasks of an instance.
func (s *SQLiteStorage) GetTasks(ctx context.Context, instanceID uint64) ([]types.Task, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+taskColumns+" FROM `tasks` WHERE instance_id = ? ORDER BY seq", instanceID)
	if err != nil {
		return nil, errors.Wrap(err, "could not query tasks")
	}
	defer rows.Close()

	var out []types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, "could not scan task")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountOpenTasks counts the open tasks assigned to a user.
func (s *SQLiteStorage) CountOpenTasks(ctx context.Context, userID uint64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM `tasks` WHERE assigned_to_user_id = ? AND status IN (?, ?)",
		userID, types.TaskPending, types.TaskInProgress).Scan(&n)
	return n, errors.Wrap(err, "could not count open tasks")
}

// AppendExecutionLog appends an entry to the instance log.
func (s *SQLiteStorage) AppendExecutionLog(ctx context.Context, e types.ExecutionLogEntry) error {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO `execution_logs` (id, instance_id, node_id, node_name, node_type, level, message, data, timestamp, executed_by, is_error, error_details) "+
			"SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM `instances` WHERE id = ?)",
		e.ID, e.InstanceID, e.NodeID, e.NodeName, e.NodeType, e.Level, e.Message, e.Data, e.Timestamp,
		e.ExecutedBy, e.IsError, e.ErrorDetails, e.InstanceID)
	if err != nil {
		return errors.Wrap(err, "could not append execution log")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: id=%d", ErrInstanceNotFound, e.InstanceID)
	}
	return nil
}

// GetExecutionLogs returns the log of an instance in append order.
func (s *SQLiteStorage) GetExecutionLogs(ctx context.Context, instanceID uint64) ([]types.ExecutionLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, instance_id, node_id, node_name, node_type, level, message, data, timestamp, executed_by, is_error, error_details "+
			"FROM `execution_logs` WHERE instance_id = ? ORDER BY seq", instanceID)
	if err != nil {
		return nil, errors.Wrap(err, "could not query execution log")
	}
	defer rows.Close()

	var out []types.ExecutionLogEntry
	for rows.Next() {
		var e types.ExecutionLogEntry
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.NodeID, &e.NodeName, &e.NodeType, &e.Level, &e.Message,
			&e.Data, &e.Timestamp, &e.ExecutedBy, &e.IsError, &e.ErrorDetails); err != nil {
			return nil, errors.Wrap(err, "could not scan execution log")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveUser stores a user.
func (s *SQLiteStorage) SaveUser(ctx context.Context, u types.User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO `users` (id, username, email, full_name, department, role, status) VALUES (?, ?, ?, ?, ?, ?, ?)",
		u.ID, u.Username, u.Email, u.FullName, u.Department, u.Role, u.Status)
	return errors.Wrap(err, "could not save user")
}

const userColumns = "id, username, email, full_name, department, role, status"

func (s *SQLiteStorage) queryUsers(ctx context.Context, query string, args ...interface{}) ([]types.User, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "could not query users")
	}
	defer rows.Close()

	var out []types.User
	for rows.Next() {
		var u types.User
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.FullName, &u.Department, &u.Role, &u.Status); err != nil {
			return nil, errors.Wrap(err, "could not scan user")
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// GetUsersByUsernames returns the known users in request order.
func (s *SQLiteStorage) GetUsersByUsernames(ctx context.Context, usernames []string) ([]types.User, error) {
	if len(usernames) == 0 {
		return nil, nil
	}
	args := make([]interface{}, len(usernames))
	for i, name := range usernames {
		args[i] = name
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(usernames)), ", ")
	found, err := s.queryUsers(ctx, "SELECT "+userColumns+" FROM `users` WHERE username IN ("+placeholders+")", args...)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]types.User, len(found))
	for _, u := range found {
		byName[strings.ToLower(u.Username)] = u
	}
	var out []types.User
	for _, name := range usernames {
		if u, ok := byName[strings.ToLower(name)]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

// ListActiveUsers returns the active users ordered by ID.
func (s *SQLiteStorage) ListActiveUsers(ctx context.Context) ([]types.User, error) {
	return s.queryUsers(ctx, "SELECT "+userColumns+" FROM `users` WHERE status = ? ORDER BY id", types.UserActive)
}

// SaveServiceConfiguration stores a named service configuration.
func (s *SQLiteStorage) SaveServiceConfiguration(ctx context.Context, cfg types.ServiceConfiguration) error {
	body, err := json.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "could not marshal service configuration")
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO `service_configurations` (name, body) VALUES (?, ?) ON CONFLICT(name) DO UPDATE SET body = excluded.body",
		cfg.Name, string(body))
	return errors.Wrap(err, "could not save service configuration")
}

// GetServiceConfiguration retrieves a named service configuration.
func (s *SQLiteStorage) GetServiceConfiguration(ctx context.Context, name string) (types.ServiceConfiguration, error) {
	var body string
	err := s.db.QueryRowContext(ctx, "SELECT body FROM `service_configurations` WHERE name = ?", name).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return types.ServiceConfiguration{}, fmt.Errorf("%w: name=%s", ErrServiceConfigurationNotFound, name)
	} else if err != nil {
		return types.ServiceConfiguration{}, errors.Wrap(err, "could not load service configuration")
	}
	var cfg types.ServiceConfiguration
	if err := json.Unmarshal([]byte(body), &cfg); err != nil {
		return types.ServiceConfiguration{}, errors.Wrap(err, "could not unmarshal service configuration")
	}
	return cfg, nil
}

// SaveServiceResult stores a service execution result.
func (s *SQLiteStorage) SaveServiceResult(ctx context.Context, r types.ServiceExecutionResult) error {
	body, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "could not marshal service result")
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO `service_results` (id, body) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET body = excluded.body",
		r.ID, string(body))
	return errors.Wrap(err, "could not save service result")
}

// GetServiceResult retrieves a service execution result.
func (s *SQLiteStorage) GetServiceResult(ctx context.Context, id string) (types.ServiceExecutionResult, error) {
	var body string
	err := s.db.QueryRowContext(ctx, "SELECT body FROM `service_results` WHERE id = ?", id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return types.ServiceExecutionResult{}, fmt.Errorf("%w: id=%s", ErrServiceResultNotFound, id)
	} else if err != nil {
		return types.ServiceExecutionResult{}, errors.Wrap(err, "could not load service result")
	}
	var r types.ServiceExecutionResult
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return types.ServiceExecutionResult{}, errors.Wrap(err, "could not unmarshal service result")
	}
	return r, nil
}

// UpdateServiceResultStatus changes the status of a stored result.
func (s *SQLiteStorage) UpdateServiceResultStatus(ctx context.Context, id string, status types.ExecutionStatus) error {
	r, err := s.GetServiceResult(ctx, id)
	if err != nil {
		return err
	}
	r.Status = status
	return s.SaveServiceResult(ctx, r)
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
