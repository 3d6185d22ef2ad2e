package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-redis/redis/v8"

	"github.com/songzhibin97/process-engine/types"
)

const (
	definitionPrefix = "definition:"
	instancePrefix   = "instance:"
	taskPrefix       = "task:"
	openTaskPrefix   = "opentask:"
	userOpenPrefix   = "user:"
	resultPrefix     = "service:result:"

	instanceOrderKey  = "instances:order"
	pairPrefix        = "instances:pair:"
	usersKey          = "users"
	serviceConfigsKey = "service:configs"
)

func instanceKey(id uint64) string      { return instancePrefix + strconv.FormatUint(id, 10) }
func instanceTasksKey(id uint64) string { return instanceKey(id) + ":tasks" }
func instanceLogsKey(id uint64) string  { return instanceKey(id) + ":logs" }
func taskKey(id uint64) string          { return taskPrefix + strconv.FormatUint(id, 10) }
func userOpenKey(id uint64) string      { return userOpenPrefix + strconv.FormatUint(id, 10) + ":opentasks" }

func openTaskRedisKey(instanceID uint64, nodeID string) string {
	return fmt.Sprintf("%s%d:%s", openTaskPrefix, instanceID, nodeID)
}

func pairKey(definitionID uint64, applicationID string) string {
	return fmt.Sprintf("%s%d:%s", pairPrefix, definitionID, applicationID)
}

// RedisStorage is a Redis-backed implementation of the Storage interface.
// Instance and task mutations run under WATCH; a lost race surfaces as ErrConflict.
type RedisStorage struct {
	client *redis.Client
	clock  clock.Clock
}

var _ Storage = (*RedisStorage)(nil)

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions, options ...Option) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	o := applyOptions(options)
	return &RedisStorage{client: client, clock: o.clock}, nil
}

// getter and setter are the slices of redis.Client, redis.Tx and redis.Pipeliner
// the JSON helpers need.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

type setter interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// saveJSON marshals value and stores it under key.
func saveJSON(ctx context.Context, c setter, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %v", key, err)
	}
	if err := c.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set %s in Redis: %v", key, err)
	}
	return nil
}

// getJSON retrieves and unmarshals a value from Redis.
func getJSON[T any](ctx context.Context, c getter, key string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := c.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %v", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %v", key, err)
		}
		return result, nil
	})
}

// mgetJSON loads several JSON values, skipping missing keys.
func mgetJSON[T any](ctx context.Context, c *redis.Client, keys []string) ([]T, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := c.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to mget: %v", err)
	}
	out := make([]T, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var item T
		if err := json.Unmarshal([]byte(s), &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %v", keys[i], err)
		}
		out = append(out, item)
	}
	return out, nil
}

// watch runs fn under WATCH on keys and maps a failed transaction to ErrConflict.
func (s *RedisStorage) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	return withContextError(ctx, func() error {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("%w: %s", ErrConflict, strings.Join(keys, ","))
		}
		return err
	})
}

// SaveDefinition saves a definition to Redis.
func (s *RedisStorage) SaveDefinition(ctx context.Context, def types.Definition) error {
	return withContextError(ctx, func() error {
		return saveJSON(ctx, s.client, definitionPrefix+strconv.FormatUint(def.ID, 10), def)
	})
}

// GetDefinition retrieves a definition from Redis.
func (s *RedisStorage) GetDefinition(ctx context.Context, id uint64) (types.Definition, error) {
	return getJSON[types.Definition](ctx, s.client, definitionPrefix+strconv.FormatUint(id, 10), ErrDefinitionNotFound)
}

// CreateInstance stores a new instance and indexes it by creation order and pair.
func (s *RedisStorage) CreateInstance(ctx context.Context, inst types.Instance) error {
	key := instanceKey(inst.ID)
	return s.watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: instance %d already exists", ErrConflict, inst.ID)
		}
		data, err := json.Marshal(inst.Shallow())
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %v", key, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.RPush(ctx, instanceOrderKey, inst.ID)
			pipe.RPush(ctx, pairKey(inst.DefinitionID, inst.ApplicationID), inst.ID)
			return nil
		})
		return err
	}, key)
}

// GetInstance retrieves an instance with its definition, tasks and log.
func (s *RedisStorage) GetInstance(ctx context.Context, id uint64) (types.Instance, error) {
	inst, err := getJSON[types.Instance](ctx, s.client, instanceKey(id), ErrInstanceNotFound)
	if err != nil {
		return types.Instance{}, err
	}
	def, err := s.GetDefinition(ctx, inst.DefinitionID)
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

func (s *RedisStorage) instancesAt(ctx context.Context, listKey string) ([]types.Instance, error) {
	ids, err := s.client.LRange(ctx, listKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %v", listKey, err)
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = instancePrefix + id
	}
	return mgetJSON[types.Instance](ctx, s.client, keys)
}

// GetActiveInstances lists non-terminal instances in creation order.
func (s *RedisStorage) GetActiveInstances(ctx context.Context) ([]types.Instance, error) {
	return withContext(ctx, func() ([]types.Instance, error) {
		all, err := s.instancesAt(ctx, instanceOrderKey)
		if err != nil {
			return nil, err
		}
		var out []types.Instance
		for _, inst := range all {
			if !inst.Status.Terminal() {
				out = append(out, inst)
			}
		}
		return out, nil
	})
}

// GetActiveInstance returns the oldest non-terminal instance for the pair.
func (s *RedisStorage) GetActiveInstance(ctx context.Context, definitionID uint64, applicationID string) (types.Instance, error) {
	return withContext(ctx, func() (types.Instance, error) {
		all, err := s.instancesAt(ctx, pairKey(definitionID, applicationID))
		if err != nil {
			return types.Instance{}, err
		}
		for _, inst := range all {
			if !inst.Status.Terminal() {
				return inst, nil
			}
		}
		return types.Instance{}, fmt.Errorf("%w: definition=%d application=%s", ErrInstanceNotFound, definitionID, applicationID)
	})
}

// loadLiveInstance reads an instance inside a WATCH and rejects terminal ones.
func loadLiveInstance(ctx context.Context, tx *redis.Tx, id uint64) (types.Instance, error) {
	inst, err := getJSON[types.Instance](ctx, tx, instanceKey(id), ErrInstanceNotFound)
	if err != nil {
		return types.Instance{}, err
	}
	if err := checkLive(inst, anyVersion); err != nil {
		return types.Instance{}, err
	}
	return inst, nil
}

func (s *RedisStorage) mutateInstance(ctx context.Context, id uint64, version int64, fn func(inst *types.Instance)) error {
	key := instanceKey(id)
	return s.watch(ctx, func(tx *redis.Tx) error {
		inst, err := getJSON[types.Instance](ctx, tx, key, ErrInstanceNotFound)
		if err != nil {
			return err
		}
		if err := checkLive(inst, version); err != nil {
			return err
		}
		fn(&inst)
		inst.LastActivityAt = s.clock.Now().UnixMilli()
		inst.Version++
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return saveJSON(ctx, pipe, key, inst)
		})
		return err
	}, key)
}

// UpdateInstanceStatus changes the status of an instance.
func (s *RedisStorage) UpdateInstanceStatus(ctx context.Context, id uint64, version int64, status types.InstanceStatus) error {
	return s.mutateInstance(ctx, id, version, func(inst *types.Instance) {
		inst.Status = status
		if status.Terminal() {
			inst.CompletedAt = s.clock.Now().UnixMilli()
		}
	})
}

// UpdateCurrentNode moves the instance pointer.
func (s *RedisStorage) UpdateCurrentNode(ctx context.Context, id uint64, version int64, nodeID string) error {
	return s.mutateInstance(ctx, id, version, func(inst *types.Instance) {
		inst.CurrentNodeID = nodeID
	})
}

// IncrementRetryCount bumps the retry counter.
func (s *RedisStorage) IncrementRetryCount(ctx context.Context, id uint64) error {
	return s.mutateInstance(ctx, id, anyVersion, func(inst *types.Instance) {
		inst.RetryCount++
	})
}

// CreateTask stores a task and claims the open-task slot of its node.
func (s *RedisStorage) CreateTask(ctx context.Context, task types.Task) error {
	instKey := instanceKey(task.InstanceID)
	openKey := openTaskRedisKey(task.InstanceID, task.NodeID)
	return s.watch(ctx, func(tx *redis.Tx) error {
		if _, err := loadLiveInstance(ctx, tx, task.InstanceID); err != nil {
			return err
		}
		if task.Status.Open() {
			existing, err := tx.Get(ctx, openKey).Result()
			if err == nil {
				return fmt.Errorf("%w: task %s already open for node %s", ErrConflict, existing, task.NodeID)
			} else if !errors.Is(err, redis.Nil) {
				return fmt.Errorf("failed to get %s from Redis: %v", openKey, err)
			}
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := saveJSON(ctx, pipe, taskKey(task.ID), task); err != nil {
				return err
			}
			pipe.RPush(ctx, instanceTasksKey(task.InstanceID), task.ID)
			if task.Status.Open() {
				pipe.Set(ctx, openKey, task.ID, 0)
				if task.AssignedToUserID != 0 {
					pipe.SAdd(ctx, userOpenKey(task.AssignedToUserID), task.ID)
				}
			}
			return nil
		})
		return err
	}, instKey, openKey)
}

// GetOpenTask returns the open task of a node.
func (s *RedisStorage) GetOpenTask(ctx context.Context, instanceID uint64, nodeID string) (types.Task, error) {
	return withContext(ctx, func() (types.Task, error) {
		id, err := s.client.Get(ctx, openTaskRedisKey(instanceID, nodeID)).Result()
		if errors.Is(err, redis.Nil) {
			return types.Task{}, fmt.Errorf("%w: instance=%d node=%s", ErrTaskNotFound, instanceID, nodeID)
		} else if err != nil {
			return types.Task{}, fmt.Errorf("failed to get open task: %v", err)
		}
		return getJSON[types.Task](ctx, s.client, taskPrefix+id, ErrTaskNotFound)
	})
}

// CompleteTask completes the open task of a node.
func (s *RedisStorage) CompleteTask(ctx context.Context, instanceID uint64, nodeID, result, completedBy string) error {
	instKey := instanceKey(instanceID)
	openKey := openTaskRedisKey(instanceID, nodeID)
	return s.watch(ctx, func(tx *redis.Tx) error {
		inst, err := loadLiveInstance(ctx, tx, instanceID)
		if err != nil {
			return err
		}
		id, err := tx.Get(ctx, openKey).Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: instance=%d node=%s", ErrTaskNotFound, instanceID, nodeID)
		} else if err != nil {
			return fmt.Errorf("failed to get %s from Redis: %v", openKey, err)
		}
		task, err := getJSON[types.Task](ctx, tx, taskPrefix+id, ErrTaskNotFound)
		if err != nil {
			return err
		}

		now := s.clock.Now().UnixMilli()
		task.Status = types.TaskCompleted
		task.Result = result
		task.CompletedBy = completedBy
		task.CompletedAt = now
		inst.LastActivityAt = now

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := saveJSON(ctx, pipe, taskPrefix+id, task); err != nil {
				return err
			}
			if err := saveJSON(ctx, pipe, instKey, inst); err != nil {
				return err
			}
			pipe.Del(ctx, openKey)
			if task.AssignedToUserID != 0 {
				pipe.SRem(ctx, userOpenKey(task.AssignedToUserID), task.ID)
			}
			return nil
		})
		return err
	}, instKey, openKey)
}

// GetTasks lists the tasks of an instance.
func (s *RedisStorage) GetTasks(ctx context.Context, instanceID uint64) ([]types.Task, error) {
	return withContext(ctx, func() ([]types.Task, error) {
		ids, err := s.client.LRange(ctx, instanceTasksKey(instanceID), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read tasks of instance %d: %v", instanceID, err)
		}
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = taskPrefix + id
		}
		return mgetJSON[types.Task](ctx, s.client, keys)
	})
}

// CountOpenTasks counts the open tasks assigned to a user.
func (s *RedisStorage) CountOpenTasks(ctx context.Context, userID uint64) (int, error) {
	return withContext(ctx, func() (int, error) {
		n, err := s.client.SCard(ctx, userOpenKey(userID)).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to count open tasks of user %d: %v", userID, err)
		}
		return int(n), nil
	})
}

// AppendExecutionLog appends an entry to the instance log.
func (s *RedisStorage) AppendExecutionLog(ctx context.Context, entry types.ExecutionLogEntry) error {
	return withContextError(ctx, func() error {
		n, err := s.client.Exists(ctx, instanceKey(entry.InstanceID)).Result()
		if err != nil {
			return fmt.Errorf("failed to check instance %d: %v", entry.InstanceID, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: id=%d", ErrInstanceNotFound, entry.InstanceID)
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal log entry: %v", err)
		}
		if err := s.client.RPush(ctx, instanceLogsKey(entry.InstanceID), data).Err(); err != nil {
			return fmt.Errorf("failed to append log entry: %v", err)
		}
		return nil
	})
}

// GetExecutionLogs returns the log of an instance in append order.
func (s *RedisStorage) GetExecutionLogs(ctx context.Context, instanceID uint64) ([]types.ExecutionLogEntry, error) {
	return withContext(ctx, func() ([]types.ExecutionLogEntry, error) {
		raw, err := s.client.LRange(ctx, instanceLogsKey(instanceID), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read log of instance %d: %v", instanceID, err)
		}
		out := make([]types.ExecutionLogEntry, 0, len(raw))
		for _, r := range raw {
			var e types.ExecutionLogEntry
			if err := json.Unmarshal([]byte(r), &e); err != nil {
				return nil, fmt.Errorf("failed to unmarshal log entry: %v", err)
			}
			out = append(out, e)
		}
		return out, nil
	})
}

// SaveUser stores a user.
func (s *RedisStorage) SaveUser(ctx context.Context, user types.User) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(user)
		if err != nil {
			return fmt.Errorf("failed to marshal user %s: %v", user.Username, err)
		}
		return s.client.HSet(ctx, usersKey, strings.ToLower(user.Username), data).Err()
	})
}

// GetUsersByUsernames returns the known users in request order.
func (s *RedisStorage) GetUsersByUsernames(ctx context.Context, usernames []string) ([]types.User, error) {
	return withContext(ctx, func() ([]types.User, error) {
		if len(usernames) == 0 {
			return nil, nil
		}
		fields := make([]string, len(usernames))
		for i, name := range usernames {
			fields[i] = strings.ToLower(name)
		}
		vals, err := s.client.HMGet(ctx, usersKey, fields...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read users: %v", err)
		}
		var out []types.User
		for _, v := range vals {
			raw, ok := v.(string)
			if !ok {
				continue
			}
			var u types.User
			if err := json.Unmarshal([]byte(raw), &u); err != nil {
				return nil, fmt.Errorf("failed to unmarshal user: %v", err)
			}
			out = append(out, u)
		}
		return out, nil
	})
}

// ListActiveUsers returns the active users ordered by ID.
func (s *RedisStorage) ListActiveUsers(ctx context.Context) ([]types.User, error) {
	return withContext(ctx, func() ([]types.User, error) {
		all, err := s.client.HGetAll(ctx, usersKey).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read users: %v", err)
		}
		var out []types.User
		for _, raw := range all {
			var u types.User
			if err := json.Unmarshal([]byte(raw), &u); err != nil {
				return nil, fmt.Errorf("failed to unmarshal user: %v", err)
			}
			if u.Status == types.UserActive {
				out = append(out, u)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// SaveServiceConfiguration stores a named service configuration.
func (s *RedisStorage) SaveServiceConfiguration(ctx context.Context, cfg types.ServiceConfiguration) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal service configuration %s: %v", cfg.Name, err)
		}
		return s.client.HSet(ctx, serviceConfigsKey, cfg.Name, data).Err()
	})
}

// GetServiceConfiguration retrieves a named service configuration.
func (s *RedisStorage) GetServiceConfiguration(ctx context.Context, name string) (types.ServiceConfiguration, error) {
	return withContext(ctx, func() (types.ServiceConfiguration, error) {
		data, err := s.client.HGet(ctx, serviceConfigsKey, name).Bytes()
		if errors.Is(err, redis.Nil) {
			return types.ServiceConfiguration{}, fmt.Errorf("%w: name=%s", ErrServiceConfigurationNotFound, name)
		} else if err != nil {
			return types.ServiceConfiguration{}, fmt.Errorf("failed to get service configuration %s: %v", name, err)
		}
		var cfg types.ServiceConfiguration
		if err := json.Unmarshal(data, &cfg); err != nil {
			return types.ServiceConfiguration{}, fmt.Errorf("failed to unmarshal service configuration %s: %v", name, err)
		}
		return cfg, nil
	})
}

// SaveServiceResult stores a service execution result.
func (s *RedisStorage) SaveServiceResult(ctx context.Context, result types.ServiceExecutionResult) error {
	return withContextError(ctx, func() error {
		return saveJSON(ctx, s.client, resultPrefix+result.ID, result)
	})
}

// GetServiceResult retrieves a service execution result.
func (s *RedisStorage) GetServiceResult(ctx context.Context, id string) (types.ServiceExecutionResult, error) {
	return getJSON[types.ServiceExecutionResult](ctx, s.client, resultPrefix+id, ErrServiceResultNotFound)
}

// UpdateServiceResultStatus changes the status of a stored result.
func (s *RedisStorage) UpdateServiceResultStatus(ctx context.Context, id string, status types.ExecutionStatus) error {
	key := resultPrefix + id
	return s.watch(ctx, func(tx *redis.Tx) error {
		r, err := getJSON[types.ServiceExecutionResult](ctx, tx, key, ErrServiceResultNotFound)
		if err != nil {
			return err
		}
		r.Status = status
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return saveJSON(ctx, pipe, key, r)
		})
		return err
	}, key)
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
