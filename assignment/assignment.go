// Package assignment decides who works a human task.
package assignment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/songzhibin97/process-engine/types"
)

var (
	// ErrNoCandidates is returned when no active user qualifies for the task.
	ErrNoCandidates = errors.New("no assignment candidates")
	// ErrInvalidAssignee is returned for an assignee configuration that is
	// neither a list of usernames nor a delimited string.
	ErrInvalidAssignee = errors.New("invalid assignee configuration")
)

// UserSource is the slice of the store the strategy reads.
type UserSource interface {
	GetUsersByUsernames(ctx context.Context, usernames []string) ([]types.User, error)
	ListActiveUsers(ctx context.Context) ([]types.User, error)
	CountOpenTasks(ctx context.Context, userID uint64) (int, error)
}

// Filter narrows load-based selection. Empty fields match everybody.
type Filter struct {
	Department string
	Role       string
}

func (f Filter) match(u types.User) bool {
	if f.Department != "" && !strings.EqualFold(f.Department, u.Department) {
		return false
	}
	if f.Role != "" && !strings.EqualFold(f.Role, u.Role) {
		return false
	}
	return true
}

// Strategy picks assignees for tasks.
type Strategy struct {
	users  UserSource
	logger *slog.Logger
}

// Option configures a Strategy.
type Option func(*Strategy)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Strategy) {
		s.logger = logger
	}
}

// NewStrategy creates a strategy reading users from users.
func NewStrategy(users UserSource, opts ...Option) *Strategy {
	s := &Strategy{users: users, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ParseAssignees reads the assignee field of a task configuration. It accepts
// a JSON array of usernames or a string delimited by ',' or ';', given either
// as a JSON string or as bare text. Names are trimmed and empty ones dropped.
func ParseAssignees(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	switch {
	case raw[0] == '[':
		var names []string
		if err := json.Unmarshal(raw, &names); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidAssignee, err)
		}
		return clean(names), nil
	case raw[0] == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidAssignee, err)
		}
		return splitNames(s), nil
	case json.Valid(raw):
		return nil, fmt.Errorf("%w: %s", ErrInvalidAssignee, raw)
	default:
		return splitNames(string(raw)), nil
	}
}

func splitNames(s string) []string {
	return clean(strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' }))
}

func clean(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		key := strings.ToLower(n)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, n)
	}
	return out
}

// AssignForNode picks the assignee of an actionable node. The choice among
// the node's active candidates depends only on applicationID, so the same
// application always lands on the same person while the candidate set holds.
func (s *Strategy) AssignForNode(ctx context.Context, node types.Node, applicationID string) (types.AssignmentResult, error) {
	cfg, ok := node.TaskSettings()
	if !ok {
		return types.AssignmentResult{}, fmt.Errorf("%w: node %s has no task configuration", ErrNoCandidates, node.ID)
	}

	names, err := ParseAssignees(cfg.Assignee)
	if err != nil {
		s.logger.Warn("unparsable assignee configuration",
			slog.String("node_id", node.ID), slog.Any("error", err))
		return types.AssignmentResult{}, fmt.Errorf("%w: %w", ErrNoCandidates, err)
	}
	if len(names) == 0 {
		return types.AssignmentResult{}, fmt.Errorf("%w: node %s names nobody", ErrNoCandidates, node.ID)
	}

	users, err := s.users.GetUsersByUsernames(ctx, names)
	if err != nil {
		return types.AssignmentResult{}, fmt.Errorf("load candidates: %w", err)
	}

	active := users[:0:0]
	for _, u := range users {
		if u.Status == types.UserActive {
			active = append(active, u)
		}
	}
	if len(active) == 0 {
		return types.AssignmentResult{}, fmt.Errorf("%w: none of %v is active", ErrNoCandidates, names)
	}

	u := active[pick(applicationID, len(active))]
	return result(u, types.AssignmentNodeConfigured,
		fmt.Sprintf("selected from %d active candidate(s) configured on node %s", len(active), node.ID)), nil
}

func pick(applicationID string, n int) int {
	return int(xxhash.Sum64String(applicationID) % uint64(n))
}

type load struct {
	user types.User
	open int
}

func (s *Strategy) loads(ctx context.Context, f Filter) ([]load, error) {
	users, err := s.users.ListActiveUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active users: %w", err)
	}
	var out []load
	for _, u := range users {
		if !f.match(u) {
			continue
		}
		n, err := s.users.CountOpenTasks(ctx, u.ID)
		if err != nil {
			return nil, fmt.Errorf("count open tasks of %s: %w", u.Username, err)
		}
		out = append(out, load{user: u, open: n})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no active user matches %+v", ErrNoCandidates, f)
	}
	return out, nil
}

// LeastBusyUser returns the matching active user with the fewest open tasks.
// Ties go to the user listed first.
func (s *Strategy) LeastBusyUser(ctx context.Context, f Filter) (types.AssignmentResult, error) {
	loads, err := s.loads(ctx, f)
	if err != nil {
		return types.AssignmentResult{}, err
	}
	return leastBusy(loads), nil
}

func leastBusy(loads []load) types.AssignmentResult {
	best := loads[0]
	for _, l := range loads[1:] {
		if l.open < best.open {
			best = l
		}
	}
	return result(best.user, types.AssignmentLeastBusy,
		fmt.Sprintf("least busy with %d open task(s)", best.open))
}

// NextAvailableUser returns the first matching user without open tasks and
// falls back to the least busy one.
func (s *Strategy) NextAvailableUser(ctx context.Context, f Filter) (types.AssignmentResult, error) {
	loads, err := s.loads(ctx, f)
	if err != nil {
		return types.AssignmentResult{}, err
	}
	for _, l := range loads {
		if l.open == 0 {
			return result(l.user, types.AssignmentAutomatic, "available with no open tasks"), nil
		}
	}
	return leastBusy(loads), nil
}

func result(u types.User, t types.AssignmentType, reason string) types.AssignmentResult {
	return types.AssignmentResult{
		UserID:         u.ID,
		Username:       u.Username,
		Email:          u.Email,
		FullName:       u.FullName,
		Reason:         reason,
		AssignmentType: t,
	}
}
