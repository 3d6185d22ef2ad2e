package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is returned for an operation the instance's status does not allow.
	ErrInvalidState = errors.New("invalid instance state")
	// ErrNoActionableTask is returned by TakeAction when the instance is not
	// waiting on a Task or Approval node.
	ErrNoActionableTask = fmt.Errorf("%w: no actionable task found", ErrInvalidState)
	// ErrInvalidDefinition is returned when registering a malformed definition.
	ErrInvalidDefinition = errors.New("invalid definition")
	ErrNoStartNode       = fmt.Errorf("%w: no start node", ErrInvalidDefinition)
	ErrNodeNotFound      = errors.New("node not found")
	// ErrAdvanceLimit is returned when automatic traversal exceeds the hop limit,
	// which points at a cycle of non-actionable nodes.
	ErrAdvanceLimit = errors.New("automatic traversal limit reached")
)
