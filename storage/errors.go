package storage

import (
	"errors"
	"fmt"

	"github.com/songzhibin97/process-engine/types"
)

var (
	// ErrNotFound is returned when a requested resource is not found.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write lost a race with a concurrent update.
	ErrConflict = errors.New("concurrent modification conflict")
	// ErrInstanceTerminal is returned when mutating a Completed or Cancelled instance.
	ErrInstanceTerminal = errors.New("instance is in a terminal state")

	ErrDefinitionNotFound           = fmt.Errorf("definition %w", ErrNotFound)
	ErrInstanceNotFound             = fmt.Errorf("instance %w", ErrNotFound)
	ErrTaskNotFound                 = fmt.Errorf("open task %w", ErrNotFound)
	ErrServiceConfigurationNotFound = fmt.Errorf("service configuration %w", ErrNotFound)
	ErrServiceResultNotFound        = fmt.Errorf("service execution result %w", ErrNotFound)
)

// anyVersion turns off the version check of an instance mutation.
const anyVersion int64 = -1

// checkLive rejects terminal instances and, unless expected is anyVersion,
// instances written since the caller read them.
func checkLive(inst types.Instance, expected int64) error {
	if inst.Status.Terminal() {
		return fmt.Errorf("%w: id=%d status=%s", ErrInstanceTerminal, inst.ID, inst.Status)
	}
	if expected != anyVersion && inst.Version != expected {
		return fmt.Errorf("%w: instance %d is at version %d, expected %d", ErrConflict, inst.ID, inst.Version, expected)
	}
	return nil
}
