// Package errdefs holds the error kinds shared across the harness. Each
// fatal condition is reported to the user as a single line prefixed by its
// kind, so the kinds double as the stable, user-visible vocabulary.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrPlanInvalid rejects a whole plan before anything runs.
	ErrPlanInvalid = errors.New("PlanInvalid")
	// ErrEnclaveBuildFailed aborts one experiment; the plan continues.
	ErrEnclaveBuildFailed = errors.New("EnclaveBuildFailed")
	// ErrCollectorInit aborts one iteration; the experiment continues.
	ErrCollectorInit = errors.New("CollectorInitFailed")
	// ErrCollectorDropped marks a degraded, still usable iteration.
	ErrCollectorDropped = errors.New("CollectorDropped")
	// ErrTargetSpawn aborts one experiment.
	ErrTargetSpawn = errors.New("TargetSpawnFailed")
	// ErrIo covers output tree write failures.
	ErrIo = errors.New("IoError")
	// ErrCancelled propagates a user interrupt to the top.
	ErrCancelled = errors.New("Cancelled")
)

// Kind returns the taxonomy prefix for err, or "Error" when the error does
// not belong to the taxonomy.
func Kind(err error) string {
	for _, kind := range []error{
		ErrPlanInvalid,
		ErrEnclaveBuildFailed,
		ErrCollectorInit,
		ErrCollectorDropped,
		ErrTargetSpawn,
		ErrIo,
		ErrCancelled,
	} {
		if errors.Is(err, kind) {
			return kind.Error()
		}
	}
	return "Error"
}

// Wrap attaches a taxonomy kind to err.
func Wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}
