package pipeline

import "fmt"

// StalenessComputationError reports that an input directory could not be
// inspected. Callers treat the affected task as stale rather than fresh,
// so an unreadable directory can never cause needed work to be skipped.
type StalenessComputationError struct {
	Task string
	Dir  string
	Err  error
}

func (e *StalenessComputationError) Error() string {
	return fmt.Sprintf("staleness check for %s: read %s: %v", e.Task, e.Dir, e.Err)
}

func (e *StalenessComputationError) Unwrap() error {
	return e.Err
}
