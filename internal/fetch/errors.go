package fetch

import "fmt"

// FetchError reports a download that failed permanently: either the remote
// answered with a non-transient client error, or the retry budget ran out.
// It carries enough context for the caller to re-attempt one table without
// re-running the whole graph.
type FetchError struct {
	Table      string
	URL        string
	Attempts   int
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s (%s): status %d after %d attempt(s): %v",
			e.Table, e.URL, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("fetch %s (%s): failed after %d attempt(s): %v",
		e.Table, e.URL, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// statusError classifies an HTTP response code as an error so the retry
// policy can decide on it uniformly with transport errors.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.code)
}
