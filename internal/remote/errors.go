package remote

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

var (
	// ErrTransient covers network failures, 5xx and exhausted rate limits.
	// The pass is aborted and retried later from the same cursor.
	ErrTransient = errors.New("transient remote error")
	// ErrAuth means the org's credentials were rejected.
	ErrAuth = errors.New("remote authentication rejected")
	// ErrRejected is any other non-success response.
	ErrRejected = errors.New("remote rejected request")
	// ErrMalformed marks a single record that could not be decoded or validated.
	ErrMalformed = errors.New("malformed remote record")
)

// RecordError is a per-record failure. Listings yield it in place of a record
// and keep going.
type RecordError struct {
	RemoteID string
	Err      error
}

func (e *RecordError) Error() string {
	if e.RemoteID == "" {
		return fmt.Sprintf("record: %v", e.Err)
	}
	return fmt.Sprintf("record %s: %v", e.RemoteID, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// IsRecordError reports whether err only concerns a single record.
func IsRecordError(err error) bool {
	var re *RecordError
	return errors.As(err, &re)
}

// IsTerminal reports whether err must abort the current pass.
func IsTerminal(err error) bool {
	return err != nil && !IsRecordError(err)
}

// statusError maps an HTTP status to the error taxonomy.
func statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d", ErrAuth, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: rate limit exceeded", ErrTransient)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: HTTP %d", ErrTransient, resp.StatusCode)
	default:
		return fmt.Errorf("%w: HTTP %d", ErrRejected, resp.StatusCode)
	}
}

// retryAfter parses a Retry-After header given in seconds, bounded by max.
func retryAfter(resp *http.Response, fallback, max time.Duration) time.Duration {
	wait := fallback
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			wait = time.Duration(secs) * time.Second
		}
	}
	if wait > max {
		wait = max
	}
	return wait
}
