package broker

import (
	"errors"
	"fmt"
)

// SubmissionError means the broker rejected an order outright (insufficient
// margin, invalid size, hard connectivity failure on submit). It is never
// retried: a blind resubmit risks duplicate execution.
type SubmissionError struct {
	Symbol string
	Reason string
	Err    error
}

func (e *SubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order submission rejected for %s: %s: %v", e.Symbol, e.Reason, e.Err)
	}
	return fmt.Sprintf("order submission rejected for %s: %s", e.Symbol, e.Reason)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// QueryError is a transient read failure (order status, position, ticker).
// Callers retry it with bounded backoff.
type QueryError struct {
	Op  string
	Err error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("broker query %s failed: %v", e.Op, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// IsQueryError reports whether err is (or wraps) a retryable QueryError.
func IsQueryError(err error) bool {
	var qe *QueryError
	return errors.As(err, &qe)
}

// IsSubmissionError reports whether err is (or wraps) a SubmissionError.
func IsSubmissionError(err error) bool {
	var se *SubmissionError
	return errors.As(err, &se)
}
