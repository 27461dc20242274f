// Package failure defines the typed outcomes of a remote execution that did
// not succeed. Only registration failures are retried by the backends; every
// other error is returned to the caller as soon as it happens.
package failure

import (
	"errors"
	"fmt"
)

// ErrCancelled is returned when the monitor asked the execution to stop.
// It is a cooperative abort, not a remote failure.
var ErrCancelled = errors.New("execution cancelled")

// RegistrationError means no endpoint accepted the job within the attempt budget.
type RegistrationError struct {
	Job      string
	Attempts int
	Err      error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("failed to register job after %d attempts: %s: %v", e.Attempts, e.Job, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// SubmissionError means a registered job could not be started.
type SubmissionError struct {
	Job      string
	Endpoint string
	JobID    string
	Err      error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("failed to submit job %s on %s: %s: %v", e.JobID, e.Endpoint, e.Job, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// PollingError means the job status could not be obtained.
type PollingError struct {
	Job      string
	Endpoint string
	JobID    string
	Err      error
}

func (e *PollingError) Error() string {
	return fmt.Sprintf("failed to obtain status of job %s on %s: %s: %v", e.JobID, e.Endpoint, e.Job, e.Err)
}

func (e *PollingError) Unwrap() error { return e.Err }

// ExitCodeError means the remote process ran and exited with a non-zero code.
type ExitCodeError struct {
	Code   int
	Detail string
}

func (e *ExitCodeError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("unexpected exit code: code=%d", e.Code)
	}
	return fmt.Sprintf("unexpected exit code: code=%d (%s)", e.Code, e.Detail)
}

// RemoteError means the queue reported the job in error state.
type RemoteError struct {
	Code    string
	Message string
	Detail  string
}

func (e *RemoteError) Error() string {
	msg := e.Message
	if msg == "" {
		if e.Code == "" {
			msg = "unknown error"
		} else {
			msg = "unknown error code=" + e.Code
		}
	}
	if e.Detail == "" {
		return msg
	}
	return fmt.Sprintf("%s: (%s)", msg, e.Detail)
}

// TransferError means the remote side rejected a staged attachment.
type TransferError struct {
	Blob    string
	Path    string
	Ack     byte
	Message string
	Err     error
}

func (e *TransferError) Error() string {
	msg := fmt.Sprintf("failed to transfer %q to %s", e.Blob, e.Path)
	if e.Ack != 0 {
		msg += fmt.Sprintf(": ack=%d", e.Ack)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *TransferError) Unwrap() error { return e.Err }

// TransportError wraps any SSH level failure together with the connection
// parameters it was attempted with.
type TransportError struct {
	User    string
	Host    string
	Port    int
	KeyPath string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("failed to execute command via SSH (%s@%s:%d, key=%s): %v",
		e.User, e.Host, e.Port, e.KeyPath, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ExitCode extracts the remote exit code from err, if any.
func ExitCode(err error) (int, bool) {
	var ec *ExitCodeError
	if errors.As(err, &ec) {
		return ec.Code, true
	}
	return 0, false
}
