package core

import "fmt"

// CompileError is raised when a submission fails to compile: non-zero
// compiler exit, or a compile-time-limit expiry. It is bounded and
// expected — it surfaces as a COMPILE_ERROR event and ends grading cleanly.
type CompileError struct {
	Output []byte
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile error: %s", string(e.Output))
}

// OutputLimitExceeded is observed while communicating with a running
// child process whose stdout/stderr exceeded the configured byte cap.
type OutputLimitExceeded struct {
	Stream string // "stdout" or "stderr"
}

func (e *OutputLimitExceeded) Error() string {
	return fmt.Sprintf("output limit exceeded on %s", e.Stream)
}

// InternalError signals a programmer or environment bug — e.g. a symlink
// escaping the working directory. It bubbles to UNHANDLED_EXCEPTION.
type InternalError struct {
	Message string
}

func (e *InternalError) Error() string { return e.Message }

// TimeoutError is raised at the supervisor level when a worker process is
// unresponsive past its receive deadline.
type TimeoutError struct {
	SubmissionID int64
	After        float64 // seconds
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("worker for submission %d timed out after %.1fs", e.SubmissionID, e.After)
}

// ProtocolViolation signals an unexpected IPC tag or a missing terminator.
type ProtocolViolation struct {
	Got  IPCTag
	Want string
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation: got %s, expected %s", e.Got, e.Want)
}
