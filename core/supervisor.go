package core

import (
	"context"
	"errors"
	"io"
	"log"
	"math"
	"sync"
	"time"
)

// ResultEvent is one (batch_or_null, case_number, Result) tuple as returned
// by BeginGrading, matching the supervisor API documented in spec.md §6.
type ResultEvent struct {
	Batch      *int
	CaseNumber int
	Result     Result
}

// EventSink receives every IPC message the worker emits, in order, as the
// supervisor forwards it — the "supervisor forwards these to the caller"
// half of the control flow (spec.md §1). May be nil.
type EventSink func(IPCMessage)

// Supervisor owns at most one in-flight grading session at a time and
// reaps the worker process on every exit path, including timeout and
// abort, closing the "worker process may leak" gap noted in spec.md §9.
type Supervisor struct {
	Launcher WorkerLauncher
	Log      *log.Logger

	mu        sync.Mutex
	current   *int64 // Submission.ID, nil when idle
	abortFn   func()
	gradingMu sync.Mutex // held for the duration of one BeginGrading call
}

func NewSupervisor(launcher WorkerLauncher, logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.Default()
	}
	return &Supervisor{Launcher: launcher, Log: logger}
}

// CurrentSubmission returns the in-flight submission id, or nil if idle.
func (s *Supervisor) CurrentSubmission() *int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// receiveDeadline is max(60s, 2x the submission's time limit), the
// supervisor-level unresponsive-worker timeout from spec.md §6.
func receiveDeadline(timeLimitSec float64) time.Duration {
	d := math.Max(60, 2*timeLimitSec)
	return time.Duration(d * float64(time.Second))
}

// BeginGrading runs one submission to completion, forwarding every IPC
// event to sink (if non-nil) and returning the accumulated RESULT events.
// Only one call may be in flight at a time.
func (s *Supervisor) BeginGrading(ctx context.Context, sub Submission, sink EventSink) ([]ResultEvent, error) {
	s.gradingMu.Lock()
	defer s.gradingMu.Unlock()

	id := sub.ID
	s.mu.Lock()
	s.current = &id
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.current = nil
		s.abortFn = nil
		s.mu.Unlock()
	}()

	handle, err := s.Launcher.Launch(sub)
	if err != nil {
		return nil, err
	}

	abortCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.abortFn = cancel
	s.mu.Unlock()

	// Every return path below reaches this defer: the worker is always
	// asked to die and always reaped, regardless of how grading ended.
	defer func() {
		_ = handle.Kill()
		if waitErr := handle.Wait(); waitErr != nil {
			s.Log.Printf("worker for submission %d exited: %v", sub.ID, waitErr)
		}
		_ = handle.Conn.Close()
	}()

	// REQUEST_ABORT goes out as soon as AbortGrading fires, not after the
	// worker's next message, and only once: the worker's listener stops
	// reading after the first one.
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-abortCtx.Done():
			_ = handle.Conn.Send(IPCMessage{Tag: TagRequestAbort})
		case <-finished:
		}
	}()

	deadline := receiveDeadline(sub.TimeLimit)
	var events []ResultEvent

	for {
		msg, recvErr := recvWithDeadline(handle.Conn, deadline)
		if recvErr != nil {
			if errors.Is(recvErr, io.EOF) {
				return events, nil
			}
			if errors.Is(recvErr, errRecvTimeout) {
				return events, &TimeoutError{SubmissionID: sub.ID, After: deadline.Seconds()}
			}
			return events, &ProtocolViolation{Want: "a well-formed frame"}
		}

		if sink != nil {
			sink(msg)
		}

		switch msg.Tag {
		case TagResult:
			var batch *int
			if msg.HasBatch {
				b := msg.BatchNumber
				batch = &b
			}
			events = append(events, ResultEvent{Batch: batch, CaseNumber: msg.CaseNumber, Result: msg.Result})
		case TagBye:
			return events, nil
		case TagUnhandledException:
			// Keep looping: BYE always follows UNHANDLED_EXCEPTION per the
			// grammar in spec.md §6; report once BYE closes the stream.
		}
	}
}

// AbortGrading requests that the in-flight worker stop grading. Idempotent
// and safe to call when idle.
func (s *Supervisor) AbortGrading() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.abortFn != nil {
		s.abortFn()
	}
}

var errRecvTimeout = errors.New("ipc: receive deadline exceeded")

// recvWithDeadline races one Conn.Recv against d, the only place a worker
// can be judged unresponsive (spec.md §9 "exactly one wait-with-deadline").
func recvWithDeadline(conn *Conn, d time.Duration) (IPCMessage, error) {
	type result struct {
		msg IPCMessage
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := conn.Recv()
		ch <- result{msg, err}
	}()
	select {
	case r := <-ch:
		return r.msg, r.err
	case <-time.After(d):
		return IPCMessage{}, errRecvTimeout
	}
}
