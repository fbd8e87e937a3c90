package core

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// WorkerHandle is a running worker and the means to reap or kill it. Wait
// must be safe to call exactly once; Kill must be safe to call any number
// of times, including after Wait has returned.
type WorkerHandle struct {
	Conn *Conn
	Wait func() error
	Kill func() error
}

// WorkerLauncher starts one worker per submission. The real implementation
// execs a subprocess; tests use an in-process goroutine instead so the
// protocol can be exercised without a real binary on disk (spec.md §9
// "make these injected dependencies").
type WorkerLauncher interface {
	Launch(sub Submission) (*WorkerHandle, error)
}

// SubprocessLauncher execs BinaryPath once per submission, wiring a duplex
// IPC channel on fds 3/4 via os/exec's ExtraFiles and passing sub itself
// as a one-shot gob preamble over the child's stdin (spec.md §4.5/§9).
type SubprocessLauncher struct {
	BinaryPath string
}

func (l *SubprocessLauncher) Launch(sub Submission) (*WorkerHandle, error) {
	toWorker, toWorkerWrite, err := os.Pipe() // supervisor -> worker (fd3 in child)
	if err != nil {
		return nil, fmt.Errorf("launcher: pipe: %w", err)
	}
	fromWorkerRead, fromWorker, err := os.Pipe() // worker -> supervisor (fd4 in child)
	if err != nil {
		toWorker.Close()
		toWorkerWrite.Close()
		return nil, fmt.Errorf("launcher: pipe: %w", err)
	}

	cmd := exec.Command(l.BinaryPath)
	cmd.ExtraFiles = []*os.File{toWorker, fromWorker} // fd3, fd4 in the child
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		toWorker.Close()
		toWorkerWrite.Close()
		fromWorkerRead.Close()
		fromWorker.Close()
		return nil, fmt.Errorf("launcher: stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		toWorker.Close()
		toWorkerWrite.Close()
		fromWorkerRead.Close()
		fromWorker.Close()
		return nil, fmt.Errorf("launcher: start: %w", err)
	}
	// The child has its own duplicated copies of fd3/fd4; the parent's
	// copies of the child-facing ends must close or the pipes never EOF.
	toWorker.Close()
	fromWorker.Close()

	var encodeErr error
	go func() {
		var buf bytes.Buffer
		encodeErr = gob.NewEncoder(&buf).Encode(&sub)
		if encodeErr == nil {
			_, encodeErr = stdin.Write(buf.Bytes())
		}
		stdin.Close()
	}()

	conn := NewConn(fromWorkerRead, toWorkerWrite, multiCloser{fromWorkerRead, toWorkerWrite})

	var waitOnce sync.Once
	var waitErr error
	wait := func() error {
		waitOnce.Do(func() { waitErr = cmd.Wait() })
		return waitErr
	}
	kill := func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}

	return &WorkerHandle{Conn: conn, Wait: wait, Kill: kill}, nil
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var firstErr error
	for _, c := range m {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ReadSubmissionPreamble decodes the one-shot gob-encoded Submission a
// worker subprocess reads from its own stdin at startup.
func ReadSubmissionPreamble(r io.Reader) (Submission, error) {
	var sub Submission
	data, err := io.ReadAll(r)
	if err != nil {
		return sub, fmt.Errorf("read submission preamble: %w", err)
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&sub); err != nil {
		return sub, fmt.Errorf("decode submission preamble: %w", err)
	}
	return sub, nil
}

// InProcessLauncher runs RunWorker in a goroutine instead of a subprocess,
// wiring both ends of the Conn over in-memory pipes. Used by tests that
// want to exercise the supervisor<->worker protocol deterministically
// without a compiled judgeworker binary.
type InProcessLauncher struct {
	Env *WorkerEnv
}

func (l *InProcessLauncher) Launch(sub Submission) (*WorkerHandle, error) {
	supervisorRead, workerWrite := io.Pipe()
	workerRead, supervisorWrite := io.Pipe()

	workerConn := NewConn(workerRead, workerWrite, multiCloser{})
	supervisorConn := NewConn(supervisorRead, supervisorWrite, multiCloser{})

	done := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		done <- RunWorker(ctx, workerConn, sub, l.Env)
		workerWrite.Close()
		workerRead.Close()
	}()

	var waitOnce sync.Once
	var waitErr error
	wait := func() error {
		waitOnce.Do(func() { waitErr = <-done })
		return waitErr
	}
	kill := func() error {
		cancel()
		return nil
	}

	return &WorkerHandle{Conn: supervisorConn, Wait: wait, Kill: kill}, nil
}
