// Command judgeworker grades exactly one submission per process
// invocation. It is never run by hand: a judgesupervisor execs it with a
// duplex IPC channel wired onto file descriptors 3 and 4, and writes the
// Submission to grade as a one-shot gob value on the worker's stdin.
package main

import (
	"context"
	"log"
	"os"

	"github.com/nguyentl22032009/judge/core"
)

const (
	fdIn  = 3 // supervisor -> worker
	fdOut = 4 // worker -> supervisor
)

type closePair struct{ a, b *os.File }

func (c closePair) Close() error {
	err := c.a.Close()
	if berr := c.b.Close(); err == nil {
		err = berr
	}
	return err
}

func main() {
	log.SetFlags(0)
	log.SetPrefix("judgeworker: ")

	cfg := core.Load()

	sub, err := core.ReadSubmissionPreamble(os.Stdin)
	if err != nil {
		log.Fatalf("read submission: %v", err)
	}

	in := os.NewFile(fdIn, "judge-ipc-in")
	out := os.NewFile(fdOut, "judge-ipc-out")
	if in == nil || out == nil {
		log.Fatal("missing IPC file descriptors 3/4")
	}
	conn := core.NewConn(in, out, closePair{in, out})
	defer conn.Close()

	env := &core.WorkerEnv{
		Registry: core.NewDefaultRegistry(&cfg),
		Checkers: core.NewCheckerRegistry(),
		Cache:    core.NewArtifactCache(cfg.CompiledBinaryCacheCap),
		Problems: core.NewFileProblemSource(cfg.ProblemGlob),
	}

	if err := core.RunWorker(context.Background(), conn, sub, env); err != nil {
		log.Printf("grading submission %d ended with error: %v", sub.ID, err)
		os.Exit(1)
	}
}
