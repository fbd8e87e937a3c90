package core

import (
	"context"
	"fmt"
	"sync"
)

// ProblemSource loads a Problem definition by id, a collaborator supplied
// by the embedding application (spec.md §1).
type ProblemSource interface {
	Load(problemID string) (*Problem, error)
}

// WorkerEnv bundles everything RunWorker needs besides the Submission
// itself and the channel to the supervisor.
type WorkerEnv struct {
	Registry *Registry
	Checkers *CheckerRegistry
	Cache    *ArtifactCache
	Problems ProblemSource
}

// RunWorker drives one submission through HELLO..BYE over conn, matching
// the event grammar in spec.md §4.5/§6 exactly. It is a pure function of
// its arguments so both the real judgeworker subprocess and an in-process
// test double can call it identically.
func RunWorker(ctx context.Context, conn *Conn, sub Submission, env *WorkerEnv) (err error) {
	defer func() {
		if r := recover(); r != nil {
			_ = conn.Send(IPCMessage{Tag: TagUnhandledException, Message: fmt.Sprintf("%v", r)})
			_ = conn.Send(IPCMessage{Tag: TagBye})
			err = fmt.Errorf("worker: panic: %v", r)
		}
	}()

	if sendErr := conn.Send(IPCMessage{Tag: TagHello}); sendErr != nil {
		return sendErr
	}

	workCtx, cancelWork := context.WithCancel(ctx)
	defer cancelWork()

	var caseMu sync.Mutex
	var cancelCase context.CancelFunc
	aborted := make(chan struct{})

	go func() {
		for {
			msg, recvErr := conn.Recv()
			if recvErr != nil {
				return
			}
			if msg.Tag == TagRequestAbort {
				caseMu.Lock()
				if cancelCase != nil {
					cancelCase()
				}
				caseMu.Unlock()
				cancelWork()
				select {
				case <-aborted:
				default:
					close(aborted)
				}
				return
			}
		}
	}()

	problem, loadErr := env.Problems.Load(sub.ProblemID)
	if loadErr != nil {
		return unhandled(conn, fmt.Errorf("load problem %s: %w", sub.ProblemID, loadErr))
	}

	factory, ok := env.Registry.Lookup(sub.Language)
	if !ok {
		return unhandled(conn, fmt.Errorf("unknown language: %s", sub.Language))
	}

	inst, createErr := factory.Create(sub.ProblemID, sub.Source, CreateOptions{Cached: true})
	if createErr != nil {
		return unhandled(conn, fmt.Errorf("create executor: %w", createErr))
	}

	if uncompiled, isCompiled := inst.(CompiledInstance); isCompiled {
		cached, warning, wasCached, compileErr := env.Cache.GetOrCompile(workCtx, sub.Language, sub.Source, func() (CompiledInstance, []byte, error) {
			out, cErr := uncompiled.Compile(workCtx)
			return uncompiled, out, cErr
		})
		if compileErr != nil {
			_ = uncompiled.Cleanup()
			var ce *CompileError
			if asCompileError(compileErr, &ce) {
				_ = conn.Send(IPCMessage{Tag: TagCompileError, Message: string(ce.Output)})
				return conn.Send(IPCMessage{Tag: TagBye})
			}
			return unhandled(conn, compileErr)
		}
		if wasCached {
			_ = uncompiled.Cleanup() // the cache already owns a compiled artifact for this key
		}
		inst = cached
		if len(warning) > 0 {
			if sendErr := conn.Send(IPCMessage{Tag: TagCompileMessage, Message: string(warning)}); sendErr != nil {
				return sendErr
			}
		}
	}
	defer func() {
		if cached, ok := inst.(CompiledInstance); ok && cached.IsCached() {
			return
		}
		_ = inst.Cleanup()
	}()

	cases, casesErr := problem.Cases()
	if casesErr != nil {
		return unhandled(conn, fmt.Errorf("load cases: %w", casesErr))
	}
	flat := flattenCases(cases)

	if sendErr := conn.Send(IPCMessage{Tag: TagGradingBegin, PretestOnly: problem.PretestOnly}); sendErr != nil {
		return sendErr
	}

	grader := &Grader{Problem: problem, Checkers: env.Checkers, Language: sub.Language}

	shortCircuited := false
	openBatch := 0
	caseNumber := 0

	closeBatch := func() error {
		if openBatch != 0 {
			b := openBatch
			openBatch = 0
			return conn.Send(IPCMessage{Tag: TagBatchEnd, BatchNumber: b})
		}
		return nil
	}

	for _, fc := range flat {
		caseNumber++

		select {
		case <-workCtx.Done():
			_ = closeBatch()
			_ = conn.Send(IPCMessage{Tag: TagGradingAborted})
			return conn.Send(IPCMessage{Tag: TagBye})
		default:
		}

		if fc.batchNumber != openBatch {
			if closeErr := closeBatch(); closeErr != nil {
				return closeErr
			}
			if fc.batchNumber != 0 {
				openBatch = fc.batchNumber
				if sendErr := conn.Send(IPCMessage{Tag: TagBatchBegin, BatchNumber: openBatch}); sendErr != nil {
					return sendErr
				}
			}
		}

		var result Result
		if shortCircuited && sub.ShortCircuit {
			result = Result{
				CasePosition: fc.case_.Position,
				BatchNumber:  fc.batchNumber,
				ResultFlag:   FlagSC,
			}
		} else {
			caseCtx, cancel := context.WithCancel(workCtx)
			caseMu.Lock()
			cancelCase = cancel
			caseMu.Unlock()

			result = grader.GradeCase(caseCtx, inst, fc)

			caseMu.Lock()
			cancelCase = nil
			caseMu.Unlock()
			cancel()

			if !result.ResultFlag.Has(FlagAC) {
				shortCircuited = true
			}
		}

		hasBatch := fc.batchNumber != 0
		if sendErr := conn.Send(IPCMessage{
			Tag:         TagResult,
			BatchNumber: fc.batchNumber,
			HasBatch:    hasBatch,
			CaseNumber:  caseNumber,
			Result:      result,
		}); sendErr != nil {
			return sendErr
		}

		select {
		case <-workCtx.Done():
			_ = closeBatch()
			_ = conn.Send(IPCMessage{Tag: TagGradingAborted})
			return conn.Send(IPCMessage{Tag: TagBye})
		default:
		}
	}

	if closeErr := closeBatch(); closeErr != nil {
		return closeErr
	}
	if sendErr := conn.Send(IPCMessage{Tag: TagGradingEnd}); sendErr != nil {
		return sendErr
	}
	return conn.Send(IPCMessage{Tag: TagBye})
}

func unhandled(conn *Conn, cause error) error {
	_ = conn.Send(IPCMessage{Tag: TagUnhandledException, Message: cause.Error()})
	_ = conn.Send(IPCMessage{Tag: TagBye})
	return cause
}

func asCompileError(err error, target **CompileError) bool {
	if ce, ok := err.(*CompileError); ok {
		*target = ce
		return true
	}
	return false
}
