// Command judgesupervisor runs one always-on supervisor that grades
// submissions handed to it in-process (see core.Supervisor.BeginGrading)
// while publishing liveness to Redis and exposing a small introspection
// HTTP surface. Wiring a real submission intake (HTTP, queue, RPC) in
// front of BeginGrading is left to the embedding application.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nguyentl22032009/judge/core"
)

func main() {
	cfg := core.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logCloser, err := core.SetupLogging(cfg, "supervisor.log")
	if err != nil {
		log.Fatalf("failed to setup logging: %v", err)
	}
	defer logCloser.Close()

	db, err := core.ConnectResultStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}
	defer db.Close()
	store := core.NewPgResultStore(db)

	redisClient, err := core.NewRedisClient(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect redis: %v", err)
	}
	defer redisClient.Close()

	supervisorID := core.NewSupervisorID()
	hostname, _ := os.Hostname()
	heartbeat := core.NewHeartbeatPublisher(supervisorID, hostname)
	go heartbeat.Run(ctx, redisClient)

	launcher := &core.SubprocessLauncher{BinaryPath: cfg.WorkerBinaryPath}
	supervisor := core.NewSupervisor(launcher, log.Default())

	startedAt := time.Now()
	router := core.NewIntrospectionRouter(supervisor, heartbeat, startedAt)
	addr := fmt.Sprintf(":%s", cfg.Port)
	go func() {
		log.Printf("starting introspection server on %s", addr)
		if err := router.Run(addr); err != nil {
			log.Printf("introspection server stopped: %v", err)
		}
	}()

	log.Printf("supervisor started. id=%s worker_bin=%s", supervisorID, cfg.WorkerBinaryPath)

	if _, _, err := store.FindSubmission(ctx, 0); err != nil && err != core.ErrSubmissionNotFound {
		log.Printf("result store readiness check failed: %v", err)
	}

	<-ctx.Done()
	log.Printf("supervisor shutting down")
}

// GradeAndStore runs one submission through supervisor and persists the
// outcome to store. Exported for the intake layer an embedding
// application wires in front of this process (HTTP, queue, RPC — out of
// scope here; see DESIGN.md).
func GradeAndStore(ctx context.Context, supervisor *core.Supervisor, heartbeat *core.HeartbeatPublisher, store core.ResultStore, sub core.Submission) error {
	heartbeat.GradingStarted(sub.ID)
	events, err := supervisor.BeginGrading(ctx, sub, nil)
	heartbeat.GradingFinished(err)
	if err != nil {
		return err
	}
	rec, cases := core.SummarizeResults(sub, events)
	return store.SaveSubmission(ctx, rec, cases)
}
