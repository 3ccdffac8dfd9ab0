// Command turbomq runs a standalone worker process: it loads Config from the
// environment, registers a couple of example task handlers, and runs until
// SIGINT/SIGTERM, draining in-flight jobs before exit.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arunrao/turbomq/app"
	"github.com/arunrao/turbomq/internal/pkg/pointers"
	"github.com/arunrao/turbomq/queue"
	"github.com/arunrao/turbomq/store"
)

func main() {
	cfg := app.Load()

	a, err := app.New(cfg, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "turbomq: init failed:", err)
		os.Exit(1)
	}

	if err := a.Queue.RegisterTask("echo", queue.HandlerFunc(echoHandler)); err != nil {
		a.Log.Fatal("register task failed", "error", err)
	}
	if err := a.Queue.RegisterTask("sleep", queue.HandlerFunc(sleepHandler)); err != nil {
		a.Log.Fatal("register task failed", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		a.Log.Fatal("start failed", "error", err)
	}
	a.Log.Info("turbomq started", "store", cfg.Store, "minWorkers", cfg.MinWorkers, "maxWorkers", cfg.MaxWorkers)

	if a.Scheduler != nil {
		payload, _ := json.Marshal(echoPayload{Message: "heartbeat"})
		_, err := a.Scheduler.ScheduleRecurring(ctx, "echo", payload, "*/5 * * * *", store.ScheduledSpecOptions{
			MaxAttempts: 3,
			StartDate:   pointers.Ptr(time.Now().UTC()),
		})
		if err != nil {
			a.Log.Warn("failed to register heartbeat schedule", "error", err)
		}
	}

	<-ctx.Done()
	a.Log.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout+5*time.Second)
	defer cancel()
	if err := a.Stop(shutdownCtx); err != nil {
		a.Log.Error("shutdown reported an error", "error", err)
		os.Exit(1)
	}
	a.Log.Info("turbomq stopped cleanly")
}

type echoPayload struct {
	Message string `json:"message"`
}

func echoHandler(ctx context.Context, payload []byte, h *queue.Helpers) (any, error) {
	var p echoPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("echo: decode payload: %w", err)
	}
	if err := h.UpdateProgress(50, "echoing"); err != nil {
		return nil, err
	}
	return map[string]string{"echoed": p.Message}, nil
}

type sleepPayload struct {
	Seconds int `json:"seconds"`
}

func sleepHandler(ctx context.Context, payload []byte, h *queue.Helpers) (any, error) {
	var p sleepPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("sleep: decode payload: %w", err)
	}
	for i := 0; i < p.Seconds; i++ {
		select {
		case <-h.Done():
			return nil, h.Err()
		case <-time.After(time.Second):
		}
		_ = h.UpdateProgress((i+1)*100/max(p.Seconds, 1), "sleeping")
	}
	return map[string]string{"slept": fmt.Sprintf("%ds", p.Seconds)}, nil
}
