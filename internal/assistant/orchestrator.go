// Package assistant drives completion runs for buyer messages and turns their
// output into replies that are safe to send back to the buyer.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/AvitoAssistant/internal/genai"
	"github.com/BTreeMap/AvitoAssistant/internal/models"
)

const (
	// DefaultDeadline bounds how long a run is polled before a soft timeout.
	DefaultDeadline = 15 * time.Second
	// DefaultPollInterval is the wait between run status checks.
	DefaultPollInterval = 1200 * time.Millisecond
)

// Clock abstracts wall time so polling can be simulated in tests.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// RealClock is the process wall clock.
var RealClock Clock = realClock{}

// Orchestrator submits runs and polls them to a terminal status or a deadline.
// It holds no per-call state and may be shared across chats.
type Orchestrator struct {
	backend      genai.ThreadBackend
	clock        Clock
	pollInterval time.Duration
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithClock injects the clock used for deadlines and polling waits.
func WithClock(c Clock) OrchestratorOption {
	return func(o *Orchestrator) { o.clock = c }
}

// WithPollInterval overrides the polling interval.
func WithPollInterval(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// NewOrchestrator creates an Orchestrator over backend.
func NewOrchestrator(backend genai.ThreadBackend, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{backend: backend, clock: RealClock, pollInterval: DefaultPollInterval}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunAndWait appends messageText to the thread, starts a run with
// run-scoped instructions and polls it until it is terminal or deadline has
// elapsed. A run still pending at the deadline is returned with TimedOut set
// and a nil error. Backend errors abort immediately and are not retried.
func (o *Orchestrator) RunAndWait(ctx context.Context, threadID, messageText, instructions string, deadline time.Duration) (models.CompletionRun, error) {
	if threadID == "" {
		return models.CompletionRun{}, fmt.Errorf("%w: thread id is required", models.ErrInvalidInput)
	}
	if deadline <= 0 {
		deadline = DefaultDeadline
	}

	if err := o.backend.AppendUserMessage(ctx, threadID, messageText); err != nil {
		slog.Error("Orchestrator.RunAndWait: append message failed", "thread_id", threadID, "error", err)
		return models.CompletionRun{ThreadID: threadID}, asUnavailable("append message", err)
	}

	started := o.clock.Now()
	run, err := o.backend.CreateRun(ctx, threadID, instructions)
	if err != nil {
		slog.Error("Orchestrator.RunAndWait: create run failed", "thread_id", threadID, "error", err)
		return models.CompletionRun{ThreadID: threadID, StartedAt: started}, asUnavailable("create run", err)
	}
	current := models.CompletionRun{ThreadID: threadID, RunID: run.ID, Status: run.Status, StartedAt: started}
	slog.Debug("Orchestrator.RunAndWait: run started", "thread_id", threadID, "run_id", run.ID, "status", run.Status)

	for {
		polled, err := o.backend.GetRun(ctx, threadID, current.RunID)
		if err != nil {
			slog.Error("Orchestrator.RunAndWait: poll failed", "thread_id", threadID, "run_id", current.RunID, "error", err)
			return current, asUnavailable("poll run", err)
		}
		current.Status = polled.Status
		if current.Status.IsTerminal() {
			slog.Debug("Orchestrator.RunAndWait: run finished", "run_id", current.RunID, "status", current.Status,
				"elapsed", o.clock.Now().Sub(started), "last_error", polled.LastError)
			return current, nil
		}
		if o.clock.Now().Sub(started) > deadline {
			current.TimedOut = true
			slog.Warn("Orchestrator.RunAndWait: deadline reached, continuing with available output",
				"run_id", current.RunID, "status", current.Status, "deadline", deadline)
			return current, nil
		}
		o.clock.Sleep(o.pollInterval)
	}
}

// asUnavailable keeps ErrNotFound and ErrInvalidInput as classified by the
// backend and collapses everything else into ErrBackendUnavailable.
func asUnavailable(op string, err error) error {
	if errors.Is(err, models.ErrBackendUnavailable) || errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrInvalidInput) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", models.ErrBackendUnavailable, op, err)
}
