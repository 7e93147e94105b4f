// Package conversation carries one user message to a department agent and
// waits for its reply.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/assistd/internal/aiservice"
	"github.com/kalambet/assistd/internal/tenant"
)

// NoResponsePlaceholder is returned when a run completes without any
// assistant message.
const NoResponsePlaceholder = "No response from assistant."

const (
	defaultPollInterval = time.Second
	defaultMaxWait      = 90 * time.Second
	cancelTimeout       = 5 * time.Second
)

// AIService is the subset of the provider client a conversation needs.
type AIService interface {
	CreateThread(ctx context.Context) (string, error)
	PostMessage(ctx context.Context, threadID, role, content string) error
	StartRun(ctx context.Context, threadID, agentID string) (aiservice.Run, error)
	GetRunStatus(ctx context.Context, threadID, runID string) (aiservice.Run, error)
	CancelRun(ctx context.Context, threadID, runID string) error
	ListMessages(ctx context.Context, threadID string) ([]aiservice.Message, error)
}

// Registry looks up the agent bound to a department.
type Registry interface {
	GetRegistration(ctx context.Context, tenantID string, dept tenant.Department) (tenant.Registration, error)
}

// ErrEmptyMessage is returned for a blank user message.
var ErrEmptyMessage = errors.New("message is required")

// RunFailedError reports a run that ended in a non-success terminal state.
type RunFailedError struct {
	RunID   string
	Status  aiservice.RunStatus
	Message string
}

func (e *RunFailedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("run %s ended with status %s: %s", e.RunID, e.Status, e.Message)
	}
	return fmt.Sprintf("run %s ended with status %s", e.RunID, e.Status)
}

// RunTimeoutError reports a run still not terminal after the maximum wait.
type RunTimeoutError struct {
	RunID      string
	Waited     time.Duration
	LastStatus aiservice.RunStatus
}

func (e *RunTimeoutError) Error() string {
	return fmt.Sprintf("run %s still %s after %s", e.RunID, e.LastStatus, e.Waited.Round(time.Millisecond))
}

// Request is one user utterance for a department agent.
type Request struct {
	TenantID   string
	Department tenant.Department
	Message    string
}

// Reply is the agent's answer.
type Reply struct {
	Text     string
	ThreadID string
	RunID    string
}

// Orchestrator drives the thread, message, run and poll protocol.
type Orchestrator struct {
	ai           AIService
	registry     Registry
	pollInterval time.Duration
	maxWait      time.Duration
	logger       *slog.Logger
}

// NewOrchestrator returns an orchestrator polling every second for at most
// 90 seconds. Use SetPolling to change either bound.
func NewOrchestrator(ai AIService, registry Registry) *Orchestrator {
	return &Orchestrator{
		ai:           ai,
		registry:     registry,
		pollInterval: defaultPollInterval,
		maxWait:      defaultMaxWait,
		logger:       slog.Default(),
	}
}

// SetPolling overrides the poll interval and maximum wait. Zero values keep
// the current setting.
func (o *Orchestrator) SetPolling(interval, maxWait time.Duration) {
	if interval > 0 {
		o.pollInterval = interval
	}
	if maxWait > 0 {
		o.maxWait = maxWait
	}
}

// Chat posts the message on a fresh thread, runs the agent and returns the
// newest assistant message.
func (o *Orchestrator) Chat(ctx context.Context, req Request) (Reply, error) {
	if strings.TrimSpace(req.Message) == "" {
		return Reply{}, ErrEmptyMessage
	}

	reg, err := o.registry.GetRegistration(ctx, req.TenantID, req.Department)
	if err != nil {
		return Reply{}, err
	}

	threadID, err := o.ai.CreateThread(ctx)
	if err != nil {
		return Reply{}, fmt.Errorf("creating thread: %w", err)
	}
	if err := o.ai.PostMessage(ctx, threadID, "user", req.Message); err != nil {
		return Reply{}, fmt.Errorf("posting message: %w", err)
	}
	run, err := o.ai.StartRun(ctx, threadID, reg.AgentID)
	if err != nil {
		return Reply{}, fmt.Errorf("starting run: %w", err)
	}

	logger := o.logger.With("tenant_id", req.TenantID, "department", req.Department, "thread_id", threadID, "run_id", run.ID)
	final, err := o.await(ctx, threadID, run, logger)
	if err != nil {
		return Reply{}, err
	}
	if !final.Status.Succeeded() {
		var msg string
		if final.LastError != nil {
			msg = final.LastError.Message
		}
		return Reply{}, &RunFailedError{RunID: run.ID, Status: final.Status, Message: msg}
	}

	msgs, err := o.ai.ListMessages(ctx, threadID)
	if err != nil {
		return Reply{}, fmt.Errorf("listing messages: %w", err)
	}
	text := latestAssistantText(msgs)
	if text == "" {
		logger.Info("run completed without an assistant message")
		text = NoResponsePlaceholder
	}
	return Reply{Text: text, ThreadID: threadID, RunID: run.ID}, nil
}

// await polls until the run is terminal, the maximum wait elapses, or ctx ends.
func (o *Orchestrator) await(ctx context.Context, threadID string, run aiservice.Run, logger *slog.Logger) (aiservice.Run, error) {
	start := time.Now()
	deadline := start.Add(o.maxWait)
	current := run
	if current.Status == "" {
		current.Status = aiservice.RunQueued
	}

	timer := time.NewTimer(o.pollInterval)
	defer timer.Stop()

	for !current.Status.Terminal() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			logger.Warn("run did not finish in time", "waited", time.Since(start), "last_status", current.Status)
			o.cancelRun(ctx, threadID, run.ID, logger)
			return current, &RunTimeoutError{RunID: run.ID, Waited: time.Since(start), LastStatus: current.Status}
		}
		timer.Reset(min(o.pollInterval, remaining))

		select {
		case <-ctx.Done():
			return current, fmt.Errorf("waiting for run %s: %w", run.ID, ctx.Err())
		case <-timer.C:
		}

		next, err := o.ai.GetRunStatus(ctx, threadID, run.ID)
		if err != nil {
			return current, fmt.Errorf("polling run %s: %w", run.ID, err)
		}
		if next.Status != current.Status {
			logger.Debug("run status changed", "from", current.Status, "to", next.Status)
		}
		current = next
	}
	return current, nil
}

// cancelRun stops an abandoned run. Failure is logged and otherwise ignored.
func (o *Orchestrator) cancelRun(ctx context.Context, threadID, runID string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	if err := o.ai.CancelRun(ctx, threadID, runID); err != nil {
		logger.Warn("cancelling timed out run", "error", err)
		return
	}
	logger.Info("cancelled timed out run")
}

// latestAssistantText picks the first assistant message from a newest-first list.
func latestAssistantText(msgs []aiservice.Message) string {
	for _, m := range msgs {
		if m.Role == "assistant" && strings.TrimSpace(m.Content) != "" {
			return m.Content
		}
	}
	return ""
}
