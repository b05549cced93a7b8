// Package vibecc implements the Orchestrator: the per-pipeline state
// machine that drives one pipeline one step at a time, coordinating the
// Coding and Testing Workers against the VCS and Kanban gateways.
package vibecc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vibecc/vibecc/agents"
	"github.com/vibecc/vibecc/events"
	"github.com/vibecc/vibecc/kanban"
	"github.com/vibecc/vibecc/pipeline"
	"github.com/vibecc/vibecc/vcs"
	"github.com/vibecc/vibecc/workers"
)

// StopReason values recorded when autopilot is stopped automatically.
const (
	StopReasonManual        = "manual"
	StopReasonCodingFailure = "coding_failure"
	StopReasonMaxRetries    = "max_retries"
)

// Orchestrator advances pipelines through the ticket-to-merge state
// machine, one step at a time, mirroring the original system's
// Orchestrator: each call to ProcessPipeline performs exactly one
// transition and returns, never looping internally — the Scheduler decides
// when to call it again.
type Orchestrator struct {
	store  pipeline.StateStore
	events *events.Bus
	logger *slog.Logger

	mu        sync.Mutex
	autopilot map[string]bool // projectID -> running
}

// NewOrchestrator creates an Orchestrator backed by store, emitting domain
// events on bus.
func NewOrchestrator(store pipeline.StateStore, bus *events.Bus, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:     store,
		events:    bus,
		logger:    logger,
		autopilot: make(map[string]bool),
	}
}

// GetAutopilotStatus reports whether autopilot is running for project and
// the current counts of active/queued pipelines.
func (o *Orchestrator) GetAutopilotStatus(projectID string) (*pipeline.AutopilotStatus, error) {
	working := 0
	for _, s := range []pipeline.State{pipeline.StateCoding, pipeline.StateTesting, pipeline.StateReview} {
		n, err := o.store.CountPipelines(pipeline.PipelineFilter{ProjectID: projectID, State: s})
		if err != nil {
			return nil, err
		}
		working += n
	}
	queued, err := o.store.CountPipelines(pipeline.PipelineFilter{ProjectID: projectID, State: pipeline.StateQueued})
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	running := o.autopilot[projectID]
	o.mu.Unlock()

	return &pipeline.AutopilotStatus{
		ProjectID:       projectID,
		Running:         running,
		ActivePipelines: working,
		QueuedTickets:   queued,
	}, nil
}

// StartAutopilot marks project as running; the Scheduler polls this flag.
func (o *Orchestrator) StartAutopilot(projectID string) {
	o.mu.Lock()
	o.autopilot[projectID] = true
	o.mu.Unlock()
	o.events.EmitAutopilotStarted(projectID)
}

// StopAutopilot marks project as stopped, recording why.
func (o *Orchestrator) StopAutopilot(projectID, reason string) {
	o.mu.Lock()
	o.autopilot[projectID] = false
	o.mu.Unlock()
	o.events.EmitAutopilotStopped(projectID, reason)
}

// IsAutopilotRunning reports the in-memory autopilot flag for project. The
// flag is process-local and always false immediately after a restart.
func (o *Orchestrator) IsAutopilotRunning(projectID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.autopilot[projectID]
}

// StartPipeline creates the branch for ticket and a queued Pipeline row,
// emitting pipeline_created.
func (o *Orchestrator) StartPipeline(ctx context.Context, project *pipeline.Project, ticket kanban.Ticket, vcsGateway vcs.Gateway, repoPath string) (*pipeline.Pipeline, error) {
	branch, err := vcsGateway.CreateBranch(ctx, repoPath, ticket.ID, project.BaseBranch)
	if err != nil {
		return nil, err
	}

	p := &pipeline.Pipeline{
		ID:          project.ID + "-" + ticket.ID,
		ProjectID:   project.ID,
		TicketID:    ticket.ID,
		TicketTitle: ticket.Title,
		TicketBody:  ticket.Body,
		BranchName:  branch,
		State:       pipeline.StateQueued,
	}
	if err := o.store.CreatePipeline(p); err != nil {
		return nil, err
	}

	o.events.EmitPipelineCreated(p.ID, project.ID, p.TicketID, string(p.State))
	o.logPipeline(p, events.LogInfo, fmt.Sprintf("pipeline created for ticket #%s on branch %s", p.TicketID, p.BranchName))
	return p, nil
}

// ProcessPipeline advances pipelineID by exactly one step, dispatching on
// its current state. Terminal states are a no-op.
func (o *Orchestrator) ProcessPipeline(
	ctx context.Context,
	pipelineID string,
	project *pipeline.Project,
	vcsGateway vcs.Gateway,
	kanbanGateway kanban.Gateway,
	coder *agents.Worker,
	testingRunner *workers.TestingRunner,
	repoPath string,
) error {
	p, err := o.store.GetPipeline(pipelineID)
	if err != nil {
		return err
	}

	switch p.State {
	case pipeline.StateQueued:
		return o.processQueued(p)
	case pipeline.StateCoding:
		return o.processCoding(ctx, p, project, coder, repoPath)
	case pipeline.StateTesting:
		return o.processTesting(ctx, p, project, vcsGateway, kanbanGateway, testingRunner, repoPath)
	case pipeline.StateMerged, pipeline.StateFailed:
		o.logPipeline(p, events.LogInfo, "pipeline already in terminal state, nothing to do")
		return nil
	default:
		return fmt.Errorf("orchestrator: pipeline %s in unexpected state %q", p.ID, p.State)
	}
}

func (o *Orchestrator) processQueued(p *pipeline.Pipeline) error {
	previous := p.State
	p.State = pipeline.StateCoding
	if err := o.store.UpdatePipeline(p); err != nil {
		return err
	}
	o.events.EmitPipelineUpdated(p.ID, p.ProjectID, string(p.State), string(previous))
	o.logPipeline(p, events.LogInfo, "moved to coding")
	return nil
}

func (o *Orchestrator) processCoding(ctx context.Context, p *pipeline.Pipeline, project *pipeline.Project, coder *agents.Worker, repoPath string) error {
	task := agents.Task{
		TicketID:    p.TicketID,
		TicketTitle: p.TicketTitle,
		TicketBody:  p.TicketBody,
		RepoPath:    repoPath,
		Branch:      p.BranchName,
		Feedback:    p.Feedback,
	}

	result, err := coder.Execute(ctx, task)
	if err != nil {
		return err
	}

	if !result.Success {
		return o.handleCodingFailure(p, project, result.Error)
	}

	previous := p.State
	p.State = pipeline.StateTesting
	p.Feedback = ""
	if err := o.store.UpdatePipeline(p); err != nil {
		return err
	}
	o.events.EmitPipelineUpdated(p.ID, p.ProjectID, string(p.State), string(previous))
	o.logPipeline(p, events.LogInfo, "coding succeeded, moved to testing")
	return nil
}

func (o *Orchestrator) handleCodingFailure(p *pipeline.Pipeline, project *pipeline.Project, errMsg string) error {
	previous := p.State
	p.State = pipeline.StateFailed
	p.Feedback = errMsg
	if err := o.store.UpdatePipeline(p); err != nil {
		return err
	}
	o.events.EmitPipelineUpdated(p.ID, p.ProjectID, string(p.State), string(previous))
	o.events.EmitPipelineCompleted(p.ID, p.ProjectID, string(p.State))
	o.logPipeline(p, events.LogError, fmt.Sprintf("coding failed: %s", errMsg))

	if _, err := o.store.SaveToHistory(p, pipeline.StateFailed); err != nil {
		return err
	}
	o.StopAutopilot(project.ID, StopReasonCodingFailure)
	return nil
}

func (o *Orchestrator) processTesting(
	ctx context.Context,
	p *pipeline.Pipeline,
	project *pipeline.Project,
	vcsGateway vcs.Gateway,
	kanbanGateway kanban.Gateway,
	testingRunner *workers.TestingRunner,
	repoPath string,
) error {
	result, err := testingRunner.Execute(ctx, workers.Task{
		TicketID:    p.TicketID,
		TicketTitle: p.TicketTitle,
		RepoPath:    repoPath,
		Branch:      p.BranchName,
		BaseBranch:  project.BaseBranch,
	})
	if err != nil {
		return err
	}

	// PR info is recorded regardless of the CI outcome.
	p.PRID = result.PRID
	p.PRURL = result.PRURL
	if err := o.store.UpdatePipeline(p); err != nil {
		return err
	}

	if result.Success {
		return o.handleTestingSuccess(ctx, p, vcsGateway, kanbanGateway)
	}
	return o.handleTestingFailure(p, project, result.FailureLogs)
}

func (o *Orchestrator) handleTestingSuccess(ctx context.Context, p *pipeline.Pipeline, vcsGateway vcs.Gateway, kanbanGateway kanban.Gateway) error {
	if p.PRID != 0 {
		if err := vcsGateway.MergePR(ctx, int(p.PRID)); err != nil {
			return err
		}
		if err := vcsGateway.DeleteBranch(ctx, p.BranchName); err != nil {
			return err
		}
	}

	if err := kanbanGateway.CloseTicket(p.TicketID); err != nil {
		return err
	}
	if err := kanbanGateway.MoveTicket(p.TicketID, kanban.ColumnDone); err != nil {
		// Best-effort: the merge already happened, don't fail the pipeline
		// over a board-sync hiccup.
		o.logPipeline(p, events.LogWarning, fmt.Sprintf("failed to move ticket to done column: %v", err))
	}

	previous := p.State
	p.State = pipeline.StateMerged
	if err := o.store.UpdatePipeline(p); err != nil {
		return err
	}
	o.events.EmitPipelineUpdated(p.ID, p.ProjectID, string(p.State), string(previous))
	o.events.EmitPipelineCompleted(p.ID, p.ProjectID, string(p.State))
	o.logPipeline(p, events.LogInfo, "pipeline merged")

	_, err := o.store.SaveToHistory(p, pipeline.StateMerged)
	return err
}

func (o *Orchestrator) handleTestingFailure(p *pipeline.Pipeline, project *pipeline.Project, failureLogs string) error {
	newRetryCount := p.RetryCountCI + 1
	previous := p.State

	if newRetryCount >= project.MaxRetriesCI {
		p.State = pipeline.StateFailed
		p.RetryCountCI = newRetryCount
		p.Feedback = failureLogs
		if err := o.store.UpdatePipeline(p); err != nil {
			return err
		}
		o.events.EmitPipelineUpdated(p.ID, p.ProjectID, string(p.State), string(previous))
		o.events.EmitPipelineCompleted(p.ID, p.ProjectID, string(p.State))
		o.logPipeline(p, events.LogError, fmt.Sprintf("CI retry budget exhausted after %d attempts", newRetryCount))

		if _, err := o.store.SaveToHistory(p, pipeline.StateFailed); err != nil {
			return err
		}
		o.StopAutopilot(project.ID, StopReasonMaxRetries)
		return nil
	}

	p.State = pipeline.StateCoding
	p.RetryCountCI = newRetryCount
	p.Feedback = failureLogs
	if err := o.store.UpdatePipeline(p); err != nil {
		return err
	}
	o.events.EmitPipelineUpdated(p.ID, p.ProjectID, string(p.State), string(previous))
	o.logPipeline(p, events.LogWarning, fmt.Sprintf("CI failed, retrying coding (attempt %d/%d)", newRetryCount, project.MaxRetriesCI))
	return nil
}

func (o *Orchestrator) logPipeline(p *pipeline.Pipeline, level events.LogLevel, message string) {
	o.logger.Info(message, "pipeline_id", p.ID, "ticket_id", p.TicketID, "level", string(level))
	o.events.EmitLog(p.ID, p.ProjectID, level, message)
}
