package vibecc

import (
	"context"
	"log/slog"
	"time"

	"github.com/vibecc/vibecc/agents"
	"github.com/vibecc/vibecc/kanban"
	"github.com/vibecc/vibecc/pipeline"
	"github.com/vibecc/vibecc/vcs"
	"github.com/vibecc/vibecc/workers"
)

// defaultSyncInterval is how long the Scheduler sleeps between passes of a
// project's loop when there was no work to start.
const defaultSyncInterval = 5 * time.Second

// SyncResult is the outcome of one Scheduler sync pass: pulling tickets
// from the Kanban queue up to remaining capacity.
type SyncResult struct {
	Started   []*pipeline.Pipeline
	Remaining int
}

// Scheduler runs one admission-controlled worker loop per project: it
// steps in-flight pipelines through the Orchestrator and, when there is
// spare capacity, admits new tickets from the Kanban board. Mirrors the
// original system's per-project background worker (one goroutine per
// running project, independent of the others).
type Scheduler struct {
	orchestrator *Orchestrator
	store        pipeline.StateStore
	logger       *slog.Logger
	syncInterval time.Duration
}

// NewScheduler creates a Scheduler driving pipelines via orchestrator.
func NewScheduler(orchestrator *Orchestrator, store pipeline.StateStore, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		orchestrator: orchestrator,
		store:        store,
		logger:       logger,
		syncInterval: defaultSyncInterval,
	}
}

// Run drives project's worker loop until the autopilot flag flips false or
// ctx is cancelled. Intended to be called in its own goroutine, one per
// running project.
func (s *Scheduler) Run(
	ctx context.Context,
	project *pipeline.Project,
	vcsGateway vcs.Gateway,
	kanbanGateway kanban.Gateway,
	coder *agents.Worker,
	testingRunner *workers.TestingRunner,
	repoPath string,
) {
	s.logger.Info("scheduler loop starting", "project_id", project.ID)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler loop exiting: context cancelled", "project_id", project.ID)
			return
		default:
		}

		if !s.orchestrator.IsAutopilotRunning(project.ID) {
			s.logger.Info("scheduler loop exiting: autopilot stopped", "project_id", project.ID)
			return
		}

		advanced, err := s.step(ctx, project, vcsGateway, kanbanGateway, coder, testingRunner, repoPath)
		if err != nil {
			s.logger.Error("scheduler step failed", "project_id", project.ID, "error", err)
		}

		if advanced {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.syncInterval):
		}
	}
}

// step performs one pass of the admission-control algorithm (spec §4.8,
// steps 1-4) and reports whether it advanced or started anything, so Run
// can skip the sleep and retry immediately while there is work to do.
func (s *Scheduler) step(
	ctx context.Context,
	project *pipeline.Project,
	vcsGateway vcs.Gateway,
	kanbanGateway kanban.Gateway,
	coder *agents.Worker,
	testingRunner *workers.TestingRunner,
	repoPath string,
) (bool, error) {
	working, err := s.store.ListPipelines(pipeline.PipelineFilter{ProjectID: project.ID})
	if err != nil {
		return false, err
	}

	var workingSet, queuedSet []pipeline.Pipeline
	for _, p := range working {
		switch {
		case p.State.Working():
			workingSet = append(workingSet, p)
		case p.State == pipeline.StateQueued:
			queuedSet = append(queuedSet, p)
		}
	}

	if len(workingSet) > 0 {
		target := oldest(workingSet)
		return true, s.orchestrator.ProcessPipeline(ctx, target.ID, project, vcsGateway, kanbanGateway, coder, testingRunner, repoPath)
	}

	if len(workingSet) < project.MaxConcurrent && len(queuedSet) > 0 {
		target := oldest(queuedSet)
		return true, s.orchestrator.ProcessPipeline(ctx, target.ID, project, vcsGateway, kanbanGateway, coder, testingRunner, repoPath)
	}

	result, err := s.Sync(ctx, project, kanbanGateway, vcsGateway, repoPath)
	if err != nil {
		return false, err
	}
	return len(result.Started) > 0, nil
}

// Sync pulls queued tickets from the Kanban board and starts a pipeline
// for each, up to the project's remaining concurrency capacity. Exposed as
// a standalone operation per spec §4.8 so admission control can be tested
// without driving the full loop.
func (s *Scheduler) Sync(ctx context.Context, project *pipeline.Project, kanbanGateway kanban.Gateway, vcsGateway vcs.Gateway, repoPath string) (*SyncResult, error) {
	working := 0
	for _, st := range []pipeline.State{pipeline.StateCoding, pipeline.StateTesting, pipeline.StateReview} {
		n, err := s.store.CountPipelines(pipeline.PipelineFilter{ProjectID: project.ID, State: st})
		if err != nil {
			return nil, err
		}
		working += n
	}
	queued, err := s.store.CountPipelines(pipeline.PipelineFilter{ProjectID: project.ID, State: pipeline.StateQueued})
	if err != nil {
		return nil, err
	}
	working += queued

	capacity := project.MaxConcurrent - working
	if capacity <= 0 {
		return &SyncResult{}, nil
	}

	tickets, err := kanbanGateway.ListTickets(kanban.ColumnQueue)
	if err != nil {
		return nil, err
	}

	result := &SyncResult{}
	for i, ticket := range tickets {
		if i >= capacity {
			result.Remaining = len(tickets) - capacity
			break
		}

		if _, err := s.store.GetPipelineByTicket(project.ID, ticket.ID); err == nil {
			continue // already has an active pipeline, skip
		}

		p, err := s.orchestrator.StartPipeline(ctx, project, ticket, vcsGateway, repoPath)
		if err != nil {
			s.logger.Error("failed to start pipeline", "project_id", project.ID, "ticket_id", ticket.ID, "error", err)
			continue
		}
		result.Started = append(result.Started, p)

		if err := kanbanGateway.MoveTicket(ticket.ID, kanban.ColumnInProgress); err != nil {
			s.logger.Warn("failed to move ticket to in_progress", "ticket_id", ticket.ID, "error", err)
		}
	}

	return result, nil
}

func oldest(pipelines []pipeline.Pipeline) *pipeline.Pipeline {
	best := &pipelines[0]
	for i := range pipelines[1:] {
		p := &pipelines[i+1]
		if p.CreatedAt.Before(best.CreatedAt) {
			best = p
		}
	}
	return best
}
