package vibecc

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/vibecc/vibecc/agents"
	"github.com/vibecc/vibecc/kanban"
	"github.com/vibecc/vibecc/pipeline"
	"github.com/vibecc/vibecc/workers"
)

type syncKanban struct {
	*fakeKanban
	queue []kanban.Ticket
}

func newSyncKanban(queue []kanban.Ticket) *syncKanban {
	return &syncKanban{fakeKanban: newFakeKanban(), queue: queue}
}

func (s *syncKanban) ListTickets(column kanban.Column) ([]kanban.Ticket, error) {
	if column == kanban.ColumnQueue {
		return s.queue, nil
	}
	return nil, nil
}

func testScheduler(store pipeline.StateStore) (*Scheduler, *Orchestrator) {
	orch, bus := testOrchestrator(store)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sched := NewScheduler(orch, store, logger)
	_ = bus
	return sched, orch
}

func TestScheduler_Sync_StartsUpToCapacity(t *testing.T) {
	store := newFakeStore()
	project := &pipeline.Project{ID: "proj-1", BaseBranch: "main", MaxRetriesCI: 3, MaxConcurrent: 2}
	store.CreateProject(project)

	sched, _ := testScheduler(store)
	kb := newSyncKanban([]kanban.Ticket{
		{ID: "1", Title: "a"},
		{ID: "2", Title: "b"},
		{ID: "3", Title: "c"},
	})

	result, err := sched.Sync(context.Background(), project, kb, &fakeVCS{}, "/repo")
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if len(result.Started) != 2 {
		t.Errorf("Sync() started = %d, want 2", len(result.Started))
	}
	if result.Remaining != 1 {
		t.Errorf("Sync() remaining = %d, want 1", result.Remaining)
	}
	if len(kb.moved) != 2 {
		t.Errorf("Sync() moved %d tickets to in_progress, want 2", len(kb.moved))
	}
}

func TestScheduler_Sync_NoCapacity(t *testing.T) {
	store := newFakeStore()
	project := &pipeline.Project{ID: "proj-1", BaseBranch: "main", MaxRetriesCI: 3, MaxConcurrent: 1}
	store.CreateProject(project)
	store.CreatePipeline(&pipeline.Pipeline{ID: "pipe-1", ProjectID: "proj-1", TicketID: "99", State: pipeline.StateCoding})

	sched, _ := testScheduler(store)
	kb := newSyncKanban([]kanban.Ticket{{ID: "1", Title: "a"}})

	result, err := sched.Sync(context.Background(), project, kb, &fakeVCS{}, "/repo")
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if len(result.Started) != 0 {
		t.Errorf("Sync() started = %d, want 0 (at capacity)", len(result.Started))
	}
}

func TestScheduler_Sync_SkipsTicketsWithActivePipeline(t *testing.T) {
	store := newFakeStore()
	project := &pipeline.Project{ID: "proj-1", BaseBranch: "main", MaxRetriesCI: 3, MaxConcurrent: 5}
	store.CreateProject(project)
	store.CreatePipeline(&pipeline.Pipeline{ID: "pipe-1", ProjectID: "proj-1", TicketID: "1", State: pipeline.StateCoding})

	sched, _ := testScheduler(store)
	kb := newSyncKanban([]kanban.Ticket{{ID: "1", Title: "already active"}, {ID: "2", Title: "new"}})

	result, err := sched.Sync(context.Background(), project, kb, &fakeVCS{}, "/repo")
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if len(result.Started) != 1 || result.Started[0].TicketID != "2" {
		t.Errorf("Sync() started = %+v, want only ticket 2", result.Started)
	}
}

func TestScheduler_Run_StepsWorkingPipelineThenExitsWhenAutopilotStops(t *testing.T) {
	store := newFakeStore()
	// fakeVCS{} never reports CI success, so each testing step sends the
	// pipeline back to coding, and Run advances without sleeping. A large
	// retry budget keeps the pipeline active until the test stops autopilot.
	project := &pipeline.Project{ID: "proj-1", BaseBranch: "main", MaxRetriesCI: 1000, MaxConcurrent: 1}
	store.CreateProject(project)
	store.CreatePipeline(&pipeline.Pipeline{ID: "pipe-1", ProjectID: "proj-1", TicketID: "1", State: pipeline.StateQueued})

	sched, orch := testScheduler(store)
	orch.StartAutopilot("proj-1")

	coder := agents.NewWorker("true", time.Second, false)
	runner := workers.NewTestingRunner(&fakeVCS{}, time.Millisecond, 1, nil)
	kb := newSyncKanban(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		sched.Run(ctx, project, &fakeVCS{}, kb, coder, runner, "/repo")
		close(done)
	}()

	// Give the loop a moment to advance the queued pipeline to coding,
	// then stop autopilot and expect the loop to exit on its own.
	time.Sleep(20 * time.Millisecond)
	orch.StopAutopilot("proj-1", StopReasonManual)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler loop did not exit after autopilot stopped")
	}

	got, err := store.GetPipeline("pipe-1")
	if err != nil {
		t.Fatalf("GetPipeline() error = %v", err)
	}
	if got.State == pipeline.StateQueued {
		t.Error("expected scheduler to have advanced the pipeline out of queued")
	}
}
