package vibecc

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/vibecc/vibecc/agents"
	"github.com/vibecc/vibecc/events"
	"github.com/vibecc/vibecc/kanban"
	"github.com/vibecc/vibecc/pipeline"
	"github.com/vibecc/vibecc/vcs"
	"github.com/vibecc/vibecc/workers"
)

// --- fake StateStore ---

type fakeStore struct {
	projects  map[string]*pipeline.Project
	pipelines map[string]*pipeline.Pipeline
	history   []pipeline.History
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		projects:  make(map[string]*pipeline.Project),
		pipelines: make(map[string]*pipeline.Pipeline),
	}
}

func (f *fakeStore) CreateProject(p *pipeline.Project) error { f.projects[p.ID] = p; return nil }
func (f *fakeStore) GetProject(id string) (*pipeline.Project, error) {
	p, ok := f.projects[id]
	if !ok {
		return nil, pipeline.ErrProjectNotFound
	}
	return p, nil
}
func (f *fakeStore) GetProjectByRepo(repo string) (*pipeline.Project, error) {
	for _, p := range f.projects {
		if p.Repo == repo {
			return p, nil
		}
	}
	return nil, pipeline.ErrProjectNotFound
}
func (f *fakeStore) ListProjects() ([]pipeline.Project, error) { return nil, nil }
func (f *fakeStore) UpdateProject(p *pipeline.Project) error   { f.projects[p.ID] = p; return nil }
func (f *fakeStore) DeleteProject(id string) error             { delete(f.projects, id); return nil }

func (f *fakeStore) CreatePipeline(p *pipeline.Pipeline) error {
	f.pipelines[p.ID] = p
	return nil
}
func (f *fakeStore) GetPipeline(id string) (*pipeline.Pipeline, error) {
	p, ok := f.pipelines[id]
	if !ok {
		return nil, pipeline.ErrPipelineNotFound
	}
	return p, nil
}
func (f *fakeStore) GetPipelineByTicket(projectID, ticketID string) (*pipeline.Pipeline, error) {
	for _, p := range f.pipelines {
		if p.ProjectID == projectID && p.TicketID == ticketID {
			return p, nil
		}
	}
	return nil, pipeline.ErrPipelineNotFound
}
func (f *fakeStore) ListPipelines(filter pipeline.PipelineFilter) ([]pipeline.Pipeline, error) {
	var out []pipeline.Pipeline
	for _, p := range f.pipelines {
		if filter.ProjectID != "" && p.ProjectID != filter.ProjectID {
			continue
		}
		if filter.State != "" && p.State != filter.State {
			continue
		}
		out = append(out, *p)
	}
	return out, nil
}
func (f *fakeStore) CountPipelines(filter pipeline.PipelineFilter) (int, error) {
	out, _ := f.ListPipelines(filter)
	return len(out), nil
}
func (f *fakeStore) UpdatePipeline(p *pipeline.Pipeline) error { f.pipelines[p.ID] = p; return nil }
func (f *fakeStore) DeletePipeline(id string) error            { delete(f.pipelines, id); return nil }

func (f *fakeStore) SaveToHistory(p *pipeline.Pipeline, finalState pipeline.State) (*pipeline.History, error) {
	h := pipeline.History{PipelineIDOriginal: p.ID, ProjectID: p.ProjectID, TicketID: p.TicketID, FinalState: finalState}
	f.history = append(f.history, h)
	delete(f.pipelines, p.ID)
	return &h, nil
}
func (f *fakeStore) ListHistory(filter pipeline.HistoryFilter) ([]pipeline.History, error) {
	return f.history, nil
}
func (f *fakeStore) GetHistoryStats(projectID string) (*pipeline.HistoryStats, error) {
	return &pipeline.HistoryStats{}, nil
}
func (f *fakeStore) Close() error { return nil }

// --- fake VCS gateway ---

type fakeVCS struct {
	ciStatus    vcs.CIStatus
	failureLogs string
	merged      bool
	deleted     bool
}

func (f *fakeVCS) CreateBranch(ctx context.Context, repoPath, ticketID, base string) (string, error) {
	return "ticket-" + ticketID, nil
}
func (f *fakeVCS) Push(ctx context.Context, repoPath, branch string) error { return nil }
func (f *fakeVCS) CreatePR(ctx context.Context, branch, title, body, base string) (*vcs.PR, error) {
	return &vcs.PR{ID: 1, Number: 1, URL: "https://example.com/pr/1"}, nil
}
func (f *fakeVCS) GetPRCIStatus(ctx context.Context, prNumber int) (vcs.CIStatus, error) {
	return f.ciStatus, nil
}
func (f *fakeVCS) FetchFailureLogs(ctx context.Context, prNumber int) (string, error) {
	return f.failureLogs, nil
}
func (f *fakeVCS) MergePR(ctx context.Context, prNumber int) error    { f.merged = true; return nil }
func (f *fakeVCS) DeleteBranch(ctx context.Context, branch string) error { f.deleted = true; return nil }

// --- fake Kanban gateway ---

type fakeKanban struct {
	closed []string
	moved  map[string]kanban.Column
}

func newFakeKanban() *fakeKanban { return &fakeKanban{moved: make(map[string]kanban.Column)} }

func (f *fakeKanban) ListTickets(column kanban.Column) ([]kanban.Ticket, error) { return nil, nil }
func (f *fakeKanban) GetTicket(ticketID string) (*kanban.Ticket, error)         { return nil, nil }
func (f *fakeKanban) MoveTicket(ticketID string, column kanban.Column) error {
	f.moved[ticketID] = column
	return nil
}
func (f *fakeKanban) CloseTicket(ticketID string) error {
	f.closed = append(f.closed, ticketID)
	return nil
}

func testOrchestrator(store pipeline.StateStore) (*Orchestrator, *events.Bus) {
	bus := events.NewBus()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewOrchestrator(store, bus, logger), bus
}

func TestOrchestrator_StartPipeline(t *testing.T) {
	store := newFakeStore()
	project := &pipeline.Project{ID: "proj-1", Repo: "acme/widgets", BaseBranch: "main", MaxRetriesCI: 3}
	store.CreateProject(project)

	orch, _ := testOrchestrator(store)
	p, err := orch.StartPipeline(context.Background(), project, kanban.Ticket{ID: "42", Title: "fix bug"}, &fakeVCS{}, "/repo")
	if err != nil {
		t.Fatalf("StartPipeline() error = %v", err)
	}
	if p.State != pipeline.StateQueued {
		t.Errorf("StartPipeline() state = %v, want queued", p.State)
	}
	if p.BranchName != "ticket-42" {
		t.Errorf("StartPipeline() branch = %q, want ticket-42", p.BranchName)
	}
}

func TestOrchestrator_ProcessPipeline_QueuedToCoing(t *testing.T) {
	store := newFakeStore()
	project := &pipeline.Project{ID: "proj-1", MaxRetriesCI: 3}
	store.CreateProject(project)
	p := &pipeline.Pipeline{ID: "pipe-1", ProjectID: "proj-1", TicketID: "42", State: pipeline.StateQueued}
	store.CreatePipeline(p)

	orch, _ := testOrchestrator(store)
	coder := agents.NewWorker("true", time.Second, false)
	runner := workers.NewTestingRunner(&fakeVCS{}, time.Millisecond, 1, nil)

	err := orch.ProcessPipeline(context.Background(), "pipe-1", project, &fakeVCS{}, newFakeKanban(), coder, runner, "/repo")
	if err != nil {
		t.Fatalf("ProcessPipeline() error = %v", err)
	}
	got, _ := store.GetPipeline("pipe-1")
	if got.State != pipeline.StateCoding {
		t.Errorf("ProcessPipeline() state = %v, want coding", got.State)
	}
}

func TestOrchestrator_ProcessPipeline_CodingSuccessMovesToTesting(t *testing.T) {
	store := newFakeStore()
	project := &pipeline.Project{ID: "proj-1", MaxRetriesCI: 3}
	store.CreateProject(project)
	p := &pipeline.Pipeline{ID: "pipe-1", ProjectID: "proj-1", TicketID: "42", State: pipeline.StateCoding}
	store.CreatePipeline(p)

	orch, _ := testOrchestrator(store)
	coder := agents.NewWorker("true", time.Second, false)
	runner := workers.NewTestingRunner(&fakeVCS{}, time.Millisecond, 1, nil)

	err := orch.ProcessPipeline(context.Background(), "pipe-1", project, &fakeVCS{}, newFakeKanban(), coder, runner, "/repo")
	if err != nil {
		t.Fatalf("ProcessPipeline() error = %v", err)
	}
	got, _ := store.GetPipeline("pipe-1")
	if got.State != pipeline.StateTesting {
		t.Errorf("ProcessPipeline() state = %v, want testing", got.State)
	}
}

func TestOrchestrator_ProcessPipeline_CodingFailureStopsAutopilot(t *testing.T) {
	store := newFakeStore()
	project := &pipeline.Project{ID: "proj-1", MaxRetriesCI: 3}
	store.CreateProject(project)
	p := &pipeline.Pipeline{ID: "pipe-1", ProjectID: "proj-1", TicketID: "42", State: pipeline.StateCoding}
	store.CreatePipeline(p)

	orch, _ := testOrchestrator(store)
	orch.StartAutopilot("proj-1")
	coder := agents.NewWorker("false", time.Second, false) // always exits non-zero
	runner := workers.NewTestingRunner(&fakeVCS{}, time.Millisecond, 1, nil)

	err := orch.ProcessPipeline(context.Background(), "pipe-1", project, &fakeVCS{}, newFakeKanban(), coder, runner, "/repo")
	if err != nil {
		t.Fatalf("ProcessPipeline() error = %v", err)
	}

	if _, err := store.GetPipeline("pipe-1"); err != pipeline.ErrPipelineNotFound {
		t.Errorf("expected pipeline to be archived, GetPipeline() error = %v", err)
	}
	if orch.IsAutopilotRunning("proj-1") {
		t.Error("expected autopilot to be stopped after coding failure")
	}
	if len(store.history) != 1 || store.history[0].FinalState != pipeline.StateFailed {
		t.Errorf("expected one failed history entry, got %+v", store.history)
	}
}

func TestOrchestrator_ProcessPipeline_TestingSuccessMergesAndClosesTicket(t *testing.T) {
	store := newFakeStore()
	project := &pipeline.Project{ID: "proj-1", BaseBranch: "main", MaxRetriesCI: 3}
	store.CreateProject(project)
	p := &pipeline.Pipeline{ID: "pipe-1", ProjectID: "proj-1", TicketID: "42", BranchName: "ticket-42", State: pipeline.StateTesting}
	store.CreatePipeline(p)

	orch, _ := testOrchestrator(store)
	vcsGW := &fakeVCS{ciStatus: vcs.CISuccess}
	kanbanGW := newFakeKanban()
	coder := agents.NewWorker("true", time.Second, false)
	runner := workers.NewTestingRunner(vcsGW, time.Millisecond, 1, nil)

	err := orch.ProcessPipeline(context.Background(), "pipe-1", project, vcsGW, kanbanGW, coder, runner, "/repo")
	if err != nil {
		t.Fatalf("ProcessPipeline() error = %v", err)
	}

	if !vcsGW.merged || !vcsGW.deleted {
		t.Error("expected PR merge and branch deletion on testing success")
	}
	if len(kanbanGW.closed) != 1 || kanbanGW.closed[0] != "42" {
		t.Errorf("expected ticket 42 to be closed, got %+v", kanbanGW.closed)
	}
	if len(store.history) != 1 || store.history[0].FinalState != pipeline.StateMerged {
		t.Errorf("expected one merged history entry, got %+v", store.history)
	}
}

func TestOrchestrator_ProcessPipeline_TestingFailureRetriesUnderBudget(t *testing.T) {
	store := newFakeStore()
	project := &pipeline.Project{ID: "proj-1", BaseBranch: "main", MaxRetriesCI: 3}
	store.CreateProject(project)
	p := &pipeline.Pipeline{ID: "pipe-1", ProjectID: "proj-1", TicketID: "42", BranchName: "ticket-42", State: pipeline.StateTesting}
	store.CreatePipeline(p)

	orch, _ := testOrchestrator(store)
	vcsGW := &fakeVCS{ciStatus: vcs.CIFailure, failureLogs: "build failed"}
	coder := agents.NewWorker("true", time.Second, false)
	runner := workers.NewTestingRunner(vcsGW, time.Millisecond, 1, nil)

	err := orch.ProcessPipeline(context.Background(), "pipe-1", project, vcsGW, newFakeKanban(), coder, runner, "/repo")
	if err != nil {
		t.Fatalf("ProcessPipeline() error = %v", err)
	}

	got, err := store.GetPipeline("pipe-1")
	if err != nil {
		t.Fatalf("expected pipeline to remain active for retry, got error %v", err)
	}
	if got.State != pipeline.StateCoding {
		t.Errorf("ProcessPipeline() state = %v, want coding (retry)", got.State)
	}
	if got.RetryCountCI != 1 {
		t.Errorf("RetryCountCI = %d, want 1", got.RetryCountCI)
	}
	if got.Feedback != "build failed" {
		t.Errorf("Feedback = %q, want build failed", got.Feedback)
	}
}

func TestOrchestrator_ProcessPipeline_TestingFailureExhaustsRetryBudget(t *testing.T) {
	store := newFakeStore()
	project := &pipeline.Project{ID: "proj-1", BaseBranch: "main", MaxRetriesCI: 1}
	store.CreateProject(project)
	p := &pipeline.Pipeline{ID: "pipe-1", ProjectID: "proj-1", TicketID: "42", BranchName: "ticket-42", State: pipeline.StateTesting, RetryCountCI: 0}
	store.CreatePipeline(p)

	orch, _ := testOrchestrator(store)
	orch.StartAutopilot("proj-1")
	vcsGW := &fakeVCS{ciStatus: vcs.CIFailure, failureLogs: "build failed"}
	coder := agents.NewWorker("true", time.Second, false)
	runner := workers.NewTestingRunner(vcsGW, time.Millisecond, 1, nil)

	err := orch.ProcessPipeline(context.Background(), "pipe-1", project, vcsGW, newFakeKanban(), coder, runner, "/repo")
	if err != nil {
		t.Fatalf("ProcessPipeline() error = %v", err)
	}

	if _, err := store.GetPipeline("pipe-1"); err != pipeline.ErrPipelineNotFound {
		t.Errorf("expected pipeline to be archived after budget exhausted, error = %v", err)
	}
	if orch.IsAutopilotRunning("proj-1") {
		t.Error("expected autopilot to stop after retry budget exhausted")
	}
}

func TestOrchestrator_ProcessPipeline_TerminalStateIsNoOp(t *testing.T) {
	store := newFakeStore()
	project := &pipeline.Project{ID: "proj-1", MaxRetriesCI: 3}
	store.CreateProject(project)
	p := &pipeline.Pipeline{ID: "pipe-1", ProjectID: "proj-1", TicketID: "42", State: pipeline.StateMerged}
	store.CreatePipeline(p)

	orch, _ := testOrchestrator(store)
	coder := agents.NewWorker("true", time.Second, false)
	runner := workers.NewTestingRunner(&fakeVCS{}, time.Millisecond, 1, nil)

	err := orch.ProcessPipeline(context.Background(), "pipe-1", project, &fakeVCS{}, newFakeKanban(), coder, runner, "/repo")
	if err != nil {
		t.Fatalf("ProcessPipeline() error = %v", err)
	}
	got, _ := store.GetPipeline("pipe-1")
	if got.State != pipeline.StateMerged {
		t.Errorf("ProcessPipeline() should not change terminal state, got %v", got.State)
	}
}
