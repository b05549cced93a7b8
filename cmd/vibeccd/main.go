// Command vibeccd runs the VibeCC ticket-to-merge pipeline: the HTTP
// surface, the event bus, and a per-project Scheduler loop for every
// project with autopilot enabled at startup.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/vibecc/vibecc"
	"github.com/vibecc/vibecc/agents"
	"github.com/vibecc/vibecc/events"
	"github.com/vibecc/vibecc/internal/db"
	"github.com/vibecc/vibecc/internal/web"
	"github.com/vibecc/vibecc/kanban"
	"github.com/vibecc/vibecc/pipeline"
	"github.com/vibecc/vibecc/vcs"
	"github.com/vibecc/vibecc/workers"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	var (
		dbPath       = flag.String("db", "vibecc.db", "SQLite database path")
		addr         = flag.String("addr", ":8080", "HTTP listen address")
		repoRoot     = flag.String("repo", ".", "local working tree root shared by all projects")
		agentPath    = flag.String("agent", "claude", "coding agent binary to invoke")
		agentTimeout = flag.Duration("agent-timeout", 0, "coding agent timeout (0 = no timeout)")
		pollInterval = flag.Duration("poll-interval", 30*time.Second, "CI poll interval")
		maxPolls     = flag.Int("max-polls", 0, "maximum CI polls before treating as failure (0 = unbounded)")
		verbose      = flag.Bool("verbose", false, "stream the coding agent's stdout/stderr")
		vcsToken     = flag.String("vcs-token", os.Getenv("VIBECC_VCS_TOKEN"), "VCS provider token (defaults to $VIBECC_VCS_TOKEN)")
		kanbanToken  = flag.String("kanban-token", os.Getenv("VIBECC_KANBAN_TOKEN"), "Kanban provider token (defaults to $VIBECC_KANBAN_TOKEN)")
		showStatus   = flag.Bool("status", false, "print project/pipeline/history status and exit")
		showVersion  = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("vibeccd %s (commit %s)\n", version, gitCommit)
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	database, err := db.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer database.Close()

	store := db.NewStore(database)

	if *showStatus {
		printStatus(store)
		return
	}

	bus := events.NewBus()
	orchestrator := vibecc.NewOrchestrator(store, bus, logger)
	scheduler := vibecc.NewScheduler(orchestrator, store, logger)

	runner := &projectRunner{
		scheduler:    scheduler,
		store:        store,
		agentPath:    *agentPath,
		agentTimeout: *agentTimeout,
		verbose:      *verbose,
		pollInterval: *pollInterval,
		maxPolls:     *maxPolls,
		repoRoot:     *repoRoot,
		vcsToken:     *vcsToken,
		kanbanToken:  *kanbanToken,
		logger:       logger,
		cancels:      make(map[string]context.CancelFunc),
	}

	server := web.NewServer(database, bus, orchestrator, runner.launch, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go bus.RunHeartbeat(ctx, 30*time.Second)

	projects, err := store.ListProjects()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list projects: %v\n", err)
		os.Exit(1)
	}
	for i := range projects {
		p := projects[i]
		status, err := orchestrator.GetAutopilotStatus(p.ID)
		if err == nil && status.Running {
			runner.launch(ctx, &p)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		runner.stopAll()
		cancel()
		bus.Shutdown()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("vibeccd starting", "addr", *addr, "db", *dbPath)
	if err := server.Start(*addr); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

// projectRunner builds the gateways and workers for a project and launches
// its Scheduler loop in the background, tracking a cancel func so the
// process can stop every loop cleanly on shutdown.
type projectRunner struct {
	scheduler    *vibecc.Scheduler
	store        *db.Store
	agentPath    string
	agentTimeout time.Duration
	verbose      bool
	pollInterval time.Duration
	maxPolls     int
	repoRoot     string
	vcsToken     string
	kanbanToken  string
	logger       *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func (r *projectRunner) launch(parent context.Context, project *pipeline.Project) {
	r.mu.Lock()
	if cancel, ok := r.cancels[project.ID]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(parent)
	r.cancels[project.ID] = cancel
	r.mu.Unlock()

	vcsGateway := vcs.NewGitHubGateway(project.Repo, r.vcsToken)
	kanbanGateway, err := r.kanbanGateway(project)
	if err != nil {
		r.logger.Error("failed to build kanban gateway, not starting scheduler", "project_id", project.ID, "error", err)
		return
	}
	coder := agents.NewWorker(r.agentPath, r.agentTimeout, r.verbose)
	coder.SetAuditLogger(agents.NewStoreAuditLogger(r.store))
	testingRunner := workers.NewTestingRunner(vcsGateway, r.pollInterval, r.maxPolls, r.logger)

	repoPath := r.repoRoot + "/" + project.ID

	go r.scheduler.Run(ctx, project, vcsGateway, kanbanGateway, coder, testingRunner, repoPath)
}

func (r *projectRunner) kanbanGateway(project *pipeline.Project) (kanban.Gateway, error) {
	_, numberStr, ok := strings.Cut(project.KanbanBoardRef, "/")
	if !ok {
		return nil, fmt.Errorf("invalid kanban_board_ref %q, want owner/number", project.KanbanBoardRef)
	}
	number, err := strconv.Atoi(numberStr)
	if err != nil {
		return nil, fmt.Errorf("invalid kanban_board_ref %q: %w", project.KanbanBoardRef, err)
	}
	return kanban.NewGitHubAdapter(project.Repo, number, r.kanbanToken)
}

func (r *projectRunner) stopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, cancel := range r.cancels {
		cancel()
		delete(r.cancels, id)
	}
}

func printStatus(store *db.Store) {
	projects, err := store.ListProjects()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list projects: %v\n", err)
		os.Exit(1)
	}
	if len(projects) == 0 {
		fmt.Println("no projects configured")
		return
	}

	for _, p := range projects {
		fmt.Printf("=== %s (%s) ===\n", p.Name, p.Repo)
		working, _ := store.ListPipelines(pipeline.PipelineFilter{ProjectID: p.ID})
		fmt.Printf("  active pipelines: %d\n", len(working))
		for _, pl := range working {
			fmt.Printf("    #%s %-8s updated %s\n", pl.TicketID, pl.State, humanize.Time(pl.UpdatedAt))
		}
		stats, err := store.GetHistoryStats(p.ID)
		if err == nil {
			fmt.Printf("  history: %d completed (%d merged, %d failed), avg duration %s\n",
				stats.TotalCompleted, stats.TotalMerged, stats.TotalFailed,
				time.Duration(stats.AvgDurationSeconds*float64(time.Second)).Round(time.Second))
		}
		fmt.Println()
	}
}
