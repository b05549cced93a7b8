// Package workers implements the Testing Worker: push a branch, open a
// pull request, and poll CI through to a terminal state.
package workers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vibecc/vibecc/vcs"
)

// Task describes one testing attempt.
type Task struct {
	TicketID    string
	TicketTitle string
	RepoPath    string
	Branch      string
	BaseBranch  string
}

// Result is the outcome of a testing attempt.
type Result struct {
	Success     bool
	PRID        int64
	PRURL       string
	CIStatus    vcs.CIStatus
	FailureLogs string
}

const defaultPollInterval = 30 * time.Second

// TestingRunner pushes the branch, opens a PR, and polls CI until it
// reaches a terminal state, grounded directly on the original system's
// TestingRunner.
type TestingRunner struct {
	gateway      vcs.Gateway
	pollInterval time.Duration
	maxPolls     int // 0 means unlimited
	logger       *slog.Logger
}

// NewTestingRunner creates a Testing Worker. maxPolls of 0 means poll
// indefinitely until CI leaves the pending state.
func NewTestingRunner(gateway vcs.Gateway, pollInterval time.Duration, maxPolls int, logger *slog.Logger) *TestingRunner {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TestingRunner{gateway: gateway, pollInterval: pollInterval, maxPolls: maxPolls, logger: logger}
}

// Execute pushes task.Branch, opens a PR titled "#<id>: <title>" closing the
// ticket, and polls CI until success or failure. The PR ID/URL are always
// populated on a successful PR creation, even when CI ultimately fails, so
// callers can record them regardless of outcome.
func (r *TestingRunner) Execute(ctx context.Context, task Task) (*Result, error) {
	r.logger.Info("testing: pushing branch", "ticket_id", task.TicketID, "branch", task.Branch)
	if err := r.gateway.Push(ctx, task.RepoPath, task.Branch); err != nil {
		return nil, err
	}

	pr, err := r.gateway.CreatePR(ctx,
		task.Branch,
		fmt.Sprintf("#%s: %s", task.TicketID, task.TicketTitle),
		fmt.Sprintf("Closes #%s", task.TicketID),
		task.BaseBranch,
	)
	if err != nil {
		return nil, err
	}
	r.logger.Info("testing: opened pr", "ticket_id", task.TicketID, "pr_number", pr.Number, "pr_url", pr.URL)

	status := r.pollCI(ctx, pr.Number)
	r.logger.Info("testing: ci completed", "ticket_id", task.TicketID, "status", status)

	result := &Result{
		Success:  status == vcs.CISuccess,
		PRID:     pr.ID,
		PRURL:    pr.URL,
		CIStatus: status,
	}

	if status == vcs.CIFailure {
		logs, err := r.gateway.FetchFailureLogs(ctx, pr.Number)
		if err != nil {
			logs = "failed to fetch CI failure logs"
		}
		result.FailureLogs = logs
	}

	return result, nil
}

func (r *TestingRunner) pollCI(ctx context.Context, prNumber int) vcs.CIStatus {
	polls := 0
	for {
		status, err := r.gateway.GetPRCIStatus(ctx, prNumber)
		if err != nil {
			r.logger.Warn("testing: ci status check failed", "pr_number", prNumber, "error", err)
			return vcs.CIFailure
		}
		if status != vcs.CIPending {
			return status
		}

		polls++
		if r.maxPolls > 0 && polls >= r.maxPolls {
			r.logger.Warn("testing: max polls reached, treating as failure", "pr_number", prNumber, "max_polls", r.maxPolls)
			return vcs.CIFailure
		}

		select {
		case <-ctx.Done():
			return vcs.CIFailure
		case <-time.After(r.pollInterval):
		}
	}
}
