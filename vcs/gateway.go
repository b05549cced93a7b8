// Package vcs defines the abstract version-control/PR provider gateway
// VibeCC drives a pipeline's branch through, plus a GitHub implementation
// that splits local-git actions (assume a colocated working tree) from
// provider-HTTP actions (require credentials), kept together in one
// component per spec.
package vcs

import "context"

// CIStatus is the resolved state of a pull request's continuous
// integration checks.
type CIStatus string

const (
	CIPending CIStatus = "pending"
	CISuccess CIStatus = "success"
	CIFailure CIStatus = "failure"
)

// PR is a created pull request.
type PR struct {
	ID     int64
	Number int
	URL    string
}

// Gateway is the abstract VCS contract (spec §4.3). All operations are
// idempotent where the underlying provider allows it.
type Gateway interface {
	// CreateBranch fetches base from origin and creates+checks out
	// "ticket-<ticketID>" from origin/base in the local working tree at
	// repoPath. Returns the created branch name.
	CreateBranch(ctx context.Context, repoPath, ticketID, base string) (string, error)

	// Push publishes branch to origin with upstream tracking.
	Push(ctx context.Context, repoPath, branch string) error

	// CreatePR opens a pull request from branch into base.
	CreatePR(ctx context.Context, branch, title, body, base string) (*PR, error)

	// GetPRCIStatus resolves the combined CI status of prNumber's head commit.
	GetPRCIStatus(ctx context.Context, prNumber int) (CIStatus, error)

	// FetchFailureLogs assembles a human-readable summary of prNumber's
	// failed checks. Only meaningful after GetPRCIStatus returns CIFailure.
	FetchFailureLogs(ctx context.Context, prNumber int) (string, error)

	// MergePR merges prNumber using the rebase strategy.
	MergePR(ctx context.Context, prNumber int) error

	// DeleteBranch deletes the remote ref. Already-deleted is success.
	DeleteBranch(ctx context.Context, branch string) error
}
