package vcs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// GitHubGateway implements Gateway against GitHub: branch create/push
// locally via the git CLI against a colocated working tree, and PR/CI/merge
// operations via the GitHub REST API, following the original system's
// split of local-git vs. provider-HTTP actions within one component.
type GitHubGateway struct {
	Repo       string // "owner/name"
	Token      string
	BaseURL    string // defaults to https://api.github.com
	HTTPClient *http.Client
}

// NewGitHubGateway creates a Gateway for repo ("owner/name") authenticated
// with token.
func NewGitHubGateway(repo, token string) *GitHubGateway {
	return &GitHubGateway{
		Repo:       repo,
		Token:      token,
		BaseURL:    "https://api.github.com",
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (g *GitHubGateway) do(ctx context.Context, method, path string, body any) (*http.Response, []byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, nil, err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(g.BaseURL, "/")+path, reader)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+g.Token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, nil, err
	}
	return resp, data, nil
}

// CreateBranch delegates to the local git CLI.
func (g *GitHubGateway) CreateBranch(ctx context.Context, repoPath, ticketID, base string) (string, error) {
	return createBranchLocal(ctx, repoPath, ticketID, base)
}

// Push delegates to the local git CLI.
func (g *GitHubGateway) Push(ctx context.Context, repoPath, branch string) error {
	return pushLocal(ctx, repoPath, branch)
}

// CreatePR opens a pull request via the GitHub REST API.
func (g *GitHubGateway) CreatePR(ctx context.Context, branch, title, body, base string) (*PR, error) {
	resp, data, err := g.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/pulls", g.Repo), map[string]string{
		"title": title,
		"body":  body,
		"head":  branch,
		"base":  base,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPR, err)
	}
	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("%w: create pr failed: %d - %s", ErrPR, resp.StatusCode, data)
	}

	var parsed struct {
		ID      int64  `json:"id"`
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("%w: malformed create-pr response: %v", ErrPR, err)
	}
	return &PR{ID: parsed.ID, Number: parsed.Number, URL: parsed.HTMLURL}, nil
}

type checkRun struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	Output     struct {
		Title   string `json:"title"`
		Summary string `json:"summary"`
	} `json:"output"`
}

// safeConclusions are check-run conclusions that do not count as failure.
var safeConclusions = map[string]bool{"success": true, "skipped": true, "neutral": true}

func (g *GitHubGateway) headSHA(ctx context.Context, prNumber int) (string, error) {
	resp, data, err := g.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/pulls/%d", g.Repo, prNumber), nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPR, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: get pr %d failed: %d - %s", ErrPR, prNumber, resp.StatusCode, data)
	}
	var parsed struct {
		Head struct {
			SHA string `json:"sha"`
		} `json:"head"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("%w: malformed pr response: %v", ErrPR, err)
	}
	return parsed.Head.SHA, nil
}

func (g *GitHubGateway) checkRuns(ctx context.Context, sha string) ([]checkRun, error) {
	resp, data, err := g.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/commits/%s/check-runs", g.Repo, sha), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPR, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: fetch check-runs failed: %d - %s", ErrPR, resp.StatusCode, data)
	}
	var parsed struct {
		CheckRuns []checkRun `json:"check_runs"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("%w: malformed check-runs response: %v", ErrPR, err)
	}
	return parsed.CheckRuns, nil
}

func (g *GitHubGateway) combinedStatus(ctx context.Context, sha string) (string, error) {
	resp, data, err := g.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/commits/%s/status", g.Repo, sha), nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPR, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: fetch status failed: %d - %s", ErrPR, resp.StatusCode, data)
	}
	var parsed struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("%w: malformed status response: %v", ErrPR, err)
	}
	return parsed.State, nil
}

// GetPRCIStatus resolves CI status, preferring per-check-run conclusions
// over the legacy combined-status endpoint when they disagree (spec §4.3).
func (g *GitHubGateway) GetPRCIStatus(ctx context.Context, prNumber int) (CIStatus, error) {
	sha, err := g.headSHA(ctx, prNumber)
	if err != nil {
		return "", err
	}

	state, err := g.combinedStatus(ctx, sha)
	if err != nil {
		return "", err
	}

	runs, err := g.checkRuns(ctx, sha)
	if err != nil {
		return "", err
	}

	if len(runs) > 0 {
		for _, r := range runs {
			if r.Status != "completed" {
				return CIPending, nil
			}
			if !safeConclusions[r.Conclusion] {
				return CIFailure, nil
			}
		}
		return CISuccess, nil
	}

	switch state {
	case "success":
		return CISuccess, nil
	case "pending":
		return CIPending, nil
	default:
		return CIFailure, nil
	}
}

// FetchFailureLogs assembles a summary from failed check runs: name,
// conclusion, output title, and output summary for each.
func (g *GitHubGateway) FetchFailureLogs(ctx context.Context, prNumber int) (string, error) {
	sha, err := g.headSHA(ctx, prNumber)
	if err != nil {
		return "failed to fetch PR details", nil //nolint:nilerr // best-effort diagnostic text, never fatal
	}
	runs, err := g.checkRuns(ctx, sha)
	if err != nil {
		return "failed to fetch check runs", nil //nolint:nilerr
	}

	var failures []string
	for _, r := range runs {
		if safeConclusions[r.Conclusion] || r.Conclusion == "" {
			continue
		}
		info := fmt.Sprintf("Check %q failed with conclusion: %s", r.Name, r.Conclusion)
		if r.Output.Title != "" {
			info += "\nTitle: " + r.Output.Title
		}
		if r.Output.Summary != "" {
			info += "\nSummary: " + r.Output.Summary
		}
		failures = append(failures, info)
	}

	if len(failures) == 0 {
		return "CI failed but no specific failure logs found", nil
	}
	return strings.Join(failures, "\n\n"), nil
}

// MergePR merges prNumber using the rebase strategy.
func (g *GitHubGateway) MergePR(ctx context.Context, prNumber int) error {
	resp, data, err := g.do(ctx, http.MethodPut, fmt.Sprintf("/repos/%s/pulls/%d/merge", g.Repo, prNumber), map[string]string{
		"merge_method": "rebase",
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMerge, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: merge pr %d failed: %d - %s", ErrMerge, prNumber, resp.StatusCode, data)
	}
	return nil
}

// DeleteBranch deletes the remote ref. 204 and 422 (already deleted) both
// count as success.
func (g *GitHubGateway) DeleteBranch(ctx context.Context, branch string) error {
	resp, data, err := g.do(ctx, http.MethodDelete, fmt.Sprintf("/repos/%s/git/refs/heads/%s", g.Repo, branch), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBranch, err)
	}
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusUnprocessableEntity {
		return fmt.Errorf("%w: delete branch %q failed: %d - %s", ErrBranch, branch, resp.StatusCode, data)
	}
	return nil
}
