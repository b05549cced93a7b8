package kanban

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// githubColumns maps VibeCC's internal column vocabulary to the column
// names a GitHub Projects (v2) "Status" single-select field typically uses.
var githubColumns = map[Column]string{
	ColumnQueue:      "Todo",
	ColumnInProgress: "In Progress",
	ColumnDone:       "Done",
	ColumnFailed:     "Failed",
}

// GitHubAdapter implements Gateway against a GitHub Projects (v2) board
// via the GraphQL API, following the same metadata-caching, column-mapping,
// and mutation shape as the system's original GitHub-backed kanban client.
type GitHubAdapter struct {
	Owner         string
	Repo          string
	ProjectNumber int
	Token         string
	BaseURL       string // defaults to https://api.github.com/graphql
	HTTPClient    *http.Client

	mu            sync.Mutex
	projectID     string
	statusFieldID string
	columnOptions map[string]string // github column name -> option id
}

// NewGitHubAdapter creates a Gateway for a "owner/repo" GitHub Projects v2
// board identified by projectNumber.
func NewGitHubAdapter(ownerRepo string, projectNumber int, token string) (*GitHubAdapter, error) {
	parts := strings.SplitN(ownerRepo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("kanban: invalid repo %q, want \"owner/name\"", ownerRepo)
	}
	return &GitHubAdapter{
		Owner:         parts[0],
		Repo:          parts[1],
		ProjectNumber: projectNumber,
		Token:         token,
		BaseURL:       "https://api.github.com/graphql",
		HTTPClient:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (a *GitHubAdapter) graphQL(ctx context.Context, query string, variables map[string]any) (map[string]any, error) {
	payload, err := json.Marshal(map[string]any{"query": query, "variables": variables})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+a.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kanban: graphql request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("kanban: graphql request failed: %d - %s", resp.StatusCode, body)
	}

	var parsed struct {
		Data   map[string]any   `json:"data"`
		Errors []map[string]any `json:"errors"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("kanban: malformed graphql response: %w", err)
	}
	if len(parsed.Errors) > 0 {
		return nil, fmt.Errorf("kanban: graphql errors: %v", parsed.Errors)
	}
	return parsed.Data, nil
}

const projectMetadataQuery = `
query($owner: String!, $repo: String!, $projectNumber: Int!) {
  repository(owner: $owner, name: $repo) {
    projectV2(number: $projectNumber) {
      id
      field(name: "Status") {
        ... on ProjectV2SingleSelectField {
          id
          options { id name }
        }
      }
    }
  }
}`

// ensureMetadata fetches and caches the project id, status field id, and
// column option ids. Cheap to call repeatedly once populated.
func (a *GitHubAdapter) ensureMetadata(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.projectID != "" {
		return nil
	}

	data, err := a.graphQL(ctx, projectMetadataQuery, map[string]any{
		"owner":         a.Owner,
		"repo":          a.Repo,
		"projectNumber": a.ProjectNumber,
	})
	if err != nil {
		return err
	}

	repo, _ := data["repository"].(map[string]any)
	project, _ := repo["projectV2"].(map[string]any)
	if project == nil {
		return fmt.Errorf("kanban: project #%d not found for %s/%s", a.ProjectNumber, a.Owner, a.Repo)
	}

	a.projectID, _ = project["id"].(string)

	field, _ := project["field"].(map[string]any)
	if field == nil {
		return fmt.Errorf("kanban: status field not found in project #%d", a.ProjectNumber)
	}
	a.statusFieldID, _ = field["id"].(string)

	options := make(map[string]string)
	if raw, ok := field["options"].([]any); ok {
		for _, o := range raw {
			opt, _ := o.(map[string]any)
			name, _ := opt["name"].(string)
			id, _ := opt["id"].(string)
			options[name] = id
		}
	}
	a.columnOptions = options
	return nil
}

func (a *GitHubAdapter) columnOptionID(ctx context.Context, column Column) (string, error) {
	if err := a.ensureMetadata(ctx); err != nil {
		return "", err
	}
	githubName, ok := githubColumns[column]
	if !ok {
		githubName = string(column)
	}

	a.mu.Lock()
	id, ok := a.columnOptions[githubName]
	a.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %q (github: %q)", ErrColumnNotFound, column, githubName)
	}
	return id, nil
}

const listItemsQuery = `
query($projectId: ID!) {
  node(id: $projectId) {
    ... on ProjectV2 {
      items(first: 100) {
        nodes {
          id
          fieldValueByName(name: "Status") {
            ... on ProjectV2ItemFieldSingleSelectValue { name }
          }
          content {
            ... on Issue {
              number
              title
              body
              labels(first: 10) { nodes { name } }
            }
          }
        }
      }
    }
  }
}`

// ListTickets returns tickets currently in column.
func (a *GitHubAdapter) ListTickets(column Column) ([]Ticket, error) {
	ctx := context.Background()
	if err := a.ensureMetadata(ctx); err != nil {
		return nil, err
	}
	githubName, ok := githubColumns[column]
	if !ok {
		githubName = string(column)
	}

	data, err := a.graphQL(ctx, listItemsQuery, map[string]any{"projectId": a.projectID})
	if err != nil {
		return nil, err
	}

	items := extractItems(data)
	tickets := make([]Ticket, 0, len(items))
	for _, item := range items {
		status, _ := item["fieldValueByName"].(map[string]any)
		if status == nil {
			continue
		}
		if name, _ := status["name"].(string); name != githubName {
			continue
		}
		content, _ := item["content"].(map[string]any)
		if content == nil {
			continue
		}
		tickets = append(tickets, ticketFromContent(content))
	}
	return tickets, nil
}

const getIssueQuery = `
query($owner: String!, $repo: String!, $number: Int!) {
  repository(owner: $owner, name: $repo) {
    issue(number: $number) {
      id
      number
      title
      body
      labels(first: 10) { nodes { name } }
    }
  }
}`

// fetchIssue fetches the raw issue node (including its GraphQL node id) for
// ticketID. Both GetTicket and CloseTicket need this node, so they share it
// instead of each running getIssueQuery on its own.
func (a *GitHubAdapter) fetchIssue(ctx context.Context, ticketID string) (map[string]any, error) {
	number, err := strconv.Atoi(ticketID)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not a numeric issue id", ErrTicketNotFound, ticketID)
	}

	data, err := a.graphQL(ctx, getIssueQuery, map[string]any{
		"owner": a.Owner, "repo": a.Repo, "number": number,
	})
	if err != nil {
		return nil, err
	}

	repo, _ := data["repository"].(map[string]any)
	issue, _ := repo["issue"].(map[string]any)
	if issue == nil {
		return nil, fmt.Errorf("%w: #%s", ErrTicketNotFound, ticketID)
	}
	return issue, nil
}

// GetTicket fetches one ticket by GitHub issue number (as a string).
func (a *GitHubAdapter) GetTicket(ticketID string) (*Ticket, error) {
	issue, err := a.fetchIssue(context.Background(), ticketID)
	if err != nil {
		return nil, err
	}
	t := ticketFromContent(issue)
	return &t, nil
}

const findItemIDQuery = `
query($projectId: ID!) {
  node(id: $projectId) {
    ... on ProjectV2 {
      items(first: 100) {
        nodes { id content { ... on Issue { number } } }
      }
    }
  }
}`

func (a *GitHubAdapter) itemID(ctx context.Context, ticketID string) (string, error) {
	data, err := a.graphQL(ctx, findItemIDQuery, map[string]any{"projectId": a.projectID})
	if err != nil {
		return "", err
	}
	for _, item := range extractItems(data) {
		content, _ := item["content"].(map[string]any)
		if content == nil {
			continue
		}
		if num, ok := content["number"].(float64); ok && strconv.Itoa(int(num)) == ticketID {
			id, _ := item["id"].(string)
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: #%s not found in project", ErrTicketNotFound, ticketID)
}

const moveItemMutation = `
mutation($projectId: ID!, $itemId: ID!, $fieldId: ID!, $optionId: String!) {
  updateProjectV2ItemFieldValue(
    input: { projectId: $projectId, itemId: $itemId, fieldId: $fieldId, value: { singleSelectOptionId: $optionId } }
  ) { projectV2Item { id } }
}`

// MoveTicket sets ticketID's Status field to column.
func (a *GitHubAdapter) MoveTicket(ticketID string, column Column) error {
	ctx := context.Background()
	optionID, err := a.columnOptionID(ctx, column)
	if err != nil {
		return err
	}
	itemID, err := a.itemID(ctx, ticketID)
	if err != nil {
		return err
	}

	_, err = a.graphQL(ctx, moveItemMutation, map[string]any{
		"projectId": a.projectID,
		"itemId":    itemID,
		"fieldId":   a.statusFieldID,
		"optionId":  optionID,
	})
	return err
}

const closeIssueMutation = `
mutation($issueId: ID!) {
  closeIssue(input: { issueId: $issueId }) { issue { id state } }
}`

// CloseTicket closes the GitHub issue backing ticketID.
func (a *GitHubAdapter) CloseTicket(ticketID string) error {
	ctx := context.Background()
	issue, err := a.fetchIssue(ctx, ticketID)
	if err != nil {
		return err
	}
	issueID, _ := issue["id"].(string)
	if issueID == "" {
		return fmt.Errorf("%w: #%s", ErrTicketNotFound, ticketID)
	}

	_, err = a.graphQL(ctx, closeIssueMutation, map[string]any{"issueId": issueID})
	return err
}

func extractItems(data map[string]any) []map[string]any {
	node, _ := data["node"].(map[string]any)
	itemsField, _ := node["items"].(map[string]any)
	nodes, _ := itemsField["nodes"].([]any)
	out := make([]map[string]any, 0, len(nodes))
	for _, n := range nodes {
		if m, ok := n.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func ticketFromContent(content map[string]any) Ticket {
	t := Ticket{}
	if num, ok := content["number"].(float64); ok {
		t.ID = strconv.Itoa(int(num))
	}
	t.Title, _ = content["title"].(string)
	t.Body, _ = content["body"].(string)

	if labelsField, ok := content["labels"].(map[string]any); ok {
		if nodes, ok := labelsField["nodes"].([]any); ok {
			for _, n := range nodes {
				if m, ok := n.(map[string]any); ok {
					if name, ok := m["name"].(string); ok {
						t.Labels = append(t.Labels, name)
					}
				}
			}
		}
	}
	return t
}
