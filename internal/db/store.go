package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vibecc/vibecc/agents"
	"github.com/vibecc/vibecc/pipeline"
)

// Store implements pipeline.StateStore and agents.AuditStore using SQLite.
type Store struct {
	db *DB
}

// NewStore creates a new SQLite-backed store.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- Projects ---

// CreateProject inserts p. Returns pipeline.ErrProjectExists if p.Repo is
// already registered.
func (s *Store) CreateProject(p *pipeline.Project) error {
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	_, err := s.db.Exec(`
		INSERT INTO projects (
			id, name, repo, base_branch, kanban_board_ref,
			max_retries_ci, max_retries_review, max_concurrent,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID, p.Name, p.Repo, p.BaseBranch, p.KanbanBoardRef,
		p.MaxRetriesCI, p.MaxRetriesReview, p.MaxConcurrent,
		p.CreatedAt, p.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return pipeline.ErrProjectExists
	}
	if err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

func scanProject(row interface{ Scan(...any) error }) (*pipeline.Project, error) {
	var p pipeline.Project
	err := row.Scan(
		&p.ID, &p.Name, &p.Repo, &p.BaseBranch, &p.KanbanBoardRef,
		&p.MaxRetriesCI, &p.MaxRetriesReview, &p.MaxConcurrent,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

const projectColumns = `
	id, name, repo, base_branch, kanban_board_ref,
	max_retries_ci, max_retries_review, max_concurrent,
	created_at, updated_at
`

// GetProject retrieves a project by ID.
func (s *Store) GetProject(id string) (*pipeline.Project, error) {
	row := s.db.QueryRow("SELECT "+projectColumns+" FROM projects WHERE id = ?", id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pipeline.ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return p, nil
}

// GetProjectByRepo retrieves a project by its "owner/name" repo slug.
func (s *Store) GetProjectByRepo(repo string) (*pipeline.Project, error) {
	row := s.db.QueryRow("SELECT "+projectColumns+" FROM projects WHERE repo = ?", repo)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pipeline.ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project by repo: %w", err)
	}
	return p, nil
}

// ListProjects returns all projects ordered by name.
func (s *Store) ListProjects() ([]pipeline.Project, error) {
	rows, err := s.db.Query("SELECT " + projectColumns + " FROM projects ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var out []pipeline.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// UpdateProject overwrites all mutable fields of the project identified by
// p.ID.
func (s *Store) UpdateProject(p *pipeline.Project) error {
	p.UpdatedAt = time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE projects SET
			name = ?, base_branch = ?, kanban_board_ref = ?,
			max_retries_ci = ?, max_retries_review = ?, max_concurrent = ?,
			updated_at = ?
		WHERE id = ?
	`,
		p.Name, p.BaseBranch, p.KanbanBoardRef,
		p.MaxRetriesCI, p.MaxRetriesReview, p.MaxConcurrent,
		p.UpdatedAt, p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update project: %w", err)
	}
	return requireRowsAffected(res, pipeline.ErrProjectNotFound)
}

// DeleteProject removes a project. Returns
// pipeline.ErrProjectHasActivePipeline if any non-terminal pipeline still
// references it.
func (s *Store) DeleteProject(id string) error {
	var active int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM pipelines
		WHERE project_id = ? AND state IN ('queued', 'coding', 'testing', 'review')
	`, id).Scan(&active)
	if err != nil {
		return fmt.Errorf("failed to check active pipelines: %w", err)
	}
	if active > 0 {
		return pipeline.ErrProjectHasActivePipeline
	}

	res, err := s.db.Exec("DELETE FROM projects WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	return requireRowsAffected(res, pipeline.ErrProjectNotFound)
}

// --- Pipelines ---

const pipelineColumns = `
	id, project_id, ticket_id, ticket_title, ticket_body, branch_name,
	pr_id, pr_url, state, retry_count_ci, retry_count_review, feedback,
	created_at, updated_at
`

func scanPipeline(row interface{ Scan(...any) error }) (*pipeline.Pipeline, error) {
	var p pipeline.Pipeline
	var ticketBody, prURL, feedback sql.NullString
	var state string
	err := row.Scan(
		&p.ID, &p.ProjectID, &p.TicketID, &p.TicketTitle, &ticketBody, &p.BranchName,
		&p.PRID, &prURL, &state, &p.RetryCountCI, &p.RetryCountReview, &feedback,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.TicketBody = ticketBody.String
	p.PRURL = prURL.String
	p.Feedback = feedback.String
	p.State = pipeline.State(state)
	return &p, nil
}

// CreatePipeline inserts p. Returns pipeline.ErrPipelineExists if an active
// pipeline already exists for (p.ProjectID, p.TicketID).
func (s *Store) CreatePipeline(p *pipeline.Pipeline) error {
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	_, err := s.db.Exec(`
		INSERT INTO pipelines (
			id, project_id, ticket_id, ticket_title, ticket_body, branch_name,
			pr_id, pr_url, state, retry_count_ci, retry_count_review, feedback,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID, p.ProjectID, p.TicketID, p.TicketTitle, p.TicketBody, p.BranchName,
		p.PRID, p.PRURL, string(p.State), p.RetryCountCI, p.RetryCountReview, p.Feedback,
		p.CreatedAt, p.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return pipeline.ErrPipelineExists
	}
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	return nil
}

// GetPipeline retrieves an active pipeline by ID.
func (s *Store) GetPipeline(id string) (*pipeline.Pipeline, error) {
	row := s.db.QueryRow("SELECT "+pipelineColumns+" FROM pipelines WHERE id = ?", id)
	p, err := scanPipeline(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pipeline.ErrPipelineNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline: %w", err)
	}
	return p, nil
}

// GetPipelineByTicket retrieves the active pipeline for (projectID,
// ticketID), if any.
func (s *Store) GetPipelineByTicket(projectID, ticketID string) (*pipeline.Pipeline, error) {
	row := s.db.QueryRow(
		"SELECT "+pipelineColumns+" FROM pipelines WHERE project_id = ? AND ticket_id = ?",
		projectID, ticketID,
	)
	p, err := scanPipeline(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pipeline.ErrPipelineNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline by ticket: %w", err)
	}
	return p, nil
}

// ListPipelines lists active pipelines matching filter, oldest first.
func (s *Store) ListPipelines(filter pipeline.PipelineFilter) ([]pipeline.Pipeline, error) {
	query := "SELECT " + pipelineColumns + " FROM pipelines WHERE 1=1"
	var args []any
	if filter.ProjectID != "" {
		query += " AND project_id = ?"
		args = append(args, filter.ProjectID)
	}
	if filter.State != "" {
		query += " AND state = ?"
		args = append(args, string(filter.State))
	}
	query += " ORDER BY created_at"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}
	defer rows.Close()

	var out []pipeline.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// CountPipelines counts active pipelines matching filter.
func (s *Store) CountPipelines(filter pipeline.PipelineFilter) (int, error) {
	query := "SELECT COUNT(*) FROM pipelines WHERE 1=1"
	var args []any
	if filter.ProjectID != "" {
		query += " AND project_id = ?"
		args = append(args, filter.ProjectID)
	}
	if filter.State != "" {
		query += " AND state = ?"
		args = append(args, string(filter.State))
	}

	var count int
	if err := s.db.QueryRow(query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count pipelines: %w", err)
	}
	return count, nil
}

// UpdatePipeline overwrites the mutable fields of the pipeline identified
// by p.ID.
func (s *Store) UpdatePipeline(p *pipeline.Pipeline) error {
	p.UpdatedAt = time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE pipelines SET
			branch_name = ?, pr_id = ?, pr_url = ?, state = ?,
			retry_count_ci = ?, retry_count_review = ?, feedback = ?,
			updated_at = ?
		WHERE id = ?
	`,
		p.BranchName, p.PRID, p.PRURL, string(p.State),
		p.RetryCountCI, p.RetryCountReview, p.Feedback,
		p.UpdatedAt, p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update pipeline: %w", err)
	}
	return requireRowsAffected(res, pipeline.ErrPipelineNotFound)
}

// DeletePipeline removes an active pipeline row. SaveToHistory does not
// call it: it deletes the archived row itself inside its own transaction.
func (s *Store) DeletePipeline(id string) error {
	res, err := s.db.Exec("DELETE FROM pipelines WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete pipeline: %w", err)
	}
	return requireRowsAffected(res, pipeline.ErrPipelineNotFound)
}

// --- History ---

// SaveToHistory archives p as a completed pipeline and removes it from the
// active pipelines table in a single transaction, so a pipeline is never
// visible in neither or both tables (spec §9's archive-idempotence open
// question: resolved via a DB transaction plus a UNIQUE constraint on
// pipeline_id_original so a retried archive is a no-op, not a duplicate).
func (s *Store) SaveToHistory(p *pipeline.Pipeline, finalState pipeline.State) (*pipeline.History, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin history transaction: %w", err)
	}
	defer tx.Rollback()

	h := &pipeline.History{
		ID:                 newHistoryID(p.ID),
		PipelineIDOriginal: p.ID,
		ProjectID:          p.ProjectID,
		TicketID:           p.TicketID,
		TicketTitle:        p.TicketTitle,
		BranchName:         p.BranchName,
		PRID:               p.PRID,
		PRURL:              p.PRURL,
		FinalState:         finalState,
		TotalRetriesCI:     p.RetryCountCI,
		TotalRetriesReview: p.RetryCountReview,
		StartedAt:          p.CreatedAt,
		CompletedAt:        time.Now().UTC(),
	}
	h.DurationSeconds = h.CompletedAt.Sub(h.StartedAt).Seconds()

	_, err = tx.Exec(`
		INSERT OR IGNORE INTO pipeline_history (
			id, pipeline_id_original, project_id, ticket_id, ticket_title, branch_name,
			pr_id, pr_url, final_state, total_retries_ci, total_retries_review,
			started_at, completed_at, duration_seconds
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		h.ID, h.PipelineIDOriginal, h.ProjectID, h.TicketID, h.TicketTitle, h.BranchName,
		h.PRID, h.PRURL, string(h.FinalState), h.TotalRetriesCI, h.TotalRetriesReview,
		h.StartedAt, h.CompletedAt, h.DurationSeconds,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert history: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM pipelines WHERE id = ?", p.ID); err != nil {
		return nil, fmt.Errorf("failed to remove archived pipeline: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit history transaction: %w", err)
	}
	return h, nil
}

func newHistoryID(pipelineID string) string {
	return "hist-" + pipelineID
}

// ListHistory lists completed pipelines matching filter, newest first.
func (s *Store) ListHistory(filter pipeline.HistoryFilter) ([]pipeline.History, error) {
	query := `
		SELECT id, pipeline_id_original, project_id, ticket_id, ticket_title, branch_name,
			pr_id, pr_url, final_state, total_retries_ci, total_retries_review,
			started_at, completed_at, duration_seconds
		FROM pipeline_history WHERE 1=1
	`
	var args []any
	if filter.ProjectID != "" {
		query += " AND project_id = ?"
		args = append(args, filter.ProjectID)
	}
	if filter.FinalState != "" {
		query += " AND final_state = ?"
		args = append(args, string(filter.FinalState))
	}
	query += " ORDER BY completed_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var out []pipeline.History
	for rows.Next() {
		var h pipeline.History
		var prURL sql.NullString
		var finalState string
		if err := rows.Scan(
			&h.ID, &h.PipelineIDOriginal, &h.ProjectID, &h.TicketID, &h.TicketTitle, &h.BranchName,
			&h.PRID, &prURL, &finalState, &h.TotalRetriesCI, &h.TotalRetriesReview,
			&h.StartedAt, &h.CompletedAt, &h.DurationSeconds,
		); err != nil {
			return nil, err
		}
		h.PRURL = prURL.String
		h.FinalState = pipeline.State(finalState)
		out = append(out, h)
	}
	return out, rows.Err()
}

// GetHistoryStats aggregates completed pipelines for projectID, or across
// all projects when projectID is empty. Empty result sets yield zeros.
func (s *Store) GetHistoryStats(projectID string) (*pipeline.HistoryStats, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN final_state = 'merged' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN final_state = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(duration_seconds), 0),
			COALESCE(AVG(total_retries_ci), 0),
			COALESCE(AVG(total_retries_review), 0)
		FROM pipeline_history
	`
	var args []any
	if projectID != "" {
		query += " WHERE project_id = ?"
		args = append(args, projectID)
	}

	var stats pipeline.HistoryStats
	err := s.db.QueryRow(query, args...).Scan(
		&stats.TotalCompleted, &stats.TotalMerged, &stats.TotalFailed,
		&stats.AvgDurationSeconds, &stats.AvgRetriesCI, &stats.AvgRetriesReview,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to compute history stats: %w", err)
	}
	return &stats, nil
}

func requireRowsAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// --- Config & audit (agents.AuditStore) ---

// GetConfigValue reads a single config value.
func (s *Store) GetConfigValue(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get config value: %w", err)
	}
	return value, nil
}

// SetConfig upserts a config value.
func (s *Store) SetConfig(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set config: %w", err)
	}
	return nil
}

// AddAuditEntry persists one coding-agent audit log entry.
func (s *Store) AddAuditEntry(entry *agents.AuditEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO agent_audit_log (id, ticket_id, branch, event_type, event_data, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.TicketID, entry.Branch, string(entry.EventType), entry.EventData, entry.DurationMs, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to add audit entry: %w", err)
	}
	return nil
}
