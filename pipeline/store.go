package pipeline

// StateStore is the durable persistence contract for projects, active
// pipelines, and pipeline history. Implementations must enforce the
// uniqueness and referential invariants documented on the types in this
// package. internal/db.Store is the SQLite-backed implementation used in
// production; tests may substitute any other implementation.
type StateStore interface {
	// Projects
	CreateProject(p *Project) error
	GetProject(id string) (*Project, error)
	GetProjectByRepo(repo string) (*Project, error)
	ListProjects() ([]Project, error)
	UpdateProject(p *Project) error
	DeleteProject(id string) error

	// Pipelines
	CreatePipeline(p *Pipeline) error
	GetPipeline(id string) (*Pipeline, error)
	GetPipelineByTicket(projectID, ticketID string) (*Pipeline, error)
	ListPipelines(filter PipelineFilter) ([]Pipeline, error)
	CountPipelines(filter PipelineFilter) (int, error)
	UpdatePipeline(p *Pipeline) error
	DeletePipeline(id string) error

	// History
	SaveToHistory(p *Pipeline, finalState State) (*History, error)
	ListHistory(filter HistoryFilter) ([]History, error)
	GetHistoryStats(projectID string) (*HistoryStats, error)

	Close() error
}
