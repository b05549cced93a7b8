package kanban

import "errors"

var (
	ErrTicketNotFound  = errors.New("kanban: ticket not found")
	ErrColumnNotFound  = errors.New("kanban: column not found")
	ErrProjectNotFound = errors.New("kanban: project not found on board")
)
