package models

// StatusState tags a status with its role in the issue workflow.
type StatusState string

const (
	// StatusStateNew marks the status new issues start in.
	StatusStateNew StatusState = "new"
	// StatusStateActive marks any intermediate status.
	StatusStateActive StatusState = "active"
	// StatusStateClosed marks the designated closed status.
	StatusStateClosed StatusState = "closed"
)

// Valid reports whether s is a known state.
func (s StatusState) Valid() bool {
	switch s {
	case StatusStateNew, StatusStateActive, StatusStateClosed:
		return true
	}
	return false
}

// Status is a named workflow state an issue can be in.
type Status struct {
	ID    int64       `json:"id"`
	Name  string      `json:"name" validate:"required,max=50"`
	State StatusState `json:"state"`
}

// IsClosed reports whether the status is the designated closed state.
func (s *Status) IsClosed() bool {
	return s != nil && s.State == StatusStateClosed
}

// Category is a classification tag for issues.
type Category struct {
	ID   int64  `json:"id"`
	Name string `json:"name" validate:"required,max=50"`
}
