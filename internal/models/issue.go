package models

import "time"

// Issue is a trackable unit of work reported by a user.
type Issue struct {
	ID          string     `json:"id"`
	Title       string     `json:"title" validate:"required,max=200"`
	Description string     `json:"description"`
	AuthorID    string     `json:"author_id"`
	AssigneeID  string     `json:"assignee_id,omitempty"`
	StatusID    int64      `json:"status_id"`
	CategoryID  int64      `json:"category_id"`
	CreatedAt   time.Time  `json:"created"`
	UpdatedAt   time.Time  `json:"updated"`
	ClosedAt    *time.Time `json:"closed,omitempty"`

	// Populated by the store on reads; ignored on writes.
	StatusName   string `json:"status,omitempty"`
	CategoryName string `json:"category,omitempty"`
	AuthorName   string `json:"author,omitempty"`
	AssigneeName string `json:"assignee,omitempty"`
}

// Duration returns the time between creation and closure.
// ok is false while the issue has no closed timestamp.
func (i *Issue) Duration() (d time.Duration, ok bool) {
	if i.ClosedAt == nil {
		return 0, false
	}
	return i.ClosedAt.Sub(i.CreatedAt), true
}
