package store

import "time"

type Column struct {
	ID        string
	BoardID   string
	Name      string
	CreatedAt time.Time
}

type Issue struct {
	ID        string
	ColumnID  string
	Title     string
	Position  float64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PositionUpdate is one row of a column rewrite.
type PositionUpdate struct {
	IssueID  string
	Position float64
}
