package models

import "context"

// Store persists project and segment snapshots. Writes are last-write-wins
// per entity; no transactions are assumed.
type Store interface {
	SaveProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
	DeleteProject(ctx context.Context, id string) error
	// ListProjects returns every project, oldest first.
	ListProjects(ctx context.Context) ([]*Project, error)

	SaveSegment(ctx context.Context, s *Segment) error
	SaveSegments(ctx context.Context, segments []*Segment) error
	GetSegment(ctx context.Context, id string) (*Segment, error)
	// ListSegments returns the project's segments ordered by index.
	ListSegments(ctx context.Context, projectID string) ([]*Segment, error)
	DeleteSegments(ctx context.Context, projectID string) error
}
