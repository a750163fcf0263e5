package store

import (
	"context"

	"github.com/me/docket/pkg/model"
)

// Store defines the persistence layer for runs, ad hoc jobs, and scheduler
// checkpoints. Getters return nil, nil when the entity does not exist.
type Store interface {
	// Runs
	InsertRun(ctx context.Context, run *model.Run) error
	UpdateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	// QueryRuns returns runs matching filter ordered by scheduled time, and
	// the total number of matches before pagination. A zero Limit means
	// no limit.
	QueryRuns(ctx context.Context, filter model.RunFilter) ([]*model.Run, int, error)

	// Ad hoc jobs
	InsertJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context) ([]*model.Job, error)

	// Key-value checkpoints
	GetMeta(ctx context.Context, key string) (string, bool, error)
	SetMeta(ctx context.Context, key, value string) error

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
