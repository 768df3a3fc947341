package extraction

import (
	"context"
	"time"
)

// CampaignFilter narrows List results. Zero values mean "no constraint".
type CampaignFilter struct {
	Status CampaignStatus
	Limit  int
	Offset int
}

// CampaignRepository persists campaign aggregates.
type CampaignRepository interface {
	Get(ctx context.Context, id string) (*Campaign, error)
	Save(ctx context.Context, c *Campaign) error
	List(ctx context.Context, f CampaignFilter) ([]*Campaign, error)
}

// TaskRepository persists the per-city tasks of a campaign.
type TaskRepository interface {
	Get(ctx context.Context, id string) (*PlaceExtractionTask, error)
	Save(ctx context.Context, t *PlaceExtractionTask) error
	SaveAll(ctx context.Context, ts []*PlaceExtractionTask) error
	ListByCampaign(ctx context.Context, campaignID string) ([]*PlaceExtractionTask, error)
	PendingOf(ctx context.Context, campaignID string) ([]*PlaceExtractionTask, error)
	StatusCounts(ctx context.Context, campaignID string) (map[TaskStatus]int, error)
}

// PlaceRepository persists extracted places and their reviews.
type PlaceRepository interface {
	Get(ctx context.Context, id string) (*ExtractedPlace, error)
	// Upsert folds duplicates by fingerprint and reports whether a new row
	// was inserted.
	Upsert(ctx context.Context, p *ExtractedPlace) (bool, error)
	ListByTask(ctx context.Context, taskID string) ([]*ExtractedPlace, error)
	ListByCampaign(ctx context.Context, campaignID string) ([]*ExtractedPlace, error)
	CountByCampaign(ctx context.Context, campaignID string) (int, error)
}

// UnitOfWork bundles the aggregate repositories bound to one transaction.
type UnitOfWork interface {
	Campaigns() CampaignRepository
	Tasks() TaskRepository
	Places() PlaceRepository
}

// Store is the transactional boundary over durable storage. All writes go
// through WithinTx; read-side queries may use View.
type Store interface {
	// WithinTx runs fn inside a transaction, committing on nil return and
	// rolling back on error or panic.
	WithinTx(ctx context.Context, fn func(uow UnitOfWork) error) error
	// View returns repositories for unbuffered read-side access.
	View() UnitOfWork
	Ping(ctx context.Context) error
	Close()
}

// Queue carries pending task identifiers to worker loops. It holds ids only;
// workers hydrate entities under a fresh unit of work.
type Queue interface {
	EnqueueAll(ctx context.Context, ids []string) error
	// Dequeue pops the oldest id, reporting false when the queue is empty.
	Dequeue() (string, bool)
	// DequeueOrWait blocks until an id arrives, the queue closes, or ctx is
	// cancelled.
	DequeueOrWait(ctx context.Context) (string, error)
	Remaining() int
	Drain()
}

// Clock returns the current time (swappable in tests).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces sortable 26-character entity identifiers.
type IDGenerator interface {
	NewID() string
}
