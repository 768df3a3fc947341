// Package memory provides an in-memory extraction.Store with the same
// transactional semantics as the Postgres implementation. It backs unit
// tests and local development without a database.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/placehunter/extraction-engine/internal/extraction"
)

type dataset struct {
	campaigns map[string]extraction.Campaign
	tasks     map[string]extraction.PlaceExtractionTask
	places    map[string]extraction.ExtractedPlace
	// placeByFP maps "taskID|fingerprint" to the id of the first row, so
	// Upsert can fold duplicates the way the UNIQUE constraint does.
	placeByFP map[string]string
}

func newDataset() *dataset {
	return &dataset{
		campaigns: make(map[string]extraction.Campaign),
		tasks:     make(map[string]extraction.PlaceExtractionTask),
		places:    make(map[string]extraction.ExtractedPlace),
		placeByFP: make(map[string]string),
	}
}

func (d *dataset) clone() *dataset {
	out := &dataset{
		campaigns: make(map[string]extraction.Campaign, len(d.campaigns)),
		tasks:     make(map[string]extraction.PlaceExtractionTask, len(d.tasks)),
		places:    make(map[string]extraction.ExtractedPlace, len(d.places)),
		placeByFP: make(map[string]string, len(d.placeByFP)),
	}
	for k, v := range d.campaigns {
		out.campaigns[k] = cloneCampaign(v)
	}
	for k, v := range d.tasks {
		out.tasks[k] = cloneTask(v)
	}
	for k, v := range d.places {
		out.places[k] = clonePlace(v)
	}
	for k, v := range d.placeByFP {
		out.placeByFP[k] = v
	}
	return out
}

// Store keeps every aggregate in maps guarded by one RWMutex. WithinTx
// stages changes on a deep copy and swaps it in on commit, so a failed
// unit of work leaves no trace, exactly like a rolled-back transaction.
type Store struct {
	mu   sync.RWMutex
	data *dataset
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{data: newDataset()}
}

// WithinTx implements extraction.Store.
func (s *Store) WithinTx(ctx context.Context, fn func(uow extraction.UnitOfWork) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	staging := s.data.clone()
	if err := fn(&unitOfWork{data: staging}); err != nil {
		return err
	}
	s.data = staging
	return nil
}

// View returns read-side repositories against the committed state.
func (s *Store) View() extraction.UnitOfWork {
	return &unitOfWork{store: s}
}

// Ping implements extraction.Store; memory is always reachable.
func (s *Store) Ping(context.Context) error { return nil }

// Close implements extraction.Store.
func (s *Store) Close() {}

// unitOfWork routes repository calls either to a transaction's staging
// dataset or, for views, to the live dataset under the store lock.
type unitOfWork struct {
	data  *dataset
	store *Store
}

func (u *unitOfWork) read(fn func(*dataset)) {
	if u.data != nil {
		fn(u.data)
		return
	}
	u.store.mu.RLock()
	defer u.store.mu.RUnlock()
	fn(u.store.data)
}

func (u *unitOfWork) write(fn func(*dataset)) {
	if u.data != nil {
		fn(u.data)
		return
	}
	u.store.mu.Lock()
	defer u.store.mu.Unlock()
	fn(u.store.data)
}

func (u *unitOfWork) Campaigns() extraction.CampaignRepository { return &campaignRepo{u} }
func (u *unitOfWork) Tasks() extraction.TaskRepository         { return &taskRepo{u} }
func (u *unitOfWork) Places() extraction.PlaceRepository       { return &placeRepo{u} }

type campaignRepo struct {
	u *unitOfWork
}

func (r *campaignRepo) Get(_ context.Context, id string) (*extraction.Campaign, error) {
	var c *extraction.Campaign
	r.u.read(func(d *dataset) {
		if got, ok := d.campaigns[id]; ok {
			cp := cloneCampaign(got)
			c = &cp
		}
	})
	if c == nil {
		return nil, fmt.Errorf("campaign %s: %w", id, extraction.ErrNotFound)
	}
	return c, nil
}

func (r *campaignRepo) Save(_ context.Context, c *extraction.Campaign) error {
	r.u.write(func(d *dataset) {
		d.campaigns[c.ID] = cloneCampaign(*c)
	})
	return nil
}

func (r *campaignRepo) List(_ context.Context, f extraction.CampaignFilter) ([]*extraction.Campaign, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	var out []*extraction.Campaign
	r.u.read(func(d *dataset) {
		for _, c := range d.campaigns {
			if f.Status != "" && c.Status != f.Status {
				continue
			}
			cp := cloneCampaign(c)
			out = append(out, &cp)
		}
	})
	slices.SortFunc(out, func(a, b *extraction.Campaign) int {
		return strings.Compare(b.ID, a.ID)
	})
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type taskRepo struct {
	u *unitOfWork
}

func (r *taskRepo) Get(_ context.Context, id string) (*extraction.PlaceExtractionTask, error) {
	var t *extraction.PlaceExtractionTask
	r.u.read(func(d *dataset) {
		if got, ok := d.tasks[id]; ok {
			cp := cloneTask(got)
			t = &cp
		}
	})
	if t == nil {
		return nil, fmt.Errorf("task %s: %w", id, extraction.ErrNotFound)
	}
	return t, nil
}

func (r *taskRepo) Save(_ context.Context, t *extraction.PlaceExtractionTask) error {
	r.u.write(func(d *dataset) {
		d.tasks[t.ID] = cloneTask(*t)
	})
	return nil
}

func (r *taskRepo) SaveAll(ctx context.Context, ts []*extraction.PlaceExtractionTask) error {
	for _, t := range ts {
		if err := r.Save(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (r *taskRepo) ListByCampaign(_ context.Context, campaignID string) ([]*extraction.PlaceExtractionTask, error) {
	return r.list(campaignID, ""), nil
}

func (r *taskRepo) PendingOf(_ context.Context, campaignID string) ([]*extraction.PlaceExtractionTask, error) {
	return r.list(campaignID, extraction.TaskPending), nil
}

func (r *taskRepo) list(campaignID string, status extraction.TaskStatus) []*extraction.PlaceExtractionTask {
	var out []*extraction.PlaceExtractionTask
	r.u.read(func(d *dataset) {
		for _, t := range d.tasks {
			if t.CampaignID != campaignID {
				continue
			}
			if status != "" && t.Status != status {
				continue
			}
			cp := cloneTask(t)
			out = append(out, &cp)
		}
	})
	slices.SortFunc(out, func(a, b *extraction.PlaceExtractionTask) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

func (r *taskRepo) StatusCounts(_ context.Context, campaignID string) (map[extraction.TaskStatus]int, error) {
	counts := make(map[extraction.TaskStatus]int)
	r.u.read(func(d *dataset) {
		for _, t := range d.tasks {
			if t.CampaignID == campaignID {
				counts[t.Status]++
			}
		}
	})
	return counts, nil
}

type placeRepo struct {
	u *unitOfWork
}

func (r *placeRepo) Get(_ context.Context, id string) (*extraction.ExtractedPlace, error) {
	var p *extraction.ExtractedPlace
	r.u.read(func(d *dataset) {
		if got, ok := d.places[id]; ok {
			cp := clonePlace(got)
			p = &cp
		}
	})
	if p == nil {
		return nil, fmt.Errorf("place %s: %w", id, extraction.ErrNotFound)
	}
	return p, nil
}

func (r *placeRepo) Upsert(_ context.Context, p *extraction.ExtractedPlace) (bool, error) {
	inserted := false
	r.u.write(func(d *dataset) {
		key := p.SourceTaskID + "|" + p.Fingerprint()
		if existingID, ok := d.placeByFP[key]; ok {
			existing := d.places[existingID]
			existing.Category = p.Category
			existing.Rating = cloneFloat(p.Rating)
			existing.ReviewCount = cloneInt(p.ReviewCount)
			existing.Phone = p.Phone
			existing.Website = p.Website
			existing.Coordinates = cloneCoords(p.Coordinates)
			d.places[existingID] = existing
			return
		}
		d.placeByFP[key] = p.ID
		d.places[p.ID] = clonePlace(*p)
		inserted = true
	})
	return inserted, nil
}

func (r *placeRepo) ListByTask(_ context.Context, taskID string) ([]*extraction.ExtractedPlace, error) {
	var out []*extraction.ExtractedPlace
	r.u.read(func(d *dataset) {
		for _, p := range d.places {
			if p.SourceTaskID == taskID {
				cp := clonePlace(p)
				out = append(out, &cp)
			}
		}
	})
	sortPlaces(out)
	return out, nil
}

func (r *placeRepo) ListByCampaign(_ context.Context, campaignID string) ([]*extraction.ExtractedPlace, error) {
	var out []*extraction.ExtractedPlace
	r.u.read(func(d *dataset) {
		for _, p := range d.places {
			if t, ok := d.tasks[p.SourceTaskID]; ok && t.CampaignID == campaignID {
				cp := clonePlace(p)
				out = append(out, &cp)
			}
		}
	})
	sortPlaces(out)
	return out, nil
}

func (r *placeRepo) CountByCampaign(_ context.Context, campaignID string) (int, error) {
	n := 0
	r.u.read(func(d *dataset) {
		for _, p := range d.places {
			if t, ok := d.tasks[p.SourceTaskID]; ok && t.CampaignID == campaignID {
				n++
			}
		}
	})
	return n, nil
}

func sortPlaces(out []*extraction.ExtractedPlace) {
	slices.SortFunc(out, func(a, b *extraction.ExtractedPlace) int {
		return strings.Compare(a.ID, b.ID)
	})
}

func cloneCampaign(c extraction.Campaign) extraction.Campaign {
	c.StartedAt = cloneTimePtr(c.StartedAt)
	c.CompletedAt = cloneTimePtr(c.CompletedAt)
	return c
}

func cloneTask(t extraction.PlaceExtractionTask) extraction.PlaceExtractionTask {
	t.StartedAt = cloneTimePtr(t.StartedAt)
	t.CompletedAt = cloneTimePtr(t.CompletedAt)
	return t
}

func clonePlace(p extraction.ExtractedPlace) extraction.ExtractedPlace {
	p.Rating = cloneFloat(p.Rating)
	p.ReviewCount = cloneInt(p.ReviewCount)
	p.Coordinates = cloneCoords(p.Coordinates)
	p.Reviews = append([]extraction.PlaceReview(nil), p.Reviews...)
	return p
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	cp := *f
	return &cp
}

func cloneInt(i *int) *int {
	if i == nil {
		return nil
	}
	cp := *i
	return &cp
}

func cloneCoords(c *extraction.Coordinates) *extraction.Coordinates {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}
