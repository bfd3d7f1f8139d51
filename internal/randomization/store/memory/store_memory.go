// Package memory is the in-process list backend. Each site has its own lock,
// so claims at different sites never contend.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"trialrand/internal/randomization/models"
	"trialrand/pkg/platform/sentinel"
)

type siteList struct {
	mu      sync.Mutex
	records []*models.ListRecord
	// every record before cursor is allocated
	cursor int
}

type location struct {
	site *siteList
	rec  *models.ListRecord
}

// InMemoryStore implements ports.RecordStore.
type InMemoryStore struct {
	// mu guards the index maps, not the records themselves
	mu    sync.RWMutex
	sites map[string]*siteList
	byID  map[string]*location
	byKey map[models.RecordKey]*location

	// subject -> record id, reserved under the owning site's lock
	subjects sync.Map
}

func New() *InMemoryStore {
	return &InMemoryStore{
		sites: make(map[string]*siteList),
		byID:  make(map[string]*location),
		byKey: make(map[models.RecordKey]*location),
	}
}

func (s *InMemoryStore) Insert(_ context.Context, records []models.ListRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := make(map[models.RecordKey]struct{}, len(records))
	for _, r := range records {
		key := r.Key()
		if _, ok := s.byKey[key]; ok {
			return fmt.Errorf("record %s exists: %w", key, sentinel.ErrConflict)
		}
		if _, ok := batch[key]; ok {
			return fmt.Errorf("record %s repeated in batch: %w", key, sentinel.ErrConflict)
		}
		if _, ok := s.byID[r.ID]; ok {
			return fmt.Errorf("record id %s exists: %w", r.ID, sentinel.ErrConflict)
		}
		batch[key] = struct{}{}
	}

	touched := make(map[*siteList]struct{})
	for _, r := range records {
		site, ok := s.sites[r.SiteName]
		if !ok {
			site = &siteList{}
			s.sites[r.SiteName] = site
		}
		rec := r.Clone()
		loc := &location{site: site, rec: &rec}
		s.byID[rec.ID] = loc
		s.byKey[rec.Key()] = loc

		site.mu.Lock()
		site.records = append(site.records, &rec)
		site.mu.Unlock()
		touched[site] = struct{}{}
	}
	for site := range touched {
		site.mu.Lock()
		slices.SortFunc(site.records, func(a, b *models.ListRecord) int { return a.SequenceID - b.SequenceID })
		site.cursor = 0
		site.mu.Unlock()
	}
	return nil
}

func (s *InMemoryStore) NextUnclaimed(_ context.Context, siteName string) (*models.ListRecord, error) {
	s.mu.RLock()
	site, ok := s.sites[siteName]
	s.mu.RUnlock()
	if !ok {
		return nil, sentinel.ErrNotFound
	}

	site.mu.Lock()
	defer site.mu.Unlock()
	for site.cursor < len(site.records) && site.records[site.cursor].Allocated {
		site.cursor++
	}
	for _, rec := range site.records[site.cursor:] {
		if !rec.Allocated {
			out := rec.Clone()
			return &out, nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemoryStore) Claim(_ context.Context, recordID string, claim models.Claim) (*models.ListRecord, error) {
	loc, err := s.locate(recordID)
	if err != nil {
		return nil, err
	}

	loc.site.mu.Lock()
	defer loc.site.mu.Unlock()
	if loc.rec.Allocated {
		return nil, sentinel.ErrAlreadyUsed
	}
	if _, loaded := s.subjects.LoadOrStore(claim.SubjectIdentifier, recordID); loaded {
		return nil, fmt.Errorf("subject %s: %w", claim.SubjectIdentifier, sentinel.ErrConflict)
	}
	loc.rec.Apply(claim)
	out := loc.rec.Clone()
	return &out, nil
}

func (s *InMemoryStore) MarkVerified(_ context.Context, recordID, actor string, at time.Time) (*models.ListRecord, error) {
	loc, err := s.locate(recordID)
	if err != nil {
		return nil, err
	}

	loc.site.mu.Lock()
	defer loc.site.mu.Unlock()
	if !loc.rec.Allocated {
		return nil, sentinel.ErrInvalidState
	}
	if loc.rec.Verified {
		return nil, sentinel.ErrConflict
	}
	loc.rec.MarkVerified(actor, at)
	out := loc.rec.Clone()
	return &out, nil
}

func (s *InMemoryStore) FindBySubject(_ context.Context, subject string) (*models.ListRecord, error) {
	id, ok := s.subjects.Load(subject)
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	loc, err := s.locate(id.(string))
	if err != nil {
		return nil, err
	}
	return snapshot(loc), nil
}

func (s *InMemoryStore) FindBySID(_ context.Context, siteName string, sequenceID int) (*models.ListRecord, error) {
	s.mu.RLock()
	loc, ok := s.byKey[models.RecordKey{SiteName: siteName, SequenceID: sequenceID}]
	s.mu.RUnlock()
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return snapshot(loc), nil
}

// Records returns copies ordered by site name, then sequence id.
func (s *InMemoryStore) Records(_ context.Context) ([]models.ListRecord, error) {
	s.mu.RLock()
	names := make([]string, 0, len(s.sites))
	for name := range s.sites {
		names = append(names, name)
	}
	sites := make([]*siteList, 0, len(names))
	sort.Strings(names)
	for _, name := range names {
		sites = append(sites, s.sites[name])
	}
	s.mu.RUnlock()

	var out []models.ListRecord
	for _, site := range sites {
		site.mu.Lock()
		for _, rec := range site.records {
			out = append(out, rec.Clone())
		}
		site.mu.Unlock()
	}
	return out, nil
}

func (s *InMemoryStore) locate(recordID string) (*location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loc, ok := s.byID[recordID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return loc, nil
}

func snapshot(loc *location) *models.ListRecord {
	loc.site.mu.Lock()
	defer loc.site.mu.Unlock()
	out := loc.rec.Clone()
	return &out
}
