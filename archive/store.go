package archive

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Store keeps the entities shared between runs and looks up ExecRecords for
// reuse. Runs and components are owned by the orchestrator; the store only
// assigns their IDs and indexes them.
type Store interface {
	// AddRun assigns IDs to r and every component and nested run in it that
	// does not have one yet.
	AddRun(r *Run)
	Run(id int64) (*Run, bool)
	// Runs lists top-level runs by ID.
	Runs() []*Run

	AddDataset(d *Dataset)
	Dataset(id int64) (*Dataset, bool)

	AddExecLog(l *ExecLog)

	AddExecRecord(er *ExecRecord)
	// ExecRecordsFor lists records of the transformation with key, oldest
	// first.
	ExecRecordsFor(key string) []*ExecRecord
}

// MemoryStore is a Store held in process memory.
type MemoryStore struct {
	nextID int64

	mu          sync.RWMutex
	runs        map[int64]*Run
	datasets    map[int64]*Dataset
	execRecords map[string][]*ExecRecord
}

var _ Store = &MemoryStore{}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:        map[int64]*Run{},
		datasets:    map[int64]*Dataset{},
		execRecords: map[string][]*ExecRecord{},
	}
}

func (s *MemoryStore) id() int64 {
	return atomic.AddInt64(&s.nextID, 1)
}

func (s *MemoryStore) AddRun(r *Run) {
	for _, run := range r.AllRuns() {
		if run.ID == 0 {
			run.ID = s.id()
		}
		for _, c := range run.Components() {
			if c.ID == 0 {
				c.ID = s.id()
			}
		}
	}
	if r.IsTopLevel() {
		s.mu.Lock()
		s.runs[r.ID] = r
		s.mu.Unlock()
	}
}

func (s *MemoryStore) Run(id int64) (*Run, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	return r, ok
}

func (s *MemoryStore) Runs() []*Run {
	s.mu.RLock()
	out := make([]*Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) AddDataset(d *Dataset) {
	if d.ID == 0 {
		d.ID = s.id()
	}
	s.mu.Lock()
	s.datasets[d.ID] = d
	s.mu.Unlock()
}

func (s *MemoryStore) Dataset(id int64) (*Dataset, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.datasets[id]
	return d, ok
}

func (s *MemoryStore) AddExecLog(l *ExecLog) {
	if l.ID == 0 {
		l.ID = s.id()
	}
}

func (s *MemoryStore) AddExecRecord(er *ExecRecord) {
	if er.ID == 0 {
		er.ID = s.id()
	}
	key := er.Key()
	s.mu.Lock()
	s.execRecords[key] = append(s.execRecords[key], er)
	s.mu.Unlock()
}

func (s *MemoryStore) ExecRecordsFor(key string) []*ExecRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*ExecRecord(nil), s.execRecords[key]...)
}
