package journal

import (
	"context"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// memoryJournal does not persist anything. Runs older than gcExpiration are
// dropped; zero never drops anything.
type memoryJournal struct {
	mu           sync.RWMutex
	runs         map[int64]*runEntries
	gcExpiration time.Duration
	gcTicker     *time.Ticker
}

type runEntries struct {
	entries []Entry
	ids     map[string]bool
	created time.Time
}

// NewMemoryJournal makes an in-memory journal, collecting garbage every
// gcInterval when gcExpiration is set.
func NewMemoryJournal(gcExpiration, gcInterval time.Duration) Journal {
	j := &memoryJournal{runs: map[int64]*runEntries{}, gcExpiration: gcExpiration}
	if gcExpiration != 0 {
		j.gcTicker = time.NewTicker(gcInterval)
		go func() {
			for range j.gcTicker.C {
				if n := j.gc(time.Now()); n > 0 {
					log.Debugf("journal gc dropped %d runs", n)
				}
			}
		}()
	}
	return j
}

func (j *memoryJournal) Append(ctx context.Context, e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	r, ok := j.runs[e.RunID]
	if !ok {
		r = &runEntries{ids: map[string]bool{}, created: time.Now()}
		j.runs[e.RunID] = r
	}
	if e.ID != "" {
		if r.ids[e.ID] {
			return nil
		}
		r.ids[e.ID] = true
	}
	r.entries = append(r.entries, e)
	return nil
}

func (j *memoryJournal) Entries(ctx context.Context, runID int64) ([]Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	r, ok := j.runs[runID]
	if !ok {
		return nil, nil
	}
	return append([]Entry(nil), r.entries...), nil
}

func (j *memoryJournal) Runs(ctx context.Context) ([]int64, error) {
	j.mu.RLock()
	ids := make([]int64, 0, len(j.runs))
	for id := range j.runs {
		ids = append(ids, id)
	}
	j.mu.RUnlock()
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	return ids, nil
}

func (j *memoryJournal) gc(now time.Time) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for id, r := range j.runs {
		if now.Sub(r.created) >= j.gcExpiration {
			delete(j.runs, id)
			n++
		}
	}
	return n
}
