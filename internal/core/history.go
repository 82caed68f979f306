package core

import (
	"sort"
	"sync"
)

// HistorySink receives every completed build exactly once.
type HistorySink interface {
	Append(project string, status *BuildStatus) error
}

// History is a project's append-only sequence of locked build statuses,
// ordered by timestamp.
type History struct {
	mu     sync.RWMutex
	builds []*BuildStatus
}

func NewHistory() *History {
	return &History{}
}

// Append locks status and adds it to the history.
func (h *History) Append(status *BuildStatus) {
	status.Lock()

	h.mu.Lock()
	defer h.mu.Unlock()

	// Builds finishing out of order are placed by start time.
	i := sort.Search(len(h.builds), func(i int) bool {
		return h.builds[i].Timestamp().After(status.Timestamp())
	})
	h.builds = append(h.builds, nil)
	copy(h.builds[i+1:], h.builds[i:])
	h.builds[i] = status
}

// Import populates an empty history from persisted records. It reports
// whether anything was loaded; a non-empty history is left untouched.
func (h *History) Import(records []BuildRecord) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.builds) > 0 || len(records) == 0 {
		return false
	}
	builds := make([]*BuildStatus, 0, len(records))
	for _, rec := range records {
		builds = append(builds, RestoreStatus(rec))
	}
	sort.SliceStable(builds, func(i, j int) bool {
		return builds[i].Timestamp().Before(builds[j].Timestamp())
	})
	h.builds = builds
	return true
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.builds)
}

// Records returns snapshots of all builds, oldest first.
func (h *History) Records() []BuildRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]BuildRecord, 0, len(h.builds))
	for _, b := range h.builds {
		out = append(out, b.Record())
	}
	return out
}

// Latest returns the most recent build.
func (h *History) Latest() (BuildRecord, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.builds) == 0 {
		return BuildRecord{}, false
	}
	return h.builds[len(h.builds)-1].Record(), true
}
