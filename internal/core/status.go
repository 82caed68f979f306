package core

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Result is the outcome label of a finished build.
type Result string

const (
	ResultSuccess Result = "Success"
	ResultWarning Result = "Warning"
	ResultFailed  Result = "Failed"
	ResultError   Result = "Error"
)

// BuildStatus records one build attempt. It is mutable until Lock is called;
// after that every mutator is a no-op.
type BuildStatus struct {
	mu        sync.RWMutex
	id        string
	project   string
	timestamp time.Time
	finished  time.Time
	result    Result
	hasResult bool
	log       strings.Builder
	locked    bool
}

// NewBuildStatus starts an unlocked status for project, timestamped now (UTC).
func NewBuildStatus(project string) *BuildStatus {
	return &BuildStatus{
		id:        uuid.NewString(),
		project:   project,
		timestamp: time.Now().UTC(),
	}
}

// SetResult sets the result only if none is set yet and the status is unlocked.
// It reports whether the result changed.
func (s *BuildStatus) SetResult(result Result) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked || s.hasResult {
		return false
	}
	s.result = result
	s.hasResult = true
	return true
}

// ChangeResult overwrites the result unless locked and returns the previous value.
// The boolean is false when the status is locked.
func (s *BuildStatus) ChangeResult(result Result) (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return "", false
	}
	prev := s.result
	s.result = result
	s.hasResult = true
	return prev, true
}

// Append adds a line of log text unless locked.
func (s *BuildStatus) Append(data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return
	}
	if s.log.Len() > 0 {
		s.log.WriteByte('\n')
	}
	s.log.WriteString(data)
}

// Lock freezes the status. The first call also stamps the finish time.
func (s *BuildStatus) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return
	}
	s.locked = true
	s.finished = time.Now().UTC()
}

func (s *BuildStatus) ID() string {
	return s.id
}

func (s *BuildStatus) Project() string {
	return s.project
}

func (s *BuildStatus) Timestamp() time.Time {
	return s.timestamp
}

// Result returns the result label and whether one has been set.
func (s *BuildStatus) Result() (Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.result, s.hasResult
}

func (s *BuildStatus) Log() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log.String()
}

func (s *BuildStatus) Locked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.locked
}

// Record returns an immutable snapshot of the status.
func (s *BuildStatus) Record() BuildRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return BuildRecord{
		ID:         s.id,
		Project:    s.project,
		Timestamp:  s.timestamp,
		FinishedAt: s.finished,
		Result:     s.result,
		Log:        s.log.String(),
		Locked:     s.locked,
	}
}

// BuildRecord is the value form of a BuildStatus used for persistence and APIs.
type BuildRecord struct {
	ID         string    `json:"id"`
	Project    string    `json:"project"`
	Timestamp  time.Time `json:"timestamp"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Result     Result    `json:"result,omitempty"`
	Log        string    `json:"log"`
	Locked     bool      `json:"locked"`
}

// Duration is the wall time between start and lock, or zero while unlocked.
func (r BuildRecord) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.Timestamp)
}

// RestoreStatus rebuilds a locked status from a persisted record.
func RestoreStatus(rec BuildRecord) *BuildStatus {
	s := &BuildStatus{
		id:        rec.ID,
		project:   rec.Project,
		timestamp: rec.Timestamp,
		finished:  rec.FinishedAt,
		result:    rec.Result,
		hasResult: rec.Result != "",
		locked:    true,
	}
	s.log.WriteString(rec.Log)
	return s
}
