package jobs

import (
	"sync"
	"time"

	apperrors "github.com/marzops/rotator/internal/errors"
	"github.com/marzops/rotator/internal/model"
)

type FailureRecord struct {
	Code        apperrors.ErrorCode
	Message     string
	At          time.Time
	Consecutive int
}

// FailureTracker counts consecutive transient failures per account and
// remembers the most recent failure for status queries.
type FailureTracker struct {
	mu        sync.Mutex
	threshold int
	records   map[string]FailureRecord
}

func NewFailureTracker(threshold int) *FailureTracker {
	if threshold < 1 {
		threshold = 1
	}
	return &FailureTracker{
		threshold: threshold,
		records:   make(map[string]FailureRecord),
	}
}

// RecordFailure stores err for the account. escalated is true exactly once
// per streak, when the consecutive transient count reaches the threshold.
func (t *FailureTracker) RecordFailure(accountID string, err error, at time.Time) (FailureRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := FailureRecord{
		Code:    apperrors.GetCode(err),
		Message: err.Error(),
		At:      at,
	}
	transient := apperrors.IsTransient(err)
	if transient {
		rec.Consecutive = t.records[accountID].Consecutive + 1
	}
	t.records[accountID] = rec
	return rec, transient && rec.Consecutive == t.threshold
}

func (t *FailureTracker) RecordSuccess(accountID string) {
	t.mu.Lock()
	delete(t.records, accountID)
	t.mu.Unlock()
}

func (t *FailureTracker) Last(accountID string) (FailureRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[accountID]
	return rec, ok
}

// inflightSet is the per-account in-progress guard.
type inflightSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newInflightSet() *inflightSet {
	return &inflightSet{ids: make(map[string]struct{})}
}

func (s *inflightSet) TryAcquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.ids[id]; held {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

func (s *inflightSet) Release(id string) {
	s.mu.Lock()
	delete(s.ids, id)
	s.mu.Unlock()
}

func (s *inflightSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// pendingMark is a rotation the panel accepted but whose last reset could not
// be written. Later passes retry only the write.
type pendingMark struct {
	rotatedAt time.Time
	reason    string
	links     []string
	usage     *model.UsageReport
}

type pendingMarks struct {
	mu    sync.Mutex
	marks map[string]pendingMark
}

func newPendingMarks() *pendingMarks {
	return &pendingMarks{marks: make(map[string]pendingMark)}
}

func (p *pendingMarks) Put(id string, m pendingMark) {
	p.mu.Lock()
	p.marks[id] = m
	p.mu.Unlock()
}

func (p *pendingMarks) Get(id string) (pendingMark, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.marks[id]
	return m, ok
}

func (p *pendingMarks) Delete(id string) {
	p.mu.Lock()
	delete(p.marks, id)
	p.mu.Unlock()
}
