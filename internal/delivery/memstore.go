package delivery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/repo"
)

type taskKey struct {
	issueID string
	email   string
}

// MemStore is an in-memory TaskStore. A single mutex makes every claim an
// atomic scan-and-flip, which gives the same at-most-one-claimer guarantee
// as SKIP LOCKED in the database.
type MemStore struct {
	RetainDone bool

	mu     sync.Mutex
	tasks  map[taskKey]*domain.DeliveryTask
	issues map[string]domain.NewsletterIssue
}

var (
	_ TaskStore     = (*MemStore)(nil)
	_ StaleRequeuer = (*MemStore)(nil)
)

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		tasks:  map[taskKey]*domain.DeliveryTask{},
		issues: map[string]domain.NewsletterIssue{},
	}
}

// AddIssue stores an issue and one pending task per email, due at now.
func (s *MemStore) AddIssue(issue domain.NewsletterIssue, emails []string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issues[issue.ID] = issue
	for _, e := range emails {
		s.tasks[taskKey{issue.ID, e}] = &domain.DeliveryTask{
			IssueID:         issue.ID,
			SubscriberEmail: e,
			NextAttemptAt:   now,
			State:           domain.TaskPending,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
	}
}

// Put inserts or replaces a task as is.
func (s *MemStore) Put(t domain.DeliveryTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[taskKey{t.IssueID, t.SubscriberEmail}] = &t
}

// Task returns a copy of the task, if present.
func (s *MemStore) Task(issueID, email string) (domain.DeliveryTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskKey{issueID, email}]
	if !ok {
		return domain.DeliveryTask{}, false
	}
	return *t, true
}

// Len returns the number of stored tasks.
func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// ClaimBatch flips up to limit due pending tasks to in_flight, oldest due
// first.
func (s *MemStore) ClaimBatch(_ context.Context, now time.Time, limit int) ([]domain.DeliveryTask, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]*domain.DeliveryTask, 0, limit)
	for _, t := range s.tasks {
		if t.State == domain.TaskPending && !t.NextAttemptAt.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].SubscriberEmail < due[j].SubscriberEmail
		}
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]domain.DeliveryTask, 0, len(due))
	for _, t := range due {
		claimedAt := repo.ClaimStamp(now)
		t.State = domain.TaskInFlight
		t.ClaimedAt = &claimedAt
		t.UpdatedAt = now
		out = append(out, *t)
	}
	return out, nil
}

// GetIssue returns a copy of the issue, or repo.ErrNotFound.
func (s *MemStore) GetIssue(_ context.Context, id string) (*domain.NewsletterIssue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	is, ok := s.issues[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &is, nil
}

// inFlight returns the stored task when it is still held under t's claim.
// Callers hold mu.
func (s *MemStore) inFlight(t domain.DeliveryTask) (*domain.DeliveryTask, error) {
	cur, ok := s.tasks[taskKey{t.IssueID, t.SubscriberEmail}]
	if !ok || cur.State != domain.TaskInFlight || cur.ClaimedAt == nil || !cur.ClaimedAt.Equal(claimOf(t)) {
		return nil, repo.ErrNotFound
	}
	return cur, nil
}

// Renew moves t's claim stamp to now.
func (s *MemStore) Renew(_ context.Context, t domain.DeliveryTask, now time.Time) (domain.DeliveryTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.inFlight(t)
	if err != nil {
		return t, err
	}
	stamp := repo.ClaimStamp(now)
	cur.ClaimedAt = &stamp
	cur.UpdatedAt = now
	t.ClaimedAt = &stamp
	t.UpdatedAt = now
	return t, nil
}

// Complete deletes the task, or marks it done with RetainDone.
func (s *MemStore) Complete(_ context.Context, t domain.DeliveryTask, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.inFlight(t)
	if err != nil {
		return err
	}
	if !s.RetainDone {
		delete(s.tasks, taskKey{t.IssueID, t.SubscriberEmail})
		return nil
	}
	cur.State = domain.TaskDone
	cur.ClaimedAt = nil
	cur.LastError = ""
	cur.UpdatedAt = now
	return nil
}

// Reschedule returns the task to pending, due at next.
func (s *MemStore) Reschedule(_ context.Context, t domain.DeliveryTask, attemptCount int, next time.Time, lastErr string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.inFlight(t)
	if err != nil {
		return err
	}
	cur.State = domain.TaskPending
	cur.AttemptCount = attemptCount
	cur.NextAttemptAt = next
	cur.LastError = lastErr
	cur.ClaimedAt = nil
	cur.UpdatedAt = now
	return nil
}

// DeadLetter parks the task in dead_lettered.
func (s *MemStore) DeadLetter(_ context.Context, t domain.DeliveryTask, attemptCount int, reason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.inFlight(t)
	if err != nil {
		return err
	}
	cur.State = domain.TaskDeadLettered
	cur.AttemptCount = attemptCount
	cur.LastError = reason
	cur.ClaimedAt = nil
	cur.UpdatedAt = now
	return nil
}

// RequeueStale resets in_flight tasks claimed before now-staleAfter to
// pending and due now.
func (s *MemStore) RequeueStale(_ context.Context, now time.Time, staleAfter time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-staleAfter)
	var n int64
	for _, t := range s.tasks {
		if t.State == domain.TaskInFlight && t.ClaimedAt != nil && t.ClaimedAt.Before(cutoff) {
			t.State = domain.TaskPending
			t.NextAttemptAt = now
			t.ClaimedAt = nil
			t.UpdatedAt = now
			n++
		}
	}
	return n, nil
}
