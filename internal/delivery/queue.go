// Package delivery implements the outbound delivery queue, pipeline, and
// scanner/scheduler: the part of the system that turns a spooled Context
// into zero or more SmtpTransaction attempts, with per-domain rate limiting,
// circuit breaking, retry backoff, and bounce generation.
package delivery

import (
	"sync"
	"time"

	"github.com/Pyxxilated-Studios/empath/internal/spool"
)

// Info tracks one message's delivery progress, mirroring spool.DeliveryState
// but kept in memory for fast scheduling decisions.
type Info struct {
	ID                 string
	Domain             string
	Status             spool.DeliveryStatus
	MailServers        []spool.MxTarget
	CurrentServerIndex int
	AttemptHistory     []spool.Attempt
	QueuedAt           time.Time
	NextRetryAt        *time.Time
}

func (i *Info) clone() *Info {
	c := *i
	c.MailServers = append([]spool.MxTarget(nil), i.MailServers...)
	c.AttemptHistory = append([]spool.Attempt(nil), i.AttemptHistory...)
	if i.NextRetryAt != nil {
		t := *i.NextRetryAt
		c.NextRetryAt = &t
	}
	return &c
}

// Queue is the concurrent MessageId → Info index (§4.9).
type Queue struct {
	mu      sync.RWMutex
	entries map[string]*Info
}

func NewQueue() *Queue {
	return &Queue{entries: make(map[string]*Info)}
}

// Enqueue inserts id if absent; it is a no-op if already present.
func (q *Queue) Enqueue(id, domain string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[id]; ok {
		return
	}
	q.entries[id] = &Info{
		ID:       id,
		Domain:   domain,
		Status:   spool.StatusPending,
		QueuedAt: time.Now(),
	}
}

// Restore inserts or replaces id's entry wholesale, used when rehydrating
// from the spool on startup.
func (q *Queue) Restore(info *Info) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries[info.ID] = info.clone()
}

func (q *Queue) Get(id string) (*Info, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	e, ok := q.entries[id]
	if !ok {
		return nil, false
	}
	return e.clone(), true
}

func (q *Queue) Remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, id)
}

func (q *Queue) UpdateStatus(id string, status spool.DeliveryStatus) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[id]; ok {
		e.Status = status
	}
}

func (q *Queue) RecordAttempt(id string, a spool.Attempt) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[id]; ok {
		e.AttemptHistory = append(e.AttemptHistory, a)
	}
}

func (q *Queue) SetNextRetryAt(id string, at time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[id]; ok {
		e.NextRetryAt = &at
	}
}

func (q *Queue) SetMailServers(id string, servers []spool.MxTarget) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[id]; ok {
		e.MailServers = append([]spool.MxTarget(nil), servers...)
		e.CurrentServerIndex = 0
	}
}

// TryNextServer advances to the next MX target and reports whether one was
// available.
func (q *Queue) TryNextServer(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return false
	}
	if e.CurrentServerIndex+1 >= len(e.MailServers) {
		return false
	}
	e.CurrentServerIndex++
	return true
}

// AllDue returns the ids whose status is Pending and whose NextRetryAt has
// elapsed (or is unset).
func (q *Queue) AllDue(now time.Time) []string {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var due []string
	for id, e := range q.entries {
		if e.Status != spool.StatusPending {
			continue
		}
		if e.NextRetryAt == nil || !now.Before(*e.NextRetryAt) {
			due = append(due, id)
		}
	}
	return due
}

// Has reports whether id is already tracked, used by the scanner to decide
// whether a spooled message needs restoring.
func (q *Queue) Has(id string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.entries[id]
	return ok
}

// All returns every tracked entry, used by the expiration sweep which must
// consider messages regardless of retry-due status.
func (q *Queue) All() []*Info {
	q.mu.RLock()
	defer q.mu.RUnlock()
	all := make([]*Info, 0, len(q.entries))
	for _, e := range q.entries {
		all = append(all, e.clone())
	}
	return all
}
