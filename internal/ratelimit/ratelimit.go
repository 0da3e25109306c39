// Package ratelimit tracks per-worker daily quota and burst pacing.
package ratelimit

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/dgurram/decoy/model"
)

// Limiter is the quota ledger the dispatcher consults before invoking a
// worker. A dispatch attempt first reserves one quota unit, then either
// commits it (the invocation counted against the daily limit) or releases it
// (quota returned). used + reserved never exceeds the daily limit, so two
// concurrent dispatch attempts can never both hold the last unit.
//
// Quota is per worker, never per job: the anti-ban budget belongs to the
// external identity regardless of which job generated the traffic.
type Limiter struct {
	mu      sync.Mutex
	burst   int
	window  time.Duration
	workers map[uuid.UUID]*workerQuota
}

type workerQuota struct {
	limit    int
	used     int
	reserved int
	bucket   *rate.Limiter
}

// Reservation is one claimed quota unit on a worker. Exactly one of Commit or
// Release settles it; later calls are no-ops.
type Reservation struct {
	WorkerID uuid.UUID

	lim     *Limiter
	settled bool
}

func New(burstLimit int, burstWindow time.Duration) *Limiter {
	if burstLimit < 1 {
		burstLimit = 1
	}
	if burstWindow <= 0 {
		burstWindow = time.Minute
	}
	return &Limiter{
		burst:   burstLimit,
		window:  burstWindow,
		workers: make(map[uuid.UUID]*workerQuota),
	}
}

// Track registers or refreshes a worker's quota line. The registry calls this
// when a worker is created or loaded and again after the daily reset.
func (l *Limiter) Track(workerID uuid.UUID, dailyLimit int, usedToday int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	q, ok := l.workers[workerID]
	if !ok {
		q = &workerQuota{bucket: l.newBucket()}
		l.workers[workerID] = q
	}
	q.limit = dailyLimit
	q.used = usedToday
}

// SetLimit adjusts a tracked worker's daily ceiling.
func (l *Limiter) SetLimit(workerID uuid.UUID, dailyLimit int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if q, ok := l.workers[workerID]; ok {
		q.limit = dailyLimit
	}
}

// Forget drops a worker's quota line. Outstanding reservations settle as
// no-ops afterwards.
func (l *Limiter) Forget(workerID uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.workers, workerID)
}

// CanUse reports whether a reservation on the worker would currently succeed.
// Advisory only: candidates are filtered with CanUse, but the decision is
// Reserve's.
func (l *Limiter) CanUse(workerID uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	q, ok := l.workers[workerID]
	if !ok {
		return false
	}
	return q.used+q.reserved < q.limit && q.bucket.Tokens() >= 1
}

// Reserve claims one quota unit on the worker. ErrQuotaExhausted means the
// daily limit is spent and the worker is out of rotation until reset;
// ErrWorkerBusy means the burst window is pacing attempts and the worker is
// usable again shortly.
func (l *Limiter) Reserve(workerID uuid.UUID) (*Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	q, ok := l.workers[workerID]
	if !ok {
		return nil, model.ErrNotFound
	}
	if q.used+q.reserved >= q.limit {
		return nil, model.ErrQuotaExhausted
	}
	if !q.bucket.Allow() {
		return nil, model.ErrWorkerBusy
	}

	q.reserved++
	return &Reservation{WorkerID: workerID, lim: l}, nil
}

// Used returns the worker's committed usage for the day.
func (l *Limiter) Used(workerID uuid.UUID) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if q, ok := l.workers[workerID]; ok {
		return q.used
	}
	return 0
}

// Remaining returns the quota units still reservable today. Zero means the
// worker is structurally ineligible until the daily reset.
func (l *Limiter) Remaining(workerID uuid.UUID) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	q, ok := l.workers[workerID]
	if !ok {
		return 0
	}
	n := q.limit - q.used - q.reserved
	if n < 0 {
		n = 0
	}
	return n
}

// ResetDaily zeroes committed usage for every tracked worker. Reservations in
// flight are left alone; they settle against the new day.
func (l *Limiter) ResetDaily() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, q := range l.workers {
		q.used = 0
	}
}

func (r *Reservation) Commit() {
	r.lim.settle(r, true)
}

func (r *Reservation) Release() {
	r.lim.settle(r, false)
}

func (l *Limiter) settle(r *Reservation, commit bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if r.settled {
		return
	}
	r.settled = true

	q, ok := l.workers[r.WorkerID]
	if !ok {
		return
	}
	if q.reserved > 0 {
		q.reserved--
	}
	if commit {
		q.used++
	}
}

func (l *Limiter) newBucket() *rate.Limiter {
	return rate.NewLimiter(rate.Every(l.window/time.Duration(l.burst)), l.burst)
}
