package middleware

import (
	"net/http"
)

// ticket carries one queued request through the admission gate. It is named
// away from "job" on purpose: a validation job is a domain object, a ticket
// is just a parked HTTP request.
type ticket struct {
	w    http.ResponseWriter
	r    *http.Request
	next http.Handler
	done chan struct{}
}

type Limiter struct {
	queue    chan ticket
	inflight chan struct{}
}

func NewLimiter(queueSize, maxInflight int) *Limiter {
	l := &Limiter{
		queue:    make(chan ticket, queueSize),
		inflight: make(chan struct{}, maxInflight),
	}

	go l.dispatch()

	return l
}

func (l *Limiter) dispatch() {
	for t := range l.queue {
		// acquire inflight slot (blocks if full)
		l.inflight <- struct{}{}

		go func(t ticket) {
			defer func() {
				<-l.inflight // release slot
				close(t.done)
			}()

			t.next.ServeHTTP(t.w, t.r)
		}(t)
	}
}

func (l *Limiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t := ticket{
			w:    w,
			r:    r,
			next: next,
			done: make(chan struct{}),
		}

		// Try to enqueue
		select {
		case l.queue <- t:
			// Wait until request is processed or context is cancelled
			select {
			case <-t.done:
			case <-r.Context().Done():
				http.Error(w, "request canceled or timed out", http.StatusGatewayTimeout)
				return
			}
		default:
			// Queue full
			http.Error(w, "server busy", http.StatusServiceUnavailable)
			return
		}
	})
}
