// Package session tracks which devices currently have a processing session.
//
// The set is owned by a single goroutine and accessed through request
// channels, so admission is an atomic test-and-insert without any lock held
// by callers. Every admission hands out a Lease carrying a fresh session id;
// a processor releases through its lease and can therefore never remove a
// newer session admitted for the same device after a Lost event.
package session

import (
	"sync"

	"github.com/google/uuid"
)

// Lease identifies one admitted session
type Lease struct {
	ID      string
	Session uuid.UUID
}

type opKind int

const (
	opAdmit opKind = iota
	opRelease
	opReleaseLease
	opContains
	opLen
)

type request struct {
	kind  opKind
	id    string
	lease Lease
	reply chan response
}

type response struct {
	ok    bool
	n     int
	lease Lease
}

// Registry is the set of devices with a live session
type Registry struct {
	requests chan request
	done     chan struct{}
	stopped  chan struct{}
	once     sync.Once
}

// NewRegistry starts the owning goroutine. Call Close to stop it.
func NewRegistry() *Registry {
	r := &Registry{
		requests: make(chan request),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *Registry) loop() {
	defer close(r.stopped)

	sessions := make(map[string]uuid.UUID)
	for {
		select {
		case <-r.done:
			return
		case req := <-r.requests:
			var resp response
			switch req.kind {
			case opAdmit:
				if _, exists := sessions[req.id]; !exists {
					l := Lease{ID: req.id, Session: uuid.New()}
					sessions[req.id] = l.Session
					resp = response{ok: true, lease: l}
				}
			case opRelease:
				_, resp.ok = sessions[req.id]
				delete(sessions, req.id)
			case opReleaseLease:
				if current, exists := sessions[req.lease.ID]; exists && current == req.lease.Session {
					delete(sessions, req.lease.ID)
					resp.ok = true
				}
			case opContains:
				_, resp.ok = sessions[req.id]
			case opLen:
				resp.n = len(sessions)
			}
			req.reply <- resp
		}
	}
}

// do sends a request and waits for the reply. After Close it returns the
// zero response.
func (r *Registry) do(req request) response {
	req.reply = make(chan response, 1)
	select {
	case r.requests <- req:
		return <-req.reply
	case <-r.done:
		return response{}
	}
}

// TryAdmit inserts id if absent. It reports true, with the new lease, only
// to the caller that performed the insertion.
func (r *Registry) TryAdmit(id string) (Lease, bool) {
	resp := r.do(request{kind: opAdmit, id: id})
	return resp.lease, resp.ok
}

// Release removes id unconditionally and reports whether it was present
func (r *Registry) Release(id string) bool {
	return r.do(request{kind: opRelease, id: id}).ok
}

// ReleaseLease removes the session only if l is still the current session
// for its device
func (r *Registry) ReleaseLease(l Lease) bool {
	return r.do(request{kind: opReleaseLease, lease: l}).ok
}

// Contains reports whether id has a live session
func (r *Registry) Contains(id string) bool {
	return r.do(request{kind: opContains, id: id}).ok
}

// Len returns the number of live sessions
func (r *Registry) Len() int {
	return r.do(request{kind: opLen}).n
}

// Close stops the owning goroutine. It is safe to call more than once.
func (r *Registry) Close() {
	r.once.Do(func() { close(r.done) })
	<-r.stopped
}
