package threadpool

import "sync/atomic"

// Phase is the lifecycle position of a Request.
type Phase uint32

const (
	// PhaseIdle: not submitted, or its done callback already ran.
	PhaseIdle Phase = iota
	// PhaseQueued: waiting for a worker.
	PhaseQueued
	// PhaseRunning: a worker is executing the work function.
	PhaseRunning
	// PhaseDone: work finished, done callback not yet delivered.
	PhaseDone
	// PhaseCancelled: cancelled before it ran, done callback not yet delivered.
	PhaseCancelled
)

var phaseNames = [...]string{"idle", "queued", "running", "done", "cancelled"}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

// Request is one unit of work: work runs on a pool worker, done runs on
// the loop thread with the outcome. A Request can be queued again once its
// done callback has run.
type Request struct {
	phase atomic.Uint32
	work  func()
	done  func(err error)
	err   error
}

// NewRequest creates an idle request.
func NewRequest(work func(), done func(err error)) *Request {
	return &Request{work: work, done: done}
}

// Phase returns the request's current phase.
func (r *Request) Phase() Phase {
	return Phase(r.phase.Load())
}

// Pending reports whether the request was queued and its done callback has
// not run yet.
func (r *Request) Pending() bool {
	return r.Phase() != PhaseIdle
}

func (r *Request) transition(from, to Phase) bool {
	return r.phase.CompareAndSwap(uint32(from), uint32(to))
}
