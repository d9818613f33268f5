// Package threadpool runs blocking work on a fixed set of worker
// goroutines and hands the results back to the event loop thread.
//
// Each worker owns a bounded single-producer ring of finished requests that
// only the loop thread consumes, so completion delivery takes no lock on
// the hot path. Cancelled requests travel on a separate mutex-guarded list.
package threadpool

import (
	"fmt"
	"sync"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
	"go.uber.org/zap"
)

// DefaultRingSize is the per-worker completion ring capacity used when
// none is configured.
const DefaultRingSize = 64

// Notifier is the part of the event loop the pool talks to. Ref and Unref
// bracket every request between Queue and delivery of its done callback.
type Notifier interface {
	Ref()
	Unref()
	Wakeup()
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers   int
	Queued    int
	Active    int64
	Submitted uint64
	Completed uint64
	Cancelled uint64
}

// Pool is a fixed-size worker pool. Queue and Cancel are called from the
// loop thread; Drain must be.
type Pool struct {
	loop   Notifier
	logger *zap.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []*Request
	queued    int
	cancelled []*Request
	shutdown  bool

	rings []lfq.SPSC[*Request]
	wg    sync.WaitGroup

	active    atomix.Int64
	submitted atomix.Uint64
	completed atomix.Uint64
	nCancel   atomix.Uint64
}

// New starts size workers. ringSize is rounded up to a power of two.
func New(loop Notifier, size, ringSize int, logger *zap.Logger) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("threadpool: pool size must be positive, got %d", size)
	}
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		loop:   loop,
		logger: logger,
		rings:  make([]lfq.SPSC[*Request], size),
	}
	p.cond = sync.NewCond(&p.mu)
	capacity := roundPow2(ringSize)
	for i := range p.rings {
		p.rings[i].Init(capacity)
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker(i)
	}
	return p, nil
}

// Queue submits req for execution. The loop is held alive until req's done
// callback has run.
func (p *Pool) Queue(req *Request) error {
	if req == nil || req.work == nil || req.done == nil {
		return ErrInvalid
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown {
		return ErrShutdown
	}
	if !req.transition(PhaseIdle, PhaseQueued) {
		return fmt.Errorf("queueing %s request: %w", req.Phase(), ErrInvalid)
	}
	p.queue = append(p.queue, req)
	p.queued++
	p.submitted.Add(1)
	p.loop.Ref()
	p.cond.Signal()
	return nil
}

// Cancel withdraws a request that no worker has started. Its done callback
// later runs with ErrCanceled. Running or finished requests yield ErrBusy.
func (p *Pool) Cancel(req *Request) error {
	if req == nil {
		return ErrInvalid
	}
	p.mu.Lock()
	if !req.transition(PhaseQueued, PhaseCancelled) {
		p.mu.Unlock()
		return ErrBusy
	}
	p.queued--
	p.cancelled = append(p.cancelled, req)
	p.mu.Unlock()
	p.loop.Wakeup()
	return nil
}

// Shutdown stops accepting requests and cancels everything still queued.
// Workers exit once the queue is empty; use Wait to join them.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	for _, req := range p.queue {
		if req.transition(PhaseQueued, PhaseCancelled) {
			p.queued--
			p.cancelled = append(p.cancelled, req)
		}
	}
	p.queue = nil
	p.cond.Broadcast()
	p.mu.Unlock()
	p.loop.Wakeup()
	p.logger.Debug("threadpool shut down")
}

// Wait blocks until every worker has exited. Call after Shutdown.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Closed reports whether Shutdown was called.
func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shutdown
}

// Drain runs the done callbacks of every finished and cancelled request.
// Loop thread only. It reports whether any callback ran.
func (p *Pool) Drain() bool {
	ran := false
	for i := range p.rings {
		for {
			req, err := p.rings[i].Dequeue()
			if err != nil {
				break
			}
			p.deliver(req, req.err)
			ran = true
		}
	}

	p.mu.Lock()
	cancelled := p.cancelled
	p.cancelled = nil
	p.mu.Unlock()
	for _, req := range cancelled {
		p.nCancel.Add(1)
		p.deliver(req, ErrCanceled)
		ran = true
	}
	return ran
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	queued := p.queued
	p.mu.Unlock()
	return Stats{
		Workers:   len(p.rings),
		Queued:    queued,
		Active:    p.active.Load(),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Cancelled: p.nCancel.Load(),
	}
}

func (p *Pool) deliver(req *Request, err error) {
	req.err = nil
	req.phase.Store(uint32(PhaseIdle))
	p.completed.Add(1)
	defer p.loop.Unref()
	req.done(err)
}

func (p *Pool) worker(idx int) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.shutdown {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		req := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		if !req.transition(PhaseQueued, PhaseRunning) {
			// Cancelled while waiting; already on the cancelled list.
			p.mu.Unlock()
			continue
		}
		p.queued--
		p.mu.Unlock()

		p.active.Add(1)
		req.err = p.execute(req)
		p.active.Add(-1)
		req.phase.Store(uint32(PhaseDone))
		p.post(idx, req)
	}
}

func (p *Pool) execute(req *Request) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Value: v}
			p.logger.Error("work panicked", zap.Any("panic", v), zap.Stack("stack"))
		}
	}()
	req.work()
	return nil
}

// post hands a finished request to the loop. A full ring means the loop is
// behind; wake it and back off until it has consumed something.
func (p *Pool) post(idx int, req *Request) {
	ring := &p.rings[idx]
	var bo iox.Backoff
	for {
		if err := ring.Enqueue(&req); err == nil {
			break
		}
		p.loop.Wakeup()
		bo.Wait()
	}
	p.loop.Wakeup()
}

func roundPow2(n int) int {
	c := 1
	for c < n {
		c <<= 1
	}
	return c
}
