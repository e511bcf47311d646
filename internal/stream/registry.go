package stream

import (
	"container/heap"
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

type handle struct {
	id       int64
	sink     Sink
	state    State
	created  time.Time
	deadline time.Time
	cancel   context.CancelFunc
	done     chan struct{}
}

// Options configures a Registry. NextID must return unique ids.
type Options struct {
	NextID          func() int64
	IdleTimeout     time.Duration
	ExchangeTimeout time.Duration
	Now             func() time.Time
}

// Registry tracks live handles. Every state change happens under one
// mutex, so bind, invalidation and eviction of a handle never interleave.
type Registry struct {
	mu      sync.Mutex
	handles map[int64]*handle
	expiry  expiryHeap

	nextID          func() int64
	idle            time.Duration
	exchangeTimeout time.Duration
	now             func() time.Time
}

func NewRegistry(opts Options) *Registry {
	if opts.NextID == nil {
		panic("stream: NextID is required")
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 2 * time.Minute
	}
	if opts.ExchangeTimeout <= 0 {
		opts.ExchangeTimeout = 3 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		handles:         make(map[int64]*handle),
		nextID:          opts.NextID,
		idle:            opts.IdleTimeout,
		exchangeTimeout: opts.ExchangeTimeout,
		now:             opts.Now,
	}
}

// Open registers sink under a new handle in state Open.
func (r *Registry) Open(sink Sink) (int64, error) {
	if sink == nil {
		return 0, errors.New("stream: nil sink")
	}
	id := r.nextID()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handles[id]; dup {
		return 0, errors.New("stream: duplicate handle id")
	}
	now := r.now()
	h := &handle{
		id:       id,
		sink:     sink,
		state:    Open,
		created:  now,
		deadline: now.Add(r.idle),
		done:     make(chan struct{}),
	}
	r.handles[id] = h
	heap.Push(&r.expiry, expiryItem{id: id, deadline: h.deadline})
	return id, nil
}

// Bind attaches an exchange to an Open handle. Exactly one caller can bind
// a handle; everyone else gets ErrHandleNotFound. The exchange context is
// detached from the binding request and ends after the exchange timeout.
func (r *Registry) Bind(id int64) (*Exchange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[id]
	if !ok {
		return nil, ErrHandleNotFound
	}
	if h.state == Open && !r.now().Before(h.deadline) {
		r.finishLocked(h, Expired)
		return nil, ErrHandleNotFound
	}
	if h.state != Open {
		return nil, ErrHandleNotFound
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.exchangeTimeout)
	h.state = Bound
	h.cancel = cancel
	return &Exchange{reg: r, h: h, ctx: ctx}, nil
}

// Invalidate closes the handle, cancelling its exchange if one is bound.
func (r *Registry) Invalidate(id int64) error {
	return r.close(id, "invalidated")
}

// Disconnect is Invalidate for a client that went away.
func (r *Registry) Disconnect(id int64) error {
	return r.close(id, "client disconnected")
}

func (r *Registry) close(id int64, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	if !ok {
		return ErrHandleNotFound
	}
	prev := h.state
	r.finishLocked(h, Closed)
	log.Printf("stream handle closed handle=%d from=%s reason=%q", id, prev, reason)
	return nil
}

// Done returns a channel closed once the handle reaches a terminal state.
// It counts as an access: an Open handle's idle deadline restarts.
func (r *Registry) Done(id int64) (<-chan struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	if !ok {
		return nil, ErrHandleNotFound
	}
	if h.state == Open {
		now := r.now()
		if !now.Before(h.deadline) {
			r.finishLocked(h, Expired)
			return nil, ErrHandleNotFound
		}
		r.touchLocked(h, now)
	}
	return h.done, nil
}

// touchLocked restarts the idle deadline. The old heap entry goes stale
// and is skipped by Sweep.
func (r *Registry) touchLocked(h *handle, now time.Time) {
	h.deadline = now.Add(r.idle)
	heap.Push(&r.expiry, expiryItem{id: h.id, deadline: h.deadline})
}

// State reports the state of a live handle.
func (r *Registry) State(id int64) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	if !ok {
		return Closed, false
	}
	return h.state, true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Sweep expires Open handles whose idle deadline has passed and returns
// how many it removed. Bound handles are never evicted here; their
// exchange is bounded by its own timeout.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	n := 0
	for r.expiry.Len() > 0 {
		top := r.expiry[0]
		if now.Before(top.deadline) {
			break
		}
		heap.Pop(&r.expiry)
		h, ok := r.handles[top.id]
		// stale entry: the handle is gone, bound or was accessed since
		if !ok || h.state != Open || !h.deadline.Equal(top.deadline) {
			continue
		}
		r.finishLocked(h, Expired)
		n++
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = 15 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n := r.Sweep(); n > 0 {
				log.Printf("stream sweep expired=%d live=%d", n, r.Len())
			}
		}
	}
}

func (r *Registry) finishLocked(h *handle, state State) {
	if h.state.terminal() {
		return
	}
	h.state = state
	delete(r.handles, h.id)
	if h.cancel != nil {
		h.cancel()
	}
	close(h.done)
}

// Exchange is a bound handle. Sends are serialized and go straight to the
// sink; the first failed send aborts the exchange.
type Exchange struct {
	reg *Registry
	h   *handle
	ctx context.Context

	mu sync.Mutex
}

func (e *Exchange) ID() int64 { return e.h.id }

// Context is cancelled when the exchange is closed, the client
// disconnects or the exchange timeout passes.
func (e *Exchange) Context() context.Context { return e.ctx }

func (e *Exchange) Send(ev Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ctx.Err(); err != nil {
		return err
	}
	if err := e.h.sink.Send(ev); err != nil {
		e.reg.mu.Lock()
		e.reg.finishLocked(e.h, Closed)
		e.reg.mu.Unlock()
		log.Printf("stream sink write failed handle=%d err=%v", e.h.id, err)
		return &SinkWriteError{Handle: e.h.id, Err: err}
	}
	return nil
}

// Close ends the exchange and removes the handle. Safe to call more than once.
func (e *Exchange) Close(err error) {
	e.reg.mu.Lock()
	e.reg.finishLocked(e.h, Closed)
	e.reg.mu.Unlock()
	if err != nil {
		log.Printf("stream exchange failed handle=%d err=%v", e.h.id, err)
	}
}

type expiryItem struct {
	id       int64
	deadline time.Time
}

type expiryHeap []expiryItem

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h expiryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x any)        { *h = append(*h, x.(expiryItem)) }
func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
