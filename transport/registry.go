package transport

import (
	"errors"
	"io"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// errAlreadyAttached is returned by Reservation.tryAttach when a second
// GET targets an already-consumed token (spec §3: "A token is valid for
// exactly one GET attach").
var errAlreadyAttached = errors.New("gqlsse: stream already attached")

// errNotFound describes an unknown stream token. Registry.Lookup reports
// that case through its boolean result and Registry.Remove ignores it,
// so neither returns this value.
var errNotFound = errors.New("gqlsse: unknown stream token")

// errDuplicateOperation is returned when a submission reuses an
// operationId still in flight on the same reservation.
var errDuplicateOperation = errors.New("gqlsse: duplicate operation id")

// operation is the server-side record for one in-flight single-connection
// operation (spec §3 "Operation record").
type operation struct {
	id     string
	cancel func()
}

// Reservation is a single-connection stream reservation: the multiplexed
// output for every operation submitted against one token (spec §3
// "Stream reservation", spec §4.3).
//
// The outgoing/signal pair is modeled directly on
// StreamableServerTransport's outgoingMessages/signals accounting in the
// teacher, simplified from many logical streams (one per HTTP request)
// down to the single logical stream this protocol's single-connection
// mode defines.
type Reservation struct {
	token string

	mu           sync.Mutex
	outgoing     []frame
	nextEventIdx int
	consumed     bool
	ops          map[string]*operation
	createdAt    time.Time

	limiter *rate.Limiter // nil if no rate limiting configured

	signal    chan struct{} // 1-buffered: new outgoing frames are available
	done      chan struct{}
	closeOnce sync.Once

	writeMu sync.Mutex // serializes physical writes to the attached stream
}

func newReservation(token string, limiter *rate.Limiter) *Reservation {
	return &Reservation{
		token:     token,
		ops:       make(map[string]*operation),
		createdAt: time.Now(),
		limiter:   limiter,
		signal:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Token returns the reservation's stream token.
func (r *Reservation) Token() string { return r.token }

// tryAttach marks the reservation consumed, or reports errAlreadyAttached.
func (r *Reservation) tryAttach() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.consumed {
		return errAlreadyAttached
	}
	r.consumed = true
	return nil
}

func (r *Reservation) isIdle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.consumed
}

// register adds an operation record, rejecting duplicate ids.
func (r *Reservation) register(id string, cancel func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ops[id]; exists {
		return errDuplicateOperation
	}
	r.ops[id] = &operation{id: id, cancel: cancel}
	return nil
}

// unregister removes an operation record once it has terminated.
func (r *Reservation) unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ops, id)
}

// cancelOperation triggers cancellation for id, reporting whether it was
// found.
func (r *Reservation) cancelOperation(id string) bool {
	r.mu.Lock()
	op, ok := r.ops[id]
	if ok {
		delete(r.ops, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	op.cancel()
	return true
}

// emit appends a frame to the reservation's outgoing log and wakes the
// attached stream, if any.
func (r *Reservation) emit(f frame) {
	r.mu.Lock()
	r.nextEventIdx++
	f.id = nextEventID(r.nextEventIdx)
	r.outgoing = append(r.outgoing, f)
	r.mu.Unlock()

	select {
	case r.signal <- struct{}{}:
	default:
	}
}

// attach drains the reservation's outgoing log into w until the
// reservation closes, the caller's context ends, or a write fails. It
// also emits keep-alive comments on keepAlive cadence.
func (r *Reservation) attach(done <-chan struct{}, w io.Writer, keepAlive time.Duration) error {
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	nextIdx := 0
	for {
		r.mu.Lock()
		pending := append([]frame(nil), r.outgoing[nextIdx:]...)
		r.mu.Unlock()

		for _, f := range pending {
			if err := r.writeLocked(w, f); err != nil {
				return err
			}
			nextIdx++
		}

		select {
		case <-r.signal:
		case <-ticker.C:
			r.writeMu.Lock()
			err := writeComment(w, "keepalive")
			r.writeMu.Unlock()
			if err != nil {
				return err
			}
		case <-r.done:
			return nil
		case <-done:
			return nil
		}
	}
}

func (r *Reservation) writeLocked(w io.Writer, f frame) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return writeFrame(w, f)
}

// Close cancels every in-flight operation and marks the reservation
// terminated. Safe to call more than once.
func (r *Reservation) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
		r.mu.Lock()
		ops := make([]*operation, 0, len(r.ops))
		for _, op := range r.ops {
			ops = append(ops, op)
		}
		r.ops = make(map[string]*operation)
		r.mu.Unlock()
		for _, op := range ops {
			op.cancel()
		}
	})
}

// Registry is the process-local mapping from stream token to reservation
// (spec §4.3). Lookups are safe for concurrent use; each reservation
// serializes its own state independently.
type Registry struct {
	mu          sync.Mutex
	byToken     map[string]*Reservation
	idleTimeout time.Duration

	stopOnce sync.Once
	stop     chan struct{}
}

// NewRegistry returns a Registry that evicts reservations left unattached
// for longer than idleTimeout. A non-positive idleTimeout disables
// eviction.
func NewRegistry(idleTimeout time.Duration) *Registry {
	reg := &Registry{
		byToken:     make(map[string]*Reservation),
		idleTimeout: idleTimeout,
		stop:        make(chan struct{}),
	}
	if idleTimeout > 0 {
		go reg.evictLoop()
	}
	return reg
}

// Reserve creates and registers a new reservation for token.
func (reg *Registry) Reserve(token string, limiter *rate.Limiter) *Reservation {
	r := newReservation(token, limiter)
	reg.mu.Lock()
	reg.byToken[token] = r
	reg.mu.Unlock()
	return r
}

// Lookup returns the reservation for token, if any.
func (reg *Registry) Lookup(token string) (*Reservation, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.byToken[token]
	return r, ok
}

// Remove closes and forgets the reservation for token.
func (reg *Registry) Remove(token string) {
	reg.mu.Lock()
	r, ok := reg.byToken[token]
	delete(reg.byToken, token)
	reg.mu.Unlock()
	if ok {
		r.Close()
	}
}

// Len reports the number of live reservations, for tests asserting the
// "PUT → GET → DELETE/close cycle leaves the registry empty" invariant.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.byToken)
}

func (reg *Registry) evictLoop() {
	const sweepInterval = time.Second
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			reg.evictIdle()
		case <-reg.stop:
			return
		}
	}
}

func (reg *Registry) evictIdle() {
	now := time.Now()
	reg.mu.Lock()
	var stale []*Reservation
	for token, r := range reg.byToken {
		r.mu.Lock()
		idle := !r.consumed && now.Sub(r.createdAt) > reg.idleTimeout
		r.mu.Unlock()
		if idle {
			stale = append(stale, r)
			delete(reg.byToken, token)
		}
	}
	reg.mu.Unlock()
	for _, r := range stale {
		r.Close()
	}
}

// Close stops the eviction loop and closes every live reservation.
func (reg *Registry) Close() {
	reg.stopOnce.Do(func() { close(reg.stop) })
	reg.mu.Lock()
	all := make([]*Reservation, 0, len(reg.byToken))
	for _, r := range reg.byToken {
		all = append(all, r)
	}
	reg.byToken = make(map[string]*Reservation)
	reg.mu.Unlock()
	for _, r := range all {
		r.Close()
	}
}
