package registry

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/paynet/iso-fep/internal/iso8583"
)

// ErrOverloaded is returned by Register when the registry is already at its
// soft cap of concurrently outstanding entries.
var ErrOverloaded = &overloadedError{}

type overloadedError struct{}

func (*overloadedError) Error() string { return "registry: soft cap reached, overloaded" }

// Result is what an entry's future resolves to: exactly one of Message or
// Err is set.
type Result struct {
	Message *iso8583.Message
	Err     error
}

// entry is the internal bookkeeping for one outstanding request. Resolution
// happens at most once, guarded by once.
type entry struct {
	key           string
	channelOrigin string
	registeredAt  time.Time
	deadline      time.Time
	ch            chan Result
	timer         *time.Timer
	once          sync.Once
}

func (e *entry) resolve(r Result) bool {
	resolved := false
	e.once.Do(func() {
		resolved = true
		if e.timer != nil {
			e.timer.Stop()
		}
		e.ch <- r
		close(e.ch)
	})
	return resolved
}

// Future is the caller-facing handle for a registered request.
type Future struct {
	r *Registry
	e *entry
}

// Wait blocks until the entry resolves, ctx is cancelled, or the registry
// entry's own deadline elapses (whichever comes first). A ctx cancellation
// removes the registry entry the same way an explicit Cancel would.
func (f *Future) Wait(ctx context.Context) (*iso8583.Message, error) {
	select {
	case res, ok := <-f.e.ch:
		if !ok {
			return nil, ErrShutdown
		}
		return res.Message, res.Err
	case <-ctx.Done():
		f.r.Cancel(f.e.key, ctx.Err())
		return nil, ctx.Err()
	}
}

// Cancel removes the future's entry with cause, a convenience wrapper
// equivalent to calling Registry.Cancel directly.
func (f *Future) Cancel(cause error) {
	f.r.Cancel(f.e.key, cause)
}

// Stats is a snapshot of registry counters.
type Stats struct {
	Registered     int64
	Completed      int64
	TimedOut       int64
	Cancelled      int64
	CurrentPending int
}

// Registry is the concurrent trace-to-completion-handle map. The zero value
// is not usable; construct with New.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry

	softCap int

	registered int64
	completed  int64
	timedOut   int64
	cancelled  int64
}

// New builds a Registry with the given soft cap on concurrently outstanding
// entries. softCap <= 0 means unbounded.
func New(softCap int) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		softCap: softCap,
	}
}

// Register creates a new pending entry for key with the given absolute
// deadline and channel origin, returning a Future the caller awaits. Fails
// with ErrDuplicateKey if key already has a live entry, or ErrOverloaded if
// the soft cap is reached.
func (r *Registry) Register(key string, deadline time.Time, channelOrigin string) (*Future, error) {
	r.mu.Lock()
	if r.softCap > 0 && len(r.entries) >= r.softCap {
		r.mu.Unlock()
		return nil, ErrOverloaded
	}
	if _, exists := r.entries[key]; exists {
		r.mu.Unlock()
		return nil, ErrDuplicateKey
	}

	e := &entry{
		key:           key,
		channelOrigin: channelOrigin,
		registeredAt:  time.Now(),
		deadline:      deadline,
		ch:            make(chan Result, 1),
	}
	r.entries[key] = e
	r.registered++
	r.mu.Unlock()

	delay := time.Until(deadline)
	if delay < 0 {
		delay = 0
	}
	e.timer = time.AfterFunc(delay, func() {
		r.expire(key)
	})

	return &Future{r: r, e: e}, nil
}

// Complete resolves key's entry with msg if present, returning whether a
// matching entry existed. A false return means msg is unsolicited.
func (r *Registry) Complete(key string, msg *iso8583.Message) bool {
	r.mu.Lock()
	e, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	if e.resolve(Result{Message: msg}) {
		r.mu.Lock()
		r.completed++
		r.mu.Unlock()
		return true
	}
	return false
}

// Cancel removes key's entry, if present, and resolves it with cause.
// Idempotent: cancelling an already-resolved or absent key is a no-op.
func (r *Registry) Cancel(key string, cause error) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if e.resolve(Result{Err: &CancelledError{Cause: cause}}) {
		r.mu.Lock()
		r.cancelled++
		r.mu.Unlock()
	}
}

// CancelAll cancels every currently pending entry with cause, used on
// connection teardown per the failure policy in effect.
func (r *Registry) CancelAll(cause error) {
	r.mu.Lock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	r.mu.Unlock()

	for _, k := range keys {
		r.Cancel(k, cause)
	}
}

// expire fires when an entry's deadline elapses without a matching Complete.
func (r *Registry) expire(key string) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if e.resolve(Result{Err: ErrTimeout}) {
		r.mu.Lock()
		r.timedOut++
		r.mu.Unlock()
		log.Printf("registry: entry %s timed out after %s", key, time.Since(e.registeredAt))
	}
}

// Has reports whether key currently has a live entry, used by callers doing
// their own trace assignment to probe for collisions before Register.
func (r *Registry) Has(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[key]
	return ok
}

// Statistics returns a snapshot of the registry's counters.
func (r *Registry) Statistics() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Registered:     r.registered,
		Completed:      r.completed,
		TimedOut:       r.timedOut,
		Cancelled:      r.cancelled,
		CurrentPending: len(r.entries),
	}
}
