// Package registry owns the handler load/reload lifecycle.
//
// Each function has one slot holding either no handler, a load in
// flight, or a loaded handler tagged with a generation counter. At most
// one load runs per function at any time: concurrent resolvers of an
// unloaded function collapse onto a single load and all observe its
// outcome. Unrelated functions are guarded independently; there is no
// global lock on the hot path.
package registry

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/fauxgate/fauxgate/internal/runtime"
)

// Loader produces a fresh handler for the named function.
type Loader func(ctx context.Context, name string) (*runtime.Handler, error)

// Registry maps function names to their currently loaded handlers.
type Registry struct {
	mu    sync.Mutex
	slots map[string]*slot

	load Loader
	log  zerolog.Logger

	// onReload, when set, observes load outcomes (metrics hook).
	onReload func(name string, err error)
}

// slot is the per-function handler state.
type slot struct {
	mu sync.Mutex

	handler     *runtime.Handler
	generation  uint64
	inflight    *inflightLoad
	invalidated bool
}

// inflightLoad is a single shared load operation. done is closed once
// handler/err are populated; every waiter observes the same outcome.
type inflightLoad struct {
	done    chan struct{}
	handler *runtime.Handler
	err     error
}

// New creates a registry backed by the given loader.
func New(load Loader, log zerolog.Logger) *Registry {
	return &Registry{
		slots: make(map[string]*slot),
		load:  load,
		log:   log.With().Str("component", "registry").Logger(),
	}
}

// OnReload sets a hook observing every load outcome.
func (r *Registry) OnReload(fn func(name string, err error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReload = fn
}

// Resolve returns the current handler for the function, loading it
// first if the slot is unloaded or invalidated. When a load is already
// in flight, the caller waits for that load rather than starting a
// duplicate. A failed load leaves the slot unloaded so the next call
// retries, and the failure is returned to every waiter.
func (r *Registry) Resolve(ctx context.Context, name string) (*runtime.Handler, error) {
	s := r.slot(name)

	s.mu.Lock()
	if fl := s.inflight; fl != nil {
		s.mu.Unlock()
		select {
		case <-fl.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return fl.handler, fl.err
	}

	if s.handler != nil && !s.invalidated {
		h := s.handler
		s.mu.Unlock()
		return h, nil
	}

	// Unloaded or invalidated: this caller performs the load.
	fl := &inflightLoad{done: make(chan struct{})}
	s.inflight = fl
	s.invalidated = false
	s.mu.Unlock()

	handler, err := r.load(ctx, name)

	s.mu.Lock()
	fl.handler, fl.err = handler, err
	if err != nil {
		s.handler = nil
	} else {
		s.handler = handler
		s.generation++
	}
	s.inflight = nil
	reloadQueued := s.invalidated
	generation := s.generation
	s.mu.Unlock()
	close(fl.done)

	if err != nil {
		r.log.Warn().Err(err).Str("function", name).Msg("handler load failed")
	} else {
		r.log.Debug().Str("function", name).Uint64("generation", generation).
			Msg("handler loaded")
	}
	r.notifyReload(name, err)

	// An invalidation arrived while the load ran; schedule the fresh
	// reload now instead of waiting for the next request.
	if reloadQueued {
		go func() {
			if _, rerr := r.Resolve(context.Background(), name); rerr != nil {
				r.log.Warn().Err(rerr).Str("function", name).Msg("queued reload failed")
			}
		}()
	}

	return handler, err
}

// Invalidate marks the function's handler stale. If a load is in
// flight it is not interrupted; a follow-up reload is scheduled when it
// completes. If the slot is idle, the next Resolve performs the reload.
func (r *Registry) Invalidate(name string) {
	s := r.slot(name)
	s.mu.Lock()
	s.invalidated = true
	s.mu.Unlock()
}

// Generation returns the slot's generation counter: the number of
// successful loads for the function.
func (r *Registry) Generation(name string) uint64 {
	s := r.slot(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Loaded reports whether the function currently has a loaded handler.
func (r *Registry) Loaded(name string) bool {
	s := r.slot(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler != nil && !s.invalidated
}

func (r *Registry) slot(name string) *slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[name]
	if !ok {
		s = &slot{}
		r.slots[name] = s
	}
	return s
}

func (r *Registry) notifyReload(name string, err error) {
	r.mu.Lock()
	fn := r.onReload
	r.mu.Unlock()
	if fn != nil {
		fn(name, err)
	}
}
