// Package listeners maps event names to ordered handler lists.
package listeners

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

// Wildcard receives every dispatched frame, after the name-specific handlers.
const Wildcard = "*"

var ErrHandlerPanic = errors.New("listener panicked")

// Frame is one named event as it came off the wire. It is not retained after dispatch.
type Frame struct {
	Name    string
	ID      string
	Payload []byte
}

// Handler processes a frame. A returned error is reported but does not stop
// the remaining handlers.
type Handler func(Frame) error

// Handle identifies one registration; it is what Remove takes.
type Handle uint64

// ErrorReporter is told about every failing handler individually.
type ErrorReporter func(frame Frame, handle Handle, err error)

type registration struct {
	handle  Handle
	handler Handler
}

// Registry is owned by exactly one producer (a connection or a client) and
// is never shared between them.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]registration
	nextID   Handle
	logger   *zap.Logger
	report   ErrorReporter
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		handlers: make(map[string][]registration),
		logger:   logger,
	}
}

// SetErrorReporter hands handler failures to fn instead of the log; nil
// restores logging.
func (r *Registry) SetErrorReporter(fn ErrorReporter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.report = fn
}

// Add registers handler for name and returns its handle.
func (r *Registry) Add(name string, handler Handler) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	h := r.nextID
	r.handlers[name] = append(r.handlers[name], registration{handle: h, handler: handler})
	return h
}

// Remove unregisters handle from name. It reports whether anything was removed.
func (r *Registry) Remove(name string, handle Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	regs := r.handlers[name]
	for i, reg := range regs {
		if reg.handle != handle {
			continue
		}
		next := make([]registration, 0, len(regs)-1)
		next = append(next, regs[:i]...)
		next = append(next, regs[i+1:]...)
		if len(next) == 0 {
			delete(r.handlers, name)
		} else {
			r.handlers[name] = next
		}
		return true
	}
	return false
}

// Dispatch calls every handler registered for frame.Name in registration
// order, then the wildcard handlers. Handlers added or removed during a
// dispatch take effect from the next one.
func (r *Registry) Dispatch(frame Frame) {
	r.mu.RLock()
	specific := r.handlers[frame.Name]
	var wildcard []registration
	if frame.Name != Wildcard {
		wildcard = r.handlers[Wildcard]
	}
	report := r.report
	r.mu.RUnlock()

	for _, reg := range specific {
		r.call(reg, frame, report)
	}
	for _, reg := range wildcard {
		r.call(reg, frame, report)
	}
}

func (r *Registry) call(reg registration, frame Frame, report ErrorReporter) {
	err := safeCall(reg.handler, frame)
	if err == nil {
		return
	}
	if report != nil {
		report(frame, reg.handle, err)
		return
	}
	r.logger.Warn("Listener failed",
		zap.String("event", frame.Name),
		zap.Uint64("handle", uint64(reg.handle)),
		zap.Error(err))
}

func safeCall(handler Handler, frame Frame) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrHandlerPanic, rec, debug.Stack())
		}
	}()
	return handler(frame)
}

// Clear removes every registration.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = make(map[string][]registration)
}

// Len returns the total number of registrations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, regs := range r.handlers {
		count += len(regs)
	}
	return count
}
