// Package stage provides the invocation stage: the result of an in-flight command
// that is either already resolved (a value or an error) or pending until some other
// goroutine completes it.
//
// Continuations attached to a resolved stage run inline on the calling goroutine.
// Continuations attached to a pending stage run on the goroutine that completes it,
// typically a transport, store or lock-timer goroutine. Nothing in this package
// blocks except Get, which is meant for the outermost synchronous caller.
//
// Example:
//
//	st := next.Invoke(ctx, cmd).ThenApply(func(v any) (any, error) {
//	    return transform(v), nil
//	})
//	v, err := st.Get(goctx)
package stage

import (
	"context"
	"errors"
	"sync"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
)

// Stage is a single-assignment result with attachable continuations.
// The zero value is not usable; build stages with Completed, Failed, New or From.
type Stage struct {
	mu        sync.Mutex
	done      bool
	value     any
	err       error
	callbacks []func(any, error)
}

// Completed returns a stage already resolved with v.
func Completed(v any) *Stage { return &Stage{done: true, value: v} }

// Failed returns a stage already resolved with err.
func Failed(err error) *Stage { return &Stage{done: true, err: err} }

// New returns a pending stage. Resolve it once with Complete.
func New() *Stage { return &Stage{} }

// From resolves (v, err) into a stage. A *Stage value is returned as is, which is how
// continuations returning stages get flattened.
func From(v any, err error) *Stage {
	if err != nil {
		return Failed(err)
	}

	if st, ok := v.(*Stage); ok && st != nil {
		return st
	}

	return Completed(v)
}

// Complete resolves a pending stage. Only the first call has an effect; it reports
// whether this call resolved the stage. Registered continuations run on the caller's
// goroutine, in registration order.
func (s *Stage) Complete(v any, err error) bool {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()

		return false
	}

	s.done = true
	s.value, s.err = v, err
	callbacks := s.callbacks
	s.callbacks = nil
	s.mu.Unlock()

	for _, cb := range callbacks {
		cb(v, err)
	}

	return true
}

// IsDone reports whether the stage has a terminal outcome.
func (s *Stage) IsDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.done
}

// Get waits for the outcome. It is the only blocking call in the package.
func (s *Stage) Get(ctx context.Context) (any, error) {
	s.mu.Lock()
	if s.done {
		v, err := s.value, s.err
		s.mu.Unlock()

		return v, err
	}

	ch := make(chan struct{})
	s.callbacks = append(s.callbacks, func(any, error) { close(ch) })
	s.mu.Unlock()

	select {
	case <-ch:
		s.mu.Lock()
		defer s.mu.Unlock()

		return s.value, s.err
	case <-ctx.Done():
		return nil, ewrap.Wrap(sentinel.ErrTimeoutOrCanceled, ctx.Err().Error())
	}
}

// whenDone runs fn with the outcome, inline when resolved, otherwise on completion.
func (s *Stage) whenDone(fn func(any, error)) {
	s.mu.Lock()
	if !s.done {
		s.callbacks = append(s.callbacks, fn)
		s.mu.Unlock()

		return
	}

	v, err := s.value, s.err
	s.mu.Unlock()

	fn(v, err)
}

// Compose is the general combinator: fn receives the value or the error and decides
// the next stage. A nil stage from fn resolves to a nil value.
func (s *Stage) Compose(fn func(v any, err error) *Stage) *Stage {
	if s.IsDone() {
		v, err := s.value, s.err

		return call(fn, v, err)
	}

	out := New()

	s.whenDone(func(v any, err error) {
		call(fn, v, err).whenDone(func(nv any, nerr error) { out.Complete(nv, nerr) })
	})

	return out
}

// ThenApply runs fn on success only. fn may return a plain value or a *Stage.
func (s *Stage) ThenApply(fn func(v any) (any, error)) *Stage {
	return s.Compose(func(v any, err error) *Stage {
		if err != nil {
			return Failed(err)
		}

		return From(fn(v))
	})
}

// ThenAccept runs fn on success only and keeps the value.
func (s *Stage) ThenAccept(fn func(v any)) *Stage {
	return s.Compose(func(v any, err error) *Stage {
		if err != nil {
			return Failed(err)
		}

		fn(v)

		return Completed(v)
	})
}

// Exceptionally runs fn on failure only. fn may recover with a value or return an error.
func (s *Stage) Exceptionally(fn func(err error) (any, error)) *Stage {
	return s.Compose(func(v any, err error) *Stage {
		if err == nil {
			return Completed(v)
		}

		return From(fn(err))
	})
}

// Handle runs fn on both paths. On success fn may replace the value or fail the stage.
// On failure the original error always survives; an error from fn is joined to it.
func (s *Stage) Handle(fn func(v any, err error) (any, error)) *Stage {
	return s.Compose(func(v any, err error) *Stage {
		nv, nerr := fn(v, err)
		if err != nil {
			return Failed(join(err, nerr))
		}

		return From(nv, nerr)
	})
}

// AndFinally runs fn on both paths for its side effect. The outcome passes through
// unchanged unless fn itself fails.
func (s *Stage) AndFinally(fn func(v any, err error) error) *Stage {
	return s.Compose(func(v any, err error) *Stage {
		ferr := fn(v, err)
		if err != nil {
			return Failed(join(err, ferr))
		}

		if ferr != nil {
			return Failed(ferr)
		}

		return Completed(v)
	})
}

// AllOf resolves once every stage resolved. The value is the slice of values in
// argument order; the error joins every failure.
func AllOf(stages ...*Stage) *Stage {
	if len(stages) == 0 {
		return Completed([]any{})
	}

	var (
		mu      sync.Mutex
		pending = len(stages)
		values  = make([]any, len(stages))
		errs    []error
		out     = New()
	)

	for i, st := range stages {
		st.whenDone(func(v any, err error) {
			mu.Lock()

			values[i] = v
			if err != nil {
				errs = append(errs, err)
			}

			pending--
			last := pending == 0
			mu.Unlock()

			if last {
				out.Complete(values, errors.Join(errs...))
			}
		})
	}

	return out
}

// call invokes a continuation, turning a panic into a failed stage.
func call(fn func(any, error) *Stage, v any, err error) (st *Stage) {
	defer func() {
		if r := recover(); r != nil {
			st = Failed(ewrap.Newf("stage continuation panicked: %v", r))
		}
	}()

	st = fn(v, err)
	if st == nil {
		st = Completed(nil)
	}

	return st
}

func join(primary, secondary error) error {
	if secondary == nil || errors.Is(primary, secondary) {
		return primary
	}

	return errors.Join(primary, secondary)
}
