// Package lockorder instruments the daemon's fixed lock acquisition
// order (slot semaphore, KIM lock, local-id store lock, backend mutex)
// so concurrency tests can assert the discipline is actually followed
// rather than trusting the convention. It is a no-op unless a
// test attaches a recorder to the request context with WithRecorder;
// production code paths that call Enter/Exit on a bare context pay only
// the cost of one map lookup that misses.
package lockorder

import (
	"context"
	"fmt"
)

// Level names a rung in the locking ladder. A goroutine must never
// acquire a lower-numbered Level while holding a higher one.
type Level int

const (
	SlotSemaphore Level = iota
	KIMLock
	LocalIDStoreLock
	BackendMutex
)

func (l Level) String() string {
	switch l {
	case SlotSemaphore:
		return "slot-semaphore"
	case KIMLock:
		return "kim-lock"
	case LocalIDStoreLock:
		return "local-id-store-lock"
	case BackendMutex:
		return "backend-mutex"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

type ctxKey struct{}

// trail is one goroutine's in-progress acquisition stack, scoped to the
// context a test threads through a single call chain.
type trail struct {
	held []Level
}

// WithRecorder attaches an empty acquisition trail to ctx. Callers that
// want order violations surfaced as errors (rather than silently ignored)
// must derive their context from one returned here.
func WithRecorder(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, &trail{})
}

// Enter records the acquisition of level. It returns an error if level is
// lower in the ladder than a lock already held on this trail — the
// ordering violation that risks deadlock. Safe to call on a context with no
// recorder attached: it is then a no-op, matching production use where
// no test is watching.
func Enter(ctx context.Context, level Level) error {
	t, ok := ctx.Value(ctxKey{}).(*trail)
	if !ok {
		return nil
	}
	for _, held := range t.held {
		if held > level {
			return fmt.Errorf("lock order violation: acquired %s while holding %s", level, held)
		}
	}
	t.held = append(t.held, level)
	return nil
}

// Exit removes the most recent acquisition of level from the trail. It is
// a no-op on a context with no recorder attached.
func Exit(ctx context.Context, level Level) {
	t, ok := ctx.Value(ctxKey{}).(*trail)
	if !ok {
		return
	}
	for i := len(t.held) - 1; i >= 0; i-- {
		if t.held[i] == level {
			t.held = append(t.held[:i], t.held[i+1:]...)
			return
		}
	}
}
