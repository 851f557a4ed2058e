// Package frontend drives one channel end to end: the handshake
// preamble, the read/dispatch loop, and the channel's four-state status
// machine (OK, OUT_OF_MEMORY, EXITED, DEAD).
package frontend

import (
	"github.com/daedaluz/mbedhost/internal/argstack"
	"github.com/daedaluz/mbedhost/internal/dispatch"
	"github.com/daedaluz/mbedhost/internal/logging"
)

// Status is the channel's lifecycle state.
type Status int

const (
	StatusOK Status = iota
	StatusOutOfMemory
	StatusExited
	StatusDead
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusOutOfMemory:
		return "OUT_OF_MEMORY"
	case StatusExited:
		return "EXITED"
	case StatusDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Context is one channel's accumulated state across PUSH/EXECUTE frames:
// its argument stack, its dispatcher, and its lifecycle status.
type Context struct {
	Stack      *argstack.Stack
	Dispatcher *dispatch.Dispatcher
	Log        *logging.Logger

	// Allocate reserves the backing buffer for one PUSH payload of n
	// bytes, returning (buf, false) to signal allocation failure. The
	// default always succeeds, matching a real host where a sub-1MiB
	// make() practically never fails; tests override it to exercise the
	// spec's PUSH-allocation-failure recovery path (spec.md §8 scenario
	// 6) without needing to actually exhaust host memory.
	Allocate func(n uint32) ([]byte, bool)

	Status   Status
	ExitCode uint32
}

// NewContext builds a fresh channel context in StatusOK.
func NewContext(disp *dispatch.Dispatcher, log *logging.Logger) *Context {
	if log == nil {
		log = logging.Default()
	}
	return &Context{
		Stack:      &argstack.Stack{},
		Dispatcher: disp,
		Log:        log,
		Allocate:   defaultAllocate,
		Status:     StatusOK,
	}
}

func defaultAllocate(n uint32) ([]byte, bool) {
	return make([]byte, n), true
}
