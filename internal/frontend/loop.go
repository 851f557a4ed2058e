package frontend

import (
	"encoding/binary"
	"fmt"

	"github.com/daedaluz/mbedhost/internal/dispatch"
	"github.com/daedaluz/mbedhost/internal/herrors"
	"github.com/daedaluz/mbedhost/internal/wire"
)

// Channel is the byte-stream surface Run needs: exact-length reads and
// writes, as implemented by internal/serialport.Port and its pty
// loopback pair.
type Channel interface {
	wire.Reader
	wire.Writer
}

// Run drives ch end to end: synchronize on the two-'{' marker, then serve
// PUSH/EXECUTE frames until the target EXITs, the stream desynchronizes
// past recovery (DEAD), or ch itself errors. A nil return means the
// target exited (StatusExited, with c.ExitCode set); every transition to
// StatusDead returns the error that caused it.
func (c *Context) Run(ch Channel) error {
	if err := wire.Sync(ch, func(b byte) {
		c.Log.Debug("frontend: discarding boot noise byte", "byte", b)
	}); err != nil {
		c.Status = StatusDead
		return err
	}

	for {
		hdr, err := wire.ReadHeader(ch)
		if err != nil {
			c.Status = StatusDead
			return err
		}
		switch hdr.Type {
		case wire.MsgPush:
			if err := c.handlePush(ch, hdr); err != nil {
				return err
			}
		case wire.MsgExecute:
			done, err := c.handleExecute(ch, hdr)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		default:
			c.Status = StatusDead
			return fmt.Errorf("frontend: unsynchronized stream: unknown message type %q", hdr.Type)
		}
	}
}

// handlePush allocates hdr.Value bytes via c.Allocate and, on success,
// reads the payload and pushes it. Allocation failure (spec.md §4.F step
// 2) is deferred rather than reported immediately: the payload bytes are
// still drained from the wire to keep the channel synchronized, the item
// is discarded, and the channel enters StatusOutOfMemory so the next
// EXECUTE answers ALLOC_FAILED instead of dispatching.
func (c *Context) handlePush(ch Channel, hdr wire.Header) error {
	if hdr.Value > wire.MaxStringLength {
		c.Status = StatusDead
		return fmt.Errorf("frontend: push payload too large: %d bytes: %w", hdr.Value, wire.ErrFrameTooLarge)
	}
	item, allocated := c.Allocate(hdr.Value)
	if !allocated {
		c.Status = StatusOutOfMemory
		if err := drain(ch, hdr.Value); err != nil {
			c.Status = StatusDead
			return err
		}
		return nil
	}
	if hdr.Value > 0 {
		if err := ch.ReadFull(item); err != nil {
			c.Status = StatusDead
			return err
		}
	}
	c.Stack.Push(item)
	return nil
}

// drain reads and discards n bytes from ch, in bounded chunks, so a
// failed PUSH allocation doesn't desynchronize the stream.
func drain(ch Channel, n uint32) error {
	buf := make([]byte, 4096)
	for n > 0 {
		chunk := buf
		if uint32(len(chunk)) > n {
			chunk = chunk[:n]
		}
		if err := ch.ReadFull(chunk); err != nil {
			return err
		}
		n -= uint32(len(chunk))
	}
	return nil
}

// handleExecute serves one EXECUTE. If the channel is in StatusOutOfMemory
// (a prior PUSH's allocation failed), dispatch is skipped entirely and the
// reply is the fixed ALLOC_FAILED status, after which the channel returns
// to StatusOK (spec.md §4.F step 3). Otherwise the opcode is dispatched
// normally. The argument stack is always emptied afterward, and the
// method reports whether the channel just reached a terminal state.
func (c *Context) handleExecute(ch Channel, hdr wire.Header) (bool, error) {
	var outcome dispatch.Outcome
	if c.Status == StatusOutOfMemory {
		outcome = dispatch.Outcome{Code: herrors.AllocFailed}
		c.Status = StatusOK
	} else {
		outcome = c.Dispatcher.Dispatch(hdr.Value, c.Stack)
	}
	c.Stack.PopAll()

	if err := sendOutcome(ch, outcome); err != nil {
		c.Status = StatusDead
		return false, err
	}

	if outcome.Exit {
		c.Status = StatusExited
		c.ExitCode = outcome.ExitCode
		return true, nil
	}
	return false, nil
}

// sendOutcome writes the 4-byte status code RESULT first, then each
// output as its own RESULT frame in output-index order (spec.md §5:
// "the host sends the status RESULT first, then its data RESULTs in
// output-index order"). On failure outcome.Outputs is always empty
// (Dispatch clears it), so exactly one RESULT frame goes out: the
// status code.
func sendOutcome(w wire.Writer, outcome dispatch.Outcome) error {
	var codeBuf [4]byte
	binary.BigEndian.PutUint32(codeBuf[:], uint32(outcome.Code))
	if err := wire.WriteResult(w, codeBuf[:]); err != nil {
		return err
	}
	for _, item := range outcome.Outputs {
		if err := wire.WriteResult(w, item); err != nil {
			return err
		}
	}
	return nil
}
