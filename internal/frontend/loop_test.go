package frontend_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/daedaluz/mbedhost/internal/dispatch"
	"github.com/daedaluz/mbedhost/internal/frontend"
	"github.com/daedaluz/mbedhost/internal/herrors"
	"github.com/daedaluz/mbedhost/internal/logging"
	"github.com/daedaluz/mbedhost/internal/netcap"
	"github.com/daedaluz/mbedhost/internal/serialport"
	"github.com/daedaluz/mbedhost/internal/wire"
)

// errInjected is the fixed error failChannel returns at its configured
// call count, standing in for a real serial-port I/O error.
var errInjected = errors.New("frontend_test: injected channel failure")

// failChannel wraps a real channel (the pty loopback's slave end) and
// fails its Nth ReadFull or WriteAll call with errInjected, letting tests
// simulate the channel-fatal I/O errors spec.md §3/§4.F require transition
// the context to StatusDead. A count of 0 disables failure on that side.
type failChannel struct {
	inner       serialport.Channel
	reads       int
	writes      int
	failReadAt  int
	failWriteAt int
}

func (f *failChannel) ReadFull(buf []byte) error {
	f.reads++
	if f.failReadAt != 0 && f.reads == f.failReadAt {
		return errInjected
	}
	return f.inner.ReadFull(buf)
}

func (f *failChannel) WriteAll(buf []byte) error {
	f.writes++
	if f.failWriteAt != 0 && f.writes == f.failWriteAt {
		return errInjected
	}
	return f.inner.WriteAll(buf)
}

// newLoopback returns a connected pty master/slave pair to stand in for
// the real serial channel: ctx.Run drives one end while the test drives
// the other, exactly as the real host and target would.
func newLoopback(t *testing.T) (*serialport.Port, *serialport.Port) {
	master, slave, err := serialport.OpenPTY(nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		master.Close()
		slave.Close()
	})
	// A fresh pty slave is in canonical mode with echo; put it in raw mode
	// like the real serial channel so bytes pass through unaltered.
	require.NoError(t, slave.MakeRaw())
	return master, slave
}

func newTestContext() *frontend.Context {
	disp := dispatch.New(netcap.Host{}, logging.Default())
	return frontend.NewContext(disp, logging.Default())
}

func writeHeader(t *testing.T, w wire.Writer, typ wire.MsgType, value uint32) {
	require.NoError(t, wire.WriteHeader(w, wire.Header{Type: typ, Value: value}))
}

// pushItem sends one PUSH frame carrying item, as the target would before
// an EXECUTE.
func pushItem(t *testing.T, w wire.Writer, item []byte) {
	writeHeader(t, w, wire.MsgPush, uint32(len(item)))
	if len(item) > 0 {
		require.NoError(t, w.WriteAll(item))
	}
}

func readResult(t *testing.T, ch serialport.Channel) []byte {
	hdr, err := wire.ReadHeader(ch)
	require.NoError(t, err)
	require.Equal(t, wire.MsgResult, hdr.Type)
	buf := make([]byte, hdr.Value)
	if hdr.Value > 0 {
		require.NoError(t, ch.ReadFull(buf))
	}
	return buf
}

func readStatus(t *testing.T, ch serialport.Channel) herrors.Code {
	buf := readResult(t, ch)
	require.Len(t, buf, 4)
	return herrors.Code(binary.BigEndian.Uint32(buf))
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func nulTerminated(s string) []byte {
	return append([]byte(s), 0)
}

func TestRunEchoRoundTrip(t *testing.T) {
	master, slave := newLoopback(t)
	ctx := newTestContext()

	done := make(chan error, 1)
	go func() { done <- ctx.Run(slave) }()

	require.NoError(t, master.WriteAll([]byte("{{")))

	payload := []byte("hi")
	pushItem(t, master, payload)
	writeHeader(t, master, wire.MsgExecute, uint32(dispatch.OpEcho))

	require.Equal(t, herrors.OK, readStatus(t, master))
	require.Equal(t, payload, readResult(t, master))

	pushItem(t, master, u32(0))
	writeHeader(t, master, wire.MsgExecute, uint32(dispatch.OpExit))
	require.Equal(t, herrors.OK, readStatus(t, master))

	require.NoError(t, <-done)
	require.Equal(t, frontend.StatusExited, ctx.Status)
}

func TestRunExitReportsExitCodeOnContext(t *testing.T) {
	master, slave := newLoopback(t)
	ctx := newTestContext()

	done := make(chan error, 1)
	go func() { done <- ctx.Run(slave) }()

	require.NoError(t, master.WriteAll([]byte("{{")))
	pushItem(t, master, u32(42))
	writeHeader(t, master, wire.MsgExecute, uint32(dispatch.OpExit))
	require.Equal(t, herrors.OK, readStatus(t, master))

	require.NoError(t, <-done)
	require.Equal(t, frontend.StatusExited, ctx.Status)
	require.Equal(t, uint32(42), ctx.ExitCode)
}

func TestRunArityUnderflowReturnsBadInputAndContinues(t *testing.T) {
	master, slave := newLoopback(t)
	ctx := newTestContext()

	done := make(chan error, 1)
	go func() { done <- ctx.Run(slave) }()

	require.NoError(t, master.WriteAll([]byte("{{")))

	// OpSocket needs 3 arguments; push only one.
	pushItem(t, master, []byte("lonely"))
	writeHeader(t, master, wire.MsgExecute, uint32(dispatch.OpSocket))
	require.Equal(t, herrors.BadInput, readStatus(t, master))
	require.Equal(t, frontend.StatusOK, ctx.Status)

	// The channel must still be usable afterward.
	pushItem(t, master, []byte("ok"))
	writeHeader(t, master, wire.MsgExecute, uint32(dispatch.OpEcho))
	require.Equal(t, herrors.OK, readStatus(t, master))
	require.Equal(t, []byte("ok"), readResult(t, master))

	pushItem(t, master, u32(0))
	writeHeader(t, master, wire.MsgExecute, uint32(dispatch.OpExit))
	readStatus(t, master)
	<-done
}

func TestRunSyncRecoversFromBootNoise(t *testing.T) {
	master, slave := newLoopback(t)
	ctx := newTestContext()

	done := make(chan error, 1)
	go func() { done <- ctx.Run(slave) }()

	require.NoError(t, master.WriteAll([]byte("garbled boot log\x00\x01{")))
	require.NoError(t, master.WriteAll([]byte("{")))

	pushItem(t, master, []byte("post-sync"))
	writeHeader(t, master, wire.MsgExecute, uint32(dispatch.OpEcho))
	require.Equal(t, herrors.OK, readStatus(t, master))
	require.Equal(t, []byte("post-sync"), readResult(t, master))

	pushItem(t, master, u32(0))
	writeHeader(t, master, wire.MsgExecute, uint32(dispatch.OpExit))
	readStatus(t, master)
	<-done
}

// TestRunHandleExhaustion exercises spec.md §8 scenario 5: the 101st FOPEN
// on an exhausted handle table returns BAD_OUTPUT (no free slot), with the
// channel remaining StatusOK throughout — handle-table exhaustion is a
// per-call resource error, not the PUSH-allocation-failure path that drives
// StatusOutOfMemory. Closing one handle then allows a further FOPEN to
// succeed.
func TestRunHandleExhaustion(t *testing.T) {
	master, slave := newLoopback(t)
	ctx := newTestContext()

	done := make(chan error, 1)
	go func() { done <- ctx.Run(slave) }()

	require.NoError(t, master.WriteAll([]byte("{{")))

	dir := t.TempDir()
	path := dir + "/reused.txt"

	var lastHandle []byte
	for i := 0; i < 100; i++ {
		pushItem(t, master, nulTerminated(path))
		pushItem(t, master, nulTerminated("w"))
		writeHeader(t, master, wire.MsgExecute, uint32(dispatch.OpFopen))
		require.Equal(t, herrors.OK, readStatus(t, master))
		lastHandle = readResult(t, master)
		require.Equal(t, frontend.StatusOK, ctx.Status)
	}
	require.Len(t, lastHandle, 4)

	pushItem(t, master, nulTerminated(path))
	pushItem(t, master, nulTerminated("w"))
	writeHeader(t, master, wire.MsgExecute, uint32(dispatch.OpFopen))
	require.Equal(t, herrors.BadOutput, readStatus(t, master))
	require.Equal(t, frontend.StatusOK, ctx.Status)

	// Closing one handle frees a slot, allowing a further FOPEN to succeed.
	pushItem(t, master, lastHandle)
	writeHeader(t, master, wire.MsgExecute, uint32(dispatch.OpFclose))
	require.Equal(t, herrors.OK, readStatus(t, master))

	pushItem(t, master, nulTerminated(path))
	pushItem(t, master, nulTerminated("w"))
	writeHeader(t, master, wire.MsgExecute, uint32(dispatch.OpFopen))
	require.Equal(t, herrors.OK, readStatus(t, master))
	readResult(t, master)

	pushItem(t, master, u32(0))
	writeHeader(t, master, wire.MsgExecute, uint32(dispatch.OpExit))
	readStatus(t, master)
	<-done
}

// TestRunPushAllocationFailureRecovers exercises spec.md §8 scenario 6: a
// PUSH whose allocation fails is drained (not desynchronizing the stream),
// the next EXECUTE answers ALLOC_FAILED without dispatching, and the
// channel is back to normal service immediately after.
func TestRunPushAllocationFailureRecovers(t *testing.T) {
	master, slave := newLoopback(t)
	ctx := newTestContext()
	failNext := true
	ctx.Allocate = func(n uint32) ([]byte, bool) {
		if failNext {
			failNext = false
			return nil, false
		}
		return make([]byte, n), true
	}

	done := make(chan error, 1)
	go func() { done <- ctx.Run(slave) }()

	require.NoError(t, master.WriteAll([]byte("{{")))

	pushItem(t, master, make([]byte, 1<<20))

	pushItem(t, master, []byte("x"))
	writeHeader(t, master, wire.MsgExecute, uint32(dispatch.OpEcho))
	require.Equal(t, herrors.AllocFailed, readStatus(t, master))

	// Channel is back to OK: a fresh PUSH/EXECUTE(ECHO) pair succeeds.
	pushItem(t, master, []byte("recovered"))
	writeHeader(t, master, wire.MsgExecute, uint32(dispatch.OpEcho))
	require.Equal(t, herrors.OK, readStatus(t, master))
	require.Equal(t, []byte("recovered"), readResult(t, master))

	pushItem(t, master, u32(0))
	writeHeader(t, master, wire.MsgExecute, uint32(dispatch.OpExit))
	readStatus(t, master)
	<-done
}

// TestRunHeaderReadFailureSetsDead exercises spec.md §4.F step 1 / §3: an
// I/O error reading a header is channel-fatal, and the context must land
// in StatusDead so cmd/mbedhost's exit-code switch can observe it.
func TestRunHeaderReadFailureSetsDead(t *testing.T) {
	master, slave := newLoopback(t)
	ctx := newTestContext()
	fail := &failChannel{inner: slave, failReadAt: 3} // 2 sync reads, then the header read

	done := make(chan error, 1)
	go func() { done <- ctx.Run(fail) }()

	require.NoError(t, master.WriteAll([]byte("{{")))

	err := <-done
	require.ErrorIs(t, err, errInjected)
	require.Equal(t, frontend.StatusDead, ctx.Status)
}

// TestRunPushPayloadReadFailureSetsDead exercises the same rule for a
// failure reading a PUSH's payload bytes (also channel I/O, not a protocol
// status): the channel must go StatusDead, not stay StatusOK.
func TestRunPushPayloadReadFailureSetsDead(t *testing.T) {
	master, slave := newLoopback(t)
	ctx := newTestContext()
	fail := &failChannel{inner: slave, failReadAt: 4} // 2 sync reads, the PUSH header, then the payload

	done := make(chan error, 1)
	go func() { done <- ctx.Run(fail) }()

	require.NoError(t, master.WriteAll([]byte("{{")))
	pushItem(t, master, []byte("hi"))

	err := <-done
	require.ErrorIs(t, err, errInjected)
	require.Equal(t, frontend.StatusDead, ctx.Status)
}

// TestRunSendResultFailureSetsDead exercises spec.md §4.F step 3's "if any
// send fails, set DEAD" for the RESULT write path.
func TestRunSendResultFailureSetsDead(t *testing.T) {
	master, slave := newLoopback(t)
	ctx := newTestContext()
	fail := &failChannel{inner: slave, failWriteAt: 1} // the status RESULT's header write

	done := make(chan error, 1)
	go func() { done <- ctx.Run(fail) }()

	require.NoError(t, master.WriteAll([]byte("{{")))
	pushItem(t, master, []byte("x"))
	writeHeader(t, master, wire.MsgExecute, uint32(dispatch.OpEcho))

	err := <-done
	require.ErrorIs(t, err, errInjected)
	require.Equal(t, frontend.StatusDead, ctx.Status)
}
