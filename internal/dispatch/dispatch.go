package dispatch

import (
	"time"

	"github.com/daedaluz/mbedhost/internal/argstack"
	"github.com/daedaluz/mbedhost/internal/fscap"
	"github.com/daedaluz/mbedhost/internal/handles"
	"github.com/daedaluz/mbedhost/internal/herrors"
	"github.com/daedaluz/mbedhost/internal/logging"
	"github.com/daedaluz/mbedhost/internal/netcap"
	"github.com/daedaluz/mbedhost/internal/wire"
)

// Outcome is the result of one dispatched EXECUTE: either a success with
// zero or more output items, a failure carrying only a status code, or an
// exit request.
type Outcome struct {
	Outputs  []argstack.Item
	Code     herrors.Code
	Exit     bool
	ExitCode uint32
}

// MaxOutputs is the dispatcher's output-slot ceiling (spec.md §4.E: "up to
// 16 output item slots").
const MaxOutputs = 16

// Dispatcher holds everything one EXECUTE needs beyond its arguments: the
// handle table and the networking/filesystem capabilities. It is
// channel-scoped, matching spec.md §5 ("instance-scoped to the channel
// context... no external mutator exists, so no locking is required").
type Dispatcher struct {
	Handles *handles.Table
	Net     netcap.Capability
	Log     *logging.Logger

	// socketProto remembers which protocol a bound fd was created with,
	// since ACCEPT's inputs carry only the fd, not the protocol, but the
	// UDP accept-swap convention (Open Question (b)) needs to know it.
	socketProto map[int]netcap.Proto
}

// New builds a Dispatcher over the given capabilities.
func New(net netcap.Capability, log *logging.Logger) *Dispatcher {
	if log == nil {
		log = logging.Default()
	}
	return &Dispatcher{
		Handles:     &handles.Table{},
		Net:         net,
		Log:         log,
		socketProto: make(map[int]netcap.Proto),
	}
}

func badInput() Outcome  { return Outcome{Code: herrors.BadInput} }
func badOutput() Outcome { return Outcome{Code: herrors.BadOutput} }
func ok(outputs ...argstack.Item) Outcome {
	return Outcome{Code: herrors.OK, Outputs: outputs}
}

// Dispatch validates arity and per-argument minimum lengths for raw
// opcode, reads that many items off the top of stack (index 0 = top =
// most recently pushed), invokes the corresponding host operation, and
// returns the Outcome. The caller (internal/frontend) is responsible for
// clearing the argument stack afterward and for dropping Outputs when
// Code != OK, which Dispatch already does defensively below.
func (d *Dispatcher) Dispatch(raw uint32, stack *argstack.Stack) Outcome {
	arity := Arity(raw)
	inputs, ok := stack.Top(arity)
	if !ok {
		return badInput()
	}

	outcome := d.dispatchKnown(Opcode(raw), inputs)
	if outcome.Code != herrors.OK {
		outcome.Outputs = nil
	}
	if len(outcome.Outputs) > MaxOutputs {
		d.Log.Error("dispatch: opcode produced too many outputs", "opcode", raw, "n", len(outcome.Outputs))
		return Outcome{Code: herrors.UnsupportedOutput}
	}
	for _, item := range outcome.Outputs {
		if len(item) > wire.MaxStringLength {
			d.Log.Error("dispatch: opcode produced an oversize output", "opcode", raw, "len", len(item))
			return Outcome{Code: herrors.UnsupportedOutput}
		}
	}
	return outcome
}

func (d *Dispatcher) dispatchKnown(op Opcode, in []argstack.Item) Outcome {
	switch op {
	case OpExit:
		return d.doExit(in)
	case OpEcho:
		return d.doEcho(in)
	case OpUsleep:
		return d.doUsleep(in)
	case OpSocket:
		return d.doSocket(in)
	case OpAccept:
		return d.doAccept(in)
	case OpSetBlock:
		return d.doSetBlock(in)
	case OpRecv:
		return d.doRecv(in)
	case OpSend:
		return d.doSend(in)
	case OpShutdown:
		return d.doShutdown(in)
	case OpFopen:
		return d.doFopen(in)
	case OpFread:
		return d.doFread(in)
	case OpFgets:
		return d.doFgets(in)
	case OpFwrite:
		return d.doFwrite(in)
	case OpFclose:
		return d.doFclose(in)
	case OpFseek:
		return d.doFseek(in)
	case OpFtell:
		return d.doFtell(in)
	case OpFerror:
		return d.doFerror(in)
	case OpDopen:
		return d.doDopen(in)
	case OpDread:
		return d.doDread(in)
	case OpDclose:
		return d.doDclose(in)
	case OpStat:
		return d.doStat(in)
	default:
		return badInput()
	}
}

func (d *Dispatcher) doExit(in []argstack.Item) Outcome {
	code, err := readU32(in[0])
	if err != nil {
		return badInput()
	}
	return Outcome{Exit: true, ExitCode: code}
}

func (d *Dispatcher) doEcho(in []argstack.Item) Outcome {
	b := make(argstack.Item, len(in[0]))
	copy(b, in[0])
	return ok(b)
}

func (d *Dispatcher) doUsleep(in []argstack.Item) Outcome {
	usec, err := readU32(in[0])
	if err != nil {
		return badInput()
	}
	time.Sleep(time.Duration(usec) * time.Microsecond)
	return ok()
}

// socketMode bits within the 16-bit proto_and_mode field. The exact
// layout is externally specified by the target (spec.md Open Question
// (a)); this assignment is this implementation's documented choice,
// recorded in DESIGN.md: bit 0 selects bind(1)/connect(0), bit 1 selects
// UDP(1)/TCP(0).
const (
	socketModeBindBit = 1 << 0
	socketModeUDPBit  = 1 << 1
)

func (d *Dispatcher) doSocket(in []argstack.Item) Outcome {
	host, err := readCStr(in[0])
	if err != nil {
		return badInput()
	}
	port, err := readCStr(in[1])
	if err != nil {
		return badInput()
	}
	mode, err := readU16(in[2])
	if err != nil {
		return badInput()
	}
	proto := netcap.TCP
	if mode&socketModeUDPBit != 0 {
		proto = netcap.UDP
	}

	var fd int
	if mode&socketModeBindBit != 0 {
		fd, err = d.Net.Bind(proto, host, port)
	} else {
		fd, err = d.Net.Connect(proto, host, port)
	}
	if err != nil {
		return badOutput()
	}
	if mode&socketModeBindBit != 0 {
		d.socketProto[fd] = proto
	}
	return ok(putU16(uint16(fd)))
}

func (d *Dispatcher) doAccept(in []argstack.Item) Outcome {
	bindFD, err := readU16(in[0])
	if err != nil {
		return badInput()
	}
	bufSize, err := readU32(in[1])
	if err != nil {
		return badInput()
	}
	proto, known := d.socketProto[int(bindFD)]
	if !known {
		proto = netcap.TCP
	}
	newBindFD, clientFD, peer, err := d.Net.Accept(int(bindFD), proto)
	if err != nil {
		return badOutput()
	}
	if known {
		delete(d.socketProto, int(bindFD))
		d.socketProto[newBindFD] = proto
	}
	ip := []byte(peer)
	if uint32(len(ip)) > bufSize {
		ip = ip[:bufSize]
	}
	return ok(putU16(uint16(newBindFD)), putU16(uint16(clientFD)), ip)
}

func (d *Dispatcher) doSetBlock(in []argstack.Item) Outcome {
	fd, err := readU16(in[0])
	if err != nil {
		return badInput()
	}
	rawMode, err := readU16(in[1])
	if err != nil {
		return badInput()
	}
	var mode netcap.Mode
	switch rawMode {
	case uint16(netcap.Block):
		mode = netcap.Block
	case uint16(netcap.Nonblock):
		mode = netcap.Nonblock
	default:
		return badInput()
	}
	if err := d.Net.SetBlocking(int(fd), mode); err != nil {
		return badOutput()
	}
	return ok()
}

func (d *Dispatcher) doRecv(in []argstack.Item) Outcome {
	fd, err := readU16(in[0])
	if err != nil {
		return badInput()
	}
	length, err := readU32(in[1])
	if err != nil {
		return badInput()
	}
	timeout, err := readU32(in[2])
	if err != nil {
		return badInput()
	}
	buf := make([]byte, length)
	var n int
	if timeout == netcap.TimeoutInfinite {
		n, err = d.Net.Recv(int(fd), buf)
	} else {
		n, err = d.Net.RecvTimeout(int(fd), buf, time.Duration(timeout)*time.Microsecond)
	}
	if err != nil {
		return badOutput()
	}
	return ok(buf[:n])
}

func (d *Dispatcher) doSend(in []argstack.Item) Outcome {
	fd, err := readU16(in[0])
	if err != nil {
		return badInput()
	}
	n, err := d.Net.Send(int(fd), in[1])
	if err != nil {
		return badOutput()
	}
	return ok(putU32(uint32(n)))
}

func (d *Dispatcher) doShutdown(in []argstack.Item) Outcome {
	fd, err := readU16(in[0])
	if err != nil {
		return badInput()
	}
	delete(d.socketProto, int(fd))
	if err := d.Net.Close(int(fd)); err != nil {
		return badOutput()
	}
	return ok()
}

func (d *Dispatcher) doFopen(in []argstack.Item) Outcome {
	mode, err := readCStr(in[0])
	if err != nil {
		return badInput()
	}
	path, err := readCStr(in[1])
	if err != nil {
		return badInput()
	}
	id, err := d.Handles.Allocate(nil)
	if err != nil {
		return badOutput()
	}
	f, err := fscap.Open(path, mode)
	if err != nil {
		_ = d.Handles.Release(id)
		return badOutput()
	}
	_ = d.Handles.Set(id, f)
	return ok(putU32(uint32(id)))
}

func (d *Dispatcher) fileAt(in argstack.Item) (*fscap.File, int, bool) {
	id, err := readU32(in)
	if err != nil {
		return nil, 0, false
	}
	res, found := d.Handles.Get(int(id))
	if !found {
		return nil, int(id), false
	}
	f, ok := res.(*fscap.File)
	return f, int(id), ok
}

func (d *Dispatcher) dirAt(in argstack.Item) (*fscap.Dir, int, bool) {
	id, err := readU32(in)
	if err != nil {
		return nil, 0, false
	}
	res, found := d.Handles.Get(int(id))
	if !found {
		return nil, int(id), false
	}
	dir, ok := res.(*fscap.Dir)
	return dir, int(id), ok
}

func (d *Dispatcher) doFread(in []argstack.Item) Outcome {
	size, err := readU32(in[0])
	if err != nil {
		return badInput()
	}
	f, _, found := d.fileAt(in[1])
	if !found {
		return badOutput()
	}
	buf := make([]byte, size)
	n, _ := f.Read(buf)
	return ok(buf[:n])
}

func (d *Dispatcher) doFgets(in []argstack.Item) Outcome {
	size, err := readU32(in[0])
	if err != nil {
		return badInput()
	}
	f, _, found := d.fileAt(in[1])
	if !found {
		return badOutput()
	}
	line, err := f.Gets(int(size))
	if err != nil {
		return badOutput()
	}
	return ok(line)
}

func (d *Dispatcher) doFwrite(in []argstack.Item) Outcome {
	f, _, found := d.fileAt(in[1])
	if !found {
		return badOutput()
	}
	n, err := f.Write(in[0])
	if err != nil {
		return badOutput()
	}
	return ok(putU32(uint32(n)))
}

func (d *Dispatcher) doFclose(in []argstack.Item) Outcome {
	f, id, found := d.fileAt(in[0])
	if !found {
		return badOutput()
	}
	_ = f.Close()
	if err := d.Handles.Release(id); err != nil {
		return badOutput()
	}
	return ok()
}

func (d *Dispatcher) doFseek(in []argstack.Item) Outcome {
	offset, err := readU32(in[0])
	if err != nil {
		return badInput()
	}
	rawWhence, err := readU32(in[1])
	if err != nil {
		return badInput()
	}
	var whence fscap.Whence
	switch rawWhence {
	case uint32(fscap.SeekSet):
		whence = fscap.SeekSet
	case uint32(fscap.SeekCur):
		whence = fscap.SeekCur
	case uint32(fscap.SeekEnd):
		whence = fscap.SeekEnd
	default:
		return badOutput()
	}
	f, _, found := d.fileAt(in[2])
	if !found {
		return badOutput()
	}
	if err := f.Seek(int64(offset), whence); err != nil {
		return badOutput()
	}
	return ok()
}

func (d *Dispatcher) doFtell(in []argstack.Item) Outcome {
	f, _, found := d.fileAt(in[0])
	if !found {
		return badOutput()
	}
	pos, err := f.Tell()
	if err != nil {
		return badOutput()
	}
	return ok(putU32(uint32(pos)))
}

func (d *Dispatcher) doFerror(in []argstack.Item) Outcome {
	f, _, found := d.fileAt(in[0])
	if !found {
		return badOutput()
	}
	if f.HasError() {
		return badOutput()
	}
	return ok()
}

func (d *Dispatcher) doDopen(in []argstack.Item) Outcome {
	path, err := readCStr(in[0])
	if err != nil {
		return badInput()
	}
	id, err := d.Handles.Allocate(nil)
	if err != nil {
		return badOutput()
	}
	dir, err := fscap.OpenDir(path)
	if err != nil {
		_ = d.Handles.Release(id)
		return badOutput()
	}
	_ = d.Handles.Set(id, dir)
	return ok(putU32(uint32(id)))
}

func (d *Dispatcher) doDread(in []argstack.Item) Outcome {
	size, err := readU32(in[0])
	if err != nil {
		return badInput()
	}
	dir, _, found := d.dirAt(in[1])
	if !found {
		return badOutput()
	}
	name, err := dir.Read(int(size))
	if err != nil {
		return badOutput()
	}
	if name == nil {
		name = []byte{0}
	}
	return ok(name)
}

func (d *Dispatcher) doDclose(in []argstack.Item) Outcome {
	_, id, found := d.dirAt(in[0])
	if !found {
		return badOutput()
	}
	if err := d.Handles.Release(id); err != nil {
		return badOutput()
	}
	return ok()
}

func (d *Dispatcher) doStat(in []argstack.Item) Outcome {
	path, err := readCStr(in[0])
	if err != nil {
		return badInput()
	}
	typ, err := fscap.Stat(path)
	if err != nil {
		return badOutput()
	}
	return ok(putU16(uint16(typ)))
}
