package serialport

import "syscall"

// Channel is the capability surface the rest of the frontend depends on:
// open/close a byte stream device and do blocking exact-length I/O plus a
// reset break. Port satisfies it; tests substitute the slave end of an
// OpenPTY pair.
type Channel interface {
	ReadFull(buf []byte) error
	WriteAll(buf []byte) error
	SendBreakChannel()
	Close() error
}

// OpenDevice opens the named serial device and configures it for the
// mbed target channel: 9600-8N1, raw mode, no flow control.
func OpenDevice(name string) (*Port, error) {
	opts := NewOptions()
	opts.OpenMode = syscall.O_RDWR | syscall.O_NOCTTY | syscall.O_SYNC
	p, err := Open(name, opts)
	if err != nil {
		return nil, err
	}
	if err := p.Configure9600(); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

var _ Channel = (*Port)(nil)
