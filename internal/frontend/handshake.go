package frontend

import (
	"github.com/daedaluz/mbedhost/internal/dispatch"
	"github.com/daedaluz/mbedhost/internal/logging"
	"github.com/daedaluz/mbedhost/internal/netcap"
	"github.com/daedaluz/mbedhost/internal/serialport"
	"github.com/daedaluz/mbedhost/internal/wire"
)

// Open drives the handshake that begins every channel: a break to pull a
// mid-boot target out of whatever state it was in, then the "mbed{{" +
// argv preamble. It returns a fresh Context ready for Run.
func Open(ch serialport.Channel, argv []string, log *logging.Logger) (*Context, error) {
	ch.SendBreakChannel()
	if err := wire.WriteHandshake(ch, argv); err != nil {
		return nil, err
	}
	disp := dispatch.New(netcap.Host{}, log)
	return NewContext(disp, log), nil
}
