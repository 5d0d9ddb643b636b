package core

import (
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"
)

// serialReadTimeout bounds a single serial read so the reader goroutine
// can observe shutdown. It matches the tty intercharacter timeout the
// MCU tooling assumes.
const serialReadTimeout = 500 * time.Millisecond

// supportedBaudrates are the rates accepted on the command line. Rates
// beyond 115200 depend on the platform; the serial driver rejects them
// on open if unavailable.
var supportedBaudrates = []int{
	9600, 19200, 38400, 57600, 115200,
	230400, 460800, 500000, 576000, 921600,
	1000000, 1152000, 1500000, 2000000, 2500000,
	3000000, 3500000, 4000000,
}

// ValidBaudrate reports whether rate is one of the supported rates.
func ValidBaudrate(rate int) bool {
	for _, b := range supportedBaudrates {
		if b == rate {
			return true
		}
	}
	return false
}

// OpenSerial opens the serial device in raw 8N1 mode with the read
// timeout configured.
func OpenSerial(device string, baudrate int) (io.ReadWriteCloser, error) {
	if !ValidBaudrate(baudrate) {
		return nil, errors.Errorf("invalid baudrate %d", baudrate)
	}

	port, err := serial.OpenPort(&serial.Config{
		Name:        device,
		Baud:        baudrate,
		ReadTimeout: serialReadTimeout,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "opening serial device %s", device)
	}

	return port, nil
}
