package transport

import (
	"time"

	"github.com/cesanta/go-serial/serial"
	"github.com/juju/errors"
)

// Serial is a byte-stream transport over a serial port; framing is the
// caller's responsibility. Backs the FTDI/SifliUart
// "USB-serial" probe family.
type Serial struct {
	port serial.Serial
}

// OpenSerial opens a serial port at the given baud rate, 8N1, no flow
// control — the configuration every probe-over-serial in this module needs.
func OpenSerial(device string, baudRate int) (*Serial, error) {
	port, err := serial.Open(serial.OpenOptions{
		PortName:        device,
		BaudRate:        uint(baudRate),
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 1,
	})
	if err != nil {
		return nil, errors.Annotatef(err, "failed to open serial port %s", device)
	}
	return &Serial{port: port}, nil
}

func (s *Serial) SetPacketSize(int) {} // no framing concept at this layer

func (s *Serial) Read(buf []byte, timeout time.Duration) (int, error) {
	n, err := s.port.Read(buf)
	if err != nil {
		return n, errors.Annotatef(err, "serial read failed")
	}
	return n, nil
}

func (s *Serial) Write(buf []byte, timeout time.Duration) (int, error) {
	n, err := s.port.Write(buf)
	if err != nil {
		return n, errors.Annotatef(err, "serial write failed")
	}
	return n, nil
}

func (s *Serial) Drain() error {
	buf := make([]byte, 256)
	for {
		n, err := s.port.Read(buf)
		if err != nil || n == 0 {
			return nil
		}
	}
}

func (s *Serial) Close() error {
	return s.port.Close()
}
