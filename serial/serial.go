// Package serial provides the blocking byte-level interface to the
// physical serial link that the xmodem package is built on: a single
// read-byte-with-timeout, a single write-byte, a timeout setter, and
// the RTS pulse used to trigger a hardware DFU-mode reset.
//
// Platform opening concerns (device naming, baud validation, restoring
// terminal state) live here; everything above this package only ever
// sees the Port interface.
package serial

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/pkg/term"
	"golang.org/x/sys/unix"
)

// ErrTimeout is returned by ReadByte when no byte arrives within the
// currently configured timeout.
var ErrTimeout = errors.New("serial: read timeout")

// SupportedBauds are the rates the detach/transport layer is allowed
// to request; anything else is a caller error, not a transport one.
var SupportedBauds = []int{1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200}

// Port is the capability interface xmodem is built against. A real
// port is backed by Open; tests substitute a FakePort so none of
// xmodem, qda, or dfu need a physical device.
type Port interface {
	// ReadByte blocks for at most the currently configured timeout.
	// On timeout it returns ErrTimeout; on any other I/O failure it
	// returns a wrapped error. The returned byte is only meaningful
	// when err is nil.
	ReadByte() (byte, error)

	// WriteByte enqueues and transmits a single byte.
	WriteByte(b byte) error

	// SetTimeout sets the maximum blocking time for subsequent
	// ReadByte calls. Implementations backed by POSIX termios VTIME
	// only support tenths-of-a-second granularity; durations below
	// 100ms are rounded up to one decisecond.
	SetTimeout(d time.Duration) error

	// PulseRTS asserts the RTS modem-control line, holds it for at
	// least hold, then releases it. Baud rate and line discipline are
	// unaffected.
	PulseRTS(hold time.Duration) error

	// Close restores the port's original settings and releases the
	// underlying handle.
	Close() error
}

// termPort is the github.com/pkg/term-backed implementation. RTS
// control is done through a second, independently opened handle on
// the same device node: pkg/term has no modem-control-line support,
// but TIOCMBIS/TIOCMBIC act on the device itself, not on a particular
// open file description, so a throwaway fd is sufficient.
type termPort struct {
	t      *term.Term
	device string
}

// Open opens device at baud (one of SupportedBauds, or 0 to leave the
// current rate alone), 8N1, no hardware flow control, and returns a
// Port ready for xmodem/qda/dfu use.
func Open(device string, baud int) (Port, error) {
	t, err := term.Open(device, term.RawMode)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", device, err)
	}

	switch baud {
	case 0:
		// Leave it alone.
	default:
		if !supportedBaud(baud) {
			t.Close()
			return nil, fmt.Errorf("serial: unsupported baud rate %d", baud)
		}
		if err := t.SetSpeed(baud); err != nil {
			t.Close()
			return nil, fmt.Errorf("serial: set speed %d: %w", baud, err)
		}
	}

	// VMIN=0 turns subsequent reads into "wait up to VTIME
	// deciseconds, return with whatever arrived (possibly nothing)"
	// instead of the library default of blocking for at least one
	// character -- this is what makes ReadByte's timeout contract
	// possible at all.
	if err := t.SetVMin(0); err != nil {
		t.Close()
		return nil, fmt.Errorf("serial: set vmin: %w", err)
	}
	if err := t.SetVTime(byte(timeoutStdTenths)); err != nil {
		t.Close()
		return nil, fmt.Errorf("serial: set vtime: %w", err)
	}

	return &termPort{t: t, device: device}, nil
}

const timeoutStdTenths = 30 // 3000ms, the protocol's standard timeout

func supportedBaud(baud int) bool {
	for _, b := range SupportedBauds {
		if b == baud {
			return true
		}
	}
	return false
}

func (p *termPort) ReadByte() (byte, error) {
	var buf [1]byte
	n, err := p.t.Read(buf[:])
	if n == 1 {
		return buf[0], nil
	}
	if err == nil {
		// No byte, no reported error: the underlying read simply
		// elapsed its deadline.
		return 0, ErrTimeout
	}
	if errors.Is(err, unix.EAGAIN) {
		return 0, ErrTimeout
	}
	return 0, fmt.Errorf("serial: read: %w", err)
}

func (p *termPort) WriteByte(b byte) error {
	buf := [1]byte{b}
	n, err := p.t.Write(buf[:])
	if n != 1 || err != nil {
		return fmt.Errorf("serial: write: %w", err)
	}
	return nil
}

// SetTimeout rounds d up to whole deciseconds -- the coarsest unit
// POSIX VTIME supports -- and reprograms VTIME accordingly. Sub-100ms
// timeouts are therefore not achievable on this path; callers only
// ever request TimeoutStd (3s) or TimeoutErr (300ms), both of which
// land on exact deciseconds.
func (p *termPort) SetTimeout(d time.Duration) error {
	tenths := (d + 99*time.Millisecond) / (100 * time.Millisecond)
	if tenths < 1 {
		tenths = 1
	}
	if tenths > 255 {
		tenths = 255
	}
	if err := p.t.SetVTime(byte(tenths)); err != nil {
		return fmt.Errorf("serial: set timeout: %w", err)
	}
	return nil
}

// PulseRTS asserts then releases TIOCM_RTS via TIOCMBIS/TIOCMBIC,
// grounded on the modem-control-line pattern used elsewhere in this
// ecosystem's lower-level serial libraries (SetModemLines /
// EnableModemLines / DisableModemLines over TIOCMSET / TIOCMBIS /
// TIOCMBIC ioctls).
func (p *termPort) PulseRTS(hold time.Duration) error {
	f, err := os.OpenFile(p.device, os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		return fmt.Errorf("serial: open %s for RTS control: %w", p.device, err)
	}
	defer f.Close()
	fd := int(f.Fd())
	rts := unix.TIOCM_RTS

	if err := unix.IoctlSetPointerInt(fd, unix.TIOCMBIS, rts); err != nil {
		return fmt.Errorf("serial: assert RTS: %w", err)
	}
	if hold < 100*time.Millisecond {
		hold = 100 * time.Millisecond
	}
	time.Sleep(hold)
	if err := unix.IoctlSetPointerInt(fd, unix.TIOCMBIC, rts); err != nil {
		return fmt.Errorf("serial: release RTS: %w", err)
	}
	return nil
}

func (p *termPort) Close() error {
	restoreErr := p.t.Restore()
	if err := p.t.Close(); err != nil {
		return fmt.Errorf("serial: close: %w", err)
	}
	if restoreErr != nil {
		return fmt.Errorf("serial: restore settings: %w", restoreErr)
	}
	return nil
}
