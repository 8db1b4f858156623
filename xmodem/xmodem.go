// Package xmodem implements XMODEM-CRC, the reliable 128-byte-block
// datagram transport QDA is tunneled through. It handles framing,
// CRC-16/CCITT integrity, sequence numbering, retransmission,
// duplicate detection, and the error-drain discipline described in
// the protocol's original documentation -- one peculiarity at a time,
// matching classic XMODEM-CRC bit-for-bit rather than a cleaned-up
// reinterpretation of it.
package xmodem

import (
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/doismellburning/qdaflash/crc16"
	"github.com/doismellburning/qdaflash/serial"
)

// Control bytes used outside of framed packets.
const (
	soh byte = 0x01
	eot byte = 0x04
	ack byte = 0x06
	nak byte = 0x15
	can byte = 0x18
	crcMode byte = 'C'
)

// BlockSize is the fixed XMODEM-CRC payload size; this module supports
// no other variant.
const BlockSize = 128

// Protocol-level tuning constants; both sides of a QDA link tune their
// own recovery around these same values.
const (
	MaxRetransmit = 25
	MaxRxErrors   = 5
	TimeoutStd    = 3000 * time.Millisecond
	TimeoutErr    = 300 * time.Millisecond
)

// Sentinel errors surfaced to callers. They wrap additional context
// via fmt.Errorf("...: %w", ...) so errors.Is still matches these.
var (
	// ErrSyncLost means the sender and receiver have lost agreement
	// on the current sequence number; the session is unrecoverable.
	ErrSyncLost = errors.New("xmodem: sequence sync lost")
	// ErrBufferTooSmall means the caller's buffer cannot hold the
	// next 128-byte block.
	ErrBufferTooSmall = errors.New("xmodem: receive buffer too small")
	// ErrTooManyErrors means MaxRxErrors consecutive framing errors
	// were seen without a good packet.
	ErrTooManyErrors = errors.New("xmodem: too many consecutive errors")
	// ErrNoCRCMode means the sender never saw the receiver's 'C'
	// bootstrap byte within MaxRetransmit tries.
	ErrNoCRCMode = errors.New("xmodem: receiver never signalled CRC mode")
	// ErrRetransmitExhausted means a frame or control byte was
	// retransmitted MaxRetransmit times without an ACK.
	ErrRetransmitExhausted = errors.New("xmodem: retransmit budget exhausted")
	// ErrCancelled means the peer sent CAN.
	ErrCancelled = errors.New("xmodem: transfer cancelled by peer")
)

// internal read-packet result codes, mirroring the reference
// implementation's ERR/DUP/SOH/EOT/CAN dispatch.
type pktResult int

const (
	resultSOH pktResult = iota
	resultDUP
	resultEOT
	resultCAN
	resultERR
)

// packet is the on-wire frame layout after its leading SOH byte (the
// 133-byte frame minus SOH), reused as scratch for both directions.
type packet struct {
	seqNo    byte
	seqNoInv byte
	data     [BlockSize]byte
	crc      [2]byte
}

// Context binds an XMODEM session to a serial.Port and an optional
// logger. It owns the packet scratch buffer; per the single-threaded,
// non-reentrant contract, a Context must not be used concurrently or
// re-entered while a Transmit/ReceiveInto call is in flight.
type Context struct {
	Port serial.Port
	Log  *log.Logger

	pkt packet
}

// NewContext builds a Context over port. A nil logger is valid and
// traces nothing.
func NewContext(port serial.Port, logger *log.Logger) *Context {
	return &Context{Port: port, Log: logger}
}

func (x *Context) logf(format string, args ...any) {
	if x.Log == nil {
		return
	}
	x.Log.Debug(fmt.Sprintf(format, args...))
}

// ReceiveInto receives a sequence of 128-byte blocks into buf,
// returning the number of bytes written. The returned count is always
// a multiple of BlockSize and may include up to 127 bytes of sender
// padding beyond the logical payload -- callers (QDA) must know the
// real length out of band.
func (x *Context) ReceiveInto(buf []byte) (int, error) {
	if err := x.Port.SetTimeout(TimeoutStd); err != nil {
		return 0, fmt.Errorf("xmodem: receive: %w", err)
	}

	expected := byte(1)
	errCount := 0
	written := 0
	reply := crcMode
	cmd := crcMode

	for {
		if err := x.Port.WriteByte(cmd); err != nil {
			return written, fmt.Errorf("xmodem: receive: write %02x: %w", cmd, err)
		}

		result, canErr := x.readPacket(expected, buf[written:])

		switch result {
		case resultSOH:
			reply = nak
			written += BlockSize
			expected = expected + 1 // wraps at 256 per uint8 arithmetic
			errCount = 0
			cmd = ack
			x.logf("receive: block %d accepted, %d bytes total", expected-1, written)
		case resultDUP:
			cmd = ack
			x.logf("receive: duplicate block, not advancing")
		case resultEOT:
			if err := x.Port.WriteByte(ack); err != nil {
				return written, fmt.Errorf("xmodem: receive: final ack: %w", err)
			}
			x.logf("receive: EOT, %d bytes received", written)
			return written, nil
		case resultCAN:
			x.Port.WriteByte(can) //nolint:errcheck // best-effort notice to the peer
			return written, canErr
		case resultERR:
			errCount++
			if errCount >= MaxRxErrors {
				return written, fmt.Errorf("xmodem: receive: %w", ErrTooManyErrors)
			}
			cmd = reply
		}
	}
}

// readPacket implements the internal read-packet procedure: read one
// command byte, dispatch on SOH/EOT/other, and on SOH validate
// sequence numbers and CRC before copying payload. The EOT check
// happens before the buffer-size check so a normal end-of-transfer is
// never misclassified as a fatal error.
func (x *Context) readPacket(expected byte, out []byte) (pktResult, error) {
	cmd, err := x.Port.ReadByte()
	if err != nil {
		return resultERR, nil
	}

	switch cmd {
	case eot:
		return resultEOT, nil
	case soh:
		// fall through to full frame read below
	default:
		x.drainAfterError()
		return resultERR, nil
	}

	if err := x.readRest(); err != nil {
		return resultERR, nil
	}

	if x.pkt.seqNo != ^x.pkt.seqNoInv {
		return resultERR, nil
	}
	crcRecv := uint16(x.pkt.crc[0])<<8 | uint16(x.pkt.crc[1])
	if crcRecv != crc16.Of(x.pkt.data[:]) {
		return resultERR, nil
	}

	if x.pkt.seqNo == expected-1 {
		return resultDUP, nil
	}
	if x.pkt.seqNo != expected {
		return resultCAN, fmt.Errorf("xmodem: receive: got seq %d, expected %d: %w", x.pkt.seqNo, expected, ErrSyncLost)
	}

	if len(out) < BlockSize {
		return resultCAN, fmt.Errorf("xmodem: receive: %w", ErrBufferTooSmall)
	}

	copy(out, x.pkt.data[:])
	return resultSOH, nil
}

// readRest reads seq_no, seq_no_inv, the 128 data bytes, and the
// 2-byte CRC following an already-consumed SOH.
func (x *Context) readRest() error {
	var err error
	if x.pkt.seqNo, err = x.Port.ReadByte(); err != nil {
		return err
	}
	if x.pkt.seqNoInv, err = x.Port.ReadByte(); err != nil {
		return err
	}
	for i := range x.pkt.data {
		if x.pkt.data[i], err = x.Port.ReadByte(); err != nil {
			return err
		}
	}
	if x.pkt.crc[0], err = x.Port.ReadByte(); err != nil {
		return err
	}
	if x.pkt.crc[1], err = x.Port.ReadByte(); err != nil {
		return err
	}
	return nil
}

// drainAfterError switches to the short error timeout and reads until
// one read times out, discarding anything in flight, then restores
// the standard timeout.
func (x *Context) drainAfterError() {
	x.Port.SetTimeout(TimeoutErr) //nolint:errcheck // best-effort
	for {
		if _, err := x.Port.ReadByte(); err != nil {
			break
		}
	}
	x.Port.SetTimeout(TimeoutStd) //nolint:errcheck // best-effort
}

// Transmit sends data as a sequence of XMODEM-CRC blocks and returns
// the number of bytes actually sent on the wire, which is always
// ceil(len(data)/BlockSize) * BlockSize (zero data sends only EOT).
func (x *Context) Transmit(data []byte) (int, error) {
	if err := x.Port.SetTimeout(TimeoutStd); err != nil {
		return 0, fmt.Errorf("xmodem: transmit: %w", err)
	}

	if err := x.waitForCRCMode(); err != nil {
		return 0, err
	}

	pktNo := byte(1)
	sent := 0
	for len(data) > 0 {
		n := BlockSize
		if len(data) < n {
			n = len(data)
		}
		if err := x.sendPacketWithRetry(data[:n], pktNo); err != nil {
			return sent, err
		}
		data = data[n:]
		sent += BlockSize
		pktNo++
		x.logf("transmit: block %d sent", pktNo-1)
	}

	if err := x.sendByteWithRetry(eot); err != nil {
		return sent, err
	}
	x.logf("transmit: EOT acknowledged, %d bytes sent", sent)
	return sent, nil
}

func (x *Context) waitForCRCMode() error {
	for i := 0; i < MaxRetransmit; i++ {
		b, err := x.Port.ReadByte()
		if err == nil && b == crcMode {
			return nil
		}
	}
	return fmt.Errorf("xmodem: transmit: %w", ErrNoCRCMode)
}

// sendPacketWithRetry transmits one frame, retrying up to
// MaxRetransmit times until an ACK is observed.
func (x *Context) sendPacketWithRetry(data []byte, pktNo byte) error {
	for attempt := 0; attempt < MaxRetransmit; attempt++ {
		if err := x.sendPacket(data, pktNo); err != nil {
			return fmt.Errorf("xmodem: transmit: %w", err)
		}
		rsp, err := x.Port.ReadByte()
		if err == nil && rsp == ack {
			return nil
		}
	}
	x.cancelAndDrain()
	return fmt.Errorf("xmodem: transmit: block %d: %w", pktNo, ErrRetransmitExhausted)
}

// cancelAndDrain emits CAN and then, under TimeoutErr, reads and
// discards bytes until one read times out before giving up, rather
// than leaving whatever the peer sends next to leak
// into a subsequent session on the same port. Deliberately more
// thorough than the reference implementation's single post-CAN read.
func (x *Context) cancelAndDrain() {
	x.Port.WriteByte(can) //nolint:errcheck // best-effort notice to the peer
	x.Port.SetTimeout(TimeoutErr) //nolint:errcheck // best-effort
	for {
		if _, err := x.Port.ReadByte(); err != nil {
			break
		}
	}
	x.Port.SetTimeout(TimeoutStd) //nolint:errcheck // best-effort
}

// sendPacket frames and writes a single block. Data shorter than
// BlockSize leaves the remainder of the scratch data field
// untouched -- whatever padding it already held is sent as-is, per
// the protocol's explicit tolerance for arbitrary padding bytes.
func (x *Context) sendPacket(data []byte, pktNo byte) error {
	copy(x.pkt.data[:], data)
	crc := crc16.Of(x.pkt.data[:])
	x.pkt.seqNo = pktNo
	x.pkt.seqNoInv = ^pktNo

	if err := x.Port.WriteByte(soh); err != nil {
		return err
	}
	if err := x.Port.WriteByte(x.pkt.seqNo); err != nil {
		return err
	}
	if err := x.Port.WriteByte(x.pkt.seqNoInv); err != nil {
		return err
	}
	for _, b := range x.pkt.data {
		if err := x.Port.WriteByte(b); err != nil {
			return err
		}
	}
	if err := x.Port.WriteByte(byte(crc >> 8)); err != nil {
		return err
	}
	return x.Port.WriteByte(byte(crc))
}

func (x *Context) sendByteWithRetry(cmd byte) error {
	for attempt := 0; attempt < MaxRetransmit; attempt++ {
		if err := x.Port.WriteByte(cmd); err != nil {
			return fmt.Errorf("xmodem: transmit: %w", err)
		}
		rsp, err := x.Port.ReadByte()
		if err == nil && rsp == ack {
			return nil
		}
	}
	x.cancelAndDrain()
	return fmt.Errorf("xmodem: transmit: %w", ErrRetransmitExhausted)
}
