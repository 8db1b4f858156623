// Package qda implements the QDA wire protocol: a 32-bit type tag
// followed by a type-specific, packed (no padding) little-endian
// payload, tunneled one full XMODEM transmit/receive round trip per
// transaction. Every exchange is request-then-response; there is no
// pipelining.
package qda

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/doismellburning/qdaflash/xmodem"
)

// Tag is the 32-bit QDA packet type identifier.
type Tag uint32

// Packet type tags, per the protocol's enumerated set. Host requests
// first, then device responses.
const (
	TagReset            Tag = 0x4D550000
	TagDevDescReq       Tag = 0x4D550005
	TagDFUDescReq       Tag = 0x4D5501FF
	TagDFUSetAltSetting Tag = 0x4D5501FE
	TagDFUDetach        Tag = 0x4D550100
	TagDFUDnloadReq     Tag = 0x4D550101
	TagDFUUploadReq     Tag = 0x4D550102
	TagDFUGetStatusReq  Tag = 0x4D550103
	TagDFUClrStatus     Tag = 0x4D550104
	TagDFUGetStateReq   Tag = 0x4D550105
	TagDFUAbort         Tag = 0x4D550106
	TagAttach           Tag = 0x4D558001
	TagDetach           Tag = 0x4D558002
	TagACK              Tag = 0x4D558003
	TagStall            Tag = 0x4D558004
	TagDevDescResp      Tag = 0x4D558005
	TagDFUDescResp      Tag = 0x4D5581FF
	TagDFUUploadResp    Tag = 0x4D558102
	TagDFUGetStatusResp Tag = 0x4D558103
	TagDFUGetStateResp  Tag = 0x4D558105
)

// TransportBufferSize is the shared scratch region's minimum capacity:
// large enough for any QDA message plus framing. An oversize response
// is a protocol error, not something to silently truncate.
const TransportBufferSize = 8192

// ErrUnexpectedTag means the response's type tag did not match what
// the issued request expected.
var ErrUnexpectedTag = errors.New("qda: unexpected response tag")

// ErrShortMessage means a response claimed to be a given tag but the
// transport didn't return enough bytes for that tag's fixed payload.
var ErrShortMessage = errors.New("qda: response too short for its type")

// Request is anything that can be encoded to the wire for an XMODEM
// transmit: a type tag plus its packed payload bytes.
type Request interface {
	Tag() Tag
	Encode() []byte
}

// Context binds a QDA session to an XMODEM transport and the shared
// transport buffer both directions reuse. Like xmodem.Context, it is
// single-threaded and non-reentrant by contract, not by lock.
type Context struct {
	X   *xmodem.Context
	Log *log.Logger

	buf [TransportBufferSize]byte
}

// NewContext builds a Context over an XMODEM transport.
func NewContext(x *xmodem.Context, logger *log.Logger) *Context {
	return &Context{X: x, Log: logger}
}

func (c *Context) logf(format string, args ...any) {
	if c.Log == nil {
		return
	}
	c.Log.Debug(fmt.Sprintf(format, args...))
}

// encodeHeader returns the 4-byte little-endian encoding of tag.
func encodeHeader(tag Tag) []byte {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(tag))
	return hdr[:]
}

// rawRequest is used for requests with no payload beyond the tag.
type rawRequest struct {
	tag Tag
}

func (r rawRequest) Tag() Tag       { return r.tag }
func (r rawRequest) Encode() []byte { return encodeHeader(r.tag) }

// Transact performs one full request/response round trip: encode req
// into the shared buffer, XMODEM-transmit exactly its byte count (the
// device will still see padded 128-byte frames; only the documented
// fields are read back), XMODEM-receive a response, and return the
// raw response bytes (tag + payload) for the caller to decode.
//
// The returned slice is only valid until the next Transact call --
// it aliases the shared transport buffer.
func (c *Context) Transact(req Request) ([]byte, error) {
	wire := req.Encode()
	if len(wire) > len(c.buf) {
		return nil, fmt.Errorf("qda: transact tag %#08x: request of %d bytes: %w", req.Tag(), len(wire), ErrPayloadTooLarge)
	}
	wire = c.buf[:copy(c.buf[:], wire)]
	c.logf("transact: sending tag %#08x (%d bytes)", req.Tag(), len(wire))

	if _, err := c.X.Transmit(wire); err != nil {
		return nil, fmt.Errorf("qda: transact tag %#08x: transmit: %w", req.Tag(), err)
	}

	n, err := c.X.ReceiveInto(c.buf[:])
	if err != nil {
		return nil, fmt.Errorf("qda: transact tag %#08x: receive: %w", req.Tag(), err)
	}
	if n < 4 {
		return nil, fmt.Errorf("qda: transact tag %#08x: %w", req.Tag(), ErrShortMessage)
	}

	respTag := Tag(binary.LittleEndian.Uint32(c.buf[:4]))
	c.logf("transact: received tag %#08x", respTag)
	return c.buf[:n], nil
}

// ExpectTag performs req's round trip and verifies the response tag
// equals want, returning the response payload bytes (everything after
// the 4-byte tag, still aliasing the shared buffer).
func (c *Context) ExpectTag(req Request, want Tag) ([]byte, error) {
	resp, err := c.Transact(req)
	if err != nil {
		return nil, err
	}
	gotTag := Tag(binary.LittleEndian.Uint32(resp[:4]))
	if gotTag != want {
		return nil, fmt.Errorf("qda: tag %#08x: got response %#08x, want %#08x: %w", req.Tag(), gotTag, want, ErrUnexpectedTag)
	}
	return resp[4:], nil
}

func requirePayload(payload []byte, n int) error {
	if len(payload) < n {
		return fmt.Errorf("qda: payload too short (%d < %d): %w", len(payload), n, ErrShortMessage)
	}
	return nil
}
