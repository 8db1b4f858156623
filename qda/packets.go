package qda

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Reset asks the device to perform its QDA-level reset, dropping back
// to a known idle state before any DFU exchange begins.
type Reset struct{}

func (Reset) Tag() Tag      { return TagReset }
func (Reset) Encode() []byte { return encodeHeader(TagReset) }

// DevDescReq asks for the standard USB device descriptor fields QDA
// exposes.
type DevDescReq struct{}

func (DevDescReq) Tag() Tag      { return TagDevDescReq }
func (DevDescReq) Encode() []byte { return encodeHeader(TagDevDescReq) }

// DeviceDescriptor is QDA's DEV_DESC_RESP payload: idVendor, idProduct,
// and bcdDevice, nothing more (`qda_packets.h`'s dev_desc_resp, not the
// full fourteen-field USB standard device descriptor).
type DeviceDescriptor struct {
	IDVendor  uint16
	IDProduct uint16
	BcdDevice uint16
}

// DecodeDeviceDescriptor parses a DEV_DESC_RESP payload (everything
// after the 4-byte tag): id_vendor, id_product, bcd_device, in that
// order, six bytes total.
func DecodeDeviceDescriptor(payload []byte) (DeviceDescriptor, error) {
	var d DeviceDescriptor
	if err := requirePayload(payload, 6); err != nil {
		return d, err
	}
	d.IDVendor = binary.LittleEndian.Uint16(payload[0:2])
	d.IDProduct = binary.LittleEndian.Uint16(payload[2:4])
	d.BcdDevice = binary.LittleEndian.Uint16(payload[4:6])
	return d, nil
}

// DFUDescReq asks for the DFU interface's functional descriptor. It
// carries no payload -- the device addresses its single DFU interface
// implicitly; `SetAltSetting` is the separate operation that selects
// an alternate setting.
type DFUDescReq struct{}

func (DFUDescReq) Tag() Tag      { return TagDFUDescReq }
func (DFUDescReq) Encode() []byte { return encodeHeader(TagDFUDescReq) }

// InterfaceDescriptor is QDA's DFU_DESC_RESP payload: the DFU
// functional descriptor fields only (`qda_packets.h`'s dfu_desc_resp),
// not a full USB interface descriptor.
type InterfaceDescriptor struct {
	NumAltSettings uint8
	Attributes     uint8
	DetachTimeout  uint16 // milliseconds
	TransferSize   uint16 // bytes
	DFUVersion     uint16 // bcd
}

// WillDetach reports whether the device handles its own USB
// re-enumeration (bit 3 of bmAttributes) rather than requiring a
// bus reset from the host side.
func (i InterfaceDescriptor) WillDetach() bool {
	return i.Attributes&0x08 != 0
}

// CanUpload reports bitCanUpload (bit 0).
func (i InterfaceDescriptor) CanUpload() bool { return i.Attributes&0x01 != 0 }

// CanDnload reports bitCanDnload (bit 1).
func (i InterfaceDescriptor) CanDnload() bool { return i.Attributes&0x02 != 0 }

// DecodeInterfaceDescriptor parses a DFU_DESC_RESP payload:
// num_alt_settings, bm_attributes, detach_timeout, transfer_size,
// bcd_dfu_ver, in that order, eight bytes total.
func DecodeInterfaceDescriptor(payload []byte) (InterfaceDescriptor, error) {
	var d InterfaceDescriptor
	if err := requirePayload(payload, 8); err != nil {
		return d, err
	}
	d.NumAltSettings = payload[0]
	d.Attributes = payload[1]
	d.DetachTimeout = binary.LittleEndian.Uint16(payload[2:4])
	d.TransferSize = binary.LittleEndian.Uint16(payload[4:6])
	d.DFUVersion = binary.LittleEndian.Uint16(payload[6:8])
	return d, nil
}

// SetAltSetting selects which DFU alternate setting subsequent
// operations address.
type SetAltSetting struct {
	AltSetting uint8
}

func (SetAltSetting) Tag() Tag { return TagDFUSetAltSetting }
func (r SetAltSetting) Encode() []byte {
	return append(encodeHeader(TagDFUSetAltSetting), r.AltSetting)
}

// maxDnloadPayload is the largest Data a DnloadReq may carry: the
// shared transport buffer minus the 4-byte tag header and the
// 4-byte data_len/block_num fixed header that precedes the data
// itself (spec §4.3.3's `buffer_size - header - payload_fixed_header`
// bound).
const maxDnloadPayload = TransportBufferSize - 4 - 4

// ErrPayloadTooLarge means a DnloadReq's Data would overflow the
// shared transport buffer once framed.
var ErrPayloadTooLarge = errors.New("qda: dnload payload exceeds transport buffer")

// DnloadReq carries one DFU_DNLOAD block. An empty Data signals the
// end of a download per the DFU state machine (the zero-length block
// that drives dfuDNLOAD-IDLE to dfuMANIFEST-SYNC).
type DnloadReq struct {
	BlockNum uint16
	Data     []byte
}

// NewDnloadReq builds a DnloadReq, enforcing the
// `buffer_size - header - payload_fixed_header` bound on len(data)
// from spec §4.3.3.
func NewDnloadReq(blockNum uint16, data []byte) (DnloadReq, error) {
	if len(data) > maxDnloadPayload {
		return DnloadReq{}, fmt.Errorf("qda: dnload data %d bytes > %d: %w", len(data), maxDnloadPayload, ErrPayloadTooLarge)
	}
	return DnloadReq{BlockNum: blockNum, Data: data}, nil
}

func (DnloadReq) Tag() Tag { return TagDFUDnloadReq }

// Encode lays out DFU_DNLOAD_REQ's payload as data_len, block_num,
// then data, per `qda_packets.h`.
func (r DnloadReq) Encode() []byte {
	buf := encodeHeader(TagDFUDnloadReq)
	var hdr [4]byte
	binary.LittleEndian.PutUint16(hdr[0:2], uint16(len(r.Data)))
	binary.LittleEndian.PutUint16(hdr[2:4], r.BlockNum)
	buf = append(buf, hdr[:]...)
	return append(buf, r.Data...)
}

// UploadReq requests one DFU_UPLOAD block of up to MaxDataLen bytes.
type UploadReq struct {
	BlockNum   uint16
	MaxDataLen uint16
}

func (UploadReq) Tag() Tag { return TagDFUUploadReq }

// Encode lays out DFU_UPLOAD_REQ's payload as max_data_len, block_num,
// per `qda_packets.h`.
func (r UploadReq) Encode() []byte {
	buf := encodeHeader(TagDFUUploadReq)
	var body [4]byte
	binary.LittleEndian.PutUint16(body[0:2], r.MaxDataLen)
	binary.LittleEndian.PutUint16(body[2:4], r.BlockNum)
	return append(buf, body[:]...)
}

// ErrUploadOverflow means a DFU_UPLOAD_RESP claimed more data_len than
// the request's max_data_len allowed, per spec §4.3.3.
var ErrUploadOverflow = errors.New("qda: upload response exceeded requested max length")

// DecodeUploadResp parses a DFU_UPLOAD_RESP payload: a two-byte
// little-endian data_len followed by exactly that many data bytes,
// failing if data_len exceeds maxLen (the MaxDataLen the request
// asked for).
func DecodeUploadResp(payload []byte, maxLen uint16) ([]byte, error) {
	if err := requirePayload(payload, 2); err != nil {
		return nil, err
	}
	dataLen := binary.LittleEndian.Uint16(payload[0:2])
	if dataLen > maxLen {
		return nil, fmt.Errorf("qda: upload data_len %d > max_data_len %d: %w", dataLen, maxLen, ErrUploadOverflow)
	}
	if err := requirePayload(payload[2:], int(dataLen)); err != nil {
		return nil, err
	}
	return append([]byte(nil), payload[2:2+dataLen]...), nil
}

// GetStatusReq requests the DFU_GETSTATUS response.
type GetStatusReq struct{}

func (GetStatusReq) Tag() Tag      { return TagDFUGetStatusReq }
func (GetStatusReq) Encode() []byte { return encodeHeader(TagDFUGetStatusReq) }

// Status is QDA's DFU_GETSTATUS_RESP payload: a four-byte little-endian
// poll timeout in milliseconds, a one-byte status, and a one-byte
// state (`qda_packets.h`'s dfu_getstatus_resp -- not USB DFU 1.1's own
// six-byte GETSTATUS layout, which orders bStatus first).
type Status struct {
	PollTimeout uint32
	Status      uint8
	State       uint8
}

// DecodeStatus parses a DFU_GETSTATUS_RESP payload: poll_timeout,
// status, state, in that order, six bytes total.
func DecodeStatus(payload []byte) (Status, error) {
	var s Status
	if err := requirePayload(payload, 6); err != nil {
		return s, err
	}
	s.PollTimeout = binary.LittleEndian.Uint32(payload[0:4])
	s.Status = payload[4]
	s.State = payload[5]
	return s, nil
}

// ClrStatus clears an error condition, per DFU_CLRSTATUS.
type ClrStatus struct{}

func (ClrStatus) Tag() Tag      { return TagDFUClrStatus }
func (ClrStatus) Encode() []byte { return encodeHeader(TagDFUClrStatus) }

// GetStateReq requests the DFU_GETSTATE response.
type GetStateReq struct{}

func (GetStateReq) Tag() Tag      { return TagDFUGetStateReq }
func (GetStateReq) Encode() []byte { return encodeHeader(TagDFUGetStateReq) }

// DecodeState parses a DFU_GETSTATE_RESP payload (a single state
// byte).
func DecodeState(payload []byte) (uint8, error) {
	if err := requirePayload(payload, 1); err != nil {
		return 0, err
	}
	return payload[0], nil
}

// Abort requests DFU_ABORT, returning to dfuIDLE from any of the
// interruptible states.
type Abort struct{}

func (Abort) Tag() Tag      { return TagDFUAbort }
func (Abort) Encode() []byte { return encodeHeader(TagDFUAbort) }
