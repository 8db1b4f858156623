// Package dfu implements the DFU (USB Device Firmware Upgrade) class
// facade tunneled over QDA: reset, descriptor retrieval, alternate
// setting selection, detach, download, upload, status/state polling,
// clear status, and abort. Detach is the one operation that bypasses
// QDA entirely -- it pulses the RTS line instead of sending a packet,
// per this protocol's substitution of a hardware reset for the real
// USB bus reset a native DFU detach would trigger.
package dfu

import (
	"errors"
	"fmt"
	"time"

	"github.com/doismellburning/qdaflash/qda"
)

// ErrBusy means a getstatus poll never left dfuDNBUSY/dfuMANIFEST
// before the caller's patience ran out.
var ErrBusy = errors.New("dfu: device did not leave busy state")

// ErrUploadTooLarge means an upload ran past MaxUploadBlocks without
// a short read, which this facade treats as a runaway device rather
// than trusting it indefinitely.
var ErrUploadTooLarge = errors.New("dfu: upload exceeded block limit")

// MaxUploadBlocks bounds how many DFU_UPLOAD rounds UploadAll will issue
// before giving up, guarding against a device that never signals end
// of transfer with a short block.
const MaxUploadBlocks = 65536

// DetachHold is how long the RTS line is asserted for Detach.
const DetachHold = 150 * time.Millisecond

// Device wraps a QDA context with DFU-class semantics.
type Device struct {
	X *qda.Context
}

// New builds a Device over an established QDA context.
func New(x *qda.Context) *Device {
	return &Device{X: x}
}

// Reset performs the QDA-level reset: RESET, answered by ACK.
func (d *Device) Reset() error {
	_, err := d.X.ExpectTag(qda.Reset{}, qda.TagACK)
	if err != nil {
		return fmt.Errorf("dfu: reset: %w", err)
	}
	return nil
}

// DeviceDescriptor retrieves the standard USB device descriptor
// fields QDA exposes.
func (d *Device) DeviceDescriptor() (qda.DeviceDescriptor, error) {
	payload, err := d.X.ExpectTag(qda.DevDescReq{}, qda.TagDevDescResp)
	if err != nil {
		return qda.DeviceDescriptor{}, fmt.Errorf("dfu: get-dev-desc: %w", err)
	}
	desc, err := qda.DecodeDeviceDescriptor(payload)
	if err != nil {
		return qda.DeviceDescriptor{}, fmt.Errorf("dfu: get-dev-desc: %w", err)
	}
	return desc, nil
}

// InterfaceDescriptor retrieves the DFU functional descriptor for
// whichever alternate setting is currently selected (see
// SetAltSetting); DFU_DESC_REQ itself carries no alt-setting
// parameter.
func (d *Device) InterfaceDescriptor() (qda.InterfaceDescriptor, error) {
	payload, err := d.X.ExpectTag(qda.DFUDescReq{}, qda.TagDFUDescResp)
	if err != nil {
		return qda.InterfaceDescriptor{}, fmt.Errorf("dfu: get-dfu-desc: %w", err)
	}
	desc, err := qda.DecodeInterfaceDescriptor(payload)
	if err != nil {
		return qda.InterfaceDescriptor{}, fmt.Errorf("dfu: get-dfu-desc: %w", err)
	}
	return desc, nil
}

// SetAltSetting selects the alternate setting subsequent operations
// address.
func (d *Device) SetAltSetting(altSetting uint8) error {
	_, err := d.X.ExpectTag(qda.SetAltSetting{AltSetting: altSetting}, qda.TagACK)
	if err != nil {
		return fmt.Errorf("dfu: set-alt-setting: %w", err)
	}
	return nil
}

// Detach triggers the device's DFU-mode entry via an RTS pulse, not a
// QDA exchange -- this protocol's hardware substitute for a USB bus
// reset.
func (d *Device) Detach() error {
	if err := d.X.X.Port.PulseRTS(DetachHold); err != nil {
		return fmt.Errorf("dfu: detach: %w", err)
	}
	return nil
}

// Download sends one DFU_DNLOAD block. A zero-length data signals end
// of transfer, per the DFU state machine's dfuDNLOAD-IDLE ->
// dfuMANIFEST-SYNC transition.
func (d *Device) Download(blockNum uint16, data []byte) error {
	req, err := qda.NewDnloadReq(blockNum, data)
	if err != nil {
		return fmt.Errorf("dfu: dfu-download block %d: %w", blockNum, err)
	}
	if _, err := d.X.ExpectTag(req, qda.TagACK); err != nil {
		return fmt.Errorf("dfu: dfu-download block %d: %w", blockNum, err)
	}
	return nil
}

// Upload requests one DFU_UPLOAD block of up to maxDataLen bytes,
// returning what the device actually sent. A short read (len(data) <
// maxDataLen) signals end of transfer.
func (d *Device) Upload(blockNum uint16, maxDataLen uint16) ([]byte, error) {
	payload, err := d.X.ExpectTag(qda.UploadReq{BlockNum: blockNum, MaxDataLen: maxDataLen}, qda.TagDFUUploadResp)
	if err != nil {
		return nil, fmt.Errorf("dfu: dfu-upload block %d: %w", blockNum, err)
	}
	data, err := qda.DecodeUploadResp(payload, maxDataLen)
	if err != nil {
		return nil, fmt.Errorf("dfu: dfu-upload block %d: %w", blockNum, err)
	}
	return data, nil
}

// UploadAll drives repeated Upload calls at blockSize-sized chunks
// until a short block signals completion, or MaxUploadBlocks is hit.
func (d *Device) UploadAll(blockSize uint16) ([]byte, error) {
	var out []byte
	for block := 0; block < MaxUploadBlocks; block++ {
		chunk, err := d.Upload(uint16(block), blockSize)
		if err != nil {
			return out, err
		}
		out = append(out, chunk...)
		if uint16(len(chunk)) < blockSize {
			return out, nil
		}
	}
	return out, fmt.Errorf("dfu: upload: %w", ErrUploadTooLarge)
}

// DownloadAll drives repeated Download calls chunking data into
// blockSize-sized pieces, followed by the zero-length terminator
// block.
func (d *Device) DownloadAll(data []byte, blockSize uint16) error {
	if blockSize == 0 {
		return fmt.Errorf("dfu: download: block size must be nonzero")
	}
	var blockNum uint16
	for len(data) > 0 {
		n := int(blockSize)
		if n > len(data) {
			n = len(data)
		}
		if err := d.Download(blockNum, data[:n]); err != nil {
			return err
		}
		data = data[n:]
		blockNum++
	}
	return d.Download(blockNum, nil)
}

// GetStatus retrieves the DFU_GETSTATUS response.
func (d *Device) GetStatus() (qda.Status, error) {
	payload, err := d.X.ExpectTag(qda.GetStatusReq{}, qda.TagDFUGetStatusResp)
	if err != nil {
		return qda.Status{}, fmt.Errorf("dfu: dfu-getstatus: %w", err)
	}
	st, err := qda.DecodeStatus(payload)
	if err != nil {
		return qda.Status{}, fmt.Errorf("dfu: dfu-getstatus: %w", err)
	}
	return st, nil
}

// ClrStatus clears an error condition, per DFU_CLRSTATUS.
func (d *Device) ClrStatus() error {
	_, err := d.X.ExpectTag(qda.ClrStatus{}, qda.TagACK)
	if err != nil {
		return fmt.Errorf("dfu: dfu-clrstatus: %w", err)
	}
	return nil
}

// GetState retrieves the DFU_GETSTATE response.
func (d *Device) GetState() (uint8, error) {
	payload, err := d.X.ExpectTag(qda.GetStateReq{}, qda.TagDFUGetStateResp)
	if err != nil {
		return 0, fmt.Errorf("dfu: dfu-getstate: %w", err)
	}
	state, err := qda.DecodeState(payload)
	if err != nil {
		return 0, fmt.Errorf("dfu: dfu-getstate: %w", err)
	}
	return state, nil
}

// Abort requests DFU_ABORT, returning to dfuIDLE from any interruptible
// state.
func (d *Device) Abort() error {
	_, err := d.X.ExpectTag(qda.Abort{}, qda.TagACK)
	if err != nil {
		return fmt.Errorf("dfu: dfu-abort: %w", err)
	}
	return nil
}

// dfuDNBUSY and dfuMANIFEST are the transient states WaitWhileBusy
// polls through; they are the DFU 1.1 state numbers 4 and 7.
const (
	stateDNBusy   = 4
	stateManifest = 7
)

// WaitWhileBusy polls GetStatus (using the device-reported poll
// timeout as the interval between polls) until bState leaves
// dfuDNBUSY/dfuMANIFEST, or deadline elapses.
func (d *Device) WaitWhileBusy(deadline time.Duration) (qda.Status, error) {
	start := time.Now()
	for {
		st, err := d.GetStatus()
		if err != nil {
			return st, err
		}
		if st.State != stateDNBusy && st.State != stateManifest {
			return st, nil
		}
		if time.Since(start) > deadline {
			return st, fmt.Errorf("dfu: wait-while-busy: %w", ErrBusy)
		}
		interval := time.Duration(st.PollTimeout) * time.Millisecond
		if interval <= 0 {
			interval = 10 * time.Millisecond
		}
		time.Sleep(interval)
	}
}
