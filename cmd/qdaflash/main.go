// Command qdaflash talks DFU-over-QDA to a device attached on a
// serial port: list its descriptors, detach it into bootloader mode,
// and upload or download firmware images over the XMODEM-CRC
// transport the protocol tunnels through.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/doismellburning/qdaflash/config"
	"github.com/doismellburning/qdaflash/dfu"
	"github.com/doismellburning/qdaflash/logging"
	"github.com/doismellburning/qdaflash/qda"
	"github.com/doismellburning/qdaflash/serial"
	"github.com/doismellburning/qdaflash/xmodem"
)

var (
	portFlag    = pflag.StringP("port", "p", "/dev/ttyUSB0", "Serial device path")
	baudFlag    = pflag.IntP("baud", "b", 115200, "Baud rate")
	verboseFlag = pflag.CountP("verbose", "v", "Increase logging verbosity; repeat for more detail")
	profileFlag = pflag.String("profile", config.DefaultPath(), "Device profile store path")
	helpFlag    = pflag.Bool("help", false, "Display help text")
)

// manifestTimeout bounds how long runDownload waits for the device to
// leave dfuDNBUSY/dfuMANIFEST after the terminator block, covering the
// typical flash-erase-and-verify delay of the devices this protocol
// targets.
const manifestTimeout = 30 * time.Second

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options] <mode> [args]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Modes:\n")
	fmt.Fprintf(os.Stderr, "  version              print build and protocol version info\n")
	fmt.Fprintf(os.Stderr, "  list                 query and print device descriptors\n")
	fmt.Fprintf(os.Stderr, "  detach                pulse RTS to enter DFU mode\n")
	fmt.Fprintf(os.Stderr, "  upload <file>         read firmware from the device into <file>\n")
	fmt.Fprintf(os.Stderr, "  download <file>       write <file> to the device as firmware\n\n")
	fmt.Fprintf(os.Stderr, "Options:\n")
	pflag.PrintDefaults()
}

func main() {
	pflag.Usage = usage
	pflag.Parse()

	if *helpFlag || pflag.NArg() == 0 {
		usage()
		if pflag.NArg() == 0 {
			os.Exit(1)
		}
		return
	}

	logger := logging.New(*verboseFlag)
	mode := pflag.Arg(0)

	if mode == "version" {
		printVersion()
		return
	}

	port, err := serial.Open(*portFlag, *baudFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "qdaflash: %v\n", err)
		os.Exit(1)
	}
	defer port.Close()

	installSignalHandler(port)

	x := xmodem.NewContext(port, logger)
	q := qda.NewContext(x, logger)
	device := dfu.New(q)

	if err := dispatch(mode, device); err != nil {
		fmt.Fprintf(os.Stderr, "qdaflash: %v\n", err)
		os.Exit(1)
	}
}

func dispatch(mode string, device *dfu.Device) error {
	switch mode {
	case "list":
		return runList(device)
	case "detach":
		return device.Detach()
	case "upload":
		if pflag.NArg() < 2 {
			return fmt.Errorf("upload requires a destination file path")
		}
		return runUpload(device, pflag.Arg(1))
	case "download":
		if pflag.NArg() < 2 {
			return fmt.Errorf("download requires a source file path")
		}
		return runDownload(device, pflag.Arg(1))
	default:
		usage()
		return fmt.Errorf("unknown mode %q", mode)
	}
}

func runList(device *dfu.Device) error {
	dd, err := device.DeviceDescriptor()
	if err != nil {
		return err
	}
	id, err := device.InterfaceDescriptor()
	if err != nil {
		return err
	}

	fmt.Printf("Device: idVendor=%#04x idProduct=%#04x bcdDevice=%#04x\n", dd.IDVendor, dd.IDProduct, dd.BcdDevice)
	fmt.Printf("DFU interface: numAltSettings=%d attributes=%#02x detachTimeout=%dms transferSize=%d\n",
		id.NumAltSettings, id.Attributes, id.DetachTimeout, id.TransferSize)

	store, err := config.Load(*profileFlag)
	if err != nil {
		return err
	}
	store.Remember(*portFlag, *baudFlag, dd, id)
	return store.Save(*profileFlag)
}

func runUpload(device *dfu.Device, path string) error {
	id, err := device.InterfaceDescriptor()
	if err != nil {
		return err
	}
	blockSize := id.TransferSize
	if blockSize == 0 {
		blockSize = qda.TransportBufferSize - 64
	}

	data, err := device.UploadAll(blockSize)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func runDownload(device *dfu.Device, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("qdaflash: read %s: %w", path, err)
	}

	id, err := device.InterfaceDescriptor()
	if err != nil {
		return err
	}
	blockSize := id.TransferSize
	if blockSize == 0 {
		blockSize = qda.TransportBufferSize - 64
	}

	if err := device.DownloadAll(data, blockSize); err != nil {
		return err
	}

	st, err := device.WaitWhileBusy(manifestTimeout)
	if err != nil {
		return err
	}
	fmt.Printf("download complete: status=%s state=%s\n", qda.StatusName(st.Status), qda.StateName(st.State))
	return nil
}

// installSignalHandler closes port (restoring its original settings)
// and exits 128+signum on SIGINT/SIGTERM, mirroring the teacher's
// main-loop interrupt handling without direwolf's audio-device
// teardown, which has no analogue here.
func installSignalHandler(port serial.Port) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		port.Close() //nolint:errcheck // exiting regardless
		signum, _ := sig.(syscall.Signal)
		os.Exit(128 + int(signum))
	}()
}

func printVersion() {
	bi, _ := debug.ReadBuildInfo()
	revision := "UNKNOWN"
	if bi != nil {
		for _, s := range bi.Settings {
			if s.Key == "vcs.revision" {
				revision = s.Value
			}
		}
	}
	fmt.Printf("qdaflash (revision %s)\n", revision)
	fmt.Printf("protocol: XMODEM-CRC block=%d maxRetransmit=%d maxRxErrors=%d\n",
		xmodem.BlockSize, xmodem.MaxRetransmit, xmodem.MaxRxErrors)
	fmt.Printf("transport buffer: %d bytes\n", qda.TransportBufferSize)
}
