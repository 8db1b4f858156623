package qda

// Status and state name tables, straight out of USB DFU 1.1 section
// 6.1.2. The upstream tool this was ported from shipped a duplicate of
// this file with a placeholder state-to-string function that always
// returned "State to string: N/A" instead of indexing the table below;
// that bug is not reproduced here -- StateName does the indexed
// lookup its name promises.

var statusNames = [...]string{
	"OK",
	"errTARGET",
	"errFILE",
	"errWRITE",
	"errERASE",
	"errCHECK_ERASED",
	"errPROG",
	"errVERIFY",
	"errADDRESS",
	"errNOTDONE",
	"errFIRMWARE",
	"errVENDOR",
	"errUSBR",
	"errPOR",
	"errUNKNOWN",
	"errSTALLEDPKT",
}

var stateNames = [...]string{
	"appIDLE",
	"appDETACH",
	"dfuIDLE",
	"dfuDNLOAD-SYNC",
	"dfuDNBUSY",
	"dfuDNLOAD-IDLE",
	"dfuMANIFEST-SYNC",
	"dfuMANIFEST",
	"dfuMANIFEST-WAIT-RESET",
	"dfuUPLOAD-IDLE",
	"dfuERROR",
}

const unknownName = "unknown"

// StatusName maps a DFU_GETSTATUS bStatus byte to its DFU 1.1 name, or
// "unknown" for any value outside the 0-15 defined range.
func StatusName(b uint8) string {
	if int(b) >= len(statusNames) {
		return unknownName
	}
	return statusNames[b]
}

// StateName maps a DFU bState byte to its DFU 1.1 name, or "unknown"
// for any value outside the 0-10 defined range.
func StateName(b uint8) string {
	if int(b) >= len(stateNames) {
		return unknownName
	}
	return stateNames[b]
}
