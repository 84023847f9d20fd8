// Package iscsi implements a compact iSCSI target and initiator over
// TCP. The login negotiation is a single-exchange operational stage and
// every data phase runs as immediate or single-PDU transfers, which is
// enough for the SCSI command set the data plane needs: READ(16),
// WRITE(16), SYNCHRONIZE CACHE(10), UNMAP, READ CAPACITY(16), INQUIRY
// and TEST UNIT READY.
package iscsi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/srilakshmi/nexus/block"
)

// DefaultPort is the IANA iSCSI portal port.
const DefaultPort = 3260

// IQNPrefix roots every target name this package hands out.
const IQNPrefix = "iqn.2019-05.io.nexus"

// TargetIQN derives the qualified target name for a shared device.
func TargetIQN(name string) string {
	if strings.HasPrefix(name, "iqn.") {
		return name
	}
	return fmt.Sprintf("%s:%s", IQNPrefix, name)
}

const bhsSize = 48

// Initiator and target opcodes, basic header segment byte 0.
const (
	opNopOut       = 0x00
	opSCSICommand  = 0x01
	opLoginRequest = 0x03
	opLogoutReq    = 0x06

	opNopIn         = 0x20
	opSCSIResponse  = 0x21
	opLoginResponse = 0x23
	opDataIn        = 0x25
	opLogoutResp    = 0x26
)

const (
	flagFinal = 0x80
	// Login transit bit plus next-stage full feature phase.
	flagLoginTransitFFP = 0x80 | 0x03
	// Data-In flags: final PDU that also carries SCSI status.
	flagDataInStatus = 0x80 | 0x01
)

// Login response status classes.
const (
	loginStatusSuccess        = 0x0000
	loginStatusAuthFailure    = 0x0201
	loginStatusTargetNotFound = 0x0203
)

// SCSI operation codes carried in the 16-byte CDB.
const (
	cdbTestUnitReady   = 0x00
	cdbInquiry         = 0x12
	cdbSyncCache10     = 0x35
	cdbUnmap           = 0x42
	cdbRead16          = 0x88
	cdbWrite16         = 0x8A
	cdbServiceActionIn = 0x9E

	serviceActionReadCapacity16 = 0x10
)

// SCSI status codes.
const (
	scsiGood           = 0x00
	scsiCheckCondition = 0x02
)

// Sense keys reported with CHECK CONDITION.
const (
	senseNotReady       = 0x02
	senseMediumError    = 0x03
	senseIllegalRequest = 0x05
	senseAbortedCommand = 0x0B
)

// pdu is one iSCSI protocol data unit: the 48-byte basic header segment
// plus its data segment. Additional header segments are never used here.
type pdu struct {
	op    uint8
	flags uint8
	// resp and status map to BHS bytes 2 and 3: the iSCSI response
	// code and SCSI status on response and Data-In PDUs.
	resp   uint8
	status uint8
	lun    uint64
	itt    uint32
	// xfer is the expected data transfer length of a SCSI command,
	// reused as the status dword on responses.
	xfer uint32
	// cdb holds bytes 32..47 for SCSI command PDUs, and the
	// opcode-specific dwords for everything else.
	cdb  [16]byte
	data []byte
}

func pad4(n int) int { return (4 - n%4) % 4 }

// writePDU serializes the header and data segment, padding data to a
// four-byte boundary as the transport requires.
func writePDU(w io.Writer, p *pdu) error {
	buf := make([]byte, bhsSize+len(p.data)+pad4(len(p.data)))
	buf[0] = p.op
	buf[1] = p.flags
	buf[2] = p.resp
	buf[3] = p.status
	buf[5] = byte(len(p.data) >> 16)
	buf[6] = byte(len(p.data) >> 8)
	buf[7] = byte(len(p.data))
	binary.BigEndian.PutUint64(buf[8:16], p.lun)
	binary.BigEndian.PutUint32(buf[16:20], p.itt)
	binary.BigEndian.PutUint32(buf[20:24], p.xfer)
	copy(buf[32:48], p.cdb[:])
	copy(buf[bhsSize:], p.data)
	_, err := w.Write(buf)
	return err
}

// maxDataSegment bounds a peer-announced data segment so a corrupt
// header cannot trigger an oversized allocation.
const maxDataSegment = 16 << 20

// readPDU reads one full PDU including data segment padding.
func readPDU(r io.Reader) (*pdu, error) {
	hdr := make([]byte, bhsSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	if hdr[4] != 0 {
		return nil, fmt.Errorf("%w: unexpected additional header segments", block.ErrProtocol)
	}
	dataLen := int(hdr[5])<<16 | int(hdr[6])<<8 | int(hdr[7])
	if dataLen > maxDataSegment {
		return nil, fmt.Errorf("%w: data segment %d exceeds limit", block.ErrProtocol, dataLen)
	}
	p := &pdu{
		op:     hdr[0] & 0x3F,
		flags:  hdr[1],
		resp:   hdr[2],
		status: hdr[3],
		lun:    binary.BigEndian.Uint64(hdr[8:16]),
		itt:    binary.BigEndian.Uint32(hdr[16:20]),
		xfer:   binary.BigEndian.Uint32(hdr[20:24]),
	}
	copy(p.cdb[:], hdr[32:48])
	if dataLen > 0 {
		p.data = make([]byte, dataLen)
		if _, err := io.ReadFull(r, p.data); err != nil {
			return nil, err
		}
	}
	if pad := pad4(dataLen); pad > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(pad)); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// encodeText serializes login key=value pairs, each NUL terminated.
func encodeText(kv map[string]string) []byte {
	var b []byte
	for k, v := range kv {
		b = append(b, k...)
		b = append(b, '=')
		b = append(b, v...)
		b = append(b, 0)
	}
	return b
}

// decodeText parses a login text data segment.
func decodeText(data []byte) map[string]string {
	kv := make(map[string]string)
	for _, field := range strings.Split(string(data), "\x00") {
		if k, v, ok := strings.Cut(field, "="); ok {
			kv[k] = v
		}
	}
	return kv
}

// fixedSense builds fixed-format sense data for a CHECK CONDITION.
func fixedSense(key uint8) []byte {
	// Two-byte length prefix, then 18 bytes of fixed format sense.
	s := make([]byte, 2+18)
	binary.BigEndian.PutUint16(s[0:2], 18)
	s[2] = 0x70 // current error, fixed format
	s[4] = key
	s[9] = 10 // additional sense length
	return s
}

// senseFor maps a backend failure to a sense key.
func senseFor(err error) uint8 {
	switch {
	case errors.Is(err, block.ErrOutOfRange):
		return senseIllegalRequest
	case errors.Is(err, block.ErrMedium):
		return senseMediumError
	case errors.Is(err, block.ErrTimeout):
		return senseAbortedCommand
	case errors.Is(err, block.ErrDisconnected):
		return senseNotReady
	default:
		return senseAbortedCommand
	}
}

// errorForSense maps received sense back into the backend taxonomy.
func errorForSense(key uint8) error {
	switch key {
	case senseIllegalRequest:
		return fmt.Errorf("%w: target rejected request", block.ErrOutOfRange)
	case senseMediumError:
		return fmt.Errorf("%w: target reported medium error", block.ErrMedium)
	case senseNotReady:
		return fmt.Errorf("%w: target not ready", block.ErrDisconnected)
	default:
		return fmt.Errorf("%w: command failed with sense key 0x%02x", block.ErrProtocol, key)
	}
}

// scsiErr classifies a socket failure during a session.
func scsiErr(op string, err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %s: %v", block.ErrTimeout, op, err)
	}
	return fmt.Errorf("%w: %s: %v", block.ErrDisconnected, op, err)
}
