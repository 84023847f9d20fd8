// Package nvmeof implements the NVMe-oF/TCP transport: a target that
// publishes a logical block device to remote initiators, and an initiator
// used to import a remote replica as a nexus backend.
package nvmeof

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/srilakshmi/nexus/block"
)

// targetOpTimeout bounds one device operation issued on behalf of a
// remote command. It exceeds the nexus's internal per-backend timeout so
// the nexus, not the transport, classifies slow backends.
const targetOpTimeout = 60 * time.Second

func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), targetOpTimeout)
}

// Well-known ports. The nexus-facing and replica-facing targets listen on
// distinct ports so firewalling and test automation can address them
// independently.
const (
	DefaultNexusPort   = 8420
	DefaultReplicaPort = 8430
)

// NQNPrefix is the base of every subsystem qualified name this node
// exposes.
const NQNPrefix = "nqn.2019-05.io.nexus"

// SubsystemNQN derives the qualified name for a shared device.
func SubsystemNQN(name string) string {
	if strings.HasPrefix(name, "nqn.") {
		return name
	}
	return fmt.Sprintf("%s:%s", NQNPrefix, name)
}

// Capsule sizes.
const (
	commandSize    = 64
	completionSize = 16
	connectDataLen = 512 // host NQN and subsystem NQN, 256 bytes each
	identifyLen    = 4096
)

// Command opcodes.
const (
	OpFlush    = 0x00
	OpWrite    = 0x01
	OpRead     = 0x02
	OpIdentify = 0x06
	OpDSM      = 0x09 // dataset management; deallocate maps to Unmap
	OpFabrics  = 0x7F
)

// Fabrics command types.
const (
	FabricsConnect    = 0x01
	FabricsDisconnect = 0x08
)

// Identify CNS values.
const (
	CNSNamespace  = 0x00
	CNSController = 0x01
)

// DSM attribute bit selecting deallocate.
const dsmDeallocate = 1 << 2

// Completion status codes.
const (
	StatusSuccess       = 0x0000
	StatusInvalidOpcode = 0x0001
	StatusInvalidField  = 0x0002
	StatusDataXferError = 0x0004
	StatusInternalError = 0x0006
	StatusLBAOutOfRange = 0x0080
	StatusNamespaceBusy = 0x0082
	StatusMediumError   = 0x0281
	StatusAccessDenied  = 0x0286
)

// Command is the 64-byte submission capsule. The union fields mirror the
// NVMe SQE layout for the opcodes this transport speaks.
type Command struct {
	Opcode    uint8
	Flags     uint8
	CommandID uint16
	NSID      uint32

	// Read/Write/DSM
	SLBA   uint64
	Length uint16 // zero-based block count

	// Identify
	CNS uint8

	// Fabrics
	FCType uint8
	QID    uint16
	SQSize uint16
}

// Completion is the 16-byte completion capsule.
type Completion struct {
	DW0       uint32
	SQID      uint16
	CommandID uint16
	Status    uint16
}

// Blocks returns the one-based block count of an I/O command.
func (c *Command) Blocks() uint32 { return uint32(c.Length) + 1 }

func marshalCommand(c *Command) []byte {
	buf := make([]byte, commandSize)
	buf[0] = c.Opcode
	buf[1] = c.Flags
	binary.LittleEndian.PutUint16(buf[2:4], c.CommandID)
	binary.LittleEndian.PutUint32(buf[4:8], c.NSID)

	switch c.Opcode {
	case OpRead, OpWrite, OpDSM:
		binary.LittleEndian.PutUint64(buf[40:48], c.SLBA)
		binary.LittleEndian.PutUint16(buf[48:50], c.Length)
	case OpIdentify:
		buf[40] = c.CNS
	case OpFabrics:
		buf[40] = c.FCType
		binary.LittleEndian.PutUint16(buf[44:46], c.SQSize)
		binary.LittleEndian.PutUint16(buf[46:48], c.QID)
	}
	return buf
}

func unmarshalCommand(buf []byte) (*Command, error) {
	if len(buf) < commandSize {
		return nil, fmt.Errorf("%w: short command capsule (%d bytes)", block.ErrProtocol, len(buf))
	}
	c := &Command{
		Opcode:    buf[0],
		Flags:     buf[1],
		CommandID: binary.LittleEndian.Uint16(buf[2:4]),
		NSID:      binary.LittleEndian.Uint32(buf[4:8]),
	}
	switch c.Opcode {
	case OpRead, OpWrite, OpDSM:
		c.SLBA = binary.LittleEndian.Uint64(buf[40:48])
		c.Length = binary.LittleEndian.Uint16(buf[48:50])
	case OpIdentify:
		c.CNS = buf[40]
	case OpFabrics:
		c.FCType = buf[40]
		c.SQSize = binary.LittleEndian.Uint16(buf[44:46])
		c.QID = binary.LittleEndian.Uint16(buf[46:48])
	}
	return c, nil
}

func marshalCompletion(c *Completion) []byte {
	buf := make([]byte, completionSize)
	binary.LittleEndian.PutUint32(buf[0:4], c.DW0)
	binary.LittleEndian.PutUint16(buf[10:12], c.SQID)
	binary.LittleEndian.PutUint16(buf[12:14], c.CommandID)
	binary.LittleEndian.PutUint16(buf[14:16], c.Status)
	return buf
}

func unmarshalCompletion(buf []byte) *Completion {
	return &Completion{
		DW0:       binary.LittleEndian.Uint32(buf[0:4]),
		SQID:      binary.LittleEndian.Uint16(buf[10:12]),
		CommandID: binary.LittleEndian.Uint16(buf[12:14]),
		Status:    binary.LittleEndian.Uint16(buf[14:16]),
	}
}

func marshalConnectData(hostNQN, subsysNQN string) []byte {
	buf := make([]byte, connectDataLen)
	copy(buf[0:256], hostNQN)
	copy(buf[256:512], subsysNQN)
	return buf
}

func unmarshalConnectData(buf []byte) (hostNQN, subsysNQN string) {
	trim := func(b []byte) string { return strings.TrimRight(string(b), "\x00") }
	return trim(buf[0:256]), trim(buf[256:512])
}

// statusFor maps a nexus/backend error class onto a completion status.
func statusFor(err error) uint16 {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, block.ErrOutOfRange):
		return StatusLBAOutOfRange
	case errors.Is(err, block.ErrMedium):
		return StatusMediumError
	case errors.Is(err, block.ErrProtocol):
		return StatusInvalidField
	case errors.Is(err, block.ErrTimeout), errors.Is(err, block.ErrDisconnected):
		return StatusDataXferError
	default:
		return StatusInternalError
	}
}

// errorFor maps a received completion status back onto the backend error
// taxonomy.
func errorFor(status uint16) error {
	switch status {
	case StatusSuccess:
		return nil
	case StatusLBAOutOfRange:
		return fmt.Errorf("%w: target rejected LBA range", block.ErrOutOfRange)
	case StatusMediumError:
		return fmt.Errorf("%w: target reported media failure", block.ErrMedium)
	case StatusInvalidField, StatusInvalidOpcode:
		return fmt.Errorf("%w: target rejected command (0x%04x)", block.ErrProtocol, status)
	case StatusDataXferError:
		return fmt.Errorf("%w: data transfer failed", block.ErrTimeout)
	default:
		return fmt.Errorf("%w: target status 0x%04x", block.ErrMedium, status)
	}
}
