// Package block defines the backend contract shared by local pool replicas
// and remote replicas imported over a block transport.
package block

import (
	"context"
	"errors"
	"fmt"
)

// Kind identifies the transport behind a backend.
type Kind string

const (
	KindLocalPool Kind = "local-pool"
	KindNvmf      Kind = "nvmf"
	KindIscsi     Kind = "iscsi"
)

// State is the connection state of a backend.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOnline
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOnline:
		return "online"
	case StateDegraded:
		return "degraded"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Backend error taxonomy. Backends wrap these with %w so callers can
// classify with errors.Is.
var (
	// ErrTimeout is returned when a backend operation exceeds its deadline.
	ErrTimeout = errors.New("backend timeout")
	// ErrDisconnected is returned when the transport behind a backend is gone.
	ErrDisconnected = errors.New("backend disconnected")
	// ErrMedium is returned for a data integrity or hardware fault reported
	// by the backend. Medium errors are never retried.
	ErrMedium = errors.New("medium error")
	// ErrProtocol is returned on a transport-level protocol violation.
	ErrProtocol = errors.New("protocol error")
	// ErrOutOfRange is returned for an access beyond the end of the device.
	ErrOutOfRange = errors.New("block range out of bounds")
)

// Retryable reports whether an I/O against another mirror member may
// reasonably be retried after this error. Medium and protocol errors are
// terminal for the member that produced them.
func Retryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrDisconnected)
}

// Geometry is the block geometry of a device. Every member of one replica
// set carries the exact same geometry.
type Geometry struct {
	BlockSize uint32
	NumBlocks uint64
}

// Bytes returns the device capacity in bytes.
func (g Geometry) Bytes() uint64 {
	return g.NumBlocks * uint64(g.BlockSize)
}

// CheckRange validates a block-addressed access against the geometry.
func (g Geometry) CheckRange(offsetBlocks, lengthBlocks uint64) error {
	if offsetBlocks+lengthBlocks > g.NumBlocks || offsetBlocks+lengthBlocks < offsetBlocks {
		return fmt.Errorf("%w: [%d..%d) of %d blocks",
			ErrOutOfRange, offsetBlocks, offsetBlocks+lengthBlocks, g.NumBlocks)
	}
	return nil
}

// Device is the minimal logical block device surface. All offsets and
// lengths are in blocks; data lengths are multiples of the block size.
type Device interface {
	Geometry() Geometry
	Read(ctx context.Context, offsetBlocks, lengthBlocks uint64) ([]byte, error)
	Write(ctx context.Context, offsetBlocks uint64, data []byte) error
	Flush(ctx context.Context) error
	Unmap(ctx context.Context, offsetBlocks, lengthBlocks uint64) error
}

// Backend is one backing storage unit owned by a replica set: a local
// pool-backed replica or a connection to a remote replica.
type Backend interface {
	Device

	UUID() string
	Kind() Kind
	State() State
	Close() error
}

// FaultHandler is invoked by a backend that has decided it is unhealthy.
type FaultHandler func(uuid string, err error)

// HealthSink is implemented by backends whose owner wants health-down
// notifications (disconnect, or repeated timeouts beyond a threshold).
type HealthSink interface {
	SetFaultHandler(h FaultHandler)
}
