package block

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
)

// FileDevice is a Backend over a contiguous extent of a local file or raw
// device. Pools carve replicas out of their member devices as FileDevices.
type FileDevice struct {
	uuid string
	file *os.File
	base int64
	geom Geometry

	state  atomic.Int32
	health *HealthTracker

	// injectErr, when set, fails every operation with the stored error.
	// Used by fault-injection tests and by pools while a device is being
	// scrubbed.
	injectErr atomic.Value // injectedErr
}

// injectedErr boxes the injected error so that a nil error (meaning
// "cleared") can still be stored in the atomic.Value.
type injectedErr struct{ err error }

// NewFileDevice opens an extent of length geom.Bytes() at byte offset base
// inside path, creating and sizing the file if it does not exist.
func NewFileDevice(uuid, path string, base int64, geom Geometry) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	end := base + int64(geom.Bytes())
	if fi, err := f.Stat(); err == nil && fi.Size() < end {
		if err := f.Truncate(end); err != nil {
			f.Close()
			return nil, fmt.Errorf("size %s to %d: %w", path, end, err)
		}
	}
	fd := &FileDevice{
		uuid:   uuid,
		file:   f,
		base:   base,
		geom:   geom,
		health: NewHealthTracker(uuid, 0),
	}
	fd.state.Store(int32(StateOnline))
	return fd, nil
}

func (fd *FileDevice) UUID() string       { return fd.uuid }
func (fd *FileDevice) Kind() Kind         { return KindLocalPool }
func (fd *FileDevice) Geometry() Geometry { return fd.geom }
func (fd *FileDevice) State() State       { return State(fd.state.Load()) }

// SetFaultHandler wires the owner's health-down callback.
func (fd *FileDevice) SetFaultHandler(h FaultHandler) { fd.health.SetFaultHandler(h) }

// InjectError makes every subsequent operation fail with err until cleared
// with nil. Test hook for the mirror failure paths.
func (fd *FileDevice) InjectError(err error) {
	fd.injectErr.Store(injectedErr{err})
}

func (fd *FileDevice) gate(ctx context.Context, offsetBlocks, lengthBlocks uint64) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if v := fd.injectErr.Load(); v != nil {
		if err := v.(injectedErr).err; err != nil {
			fd.health.Observe(err)
			return err
		}
	}
	return fd.geom.CheckRange(offsetBlocks, lengthBlocks)
}

func (fd *FileDevice) Read(ctx context.Context, offsetBlocks, lengthBlocks uint64) ([]byte, error) {
	if err := fd.gate(ctx, offsetBlocks, lengthBlocks); err != nil {
		return nil, err
	}
	buf := make([]byte, lengthBlocks*uint64(fd.geom.BlockSize))
	off := fd.base + int64(offsetBlocks)*int64(fd.geom.BlockSize)
	if _, err := fd.file.ReadAt(buf, off); err != nil {
		err = fmt.Errorf("%w: read %s at block %d: %v", ErrMedium, fd.uuid, offsetBlocks, err)
		fd.health.Observe(err)
		return nil, err
	}
	fd.health.Observe(nil)
	return buf, nil
}

func (fd *FileDevice) Write(ctx context.Context, offsetBlocks uint64, data []byte) error {
	if uint64(len(data))%uint64(fd.geom.BlockSize) != 0 {
		return fmt.Errorf("%w: write length %d not block aligned", ErrProtocol, len(data))
	}
	lengthBlocks := uint64(len(data)) / uint64(fd.geom.BlockSize)
	if err := fd.gate(ctx, offsetBlocks, lengthBlocks); err != nil {
		return err
	}
	off := fd.base + int64(offsetBlocks)*int64(fd.geom.BlockSize)
	if _, err := fd.file.WriteAt(data, off); err != nil {
		err = fmt.Errorf("%w: write %s at block %d: %v", ErrMedium, fd.uuid, offsetBlocks, err)
		fd.health.Observe(err)
		return err
	}
	fd.health.Observe(nil)
	return nil
}

func (fd *FileDevice) Flush(ctx context.Context) error {
	if err := fd.gate(ctx, 0, 0); err != nil {
		return err
	}
	if err := fd.file.Sync(); err != nil {
		return fmt.Errorf("%w: flush %s: %v", ErrMedium, fd.uuid, err)
	}
	return nil
}

// Unmap zero-fills the range. A file extent has no discard primitive, and
// zeroes keep rebuild reads deterministic.
func (fd *FileDevice) Unmap(ctx context.Context, offsetBlocks, lengthBlocks uint64) error {
	if err := fd.gate(ctx, offsetBlocks, lengthBlocks); err != nil {
		return err
	}
	zero := make([]byte, lengthBlocks*uint64(fd.geom.BlockSize))
	return fd.Write(ctx, offsetBlocks, zero)
}

func (fd *FileDevice) Close() error {
	fd.state.Store(int32(StateDisconnected))
	return fd.file.Close()
}
