package block

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

func testDevice(t *testing.T, geom Geometry) *FileDevice {
	t.Helper()
	path := filepath.Join(t.TempDir(), "extent.img")
	fd, err := NewFileDevice("dev-1", path, 0, geom)
	if err != nil {
		t.Fatalf("NewFileDevice failed: %v", err)
	}
	t.Cleanup(func() { fd.Close() })
	return fd
}

func TestFileDevice(t *testing.T) {
	geom := Geometry{BlockSize: 512, NumBlocks: 64}
	ctx := context.Background()

	t.Run("Write and read back", func(t *testing.T) {
		fd := testDevice(t, geom)

		data := bytes.Repeat([]byte{0xAB}, 4*512)
		if err := fd.Write(ctx, 8, data); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		got, err := fd.Read(ctx, 8, 4)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Error("Read data doesn't match written data")
		}
	})

	t.Run("Unmap zero-fills", func(t *testing.T) {
		fd := testDevice(t, geom)

		if err := fd.Write(ctx, 0, bytes.Repeat([]byte{0xFF}, 2*512)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if err := fd.Unmap(ctx, 0, 2); err != nil {
			t.Fatalf("Unmap failed: %v", err)
		}
		got, err := fd.Read(ctx, 0, 2)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if !bytes.Equal(got, make([]byte, 2*512)) {
			t.Error("Unmapped range should read as zeroes")
		}
	})

	t.Run("Out of range rejected", func(t *testing.T) {
		fd := testDevice(t, geom)

		if _, err := fd.Read(ctx, 60, 8); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("expected ErrOutOfRange, got %v", err)
		}
		if err := fd.Write(ctx, 64, make([]byte, 512)); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("expected ErrOutOfRange, got %v", err)
		}
	})

	t.Run("Unaligned write rejected", func(t *testing.T) {
		fd := testDevice(t, geom)

		if err := fd.Write(ctx, 0, make([]byte, 100)); !errors.Is(err, ErrProtocol) {
			t.Errorf("expected ErrProtocol, got %v", err)
		}
	})

	t.Run("Injected error fails operations", func(t *testing.T) {
		fd := testDevice(t, geom)

		boom := fmt.Errorf("%w: injected", ErrMedium)
		fd.InjectError(boom)
		if _, err := fd.Read(ctx, 0, 1); !errors.Is(err, ErrMedium) {
			t.Errorf("expected ErrMedium, got %v", err)
		}
		fd.InjectError(nil)
		if _, err := fd.Read(ctx, 0, 1); err != nil {
			t.Errorf("Read after clearing injection failed: %v", err)
		}
	})

	t.Run("Cancelled context maps to timeout", func(t *testing.T) {
		fd := testDevice(t, geom)

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		if _, err := fd.Read(cctx, 0, 1); !errors.Is(err, ErrTimeout) {
			t.Errorf("expected ErrTimeout, got %v", err)
		}
	})
}

func TestHealthTracker(t *testing.T) {
	t.Run("Disconnect reports down immediately", func(t *testing.T) {
		var gotUUID string
		ht := NewHealthTracker("dev-a", 0)
		ht.SetFaultHandler(func(uuid string, err error) { gotUUID = uuid })

		ht.Observe(fmt.Errorf("%w: peer gone", ErrDisconnected))
		if gotUUID != "dev-a" {
			t.Errorf("fault handler not invoked, got uuid %q", gotUUID)
		}
	})

	t.Run("Timeouts report down at threshold", func(t *testing.T) {
		fired := 0
		ht := NewHealthTracker("dev-b", 3)
		ht.SetFaultHandler(func(string, error) { fired++ })

		terr := fmt.Errorf("%w: slow", ErrTimeout)
		ht.Observe(terr)
		ht.Observe(terr)
		if fired != 0 {
			t.Fatal("handler fired below threshold")
		}
		ht.Observe(terr)
		if fired != 1 {
			t.Errorf("handler fired %d times, expected 1", fired)
		}
		// Already down; further errors must not re-fire.
		ht.Observe(terr)
		if fired != 1 {
			t.Errorf("handler re-fired, count %d", fired)
		}
	})

	t.Run("Success resets the timeout streak", func(t *testing.T) {
		fired := 0
		ht := NewHealthTracker("dev-c", 3)
		ht.SetFaultHandler(func(string, error) { fired++ })

		terr := fmt.Errorf("%w: slow", ErrTimeout)
		ht.Observe(terr)
		ht.Observe(terr)
		ht.Observe(nil)
		ht.Observe(terr)
		ht.Observe(terr)
		if fired != 0 {
			t.Error("handler fired despite reset")
		}
	})

	t.Run("Medium errors never report down", func(t *testing.T) {
		fired := 0
		ht := NewHealthTracker("dev-d", 1)
		ht.SetFaultHandler(func(string, error) { fired++ })

		ht.Observe(fmt.Errorf("%w: bad sector", ErrMedium))
		if fired != 0 {
			t.Error("medium error must not trip health-down")
		}
	})
}

func TestGeometry(t *testing.T) {
	g := Geometry{BlockSize: 4096, NumBlocks: 1024}
	if g.Bytes() != 4096*1024 {
		t.Errorf("Bytes() = %d", g.Bytes())
	}
	if err := g.CheckRange(1023, 1); err != nil {
		t.Errorf("last block should be in range: %v", err)
	}
	if err := g.CheckRange(1023, 2); err == nil {
		t.Error("range past the end should be rejected")
	}
	if err := g.CheckRange(1, ^uint64(0)); err == nil {
		t.Error("overflowing range should be rejected")
	}
}
