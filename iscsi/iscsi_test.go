package iscsi

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/srilakshmi/nexus/block"
)

var testGeom = block.Geometry{BlockSize: 512, NumBlocks: 128}

func startTarget(t *testing.T) *Target {
	t.Helper()
	tgt := NewTarget("127.0.0.1:0", "", nil)
	if err := tgt.Start(); err != nil {
		t.Fatalf("target Start failed: %v", err)
	}
	t.Cleanup(func() { tgt.Stop() })
	return tgt
}

func shareDevice(t *testing.T, tgt *Target, name string, initiators []string) (block.Device, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), name+".img")
	fd, err := block.NewFileDevice(name, path, 0, testGeom)
	if err != nil {
		t.Fatalf("NewFileDevice failed: %v", err)
	}
	t.Cleanup(func() { fd.Close() })
	uri, err := tgt.Share(name, fd, initiators)
	if err != nil {
		t.Fatalf("Share failed: %v", err)
	}
	return fd, uri
}

func TestSessionLoopback(t *testing.T) {
	ctx := context.Background()
	tgt := startTarget(t)
	dev, uri := shareDevice(t, tgt, "lun1", nil)

	ini, err := ConnectURI(ctx, uri, InitiatorConfig{UUID: "remote-1"})
	if err != nil {
		t.Fatalf("ConnectURI failed: %v", err)
	}
	defer ini.Close()

	t.Run("Read capacity reports the geometry", func(t *testing.T) {
		if g := ini.Geometry(); g != testGeom {
			t.Errorf("geometry = %+v, expected %+v", g, testGeom)
		}
		if ini.Kind() != block.KindIscsi {
			t.Errorf("kind = %s", ini.Kind())
		}
	})

	t.Run("Write and read through the session", func(t *testing.T) {
		data := bytes.Repeat([]byte{0x9B}, 4*512)
		if err := ini.Write(ctx, 12, data); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		got, err := ini.Read(ctx, 12, 4)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Error("session read mismatch")
		}
		local, err := dev.Read(ctx, 12, 4)
		if err != nil {
			t.Fatalf("local read failed: %v", err)
		}
		if !bytes.Equal(local, data) {
			t.Error("backing device content mismatch")
		}
	})

	t.Run("Synchronize cache and unmap", func(t *testing.T) {
		if err := ini.Write(ctx, 30, bytes.Repeat([]byte{0xFF}, 2*512)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if err := ini.Flush(ctx); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}
		if err := ini.Unmap(ctx, 30, 2); err != nil {
			t.Fatalf("Unmap failed: %v", err)
		}
		got, err := ini.Read(ctx, 30, 2)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if !bytes.Equal(got, make([]byte, 2*512)) {
			t.Error("unmapped range should read as zeroes")
		}
	})

	t.Run("Out of range maps to the error taxonomy", func(t *testing.T) {
		if _, err := ini.Read(ctx, 127, 4); !errors.Is(err, block.ErrOutOfRange) {
			t.Errorf("expected ErrOutOfRange, got %v", err)
		}
	})

	t.Run("Zero-length read and unmap are no-ops", func(t *testing.T) {
		data, err := ini.Read(ctx, 10, 0)
		if err != nil || len(data) != 0 {
			t.Errorf("zero read = %d bytes, %v", len(data), err)
		}
		if err := ini.Unmap(ctx, 10, 0); err != nil {
			t.Errorf("zero unmap failed: %v", err)
		}
	})
}

func TestInitiatorAccessGroup(t *testing.T) {
	ctx := context.Background()
	tgt := startTarget(t)

	allowed := IQNPrefix + ":initiator-good"
	_, uri := shareDevice(t, tgt, "guarded", []string{allowed})

	t.Run("Listed initiator logs in", func(t *testing.T) {
		ini, err := ConnectURI(ctx, uri, InitiatorConfig{InitiatorName: allowed})
		if err != nil {
			t.Fatalf("allowed initiator rejected: %v", err)
		}
		ini.Close()
	})

	t.Run("Unlisted initiator is denied", func(t *testing.T) {
		_, err := ConnectURI(ctx, uri, InitiatorConfig{InitiatorName: IQNPrefix + ":initiator-evil"})
		if !errors.Is(err, block.ErrProtocol) {
			t.Errorf("expected ErrProtocol denial, got %v", err)
		}
	})

	t.Run("Unknown target is denied", func(t *testing.T) {
		_, err := Connect(ctx, tgt.Addr(), "no-such-target", InitiatorConfig{})
		if !errors.Is(err, block.ErrProtocol) {
			t.Errorf("expected ErrProtocol, got %v", err)
		}
	})
}

func TestUnshareSeversSessions(t *testing.T) {
	ctx := context.Background()
	tgt := startTarget(t)
	_, uri := shareDevice(t, tgt, "ephemeral", nil)

	ini, err := ConnectURI(ctx, uri, InitiatorConfig{})
	if err != nil {
		t.Fatalf("ConnectURI failed: %v", err)
	}
	defer ini.Close()

	if err := tgt.Unshare("ephemeral"); err != nil {
		t.Fatalf("Unshare failed: %v", err)
	}
	if _, err := ini.Read(ctx, 0, 1); !errors.Is(err, block.ErrDisconnected) {
		t.Errorf("expected ErrDisconnected after unshare, got %v", err)
	}
}

func TestPDUCodec(t *testing.T) {
	t.Run("Roundtrip with data padding", func(t *testing.T) {
		var buf bytes.Buffer
		in := &pdu{
			op:     opSCSICommand,
			flags:  flagFinal,
			status: scsiGood,
			lun:    3,
			itt:    99,
			xfer:   1234,
			data:   []byte("abcde"), // needs 3 pad bytes
		}
		in.cdb[0] = cdbRead16
		if err := writePDU(&buf, in); err != nil {
			t.Fatalf("writePDU failed: %v", err)
		}
		if buf.Len() != bhsSize+8 {
			t.Errorf("wire length %d, expected %d", buf.Len(), bhsSize+8)
		}
		out, err := readPDU(&buf)
		if err != nil {
			t.Fatalf("readPDU failed: %v", err)
		}
		if out.op != in.op || out.itt != in.itt || out.lun != in.lun ||
			out.xfer != in.xfer || !bytes.Equal(out.data, in.data) {
			t.Errorf("pdu roundtrip mismatch: %+v", out)
		}
	})

	t.Run("Login text keys", func(t *testing.T) {
		kv := decodeText(encodeText(map[string]string{
			"InitiatorName": "iqn.x",
			"TargetName":    "iqn.y",
		}))
		if kv["InitiatorName"] != "iqn.x" || kv["TargetName"] != "iqn.y" {
			t.Errorf("text roundtrip mismatch: %v", kv)
		}
	})
}
