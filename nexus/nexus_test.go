package nexus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/srilakshmi/nexus/block"
)

var testGeom = block.Geometry{BlockSize: 512, NumBlocks: 256}

func newBackend(t *testing.T, uuid string, geom block.Geometry) *block.FileDevice {
	t.Helper()
	path := filepath.Join(t.TempDir(), uuid+".img")
	fd, err := block.NewFileDevice(uuid, path, 0, geom)
	if err != nil {
		t.Fatalf("NewFileDevice %s failed: %v", uuid, err)
	}
	return fd
}

func newNexus(t *testing.T, uuid string, backends ...block.Backend) *Nexus {
	t.Helper()
	n, err := Create(uuid, testGeom, backends, Options{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return n
}

// waitAllActive polls until every member is Active or the deadline hits.
func waitAllActive(t *testing.T, n *Nexus) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if !n.ReplicaSet().Degraded() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("replica set still degraded: %+v", n.Status().Children)
}

func TestNexusCreate(t *testing.T) {
	t.Run("No backends rejected", func(t *testing.T) {
		if _, err := Create("n0", testGeom, nil, Options{}); !errors.Is(err, ErrNoBackends) {
			t.Errorf("expected ErrNoBackends, got %v", err)
		}
	})

	t.Run("Heterogeneous geometry rejected", func(t *testing.T) {
		a := newBackend(t, "a", testGeom)
		small := newBackend(t, "b", block.Geometry{BlockSize: 512, NumBlocks: 128})
		_, err := Create("n1", testGeom, []block.Backend{a, small}, Options{})
		if !errors.Is(err, ErrConfigMismatch) {
			t.Errorf("expected ErrConfigMismatch, got %v", err)
		}
	})

	t.Run("Create opens with all members active", func(t *testing.T) {
		n := newNexus(t, "n2", newBackend(t, "a", testGeom), newBackend(t, "b", testGeom))
		defer n.Destroy()

		if n.State() != StateOpen {
			t.Errorf("state = %s, expected open", n.State())
		}
		if n.ReplicaSet().Degraded() {
			t.Error("fresh nexus should not be degraded")
		}
	})
}

func TestMirrorReadWrite(t *testing.T) {
	ctx := context.Background()
	a := newBackend(t, "a", testGeom)
	b := newBackend(t, "b", testGeom)
	n := newNexus(t, "mirror", a, b)
	defer n.Destroy()

	t.Run("Write lands on every active member", func(t *testing.T) {
		data := bytes.Repeat([]byte{0x7E}, 8*512)
		if err := n.Write(ctx, 16, data); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		for _, fd := range []*block.FileDevice{a, b} {
			got, err := fd.Read(ctx, 16, 8)
			if err != nil {
				t.Fatalf("backend %s read failed: %v", fd.UUID(), err)
			}
			if !bytes.Equal(got, data) {
				t.Errorf("backend %s content mismatch", fd.UUID())
			}
		}
	})

	t.Run("Reads return the mirrored data", func(t *testing.T) {
		data := bytes.Repeat([]byte{0x11}, 512)
		if err := n.Write(ctx, 0, data); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		// Several reads so the round-robin cursor visits both members.
		for i := 0; i < 4; i++ {
			got, err := n.Read(ctx, 0, 1)
			if err != nil {
				t.Fatalf("Read %d failed: %v", i, err)
			}
			if !bytes.Equal(got, data) {
				t.Errorf("Read %d content mismatch", i)
			}
		}
	})

	t.Run("Unmap mirrors zeroes", func(t *testing.T) {
		if err := n.Write(ctx, 32, bytes.Repeat([]byte{0xFF}, 2*512)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if err := n.Unmap(ctx, 32, 2); err != nil {
			t.Fatalf("Unmap failed: %v", err)
		}
		for _, fd := range []*block.FileDevice{a, b} {
			got, _ := fd.Read(ctx, 32, 2)
			if !bytes.Equal(got, make([]byte, 2*512)) {
				t.Errorf("backend %s not zeroed", fd.UUID())
			}
		}
	})

	t.Run("Write generation advances", func(t *testing.T) {
		before := n.ReplicaSet().Generation()
		if err := n.Write(ctx, 0, make([]byte, 512)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if after := n.ReplicaSet().Generation(); after != before+1 {
			t.Errorf("generation %d -> %d, expected +1", before, after)
		}
	})
}

func TestReplicaMembership(t *testing.T) {
	t.Run("AddReplica duplicate is rejected unchanged", func(t *testing.T) {
		a := newBackend(t, "a", testGeom)
		n := newNexus(t, "m1", a)
		defer n.Destroy()

		dup := newBackend(t, "a", testGeom)
		defer dup.Close()
		if err := n.AddReplica(dup); !errors.Is(err, ErrAlreadyPresent) {
			t.Fatalf("expected ErrAlreadyPresent, got %v", err)
		}
		if n.ReplicaSet().Size() != 1 {
			t.Errorf("membership changed on rejected add: %d members", n.ReplicaSet().Size())
		}
	})

	t.Run("AddReplica geometry mismatch", func(t *testing.T) {
		n := newNexus(t, "m2", newBackend(t, "a", testGeom))
		defer n.Destroy()

		small := newBackend(t, "b", block.Geometry{BlockSize: 512, NumBlocks: 128})
		defer small.Close()
		if err := n.AddReplica(small); !errors.Is(err, ErrSizeMismatch) {
			t.Errorf("expected ErrSizeMismatch, got %v", err)
		}
		odd := newBackend(t, "c", block.Geometry{BlockSize: 4096, NumBlocks: 32})
		defer odd.Close()
		if err := n.AddReplica(odd); !errors.Is(err, ErrBlockSizeMismatch) {
			t.Errorf("expected ErrBlockSizeMismatch, got %v", err)
		}
	})

	t.Run("RemoveReplica enforces the active lower bound", func(t *testing.T) {
		a := newBackend(t, "a", testGeom)
		b := newBackend(t, "b", testGeom)
		n := newNexus(t, "m3", a, b)
		defer n.Destroy()

		if err := n.RemoveReplica("nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if err := n.RemoveReplica("b"); err != nil {
			t.Fatalf("RemoveReplica failed: %v", err)
		}
		if err := n.RemoveReplica("a"); !errors.Is(err, ErrWouldDropBelowOneActive) {
			t.Errorf("expected ErrWouldDropBelowOneActive, got %v", err)
		}
	})
}

func TestRebuild(t *testing.T) {
	ctx := context.Background()

	t.Run("New replica converges to the source", func(t *testing.T) {
		a := newBackend(t, "a", testGeom)
		n := newNexus(t, "rb1", a)
		defer n.Destroy()

		data := make([]byte, testGeom.Bytes())
		for i := range data {
			data[i] = byte(i % 251)
		}
		if err := n.Write(ctx, 0, data); err != nil {
			t.Fatalf("Write failed: %v", err)
		}

		b := newBackend(t, "b", testGeom)
		if err := n.AddReplica(b); err != nil {
			t.Fatalf("AddReplica failed: %v", err)
		}
		waitAllActive(t, n)

		got, err := b.Read(ctx, 0, testGeom.NumBlocks)
		if err != nil {
			t.Fatalf("read rebuilt replica: %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Error("rebuilt replica diverges from source")
		}

		// Post-rebuild writes land on the promoted member too.
		patch := bytes.Repeat([]byte{0xA5}, 512)
		if err := n.Write(ctx, 100, patch); err != nil {
			t.Fatalf("post-rebuild Write failed: %v", err)
		}
		got, _ = b.Read(ctx, 100, 1)
		if !bytes.Equal(got, patch) {
			t.Error("promoted replica missed a write")
		}
	})

	t.Run("Rebuild under interleaved foreground writes", func(t *testing.T) {
		bigGeom := block.Geometry{BlockSize: 512, NumBlocks: 4096}
		a := newBackend(t, "a", bigGeom)
		n, err := Create("rb2", bigGeom, []block.Backend{a}, Options{})
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		defer n.Destroy()

		seed := make([]byte, bigGeom.Bytes())
		for i := range seed {
			seed[i] = byte(i % 13)
		}
		if err := n.Write(ctx, 0, seed); err != nil {
			t.Fatalf("seed Write failed: %v", err)
		}

		b := newBackend(t, "b", bigGeom)
		if err := n.AddReplica(b); err != nil {
			t.Fatalf("AddReplica failed: %v", err)
		}

		// Hammer random blocks while the copier runs.
		rng := rand.New(rand.NewSource(42))
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				blk := uint64(rng.Intn(int(bigGeom.NumBlocks)))
				buf := bytes.Repeat([]byte{byte(i)}, 512)
				if err := n.Write(ctx, blk, buf); err != nil {
					t.Errorf("interleaved Write failed: %v", err)
					return
				}
			}
		}()
		wg.Wait()
		waitAllActive(t, n)

		want, err := a.Read(ctx, 0, bigGeom.NumBlocks)
		if err != nil {
			t.Fatalf("read source: %v", err)
		}
		got, err := b.Read(ctx, 0, bigGeom.NumBlocks)
		if err != nil {
			t.Fatalf("read rebuilt replica: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Error("rebuilt replica diverges after interleaved writes")
		}
	})
}

func TestDegradedOperation(t *testing.T) {
	ctx := context.Background()

	t.Run("One-of-two failure mid-write still succeeds", func(t *testing.T) {
		a := newBackend(t, "a", testGeom)
		b := newBackend(t, "b", testGeom)
		n := newNexus(t, "dg1", a, b)
		defer n.Destroy()

		b.InjectError(fmt.Errorf("%w: dropped", block.ErrMedium))
		data := bytes.Repeat([]byte{0x3C}, 512)
		if err := n.Write(ctx, 4, data); err != nil {
			t.Fatalf("Write with one failed member should succeed: %v", err)
		}

		st := n.Status()
		if !st.Degraded {
			t.Error("status should report degraded")
		}
		for _, c := range st.Children {
			if c.UUID == "b" && c.Role != "faulted" {
				t.Errorf("member b role = %s, expected faulted", c.Role)
			}
		}

		// Reads keep working off the surviving member.
		got, err := n.Read(ctx, 4, 1)
		if err != nil {
			t.Fatalf("Read after degrade failed: %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Error("degraded read mismatch")
		}
	})

	t.Run("All-active failure faults the nexus", func(t *testing.T) {
		a := newBackend(t, "a", testGeom)
		n := newNexus(t, "dg2", a)
		defer n.Destroy()

		a.InjectError(fmt.Errorf("%w: dead", block.ErrMedium))
		if err := n.Write(ctx, 0, make([]byte, 512)); !errors.Is(err, ErrIO) {
			t.Fatalf("expected ErrIO, got %v", err)
		}
		if n.State() != StateFaulted {
			t.Errorf("state = %s, expected faulted", n.State())
		}
		if _, err := n.Read(ctx, 0, 1); !errors.Is(err, ErrIO) {
			t.Errorf("faulted nexus must reject reads, got %v", err)
		}
	})

	t.Run("Faulted nexus recovers through AddReplica", func(t *testing.T) {
		a := newBackend(t, "a", testGeom)
		n := newNexus(t, "dg3", a)
		defer n.Destroy()

		a.InjectError(fmt.Errorf("%w: dead", block.ErrMedium))
		n.Write(ctx, 0, make([]byte, 512))
		if n.State() != StateFaulted {
			t.Fatalf("state = %s, expected faulted", n.State())
		}

		fresh := newBackend(t, "fresh", testGeom)
		if err := n.AddReplica(fresh); err != nil {
			t.Fatalf("recovery AddReplica failed: %v", err)
		}
		if n.State() != StateOpen {
			t.Errorf("state = %s, expected open after recovery", n.State())
		}
		if err := n.Write(ctx, 0, make([]byte, 512)); err != nil {
			t.Errorf("write after recovery failed: %v", err)
		}
	})
}

// stubPublisher records shares without a real transport.
type stubPublisher struct {
	mu     sync.Mutex
	shared map[string]block.Device
}

func newStubPublisher() *stubPublisher {
	return &stubPublisher{shared: make(map[string]block.Device)}
}

func (p *stubPublisher) Share(name string, dev block.Device, hosts []string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shared[name] = dev
	return "stub://" + name, nil
}

func (p *stubPublisher) Unshare(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.shared[name]; !ok {
		return fmt.Errorf("not shared: %s", name)
	}
	delete(p.shared, name)
	return nil
}

func TestPublishLifecycle(t *testing.T) {
	pub := newStubPublisher()
	opts := Options{Publishers: map[Transport]Publisher{TransportNvmf: pub}}

	a := newBackend(t, "a", testGeom)
	n, err := Create("pub1", testGeom, []block.Backend{a}, opts)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	t.Run("Publish and republish", func(t *testing.T) {
		sess, err := n.Publish(TransportNvmf)
		if err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		if sess.Endpoint != "stub://pub1" {
			t.Errorf("endpoint = %s", sess.Endpoint)
		}
		if n.State() != StatePublished {
			t.Errorf("state = %s, expected published", n.State())
		}
		if _, err := n.Publish(TransportNvmf); !errors.Is(err, ErrAlreadyPublished) {
			t.Errorf("expected ErrAlreadyPublished, got %v", err)
		}
	})

	t.Run("Unsupported transport", func(t *testing.T) {
		n2 := newNexus(t, "pub2", newBackend(t, "x", testGeom))
		defer n2.Destroy()
		if _, err := n2.Publish(TransportIscsi); !errors.Is(err, ErrUnsupportedTransport) {
			t.Errorf("expected ErrUnsupportedTransport, got %v", err)
		}
	})

	t.Run("Destroy requires unpublish", func(t *testing.T) {
		if err := n.Destroy(); !errors.Is(err, ErrStillPublished) {
			t.Fatalf("expected ErrStillPublished, got %v", err)
		}
		if err := n.Unpublish(); err != nil {
			t.Fatalf("Unpublish failed: %v", err)
		}
		if n.State() != StateOpen {
			t.Errorf("state = %s, expected open", n.State())
		}
		// Idempotent.
		if err := n.Unpublish(); err != nil {
			t.Errorf("second Unpublish failed: %v", err)
		}
		if err := n.Destroy(); err != nil {
			t.Fatalf("Destroy failed: %v", err)
		}
	})
}

// gatedBackend holds every Write in flight until released.
type gatedBackend struct {
	*block.FileDevice
	entered chan struct{}
	release chan struct{}
	done    atomic.Bool
}

func (g *gatedBackend) Write(ctx context.Context, offsetBlocks uint64, data []byte) error {
	g.entered <- struct{}{}
	<-g.release
	err := g.FileDevice.Write(ctx, offsetBlocks, data)
	g.done.Store(true)
	return err
}

// TestUnpublishQuiescence verifies that unpublish waits for in-flight
// submissions to drain before detaching the publisher.
func TestUnpublishQuiescence(t *testing.T) {
	ctx := context.Background()
	gb := &gatedBackend{
		FileDevice: newBackend(t, "a", testGeom),
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	pub := newStubPublisher()
	n, err := Create("q1", testGeom, []block.Backend{gb},
		Options{Publishers: map[Transport]Publisher{TransportNvmf: pub}})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer n.Destroy()
	if _, err := n.Publish(TransportNvmf); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- n.Write(ctx, 0, make([]byte, 512))
	}()
	<-gb.entered

	unpubDone := make(chan struct{})
	go func() {
		if err := n.Unpublish(); err != nil {
			t.Errorf("Unpublish failed: %v", err)
		}
		if !gb.done.Load() {
			t.Error("unpublish returned while a write was still in flight")
		}
		close(unpubDone)
	}()

	select {
	case <-unpubDone:
		t.Fatal("unpublish did not wait for the in-flight write")
	case <-time.After(50 * time.Millisecond):
	}

	close(gb.release)
	if err := <-writeErr; err != nil {
		t.Fatalf("gated write failed: %v", err)
	}
	<-unpubDone
	if n.State() != StateOpen {
		t.Errorf("state = %s after unpublish, expected open", n.State())
	}
}

// TestUnmapDegraded mirrors the write policy for unmap: a failing Active
// member is faulted and the unmap retried on the reduced set.
func TestUnmapDegraded(t *testing.T) {
	ctx := context.Background()
	a := newBackend(t, "a", testGeom)
	b := newBackend(t, "b", testGeom)
	n := newNexus(t, "um1", a, b)
	defer n.Destroy()

	data := bytes.Repeat([]byte{0x77}, 2*512)
	if err := n.Write(ctx, 6, data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	b.InjectError(fmt.Errorf("%w: dropped", block.ErrMedium))
	if err := n.Unmap(ctx, 6, 2); err != nil {
		t.Fatalf("Unmap with one failed member should succeed: %v", err)
	}

	st := n.Status()
	if !st.Degraded {
		t.Error("status should report degraded")
	}
	for _, c := range st.Children {
		if c.UUID == "b" && c.Role != "faulted" {
			t.Errorf("member b role = %s, expected faulted", c.Role)
		}
	}
	got, err := n.Read(ctx, 6, 2)
	if err != nil {
		t.Fatalf("Read after degraded unmap failed: %v", err)
	}
	if !bytes.Equal(got, make([]byte, 2*512)) {
		t.Error("unmapped range should read as zeroes")
	}
}

// TestCancelledSubmissionKeepsMembers verifies that a caller abandoning
// its own submission never faults healthy members.
func TestCancelledSubmissionKeepsMembers(t *testing.T) {
	a := newBackend(t, "a", testGeom)
	b := newBackend(t, "b", testGeom)
	n := newNexus(t, "cx1", a, b)
	defer n.Destroy()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := n.Write(ctx, 0, make([]byte, 512)); err == nil {
		t.Fatal("write with a cancelled context should fail")
	}
	if _, err := n.Read(ctx, 0, 1); err == nil {
		t.Fatal("read with a cancelled context should fail")
	}
	if err := n.Unmap(ctx, 0, 1); err == nil {
		t.Fatal("unmap with a cancelled context should fail")
	}

	if n.ReplicaSet().Degraded() {
		t.Errorf("cancelled submissions faulted members: %+v", n.Status().Children)
	}
	if n.State() != StateOpen {
		t.Errorf("state = %s, expected open", n.State())
	}
	if err := n.Write(context.Background(), 0, make([]byte, 512)); err != nil {
		t.Fatalf("write after cancelled submission failed: %v", err)
	}
}
