// Package nexus implements the virtual mirrored block device: it
// aggregates local and remote replica backends into one logical disk,
// enforces mirror-write consistency across them, and republishes the disk
// over a block transport.
package nexus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/srilakshmi/nexus/block"
	"github.com/srilakshmi/nexus/metrics"
)

// State is the nexus lifecycle state.
type State int32

const (
	StateInit State = iota
	StateOpen
	StatePublished
	StateFaulted
	StateDestroying
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateOpen:
		return "open"
	case StatePublished:
		return "published"
	case StateFaulted:
		return "faulted"
	case StateDestroying:
		return "destroying"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Transport names a share protocol.
type Transport string

const (
	TransportNvmf  Transport = "nvmf"
	TransportIscsi Transport = "iscsi"
)

// Publisher terminates one block transport and can expose devices on it.
// Unshare must stop accepting new commands for the device and close its
// sessions without waiting for in-flight nexus operations.
type Publisher interface {
	Share(name string, dev block.Device, allowedHosts []string) (endpoint string, err error)
	Unshare(name string) error
}

// Session describes the active publication of a nexus.
type Session struct {
	Transport Transport `json:"transport"`
	Endpoint  string    `json:"endpoint"`
}

// Options configures a nexus at creation.
type Options struct {
	// Publishers maps share transports to their targets. A transport not
	// present here is unsupported for this nexus.
	Publishers map[Transport]Publisher
	// AllowedHosts restricts which initiators may attach. Empty allows any.
	AllowedHosts []string
	// OpTimeout bounds every single backend operation (default 30s).
	OpTimeout time.Duration
	Metrics   *metrics.Set
	Logger    *zap.Logger
}

// Nexus is one virtual mirrored block device.
type Nexus struct {
	uuid string
	geom block.Geometry

	// mu serializes structural changes (replica add/remove, publish,
	// unpublish, destroy) against I/O dispatch: I/O takes the read side,
	// structure the write side. The lock is per nexus, so independent
	// nexuses on one node never contend.
	mu sync.RWMutex

	state atomic.Int32
	rs    *ReplicaSet

	session      *Session
	publishers   map[Transport]Publisher
	allowedHosts []string

	met *metrics.Set
	log *zap.Logger
}

// Create builds a nexus over the given backends, which become the initial
// Active replica set. Every backend must match the requested geometry
// exactly; heterogeneous members are rejected with ErrConfigMismatch.
func Create(uuid string, geom block.Geometry, backends []block.Backend, opts Options) (*Nexus, error) {
	if len(backends) == 0 {
		return nil, ErrNoBackends
	}
	if geom.BlockSize == 0 || geom.NumBlocks == 0 {
		return nil, fmt.Errorf("%w: zero geometry", ErrConfigMismatch)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("nexus").With(zap.String("nexus", uuid))
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}

	n := &Nexus{
		uuid:         uuid,
		geom:         geom,
		publishers:   opts.Publishers,
		allowedHosts: opts.AllowedHosts,
		met:          opts.Metrics,
		log:          log,
	}
	n.state.Store(int32(StateInit))
	n.rs = newReplicaSet(uuid, geom, opts.OpTimeout, opts.Metrics, log)
	n.rs.onZeroActive = n.faultFromIO

	n.rs.mu.Lock()
	for _, b := range backends {
		g := b.Geometry()
		if g != geom {
			n.rs.mu.Unlock()
			return nil, fmt.Errorf("%w: backend %s has %d x %dB, nexus wants %d x %dB",
				ErrConfigMismatch, b.UUID(), g.NumBlocks, g.BlockSize, geom.NumBlocks, geom.BlockSize)
		}
		if err := n.rs.add(b, RoleActive); err != nil {
			n.rs.mu.Unlock()
			return nil, err
		}
	}
	n.rs.mu.Unlock()

	n.state.Store(int32(StateOpen))
	log.Info("nexus created",
		zap.Uint64("blocks", geom.NumBlocks),
		zap.Uint32("block_size", geom.BlockSize),
		zap.Int("backends", len(backends)))
	return n, nil
}

func (n *Nexus) UUID() string             { return n.uuid }
func (n *Nexus) Geometry() block.Geometry { return n.geom }
func (n *Nexus) State() State             { return State(n.state.Load()) }

// ReplicaSet exposes the member collection for status and rebuild control.
func (n *Nexus) ReplicaSet() *ReplicaSet { return n.rs }

// faultFromIO moves the nexus to Faulted when the last Active member is
// gone. Called from the I/O path, so it must not take n.mu.
func (n *Nexus) faultFromIO(cause error) {
	for {
		cur := n.state.Load()
		if State(cur) == StateDestroying || State(cur) == StateFaulted {
			return
		}
		if n.state.CompareAndSwap(cur, int32(StateFaulted)) {
			n.log.Error("nexus faulted: no active backends remain", zap.Error(cause))
			return
		}
	}
}

func (n *Nexus) ioAllowed() error {
	switch n.State() {
	case StateOpen, StatePublished:
		return nil
	case StateFaulted:
		return fmt.Errorf("%w: nexus %s is faulted", ErrIO, n.uuid)
	default:
		return fmt.Errorf("%w: nexus %s is %s", ErrIO, n.uuid, n.State())
	}
}

// Read serves a read through the replica set. Part of block.Device, used
// by the attached target publisher.
func (n *Nexus) Read(ctx context.Context, offsetBlocks, lengthBlocks uint64) ([]byte, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if err := n.ioAllowed(); err != nil {
		n.countErr()
		return nil, err
	}
	data, err := n.rs.DispatchRead(ctx, offsetBlocks, lengthBlocks)
	if err != nil {
		n.countErr()
		return nil, err
	}
	if n.met != nil {
		n.met.ReadOps.WithLabelValues(n.uuid).Inc()
		n.met.BytesRead.WithLabelValues(n.uuid).Add(float64(len(data)))
	}
	return data, nil
}

// Write mirrors a write across the replica set.
func (n *Nexus) Write(ctx context.Context, offsetBlocks uint64, data []byte) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if err := n.ioAllowed(); err != nil {
		n.countErr()
		return err
	}
	if err := n.rs.DispatchWrite(ctx, offsetBlocks, data); err != nil {
		n.countErr()
		return err
	}
	if n.met != nil {
		n.met.WriteOps.WithLabelValues(n.uuid).Inc()
		n.met.BytesWritten.WithLabelValues(n.uuid).Add(float64(len(data)))
	}
	return nil
}

// Flush flushes every active member.
func (n *Nexus) Flush(ctx context.Context) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if err := n.ioAllowed(); err != nil {
		n.countErr()
		return err
	}
	return n.rs.DispatchFlush(ctx)
}

// Unmap discards a block range on every active member.
func (n *Nexus) Unmap(ctx context.Context, offsetBlocks, lengthBlocks uint64) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if err := n.ioAllowed(); err != nil {
		n.countErr()
		return err
	}
	if err := n.rs.DispatchUnmap(ctx, offsetBlocks, lengthBlocks); err != nil {
		n.countErr()
		return err
	}
	if n.met != nil {
		n.met.UnmapOps.WithLabelValues(n.uuid).Inc()
	}
	return nil
}

func (n *Nexus) countErr() {
	if n.met != nil {
		n.met.IOErrors.WithLabelValues(n.uuid).Inc()
	}
}

// AddReplica inserts a backend as Rebuilding and starts the background
// copy. Adding an already-present uuid returns ErrAlreadyPresent and
// leaves the set unchanged, so orchestrator retries are safe. Adding to a
// faulted set with no Active member left installs the backend as the new
// authoritative Active copy and clears the fault.
func (n *Nexus) AddReplica(b block.Backend) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.State() == StateDestroying {
		return ErrDestroying
	}

	recovering := n.rs.ActiveCount() == 0
	role := RoleRebuilding
	if recovering {
		role = RoleActive
	}

	n.rs.mu.Lock()
	err := n.rs.add(b, role)
	n.rs.mu.Unlock()
	if err != nil {
		return err
	}

	if recovering {
		// Back in business with a single fresh member.
		n.state.CompareAndSwap(int32(StateFaulted), int32(n.publishedOrOpen()))
		n.log.Info("replica added as recovery copy", zap.String("replica", b.UUID()))
		return nil
	}
	n.log.Info("replica added, rebuild starting", zap.String("replica", b.UUID()))
	return n.rs.StartRebuild(b.UUID())
}

func (n *Nexus) publishedOrOpen() State {
	if n.session != nil {
		return StatePublished
	}
	return StateOpen
}

// RemoveReplica detaches and closes a member. Removing the last Active
// member is rejected with ErrWouldDropBelowOneActive.
func (n *Nexus) RemoveReplica(uuid string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.rs.mu.Lock()
	b, err := n.rs.remove(uuid)
	n.rs.mu.Unlock()
	if err != nil {
		return err
	}
	if cerr := b.Close(); cerr != nil {
		n.log.Warn("backend close", zap.String("replica", uuid), zap.Error(cerr))
	}
	n.log.Info("replica removed", zap.String("replica", uuid))
	return nil
}

// Publish exposes the nexus on the given transport and returns the
// endpoint an initiator can connect to.
func (n *Nexus) Publish(tp Transport) (*Session, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.session != nil {
		return nil, fmt.Errorf("%w: on %s at %s", ErrAlreadyPublished, n.session.Transport, n.session.Endpoint)
	}
	pub, ok := n.publishers[tp]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTransport, tp)
	}
	if st := n.State(); st != StateOpen {
		return nil, fmt.Errorf("cannot publish nexus in state %s", st)
	}

	ep, err := pub.Share(n.uuid, n, n.allowedHosts)
	if err != nil {
		return nil, fmt.Errorf("share %s over %s: %w", n.uuid, tp, err)
	}
	n.session = &Session{Transport: tp, Endpoint: ep}
	n.state.Store(int32(StatePublished))
	n.log.Info("nexus published", zap.String("transport", string(tp)), zap.String("endpoint", ep))
	return n.session, nil
}

// Unpublish detaches the target session. Taking the structural lock waits
// for every in-flight submission to drain first; each backend operation
// carries its own deadline, so the wait is bounded by the op timeout.
// Unpublishing an unpublished nexus is a no-op.
func (n *Nexus) Unpublish() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.session == nil {
		return nil
	}
	pub := n.publishers[n.session.Transport]
	if err := pub.Unshare(n.uuid); err != nil {
		return fmt.Errorf("unshare %s: %w", n.uuid, err)
	}
	n.session = nil
	n.state.CompareAndSwap(int32(StatePublished), int32(StateOpen))
	n.log.Info("nexus unpublished")
	return nil
}

// Destroy tears the nexus down: rebuilds are cancelled and every backend
// closed. A published nexus must be unpublished first.
func (n *Nexus) Destroy() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.session != nil {
		return ErrStillPublished
	}
	n.state.Store(int32(StateDestroying))

	n.rs.mu.Lock()
	members := n.rs.members
	n.rs.members = nil
	n.rs.mu.Unlock()

	for _, m := range members {
		if m.job != nil {
			m.job.cancel()
		}
		if err := m.backend.Close(); err != nil {
			n.log.Warn("backend close", zap.String("replica", m.backend.UUID()), zap.Error(err))
		}
		if n.met != nil {
			n.met.ReplicaState.DeleteLabelValues(n.uuid, m.backend.UUID())
			n.met.RebuildProgress.DeleteLabelValues(n.uuid, m.backend.UUID())
		}
	}
	n.log.Info("nexus destroyed")
	return nil
}

// Info is a status snapshot served to the orchestrator.
type Info struct {
	UUID       string      `json:"uuid"`
	State      string      `json:"state"`
	SizeBytes  uint64      `json:"size_bytes"`
	BlockSize  uint32      `json:"block_size"`
	Generation uint64      `json:"write_generation"`
	Degraded   bool        `json:"degraded"`
	Session    *Session    `json:"session,omitempty"`
	Children   []ChildInfo `json:"children"`
}

// Status returns a consistent snapshot of the nexus and its members.
func (n *Nexus) Status() Info {
	n.mu.RLock()
	session := n.session
	n.mu.RUnlock()
	return Info{
		UUID:       n.uuid,
		State:      n.State().String(),
		SizeBytes:  n.geom.Bytes(),
		BlockSize:  n.geom.BlockSize,
		Generation: n.rs.Generation(),
		Degraded:   n.rs.Degraded(),
		Session:    session,
		Children:   n.rs.Children(),
	}
}
