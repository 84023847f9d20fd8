package nexus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/srilakshmi/nexus/block"
	"github.com/srilakshmi/nexus/metrics"
)

// Role is the mirror role of one replica set member.
type Role int32

const (
	RoleActive Role = iota
	RoleRebuilding
	RoleFaulted
)

func (r Role) String() string {
	switch r {
	case RoleActive:
		return "active"
	case RoleRebuilding:
		return "rebuilding"
	case RoleFaulted:
		return "faulted"
	}
	return fmt.Sprintf("role(%d)", int32(r))
}

// DefaultOpTimeout bounds every single backend operation issued by the set.
const DefaultOpTimeout = 30 * time.Second

type member struct {
	backend block.Backend
	role    Role
	job     *rebuildJob
}

// ReplicaSet is the ordered collection of backends mirrored under one
// nexus. Membership and roles are guarded by mu; I/O dispatch takes the
// read side only.
type ReplicaSet struct {
	nexusID string
	geom    block.Geometry

	mu      sync.RWMutex
	members []*member

	generation atomic.Uint64
	cursor     atomic.Uint32
	opTimeout  time.Duration

	// onZeroActive is invoked when the last Active member faults.
	onZeroActive func(error)

	met *metrics.Set
	log *zap.Logger
}

func newReplicaSet(nexusID string, geom block.Geometry, opTimeout time.Duration, met *metrics.Set, log *zap.Logger) *ReplicaSet {
	if opTimeout <= 0 {
		opTimeout = DefaultOpTimeout
	}
	return &ReplicaSet{
		nexusID:   nexusID,
		geom:      geom,
		opTimeout: opTimeout,
		met:       met,
		log:       log,
	}
}

// Generation returns the write generation counter.
func (rs *ReplicaSet) Generation() uint64 { return rs.generation.Load() }

func (rs *ReplicaSet) find(uuid string) *member {
	for _, m := range rs.members {
		if m.backend.UUID() == uuid {
			return m
		}
	}
	return nil
}

// add appends a backend with the given role. Caller holds rs.mu.
func (rs *ReplicaSet) add(b block.Backend, role Role) error {
	if rs.find(b.UUID()) != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyPresent, b.UUID())
	}
	g := b.Geometry()
	if g.BlockSize != rs.geom.BlockSize {
		return fmt.Errorf("%w: %d != %d", ErrBlockSizeMismatch, g.BlockSize, rs.geom.BlockSize)
	}
	if g.NumBlocks != rs.geom.NumBlocks {
		return fmt.Errorf("%w: %d != %d blocks", ErrSizeMismatch, g.NumBlocks, rs.geom.NumBlocks)
	}
	m := &member{backend: b, role: role}
	rs.members = append(rs.members, m)
	if hs, ok := b.(block.HealthSink); ok {
		hs.SetFaultHandler(func(uuid string, err error) {
			rs.MarkFaulted(uuid, err)
		})
	}
	rs.gauge(m)
	return nil
}

// remove drops a member, enforcing the one-Active lower bound. Caller
// holds rs.mu. The removed backend is closed by the caller.
func (rs *ReplicaSet) remove(uuid string) (block.Backend, error) {
	m := rs.find(uuid)
	if m == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uuid)
	}
	if m.role == RoleActive && rs.activeCount() == 1 {
		return nil, fmt.Errorf("%w: %s is the last active member", ErrWouldDropBelowOneActive, uuid)
	}
	if m.job != nil {
		m.job.cancel()
		m.job = nil
	}
	for i, mm := range rs.members {
		if mm == m {
			rs.members = append(rs.members[:i], rs.members[i+1:]...)
			break
		}
	}
	if rs.met != nil {
		rs.met.ReplicaState.DeleteLabelValues(rs.nexusID, uuid)
		rs.met.RebuildProgress.DeleteLabelValues(rs.nexusID, uuid)
	}
	return m.backend, nil
}

// activeCount counts Active members. Caller holds rs.mu (either side).
func (rs *ReplicaSet) activeCount() int {
	n := 0
	for _, m := range rs.members {
		if m.role == RoleActive {
			n++
		}
	}
	return n
}

// ActiveCount returns the number of Active members.
func (rs *ReplicaSet) ActiveCount() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.activeCount()
}

// Size returns the member count.
func (rs *ReplicaSet) Size() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.members)
}

// Degraded reports whether any member is not Active.
func (rs *ReplicaSet) Degraded() bool {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	for _, m := range rs.members {
		if m.role != RoleActive {
			return true
		}
	}
	return false
}

func (rs *ReplicaSet) gauge(m *member) {
	if rs.met != nil {
		rs.met.ReplicaState.WithLabelValues(rs.nexusID, m.backend.UUID()).Set(float64(m.role))
	}
}

// MarkFaulted transitions a member to Faulted, cancelling its rebuild if
// one is running. Dropping the Active count to zero signals the owner.
func (rs *ReplicaSet) MarkFaulted(uuid string, cause error) {
	rs.mu.Lock()
	m := rs.find(uuid)
	if m == nil || m.role == RoleFaulted {
		rs.mu.Unlock()
		return
	}
	wasActive := m.role == RoleActive
	m.role = RoleFaulted
	if m.job != nil {
		m.job.cancel()
		m.job = nil
	}
	rs.gauge(m)
	zero := wasActive && rs.activeCount() == 0
	rs.mu.Unlock()

	rs.log.Warn("replica faulted",
		zap.String("replica", uuid),
		zap.Bool("was_active", wasActive),
		zap.Error(cause))
	if zero && rs.onZeroActive != nil {
		rs.onZeroActive(cause)
	}
}

type memberSnap struct {
	backend block.Backend
	role    Role
	job     *rebuildJob
}

// snapshot copies the current membership so dispatch never observes
// use-after-removal.
func (rs *ReplicaSet) snapshot() []memberSnap {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make([]memberSnap, 0, len(rs.members))
	for _, m := range rs.members {
		out = append(out, memberSnap{backend: m.backend, role: m.role, job: m.job})
	}
	return out
}

func (rs *ReplicaSet) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, rs.opTimeout)
}

// errAttemptFailed marks a fan-out that faulted members but left the set
// writable, so the dispatch may be retried once on the reduced set.
var errAttemptFailed = fmt.Errorf("write attempt failed on an active member")

// faultUnlessCancelled skips the fault when the submission's own context
// has already ended: an abandoned I/O is not evidence against the member.
func (rs *ReplicaSet) faultUnlessCancelled(ctx context.Context, uuid string, err error) {
	if ctx.Err() != nil {
		return
	}
	rs.MarkFaulted(uuid, err)
}

// DispatchWrite mirrors a write: it is issued concurrently to every Active
// member and committed only once all of them acknowledge. Rebuilding
// members receive the write after the active barrier, best-effort; a
// mirror failure faults only that member's rebuild. A failed Active member
// is faulted and the write retried once on the reduced set.
func (rs *ReplicaSet) DispatchWrite(ctx context.Context, offsetBlocks uint64, data []byte) error {
	if uint64(len(data))%uint64(rs.geom.BlockSize) != 0 {
		return fmt.Errorf("%w: write length %d not block aligned", block.ErrProtocol, len(data))
	}
	if err := rs.geom.CheckRange(offsetBlocks, uint64(len(data))/uint64(rs.geom.BlockSize)); err != nil {
		return err
	}
	err := retry.Do(
		func() error { return rs.writeOnce(ctx, offsetBlocks, data) },
		retry.Attempts(2),
		retry.Delay(0),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return err == errAttemptFailed }),
	)
	if err == errAttemptFailed {
		err = fmt.Errorf("%w: write failed after retry", ErrIO)
	}
	if err != nil {
		return err
	}
	rs.generation.Add(1)
	return nil
}

func (rs *ReplicaSet) writeOnce(ctx context.Context, offsetBlocks uint64, data []byte) error {
	snap := rs.snapshot()
	var actives []memberSnap
	for _, m := range snap {
		if m.role == RoleActive {
			actives = append(actives, m)
		}
	}
	if len(actives) == 0 {
		return fmt.Errorf("%w: no active backends", ErrIO)
	}

	// Scatter to every Active member, gather all acknowledgments.
	errs := make([]error, len(actives))
	var g errgroup.Group
	for i, m := range actives {
		i, m := i, m
		g.Go(func() error {
			octx, cancel := rs.opCtx(ctx)
			defer cancel()
			errs[i] = m.backend.Write(octx, offsetBlocks, data)
			return nil
		})
	}
	g.Wait()

	failed := 0
	for i, err := range errs {
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			failed++
			rs.MarkFaulted(actives[i].backend.UUID(), err)
		}
	}
	if failed > 0 {
		if rs.ActiveCount() == 0 {
			return fmt.Errorf("%w: write failed on all active backends", ErrIO)
		}
		return errAttemptFailed
	}

	// Mirror to rebuilding members once the active set has committed, so
	// the copier can never read a state older than what it skipped.
	for _, m := range snap {
		if m.role != RoleRebuilding || m.job == nil {
			continue
		}
		if err := m.job.mirrorWrite(ctx, offsetBlocks, data); err != nil {
			rs.log.Warn("rebuild mirror write failed",
				zap.String("replica", m.backend.UUID()), zap.Error(err))
			rs.faultUnlessCancelled(ctx, m.backend.UUID(), err)
		}
	}
	return nil
}

// DispatchRead serves the read from a single Active member, round-robin.
// The policy is deterministic: the cursor advances by one per read and
// skips non-Active members in membership order. On a retryable failure the
// member is faulted and the read tried once more on the next Active.
func (rs *ReplicaSet) DispatchRead(ctx context.Context, offsetBlocks, lengthBlocks uint64) ([]byte, error) {
	if err := rs.geom.CheckRange(offsetBlocks, lengthBlocks); err != nil {
		return nil, err
	}
	for attempt := 0; attempt < 2; attempt++ {
		m := rs.nextActive()
		if m == nil {
			return nil, fmt.Errorf("%w: no active backends", ErrIO)
		}
		octx, cancel := rs.opCtx(ctx)
		data, err := m.Read(octx, offsetBlocks, lengthBlocks)
		cancel()
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		rs.MarkFaulted(m.UUID(), err)
	}
	return nil, fmt.Errorf("%w: read failed after retry", ErrIO)
}

// nextActive picks the round-robin Active member.
func (rs *ReplicaSet) nextActive() block.Backend {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	n := len(rs.members)
	if n == 0 {
		return nil
	}
	start := int(rs.cursor.Add(1)-1) % n
	for i := 0; i < n; i++ {
		m := rs.members[(start+i)%n]
		if m.role == RoleActive {
			return m.backend
		}
	}
	return nil
}

// DispatchFlush flushes every Active member and, best-effort, every
// Rebuilding member.
func (rs *ReplicaSet) DispatchFlush(ctx context.Context) error {
	snap := rs.snapshot()
	var g errgroup.Group
	var mu sync.Mutex
	var firstActiveErr error
	seen := false
	for _, m := range snap {
		if m.role == RoleFaulted {
			continue
		}
		seen = seen || m.role == RoleActive
		m := m
		g.Go(func() error {
			octx, cancel := rs.opCtx(ctx)
			defer cancel()
			if err := m.backend.Flush(octx); err != nil && m.role == RoleActive {
				mu.Lock()
				if firstActiveErr == nil {
					firstActiveErr = err
				}
				mu.Unlock()
				rs.faultUnlessCancelled(ctx, m.backend.UUID(), err)
			}
			return nil
		})
	}
	g.Wait()
	if !seen {
		return fmt.Errorf("%w: no active backends", ErrIO)
	}
	if firstActiveErr != nil && rs.ActiveCount() == 0 {
		return fmt.Errorf("%w: flush failed on all active backends", ErrIO)
	}
	return nil
}

// DispatchUnmap mirrors an unmap with the same consistency and retry
// rules as writes: all-Active barrier, fault on failure, one retry on
// the reduced set.
func (rs *ReplicaSet) DispatchUnmap(ctx context.Context, offsetBlocks, lengthBlocks uint64) error {
	if err := rs.geom.CheckRange(offsetBlocks, lengthBlocks); err != nil {
		return err
	}
	err := retry.Do(
		func() error { return rs.unmapOnce(ctx, offsetBlocks, lengthBlocks) },
		retry.Attempts(2),
		retry.Delay(0),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return err == errAttemptFailed }),
	)
	if err == errAttemptFailed {
		err = fmt.Errorf("%w: unmap failed after retry", ErrIO)
	}
	return err
}

func (rs *ReplicaSet) unmapOnce(ctx context.Context, offsetBlocks, lengthBlocks uint64) error {
	snap := rs.snapshot()
	var actives []memberSnap
	for _, m := range snap {
		if m.role == RoleActive {
			actives = append(actives, m)
		}
	}
	if len(actives) == 0 {
		return fmt.Errorf("%w: no active backends", ErrIO)
	}
	errs := make([]error, len(actives))
	var g errgroup.Group
	for i, m := range actives {
		i, m := i, m
		g.Go(func() error {
			octx, cancel := rs.opCtx(ctx)
			defer cancel()
			errs[i] = m.backend.Unmap(octx, offsetBlocks, lengthBlocks)
			return nil
		})
	}
	g.Wait()

	failed := 0
	for i, err := range errs {
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			failed++
			rs.MarkFaulted(actives[i].backend.UUID(), err)
		}
	}
	if failed > 0 {
		if rs.ActiveCount() == 0 {
			return fmt.Errorf("%w: unmap failed on all active backends", ErrIO)
		}
		return errAttemptFailed
	}
	for _, m := range snap {
		if m.role != RoleRebuilding || m.job == nil {
			continue
		}
		if err := m.job.mirrorUnmap(ctx, offsetBlocks, lengthBlocks); err != nil {
			rs.log.Warn("rebuild mirror unmap failed",
				zap.String("replica", m.backend.UUID()), zap.Error(err))
			rs.faultUnlessCancelled(ctx, m.backend.UUID(), err)
		}
	}
	return nil
}

// ChildInfo is a status snapshot of one member.
type ChildInfo struct {
	UUID            string     `json:"uuid"`
	Kind            block.Kind `json:"kind"`
	Role            string     `json:"role"`
	State           string     `json:"state"`
	RebuildProgress float64    `json:"rebuild_progress,omitempty"`
}

// Children returns status snapshots in membership order.
func (rs *ReplicaSet) Children() []ChildInfo {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make([]ChildInfo, 0, len(rs.members))
	for _, m := range rs.members {
		ci := ChildInfo{
			UUID:  m.backend.UUID(),
			Kind:  m.backend.Kind(),
			Role:  m.role.String(),
			State: m.backend.State().String(),
		}
		if m.job != nil {
			ci.RebuildProgress = m.job.progress()
		}
		out = append(out, ci)
	}
	return out
}
