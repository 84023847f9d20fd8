package nexus

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/srilakshmi/nexus/block"
)

// DefaultRebuildChunk is how many blocks one copy pass transfers.
const DefaultRebuildChunk = 256

// rebuildJob copies the full logical range from an Active source to the
// rebuilding target in ascending block order. Blocks below the copy
// ceiling additionally receive mirrored foreground writes; blocks above it
// are picked up by the copy itself, which always reads the source after
// the foreground write has committed there.
type rebuildJob struct {
	target block.Backend
	total  uint64
	chunk  uint64

	// mu guards watermark and segEnd. segMu is held by the copier for the
	// duration of one segment copy and by mirror writers that overlap the
	// copied region, so target writes stay ordered.
	mu        sync.Mutex
	watermark uint64
	segEnd    uint64
	segMu     sync.Mutex

	ctx      context.Context
	cancelFn context.CancelFunc
	done     chan struct{}
}

func newRebuildJob(target block.Backend, total uint64) *rebuildJob {
	ctx, cancel := context.WithCancel(context.Background())
	return &rebuildJob{
		target:   target,
		total:    total,
		chunk:    DefaultRebuildChunk,
		ctx:      ctx,
		cancelFn: cancel,
		done:     make(chan struct{}),
	}
}

func (j *rebuildJob) cancel() { j.cancelFn() }

// Done is closed when the copier goroutine exits, promoted or not.
func (j *rebuildJob) Done() <-chan struct{} { return j.done }

func (j *rebuildJob) progress() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.total == 0 {
		return 1
	}
	return float64(j.watermark) / float64(j.total)
}

// ceiling returns the exclusive upper bound of the region the copier has
// touched or is touching right now.
func (j *rebuildJob) ceiling() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.segEnd > j.watermark {
		return j.segEnd
	}
	return j.watermark
}

// mirrorWrite applies a foreground write to the rebuilding target when the
// range intersects the copied region. Ranges entirely above the ceiling
// are skipped: the copier has not reached them and will read the source
// after this write has already committed there.
func (j *rebuildJob) mirrorWrite(ctx context.Context, offsetBlocks uint64, data []byte) error {
	if offsetBlocks >= j.ceiling() {
		return nil
	}
	j.segMu.Lock()
	defer j.segMu.Unlock()
	return j.target.Write(ctx, offsetBlocks, data)
}

func (j *rebuildJob) mirrorUnmap(ctx context.Context, offsetBlocks, lengthBlocks uint64) error {
	if offsetBlocks >= j.ceiling() {
		return nil
	}
	j.segMu.Lock()
	defer j.segMu.Unlock()
	return j.target.Unmap(ctx, offsetBlocks, lengthBlocks)
}

// pickSource returns an Active member other than the rebuild target.
func (rs *ReplicaSet) pickSource(exclude string) block.Backend {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	for _, m := range rs.members {
		if m.role == RoleActive && m.backend.UUID() != exclude {
			return m.backend
		}
	}
	return nil
}

// StartRebuild transitions the member to Rebuilding and begins the
// background copy. On completion the member is promoted to Active under
// the membership lock, so no read observes a partially promoted backend.
func (rs *ReplicaSet) StartRebuild(uuid string) error {
	rs.mu.Lock()
	m := rs.find(uuid)
	if m == nil {
		rs.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, uuid)
	}
	if m.job != nil {
		rs.mu.Unlock()
		return nil // rebuild already running
	}
	m.role = RoleRebuilding
	m.job = newRebuildJob(m.backend, rs.geom.NumBlocks)
	job := m.job
	rs.gauge(m)
	rs.mu.Unlock()

	rs.log.Info("rebuild started", zap.String("replica", uuid))
	go rs.runRebuild(uuid, job)
	return nil
}

func (rs *ReplicaSet) runRebuild(uuid string, j *rebuildJob) {
	defer close(j.done)
	err := rs.copyAll(j)

	rs.mu.Lock()
	m := rs.find(uuid)
	if m == nil || m.job != j {
		// Removed or faulted while copying; nothing left to promote.
		rs.mu.Unlock()
		return
	}
	m.job = nil
	if err != nil {
		m.role = RoleFaulted
		rs.gauge(m)
		rs.mu.Unlock()
		rs.log.Warn("rebuild failed", zap.String("replica", uuid), zap.Error(err))
		return
	}
	m.role = RoleActive
	rs.gauge(m)
	rs.mu.Unlock()

	if rs.met != nil {
		rs.met.RebuildProgress.WithLabelValues(rs.nexusID, uuid).Set(1)
	}
	rs.log.Info("rebuild complete, replica promoted", zap.String("replica", uuid))
}

func (rs *ReplicaSet) copyAll(j *rebuildJob) error {
	for {
		j.mu.Lock()
		w := j.watermark
		if w >= j.total {
			j.mu.Unlock()
			return nil
		}
		end := w + j.chunk
		if end > j.total {
			end = j.total
		}
		j.mu.Unlock()

		if err := j.ctx.Err(); err != nil {
			return fmt.Errorf("rebuild cancelled: %w", err)
		}

		j.segMu.Lock()
		j.mu.Lock()
		j.segEnd = end
		j.mu.Unlock()

		err := rs.copySegment(j, w, end)

		j.mu.Lock()
		if err == nil {
			j.watermark = end
		}
		j.segEnd = j.watermark
		j.mu.Unlock()
		j.segMu.Unlock()

		if err != nil {
			return err
		}
		if rs.met != nil {
			rs.met.RebuildProgress.WithLabelValues(rs.nexusID, j.target.UUID()).Set(j.progress())
		}
	}
}

func (rs *ReplicaSet) copySegment(j *rebuildJob, start, end uint64) error {
	src := rs.pickSource(j.target.UUID())
	if src == nil {
		return fmt.Errorf("%w: no active source for rebuild", ErrIO)
	}
	octx, cancel := rs.opCtx(j.ctx)
	defer cancel()
	data, err := src.Read(octx, start, end-start)
	if err != nil {
		return fmt.Errorf("rebuild read %s: %w", src.UUID(), err)
	}
	wctx, wcancel := rs.opCtx(j.ctx)
	defer wcancel()
	if err := j.target.Write(wctx, start, data); err != nil {
		return fmt.Errorf("rebuild write %s: %w", j.target.UUID(), err)
	}
	return nil
}
