// Package pool manages local storage pools from which replicas are carved.
// A pool backed by a single device hands out contiguous extents; a pool
// backed by several devices stripes replica data across its members with
// reed-solomon parity so a lost member can be repaired in place.
package pool

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/srilakshmi/nexus/block"
)

// Pool errors.
var (
	ErrExists    = fmt.Errorf("replica already exists")
	ErrNotFound  = fmt.Errorf("replica not found")
	ErrNoSpace   = fmt.Errorf("pool out of space")
	ErrBadConfig = fmt.Errorf("invalid pool configuration")
)

// ParityShards is the parity column count for striped pools.
const ParityShards = 1

type extent struct {
	base int64
	size int64
}

type replicaEntry struct {
	uuid string
	ext  extent
	geom block.Geometry
}

// Pool is a named collection of local devices.
type Pool struct {
	name     string
	devices  []string
	capacity int64 // bytes usable per member device

	mu       sync.Mutex
	replicas map[string]*replicaEntry
	free     []extent
	next     int64

	log *zap.Logger
}

// New creates a pool over the given device files, each usable up to
// capacity bytes. At least one device is required; striped pools need one
// more device than ParityShards.
func New(name string, devices []string, capacity int64, log *zap.Logger) (*Pool, error) {
	if name == "" || len(devices) == 0 || capacity <= 0 {
		return nil, fmt.Errorf("%w: name, devices and capacity are required", ErrBadConfig)
	}
	if len(devices) > 1 && len(devices) <= ParityShards {
		return nil, fmt.Errorf("%w: %d devices cannot carry %d parity shards",
			ErrBadConfig, len(devices), ParityShards)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		name:     name,
		devices:  devices,
		capacity: capacity,
		replicas: make(map[string]*replicaEntry),
		log:      log.Named("pool").With(zap.String("pool", name)),
	}, nil
}

func (p *Pool) Name() string { return p.name }

// Devices returns the member device count.
func (p *Pool) Devices() int { return len(p.devices) }

// Striped reports whether this pool spreads replicas across members with
// parity.
func (p *Pool) Striped() bool { return len(p.devices) > 1 }

// allocate finds an extent of size bytes per member device. Caller holds
// p.mu.
func (p *Pool) allocate(size int64) (extent, error) {
	// First fit from the free list.
	for i, f := range p.free {
		if f.size >= size {
			got := extent{base: f.base, size: size}
			if f.size == size {
				p.free = append(p.free[:i], p.free[i+1:]...)
			} else {
				p.free[i] = extent{base: f.base + size, size: f.size - size}
			}
			return got, nil
		}
	}
	if p.next+size > p.capacity {
		return extent{}, fmt.Errorf("%w: %s needs %d, %d left", ErrNoSpace, p.name, size, p.capacity-p.next)
	}
	got := extent{base: p.next, size: size}
	p.next += size
	return got, nil
}

// CreateReplica carves a replica of sizeBytes with the given block size and
// returns its backend. Creating an existing uuid returns ErrExists.
func (p *Pool) CreateReplica(uuid string, sizeBytes uint64, blockSize uint32) (block.Backend, error) {
	if blockSize == 0 || sizeBytes == 0 || sizeBytes%uint64(blockSize) != 0 {
		return nil, fmt.Errorf("%w: size %d not a multiple of block size %d", ErrBadConfig, sizeBytes, blockSize)
	}
	geom := block.Geometry{BlockSize: blockSize, NumBlocks: sizeBytes / uint64(blockSize)}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.replicas[uuid]; ok {
		return nil, fmt.Errorf("%w: %s", ErrExists, uuid)
	}

	size := int64(sizeBytes)
	if p.Striped() {
		size = p.stripeColBytes(geom)
	}
	ext, err := p.allocate(size)
	if err != nil {
		return nil, err
	}
	re := &replicaEntry{uuid: uuid, ext: ext, geom: geom}
	backend, err := p.openLocked(re)
	if err != nil {
		p.free = append(p.free, ext)
		p.coalesce()
		return nil, err
	}

	p.replicas[uuid] = re
	p.log.Info("replica created",
		zap.String("uuid", uuid),
		zap.Uint64("size_bytes", sizeBytes),
		zap.Uint32("block_size", blockSize),
		zap.Bool("striped", p.Striped()))
	return backend, nil
}

// openLocked builds a device over the replica's extent. Caller holds p.mu.
func (p *Pool) openLocked(re *replicaEntry) (block.Backend, error) {
	if p.Striped() {
		return p.openStriped(re.uuid, re.geom, re.ext)
	}
	return block.NewFileDevice(re.uuid, p.devices[0], re.ext.base, re.geom)
}

// OpenReplica opens a fresh handle onto an existing replica. Every
// checkout owns its handle: a nexus closing a removed child invalidates
// neither the replica nor any other handle, so the replica can be opened
// again for recovery.
func (p *Pool) OpenReplica(uuid string) (block.Backend, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	re, ok := p.replicas[uuid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uuid)
	}
	return p.openLocked(re)
}

// DestroyReplica removes the replica and returns its extent to the pool.
// Handles already checked out stay open until their owners close them.
func (p *Pool) DestroyReplica(uuid string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	re, ok := p.replicas[uuid]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, uuid)
	}
	delete(p.replicas, uuid)
	p.free = append(p.free, re.ext)
	p.coalesce()
	p.log.Info("replica destroyed", zap.String("uuid", uuid))
	return nil
}

// coalesce merges adjacent free extents. Caller holds p.mu.
func (p *Pool) coalesce() {
	sort.Slice(p.free, func(i, j int) bool { return p.free[i].base < p.free[j].base })
	out := p.free[:0]
	for _, f := range p.free {
		if n := len(out); n > 0 && out[n-1].base+out[n-1].size == f.base {
			out[n-1].size += f.size
			continue
		}
		out = append(out, f)
	}
	p.free = out
}

// Usage reports used and total capacity in bytes per member device.
func (p *Pool) Usage() (used, total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	used = p.next
	for _, f := range p.free {
		used -= f.size
	}
	return used, p.capacity
}

// Replicas lists the replica uuids currently carved from the pool.
func (p *Pool) Replicas() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.replicas))
	for uuid := range p.replicas {
		out = append(out, uuid)
	}
	sort.Strings(out)
	return out
}
