package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/klauspost/reedsolomon"
	"go.uber.org/zap"

	"github.com/srilakshmi/nexus/block"
)

// stripedDevice spreads a replica's blocks across the pool's member
// devices: block b lives on data column b%D at row b/D, with ParityShards
// parity columns recomputed per row. A single lost member is reconstructed
// from the surviving columns on the read path and repaired by Scrub.
type stripedDevice struct {
	uuid string
	geom block.Geometry
	enc  reedsolomon.Encoder

	dataShards int
	rows       uint64

	// columns[i] is the extent of this replica on member device i.
	columns []*block.FileDevice

	mu    sync.Mutex // serializes row read-modify-write
	state atomic.Int32
	log   *zap.Logger
}

// stripeRows returns the per-column row count for a replica geometry.
func (p *Pool) stripeRows(geom block.Geometry) uint64 {
	dataShards := uint64(len(p.devices) - ParityShards)
	return (geom.NumBlocks + dataShards - 1) / dataShards
}

// stripeColBytes returns the extent size one member device contributes.
func (p *Pool) stripeColBytes(geom block.Geometry) int64 {
	return int64(p.stripeRows(geom)) * int64(geom.BlockSize)
}

// openStriped builds a striped device over an already allocated extent.
// Caller holds p.mu.
func (p *Pool) openStriped(uuid string, geom block.Geometry, ext extent) (block.Backend, error) {
	dataShards := len(p.devices) - ParityShards
	rows := p.stripeRows(geom)

	enc, err := reedsolomon.New(dataShards, ParityShards)
	if err != nil {
		return nil, fmt.Errorf("reedsolomon: %w", err)
	}

	colGeom := block.Geometry{BlockSize: geom.BlockSize, NumBlocks: rows}
	columns := make([]*block.FileDevice, len(p.devices))
	for i, dev := range p.devices {
		col, err := block.NewFileDevice(fmt.Sprintf("%s/col-%d", uuid, i), dev, ext.base, colGeom)
		if err != nil {
			for _, c := range columns[:i] {
				c.Close()
			}
			return nil, err
		}
		columns[i] = col
	}

	sd := &stripedDevice{
		uuid:       uuid,
		geom:       geom,
		enc:        enc,
		dataShards: dataShards,
		rows:       rows,
		columns:    columns,
		log:        p.log.With(zap.String("replica", uuid)),
	}
	sd.state.Store(int32(block.StateOnline))
	return sd, nil
}

func (sd *stripedDevice) UUID() string             { return sd.uuid }
func (sd *stripedDevice) Kind() block.Kind         { return block.KindLocalPool }
func (sd *stripedDevice) Geometry() block.Geometry { return sd.geom }
func (sd *stripedDevice) State() block.State       { return block.State(sd.state.Load()) }

// readRow returns the data+parity shards of one row, reconstructing at
// most ParityShards missing columns.
func (sd *stripedDevice) readRow(ctx context.Context, row uint64) ([][]byte, error) {
	shards := make([][]byte, len(sd.columns))
	missing := 0
	for i, col := range sd.columns {
		buf, err := col.Read(ctx, row, 1)
		if err != nil {
			missing++
			if missing > ParityShards {
				return nil, fmt.Errorf("row %d of %s: %w", row, sd.uuid, err)
			}
			continue
		}
		shards[i] = buf
	}
	if missing > 0 {
		if err := sd.enc.Reconstruct(shards); err != nil {
			return nil, fmt.Errorf("%w: reconstruct row %d of %s: %v", block.ErrMedium, row, sd.uuid, err)
		}
	}
	return shards, nil
}

// writeRow recomputes parity for the row's data shards and writes every
// column that changed, plus parity.
func (sd *stripedDevice) writeRow(ctx context.Context, row uint64, shards [][]byte, dirty []bool) error {
	if err := sd.enc.Encode(shards); err != nil {
		return fmt.Errorf("encode row %d of %s: %w", row, sd.uuid, err)
	}
	for i, col := range sd.columns {
		if i < sd.dataShards && !dirty[i] {
			continue
		}
		if err := col.Write(ctx, row, shards[i]); err != nil {
			return err
		}
	}
	return nil
}

func (sd *stripedDevice) Read(ctx context.Context, offsetBlocks, lengthBlocks uint64) ([]byte, error) {
	if err := sd.geom.CheckRange(offsetBlocks, lengthBlocks); err != nil {
		return nil, err
	}
	sd.mu.Lock()
	defer sd.mu.Unlock()

	bs := uint64(sd.geom.BlockSize)
	out := make([]byte, lengthBlocks*bs)
	var rowCache uint64
	var shards [][]byte
	for i := uint64(0); i < lengthBlocks; i++ {
		b := offsetBlocks + i
		row, col := b/uint64(sd.dataShards), int(b%uint64(sd.dataShards))
		if shards == nil || row != rowCache {
			var err error
			shards, err = sd.readRow(ctx, row)
			if err != nil {
				return nil, err
			}
			rowCache = row
		}
		copy(out[i*bs:(i+1)*bs], shards[col])
	}
	return out, nil
}

func (sd *stripedDevice) Write(ctx context.Context, offsetBlocks uint64, data []byte) error {
	bs := uint64(sd.geom.BlockSize)
	if uint64(len(data))%bs != 0 {
		return fmt.Errorf("%w: write length %d not block aligned", block.ErrProtocol, len(data))
	}
	lengthBlocks := uint64(len(data)) / bs
	if err := sd.geom.CheckRange(offsetBlocks, lengthBlocks); err != nil {
		return err
	}
	sd.mu.Lock()
	defer sd.mu.Unlock()

	// Row-at-a-time read-modify-write so parity stays consistent.
	i := uint64(0)
	for i < lengthBlocks {
		b := offsetBlocks + i
		row := b / uint64(sd.dataShards)
		shards, err := sd.readRow(ctx, row)
		if err != nil {
			return err
		}
		dirty := make([]bool, sd.dataShards)
		for ; i < lengthBlocks; i++ {
			bb := offsetBlocks + i
			if bb/uint64(sd.dataShards) != row {
				break
			}
			col := int(bb % uint64(sd.dataShards))
			copy(shards[col], data[i*bs:(i+1)*bs])
			dirty[col] = true
		}
		if err := sd.writeRow(ctx, row, shards, dirty); err != nil {
			return err
		}
	}
	return nil
}

func (sd *stripedDevice) Flush(ctx context.Context) error {
	for _, col := range sd.columns {
		if err := col.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (sd *stripedDevice) Unmap(ctx context.Context, offsetBlocks, lengthBlocks uint64) error {
	if err := sd.geom.CheckRange(offsetBlocks, lengthBlocks); err != nil {
		return err
	}
	zero := make([]byte, lengthBlocks*uint64(sd.geom.BlockSize))
	return sd.Write(ctx, offsetBlocks, zero)
}

// Scrub rewrites every row of the given member column from the surviving
// columns. Used after replacing a failed pool device.
func (sd *stripedDevice) Scrub(ctx context.Context, column int) error {
	if column < 0 || column >= len(sd.columns) {
		return fmt.Errorf("no such column %d", column)
	}
	sd.mu.Lock()
	defer sd.mu.Unlock()

	for row := uint64(0); row < sd.rows; row++ {
		shards := make([][]byte, len(sd.columns))
		for i, col := range sd.columns {
			if i == column {
				continue
			}
			buf, err := col.Read(ctx, row, 1)
			if err != nil {
				return fmt.Errorf("scrub row %d: %w", row, err)
			}
			shards[i] = buf
		}
		if err := sd.enc.Reconstruct(shards); err != nil {
			return fmt.Errorf("%w: scrub row %d of %s: %v", block.ErrMedium, row, sd.uuid, err)
		}
		if err := sd.columns[column].Write(ctx, row, shards[column]); err != nil {
			return err
		}
	}
	sd.log.Info("column scrubbed", zap.Int("column", column))
	return nil
}

func (sd *stripedDevice) Close() error {
	sd.state.Store(int32(block.StateDisconnected))
	var first error
	for _, col := range sd.columns {
		if err := col.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
