package nvmeof

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/srilakshmi/nexus/block"
)

// DefaultQueueCount is how many I/O queues (connections) an initiator
// opens per subsystem.
const DefaultQueueCount = 4

const dialTimeout = 5 * time.Second

// Initiator imports one namespace of a remote subsystem and exposes it as
// a nexus backend. Each queue is one TCP connection processing commands
// strictly in order; concurrent callers spread across queues round-robin.
type Initiator struct {
	uuid    string
	addr    string
	nqn     string
	hostNQN string
	geom    block.Geometry

	queues []*queue
	cursor atomic.Uint32

	state  atomic.Int32
	health *block.HealthTracker
	log    *zap.Logger
}

type queue struct {
	qid uint16

	mu        sync.Mutex
	conn      net.Conn
	nextCmdID uint16
}

// InitiatorConfig controls queue sizing and identity.
type InitiatorConfig struct {
	// UUID is the backend identifier; derived from the URI when empty.
	UUID       string
	HostNQN    string
	QueueCount int
	Logger     *zap.Logger
}

// ParseURI splits an nvmf://host:port/nqn[?uuid=...] backend URI.
func ParseURI(raw string) (addr, nqn, backendUUID string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", "", fmt.Errorf("parse %q: %w", raw, err)
	}
	if u.Scheme != "nvmf" {
		return "", "", "", fmt.Errorf("not an nvmf URI: %q", raw)
	}
	if u.Host == "" || len(u.Path) < 2 {
		return "", "", "", fmt.Errorf("nvmf URI needs host and subsystem: %q", raw)
	}
	return u.Host, u.Path[1:], u.Query().Get("uuid"), nil
}

// ConnectURI connects to the subsystem named by an nvmf:// URI.
func ConnectURI(ctx context.Context, raw string, cfg InitiatorConfig) (*Initiator, error) {
	addr, nqn, id, err := ParseURI(raw)
	if err != nil {
		return nil, err
	}
	if cfg.UUID == "" {
		if id == "" {
			// Stable identity for the same URI across reconnects.
			id = uuid.NewSHA1(uuid.NameSpaceURL, []byte(raw)).String()
		}
		cfg.UUID = id
	}
	return Connect(ctx, addr, nqn, cfg)
}

// Connect dials the target and attaches to the subsystem, learning the
// namespace geometry from identify.
func Connect(ctx context.Context, addr, nqn string, cfg InitiatorConfig) (*Initiator, error) {
	if cfg.QueueCount <= 0 {
		cfg.QueueCount = DefaultQueueCount
	}
	if cfg.HostNQN == "" {
		cfg.HostNQN = fmt.Sprintf("%s:host-%s", NQNPrefix, uuid.NewString()[:8])
	}
	if cfg.UUID == "" {
		cfg.UUID = uuid.NewString()
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	ini := &Initiator{
		uuid:    cfg.UUID,
		addr:    addr,
		nqn:     SubsystemNQN(nqn),
		hostNQN: cfg.HostNQN,
		health:  block.NewHealthTracker(cfg.UUID, 0),
		log:     log.Named("nvmf-ini").With(zap.String("nqn", nqn)),
	}
	ini.state.Store(int32(block.StateConnecting))

	for i := 0; i < cfg.QueueCount; i++ {
		q, err := ini.connectQueue(ctx, uint16(i))
		if err != nil {
			ini.Close()
			return nil, err
		}
		ini.queues = append(ini.queues, q)
	}
	if err := ini.identify(ctx); err != nil {
		ini.Close()
		return nil, err
	}

	ini.state.Store(int32(block.StateOnline))
	ini.log.Info("subsystem connected",
		zap.String("addr", addr),
		zap.Uint64("blocks", ini.geom.NumBlocks),
		zap.Uint32("block_size", ini.geom.BlockSize))
	return ini, nil
}

// connectQueue dials one connection and performs the fabrics connect,
// retrying transient dial failures.
func (ini *Initiator) connectQueue(ctx context.Context, qid uint16) (*queue, error) {
	var conn net.Conn
	err := retry.Do(
		func() error {
			var err error
			conn, err = net.DialTimeout("tcp", ini.addr, dialTimeout)
			return err
		},
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", block.ErrDisconnected, ini.addr, err)
	}

	q := &queue{qid: qid, conn: conn}
	cmd := &Command{Opcode: OpFabrics, FCType: FabricsConnect, QID: qid}
	comp, _, err := q.roundTrip(ctx, cmd, marshalConnectData(ini.hostNQN, ini.nqn), 0)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if comp.Status != StatusSuccess {
		conn.Close()
		if comp.Status == StatusAccessDenied {
			return nil, fmt.Errorf("%w: host %s not allowed on %s", block.ErrProtocol, ini.hostNQN, ini.nqn)
		}
		return nil, fmt.Errorf("%w: connect rejected with 0x%04x", block.ErrProtocol, comp.Status)
	}
	return q, nil
}

func (ini *Initiator) identify(ctx context.Context) error {
	cmd := &Command{Opcode: OpIdentify, CNS: CNSNamespace, NSID: 1}
	comp, data, err := ini.queues[0].roundTrip(ctx, cmd, nil, identifyLen)
	if err != nil {
		return err
	}
	if comp.Status != StatusSuccess {
		return fmt.Errorf("%w: identify rejected with 0x%04x", block.ErrProtocol, comp.Status)
	}
	ini.geom = block.Geometry{
		NumBlocks: binary.LittleEndian.Uint64(data[0:8]),
		BlockSize: 1 << data[128],
	}
	if ini.geom.NumBlocks == 0 || ini.geom.BlockSize == 0 {
		return fmt.Errorf("%w: identify returned zero geometry", block.ErrProtocol)
	}
	return nil
}

// roundTrip sends one command capsule (plus optional payload) and reads
// the completion, plus wantData response bytes on success. The queue lock
// keeps request/response pairs framed.
func (q *queue) roundTrip(ctx context.Context, cmd *Command, payload []byte, wantData int) (*Completion, []byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cmd.CommandID = q.nextCmdID
	q.nextCmdID++

	deadline := time.Now().Add(targetOpTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	q.conn.SetDeadline(deadline)

	if _, err := q.conn.Write(marshalCommand(cmd)); err != nil {
		return nil, nil, wireErr("send command", err)
	}
	if len(payload) > 0 {
		if _, err := q.conn.Write(payload); err != nil {
			return nil, nil, wireErr("send payload", err)
		}
	}

	compBuf := make([]byte, completionSize)
	if _, err := io.ReadFull(q.conn, compBuf); err != nil {
		return nil, nil, wireErr("read completion", err)
	}
	comp := unmarshalCompletion(compBuf)
	if comp.CommandID != cmd.CommandID {
		return nil, nil, fmt.Errorf("%w: completion for command %d, expected %d",
			block.ErrProtocol, comp.CommandID, cmd.CommandID)
	}

	var data []byte
	if wantData > 0 && comp.Status == StatusSuccess {
		data = make([]byte, wantData)
		if _, err := io.ReadFull(q.conn, data); err != nil {
			return nil, nil, wireErr("read data", err)
		}
	}
	return comp, data, nil
}

// wireErr classifies a socket failure into the backend taxonomy.
func wireErr(op string, err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %s: %v", block.ErrTimeout, op, err)
	}
	return fmt.Errorf("%w: %s: %v", block.ErrDisconnected, op, err)
}

func (ini *Initiator) pickQueue() *queue {
	n := len(ini.queues)
	return ini.queues[int(ini.cursor.Add(1)-1)%n]
}

func (ini *Initiator) UUID() string             { return ini.uuid }
func (ini *Initiator) Kind() block.Kind         { return block.KindNvmf }
func (ini *Initiator) Geometry() block.Geometry { return ini.geom }
func (ini *Initiator) State() block.State       { return block.State(ini.state.Load()) }

// SetFaultHandler wires the owner's health-down callback.
func (ini *Initiator) SetFaultHandler(h block.FaultHandler) { ini.health.SetFaultHandler(h) }

// NQN returns the connected subsystem qualified name.
func (ini *Initiator) NQN() string { return ini.nqn }

func (ini *Initiator) observe(err error) {
	if err != nil && errors.Is(err, block.ErrDisconnected) {
		ini.state.Store(int32(block.StateDegraded))
	}
	ini.health.Observe(err)
}

func (ini *Initiator) Read(ctx context.Context, offsetBlocks, lengthBlocks uint64) ([]byte, error) {
	if lengthBlocks == 0 {
		return nil, nil
	}
	if err := ini.geom.CheckRange(offsetBlocks, lengthBlocks); err != nil {
		return nil, err
	}
	cmd := &Command{Opcode: OpRead, NSID: 1, SLBA: offsetBlocks, Length: uint16(lengthBlocks - 1)}
	want := int(lengthBlocks * uint64(ini.geom.BlockSize))
	comp, data, err := ini.pickQueue().roundTrip(ctx, cmd, nil, want)
	if err == nil {
		err = errorFor(comp.Status)
	}
	ini.observe(err)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (ini *Initiator) Write(ctx context.Context, offsetBlocks uint64, data []byte) error {
	bs := uint64(ini.geom.BlockSize)
	if uint64(len(data)) == 0 || uint64(len(data))%bs != 0 {
		return fmt.Errorf("%w: write length %d not block aligned", block.ErrProtocol, len(data))
	}
	lengthBlocks := uint64(len(data)) / bs
	if err := ini.geom.CheckRange(offsetBlocks, lengthBlocks); err != nil {
		return err
	}
	cmd := &Command{Opcode: OpWrite, NSID: 1, SLBA: offsetBlocks, Length: uint16(lengthBlocks - 1)}
	comp, _, err := ini.pickQueue().roundTrip(ctx, cmd, data, 0)
	if err == nil {
		err = errorFor(comp.Status)
	}
	ini.observe(err)
	return err
}

func (ini *Initiator) Flush(ctx context.Context) error {
	cmd := &Command{Opcode: OpFlush, NSID: 1}
	comp, _, err := ini.pickQueue().roundTrip(ctx, cmd, nil, 0)
	if err == nil {
		err = errorFor(comp.Status)
	}
	ini.observe(err)
	return err
}

func (ini *Initiator) Unmap(ctx context.Context, offsetBlocks, lengthBlocks uint64) error {
	if lengthBlocks == 0 {
		return nil
	}
	if err := ini.geom.CheckRange(offsetBlocks, lengthBlocks); err != nil {
		return err
	}
	cmd := &Command{
		Opcode: OpDSM,
		Flags:  dsmDeallocate,
		NSID:   1,
		SLBA:   offsetBlocks,
		Length: uint16(lengthBlocks - 1),
	}
	comp, _, err := ini.pickQueue().roundTrip(ctx, cmd, nil, 0)
	if err == nil {
		err = errorFor(comp.Status)
	}
	ini.observe(err)
	return err
}

// Close tears the queues down. Outstanding commands fail with
// ErrDisconnected; none are left ambiguous because each queue is
// request/response framed.
func (ini *Initiator) Close() error {
	ini.state.Store(int32(block.StateDisconnected))
	for _, q := range ini.queues {
		q.mu.Lock()
		q.conn.Close()
		q.mu.Unlock()
	}
	return nil
}
