package nvmeof

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/srilakshmi/nexus/block"
)

// Target terminates NVMe-oF/TCP sessions and maps submitted block
// commands onto the shared devices. One target serves many subsystems;
// each published nexus (or shared replica) is one subsystem with a single
// namespace.
type Target struct {
	listenAddr string
	advertise  string

	subsystems map[string]*subsystem
	subsysMu   sync.RWMutex

	listener net.Listener
	running  atomic.Bool
	wg       sync.WaitGroup

	log *zap.Logger
}

type subsystem struct {
	nqn   string
	dev   block.Device
	hosts map[string]bool // empty means any host

	ctrlMu   sync.Mutex
	nextCtrl uint16

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
	gone   atomic.Bool
}

// NewTarget creates a target listening on listenAddr. advertise is the
// address placed in returned endpoints (the host-facing address when the
// listener binds a wildcard); empty means the listener's own address.
func NewTarget(listenAddr, advertise string, log *zap.Logger) *Target {
	if log == nil {
		log = zap.NewNop()
	}
	return &Target{
		listenAddr: listenAddr,
		advertise:  advertise,
		subsystems: make(map[string]*subsystem),
		log:        log.Named("nvmf-tgt"),
	}
}

// Start binds the listener and begins accepting sessions.
func (t *Target) Start() error {
	if !t.running.CompareAndSwap(false, true) {
		return fmt.Errorf("target already running")
	}
	ln, err := net.Listen("tcp", t.listenAddr)
	if err != nil {
		t.running.Store(false)
		return fmt.Errorf("listen %s: %w", t.listenAddr, err)
	}
	t.listener = ln
	if t.advertise == "" {
		t.advertise = ln.Addr().String()
	}
	t.wg.Add(1)
	go t.acceptLoop()
	t.log.Info("target listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Stop closes the listener and every session, then waits for the
// connection handlers to finish their current command.
func (t *Target) Stop() error {
	if !t.running.CompareAndSwap(true, false) {
		return nil
	}
	err := t.listener.Close()
	t.subsysMu.RLock()
	for _, s := range t.subsystems {
		s.closeConns()
	}
	t.subsysMu.RUnlock()
	t.wg.Wait()
	return err
}

// Addr returns the advertised address.
func (t *Target) Addr() string { return t.advertise }

// Share registers a device as a subsystem and returns its endpoint URI.
// Implements the nexus Publisher contract.
func (t *Target) Share(name string, dev block.Device, allowedHosts []string) (string, error) {
	nqn := SubsystemNQN(name)
	s := &subsystem{
		nqn:      nqn,
		dev:      dev,
		hosts:    make(map[string]bool),
		nextCtrl: 1,
		conns:    make(map[net.Conn]struct{}),
	}
	for _, h := range allowedHosts {
		s.hosts[h] = true
	}

	t.subsysMu.Lock()
	defer t.subsysMu.Unlock()
	if _, exists := t.subsystems[nqn]; exists {
		return "", fmt.Errorf("subsystem already exists: %s", nqn)
	}
	t.subsystems[nqn] = s
	t.log.Info("subsystem shared", zap.String("nqn", nqn))
	return fmt.Sprintf("nvmf://%s/%s", t.advertise, nqn), nil
}

// Unshare removes the subsystem and closes its sessions. In-flight device
// operations are left to complete; their completions are discarded with
// the closed connections, never double-freed.
func (t *Target) Unshare(name string) error {
	nqn := SubsystemNQN(name)
	t.subsysMu.Lock()
	s, ok := t.subsystems[nqn]
	delete(t.subsystems, nqn)
	t.subsysMu.Unlock()
	if !ok {
		return fmt.Errorf("no such subsystem: %s", nqn)
	}
	s.gone.Store(true)
	s.closeConns()
	t.log.Info("subsystem unshared", zap.String("nqn", nqn))
	return nil
}

func (s *subsystem) closeConns() {
	s.connMu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.conns = make(map[net.Conn]struct{})
	s.connMu.Unlock()
}

func (s *subsystem) track(c net.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.gone.Load() {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *subsystem) untrack(c net.Conn) {
	s.connMu.Lock()
	delete(s.conns, c)
	s.connMu.Unlock()
}

func (t *Target) acceptLoop() {
	defer t.wg.Done()
	for t.running.Load() {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.running.Load() {
				t.log.Warn("accept", zap.Error(err))
			}
			return
		}
		t.wg.Add(1)
		go t.handleSession(conn)
	}
}

// session is the per-connection state: one queue of one controller, bound
// to one subsystem by the fabrics connect.
type session struct {
	conn    net.Conn
	subsys  *subsystem
	hostNQN string
	qid     uint16
	ctrlID  uint16

	commands uint64
}

// handleSession processes commands sequentially for one connection.
// Completions on a single queue are therefore returned in submission
// order, which satisfies every ordering barrier the protocol needs;
// concurrency comes from the initiator opening several queues.
func (t *Target) handleSession(conn net.Conn) {
	defer t.wg.Done()
	defer conn.Close()

	sess := &session{conn: conn}
	defer func() {
		if sess.subsys != nil {
			sess.subsys.untrack(conn)
		}
	}()

	cmdBuf := make([]byte, commandSize)
	for {
		if _, err := io.ReadFull(conn, cmdBuf); err != nil {
			return
		}
		cmd, err := unmarshalCommand(cmdBuf)
		if err != nil {
			return
		}
		sess.commands++
		if disconnect := t.processCommand(sess, cmd); disconnect {
			return
		}
	}
}

// processCommand executes one capsule and writes its response. It returns
// true when the session must end.
func (t *Target) processCommand(sess *session, cmd *Command) bool {
	comp := &Completion{CommandID: cmd.CommandID, SQID: sess.qid}

	switch cmd.Opcode {
	case OpFabrics:
		return t.processFabrics(sess, cmd, comp)
	case OpIdentify:
		t.processIdentify(sess, cmd, comp)
	case OpRead:
		t.processRead(sess, cmd, comp)
	case OpWrite:
		t.processWrite(sess, cmd, comp)
	case OpFlush:
		t.processFlush(sess, comp)
	case OpDSM:
		t.processDSM(sess, cmd, comp)
	default:
		comp.Status = StatusInvalidOpcode
		t.complete(sess, comp)
	}
	// I/O before a successful fabrics connect is a protocol violation.
	return sess.subsys == nil
}

func (t *Target) complete(sess *session, comp *Completion) {
	sess.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	sess.conn.Write(marshalCompletion(comp))
}

func (t *Target) processFabrics(sess *session, cmd *Command, comp *Completion) bool {
	switch cmd.FCType {
	case FabricsConnect:
		data := make([]byte, connectDataLen)
		if _, err := io.ReadFull(sess.conn, data); err != nil {
			return true
		}
		hostNQN, subsysNQN := unmarshalConnectData(data)

		t.subsysMu.RLock()
		s, ok := t.subsystems[subsysNQN]
		t.subsysMu.RUnlock()
		if !ok {
			comp.Status = StatusInvalidField
			t.complete(sess, comp)
			return true
		}
		if len(s.hosts) > 0 && !s.hosts[hostNQN] {
			t.log.Warn("host rejected", zap.String("host", hostNQN), zap.String("nqn", subsysNQN))
			comp.Status = StatusAccessDenied
			t.complete(sess, comp)
			return true
		}
		if !s.track(sess.conn) {
			comp.Status = StatusNamespaceBusy
			t.complete(sess, comp)
			return true
		}
		sess.subsys = s
		sess.hostNQN = hostNQN
		sess.qid = cmd.QID

		s.ctrlMu.Lock()
		sess.ctrlID = s.nextCtrl
		s.nextCtrl++
		s.ctrlMu.Unlock()

		comp.DW0 = uint32(sess.ctrlID)
		t.complete(sess, comp)
		return false

	case FabricsDisconnect:
		t.complete(sess, comp)
		return true

	default:
		comp.Status = StatusInvalidField
		t.complete(sess, comp)
		return false
	}
}

func (t *Target) processIdentify(sess *session, cmd *Command, comp *Completion) {
	if sess.subsys == nil {
		comp.Status = StatusInvalidField
		t.complete(sess, comp)
		return
	}
	data := make([]byte, identifyLen)
	switch cmd.CNS {
	case CNSController:
		binary.LittleEndian.PutUint32(data[516:520], 1) // one namespace
	case CNSNamespace:
		geom := sess.subsys.dev.Geometry()
		binary.LittleEndian.PutUint64(data[0:8], geom.NumBlocks)
		lbads := uint8(0)
		for bs := geom.BlockSize; bs > 1; bs >>= 1 {
			lbads++
		}
		data[128] = lbads
	default:
		comp.Status = StatusInvalidField
		t.complete(sess, comp)
		return
	}
	// Completion first so the initiator knows data follows.
	t.complete(sess, comp)
	sess.conn.Write(data)
}

func (t *Target) processRead(sess *session, cmd *Command, comp *Completion) {
	s := sess.subsys
	if s == nil {
		comp.Status = StatusInvalidField
		t.complete(sess, comp)
		return
	}
	ctx, cancel := opContext()
	defer cancel()
	data, err := s.dev.Read(ctx, cmd.SLBA, uint64(cmd.Blocks()))
	comp.Status = statusFor(err)
	if err != nil {
		// Completion alone; the initiator reads data only on success.
		t.complete(sess, comp)
		t.log.Debug("read failed", zap.String("nqn", s.nqn), zap.Uint64("slba", cmd.SLBA), zap.Error(err))
		return
	}
	comp.DW0 = uint32(len(data))
	t.complete(sess, comp)
	sess.conn.Write(data)
}

func (t *Target) processWrite(sess *session, cmd *Command, comp *Completion) {
	s := sess.subsys
	if s == nil {
		// The payload length is unknown without a bound namespace, so the
		// session cannot be resynchronized; processCommand drops it.
		comp.Status = StatusInvalidField
		t.complete(sess, comp)
		return
	}
	length := uint64(cmd.Blocks()) * uint64(s.dev.Geometry().BlockSize)
	data := make([]byte, length)
	if _, err := io.ReadFull(sess.conn, data); err != nil {
		comp.Status = StatusDataXferError
		t.complete(sess, comp)
		return
	}
	ctx, cancel := opContext()
	defer cancel()
	err := s.dev.Write(ctx, cmd.SLBA, data)
	comp.Status = statusFor(err)
	t.complete(sess, comp)
	if err != nil {
		t.log.Debug("write failed", zap.String("nqn", s.nqn), zap.Uint64("slba", cmd.SLBA), zap.Error(err))
	}
}

func (t *Target) processFlush(sess *session, comp *Completion) {
	if sess.subsys == nil {
		comp.Status = StatusInvalidField
	} else {
		ctx, cancel := opContext()
		comp.Status = statusFor(sess.subsys.dev.Flush(ctx))
		cancel()
	}
	t.complete(sess, comp)
}

func (t *Target) processDSM(sess *session, cmd *Command, comp *Completion) {
	switch {
	case sess.subsys == nil:
		comp.Status = StatusInvalidField
	case cmd.Flags&dsmDeallocate == 0:
		comp.Status = StatusInvalidField
	default:
		ctx, cancel := opContext()
		comp.Status = statusFor(sess.subsys.dev.Unmap(ctx, cmd.SLBA, uint64(cmd.Blocks())))
		cancel()
	}
	t.complete(sess, comp)
}
