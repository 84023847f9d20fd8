package iscsi

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/srilakshmi/nexus/block"
)

const targetOpTimeout = 60 * time.Second

// Target is an iSCSI portal serving any number of shared devices, each
// under its own IQN as LUN 0 of a single-LUN target. Multiple sessions
// per target are permitted; per-session commands run strictly in order.
type Target struct {
	listenAddr string
	advertise  string

	units  map[string]*unit
	unitMu sync.RWMutex

	listener net.Listener
	running  atomic.Bool
	wg       sync.WaitGroup
	log      *zap.Logger
}

// unit is one shared device plus its access policy and live sessions.
type unit struct {
	iqn string
	dev block.Device

	// initiators is the access allowlist by InitiatorName. Empty
	// allows any.
	initiators map[string]bool

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	gone  bool
}

// NewTarget builds a portal listening on listenAddr. The advertise
// address is what Share returns in endpoint URIs; empty means the
// resolved listen address.
func NewTarget(listenAddr, advertise string, log *zap.Logger) *Target {
	if log == nil {
		log = zap.NewNop()
	}
	return &Target{
		listenAddr: listenAddr,
		advertise:  advertise,
		units:      make(map[string]*unit),
		log:        log.Named("iscsi-tgt"),
	}
}

// Start begins accepting sessions.
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
	t.log.Info("portal listening", zap.String("addr", ln.Addr().String()))
	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

// Stop closes the listener and every live session.
func (t *Target) Stop() error {
	if !t.running.CompareAndSwap(true, false) {
		return nil
	}
	err := t.listener.Close()
	t.unitMu.RLock()
	for _, u := range t.units {
		u.closeConns()
	}
	t.unitMu.RUnlock()
	t.wg.Wait()
	return err
}

// Addr returns the advertised portal address.
func (t *Target) Addr() string { return t.advertise }

// Share registers a device under its own IQN and returns the endpoint
// URI. Implements the nexus Publisher contract.
func (t *Target) Share(name string, dev block.Device, allowedInitiators []string) (string, error) {
	iqn := TargetIQN(name)
	u := &unit{
		iqn:        iqn,
		dev:        dev,
		initiators: make(map[string]bool),
		conns:      make(map[net.Conn]struct{}),
	}
	for _, ini := range allowedInitiators {
		u.initiators[ini] = true
	}
	t.unitMu.Lock()
	defer t.unitMu.Unlock()
	if _, ok := t.units[iqn]; ok {
		return "", fmt.Errorf("target already shared: %s", iqn)
	}
	t.units[iqn] = u
	t.log.Info("target shared", zap.String("iqn", iqn))
	return fmt.Sprintf("iscsi://%s/%s", t.advertise, iqn), nil
}

// Unshare withdraws a target and severs its sessions without waiting
// for in-flight device operations.
func (t *Target) Unshare(name string) error {
	iqn := TargetIQN(name)
	t.unitMu.Lock()
	u, ok := t.units[iqn]
	delete(t.units, iqn)
	t.unitMu.Unlock()
	if !ok {
		return fmt.Errorf("no such target: %s", iqn)
	}
	u.closeConns()
	t.log.Info("target unshared", zap.String("iqn", iqn))
	return nil
}

func (u *unit) closeConns() {
	u.mu.Lock()
	u.gone = true
	for c := range u.conns {
		c.Close()
	}
	u.conns = make(map[net.Conn]struct{})
	u.mu.Unlock()
}

// track registers a session with its unit. Fails when the unit was
// unshared between login lookup and registration.
func (u *unit) track(c net.Conn) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.gone {
		return false
	}
	u.conns[c] = struct{}{}
	return true
}

func (u *unit) untrack(c net.Conn) {
	u.mu.Lock()
	delete(u.conns, c)
	u.mu.Unlock()
}

func (t *Target) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.running.Load() {
				t.log.Warn("accept failed", zap.Error(err))
				continue
			}
			return
		}
		t.wg.Add(1)
		go t.handleSession(conn)
	}
}

// session carries per-connection login state.
type session struct {
	conn net.Conn
	unit *unit
}

func (t *Target) handleSession(conn net.Conn) {
	defer t.wg.Done()
	defer conn.Close()

	sess := &session{conn: conn}
	defer func() {
		if sess.unit != nil {
			sess.unit.untrack(conn)
		}
	}()

	for {
		p, err := readPDU(conn)
		if err != nil {
			return
		}
		if !t.processPDU(sess, p) {
			return
		}
	}
}

// processPDU dispatches one PDU. A false return ends the session.
func (t *Target) processPDU(sess *session, p *pdu) bool {
	if sess.unit == nil && p.op != opLoginRequest {
		return false
	}
	switch p.op {
	case opLoginRequest:
		return t.processLogin(sess, p)
	case opSCSICommand:
		t.processSCSI(sess, p)
		return true
	case opNopOut:
		writePDU(sess.conn, &pdu{op: opNopIn, flags: flagFinal, itt: p.itt})
		return true
	case opLogoutReq:
		writePDU(sess.conn, &pdu{op: opLogoutResp, flags: flagFinal, itt: p.itt})
		return false
	default:
		t.log.Warn("unhandled opcode", zap.Uint8("op", p.op))
		return false
	}
}

// processLogin runs the single-exchange operational negotiation. It
// binds the session to a target and checks the initiator allowlist.
func (t *Target) processLogin(sess *session, p *pdu) bool {
	kv := decodeText(p.data)
	initiator := kv["InitiatorName"]
	iqn := kv["TargetName"]

	reject := func(status uint16) bool {
		r := &pdu{op: opLoginResponse, flags: flagFinal, itt: p.itt}
		r.cdb[4] = byte(status >> 8)
		r.cdb[5] = byte(status)
		writePDU(sess.conn, r)
		return false
	}

	if initiator == "" || iqn == "" {
		return reject(loginStatusAuthFailure)
	}
	t.unitMu.RLock()
	u, ok := t.units[iqn]
	t.unitMu.RUnlock()
	if !ok {
		return reject(loginStatusTargetNotFound)
	}
	if len(u.initiators) > 0 && !u.initiators[initiator] {
		t.log.Warn("initiator rejected",
			zap.String("iqn", iqn), zap.String("initiator", initiator))
		return reject(loginStatusAuthFailure)
	}
	if !u.track(sess.conn) {
		return reject(loginStatusTargetNotFound)
	}
	sess.unit = u

	r := &pdu{
		op:    opLoginResponse,
		flags: flagLoginTransitFFP,
		itt:   p.itt,
		data: encodeText(map[string]string{
			"TargetName":               iqn,
			"HeaderDigest":             "None",
			"DataDigest":               "None",
			"ImmediateData":            "Yes",
			"InitialR2T":               "No",
			"MaxRecvDataSegmentLength": fmt.Sprint(maxDataSegment),
		}),
	}
	return writePDU(sess.conn, r) == nil
}

func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), targetOpTimeout)
}

// processSCSI executes one SCSI command against the unit's device.
// Reads answer with a single Data-In PDU carrying status; everything
// else answers with a SCSI response PDU.
func (t *Target) processSCSI(sess *session, p *pdu) {
	dev := sess.unit.dev
	switch p.cdb[0] {
	case cdbTestUnitReady, cdbSyncCache10:
		var err error
		if p.cdb[0] == cdbSyncCache10 {
			ctx, cancel := opContext()
			err = dev.Flush(ctx)
			cancel()
		}
		t.respond(sess, p.itt, err)

	case cdbInquiry:
		t.dataIn(sess, p.itt, inquiryData(sess.unit.iqn))

	case cdbServiceActionIn:
		if p.cdb[1]&0x1F != serviceActionReadCapacity16 {
			t.checkCondition(sess, p.itt, senseIllegalRequest)
			return
		}
		geom := dev.Geometry()
		data := make([]byte, 32)
		binary.BigEndian.PutUint64(data[0:8], geom.NumBlocks-1)
		binary.BigEndian.PutUint32(data[8:12], geom.BlockSize)
		t.dataIn(sess, p.itt, data)

	case cdbRead16:
		lba := binary.BigEndian.Uint64(p.cdb[2:10])
		blocks := uint64(binary.BigEndian.Uint32(p.cdb[10:14]))
		ctx, cancel := opContext()
		data, err := dev.Read(ctx, lba, blocks)
		cancel()
		if err != nil {
			t.checkCondition(sess, p.itt, senseFor(err))
			return
		}
		t.dataIn(sess, p.itt, data)

	case cdbWrite16:
		lba := binary.BigEndian.Uint64(p.cdb[2:10])
		blocks := uint64(binary.BigEndian.Uint32(p.cdb[10:14]))
		if uint64(len(p.data)) != blocks*uint64(dev.Geometry().BlockSize) {
			t.checkCondition(sess, p.itt, senseIllegalRequest)
			return
		}
		ctx, cancel := opContext()
		err := dev.Write(ctx, lba, p.data)
		cancel()
		t.respond(sess, p.itt, err)

	case cdbUnmap:
		t.processUnmap(sess, p)

	default:
		t.log.Warn("unsupported cdb", zap.Uint8("op", p.cdb[0]))
		t.checkCondition(sess, p.itt, senseIllegalRequest)
	}
}

// processUnmap walks the block descriptor list of an UNMAP parameter
// list and deallocates each extent.
func (t *Target) processUnmap(sess *session, p *pdu) {
	if len(p.data) < 8 {
		t.checkCondition(sess, p.itt, senseIllegalRequest)
		return
	}
	descLen := int(binary.BigEndian.Uint16(p.data[2:4]))
	descs := p.data[8:]
	if descLen > len(descs) {
		t.checkCondition(sess, p.itt, senseIllegalRequest)
		return
	}
	for off := 0; off+16 <= descLen; off += 16 {
		lba := binary.BigEndian.Uint64(descs[off : off+8])
		blocks := uint64(binary.BigEndian.Uint32(descs[off+8 : off+12]))
		if blocks == 0 {
			continue
		}
		ctx, cancel := opContext()
		err := sess.unit.dev.Unmap(ctx, lba, blocks)
		cancel()
		if err != nil {
			t.checkCondition(sess, p.itt, senseFor(err))
			return
		}
	}
	t.respond(sess, p.itt, nil)
}

// respond sends a SCSI response PDU, translating a device error into
// CHECK CONDITION with sense data.
func (t *Target) respond(sess *session, itt uint32, err error) {
	if err != nil {
		t.checkCondition(sess, itt, senseFor(err))
		return
	}
	writePDU(sess.conn, &pdu{
		op:     opSCSIResponse,
		flags:  flagFinal,
		status: scsiGood,
		itt:    itt,
	})
}

func (t *Target) checkCondition(sess *session, itt uint32, key uint8) {
	writePDU(sess.conn, &pdu{
		op:     opSCSIResponse,
		flags:  flagFinal,
		status: scsiCheckCondition,
		itt:    itt,
		data:   fixedSense(key),
	})
}

// dataIn sends read payload in one Data-In PDU that also carries GOOD
// status, so no separate response PDU follows.
func (t *Target) dataIn(sess *session, itt uint32, data []byte) {
	writePDU(sess.conn, &pdu{
		op:     opDataIn,
		flags:  flagDataInStatus,
		status: scsiGood,
		itt:    itt,
		data:   data,
	})
}

// inquiryData builds a standard INQUIRY response describing the unit as
// a direct-access block device.
func inquiryData(iqn string) []byte {
	d := make([]byte, 36)
	d[2] = 0x06 // SPC-4
	d[3] = 0x02 // response data format
	d[4] = 31   // additional length
	copy(d[8:16], "NEXUS   ")
	prod := iqn
	if i := len(prod) - 16; i > 0 {
		prod = prod[i:]
	}
	copy(d[16:32], prod)
	copy(d[32:36], "0001")
	return d
}
