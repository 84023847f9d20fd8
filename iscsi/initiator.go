package iscsi

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
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

const dialTimeout = 5 * time.Second

// Initiator attaches to LUN 0 of a remote target and exposes it as a
// nexus backend. A single session carries all commands; iSCSI orders
// them per connection, so the round trip is serialized under one lock.
type Initiator struct {
	uuid string
	addr string
	iqn  string
	name string
	geom block.Geometry

	mu      sync.Mutex
	conn    net.Conn
	nextITT uint32

	state  atomic.Int32
	health *block.HealthTracker
	log    *zap.Logger
}

// InitiatorConfig controls session identity.
type InitiatorConfig struct {
	// UUID is the backend identifier; derived from the URI when empty.
	UUID string
	// InitiatorName is the IQN presented at login.
	InitiatorName string
	Logger        *zap.Logger
}

// ParseURI splits an iscsi://host:port/iqn[?uuid=...] backend URI.
func ParseURI(raw string) (addr, iqn, backendUUID string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", "", fmt.Errorf("parse %q: %w", raw, err)
	}
	if u.Scheme != "iscsi" {
		return "", "", "", fmt.Errorf("not an iscsi URI: %q", raw)
	}
	if u.Host == "" || len(u.Path) < 2 {
		return "", "", "", fmt.Errorf("iscsi URI needs host and target: %q", raw)
	}
	return u.Host, u.Path[1:], u.Query().Get("uuid"), nil
}

// ConnectURI connects to the target named by an iscsi:// URI.
func ConnectURI(ctx context.Context, raw string, cfg InitiatorConfig) (*Initiator, error) {
	addr, iqn, id, err := ParseURI(raw)
	if err != nil {
		return nil, err
	}
	if cfg.UUID == "" {
		if id == "" {
			id = uuid.NewSHA1(uuid.NameSpaceURL, []byte(raw)).String()
		}
		cfg.UUID = id
	}
	return Connect(ctx, addr, iqn, cfg)
}

// Connect dials the portal, logs in and reads the target capacity.
func Connect(ctx context.Context, addr, iqn string, cfg InitiatorConfig) (*Initiator, error) {
	if cfg.UUID == "" {
		cfg.UUID = uuid.NewString()
	}
	if cfg.InitiatorName == "" {
		cfg.InitiatorName = fmt.Sprintf("%s:initiator-%s", IQNPrefix, uuid.NewString()[:8])
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	ini := &Initiator{
		uuid:   cfg.UUID,
		addr:   addr,
		iqn:    TargetIQN(iqn),
		name:   cfg.InitiatorName,
		health: block.NewHealthTracker(cfg.UUID, 0),
		log:    log.Named("iscsi-ini").With(zap.String("iqn", iqn)),
	}
	ini.state.Store(int32(block.StateConnecting))

	err := retry.Do(
		func() error {
			var err error
			ini.conn, err = net.DialTimeout("tcp", addr, dialTimeout)
			return err
		},
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", block.ErrDisconnected, addr, err)
	}

	if err := ini.login(ctx); err != nil {
		ini.conn.Close()
		return nil, err
	}
	if err := ini.readCapacity(ctx); err != nil {
		ini.conn.Close()
		return nil, err
	}

	ini.state.Store(int32(block.StateOnline))
	ini.log.Info("session established",
		zap.String("addr", addr),
		zap.Uint64("blocks", ini.geom.NumBlocks),
		zap.Uint32("block_size", ini.geom.BlockSize))
	return ini, nil
}

func (ini *Initiator) login(ctx context.Context) error {
	req := &pdu{
		op:    opLoginRequest,
		flags: flagLoginTransitFFP,
		data: encodeText(map[string]string{
			"InitiatorName": ini.name,
			"TargetName":    ini.iqn,
			"SessionType":   "Normal",
		}),
	}
	resp, err := ini.roundTrip(ctx, req, opLoginResponse)
	if err != nil {
		return err
	}
	status := uint16(resp.cdb[4])<<8 | uint16(resp.cdb[5])
	switch status {
	case loginStatusSuccess:
		return nil
	case loginStatusAuthFailure:
		return fmt.Errorf("%w: initiator %s not allowed on %s", block.ErrProtocol, ini.name, ini.iqn)
	case loginStatusTargetNotFound:
		return fmt.Errorf("%w: no such target %s", block.ErrProtocol, ini.iqn)
	default:
		return fmt.Errorf("%w: login rejected with 0x%04x", block.ErrProtocol, status)
	}
}

func (ini *Initiator) readCapacity(ctx context.Context) error {
	cmd := &pdu{op: opSCSICommand, flags: flagFinal, xfer: 32}
	cmd.cdb[0] = cdbServiceActionIn
	cmd.cdb[1] = serviceActionReadCapacity16
	resp, err := ini.scsi(ctx, cmd)
	if err != nil {
		return err
	}
	if len(resp.data) < 12 {
		return fmt.Errorf("%w: short read capacity response", block.ErrProtocol)
	}
	ini.geom = block.Geometry{
		NumBlocks: binary.BigEndian.Uint64(resp.data[0:8]) + 1,
		BlockSize: binary.BigEndian.Uint32(resp.data[8:12]),
	}
	if ini.geom.NumBlocks == 0 || ini.geom.BlockSize == 0 {
		return fmt.Errorf("%w: target reported zero geometry", block.ErrProtocol)
	}
	return nil
}

// roundTrip sends one PDU and reads the reply, which must carry the
// expected opcode and matching task tag.
func (ini *Initiator) roundTrip(ctx context.Context, req *pdu, wantOp uint8) (*pdu, error) {
	ini.mu.Lock()
	defer ini.mu.Unlock()

	ini.nextITT++
	req.itt = ini.nextITT

	deadline := time.Now().Add(targetOpTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	ini.conn.SetDeadline(deadline)

	if err := writePDU(ini.conn, req); err != nil {
		return nil, scsiErr("send", err)
	}
	resp, err := readPDU(ini.conn)
	if err != nil {
		return nil, scsiErr("receive", err)
	}
	if resp.itt != req.itt {
		return nil, fmt.Errorf("%w: reply for task %d, expected %d",
			block.ErrProtocol, resp.itt, req.itt)
	}
	if resp.op != wantOp && !(wantOp == opSCSIResponse && resp.op == opDataIn) {
		return nil, fmt.Errorf("%w: unexpected reply opcode 0x%02x", block.ErrProtocol, resp.op)
	}
	return resp, nil
}

// scsi runs one SCSI command and translates CHECK CONDITION into the
// backend error taxonomy.
func (ini *Initiator) scsi(ctx context.Context, cmd *pdu) (*pdu, error) {
	resp, err := ini.roundTrip(ctx, cmd, opSCSIResponse)
	if err != nil {
		return nil, err
	}
	if resp.status == scsiGood {
		return resp, nil
	}
	key := uint8(0)
	// Sense data follows a two-byte length prefix.
	if len(resp.data) >= 7 {
		key = resp.data[2+2] & 0x0F
	}
	return nil, errorForSense(key)
}

func (ini *Initiator) observe(err error) {
	if err != nil && errors.Is(err, block.ErrDisconnected) {
		ini.state.Store(int32(block.StateDegraded))
	}
	ini.health.Observe(err)
}

func (ini *Initiator) UUID() string             { return ini.uuid }
func (ini *Initiator) Kind() block.Kind         { return block.KindIscsi }
func (ini *Initiator) Geometry() block.Geometry { return ini.geom }
func (ini *Initiator) State() block.State       { return block.State(ini.state.Load()) }

// SetFaultHandler wires the owner's health-down callback.
func (ini *Initiator) SetFaultHandler(h block.FaultHandler) { ini.health.SetFaultHandler(h) }

// IQN returns the connected target name.
func (ini *Initiator) IQN() string { return ini.iqn }

func (ini *Initiator) Read(ctx context.Context, offsetBlocks, lengthBlocks uint64) ([]byte, error) {
	if lengthBlocks == 0 {
		return nil, nil
	}
	if err := ini.geom.CheckRange(offsetBlocks, lengthBlocks); err != nil {
		return nil, err
	}
	cmd := &pdu{
		op:    opSCSICommand,
		flags: flagFinal,
		xfer:  uint32(lengthBlocks) * ini.geom.BlockSize,
	}
	cmd.cdb[0] = cdbRead16
	binary.BigEndian.PutUint64(cmd.cdb[2:10], offsetBlocks)
	binary.BigEndian.PutUint32(cmd.cdb[10:14], uint32(lengthBlocks))
	resp, err := ini.scsi(ctx, cmd)
	ini.observe(err)
	if err != nil {
		return nil, err
	}
	want := int(lengthBlocks) * int(ini.geom.BlockSize)
	if len(resp.data) != want {
		err = fmt.Errorf("%w: read returned %d bytes, expected %d",
			block.ErrProtocol, len(resp.data), want)
		ini.observe(err)
		return nil, err
	}
	return resp.data, nil
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
	cmd := &pdu{
		op:    opSCSICommand,
		flags: flagFinal,
		xfer:  uint32(len(data)),
		data:  data,
	}
	cmd.cdb[0] = cdbWrite16
	binary.BigEndian.PutUint64(cmd.cdb[2:10], offsetBlocks)
	binary.BigEndian.PutUint32(cmd.cdb[10:14], uint32(lengthBlocks))
	_, err := ini.scsi(ctx, cmd)
	ini.observe(err)
	return err
}

func (ini *Initiator) Flush(ctx context.Context) error {
	cmd := &pdu{op: opSCSICommand, flags: flagFinal}
	cmd.cdb[0] = cdbSyncCache10
	_, err := ini.scsi(ctx, cmd)
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
	// UNMAP parameter list with one block descriptor.
	param := make([]byte, 8+16)
	binary.BigEndian.PutUint16(param[0:2], 22)
	binary.BigEndian.PutUint16(param[2:4], 16)
	binary.BigEndian.PutUint64(param[8:16], offsetBlocks)
	binary.BigEndian.PutUint32(param[16:20], uint32(lengthBlocks))
	cmd := &pdu{
		op:    opSCSICommand,
		flags: flagFinal,
		xfer:  uint32(len(param)),
		data:  param,
	}
	cmd.cdb[0] = cdbUnmap
	binary.BigEndian.PutUint16(cmd.cdb[7:9], uint16(len(param)))
	_, err := ini.scsi(ctx, cmd)
	ini.observe(err)
	return err
}

// Close logs the session out and closes the connection.
func (ini *Initiator) Close() error {
	ini.state.Store(int32(block.StateDisconnected))
	ini.mu.Lock()
	defer ini.mu.Unlock()
	ini.conn.SetDeadline(time.Now().Add(time.Second))
	ini.nextITT++
	writePDU(ini.conn, &pdu{op: opLogoutReq, flags: flagFinal, itt: ini.nextITT})
	readPDU(ini.conn)
	return ini.conn.Close()
}
