// Package control is the node-local control surface: it owns the pool
// and nexus registries, resolves backend URIs, and exposes lifecycle
// operations to both the HTTP API and the static bootstrap config.
package control

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/srilakshmi/nexus/block"
	"github.com/srilakshmi/nexus/iscsi"
	"github.com/srilakshmi/nexus/metrics"
	"github.com/srilakshmi/nexus/nexus"
	"github.com/srilakshmi/nexus/nvmeof"
	"github.com/srilakshmi/nexus/pool"
)

// Control surface errors on top of the pool and nexus taxonomies.
var (
	ErrPoolExists   = fmt.Errorf("pool already exists")
	ErrPoolNotFound = fmt.Errorf("pool not found")
	ErrPoolBusy     = fmt.Errorf("pool still has replicas")

	ErrNexusExists   = fmt.Errorf("nexus already exists")
	ErrNexusNotFound = fmt.Errorf("nexus not found")

	ErrBadURI = fmt.Errorf("unsupported backend uri")
)

// Targets binds the service to the node's transport endpoints.
type Targets struct {
	// NexusNvmf publishes nexuses to upstream initiators.
	NexusNvmf *nvmeof.Target
	// NexusIscsi publishes nexuses over iSCSI.
	NexusIscsi *iscsi.Target
	// Replica exports local pool replicas to other nodes.
	Replica *nvmeof.Target
}

// Options configures a Service.
type Options struct {
	Targets Targets
	// AllowedHosts restricts which initiators may attach to published
	// nexuses. Empty allows any.
	AllowedHosts []string
	Metrics      *metrics.Set
	Logger       *zap.Logger
}

// Service is the control surface core shared by the HTTP API and the
// static bootstrap path.
type Service struct {
	mu      sync.Mutex
	pools   map[string]*pool.Pool
	nexuses map[string]*nexus.Nexus
	// shares maps replica uuid to its export on the replica target.
	shares map[string]*share

	targets      Targets
	publishers   map[nexus.Transport]nexus.Publisher
	allowedHosts []string

	met *metrics.Set
	log *zap.Logger
}

// NewService builds the control core over the given targets.
func NewService(opts Options) *Service {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	pubs := make(map[nexus.Transport]nexus.Publisher)
	if opts.Targets.NexusNvmf != nil {
		pubs[nexus.TransportNvmf] = opts.Targets.NexusNvmf
	}
	if opts.Targets.NexusIscsi != nil {
		pubs[nexus.TransportIscsi] = opts.Targets.NexusIscsi
	}
	return &Service{
		pools:        make(map[string]*pool.Pool),
		nexuses:      make(map[string]*nexus.Nexus),
		shares:       make(map[string]*share),
		targets:      opts.Targets,
		publishers:   pubs,
		allowedHosts: opts.AllowedHosts,
		met:          opts.Metrics,
		log:          log.Named("control"),
	}
}

// PoolInfo is the status snapshot of one pool.
type PoolInfo struct {
	Name       string   `json:"name"`
	Devices    int      `json:"devices"`
	Striped    bool     `json:"striped"`
	UsedBytes  int64    `json:"used_bytes"`
	TotalBytes int64    `json:"total_bytes"`
	Replicas   []string `json:"replicas"`
}

// CreatePool registers a new pool over local device files.
func (s *Service) CreatePool(name string, devices []string, capacity int64) (*PoolInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pools[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolExists, name)
	}
	p, err := pool.New(name, devices, capacity, s.log)
	if err != nil {
		return nil, err
	}
	s.pools[name] = p
	s.log.Info("pool created", zap.String("pool", name), zap.Int("devices", len(devices)))
	return poolInfo(p), nil
}

func poolInfo(p *pool.Pool) *PoolInfo {
	used, total := p.Usage()
	reps := p.Replicas()
	return &PoolInfo{
		Name:       p.Name(),
		Devices:    p.Devices(),
		Striped:    p.Striped(),
		UsedBytes:  used,
		TotalBytes: total,
		Replicas:   reps,
	}
}

// ListPools returns a snapshot of every pool, sorted by name.
func (s *Service) ListPools() []*PoolInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*PoolInfo, 0, len(s.pools))
	for _, p := range s.pools {
		out = append(out, poolInfo(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DestroyPool removes an empty pool. Pools still carrying replicas are
// rejected with ErrPoolBusy.
func (s *Service) DestroyPool(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPoolNotFound, name)
	}
	if reps := p.Replicas(); len(reps) > 0 {
		return fmt.Errorf("%w: %s holds %d replicas", ErrPoolBusy, name, len(reps))
	}
	delete(s.pools, name)
	s.log.Info("pool destroyed", zap.String("pool", name))
	return nil
}

// ReplicaInfo describes one local replica.
type ReplicaInfo struct {
	UUID      string `json:"uuid"`
	Pool      string `json:"pool"`
	URI       string `json:"uri"`
	ShareURI  string `json:"share_uri,omitempty"`
	SizeBytes uint64 `json:"size_bytes"`
	BlockSize uint32 `json:"block_size"`
}

// CreateReplica carves a replica from a pool and returns its local URI.
func (s *Service) CreateReplica(poolName, uuid string, sizeBytes uint64, blockSize uint32) (*ReplicaInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[poolName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, poolName)
	}
	b, err := p.CreateReplica(uuid, sizeBytes, blockSize)
	if err != nil {
		return nil, err
	}
	g := b.Geometry()
	b.Close()
	return &ReplicaInfo{
		UUID:      uuid,
		Pool:      poolName,
		URI:       fmt.Sprintf("bdev:///%s/%s", poolName, uuid),
		SizeBytes: g.Bytes(),
		BlockSize: g.BlockSize,
	}, nil
}

// share is one replica export: its URI and the device handle the target
// serves, closed again at unshare.
type share struct {
	endpoint string
	dev      block.Backend
}

// ShareReplica exports a local replica on the replica-facing NVMe-oF
// target so another node can import it. Sharing twice returns the same
// URI.
func (s *Service) ShareReplica(poolName, uuid string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sh, ok := s.shares[uuid]; ok {
		return sh.endpoint, nil
	}
	if s.targets.Replica == nil {
		return "", fmt.Errorf("no replica target configured")
	}
	p, ok := s.pools[poolName]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrPoolNotFound, poolName)
	}
	b, err := p.OpenReplica(uuid)
	if err != nil {
		return "", err
	}
	ep, err := s.targets.Replica.Share(uuid, b, nil)
	if err != nil {
		b.Close()
		return "", err
	}
	ep = ep + "?uuid=" + uuid
	s.shares[uuid] = &share{endpoint: ep, dev: b}
	s.log.Info("replica shared", zap.String("replica", uuid), zap.String("endpoint", ep))
	return ep, nil
}

// UnshareReplica withdraws a replica export. Unsharing an unshared
// replica is a no-op.
func (s *Service) UnshareReplica(uuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unshareLocked(uuid)
}

func (s *Service) unshareLocked(uuid string) error {
	sh, ok := s.shares[uuid]
	if !ok {
		return nil
	}
	delete(s.shares, uuid)
	err := s.targets.Replica.Unshare(uuid)
	if cerr := sh.dev.Close(); cerr != nil {
		s.log.Warn("shared replica close", zap.String("replica", uuid), zap.Error(cerr))
	}
	return err
}

// DestroyReplica unshares and destroys a local replica.
func (s *Service) DestroyReplica(poolName, uuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[poolName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPoolNotFound, poolName)
	}
	if err := s.unshareLocked(uuid); err != nil {
		s.log.Warn("unshare before destroy", zap.String("replica", uuid), zap.Error(err))
	}
	return p.DestroyReplica(uuid)
}

// openBackend resolves a child URI into a connected backend.
// bdev:///<pool>/<uuid> opens a local replica; nvmf:// and iscsi://
// dial remote exports. Caller holds s.mu.
func (s *Service) openBackend(ctx context.Context, uri string) (block.Backend, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrBadURI, uri, err)
	}
	switch u.Scheme {
	case "bdev":
		parts := strings.Split(strings.TrimPrefix(u.Path, "/"), "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("%w: %q needs bdev:///<pool>/<uuid>", ErrBadURI, uri)
		}
		p, ok := s.pools[parts[0]]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, parts[0])
		}
		return p.OpenReplica(parts[1])
	case "nvmf":
		return nvmeof.ConnectURI(ctx, uri, nvmeof.InitiatorConfig{Logger: s.log})
	case "iscsi":
		return iscsi.ConnectURI(ctx, uri, iscsi.InitiatorConfig{Logger: s.log})
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrBadURI, u.Scheme)
	}
}

// CreateNexus builds a mirrored nexus over the given child URIs.
func (s *Service) CreateNexus(ctx context.Context, uuid string, sizeBytes uint64, blockSize uint32, children []string) (*nexus.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nexuses[uuid]; ok {
		return nil, fmt.Errorf("%w: %s", ErrNexusExists, uuid)
	}
	if blockSize == 0 || sizeBytes == 0 || sizeBytes%uint64(blockSize) != 0 {
		return nil, fmt.Errorf("%w: size %d not a multiple of block size %d",
			nexus.ErrConfigMismatch, sizeBytes, blockSize)
	}
	geom := block.Geometry{BlockSize: blockSize, NumBlocks: sizeBytes / uint64(blockSize)}

	backends := make([]block.Backend, 0, len(children))
	fail := func(err error) (*nexus.Info, error) {
		for _, b := range backends {
			b.Close()
		}
		return nil, err
	}
	for _, uri := range children {
		b, err := s.openBackend(ctx, uri)
		if err != nil {
			return fail(fmt.Errorf("child %q: %w", uri, err))
		}
		backends = append(backends, b)
	}

	n, err := nexus.Create(uuid, geom, backends, nexus.Options{
		Publishers:   s.publishers,
		AllowedHosts: s.allowedHosts,
		Metrics:      s.met,
		Logger:       s.log,
	})
	if err != nil {
		return fail(err)
	}
	s.nexuses[uuid] = n
	info := n.Status()
	return &info, nil
}

// ListNexuses returns status for every nexus, sorted by uuid.
func (s *Service) ListNexuses() []nexus.Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]nexus.Info, 0, len(s.nexuses))
	for _, n := range s.nexuses {
		out = append(out, n.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}

// NexusStatus returns one nexus status.
func (s *Service) NexusStatus(uuid string) (*nexus.Info, error) {
	n, err := s.getNexus(uuid)
	if err != nil {
		return nil, err
	}
	info := n.Status()
	return &info, nil
}

func (s *Service) getNexus(uuid string) (*nexus.Nexus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nexuses[uuid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNexusNotFound, uuid)
	}
	return n, nil
}

// AddChild resolves a URI and inserts it into the nexus as a rebuilding
// member.
func (s *Service) AddChild(ctx context.Context, nexusUUID, uri string) error {
	s.mu.Lock()
	n, ok := s.nexuses[nexusUUID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNexusNotFound, nexusUUID)
	}
	b, err := s.openBackend(ctx, uri)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("child %q: %w", uri, err)
	}
	if err := n.AddReplica(b); err != nil {
		b.Close()
		return err
	}
	return nil
}

// RemoveChild detaches a member from the nexus.
func (s *Service) RemoveChild(nexusUUID, childUUID string) error {
	n, err := s.getNexus(nexusUUID)
	if err != nil {
		return err
	}
	return n.RemoveReplica(childUUID)
}

// PublishNexus exposes a nexus on the given transport.
func (s *Service) PublishNexus(uuid string, tp nexus.Transport) (*nexus.Session, error) {
	n, err := s.getNexus(uuid)
	if err != nil {
		return nil, err
	}
	return n.Publish(tp)
}

// UnpublishNexus withdraws the target session.
func (s *Service) UnpublishNexus(uuid string) error {
	n, err := s.getNexus(uuid)
	if err != nil {
		return err
	}
	return n.Unpublish()
}

// DestroyNexus unpublishes and tears a nexus down.
func (s *Service) DestroyNexus(uuid string) error {
	s.mu.Lock()
	n, ok := s.nexuses[uuid]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNexusNotFound, uuid)
	}
	delete(s.nexuses, uuid)
	s.mu.Unlock()

	if err := n.Unpublish(); err != nil {
		s.log.Warn("unpublish before destroy", zap.String("nexus", uuid), zap.Error(err))
	}
	return n.Destroy()
}

// Shutdown unpublishes and destroys every nexus and withdraws every
// replica export. Used by the daemon's signal handler.
func (s *Service) Shutdown() {
	s.mu.Lock()
	nexuses := make([]string, 0, len(s.nexuses))
	for uuid := range s.nexuses {
		nexuses = append(nexuses, uuid)
	}
	shares := make([]string, 0, len(s.shares))
	for uuid := range s.shares {
		shares = append(shares, uuid)
	}
	s.mu.Unlock()

	sort.Strings(nexuses)
	for _, uuid := range nexuses {
		if err := s.DestroyNexus(uuid); err != nil {
			s.log.Warn("nexus teardown", zap.String("nexus", uuid), zap.Error(err))
		}
	}
	for _, uuid := range shares {
		if err := s.UnshareReplica(uuid); err != nil {
			s.log.Warn("replica unshare", zap.String("replica", uuid), zap.Error(err))
		}
	}
}
