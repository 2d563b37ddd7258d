// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package dirsync keeps a replicated directory of which host serves which
// service. Hosts exchange oneway messages over a connection-oriented
// transport: a full snapshot when a peer joins, then incremental
// AddServer and RemoveServer events.
package dirsync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"
	uuid "github.com/satori/go.uuid"
	"go.uber.org/zap"

	rpc "github.com/luxfi/fabric"
	"github.com/luxfi/fabric/transport"
)

var (
	ErrPeerKind      = errors.New("dirsync: peers need a oneway stream transport")
	ErrUnknownPeer   = errors.New("dirsync: unknown peer")
	ErrNotRegistered = errors.New("dirsync: service not registered")
	errRejected      = errors.New("dirsync: rejected")
)

// Config names this host and where it listens for peers.
type Config struct {
	// HostID is this host's name in the directory. Empty reuses the id saved
	// in the Store, or generates one.
	HostID string
	Listen transport.Descriptor
}

type Option func(*options)

type options struct {
	logger       *zap.Logger
	registry     metrics.Registry
	store        *Store
	transport    []transport.Option
	callTimeout  time.Duration
	drainTimeout time.Duration
	parallelism  int
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithRegistry(r metrics.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithStore persists local registrations. The caller closes the store after
// the Service.
func WithStore(s *Store) Option {
	return func(o *options) { o.store = s }
}

func WithTransportOptions(opts ...transport.Option) Option {
	return func(o *options) { o.transport = append(o.transport, opts...) }
}

func WithCallTimeout(d time.Duration) Option {
	return func(o *options) { o.callTimeout = d }
}

func WithDrainTimeout(d time.Duration) Option {
	return func(o *options) { o.drainTimeout = d }
}

// WithParallelism bounds concurrent sends per broadcast.
func WithParallelism(n int) Option {
	return func(o *options) { o.parallelism = n }
}

// Stats counts messages applied from peers.
type Stats struct {
	BulkSyncs int64
	Adds      int64
	Removes   int64
	Rejected  int64
}

// Service is one host's view of the directory and its peer set.
type Service struct {
	host   string
	listen transport.Descriptor
	opts   options
	log    *zap.Logger

	dir   *Directory
	peers *rpc.Composite

	bulks, adds, removes, rejected metrics.Counter

	mu     sync.Mutex
	server *rpc.Server
	done   chan struct{}
	closed bool
}

func New(cfg Config, opts ...Option) (*Service, error) {
	o := options{
		logger:       zap.NewNop(),
		registry:     metrics.DefaultRegistry,
		callTimeout:  rpc.DefaultCallTimeout,
		drainTimeout: rpc.DefaultDrainTimeout,
		parallelism:  rpc.DefaultParallelism,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if err := cfg.Listen.Validate(); err != nil {
		return nil, err
	}
	if !streamOneway(cfg.Listen) {
		return nil, errors.Wrapf(ErrPeerKind, "listen %v", cfg.Listen)
	}
	host, err := resolveHost(cfg.HostID, o.store)
	if err != nil {
		return nil, err
	}

	log := o.logger.With(zap.String("host", host))
	prefix := "dirsync." + host
	return &Service{
		host:     host,
		listen:   cfg.Listen,
		opts:     o,
		log:      log,
		dir:      NewDirectory(),
		peers:    rpc.NewComposite(rpc.WithParallelism(o.parallelism), rpc.WithCompositeLogger(log)),
		bulks:    metrics.GetOrRegisterCounter(prefix+".bulk_syncs", o.registry),
		adds:     metrics.GetOrRegisterCounter(prefix+".adds", o.registry),
		removes:  metrics.GetOrRegisterCounter(prefix+".removes", o.registry),
		rejected: metrics.GetOrRegisterCounter(prefix+".rejected", o.registry),
	}, nil
}

func resolveHost(id string, st *Store) (string, error) {
	if id != "" {
		return id, nil
	}
	if st != nil {
		saved, err := st.HostID()
		if err != nil {
			return "", err
		}
		if saved != "" {
			return saved, nil
		}
	}
	id = uuid.NewV4().String()
	if st != nil {
		if err := st.SetHostID(id); err != nil {
			return "", err
		}
	}
	return id, nil
}

func streamOneway(d transport.Descriptor) bool {
	return d.Oneway() && !d.Kind.Datagram()
}

func (s *Service) transportOptions() []transport.Option {
	return append([]transport.Option{transport.WithLogger(s.log)}, s.opts.transport...)
}

// Start reloads stored registrations and begins accepting peer messages.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return rpc.ErrClosed
	}
	if s.server != nil {
		return errors.New("dirsync: already started")
	}
	if err := s.reload(); err != nil {
		return err
	}

	table := rpc.NewTable()
	if err := table.RegisterService(s.serviceDesc()); err != nil {
		return err
	}
	server, err := rpc.ListenDescriptor(ctx, s.listen,
		rpc.WithTable(table),
		rpc.WithServerLogger(s.log),
		rpc.WithServerRegistry(s.opts.registry),
		rpc.WithDrainTimeout(s.opts.drainTimeout),
		rpc.WithServerTransport(s.transportOptions()...),
	)
	if err != nil {
		return err
	}

	s.server, s.done = server, make(chan struct{})
	go func() {
		defer close(s.done)
		if err := server.Serve(context.Background()); err != nil {
			s.log.Error("serve stopped", zap.Error(err))
		}
	}()
	s.log.Info("directory sync started", zap.Stringer("listen", server.Descriptor()))
	return nil
}

func (s *Service) reload() error {
	if s.opts.store == nil {
		return nil
	}
	regs, err := s.opts.store.Registrations()
	if err != nil {
		return err
	}
	for service, addr := range regs {
		s.dir.Upsert(Entry{Host: s.host, Service: service, Address: addr})
	}
	if len(regs) > 0 {
		s.log.Info("reloaded registrations", zap.Int("count", len(regs)))
	}
	return nil
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Service) Host() string { return s.host }

// Descriptor is the bound listen address once started.
func (s *Service) Descriptor() transport.Descriptor {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		return srv.Descriptor()
	}
	return s.listen
}

func (s *Service) Peers() []transport.Descriptor { return s.peers.Descriptors() }

func (s *Service) Lookup(service string) []Entry { return s.dir.Lookup(service) }

func (s *Service) Entries() []Entry { return s.dir.Entries() }

func (s *Service) Stats() Stats {
	return Stats{
		BulkSyncs: s.bulks.Count(),
		Adds:      s.adds.Count(),
		Removes:   s.removes.Count(),
		Rejected:  s.rejected.Count(),
	}
}

// Join adds peer and sends it this host's directory. It reports false when
// peer is this host or already joined. A failed snapshot leaves the peer
// joined; Resync retries it.
func (s *Service) Join(ctx context.Context, peer transport.Descriptor) (bool, error) {
	if s.isClosed() {
		return false, rpc.ErrClosed
	}
	if err := peer.Validate(); err != nil {
		return false, err
	}
	if !streamOneway(peer) {
		return false, errors.Wrapf(ErrPeerKind, "peer %v", peer)
	}
	if s.isSelf(peer) {
		s.log.Debug("ignoring join to self", zap.Stringer("peer", peer))
		return false, nil
	}
	if s.peers.Has(peer) {
		return false, nil
	}

	t, err := transport.New(peer, s.transportOptions()...)
	if err != nil {
		return false, err
	}
	c := rpc.NewClient(t,
		rpc.WithServiceDesc(&Desc),
		rpc.WithCodec(rpc.CBOR),
		rpc.WithCallTimeout(s.opts.callTimeout),
		rpc.WithLogger(s.log),
		rpc.WithRegistry(s.opts.registry),
	)
	if !s.peers.Add(c) {
		c.Close()
		if s.isClosed() {
			return false, rpc.ErrClosed
		}
		return false, nil
	}

	s.log.Info("joined peer", zap.Stringer("peer", peer))
	if err := c.Call(ctx, MethodBulkSync, s.snapshot(), nil); err != nil {
		return true, errors.Wrapf(err, "bulk sync to %v", peer)
	}
	return true, nil
}

// isSelf reports whether peer reaches this host's listener. A listener on
// the unspecified address matches any local address on the same port.
func (s *Service) isSelf(peer transport.Descriptor) bool {
	bound := s.Descriptor()
	if peer.Equal(s.listen) || peer.Equal(bound) {
		return true
	}
	if peer.Kind != bound.Kind {
		return false
	}
	pa, ok := peer.Addr.(transport.InetAddr)
	if !ok {
		return false
	}
	ba, ok := bound.Addr.(transport.InetAddr)
	if !ok || pa.Port != ba.Port || (ba.IP.IsValid() && !ba.IP.IsUnspecified()) {
		return false
	}
	return localAddr(pa.IP)
}

func localAddr(ip netip.Addr) bool {
	ip = ip.Unmap()
	if ip.IsLoopback() || ip.IsUnspecified() {
		return true
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		if n, ok := a.(*net.IPNet); ok {
			if la, ok := netip.AddrFromSlice(n.IP); ok && la.Unmap() == ip {
				return true
			}
		}
	}
	return false
}

// Leave stops sending to peer. Entries learned from it are kept.
func (s *Service) Leave(peer transport.Descriptor) bool {
	ok := s.peers.Remove(peer)
	if ok {
		s.log.Info("left peer", zap.Stringer("peer", peer))
	}
	return ok
}

// Resync sends peer a fresh snapshot.
func (s *Service) Resync(ctx context.Context, peer transport.Descriptor) error {
	c, ok := s.peers.Get(peer)
	if !ok {
		return errors.Wrapf(ErrUnknownPeer, "%v", peer)
	}
	return c.Call(ctx, MethodBulkSync, s.snapshot(), nil)
}

// ResyncAll sends every peer a fresh snapshot. Failures come back as an
// *rpc.FanoutError.
func (s *Service) ResyncAll(ctx context.Context) error {
	return s.peers.Call(ctx, MethodBulkSync, s.snapshot(), nil)
}

func (s *Service) snapshot() BulkSync {
	return BulkSync{Host: s.host, Entries: s.dir.Entries()}
}

// Register records that this host serves service at address and tells every
// peer. The local directory is updated even when some peers fail; those
// failures come back as an *rpc.FanoutError.
func (s *Service) Register(ctx context.Context, service, address string) error {
	if s.isClosed() {
		return rpc.ErrClosed
	}
	if service == "" || address == "" {
		return errors.New("dirsync: service and address are required")
	}
	if st := s.opts.store; st != nil {
		if err := st.Put(service, address); err != nil {
			return errors.Wrapf(err, "store %q", service)
		}
	}

	e := Entry{Host: s.host, Service: service, Address: address}
	s.dir.Upsert(e)
	s.log.Info("registered service", zap.String("service", service), zap.String("address", address))
	return s.peers.Call(ctx, MethodAddServer, AddServer{Entry: e}, nil)
}

// Deregister removes a service this host registered and tells every peer.
func (s *Service) Deregister(ctx context.Context, service string) error {
	if s.isClosed() {
		return rpc.ErrClosed
	}
	if _, ok := s.dir.Get(s.host, service); !ok {
		return errors.Wrapf(ErrNotRegistered, "%q", service)
	}
	if st := s.opts.store; st != nil {
		if err := st.Delete(service); err != nil {
			return errors.Wrapf(err, "store %q", service)
		}
	}

	s.dir.Delete(s.host, service)
	s.log.Info("deregistered service", zap.String("service", service))
	return s.peers.Call(ctx, MethodRemoveServer, RemoveServer{Host: s.host, Service: service}, nil)
}

func (s *Service) reject(format string, args ...interface{}) error {
	s.rejected.Inc(1)
	return errors.Wrapf(errRejected, format, args...)
}

func (s *Service) applyBulkSync(_ context.Context, m BulkSync) error {
	if m.Host == "" {
		return s.reject("bulk sync without host")
	}
	if m.Host == s.host {
		return s.reject("bulk sync claims local host")
	}

	own := make([]Entry, 0, len(m.Entries))
	for _, e := range m.Entries {
		switch {
		case e.Host == "" || e.Service == "", e.Host == s.host:
		case e.Host == m.Host:
			own = append(own, e)
		default:
			s.dir.Upsert(e)
		}
	}
	s.dir.ReplaceHost(m.Host, own)
	s.bulks.Inc(1)
	s.log.Debug("applied bulk sync", zap.String("from", m.Host), zap.Int("entries", len(m.Entries)))
	return nil
}

func (s *Service) applyAdd(_ context.Context, m AddServer) error {
	e := m.Entry
	if e.Host == "" || e.Service == "" {
		return s.reject("add without host or service")
	}
	if e.Host == s.host {
		return s.reject("add claims local host: %v", e)
	}
	s.dir.Upsert(e)
	s.adds.Inc(1)
	return nil
}

func (s *Service) applyRemove(_ context.Context, m RemoveServer) error {
	if m.Host == "" || m.Service == "" {
		return s.reject("remove without host or service")
	}
	if m.Host == s.host {
		return s.reject("remove claims local host: %s/%s", m.Host, m.Service)
	}
	s.dir.Delete(m.Host, m.Service)
	s.removes.Inc(1)
	return nil
}

// Dump writes the host, peers, directory and metrics in a readable form.
func (s *Service) Dump(w io.Writer) error {
	var b bytes.Buffer
	fmt.Fprintf(&b, "host %s\nlisten %v\n", s.host, s.Descriptor())

	peers := s.Peers()
	fmt.Fprintf(&b, "peers %d\n", len(peers))
	for _, p := range peers {
		fmt.Fprintf(&b, "  %v\n", p)
	}

	entries := s.Entries()
	fmt.Fprintf(&b, "entries %d\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(&b, "  %s\t%s\t%s\n", e.Host, e.Service, e.Address)
	}

	b.WriteString("metrics\n")
	metrics.WriteOnce(s.opts.registry, &b)

	_, err := w.Write(b.Bytes())
	return err
}

// Close disconnects from every peer and stops the server. Registrations stay
// in the Store.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	srv, done := s.server, s.done
	s.mu.Unlock()

	err := s.peers.Close()
	if srv != nil {
		if cerr := srv.Close(); err == nil {
			err = cerr
		}
		<-done
	}
	s.log.Info("directory sync stopped")
	return err
}
