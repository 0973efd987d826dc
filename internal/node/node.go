package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rmacdonaldsmith/streamcomm/internal/discovery"
	"github.com/rmacdonaldsmith/streamcomm/internal/inbox"
	"github.com/rmacdonaldsmith/streamcomm/internal/peerlink"
	nodepkg "github.com/rmacdonaldsmith/streamcomm/pkg/node"
	peerlinkpkg "github.com/rmacdonaldsmith/streamcomm/pkg/peerlink"
	"github.com/rmacdonaldsmith/streamcomm/pkg/peermsg"
)

// HealthService is the service name reported by the gRPC health server
const HealthService = "streamcomm.Node"

var (
	ErrNodeClosed      = errors.New("node is closed")
	ErrNodeNotStarted  = errors.New("node is not started")
	ErrMessageTooLarge = errors.New("message exceeds maximum size")
)

// Node implements the node.Node interface. It wires the stream transport,
// the identity manager, seed discovery, the inbox and the gRPC health
// service together and manages their lifecycle.
type Node struct {
	mu     sync.RWMutex
	config *Config
	log    *slog.Logger

	ids       *discovery.IdentityManager
	discovery discovery.Discovery
	comm      *peerlink.Comm
	inbox     *inbox.Inbox
	registry  *prometheus.Registry
	health    *health.Server

	// gRPC health service, nil when disabled
	grpcListener net.Listener
	grpcServer   *grpc.Server
	group        *errgroup.Group

	started bool
	closed  bool
}

// Compile-time check
var _ nodepkg.Node = (*Node)(nil)

// Option configures a Node
type Option func(*Node)

// WithLogger sets the logger used by the node and its transport
func WithLogger(l *slog.Logger) Option {
	return func(n *Node) { n.log = l }
}

// WithGRPCListener serves the health service on ln instead of listening
// on GRPCAddress. The listener is used for the first Start only.
func WithGRPCListener(ln net.Listener) Option {
	return func(n *Node) { n.grpcListener = ln }
}

// NewNode creates a node with the given configuration. It does not open any
// sockets; call Start to begin operation.
func NewNode(config *Config, opts ...Option) (*Node, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	n := &Node{
		config:   config,
		registry: prometheus.NewRegistry(),
		health:   health.NewServer(),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.log == nil {
		n.log = slog.Default()
	}

	ids, err := discovery.NewIdentityManager(config.advertise())
	if err != nil {
		return nil, fmt.Errorf("failed to create identity manager: %w", err)
	}
	n.ids = ids
	n.discovery = discovery.NewStaticDiscovery(ids, config.Seeds)

	store, err := peermsg.NewStore(config.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to create message store: %w", err)
	}

	var commConfig peerlink.Config
	if config.PeerLinkConfig != nil {
		commConfig = *config.PeerLinkConfig
	}
	commConfig.ListenAddress = config.ListenAddress

	commOpts := []peerlink.Option{
		peerlink.WithLogger(n.log),
		peerlink.WithMessageFactory(store),
		peerlink.WithMetrics(peerlink.NewMetrics(n.registry)),
	}
	if config.TLS.Enabled {
		clientTLS, serverTLS, err := config.TLS.Build()
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS config: %w", err)
		}
		commOpts = append(commOpts, peerlink.WithSocketFactory(&peerlink.TCPSocketFactory{
			BindAddress: commConfig.BindAddress,
			ClientTLS:   clientTLS,
			ServerTLS:   serverTLS,
		}))
	}
	comm, err := peerlink.NewComm(&commConfig, ids, commOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream comm: %w", err)
	}
	n.comm = comm

	n.inbox = inbox.New(config.InboxCapacity, config.InboxPreviewSize)
	for _, p := range config.Protocols {
		if err := comm.RegisterMessageHandler(p, peerlinkpkg.MessageHandlerFunc(n.inbox.HandleMessage)); err != nil {
			return nil, fmt.Errorf("failed to register inbox: %w", err)
		}
	}

	n.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	promauto.With(n.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "streamcomm",
		Name:      "inbox_records",
		Help:      "Records currently held in the inbox.",
	}, func() float64 { return float64(n.inbox.Len()) })

	n.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	return n, nil
}

// Start starts the transport and the health service, then connects to the
// seed peers. Seeds that can't be reached are retried when first used.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrNodeClosed
	}
	if n.started {
		return nil // Already started, idempotent
	}

	if err := n.comm.Start(ctx); err != nil {
		return fmt.Errorf("failed to start stream comm: %w", err)
	}
	if err := n.startGRPC(); err != nil {
		n.comm.Stop(ctx)
		return err
	}

	n.started = true
	n.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	n.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
	n.log.Info("node started", "local", n.GetLocalID(), "listen", n.comm.ListenAddr())

	n.connectSeeds(ctx)
	return nil
}

func (n *Node) startGRPC() error {
	ln := n.grpcListener
	n.grpcListener = nil
	if ln == nil {
		if n.config.GRPCAddress == "" {
			return nil
		}
		var err error
		ln, err = net.Listen("tcp", n.config.GRPCAddress)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", n.config.GRPCAddress, err)
		}
	}

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, n.health)
	n.grpcServer = srv
	n.group = new(errgroup.Group)
	n.group.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC server: %w", err)
		}
		return nil
	})
	n.log.Info("health service listening", "address", ln.Addr().String())
	return nil
}

func (n *Node) connectSeeds(ctx context.Context) {
	peers, err := n.discovery.FindPeers(ctx)
	if err != nil {
		n.log.Warn("failed to resolve seed peers", "error", err)
		return
	}
	for _, p := range peers {
		if _, err := n.comm.FindOrMakeChannel(p); err != nil {
			n.log.Warn("failed to connect to seed", "peer", p.ID(), "error", err)
		}
	}
}

// Stop gracefully shuts down the node. Messages not yet sent are discarded.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.started {
		return nil // Not started, idempotent
	}
	n.started = false
	return n.stopLocked(ctx)
}

func (n *Node) stopLocked(ctx context.Context) error {
	n.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	n.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)

	var errs []error
	if n.grpcServer != nil {
		n.grpcServer.GracefulStop()
		if err := n.group.Wait(); err != nil {
			errs = append(errs, err)
		}
		n.grpcServer = nil
		n.group = nil
	}
	if err := n.comm.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop stream comm: %w", err))
	}
	n.log.Info("node stopped")
	return errors.Join(errs...)
}

// Close stops the node and marks it permanently closed
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil // Already closed, idempotent
	}

	var errs []error
	if n.started {
		n.started = false
		ctx, cancel := context.WithTimeout(context.Background(), n.comm.Config().WaitExit)
		errs = append(errs, n.stopLocked(ctx))
		cancel()
	}
	if n.grpcListener != nil {
		n.grpcListener.Close()
		n.grpcListener = nil
	}
	n.health.Shutdown()
	if err := n.comm.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close stream comm: %w", err))
	}
	if err := n.inbox.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close inbox: %w", err))
	}
	n.closed = true
	return errors.Join(errs...)
}

// Send queues payload for delivery to peer
func (n *Node) Send(ctx context.Context, peer string, protocol uint32, payload []byte, opts nodepkg.SendOptions) error {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		return ErrNodeClosed
	}
	if !n.started {
		return ErrNodeNotStarted
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	id, err := n.ids.Lookup(peer)
	if err != nil {
		return err
	}
	if limit := n.comm.Config().MaxMessageSize; int64(len(payload)) > limit {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(payload), limit)
	}

	msg := peermsg.NewMemoryMessage(protocol, payload)
	applySendOptions(msg, opts)
	return n.comm.SendTo(msg, id)
}

func applySendOptions(msg *peerlinkpkg.Message, opts nodepkg.SendOptions) {
	if opts.ExpiresIn > 0 {
		msg.Expiration = time.Now().Add(opts.ExpiresIn)
	}
	if opts.RetryInterval > 0 {
		msg.RetryInterval = opts.RetryInterval
	}
	switch {
	case opts.RetryMax < 0:
		msg.RetryMax = 0
	case opts.RetryMax > 0:
		msg.RetryMax = opts.RetryMax
	}
}

// Connect opens a channel to peer ahead of any send
func (n *Node) Connect(ctx context.Context, peer string) (peerlinkpkg.ChannelStatus, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		return peerlinkpkg.ChannelStatus{}, ErrNodeClosed
	}
	if !n.started {
		return peerlinkpkg.ChannelStatus{}, ErrNodeNotStarted
	}
	id, err := n.ids.Lookup(peer)
	if err != nil {
		return peerlinkpkg.ChannelStatus{}, err
	}
	return n.comm.FindOrMakeChannel(id)
}

// ReadInbox returns received messages with sequence at or above since
func (n *Node) ReadInbox(ctx context.Context, since int64, protocol uint32, limit int) ([]nodepkg.ReceivedMessage, error) {
	return n.inbox.List(ctx, since, protocol, limit)
}

// GetLocalID returns the identity this node announces to peers
func (n *Node) GetLocalID() string {
	return n.ids.LocalIdentity().ID()
}

// ListenAddr returns the bound peer listen address, or "" when stopped
func (n *Node) ListenAddr() string {
	return n.comm.ListenAddr()
}

// GetChannels returns the status of every live channel
func (n *Node) GetChannels(ctx context.Context) []peerlinkpkg.ChannelStatus {
	return n.comm.Channels()
}

// GetPeers returns the status of every known peer
func (n *Node) GetPeers(ctx context.Context) []peerlinkpkg.PeerStatus {
	return n.comm.Peers()
}

// GetStats returns transport and inbox counts
func (n *Node) GetStats(ctx context.Context) nodepkg.Stats {
	return nodepkg.Stats{
		CommStats:  n.comm.Stats(),
		InboxSize:  n.inbox.Len(),
		InboxTotal: n.inbox.Total(),
	}
}

// GetHealth returns the overall health status of this node
func (n *Node) GetHealth(ctx context.Context) (nodepkg.HealthStatus, error) {
	n.mu.RLock()
	started, closed := n.started, n.closed
	n.mu.RUnlock()

	stats := n.comm.Stats()
	status := nodepkg.HealthStatus{
		TransportRunning: n.comm.IsRunning(),
		LocalID:          n.GetLocalID(),
		Channels:         stats.Channels,
		Peers:            stats.Peers,
		PeersToRetry:     stats.PeersToRetry,
	}

	var issues []string
	if closed {
		issues = append(issues, "node is closed")
	} else if !started {
		issues = append(issues, "node is not started")
	}
	if started && !status.TransportRunning {
		issues = append(issues, "stream comm is not running")
	}

	status.Healthy = len(issues) == 0
	if status.Healthy {
		status.Message = "All components healthy"
	} else {
		status.Message = fmt.Sprintf("Issues detected: %v", issues)
	}
	return status, nil
}

// Gatherer exposes the node's metrics registry
func (n *Node) Gatherer() prometheus.Gatherer {
	return n.registry
}

// HealthServer returns the gRPC health server, for embedding in another
// gRPC server
func (n *Node) HealthServer() healthpb.HealthServer {
	return n.health
}
