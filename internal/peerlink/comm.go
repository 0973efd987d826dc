package peerlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rmacdonaldsmith/streamcomm/pkg/peerlink"
	"github.com/rmacdonaldsmith/streamcomm/pkg/peermsg"
)

// ErrClosed is returned by Start after Close
var ErrClosed = errors.New("stream comm closed")

// ErrChannelLimit is returned by FindOrMakeChannel when no channel exists
// and the primary channel limit is reached
var ErrChannelLimit = errors.New("channel limit reached")

// Comm is the connection manager. It owns the listener, the peer records,
// the retry loop and the receive workers.
type Comm struct {
	config   Config
	ids      peerlink.IdentityManager
	local    peerlink.PeerIdentity
	sockets  peerlink.SocketFactory
	messages peerlink.MessageFactory
	log      *slog.Logger
	metrics  *Metrics
	policy   retryPolicy
	limiters *rateLimiters
	retries  *retrySet

	mu       sync.RWMutex
	started  bool
	closed   bool
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	listener net.Listener
	rcvQueue chan *peerlink.Message
	peers    map[string]*peerData
	peerSeq  uint64
	channels map[*channel]struct{}

	running atomic.Bool
	chanSeq atomic.Uint64
	wg      sync.WaitGroup

	handlersMu sync.RWMutex
	handlers   map[uint32]peerlink.MessageHandler

	ctrMu          sync.Mutex
	nPrimary       int
	maxPrimary     int
	nSecondary     int
	maxSecondary   int
	nextRetry      time.Time
	anyRateLimited bool
}

// Compile-time check
var _ peerlink.StreamComm = (*Comm)(nil)

// Option configures a Comm
type Option func(*Comm)

// WithSocketFactory replaces the default plain TCP socket factory
func WithSocketFactory(f peerlink.SocketFactory) Option {
	return func(m *Comm) { m.sockets = f }
}

// WithMessageFactory replaces the default in-memory message factory
func WithMessageFactory(f peerlink.MessageFactory) Option {
	return func(m *Comm) { m.messages = f }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(m *Comm) { m.log = l }
}

// WithMetrics sets the collectors the transport reports to
func WithMetrics(metrics *Metrics) Option {
	return func(m *Comm) { m.metrics = metrics }
}

// NewComm creates a stream transport for the local identity of ids
func NewComm(config *Config, ids peerlink.IdentityManager, opts ...Option) (*Comm, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if ids == nil {
		return nil, ErrNoIdentityManager
	}

	// Make a copy and set defaults
	cfg := *config
	cfg.SetDefaults()

	m := &Comm{
		config:    cfg,
		ids:       ids,
		local:     ids.LocalIdentity(),
		policy:    cfg.retryPolicy(),
		limiters:  newRateLimiters(&cfg),
		retries:   newRetrySet(),
		peers:     make(map[string]*peerData),
		channels:  make(map[*channel]struct{}),
		handlers:  make(map[uint32]peerlink.MessageHandler),
		nextRetry: never,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	m.log = m.log.With("component", "streamcomm")
	if m.sockets == nil {
		m.sockets = &TCPSocketFactory{BindAddress: cfg.BindAddress}
	}
	if m.messages == nil {
		store, err := peermsg.NewStore(peermsg.Config{})
		if err != nil {
			return nil, err
		}
		m.messages = store
	}
	if m.metrics == nil {
		m.metrics = NewMetrics(nil)
	}
	if m.local == nil {
		return nil, fmt.Errorf("%w: no local identity", ErrNoIdentityManager)
	}
	return m, nil
}

// Config returns the effective configuration
func (m *Comm) Config() Config {
	return m.config
}

// LocalIdentity returns the identity this transport announces
func (m *Comm) LocalIdentity() peerlink.PeerIdentity {
	return m.local
}

// Start opens the listener, if configured, and starts the retry loop, the
// hung-channel checker and the receive workers
func (m *Comm) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.started {
		return nil
	}

	var ln net.Listener
	if m.config.ListenAddress != "" {
		var err error
		ln, err = m.sockets.Listen(ctx, m.config.ListenAddress)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", m.config.ListenAddress, err)
		}
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.done = make(chan struct{})
	m.rcvQueue = make(chan *peerlink.Message, m.config.ReceiveQueueSize)
	m.listener = ln
	done, rcvQueue := m.done, m.rcvQueue

	if ln != nil {
		m.goTracked(func() { m.acceptLoop(ln, done) })
	}
	m.goTracked(func() { m.retryLoop(done) })
	m.goTracked(func() { m.hungCheckLoop(done) })
	for i := 0; i < m.config.ReceiveWorkers; i++ {
		m.goTracked(func() { m.receiveLoop(rcvQueue, done) })
	}

	m.started = true
	m.running.Store(true)
	listen := ""
	if ln != nil {
		listen = ln.Addr().String()
	}
	m.log.Info("stream comm started", "local", m.local.ID(), "listen", listen)
	return nil
}

// Stop closes the listener, aborts every channel and waits up to WaitExit
// for the goroutines to finish. Messages not yet sent are discarded.
func (m *Comm) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	m.running.Store(false)
	close(m.done)
	m.cancel()
	ln := m.listener
	m.listener = nil
	chans := make([]*channel, 0, len(m.channels))
	for c := range m.channels {
		chans = append(chans, c)
	}
	m.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, c := range chans {
		c.abort(nil)
	}

	exited := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(exited)
	}()
	timer := time.NewTimer(m.config.WaitExit)
	defer timer.Stop()
	select {
	case <-exited:
	case <-timer.C:
		m.log.Warn("timed out waiting for goroutines to exit", "wait", m.config.WaitExit)
	case <-ctx.Done():
		return ctx.Err()
	}
	m.log.Info("stream comm stopped")
	return nil
}

// Close stops the transport for good
func (m *Comm) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.WaitExit)
	defer cancel()
	err := m.Stop(ctx)
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return err
}

// IsRunning reports whether Start has been called and Stop has not
func (m *Comm) IsRunning() bool {
	return m.running.Load()
}

// ListenAddr returns the bound listen address, or "" if not listening
func (m *Comm) ListenAddr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

// SendTo queues msg for delivery to peer. Delivery failures are handled
// internally by retrying or, when retries are exhausted, dropping msg.
func (m *Comm) SendTo(msg *peerlink.Message, peer peerlink.PeerIdentity) error {
	if !m.IsRunning() {
		return ErrNotRunning
	}
	if msg == nil {
		return ErrNilMessage
	}
	if peer == nil {
		return ErrNilPeer
	}
	if m.ids.IsLocal(peer) {
		return ErrLocalPeer
	}
	m.findPeerData(peer).send(msg)
	return nil
}

// FindOrMakeChannel returns the status of the peer's primary channel,
// originating one if needed
func (m *Comm) FindOrMakeChannel(peer peerlink.PeerIdentity) (peerlink.ChannelStatus, error) {
	if !m.IsRunning() {
		return peerlink.ChannelStatus{}, ErrNotRunning
	}
	if peer == nil {
		return peerlink.ChannelStatus{}, ErrNilPeer
	}
	if m.ids.IsLocal(peer) {
		return peerlink.ChannelStatus{}, ErrLocalPeer
	}
	ch := m.findPeerData(peer).findOrMakeChannel()
	if ch == nil {
		return peerlink.ChannelStatus{}, ErrChannelLimit
	}
	return ch.status(), nil
}

// RegisterMessageHandler installs handler for messages tagged protocol
func (m *Comm) RegisterMessageHandler(protocol uint32, handler peerlink.MessageHandler) error {
	if handler == nil {
		return ErrNilHandler
	}
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	if _, ok := m.handlers[protocol]; ok {
		return fmt.Errorf("%w: %d", ErrHandlerRegistered, protocol)
	}
	m.handlers[protocol] = handler
	return nil
}

// UnregisterMessageHandler removes the handler for protocol, if any
func (m *Comm) UnregisterMessageHandler(protocol uint32) {
	m.handlersMu.Lock()
	delete(m.handlers, protocol)
	m.handlersMu.Unlock()
}

// goTracked runs f on a goroutine that Stop waits for
func (m *Comm) goTracked(f func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		f()
	}()
}

func (m *Comm) acceptLoop(ln net.Listener, done <-chan struct{}) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			m.log.Warn("accept failed", "error", err)
			select {
			case <-done:
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		m.setupConn(conn)
		ch := m.newIncomingChannel(conn)
		if ch == nil {
			conn.Close()
			continue
		}
		ch.log.Debug("accepted connection", "remote", conn.RemoteAddr())
		ch.startIncoming()
	}
}

// hungCheckLoop periodically aborts channels whose sends are stuck
func (m *Comm) hungCheckLoop(done <-chan struct{}) {
	ticker := time.NewTicker(m.config.ChannelHungTime())
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.checkHungChannels()
		}
	}
}

func (m *Comm) checkHungChannels() {
	for _, c := range m.liveChannels() {
		c.checkHung()
	}
}

func (m *Comm) receiveLoop(rcvQueue <-chan *peerlink.Message, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case msg := <-rcvQueue:
			m.dispatch(msg)
		}
	}
}

// enqueueReceived hands msg to the receive workers, blocking while their
// queue is full. The message is discarded if the channel or the transport
// stops first.
func (m *Comm) enqueueReceived(chanDone <-chan struct{}, msg *peerlink.Message) {
	m.mu.RLock()
	rcvQueue, done := m.rcvQueue, m.done
	m.mu.RUnlock()
	select {
	case rcvQueue <- msg:
	case <-chanDone:
		msg.Delete()
	case <-done:
		msg.Delete()
	}
}

// dispatch runs the registered handler for msg. A handler that panics is
// logged and does not stop the worker.
func (m *Comm) dispatch(msg *peerlink.Message) {
	m.handlersMu.RLock()
	h := m.handlers[msg.Protocol]
	m.handlersMu.RUnlock()
	if h == nil {
		m.log.Warn("received message for unregistered protocol", "protocol", msg.Protocol, "sender", senderID(msg))
		msg.Delete()
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("message handler panicked", "protocol", msg.Protocol, "panic", r)
		}
	}()
	h.HandleMessage(msg)
}

func senderID(msg *peerlink.Message) string {
	if s := msg.Sender(); s != nil {
		return s.ID()
	}
	return ""
}

// findPeerData returns the record for pid, creating it on first use
func (m *Comm) findPeerData(pid peerlink.PeerIdentity) *peerData {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pd, ok := m.peers[pid.ID()]; ok {
		return pd
	}
	m.peerSeq++
	pd := newPeerData(m, pid, m.peerSeq)
	m.peers[pid.ID()] = pd
	return pd
}

func (m *Comm) getPeerData(pid peerlink.PeerIdentity) *peerData {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peers[pid.ID()]
}

func (m *Comm) newChannel(pid peerlink.PeerIdentity, originate bool, conn net.Conn) *channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	c := &channel{
		id:        m.chanSeq.Add(1),
		comm:      m,
		originate: originate,
		created:   time.Now(),
		queue:     newSendQueue(),
		done:      make(chan struct{}),
		state:     peerlink.StateInit,
		peer:      pid,
		conn:      conn,
	}
	c.ctx, c.cancel = context.WithCancel(m.ctx)
	c.log = m.log.With("channel", c.id)
	if pid != nil {
		c.log = c.log.With("peer", pid.ID())
	}
	m.channels[c] = struct{}{}
	return c
}

// newOriginatingChannel creates a channel to pid in state INIT. When the
// transport is stopped the channel is created unregistered and fails to
// start.
func (m *Comm) newOriginatingChannel(pid peerlink.PeerIdentity) *channel {
	if c := m.newChannel(pid, true, nil); c != nil {
		return c
	}
	c := &channel{
		comm:      m,
		originate: true,
		created:   time.Now(),
		queue:     newSendQueue(),
		done:      make(chan struct{}),
		state:     peerlink.StateClosed,
		peer:      pid,
		log:       m.log,
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// newIncomingChannel creates an ACCEPTED channel for conn. The peer is
// unknown until its PEERID arrives.
func (m *Comm) newIncomingChannel(conn net.Conn) *channel {
	c := m.newChannel(nil, false, conn)
	if c == nil {
		return nil
	}
	c.stateTrans(peerlink.StateInit, peerlink.StateAccepted)
	return c
}

func (m *Comm) forgetChannel(c *channel) {
	m.mu.Lock()
	delete(m.channels, c)
	m.mu.Unlock()
}

func (m *Comm) liveChannels() []*channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chans := make([]*channel, 0, len(m.channels))
	for c := range m.channels {
		chans = append(chans, c)
	}
	return chans
}

func (m *Comm) associateChannelWithPeer(c *channel, pid peerlink.PeerIdentity) {
	m.findPeerData(pid).associate(c)
	m.metrics.channelsAccepted.Inc()
}

// dissociateChannelFromPeer unlinks c from pid's record. With a queue, the
// queue's messages are drained into the record as well.
func (m *Comm) dissociateChannelFromPeer(c *channel, pid peerlink.PeerIdentity, q *sendQueue, shouldRetry bool) {
	if pid == nil {
		return
	}
	pd := m.getPeerData(pid)
	if pd == nil {
		return
	}
	if q != nil {
		pd.dissociateAndDrain(c, q, shouldRetry)
		return
	}
	pd.dissociate(c)
}

func (m *Comm) countPrimary(delta int) {
	m.ctrMu.Lock()
	m.nPrimary += delta
	if m.nPrimary > m.maxPrimary {
		m.maxPrimary = m.nPrimary
	}
	n := m.nPrimary
	m.ctrMu.Unlock()
	m.metrics.primaryChannels.Set(float64(n))
}

func (m *Comm) countSecondary(delta int) {
	m.ctrMu.Lock()
	m.nSecondary += delta
	if m.nSecondary > m.maxSecondary {
		m.maxSecondary = m.nSecondary
	}
	n := m.nSecondary
	m.ctrMu.Unlock()
	m.metrics.secondaryChannels.Set(float64(n))
}

// primaryAvailable reports whether another primary channel may be created
func (m *Comm) primaryAvailable() bool {
	m.ctrMu.Lock()
	defer m.ctrMu.Unlock()
	return m.nPrimary < m.config.MaxChannels
}

func (m *Comm) setNextRetry(t time.Time) {
	m.ctrMu.Lock()
	m.nextRetry = t
	m.ctrMu.Unlock()
}

func (m *Comm) rateLimited(direction string) {
	m.ctrMu.Lock()
	m.anyRateLimited = true
	m.ctrMu.Unlock()
	m.metrics.rateLimited.WithLabelValues(direction).Inc()
}

func (m *Comm) rcvRateLimited(pid peerlink.PeerIdentity) {
	m.rateLimited("receive")
	if pd := m.getPeerData(pid); pd != nil {
		pd.rcvRateLimited()
	}
}

func (m *Comm) countSentMsg(pid peerlink.PeerIdentity) {
	m.metrics.messagesSent.Inc()
	if pid == nil {
		return
	}
	if pd := m.getPeerData(pid); pd != nil {
		pd.sentMsg()
	}
}

func (m *Comm) countRcvdMsg(pid peerlink.PeerIdentity) {
	m.metrics.messagesReceived.Inc()
	m.findPeerData(pid).rcvdMsg()
}

// countMessageRetries records the retry count of a message that was sent
func (m *Comm) countMessageRetries(msg *peerlink.Message) {
	m.metrics.deliveredRetries.Observe(float64(msg.RetryCount()))
}

// countFailedRetries records the retry count of a message being dropped
func (m *Comm) countFailedRetries(msg *peerlink.Message) {
	m.metrics.messagesDropped.Inc()
	m.metrics.failedRetries.Observe(float64(msg.RetryCount()))
}

// Channels returns a snapshot of every live channel, ordered by id
func (m *Comm) Channels() []peerlink.ChannelStatus {
	chans := m.liveChannels()
	out := make([]peerlink.ChannelStatus, 0, len(chans))
	for _, c := range chans {
		out = append(out, c.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Peers returns a snapshot of every peer record, ordered by identity
func (m *Comm) Peers() []peerlink.PeerStatus {
	m.mu.RLock()
	pds := make([]*peerData, 0, len(m.peers))
	for _, pd := range m.peers {
		pds = append(pds, pd)
	}
	m.mu.RUnlock()

	out := make([]peerlink.PeerStatus, 0, len(pds))
	for _, pd := range pds {
		out = append(out, pd.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}

// Stats returns summary counts
func (m *Comm) Stats() peerlink.CommStats {
	chans := m.liveChannels()
	draining := 0
	for _, c := range chans {
		switch c.getState() {
		case peerlink.StateDrainInput, peerlink.StateDrainOutput, peerlink.StateNeedClose:
			draining++
		}
	}
	m.mu.RLock()
	nPeers := len(m.peers)
	m.mu.RUnlock()

	m.ctrMu.Lock()
	defer m.ctrMu.Unlock()
	st := peerlink.CommStats{
		Running:          m.IsRunning(),
		Channels:         len(chans),
		DrainingChannels: draining,
		Primary:          m.nPrimary,
		MaxPrimary:       m.maxPrimary,
		Secondary:        m.nSecondary,
		MaxSecondary:     m.maxSecondary,
		Peers:            nPeers,
		PeersToRetry:     m.retries.len(),
		AnyRateLimited:   m.anyRateLimited,
	}
	if m.nextRetry != never {
		st.NextRetry = m.nextRetry
	}
	return st
}
