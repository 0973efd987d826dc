package peerlink

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rmacdonaldsmith/streamcomm/pkg/peerlink"
)

const (
	copyBufferSize = 64 * 1024

	// minSendWait is the shortest write deadline, even for a message about
	// to expire
	minSendWait = time.Second
)

// stopIgnStates are the states in which a stop request is a no-op
var stopIgnStates = []peerlink.ChannelState{
	peerlink.StateInit,
	peerlink.StateClosing,
	peerlink.StateClosed,
	peerlink.StateConnectFail,
}

// channel is one connection to or from a peer. It owns a reader and a
// writer goroutine; originated channels also run a connect goroutine
// before those start.
type channel struct {
	id        uint64
	comm      *Comm
	originate bool
	created   time.Time
	queue     *sendQueue

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	log        *slog.Logger
	state      peerlink.ChannelState
	peer       peerlink.PeerIdentity
	conn       net.Conn
	reader     *bufio.Reader
	writer     io.Writer
	buffered   *bufio.Writer
	didOpen    bool
	connectErr error
	fatalErr   error
	sendCnt    int
	sendWait   time.Duration
	drainStart time.Time

	lastActive atomic.Int64
	msgsSent   atomic.Int64
	msgsRcvd   atomic.Int64
	bytesSent  atomic.Int64
	bytesRcvd  atomic.Int64
}

func (c *channel) getState() peerlink.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *channel) isState(s peerlink.ChannelState) bool {
	return c.getState() == s
}

func (c *channel) setStateLocked(s peerlink.ChannelState) {
	c.log.Debug("channel state", "from", c.state, "to", s)
	c.state = s
}

// stateTrans moves from -> to if the channel is in state from
func (c *channel) stateTrans(from, to peerlink.ChannelState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateTransLocked(from, to)
}

func (c *channel) stateTransLocked(from, to peerlink.ChannelState) bool {
	if c.state != from {
		return false
	}
	c.setStateLocked(to)
	return true
}

// checkedStateTrans is stateTrans for callers enforcing protocol
// sequencing: a mismatch is an error naming the operation
func (c *channel) checkedStateTrans(from, to peerlink.ChannelState, op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return fmt.Errorf("%w: %s: expected %s, was %s", ErrIllegalState, op, from, c.state)
	}
	c.setStateLocked(to)
	return nil
}

// notStateTrans moves to `to` unless the channel is in one of the not states
func (c *channel) notStateTrans(not []peerlink.ChannelState, to peerlink.ChannelState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notStateTransLocked(not, to)
}

func (c *channel) notStateTransLocked(not []peerlink.ChannelState, to peerlink.ChannelState) bool {
	for _, s := range not {
		if c.state == s {
			return false
		}
	}
	c.setStateLocked(to)
	return true
}

// isStopping reports whether the channel can no longer be associated
func (c *channel) isStopping() bool {
	switch c.getState() {
	case peerlink.StateClosing, peerlink.StateClosed, peerlink.StateConnectFail,
		peerlink.StateDissociating, peerlink.StateDrainInput:
		return true
	}
	return false
}

func (c *channel) getPeer() peerlink.PeerIdentity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

func (c *channel) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

func (c *channel) lastActiveTime() time.Time {
	ns := c.lastActive.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// shouldRetry reports whether messages left on this channel after it
// stops should be held for another attempt
func (c *channel) shouldRetry() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fatalErr != nil {
		return false
	}
	if c.connectErr != nil {
		return isRetryable(c.connectErr)
	}
	return c.didOpen
}

func (c *channel) isUnusedOriginating() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.originate && c.sendCnt == 0
}

// send queues msg, reporting false if the channel no longer accepts
// messages
func (c *channel) send(msg *peerlink.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case peerlink.StateClosed, peerlink.StateClosing, peerlink.StateConnectFail,
		peerlink.StateDissociating, peerlink.StateDrainInput:
		return false
	}
	c.queue.put(msg)
	c.sendCnt++
	return true
}

// enqueueMsgs moves all messages of q onto the channel's queue
func (c *channel) enqueueMsgs(q *sendQueue) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.moveFrom(q)
}

// startOriginate starts the connect goroutine
func (c *channel) startOriginate() error {
	peer := c.getPeer()
	if peer == nil || peer.Address() == "" {
		return ErrNotDialable
	}
	if err := c.checkedStateTrans(peerlink.StateInit, peerlink.StateConnecting, "startOriginate"); err != nil {
		return err
	}
	c.comm.goTracked(func() { c.connect(peer.Address()) })
	return nil
}

// startIncoming starts an accepted channel
func (c *channel) startIncoming() {
	if err := c.checkedStateTrans(peerlink.StateAccepted, peerlink.StateStarting, "startIncoming"); err != nil {
		c.abort(err)
		return
	}
	if err := c.startConnected(); err != nil {
		c.abort(err)
	}
}

func (c *channel) connect(address string) {
	ctx, cancel := context.WithTimeout(c.ctx, c.comm.config.ConnectTimeout)
	conn, err := c.comm.sockets.Dial(ctx, address)
	cancel()
	if err != nil {
		c.mu.Lock()
		c.connectErr = err
		c.mu.Unlock()
		c.comm.metrics.connectFailures.Inc()
		c.stateTrans(peerlink.StateConnecting, peerlink.StateDissociating)
		c.stop(true, fmt.Errorf("connect to %s failed: %w", address, err), peerlink.StateConnectFail)
		return
	}
	c.comm.setupConn(conn)

	c.mu.Lock()
	if c.state != peerlink.StateConnecting {
		// stopped while dialing
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.setStateLocked(peerlink.StateStarting)
	c.mu.Unlock()
	c.log.Debug("connected", "remote", conn.RemoteAddr())

	if err := c.startConnected(); err != nil {
		c.abort(err)
	}
}

// startConnected sets up the streams and starts the reader, which starts
// the writer once any TLS handshake is done
func (c *channel) startConnected() error {
	c.mu.Lock()
	if c.state != peerlink.StateStarting {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: startConnected: expected %s, was %s", ErrIllegalState, peerlink.StateStarting, st)
	}
	c.reader = bufio.NewReaderSize(&activityReader{c: c, r: c.conn}, copyBufferSize)
	out := &deadlineWriter{c: c, conn: c.conn}
	if c.comm.config.DisableBufferedSend {
		c.writer = out
	} else {
		c.buffered = bufio.NewWriterSize(out, copyBufferSize)
		c.writer = c.buffered
	}
	c.setStateLocked(peerlink.StateOpen)
	c.didOpen = true
	c.mu.Unlock()
	c.touch()

	c.comm.goTracked(c.readLoop)
	return nil
}

// abort stops the channel without flushing buffered output
func (c *channel) abort(cause error) {
	c.stop(true, cause, peerlink.StateClosed)
}

// stop tears the channel down: dissociates it (leaving unsent messages to
// the peer record), closes the connection and signals the goroutines.
// Only the first call has any effect.
func (c *channel) stop(abort bool, cause error, final peerlink.ChannelState) {
	if !c.notStateTrans(stopIgnStates, peerlink.StateClosing) {
		return
	}
	c.mu.Lock()
	peer := c.peer
	conn := c.conn
	buffered := c.buffered
	log := c.log
	c.mu.Unlock()

	c.comm.dissociateChannelFromPeer(c, peer, c.queue, c.shouldRetry())
	if cause != nil {
		switch {
		case errors.Is(cause, ErrProtocol):
			c.comm.metrics.protocolErrors.Inc()
		case errors.Is(cause, ErrHungSend):
			c.comm.metrics.hungChannels.Inc()
		}
		log.Warn("aborting channel", "error", cause)
	}
	c.cancel()
	close(c.done)
	if conn != nil {
		if !abort && buffered != nil {
			conn.SetWriteDeadline(time.Now().Add(minSendWait))
			buffered.Flush()
		}
		conn.Close()
	}

	c.mu.Lock()
	c.setStateLocked(final)
	c.mu.Unlock()
	c.comm.forgetChannel(c)
}

// checkHung aborts a channel whose writer has made no progress with
// messages waiting
func (c *channel) checkHung() {
	st := c.getState()
	if st != peerlink.StateOpen && st != peerlink.StateDrainOutput {
		return
	}
	last := c.lastActiveTime()
	if last.IsZero() || c.queue.isEmpty() {
		return
	}
	if time.Since(last) > c.comm.config.ChannelHungTime() {
		c.abort(fmt.Errorf("%w: no progress since %s", ErrHungSend, last.Format(time.RFC3339)))
	}
}

// readLoop runs the input side: TLS handshake, writer start, then frames
// until the peer closes or an error occurs
func (c *channel) readLoop() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if tc, ok := conn.(*tls.Conn); ok {
		ctx, cancel := context.WithTimeout(c.ctx, c.comm.config.HandshakeTimeout)
		err := tc.HandshakeContext(ctx)
		cancel()
		if err != nil {
			if !isRetryable(err) {
				c.mu.Lock()
				c.fatalErr = err
				c.mu.Unlock()
			}
			c.abort(fmt.Errorf("tls handshake: %w", err))
			return
		}
	}
	c.comm.goTracked(c.writeLoop)

	err := c.readMessages()
	if err == nil {
		c.log.Debug("input closed")
		c.mu.Lock()
		if !c.queue.isEmpty() && c.state == peerlink.StateOpen {
			c.setStateLocked(peerlink.StateDrainOutput)
		} else {
			c.notStateTransLocked(stopIgnStates, peerlink.StateNeedClose)
		}
		needClose := c.state == peerlink.StateNeedClose
		c.mu.Unlock()
		if needClose {
			c.stop(false, nil, peerlink.StateClosed)
		}
		return
	}
	if c.isStopping() && !c.isState(peerlink.StateDrainInput) {
		c.abort(nil)
		return
	}
	if isTimeout(err) && c.isState(peerlink.StateDrainInput) {
		err = fmt.Errorf("drain input timed out: %w", err)
	}
	c.abort(err)
}

// setReadDeadline bounds the next read. While draining input the bound is
// the drain timeout measured from the later of drain start and last
// activity.
func (c *channel) setReadDeadline() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var deadline time.Time
	switch {
	case c.state == peerlink.StateDrainInput:
		from := c.drainStart
		if last := c.lastActiveTime(); last.After(from) {
			from = last
		}
		deadline = from.Add(c.comm.config.DrainInputTime)
	case c.comm.config.DataTimeout > 0:
		deadline = time.Now().Add(c.comm.config.DataTimeout)
	}
	c.conn.SetReadDeadline(deadline)
}

func (c *channel) readMessages() error {
	for {
		c.setReadDeadline()
		h, err := ReadHeader(c.reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if c.getPeer() == nil && h.Op != OpPeerID {
			return fmt.Errorf("%w: didn't receive peerid first: %s", ErrProtocol, h.Op)
		}
		switch h.Op {
		case OpPeerID:
			err = c.readPeerID(h)
		case OpData:
			err = c.readDataMsg(h)
		case OpClose:
			err = c.skipPayload(h)
		default:
			if !c.comm.config.IgnoreUnknownOp {
				return fmt.Errorf("%w: received unknown opcode: %d", ErrProtocol, byte(h.Op))
			}
			c.log.Debug("ignoring unknown opcode", "op", byte(h.Op))
			err = c.skipPayload(h)
		}
		if err != nil {
			return err
		}
	}
}

// readPeerID verifies the peer's identity and, for an accepted channel,
// associates the channel with it
func (c *channel) readPeerID(h FrameHeader) error {
	key, err := ReadPeerIDPayload(c.reader, h)
	if err != nil {
		return err
	}
	pid, err := c.comm.ids.ParseIdentity(key)
	if err != nil {
		return fmt.Errorf("%w: illegal peer id %q: %v", ErrProtocol, key, err)
	}
	if c.comm.ids.IsLocal(pid) {
		return fmt.Errorf("%w: peer claims local identity %q", ErrProtocol, key)
	}

	c.mu.Lock()
	if c.peer != nil {
		known := c.peer
		c.mu.Unlock()
		if known.ID() != pid.ID() {
			return fmt.Errorf("%w: received conflicting peerid %s, was %s", ErrProtocol, pid.ID(), known.ID())
		}
		return nil
	}
	c.peer = pid
	c.log = c.log.With("peer", pid.ID())
	associate := c.state == peerlink.StateOpen && !c.originate
	c.mu.Unlock()

	c.log.Debug("got peer id")
	if associate {
		c.comm.associateChannelWithPeer(c, pid)
	}
	return nil
}

// readDataMsg copies one payload into a new message and queues it for the
// protocol's handler
func (c *channel) readDataMsg(h FrameHeader) error {
	if h.Length > c.comm.config.MaxMessageSize {
		return fmt.Errorf("%w: too-large incoming message: %d", ErrProtocol, h.Length)
	}
	peer := c.getPeer()
	msg, err := c.comm.messages.NewMessage(h.Protocol, h.Length)
	if err != nil {
		return fmt.Errorf("failed to allocate message: %w", err)
	}
	msg.SetSender(peer)
	w, err := msg.Body().NewWriter()
	if err != nil {
		msg.Delete()
		return fmt.Errorf("failed to open message body: %w", err)
	}
	_, err = io.CopyN(w, c.reader, h.Length)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		msg.Delete()
		return payloadErr(err)
	}
	c.touch()

	if lim := c.comm.limiters.receiver(peer.ID()); lim != nil && !lim.Allow() {
		c.comm.rcvRateLimited(peer)
		c.log.Debug("receive rate limited", "protocol", h.Protocol)
		msg.Delete()
		return nil
	}
	c.msgsRcvd.Add(1)
	c.comm.countRcvdMsg(peer)
	c.comm.enqueueReceived(c.done, msg)
	return nil
}

func (c *channel) skipPayload(h FrameHeader) error {
	if h.Length > c.comm.config.MaxMessageSize {
		return fmt.Errorf("%w: too-large %s frame: %d", ErrProtocol, h.Op, h.Length)
	}
	if _, err := io.CopyN(io.Discard, c.reader, h.Length); err != nil {
		return payloadErr(err)
	}
	return nil
}

// calcSendWaitDeadline is when the writer should wake on an empty queue:
// when the channel has been idle long enough to close, or sooner to check
// for work
func (c *channel) calcSendWaitDeadline() time.Time {
	now := time.Now()
	wake := now.Add(c.comm.config.SendWakeupTime)
	idle := c.lastActiveTime().Add(c.comm.config.ChannelIdleTime)
	if idle.Before(now) {
		idle = now
	}
	if idle.Before(wake) {
		return idle
	}
	return wake
}

// sendDeadline bounds each write of msg. A write that cannot complete by
// then means the peer has stopped reading.
func (c *channel) sendDeadline(msg *peerlink.Message) time.Duration {
	wait := c.comm.config.ChannelHungTime()
	if !msg.Expiration.IsZero() {
		if untilExp := time.Until(msg.Expiration); untilExp < wait {
			wait = untilExp
		}
	}
	if wait < minSendWait {
		wait = minSendWait
	}
	return wait
}

// writeLoop runs the output side: PEERID first, then queued messages in
// order, until the channel idles out or stops
func (c *channel) writeLoop() {
	if err := c.writePeerID(); err != nil {
		c.abort(err)
		return
	}
	for {
		for {
			msg := c.queue.peekWait(c.done, c.calcSendWaitDeadline())
			if msg == nil {
				break
			}
			now := time.Now()
			c.touch()
			msg.SetLastRetry(now)
			if err := c.writeDataMsg(msg); err != nil {
				c.abort(err)
				return
			}
			if c.queue.get() != msg {
				c.abort(fmt.Errorf("%w: send queue not behaving as FIFO", ErrIllegalState))
				return
			}
			c.comm.countMessageRetries(msg)
			msg.Delete()
			c.touch()
			if c.drainedOutput() {
				c.stop(false, nil, peerlink.StateClosed)
				return
			}
		}
		select {
		case <-c.done:
			return
		default:
		}

		c.mu.Lock()
		if !c.queue.isEmpty() {
			c.mu.Unlock()
			continue
		}
		c.stateTransLocked(peerlink.StateDrainOutput, peerlink.StateNeedClose)
		needClose := c.state == peerlink.StateNeedClose
		c.mu.Unlock()
		if needClose {
			c.stop(false, nil, peerlink.StateClosed)
			return
		}

		if time.Since(c.lastActiveTime()) > c.comm.config.ChannelIdleTime && c.startDrainInput() {
			return
		}
	}
}

// drainedOutput moves DRAIN_OUTPUT to NEED_CLOSE once the queue is empty
func (c *channel) drainedOutput() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queue.isEmpty() {
		c.stateTransLocked(peerlink.StateDrainOutput, peerlink.StateNeedClose)
	}
	return c.state == peerlink.StateNeedClose
}

// startDrainInput closes an idle channel: it stops accepting messages,
// shuts down the output half and lets the reader wait for the peer to
// close its side. It returns false, leaving the channel open, if a message
// was queued since the writer last looked; the writer must keep going.
func (c *channel) startDrainInput() bool {
	c.mu.Lock()
	if !c.queue.isEmpty() {
		c.mu.Unlock()
		return false
	}
	if !c.notStateTransLocked(stopIgnStates, peerlink.StateDrainInput) {
		c.mu.Unlock()
		return true
	}
	c.drainStart = time.Now()
	c.conn.SetReadDeadline(c.drainStart.Add(c.comm.config.DrainInputTime))
	peer := c.peer
	conn := c.conn
	c.mu.Unlock()

	// No longer able to send, so no longer usable by the peer record
	c.comm.dissociateChannelFromPeer(c, peer, nil, false)
	c.log.Debug("channel idle, shutting down output")

	cw, ok := conn.(interface{ CloseWrite() error })
	if !ok {
		c.log.Debug("connection can't half-close, waiting for drain timeout")
		return true
	}
	if err := cw.CloseWrite(); err != nil {
		c.abort(fmt.Errorf("shutdown output: %w", err))
	}
	return true
}

func (c *channel) writePeerID() error {
	if err := WritePeerID(c.writer, c.comm.local.ID()); err != nil {
		return fmt.Errorf("write peer id: %w", err)
	}
	return c.flush()
}

func (c *channel) writeDataMsg(msg *peerlink.Message) error {
	r, err := msg.Body().NewReader()
	if err != nil {
		return fmt.Errorf("open message body: %w", err)
	}
	defer r.Close()

	c.mu.Lock()
	c.sendWait = c.sendDeadline(msg)
	c.mu.Unlock()

	if _, err := WriteData(c.writer, msg.Protocol, msg.Size(), r); err != nil {
		return c.writeErr(err)
	}
	if err := c.flush(); err != nil {
		return c.writeErr(err)
	}
	c.msgsSent.Add(1)
	c.comm.countSentMsg(c.getPeer())
	return nil
}

func (c *channel) writeErr(err error) error {
	if isTimeout(err) {
		return fmt.Errorf("%w: %v", ErrHungSend, err)
	}
	return err
}

func (c *channel) flush() error {
	if c.buffered == nil {
		return nil
	}
	return c.buffered.Flush()
}

func (c *channel) status() peerlink.ChannelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := peerlink.ChannelStatus{
		ID:           c.id,
		State:        c.state,
		Originated:   c.originate,
		Created:      c.created,
		LastActive:   c.lastActiveTime(),
		SendQueueLen: c.queue.size(),
		MsgsSent:     c.msgsSent.Load(),
		MsgsRcvd:     c.msgsRcvd.Load(),
		BytesSent:    c.bytesSent.Load(),
		BytesRcvd:    c.bytesRcvd.Load(),
	}
	if c.peer != nil {
		st.Peer = c.peer.ID()
	}
	if c.conn != nil {
		st.RemoteAddr = c.conn.RemoteAddr().String()
	}
	return st
}

// activityReader counts received bytes and records activity
type activityReader struct {
	c *channel
	r io.Reader
}

func (a *activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.c.touch()
		a.c.bytesRcvd.Add(int64(n))
		a.c.comm.metrics.bytesReceived.Add(float64(n))
	}
	return n, err
}

// deadlineWriter bounds every socket write by the channel's current send
// wait, so a peer that stops reading is detected while bytes are pending
type deadlineWriter struct {
	c    *channel
	conn net.Conn
}

func (d *deadlineWriter) Write(p []byte) (int, error) {
	d.c.mu.Lock()
	wait := d.c.sendWait
	d.c.mu.Unlock()
	if wait <= 0 {
		wait = d.c.comm.config.ChannelHungTime()
	}
	d.conn.SetWriteDeadline(time.Now().Add(wait))
	n, err := d.conn.Write(p)
	if n > 0 {
		d.c.touch()
		d.c.bytesSent.Add(int64(n))
		d.c.comm.metrics.bytesSent.Add(float64(n))
	}
	return n, err
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
