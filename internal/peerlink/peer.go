package peerlink

import (
	"log/slog"
	"sync"
	"time"

	"github.com/rmacdonaldsmith/streamcomm/pkg/peerlink"
)

// sendAttempts is how many channels a send tries before holding the message
const sendAttempts = 3

// peerData is the per-identity record: its channels, the messages held
// while no channel is usable, and retry bookkeeping.
type peerData struct {
	comm *Comm
	pid  peerlink.PeerIdentity
	seq  uint64
	log  *slog.Logger

	mu        sync.Mutex
	primary   *channel
	secondary *channel

	// held is non-nil only while messages wait for a connection retry
	held        *sendQueue
	earliestMsg *peerlink.Message
	lastRetry   time.Time
	nextRetry   time.Time
	entry       *retryEntry

	origCnt            int
	failCnt            int
	acceptCnt          int
	msgsSent           int
	msgsRcvd           int
	sendRateLimited    int
	receiveRateLimited int
}

func newPeerData(comm *Comm, pid peerlink.PeerIdentity, seq uint64) *peerData {
	return &peerData{
		comm:      comm,
		pid:       pid,
		seq:       seq,
		log:       comm.log.With("peer", pid.ID()),
		nextRetry: never,
	}
}

// send hands msg to a usable channel, originating one if needed. A
// message that cannot be handed to any channel is held for retry.
func (p *peerData) send(msg *peerlink.Message) {
	if lim := p.comm.limiters.sender(p.pid.ID()); lim != nil && !lim.Allow() {
		p.mu.Lock()
		p.sendRateLimited++
		p.mu.Unlock()
		p.comm.rateLimited("send")
		p.log.Warn("message send rate limited", "protocol", msg.Protocol)
		msg.Delete()
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.held != nil {
		if p.primary != nil {
			p.log.Error("held queue and primary channel both exist", "channel", p.primary.id)
		}
		p.enqueueHeldLocked(msg, false)
		return
	}

	var last *channel
	retry := true
	for i := 0; i < sendAttempts; i++ {
		ch := p.findOrMakeChannelLocked()
		if ch == nil {
			break
		}
		if ch == last {
			p.log.Error("got same channel as last attempt", "channel", ch.id)
			break
		}
		if ch.send(msg) {
			return
		}
		if ch.isUnusedOriginating() {
			p.log.Warn("couldn't start channel", "channel", ch.id)
			retry = ch.shouldRetry()
			break
		}
		last = ch
		p.dissociateLocked(ch)
	}

	if retry && msg.IsRequeueable() {
		p.log.Debug("holding message for retry", "protocol", msg.Protocol)
		p.failCnt++
		p.enqueueHeldLocked(msg, true)
		return
	}
	p.log.Warn("dropping message, no usable channel", "protocol", msg.Protocol)
	p.comm.countFailedRetries(msg)
	msg.Delete()
}

// findOrMakeChannel returns the primary channel, promoting the secondary
// or originating a new one if there is none. It returns nil when the
// channel limit is reached or origination cannot start.
func (p *peerData) findOrMakeChannel() *channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.findOrMakeChannelLocked()
}

func (p *peerData) findOrMakeChannelLocked() *channel {
	if p.primary != nil {
		return p.primary
	}
	if p.secondary != nil {
		p.primary, p.secondary = p.secondary, nil
		p.comm.countPrimary(1)
		p.comm.countSecondary(-1)
		p.log.Debug("promoted secondary channel", "channel", p.primary.id)
		p.handOffLocked(p.primary)
		return p.primary
	}
	if !p.comm.primaryAvailable() {
		p.log.Warn("channel limit reached", "max", p.comm.config.MaxChannels)
		return nil
	}
	ch := p.comm.newOriginatingChannel(p.pid)
	p.handOffLocked(ch)
	p.lastRetry = time.Now()
	if err := ch.startOriginate(); err != nil {
		p.log.Warn("can't start channel", "channel", ch.id, "error", err)
		p.comm.forgetChannel(ch)
		// Messages handed to the channel come back to the held queue.
		for _, m := range ch.queue.takeAll() {
			p.enqueueHeldLocked(m, false)
		}
		return nil
	}
	p.origCnt++
	p.primary = ch
	p.comm.countPrimary(1)
	p.comm.metrics.channelsOriginated.Inc()
	return ch
}

// associate links a channel that completed its handshake to this peer
func (p *peerData) associate(ch *channel) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.acceptCnt++
	if ch.isStopping() {
		p.log.Debug("not associating stopping channel", "channel", ch.id)
		return
	}
	switch {
	case p.primary == nil:
		p.primary = ch
		p.comm.countPrimary(1)
		p.handOffLocked(ch)
		p.log.Debug("associated channel", "channel", ch.id)
	case p.primary == ch:
		p.log.Warn("redundant peer-channel association", "channel", ch.id)
	case p.secondary == nil:
		p.secondary = ch
		p.comm.countSecondary(1)
		p.log.Debug("associated secondary channel", "channel", ch.id)
	case p.secondary == ch:
		p.log.Debug("redundant secondary peer-channel association", "channel", ch.id)
	default:
		p.log.Warn("conflicting peer-channel association",
			"channel", ch.id, "primary", p.primary.id, "secondary", p.secondary.id)
	}
}

// dissociate unlinks ch. Redundant calls are harmless.
func (p *peerData) dissociate(ch *channel) {
	p.mu.Lock()
	p.dissociateLocked(ch)
	p.mu.Unlock()
}

func (p *peerData) dissociateLocked(ch *channel) {
	if p.primary == ch {
		p.primary = nil
		p.comm.countPrimary(-1)
		p.log.Debug("removed channel", "channel", ch.id)
	}
	if p.secondary == ch {
		p.secondary = nil
		p.comm.countSecondary(-1)
		p.log.Debug("removed secondary channel", "channel", ch.id)
	}
}

// dissociateAndDrain unlinks a stopping channel and takes its unsent
// messages in one step, so no new channel can start sending in between.
func (p *peerData) dissociateAndDrain(ch *channel, q *sendQueue, shouldRetry bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dissociateLocked(ch)
	p.drainQueueLocked(q, shouldRetry)
}

// drainQueueLocked takes the unsent messages of an aborted channel. They
// are held for retry when the failure is retryable and deleted otherwise.
func (p *peerData) drainQueueLocked(q *sendQueue, shouldRetry bool) {
	if q == nil || q.isEmpty() {
		return
	}
	if !p.comm.IsRunning() {
		// Stopping: nothing will send these, release their bodies
		msgs := q.takeAll()
		for _, m := range msgs {
			m.Delete()
		}
		p.log.Debug("discarded unsent messages on stop", "count", len(msgs))
		return
	}
	p.failCnt++
	msgs := q.takeAll()
	if !shouldRetry {
		for _, m := range msgs {
			p.comm.countFailedRetries(m)
			m.Delete()
		}
		p.log.Debug("deleted unsent messages", "count", len(msgs))
		return
	}
	now := time.Now()
	requeued := 0
	for _, m := range msgs {
		if m.IsRequeueable() && !m.IsExpired(now) && m.RetryCount() < m.RetryMax {
			// A newer channel may already be up
			if p.primary != nil && p.held == nil && p.primary.send(m) {
				m.IncrRetryCount()
				requeued++
				continue
			}
			p.enqueueHeldLocked(m, true)
			requeued++
			continue
		}
		p.comm.countFailedRetries(m)
		m.Delete()
	}
	p.log.Debug("requeued unsent messages", "requeued", requeued, "deleted", len(msgs)-requeued)
}

// enqueueHeldLocked holds msg until a connection is available and moves
// the peer's retry time earlier if msg needs it sooner.
func (p *peerData) enqueueHeldLocked(msg *peerlink.Message, isRetry bool) {
	if p.held == nil {
		p.held = newSendQueue()
	}
	if ch := p.primary; ch != nil {
		if s := ch.getState(); s != peerlink.StateDissociating && s != peerlink.StateClosing {
			p.log.Error("holding message while primary channel exists", "channel", ch.id, "state", s)
		}
	}
	p.held.put(msg)
	if isRetry {
		msg.IncrRetryCount()
	}
	retry := p.comm.policy.nextRetry(msg, p.lastRetry)
	if retry.Before(p.nextRetry) {
		p.comm.retries.remove(p.entry)
		p.earliestMsg = msg
		p.nextRetry = retry
		p.entry = &retryEntry{at: retry, seq: p.seq, peer: p}
		p.comm.retries.add(p.entry)
		p.log.Debug("scheduled retry", "at", retry)
	}
}

// handOffLocked moves held messages to ch and cancels the pending retry
func (p *peerData) handOffLocked(ch *channel) {
	if p.held == nil {
		return
	}
	n := ch.enqueueMsgs(p.held)
	p.log.Debug("handed off held messages", "count", n, "channel", ch.id)
	p.held = nil
	p.comm.retries.remove(p.entry)
	p.entry = nil
	p.nextRetry = never
	p.earliestMsg = nil
}

// retryIfNeeded is called by the retry loop when this peer is first in
// the retry set. It reports whether a new channel was originated.
func (p *peerData) retryIfNeeded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.held == nil || p.held.isEmpty() {
		if p.held != nil {
			p.log.Error("empty held queue")
			p.held = nil
		}
		p.comm.retries.remove(p.entry)
		p.entry = nil
		p.nextRetry = never
		return false
	}
	if p.primary != nil {
		p.handOffLocked(p.primary)
		return false
	}
	if time.Now().Before(p.nextRetry) {
		return false
	}
	if ch := p.findOrMakeChannelLocked(); ch != nil {
		p.comm.metrics.retries.Inc()
		return true
	}
	p.log.Error("retry: couldn't create channel")
	p.comm.retries.remove(p.entry)
	p.nextRetry = time.Now().Add(p.comm.config.MinPeerRetryInterval)
	p.entry = &retryEntry{at: p.nextRetry, seq: p.seq, peer: p}
	p.comm.retries.add(p.entry)
	return false
}

func (p *peerData) rcvdMsg() {
	p.mu.Lock()
	p.msgsRcvd++
	p.mu.Unlock()
}

func (p *peerData) sentMsg() {
	p.mu.Lock()
	p.msgsSent++
	p.mu.Unlock()
}

func (p *peerData) rcvRateLimited() {
	p.mu.Lock()
	p.receiveRateLimited++
	p.mu.Unlock()
}

// channels returns the associated channels
func (p *peerData) channels() []*channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	var chans []*channel
	if p.primary != nil {
		chans = append(chans, p.primary)
	}
	if p.secondary != nil {
		chans = append(chans, p.secondary)
	}
	return chans
}

func (p *peerData) status() peerlink.PeerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := peerlink.PeerStatus{
		Peer:               p.pid.ID(),
		HeldQueueLen:       p.held.size(),
		LastRetry:          p.lastRetry,
		Originated:         p.origCnt,
		Failed:             p.failCnt,
		Accepted:           p.acceptCnt,
		MsgsSent:           p.msgsSent,
		MsgsRcvd:           p.msgsRcvd,
		SendRateLimited:    p.sendRateLimited,
		ReceiveRateLimited: p.receiveRateLimited,
	}
	if p.primary != nil {
		st.Primary = p.primary.getState()
	}
	if p.secondary != nil {
		st.Secondary = p.secondary.getState()
	}
	if p.nextRetry != never {
		st.NextRetry = p.nextRetry
	}
	if p.earliestMsg != nil && p.held != nil {
		st.FirstExpiration = p.earliestMsg.Expiration
	}
	return st
}
