package peerlink

import (
	"bytes"
	"context"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/streamcomm/internal/discovery"
	"github.com/rmacdonaldsmith/streamcomm/pkg/peerlink"
	"github.com/rmacdonaldsmith/streamcomm/pkg/peermsg"
)

func TestNewComm_Validation(t *testing.T) {
	ids, err := discovery.NewIdentityManager("127.0.0.1:9729")
	require.NoError(t, err)

	_, err = NewComm(&Config{}, nil)
	assert.ErrorIs(t, err, ErrNoIdentityManager)

	_, err = NewComm(&Config{ChannelIdleTime: -1}, ids)
	assert.ErrorIs(t, err, ErrNegativeDuration)

	comm, err := NewComm(&Config{}, ids)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxChannels, comm.Config().MaxChannels)
	assert.False(t, comm.IsRunning())
}

func TestComm_Preconditions(t *testing.T) {
	a := newTestNode(t, testConfig())
	b := newTestNode(t, testConfig())
	msg := peermsg.NewMemoryMessage(testProto, []byte("x"))

	assert.ErrorIs(t, a.comm.SendTo(msg, a.peer(t, b)), ErrNotRunning)
	_, err := a.comm.FindOrMakeChannel(a.peer(t, b))
	assert.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, a.comm.Start(context.Background()))
	assert.True(t, a.comm.IsRunning())
	assert.NotEmpty(t, a.comm.ListenAddr())

	assert.ErrorIs(t, a.comm.SendTo(nil, a.peer(t, b)), ErrNilMessage)
	assert.ErrorIs(t, a.comm.SendTo(msg, nil), ErrNilPeer)
	assert.ErrorIs(t, a.comm.SendTo(msg, a.ids.LocalIdentity()), ErrLocalPeer)
}

func TestComm_HandlerRegistration(t *testing.T) {
	a := newTestNode(t, testConfig())
	h := peerlink.MessageHandlerFunc(func(*peerlink.Message) {})

	assert.ErrorIs(t, a.comm.RegisterMessageHandler(7, nil), ErrNilHandler)
	require.NoError(t, a.comm.RegisterMessageHandler(7, h))
	assert.ErrorIs(t, a.comm.RegisterMessageHandler(7, h), ErrHandlerRegistered)
	// testProto was registered by newTestNode
	assert.ErrorIs(t, a.comm.RegisterMessageHandler(testProto, h), ErrHandlerRegistered)

	a.comm.UnregisterMessageHandler(7)
	a.comm.UnregisterMessageHandler(7)
	assert.NoError(t, a.comm.RegisterMessageHandler(7, h))
}

func TestComm_StartStopIdempotent(t *testing.T) {
	a := newTestNode(t, testConfig())
	ctx := context.Background()

	require.NoError(t, a.comm.Start(ctx))
	require.NoError(t, a.comm.Start(ctx))
	require.NoError(t, a.comm.Stop(ctx))
	require.NoError(t, a.comm.Stop(ctx))
	assert.False(t, a.comm.IsRunning())

	// restartable until closed
	require.NoError(t, a.comm.Start(ctx))
	require.NoError(t, a.comm.Close())
	assert.ErrorIs(t, a.comm.Start(ctx), ErrClosed)
}

func TestComm_SendReceive(t *testing.T) {
	a := startTestNode(t, testConfig())
	b := startTestNode(t, testConfig())

	a.send(t, a.peer(t, b), "hello")
	msg := b.expect(t, "hello")
	require.NotNil(t, msg.Sender())
	assert.Equal(t, a.ids.LocalIdentity().ID(), msg.Sender().ID())
	assert.Equal(t, testProto, msg.Protocol)

	// and back over the accepted channel's peer
	b.send(t, b.peer(t, a), "world")
	a.expect(t, "world")

	assert.Eventually(t, func() bool {
		st := a.peerStatus(t, b.ids.LocalIdentity().ID())
		return st.MsgsSent == 1 && st.MsgsRcvd == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.comm.metrics.channelsOriginated))
}

func TestComm_OrderPreserved(t *testing.T) {
	a := startTestNode(t, testConfig())
	b := startTestNode(t, testConfig())
	to := a.peer(t, b)

	for i := 0; i < 50; i++ {
		a.send(t, to, strings.Repeat("m", i+1))
	}
	for i := 0; i < 50; i++ {
		b.expect(t, strings.Repeat("m", i+1))
	}
}

// Sends to a peer that isn't up yet are held and delivered in order once
// a retry connects
func TestComm_RefusedThenRetry(t *testing.T) {
	a := startTestNode(t, testConfig())
	b := newTestNode(t, testConfig())
	to := a.peer(t, b)

	a.send(t, to, "one")
	require.Eventually(t, func() bool {
		return a.peerStatus(t, to.ID()).HeldQueueLen == 1
	}, 5*time.Second, 10*time.Millisecond)
	// held behind the first
	a.send(t, to, "two")
	a.send(t, to, "three")

	require.Eventually(t, func() bool {
		return a.peerStatus(t, to.ID()).HeldQueueLen == 3
	}, 5*time.Second, 10*time.Millisecond)
	st := a.peerStatus(t, to.ID())
	assert.False(t, st.NextRetry.IsZero())
	assert.GreaterOrEqual(t, st.Failed, 1)
	assert.GreaterOrEqual(t, testutil.ToFloat64(a.comm.metrics.connectFailures), 1.0)

	require.NoError(t, b.comm.Start(context.Background()))

	for _, want := range []string{"one", "two", "three"} {
		msg := b.expect(t, want)
		assert.Equal(t, a.ids.LocalIdentity().ID(), msg.Sender().ID())
	}
	assert.Eventually(t, func() bool {
		return a.peerStatus(t, to.ID()).HeldQueueLen == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, testutil.ToFloat64(a.comm.metrics.retries), 1.0)
}

// A connection from a peer awaiting retry takes its held messages at
// once; the pending retry is cancelled without counting an attempt
func TestComm_InboundConnectionDeliversHeld(t *testing.T) {
	cfg := testConfig()
	cfg.MinPeerRetryInterval = time.Hour
	cfg.MaxPeerRetryInterval = 2 * time.Hour
	a := startTestNode(t, cfg)
	b := newTestNode(t, testConfig())
	to := a.peer(t, b)

	a.send(t, to, "one")
	a.send(t, to, "two")
	require.Eventually(t, func() bool {
		return a.peerStatus(t, to.ID()).HeldQueueLen == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, a.comm.Stats().PeersToRetry)
	assert.Greater(t, time.Until(a.peerStatus(t, to.ID()).NextRetry), 50*time.Minute)

	require.NoError(t, b.comm.Start(context.Background()))
	_, err := b.comm.FindOrMakeChannel(b.peer(t, a))
	require.NoError(t, err)

	b.expect(t, "one")
	b.expect(t, "two")

	st := a.peerStatus(t, to.ID())
	assert.Equal(t, 0, st.HeldQueueLen)
	assert.Equal(t, 1, st.Accepted)
	assert.True(t, st.NextRetry.IsZero())
	assert.Equal(t, 0, a.comm.Stats().PeersToRetry)
	assert.Equal(t, 0.0, testutil.ToFloat64(a.comm.metrics.retries))
}

// A held message that expires before the scheduled retry moves the retry
// earlier
func TestComm_ExpirationPreemptsScheduledRetry(t *testing.T) {
	cfg := testConfig()
	cfg.MinPeerRetryInterval = 100 * time.Millisecond
	cfg.MaxPeerRetryInterval = time.Hour
	cfg.RetryBeforeExpiration = time.Second
	a := startTestNode(t, cfg)
	b := newTestNode(t, testConfig())
	to := a.peer(t, b)

	a.send(t, to, "patient")
	require.Eventually(t, func() bool {
		return a.peerStatus(t, to.ID()).HeldQueueLen == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Greater(t, time.Until(a.peerStatus(t, to.ID()).NextRetry), 50*time.Minute)

	msg := peermsg.NewMemoryMessage(testProto, []byte("urgent"))
	exp := time.Now().Add(5 * time.Second)
	msg.Expiration = exp
	require.NoError(t, a.comm.SendTo(msg, to))

	require.Eventually(t, func() bool {
		return a.peerStatus(t, to.ID()).HeldQueueLen == 2
	}, 5*time.Second, 10*time.Millisecond)
	st := a.peerStatus(t, to.ID())
	assert.False(t, st.NextRetry.After(exp.Add(-cfg.RetryBeforeExpiration)), "next retry %v", st.NextRetry)
	assert.True(t, st.NextRetry.After(time.Now()))
	assert.True(t, exp.Equal(st.FirstExpiration))
	assert.Equal(t, 1, a.comm.Stats().PeersToRetry)
}

// Stopping deletes messages still queued on channels, releasing their
// file bodies
func TestComm_StopDeletesQueuedMessages(t *testing.T) {
	gate := &gatedSockets{gate: make(chan struct{})}
	a := startTestNode(t, testConfig(), WithSocketFactory(gate))
	b := newTestNode(t, testConfig())
	to := a.peer(t, b)

	body, err := peermsg.NewFileBody(t.TempDir())
	require.NoError(t, err)
	w, err := body.NewWriter()
	require.NoError(t, err)
	_, err = w.Write([]byte("spooled payload"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.NoError(t, a.comm.SendTo(peerlink.NewMessage(testProto, body), to))
	chans := a.comm.Channels()
	require.Len(t, chans, 1)
	require.Equal(t, 1, chans[0].SendQueueLen)

	require.NoError(t, a.comm.Stop(context.Background()))

	_, err = os.Stat(body.Path())
	assert.True(t, os.IsNotExist(err), "spool file left behind")
	assert.Equal(t, 0, a.peerStatus(t, to.ID()).HeldQueueLen)
}

// A message whose retries are exhausted is dropped
func TestComm_RetryExhausted(t *testing.T) {
	a := startTestNode(t, testConfig())
	to, err := a.ids.Lookup(freeAddr(t))
	require.NoError(t, err)

	msg := peermsg.NewMemoryMessage(testProto, []byte("doomed"))
	msg.RetryMax = 1
	require.NoError(t, a.comm.SendTo(msg, to))

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(a.comm.metrics.messagesDropped) == 1
	}, 10*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool {
		return a.peerStatus(t, to.ID()).HeldQueueLen == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestComm_OversizedMessageAborts(t *testing.T) {
	a := startTestNode(t, testConfig())
	cfg := testConfig()
	cfg.MaxMessageSize = 1500
	b := startTestNode(t, cfg)

	a.send(t, a.peer(t, b), strings.Repeat("x", 2000))

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(b.comm.metrics.protocolErrors) == 1
	}, 5*time.Second, 10*time.Millisecond)
	b.expectNothing(t, 200*time.Millisecond)
}

func TestComm_MessageAtSizeLimit(t *testing.T) {
	a := startTestNode(t, testConfig())
	cfg := testConfig()
	cfg.MaxMessageSize = 1500
	b := startTestNode(t, cfg)

	payload := strings.Repeat("y", 1500)
	a.send(t, a.peer(t, b), payload)
	b.expect(t, payload)
}

// Both sides originating at once end up with one primary and at most one
// secondary each, and everything is delivered
func TestComm_SimultaneousConnect(t *testing.T) {
	a := startTestNode(t, testConfig())
	b := startTestNode(t, testConfig())
	toB, toA := a.peer(t, b), b.peer(t, a)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			b.send(t, toA, "b")
		}
	}()
	for i := 0; i < 10; i++ {
		a.send(t, toB, "a")
	}
	<-done

	for i := 0; i < 10; i++ {
		b.expect(t, "a")
		a.expect(t, "b")
	}
	for _, n := range []*testNode{a, b} {
		st := n.comm.Stats()
		assert.Equal(t, 1, st.Primary)
		assert.LessOrEqual(t, st.Secondary, 1)
		assert.LessOrEqual(t, st.MaxSecondary, 1)
	}
}

// An idle channel half-closes and both ends are gone within the drain time
func TestComm_IdleClose(t *testing.T) {
	cfg := testConfig()
	cfg.ChannelIdleTime = 300 * time.Millisecond
	cfg.DrainInputTime = time.Second
	a := startTestNode(t, cfg)
	b := startTestNode(t, cfg)

	a.send(t, a.peer(t, b), "ping")
	b.expect(t, "ping")
	require.Len(t, a.comm.Channels(), 1)

	assert.Eventually(t, func() bool {
		return len(a.comm.Channels()) == 0 && len(b.comm.Channels()) == 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 0, a.comm.Stats().Primary)
	assert.Equal(t, 0, b.comm.Stats().Primary)

	// a new send originates a new channel
	a.send(t, a.peer(t, b), "again")
	b.expect(t, "again")
	assert.Equal(t, 2.0, testutil.ToFloat64(a.comm.metrics.channelsOriginated))
}

// A writer stuck on a peer that never reads is aborted and its message
// kept for retry
func TestComm_HungSendAborted(t *testing.T) {
	cfg := testConfig()
	cfg.ChannelIdleTime = 200 * time.Millisecond
	cfg.MinPeerRetryInterval = time.Minute
	cfg.MaxPeerRetryInterval = time.Hour
	a := startTestNode(t, cfg)
	sink := newSinkListener(t)
	to, err := a.ids.Lookup(sink.addr())
	require.NoError(t, err)

	big := bytes.Repeat([]byte{0xab}, 64<<20)
	require.NoError(t, a.comm.SendTo(peermsg.NewMemoryMessage(testProto, big), to))

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(a.comm.metrics.hungChannels) == 1
	}, 15*time.Second, 50*time.Millisecond)
	assert.Eventually(t, func() bool {
		return a.peerStatus(t, to.ID()).HeldQueueLen == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, sink.accepted())
}

// Two sends before the connection resolves share one originated channel
func TestComm_SingleOrigination(t *testing.T) {
	gate := &gatedSockets{gate: make(chan struct{})}
	a := startTestNode(t, testConfig(), WithSocketFactory(gate))
	b := startTestNode(t, testConfig())
	to := a.peer(t, b)

	a.send(t, to, "first")
	a.send(t, to, "second")

	chans := a.comm.Channels()
	require.Len(t, chans, 1)
	assert.Equal(t, peerlink.StateConnecting, chans[0].State)
	assert.Equal(t, 2, chans[0].SendQueueLen)
	assert.Equal(t, 1, a.peerStatus(t, to.ID()).Originated)

	close(gate.gate)
	b.expect(t, "first")
	b.expect(t, "second")
	assert.Equal(t, 1.0, testutil.ToFloat64(a.comm.metrics.channelsOriginated))
}

func TestComm_FindOrMakeChannel(t *testing.T) {
	a := startTestNode(t, testConfig())
	b := startTestNode(t, testConfig())
	to := a.peer(t, b)

	st, err := a.comm.FindOrMakeChannel(to)
	require.NoError(t, err)
	assert.True(t, st.Originated)
	assert.Equal(t, to.ID(), st.Peer)

	again, err := a.comm.FindOrMakeChannel(to)
	require.NoError(t, err)
	assert.Equal(t, st.ID, again.ID)
}

func TestComm_ChannelLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxChannels = 1
	cfg.MinPeerRetryInterval = time.Minute
	cfg.MaxPeerRetryInterval = time.Hour
	a := startTestNode(t, cfg)
	b := startTestNode(t, testConfig())
	c := startTestNode(t, testConfig())

	_, err := a.comm.FindOrMakeChannel(a.peer(t, b))
	require.NoError(t, err)
	_, err = a.comm.FindOrMakeChannel(a.peer(t, c))
	assert.ErrorIs(t, err, ErrChannelLimit)

	// a send past the limit is held
	a.send(t, a.peer(t, c), "later")
	assert.Equal(t, 1, a.peerStatus(t, c.ids.LocalIdentity().ID()).HeldQueueLen)
	assert.Equal(t, 1, a.comm.Stats().MaxPrimary)
}

func TestComm_UnregisteredProtocolDiscarded(t *testing.T) {
	a := startTestNode(t, testConfig())
	b := startTestNode(t, testConfig())
	to := a.peer(t, b)

	require.NoError(t, a.comm.SendTo(peermsg.NewMemoryMessage(testProto+1, []byte("nobody")), to))
	a.send(t, to, "somebody")
	b.expect(t, "somebody")
	b.expectNothing(t, 100*time.Millisecond)
}

func TestComm_HandlerPanicRecovered(t *testing.T) {
	a := startTestNode(t, testConfig())
	b := startTestNode(t, testConfig())
	require.NoError(t, b.comm.RegisterMessageHandler(9, peerlink.MessageHandlerFunc(func(*peerlink.Message) {
		panic("boom")
	})))

	to := a.peer(t, b)
	require.NoError(t, a.comm.SendTo(peermsg.NewMemoryMessage(9, []byte("bang")), to))
	a.send(t, to, "still alive")
	b.expect(t, "still alive")
}

func TestComm_ReceiveRateLimit(t *testing.T) {
	a := startTestNode(t, testConfig())
	cfg := testConfig()
	cfg.ReceiveRateLimit = 0.001
	cfg.ReceiveRateBurst = 2
	b := startTestNode(t, cfg)
	to := a.peer(t, b)

	for i := 0; i < 5; i++ {
		a.send(t, to, "r")
	}
	b.expect(t, "r")
	b.expect(t, "r")
	assert.Eventually(t, func() bool {
		return b.peerStatus(t, a.ids.LocalIdentity().ID()).ReceiveRateLimited == 3
	}, 5*time.Second, 20*time.Millisecond)
	b.expectNothing(t, 100*time.Millisecond)
	assert.True(t, b.comm.Stats().AnyRateLimited)
}

func TestComm_SendRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.SendRateLimit = 0.001
	cfg.SendRateBurst = 1
	a := startTestNode(t, cfg)
	b := startTestNode(t, testConfig())
	to := a.peer(t, b)

	a.send(t, to, "allowed")
	a.send(t, to, "limited")
	b.expect(t, "allowed")
	b.expectNothing(t, 200*time.Millisecond)
	assert.Equal(t, 1, a.peerStatus(t, to.ID()).SendRateLimited)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.comm.metrics.rateLimited.WithLabelValues("send")))
}

func TestComm_FileBackedReceive(t *testing.T) {
	store, err := peermsg.NewStore(peermsg.Config{DataDir: t.TempDir(), MinFileMessageSize: 100})
	require.NoError(t, err)
	a := startTestNode(t, testConfig())
	b := startTestNode(t, testConfig(), WithMessageFactory(store))

	payload := strings.Repeat("f", 4096)
	a.send(t, a.peer(t, b), payload)
	msg := b.expect(t, payload)
	_, isFile := msg.Body().(*peermsg.FileBody)
	assert.True(t, isFile)
	require.NoError(t, msg.Delete())
}

func TestComm_TLSExchange(t *testing.T) {
	cert, pool := selfSignedCert(t)
	a := startTestNode(t, testConfig(), WithSocketFactory(tlsSockets(cert, pool)))
	b := startTestNode(t, testConfig(), WithSocketFactory(tlsSockets(cert, pool)))

	a.send(t, a.peer(t, b), "secret")
	b.expect(t, "secret")
	b.send(t, b.peer(t, a), "reply")
	a.expect(t, "reply")
}

// Messages to a peer whose certificate isn't trusted are not retried
func TestComm_TLSVerificationFailureNotRetried(t *testing.T) {
	certA, poolA := selfSignedCert(t)
	certB, poolB := selfSignedCert(t)
	a := startTestNode(t, testConfig(), WithSocketFactory(tlsSockets(certA, poolA)))
	b := startTestNode(t, testConfig(), WithSocketFactory(tlsSockets(certB, poolB)))
	to := a.peer(t, b)

	a.send(t, to, "untrusted")

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(a.comm.metrics.messagesDropped) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 0, a.peerStatus(t, to.ID()).HeldQueueLen)
	b.expectNothing(t, 100*time.Millisecond)
}

// rawConn connects to n without a transport, for writing frames by hand
func rawConn(t *testing.T, n *testNode) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", n.addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestComm_DataBeforePeerIDAborts(t *testing.T) {
	b := startTestNode(t, testConfig())
	conn := rawConn(t, b)

	_, err := WriteData(conn, testProto, 3, strings.NewReader("abc"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(b.comm.metrics.protocolErrors) == 1
	}, 5*time.Second, 10*time.Millisecond)
	b.expectNothing(t, 100*time.Millisecond)
}

func TestComm_LocalPeerIDRejected(t *testing.T) {
	b := startTestNode(t, testConfig())
	conn := rawConn(t, b)

	require.NoError(t, WritePeerID(conn, b.ids.LocalIdentity().ID()))
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(b.comm.metrics.protocolErrors) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestComm_UnknownOpcode(t *testing.T) {
	tests := []struct {
		name      string
		ignore    bool
		wantAbort bool
	}{
		{"aborts by default", false, true},
		{"ignored when configured", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.IgnoreUnknownOp = tt.ignore
			b := startTestNode(t, cfg)
			conn := rawConn(t, b)

			require.NoError(t, WritePeerID(conn, "TCP:[127.0.0.1]:1"))
			require.NoError(t, WriteHeader(conn, FrameHeader{Op: Opcode(9), Length: 2}))
			_, err := conn.Write([]byte("zz"))
			require.NoError(t, err)
			_, err = WriteData(conn, testProto, 5, strings.NewReader("after"))
			require.NoError(t, err)

			if tt.wantAbort {
				assert.Eventually(t, func() bool {
					return testutil.ToFloat64(b.comm.metrics.protocolErrors) == 1
				}, 5*time.Second, 10*time.Millisecond)
				b.expectNothing(t, 100*time.Millisecond)
				return
			}
			msg := b.expect(t, "after")
			assert.Equal(t, "TCP:[127.0.0.1]:1", msg.Sender().ID())
		})
	}
}

func TestComm_CloseFrameIgnored(t *testing.T) {
	b := startTestNode(t, testConfig())
	conn := rawConn(t, b)

	require.NoError(t, WritePeerID(conn, "TCP:[127.0.0.1]:2"))
	require.NoError(t, WriteHeader(conn, FrameHeader{Op: OpClose}))
	_, err := WriteData(conn, testProto, 4, strings.NewReader("next"))
	require.NoError(t, err)
	b.expect(t, "next")
	assert.Equal(t, 0.0, testutil.ToFloat64(b.comm.metrics.protocolErrors))
}

func TestComm_StatusTables(t *testing.T) {
	a := startTestNode(t, testConfig())
	b := startTestNode(t, testConfig())
	to := a.peer(t, b)

	a.send(t, to, "status")
	b.expect(t, "status")

	chans := a.comm.Channels()
	require.Len(t, chans, 1)
	assert.Equal(t, to.ID(), chans[0].Peer)
	assert.True(t, chans[0].Originated)
	assert.Equal(t, b.addr, chans[0].RemoteAddr)
	assert.Eventually(t, func() bool {
		return a.comm.Channels()[0].MsgsSent == 1
	}, 5*time.Second, 10*time.Millisecond)

	peers := a.comm.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, peerlink.StateOpen, peers[0].Primary)
	assert.Equal(t, 1, peers[0].Originated)

	st := a.comm.Stats()
	assert.True(t, st.Running)
	assert.Equal(t, 1, st.Peers)
	assert.Equal(t, 0, st.PeersToRetry)
	assert.True(t, st.NextRetry.IsZero())
}
