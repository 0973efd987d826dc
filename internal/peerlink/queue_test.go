package peerlink

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/streamcomm/pkg/peermsg"
)

func TestSendQueue_FIFO(t *testing.T) {
	q := newSendQueue()
	assert.True(t, q.isEmpty())
	assert.Nil(t, q.peek())
	assert.Nil(t, q.get())

	m1 := peermsg.NewMemoryMessage(1, []byte("a"))
	m2 := peermsg.NewMemoryMessage(1, []byte("b"))
	q.put(m1)
	q.put(m2)

	assert.Equal(t, 2, q.size())
	assert.Same(t, m1, q.peek())
	assert.Same(t, m1, q.get())
	assert.Same(t, m2, q.get())
	assert.True(t, q.isEmpty())
}

func TestSendQueue_NilSize(t *testing.T) {
	var q *sendQueue
	assert.Equal(t, 0, q.size())
}

func TestSendQueue_MoveFrom(t *testing.T) {
	a, b := newSendQueue(), newSendQueue()
	m1 := peermsg.NewMemoryMessage(1, []byte("1"))
	m2 := peermsg.NewMemoryMessage(1, []byte("2"))
	m3 := peermsg.NewMemoryMessage(1, []byte("3"))
	a.put(m1)
	b.put(m2)
	b.put(m3)

	assert.Equal(t, 2, a.moveFrom(b))
	assert.True(t, b.isEmpty())
	assert.Equal(t, 0, a.moveFrom(b))

	msgs := a.takeAll()
	require.Len(t, msgs, 3)
	assert.Same(t, m1, msgs[0])
	assert.Same(t, m2, msgs[1])
	assert.Same(t, m3, msgs[2])
}

func TestSendQueue_PeekWaitTimeout(t *testing.T) {
	q := newSendQueue()
	start := time.Now()
	assert.Nil(t, q.peekWait(nil, start.Add(50*time.Millisecond)))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestSendQueue_PeekWaitWakesOnPut(t *testing.T) {
	q := newSendQueue()
	msg := peermsg.NewMemoryMessage(1, []byte("x"))
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.put(msg)
	}()
	got := q.peekWait(nil, time.Now().Add(5*time.Second))
	assert.Same(t, msg, got)
	// peekWait doesn't remove
	assert.Equal(t, 1, q.size())
}

func TestSendQueue_PeekWaitDone(t *testing.T) {
	q := newSendQueue()
	done := make(chan struct{})
	close(done)
	assert.Nil(t, q.peekWait(done, time.Now().Add(5*time.Second)))
}
