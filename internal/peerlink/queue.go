package peerlink

import (
	"sync"
	"time"

	"github.com/emirpasic/gods/queues/linkedlistqueue"

	"github.com/rmacdonaldsmith/streamcomm/pkg/peerlink"
)

// sendQueue is a FIFO of outgoing messages. The writer peeks at the head,
// sends it, and only then removes it, so an empty queue means nothing is
// in flight.
type sendQueue struct {
	mu     sync.Mutex
	q      *linkedlistqueue.Queue
	notify chan struct{}
}

func newSendQueue() *sendQueue {
	return &sendQueue{
		q:      linkedlistqueue.New(),
		notify: make(chan struct{}, 1),
	}
}

func (s *sendQueue) put(msg *peerlink.Message) {
	s.mu.Lock()
	s.q.Enqueue(msg)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// get removes and returns the head, or nil if the queue is empty
func (s *sendQueue) get() *peerlink.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.q.Dequeue()
	if !ok {
		return nil
	}
	return v.(*peerlink.Message)
}

func (s *sendQueue) peek() *peerlink.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.q.Peek()
	if !ok {
		return nil
	}
	return v.(*peerlink.Message)
}

// peekWait returns the head, waiting until deadline for one to arrive.
// It returns nil on timeout or when done is closed.
func (s *sendQueue) peekWait(done <-chan struct{}, deadline time.Time) *peerlink.Message {
	var timer *time.Timer
	for {
		if msg := s.peek(); msg != nil {
			if timer != nil {
				timer.Stop()
			}
			return msg
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			return nil
		}
		if timer == nil {
			timer = time.NewTimer(wait)
			defer timer.Stop()
		}
		select {
		case <-s.notify:
		case <-timer.C:
			return s.peek()
		case <-done:
			return nil
		}
	}
}

func (s *sendQueue) isEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.Empty()
}

func (s *sendQueue) size() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.Size()
}

// takeAll empties the queue, returning its messages in order
func (s *sendQueue) takeAll() []*peerlink.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := make([]*peerlink.Message, 0, s.q.Size())
	for {
		v, ok := s.q.Dequeue()
		if !ok {
			return msgs
		}
		msgs = append(msgs, v.(*peerlink.Message))
	}
}

// moveFrom appends every message of other, leaving other empty
func (s *sendQueue) moveFrom(other *sendQueue) int {
	msgs := other.takeAll()
	if len(msgs) == 0 {
		return 0
	}
	s.mu.Lock()
	for _, m := range msgs {
		s.q.Enqueue(m)
	}
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return len(msgs)
}
