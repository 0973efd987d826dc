package peerlink

import (
	"sync"
	"time"

	"github.com/emirpasic/gods/sets/treeset"

	"github.com/rmacdonaldsmith/streamcomm/pkg/peerlink"
)

// never is the next-retry time of a peer with nothing to retry
var never = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)

// retryPolicy bounds the time of the next connection retry to a peer
type retryPolicy struct {
	beforeExpiration time.Duration
	minInterval      time.Duration
	maxInterval      time.Duration
}

// nextRetry returns when to next try to reach a peer holding msg, given the
// time of the last attempt to reach it. The message's own preferences
// (expiration less the guard, its retry interval) pull the time earlier;
// the result never falls outside [lastRetry+min, lastRetry+max] except
// that the lower bound wins when the two conflict.
func (p retryPolicy) nextRetry(msg *peerlink.Message, lastRetry time.Time) time.Time {
	target := never
	if !msg.Expiration.IsZero() {
		target = msg.Expiration.Add(-p.beforeExpiration)
	}
	if msg.RetryInterval > 0 {
		if t := msg.LastRetry().Add(msg.RetryInterval); t.Before(target) {
			target = t
		}
	}
	retry := target
	if upper := lastRetry.Add(p.maxInterval); upper.Before(retry) {
		retry = upper
	}
	if lower := lastRetry.Add(p.minInterval); lower.After(retry) {
		retry = lower
	}
	return retry
}

// retryEntry is an immutable key in the retry set
type retryEntry struct {
	at   time.Time
	seq  uint64
	peer *peerData
}

func compareRetryEntries(a, b interface{}) int {
	ea, eb := a.(*retryEntry), b.(*retryEntry)
	switch {
	case ea.at.Before(eb.at):
		return -1
	case ea.at.After(eb.at):
		return 1
	case ea.seq < eb.seq:
		return -1
	case ea.seq > eb.seq:
		return 1
	default:
		return 0
	}
}

// retrySet orders the peers awaiting a reconnection attempt by due time
type retrySet struct {
	mu   sync.Mutex
	set  *treeset.Set
	wake chan struct{}
}

func newRetrySet() *retrySet {
	return &retrySet{
		set:  treeset.NewWith(compareRetryEntries),
		wake: make(chan struct{}, 1),
	}
}

// add inserts e, waking the retry loop if e became the first entry
func (r *retrySet) add(e *retryEntry) {
	r.mu.Lock()
	r.set.Add(e)
	first := r.firstLocked() == e
	r.mu.Unlock()
	if first {
		r.recalc()
	}
}

func (r *retrySet) remove(e *retryEntry) {
	if e == nil {
		return
	}
	r.mu.Lock()
	r.set.Remove(e)
	r.mu.Unlock()
}

func (r *retrySet) first() *retryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.firstLocked()
}

func (r *retrySet) firstLocked() *retryEntry {
	it := r.set.Iterator()
	if !it.First() {
		return nil
	}
	return it.Value().(*retryEntry)
}

func (r *retrySet) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.set.Size()
}

// recalc tells the retry loop that the first entry changed
func (r *retrySet) recalc() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// retryLoop sleeps until the first peer is due, then tries to reach it.
// After a successful origination it waits at least RetryDelay before the
// next one.
func (m *Comm) retryLoop(done <-chan struct{}) {
	var soonest time.Time
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		next := never
		if e := m.retries.first(); e != nil {
			next = e.at
		}
		if soonest.After(next) {
			next = soonest
		}
		m.setNextRetry(next)

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)

		select {
		case <-done:
			return
		case <-m.retries.wake:
			continue
		case <-timer.C:
		}
		if time.Now().Before(soonest) {
			continue
		}
		e := m.retries.first()
		if e != nil && e.peer.retryIfNeeded() {
			soonest = time.Now().Add(m.config.RetryDelay)
		} else {
			soonest = time.Time{}
		}
	}
}
