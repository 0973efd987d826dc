// Package inbox keeps the most recent messages received by a node so they
// can be listed through the admin API.
package inbox

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/emirpasic/gods/queues/circularbuffer"
	"github.com/google/uuid"

	"github.com/rmacdonaldsmith/streamcomm/pkg/node"
	"github.com/rmacdonaldsmith/streamcomm/pkg/peerlink"
)

const (
	// DefaultCapacity is the number of records kept
	DefaultCapacity = 1000

	// DefaultPreviewSize is the number of payload bytes kept per record
	DefaultPreviewSize = 256
)

var (
	// ErrNegativeSeq is returned when a negative sequence number is provided
	ErrNegativeSeq = errors.New("sequence cannot be negative")
	// ErrNegativeMaxCount is returned when a negative max count is provided
	ErrNegativeMaxCount = errors.New("max count cannot be negative")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("inbox closed")
)

// Record describes one received message
type Record = node.ReceivedMessage

// Inbox is a bounded ring of received message records. When full the
// oldest record is overwritten. It is safe for concurrent use.
type Inbox struct {
	mu          sync.RWMutex
	ring        *circularbuffer.Queue
	nextSeq     int64
	previewSize int
	total       int64
	closed      bool
}

// New creates an inbox holding up to capacity records, each with up to
// previewSize payload bytes. Zero values select the defaults.
func New(capacity, previewSize int) *Inbox {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if previewSize <= 0 {
		previewSize = DefaultPreviewSize
	}
	return &Inbox{
		ring:        circularbuffer.New(capacity),
		previewSize: previewSize,
	}
}

// HandleMessage records msg and then deletes it
func (in *Inbox) HandleMessage(msg *peerlink.Message) {
	defer msg.Delete()
	rec := Record{
		ID:       uuid.NewString(),
		Protocol: msg.Protocol,
		Size:     msg.Size(),
		Received: time.Now(),
	}
	if s := msg.Sender(); s != nil {
		rec.Sender = s.ID()
	}
	if data, err := in.preview(msg); err == nil {
		rec.Preview = data
	}
	in.Append(rec)
}

// preview reads at most previewSize bytes of the payload, so file backed
// bodies are never loaded whole
func (in *Inbox) preview(msg *peerlink.Message) ([]byte, error) {
	body := msg.Body()
	if body == nil {
		return nil, nil
	}
	r, err := body.NewReader()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(io.LimitReader(r, int64(in.previewSize)))
}

// Append stores rec, assigning its sequence number
func (in *Inbox) Append(rec Record) Record {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return rec
	}
	rec.Seq = in.nextSeq
	in.nextSeq++
	in.total++
	in.ring.Enqueue(rec)
	return rec
}

// List returns up to maxCount records with sequence at or above since,
// oldest first. A zero protocol matches every protocol.
func (in *Inbox) List(ctx context.Context, since int64, protocol uint32, maxCount int) ([]Record, error) {
	if since < 0 {
		return nil, ErrNegativeSeq
	}
	if maxCount < 0 {
		return nil, ErrNegativeMaxCount
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	in.mu.RLock()
	defer in.mu.RUnlock()
	if in.closed {
		return nil, ErrClosed
	}

	results := make([]Record, 0)
	if maxCount == 0 {
		return results, nil
	}
	for _, v := range in.ring.Values() {
		rec := v.(Record)
		if rec.Seq < since || (protocol != 0 && rec.Protocol != protocol) {
			continue
		}
		results = append(results, rec)
		if len(results) >= maxCount {
			break
		}
	}
	return results, nil
}

// Len returns the number of records held
func (in *Inbox) Len() int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.ring.Size()
}

// Total returns the number of records ever appended
func (in *Inbox) Total() int64 {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.total
}

// NextSeq returns the sequence the next record will get
func (in *Inbox) NextSeq() int64 {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.nextSeq
}

// Close discards all records
func (in *Inbox) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return nil
	}
	in.ring.Clear()
	in.closed = true
	return nil
}

// Verify that Inbox is a message handler at compile time
var _ peerlink.MessageHandler = (*Inbox)(nil)
