package inbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/streamcomm/pkg/peerlink"
	"github.com/rmacdonaldsmith/streamcomm/pkg/peermsg"
)

type testSender string

func (s testSender) ID() string      { return string(s) }
func (s testSender) Address() string { return "" }

// countingBody records how many payload bytes its readers return
type countingBody struct {
	*peermsg.FileBody
	read int64
}

func (b *countingBody) NewReader() (io.ReadCloser, error) {
	r, err := b.FileBody.NewReader()
	if err != nil {
		return nil, err
	}
	return &countingReader{ReadCloser: r, body: b}, nil
}

type countingReader struct {
	io.ReadCloser
	body *countingBody
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	r.body.read += int64(n)
	return n, err
}

func TestInbox_HandleFileMessage(t *testing.T) {
	fb, err := peermsg.NewFileBody(t.TempDir())
	require.NoError(t, err)
	w, err := fb.NewWriter()
	require.NoError(t, err)
	payload := strings.Repeat("0123456789", 10000)
	_, err = io.WriteString(w, payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	body := &countingBody{FileBody: fb}
	msg := peerlink.NewMessage(3, body)

	in := New(10, 16)
	in.HandleMessage(msg)

	recs, err := in.List(context.Background(), 0, 0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(len(payload)), recs[0].Size)
	assert.Equal(t, []byte(payload[:16]), recs[0].Preview)
	assert.LessOrEqual(t, body.read, int64(16), "only the preview is read")

	_, err = os.Stat(fb.Path())
	assert.True(t, os.IsNotExist(err), "spool file removed")
}

func TestInbox_HandleMessage(t *testing.T) {
	in := New(10, 4)
	msg := peermsg.NewMemoryMessage(7, []byte("hello world"))
	msg.SetSender(testSender("TCP:[10.0.0.1]:9729"))

	in.HandleMessage(msg)

	recs, err := in.List(context.Background(), 0, 0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, uint32(7), recs[0].Protocol)
	assert.Equal(t, "TCP:[10.0.0.1]:9729", recs[0].Sender)
	assert.Equal(t, int64(11), recs[0].Size)
	assert.Equal(t, []byte("hell"), recs[0].Preview)
	assert.NotEmpty(t, recs[0].ID)
	assert.Equal(t, int64(0), recs[0].Seq)

	// the message is consumed
	_, err = msg.ReadAll()
	assert.Error(t, err)
}

func TestInbox_Overwrite(t *testing.T) {
	in := New(3, 0)
	for i := 0; i < 5; i++ {
		in.Append(Record{Protocol: 1, Preview: []byte(fmt.Sprint(i))})
	}
	assert.Equal(t, 3, in.Len())
	assert.Equal(t, int64(5), in.Total())
	assert.Equal(t, int64(5), in.NextSeq())

	recs, err := in.List(context.Background(), 0, 0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, int64(2), recs[0].Seq)
	assert.Equal(t, int64(4), recs[2].Seq)
}

func TestInbox_ListFilters(t *testing.T) {
	in := New(0, 0)
	for i := 0; i < 6; i++ {
		in.Append(Record{Protocol: uint32(i%2 + 1)})
	}
	ctx := context.Background()

	tests := []struct {
		name     string
		since    int64
		protocol uint32
		max      int
		wantSeqs []int64
	}{
		{"all", 0, 0, 100, []int64{0, 1, 2, 3, 4, 5}},
		{"since", 4, 0, 100, []int64{4, 5}},
		{"protocol", 0, 2, 100, []int64{1, 3, 5}},
		{"max count", 0, 0, 2, []int64{0, 1}},
		{"zero max", 0, 0, 0, []int64{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := in.List(ctx, tt.since, tt.protocol, tt.max)
			require.NoError(t, err)
			seqs := make([]int64, 0, len(recs))
			for _, r := range recs {
				seqs = append(seqs, r.Seq)
			}
			assert.Equal(t, tt.wantSeqs, seqs)
		})
	}
}

func TestInbox_ListErrors(t *testing.T) {
	in := New(0, 0)
	_, err := in.List(context.Background(), -1, 0, 1)
	assert.ErrorIs(t, err, ErrNegativeSeq)
	_, err = in.List(context.Background(), 0, 0, -1)
	assert.ErrorIs(t, err, ErrNegativeMaxCount)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = in.List(ctx, 0, 0, 1)
	assert.ErrorIs(t, err, context.Canceled)

	require.NoError(t, in.Close())
	require.NoError(t, in.Close())
	_, err = in.List(context.Background(), 0, 0, 1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestInbox_DefaultPreview(t *testing.T) {
	in := New(0, 0)
	in.HandleMessage(peermsg.NewMemoryMessage(1, []byte(strings.Repeat("p", 1000))))
	recs, err := in.List(context.Background(), 0, 0, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Len(t, recs[0].Preview, DefaultPreviewSize)
}
