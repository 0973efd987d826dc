package peerlink

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestFrameHeader_Layout(t *testing.T) {
	var buf [HeaderLen]byte
	FrameHeader{Op: OpData, Length: 0x0102030405060708, Protocol: 0xa1b2c3d4}.Encode(buf[:])

	want := []byte{
		0xff, 0x02,
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
		0xa1, 0xb2, 0xc3, 0xd4,
	}
	assert.Equal(t, want, buf[:])
}

func TestDecodeHeader_Errors(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
	}{
		{"bad check byte", []byte{0xfe, 2, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 0}},
		{"negative length", []byte{0xff, 2, 0x80, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}},
		{"short", []byte{0xff, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeHeader(tt.buf)
			assert.ErrorIs(t, err, ErrProtocol)
		})
	}
}

func TestFrameHeader_RoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		h := FrameHeader{
			Op:       Opcode(rapid.Byte().Draw(t, "op")),
			Length:   rapid.Int64Range(0, 1<<62).Draw(t, "length"),
			Protocol: rapid.Uint32().Draw(t, "protocol"),
		}
		var buf [HeaderLen]byte
		h.Encode(buf[:])
		got, err := DecodeHeader(buf[:])
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got != h {
			t.Fatalf("got %+v, want %+v", got, h)
		}
	})
}

func TestReadHeader_EndOfStream(t *testing.T) {
	_, err := ReadHeader(bytes.NewReader(nil))
	assert.True(t, errors.Is(err, io.EOF), "clean end should be io.EOF, got %v", err)

	_, err = ReadHeader(bytes.NewReader([]byte{0xff, 2, 0}))
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestPeerID_WriteRead(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePeerID(&buf, "TCP:[127.0.0.1]:9729"))

	h, err := ReadHeader(&buf)
	require.NoError(t, err)
	assert.Equal(t, OpPeerID, h.Op)
	assert.Equal(t, uint32(0), h.Protocol)

	id, err := ReadPeerIDPayload(&buf, h)
	require.NoError(t, err)
	assert.Equal(t, "TCP:[127.0.0.1]:9729", id)
}

func TestPeerID_Limits(t *testing.T) {
	assert.Error(t, WritePeerID(io.Discard, ""))
	assert.Error(t, WritePeerID(io.Discard, strings.Repeat("x", MaxPeerIDLen+1)))
	assert.NoError(t, WritePeerID(io.Discard, strings.Repeat("x", MaxPeerIDLen)))

	_, err := ReadPeerIDPayload(bytes.NewReader(nil), FrameHeader{Op: OpPeerID, Length: 0})
	assert.ErrorIs(t, err, ErrProtocol)
	_, err = ReadPeerIDPayload(bytes.NewReader(nil), FrameHeader{Op: OpPeerID, Length: MaxPeerIDLen + 1})
	assert.ErrorIs(t, err, ErrProtocol)
	_, err = ReadPeerIDPayload(bytes.NewReader([]byte("ab")), FrameHeader{Op: OpPeerID, Length: 5})
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestWriteData(t *testing.T) {
	var buf bytes.Buffer
	n, err := WriteData(&buf, 7, 5, strings.NewReader("hello world"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	h, err := ReadHeader(&buf)
	require.NoError(t, err)
	assert.Equal(t, FrameHeader{Op: OpData, Length: 5, Protocol: 7}, h)
	assert.Equal(t, "hello", buf.String())
}

func TestWriteData_ShortBody(t *testing.T) {
	_, err := WriteData(io.Discard, 1, 10, strings.NewReader("abc"))
	assert.Error(t, err)
}

func TestOpcode_String(t *testing.T) {
	assert.Equal(t, "PEERID", OpPeerID.String())
	assert.Equal(t, "DATA", OpData.String())
	assert.Equal(t, "CLOSE", OpClose.String())
	assert.Equal(t, "OP(9)", Opcode(9).String())
}
