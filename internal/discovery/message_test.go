package discovery

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestMessageFraming(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
	}{
		{"advertise", NewAdvertise("guid-1", "e0c9f4a2-0000-4000-8000-000000000001", "org.alljoyn.chat")},
		{"discover request", NewDiscoverRequest("org.alljoyn")},
		{"discover request empty prefix", NewDiscoverRequest("")},
		{"discover reply", NewDiscoverReply("guid-2", "svc", "foo.bar;foo.baz")},
		{"discover reply no matches", NewDiscoverReply("guid-2", "svc", "")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, WriteMessage(&buf, tt.msg))

			got, err := ReadMessage(&buf)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, got)
			assert.Zero(t, buf.Len(), "reader should consume exactly one frame")
		})
	}
}

func TestReadMessageLeavesFollowingFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, NewDiscoverRequest("a")))
	require.NoError(t, WriteMessage(&buf, NewDiscoverRequest("b")))

	first, err := ReadMessage(&buf)
	require.NoError(t, err)
	second, err := ReadMessage(&buf)
	require.NoError(t, err)

	assert.Equal(t, "a", first.Names)
	assert.Equal(t, "b", second.Names)
}

func TestMarshalRejectsOversize(t *testing.T) {
	msg := NewDiscoverReply("guid", "svc", strings.Repeat("n", MaxMessageSize))
	_, err := msg.Marshal()
	assert.ErrorIs(t, err, ErrMessageTooLarge)

	var buf bytes.Buffer
	assert.ErrorIs(t, WriteMessage(&buf, msg), ErrMessageTooLarge)
	assert.Zero(t, buf.Len(), "nothing should be written for an oversize message")
}

func TestReadMessageRejectsOversizeFrame(t *testing.T) {
	frame := binary.AppendUvarint(nil, MaxMessageSize+1)
	frame = append(frame, make([]byte, MaxMessageSize+1)...)

	_, err := ReadMessage(bytes.NewReader(frame))
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestReadMessageMalformed(t *testing.T) {
	unknownType := protowire.AppendTag(nil, fieldType, protowire.VarintType)
	unknownType = protowire.AppendVarint(unknownType, 9)

	badUTF8 := protowire.AppendTag(nil, fieldType, protowire.VarintType)
	badUTF8 = protowire.AppendVarint(badUTF8, uint64(MessageTypeDiscoverRequest))
	badUTF8 = protowire.AppendTag(badUTF8, fieldNames, protowire.BytesType)
	badUTF8 = protowire.AppendBytes(badUTF8, []byte{0xff, 0xfe})

	truncatedField := protowire.AppendTag(nil, fieldNames, protowire.BytesType)
	truncatedField = append(truncatedField, 10, 'a')

	tests := []struct {
		name string
		body []byte
	}{
		{"empty body", nil},
		{"unknown type", unknownType},
		{"invalid utf8", badUTF8},
		{"truncated field", truncatedField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := binary.AppendUvarint(nil, uint64(len(tt.body)))
			frame = append(frame, tt.body...)

			_, err := ReadMessage(bytes.NewReader(frame))
			assert.ErrorIs(t, err, ErrMalformedMessage)
		})
	}
}

func TestReadMessageShortBody(t *testing.T) {
	frame := binary.AppendUvarint(nil, 20)
	frame = append(frame, 1, 2, 3)

	_, err := ReadMessage(bytes.NewReader(frame))
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestReadMessageEOF(t *testing.T) {
	_, err := ReadMessage(bytes.NewReader(nil))
	assert.True(t, errors.Is(err, io.EOF))
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	body, err := NewDiscoverRequest("org").Marshal()
	require.NoError(t, err)
	body = protowire.AppendTag(body, 15, protowire.BytesType)
	body = protowire.AppendString(body, "future")

	got, err := Unmarshal(body)
	require.NoError(t, err)
	assert.Equal(t, "org", got.Names)
}
