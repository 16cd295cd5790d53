package discovery

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// MessageType identifies the name service message type
type MessageType uint8

const (
	// MessageTypeAdvertise pushes one advertised name to a peer
	MessageTypeAdvertise MessageType = 1
	// MessageTypeDiscoverRequest asks a peer for names matching a prefix
	MessageTypeDiscoverRequest MessageType = 2
	// MessageTypeDiscoverReply answers a discover request
	MessageTypeDiscoverReply MessageType = 3
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeAdvertise:
		return "ADVERTISE"
	case MessageTypeDiscoverRequest:
		return "DISCOVER_REQUEST"
	case MessageTypeDiscoverReply:
		return "DISCOVER_REPLY"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// MaxMessageSize is the largest encoded message body accepted on the wire
const MaxMessageSize = 4048

var (
	// ErrMessageTooLarge is returned when a frame exceeds MaxMessageSize
	ErrMessageTooLarge = errors.New("discovery: message too large")
	// ErrMalformedMessage is returned for bodies that do not decode
	ErrMalformedMessage = errors.New("discovery: malformed message")
)

// Message is the name service request/reply.
//
// Field use by type:
//
//	ADVERTISE         GUID, ServiceID, Names (one well-known name)
//	DISCOVER_REQUEST  Names (the name prefix)
//	DISCOVER_REPLY    GUID, ServiceID, Names (matches joined by ';')
type Message struct {
	Type      MessageType
	GUID      string
	ServiceID string
	Names     string
}

// NewAdvertise builds an advertisement for one name
func NewAdvertise(guid, serviceID, name string) *Message {
	return &Message{Type: MessageTypeAdvertise, GUID: guid, ServiceID: serviceID, Names: name}
}

// NewDiscoverRequest builds a discovery request for a name prefix
func NewDiscoverRequest(prefix string) *Message {
	return &Message{Type: MessageTypeDiscoverRequest, Names: prefix}
}

// NewDiscoverReply builds a reply carrying matched names
func NewDiscoverReply(guid, serviceID, matched string) *Message {
	return &Message{Type: MessageTypeDiscoverReply, GUID: guid, ServiceID: serviceID, Names: matched}
}

const (
	fieldType      protowire.Number = 1
	fieldGUID      protowire.Number = 2
	fieldServiceID protowire.Number = 3
	fieldNames     protowire.Number = 4
)

// Marshal encodes the message body in protobuf wire format
func (m *Message) Marshal() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type))
	for _, f := range []struct {
		num protowire.Number
		val string
	}{
		{fieldGUID, m.GUID},
		{fieldServiceID, m.ServiceID},
		{fieldNames, m.Names},
	} {
		if f.val == "" {
			continue
		}
		b = protowire.AppendTag(b, f.num, protowire.BytesType)
		b = protowire.AppendString(b, f.val)
	}
	if len(b) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(b))
	}
	return b, nil
}

// Unmarshal decodes a message body, rejecting unknown types and invalid text
func Unmarshal(b []byte) (*Message, error) {
	if len(b) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(b))
	}

	m := &Message{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
			}
			m.Type = MessageType(v)
			b = b[n:]
		case (num == fieldGUID || num == fieldServiceID || num == fieldNames) && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
			}
			if !utf8.ValidString(v) {
				return nil, fmt.Errorf("%w: field %d is not valid UTF-8", ErrMalformedMessage, num)
			}
			switch num {
			case fieldGUID:
				m.GUID = v
			case fieldServiceID:
				m.ServiceID = v
			case fieldNames:
				m.Names = v
			}
			b = b[n:]
		default:
			// Skip fields added by newer peers
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	switch m.Type {
	case MessageTypeAdvertise, MessageTypeDiscoverRequest, MessageTypeDiscoverReply:
	default:
		return nil, fmt.Errorf("%w: unknown type %s", ErrMalformedMessage, m.Type)
	}
	return m, nil
}

// WriteMessage writes one length-prefixed message
func WriteMessage(w io.Writer, m *Message) error {
	body, err := m.Marshal()
	if err != nil {
		return err
	}
	frame := binary.AppendUvarint(make([]byte, 0, len(body)+binary.MaxVarintLen32), uint64(len(body)))
	frame = append(frame, body...)
	_, err = w.Write(frame)
	return err
}

// byteReader reads the length prefix without buffering past it
type byteReader struct {
	r   io.Reader
	buf [1]byte
}

func (b *byteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(b.r, b.buf[:]); err != nil {
		return 0, err
	}
	return b.buf[0], nil
}

// ReadMessage reads one length-prefixed message. Oversize frames are rejected
// before the body is read.
func ReadMessage(r io.Reader) (*Message, error) {
	size, err := binary.ReadUvarint(&byteReader{r: r})
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: length prefix: %v", ErrMalformedMessage, err)
	}
	if size > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("%w: short body: %v", ErrMalformedMessage, err)
	}
	return Unmarshal(body)
}
