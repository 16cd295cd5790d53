package lanradio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// A session opens with the magic, a uvarint body length, then a protowire
// body: field 1 the 16 service uuid bytes, field 2 the dialer's radio address.
const (
	headerMagic   = "BTL1"
	maxHeaderSize = 512

	fieldService protowire.Number = 1
	fieldAddr    protowire.Number = 2
)

var errBadHeader = errors.New("lanradio: bad session header")

func encodeHeader(service uuid.UUID, self string) ([]byte, error) {
	var body []byte
	body = protowire.AppendTag(body, fieldService, protowire.BytesType)
	body = protowire.AppendBytes(body, service[:])
	body = protowire.AppendTag(body, fieldAddr, protowire.BytesType)
	body = protowire.AppendString(body, self)
	if len(body) > maxHeaderSize {
		return nil, fmt.Errorf("radio address too long: %d bytes", len(self))
	}

	buf := make([]byte, 0, len(headerMagic)+binary.MaxVarintLen64+len(body))
	buf = append(buf, headerMagic...)
	buf = protowire.AppendVarint(buf, uint64(len(body)))
	return append(buf, body...), nil
}

func decodeHeader(r io.Reader) (uuid.UUID, string, error) {
	magic := make([]byte, len(headerMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return uuid.Nil, "", err
	}
	if string(magic) != headerMagic {
		return uuid.Nil, "", fmt.Errorf("%w: magic %q", errBadHeader, magic)
	}

	size, err := binary.ReadUvarint(&byteReader{r: r})
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("%w: length: %v", errBadHeader, err)
	}
	if size > maxHeaderSize {
		return uuid.Nil, "", fmt.Errorf("%w: %d bytes", errBadHeader, size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return uuid.Nil, "", err
	}

	var (
		service uuid.UUID
		addr    string
		seen    bool
	)
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return uuid.Nil, "", fmt.Errorf("%w: %v", errBadHeader, protowire.ParseError(n))
		}
		body = body[n:]

		switch {
		case num == fieldService && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return uuid.Nil, "", fmt.Errorf("%w: %v", errBadHeader, protowire.ParseError(n))
			}
			if service, err = uuid.FromBytes(v); err != nil {
				return uuid.Nil, "", fmt.Errorf("%w: %v", errBadHeader, err)
			}
			seen = true
			body = body[n:]
		case num == fieldAddr && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(body)
			if n < 0 {
				return uuid.Nil, "", fmt.Errorf("%w: %v", errBadHeader, protowire.ParseError(n))
			}
			addr = v
			body = body[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, body)
			if n < 0 {
				return uuid.Nil, "", fmt.Errorf("%w: %v", errBadHeader, protowire.ParseError(n))
			}
			body = body[n:]
		}
	}
	if !seen {
		return uuid.Nil, "", fmt.Errorf("%w: no service", errBadHeader)
	}
	return service, addr, nil
}

// byteReader reads the length prefix without consuming relay bytes behind it
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
