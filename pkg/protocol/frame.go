package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxFrameSize caps a single message. Larger prefixes desynchronize the
// stream and are treated as fatal by readers.
const MaxFrameSize = 4 << 20

// ErrFrameTooLarge is returned when a length prefix exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// ReadFrame reads one varint length-prefixed message body.
// It returns io.EOF only when the stream ends cleanly between frames.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

// AppendFrame appends payload to dst with its length prefix.
func AppendFrame(dst, payload []byte) []byte {
	dst = protowire.AppendVarint(dst, uint64(len(payload)))
	return append(dst, payload...)
}

// WriteFrame writes payload with its length prefix in a single Write.
func WriteFrame(w io.Writer, payload []byte) error {
	_, err := w.Write(AppendFrame(make([]byte, 0, len(payload)+binary.MaxVarintLen64), payload))
	return err
}

// WriteRequest frames and writes a Request.
func WriteRequest(w io.Writer, r *Request) error {
	return WriteFrame(w, MarshalRequest(r))
}

// WriteResponse frames and writes a Response.
func WriteResponse(w io.Writer, r *Response) error {
	return WriteFrame(w, MarshalResponse(r))
}

// ReadRequest reads and decodes one framed Request.
func ReadRequest(r *bufio.Reader) (*Request, error) {
	b, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return UnmarshalRequest(b)
}

// ReadResponse reads and decodes one framed Response.
func ReadResponse(r *bufio.Reader) (*Response, error) {
	b, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return UnmarshalResponse(b)
}
