// Package reqresp implements the request/response wire protocol: one chunk
// is [response code (responses only)] [context bytes (fork-selected
// messages)] [uvarint payload length] [framed-snappy payload].
package reqresp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/golang/snappy"
)

// Response codes.
const (
	CodeSuccess             byte = 0x00
	CodeInvalidRequest      byte = 0x01
	CodeServerError         byte = 0x02
	CodeResourceUnavailable byte = 0x03
)

// MaxChunkSize bounds the declared uncompressed payload size. Enforced
// before decompression.
const MaxChunkSize = 10 << 20

// ContextLen is the fork digest length prefixing forked response types.
const ContextLen = 4

// byteReader adapts a stream for binary.ReadUvarint without buffering past
// the varint.
type byteReader struct{ r io.Reader }

func (b byteReader) ReadByte() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(b.r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// WriteChunk writes context bytes (may be nil), the uvarint length of the
// uncompressed payload, and the framed-snappy payload.
func WriteChunk(w io.Writer, contextBytes, payload []byte) error {
	if len(contextBytes) > 0 {
		if _, err := w.Write(contextBytes); err != nil {
			return fmt.Errorf("%w: %v", ErrBrokenConnection, err)
		}
	}
	var varint [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(varint[:], uint64(len(payload)))
	if _, err := w.Write(varint[:n]); err != nil {
		return fmt.Errorf("%w: %v", ErrBrokenConnection, err)
	}
	sw := snappy.NewBufferedWriter(w)
	if _, err := sw.Write(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrBrokenConnection, err)
	}
	if err := sw.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrBrokenConnection, err)
	}
	return nil
}

// ReadChunk reads one chunk. ctxLen is 0 for unforked messages. The length
// prefix is checked against MaxChunkSize before any decompression happens.
func ReadChunk(r io.Reader, ctxLen int) (contextBytes, payload []byte, err error) {
	if ctxLen > 0 {
		contextBytes = make([]byte, ctxLen)
		if _, err := io.ReadFull(r, contextBytes); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, nil, io.EOF
			}
			return nil, nil, fmt.Errorf("%w: context bytes: %v", ErrInvalidContextBytes, err)
		}
	}
	size, err := binary.ReadUvarint(byteReader{r: r})
	if err != nil {
		if errors.Is(err, io.EOF) && ctxLen == 0 {
			return nil, nil, io.EOF
		}
		return nil, nil, fmt.Errorf("%w: length prefix: %v", ErrUnexpectedEOF, err)
	}
	if size == 0 {
		return nil, nil, ErrZeroSizePrefix
	}
	if size > MaxChunkSize {
		return nil, nil, fmt.Errorf("%w: %d", ErrSizePrefixOverflow, size)
	}
	payload = make([]byte, size)
	sr := snappy.NewReader(r)
	if _, err := io.ReadFull(sr, payload); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidSnappyBytes, err)
	}
	return contextBytes, payload, nil
}

// WriteResponseChunk writes a success chunk with payload, or a bare error
// chunk whose payload is the message text.
func WriteResponseChunk(w io.Writer, code byte, contextBytes, payload []byte) error {
	if _, err := w.Write([]byte{code}); err != nil {
		return fmt.Errorf("%w: %v", ErrBrokenConnection, err)
	}
	if code != CodeSuccess {
		return WriteChunk(w, nil, payload)
	}
	return WriteChunk(w, contextBytes, payload)
}

// ReadResponseChunk reads one response chunk. A clean EOF before the code
// byte ends the stream. Non-success codes return *ErrorResponse.
func ReadResponseChunk(r io.Reader, ctxLen int) (contextBytes, payload []byte, err error) {
	var code [1]byte
	if _, err := io.ReadFull(r, code[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, io.EOF
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrPotentiallyExpectedEOF, err)
	}
	switch code[0] {
	case CodeSuccess:
		return ReadChunk(r, ctxLen)
	case CodeInvalidRequest, CodeServerError, CodeResourceUnavailable:
		_, msg, err := ReadChunk(r, 0)
		if err != nil && !errors.Is(err, io.EOF) {
			msg = nil
		}
		return nil, nil, &ErrorResponse{Code: code[0], Message: string(msg)}
	default:
		return nil, nil, fmt.Errorf("%w: %d", ErrInvalidResponseCode, code[0])
	}
}
