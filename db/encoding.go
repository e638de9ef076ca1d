package db

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"

	"github.com/veldtlabs/veldt/types"
)

// Block records are snappy-compressed. Phase0 and altair use the block
// format; bellatrix and later use the framed format so a stored record can
// be served on the wire without recompression. The framed records carry the
// "SZ" marker byte pair ahead of the stream.
var framedMarker = []byte{'S', 'Z'}

func compressBlock(fork types.Fork, data []byte) ([]byte, error) {
	if fork < types.Bellatrix {
		return snappy.Encode(nil, data), nil
	}
	var buf bytes.Buffer
	buf.Write(framedMarker)
	w := snappy.NewBufferedWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("framed compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("framed compress close: %w", err)
	}
	return buf.Bytes(), nil
}

func decompressBlock(fork types.Fork, data []byte) ([]byte, error) {
	if fork < types.Bellatrix {
		out, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		return out, nil
	}
	if len(data) < len(framedMarker) || !bytes.Equal(data[:2], framedMarker) {
		return nil, fmt.Errorf("%w: missing framed marker", ErrCorrupted)
	}
	r := snappy.NewReader(bytes.NewReader(data[2:]))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return out, nil
}

func compressState(data []byte) []byte {
	return snappy.Encode(nil, data)
}

func decompressState(data []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return out, nil
}
