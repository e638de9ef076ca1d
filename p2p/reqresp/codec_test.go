package reqresp

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/veldtlabs/veldt/types"
)

func TestChunkRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0xab, 0xcd}, 500)
	var buf bytes.Buffer
	if err := WriteChunk(&buf, nil, payload); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	_, got, err := ReadChunk(&buf, 0)
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("payload mismatch after round trip")
	}
}

func TestChunkWithContextBytes(t *testing.T) {
	digest := []byte{1, 2, 3, 4}
	var buf bytes.Buffer
	if err := WriteChunk(&buf, digest, []byte("hello")); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	ctx, payload, err := ReadChunk(&buf, ContextLen)
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if !bytes.Equal(ctx, digest) {
		t.Errorf("context = %x, want %x", ctx, digest)
	}
	if string(payload) != "hello" {
		t.Errorf("payload = %q", payload)
	}
}

func TestZeroSizePrefixRejected(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(0) // uvarint 0
	if _, _, err := ReadChunk(&buf, 0); !errors.Is(err, ErrZeroSizePrefix) {
		t.Errorf("zero prefix = %v, want ErrZeroSizePrefix", err)
	}
}

func TestOversizePrefixRejectedBeforeDecompression(t *testing.T) {
	var buf bytes.Buffer
	// Declare a payload far over the cap; no snappy data follows, proving
	// the check happens before decompression is attempted.
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0x7f})
	if _, _, err := ReadChunk(&buf, 0); !errors.Is(err, ErrSizePrefixOverflow) {
		t.Errorf("oversize prefix = %v, want ErrSizePrefixOverflow", err)
	}
}

func TestInvalidSnappyRejected(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(10) // declared length
	buf.Write([]byte("definitely not snappy framing"))
	if _, _, err := ReadChunk(&buf, 0); !errors.Is(err, ErrInvalidSnappyBytes) {
		t.Errorf("bad snappy = %v, want ErrInvalidSnappyBytes", err)
	}
}

func TestResponseChunkCodes(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteResponseChunk(&buf, CodeInvalidRequest, nil, []byte("nope")); err != nil {
		t.Fatalf("WriteResponseChunk: %v", err)
	}
	_, _, err := ReadResponseChunk(&buf, 0)
	var resp *ErrorResponse
	if !errors.As(err, &resp) {
		t.Fatalf("error response = %v, want *ErrorResponse", err)
	}
	if resp.Code != CodeInvalidRequest || resp.Message != "nope" {
		t.Errorf("response = %+v", resp)
	}
}

func TestInvalidResponseCode(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(0x7f)
	if _, _, err := ReadResponseChunk(&buf, 0); !errors.Is(err, ErrInvalidResponseCode) {
		t.Errorf("bad code = %v, want ErrInvalidResponseCode", err)
	}
}

func TestCleanEOFEndsStream(t *testing.T) {
	var buf bytes.Buffer
	if _, _, err := ReadResponseChunk(&buf, 0); !errors.Is(err, io.EOF) {
		t.Errorf("empty stream = %v, want io.EOF", err)
	}
}

func TestMultiChunkStream(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 3; i++ {
		if err := WriteResponseChunk(&buf, CodeSuccess, []byte{0, 0, 0, byte(i)}, []byte{byte(i + 1)}); err != nil {
			t.Fatalf("WriteResponseChunk %d: %v", i, err)
		}
	}
	for i := 0; i < 3; i++ {
		ctx, payload, err := ReadResponseChunk(&buf, ContextLen)
		if err != nil {
			t.Fatalf("ReadResponseChunk %d: %v", i, err)
		}
		if ctx[3] != byte(i) || payload[0] != byte(i+1) {
			t.Errorf("chunk %d: ctx %x payload %x", i, ctx, payload)
		}
	}
	if _, _, err := ReadResponseChunk(&buf, ContextLen); !errors.Is(err, io.EOF) {
		t.Error("stream did not end cleanly after last chunk")
	}
}

func TestMessageRoundTrips(t *testing.T) {
	status := &Status{
		ForkDigest:     [4]byte{1, 2, 3, 4},
		FinalizedRoot:  types.Root{5},
		FinalizedEpoch: 6,
		HeadRoot:       types.Root{7},
		HeadSlot:       8,
	}
	raw, err := status.MarshalSSZ()
	if err != nil {
		t.Fatalf("marshal status: %v", err)
	}
	var got Status
	if err := got.UnmarshalSSZ(raw); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if got != *status {
		t.Error("status round trip mismatch")
	}

	req := &BlocksByRootRequest{Roots: []types.Root{{1}, {2}, {3}}}
	raw, _ = req.MarshalSSZ()
	var gotReq BlocksByRootRequest
	if err := gotReq.UnmarshalSSZ(raw); err != nil {
		t.Fatalf("unmarshal by-root: %v", err)
	}
	if len(gotReq.Roots) != 3 || gotReq.Roots[2] != (types.Root{3}) {
		t.Error("by-root round trip mismatch")
	}
}
