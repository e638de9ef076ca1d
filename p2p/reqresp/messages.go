package reqresp

import (
	"encoding/binary"
	"fmt"

	bitfield "github.com/prysmaticlabs/go-bitfield"

	"github.com/veldtlabs/veldt/types"
)

// Protocol IDs. The version and encoding suffix follow the topic scheme.
const (
	ProtocolStatus        = "/eth2/beacon_chain/req/status/1/ssz_snappy"
	ProtocolGoodbye       = "/eth2/beacon_chain/req/goodbye/1/ssz_snappy"
	ProtocolPing          = "/eth2/beacon_chain/req/ping/1/ssz_snappy"
	ProtocolMetadata      = "/eth2/beacon_chain/req/metadata/2/ssz_snappy"
	ProtocolBlocksByRange = "/eth2/beacon_chain/req/beacon_blocks_by_range/2/ssz_snappy"
	ProtocolBlocksByRoot  = "/eth2/beacon_chain/req/beacon_blocks_by_root/2/ssz_snappy"
)

// MaxRequestBlocks caps blocks per by-range/by-root request.
const MaxRequestBlocks = 1024

// Status is the handshake exchanged on connection.
type Status struct {
	ForkDigest     [4]byte
	FinalizedRoot  types.Root
	FinalizedEpoch types.Epoch
	HeadRoot       types.Root
	HeadSlot       types.Slot
}

func (s *Status) MarshalSSZ() ([]byte, error) {
	out := make([]byte, 0, 4+32+8+32+8)
	out = append(out, s.ForkDigest[:]...)
	out = append(out, s.FinalizedRoot[:]...)
	out = binary.LittleEndian.AppendUint64(out, uint64(s.FinalizedEpoch))
	out = append(out, s.HeadRoot[:]...)
	out = binary.LittleEndian.AppendUint64(out, uint64(s.HeadSlot))
	return out, nil
}

func (s *Status) UnmarshalSSZ(buf []byte) error {
	if len(buf) != 84 {
		return fmt.Errorf("%w: status length %d", ErrInvalidSszBytes, len(buf))
	}
	copy(s.ForkDigest[:], buf[:4])
	copy(s.FinalizedRoot[:], buf[4:36])
	s.FinalizedEpoch = types.Epoch(binary.LittleEndian.Uint64(buf[36:44]))
	copy(s.HeadRoot[:], buf[44:76])
	s.HeadSlot = types.Slot(binary.LittleEndian.Uint64(buf[76:84]))
	return nil
}

// Goodbye carries the on-wire disconnect reason code.
type Goodbye uint64

func (g Goodbye) MarshalSSZ() ([]byte, error) {
	return binary.LittleEndian.AppendUint64(nil, uint64(g)), nil
}

func (g *Goodbye) UnmarshalSSZ(buf []byte) error {
	if len(buf) != 8 {
		return fmt.Errorf("%w: goodbye length %d", ErrInvalidSszBytes, len(buf))
	}
	*g = Goodbye(binary.LittleEndian.Uint64(buf))
	return nil
}

// Ping carries the sender's metadata sequence number.
type Ping uint64

func (p Ping) MarshalSSZ() ([]byte, error) {
	return binary.LittleEndian.AppendUint64(nil, uint64(p)), nil
}

func (p *Ping) UnmarshalSSZ(buf []byte) error {
	if len(buf) != 8 {
		return fmt.Errorf("%w: ping length %d", ErrInvalidSszBytes, len(buf))
	}
	*p = Ping(binary.LittleEndian.Uint64(buf))
	return nil
}

// Metadata advertises the peer's gossip subnet subscriptions.
type Metadata struct {
	SeqNumber uint64
	Attnets   bitfield.Bitvector64
	Syncnets  bitfield.Bitvector64
}

func (m *Metadata) MarshalSSZ() ([]byte, error) {
	out := binary.LittleEndian.AppendUint64(nil, m.SeqNumber)
	att := m.Attnets
	if len(att) != 8 {
		att = bitfield.NewBitvector64()
	}
	syn := m.Syncnets
	if len(syn) != 8 {
		syn = bitfield.NewBitvector64()
	}
	out = append(out, att...)
	out = append(out, syn...)
	return out, nil
}

func (m *Metadata) UnmarshalSSZ(buf []byte) error {
	if len(buf) != 24 {
		return fmt.Errorf("%w: metadata length %d", ErrInvalidSszBytes, len(buf))
	}
	m.SeqNumber = binary.LittleEndian.Uint64(buf[:8])
	m.Attnets = bitfield.Bitvector64(append([]byte(nil), buf[8:16]...))
	m.Syncnets = bitfield.Bitvector64(append([]byte(nil), buf[16:24]...))
	return nil
}

// BlocksByRangeRequest asks for count blocks starting at StartSlot.
type BlocksByRangeRequest struct {
	StartSlot types.Slot
	Count     uint64
	Step      uint64
}

func (r *BlocksByRangeRequest) MarshalSSZ() ([]byte, error) {
	out := binary.LittleEndian.AppendUint64(nil, uint64(r.StartSlot))
	out = binary.LittleEndian.AppendUint64(out, r.Count)
	out = binary.LittleEndian.AppendUint64(out, r.Step)
	return out, nil
}

func (r *BlocksByRangeRequest) UnmarshalSSZ(buf []byte) error {
	if len(buf) != 24 {
		return fmt.Errorf("%w: by-range request length %d", ErrInvalidSszBytes, len(buf))
	}
	r.StartSlot = types.Slot(binary.LittleEndian.Uint64(buf[:8]))
	r.Count = binary.LittleEndian.Uint64(buf[8:16])
	r.Step = binary.LittleEndian.Uint64(buf[16:24])
	return nil
}

// BlocksByRootRequest asks for specific blocks by root.
type BlocksByRootRequest struct {
	Roots []types.Root
}

func (r *BlocksByRootRequest) MarshalSSZ() ([]byte, error) {
	if len(r.Roots) > MaxRequestBlocks {
		return nil, fmt.Errorf("%w: %d roots", ErrInvalidInputs, len(r.Roots))
	}
	out := make([]byte, 0, len(r.Roots)*32)
	for _, root := range r.Roots {
		out = append(out, root[:]...)
	}
	return out, nil
}

func (r *BlocksByRootRequest) UnmarshalSSZ(buf []byte) error {
	if len(buf)%32 != 0 || len(buf)/32 > MaxRequestBlocks {
		return fmt.Errorf("%w: by-root request length %d", ErrInvalidSszBytes, len(buf))
	}
	r.Roots = nil
	for i := 0; i < len(buf); i += 32 {
		var root types.Root
		copy(root[:], buf[i:i+32])
		r.Roots = append(r.Roots, root)
	}
	return nil
}
