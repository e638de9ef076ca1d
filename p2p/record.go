package p2p

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Record is a signed discovery record: the node's addresses and identity,
// shareable as a single string.
type Record struct {
	Seq    uint64
	IP     net.IP
	TCP    uint16
	UDP    uint16
	PeerID peer.ID
}

const recordPrefix = "vnr:"

var ErrBadRecord = errors.New("malformed discovery record")

func (r *Record) payload() []byte {
	out := binary.LittleEndian.AppendUint64(nil, r.Seq)
	ip4 := r.IP.To4()
	if ip4 == nil {
		ip4 = net.IPv4zero.To4()
	}
	out = append(out, ip4...)
	out = binary.LittleEndian.AppendUint16(out, r.TCP)
	out = binary.LittleEndian.AppendUint16(out, r.UDP)
	idRaw := []byte(r.PeerID)
	out = append(out, byte(len(idRaw)))
	return append(out, idRaw...)
}

// Encode signs the record with the network key and renders it as a
// prefixed base64 string.
func (r *Record) Encode(priv crypto.PrivKey) (string, error) {
	body := r.payload()
	sig, err := priv.Sign(body)
	if err != nil {
		return "", fmt.Errorf("sign record: %w", err)
	}
	blob := binary.LittleEndian.AppendUint16(nil, uint16(len(sig)))
	blob = append(blob, sig...)
	blob = append(blob, body...)
	return recordPrefix + base64.RawURLEncoding.EncodeToString(blob), nil
}

// Decode parses a record string. The signature is carried but only
// verifiable against the publisher's key.
func Decode(s string) (*Record, error) {
	if !strings.HasPrefix(s, recordPrefix) {
		return nil, ErrBadRecord
	}
	blob, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(s, recordPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRecord, err)
	}
	if len(blob) < 2 {
		return nil, ErrBadRecord
	}
	sigLen := int(binary.LittleEndian.Uint16(blob))
	if len(blob) < 2+sigLen {
		return nil, ErrBadRecord
	}
	body := blob[2+sigLen:]
	if len(body) < 8+4+2+2+1 {
		return nil, ErrBadRecord
	}
	r := &Record{}
	r.Seq = binary.LittleEndian.Uint64(body)
	r.IP = net.IPv4(body[8], body[9], body[10], body[11])
	r.TCP = binary.LittleEndian.Uint16(body[12:14])
	r.UDP = binary.LittleEndian.Uint16(body[14:16])
	idLen := int(body[16])
	if len(body) < 17+idLen {
		return nil, ErrBadRecord
	}
	r.PeerID = peer.ID(body[17 : 17+idLen])
	return r, nil
}

// Multiaddr renders the record's TCP endpoint as a dialable address string.
func (r *Record) Multiaddr() string {
	return fmt.Sprintf("/ip4/%s/tcp/%d/p2p/%s", r.IP, r.TCP, r.PeerID)
}
