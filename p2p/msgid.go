package p2p

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/golang/snappy"
)

// Message-id domains. Valid-snappy vs invalid-snappy keep ids of
// undecodable messages from colliding with real ones.
var (
	domainValidSnappy   = [4]byte{0x01, 0x00, 0x00, 0x00}
	domainInvalidSnappy = [4]byte{0x00, 0x00, 0x00, 0x00}
)

// MessageID computes the post-altair gossip message id:
// SHA256(domain || uint64_le(len(topic)) || topic || decoded)[:20].
// Messages that fail snappy decoding hash the raw data under the invalid
// domain.
func MessageID(topic string, data []byte) [20]byte {
	decoded, err := snappy.Decode(nil, data)
	domain := domainValidSnappy
	if err != nil {
		decoded = data
		domain = domainInvalidSnappy
	}
	var topicLen [8]byte
	binary.LittleEndian.PutUint64(topicLen[:], uint64(len(topic)))

	h := sha256.New()
	h.Write(domain[:])
	h.Write(topicLen[:])
	h.Write([]byte(topic))
	h.Write(decoded)

	var id [20]byte
	copy(id[:], h.Sum(nil)[:20])
	return id
}

// LegacyMessageID computes the pre-altair scheme: the domain and data only,
// without the topic.
func LegacyMessageID(data []byte) [20]byte {
	decoded, err := snappy.Decode(nil, data)
	domain := domainValidSnappy
	if err != nil {
		decoded = data
		domain = domainInvalidSnappy
	}
	h := sha256.New()
	h.Write(domain[:])
	h.Write(decoded)

	var id [20]byte
	copy(id[:], h.Sum(nil)[:20])
	return id
}
