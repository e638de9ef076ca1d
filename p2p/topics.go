// Package p2p wires the libp2p host, gossipsub topics and topic validators,
// and the peer-facing service loops (dialer, trimmer, metadata pinger).
package p2p

import (
	"crypto/sha256"
	"fmt"

	"github.com/veldtlabs/veldt/types"
)

// Topic names under /eth2/<fork_digest>/<name>/ssz_snappy.
const (
	TopicBeaconBlock       = "beacon_block"
	TopicAggregateAndProof = "beacon_aggregate_and_proof"
	TopicVoluntaryExit     = "voluntary_exit"
	TopicProposerSlashing  = "proposer_slashing"
	TopicAttesterSlashing  = "attester_slashing"
	TopicAttestationFmt    = "beacon_attestation_%d"
	TopicSyncCommitteeFmt  = "sync_committee_%d"

	topicEncoding = "ssz_snappy"
)

// ForkDigest derives the 4-byte digest scoping topics to a fork and
// network.
func ForkDigest(version [4]byte, genesisValidatorsRoot types.Root) [4]byte {
	var buf [36]byte
	copy(buf[:4], version[:])
	copy(buf[4:], genesisValidatorsRoot[:])
	sum := sha256.Sum256(buf[:])
	var digest [4]byte
	copy(digest[:], sum[:4])
	return digest
}

// FullTopic renders the gossip topic string.
func FullTopic(digest [4]byte, name string) string {
	return fmt.Sprintf("/eth2/%x/%s/%s", digest, name, topicEncoding)
}

// AttestationSubnetTopic renders the per-subnet attestation topic.
func AttestationSubnetTopic(digest [4]byte, subnet uint64) string {
	return FullTopic(digest, fmt.Sprintf(TopicAttestationFmt, subnet))
}

// SyncCommitteeSubnetTopic renders the per-subnet sync committee topic.
func SyncCommitteeSubnetTopic(digest [4]byte, subnet uint64) string {
	return FullTopic(digest, fmt.Sprintf(TopicSyncCommitteeFmt, subnet))
}
