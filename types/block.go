package types

import (
	"errors"
	"fmt"

	"github.com/prysmaticlabs/go-bitfield"
)

// Fork discriminates the per-fork block and state variants. Mixing forks at
// an API boundary is an error, never an implicit upcast.
type Fork uint8

const (
	Phase0 Fork = iota
	Altair
	Bellatrix
)

func (f Fork) String() string {
	switch f {
	case Phase0:
		return "phase0"
	case Altair:
		return "altair"
	case Bellatrix:
		return "bellatrix"
	default:
		return fmt.Sprintf("fork(%d)", uint8(f))
	}
}

// ErrForkMismatch is returned when objects from different forks are combined.
var ErrForkMismatch = errors.New("fork mismatch")

// Eth1Data is the proposer's view of the deposit contract.
type Eth1Data struct {
	DepositRoot  Root
	DepositCount uint64
	BlockHash    Root
}

// AttestationData is the vote carried by an attestation: a head block plus a
// source and target checkpoint.
type AttestationData struct {
	Slot            Slot
	CommitteeIndex  CommitteeIndex
	BeaconBlockRoot Root
	Source          Checkpoint
	Target          Checkpoint
}

func (d AttestationData) Equal(other AttestationData) bool {
	return d.Slot == other.Slot &&
		d.CommitteeIndex == other.CommitteeIndex &&
		d.BeaconBlockRoot == other.BeaconBlockRoot &&
		d.Source.Equal(other.Source) &&
		d.Target.Equal(other.Target)
}

// Attestation is a committee's aggregated vote. AggregationBits marks which
// committee members contributed to the signature.
type Attestation struct {
	AggregationBits bitfield.Bitlist
	Data            AttestationData
	Signature       Signature
}

// IndexedAttestation lists the attesting validators explicitly; used in
// slashing evidence.
type IndexedAttestation struct {
	AttestingIndices []ValidatorIndex
	Data             AttestationData
	Signature        Signature
}

// BeaconBlockHeader summarizes a block without its body.
type BeaconBlockHeader struct {
	Slot          Slot
	ProposerIndex ValidatorIndex
	ParentRoot    Root
	StateRoot     Root
	BodyRoot      Root
}

// SignedBeaconBlockHeader pairs a header with the proposer signature.
type SignedBeaconBlockHeader struct {
	Header    BeaconBlockHeader
	Signature Signature
}

// ProposerSlashing is evidence of two distinct signed headers for one slot.
type ProposerSlashing struct {
	Header1 SignedBeaconBlockHeader
	Header2 SignedBeaconBlockHeader
}

// AttesterSlashing is evidence of a double or surround vote.
type AttesterSlashing struct {
	Attestation1 IndexedAttestation
	Attestation2 IndexedAttestation
}

// Deposit registers a new validator with the beacon chain.
type Deposit struct {
	Pubkey                Pubkey
	WithdrawalCredentials Root
	Amount                Gwei
	Signature             Signature
}

// VoluntaryExit requests a validator's orderly exit.
type VoluntaryExit struct {
	Epoch          Epoch
	ValidatorIndex ValidatorIndex
}

// SignedVoluntaryExit pairs an exit with the validator signature.
type SignedVoluntaryExit struct {
	Exit      VoluntaryExit
	Signature Signature
}

// SyncAggregate carries the sync committee's signature over the previous
// block root. Altair and later.
type SyncAggregate struct {
	SyncCommitteeBits      bitfield.Bitvector512
	SyncCommitteeSignature Signature
}

// ExecutionPayload is the execution-layer block embedded post-merge.
// Bellatrix and later.
type ExecutionPayload struct {
	ParentHash    Root
	FeeRecipient  [20]byte
	StateRoot     Root
	ReceiptsRoot  Root
	PrevRandao    Root
	BlockNumber   uint64
	GasLimit      uint64
	GasUsed       uint64
	Timestamp     uint64
	BaseFeePerGas [32]byte
	BlockHash     Root
	Transactions  [][]byte
}

// ExecutionPayloadHeader is the payload with transactions replaced by their
// root, as stored in the state.
type ExecutionPayloadHeader struct {
	ParentHash       Root
	FeeRecipient     [20]byte
	StateRoot        Root
	ReceiptsRoot     Root
	PrevRandao       Root
	BlockNumber      uint64
	GasLimit         uint64
	GasUsed          uint64
	Timestamp        uint64
	BaseFeePerGas    [32]byte
	BlockHash        Root
	TransactionsRoot Root
}

// BlockBody holds the block operations. SyncAggregate is nil before altair;
// ExecutionPayload is nil before bellatrix. The Fork tag on the enclosing
// block is authoritative.
type BlockBody struct {
	RandaoReveal      Signature
	Eth1Data          Eth1Data
	Graffiti          Root
	ProposerSlashings []ProposerSlashing
	AttesterSlashings []AttesterSlashing
	Attestations      []Attestation
	Deposits          []Deposit
	VoluntaryExits    []SignedVoluntaryExit
	SyncAggregate     *SyncAggregate
	ExecutionPayload  *ExecutionPayload
}

// BeaconBlock is the fork-tagged block variant.
type BeaconBlock struct {
	Fork          Fork
	Slot          Slot
	ProposerIndex ValidatorIndex
	ParentRoot    Root
	StateRoot     Root
	Body          BlockBody
}

// SignedBeaconBlock pairs a block with its proposer signature.
type SignedBeaconBlock struct {
	Message   BeaconBlock
	Signature Signature
}

// TrustedSignedBeaconBlock wraps a block whose signatures have been verified
// once. Holders never re-verify.
type TrustedSignedBeaconBlock struct {
	SignedBeaconBlock
}

// Trusted marks a verified block. Callers must have checked the signatures
// under the flags they need before calling this.
func Trusted(b *SignedBeaconBlock) *TrustedSignedBeaconBlock {
	return &TrustedSignedBeaconBlock{SignedBeaconBlock: *b}
}

// NewPhase0Block constructs an empty phase0 block at the given position.
func NewPhase0Block(slot Slot, proposer ValidatorIndex, parent Root) *BeaconBlock {
	return &BeaconBlock{Fork: Phase0, Slot: slot, ProposerIndex: proposer, ParentRoot: parent}
}

// NewAltairBlock constructs an empty altair block with a zeroed sync
// aggregate.
func NewAltairBlock(slot Slot, proposer ValidatorIndex, parent Root) *BeaconBlock {
	return &BeaconBlock{
		Fork: Altair, Slot: slot, ProposerIndex: proposer, ParentRoot: parent,
		Body: BlockBody{SyncAggregate: &SyncAggregate{}},
	}
}

// NewBellatrixBlock constructs an empty bellatrix block with a zeroed sync
// aggregate and execution payload.
func NewBellatrixBlock(slot Slot, proposer ValidatorIndex, parent Root) *BeaconBlock {
	return &BeaconBlock{
		Fork: Bellatrix, Slot: slot, ProposerIndex: proposer, ParentRoot: parent,
		Body: BlockBody{SyncAggregate: &SyncAggregate{}, ExecutionPayload: &ExecutionPayload{}},
	}
}

// CheckWellFormed validates that the body matches the fork tag.
func (b *BeaconBlock) CheckWellFormed() error {
	switch b.Fork {
	case Phase0:
		if b.Body.SyncAggregate != nil || b.Body.ExecutionPayload != nil {
			return fmt.Errorf("%w: phase0 body carries later-fork fields", ErrForkMismatch)
		}
	case Altair:
		if b.Body.SyncAggregate == nil {
			return fmt.Errorf("%w: altair body missing sync aggregate", ErrForkMismatch)
		}
		if b.Body.ExecutionPayload != nil {
			return fmt.Errorf("%w: altair body carries execution payload", ErrForkMismatch)
		}
	case Bellatrix:
		if b.Body.SyncAggregate == nil || b.Body.ExecutionPayload == nil {
			return fmt.Errorf("%w: bellatrix body missing required fields", ErrForkMismatch)
		}
	default:
		return fmt.Errorf("%w: unknown fork %d", ErrForkMismatch, b.Fork)
	}
	return nil
}

// Header derives the block header. BodyRoot is the hash-tree-root of the
// body.
func (b *BeaconBlock) Header() (BeaconBlockHeader, error) {
	bodyRoot, err := b.Body.HashTreeRoot()
	if err != nil {
		return BeaconBlockHeader{}, fmt.Errorf("hash body: %w", err)
	}
	return BeaconBlockHeader{
		Slot:          b.Slot,
		ProposerIndex: b.ProposerIndex,
		ParentRoot:    b.ParentRoot,
		StateRoot:     b.StateRoot,
		BodyRoot:      bodyRoot,
	}, nil
}
