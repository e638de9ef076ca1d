package types

import (
	"encoding/binary"
	"fmt"

	ssz "github.com/ferranbt/fastssz"
	"github.com/prysmaticlabs/go-bitfield"
)

// Binary codec for consensus objects. Containers serialize fixed fields in
// declaration order; variable-length fields are length-prefixed with a
// 4-byte little-endian count. Hash-tree-roots are computed with the fastssz
// hasher pool and are the sole canonical digests: states and blocks are
// content-addressed by them.

// ErrTrailingBytes is returned when a decode leaves unconsumed input.
var ErrTrailingBytes = fmt.Errorf("trailing bytes after decode")

type encoder struct{ buf []byte }

func (e *encoder) u8(v uint8)     { e.buf = append(e.buf, v) }
func (e *encoder) u64(v uint64)   { e.buf = ssz.MarshalUint64(e.buf, v) }
func (e *encoder) bytes(b []byte) { e.buf = append(e.buf, b...) }
func (e *encoder) root(r Root)    { e.buf = append(e.buf, r[:]...) }
func (e *encoder) list(b []byte) {
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(b)))
	e.buf = append(e.buf, l[:]...)
	e.buf = append(e.buf, b...)
}

type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) fail(what string) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: short buffer reading %s", ssz.ErrSize, what)
	}
}

func (d *decoder) u8(what string) uint8 {
	if d.err != nil || d.off+1 > len(d.buf) {
		d.fail(what)
		return 0
	}
	v := d.buf[d.off]
	d.off++
	return v
}

func (d *decoder) u64(what string) uint64 {
	if d.err != nil || d.off+8 > len(d.buf) {
		d.fail(what)
		return 0
	}
	v := ssz.UnmarshallUint64(d.buf[d.off : d.off+8])
	d.off += 8
	return v
}

func (d *decoder) bytes(n int, what string) []byte {
	if d.err != nil || d.off+n > len(d.buf) {
		d.fail(what)
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) root(what string) Root {
	var r Root
	copy(r[:], d.bytes(32, what))
	return r
}

func (d *decoder) list(what string) []byte {
	if d.err != nil || d.off+4 > len(d.buf) {
		d.fail(what)
		return nil
	}
	n := int(binary.LittleEndian.Uint32(d.buf[d.off : d.off+4]))
	d.off += 4
	if d.off+n > len(d.buf) {
		d.fail(what)
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) finish() error {
	if d.err != nil {
		return d.err
	}
	if d.off != len(d.buf) {
		return ErrTrailingBytes
	}
	return nil
}

func hashOf(data []byte) Root {
	hh := ssz.DefaultHasherPool.Get()
	defer ssz.DefaultHasherPool.Put(hh)
	idx := hh.Index()
	hh.PutBytes(data)
	hh.Merkleize(idx)
	var r Root
	root, err := hh.HashRoot()
	if err != nil {
		return r
	}
	r = Root(root)
	return r
}

// --- Checkpoint ---

func (c Checkpoint) marshalTo(e *encoder) {
	e.u64(uint64(c.Epoch))
	e.root(c.Root)
}

func unmarshalCheckpoint(d *decoder) Checkpoint {
	return Checkpoint{Epoch: Epoch(d.u64("checkpoint.epoch")), Root: d.root("checkpoint.root")}
}

// --- BeaconBlockHeader ---

func (h BeaconBlockHeader) MarshalSSZ() ([]byte, error) {
	e := &encoder{buf: make([]byte, 0, 112)}
	e.u64(uint64(h.Slot))
	e.u64(uint64(h.ProposerIndex))
	e.root(h.ParentRoot)
	e.root(h.StateRoot)
	e.root(h.BodyRoot)
	return e.buf, nil
}

func (h *BeaconBlockHeader) UnmarshalSSZ(buf []byte) error {
	d := &decoder{buf: buf}
	h.Slot = Slot(d.u64("header.slot"))
	h.ProposerIndex = ValidatorIndex(d.u64("header.proposer"))
	h.ParentRoot = d.root("header.parent_root")
	h.StateRoot = d.root("header.state_root")
	h.BodyRoot = d.root("header.body_root")
	return d.finish()
}

func (h BeaconBlockHeader) HashTreeRoot() (Root, error) {
	b, _ := h.MarshalSSZ()
	return hashOf(b), nil
}

// --- BlockSummary ---

func (s BlockSummary) MarshalSSZ() ([]byte, error) {
	e := &encoder{buf: make([]byte, 0, 40)}
	e.u64(uint64(s.Slot))
	e.root(s.ParentRoot)
	return e.buf, nil
}

func (s *BlockSummary) UnmarshalSSZ(buf []byte) error {
	d := &decoder{buf: buf}
	s.Slot = Slot(d.u64("summary.slot"))
	s.ParentRoot = d.root("summary.parent_root")
	return d.finish()
}

// --- Eth1Data ---

func (e1 Eth1Data) marshalTo(e *encoder) {
	e.root(e1.DepositRoot)
	e.u64(e1.DepositCount)
	e.root(e1.BlockHash)
}

func unmarshalEth1Data(d *decoder) Eth1Data {
	return Eth1Data{
		DepositRoot:  d.root("eth1.deposit_root"),
		DepositCount: d.u64("eth1.deposit_count"),
		BlockHash:    d.root("eth1.block_hash"),
	}
}

// --- AttestationData ---

func (a AttestationData) marshalTo(e *encoder) {
	e.u64(uint64(a.Slot))
	e.u64(uint64(a.CommitteeIndex))
	e.root(a.BeaconBlockRoot)
	a.Source.marshalTo(e)
	a.Target.marshalTo(e)
}

func unmarshalAttestationData(d *decoder) AttestationData {
	return AttestationData{
		Slot:            Slot(d.u64("att.slot")),
		CommitteeIndex:  CommitteeIndex(d.u64("att.committee")),
		BeaconBlockRoot: d.root("att.block_root"),
		Source:          unmarshalCheckpoint(d),
		Target:          unmarshalCheckpoint(d),
	}
}

func (a AttestationData) MarshalSSZ() ([]byte, error) {
	e := &encoder{buf: make([]byte, 0, 128)}
	a.marshalTo(e)
	return e.buf, nil
}

func (a *AttestationData) UnmarshalSSZ(buf []byte) error {
	d := &decoder{buf: buf}
	*a = unmarshalAttestationData(d)
	return d.finish()
}

func (a AttestationData) HashTreeRoot() (Root, error) {
	b, _ := a.MarshalSSZ()
	return hashOf(b), nil
}

// --- Attestation ---

func (a Attestation) marshalTo(e *encoder) {
	a.Data.marshalTo(e)
	e.bytes(a.Signature[:])
	e.list(a.AggregationBits)
}

func unmarshalAttestation(d *decoder) Attestation {
	var a Attestation
	a.Data = unmarshalAttestationData(d)
	copy(a.Signature[:], d.bytes(96, "att.signature"))
	a.AggregationBits = bitfield.Bitlist(append([]byte(nil), d.list("att.bits")...))
	return a
}

func (a Attestation) MarshalSSZ() ([]byte, error) {
	e := &encoder{}
	a.marshalTo(e)
	return e.buf, nil
}

func (a *Attestation) UnmarshalSSZ(buf []byte) error {
	d := &decoder{buf: buf}
	*a = unmarshalAttestation(d)
	return d.finish()
}

// --- IndexedAttestation ---

func (a IndexedAttestation) marshalTo(e *encoder) {
	idx := &encoder{}
	for _, i := range a.AttestingIndices {
		idx.u64(uint64(i))
	}
	e.list(idx.buf)
	a.Data.marshalTo(e)
	e.bytes(a.Signature[:])
}

func unmarshalIndexedAttestation(d *decoder) IndexedAttestation {
	var a IndexedAttestation
	raw := d.list("indexed.indices")
	for i := 0; i+8 <= len(raw); i += 8 {
		a.AttestingIndices = append(a.AttestingIndices, ValidatorIndex(ssz.UnmarshallUint64(raw[i:i+8])))
	}
	a.Data = unmarshalAttestationData(d)
	copy(a.Signature[:], d.bytes(96, "indexed.signature"))
	return a
}

// --- BlockBody ---

func (b BlockBody) marshalTo(fork Fork, e *encoder) {
	e.bytes(b.RandaoReveal[:])
	b.Eth1Data.marshalTo(e)
	e.root(b.Graffiti)

	ps := &encoder{}
	for _, s := range b.ProposerSlashings {
		h1, _ := s.Header1.Header.MarshalSSZ()
		h2, _ := s.Header2.Header.MarshalSSZ()
		ps.bytes(h1)
		ps.bytes(s.Header1.Signature[:])
		ps.bytes(h2)
		ps.bytes(s.Header2.Signature[:])
	}
	e.list(ps.buf)

	as := &encoder{}
	as.u64(uint64(len(b.AttesterSlashings)))
	for _, s := range b.AttesterSlashings {
		s.Attestation1.marshalTo(as)
		s.Attestation2.marshalTo(as)
	}
	e.list(as.buf)

	at := &encoder{}
	at.u64(uint64(len(b.Attestations)))
	for _, a := range b.Attestations {
		inner := &encoder{}
		a.marshalTo(inner)
		at.list(inner.buf)
	}
	e.list(at.buf)

	dp := &encoder{}
	for _, d := range b.Deposits {
		dp.bytes(d.Pubkey[:])
		dp.root(d.WithdrawalCredentials)
		dp.u64(uint64(d.Amount))
		dp.bytes(d.Signature[:])
	}
	e.list(dp.buf)

	ve := &encoder{}
	for _, x := range b.VoluntaryExits {
		ve.u64(uint64(x.Exit.Epoch))
		ve.u64(uint64(x.Exit.ValidatorIndex))
		ve.bytes(x.Signature[:])
	}
	e.list(ve.buf)

	if fork >= Altair {
		agg := b.SyncAggregate
		if agg == nil {
			agg = &SyncAggregate{}
		}
		bits := agg.SyncCommitteeBits
		if len(bits) != 64 {
			bits = bitfield.NewBitvector512()
		}
		e.bytes(bits)
		e.bytes(agg.SyncCommitteeSignature[:])
	}
	if fork >= Bellatrix {
		p := b.ExecutionPayload
		if p == nil {
			p = &ExecutionPayload{}
		}
		pe := &encoder{}
		pe.root(p.ParentHash)
		pe.bytes(p.FeeRecipient[:])
		pe.root(p.StateRoot)
		pe.root(p.ReceiptsRoot)
		pe.root(p.PrevRandao)
		pe.u64(p.BlockNumber)
		pe.u64(p.GasLimit)
		pe.u64(p.GasUsed)
		pe.u64(p.Timestamp)
		pe.bytes(p.BaseFeePerGas[:])
		pe.root(p.BlockHash)
		txs := &encoder{}
		for _, tx := range p.Transactions {
			txs.list(tx)
		}
		pe.list(txs.buf)
		e.list(pe.buf)
	}
}

func unmarshalBody(fork Fork, d *decoder) BlockBody {
	var b BlockBody
	copy(b.RandaoReveal[:], d.bytes(96, "body.randao"))
	b.Eth1Data = unmarshalEth1Data(d)
	b.Graffiti = d.root("body.graffiti")

	psRaw := d.list("body.proposer_slashings")
	pd := &decoder{buf: psRaw}
	for pd.err == nil && pd.off < len(pd.buf) {
		var s ProposerSlashing
		h1 := pd.bytes(112, "slashing.header1")
		_ = s.Header1.Header.UnmarshalSSZ(h1)
		copy(s.Header1.Signature[:], pd.bytes(96, "slashing.sig1"))
		h2 := pd.bytes(112, "slashing.header2")
		_ = s.Header2.Header.UnmarshalSSZ(h2)
		copy(s.Header2.Signature[:], pd.bytes(96, "slashing.sig2"))
		if pd.err == nil {
			b.ProposerSlashings = append(b.ProposerSlashings, s)
		}
	}

	asRaw := d.list("body.attester_slashings")
	ad := &decoder{buf: asRaw}
	if len(asRaw) > 0 {
		n := ad.u64("attester_slashings.len")
		for i := uint64(0); i < n && ad.err == nil; i++ {
			var s AttesterSlashing
			s.Attestation1 = unmarshalIndexedAttestation(ad)
			s.Attestation2 = unmarshalIndexedAttestation(ad)
			if ad.err == nil {
				b.AttesterSlashings = append(b.AttesterSlashings, s)
			}
		}
	}

	atRaw := d.list("body.attestations")
	td := &decoder{buf: atRaw}
	if len(atRaw) > 0 {
		n := td.u64("attestations.len")
		for i := uint64(0); i < n && td.err == nil; i++ {
			inner := td.list("attestation")
			id := &decoder{buf: inner}
			a := unmarshalAttestation(id)
			if id.finish() == nil {
				b.Attestations = append(b.Attestations, a)
			}
		}
	}

	dpRaw := d.list("body.deposits")
	dd := &decoder{buf: dpRaw}
	for dd.err == nil && dd.off < len(dd.buf) {
		var dep Deposit
		copy(dep.Pubkey[:], dd.bytes(48, "deposit.pubkey"))
		dep.WithdrawalCredentials = dd.root("deposit.credentials")
		dep.Amount = Gwei(dd.u64("deposit.amount"))
		copy(dep.Signature[:], dd.bytes(96, "deposit.signature"))
		if dd.err == nil {
			b.Deposits = append(b.Deposits, dep)
		}
	}

	veRaw := d.list("body.exits")
	vd := &decoder{buf: veRaw}
	for vd.err == nil && vd.off < len(vd.buf) {
		var x SignedVoluntaryExit
		x.Exit.Epoch = Epoch(vd.u64("exit.epoch"))
		x.Exit.ValidatorIndex = ValidatorIndex(vd.u64("exit.validator"))
		copy(x.Signature[:], vd.bytes(96, "exit.signature"))
		if vd.err == nil {
			b.VoluntaryExits = append(b.VoluntaryExits, x)
		}
	}

	if fork >= Altair {
		agg := &SyncAggregate{}
		agg.SyncCommitteeBits = bitfield.Bitvector512(append([]byte(nil), d.bytes(64, "body.sync_bits")...))
		copy(agg.SyncCommitteeSignature[:], d.bytes(96, "body.sync_sig"))
		b.SyncAggregate = agg
	}
	if fork >= Bellatrix {
		peRaw := d.list("body.execution_payload")
		ped := &decoder{buf: peRaw}
		p := &ExecutionPayload{}
		p.ParentHash = ped.root("payload.parent_hash")
		copy(p.FeeRecipient[:], ped.bytes(20, "payload.fee_recipient"))
		p.StateRoot = ped.root("payload.state_root")
		p.ReceiptsRoot = ped.root("payload.receipts_root")
		p.PrevRandao = ped.root("payload.prev_randao")
		p.BlockNumber = ped.u64("payload.number")
		p.GasLimit = ped.u64("payload.gas_limit")
		p.GasUsed = ped.u64("payload.gas_used")
		p.Timestamp = ped.u64("payload.timestamp")
		copy(p.BaseFeePerGas[:], ped.bytes(32, "payload.base_fee"))
		p.BlockHash = ped.root("payload.block_hash")
		txsRaw := ped.list("payload.transactions")
		txd := &decoder{buf: txsRaw}
		for txd.err == nil && txd.off < len(txd.buf) {
			tx := txd.list("transaction")
			if txd.err == nil {
				p.Transactions = append(p.Transactions, append([]byte(nil), tx...))
			}
		}
		b.ExecutionPayload = p
	}
	return b
}

func (b BlockBody) hashTreeRootFor(fork Fork) (Root, error) {
	e := &encoder{}
	b.marshalTo(fork, e)
	return hashOf(e.buf), nil
}

// HashTreeRoot hashes the body as a phase0 container when no later-fork
// fields are present, otherwise as the matching later fork.
func (b BlockBody) HashTreeRoot() (Root, error) {
	fork := Phase0
	if b.SyncAggregate != nil {
		fork = Altair
	}
	if b.ExecutionPayload != nil {
		fork = Bellatrix
	}
	return b.hashTreeRootFor(fork)
}

// --- BeaconBlock / SignedBeaconBlock ---

func (b *BeaconBlock) MarshalSSZ() ([]byte, error) {
	e := &encoder{}
	e.u8(uint8(b.Fork))
	e.u64(uint64(b.Slot))
	e.u64(uint64(b.ProposerIndex))
	e.root(b.ParentRoot)
	e.root(b.StateRoot)
	body := &encoder{}
	b.Body.marshalTo(b.Fork, body)
	e.list(body.buf)
	return e.buf, nil
}

func (b *BeaconBlock) UnmarshalSSZ(buf []byte) error {
	d := &decoder{buf: buf}
	b.Fork = Fork(d.u8("block.fork"))
	b.Slot = Slot(d.u64("block.slot"))
	b.ProposerIndex = ValidatorIndex(d.u64("block.proposer"))
	b.ParentRoot = d.root("block.parent_root")
	b.StateRoot = d.root("block.state_root")
	bodyRaw := d.list("block.body")
	if err := d.finish(); err != nil {
		return err
	}
	bd := &decoder{buf: bodyRaw}
	b.Body = unmarshalBody(b.Fork, bd)
	return bd.finish()
}

// HashTreeRoot is the block root: the hash of the header with the body
// reduced to its own root.
func (b *BeaconBlock) HashTreeRoot() (Root, error) {
	hdr, err := b.Header()
	if err != nil {
		return Root{}, err
	}
	return hdr.HashTreeRoot()
}

func (sb *SignedBeaconBlock) MarshalSSZ() ([]byte, error) {
	msg, err := sb.Message.MarshalSSZ()
	if err != nil {
		return nil, err
	}
	e := &encoder{}
	e.list(msg)
	e.bytes(sb.Signature[:])
	return e.buf, nil
}

func (sb *SignedBeaconBlock) UnmarshalSSZ(buf []byte) error {
	d := &decoder{buf: buf}
	msg := d.list("signed_block.message")
	copy(sb.Signature[:], d.bytes(96, "signed_block.signature"))
	if err := d.finish(); err != nil {
		return err
	}
	return sb.Message.UnmarshalSSZ(msg)
}

// --- Validator ---

func (v Validator) marshalTo(e *encoder) {
	e.bytes(v.Pubkey[:])
	e.root(v.WithdrawalCredentials)
	e.u64(uint64(v.EffectiveBalance))
	if v.Slashed {
		e.u8(1)
	} else {
		e.u8(0)
	}
	e.u64(uint64(v.ActivationEligibilityEpoch))
	e.u64(uint64(v.ActivationEpoch))
	e.u64(uint64(v.ExitEpoch))
	e.u64(uint64(v.WithdrawableEpoch))
}

func unmarshalValidator(d *decoder) Validator {
	var v Validator
	copy(v.Pubkey[:], d.bytes(48, "validator.pubkey"))
	v.WithdrawalCredentials = d.root("validator.credentials")
	v.EffectiveBalance = Gwei(d.u64("validator.balance"))
	v.Slashed = d.u8("validator.slashed") != 0
	v.ActivationEligibilityEpoch = Epoch(d.u64("validator.eligibility"))
	v.ActivationEpoch = Epoch(d.u64("validator.activation"))
	v.ExitEpoch = Epoch(d.u64("validator.exit"))
	v.WithdrawableEpoch = Epoch(d.u64("validator.withdrawable"))
	return v
}

// --- BeaconState ---

// MarshalSSZ serializes the full state including the validator registry.
// The chain database strips immutable validator fields before persisting;
// this full form is the canonical hashing input.
func (s *BeaconState) MarshalSSZ() ([]byte, error) {
	e := &encoder{}
	e.u8(uint8(s.Fork))
	e.u64(s.GenesisTime)
	e.root(s.GenesisValidatorsRoot)
	e.u64(uint64(s.Slot))
	hdr, _ := s.LatestBlockHeader.MarshalSSZ()
	e.bytes(hdr)

	rootsList := func(roots []Root) {
		inner := &encoder{}
		for _, r := range roots {
			inner.root(r)
		}
		e.list(inner.buf)
	}
	rootsList(s.BlockRoots)
	rootsList(s.StateRoots)

	s.Eth1Data.marshalTo(e)
	e.u64(s.Eth1DepositIndex)

	vals := &encoder{}
	for _, v := range s.Validators {
		v.marshalTo(vals)
	}
	e.list(vals.buf)

	bals := &encoder{}
	for _, b := range s.Balances {
		bals.u64(uint64(b))
	}
	e.list(bals.buf)

	rootsList(s.RandaoMixes)

	sl := &encoder{}
	for _, v := range s.Slashings {
		sl.u64(uint64(v))
	}
	e.list(sl.buf)

	e.list(s.PreviousEpochParticipation)
	e.list(s.CurrentEpochParticipation)

	e.u8(s.JustificationBits)
	s.PreviousJustifiedCheckpoint.marshalTo(e)
	s.CurrentJustifiedCheckpoint.marshalTo(e)
	s.FinalizedCheckpoint.marshalTo(e)

	if s.Fork >= Altair {
		inact := &encoder{}
		for _, v := range s.InactivityScores {
			inact.u64(v)
		}
		e.list(inact.buf)
		marshalSyncCommittee(e, s.CurrentSyncCommittee)
		marshalSyncCommittee(e, s.NextSyncCommittee)
	}
	if s.Fork >= Bellatrix {
		h := s.LatestExecutionPayloadHeader
		if h == nil {
			h = &ExecutionPayloadHeader{}
		}
		e.root(h.ParentHash)
		e.bytes(h.FeeRecipient[:])
		e.root(h.StateRoot)
		e.root(h.ReceiptsRoot)
		e.root(h.PrevRandao)
		e.u64(h.BlockNumber)
		e.u64(h.GasLimit)
		e.u64(h.GasUsed)
		e.u64(h.Timestamp)
		e.bytes(h.BaseFeePerGas[:])
		e.root(h.BlockHash)
		e.root(h.TransactionsRoot)
	}
	return e.buf, nil
}

func marshalSyncCommittee(e *encoder, sc *SyncCommittee) {
	if sc == nil {
		sc = &SyncCommittee{}
	}
	inner := &encoder{}
	for _, pk := range sc.Pubkeys {
		inner.bytes(pk[:])
	}
	e.list(inner.buf)
	e.bytes(sc.AggregatePubkey[:])
}

func unmarshalSyncCommittee(d *decoder) *SyncCommittee {
	sc := &SyncCommittee{}
	raw := d.list("sync_committee.pubkeys")
	for i := 0; i+48 <= len(raw); i += 48 {
		var pk Pubkey
		copy(pk[:], raw[i:i+48])
		sc.Pubkeys = append(sc.Pubkeys, pk)
	}
	copy(sc.AggregatePubkey[:], d.bytes(48, "sync_committee.aggregate"))
	return sc
}

func (s *BeaconState) UnmarshalSSZ(buf []byte) error {
	d := &decoder{buf: buf}
	s.Fork = Fork(d.u8("state.fork"))
	s.GenesisTime = d.u64("state.genesis_time")
	s.GenesisValidatorsRoot = d.root("state.genesis_validators_root")
	s.Slot = Slot(d.u64("state.slot"))
	hdr := d.bytes(112, "state.latest_header")
	if d.err == nil {
		if err := s.LatestBlockHeader.UnmarshalSSZ(hdr); err != nil {
			return err
		}
	}

	readRoots := func(what string) []Root {
		raw := d.list(what)
		var out []Root
		for i := 0; i+32 <= len(raw); i += 32 {
			var r Root
			copy(r[:], raw[i:i+32])
			out = append(out, r)
		}
		return out
	}
	s.BlockRoots = readRoots("state.block_roots")
	s.StateRoots = readRoots("state.state_roots")

	s.Eth1Data = unmarshalEth1Data(d)
	s.Eth1DepositIndex = d.u64("state.eth1_deposit_index")

	valsRaw := d.list("state.validators")
	vd := &decoder{buf: valsRaw}
	s.Validators = nil
	for vd.err == nil && vd.off < len(vd.buf) {
		v := unmarshalValidator(vd)
		if vd.err == nil {
			s.Validators = append(s.Validators, v)
		}
	}

	balsRaw := d.list("state.balances")
	s.Balances = nil
	for i := 0; i+8 <= len(balsRaw); i += 8 {
		s.Balances = append(s.Balances, Gwei(ssz.UnmarshallUint64(balsRaw[i:i+8])))
	}

	s.RandaoMixes = readRoots("state.randao_mixes")

	slRaw := d.list("state.slashings")
	s.Slashings = nil
	for i := 0; i+8 <= len(slRaw); i += 8 {
		s.Slashings = append(s.Slashings, Gwei(ssz.UnmarshallUint64(slRaw[i:i+8])))
	}

	s.PreviousEpochParticipation = append([]byte(nil), d.list("state.prev_participation")...)
	s.CurrentEpochParticipation = append([]byte(nil), d.list("state.curr_participation")...)

	s.JustificationBits = d.u8("state.justification_bits")
	s.PreviousJustifiedCheckpoint = unmarshalCheckpoint(d)
	s.CurrentJustifiedCheckpoint = unmarshalCheckpoint(d)
	s.FinalizedCheckpoint = unmarshalCheckpoint(d)

	if s.Fork >= Altair {
		inactRaw := d.list("state.inactivity_scores")
		s.InactivityScores = nil
		for i := 0; i+8 <= len(inactRaw); i += 8 {
			s.InactivityScores = append(s.InactivityScores, ssz.UnmarshallUint64(inactRaw[i:i+8]))
		}
		s.CurrentSyncCommittee = unmarshalSyncCommittee(d)
		s.NextSyncCommittee = unmarshalSyncCommittee(d)
	}
	if s.Fork >= Bellatrix {
		h := &ExecutionPayloadHeader{}
		h.ParentHash = d.root("state.payload.parent_hash")
		copy(h.FeeRecipient[:], d.bytes(20, "state.payload.fee_recipient"))
		h.StateRoot = d.root("state.payload.state_root")
		h.ReceiptsRoot = d.root("state.payload.receipts_root")
		h.PrevRandao = d.root("state.payload.prev_randao")
		h.BlockNumber = d.u64("state.payload.number")
		h.GasLimit = d.u64("state.payload.gas_limit")
		h.GasUsed = d.u64("state.payload.gas_used")
		h.Timestamp = d.u64("state.payload.timestamp")
		copy(h.BaseFeePerGas[:], d.bytes(32, "state.payload.base_fee"))
		h.BlockHash = d.root("state.payload.block_hash")
		h.TransactionsRoot = d.root("state.payload.transactions_root")
		s.LatestExecutionPayloadHeader = h
	}
	return d.finish()
}

// HashTreeRoot is the canonical state digest.
func (s *BeaconState) HashTreeRoot() (Root, error) {
	b, err := s.MarshalSSZ()
	if err != nil {
		return Root{}, err
	}
	return hashOf(b), nil
}
