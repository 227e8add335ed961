package wire

import (
	"fmt"

	"github.com/relab/treehotstuff"
)

// marshalBlock appends the wire form of a block:
// u32 nparents + hashes, u32 ncmds + hashes, u32 proposer, justify-QC blob.
func marshalBlock(b []byte, blk *treehotstuff.Block) []byte {
	parents := blk.Parents()
	b = appendUint32(b, uint32(len(parents)))
	for i := range parents {
		b = append(b, parents[i][:]...)
	}
	cmds := blk.Commands()
	b = appendUint32(b, uint32(len(cmds)))
	for i := range cmds {
		b = append(b, cmds[i][:]...)
	}
	b = appendUint32(b, uint32(blk.Proposer()))
	if qc := blk.QC(); qc != nil {
		b = appendBlob(b, qc.ToBytes())
	} else {
		b = appendUint32(b, 0)
	}
	return b
}

// unmarshalBlock reads one block and canonicalises it through ctx.
func unmarshalBlock(buf *buffer, ctx Context) (*treehotstuff.Block, error) {
	nparents, err := buf.uint32()
	if err != nil {
		return nil, err
	}
	if uint64(buf.remaining()) < uint64(nparents)*treehotstuff.HashLen {
		return nil, ErrMalformed
	}
	parents := make([]treehotstuff.Hash, nparents)
	for i := range parents {
		if parents[i], err = buf.hash(); err != nil {
			return nil, err
		}
	}
	ncmds, err := buf.uint32()
	if err != nil {
		return nil, err
	}
	if uint64(buf.remaining()) < uint64(ncmds)*treehotstuff.HashLen {
		return nil, ErrMalformed
	}
	cmds := make([]treehotstuff.Hash, ncmds)
	for i := range cmds {
		if cmds[i], err = buf.hash(); err != nil {
			return nil, err
		}
	}
	proposer, err := buf.uint32()
	if err != nil {
		return nil, err
	}
	qcBytes, err := buf.blob()
	if err != nil {
		return nil, err
	}
	var qc treehotstuff.AggregateCert
	if len(qcBytes) > 0 {
		if qc, err = ctx.AggregateCertFromBytes(qcBytes); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	blk := treehotstuff.NewBlock(parents, qc, cmds, treehotstuff.ID(proposer))
	return ctx.AddBlock(blk), nil
}

// Propose carries a full block down the tree.
type Propose struct {
	raw      []byte
	Proposal treehotstuff.Proposal
}

// NewPropose creates a Propose message for the given proposal.
func NewPropose(p treehotstuff.Proposal) *Propose {
	raw := appendUint32(nil, uint32(p.Proposer))
	raw = marshalBlock(raw, p.Block)
	return &Propose{raw: raw, Proposal: p}
}

// Opcode returns the kind of the message.
func (m *Propose) Opcode() Opcode { return OpPropose }

// Payload returns the serialized payload.
func (m *Propose) Payload() []byte { return m.raw }

// PostponedParse decodes the payload.
func (m *Propose) PostponedParse(ctx Context) error {
	buf := &buffer{data: m.raw}
	proposer, err := buf.uint32()
	if err != nil {
		return err
	}
	blk, err := unmarshalBlock(buf, ctx)
	if err != nil {
		return err
	}
	m.Proposal = treehotstuff.Proposal{Proposer: treehotstuff.ID(proposer), Block: blk}
	return nil
}

// Vote carries a single replica's partial certificate up the tree.
type Vote struct {
	raw       []byte
	BlockHash treehotstuff.Hash
	Voter     treehotstuff.ID
	Cert      treehotstuff.PartialCert
}

// NewVote creates a Vote message.
func NewVote(blockHash treehotstuff.Hash, voter treehotstuff.ID, cert treehotstuff.PartialCert) *Vote {
	raw := append([]byte(nil), blockHash[:]...)
	raw = appendUint32(raw, uint32(voter))
	raw = appendBlob(raw, cert.ToBytes())
	return &Vote{raw: raw, BlockHash: blockHash, Voter: voter, Cert: cert}
}

// Opcode returns the kind of the message.
func (m *Vote) Opcode() Opcode { return OpVote }

// Payload returns the serialized payload.
func (m *Vote) Payload() []byte { return m.raw }

// PostponedParse decodes the payload.
func (m *Vote) PostponedParse(ctx Context) error {
	buf := &buffer{data: m.raw}
	var err error
	if m.BlockHash, err = buf.hash(); err != nil {
		return err
	}
	voter, err := buf.uint32()
	if err != nil {
		return err
	}
	m.Voter = treehotstuff.ID(voter)
	certBytes, err := buf.blob()
	if err != nil {
		return err
	}
	if m.Cert, err = ctx.PartialCertFromBytes(certBytes); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// VoteRelay carries the aggregated certificate of a subtree up the tree.
type VoteRelay struct {
	raw       []byte
	BlockHash treehotstuff.Hash
	Cert      treehotstuff.AggregateCert
}

// NewVoteRelay creates a VoteRelay message.
func NewVoteRelay(blockHash treehotstuff.Hash, cert treehotstuff.AggregateCert) *VoteRelay {
	raw := append([]byte(nil), blockHash[:]...)
	raw = appendBlob(raw, cert.ToBytes())
	return &VoteRelay{raw: raw, BlockHash: blockHash, Cert: cert}
}

// Opcode returns the kind of the message.
func (m *VoteRelay) Opcode() Opcode { return OpVoteRelay }

// Payload returns the serialized payload.
func (m *VoteRelay) Payload() []byte { return m.raw }

// PostponedParse decodes the payload.
func (m *VoteRelay) PostponedParse(ctx Context) error {
	buf := &buffer{data: m.raw}
	var err error
	if m.BlockHash, err = buf.hash(); err != nil {
		return err
	}
	certBytes, err := buf.blob()
	if err != nil {
		return err
	}
	if m.Cert, err = ctx.AggregateCertFromBytes(certBytes); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// ReqBlock requests blocks by hash.
type ReqBlock struct {
	raw    []byte
	Hashes []treehotstuff.Hash
}

// NewReqBlock creates a ReqBlock message.
func NewReqBlock(hashes ...treehotstuff.Hash) *ReqBlock {
	raw := appendUint32(nil, uint32(len(hashes)))
	for i := range hashes {
		raw = append(raw, hashes[i][:]...)
	}
	return &ReqBlock{raw: raw, Hashes: hashes}
}

// Opcode returns the kind of the message.
func (m *ReqBlock) Opcode() Opcode { return OpReqBlock }

// Payload returns the serialized payload.
func (m *ReqBlock) Payload() []byte { return m.raw }

// PostponedParse decodes the payload. ReqBlock carries no embedded block
// references, so the context is unused.
func (m *ReqBlock) PostponedParse(_ Context) error {
	buf := &buffer{data: m.raw}
	count, err := buf.uint32()
	if err != nil {
		return err
	}
	if uint64(buf.remaining()) < uint64(count)*treehotstuff.HashLen {
		return ErrMalformed
	}
	m.Hashes = make([]treehotstuff.Hash, count)
	for i := range m.Hashes {
		if m.Hashes[i], err = buf.hash(); err != nil {
			return err
		}
	}
	return nil
}

// RespBlock carries full blocks in response to a ReqBlock.
type RespBlock struct {
	raw    []byte
	Blocks []*treehotstuff.Block
}

// NewRespBlock creates a RespBlock message.
func NewRespBlock(blocks ...*treehotstuff.Block) *RespBlock {
	raw := appendUint32(nil, uint32(len(blocks)))
	for _, blk := range blocks {
		raw = appendBlob(raw, marshalBlock(nil, blk))
	}
	return &RespBlock{raw: raw, Blocks: blocks}
}

// Opcode returns the kind of the message.
func (m *RespBlock) Opcode() Opcode { return OpRespBlock }

// Payload returns the serialized payload.
func (m *RespBlock) Payload() []byte { return m.raw }

// PostponedParse decodes the payload, adding each block to the store.
func (m *RespBlock) PostponedParse(ctx Context) error {
	buf := &buffer{data: m.raw}
	count, err := buf.uint32()
	if err != nil {
		return err
	}
	m.Blocks = make([]*treehotstuff.Block, 0, count)
	for i := uint32(0); i < count; i++ {
		blob, err := buf.blob()
		if err != nil {
			return err
		}
		blk, err := unmarshalBlock(&buffer{data: blob}, ctx)
		if err != nil {
			return err
		}
		m.Blocks = append(m.Blocks, blk)
	}
	return nil
}
