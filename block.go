package treehotstuff

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"
)

// Block is a content-addressed node in the consensus DAG. It carries a batch
// of command hashes, one or more parent hashes (the first is the HotStuff
// parent, the rest are the QC ancestry chain), and the justify-QC the
// proposer attached.
//
// The block itself is immutable once created. The aggregation state (SelfQC
// and the flags around it) is mutated by the coordination core on the event
// loop goroutine only.
type Block struct {
	// keep a copy of the hash to avoid hashing multiple times
	hash     *Hash
	hashMut  sync.Mutex
	parents  []Hash
	cmds     []Hash
	qc       AggregateCert // justify-QC; nil only for genesis
	proposer ID

	delivered bool

	// SelfQC is the aggregating certificate this replica is building for
	// this block. It is created lazily on the first vote.
	SelfQC AggregateCert
	// RelaySent records that the interior-node relay for this block was
	// already forwarded upward.
	RelaySent bool
	// QCFinished records that OnQCFinish already fired for this block.
	QCFinished bool
}

// NewBlock creates a new block.
func NewBlock(parents []Hash, qc AggregateCert, cmds []Hash, proposer ID) *Block {
	return &Block{
		parents:  parents,
		cmds:     cmds,
		qc:       qc,
		proposer: proposer,
	}
}

func (b *Block) hashSlow() Hash {
	return sha256.Sum256(b.ToBytes())
}

// Hash returns the hash of the block.
func (b *Block) Hash() Hash {
	b.hashMut.Lock()
	defer b.hashMut.Unlock()
	if b.hash == nil {
		b.hash = new(Hash)
		*b.hash = b.hashSlow()
	}
	return *b.hash
}

// Proposer returns the id of the proposer.
func (b *Block) Proposer() ID {
	return b.proposer
}

// Parents returns the parent hashes. The first entry is the HotStuff parent.
func (b *Block) Parents() []Hash {
	return b.parents
}

// Commands returns the hashes of the commands batched into this block.
func (b *Block) Commands() []Hash {
	return b.cmds
}

// QC returns the justify-QC carried by this block, or nil for genesis.
func (b *Block) QC() AggregateCert {
	return b.qc
}

// QCRef returns the hash of the block the justify-QC endorses.
// The second return value is false for genesis.
func (b *Block) QCRef() (Hash, bool) {
	if b.qc == nil {
		return Hash{}, false
	}
	return b.qc.BlockHash(), true
}

// Delivered reports whether the block has been delivered: all parents and
// the justify-QC target delivered, and the signature verified.
func (b *Block) Delivered() bool {
	return b.delivered
}

// MarkDelivered marks the block as delivered. The transition is one-way.
func (b *Block) MarkDelivered() {
	b.delivered = true
}

// ToBytes returns the canonical byte representation used for hashing.
func (b *Block) ToBytes() []byte {
	buf := make([]byte, 0, 4+len(b.parents)*HashLen+4+len(b.cmds)*HashLen)
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(b.parents)))
	buf = append(buf, u32[:]...)
	for i := range b.parents {
		buf = append(buf, b.parents[i][:]...)
	}
	binary.LittleEndian.PutUint32(u32[:], uint32(len(b.cmds)))
	buf = append(buf, u32[:]...)
	for i := range b.cmds {
		buf = append(buf, b.cmds[i][:]...)
	}
	binary.LittleEndian.PutUint32(u32[:], uint32(b.proposer))
	buf = append(buf, u32[:]...)
	if b.qc != nil {
		buf = append(buf, b.qc.ToBytes()...)
	}
	return buf
}

func (b *Block) String() string {
	return fmt.Sprintf("Block{ hash: %.8s, parents: %d, cmds: %d, proposer: %d }",
		b.Hash().String(), len(b.parents), len(b.cmds), b.proposer)
}

var (
	genesisOnce sync.Once
	genesis     *Block
)

// GetGenesis returns the genesis block, which is the same for all replicas.
// Genesis is always delivered and carries no justify-QC.
func GetGenesis() *Block {
	genesisOnce.Do(func() {
		genesis = NewBlock(nil, nil, nil, 0)
		genesis.MarkDelivered()
	})
	return genesis
}
