package treehotstuff

// Proposal is a proposed block together with the id of its proposer.
type Proposal struct {
	Proposer ID
	Block    *Block
}

// Finality is the result of a decided command, handed back to the client.
type Finality struct {
	ReplicaID ID
	Decision  int8
	CmdHash   Hash
	BlockHash Hash
}

// Consensus is the pure HotStuff safety/liveness state machine. It is an
// external collaborator of the coordination core: the core delivers blocks
// and aggregated certificates to it and acts on its outputs.
type Consensus interface {
	// OnReceiveProposal processes a delivered proposal.
	OnReceiveProposal(p Proposal)
	// OnDeliverBlock is the acceptance hook called when a block becomes
	// deliverable. Returning false rejects the block.
	OnDeliverBlock(blk *Block) bool
	// UpdateHighQC informs the state machine of a new highest QC.
	UpdateHighQC(blk *Block, qc AggregateCert)
	// OnQCFinish signals that a full quorum certificate was assembled for blk.
	OnQCFinish(blk *Block)
	// StateMachineExecute applies a decided command.
	StateMachineExecute(fin Finality)
	// OnPropose creates and disseminates a proposal from the given command
	// batch. Called at the leader when a batch is full.
	OnPropose(cmds []Hash, parents []*Block)
}

// Pacemaker decides view progression and leader rotation.
type Pacemaker interface {
	// Beat asks the pacemaker for permission to propose. The callback is
	// invoked with the id of the proposer for the next view.
	Beat(then func(proposer ID))
	// BeatResp is called when responding to a proposal; the callback is
	// invoked with the id of the next proposer.
	BeatResp(proposer ID, then func(next ID))
	// OnConsensus notifies the pacemaker that a block reached consensus.
	OnConsensus(blk *Block)
	// Proposer returns the current proposer.
	Proposer() ID
	// Parents returns the parent blocks for a new proposal.
	Parents() []*Block
}

// BlockStore is the shared block store. A block transitions
// unknown -> fetched -> delivered; transitions are one-way.
type BlockStore interface {
	// IsFetched reports whether the block is present in the store.
	IsFetched(hash Hash) bool
	// IsDelivered reports whether the block is present and delivered.
	IsDelivered(hash Hash) bool
	// Find returns the block with the given hash, if present.
	Find(hash Hash) (*Block, bool)
	// Add stores the block, returning the canonical copy: if a block with
	// the same hash is already stored, that block is returned instead.
	Add(blk *Block) *Block
}
