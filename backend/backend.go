// Package backend implements the networked coordination core of the
// replication engine: the block fetch/deliver pipeline and the tree-overlay
// vote aggregation. The pure HotStuff state machine, the pacemaker, and the
// crypto primitives are external collaborators.
//
// All consensus state (block store contents, pending maps, per-block
// aggregation state) is mutated on the event loop goroutine only.
// Cryptographic verification runs on the worker pool and re-enters the loop
// through completion events.
package backend

import (
	"math/rand"
	"time"

	"github.com/relab/treehotstuff"
	"github.com/relab/treehotstuff/eventloop"
	"github.com/relab/treehotstuff/logging"
	"github.com/relab/treehotstuff/network"
	"github.com/relab/treehotstuff/tree"
	"github.com/relab/treehotstuff/wire"
)

// pacing delay between connection attempts at startup, to avoid a
// thundering herd of TCP handshakes.
const connectPacing = time.Millisecond

// workerPool runs verification tasks off the event loop goroutine and hands
// the results back to it. Implemented by eventloop.Pool.
type workerPool interface {
	Go(task func() bool, done func(ok bool))
}

// Sender is the subset of the peer network the coordination core uses.
type Sender interface {
	Send(msg wire.Message, id treehotstuff.ID) error
	Multicast(msg wire.Message, ids []treehotstuff.ID)
	Connect(id treehotstuff.ID) error
	RegisterHandler(op wire.Opcode, h network.Handler)
	SetDisconnectHandler(h network.DisconnectHandler)
}

// HotStuff is the coordination core of one replica.
type HotStuff struct {
	config    *treehotstuff.Config
	logger    logging.Logger
	eventLoop *eventloop.EventLoop
	pool      workerPool
	net       Sender
	store     treehotstuff.BlockStore
	signer    treehotstuff.Signer
	certs     treehotstuff.CertCodec
	consensus treehotstuff.Consensus
	pacemaker treehotstuff.Pacemaker

	tree        *tree.Tree
	parent      treehotstuff.ID
	hasParent   bool
	children    []treehotstuff.ID
	subTreeSize int

	fetchWaiting    map[treehotstuff.Hash]*blockFetchContext
	deliveryWaiting map[treehotstuff.Hash]*blockDeliveryContext
	decisionWaiting map[treehotstuff.Hash]func(treehotstuff.Finality)

	cmdBuffer []treehotstuff.Hash

	stats stats
}

// internal events dispatched on the event loop
type (
	proposeEvent struct {
		msg  *wire.Propose
		from treehotstuff.ID
	}
	voteEvent struct {
		msg  *wire.Vote
		from treehotstuff.ID
	}
	voteRelayEvent struct {
		msg  *wire.VoteRelay
		from treehotstuff.ID
	}
	reqBlockEvent struct {
		msg  *wire.ReqBlock
		from treehotstuff.ID
	}
	respBlockEvent struct {
		msg  *wire.RespBlock
		from treehotstuff.ID
	}
	commandEvent struct {
		cmd      treehotstuff.Hash
		callback func(treehotstuff.Finality)
	}
	disconnectEvent struct {
		id treehotstuff.ID
	}
)

// New creates the coordination core. The caller wires in the external
// collaborators; Start must be called before the core processes messages.
func New(
	config *treehotstuff.Config,
	consensus treehotstuff.Consensus,
	pacemaker treehotstuff.Pacemaker,
	store treehotstuff.BlockStore,
	signer treehotstuff.Signer,
	certs treehotstuff.CertCodec,
	net Sender,
	eventLoop *eventloop.EventLoop,
	nworker int,
) *HotStuff {
	hs := &HotStuff{
		config:    config,
		logger:    logging.New("backend"),
		eventLoop: eventLoop,
		pool:      eventloop.NewPool(eventLoop, int64(nworker)),
		net:       net,
		store:     store,
		signer:    signer,
		certs:     certs,
		consensus: consensus,
		pacemaker: pacemaker,

		fetchWaiting:    make(map[treehotstuff.Hash]*blockFetchContext),
		deliveryWaiting: make(map[treehotstuff.Hash]*blockDeliveryContext),
		decisionWaiting: make(map[treehotstuff.Hash]func(treehotstuff.Finality)),

		stats: stats{fetchedFrom: make(map[treehotstuff.ID]uint64)},
	}
	hs.registerHandlers()
	return hs
}

// registerHandlers wires the network's per-kind handlers and the event loop
// handlers. Network handlers run on the per-peer reader goroutines and only
// enqueue; the loop handlers below do the work.
func (hs *HotStuff) registerHandlers() {
	hs.net.RegisterHandler(wire.OpPropose, func(msg wire.Message, from treehotstuff.ID) {
		hs.eventLoop.AddEvent(proposeEvent{msg.(*wire.Propose), from})
	})
	hs.net.RegisterHandler(wire.OpVote, func(msg wire.Message, from treehotstuff.ID) {
		hs.eventLoop.AddEvent(voteEvent{msg.(*wire.Vote), from})
	})
	hs.net.RegisterHandler(wire.OpVoteRelay, func(msg wire.Message, from treehotstuff.ID) {
		hs.eventLoop.AddEvent(voteRelayEvent{msg.(*wire.VoteRelay), from})
	})
	hs.net.RegisterHandler(wire.OpReqBlock, func(msg wire.Message, from treehotstuff.ID) {
		hs.eventLoop.AddEvent(reqBlockEvent{msg.(*wire.ReqBlock), from})
	})
	hs.net.RegisterHandler(wire.OpRespBlock, func(msg wire.Message, from treehotstuff.ID) {
		hs.eventLoop.AddEvent(respBlockEvent{msg.(*wire.RespBlock), from})
	})
	hs.net.SetDisconnectHandler(func(id treehotstuff.ID) {
		hs.eventLoop.AddEvent(disconnectEvent{id})
	})

	hs.eventLoop.RegisterHandler(proposeEvent{}, func(event any) {
		hs.onPropose(event.(proposeEvent))
	})
	hs.eventLoop.RegisterHandler(voteEvent{}, func(event any) {
		hs.onVote(event.(voteEvent))
	})
	hs.eventLoop.RegisterHandler(voteRelayEvent{}, func(event any) {
		hs.onVoteRelay(event.(voteRelayEvent))
	})
	hs.eventLoop.RegisterHandler(reqBlockEvent{}, func(event any) {
		hs.onReqBlock(event.(reqBlockEvent))
	})
	hs.eventLoop.RegisterHandler(respBlockEvent{}, func(event any) {
		hs.onRespBlock(event.(respBlockEvent))
	})
	hs.eventLoop.RegisterHandler(commandEvent{}, func(event any) {
		hs.onCommand(event.(commandEvent))
	})
	hs.eventLoop.RegisterHandler(disconnectEvent{}, func(event any) {
		hs.onDisconnect(event.(disconnectEvent).id)
	})
}

// AddBlock canonicalises a deserialised block through the shared store.
// Together with the certificate decoding methods this makes the core the
// wire.Context used for postponed parsing.
func (hs *HotStuff) AddBlock(blk *treehotstuff.Block) *treehotstuff.Block {
	return hs.store.Add(blk)
}

// PartialCertFromBytes decodes a partial certificate.
func (hs *HotStuff) PartialCertFromBytes(data []byte) (treehotstuff.PartialCert, error) {
	return hs.certs.PartialCertFromBytes(data)
}

// AggregateCertFromBytes decodes an aggregate certificate.
func (hs *HotStuff) AggregateCertFromBytes(data []byte) (treehotstuff.AggregateCert, error) {
	return hs.certs.AggregateCertFromBytes(data)
}

var _ wire.Context = (*HotStuff)(nil)

// Tree returns the local replica's view of the tree overlay.
// It is available after Start.
func (hs *HotStuff) Tree() *tree.Tree {
	return hs.tree
}

// ID returns the id of the local replica.
func (hs *HotStuff) ID() treehotstuff.ID {
	return hs.config.ID
}

// Signer returns the crypto scheme used by the core.
func (hs *HotStuff) Signer() treehotstuff.Signer {
	return hs.signer
}

// Start computes the tree overlay, connects to the adjacent peers, and
// starts the periodic statistics ticker. If runLoop is true, Start runs the
// event loop until the loop's context is cancelled.
func (hs *HotStuff) Start(runLoop bool) error {
	ids := hs.config.Replicas()
	t, err := tree.New(ids, hs.config.ID, hs.config.Fanout)
	if err != nil {
		return err
	}
	hs.tree = t
	hs.parent, hs.hasParent = t.Parent()
	hs.children = t.Children()
	hs.subTreeSize = t.SubTreeSize()
	hs.logger.Infof("replica %d: parent %v, children %v, subtree size %d",
		hs.config.ID, hs.parent, hs.children, hs.subTreeSize)

	// only direct tree edges are connected; non-adjacent peers are known
	// but unconnected.
	adjacent := make([]treehotstuff.ID, 0, len(hs.children)+1)
	if hs.hasParent {
		adjacent = append(adjacent, hs.parent)
	}
	adjacent = append(adjacent, hs.children...)
	rand.Shuffle(len(adjacent), func(i, j int) {
		adjacent[i], adjacent[j] = adjacent[j], adjacent[i]
	})
	for _, id := range adjacent {
		if err := hs.net.Connect(id); err != nil {
			return err
		}
		time.Sleep(connectPacing)
	}

	nfaulty := (hs.config.N() - 1) / 3
	if nfaulty == 0 {
		hs.logger.Warn("too few replicas in the system to tolerate any failure")
	}

	hs.eventLoop.AddTicker(10*time.Second, func(time.Time) any {
		return statTickEvent{}
	})
	hs.eventLoop.RegisterHandler(statTickEvent{}, func(any) {
		hs.logStats()
	})

	if runLoop {
		hs.eventLoop.Run(hs.eventLoop.Context())
	}
	return nil
}

// ExecCommand hands a client command to the core. The callback is invoked
// once the command is decided. ExecCommand is safe to call from any
// goroutine.
func (hs *HotStuff) ExecCommand(cmd treehotstuff.Hash, callback func(treehotstuff.Finality)) {
	hs.eventLoop.AddEvent(commandEvent{cmd: cmd, callback: callback})
}

// onCommand registers the decision callback and, at the leader, batches
// commands into proposals of BatchSize commands.
func (hs *HotStuff) onCommand(ev commandEvent) {
	if _, ok := hs.decisionWaiting[ev.cmd]; ok {
		// duplicate: answer the new caller immediately with an empty decision
		ev.callback(treehotstuff.Finality{ReplicaID: hs.config.ID, CmdHash: ev.cmd})
	} else {
		hs.decisionWaiting[ev.cmd] = ev.callback
	}

	if hs.pacemaker.Proposer() != hs.config.ID {
		return
	}
	hs.cmdBuffer = append(hs.cmdBuffer, ev.cmd)
	if uint32(len(hs.cmdBuffer)) < hs.config.BatchSize {
		return
	}
	cmds := hs.cmdBuffer[:hs.config.BatchSize]
	hs.cmdBuffer = hs.cmdBuffer[hs.config.BatchSize:]
	hs.stats.gened++
	hs.pacemaker.Beat(func(proposer treehotstuff.ID) {
		if proposer == hs.config.ID {
			hs.consensus.OnPropose(cmds, hs.pacemaker.Parents())
		}
	})
}

// DoBroadcastProposal disseminates a proposal to the direct children.
// Descendants re-relay it in their propose handler.
func (hs *HotStuff) DoBroadcastProposal(p treehotstuff.Proposal) {
	hs.net.Multicast(wire.NewPropose(p), hs.children)
}

// DoVote casts the local replica's vote for a proposal. Every replica
// records its own contribution in the block's aggregate, where the
// children's votes will join it; a leaf also sends the vote to its parent.
func (hs *HotStuff) DoVote(p treehotstuff.Proposal, vote treehotstuff.PartialCert) {
	hs.pacemaker.BeatResp(p.Proposer, func(treehotstuff.ID) {
		blk, ok := hs.store.Find(vote.BlockHash())
		if !ok {
			hs.logger.Warnf("DoVote: block %.8s not found", vote.BlockHash().String())
			return
		}
		hs.ensureSelfQC(blk)
		if len(hs.children) == 0 && hs.hasParent {
			hs.net.Send(wire.NewVote(vote.BlockHash(), hs.config.ID, vote), hs.parent)
		}
	})
}

// DoConsensus notifies the pacemaker that a block reached consensus.
func (hs *HotStuff) DoConsensus(blk *treehotstuff.Block) {
	hs.pacemaker.OnConsensus(blk)
}

// DoDecide executes a decided command and answers the waiting client.
func (hs *HotStuff) DoDecide(fin treehotstuff.Finality) {
	hs.stats.decided++
	hs.consensus.StateMachineExecute(fin)
	if callback, ok := hs.decisionWaiting[fin.CmdHash]; ok {
		callback(fin)
		delete(hs.decisionWaiting, fin.CmdHash)
	}
}

// onPropose relays the proposal down the tree and delivers the block before
// handing it to the state machine.
func (hs *HotStuff) onPropose(ev proposeEvent) {
	if _, ok := hs.config.Replica(ev.from); !ok {
		return
	}
	if err := ev.msg.PostponedParse(hs); err != nil {
		hs.logger.Warnf("dropping malformed proposal from replica %d: %v", ev.from, err)
		return
	}
	prop := ev.msg.Proposal
	if prop.Block == nil {
		return
	}

	hs.net.Multicast(wire.NewPropose(prop), hs.children)

	hs.asyncDeliverBlock(prop.Block.Hash(), &ev.from, func(_ *treehotstuff.Block, err error) {
		if err != nil {
			hs.logger.Warnf("delivery of proposal %.8s failed: %v", prop.Block.Hash().String(), err)
			return
		}
		hs.consensus.OnReceiveProposal(prop)
	})
}

// onReqBlock answers a block request once every requested block is fetched.
func (hs *HotStuff) onReqBlock(ev reqBlockEvent) {
	if _, ok := hs.config.Replica(ev.from); !ok {
		return
	}
	if err := ev.msg.PostponedParse(hs); err != nil {
		hs.logger.Warnf("dropping malformed block request from replica %d: %v", ev.from, err)
		return
	}
	hashes := ev.msg.Hashes
	blocks := make([]*treehotstuff.Block, len(hashes))
	remaining := len(hashes)
	failed := false
	if remaining == 0 {
		hs.net.Send(wire.NewRespBlock(), ev.from)
		return
	}
	for i, hash := range hashes {
		i := i
		hs.asyncFetchBlock(hash, nil, func(blk *treehotstuff.Block, err error) {
			if err != nil {
				failed = true
			} else {
				blocks[i] = blk
			}
			remaining--
			if remaining == 0 && !failed {
				hs.net.Send(wire.NewRespBlock(blocks...), ev.from)
			}
		})
	}
}

// onRespBlock resolves the fetch contexts waiting for the received blocks.
func (hs *HotStuff) onRespBlock(ev respBlockEvent) {
	if err := ev.msg.PostponedParse(hs); err != nil {
		hs.logger.Warnf("dropping malformed block response from replica %d: %v", ev.from, err)
		return
	}
	for _, blk := range ev.msg.Blocks {
		if blk != nil {
			hs.onFetchBlock(blk)
		}
	}
}
