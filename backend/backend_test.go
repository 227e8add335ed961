package backend

import (
	"context"
	"slices"
	"testing"

	"github.com/relab/treehotstuff"
	"github.com/relab/treehotstuff/blockchain"
	"github.com/relab/treehotstuff/crypto/ecdsa"
	"github.com/relab/treehotstuff/crypto/keygen"
	"github.com/relab/treehotstuff/eventloop"
	"github.com/relab/treehotstuff/logging"
	"github.com/relab/treehotstuff/network"
	"github.com/relab/treehotstuff/wire"
)

func init() {
	logging.SetLogLevel("error")
}

// syncPool runs verification inline, keeping the test cluster fully
// deterministic: everything happens on the goroutine ticking the loops.
type syncPool struct{}

func (syncPool) Go(task func() bool, done func(ok bool)) {
	done(task())
}

// hub connects the fake networks of a test cluster.
type hub struct {
	t        *testing.T
	replicas map[treehotstuff.ID]*testReplica
}

// fakeNet is an in-memory Sender. Messages are re-encoded on delivery so
// that the receiving replica parses its own copy, like on a real wire.
type fakeNet struct {
	id       treehotstuff.ID
	hub      *hub
	handlers map[wire.Opcode]network.Handler

	sent map[wire.Opcode]map[treehotstuff.ID]int
	// decoded copies of the relays this replica sent, for assertions
	relays []*wire.VoteRelay
}

func (n *fakeNet) Send(msg wire.Message, to treehotstuff.ID) error {
	if n.sent[msg.Opcode()] == nil {
		n.sent[msg.Opcode()] = make(map[treehotstuff.ID]int)
	}
	n.sent[msg.Opcode()][to]++

	dst, ok := n.hub.replicas[to]
	if !ok {
		return network.ErrUnknownPeer
	}
	copied, err := wire.Decode(msg.Opcode(), slices.Clone(msg.Payload()))
	if err != nil {
		n.hub.t.Fatalf("failed to re-decode %T: %v", msg, err)
	}
	if relay, ok := copied.(*wire.VoteRelay); ok {
		n.relays = append(n.relays, relay)
	}
	dst.net.handlers[msg.Opcode()](copied, n.id)
	return nil
}

func (n *fakeNet) Multicast(msg wire.Message, ids []treehotstuff.ID) {
	for _, id := range ids {
		_ = n.Send(msg, id)
	}
}

func (n *fakeNet) Connect(treehotstuff.ID) error { return nil }

func (n *fakeNet) RegisterHandler(op wire.Opcode, h network.Handler) {
	n.handlers[op] = h
}

func (n *fakeNet) SetDisconnectHandler(network.DisconnectHandler) {}

// fakePacemaker keeps replica 0 as the fixed proposer.
type fakePacemaker struct{}

func (fakePacemaker) Beat(then func(treehotstuff.ID)) { then(0) }

func (fakePacemaker) BeatResp(_ treehotstuff.ID, then func(treehotstuff.ID)) { then(0) }

func (fakePacemaker) OnConsensus(*treehotstuff.Block) {}

func (fakePacemaker) Proposer() treehotstuff.ID { return 0 }
func (fakePacemaker) Parents() []*treehotstuff.Block {
	return []*treehotstuff.Block{treehotstuff.GetGenesis()}
}

// fakeSafety records the callbacks from the core and votes for every
// proposal it receives.
type fakeSafety struct {
	r *testReplica

	received   []treehotstuff.Proposal
	proposed   [][]treehotstuff.Hash
	qcFinished map[treehotstuff.Hash]int
	highQC     treehotstuff.AggregateCert
}

func (s *fakeSafety) OnReceiveProposal(p treehotstuff.Proposal) {
	s.received = append(s.received, p)
	part, err := s.r.signer.CreatePartCert(p.Block.Hash())
	if err != nil {
		s.r.hub.t.Fatalf("failed to sign proposal: %v", err)
	}
	s.r.hs.DoVote(p, part)
}

func (s *fakeSafety) OnDeliverBlock(*treehotstuff.Block) bool { return true }

func (s *fakeSafety) UpdateHighQC(_ *treehotstuff.Block, qc treehotstuff.AggregateCert) {
	s.highQC = qc
}

func (s *fakeSafety) OnQCFinish(blk *treehotstuff.Block) {
	s.qcFinished[blk.Hash()]++
}

func (s *fakeSafety) StateMachineExecute(treehotstuff.Finality) {}

func (s *fakeSafety) OnPropose(cmds []treehotstuff.Hash, _ []*treehotstuff.Block) {
	s.proposed = append(s.proposed, cmds)
}

type testReplica struct {
	hub    *hub
	hs     *HotStuff
	el     *eventloop.EventLoop
	net    *fakeNet
	store  *blockchain.Store
	signer *ecdsa.Crypto
	safety *fakeSafety
}

func newCluster(t *testing.T, n, fanout int, batchSize uint32) *hub {
	t.Helper()
	h := &hub{t: t, replicas: make(map[treehotstuff.ID]*testReplica)}

	infos := make([]*treehotstuff.ReplicaInfo, n)
	cryptos := make([]*ecdsa.Crypto, n)
	configs := make([]*treehotstuff.Config, n)
	for i := 0; i < n; i++ {
		id := treehotstuff.ID(i)
		key, err := keygen.GenerateECDSAPrivateKey()
		if err != nil {
			t.Fatalf("failed to generate key: %v", err)
		}
		infos[i] = &treehotstuff.ReplicaInfo{ID: id, PubKey: &key.PublicKey}
		cryptos[i] = ecdsa.New(id, key)
		configs[i] = treehotstuff.NewConfig(id, key, fanout, batchSize)
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			configs[i].AddReplica(infos[j])
		}
	}

	for i := 0; i < n; i++ {
		id := treehotstuff.ID(i)
		r := &testReplica{
			hub:    h,
			el:     eventloop.New(1024),
			store:  blockchain.New(),
			signer: cryptos[i],
		}
		r.net = &fakeNet{
			id:       id,
			hub:      h,
			handlers: make(map[wire.Opcode]network.Handler),
			sent:     make(map[wire.Opcode]map[treehotstuff.ID]int),
		}
		r.safety = &fakeSafety{r: r, qcFinished: make(map[treehotstuff.Hash]int)}
		r.hs = New(configs[i], r.safety, fakePacemaker{}, r.store, cryptos[i], cryptos[i], r.net, r.el, 1)
		r.hs.pool = syncPool{}
		if err := r.hs.Start(false); err != nil {
			t.Fatalf("Start failed for replica %d: %v", id, err)
		}
		h.replicas[id] = r
	}
	return h
}

// run ticks every event loop until the whole cluster is quiescent.
func (h *hub) run() {
	ctx := context.Background()
	for {
		progress := false
		for _, r := range h.replicas {
			for r.el.Tick(ctx) {
				progress = true
			}
		}
		if !progress {
			return
		}
	}
}

// propose creates a block at the leader and disseminates it down the tree.
func (h *hub) propose(cmds ...treehotstuff.Hash) *treehotstuff.Block {
	leader := h.replicas[0]
	genesis := treehotstuff.GetGenesis()
	qc := leader.signer.CreateQuorumCert(genesis.Hash())
	blk := leader.store.Add(treehotstuff.NewBlock([]treehotstuff.Hash{genesis.Hash()}, qc, cmds, 0))
	blk.MarkDelivered()
	leader.hs.DoBroadcastProposal(treehotstuff.Proposal{Proposer: 0, Block: blk})
	return blk
}

// Straight-line delivery: n=4, fanout=3. All non-leaders deliver the
// proposal and vote; the root reaches quorum and finishes exactly once.
func TestProposalRound(t *testing.T) {
	h := newCluster(t, 4, 3, 1)
	blk := h.propose(treehotstuff.Hash{1})
	h.run()

	for id := treehotstuff.ID(1); id <= 3; id++ {
		r := h.replicas[id]
		if len(r.safety.received) != 1 || r.safety.received[0].Block.Hash() != blk.Hash() {
			t.Errorf("replica %d received %d proposals", id, len(r.safety.received))
		}
		if !r.store.IsDelivered(blk.Hash()) {
			t.Errorf("replica %d did not deliver the proposal", id)
		}
	}

	root := h.replicas[0]
	if got := root.safety.qcFinished[blk.Hash()]; got != 1 {
		t.Errorf("OnQCFinish fired %d times, want 1", got)
	}
	quorum := root.hs.config.QuorumSize()
	if root.safety.highQC == nil || root.safety.highQC.Participants().Len() < quorum {
		t.Errorf("final QC does not have a quorum of contributors")
	}
	if !root.safety.highQC.Verify(root.hs.config) {
		t.Errorf("final QC does not verify")
	}
}

// Missing ancestor: a replica receives a proposal whose parent it has never
// seen. The pipeline fetches the ancestor, delivers it, and then delivers
// the proposal. Only a single fetch is issued even though both the parent
// delivery and the justify-QC fetch await the same block.
func TestMissingAncestorIsFetched(t *testing.T) {
	h := newCluster(t, 2, 3, 1)
	leader, follower := h.replicas[0], h.replicas[1]
	genesis := treehotstuff.GetGenesis()

	b1 := leader.store.Add(treehotstuff.NewBlock(
		[]treehotstuff.Hash{genesis.Hash()}, leader.signer.CreateQuorumCert(genesis.Hash()), nil, 0))
	b1.MarkDelivered()

	qc1 := leader.signer.CreateQuorumCert(b1.Hash())
	part, err := leader.signer.CreatePartCert(b1.Hash())
	if err != nil {
		t.Fatal(err)
	}
	if err := qc1.AddPart(leader.hs.config, 0, part); err != nil {
		t.Fatal(err)
	}
	b2 := leader.store.Add(treehotstuff.NewBlock([]treehotstuff.Hash{b1.Hash()}, qc1, nil, 0))
	b2.MarkDelivered()

	// the follower sees b2 before ever seeing b1
	leader.hs.net.Send(wire.NewPropose(treehotstuff.Proposal{Proposer: 0, Block: b2}), 1)
	h.run()

	if !follower.store.IsDelivered(b1.Hash()) {
		t.Error("ancestor b1 was not delivered")
	}
	if !follower.store.IsDelivered(b2.Hash()) {
		t.Error("proposal b2 was not delivered")
	}
	if len(follower.safety.received) != 1 {
		t.Errorf("follower received %d proposals, want 1", len(follower.safety.received))
	}
	if got := follower.net.sent[wire.OpReqBlock][0]; got != 1 {
		t.Errorf("follower issued %d fetches of b1, want 1", got)
	}
}

// At most one fetch context exists per hash; all awaiters share its
// resolution.
func TestFetchIsSingleFlight(t *testing.T) {
	h := newCluster(t, 2, 3, 1)
	leader, follower := h.replicas[0], h.replicas[1]
	genesis := treehotstuff.GetGenesis()

	b1 := leader.store.Add(treehotstuff.NewBlock(
		[]treehotstuff.Hash{genesis.Hash()}, leader.signer.CreateQuorumCert(genesis.Hash()), nil, 0))

	var got []*treehotstuff.Block
	source := treehotstuff.ID(0)
	for i := 0; i < 2; i++ {
		follower.hs.asyncFetchBlock(b1.Hash(), &source, func(blk *treehotstuff.Block, err error) {
			if err != nil {
				t.Errorf("fetch rejected: %v", err)
			}
			got = append(got, blk)
		})
	}
	if len(follower.hs.fetchWaiting) != 1 {
		t.Fatalf("%d fetch contexts exist, want 1", len(follower.hs.fetchWaiting))
	}
	if sent := follower.net.sent[wire.OpReqBlock][0]; sent != 1 {
		t.Fatalf("%d requests issued, want 1", sent)
	}

	h.run()

	if len(got) != 2 {
		t.Fatalf("%d waiters resolved, want 2", len(got))
	}
	if got[0] != got[1] {
		t.Error("waiters resolved with distinct block objects")
	}
	if len(follower.hs.fetchWaiting) != 0 {
		t.Error("fetch context was not removed after resolution")
	}
}

// Duplicate and late votes are ignored idempotently, and OnQCFinish fires
// only once.
func TestDuplicateAndLateVotes(t *testing.T) {
	h := newCluster(t, 4, 3, 1)
	root := h.replicas[0]
	blk := h.propose(treehotstuff.Hash{2})

	// drain the full round first so every replica has voted
	h.run()

	if got := root.safety.qcFinished[blk.Hash()]; got != 1 {
		t.Fatalf("OnQCFinish fired %d times, want 1", got)
	}
	participants := blk.SelfQC.Participants().Len()

	// replay replica 1's vote after quorum
	voter := h.replicas[1]
	part, err := voter.signer.CreatePartCert(blk.Hash())
	if err != nil {
		t.Fatal(err)
	}
	voter.hs.net.Send(wire.NewVote(blk.Hash(), 1, part), 0)
	h.run()

	if got := root.safety.qcFinished[blk.Hash()]; got != 1 {
		t.Errorf("OnQCFinish fired %d times after a late vote, want 1", got)
	}
	if got := blk.SelfQC.Participants().Len(); got != participants {
		t.Errorf("late vote changed the aggregate: %d participants, want %d", got, participants)
	}
}

// Tree fan-in: n=13, fanout=3. Each interior node forwards exactly one
// relay carrying its whole subtree, and the root assembles a quorum.
func TestTreeFanIn(t *testing.T) {
	h := newCluster(t, 13, 3, 1)
	blk := h.propose(treehotstuff.Hash{3})
	h.run()

	root := h.replicas[0]
	if got := root.safety.qcFinished[blk.Hash()]; got != 1 {
		t.Fatalf("OnQCFinish fired %d times, want 1", got)
	}
	quorum := root.hs.config.QuorumSize()
	if got := root.safety.highQC.Participants().Len(); got < quorum {
		t.Errorf("final QC has %d contributors, want at least %d", got, quorum)
	}

	for id := treehotstuff.ID(1); id <= 3; id++ {
		interior := h.replicas[id]
		if got := interior.net.sent[wire.OpVoteRelay][0]; got != 1 {
			t.Errorf("interior replica %d sent %d relays, want 1", id, got)
		}
		relay := interior.net.relays[0]
		if err := relay.PostponedParse(root.hs); err != nil {
			t.Fatal(err)
		}
		if got := relay.Cert.Participants().Len(); got != 4 {
			t.Errorf("relay from replica %d has %d contributors, want 4", id, got)
		}
	}

	// every replica that saw the proposal delivered it
	for id, r := range h.replicas {
		if id != 0 && !r.store.IsDelivered(blk.Hash()) {
			t.Errorf("replica %d did not deliver the proposal", id)
		}
	}
}

// An interior node that aggregates a contribution which fails verification
// must abort rather than forward or silently drop it.
func TestByzantineContributionAborts(t *testing.T) {
	h := newCluster(t, 13, 3, 1)
	interior := h.replicas[1]
	genesis := treehotstuff.GetGenesis()

	blk := interior.store.Add(treehotstuff.NewBlock(
		[]treehotstuff.Hash{genesis.Hash()}, interior.signer.CreateQuorumCert(genesis.Hash()), nil, 0))
	blk.MarkDelivered()

	// contributions from children 4 and 5 are genuine; the one claiming to
	// be from 6 is signed with a key that is not 6's.
	qc := interior.signer.CreateQuorumCert(blk.Hash()).(*ecdsa.QuorumCert)
	for _, id := range []treehotstuff.ID{4, 5} {
		part, err := h.replicas[id].signer.CreatePartCert(blk.Hash())
		if err != nil {
			t.Fatal(err)
		}
		if err := qc.AddPart(interior.hs.config, id, part); err != nil {
			t.Fatal(err)
		}
	}
	rogueKey, err := keygen.GenerateECDSAPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	forged, err := ecdsa.New(6, rogueKey).CreatePartCert(blk.Hash())
	if err != nil {
		t.Fatal(err)
	}
	if err := qc.AddPart(interior.hs.config, 6, forged); err != nil {
		t.Fatal(err)
	}

	defer func() {
		if recover() == nil {
			t.Error("expected the interior replica to abort on an invalid aggregate")
		}
	}()
	h.replicas[4].hs.net.Send(wire.NewVoteRelay(blk.Hash(), qc), 1)
	h.run()
}

// The leader batches commands and asks the pacemaker to beat once a batch
// is full; non-leaders only register the decision callback.
func TestCommandBatching(t *testing.T) {
	h := newCluster(t, 4, 3, 2)
	leader := h.replicas[0]

	decided := 0
	leader.hs.ExecCommand(treehotstuff.Hash{10}, func(treehotstuff.Finality) { decided++ })
	h.run()
	if len(leader.safety.proposed) != 0 {
		t.Fatal("leader proposed before the batch was full")
	}

	leader.hs.ExecCommand(treehotstuff.Hash{11}, func(treehotstuff.Finality) {})
	h.run()
	if len(leader.safety.proposed) != 1 || len(leader.safety.proposed[0]) != 2 {
		t.Fatalf("leader proposed %v, want one batch of 2", leader.safety.proposed)
	}

	follower := h.replicas[1]
	follower.hs.ExecCommand(treehotstuff.Hash{12}, func(treehotstuff.Finality) {})
	h.run()
	if len(follower.safety.proposed) != 0 {
		t.Error("non-leader proposed a batch")
	}

	leader.hs.DoDecide(treehotstuff.Finality{ReplicaID: 0, CmdHash: treehotstuff.Hash{10}})
	if decided != 1 {
		t.Errorf("decision callback ran %d times, want 1", decided)
	}
}
