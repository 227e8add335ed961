package main

import (
	"github.com/relab/treehotstuff"
	"github.com/relab/treehotstuff/backend"
	"github.com/relab/treehotstuff/logging"
)

// fixedPacemaker keeps a single fixed proposer. It stands in for a real
// pacemaker until one is wired in.
type fixedPacemaker struct {
	leader treehotstuff.ID
	high   *treehotstuff.Block
}

func newFixedPacemaker(leader treehotstuff.ID) *fixedPacemaker {
	return &fixedPacemaker{
		leader: leader,
		high:   treehotstuff.GetGenesis(),
	}
}

func (pm *fixedPacemaker) Beat(then func(treehotstuff.ID)) {
	then(pm.leader)
}

func (pm *fixedPacemaker) BeatResp(_ treehotstuff.ID, then func(treehotstuff.ID)) {
	then(pm.leader)
}

func (pm *fixedPacemaker) OnConsensus(blk *treehotstuff.Block) {
	pm.high = blk
}

func (pm *fixedPacemaker) Proposer() treehotstuff.ID {
	return pm.leader
}

func (pm *fixedPacemaker) Parents() []*treehotstuff.Block {
	return []*treehotstuff.Block{pm.high}
}

// safetyStub accepts every delivered block and logs consensus progress. It
// stands in for the external HotStuff safety core.
type safetyStub struct {
	logger logging.Logger
	core   *backend.HotStuff
}

func newSafetyStub(logger logging.Logger) *safetyStub {
	return &safetyStub{logger: logger}
}

func (s *safetyStub) OnReceiveProposal(p treehotstuff.Proposal) {
	s.logger.Infof("proposal received: %v", p.Block)
	part, err := s.core.Signer().CreatePartCert(p.Block.Hash())
	if err != nil {
		s.logger.Errorf("failed to sign proposal: %v", err)
		return
	}
	s.core.DoVote(p, part)
}

func (s *safetyStub) OnDeliverBlock(*treehotstuff.Block) bool {
	return true
}

func (s *safetyStub) UpdateHighQC(blk *treehotstuff.Block, _ treehotstuff.AggregateCert) {
	s.logger.Debugf("high QC updated: %v", blk)
}

func (s *safetyStub) OnQCFinish(blk *treehotstuff.Block) {
	s.logger.Infof("quorum certificate assembled for %v", blk)
	s.core.DoConsensus(blk)
}

func (s *safetyStub) StateMachineExecute(fin treehotstuff.Finality) {
	s.logger.Debugf("executed command %.8s", fin.CmdHash.String())
}

func (s *safetyStub) OnPropose(cmds []treehotstuff.Hash, parents []*treehotstuff.Block) {
	parentHashes := make([]treehotstuff.Hash, 0, len(parents))
	for _, p := range parents {
		parentHashes = append(parentHashes, p.Hash())
	}
	var qc treehotstuff.AggregateCert
	if len(parents) > 0 {
		qc = s.core.Signer().CreateQuorumCert(parents[0].Hash())
	}
	blk := s.core.AddBlock(treehotstuff.NewBlock(parentHashes, qc, cmds, s.core.ID()))
	blk.MarkDelivered()
	s.core.DoBroadcastProposal(treehotstuff.Proposal{Proposer: s.core.ID(), Block: blk})
}
