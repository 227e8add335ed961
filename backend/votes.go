package backend

import (
	"github.com/relab/treehotstuff"
	"github.com/relab/treehotstuff/wire"
)

// ensureSelfQC lazily creates the block's aggregating certificate with the
// local replica's own partial certificate inserted.
func (hs *HotStuff) ensureSelfQC(blk *treehotstuff.Block) {
	if blk.SelfQC != nil {
		return
	}
	hash := blk.Hash()
	qc := hs.signer.CreateQuorumCert(hash)
	part, err := hs.signer.CreatePartCert(hash)
	if err != nil {
		hs.logger.Errorf("failed to sign block %.8s: %v", hash.String(), err)
		return
	}
	if err := qc.AddPart(hs.config, hs.config.ID, part); err != nil {
		hs.logger.Errorf("failed to add own contribution for block %.8s: %v", hash.String(), err)
		return
	}
	blk.SelfQC = qc
}

// onVote handles a direct vote: a single partial certificate from a replica
// in our subtree.
func (hs *HotStuff) onVote(ev voteEvent) {
	if _, ok := hs.config.Replica(ev.from); !ok {
		return
	}
	if err := ev.msg.PostponedParse(hs); err != nil {
		hs.logger.Warnf("dropping malformed vote from replica %d: %v", ev.from, err)
		return
	}
	msg := ev.msg

	blk, ok := hs.store.Find(msg.BlockHash)
	if !ok {
		// the block must be at least known before we can aggregate on it
		hs.asyncFetchBlock(msg.BlockHash, &ev.from, func(_ *treehotstuff.Block, err error) {
			if err == nil {
				hs.onVote(ev)
			}
		})
		return
	}
	hs.ensureSelfQC(blk)
	qc := blk.SelfQC
	if qc == nil {
		return
	}
	if qc.HasN(hs.config.QuorumSize()) {
		// quorum already reached; duplicates and stragglers are dropped
		return
	}

	if hs.hasParent {
		// a non-root replica only unions contributions; the aggregate is
		// verified before it is forwarded, and finally at the root.
		hs.asyncDeliverBlock(msg.BlockHash, &ev.from, func(_ *treehotstuff.Block, err error) {
			if err != nil {
				hs.logger.Warnf("vote for undeliverable block %.8s dropped", msg.BlockHash.String())
				return
			}
			if err := qc.AddPart(hs.config, msg.Voter, msg.Cert); err != nil {
				hs.logger.Warnf("cannot add vote from replica %d: %v", msg.Voter, err)
				return
			}
			hs.maybeRelay(blk)
		})
		return
	}

	// root: deliver the block and verify the partial certificate in
	// parallel; merge once both complete.
	remaining := 2
	deliverOK, verifyOK := false, false
	step := func() {
		remaining--
		if remaining != 0 {
			return
		}
		if !deliverOK {
			hs.logger.Warnf("vote for undeliverable block %.8s dropped", msg.BlockHash.String())
			return
		}
		if !verifyOK {
			hs.logger.Warnf("invalid vote from replica %d", msg.Voter)
			return
		}
		if err := qc.AddPart(hs.config, msg.Voter, msg.Cert); err != nil {
			hs.logger.Warnf("cannot add vote from replica %d: %v", msg.Voter, err)
			return
		}
		hs.maybeFinalize(blk)
	}
	hs.asyncDeliverBlock(msg.BlockHash, &ev.from, func(_ *treehotstuff.Block, err error) {
		deliverOK = err == nil
		step()
	})
	hs.pool.Go(
		func() bool { return hs.signer.VerifyPartCert(hs.config, msg.Cert) },
		func(ok bool) {
			verifyOK = ok
			step()
		})
}

// onVoteRelay handles an aggregate already built by a descendant subtree.
func (hs *HotStuff) onVoteRelay(ev voteRelayEvent) {
	if _, ok := hs.config.Replica(ev.from); !ok {
		return
	}
	if err := ev.msg.PostponedParse(hs); err != nil {
		hs.logger.Warnf("dropping malformed vote relay from replica %d: %v", ev.from, err)
		return
	}
	msg := ev.msg

	blk, ok := hs.store.Find(msg.BlockHash)
	if !ok {
		hs.asyncFetchBlock(msg.BlockHash, &ev.from, func(_ *treehotstuff.Block, err error) {
			if err == nil {
				hs.onVoteRelay(ev)
			}
		})
		return
	}
	hs.ensureSelfQC(blk)
	qc := blk.SelfQC
	if qc == nil {
		return
	}
	if qc.HasN(hs.config.QuorumSize()) {
		return
	}

	// the relayed aggregate is not verified on receipt: it is verified on
	// the merged certificate before forwarding, and finally at the root.
	hs.asyncDeliverBlock(msg.BlockHash, &ev.from, func(_ *treehotstuff.Block, err error) {
		if err != nil {
			hs.logger.Warnf("relay for undeliverable block %.8s dropped", msg.BlockHash.String())
			return
		}
		if err := qc.MergeQuorum(msg.Cert); err != nil {
			hs.logger.Warnf("cannot merge relay from replica %d: %v", ev.from, err)
			return
		}
		if hs.hasParent {
			hs.maybeRelay(blk)
		} else {
			hs.maybeFinalize(blk)
		}
	})
}

// maybeRelay forwards the aggregate to the parent once the whole subtree has
// contributed. The relay fires at most once per block.
func (hs *HotStuff) maybeRelay(blk *treehotstuff.Block) {
	if !hs.hasParent || blk.RelaySent {
		return
	}
	qc := blk.SelfQC
	if !qc.HasN(hs.subTreeSize + 1) {
		return
	}
	blk.RelaySent = true
	if err := qc.Compute(); err != nil {
		hs.logger.Panicf("failed to compute aggregate for block %.8s: %v", blk.Hash().String(), err)
	}
	clone := qc.Clone()
	hs.pool.Go(
		func() bool { return clone.Verify(hs.config) },
		func(ok bool) {
			if !ok {
				// a bad aggregate here means a Byzantine child or a
				// corrupted merge; forwarding it would taint the whole
				// branch, and dropping it would stall the view silently.
				hs.logger.Panicf("invalid aggregate signature in subtree for block %.8s", blk.Hash().String())
			}
			hs.net.Send(wire.NewVoteRelay(blk.Hash(), clone), hs.parent)
		})
}

// maybeFinalize completes consensus at the root once nmajority replicas have
// contributed. OnQCFinish fires at most once per block.
func (hs *HotStuff) maybeFinalize(blk *treehotstuff.Block) {
	if hs.hasParent || blk.QCFinished {
		return
	}
	qc := blk.SelfQC
	if !qc.HasN(hs.config.QuorumSize()) {
		return
	}
	blk.QCFinished = true
	if err := qc.Compute(); err != nil {
		hs.logger.Panicf("failed to compute aggregate for block %.8s: %v", blk.Hash().String(), err)
	}
	clone := qc.Clone()
	hs.pool.Go(
		func() bool { return clone.Verify(hs.config) },
		func(ok bool) {
			if !ok {
				hs.logger.Panicf("invalid aggregate signature at root for block %.8s", blk.Hash().String())
			}
			hs.consensus.UpdateHighQC(blk, clone)
			hs.consensus.OnQCFinish(blk)
		})
}
