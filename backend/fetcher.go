package backend

import (
	"errors"
	"slices"

	"github.com/relab/treehotstuff"
	"github.com/relab/treehotstuff/wire"
)

// ErrDeliveryFailed is the rejection of a delivery future: the block's
// signature did not verify or the state machine refused the block.
var ErrDeliveryFailed = errors.New("backend: block delivery failed")

// ErrFetchFailed is the rejection of a fetch future: every candidate source
// for the block went away.
var ErrFetchFailed = errors.New("backend: no sources left for block")

// blockFetchContext owns the outstanding request for one missing block.
// At most one context exists per hash; every caller awaiting the hash shares
// its resolution.
type blockFetchContext struct {
	hash       treehotstuff.Hash
	candidates []treehotstuff.ID
	waiters    []func(*treehotstuff.Block, error)
}

// blockDeliveryContext tracks the prerequisites of one pending delivery:
// signature verification, the justify-QC target, and the recursive delivery
// of every parent. pending counts outstanding prerequisites; the context
// finishes when it reaches zero.
type blockDeliveryContext struct {
	hash    treehotstuff.Hash
	blk     *treehotstuff.Block
	waiters []func(*treehotstuff.Block, error)
	pending int
	sigOK   bool
	failed  bool
}

// asyncFetchBlock resolves then with the block bytes once the block is
// fetched. If hint is non-nil it is added as a candidate source and the
// request is issued to it eagerly.
//
// All callbacks run on the event loop goroutine; if the block is already
// fetched, then runs before asyncFetchBlock returns.
func (hs *HotStuff) asyncFetchBlock(hash treehotstuff.Hash, hint *treehotstuff.ID, then func(*treehotstuff.Block, error)) {
	if hs.store.IsFetched(hash) {
		blk, _ := hs.store.Find(hash)
		then(blk, nil)
		return
	}
	ctx, ok := hs.fetchWaiting[hash]
	if !ok {
		ctx = &blockFetchContext{hash: hash}
		hs.fetchWaiting[hash] = ctx
	}
	if hint != nil {
		hs.addFetchCandidate(ctx, *hint)
	}
	ctx.waiters = append(ctx.waiters, then)
}

// addFetchCandidate records a new candidate source and requests the block
// from it immediately.
func (hs *HotStuff) addFetchCandidate(ctx *blockFetchContext, id treehotstuff.ID) {
	if slices.Contains(ctx.candidates, id) {
		return
	}
	ctx.candidates = append(ctx.candidates, id)
	if err := hs.net.Send(wire.NewReqBlock(ctx.hash), id); err != nil {
		hs.logger.Debugf("block request to replica %d failed: %v", id, err)
	}
	hs.stats.fetchedFrom[id]++
}

// onFetchBlock resolves the fetch context for a block that just arrived.
func (hs *HotStuff) onFetchBlock(blk *treehotstuff.Block) {
	hs.stats.fetched++
	hash := blk.Hash()
	hs.logger.Debugf("fetched %.8s", hash.String())
	ctx, ok := hs.fetchWaiting[hash]
	if !ok {
		return
	}
	delete(hs.fetchWaiting, hash)
	for _, waiter := range ctx.waiters {
		waiter(blk, nil)
	}
}

// onDisconnect removes the peer from every fetch context. A context whose
// candidate set empties out is rejected; the upper layer may retry on a
// later proposal referencing the same ancestry.
func (hs *HotStuff) onDisconnect(id treehotstuff.ID) {
	for hash, ctx := range hs.fetchWaiting {
		i := slices.Index(ctx.candidates, id)
		if i < 0 {
			continue
		}
		ctx.candidates = slices.Delete(ctx.candidates, i, i+1)
		if len(ctx.candidates) > 0 {
			continue
		}
		delete(hs.fetchWaiting, hash)
		for _, waiter := range ctx.waiters {
			waiter(nil, ErrFetchFailed)
		}
	}
}

// asyncDeliverBlock resolves then once the block is delivered: all parents
// and the justify-QC target delivered, and the carried certificate verified.
// A block whose delivery is already pending joins the pending context rather
// than re-recursing; the recursion over parents terminates at genesis, which
// is always delivered.
func (hs *HotStuff) asyncDeliverBlock(hash treehotstuff.Hash, source *treehotstuff.ID, then func(*treehotstuff.Block, error)) {
	if hs.store.IsDelivered(hash) {
		blk, _ := hs.store.Find(hash)
		then(blk, nil)
		return
	}
	if ctx, ok := hs.deliveryWaiting[hash]; ok {
		ctx.waiters = append(ctx.waiters, then)
		return
	}
	ctx := &blockDeliveryContext{hash: hash}
	ctx.waiters = append(ctx.waiters, then)
	hs.deliveryWaiting[hash] = ctx

	hs.asyncFetchBlock(hash, source, func(blk *treehotstuff.Block, err error) {
		if err != nil {
			ctx.failed = true
			hs.finishDelivery(ctx)
			return
		}
		ctx.blk = blk
		// hold the context open while prerequisites are registered
		ctx.pending = 1

		if blk == treehotstuff.GetGenesis() {
			ctx.sigOK = true
		} else {
			ctx.pending++
			cert := blk.QC()
			hs.pool.Go(
				func() bool { return cert != nil && cert.Verify(hs.config) },
				func(ok bool) {
					ctx.sigOK = ok
					hs.deliveryStep(ctx)
				})
		}

		if qcRef, ok := blk.QCRef(); ok {
			ctx.pending++
			hs.asyncFetchBlock(qcRef, source, func(_ *treehotstuff.Block, err error) {
				if err != nil {
					ctx.failed = true
				}
				hs.deliveryStep(ctx)
			})
		}

		for _, parent := range blk.Parents() {
			ctx.pending++
			hs.asyncDeliverBlock(parent, source, func(_ *treehotstuff.Block, err error) {
				if err != nil {
					ctx.failed = true
				}
				hs.deliveryStep(ctx)
			})
		}

		hs.deliveryStep(ctx)
	})
}

// deliveryStep retires one prerequisite of the pending delivery.
func (hs *HotStuff) deliveryStep(ctx *blockDeliveryContext) {
	ctx.pending--
	if ctx.pending == 0 {
		hs.finishDelivery(ctx)
	}
}

// finishDelivery settles the delivery context one way or the other.
func (hs *HotStuff) finishDelivery(ctx *blockDeliveryContext) {
	if _, ok := hs.deliveryWaiting[ctx.hash]; !ok {
		return
	}
	delete(hs.deliveryWaiting, ctx.hash)

	ok := !ctx.failed && ctx.sigOK && ctx.blk != nil && hs.consensus.OnDeliverBlock(ctx.blk)
	if ok {
		ctx.blk.MarkDelivered()
		hs.stats.delivered++
		hs.stats.parentSize += len(ctx.blk.Parents())
		hs.logger.Debugf("block %.8s delivered", ctx.hash.String())
		for _, waiter := range ctx.waiters {
			waiter(ctx.blk, nil)
		}
		return
	}
	switch {
	case ctx.blk == nil:
		hs.logger.Warnf("failed to fetch block %.8s", ctx.hash.String())
	case !ctx.sigOK:
		hs.logger.Warnf("verification failed during delivery of %.8s", ctx.hash.String())
	default:
		hs.logger.Warnf("dropping invalid block %.8s", ctx.hash.String())
	}
	for _, waiter := range ctx.waiters {
		waiter(nil, ErrDeliveryFailed)
	}
}
