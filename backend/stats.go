package backend

import "github.com/relab/treehotstuff"

type statTickEvent struct{}

// stats holds the running counters logged by the periodic statistics ticker.
// All fields are touched on the event loop goroutine only.
type stats struct {
	fetched    uint64
	delivered  uint64
	decided    uint64
	gened      uint64
	parentSize int

	// snapshot at the previous tick, for deltas
	prevFetched   uint64
	prevDelivered uint64
	prevDecided   uint64
	prevGened     uint64

	fetchedFrom map[treehotstuff.ID]uint64
}

func (hs *HotStuff) logStats() {
	s := &hs.stats
	hs.logger.Infof("queues: fetch=%d delivery=%d decision=%d",
		len(hs.fetchWaiting), len(hs.deliveryWaiting), len(hs.decisionWaiting))
	hs.logger.Infof("totals: fetched=%d delivered=%d decided=%d proposed=%d",
		s.fetched, s.delivered, s.decided, s.gened)
	avgParents := 0.0
	if s.delivered > 0 {
		avgParents = float64(s.parentSize) / float64(s.delivered)
	}
	hs.logger.Infof("last period: fetched=%d delivered=%d decided=%d proposed=%d avg parents=%.3f",
		s.fetched-s.prevFetched, s.delivered-s.prevDelivered,
		s.decided-s.prevDecided, s.gened-s.prevGened, avgParents)
	for id, count := range s.fetchedFrom {
		hs.logger.Debugf("requested %d blocks from replica %d", count, id)
	}
	s.prevFetched = s.fetched
	s.prevDelivered = s.delivered
	s.prevDecided = s.decided
	s.prevGened = s.gened
}
