// Package blockchain provides the in-memory implementation of the shared
// block store.
package blockchain

import (
	"sync"

	"github.com/relab/treehotstuff"
)

// Store keeps blocks in a map keyed by hash. It is seeded with genesis.
//
// A block transitions unknown -> fetched -> delivered; a block is fetched
// once it is present in the store, and delivered once its ancestry is known
// and its signature verified. Both transitions are one-way.
type Store struct {
	mut    sync.Mutex
	blocks map[treehotstuff.Hash]*treehotstuff.Block
}

// New creates a block store seeded with the genesis block.
func New() *Store {
	s := &Store{
		blocks: make(map[treehotstuff.Hash]*treehotstuff.Block),
	}
	genesis := treehotstuff.GetGenesis()
	s.blocks[genesis.Hash()] = genesis
	return s
}

// IsFetched reports whether the block is present in the store.
func (s *Store) IsFetched(hash treehotstuff.Hash) bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	_, ok := s.blocks[hash]
	return ok
}

// IsDelivered reports whether the block is present and delivered.
func (s *Store) IsDelivered(hash treehotstuff.Hash) bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	blk, ok := s.blocks[hash]
	return ok && blk.Delivered()
}

// Find returns the block with the given hash, if present.
func (s *Store) Find(hash treehotstuff.Hash) (*treehotstuff.Block, bool) {
	s.mut.Lock()
	defer s.mut.Unlock()
	blk, ok := s.blocks[hash]
	return blk, ok
}

// Add stores the block, returning the canonical copy: if a block with the
// same hash is already stored, that block is returned instead, so that all
// continuations observe the same aggregation state.
func (s *Store) Add(blk *treehotstuff.Block) *treehotstuff.Block {
	s.mut.Lock()
	defer s.mut.Unlock()
	hash := blk.Hash()
	if existing, ok := s.blocks[hash]; ok {
		return existing
	}
	s.blocks[hash] = blk
	return blk
}

// Len returns the number of blocks in the store.
func (s *Store) Len() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return len(s.blocks)
}

var _ treehotstuff.BlockStore = (*Store)(nil)
