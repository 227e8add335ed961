package wire_test

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/relab/treehotstuff"
	"github.com/relab/treehotstuff/blockchain"
	"github.com/relab/treehotstuff/crypto/ecdsa"
	"github.com/relab/treehotstuff/crypto/keygen"
	"github.com/relab/treehotstuff/wire"
)

// testContext implements wire.Context over a real store and crypto scheme.
type testContext struct {
	*ecdsa.Crypto
	store *blockchain.Store
}

func (c *testContext) AddBlock(blk *treehotstuff.Block) *treehotstuff.Block {
	return c.store.Add(blk)
}

func newContext(t *testing.T) (*testContext, *treehotstuff.Config) {
	t.Helper()
	key, err := keygen.GenerateECDSAPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	config := treehotstuff.NewConfig(1, key, 3, 1)
	config.AddReplica(&treehotstuff.ReplicaInfo{ID: 1, PubKey: &key.PublicKey})
	return &testContext{
		Crypto: ecdsa.New(1, key),
		store:  blockchain.New(),
	}, config
}

func randomHash(t *testing.T) (hash treehotstuff.Hash) {
	t.Helper()
	if _, err := rand.Read(hash[:]); err != nil {
		t.Fatal(err)
	}
	return hash
}

// roundTrip writes the message to a frame and reads it back.
func roundTrip(t *testing.T, msg wire.Message, ctx wire.Context) wire.Message {
	t.Helper()
	var buf bytes.Buffer
	if err := wire.WriteMessage(&buf, msg); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	got, err := wire.ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if got.Opcode() != msg.Opcode() {
		t.Fatalf("Opcode() = %d, want %d", got.Opcode(), msg.Opcode())
	}
	if err := got.PostponedParse(ctx); err != nil {
		t.Fatalf("PostponedParse failed: %v", err)
	}
	return got
}

func testBlock(ctx *testContext) *treehotstuff.Block {
	genesis := treehotstuff.GetGenesis()
	qc := ctx.CreateQuorumCert(genesis.Hash())
	cmds := []treehotstuff.Hash{{1, 2, 3}, {4, 5, 6}}
	return treehotstuff.NewBlock([]treehotstuff.Hash{genesis.Hash()}, qc, cmds, 1)
}

func TestProposeRoundTrip(t *testing.T) {
	ctx, _ := newContext(t)
	blk := testBlock(ctx)
	msg := wire.NewPropose(treehotstuff.Proposal{Proposer: 1, Block: blk})

	got := roundTrip(t, msg, ctx).(*wire.Propose)
	if got.Proposal.Proposer != 1 {
		t.Errorf("Proposer = %d, want 1", got.Proposal.Proposer)
	}
	if got.Proposal.Block.Hash() != blk.Hash() {
		t.Errorf("decoded block hash differs from original")
	}
	if len(got.Proposal.Block.Commands()) != 2 {
		t.Errorf("decoded block has %d commands, want 2", len(got.Proposal.Block.Commands()))
	}
}

// A block decoded twice must map to the same object through the store.
func TestPostponedParseCanonicalises(t *testing.T) {
	ctx, _ := newContext(t)
	blk := testBlock(ctx)
	msg := wire.NewPropose(treehotstuff.Proposal{Proposer: 1, Block: blk})

	first := roundTrip(t, msg, ctx).(*wire.Propose)
	second := roundTrip(t, msg, ctx).(*wire.Propose)
	if first.Proposal.Block != second.Proposal.Block {
		t.Error("two parses of the same block produced distinct objects")
	}
}

func TestVoteRoundTrip(t *testing.T) {
	ctx, config := newContext(t)
	hash := randomHash(t)
	part, err := ctx.CreatePartCert(hash)
	if err != nil {
		t.Fatal(err)
	}
	msg := wire.NewVote(hash, 1, part)

	got := roundTrip(t, msg, ctx).(*wire.Vote)
	if got.BlockHash != hash || got.Voter != 1 {
		t.Errorf("decoded vote differs: voter %d, hash %.8s", got.Voter, got.BlockHash.String())
	}
	if !ctx.VerifyPartCert(config, got.Cert) {
		t.Error("decoded vote certificate does not verify")
	}
}

func TestVoteRelayRoundTrip(t *testing.T) {
	ctx, config := newContext(t)
	hash := randomHash(t)
	qc := ctx.CreateQuorumCert(hash)
	part, err := ctx.CreatePartCert(hash)
	if err != nil {
		t.Fatal(err)
	}
	if err := qc.AddPart(config, 1, part); err != nil {
		t.Fatal(err)
	}
	msg := wire.NewVoteRelay(hash, qc)

	got := roundTrip(t, msg, ctx).(*wire.VoteRelay)
	if got.BlockHash != hash {
		t.Errorf("decoded relay hash differs")
	}
	if got.Cert.Participants().Len() != 1 {
		t.Errorf("decoded relay has %d participants, want 1", got.Cert.Participants().Len())
	}
}

func TestReqBlockRoundTrip(t *testing.T) {
	ctx, _ := newContext(t)
	hashes := []treehotstuff.Hash{randomHash(t), randomHash(t)}
	msg := wire.NewReqBlock(hashes...)

	got := roundTrip(t, msg, ctx).(*wire.ReqBlock)
	if len(got.Hashes) != 2 || got.Hashes[0] != hashes[0] || got.Hashes[1] != hashes[1] {
		t.Errorf("decoded request hashes differ: %v", got.Hashes)
	}
}

func TestRespBlockRoundTrip(t *testing.T) {
	ctx, _ := newContext(t)
	blk := testBlock(ctx)
	msg := wire.NewRespBlock(blk)

	got := roundTrip(t, msg, ctx).(*wire.RespBlock)
	if len(got.Blocks) != 1 {
		t.Fatalf("decoded response has %d blocks, want 1", len(got.Blocks))
	}
	if got.Blocks[0].Hash() != blk.Hash() {
		t.Errorf("decoded block hash differs from original")
	}
	if !ctx.store.IsFetched(blk.Hash()) {
		t.Error("decoded block was not added to the store")
	}
}

func TestMalformedFrames(t *testing.T) {
	ctx, _ := newContext(t)

	if _, err := wire.Decode(wire.Opcode(99), nil); err == nil {
		t.Error("Decode accepted an unknown opcode")
	}

	// truncated payloads must error out of PostponedParse, not panic
	for _, op := range []wire.Opcode{wire.OpPropose, wire.OpVote, wire.OpVoteRelay, wire.OpReqBlock, wire.OpRespBlock} {
		msg, err := wire.Decode(op, []byte{1, 2, 3})
		if err != nil {
			t.Fatalf("Decode(%d) failed: %v", op, err)
		}
		if err := msg.PostponedParse(ctx); err == nil {
			t.Errorf("PostponedParse accepted a truncated payload for opcode %d", op)
		}
	}

	// an oversized length prefix is rejected before allocation
	var buf bytes.Buffer
	buf.Write([]byte{0, 0xff, 0xff, 0xff, 0xff})
	if _, _, err := wire.ReadFrame(&buf); !errors.Is(err, wire.ErrFrameTooLarge) {
		t.Errorf("ReadFrame returned %v, want ErrFrameTooLarge", err)
	}
}
