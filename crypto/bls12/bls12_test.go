package bls12

import (
	"crypto/rand"
	"errors"
	"testing"

	"github.com/relab/treehotstuff"
	"github.com/relab/treehotstuff/crypto"
)

type testSetup struct {
	config  *treehotstuff.Config
	cryptos map[treehotstuff.ID]*Crypto
}

func newSetup(t *testing.T, n int) *testSetup {
	t.Helper()
	s := &testSetup{cryptos: make(map[treehotstuff.ID]*Crypto)}
	for i := 0; i < n; i++ {
		id := treehotstuff.ID(i)
		key, err := GeneratePrivateKey()
		if err != nil {
			t.Fatalf("failed to generate key: %v", err)
		}
		if i == 0 {
			s.config = treehotstuff.NewConfig(id, key, 3, 1)
		}
		s.config.AddReplica(&treehotstuff.ReplicaInfo{ID: id, PubKey: key.Public()})
		s.cryptos[id] = New(id, key)
	}
	return s
}

func randomHash(t *testing.T) (hash treehotstuff.Hash) {
	t.Helper()
	if _, err := rand.Read(hash[:]); err != nil {
		t.Fatal(err)
	}
	return hash
}

func TestCreateAndVerifyPartCert(t *testing.T) {
	s := newSetup(t, 2)
	hash := randomHash(t)
	part, err := s.cryptos[1].CreatePartCert(hash)
	if err != nil {
		t.Fatalf("CreatePartCert failed: %v", err)
	}
	if !s.cryptos[0].VerifyPartCert(s.config, part) {
		t.Error("VerifyPartCert rejected a valid certificate")
	}
	forged := &PartialCert{signature: part.(*PartialCert).signature, hash: randomHash(t)}
	if s.cryptos[0].VerifyPartCert(s.config, forged) {
		t.Error("VerifyPartCert accepted a certificate for a different hash")
	}
}

func TestAggregateAndVerify(t *testing.T) {
	const n = 4
	s := newSetup(t, n)
	hash := randomHash(t)
	qc := NewQuorumCert(hash)
	for i := 0; i < n; i++ {
		part, err := s.cryptos[treehotstuff.ID(i)].CreatePartCert(hash)
		if err != nil {
			t.Fatal(err)
		}
		if err := qc.AddPart(s.config, treehotstuff.ID(i), part); err != nil {
			t.Fatal(err)
		}
	}
	if !qc.HasN(n) {
		t.Fatalf("HasN(%d) = false after %d contributions", n, n)
	}
	if err := qc.Compute(); err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if !qc.Verify(s.config) {
		t.Error("Verify rejected a valid aggregate")
	}
}

func TestVerifyRejectsWrongHash(t *testing.T) {
	s := newSetup(t, 2)
	hash := randomHash(t)
	part, err := s.cryptos[0].CreatePartCert(hash)
	if err != nil {
		t.Fatal(err)
	}
	qc := NewQuorumCert(randomHash(t))
	qc.parts[0] = part.(*PartialCert).signature.s
	if qc.Verify(s.config) {
		t.Error("Verify accepted an aggregate over a different hash")
	}
}

func TestMergeQuorumSemantics(t *testing.T) {
	s := newSetup(t, 5)
	hash := randomHash(t)

	build := func(ids ...int) *QuorumCert {
		qc := NewQuorumCert(hash)
		for _, i := range ids {
			part, err := s.cryptos[treehotstuff.ID(i)].CreatePartCert(hash)
			if err != nil {
				t.Fatal(err)
			}
			if err := qc.AddPart(s.config, treehotstuff.ID(i), part); err != nil {
				t.Fatal(err)
			}
		}
		return qc
	}

	qc := build(0, 1)
	// disjoint merge unions the sets
	if err := qc.MergeQuorum(build(2, 3)); err != nil {
		t.Fatalf("disjoint MergeQuorum failed: %v", err)
	}
	if qc.Participants().Len() != 4 {
		t.Errorf("Participants().Len() = %d, want 4", qc.Participants().Len())
	}
	// subset merge is a no-op
	if err := qc.MergeQuorum(build(2, 3)); err != nil {
		t.Fatalf("subset MergeQuorum failed: %v", err)
	}
	if qc.Participants().Len() != 4 {
		t.Errorf("Participants().Len() = %d after subset merge, want 4", qc.Participants().Len())
	}
	// a partial overlap cannot be deduplicated
	if err := qc.MergeQuorum(build(3, 4)); !errors.Is(err, crypto.ErrOverlap) {
		t.Errorf("overlapping MergeQuorum returned %v, want ErrOverlap", err)
	}
	if !qc.Verify(s.config) {
		t.Error("Verify rejected the merged aggregate")
	}
}

func TestCertCodecRoundTrip(t *testing.T) {
	s := newSetup(t, 3)
	hash := randomHash(t)

	part, err := s.cryptos[2].CreatePartCert(hash)
	if err != nil {
		t.Fatal(err)
	}
	gotPart, err := s.cryptos[0].PartialCertFromBytes(part.ToBytes())
	if err != nil {
		t.Fatalf("PartialCertFromBytes failed: %v", err)
	}
	if gotPart.Signer() != 2 || gotPart.BlockHash() != hash {
		t.Errorf("decoded partial cert differs: signer %d", gotPart.Signer())
	}
	if !s.cryptos[0].VerifyPartCert(s.config, gotPart) {
		t.Error("decoded partial cert does not verify")
	}

	qc := NewQuorumCert(hash)
	for i := 0; i < 3; i++ {
		p, err := s.cryptos[treehotstuff.ID(i)].CreatePartCert(hash)
		if err != nil {
			t.Fatal(err)
		}
		if err := qc.AddPart(s.config, treehotstuff.ID(i), p); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.cryptos[0].AggregateCertFromBytes(qc.ToBytes())
	if err != nil {
		t.Fatalf("AggregateCertFromBytes failed: %v", err)
	}
	if got.Participants().Len() != 3 {
		t.Errorf("decoded aggregate has %d participants, want 3", got.Participants().Len())
	}
	if !got.Verify(s.config) {
		t.Error("decoded aggregate does not verify")
	}
}
