package ecdsa

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	mathrand "math/rand"
	"testing"

	"github.com/relab/treehotstuff"
)

func generateKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return key
}

type testSetup struct {
	config  *treehotstuff.Config
	cryptos map[treehotstuff.ID]*Crypto
}

func newSetup(t *testing.T, n int) *testSetup {
	t.Helper()
	s := &testSetup{cryptos: make(map[treehotstuff.ID]*Crypto)}
	for i := 0; i < n; i++ {
		id := treehotstuff.ID(i)
		key := generateKey(t)
		if i == 0 {
			s.config = treehotstuff.NewConfig(id, key, 3, 1)
		}
		s.config.AddReplica(&treehotstuff.ReplicaInfo{ID: id, PubKey: &key.PublicKey})
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
	if part.Signer() != 1 {
		t.Errorf("Signer() = %d, want 1", part.Signer())
	}
	if !s.cryptos[0].VerifyPartCert(s.config, part) {
		t.Error("VerifyPartCert rejected a valid certificate")
	}
	other := randomHash(t)
	forged, err := s.cryptos[1].CreatePartCert(other)
	if err != nil {
		t.Fatal(err)
	}
	forged.(*PartialCert).hash = hash
	if s.cryptos[0].VerifyPartCert(s.config, forged) {
		t.Error("VerifyPartCert accepted a certificate for a different hash")
	}
}

func TestAddPartIsIdempotent(t *testing.T) {
	s := newSetup(t, 2)
	hash := randomHash(t)
	part, err := s.cryptos[1].CreatePartCert(hash)
	if err != nil {
		t.Fatal(err)
	}
	qc := NewQuorumCert(hash)
	for i := 0; i < 3; i++ {
		if err := qc.AddPart(s.config, 1, part); err != nil {
			t.Fatalf("AddPart failed: %v", err)
		}
	}
	if got := qc.Participants().Len(); got != 1 {
		t.Errorf("Participants().Len() = %d, want 1", got)
	}
}

func TestAddPartRejectsWrongHash(t *testing.T) {
	s := newSetup(t, 2)
	part, err := s.cryptos[1].CreatePartCert(randomHash(t))
	if err != nil {
		t.Fatal(err)
	}
	qc := NewQuorumCert(randomHash(t))
	if err := qc.AddPart(s.config, 1, part); err == nil {
		t.Error("expected error when adding a part for a different block")
	}
}

// Any permutation of the same add/merge inputs must produce the same
// contributor set, the same canonical bytes, and the same verify result.
func TestAggregationIsCommutative(t *testing.T) {
	const n = 7
	s := newSetup(t, n)
	hash := randomHash(t)

	parts := make([]treehotstuff.PartialCert, 0, n)
	for i := 0; i < n; i++ {
		part, err := s.cryptos[treehotstuff.ID(i)].CreatePartCert(hash)
		if err != nil {
			t.Fatal(err)
		}
		parts = append(parts, part)
	}

	build := func(order []int) *QuorumCert {
		qc := NewQuorumCert(hash)
		// half the inputs arrive as individual parts, half inside an
		// already aggregated subtree certificate
		sub := NewQuorumCert(hash)
		for i, j := range order {
			if i%2 == 0 {
				if err := qc.AddPart(s.config, treehotstuff.ID(j), parts[j]); err != nil {
					t.Fatal(err)
				}
			} else {
				if err := sub.AddPart(s.config, treehotstuff.ID(j), parts[j]); err != nil {
					t.Fatal(err)
				}
			}
		}
		if err := qc.MergeQuorum(sub); err != nil {
			t.Fatal(err)
		}
		return qc
	}

	order := []int{0, 1, 2, 3, 4, 5, 6}
	want := build(order)
	if err := want.Compute(); err != nil {
		t.Fatal(err)
	}
	wantBytes := want.ToBytes()

	for trial := 0; trial < 10; trial++ {
		mathrand.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		got := build(order)
		if err := got.Compute(); err != nil {
			t.Fatal(err)
		}
		if got.Participants().Len() != n {
			t.Fatalf("Participants().Len() = %d, want %d", got.Participants().Len(), n)
		}
		if string(got.ToBytes()) != string(wantBytes) {
			t.Errorf("permuted aggregation produced different canonical bytes")
		}
		if !got.Verify(s.config) {
			t.Errorf("permuted aggregation failed to verify")
		}
	}
}

func TestHasN(t *testing.T) {
	s := newSetup(t, 4)
	hash := randomHash(t)
	qc := NewQuorumCert(hash)
	for i := 0; i < 3; i++ {
		part, err := s.cryptos[treehotstuff.ID(i)].CreatePartCert(hash)
		if err != nil {
			t.Fatal(err)
		}
		if qc.HasN(i + 1) {
			t.Errorf("HasN(%d) = true with %d contributions", i+1, i)
		}
		if err := qc.AddPart(s.config, treehotstuff.ID(i), part); err != nil {
			t.Fatal(err)
		}
	}
	if !qc.HasN(3) {
		t.Error("HasN(3) = false with 3 contributions")
	}
}

func TestVerifyRejectsForgedContribution(t *testing.T) {
	s := newSetup(t, 3)
	hash := randomHash(t)
	qc := NewQuorumCert(hash)
	part, err := s.cryptos[0].CreatePartCert(hash)
	if err != nil {
		t.Fatal(err)
	}
	if err := qc.AddPart(s.config, 0, part); err != nil {
		t.Fatal(err)
	}
	// replica 1's id with replica 2's signature
	forged, err := s.cryptos[2].CreatePartCert(hash)
	if err != nil {
		t.Fatal(err)
	}
	qc.sigs[1] = forged.(*PartialCert).signature
	if qc.Verify(s.config) {
		t.Error("Verify accepted an aggregate containing a forged contribution")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	s := newSetup(t, 3)
	hash := randomHash(t)
	qc := NewQuorumCert(hash)
	part, err := s.cryptos[0].CreatePartCert(hash)
	if err != nil {
		t.Fatal(err)
	}
	if err := qc.AddPart(s.config, 0, part); err != nil {
		t.Fatal(err)
	}
	clone := qc.Clone()
	part1, err := s.cryptos[1].CreatePartCert(hash)
	if err != nil {
		t.Fatal(err)
	}
	if err := qc.AddPart(s.config, 1, part1); err != nil {
		t.Fatal(err)
	}
	if clone.Participants().Len() != 1 {
		t.Errorf("clone grew with the original: Participants().Len() = %d, want 1", clone.Participants().Len())
	}
}

func TestCertCodecRoundTrip(t *testing.T) {
	s := newSetup(t, 4)
	hash := randomHash(t)

	part, err := s.cryptos[1].CreatePartCert(hash)
	if err != nil {
		t.Fatal(err)
	}
	gotPart, err := s.cryptos[0].PartialCertFromBytes(part.ToBytes())
	if err != nil {
		t.Fatalf("PartialCertFromBytes failed: %v", err)
	}
	if gotPart.Signer() != 1 || gotPart.BlockHash() != hash {
		t.Errorf("decoded partial cert differs: signer %d, hash %.8s", gotPart.Signer(), gotPart.BlockHash().String())
	}
	if !s.cryptos[0].VerifyPartCert(s.config, gotPart) {
		t.Error("decoded partial cert does not verify")
	}

	qc := NewQuorumCert(hash)
	for i := 0; i < 4; i++ {
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
	if got.Participants().Len() != 4 || got.BlockHash() != hash {
		t.Errorf("decoded aggregate differs: %d participants", got.Participants().Len())
	}
	if !got.Verify(s.config) {
		t.Error("decoded aggregate does not verify")
	}
}
