// Package bls12 provides certificates for the coordination core using curve
// BLS12-381. Contributions are held per signer until Compute sums them into a
// single aggregated signature; Verify runs one pairing check over the
// aggregate. Because an aggregated point cannot be un-summed, a merge
// succeeds only when the incoming contributor set is disjoint from the
// receiver's or a subset of it; disjoint sets are what the tree overlay
// produces.
package bls12

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math/big"
	"slices"

	bls12 "github.com/kilic/bls12-381"
	"github.com/relab/treehotstuff"
	"github.com/relab/treehotstuff/crypto"
)

const (
	// PrivateKeyFileType is the PEM type for a private key.
	PrivateKeyFileType = "BLS12-381 PRIVATE KEY"

	// PublicKeyFileType is the PEM type for a public key.
	PublicKeyFileType = "BLS12-381 PUBLIC KEY"
)

var domain = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_POP_")

// the order r of G1
var curveOrder, _ = new(big.Int).SetString("73eda753299d7d483339d80809a1d80553bda402fffe5bfeffffffff00000001", 16)

const compressedG2Len = 96

// PublicKey is a bls12-381 public key.
type PublicKey struct {
	p *bls12.PointG1
}

// ToBytes marshals the public key to a byte slice.
func (pub PublicKey) ToBytes() []byte {
	return bls12.NewG1().ToCompressed(pub.p)
}

// FromBytes unmarshals the public key from a byte slice.
func (pub *PublicKey) FromBytes(b []byte) (err error) {
	pub.p, err = bls12.NewG1().FromCompressed(b)
	if err != nil {
		return fmt.Errorf("bls12: failed to decompress public key: %w", err)
	}
	return nil
}

// PrivateKey is a bls12-381 private key.
type PrivateKey struct {
	p *big.Int
}

// ToBytes marshals the private key to a byte slice.
func (priv PrivateKey) ToBytes() []byte {
	return priv.p.Bytes()
}

// FromBytes unmarshals the private key from a byte slice.
func (priv *PrivateKey) FromBytes(b []byte) {
	priv.p = new(big.Int)
	priv.p.SetBytes(b)
}

// GeneratePrivateKey generates a new private key.
func GeneratePrivateKey() (*PrivateKey, error) {
	// the private key is a uniformly random integer such that 0 <= pk < r
	pk, err := rand.Int(rand.Reader, curveOrder)
	if err != nil {
		return nil, fmt.Errorf("bls12: failed to generate private key: %w", err)
	}
	return &PrivateKey{p: pk}, nil
}

// Public returns the public key associated with this private key.
func (priv *PrivateKey) Public() treehotstuff.PublicKey {
	p := &bls12.PointG1{}
	// The public key is the secret key multiplied by the generator G1
	return &PublicKey{p: bls12.NewG1().MulScalarBig(p, &bls12.G1One, priv.p)}
}

// Signature is a bls12-381 signature from a single signer.
type Signature struct {
	signer treehotstuff.ID
	s      *bls12.PointG2
}

// Signer returns the ID of the replica that generated the signature.
func (s *Signature) Signer() treehotstuff.ID {
	return s.signer
}

// ToBytes returns the object as bytes.
func (s *Signature) ToBytes() []byte {
	var idBytes [4]byte
	binary.LittleEndian.PutUint32(idBytes[:], uint32(s.signer))
	return append(idBytes[:], bls12.NewG2().ToCompressed(s.s)...)
}

// FromBytes unmarshals a signature from a byte slice.
func (s *Signature) FromBytes(b []byte) (err error) {
	if len(b) < 4+compressedG2Len {
		return fmt.Errorf("bls12: signature too short")
	}
	s.signer = treehotstuff.ID(binary.LittleEndian.Uint32(b))
	s.s, err = bls12.NewG2().FromCompressed(b[4 : 4+compressedG2Len])
	if err != nil {
		return fmt.Errorf("bls12: failed to decompress signature: %w", err)
	}
	return nil
}

// PartialCert is a single replica's bls12-381 endorsement of a block hash.
type PartialCert struct {
	signature *Signature
	hash      treehotstuff.Hash
}

// Signer returns the ID of the replica that created the certificate.
func (cert PartialCert) Signer() treehotstuff.ID {
	return cert.signature.signer
}

// BlockHash returns the hash of the block that was signed.
func (cert PartialCert) BlockHash() treehotstuff.Hash {
	return cert.hash
}

// ToBytes returns a byte representation of the partial certificate.
func (cert PartialCert) ToBytes() []byte {
	return append(cert.hash[:], cert.signature.ToBytes()...)
}

var _ treehotstuff.PartialCert = (*PartialCert)(nil)

// QuorumCert is an aggregating certificate over bls12-381 signatures.
type QuorumCert struct {
	hash  treehotstuff.Hash
	parts map[treehotstuff.ID]*bls12.PointG2
	agg   *bls12.PointG2 // set by Compute
}

// NewQuorumCert returns an empty aggregating certificate for the given block hash.
func NewQuorumCert(hash treehotstuff.Hash) *QuorumCert {
	return &QuorumCert{
		hash:  hash,
		parts: make(map[treehotstuff.ID]*bls12.PointG2),
	}
}

// BlockHash returns the hash of the block this certificate endorses.
func (qc *QuorumCert) BlockHash() treehotstuff.Hash {
	return qc.hash
}

// Participants returns the IDs of the replicas that have contributed.
func (qc *QuorumCert) Participants() treehotstuff.IDSet {
	set := treehotstuff.NewIDSet()
	for id := range qc.parts {
		set.Add(id)
	}
	return set
}

// AddPart adds a single partial certificate to the aggregate.
// Adding a contributor that is already present is a no-op.
func (qc *QuorumCert) AddPart(_ *treehotstuff.Config, id treehotstuff.ID, part treehotstuff.PartialCert) error {
	p, ok := part.(*PartialCert)
	if !ok {
		return crypto.ErrWrongType
	}
	if p.hash != qc.hash {
		return crypto.ErrHashMismatch
	}
	if _, ok := qc.parts[id]; ok {
		return nil
	}
	qc.parts[id] = p.signature.s
	qc.agg = nil
	return nil
}

// MergeQuorum unions the contributors of other into this certificate.
// A subset merge is a no-op. A partially overlapping merge fails, since the
// overlapping points cannot be deduplicated; disjoint subtree contributor
// sets are guaranteed by the tree overlay.
func (qc *QuorumCert) MergeQuorum(other treehotstuff.AggregateCert) error {
	o, ok := other.(*QuorumCert)
	if !ok {
		return crypto.ErrWrongType
	}
	if o.hash != qc.hash {
		return crypto.ErrHashMismatch
	}
	overlap := 0
	for id := range o.parts {
		if _, ok := qc.parts[id]; ok {
			overlap++
		}
	}
	if overlap == len(o.parts) {
		return nil
	}
	if overlap > 0 {
		return crypto.ErrOverlap
	}
	for id, p := range o.parts {
		qc.parts[id] = p
	}
	qc.agg = nil
	return nil
}

// HasN reports whether at least n replicas have contributed.
func (qc *QuorumCert) HasN(n int) bool {
	return len(qc.parts) >= n
}

// Compute sums the contributed points into the aggregated signature.
func (qc *QuorumCert) Compute() error {
	if len(qc.parts) == 0 {
		return fmt.Errorf("bls12: cannot compute empty certificate")
	}
	g2 := bls12.NewG2()
	agg := &bls12.PointG2{}
	for _, p := range qc.parts {
		g2.Add(agg, agg, p)
	}
	qc.agg = agg
	return nil
}

// Verify runs the pairing check over the aggregated signature. Compute is
// run first if it has not been already. The threshold is checked separately
// with HasN.
func (qc *QuorumCert) Verify(c *treehotstuff.Config) bool {
	if qc.hash == treehotstuff.GetGenesis().Hash() {
		return true
	}
	if qc.agg == nil {
		if err := qc.Compute(); err != nil {
			return false
		}
	}
	ps, err := bls12.NewG2().HashToCurve(qc.hash[:], domain)
	if err != nil {
		return false
	}
	engine := bls12.NewEngine()
	engine.AddPairInv(&bls12.G1One, qc.agg)
	for id := range qc.parts {
		replica, ok := c.Replica(id)
		if !ok {
			return false
		}
		pk, ok := replica.PubKey.(*PublicKey)
		if !ok {
			return false
		}
		engine.AddPair(pk.p, ps)
	}
	return engine.Result().IsOne()
}

// Clone returns an independent copy of the certificate.
func (qc *QuorumCert) Clone() treehotstuff.AggregateCert {
	clone := NewQuorumCert(qc.hash)
	for id, p := range qc.parts {
		clone.parts[id] = p
	}
	if qc.agg != nil {
		agg := *qc.agg
		clone.agg = &agg
	}
	return clone
}

// ToBytes returns a byte representation of the quorum certificate.
func (qc *QuorumCert) ToBytes() []byte {
	b := make([]byte, 0, treehotstuff.HashLen+4+len(qc.parts)*(4+compressedG2Len))
	b = append(b, qc.hash[:]...)
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(qc.parts)))
	b = append(b, u32[:]...)
	// sort by ID to make it deterministic
	order := make([]treehotstuff.ID, 0, len(qc.parts))
	for id := range qc.parts {
		order = append(order, id)
	}
	slices.Sort(order)
	g2 := bls12.NewG2()
	for _, id := range order {
		binary.LittleEndian.PutUint32(u32[:], uint32(id))
		b = append(b, u32[:]...)
		b = append(b, g2.ToCompressed(qc.parts[id])...)
	}
	return b
}

var _ treehotstuff.AggregateCert = (*QuorumCert)(nil)

// Crypto signs and verifies certificates with bls12-381 keys and decodes them from the wire.
type Crypto struct {
	id      treehotstuff.ID
	privKey *PrivateKey
}

// New returns the bls12-381 crypto scheme for the local replica.
func New(id treehotstuff.ID, privKey *PrivateKey) *Crypto {
	return &Crypto{id: id, privKey: privKey}
}

// CreatePartCert signs the given block hash.
func (bc *Crypto) CreatePartCert(hash treehotstuff.Hash) (treehotstuff.PartialCert, error) {
	p, err := bls12.NewG2().HashToCurve(hash[:], domain)
	if err != nil {
		return nil, fmt.Errorf("bls12: hash to curve failed: %w", err)
	}
	bls12.NewG2().MulScalarBig(p, p, bc.privKey.p)
	return &PartialCert{
		signature: &Signature{signer: bc.id, s: p},
		hash:      hash,
	}, nil
}

// CreateQuorumCert returns an empty aggregate certificate for the given block hash.
func (bc *Crypto) CreateQuorumCert(hash treehotstuff.Hash) treehotstuff.AggregateCert {
	return NewQuorumCert(hash)
}

// VerifyPartCert checks a single partial certificate.
func (bc *Crypto) VerifyPartCert(c *treehotstuff.Config, cert treehotstuff.PartialCert) bool {
	p, ok := cert.(*PartialCert)
	if !ok {
		return false
	}
	replica, ok := c.Replica(p.Signer())
	if !ok {
		return false
	}
	pk, ok := replica.PubKey.(*PublicKey)
	if !ok {
		return false
	}
	ps, err := bls12.NewG2().HashToCurve(p.hash[:], domain)
	if err != nil {
		return false
	}
	engine := bls12.NewEngine()
	engine.AddPairInv(&bls12.G1One, p.signature.s)
	engine.AddPair(pk.p, ps)
	return engine.Result().IsOne()
}

// PartialCertFromBytes decodes a partial certificate.
func (bc *Crypto) PartialCertFromBytes(data []byte) (treehotstuff.PartialCert, error) {
	if len(data) < treehotstuff.HashLen+4+compressedG2Len {
		return nil, fmt.Errorf("bls12: partial cert too short")
	}
	var hash treehotstuff.Hash
	copy(hash[:], data)
	sig := &Signature{}
	if err := sig.FromBytes(data[treehotstuff.HashLen:]); err != nil {
		return nil, err
	}
	return &PartialCert{signature: sig, hash: hash}, nil
}

// AggregateCertFromBytes decodes an aggregate certificate.
func (bc *Crypto) AggregateCertFromBytes(data []byte) (treehotstuff.AggregateCert, error) {
	if len(data) < treehotstuff.HashLen+4 {
		return nil, fmt.Errorf("bls12: aggregate cert too short")
	}
	var hash treehotstuff.Hash
	copy(hash[:], data)
	count := int(binary.LittleEndian.Uint32(data[treehotstuff.HashLen:]))
	rest := data[treehotstuff.HashLen+4:]
	if len(rest) < count*(4+compressedG2Len) {
		return nil, fmt.Errorf("bls12: aggregate cert too short")
	}
	qc := NewQuorumCert(hash)
	g2 := bls12.NewG2()
	for i := 0; i < count; i++ {
		id := treehotstuff.ID(binary.LittleEndian.Uint32(rest))
		p, err := g2.FromCompressed(rest[4 : 4+compressedG2Len])
		if err != nil {
			return nil, fmt.Errorf("bls12: failed to decompress signature: %w", err)
		}
		qc.parts[id] = p
		rest = rest[4+compressedG2Len:]
	}
	return qc, nil
}

var (
	_ treehotstuff.Signer    = (*Crypto)(nil)
	_ treehotstuff.CertCodec = (*Crypto)(nil)
)
