// Package ecdsa provides certificates for the coordination core using Go's
// 'crypto/ecdsa' package. The aggregate form is a multisignature: the union
// of the individual partial signatures, so merges of arbitrary overlapping
// contributor sets are supported.
package ecdsa

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math/big"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/relab/treehotstuff"
	"github.com/relab/treehotstuff/crypto"
	"go.uber.org/multierr"
)

const (
	// PrivateKeyFileType is the PEM type for a private key.
	PrivateKeyFileType = "ECDSA PRIVATE KEY"

	// PublicKeyFileType is the PEM type for a public key.
	PublicKeyFileType = "ECDSA PUBLIC KEY"
)

// Signature is an ECDSA signature.
type Signature struct {
	r, s   *big.Int
	signer treehotstuff.ID
}

// NewSignature creates a new Signature struct from the given values.
func NewSignature(r, s *big.Int, signer treehotstuff.ID) *Signature {
	return &Signature{r, s, signer}
}

// Signer returns the ID of the replica that generated the signature.
func (sig Signature) Signer() treehotstuff.ID {
	return sig.signer
}

// R returns the r value of the signature.
func (sig Signature) R() *big.Int {
	return sig.r
}

// S returns the s value of the signature.
func (sig Signature) S() *big.Int {
	return sig.s
}

// ToBytes returns a self-delimiting byte representation of the signature.
func (sig Signature) ToBytes() []byte {
	rb := sig.r.Bytes()
	sb := sig.s.Bytes()
	b := make([]byte, 0, 12+len(rb)+len(sb))
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(sig.signer))
	b = append(b, u32[:]...)
	binary.LittleEndian.PutUint32(u32[:], uint32(len(rb)))
	b = append(b, u32[:]...)
	b = append(b, rb...)
	binary.LittleEndian.PutUint32(u32[:], uint32(len(sb)))
	b = append(b, u32[:]...)
	b = append(b, sb...)
	return b
}

// signatureFromBytes reads one signature from b, returning the number of bytes consumed.
func signatureFromBytes(b []byte) (sig *Signature, n int, err error) {
	if len(b) < 8 {
		return nil, 0, fmt.Errorf("ecdsa: signature too short")
	}
	signer := treehotstuff.ID(binary.LittleEndian.Uint32(b))
	n = 4
	rLen := int(binary.LittleEndian.Uint32(b[n:]))
	n += 4
	if len(b) < n+rLen+4 {
		return nil, 0, fmt.Errorf("ecdsa: signature too short")
	}
	r := new(big.Int).SetBytes(b[n : n+rLen])
	n += rLen
	sLen := int(binary.LittleEndian.Uint32(b[n:]))
	n += 4
	if len(b) < n+sLen {
		return nil, 0, fmt.Errorf("ecdsa: signature too short")
	}
	s := new(big.Int).SetBytes(b[n : n+sLen])
	n += sLen
	return &Signature{r: r, s: s, signer: signer}, n, nil
}

// PartialCert is an ECDSA signature and the block hash that was signed.
type PartialCert struct {
	signature *Signature
	hash      treehotstuff.Hash
}

// NewPartialCert initializes a PartialCert struct from the given values.
func NewPartialCert(signature *Signature, hash treehotstuff.Hash) *PartialCert {
	return &PartialCert{signature, hash}
}

// Signer returns the ID of the replica that created the certificate.
func (cert PartialCert) Signer() treehotstuff.ID {
	return cert.signature.signer
}

// Signature returns the signature.
func (cert PartialCert) Signature() *Signature {
	return cert.signature
}

// BlockHash returns the hash of the block that was signed.
func (cert PartialCert) BlockHash() treehotstuff.Hash {
	return cert.hash
}

// ToBytes returns a byte representation of the partial certificate.
func (cert PartialCert) ToBytes() []byte {
	return append(cert.hash[:], cert.signature.ToBytes()...)
}

func (cert PartialCert) String() string {
	return fmt.Sprintf("PartialCert{ block: %.6s, signer: %d }", cert.hash.String(), cert.signature.signer)
}

var _ treehotstuff.PartialCert = (*PartialCert)(nil)

// QuorumCert is an aggregating certificate: the union of the individual
// signatures it has absorbed, keyed by signer so that duplicates are free.
type QuorumCert struct {
	sigs map[treehotstuff.ID]*Signature
	hash treehotstuff.Hash
}

// NewQuorumCert returns an empty aggregating certificate for the given block hash.
func NewQuorumCert(hash treehotstuff.Hash) *QuorumCert {
	return &QuorumCert{
		sigs: make(map[treehotstuff.ID]*Signature),
		hash: hash,
	}
}

// BlockHash returns the hash of the block for which the certificate was created.
func (qc *QuorumCert) BlockHash() treehotstuff.Hash {
	return qc.hash
}

// Participants returns the IDs of the replicas that have contributed.
func (qc *QuorumCert) Participants() treehotstuff.IDSet {
	set := treehotstuff.NewIDSet()
	for id := range qc.sigs {
		set.Add(id)
	}
	return set
}

// signers returns the contributor IDs in ascending order.
func (qc *QuorumCert) signers() []treehotstuff.ID {
	order := make([]treehotstuff.ID, 0, len(qc.sigs))
	for id := range qc.sigs {
		order = append(order, id)
	}
	slices.Sort(order)
	return order
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
	if _, ok := qc.sigs[id]; ok {
		return nil
	}
	qc.sigs[id] = p.signature
	return nil
}

// MergeQuorum unions the contributors of other into this certificate.
func (qc *QuorumCert) MergeQuorum(other treehotstuff.AggregateCert) error {
	o, ok := other.(*QuorumCert)
	if !ok {
		return crypto.ErrWrongType
	}
	if o.hash != qc.hash {
		return crypto.ErrHashMismatch
	}
	for id, sig := range o.sigs {
		if _, ok := qc.sigs[id]; !ok {
			qc.sigs[id] = sig
		}
	}
	return nil
}

// HasN reports whether at least n replicas have contributed.
func (qc *QuorumCert) HasN(n int) bool {
	return len(qc.sigs) >= n
}

// Compute finalises the aggregate form. For a multisignature the canonical
// form is the sorted signature set produced by ToBytes, so there is nothing
// left to do here.
func (qc *QuorumCert) Compute() error {
	return nil
}

// Verify checks every contained signature against the public key in c of
// the replica it is recorded under. The threshold is checked separately
// with HasN.
func (qc *QuorumCert) Verify(c *treehotstuff.Config) bool {
	if qc.hash == treehotstuff.GetGenesis().Hash() {
		return true
	}
	if len(qc.sigs) == 0 {
		return false
	}
	var numVerified uint32
	var wg sync.WaitGroup
	wg.Add(len(qc.sigs))
	for id, sig := range qc.sigs {
		go func(id treehotstuff.ID, sig *Signature) {
			defer wg.Done()
			if sig.signer == id && verifySignature(c, sig, qc.hash) {
				atomic.AddUint32(&numVerified, 1)
			}
		}(id, sig)
	}
	wg.Wait()
	return numVerified == uint32(len(qc.sigs))
}

// Clone returns an independent copy of the certificate.
func (qc *QuorumCert) Clone() treehotstuff.AggregateCert {
	clone := NewQuorumCert(qc.hash)
	for id, sig := range qc.sigs {
		clone.sigs[id] = sig
	}
	return clone
}

// ToBytes returns the canonical byte representation of the certificate:
// the block hash, the contributor count, and the signatures in ascending
// signer order.
func (qc *QuorumCert) ToBytes() []byte {
	b := make([]byte, 0, treehotstuff.HashLen+4)
	b = append(b, qc.hash[:]...)
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(qc.sigs)))
	b = append(b, u32[:]...)
	for _, id := range qc.signers() {
		b = append(b, qc.sigs[id].ToBytes()...)
	}
	return b
}

func (qc *QuorumCert) String() string {
	var sb strings.Builder
	for _, id := range qc.signers() {
		fmt.Fprintf(&sb, " %d ", id)
	}
	return fmt.Sprintf("QC{ block: %.6s, sigs: [%s] }", qc.hash.String(), sb.String())
}

var _ treehotstuff.AggregateCert = (*QuorumCert)(nil)

// Crypto signs and verifies certificates with ECDSA keys and decodes them from the wire.
type Crypto struct {
	id      treehotstuff.ID
	privKey *ecdsa.PrivateKey
}

// New returns the ECDSA crypto scheme for the local replica.
func New(id treehotstuff.ID, privKey *ecdsa.PrivateKey) *Crypto {
	return &Crypto{id: id, privKey: privKey}
}

// CreatePartCert signs the given block hash.
func (ec *Crypto) CreatePartCert(hash treehotstuff.Hash) (treehotstuff.PartialCert, error) {
	r, s, err := ecdsa.Sign(rand.Reader, ec.privKey, hash[:])
	if err != nil {
		return nil, err
	}
	return &PartialCert{
		signature: &Signature{r: r, s: s, signer: ec.id},
		hash:      hash,
	}, nil
}

// CreateQuorumCert returns an empty aggregate certificate for the given block hash.
func (ec *Crypto) CreateQuorumCert(hash treehotstuff.Hash) treehotstuff.AggregateCert {
	return NewQuorumCert(hash)
}

// VerifyPartCert checks a single partial certificate.
func (ec *Crypto) VerifyPartCert(c *treehotstuff.Config, cert treehotstuff.PartialCert) bool {
	p, ok := cert.(*PartialCert)
	if !ok {
		return false
	}
	return verifySignature(c, p.signature, p.hash)
}

func verifySignature(c *treehotstuff.Config, sig *Signature, hash treehotstuff.Hash) bool {
	replica, ok := c.Replica(sig.signer)
	if !ok {
		return false
	}
	pk, ok := replica.PubKey.(*ecdsa.PublicKey)
	if !ok {
		return false
	}
	return ecdsa.Verify(pk, hash[:], sig.r, sig.s)
}

// PartialCertFromBytes decodes a partial certificate.
func (ec *Crypto) PartialCertFromBytes(data []byte) (treehotstuff.PartialCert, error) {
	if len(data) < treehotstuff.HashLen {
		return nil, fmt.Errorf("ecdsa: partial cert too short")
	}
	var hash treehotstuff.Hash
	copy(hash[:], data)
	sig, _, err := signatureFromBytes(data[treehotstuff.HashLen:])
	if err != nil {
		return nil, err
	}
	return &PartialCert{signature: sig, hash: hash}, nil
}

// AggregateCertFromBytes decodes an aggregate certificate.
func (ec *Crypto) AggregateCertFromBytes(data []byte) (treehotstuff.AggregateCert, error) {
	if len(data) < treehotstuff.HashLen+4 {
		return nil, fmt.Errorf("ecdsa: aggregate cert too short")
	}
	var hash treehotstuff.Hash
	copy(hash[:], data)
	count := int(binary.LittleEndian.Uint32(data[treehotstuff.HashLen:]))
	qc := NewQuorumCert(hash)
	rest := data[treehotstuff.HashLen+4:]
	var err error
	for i := 0; i < count; i++ {
		var (
			sig *Signature
			n   int
		)
		sig, n, err = signatureFromBytes(rest)
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("ecdsa: bad aggregate cert"), err)
		}
		rest = rest[n:]
		qc.sigs[sig.signer] = sig
	}
	return qc, nil
}

var (
	_ treehotstuff.Signer    = (*Crypto)(nil)
	_ treehotstuff.CertCodec = (*Crypto)(nil)
)
