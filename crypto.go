package treehotstuff

// PartialCert is a single replica's signed endorsement of a block hash.
type PartialCert interface {
	ToBytes
	// Signer returns the ID of the replica that created the certificate.
	Signer() ID
	// BlockHash returns the hash of the block that was signed.
	BlockHash() Hash
}

// AggregateCert is an in-progress quorum certificate for a single block.
// Partial certificates are accumulated with AddPart and already aggregated
// subtrees are folded in with MergeQuorum. The contributor set only grows;
// adding a contributor that is already present is a no-op.
//
// AggregateCert values are not safe for concurrent use. The coordination
// core mutates them on the event loop goroutine only.
type AggregateCert interface {
	ToBytes
	// BlockHash returns the hash of the block this certificate endorses.
	BlockHash() Hash
	// Participants returns the IDs of the replicas that have contributed.
	Participants() IDSet
	// AddPart adds a single partial certificate to the aggregate.
	AddPart(c *Config, id ID, part PartialCert) error
	// MergeQuorum unions the contributors of other into this certificate.
	MergeQuorum(other AggregateCert) error
	// HasN reports whether at least n replicas have contributed.
	HasN(n int) bool
	// Compute finalises the aggregate form of the certificate.
	Compute() error
	// Verify checks the aggregate cryptographically against the public keys in c.
	Verify(c *Config) bool
	// Clone returns an independent copy of the certificate.
	Clone() AggregateCert
}

// CertCodec decodes certificates received over the wire. It is implemented by
// each crypto scheme, since the byte layout of a certificate depends on it.
type CertCodec interface {
	// PartialCertFromBytes decodes a partial certificate.
	PartialCertFromBytes(data []byte) (PartialCert, error)
	// AggregateCertFromBytes decodes an aggregate certificate.
	AggregateCertFromBytes(data []byte) (AggregateCert, error)
}

// Signer creates certificates on behalf of the local replica.
type Signer interface {
	// CreatePartCert signs the given block hash.
	CreatePartCert(hash Hash) (PartialCert, error)
	// CreateQuorumCert returns an empty aggregate certificate for the given block hash.
	CreateQuorumCert(hash Hash) AggregateCert
	// VerifyPartCert checks a single partial certificate.
	VerifyPartCert(c *Config, cert PartialCert) bool
}
