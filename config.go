package treehotstuff

// ReplicaInfo holds the public information about one replica.
type ReplicaInfo struct {
	ID       ID
	Address  string
	PubKey   PublicKey
	CertHash Hash // SHA256 of the replica's DER-encoded TLS certificate
}

// Config holds the static membership of the replica set.
type Config struct {
	// ID is the id of the local replica.
	ID ID
	// PrivateKey is the local replica's signing key.
	PrivateKey PrivateKey
	// Fanout is the arity of the tree overlay.
	Fanout int
	// BatchSize is the number of commands batched into one block.
	BatchSize uint32

	replicas map[ID]*ReplicaInfo
	order    []ID
}

// NewConfig creates a configuration for the local replica identified by id.
func NewConfig(id ID, privKey PrivateKey, fanout int, batchSize uint32) *Config {
	return &Config{
		ID:         id,
		PrivateKey: privKey,
		Fanout:     fanout,
		BatchSize:  batchSize,
		replicas:   make(map[ID]*ReplicaInfo),
	}
}

// AddReplica registers a replica. Replicas must be added in list order,
// since the order determines the tree overlay positions.
func (c *Config) AddReplica(info *ReplicaInfo) {
	if _, ok := c.replicas[info.ID]; ok {
		return
	}
	c.replicas[info.ID] = info
	c.order = append(c.order, info.ID)
}

// Replica returns the information about the given replica.
func (c *Config) Replica(id ID) (*ReplicaInfo, bool) {
	r, ok := c.replicas[id]
	return r, ok
}

// Replicas returns the replica IDs in list order.
func (c *Config) Replicas() []ID {
	return c.order
}

// N returns the total number of replicas.
func (c *Config) N() int {
	return len(c.replicas)
}

// QuorumSize returns the number of contributors required for a quorum
// certificate: n - f, where f = (n-1)/3 is the number of tolerated faults.
func (c *Config) QuorumSize() int {
	n := c.N()
	return n - (n-1)/3
}
