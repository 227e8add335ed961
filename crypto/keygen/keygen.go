// Package keygen mints the credentials a replica set runs with: ECDSA
// signing keys, optional bls12-381 keys, and the TLS certificates whose
// hashes form the connection allow-list.
package keygen

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/relab/treehotstuff"
	"github.com/relab/treehotstuff/crypto/bls12"
	ecdsacrypto "github.com/relab/treehotstuff/crypto/ecdsa"
)

const certValidFor = 10 // years

// GenerateECDSAPrivateKey returns a new P-256 signing key.
func GenerateECDSAPrivateKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// CertHash returns the SHA256 hash of the DER-encoded certificate.
// This is the identity a peer presents to the connection allow-list.
func CertHash(cert *x509.Certificate) treehotstuff.Hash {
	return sha256.Sum256(cert.Raw)
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}

// GenerateRootCert mints the self-signed CA that signs the replica
// certificates of one configuration.
func GenerateRootCert(caKey *ecdsa.PrivateKey) (*x509.Certificate, error) {
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	tmpl := x509.Certificate{
		SerialNumber:          serial,
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(certValidFor, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}

// GenerateTLSCert mints a replica certificate valid for the given hosts.
// The certificate's hash (see CertHash) becomes the replica's transport
// identity; the subject records the replica id for operators.
func GenerateTLSCert(id treehotstuff.ID, hosts []string, ca *x509.Certificate, replicaKey *ecdsa.PublicKey, caKey *ecdsa.PrivateKey) (*x509.Certificate, error) {
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: strconv.Itoa(int(id))},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(certValidFor, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		BasicConstraintsValid: true,
	}
	for _, host := range hosts {
		if ip := net.ParseIP(host); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, host)
		}
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, ca, replicaKey, caKey)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}

// keyBlocks maps a key pair to its PEM representations.
func keyBlocks(key treehotstuff.PrivateKey) (priv, pub *pem.Block, err error) {
	switch k := key.(type) {
	case *ecdsa.PrivateKey:
		privDER, err := x509.MarshalECPrivateKey(k)
		if err != nil {
			return nil, nil, err
		}
		pubDER, err := x509.MarshalPKIXPublicKey(&k.PublicKey)
		if err != nil {
			return nil, nil, err
		}
		return &pem.Block{Type: ecdsacrypto.PrivateKeyFileType, Bytes: privDER},
			&pem.Block{Type: ecdsacrypto.PublicKeyFileType, Bytes: pubDER}, nil
	case *bls12.PrivateKey:
		pubKey := k.Public().(*bls12.PublicKey)
		return &pem.Block{Type: bls12.PrivateKeyFileType, Bytes: k.ToBytes()},
			&pem.Block{Type: bls12.PublicKeyFileType, Bytes: pubKey.ToBytes()}, nil
	default:
		return nil, nil, fmt.Errorf("keygen: unsupported key type %T", key)
	}
}

func writePEM(path string, mode os.FileMode, block *pem.Block) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if err := pem.Encode(f, block); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func readPEM(path string) (*pem.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("keygen: %s contains no PEM block", path)
	}
	return block, nil
}

// writeKeyPair writes the private key to keyPath and the public key next to
// it with a .pub suffix.
func writeKeyPair(key treehotstuff.PrivateKey, keyPath string) error {
	priv, pub, err := keyBlocks(key)
	if err != nil {
		return err
	}
	if err := writePEM(keyPath, 0600, priv); err != nil {
		return fmt.Errorf("keygen: cannot write %s: %w", keyPath, err)
	}
	if err := writePEM(keyPath+".pub", 0644, pub); err != nil {
		return fmt.Errorf("keygen: cannot write %s.pub: %w", keyPath, err)
	}
	return nil
}

// ReadPrivateKeyFile reads a private key of either scheme from keyFile.
func ReadPrivateKeyFile(keyFile string) (treehotstuff.PrivateKey, error) {
	block, err := readPEM(keyFile)
	if err != nil {
		return nil, err
	}
	switch block.Type {
	case ecdsacrypto.PrivateKeyFileType:
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("keygen: bad ECDSA key in %s: %w", keyFile, err)
		}
		return key, nil
	case bls12.PrivateKeyFileType:
		key := &bls12.PrivateKey{}
		key.FromBytes(block.Bytes)
		return key, nil
	}
	return nil, fmt.Errorf("keygen: %s holds a %q block, not a private key", keyFile, block.Type)
}

// ReadPublicKeyFile reads a public key of either scheme from keyFile.
func ReadPublicKeyFile(keyFile string) (treehotstuff.PublicKey, error) {
	block, err := readPEM(keyFile)
	if err != nil {
		return nil, err
	}
	switch block.Type {
	case ecdsacrypto.PublicKeyFileType:
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("keygen: bad ECDSA key in %s: %w", keyFile, err)
		}
		return key, nil
	case bls12.PublicKeyFileType:
		key := &bls12.PublicKey{}
		if err := key.FromBytes(block.Bytes); err != nil {
			return nil, fmt.Errorf("keygen: bad bls12-381 key in %s: %w", keyFile, err)
		}
		return key, nil
	}
	return nil, fmt.Errorf("keygen: %s holds a %q block, not a public key", keyFile, block.Type)
}

// ReadCertFile reads an x509 certificate from certFile.
func ReadCertFile(certFile string) (*x509.Certificate, error) {
	block, err := readPEM(certFile)
	if err != nil {
		return nil, err
	}
	if block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("keygen: %s holds a %q block, not a certificate", certFile, block.Type)
	}
	return x509.ParseCertificate(block.Bytes)
}

// replicaCreds is the full credential set of one replica, minted in memory
// before anything touches the filesystem.
type replicaCreds struct {
	signKey  *ecdsa.PrivateKey
	blsKey   *bls12.PrivateKey // nil unless bls keys were requested
	cert     *x509.Certificate
	certHash treehotstuff.Hash
}

func mintReplica(id treehotstuff.ID, host string, ca *x509.Certificate, caKey *ecdsa.PrivateKey, bls bool) (*replicaCreds, error) {
	signKey, err := GenerateECDSAPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("keygen: cannot generate signing key for replica %d: %w", id, err)
	}
	cert, err := GenerateTLSCert(id, []string{host}, ca, &signKey.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("keygen: cannot mint certificate for replica %d: %w", id, err)
	}
	creds := &replicaCreds{
		signKey:  signKey,
		cert:     cert,
		certHash: CertHash(cert),
	}
	if bls {
		if creds.blsKey, err = bls12.GeneratePrivateKey(); err != nil {
			return nil, fmt.Errorf("keygen: cannot generate bls12-381 key for replica %d: %w", id, err)
		}
	}
	return creds, nil
}

// write stores the credential set under basePath: basePath.key(.pub),
// basePath.crt, and basePath.bls(.pub) when a bls key is present.
func (c *replicaCreds) write(basePath string) error {
	if err := writeKeyPair(c.signKey, basePath+".key"); err != nil {
		return err
	}
	if err := writePEM(basePath+".crt", 0644, &pem.Block{Type: "CERTIFICATE", Bytes: c.cert.Raw}); err != nil {
		return fmt.Errorf("keygen: cannot write %s.crt: %w", basePath, err)
	}
	if c.blsKey == nil {
		return nil
	}
	return writeKeyPair(c.blsKey, basePath+".bls")
}

// GenerateConfiguration mints keys and certificates for n replicas into
// dest. pattern names the per-replica files: '*' is replaced by the replica
// id, so '*' yields 0.key, 0.crt and so on. hosts is either one host shared
// by every certificate or one host per replica. The CA certificate is
// written to dest/ca.crt.
func GenerateConfiguration(dest string, bls bool, n int, pattern string, hosts []string) error {
	switch {
	case len(hosts) == 0:
		return fmt.Errorf("keygen: no hosts given")
	case len(hosts) != 1 && len(hosts) != n:
		return fmt.Errorf("keygen: got %d hosts for %d replicas, want 1 or %d", len(hosts), n, n)
	}
	if err := os.MkdirAll(dest, 0755); err != nil {
		return fmt.Errorf("keygen: cannot create %s: %w", dest, err)
	}

	caKey, err := GenerateECDSAPrivateKey()
	if err != nil {
		return fmt.Errorf("keygen: cannot generate CA key: %w", err)
	}
	ca, err := GenerateRootCert(caKey)
	if err != nil {
		return fmt.Errorf("keygen: cannot mint CA certificate: %w", err)
	}
	if err := writePEM(filepath.Join(dest, "ca.crt"), 0644, &pem.Block{Type: "CERTIFICATE", Bytes: ca.Raw}); err != nil {
		return fmt.Errorf("keygen: cannot write CA certificate: %w", err)
	}

	for i := 0; i < n; i++ {
		host := hosts[0]
		if len(hosts) > 1 {
			host = hosts[i]
		}
		creds, err := mintReplica(treehotstuff.ID(i), host, ca, caKey, bls)
		if err != nil {
			return err
		}
		basePath := filepath.Join(dest, strings.ReplaceAll(pattern, "*", strconv.Itoa(i)))
		if err := creds.write(basePath); err != nil {
			return err
		}
	}
	return nil
}
