package network

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/relab/treehotstuff"
)

// StreamLayer provides the stream abstraction the transport runs on,
// which can be simple TCP or TLS.
type StreamLayer interface {
	// Dial opens a stream to the given address.
	Dial(address string, timeout time.Duration) (net.Conn, error)
	// Accept waits for and returns the next incoming stream.
	Accept() (net.Conn, error)
	// Close closes the listener.
	Close() error
	// Addr returns the listener's address.
	Addr() net.Addr
}

// tcpStreamLayer implements StreamLayer over plain TCP.
type tcpStreamLayer struct {
	listener net.Listener
}

// NewTCPStreamLayer listens on the given address over plain TCP.
// Plain TCP provides no peer authentication and is meant for testing.
func NewTCPStreamLayer(listenAddr string) (StreamLayer, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	return &tcpStreamLayer{listener: ln}, nil
}

func (t *tcpStreamLayer) Dial(address string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", address, timeout)
}

func (t *tcpStreamLayer) Accept() (net.Conn, error) {
	return t.listener.Accept()
}

func (t *tcpStreamLayer) Close() error {
	return t.listener.Close()
}

func (t *tcpStreamLayer) Addr() net.Addr {
	return t.listener.Addr()
}

// tlsStreamLayer implements StreamLayer over TLS with mutual authentication.
// Peers are identified by certificate hash rather than by CA chains: a
// connection is accepted iff the SHA256 hash of the presented DER
// certificate is in the allow-list.
type tlsStreamLayer struct {
	listener  net.Listener
	clientCfg *tls.Config
}

// NewTLSStreamLayer listens on the given address over mutually authenticated
// TLS. allowed reports whether a certificate hash is in the allow-list.
func NewTLSStreamLayer(listenAddr string, cert tls.Certificate, allowed func(treehotstuff.Hash) bool) (StreamLayer, error) {
	verify := func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("network: no peer certificate presented")
		}
		hash := treehotstuff.Hash(sha256.Sum256(rawCerts[0]))
		if !allowed(hash) {
			return fmt.Errorf("network: peer certificate %.8s not in allow-list", hash.String())
		}
		return nil
	}
	serverCfg := &tls.Config{
		Certificates:          []tls.Certificate{cert},
		ClientAuth:            tls.RequireAnyClientCert,
		VerifyPeerCertificate: verify,
	}
	clientCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		// The server is authenticated by certificate hash in
		// VerifyPeerCertificate, not by CA chain and host name.
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: verify,
	}
	ln, err := tls.Listen("tcp", listenAddr, serverCfg)
	if err != nil {
		return nil, err
	}
	return &tlsStreamLayer{listener: ln, clientCfg: clientCfg}, nil
}

func (t *tlsStreamLayer) Dial(address string, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	return tls.DialWithDialer(dialer, "tcp", address, t.clientCfg)
}

func (t *tlsStreamLayer) Accept() (net.Conn, error) {
	return t.listener.Accept()
}

func (t *tlsStreamLayer) Close() error {
	return t.listener.Close()
}

func (t *tlsStreamLayer) Addr() net.Addr {
	return t.listener.Addr()
}

// peerCertHash returns the hash of the certificate presented on conn,
// if conn is a TLS connection.
func peerCertHash(conn net.Conn) (treehotstuff.Hash, bool) {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return treehotstuff.Hash{}, false
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return treehotstuff.Hash{}, false
	}
	return sha256.Sum256(state.PeerCertificates[0].Raw), true
}
