// Package network provides authenticated point-to-point messaging between
// replicas with per-peer ordered delivery.
//
// Connections are unidirectional: each replica dials the peers it sends to,
// and both endpoints of a tree edge dial each other. An inbound connection
// opens with a hello frame carrying the sender id; under TLS the hash of the
// presented certificate must additionally match the certificate registered
// for that id. Messages from connections that never identified themselves
// are dropped.
package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/relab/treehotstuff"
	"github.com/relab/treehotstuff/logging"
	"github.com/relab/treehotstuff/wire"
)

// ErrNotConnected is returned when sending to a peer without an established connection.
var ErrNotConnected = errors.New("network: peer not connected")

// ErrUnknownPeer is returned when referring to a peer that was never registered.
var ErrUnknownPeer = errors.New("network: unknown peer")

const (
	dialTimeout    = 5 * time.Second
	maxDialRetry   = 30 * time.Second
	sendQueueDepth = 128
)

// Handler processes a received message. Handlers for one peer run in
// receive order on that peer's reader goroutine; handlers must hand the
// message off to the event loop rather than block.
type Handler func(msg wire.Message, from treehotstuff.ID)

// DisconnectHandler is notified when a peer's connection goes away.
type DisconnectHandler func(id treehotstuff.ID)

type peerInfo struct {
	addr     string
	certHash treehotstuff.Hash
}

type outConn struct {
	id     treehotstuff.ID
	conn   net.Conn
	sendQ  chan wire.Message
	closed chan struct{}
	once   sync.Once
}

func (c *outConn) close() {
	c.once.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// Network is the peer-to-peer transport of one replica.
type Network struct {
	id     treehotstuff.ID
	stream StreamLayer
	logger logging.Logger
	useTLS bool

	mut          sync.Mutex
	peers        map[treehotstuff.ID]*peerInfo
	allowed      map[treehotstuff.Hash]treehotstuff.ID
	conns        map[treehotstuff.ID]*outConn
	handlers     map[wire.Opcode]Handler
	onDisconnect DisconnectHandler

	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// New creates a network on the given stream layer and starts accepting
// connections. useTLS must reflect whether the stream layer authenticates
// peers by certificate.
func New(id treehotstuff.ID, stream StreamLayer, useTLS bool) *Network {
	n := &Network{
		id:       id,
		stream:   stream,
		logger:   logging.New("network"),
		useTLS:   useTLS,
		peers:    make(map[treehotstuff.ID]*peerInfo),
		allowed:  make(map[treehotstuff.Hash]treehotstuff.ID),
		conns:    make(map[treehotstuff.ID]*outConn),
		handlers: make(map[wire.Opcode]Handler),
		closed:   make(chan struct{}),
	}
	n.wg.Add(1)
	go n.acceptLoop()
	return n
}

// Addr returns the address the network is listening on.
func (n *Network) Addr() net.Addr {
	return n.stream.Addr()
}

// SetPeer registers a peer's address and certificate hash.
func (n *Network) SetPeer(id treehotstuff.ID, addr string, certHash treehotstuff.Hash) {
	n.mut.Lock()
	defer n.mut.Unlock()
	n.peers[id] = &peerInfo{addr: addr, certHash: certHash}
	n.allowed[certHash] = id
}

// Allowed reports whether the certificate hash belongs to a registered peer.
// It is the allow-list callback for the TLS stream layer.
func (n *Network) Allowed(certHash treehotstuff.Hash) bool {
	n.mut.Lock()
	defer n.mut.Unlock()
	_, ok := n.allowed[certHash]
	return ok
}

// RegisterHandler registers the handler for the given message kind.
func (n *Network) RegisterHandler(op wire.Opcode, h Handler) {
	n.mut.Lock()
	defer n.mut.Unlock()
	n.handlers[op] = h
}

// SetDisconnectHandler registers the handler notified on peer disconnect.
func (n *Network) SetDisconnectHandler(h DisconnectHandler) {
	n.mut.Lock()
	defer n.mut.Unlock()
	n.onDisconnect = h
}

// Connect establishes the send connection to the given peer, retrying with
// exponential backoff until the peer accepts, the network is closed, or
// maxDialRetry has elapsed.
func (n *Network) Connect(id treehotstuff.ID) error {
	n.mut.Lock()
	info, ok := n.peers[id]
	if _, connected := n.conns[id]; connected {
		n.mut.Unlock()
		return nil
	}
	n.mut.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, id)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = maxDialRetry
	conn, err := backoff.RetryWithData(func() (net.Conn, error) {
		select {
		case <-n.closed:
			return nil, backoff.Permanent(errors.New("network: closed"))
		default:
		}
		return n.stream.Dial(info.addr, dialTimeout)
	}, policy)
	if err != nil {
		return fmt.Errorf("network: failed to connect to replica %d: %w", id, err)
	}

	// identify ourselves before any messages
	var hello [4]byte
	binary.LittleEndian.PutUint32(hello[:], uint32(n.id))
	if err := wire.WriteFrame(conn, wire.OpHello, hello[:]); err != nil {
		conn.Close()
		return fmt.Errorf("network: hello to replica %d failed: %w", id, err)
	}

	c := &outConn{
		id:     id,
		conn:   conn,
		sendQ:  make(chan wire.Message, sendQueueDepth),
		closed: make(chan struct{}),
	}
	n.mut.Lock()
	if old, ok := n.conns[id]; ok {
		old.close()
	}
	n.conns[id] = c
	n.mut.Unlock()

	n.wg.Add(1)
	go n.writeLoop(c)
	n.logger.Debugf("connected to replica %d at %s", id, info.addr)
	return nil
}

// Send enqueues the message for the given peer. Messages to one peer are
// delivered in send order.
func (n *Network) Send(msg wire.Message, id treehotstuff.ID) error {
	n.mut.Lock()
	c, ok := n.conns[id]
	n.mut.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotConnected, id)
	}
	select {
	case c.sendQ <- msg:
		return nil
	case <-c.closed:
		return fmt.Errorf("%w: %d", ErrNotConnected, id)
	}
}

// Multicast sends the message to each of the given peers.
func (n *Network) Multicast(msg wire.Message, ids []treehotstuff.ID) {
	for _, id := range ids {
		if err := n.Send(msg, id); err != nil {
			n.logger.Warnf("multicast to replica %d failed: %v", id, err)
		}
	}
}

// Close shuts the network down.
func (n *Network) Close() error {
	n.once.Do(func() {
		close(n.closed)
		n.stream.Close()
		n.mut.Lock()
		for _, c := range n.conns {
			c.close()
		}
		n.mut.Unlock()
	})
	n.wg.Wait()
	return nil
}

func (n *Network) writeLoop(c *outConn) {
	defer n.wg.Done()
	defer n.dropConn(c)
	for {
		select {
		case msg := <-c.sendQ:
			if err := wire.WriteMessage(c.conn, msg); err != nil {
				n.logger.Warnf("write to replica %d failed: %v", c.id, err)
				return
			}
		case <-c.closed:
			return
		case <-n.closed:
			return
		}
	}
}

func (n *Network) dropConn(c *outConn) {
	c.close()
	n.mut.Lock()
	var onDisconnect DisconnectHandler
	if n.conns[c.id] == c {
		delete(n.conns, c.id)
		onDisconnect = n.onDisconnect
	}
	n.mut.Unlock()
	if onDisconnect != nil {
		onDisconnect(c.id)
	}
}

// acceptLoop handles incoming connections, backing off on transient errors.
func (n *Network) acceptLoop() {
	defer n.wg.Done()

	const baseDelay = 5 * time.Millisecond
	const maxDelay = 1 * time.Second

	var loopDelay time.Duration
	for {
		conn, err := n.stream.Accept()
		if err != nil {
			select {
			case <-n.closed:
				return
			default:
			}
			if loopDelay == 0 {
				loopDelay = baseDelay
			} else {
				loopDelay *= 2
			}
			if loopDelay > maxDelay {
				loopDelay = maxDelay
			}
			n.logger.Warnf("failed to accept connection: %v", err)
			select {
			case <-n.closed:
				return
			case <-time.After(loopDelay):
				continue
			}
		}
		loopDelay = 0

		n.wg.Add(1)
		go n.readLoop(conn)
	}
}

// readLoop reads frames from an inbound connection for its lifespan.
// The first frame must be the hello identifying the sender.
func (n *Network) readLoop(conn net.Conn) {
	defer n.wg.Done()
	defer conn.Close()

	// unblock the reads below when the network is closed
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-n.closed:
			conn.Close()
		case <-done:
		}
	}()

	from, err := n.identify(conn)
	if err != nil {
		n.logger.Warnf("rejecting connection from %s: %v", conn.RemoteAddr(), err)
		return
	}

	for {
		msg, err := wire.ReadMessage(conn)
		if err != nil {
			if errors.Is(err, wire.ErrMalformed) {
				n.logger.Warnf("dropping malformed frame from replica %d: %v", from, err)
				continue
			}
			if !errors.Is(err, io.EOF) && !isClosed(n.closed) {
				n.logger.Debugf("connection from replica %d closed: %v", from, err)
			}
			return
		}
		n.dispatch(msg, from)
	}
}

// identify reads the hello frame and authenticates the claimed id.
func (n *Network) identify(conn net.Conn) (treehotstuff.ID, error) {
	op, payload, err := wire.ReadFrame(conn)
	if err != nil {
		return 0, fmt.Errorf("no hello frame: %w", err)
	}
	if op != wire.OpHello || len(payload) != 4 {
		return 0, errors.New("first frame is not a hello")
	}
	from := treehotstuff.ID(binary.LittleEndian.Uint32(payload))

	n.mut.Lock()
	info, known := n.peers[from]
	n.mut.Unlock()
	if !known {
		return 0, fmt.Errorf("%w: %d", ErrUnknownPeer, from)
	}
	if n.useTLS {
		hash, ok := peerCertHash(conn)
		if !ok || hash != info.certHash {
			return 0, fmt.Errorf("certificate does not match replica %d", from)
		}
	}
	return from, nil
}

func (n *Network) dispatch(msg wire.Message, from treehotstuff.ID) {
	n.mut.Lock()
	h, ok := n.handlers[msg.Opcode()]
	n.mut.Unlock()
	if !ok {
		n.logger.Warnf("no handler for opcode %d from replica %d", msg.Opcode(), from)
		return
	}
	h(msg, from)
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
