package network

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

type PeerState int

const (
	StateInit PeerState = iota
	StateVersionSent
	StateVersionRecv
	StateActive
)

// writeTimeout bounds every frame write so a peer that stops reading
// cannot block a sender forever; the failed Send closes the peer.
var writeTimeout = 10 * time.Second

// Peer is one live connection. Each peer owns a single read goroutine;
// writes are serialized by wmu. The handshake fields are written by the
// read goroutine and read by the manager's broadcast and maintain loops,
// so they sit behind their own mutex.
type Peer struct {
	Conn net.Conn
	Addr string
	IP   string
	Port int

	Outbound bool

	mu              sync.Mutex
	state           PeerState
	lastSeen        int64
	protocolVersion uint32
	services        uint64
	height          uint64
	nodeID          string
	listenAddr      string

	magic  uint32
	wmu    sync.Mutex
	closed atomic.Bool
	log    *logrus.Entry
}

func NewPeer(conn net.Conn, magic uint32, outbound bool) *Peer {
	addr := conn.RemoteAddr().String()
	ip, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)
	return &Peer{
		Conn:     conn,
		Addr:     addr,
		IP:       ip,
		Port:     port,
		Outbound: outbound,
		lastSeen: time.Now().Unix(),
		magic:    magic,
		log:      logrus.WithField("component", "network").WithField("peer", addr),
	}
}

func (p *Peer) State() PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Peer) setState(s PeerState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Peer) LastSeen() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen
}

func (p *Peer) touch() {
	p.mu.Lock()
	p.lastSeen = time.Now().Unix()
	p.mu.Unlock()
}

// setVersion records the remote's handshake payload.
func (p *Peer) setVersion(v VersionPayload) {
	p.mu.Lock()
	p.protocolVersion = v.Version
	p.services = v.Services
	p.height = v.Height
	p.nodeID = v.NodeID
	p.listenAddr = v.ListenAddr
	p.mu.Unlock()
}

func (p *Peer) Height() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.height
}

func (p *Peer) NodeID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nodeID
}

func (p *Peer) ListenAddr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listenAddr
}

func (p *Peer) Send(msg *Message) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if p.closed.Load() {
		return net.ErrClosed
	}
	_ = p.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := WriteMessage(p.Conn, p.magic, msg); err != nil {
		p.Close()
		return err
	}
	return nil
}

// ReadLoop pumps framed messages into onMessage until the connection
// breaks or a frame fails validation. Peers sending garbage are dropped
// silently; no error goes back on the wire.
func (p *Peer) ReadLoop(onMessage func(*Peer, *Message), onExit func(*Peer)) {
	defer func() {
		p.Close()
		if onExit != nil {
			onExit(p)
		}
	}()

	for {
		msg, err := ReadMessage(p.Conn, p.magic)
		if err != nil {
			if !p.closed.Load() {
				p.log.WithError(err).Debug("peer read failed")
			}
			return
		}
		p.touch()
		onMessage(p, msg)
	}
}

func (p *Peer) Close() {
	if p.closed.CompareAndSwap(false, true) {
		p.Conn.Close()
	}
}

func (p *Peer) IsClosed() bool {
	return p.closed.Load()
}
