package network

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"sparkcoin/database"
)

type Config struct {
	ListenAddr string
	Magic      uint32
	MaxPeers   int
	Seeds      []string
	NodeID     string

	// Inbound connection budget; excess dials are closed immediately.
	InboundRate  rate.Limit
	InboundBurst int
}

func DefaultConfig(listen string) Config {
	return Config{
		ListenAddr:   listen,
		Magic:        DefaultMagic,
		MaxPeers:     32,
		InboundRate:  rate.Limit(5),
		InboundBurst: 10,
	}
}

// Manager owns the listener, the peer registry and the maintain loop.
// One goroutine runs per peer; a crashing peer never takes down another.
type Manager struct {
	cfg     Config
	handler *Handler
	addrs   *AddrBook

	mu    sync.Mutex
	peers map[string]*Peer

	ln      net.Listener
	limiter *rate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	log     *logrus.Entry
}

func NewManager(cfg Config, handler *Handler, db *database.Store) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:     cfg,
		handler: handler,
		addrs:   NewAddrBook(db),
		peers:   make(map[string]*Peer),
		limiter: rate.NewLimiter(cfg.InboundRate, cfg.InboundBurst),
		ctx:     ctx,
		cancel:  cancel,
		log:     logrus.WithField("component", "network"),
	}
	handler.attach(m)
	return m
}

// Start binds the listener, spawns the accept loop and the maintain
// ticker, and dials the configured seeds.
func (m *Manager) Start() error {
	ln, err := net.Listen("tcp", m.cfg.ListenAddr)
	if err != nil {
		return err
	}
	m.ln = ln
	m.log.WithField("addr", m.cfg.ListenAddr).Info("p2p listening")

	m.wg.Add(2)
	go m.acceptLoop()
	go m.maintainLoop()

	m.addrs.AddMany(m.cfg.Seeds)
	for _, seed := range m.cfg.Seeds {
		go m.Connect(seed)
	}
	return nil
}

// Stop closes the listener and every peer; peer goroutines exit on their
// next read.
func (m *Manager) Stop() {
	m.cancel()
	if m.ln != nil {
		m.ln.Close()
	}
	m.mu.Lock()
	for _, p := range m.peers {
		p.Close()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()
	for {
		conn, err := m.ln.Accept()
		if err != nil {
			select {
			case <-m.ctx.Done():
				return
			default:
				continue
			}
		}
		if !m.limiter.Allow() {
			conn.Close()
			continue
		}
		m.adoptConn(conn, false)
	}
}

// Connect dials addr as an outbound peer.
func (m *Manager) Connect(addr string) {
	if addr == m.cfg.ListenAddr || addr == m.cfg.NodeID {
		return
	}
	m.mu.Lock()
	_, dup := m.peers[addr]
	m.mu.Unlock()
	if dup {
		return
	}

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return
	}
	m.addrs.Add(addr)
	m.adoptConn(conn, true)
}

func (m *Manager) adoptConn(conn net.Conn, outbound bool) {
	peer := NewPeer(conn, m.cfg.Magic, outbound)

	m.mu.Lock()
	if len(m.peers) >= m.cfg.MaxPeers {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.peers[peer.Addr] = peer
	m.mu.Unlock()

	// Outbound side opens the handshake.
	if outbound {
		m.handler.sendVersion(peer)
		peer.setState(StateVersionSent)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		peer.ReadLoop(m.handler.OnMessage, m.dropPeer)
	}()
}

func (m *Manager) dropPeer(p *Peer) {
	m.mu.Lock()
	_, known := m.peers[p.Addr]
	delete(m.peers, p.Addr)
	m.mu.Unlock()

	if known {
		m.log.WithField("peer", p.Addr).Info("peer disconnected")
		m.handler.peerGone(p)
	}
}

// Broadcast fan-outs msg to every active peer except the excluded
// addresses.
func (m *Manager) Broadcast(msg *Message, exclude ...string) {
	skip := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		skip[e] = true
	}

	m.mu.Lock()
	targets := make([]*Peer, 0, len(m.peers))
	for addr, p := range m.peers {
		if p.State() == StateActive && !skip[addr] {
			targets = append(targets, p)
		}
	}
	m.mu.Unlock()

	for _, p := range targets {
		// Send errors close the peer; the maintain loop reaps it.
		_ = p.Send(msg)
	}
}

func (m *Manager) PeerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

func (m *Manager) Peers() []*Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	return out
}

func (m *Manager) maintainLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.reapClosed()
			m.pingPeers()
			m.ensurePeers()
		}
	}
}

func (m *Manager) reapClosed() {
	m.mu.Lock()
	for addr, p := range m.peers {
		if p.IsClosed() {
			delete(m.peers, addr)
		}
	}
	m.mu.Unlock()
}

func (m *Manager) pingPeers() {
	for _, p := range m.Peers() {
		if p.State() == StateActive {
			_ = p.Send(&Message{Type: MsgPing, Data: PingPayload{Nonce: uint64(time.Now().UnixNano())}})
		}
	}
}

func (m *Manager) ensurePeers() {
	need := m.cfg.MaxPeers/2 - m.PeerCount()
	if need <= 0 {
		return
	}
	for _, addr := range m.addrs.GetSome(need * 2) {
		m.mu.Lock()
		_, connected := m.peers[addr]
		m.mu.Unlock()
		if connected || addr == m.cfg.ListenAddr {
			continue
		}
		go m.Connect(addr)
	}
}
