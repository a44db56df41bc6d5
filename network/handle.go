package network

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"

	"sparkcoin/blockchain"
)

const (
	// ProtocolVersion of this node's wire dialect.
	ProtocolVersion uint32 = 1

	maxHeadersPerMsg = 500
	maxAddrPerMsg    = 50
	seenCacheSize    = 4096
)

// ChainSource is the read-only view the handler serves sync requests
// from. The network layer never sees the UTXO set or any mutable state.
type ChainSource interface {
	BestHeight() uint64
	BlockByHash(hashHex string) (*blockchain.Block, bool)
	BlockByHeight(height uint64) (*blockchain.Block, bool)
	MempoolTx(id string) (*blockchain.Transaction, bool)
}

// Callbacks are the only path from the wire into the node. The
// coordinator wires them to its synchronized interface.
type Callbacks struct {
	OnNewBlock         func(*blockchain.Block, *Peer)
	OnNewTx            func(*blockchain.Transaction, *Peer)
	OnPeerConnected    func(*Peer)
	OnPeerDisconnected func(*Peer)
}

// Handler performs the handshake and dispatches each framed message to
// its typed handler.
type Handler struct {
	chain ChainSource
	cb    Callbacks
	mgr   *Manager
	local VersionPayload

	// seen suppresses relay echo for recently handled inventory.
	seen *lru.Cache
	log  *logrus.Entry
}

func NewHandler(chain ChainSource, cb Callbacks, local VersionPayload) *Handler {
	seen, _ := lru.New(seenCacheSize)
	return &Handler{
		chain: chain,
		cb:    cb,
		local: local,
		seen:  seen,
		log:   logrus.WithField("component", "network"),
	}
}

func (h *Handler) attach(m *Manager) { h.mgr = m }

func (h *Handler) peerGone(p *Peer) {
	if h.cb.OnPeerDisconnected != nil {
		h.cb.OnPeerDisconnected(p)
	}
}

// MarkSeen records inventory the node originated itself so incoming inv
// announcements for it are not re-requested.
func (h *Handler) MarkSeen(hash string) {
	h.seen.Add(hash, struct{}{})
}

func (h *Handler) OnMessage(peer *Peer, msg *Message) {
	switch msg.Type {
	case MsgVersion:
		h.handleVersion(peer, msg)
	case MsgVerAck:
		h.handleVerAck(peer)
	case MsgInv:
		h.handleInv(peer, msg)
	case MsgGetData:
		h.handleGetData(peer, msg)
	case MsgGetHeaders:
		h.handleGetHeaders(peer, msg)
	case MsgHeaders:
		h.handleHeaders(peer, msg)
	case MsgGetBlocks:
		h.handleGetBlocks(peer, msg)
	case MsgBlock:
		h.handleBlock(peer, msg)
	case MsgTx:
		h.handleTx(peer, msg)
	case MsgGetAddr:
		h.handleGetAddr(peer)
	case MsgAddr:
		h.handleAddr(peer, msg)
	case MsgPing:
		h.handlePing(peer, msg)
	case MsgPong:
		// LastSeen already refreshed by the read loop.
	default:
		h.log.WithFields(logrus.Fields{"peer": peer.Addr, "type": msg.Type}).Debug("unknown message")
	}
}

func decode(data any, out any) error {
	return mapstructure.Decode(data, out)
}

func (h *Handler) sendVersion(peer *Peer) {
	v := h.local
	v.Height = h.chain.BestHeight()
	_ = peer.Send(&Message{Type: MsgVersion, Data: v})
}

func (h *Handler) handleVersion(peer *Peer, msg *Message) {
	var v VersionPayload
	if err := decode(msg.Data, &v); err != nil {
		peer.Close()
		return
	}

	peer.setVersion(v)

	if v.ListenAddr != "" {
		h.mgr.addrs.Add(v.ListenAddr)
	}

	// Inbound side answers with its own version before acking.
	if peer.State() == StateInit {
		h.sendVersion(peer)
		peer.setState(StateVersionSent)
	}
	peer.setState(StateVersionRecv)
	_ = peer.Send(&Message{Type: MsgVerAck})
}

func (h *Handler) handleVerAck(peer *Peer) {
	if peer.State() < StateVersionRecv {
		// verack before version is a protocol violation.
		peer.Close()
		return
	}
	peer.setState(StateActive)
	h.log.WithField("peer", peer.Addr).Info("peer active")

	if h.cb.OnPeerConnected != nil {
		h.cb.OnPeerConnected(peer)
	}

	_ = peer.Send(&Message{Type: MsgGetAddr})
	if peer.Height() > h.chain.BestHeight() {
		_ = peer.Send(&Message{Type: MsgGetHeaders, Data: GetHeadersPayload{
			From: h.chain.BestHeight() + 1,
			Max:  maxHeadersPerMsg,
		}})
	}
}

func (h *Handler) handleInv(peer *Peer, msg *Message) {
	var inv InvPayload
	if err := decode(msg.Data, &inv); err != nil {
		return
	}
	for _, hash := range inv.Hashes {
		if _, ok := h.seen.Get(hash); ok {
			continue
		}
		if inv.Kind == "block" {
			if _, have := h.chain.BlockByHash(hash); have {
				continue
			}
		} else if _, have := h.chain.MempoolTx(hash); have {
			continue
		}
		_ = peer.Send(&Message{Type: MsgGetData, Data: GetDataPayload{Kind: inv.Kind, Hash: hash}})
	}
}

func (h *Handler) handleGetData(peer *Peer, msg *Message) {
	var req GetDataPayload
	if err := decode(msg.Data, &req); err != nil {
		return
	}
	switch req.Kind {
	case "block":
		if b, ok := h.chain.BlockByHash(req.Hash); ok {
			_ = peer.Send(&Message{Type: MsgBlock, Data: BlockPayload{Block: BlockToDTO(b)}})
		}
	case "tx":
		if tx, ok := h.chain.MempoolTx(req.Hash); ok {
			_ = peer.Send(&Message{Type: MsgTx, Data: TxPayload{Tx: TxToDTO(tx)}})
		}
	}
}

func (h *Handler) handleGetHeaders(peer *Peer, msg *Message) {
	var req GetHeadersPayload
	if err := decode(msg.Data, &req); err != nil {
		return
	}
	max := req.Max
	if max <= 0 || max > maxHeadersPerMsg {
		max = maxHeadersPerMsg
	}

	var headers []HeaderDTO
	for height := req.From; len(headers) < max; height++ {
		b, ok := h.chain.BlockByHeight(height)
		if !ok {
			break
		}
		headers = append(headers, HeaderOnlyDTO(b))
	}
	_ = peer.Send(&Message{Type: MsgHeaders, Data: HeadersPayload{Headers: headers}})
}

// handleHeaders requests the bodies for any header extending our chain:
// headers-first sync, one getdata per missing block.
func (h *Handler) handleHeaders(peer *Peer, msg *Message) {
	var payload HeadersPayload
	if err := decode(msg.Data, &payload); err != nil {
		return
	}
	for _, hd := range payload.Headers {
		if _, have := h.chain.BlockByHash(hd.Hash); have {
			continue
		}
		_ = peer.Send(&Message{Type: MsgGetData, Data: GetDataPayload{Kind: "block", Hash: hd.Hash}})
	}
}

func (h *Handler) handleGetBlocks(peer *Peer, msg *Message) {
	var req GetBlocksPayload
	if err := decode(msg.Data, &req); err != nil {
		return
	}
	max := req.Max
	if max <= 0 || max > maxHeadersPerMsg {
		max = maxHeadersPerMsg
	}

	var hashes []string
	for height := req.From; len(hashes) < max; height++ {
		b, ok := h.chain.BlockByHeight(height)
		if !ok {
			break
		}
		hashes = append(hashes, b.HashHex())
	}
	_ = peer.Send(&Message{Type: MsgInv, Data: InvPayload{Kind: "block", Hashes: hashes}})
}

func (h *Handler) handleBlock(peer *Peer, msg *Message) {
	var payload BlockPayload
	if err := decode(msg.Data, &payload); err != nil {
		return
	}
	block, err := DTOToBlock(&payload.Block)
	if err != nil {
		h.log.WithField("peer", peer.Addr).Debug("malformed block payload")
		peer.Close()
		return
	}
	h.seen.Add(block.HashHex(), struct{}{})
	if h.cb.OnNewBlock != nil {
		h.cb.OnNewBlock(block, peer)
	}
}

func (h *Handler) handleTx(peer *Peer, msg *Message) {
	var payload TxPayload
	if err := decode(msg.Data, &payload); err != nil {
		return
	}
	tx := DTOToTx(&payload.Tx)
	h.seen.Add(tx.ID, struct{}{})
	if h.cb.OnNewTx != nil {
		h.cb.OnNewTx(tx, peer)
	}
}

func (h *Handler) handleGetAddr(peer *Peer) {
	addrs := h.mgr.addrs.GetSome(maxAddrPerMsg)
	_ = peer.Send(&Message{Type: MsgAddr, Data: AddrPayload{Addrs: addrs}})
}

func (h *Handler) handleAddr(peer *Peer, msg *Message) {
	var payload AddrPayload
	if err := decode(msg.Data, &payload); err != nil {
		return
	}
	if len(payload.Addrs) > maxAddrPerMsg {
		payload.Addrs = payload.Addrs[:maxAddrPerMsg]
	}
	h.mgr.addrs.AddMany(payload.Addrs)
}

func (h *Handler) handlePing(peer *Peer, msg *Message) {
	var ping PingPayload
	if err := decode(msg.Data, &ping); err != nil {
		return
	}
	_ = peer.Send(&Message{Type: MsgPong, Data: PongPayload{Nonce: ping.Nonce}})
}

// AnnounceBlock gossips a block hash to every peer except origin.
func (h *Handler) AnnounceBlock(b *blockchain.Block, exclude ...string) {
	h.seen.Add(b.HashHex(), struct{}{})
	h.mgr.Broadcast(&Message{Type: MsgInv, Data: InvPayload{Kind: "block", Hashes: []string{b.HashHex()}}}, exclude...)
}

// AnnounceTx gossips a tx id to every peer except origin.
func (h *Handler) AnnounceTx(tx *blockchain.Transaction, exclude ...string) {
	h.seen.Add(tx.ID, struct{}{})
	h.mgr.Broadcast(&Message{Type: MsgInv, Data: InvPayload{Kind: "tx", Hashes: []string{tx.ID}}}, exclude...)
}
