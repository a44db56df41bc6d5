package node

import (
	"time"

	"sparkcoin/blockchain"
	"sparkcoin/consensus"
	"sparkcoin/oracle"
	"sparkcoin/peg"
)

// This file is the node-facing API surface the REST/CLI/dashboard
// collaborators consume. Nothing else of the node is a stable contract.

func (n *Node) GetBalance(address string) int64 {
	return n.chain.GetBalance(address)
}

func (n *Node) GetLatestBlock() *blockchain.Block {
	return n.chain.GetLatestBlock()
}

func (n *Node) GetBlockByHeight(height uint64) (*blockchain.Block, bool) {
	return n.chain.GetBlockByHeight(height)
}

func (n *Node) GetBlockByHash(hashHex string) (*blockchain.Block, bool) {
	return n.chain.GetBlockByHash(hashHex)
}

func (n *Node) GetAllValidators() []consensus.Validator {
	return n.engine.AllValidators()
}

func (n *Node) GetValidator(address string) (consensus.Validator, bool) {
	return n.engine.GetValidator(address)
}

func (n *Node) GetOracleStats() oracle.Stats {
	return n.oracle.Stats()
}

func (n *Node) GetConsensusStats() consensus.Stats {
	return n.engine.Stats()
}

// PegStatus reports the controller's current view.
type PegStatus struct {
	TargetPrice   float64    `json:"target_price"`
	BandLow       float64    `json:"band_low"`
	BandHigh      float64    `json:"band_high"`
	IntegralError float64    `json:"integral_error"`
	LastError     float64    `json:"last_error"`
	LastAction    peg.Action `json:"last_action"`
	OpenAuctions  int        `json:"open_auctions"`
}

func (n *Node) GetPegStatus() PegStatus {
	n.mu.Lock()
	defer n.mu.Unlock()

	target := n.currentPegPriceLocked()
	lo, hi := n.pegCtl.Band(target)
	return PegStatus{
		TargetPrice:   target,
		BandLow:       lo,
		BandHigh:      hi,
		IntegralError: n.pegState.IntegralError,
		LastError:     n.pegState.LastError,
		LastAction:    n.lastAction,
		OpenAuctions:  n.auctions.OpenCount(),
	}
}

// NodeStats is the operational summary.
type NodeStats struct {
	Address     string  `json:"address"`
	Height      uint64  `json:"height"`
	TotalSupply int64   `json:"total_supply"`
	MempoolSize int     `json:"mempool_size"`
	Peers       int     `json:"peers"`
	PendingMint int     `json:"pending_issuance"`
	UptimeSec   float64 `json:"uptime_sec"`
}

func (n *Node) GetNodeStats() NodeStats {
	n.mu.Lock()
	pending := len(n.pendingIssuance)
	n.mu.Unlock()

	return NodeStats{
		Address:     n.wallet.Address,
		Height:      n.chain.Height(),
		TotalSupply: n.chain.Supply(),
		MempoolSize: n.pool.Size(),
		Peers:       n.net.PeerCount(),
		PendingMint: pending,
		UptimeSec:   time.Since(n.started).Seconds(),
	}
}
