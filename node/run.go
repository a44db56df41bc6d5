package node

import (
	"time"

	"github.com/sirupsen/logrus"

	"sparkcoin/blockchain"
	"sparkcoin/metrics"
	"sparkcoin/peg"
)

// proposeLoop checks each interval whether the local validator is the
// selected leader for the next height and, if so, assembles and
// broadcasts a block.
func (n *Node) proposeLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.BlockInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.tryPropose()
		}
	}
}

func (n *Node) tryPropose() {
	// The announce happens after the lock is released; holding it across
	// peer writes would let one stalled connection wedge the node.
	if block := n.proposeBlock(); block != nil {
		n.handler.AnnounceBlock(block)
	}
}

func (n *Node) proposeBlock() *blockchain.Block {
	n.mu.Lock()
	defer n.mu.Unlock()

	tip := n.chain.GetLatestBlock()
	height := tip.Height + 1

	leader, err := n.engine.SelectValidator(height, tip.Hash)
	if err != nil {
		return nil // no eligible validators yet
	}
	if leader != n.wallet.Address {
		return nil
	}

	block := n.buildBlockLocked(tip, height)
	if block == nil {
		return nil
	}

	if err := n.chain.AddBlock(block); err != nil {
		// Our own block failing validation is a serious bug, not noise.
		n.log.WithError(err).WithField("height", height).Error("self-proposed block rejected")
		_ = n.engine.ValidateBlock(n.wallet.Address, false)
		return nil
	}

	n.pendingIssuance = nil
	n.afterBlockLocked(block)

	n.log.WithFields(logrus.Fields{
		"height": height,
		"txs":    len(block.Transactions),
	}).Info("block proposed")
	return block
}

// buildBlockLocked assembles pending issuance plus the best-paying
// mempool txs into a signed block whose header snapshots the resulting
// supply and peg price.
func (n *Node) buildBlockLocked(tip *blockchain.Block, height uint64) *blockchain.Block {
	var txs []blockchain.Transaction
	supply := n.chain.Supply()
	spent := make(map[string]bool)

	for _, tx := range n.pendingIssuance {
		txs = append(txs, *tx)
		switch tx.Kind {
		case blockchain.KindMint:
			supply += tx.OutputSum()
		case blockchain.KindBurn:
			supply -= tx.Fee
		}
		for _, in := range tx.Inputs {
			spent[blockchain.UTXOKey(in.TxID, in.Index)] = true
		}
	}

	for _, tx := range n.pool.Pick(n.cfg.MaxBlockTxs - len(txs)) {
		// Issuance txs took their inputs first; a conflicting mempool
		// tx waits for a later block instead of poisoning this one.
		if conflictsWith(spent, tx) {
			continue
		}
		txs = append(txs, *tx)
		supply -= tx.Fee // fees are burned on application
	}

	if len(txs) == 0 && height > 1 {
		// Nothing to commit; skip empty blocks after bootstrap.
		return nil
	}

	block := blockchain.NewBlock(height, tip.Hash, txs, n.wallet.Address,
		n.currentPegPriceLocked(), supply, time.Now().Unix())
	block.SignHeader(n.wallet.PrivateKey)
	block.Hash = block.CalcHash()
	return block
}

func conflictsWith(spent map[string]bool, tx *blockchain.Transaction) bool {
	for _, in := range tx.Inputs {
		if spent[blockchain.UTXOKey(in.TxID, in.Index)] {
			return true
		}
	}
	return false
}

// pegLoop runs the stability check on its own cadence. Corrections are
// queued as issuance txs for the next block this node proposes.
func (n *Node) pegLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.PegInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.checkPeg()
		}
	}
}

func (n *Node) checkPeg() {
	if n.feed == nil {
		return
	}
	market, wholesale, ok := n.feed()
	if !ok {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	action := n.pegCtl.Check(&n.pegState, market, wholesale, n.chain.Supply())
	n.lastAction = action
	if action.Type == peg.ActionNone || action.Amount == 0 {
		return
	}
	metrics.PegCorrections.WithLabelValues(action.Type.String()).Inc()

	var tx *blockchain.Transaction
	switch action.Type {
	case peg.ActionMint:
		// Treasury receives the issue; it is auctioned off afterwards.
		tx = blockchain.NewTransaction(blockchain.KindMint, nil,
			[]blockchain.TxOutput{{To: n.wallet.Address, Amount: action.Amount}}, 0)
	case peg.ActionBurn:
		// Burns spend treasury outputs so the retired value leaves
		// balances and supply together. One pending burn at a time;
		// queuing a second would re-select the same outputs.
		for _, pending := range n.pendingIssuance {
			if pending.Kind == blockchain.KindBurn {
				return
			}
		}
		amount := action.Amount
		if bal := n.chain.GetBalance(n.wallet.Address); amount > bal {
			amount = bal
		}
		if amount == 0 {
			n.log.Warn("peg burn skipped, treasury empty")
			return
		}
		burn, err := n.wallet.CreateBurnTransaction(amount, n.chain.UTXOsFor(n.wallet.Address))
		if err != nil {
			n.log.WithError(err).Warn("peg burn construction failed")
			return
		}
		tx = burn
	default:
		return
	}

	tx.Metadata = map[string]string{"peg_correction": action.Type.String()}
	tx.ID = tx.DeterministicID()
	if tx.Kind == blockchain.KindBurn {
		// Metadata participates in the id, so re-sign after setting it.
		if err := tx.Sign(n.wallet.PrivateKey); err != nil {
			n.log.WithError(err).Warn("peg burn signing failed")
			return
		}
	}
	n.pendingIssuance = append(n.pendingIssuance, tx)

	// Large corrections go through a seigniorage auction rather than a
	// unilateral market drop.
	if action.Type == peg.ActionMint {
		n.auctions.Open(action.Amount, action.TargetPrice)
	}
}
