// Package node is the coordinator: it owns the ledger, mempool,
// validator registry, oracle and peg controller, serializes every
// mutation through one mutex, and wires the network callbacks to that
// synchronized interface.
package node

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"sparkcoin/blockchain"
	"sparkcoin/config"
	"sparkcoin/consensus"
	"sparkcoin/database"
	"sparkcoin/mempool"
	"sparkcoin/metrics"
	"sparkcoin/network"
	"sparkcoin/oracle"
	"sparkcoin/peg"
	"sparkcoin/wallet"
)

var (
	ErrUnknownInput = errors.New("transaction references unknown or spent output")
	ErrBadSignature = errors.New("transaction signature invalid")
	ErrWrongLeader  = errors.New("block proposer is not the selected leader")
	ErrMintNotOpen  = errors.New("mint transactions are issuance-only, never relayed")
)

// PriceFeed supplies the market and wholesale energy prices for the peg
// loop. ok=false skips the cycle.
type PriceFeed func() (marketPrice, wholesalePrice float64, ok bool)

type Node struct {
	// mu serializes every composite mutation: block application, proof
	// intake, peg checks and proposals all read-modify several
	// components and must observe a consistent snapshot.
	mu sync.Mutex

	cfg    *config.Config
	chain  *blockchain.Blockchain
	pool   *mempool.Mempool
	engine *consensus.Engine
	oracle *oracle.Oracle
	pegCtl *peg.Controller

	// pegState is the controller memory; advanced only under mu.
	pegState   peg.State
	lastAction peg.Action

	auctions *peg.AuctionBook
	wallet   *wallet.Wallet
	db       *database.Store

	net     *network.Manager
	handler *network.Handler
	feed    PriceFeed

	// pendingIssuance queues authorized mint/burn txs until the next
	// block this node proposes.
	pendingIssuance []*blockchain.Transaction

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started time.Time
	log     *logrus.Entry
}

func New(cfg *config.Config, w *wallet.Wallet, genesis *blockchain.Block, db *database.Store, feed PriceFeed) (*Node, error) {
	chain, err := blockchain.NewBlockchain(genesis, db)
	if err != nil {
		return nil, err
	}

	engine := consensus.NewEngineWithStore(consensus.Params{
		MinStake:        cfg.Consensus.MinStake,
		SlashFraction:   cfg.Consensus.SlashFraction,
		SlashReputation: cfg.Consensus.SlashReputation,
		EpochBlocks:     cfg.Consensus.EpochBlocks,
		EpochRewardPool: cfg.Consensus.EpochRewardPool,
		GreenMultiplier: 2.0,
		InitialRep:      70,
	}, nil, db)

	orc := oracle.NewWithStore(oracle.Params{
		FreshnessWindow:     cfg.Oracle.FreshnessWindow.Std(),
		StressThreshold:     cfg.Oracle.StressThreshold,
		IssuanceCoefficient: cfg.Oracle.IssuanceCoefficient,
	}, db)
	for _, meter := range cfg.Oracle.TrustedMeters {
		orc.RegisterMeter(meter)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:    cfg,
		chain:  chain,
		pool:   mempool.NewWithStore(cfg.MempoolSize, db),
		engine: engine,
		oracle: orc,
		pegCtl: peg.NewController(peg.Params{
			BasePrice:        cfg.Peg.BasePrice,
			PriceSensitivity: cfg.Peg.PriceSensitivity,
			BandDelta:        cfg.Peg.BandDelta,
			Gamma:            cfg.Peg.Gamma,
			MaxAdjustment:    cfg.Peg.MaxAdjustment,
		}),
		auctions: peg.NewAuctionBook(),
		wallet:   w,
		db:       db,
		feed:     feed,
		ctx:      ctx,
		cancel:   cancel,
		log:      logrus.WithField("component", "node"),
	}

	handler := network.NewHandler(n, network.Callbacks{
		OnNewBlock:         n.onNewBlock,
		OnNewTx:            n.onNewTx,
		OnPeerConnected:    n.onPeerConnected,
		OnPeerDisconnected: n.onPeerDisconnected,
	}, network.VersionPayload{
		Version:    network.ProtocolVersion,
		NodeID:     w.Address,
		ListenAddr: cfg.ListenAddr,
	})
	n.handler = handler

	netCfg := network.DefaultConfig(cfg.ListenAddr)
	netCfg.Seeds = cfg.Seeds
	netCfg.MaxPeers = cfg.MaxPeers
	netCfg.NodeID = w.Address
	n.net = network.NewManager(netCfg, handler, db)

	return n, nil
}

// Start brings up networking and the production loops.
func (n *Node) Start() error {
	n.started = time.Now()
	if err := n.net.Start(); err != nil {
		return err
	}
	n.wg.Add(2)
	go n.proposeLoop()
	go n.pegLoop()
	n.log.WithField("validator", n.wallet.Address).Info("node started")
	return nil
}

// Stop closes networking first so peer units exit promptly, then waits
// for the loops to observe cancellation at their next tick.
func (n *Node) Stop() {
	n.cancel()
	n.net.Stop()
	n.wg.Wait()
	if n.db != nil {
		n.db.Close()
	}
	n.log.Info("node stopped")
}

// ChainSource implementation: the read-only view served to peers.

func (n *Node) BestHeight() uint64 { return n.chain.Height() }

func (n *Node) BlockByHash(hashHex string) (*blockchain.Block, bool) {
	return n.chain.GetBlockByHash(hashHex)
}

func (n *Node) BlockByHeight(height uint64) (*blockchain.Block, bool) {
	return n.chain.GetBlockByHeight(height)
}

func (n *Node) MempoolTx(id string) (*blockchain.Transaction, bool) {
	return n.pool.Get(id)
}

// --- transaction intake ---

// SubmitTransaction validates a transaction against current state and
// admits it to the mempool. Policy rejections leave all state untouched.
func (n *Node) SubmitTransaction(tx *blockchain.Transaction) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.submitTxLocked(tx)
}

func (n *Node) submitTxLocked(tx *blockchain.Transaction) error {
	// Mints reach blocks only through the oracle and peg issuance queue;
	// accepting one from gossip would hand out free supply.
	if tx.Kind == blockchain.KindMint {
		metrics.TransactionsTotal.WithLabelValues(tx.Kind.String(), "rejected").Inc()
		return ErrMintNotOpen
	}
	if err := tx.CheckShape(); err != nil {
		metrics.TransactionsTotal.WithLabelValues(tx.Kind.String(), "rejected").Inc()
		return err
	}
	if !tx.VerifySignatures() {
		metrics.TransactionsTotal.WithLabelValues(tx.Kind.String(), "rejected").Inc()
		return ErrBadSignature
	}
	for _, in := range tx.Inputs {
		if _, ok := n.chain.GetUTXO(in.TxID, in.Index); !ok && !n.pool.Has(in.TxID) {
			metrics.TransactionsTotal.WithLabelValues(tx.Kind.String(), "rejected").Inc()
			return ErrUnknownInput
		}
	}
	if err := n.pool.Add(tx); err != nil {
		metrics.TransactionsTotal.WithLabelValues(tx.Kind.String(), "rejected").Inc()
		return err
	}
	metrics.TransactionsTotal.WithLabelValues(tx.Kind.String(), "accepted").Inc()
	return nil
}

// CreateAndSubmitTransaction builds a transfer from this node's wallet,
// admits it and gossips it.
func (n *Node) CreateAndSubmitTransaction(recipient string, amount, fee int64) (*blockchain.Transaction, error) {
	utxos := n.chain.UTXOsFor(n.wallet.Address)
	tx, err := n.wallet.CreateTransaction(recipient, amount, utxos, fee)
	if err != nil {
		return nil, err
	}
	if err := n.SubmitTransaction(tx); err != nil {
		return nil, err
	}
	n.handler.AnnounceTx(tx)
	return tx, nil
}

// --- energy proof intake ---

// SubmitEnergyProof verifies the proof, authorizes issuance at the
// current peg price and queues the mint for the next proposed block.
func (n *Node) SubmitEnergyProof(p *oracle.EnergyProof, recipient string) (*oracle.MintingRequest, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	req, err := n.oracle.ProcessMintingRequest(p, recipient, n.currentPegPriceLocked())
	if err != nil {
		metrics.ProofsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	metrics.ProofsTotal.WithLabelValues("accepted").Inc()

	mint := blockchain.NewTransaction(blockchain.KindMint, nil,
		[]blockchain.TxOutput{{To: req.Recipient, Amount: req.Amount}}, 0)
	mint.Metadata = map[string]string{"proof_id": req.ProofID}
	mint.ID = mint.DeterministicID()
	n.pendingIssuance = append(n.pendingIssuance, mint)

	return req, nil
}

// currentPegPriceLocked is the peg target at the latest wholesale price,
// falling back to the tip snapshot when no feed is wired.
func (n *Node) currentPegPriceLocked() float64 {
	if n.feed != nil {
		if _, wholesale, ok := n.feed(); ok {
			return n.pegCtl.TargetPrice(wholesale)
		}
	}
	if tip := n.chain.GetLatestBlock(); tip.Header.PegPrice > 0 {
		return tip.Header.PegPrice
	}
	return n.pegCtl.Params().BasePrice
}

// --- network callbacks ---

func (n *Node) onNewBlock(block *blockchain.Block, from *network.Peer) {
	if err := n.AcceptBlock(block); err != nil {
		// Already-known or stale heights are normal gossip noise.
		if !errors.Is(err, blockchain.ErrBadHeight) {
			n.log.WithError(err).WithField("height", block.Height).Warn("rejected block")
		}
		return
	}
	var exclude []string
	if from != nil {
		exclude = append(exclude, from.Addr)
	}
	n.handler.AnnounceBlock(block, exclude...)
}

func (n *Node) onNewTx(tx *blockchain.Transaction, from *network.Peer) {
	if err := n.SubmitTransaction(tx); err != nil {
		return
	}
	var exclude []string
	if from != nil {
		exclude = append(exclude, from.Addr)
	}
	n.handler.AnnounceTx(tx, exclude...)
}

func (n *Node) onPeerConnected(p *network.Peer) {
	metrics.ConnectedPeers.Set(float64(n.net.PeerCount()))
}

func (n *Node) onPeerDisconnected(p *network.Peer) {
	metrics.ConnectedPeers.Set(float64(n.net.PeerCount()))
}

// AcceptBlock applies a block produced elsewhere: the proposer must be
// the deterministically selected leader for that height, and the block
// must pass full ledger validation. An invalid block from a registered
// validator is a slashing event.
func (n *Node) AcceptBlock(block *blockchain.Block) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.acceptBlockLocked(block)
}

func (n *Node) acceptBlockLocked(block *blockchain.Block) error {
	tip := n.chain.GetLatestBlock()

	// Stale or future heights are gossip noise, never a slashing event.
	if block.Height != tip.Height+1 {
		return blockchain.ErrBadHeight
	}

	leader, err := n.engine.SelectValidator(block.Height, tip.Hash)
	if err == nil && leader != block.Header.Validator {
		n.slashProposer(block.Header.Validator)
		metrics.BlocksTotal.WithLabelValues("rejected").Inc()
		return ErrWrongLeader
	}

	if err := n.chain.AddBlock(block); err != nil {
		if errors.Is(err, blockchain.ErrTxInvalid) || errors.Is(err, blockchain.ErrBadMerkleRoot) ||
			errors.Is(err, blockchain.ErrBadHeaderSig) || errors.Is(err, blockchain.ErrBadSupply) {
			n.slashProposer(block.Header.Validator)
		}
		metrics.BlocksTotal.WithLabelValues("rejected").Inc()
		return err
	}

	n.afterBlockLocked(block)
	return nil
}

// slashProposer records a failed validation for a registered proposer.
func (n *Node) slashProposer(address string) {
	if _, ok := n.engine.GetValidator(address); !ok {
		return
	}
	_ = n.engine.ValidateBlock(address, false)
	metrics.ValidatorsSlashed.Inc()
}

// afterBlockLocked runs the post-commit bookkeeping shared by accepted
// and self-proposed blocks.
func (n *Node) afterBlockLocked(block *blockchain.Block) {
	n.pool.RemoveConfirmed(block)
	n.engine.MarkProposed(block.Header.Validator)
	_ = n.engine.ValidateBlock(block.Header.Validator, true)
	n.registerStakesLocked(block)

	ep := n.engine.Params().EpochBlocks
	if ep > 0 && block.Height%ep == 0 {
		n.engine.DistributeEpochRewards(n.engine.Params().EpochRewardPool)
	}

	metrics.BlocksTotal.WithLabelValues("accepted").Inc()
	metrics.BlockHeight.Set(float64(block.Height))
	metrics.TotalSupply.Set(float64(n.chain.Supply()))
}

// registerStakesLocked turns confirmed stake-kind txs into validator
// registrations or top-ups. The bonded amount is the output back to the
// staker.
func (n *Node) registerStakesLocked(block *blockchain.Block) {
	for i := range block.Transactions {
		tx := &block.Transactions[i]
		if tx.Kind != blockchain.KindStake || len(tx.Outputs) == 0 {
			continue
		}
		addr := tx.Outputs[0].To
		amount := tx.Outputs[0].Amount
		green := tx.Metadata["green_certified"] == "true"

		if _, ok := n.engine.GetValidator(addr); ok {
			_ = n.engine.AddStake(addr, amount)
			continue
		}
		if err := n.engine.RegisterValidator(addr, amount, green); err != nil {
			n.log.WithError(err).WithField("validator", addr).Debug("stake registration rejected")
		}
	}
}

// RegisterMeter and RegisterOperator expose oracle registry management
// to the operator tooling.
func (n *Node) RegisterMeter(meterID string)           { n.oracle.RegisterMeter(meterID) }
func (n *Node) RegisterOperator(name, certHash string) { n.oracle.RegisterOperator(name, certHash) }

// Consensus passthroughs for operator tooling.
func (n *Node) RegisterValidator(address string, stake int64, green bool) error {
	return n.engine.RegisterValidator(address, stake, green)
}

func (n *Node) Wallet() *wallet.Wallet     { return n.wallet }
func (n *Node) Auctions() *peg.AuctionBook { return n.auctions }
func (n *Node) Engine() *consensus.Engine  { return n.engine }
