package node

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sparkcoin/blockchain"
	"sparkcoin/config"
	"sparkcoin/database"
	"sparkcoin/oracle"
	"sparkcoin/peg"
	"sparkcoin/wallet"
)

func testNode(t *testing.T) *Node {
	return testNodeWith(t, nil)
}

func testNodeWith(t *testing.T, tweak func(*config.Config)) *Node {
	t.Helper()

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Oracle.TrustedMeters = []string{"meter-1"}
	if tweak != nil {
		tweak(cfg)
	}

	w, err := wallet.NewWallet()
	require.NoError(t, err)

	db, err := database.Open(filepath.Join(cfg.DataDir, "chain.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	genesis := blockchain.NewGenesisBlock(map[string]int64{w.Address: 1_000_000})
	feed := func() (float64, float64, bool) { return 0.10, 0.04, true }

	n, err := New(cfg, w, genesis, db, feed)
	require.NoError(t, err)
	n.RegisterOperator("GridCo", "certhash-abc")
	return n
}

func validProof(id string) *oracle.EnergyProof {
	return &oracle.EnergyProof{
		ProofID:          id,
		Timestamp:        time.Now().Add(-time.Hour).Unix(),
		GridOperator:     "GridCo",
		SourceType:       "wind",
		SurplusKWh:       100,
		GridLoad:         0.50,
		MeterID:          "meter-1",
		OperatorCertHash: "certhash-abc",
	}
}

func TestSubmitTransactionValidation(t *testing.T) {
	n := testNode(t)
	dest, err := wallet.NewWallet()
	require.NoError(t, err)

	// Unknown inputs bounce before touching the pool.
	orphan := blockchain.NewTransaction(blockchain.KindRegular,
		[]blockchain.TxInput{{TxID: "nope", Index: 0}},
		[]blockchain.TxOutput{{To: dest.Address, Amount: 5}}, 1)
	require.NoError(t, orphan.Sign(n.wallet.PrivateKey))
	require.ErrorIs(t, n.SubmitTransaction(orphan), ErrUnknownInput)

	utxos := n.chain.UTXOsFor(n.wallet.Address)
	tx, err := n.wallet.CreateTransaction(dest.Address, 100, utxos, 1)
	require.NoError(t, err)

	bad := *tx
	bad.Outputs = append([]blockchain.TxOutput(nil), tx.Outputs...)
	bad.Outputs[0].Amount = 9999
	require.ErrorIs(t, n.SubmitTransaction(&bad), ErrBadSignature)

	require.NoError(t, n.SubmitTransaction(tx))
	require.Equal(t, 1, n.pool.Size())

	// Gossiped mints never reach the pool; issuance is oracle/peg only.
	mint := blockchain.NewTransaction(blockchain.KindMint, nil,
		[]blockchain.TxOutput{{To: dest.Address, Amount: 500}}, 0)
	require.ErrorIs(t, n.SubmitTransaction(mint), ErrMintNotOpen)
	require.Equal(t, 1, n.pool.Size())
}

func TestSubmitEnergyProofQueuesMint(t *testing.T) {
	n := testNode(t)

	req, err := n.SubmitEnergyProof(validProof("p1"), n.wallet.Address)
	require.NoError(t, err)
	// 100 kWh at the 0.10 peg target is 10 SPK.
	require.EqualValues(t, 10_0000_0000, req.Amount)
	require.Len(t, n.pendingIssuance, 1)
	require.Equal(t, blockchain.KindMint, n.pendingIssuance[0].Kind)
	require.Equal(t, "p1", n.pendingIssuance[0].Metadata["proof_id"])

	_, err = n.SubmitEnergyProof(validProof("p1"), n.wallet.Address)
	require.ErrorIs(t, err, oracle.ErrDuplicateProof)
	require.Len(t, n.pendingIssuance, 1)
}

func TestProposeConfirmsTransactions(t *testing.T) {
	n := testNode(t)
	require.NoError(t, n.RegisterValidator(n.wallet.Address, 5000, false))

	dest, err := wallet.NewWallet()
	require.NoError(t, err)
	tx, err := n.wallet.CreateTransaction(dest.Address, 300, n.chain.UTXOsFor(n.wallet.Address), 1)
	require.NoError(t, err)
	require.NoError(t, n.SubmitTransaction(tx))

	n.tryPropose()

	require.EqualValues(t, 1, n.chain.Height())
	require.EqualValues(t, 300, n.chain.GetBalance(dest.Address))
	require.EqualValues(t, 999_999, n.chain.Supply(), "the fee is burned")
	require.Equal(t, 0, n.pool.Size())

	v, ok := n.engine.GetValidator(n.wallet.Address)
	require.True(t, ok)
	require.EqualValues(t, 1, v.BlocksProposed)
	require.EqualValues(t, 1, v.BlocksValidated)
}

func TestProposeIncludesPendingIssuance(t *testing.T) {
	n := testNode(t)
	require.NoError(t, n.RegisterValidator(n.wallet.Address, 5000, false))

	req, err := n.SubmitEnergyProof(validProof("p1"), n.wallet.Address)
	require.NoError(t, err)

	n.tryPropose()

	require.EqualValues(t, 1, n.chain.Height())
	require.EqualValues(t, 1_000_000+req.Amount, n.chain.Supply())
	require.Empty(t, n.pendingIssuance, "queued issuance drains into the block")
}

func TestAcceptBlockWrongLeaderSlashes(t *testing.T) {
	n := testNode(t)
	require.NoError(t, n.RegisterValidator(n.wallet.Address, 5000, false))

	outsider, err := wallet.NewWallet()
	require.NoError(t, err)
	require.NoError(t, n.RegisterValidator(outsider.Address, 2000, false))

	tip := n.chain.GetLatestBlock()
	leader, err := n.engine.SelectValidator(tip.Height+1, tip.Hash)
	require.NoError(t, err)

	// Propose from whichever registered validator was NOT selected.
	impostor := outsider
	if leader == outsider.Address {
		impostor = n.wallet
	}
	before, _ := n.engine.GetValidator(impostor.Address)

	block := blockchain.NewBlock(tip.Height+1, tip.Hash, nil, impostor.Address,
		0.10, n.chain.Supply(), time.Now().Unix())
	block.SignHeader(impostor.PrivateKey)

	require.ErrorIs(t, n.AcceptBlock(block), ErrWrongLeader)
	require.EqualValues(t, 0, n.chain.Height())

	after, _ := n.engine.GetValidator(impostor.Address)
	require.Equal(t, before.Stake-before.Stake/10, after.Stake)
	require.Equal(t, before.Reputation-10, after.Reputation)
}

func TestAcceptBlockStaleHeightIsNoise(t *testing.T) {
	n := testNode(t)
	require.NoError(t, n.RegisterValidator(n.wallet.Address, 5000, false))
	n.tryPropose()
	require.EqualValues(t, 1, n.chain.Height())

	// Replaying the genesis-height block must not slash anyone.
	stale := blockchain.NewBlock(1, make([]byte, 32), nil, n.wallet.Address,
		0.10, n.chain.Supply(), time.Now().Unix())
	stale.SignHeader(n.wallet.PrivateKey)
	require.ErrorIs(t, n.AcceptBlock(stale), blockchain.ErrBadHeight)

	v, _ := n.engine.GetValidator(n.wallet.Address)
	require.EqualValues(t, 5000, v.Stake)
}

func TestStakeTransactionTopsUpValidator(t *testing.T) {
	n := testNode(t)
	require.NoError(t, n.RegisterValidator(n.wallet.Address, 5000, false))

	tx, err := n.wallet.CreateStakeTransaction(2000, n.chain.UTXOsFor(n.wallet.Address), 1)
	require.NoError(t, err)
	require.NoError(t, n.SubmitTransaction(tx))

	n.tryPropose()

	v, _ := n.engine.GetValidator(n.wallet.Address)
	require.EqualValues(t, 7000, v.Stake)
}

func TestCheckPegQueuesCorrectionAndAuction(t *testing.T) {
	n := testNode(t)
	// Market far above the 0.10 target.
	n.feed = func() (float64, float64, bool) { return 0.20, 0.04, true }

	n.checkPeg()

	require.Equal(t, peg.ActionMint, n.lastAction.Type)
	require.Len(t, n.pendingIssuance, 1)
	require.Equal(t, blockchain.KindMint, n.pendingIssuance[0].Kind)
	require.Equal(t, "mint", n.pendingIssuance[0].Metadata["peg_correction"])
	require.Equal(t, 1, n.auctions.OpenCount())
}

func TestCheckPegInsideBandDoesNothing(t *testing.T) {
	n := testNode(t)
	n.feed = func() (float64, float64, bool) { return 0.10, 0.04, true }

	n.checkPeg()

	require.Equal(t, peg.ActionNone, n.lastAction.Type)
	require.Empty(t, n.pendingIssuance)
	require.Equal(t, 0, n.auctions.OpenCount())
}

func TestCheckPegBurnSpendsTreasury(t *testing.T) {
	n := testNode(t)
	require.NoError(t, n.RegisterValidator(n.wallet.Address, 5000, false))
	// Market far below the 0.10 target.
	n.feed = func() (float64, float64, bool) { return 0.04, 0.04, true }

	n.checkPeg()

	require.Equal(t, peg.ActionBurn, n.lastAction.Type)
	require.Len(t, n.pendingIssuance, 1)
	burn := n.pendingIssuance[0]
	require.Equal(t, blockchain.KindBurn, burn.Kind)
	require.NotEmpty(t, burn.Inputs, "burns spend treasury outputs")
	require.Equal(t, n.lastAction.Amount, burn.Fee)

	// A second check must not queue a burn conflicting with the first.
	n.checkPeg()
	require.Len(t, n.pendingIssuance, 1)

	n.tryPropose()

	want := int64(1_000_000) - burn.Fee
	require.EqualValues(t, 1, n.chain.Height())
	require.EqualValues(t, want, n.chain.Supply())
	require.EqualValues(t, want, n.chain.GetBalance(n.wallet.Address))

	// The supply equation survives the burn.
	var sum int64
	for _, u := range n.chain.UTXO.Set {
		sum += u.Amount
	}
	require.Equal(t, n.chain.Supply(), sum)
}

func TestEpochRewardsOnBoundary(t *testing.T) {
	n := testNodeWith(t, func(cfg *config.Config) {
		cfg.Consensus.EpochBlocks = 1
	})
	require.NoError(t, n.RegisterValidator(n.wallet.Address, 5000, false))

	n.tryPropose()

	require.EqualValues(t, 1, n.engine.Stats().EpochsPaid)
	v, _ := n.engine.GetValidator(n.wallet.Address)
	require.EqualValues(t, 5050, v.Stake, "the whole pool goes to the only validator")
}
