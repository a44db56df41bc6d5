package blockchain

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"sparkcoin/database"
)

func newTestKey(t *testing.T) (*btcec.PrivateKey, string) {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return priv, PubKeyToAddress(priv.PubKey().SerializeCompressed())
}

func newTestChain(t *testing.T, allocations map[string]int64) *Blockchain {
	t.Helper()
	bc, err := NewBlockchain(NewGenesisBlock(allocations), nil)
	require.NoError(t, err)
	return bc
}

func signedBlock(t *testing.T, bc *Blockchain, txs []Transaction, priv *btcec.PrivateKey, addr string, supply int64) *Block {
	t.Helper()
	tip := bc.GetLatestBlock()
	b := NewBlock(tip.Height+1, tip.Hash, txs, addr, 0.10, supply, time.Now().Unix())
	b.SignHeader(priv)
	return b
}

func sumBalances(bc *Blockchain) int64 {
	var sum int64
	for _, u := range bc.UTXO.Set {
		sum += u.Amount
	}
	return sum
}

func TestGenesisSupplyMatchesAllocations(t *testing.T) {
	_, a := newTestKey(t)
	_, b := newTestKey(t)

	bc := newTestChain(t, map[string]int64{a: 700, b: 300})

	require.EqualValues(t, 0, bc.Height())
	require.EqualValues(t, 1000, bc.Supply())
	require.EqualValues(t, 700, bc.GetBalance(a))
	require.EqualValues(t, 300, bc.GetBalance(b))
	require.Equal(t, bc.Supply(), sumBalances(bc))
}

func TestAddBlockTransfer(t *testing.T) {
	privA, a := newTestKey(t)
	_, b := newTestKey(t)

	bc := newTestChain(t, map[string]int64{a: 1000})
	genTx := bc.GetLatestBlock().Transactions[0]

	tx := NewTransaction(KindRegular,
		[]TxInput{{TxID: genTx.ID, Index: 0}},
		[]TxOutput{{To: b, Amount: 300}, {To: a, Amount: 699}}, 1)
	require.NoError(t, tx.Sign(privA))

	block := signedBlock(t, bc, []Transaction{*tx}, privA, a, 999)
	require.NoError(t, bc.AddBlock(block))

	require.EqualValues(t, 1, bc.Height())
	require.EqualValues(t, 999, bc.Supply(), "the fee is burned")
	require.EqualValues(t, 300, bc.GetBalance(b))
	require.EqualValues(t, 699, bc.GetBalance(a))
	require.Equal(t, bc.Supply(), sumBalances(bc))
}

func TestAddBlockBadPrevHash(t *testing.T) {
	privA, a := newTestKey(t)
	bc := newTestChain(t, map[string]int64{a: 1000})

	tip := bc.GetLatestBlock()
	block := NewBlock(tip.Height+1, make([]byte, 32), nil, a, 0.10, 1000, time.Now().Unix())
	block.SignHeader(privA)

	require.ErrorIs(t, bc.AddBlock(block), ErrBadPrevHash)
	require.EqualValues(t, 0, bc.Height())
}

func TestAddBlockBadHeight(t *testing.T) {
	privA, a := newTestKey(t)
	bc := newTestChain(t, map[string]int64{a: 1000})

	tip := bc.GetLatestBlock()
	block := NewBlock(tip.Height+5, tip.Hash, nil, a, 0.10, 1000, time.Now().Unix())
	block.SignHeader(privA)

	require.ErrorIs(t, bc.AddBlock(block), ErrBadHeight)
}

func TestAddBlockMerkleMismatch(t *testing.T) {
	privA, a := newTestKey(t)
	_, b := newTestKey(t)
	bc := newTestChain(t, map[string]int64{a: 1000})
	genTx := bc.GetLatestBlock().Transactions[0]

	tx := NewTransaction(KindRegular,
		[]TxInput{{TxID: genTx.ID, Index: 0}},
		[]TxOutput{{To: b, Amount: 1000}}, 0)
	require.NoError(t, tx.Sign(privA))

	block := signedBlock(t, bc, []Transaction{*tx}, privA, a, 1000)
	block.Transactions[0].ID = "deadbeef"

	require.ErrorIs(t, bc.AddBlock(block), ErrBadMerkleRoot)
}

func TestAddBlockBadHeaderSig(t *testing.T) {
	_, a := newTestKey(t)
	privOther, _ := newTestKey(t)
	bc := newTestChain(t, map[string]int64{a: 1000})

	tip := bc.GetLatestBlock()
	block := NewBlock(tip.Height+1, tip.Hash, nil, a, 0.10, 1000, time.Now().Unix())
	// Signed by a key that does not hash to the claimed validator.
	block.SignHeader(privOther)

	require.ErrorIs(t, bc.AddBlock(block), ErrBadHeaderSig)
}

func TestAddBlockSupplyMismatch(t *testing.T) {
	privA, a := newTestKey(t)
	bc := newTestChain(t, map[string]int64{a: 1000})

	block := signedBlock(t, bc, nil, privA, a, 1001)
	require.ErrorIs(t, bc.AddBlock(block), ErrBadSupply)
}

func TestAddBlockDoubleSpendAtomic(t *testing.T) {
	privA, a := newTestKey(t)
	_, b := newTestKey(t)
	_, c := newTestKey(t)
	bc := newTestChain(t, map[string]int64{a: 1000})
	genTx := bc.GetLatestBlock().Transactions[0]

	tx1 := NewTransaction(KindRegular,
		[]TxInput{{TxID: genTx.ID, Index: 0}},
		[]TxOutput{{To: b, Amount: 1000}}, 0)
	require.NoError(t, tx1.Sign(privA))

	tx2 := NewTransaction(KindRegular,
		[]TxInput{{TxID: genTx.ID, Index: 0}},
		[]TxOutput{{To: c, Amount: 1000}}, 0)
	require.NoError(t, tx2.Sign(privA))

	block := signedBlock(t, bc, []Transaction{*tx1, *tx2}, privA, a, 1000)
	require.ErrorIs(t, bc.AddBlock(block), ErrTxInvalid)

	// Nothing half-applies: the first spend must not survive.
	require.EqualValues(t, 0, bc.Height())
	require.EqualValues(t, 1000, bc.GetBalance(a))
	require.EqualValues(t, 0, bc.GetBalance(b))
	require.Equal(t, bc.Supply(), sumBalances(bc))
}

func TestAddBlockMintIncreasesSupply(t *testing.T) {
	privA, a := newTestKey(t)
	_, b := newTestKey(t)
	bc := newTestChain(t, map[string]int64{a: 1000})

	mint := NewTransaction(KindMint, nil, []TxOutput{{To: b, Amount: 500}}, 0)
	block := signedBlock(t, bc, []Transaction{*mint}, privA, a, 1500)
	require.NoError(t, bc.AddBlock(block))

	require.EqualValues(t, 1500, bc.Supply())
	require.EqualValues(t, 500, bc.GetBalance(b))
	require.Equal(t, bc.Supply(), sumBalances(bc))
}

func TestAddBlockBurnReducesSupply(t *testing.T) {
	privA, a := newTestKey(t)
	bc := newTestChain(t, map[string]int64{a: 1000})
	genTx := bc.GetLatestBlock().Transactions[0]

	// A burn spends real outputs, the retired amount being its fee;
	// only the change comes back.
	burn := NewTransaction(KindBurn,
		[]TxInput{{TxID: genTx.ID, Index: 0}},
		[]TxOutput{{To: a, Amount: 800}}, 200)
	require.NoError(t, burn.Sign(privA))

	block := signedBlock(t, bc, []Transaction{*burn}, privA, a, 800)
	require.NoError(t, bc.AddBlock(block))

	require.EqualValues(t, 800, bc.Supply())
	require.EqualValues(t, 800, bc.GetBalance(a))
	require.Equal(t, bc.Supply(), sumBalances(bc))
}

func TestAddBlockUnfundedBurnRejected(t *testing.T) {
	privA, a := newTestKey(t)
	bc := newTestChain(t, map[string]int64{a: 1000})

	// A burn with no inputs would lower supply without touching any
	// balance, breaking the supply equation.
	burn := NewTransaction(KindBurn, nil, nil, 200)
	block := signedBlock(t, bc, []Transaction{*burn}, privA, a, 800)

	require.ErrorIs(t, bc.AddBlock(block), ErrTxInvalid)
	require.EqualValues(t, 1000, bc.Supply())
	require.Equal(t, bc.Supply(), sumBalances(bc))
}

func TestAddBlockInsufficientValue(t *testing.T) {
	privA, a := newTestKey(t)
	_, b := newTestKey(t)
	bc := newTestChain(t, map[string]int64{a: 100})
	genTx := bc.GetLatestBlock().Transactions[0]

	tx := NewTransaction(KindRegular,
		[]TxInput{{TxID: genTx.ID, Index: 0}},
		[]TxOutput{{To: b, Amount: 500}}, 1)
	require.NoError(t, tx.Sign(privA))

	block := signedBlock(t, bc, []Transaction{*tx}, privA, a, 99)
	require.ErrorIs(t, bc.AddBlock(block), ErrTxInvalid)
}

func TestChainRestoredFromStore(t *testing.T) {
	privA, a := newTestKey(t)
	_, b := newTestKey(t)
	path := filepath.Join(t.TempDir(), "chain.db")
	genesis := NewGenesisBlock(map[string]int64{a: 1000})

	db, err := database.Open(path)
	require.NoError(t, err)

	bc, err := NewBlockchain(genesis, db)
	require.NoError(t, err)
	genTx := bc.GetLatestBlock().Transactions[0]

	tx := NewTransaction(KindRegular,
		[]TxInput{{TxID: genTx.ID, Index: 0}},
		[]TxOutput{{To: b, Amount: 400}, {To: a, Amount: 599}}, 1)
	require.NoError(t, tx.Sign(privA))
	require.NoError(t, bc.AddBlock(signedBlock(t, bc, []Transaction{*tx}, privA, a, 999)))
	require.NoError(t, db.Close())

	db2, err := database.Open(path)
	require.NoError(t, err)
	defer db2.Close()

	restored, err := NewBlockchain(genesis, db2)
	require.NoError(t, err)
	require.EqualValues(t, 1, restored.Height())
	require.EqualValues(t, 999, restored.Supply())
	require.EqualValues(t, 400, restored.GetBalance(b))
	require.EqualValues(t, 599, restored.GetBalance(a))
	require.Equal(t, bc.GetLatestBlock().HashHex(), restored.GetLatestBlock().HashHex())

	// A store rooted elsewhere is refused.
	otherGenesis := NewGenesisBlock(map[string]int64{b: 5})
	_, err = NewBlockchain(otherGenesis, db2)
	require.ErrorIs(t, err, ErrGenesisMismatch)
}

func TestGetBlockLookups(t *testing.T) {
	privA, a := newTestKey(t)
	bc := newTestChain(t, map[string]int64{a: 1000})

	mint := NewTransaction(KindMint, nil, []TxOutput{{To: a, Amount: 1}}, 0)
	block := signedBlock(t, bc, []Transaction{*mint}, privA, a, 1001)
	require.NoError(t, bc.AddBlock(block))

	byHeight, ok := bc.GetBlockByHeight(1)
	require.True(t, ok)
	require.Equal(t, block.HashHex(), byHeight.HashHex())

	byHash, ok := bc.GetBlockByHash(block.HashHex())
	require.True(t, ok)
	require.EqualValues(t, 1, byHash.Height)

	_, ok = bc.GetBlockByHeight(99)
	require.False(t, ok)
}
