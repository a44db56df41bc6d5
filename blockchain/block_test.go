package blockchain

import (
	"crypto/sha256"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMerkleRootEmpty(t *testing.T) {
	empty := sha256.Sum256([]byte{})
	require.Equal(t, empty[:], ComputeMerkleRoot(nil))
}

func TestMerkleMatches(t *testing.T) {
	_, a := newTestKey(t)

	txs := []Transaction{
		*NewTransaction(KindMint, nil, []TxOutput{{To: a, Amount: 1}}, 0),
		*NewTransaction(KindMint, nil, []TxOutput{{To: a, Amount: 2}}, 0),
		*NewTransaction(KindMint, nil, []TxOutput{{To: a, Amount: 3}}, 0),
	}

	b := NewBlock(1, make([]byte, 32), txs, a, 0.1, 6, time.Now().Unix())
	require.True(t, b.MerkleMatches())

	b.Transactions[1].ID = "00"
	require.False(t, b.MerkleMatches())
}

func TestHeaderSignRoundTrip(t *testing.T) {
	priv, addr := newTestKey(t)

	b := NewBlock(1, make([]byte, 32), nil, addr, 0.1, 0, time.Now().Unix())
	require.False(t, b.VerifyHeaderSig())

	b.SignHeader(priv)
	require.True(t, b.VerifyHeaderSig())

	// Signing does not move the header hash.
	require.Equal(t, b.Hash, b.CalcHash())

	// Any header edit after signing invalidates it.
	b.Header.TotalSupply = 1
	require.False(t, b.VerifyHeaderSig())
}

func TestHeaderSigBindsValidatorAddress(t *testing.T) {
	priv, _ := newTestKey(t)
	_, other := newTestKey(t)

	b := NewBlock(1, make([]byte, 32), nil, other, 0.1, 0, time.Now().Unix())
	b.SignHeader(priv)
	require.False(t, b.VerifyHeaderSig())
}

func TestCalcHashCoversEconomicFields(t *testing.T) {
	_, a := newTestKey(t)

	b1 := NewBlock(1, make([]byte, 32), nil, a, 0.10, 1000, 1700000100)
	b2 := NewBlock(1, make([]byte, 32), nil, a, 0.11, 1000, 1700000100)
	b3 := NewBlock(1, make([]byte, 32), nil, a, 0.10, 1001, 1700000100)

	require.NotEqual(t, b1.Hash, b2.Hash)
	require.NotEqual(t, b1.Hash, b3.Hash)
}

func TestGenesisDeterministic(t *testing.T) {
	_, a := newTestKey(t)
	_, b := newTestKey(t)
	alloc := map[string]int64{a: 10, b: 20}

	g1 := NewGenesisBlock(alloc)
	g2 := NewGenesisBlock(alloc)
	require.Equal(t, g1.Hash, g2.Hash)
	require.EqualValues(t, 30, g1.Header.TotalSupply)
	require.Len(t, g1.Transactions, 1)
	require.Equal(t, KindMint, g1.Transactions[0].Kind)
}
