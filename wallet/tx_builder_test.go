package wallet

import (
	"testing"

	"github.com/stretchr/testify/require"

	"sparkcoin/blockchain"
)

func testWallet(t *testing.T) *Wallet {
	t.Helper()
	w, err := NewWallet()
	require.NoError(t, err)
	return w
}

func TestCreateTransactionInsufficientFunds(t *testing.T) {
	w := testWallet(t)
	recipient := testWallet(t).Address

	utxos := []blockchain.UTXO{{TxID: "aa", Index: 0, Amount: 100, To: w.Address}}
	_, err := w.CreateTransaction(recipient, 500, utxos, 1)
	require.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestCreateTransactionWithChange(t *testing.T) {
	w := testWallet(t)
	recipient := testWallet(t).Address

	utxos := []blockchain.UTXO{{TxID: "aa", Index: 0, Amount: 1000, To: w.Address}}
	tx, err := w.CreateTransaction(recipient, 300, utxos, 1)
	require.NoError(t, err)

	require.Equal(t, blockchain.KindRegular, tx.Kind)
	require.Len(t, tx.Inputs, 1)
	require.Len(t, tx.Outputs, 2)
	require.Equal(t, recipient, tx.Outputs[0].To)
	require.EqualValues(t, 300, tx.Outputs[0].Amount)
	require.Equal(t, w.Address, tx.Outputs[1].To)
	require.EqualValues(t, 699, tx.Outputs[1].Amount)
	require.True(t, tx.VerifySignatures())
}

func TestCreateTransactionExactAmountNoChange(t *testing.T) {
	w := testWallet(t)
	recipient := testWallet(t).Address

	utxos := []blockchain.UTXO{{TxID: "aa", Index: 0, Amount: 301, To: w.Address}}
	tx, err := w.CreateTransaction(recipient, 300, utxos, 1)
	require.NoError(t, err)
	require.Len(t, tx.Outputs, 1)
}

func TestCreateTransactionStopsSelecting(t *testing.T) {
	w := testWallet(t)
	recipient := testWallet(t).Address

	utxos := []blockchain.UTXO{
		{TxID: "aa", Index: 0, Amount: 200, To: w.Address},
		{TxID: "bb", Index: 0, Amount: 200, To: w.Address},
		{TxID: "cc", Index: 0, Amount: 200, To: w.Address},
	}
	tx, err := w.CreateTransaction(recipient, 350, utxos, 10)
	require.NoError(t, err)
	// 200+200 covers 360; the third UTXO stays unspent.
	require.Len(t, tx.Inputs, 2)
	require.EqualValues(t, 40, tx.Outputs[1].Amount)
}

func TestCreateTransactionRejectsBadAmounts(t *testing.T) {
	w := testWallet(t)
	_, err := w.CreateTransaction("anyone", 0, nil, 0)
	require.ErrorIs(t, err, blockchain.ErrNegativeValue)

	_, err = w.CreateTransaction("anyone", 10, nil, -1)
	require.ErrorIs(t, err, blockchain.ErrNegativeValue)
}

func TestCreateStakeTransaction(t *testing.T) {
	w := testWallet(t)

	utxos := []blockchain.UTXO{{TxID: "aa", Index: 0, Amount: 2000, To: w.Address}}
	tx, err := w.CreateStakeTransaction(1500, utxos, 5)
	require.NoError(t, err)

	require.Equal(t, blockchain.KindStake, tx.Kind)
	require.Equal(t, w.Address, tx.Outputs[0].To)
	require.EqualValues(t, 1500, tx.Outputs[0].Amount)
	require.True(t, tx.VerifySignatures())
}

func TestCreateBurnTransaction(t *testing.T) {
	w := testWallet(t)

	utxos := []blockchain.UTXO{{TxID: "aa", Index: 0, Amount: 1000, To: w.Address}}
	tx, err := w.CreateBurnTransaction(200, utxos)
	require.NoError(t, err)

	require.Equal(t, blockchain.KindBurn, tx.Kind)
	require.Len(t, tx.Inputs, 1)
	require.EqualValues(t, 200, tx.Fee, "the fee is the retired amount")
	require.Len(t, tx.Outputs, 1)
	require.Equal(t, w.Address, tx.Outputs[0].To)
	require.EqualValues(t, 800, tx.Outputs[0].Amount)
	require.True(t, tx.VerifySignatures())
	require.NoError(t, tx.CheckShape())
}

func TestCreateBurnTransactionExactAmount(t *testing.T) {
	w := testWallet(t)

	utxos := []blockchain.UTXO{{TxID: "aa", Index: 0, Amount: 200, To: w.Address}}
	tx, err := w.CreateBurnTransaction(200, utxos)
	require.NoError(t, err)
	require.Empty(t, tx.Outputs, "nothing survives a change-free burn")

	_, err = w.CreateBurnTransaction(500, utxos)
	require.ErrorIs(t, err, ErrInsufficientFunds)
}
