package wallet

import (
	"errors"

	"sparkcoin/blockchain"
)

// ErrInsufficientFunds means the supplied UTXO set cannot cover
// amount + fee.
var ErrInsufficientFunds = errors.New("insufficient funds")

// CreateTransaction builds and signs a transfer consuming the
// caller-supplied UTXOs in the order given, stopping once amount + fee is
// covered. Any excess comes back to the wallet as a change output.
func (w *Wallet) CreateTransaction(recipient string, amount int64, utxos []blockchain.UTXO, fee int64) (*blockchain.Transaction, error) {
	return w.createKind(blockchain.KindRegular, recipient, amount, utxos, fee)
}

// CreateStakeTransaction bonds amount to the wallet's own address as a
// stake-kind transaction; the node registers the validator on acceptance.
func (w *Wallet) CreateStakeTransaction(amount int64, utxos []blockchain.UTXO, fee int64) (*blockchain.Transaction, error) {
	return w.createKind(blockchain.KindStake, w.Address, amount, utxos, fee)
}

// CreateBurnTransaction retires amount from circulation by spending the
// wallet's own outputs with the burned amount as the fee. Only the
// change, if any, comes back.
func (w *Wallet) CreateBurnTransaction(amount int64, utxos []blockchain.UTXO) (*blockchain.Transaction, error) {
	if amount <= 0 {
		return nil, blockchain.ErrNegativeValue
	}

	var inputs []blockchain.TxInput
	var total int64
	for _, u := range utxos {
		inputs = append(inputs, blockchain.TxInput{TxID: u.TxID, Index: u.Index})
		total += u.Amount
		if total >= amount {
			break
		}
	}
	if total < amount {
		return nil, ErrInsufficientFunds
	}

	var outputs []blockchain.TxOutput
	if change := total - amount; change > 0 {
		outputs = append(outputs, blockchain.TxOutput{To: w.Address, Amount: change})
	}

	tx := blockchain.NewTransaction(blockchain.KindBurn, inputs, outputs, amount)
	if err := tx.Sign(w.PrivateKey); err != nil {
		return nil, err
	}
	return tx, nil
}

func (w *Wallet) createKind(kind blockchain.TxKind, recipient string, amount int64, utxos []blockchain.UTXO, fee int64) (*blockchain.Transaction, error) {
	if amount <= 0 || fee < 0 {
		return nil, blockchain.ErrNegativeValue
	}

	need := amount + fee
	var inputs []blockchain.TxInput
	var total int64
	for _, u := range utxos {
		inputs = append(inputs, blockchain.TxInput{TxID: u.TxID, Index: u.Index})
		total += u.Amount
		if total >= need {
			break
		}
	}
	if total < need {
		return nil, ErrInsufficientFunds
	}

	outputs := []blockchain.TxOutput{{To: recipient, Amount: amount}}
	if change := total - need; change > 0 {
		outputs = append(outputs, blockchain.TxOutput{To: w.Address, Amount: change})
	}

	tx := blockchain.NewTransaction(kind, inputs, outputs, fee)
	if err := tx.Sign(w.PrivateKey); err != nil {
		return nil, err
	}
	return tx, nil
}
