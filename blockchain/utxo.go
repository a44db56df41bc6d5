package blockchain

import (
	"encoding/json"
	"fmt"

	"sparkcoin/database"
)

// UTXO is one unspent output, keyed by (tx id, output index).
type UTXO struct {
	TxID   string `json:"tx_id"`
	Index  int    `json:"index"`
	Amount int64  `json:"amount"`
	To     string `json:"to"`
}

func UTXOKey(txID string, index int) string {
	return fmt.Sprintf("%s_%d", txID, index)
}

// UTXOSet holds the spendable outputs plus a per-address index for
// balance queries. A nil store keeps the set memory-only (used by the
// validation sandbox).
type UTXOSet struct {
	Set       map[string]UTXO
	AddrIndex map[string][]string
	DB        *database.Store
}

func NewUTXOSet(db *database.Store) *UTXOSet {
	return &UTXOSet{
		Set:       make(map[string]UTXO),
		AddrIndex: make(map[string][]string),
		DB:        db,
	}
}

// Add confirms the outputs of tx as spendable. Burn outputs never reach
// the set; the caller filters by kind.
func (u *UTXOSet) Add(tx *Transaction) {
	for i, out := range tx.Outputs {
		key := UTXOKey(tx.ID, i)
		utxo := UTXO{TxID: tx.ID, Index: i, Amount: out.Amount, To: out.To}

		u.Set[key] = utxo
		u.AddrIndex[out.To] = append(u.AddrIndex[out.To], key)

		if u.DB != nil {
			b, _ := json.Marshal(utxo)
			_ = u.DB.Put(database.BucketUTXO, key, b)
		}
	}
}

// Spend removes each referenced output exactly once. Missing keys mean a
// double spend or an unknown input; either aborts the whole operation.
func (u *UTXOSet) Spend(tx *Transaction) error {
	for _, in := range tx.Inputs {
		key := UTXOKey(in.TxID, in.Index)
		utxo, ok := u.Set[key]
		if !ok {
			return fmt.Errorf("utxo not found: %s", key)
		}

		delete(u.Set, key)
		if u.DB != nil {
			u.DB.Delete(database.BucketUTXO, key)
		}

		keys := u.AddrIndex[utxo.To]
		for i, k := range keys {
			if k == key {
				u.AddrIndex[utxo.To] = append(keys[:i], keys[i+1:]...)
				break
			}
		}
	}
	return nil
}

// Clone returns a memory-only copy used as a validation sandbox, so a
// failing block never half-applies.
func (u *UTXOSet) Clone() *UTXOSet {
	nu := NewUTXOSet(nil)
	for k, v := range u.Set {
		nu.Set[k] = v
	}
	for addr, keys := range u.AddrIndex {
		nu.AddrIndex[addr] = append([]string(nil), keys...)
	}
	return nu
}

// ReplaceWith swaps in the contents of a sandbox after a block commits.
// Persistence is replayed against the store for the delta-free simple case:
// the committed sandbox is the new truth.
func (u *UTXOSet) ReplaceWith(other *UTXOSet) {
	u.Set = other.Set
	u.AddrIndex = other.AddrIndex
	if u.DB != nil {
		_ = u.DB.ClearBucket(database.BucketUTXO)
		for k, v := range u.Set {
			b, _ := json.Marshal(v)
			_ = u.DB.Put(database.BucketUTXO, k, b)
		}
	}
}

func (u *UTXOSet) Get(txID string, index int) (*TxOutput, bool) {
	utxo, ok := u.Set[UTXOKey(txID, index)]
	if !ok {
		return nil, false
	}
	return &TxOutput{Amount: utxo.Amount, To: utxo.To}, true
}

func (u *UTXOSet) Exists(txID string, index int) bool {
	_, ok := u.Set[UTXOKey(txID, index)]
	return ok
}

// FindByAddress returns all spendable outputs owned by addr.
func (u *UTXOSet) FindByAddress(addr string) []UTXO {
	keys := u.AddrIndex[addr]
	utxos := make([]UTXO, 0, len(keys))
	for _, k := range keys {
		if utxo, ok := u.Set[k]; ok {
			utxos = append(utxos, utxo)
		}
	}
	return utxos
}

// Balance is the sum of unspent outputs owned by addr; 0 for unknowns.
func (u *UTXOSet) Balance(addr string) int64 {
	var sum int64
	for _, utxo := range u.FindByAddress(addr) {
		sum += utxo.Amount
	}
	return sum
}
