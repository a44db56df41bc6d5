package blockchain

import (
	"sort"
)

// GenesisTimestamp pins the genesis block so every node derives the same
// chain root.
const GenesisTimestamp int64 = 1700000000

// NewGenesisBlock builds the height-0 block: a single mint transaction
// distributing the initial allocations, zero prev hash, no proposer.
func NewGenesisBlock(allocations map[string]int64) *Block {
	addrs := make([]string, 0, len(allocations))
	for addr := range allocations {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	var outputs []TxOutput
	var supply int64
	for _, addr := range addrs {
		outputs = append(outputs, TxOutput{To: addr, Amount: allocations[addr]})
		supply += allocations[addr]
	}

	tx := &Transaction{
		Kind:      KindMint,
		Outputs:   outputs,
		Timestamp: GenesisTimestamp,
		Metadata:  map[string]string{"genesis": "sparkcoin"},
	}
	tx.ID = tx.DeterministicID()

	prev := make([]byte, 32)
	block := NewBlock(0, prev, []Transaction{*tx}, "", 0, supply, GenesisTimestamp)
	return block
}
