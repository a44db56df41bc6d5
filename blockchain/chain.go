package blockchain

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"sparkcoin/database"
)

// Structural rejections. A block failing any of these is discarded whole;
// nothing is applied.
var (
	ErrBadHeight     = errors.New("block height does not extend the tip")
	ErrBadPrevHash   = errors.New("prev hash does not match the tip")
	ErrBadMerkleRoot = errors.New("merkle root mismatch")
	ErrBadBlockHash  = errors.New("block hash does not match header")
	ErrBadHeaderSig  = errors.New("validator header signature invalid")
	ErrBadSupply     = errors.New("header total supply mismatch")
	ErrTxInvalid     = errors.New("transaction invalid")
)

// TxLocation is the tx index entry: where a confirmed tx lives.
type TxLocation struct {
	BlockHash string `json:"block_hash"`
	Height    uint64 `json:"height"`
	Offset    int    `json:"offset"`
}

// Blockchain is the replicated ledger: an append-only chain plus the UTXO
// set and the running total supply. All methods are safe for concurrent use.
type Blockchain struct {
	mu          sync.RWMutex
	blocks      []*Block
	byHash      map[string]*Block
	UTXO        *UTXOSet
	TotalSupply int64

	db  *database.Store
	log *logrus.Entry
}

// ErrGenesisMismatch means the store holds a chain rooted in a different
// genesis than the one configured.
var ErrGenesisMismatch = errors.New("stored chain has a different genesis")

// NewBlockchain initializes the chain with the given genesis block. A
// store already holding blocks is rehydrated instead; otherwise the
// genesis mint is applied directly and every later block goes through
// AddBlock.
func NewBlockchain(genesis *Block, db *database.Store) (*Blockchain, error) {
	bc := &Blockchain{
		byHash: make(map[string]*Block),
		UTXO:   NewUTXOSet(db),
		db:     db,
		log:    logrus.WithField("component", "blockchain"),
	}

	if loaded, err := bc.loadFromStore(genesis); err != nil {
		return nil, err
	} else if loaded {
		return bc, nil
	}

	if genesis.Height != 0 {
		return nil, ErrBadHeight
	}
	for i := range genesis.Transactions {
		tx := &genesis.Transactions[i]
		if tx.Kind != KindMint {
			return nil, fmt.Errorf("%w: genesis carries non-mint tx %s", ErrTxInvalid, tx.ID)
		}
		bc.UTXO.Add(tx)
		bc.TotalSupply += tx.OutputSum()
	}

	bc.blocks = append(bc.blocks, genesis)
	bc.byHash[genesis.HashHex()] = genesis
	bc.persist(genesis)

	bc.log.WithFields(logrus.Fields{
		"hash":   genesis.HashHex(),
		"supply": bc.TotalSupply,
	}).Info("genesis applied")
	return bc, nil
}

// loadFromStore rebuilds the in-memory chain from a previous run: blocks
// in height order, the persisted UTXO set, and the supply snapshot from
// the stored tip header.
func (bc *Blockchain) loadFromStore(genesis *Block) (bool, error) {
	if bc.db == nil {
		return false, nil
	}

	var blocks []*Block
	for height := uint64(0); ; height++ {
		hashKey := bc.db.Get(database.BucketHeight, fmt.Sprintf("%020d", height))
		if hashKey == nil {
			break
		}
		raw := bc.db.Get(database.BucketBlocks, string(hashKey))
		if raw == nil {
			return false, fmt.Errorf("height index points at missing block %s", hashKey)
		}
		var block Block
		if err := json.Unmarshal(raw, &block); err != nil {
			return false, fmt.Errorf("decode stored block %s: %w", hashKey, err)
		}
		blocks = append(blocks, &block)
	}
	if len(blocks) == 0 {
		return false, nil
	}
	if !bytes.Equal(blocks[0].Hash, genesis.Hash) {
		return false, ErrGenesisMismatch
	}

	for _, block := range blocks {
		bc.blocks = append(bc.blocks, block)
		bc.byHash[block.HashHex()] = block
	}

	if err := bc.db.Iterate(database.BucketUTXO, func(k, v []byte) {
		var u UTXO
		if json.Unmarshal(v, &u) != nil {
			return
		}
		key := string(k)
		bc.UTXO.Set[key] = u
		bc.UTXO.AddrIndex[u.To] = append(bc.UTXO.AddrIndex[u.To], key)
	}); err != nil {
		return false, err
	}

	bc.TotalSupply = blocks[len(blocks)-1].Header.TotalSupply

	bc.log.WithFields(logrus.Fields{
		"height": blocks[len(blocks)-1].Height,
		"supply": bc.TotalSupply,
	}).Info("chain restored from store")
	return true, nil
}

// AddBlock validates block against the tip and applies it atomically.
// Validation runs on a cloned UTXO sandbox; the live set is swapped only
// after every transaction has passed.
func (bc *Blockchain) AddBlock(block *Block) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	tip := bc.blocks[len(bc.blocks)-1]

	if block.Height != tip.Height+1 {
		return ErrBadHeight
	}
	if !bytes.Equal(block.Header.PrevHash, tip.Hash) {
		return ErrBadPrevHash
	}
	if !block.MerkleMatches() {
		return ErrBadMerkleRoot
	}
	if !bytes.Equal(block.Hash, block.CalcHash()) {
		return ErrBadBlockHash
	}
	if !block.VerifyHeaderSig() {
		return ErrBadHeaderSig
	}

	sandbox := bc.UTXO.Clone()
	supply := bc.TotalSupply

	for i := range block.Transactions {
		tx := &block.Transactions[i]
		if err := bc.applyTx(tx, sandbox, &supply); err != nil {
			return fmt.Errorf("%w: tx %s: %v", ErrTxInvalid, tx.ID, err)
		}
	}

	if block.Header.TotalSupply != supply {
		return ErrBadSupply
	}

	// Commit point: nothing above mutated live state.
	bc.UTXO.ReplaceWith(sandbox)
	bc.TotalSupply = supply
	bc.blocks = append(bc.blocks, block)
	bc.byHash[block.HashHex()] = block
	bc.persist(block)

	bc.log.WithFields(logrus.Fields{
		"height":    block.Height,
		"hash":      block.HashHex(),
		"txs":       len(block.Transactions),
		"validator": block.Header.Validator,
		"supply":    supply,
	}).Info("block applied")
	return nil
}

// applyTx validates one transaction against the sandbox and executes it.
// Spend-before-add ordering makes an intra-block double spend fail on the
// second spend of the same key.
func (bc *Blockchain) applyTx(tx *Transaction, sandbox *UTXOSet, supply *int64) error {
	if err := tx.CheckShape(); err != nil {
		return err
	}
	if tx.DeterministicID() != tx.ID {
		return errors.New("tx id not reproducible")
	}

	switch tx.Kind {
	case KindMint:
		sandbox.Add(tx)
		*supply += tx.OutputSum()
		return nil

	case KindRegular, KindRedeem, KindStake, KindBurn:
		if !tx.VerifySignatures() {
			return errors.New("signature verification failed")
		}

		var totalIn int64
		for _, in := range tx.Inputs {
			out, ok := sandbox.Get(in.TxID, in.Index)
			if !ok {
				return fmt.Errorf("missing or already spent input %s", UTXOKey(in.TxID, in.Index))
			}
			pubBytes, err := hex.DecodeString(in.PubKey)
			if err != nil {
				return errors.New("invalid pubkey hex")
			}
			if PubKeyToAddress(pubBytes) != out.To {
				return errors.New("pubkey does not match utxo owner")
			}
			totalIn += out.Amount
		}

		if totalIn < tx.OutputSum()+tx.Fee {
			return ErrInsufficientValue
		}

		if err := sandbox.Spend(tx); err != nil {
			return err
		}
		sandbox.Add(tx)

		// Fees are burned, keeping Σbalances == TotalSupply exact. A
		// burn tx is the same spend with the retired amount as its fee;
		// only the change output survives.
		*supply -= totalIn - tx.OutputSum()
		return nil
	}
	return fmt.Errorf("unknown tx kind %d", tx.Kind)
}

// ErrInsufficientValue marks inputs short of outputs plus fee.
var ErrInsufficientValue = errors.New("inputs do not cover outputs plus fee")

func (bc *Blockchain) persist(block *Block) {
	if bc.db == nil {
		return
	}
	raw, _ := json.Marshal(block)
	_ = bc.db.Put(database.BucketBlocks, block.HashHex(), raw)
	_ = bc.db.Put(database.BucketHeight, fmt.Sprintf("%020d", block.Height), []byte(block.HashHex()))
	for i, tx := range block.Transactions {
		loc, _ := json.Marshal(TxLocation{BlockHash: block.HashHex(), Height: block.Height, Offset: i})
		_ = bc.db.Put(database.BucketTxIndex, tx.ID, loc)
	}
}

func (bc *Blockchain) GetLatestBlock() *Block {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.blocks[len(bc.blocks)-1]
}

func (bc *Blockchain) GetBlockByHeight(height uint64) (*Block, bool) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	if height >= uint64(len(bc.blocks)) {
		return nil, false
	}
	return bc.blocks[height], true
}

func (bc *Blockchain) GetBlockByHash(hashHex string) (*Block, bool) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	b, ok := bc.byHash[hashHex]
	return b, ok
}

func (bc *Blockchain) Height() uint64 {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.blocks[len(bc.blocks)-1].Height
}

// GetBalance sums the unspent outputs owned by addr.
func (bc *Blockchain) GetBalance(addr string) int64 {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.UTXO.Balance(addr)
}

// Supply returns the running total supply.
func (bc *Blockchain) Supply() int64 {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.TotalSupply
}

// GetUTXO looks up a single unspent output.
func (bc *Blockchain) GetUTXO(txID string, index int) (*TxOutput, bool) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.UTXO.Get(txID, index)
}

// UTXOsFor snapshots the spendable outputs of addr for tx building.
func (bc *Blockchain) UTXOsFor(addr string) []UTXO {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.UTXO.FindByAddress(addr)
}
