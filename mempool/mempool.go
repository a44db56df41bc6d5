package mempool

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"sparkcoin/blockchain"
	"sparkcoin/database"
)

var (
	ErrDuplicate   = errors.New("transaction already pending")
	ErrConflict    = errors.New("conflicting spend with lower fee")
	ErrPoolFull    = errors.New("mempool full and fee too low to evict")
	ErrDoubleSpend = errors.New("transaction double-spends within itself")
)

// BucketPending is where unconfirmed transactions are journaled so a
// restarted node can re-admit them.
const BucketPending = "mempool"

// Mempool holds validated-but-unconfirmed transactions. Conflicting
// spends are resolved replace-by-fee; at capacity the lowest-fee entry is
// evicted for a better-paying newcomer.
type Mempool struct {
	mu    sync.Mutex
	txs   map[string]*blockchain.Transaction
	spent map[string]string // utxo key -> pending tx id
	maxTx int
	db    *database.Store
	log   *logrus.Entry
}

func New(maxTx int) *Mempool {
	return &Mempool{
		txs:   make(map[string]*blockchain.Transaction),
		spent: make(map[string]string),
		maxTx: maxTx,
		log:   logrus.WithField("component", "mempool"),
	}
}

// NewWithStore journals pending txs to db and reloads them on startup.
// Reloaded entries go through the normal Add path, so conflicts and
// capacity rules still apply.
func NewWithStore(maxTx int, db *database.Store) *Mempool {
	m := New(maxTx)
	m.db = db
	if db == nil {
		return m
	}

	var pending []*blockchain.Transaction
	_ = db.Iterate(BucketPending, func(k, v []byte) {
		var tx blockchain.Transaction
		if json.Unmarshal(v, &tx) == nil {
			pending = append(pending, &tx)
		}
	})
	for _, tx := range pending {
		if err := m.Add(tx); err != nil {
			db.Delete(BucketPending, tx.ID)
		}
	}
	if len(pending) > 0 {
		m.log.WithField("count", m.Size()).Info("mempool restored")
	}
	return m
}

func (m *Mempool) Has(txID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.txs[txID]
	return ok
}

func (m *Mempool) Get(txID string) (*blockchain.Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[txID]
	return tx, ok
}

// Add admits tx, applying replace-by-fee against conflicting spends and
// fee-based eviction at capacity.
func (m *Mempool) Add(tx *blockchain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.txs[tx.ID]; ok {
		return ErrDuplicate
	}

	// A tx spending the same key twice never enters the pool.
	seen := make(map[string]bool, len(tx.Inputs))
	for _, in := range tx.Inputs {
		key := blockchain.UTXOKey(in.TxID, in.Index)
		if seen[key] {
			return ErrDoubleSpend
		}
		seen[key] = true
	}

	conflicts := m.findConflicts(tx)
	for oldID := range conflicts {
		if tx.Fee <= m.txs[oldID].Fee {
			return ErrConflict
		}
	}
	for oldID := range conflicts {
		m.removeLocked(oldID)
		m.log.WithFields(logrus.Fields{"replaced": oldID, "by": tx.ID}).Debug("rbf replacement")
	}

	if len(m.txs) >= m.maxTx {
		lowID, lowFee := m.lowestFeeLocked()
		if lowID == "" || tx.Fee <= lowFee {
			return ErrPoolFull
		}
		m.removeLocked(lowID)
		m.log.WithFields(logrus.Fields{"evicted": lowID, "fee": lowFee}).Debug("mempool eviction")
	}

	m.txs[tx.ID] = tx
	for _, in := range tx.Inputs {
		m.spent[blockchain.UTXOKey(in.TxID, in.Index)] = tx.ID
	}
	if m.db != nil {
		if raw, err := json.Marshal(tx); err == nil {
			_ = m.db.Put(BucketPending, tx.ID, raw)
		}
	}
	return nil
}

func (m *Mempool) Remove(txID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(txID)
}

// RemoveConfirmed clears every tx included in a block, plus any pending
// tx that now conflicts with a confirmed spend.
func (m *Mempool) RemoveConfirmed(block *blockchain.Block) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range block.Transactions {
		tx := &block.Transactions[i]
		m.removeLocked(tx.ID)
		for _, in := range tx.Inputs {
			if pendingID, ok := m.spent[blockchain.UTXOKey(in.TxID, in.Index)]; ok {
				m.removeLocked(pendingID)
			}
		}
	}
}

// Pick returns up to n pending transactions, highest fee first.
func (m *Mempool) Pick(n int) []*blockchain.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*blockchain.Transaction, 0, len(m.txs))
	for _, tx := range m.txs {
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Fee != out[j].Fee {
			return out[i].Fee > out[j].Fee
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func (m *Mempool) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.txs)
}

func (m *Mempool) findConflicts(tx *blockchain.Transaction) map[string]bool {
	conflicts := make(map[string]bool)
	for _, in := range tx.Inputs {
		if id, ok := m.spent[blockchain.UTXOKey(in.TxID, in.Index)]; ok {
			conflicts[id] = true
		}
	}
	return conflicts
}

func (m *Mempool) removeLocked(txID string) {
	tx, ok := m.txs[txID]
	if !ok {
		return
	}
	for _, in := range tx.Inputs {
		key := blockchain.UTXOKey(in.TxID, in.Index)
		if m.spent[key] == txID {
			delete(m.spent, key)
		}
	}
	delete(m.txs, txID)
	if m.db != nil {
		m.db.Delete(BucketPending, txID)
	}
}

func (m *Mempool) lowestFeeLocked() (string, int64) {
	lowID := ""
	var lowFee int64 = 1<<63 - 1
	for id, tx := range m.txs {
		if tx.Fee < lowFee {
			lowFee = tx.Fee
			lowID = id
		}
	}
	return lowID, lowFee
}
