package network

import (
	"encoding/json"
	"sync"
	"time"

	"sparkcoin/database"
)

// AddrBook tracks every peer address the node has heard about, with
// optional persistence so a restarted node can redial its old peers.
type AddrBook struct {
	mu    sync.Mutex
	known map[string]time.Time
	db    *database.Store
}

type addrRecord struct {
	Addr     string `json:"addr"`
	LastSeen int64  `json:"last_seen"`
}

func NewAddrBook(db *database.Store) *AddrBook {
	ab := &AddrBook{
		known: make(map[string]time.Time),
		db:    db,
	}
	if db != nil {
		db.Iterate(database.BucketPeers, func(k, v []byte) {
			ab.known[string(k)] = time.Now()
		})
	}
	return ab
}

// Add records addr and reports whether it was new.
func (ab *AddrBook) Add(addr string) bool {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	_, exists := ab.known[addr]
	ab.known[addr] = time.Now()

	if !exists && ab.db != nil {
		rec, _ := json.Marshal(addrRecord{Addr: addr, LastSeen: time.Now().Unix()})
		_ = ab.db.Put(database.BucketPeers, addr, rec)
	}
	return !exists
}

func (ab *AddrBook) AddMany(addrs []string) {
	for _, a := range addrs {
		ab.Add(a)
	}
}

func (ab *AddrBook) GetSome(n int) []string {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	out := make([]string, 0, n)
	for addr := range ab.known {
		out = append(out, addr)
		if len(out) >= n {
			break
		}
	}
	return out
}
