package peg

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrAuctionNotFound  = errors.New("auction not found")
	ErrBidBelowReserve  = errors.New("bid below reserve price")
	ErrAuctionFinalized = errors.New("auction already finalized")
	ErrNoBids           = errors.New("no bids placed")
)

type Bid struct {
	Bidder string    `json:"bidder"`
	Price  float64   `json:"price"`
	Placed time.Time `json:"placed"`
}

type Auction struct {
	ID           string    `json:"id"`
	Amount       int64     `json:"amount"`
	ReservePrice float64   `json:"reserve_price"`
	Bids         []Bid     `json:"bids"`
	Finalized    bool      `json:"finalized"`
	Winner       *Bid      `json:"winner,omitempty"`
	OpenedAt     time.Time `json:"opened_at"`
}

// AuctionBook runs seigniorage auctions: supply is issued or retired to
// the highest bidder above reserve instead of minted or burned
// unilaterally.
type AuctionBook struct {
	mu       sync.Mutex
	auctions map[string]*Auction
	log      *logrus.Entry
}

func NewAuctionBook() *AuctionBook {
	return &AuctionBook{
		auctions: make(map[string]*Auction),
		log:      logrus.WithField("component", "auction"),
	}
}

func (ab *AuctionBook) Open(amount int64, reservePrice float64) string {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	a := &Auction{
		ID:           uuid.NewString(),
		Amount:       amount,
		ReservePrice: reservePrice,
		OpenedAt:     time.Now(),
	}
	ab.auctions[a.ID] = a

	ab.log.WithFields(logrus.Fields{
		"auction": a.ID,
		"amount":  amount,
		"reserve": reservePrice,
	}).Info("auction opened")
	return a.ID
}

func (ab *AuctionBook) PlaceBid(auctionID, bidder string, price float64) error {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	a, ok := ab.auctions[auctionID]
	if !ok {
		return ErrAuctionNotFound
	}
	if a.Finalized {
		return ErrAuctionFinalized
	}
	if price < a.ReservePrice {
		return ErrBidBelowReserve
	}

	a.Bids = append(a.Bids, Bid{Bidder: bidder, Price: price, Placed: time.Now()})
	return nil
}

// Finalize closes the auction on its highest bid. Finalizing twice is
// rejected.
func (ab *AuctionBook) Finalize(auctionID string) (*Bid, error) {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	a, ok := ab.auctions[auctionID]
	if !ok {
		return nil, ErrAuctionNotFound
	}
	if a.Finalized {
		return nil, ErrAuctionFinalized
	}
	if len(a.Bids) == 0 {
		return nil, ErrNoBids
	}

	best := a.Bids[0]
	for _, b := range a.Bids[1:] {
		if b.Price > best.Price {
			best = b
		}
	}
	a.Finalized = true
	a.Winner = &best

	ab.log.WithFields(logrus.Fields{
		"auction": a.ID,
		"winner":  best.Bidder,
		"price":   best.Price,
	}).Info("auction finalized")
	return &best, nil
}

func (ab *AuctionBook) Get(auctionID string) (Auction, bool) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	a, ok := ab.auctions[auctionID]
	if !ok {
		return Auction{}, false
	}
	cp := *a
	return cp, true
}

func (ab *AuctionBook) OpenCount() int {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	n := 0
	for _, a := range ab.auctions {
		if !a.Finalized {
			n++
		}
	}
	return n
}
