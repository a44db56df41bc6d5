// Package oracle gates token issuance on verified proofs of
// renewable-energy surplus. A proof passes an ordered pipeline of checks
// and is consumed at most once.
package oracle

import (
	"encoding/json"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"sparkcoin/blockchain"
	"sparkcoin/database"
)

// Rejection reasons, returned in check order: the first failing check wins.
var (
	ErrNoSurplus         = errors.New("surplus must be positive")
	ErrExpired           = errors.New("proof expired or future-dated")
	ErrUntrustedMeter    = errors.New("meter not in trusted registry")
	ErrUntrustedOperator = errors.New("grid operator unknown or certificate mismatch")
	ErrGridStress        = errors.New("grid under stress, issuance halted")
	ErrDuplicateProof    = errors.New("proof already processed")
)

// EnergyProof is a signed attestation of renewable surplus. Immutable once
// created.
type EnergyProof struct {
	ProofID              string            `json:"proof_id"`
	Timestamp            int64             `json:"timestamp"`
	GridOperator         string            `json:"grid_operator"`
	Location             string            `json:"location"`
	SourceType           string            `json:"source_type"`
	SurplusKWh           float64           `json:"surplus_kwh"`
	WholesalePrice       float64           `json:"wholesale_price"`
	GridLoad             float64           `json:"grid_load"`
	RenewablePenetration float64           `json:"renewable_penetration"`
	MeterSignature       string            `json:"meter_signature"`
	MeterID              string            `json:"meter_id"`
	OperatorCertHash     string            `json:"operator_cert_hash"`
	AuditSignature       string            `json:"audit_signature,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

// MintingRequest is the authorization handed to the node coordinator,
// which turns it into a mint transaction.
type MintingRequest struct {
	ProofID   string `json:"proof_id"`
	Recipient string `json:"recipient"`
	Amount    int64  `json:"amount"` // base units
}

type Params struct {
	FreshnessWindow     time.Duration
	StressThreshold     float64
	IssuanceCoefficient float64
}

func DefaultParams() Params {
	return Params{
		FreshnessWindow:     24 * time.Hour,
		StressThreshold:     0.95,
		IssuanceCoefficient: 1.0,
	}
}

type Oracle struct {
	mu        sync.Mutex
	params    Params
	meters    map[string]bool   // trusted meter ids
	operators map[string]string // operator -> registered cert hash
	processed map[string]bool

	totalMinted    int64 // base units authorized so far
	proofsAccepted uint64
	proofsRejected uint64

	db  *database.Store
	now func() time.Time
	log *logrus.Entry
}

func New(params Params) *Oracle {
	return &Oracle{
		params:    params,
		meters:    make(map[string]bool),
		operators: make(map[string]string),
		processed: make(map[string]bool),
		now:       time.Now,
		log:       logrus.WithField("component", "oracle"),
	}
}

// NewWithStore reloads consumed-proof marks so a restarted node cannot be
// replayed a proof it already authorized issuance for. Counters and the
// minted total restart at zero; they are runtime stats, not ledger state.
func NewWithStore(params Params, db *database.Store) *Oracle {
	o := New(params)
	o.db = db
	if db == nil {
		return o
	}
	restored := 0
	_ = db.Iterate(database.BucketProofs, func(k, _ []byte) {
		o.processed[string(k)] = true
		restored++
	})
	if restored > 0 {
		o.log.WithField("proofs", restored).Info("consumed proofs restored")
	}
	return o
}

func (o *Oracle) RegisterMeter(meterID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.meters[meterID] = true
}

func (o *Oracle) RegisterOperator(name, certHash string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.operators[name] = certHash
}

// ValidateEnergyProof runs the check pipeline without consuming the proof.
func (o *Oracle) ValidateEnergyProof(p *EnergyProof) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.validateLocked(p)
}

func (o *Oracle) validateLocked(p *EnergyProof) error {
	if p.SurplusKWh <= 0 {
		return ErrNoSurplus
	}

	now := o.now()
	ts := time.Unix(p.Timestamp, 0)
	if ts.After(now) || now.Sub(ts) > o.params.FreshnessWindow {
		return ErrExpired
	}

	if !o.meters[p.MeterID] {
		return ErrUntrustedMeter
	}

	cert, ok := o.operators[p.GridOperator]
	if !ok || cert != p.OperatorCertHash {
		return ErrUntrustedOperator
	}

	// Issuance halts outright during grid emergencies, regardless of how
	// valid the proof otherwise is.
	if p.GridLoad > o.params.StressThreshold {
		return ErrGridStress
	}

	if o.processed[p.ProofID] {
		return ErrDuplicateProof
	}
	return nil
}

// ComputeMintingAmount converts verified surplus into base units:
// coefficient × surplus_kWh × peg_price, linear in the surplus.
func (o *Oracle) ComputeMintingAmount(p *EnergyProof, pegPrice float64) int64 {
	spk := o.params.IssuanceCoefficient * p.SurplusKWh * pegPrice
	return int64(math.Round(spk * blockchain.SparksPerSPK))
}

// ProcessMintingRequest validates, computes the issuance amount and marks
// the proof consumed in one critical section, so two concurrent
// submissions of the same proof cannot both pass.
func (o *Oracle) ProcessMintingRequest(p *EnergyProof, recipient string, pegPrice float64) (*MintingRequest, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.validateLocked(p); err != nil {
		o.proofsRejected++
		return nil, err
	}

	amount := o.ComputeMintingAmount(p, pegPrice)
	o.processed[p.ProofID] = true
	o.totalMinted += amount
	o.proofsAccepted++

	req := &MintingRequest{ProofID: p.ProofID, Recipient: recipient, Amount: amount}
	if o.db != nil {
		if raw, err := json.Marshal(req); err == nil {
			if err := o.db.Put(database.BucketProofs, p.ProofID, raw); err != nil {
				o.log.WithError(err).WithField("proof", p.ProofID).Warn("persist proof mark failed")
			}
		}
	}

	o.log.WithFields(logrus.Fields{
		"proof":     p.ProofID,
		"surplus":   p.SurplusKWh,
		"amount":    amount,
		"recipient": recipient,
	}).Info("minting authorized")

	return req, nil
}

// Stats for the node API surface.
type Stats struct {
	TrustedMeters  int    `json:"trusted_meters"`
	Operators      int    `json:"operators"`
	ProofsAccepted uint64 `json:"proofs_accepted"`
	ProofsRejected uint64 `json:"proofs_rejected"`
	TotalMinted    int64  `json:"total_spk_minted"`
}

func (o *Oracle) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Stats{
		TrustedMeters:  len(o.meters),
		Operators:      len(o.operators),
		ProofsAccepted: o.proofsAccepted,
		ProofsRejected: o.proofsRejected,
		TotalMinted:    o.totalMinted,
	}
}
