// Package consensus implements the proof-of-stake validator registry:
// registration and stake management, deterministic stake-weighted leader
// selection, slashing and epoch rewards.
package consensus

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"sparkcoin/database"
)

var (
	ErrBelowMinStake     = errors.New("stake below minimum")
	ErrAlreadyRegistered = errors.New("validator already registered")
	ErrUnknownValidator  = errors.New("unknown validator")
	ErrStakeGuard        = errors.New("withdrawal would drop stake below minimum")
	ErrNoValidators      = errors.New("no eligible validators")
)

// Validator records are never deleted; a validator whose stake falls under
// the minimum is deactivated and its record kept, which is why
// re-registration is rejected while one exists.
type Validator struct {
	Address         string `json:"address"`
	Stake           int64  `json:"stake"`
	IsActive        bool   `json:"is_active"`
	Reputation      int    `json:"reputation"` // [0,100]
	GreenCertified  bool   `json:"green_certified"`
	BlocksProposed  uint64 `json:"blocks_proposed"`
	BlocksValidated uint64 `json:"blocks_validated"`
	JoinTime        int64  `json:"join_time"`
	LastActive      int64  `json:"last_active"`
}

// CanValidate is the eligibility gate for leader selection.
func (v *Validator) CanValidate(minStake int64) bool {
	return v.IsActive && v.Reputation >= 50 && v.Stake >= minStake
}

type Params struct {
	MinStake        int64
	SlashFraction   float64 // of stake, per failed validation
	SlashReputation int     // reputation points, per failed validation
	EpochBlocks     uint64
	EpochRewardPool int64
	GreenMultiplier float64
	InitialRep      int
}

func DefaultParams() Params {
	return Params{
		MinStake:        1000,
		SlashFraction:   0.10,
		SlashReputation: 10,
		EpochBlocks:     100,
		EpochRewardPool: 50,
		GreenMultiplier: 2.0,
		InitialRep:      70,
	}
}

// SeedFunc maps (height, prev hash) to the draw seed. The default is
// deterministic pseudo-randomness; keeping it pluggable lets a VRF replace
// it without touching callers.
type SeedFunc func(height uint64, prevHash []byte) uint64

func DefaultSeed(height uint64, prevHash []byte) uint64 {
	h := sha256.New()
	h.Write(prevHash)
	tmp := make([]byte, 8)
	binary.BigEndian.PutUint64(tmp, height)
	h.Write(tmp)
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

type Engine struct {
	mu         sync.RWMutex
	validators map[string]*Validator
	params     Params
	seed       SeedFunc

	totalSlashed int64
	epochsPaid   uint64

	db  *database.Store
	now func() time.Time
	log *logrus.Entry
}

func NewEngine(params Params, seed SeedFunc) *Engine {
	if seed == nil {
		seed = DefaultSeed
	}
	return &Engine{
		validators: make(map[string]*Validator),
		params:     params,
		seed:       seed,
		now:        time.Now,
		log:        logrus.WithField("component", "consensus"),
	}
}

// NewEngineWithStore reloads persisted validator records so stake,
// reputation and activity survive a restart. Counters in Stats are
// runtime-only.
func NewEngineWithStore(params Params, seed SeedFunc, db *database.Store) *Engine {
	e := NewEngine(params, seed)
	e.db = db
	if db == nil {
		return e
	}
	_ = db.Iterate(database.BucketValidators, func(k, raw []byte) {
		var v Validator
		if json.Unmarshal(raw, &v) != nil {
			return
		}
		e.validators[v.Address] = &v
	})
	if len(e.validators) > 0 {
		e.log.WithField("validators", len(e.validators)).Info("validator set restored")
	}
	return e
}

func (e *Engine) Params() Params { return e.params }

// persistLocked snapshots one validator record. Callers hold e.mu.
func (e *Engine) persistLocked(v *Validator) {
	if e.db == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := e.db.Put(database.BucketValidators, v.Address, raw); err != nil {
		e.log.WithError(err).WithField("validator", v.Address).Warn("persist validator failed")
	}
}

// RegisterValidator admits a new validator. Rejected while any record for
// the address exists, active or not.
func (e *Engine) RegisterValidator(address string, stake int64, greenCertified bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if stake < e.params.MinStake {
		return ErrBelowMinStake
	}
	if _, ok := e.validators[address]; ok {
		return ErrAlreadyRegistered
	}

	now := e.now().Unix()
	v := &Validator{
		Address:        address,
		Stake:          stake,
		IsActive:       true,
		Reputation:     e.params.InitialRep,
		GreenCertified: greenCertified,
		JoinTime:       now,
		LastActive:     now,
	}
	e.validators[address] = v
	e.persistLocked(v)

	e.log.WithFields(logrus.Fields{
		"validator": address,
		"stake":     stake,
		"green":     greenCertified,
	}).Info("validator registered")
	return nil
}

func (e *Engine) AddStake(address string, amount int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	v, ok := e.validators[address]
	if !ok {
		return ErrUnknownValidator
	}
	v.Stake += amount
	if !v.IsActive && v.Stake >= e.params.MinStake {
		v.IsActive = true
		e.log.WithField("validator", address).Info("validator reactivated")
	}
	e.persistLocked(v)
	return nil
}

// RemoveStake refuses any withdrawal that would leave the validator under
// the minimum. Slashing is the only path below it.
func (e *Engine) RemoveStake(address string, amount int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	v, ok := e.validators[address]
	if !ok {
		return ErrUnknownValidator
	}
	if v.Stake-amount < e.params.MinStake {
		return ErrStakeGuard
	}
	v.Stake -= amount
	e.persistLocked(v)
	return nil
}

func reputationFactor(rep int) float64 {
	// Linear [50,100] -> [0.5,1.0].
	return float64(rep) / 100.0
}

// SelectValidator draws the proposer for block height deterministically
// from (prevHash, height). Every honest node with the same validator set
// computes the same answer without communication.
func (e *Engine) SelectValidator(height uint64, prevHash []byte) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	eligible := make([]*Validator, 0, len(e.validators))
	for _, v := range e.validators {
		if v.CanValidate(e.params.MinStake) {
			eligible = append(eligible, v)
		}
	}
	if len(eligible) == 0 {
		return "", ErrNoValidators
	}
	// Map order is random; a stable walk order is what makes the draw
	// reproducible across nodes.
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].Address < eligible[j].Address })

	var total float64
	weights := make([]float64, len(eligible))
	for i, v := range eligible {
		w := float64(v.Stake) * reputationFactor(v.Reputation)
		if v.GreenCertified {
			w *= e.params.GreenMultiplier
		}
		weights[i] = w
		total += w
	}

	seed := e.seed(height, prevHash)
	target := (float64(seed) / float64(math.MaxUint64)) * total

	var acc float64
	for i, v := range eligible {
		acc += weights[i]
		if target <= acc {
			return v.Address, nil
		}
	}
	return eligible[len(eligible)-1].Address, nil
}

// MarkProposed bumps the proposal counter once a block by address is
// accepted.
func (e *Engine) MarkProposed(address string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.validators[address]; ok {
		v.BlocksProposed++
		v.LastActive = e.now().Unix()
		e.persistLocked(v)
	}
}

// ValidateBlock records a validation outcome. Success is rewarded with
// reputation; failure slashes stake and reputation, deactivating the
// validator if stake falls under the minimum.
func (e *Engine) ValidateBlock(address string, success bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	v, ok := e.validators[address]
	if !ok {
		return ErrUnknownValidator
	}
	v.LastActive = e.now().Unix()

	if success {
		v.BlocksValidated++
		if v.Reputation < 100 {
			v.Reputation++
		}
		e.persistLocked(v)
		return nil
	}

	slashed := int64(float64(v.Stake) * e.params.SlashFraction)
	v.Stake -= slashed
	e.totalSlashed += slashed
	v.Reputation -= e.params.SlashReputation
	if v.Reputation < 0 {
		v.Reputation = 0
	}

	deactivated := false
	if v.Stake < e.params.MinStake {
		v.IsActive = false
		deactivated = true
	}
	e.persistLocked(v)

	e.log.WithFields(logrus.Fields{
		"validator":   address,
		"slashed":     slashed,
		"stake":       v.Stake,
		"reputation":  v.Reputation,
		"deactivated": deactivated,
	}).Warn("validator slashed")
	return nil
}

// DistributeEpochRewards splits pool across active validators proportional
// to stake share, crediting stake.
func (e *Engine) DistributeEpochRewards(pool int64) map[string]int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	var totalStake int64
	for _, v := range e.validators {
		if v.IsActive {
			totalStake += v.Stake
		}
	}
	if totalStake == 0 {
		return nil
	}

	rewards := make(map[string]int64)
	for _, v := range e.validators {
		if !v.IsActive {
			continue
		}
		reward := pool * v.Stake / totalStake
		if reward == 0 {
			continue
		}
		v.Stake += reward
		rewards[v.Address] = reward
		e.persistLocked(v)
	}
	e.epochsPaid++

	e.log.WithFields(logrus.Fields{
		"pool":       pool,
		"validators": len(rewards),
	}).Info("epoch rewards distributed")
	return rewards
}

func (e *Engine) GetValidator(address string) (Validator, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.validators[address]
	if !ok {
		return Validator{}, false
	}
	return *v, true
}

func (e *Engine) AllValidators() []Validator {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Validator, 0, len(e.validators))
	for _, v := range e.validators {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Stats summarizes registry state for the node API.
type Stats struct {
	Validators   int    `json:"validators"`
	Active       int    `json:"active"`
	TotalStaked  int64  `json:"total_staked"`
	TotalSlashed int64  `json:"total_slashed"`
	EpochsPaid   uint64 `json:"epochs_paid"`
}

func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := Stats{TotalSlashed: e.totalSlashed, EpochsPaid: e.epochsPaid}
	for _, v := range e.validators {
		s.Validators++
		if v.IsActive {
			s.Active++
			s.TotalStaked += v.Stake
		}
	}
	return s
}
