// Package peg keeps the token's market price near a wholesale-linked
// target: a PID controller sizes bounded mint/burn corrections, and
// seigniorage auctions move supply through the market instead of
// unilateral issuance.
package peg

import (
	"math"
	"time"

	"github.com/sirupsen/logrus"
)

type ActionType int

const (
	ActionNone ActionType = iota
	ActionMint
	ActionBurn
)

func (a ActionType) String() string {
	switch a {
	case ActionMint:
		return "mint"
	case ActionBurn:
		return "burn"
	}
	return "none"
}

// Action is one bounded correction. Amount is in base units of supply.
type Action struct {
	Type        ActionType `json:"type"`
	Amount      int64      `json:"amount"`
	TargetPrice float64    `json:"target_price"`
	MarketPrice float64    `json:"market_price"`
	Error       float64    `json:"error"`
}

// State is the controller memory. It is owned by the caller and advanced
// strictly sequentially; two concurrent Check calls over the same State
// are a caller bug.
type State struct {
	IntegralError float64   `json:"integral_error"`
	LastError     float64   `json:"last_error"`
	LastUpdate    time.Time `json:"last_update"`
}

type Params struct {
	BasePrice        float64 // SPK price floor component
	PriceSensitivity float64 // slope against the wholesale energy price
	BandDelta        float64 // half-width of the no-action band
	Gamma            float64 // single feedback parameter the gains derive from
	MaxAdjustment    float64 // cap, as a fraction of total supply
}

func DefaultParams() Params {
	return Params{
		BasePrice:        0.08,
		PriceSensitivity: 0.5,
		BandDelta:        0.05,
		Gamma:            0.3,
		MaxAdjustment:    0.10,
	}
}

// Controller holds the tuning; all memory lives in State.
type Controller struct {
	params     Params
	kp, ki, kd float64

	now func() time.Time
	log *logrus.Entry
}

func NewController(params Params) *Controller {
	return &Controller{
		params: params,
		// All three gains derive from the one feedback parameter.
		kp:  params.Gamma,
		ki:  params.Gamma / 10,
		kd:  params.Gamma / 100,
		now: time.Now,
		log: logrus.WithField("component", "peg"),
	}
}

func (c *Controller) Params() Params { return c.params }

// TargetPrice links the peg to the wholesale energy price.
func (c *Controller) TargetPrice(wholesalePrice float64) float64 {
	return c.params.BasePrice + c.params.PriceSensitivity*wholesalePrice
}

// Band returns the inclusive no-action interval around target.
func (c *Controller) Band(target float64) (lo, hi float64) {
	return target * (1 - c.params.BandDelta), target * (1 + c.params.BandDelta)
}

// Check advances the controller one step. Inside the band (edges
// inclusive) it returns ActionNone and leaves st untouched. Outside, it
// updates the integral and derivative terms and sizes a correction capped
// at MaxAdjustment of supply: mint when the market trades above target,
// burn below.
func (c *Controller) Check(st *State, marketPrice, wholesalePrice float64, totalSupply int64) Action {
	target := c.TargetPrice(wholesalePrice)
	lo, hi := c.Band(target)

	act := Action{Type: ActionNone, TargetPrice: target, MarketPrice: marketPrice}
	if marketPrice >= lo && marketPrice <= hi {
		return act
	}

	now := c.now()
	dt := 1.0
	if !st.LastUpdate.IsZero() {
		if d := now.Sub(st.LastUpdate).Seconds(); d > 0 {
			dt = d
		}
	}

	e := (marketPrice - target) / target
	st.IntegralError += e * dt
	derivative := (e - st.LastError) / dt
	st.LastError = e
	st.LastUpdate = now

	u := c.kp*e + c.ki*st.IntegralError + c.kd*derivative

	amount := math.Abs(u) * float64(totalSupply)
	cap := c.params.MaxAdjustment * float64(totalSupply)
	if amount > cap {
		amount = cap
	}

	act.Error = e
	act.Amount = int64(amount)
	if e > 0 {
		act.Type = ActionMint
	} else {
		act.Type = ActionBurn
	}

	c.log.WithFields(logrus.Fields{
		"market": marketPrice,
		"target": target,
		"error":  e,
		"action": act.Type.String(),
		"amount": act.Amount,
	}).Info("peg correction")
	return act
}
