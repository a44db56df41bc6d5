package blockchain

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// TxKind is a closed set; validation switches over it exhaustively.
type TxKind uint8

const (
	KindRegular TxKind = iota
	KindMint
	KindBurn
	KindRedeem
	KindStake
)

func (k TxKind) String() string {
	switch k {
	case KindRegular:
		return "regular"
	case KindMint:
		return "mint"
	case KindBurn:
		return "burn"
	case KindRedeem:
		return "redeem"
	case KindStake:
		return "stake"
	}
	return "unknown"
}

// Amounts are int64 base units: 1 SPK = 1e8 sparks.
const SparksPerSPK = 100_000_000

var (
	ErrBadInputCount = errors.New("mint transactions must carry zero inputs")
	ErrUnfundedBurn  = errors.New("burn transactions must spend inputs")
	ErrNegativeValue = errors.New("negative amount or fee")
)

type TxInput struct {
	TxID   string `json:"tx_id"`
	Index  int    `json:"index"`
	Sig    string `json:"sig"`     // DER, hex
	PubKey string `json:"pub_key"` // compressed, hex
}

type TxOutput struct {
	To     string `json:"to"`
	Amount int64  `json:"amount"`
}

type Transaction struct {
	ID        string            `json:"id"`
	Kind      TxKind            `json:"kind"`
	Inputs    []TxInput         `json:"inputs"`
	Outputs   []TxOutput        `json:"outputs"`
	Timestamp int64             `json:"timestamp"`
	Fee       int64             `json:"fee"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func NewTransaction(kind TxKind, inputs []TxInput, outputs []TxOutput, fee int64) *Transaction {
	tx := &Transaction{
		Kind:      kind,
		Inputs:    inputs,
		Outputs:   outputs,
		Timestamp: time.Now().Unix(),
		Fee:       fee,
	}
	tx.ID = tx.DeterministicID()
	return tx
}

// DeterministicID hashes the canonical content of the transaction.
// Signatures and pubkeys are excluded so the ID is stable across signing.
func (tx *Transaction) DeterministicID() string {
	h := sha256.New()
	tmp := make([]byte, 8)

	h.Write([]byte{byte(tx.Kind)})

	binary.BigEndian.PutUint64(tmp, uint64(tx.Timestamp))
	h.Write(tmp)

	binary.BigEndian.PutUint64(tmp, uint64(tx.Fee))
	h.Write(tmp)

	binary.BigEndian.PutUint64(tmp, uint64(len(tx.Inputs)))
	h.Write(tmp)
	for _, in := range tx.Inputs {
		h.Write([]byte(in.TxID))
		binary.BigEndian.PutUint64(tmp, uint64(in.Index))
		h.Write(tmp)
	}

	binary.BigEndian.PutUint64(tmp, uint64(len(tx.Outputs)))
	h.Write(tmp)
	for _, out := range tx.Outputs {
		binary.BigEndian.PutUint64(tmp, uint64(out.Amount))
		h.Write(tmp)
		h.Write([]byte(out.To))
	}

	// Metadata participates in sorted key order.
	keys := make([]string, 0, len(tx.Metadata))
	for k := range tx.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte(tx.Metadata[k]))
	}

	sum := h.Sum(nil)
	return hex.EncodeToString(sum)
}

// sigDigest is the per-input message that gets signed: the canonical ID
// content plus the index of the input being signed.
func (tx *Transaction) sigDigest(idx int) []byte {
	h := sha256.New()
	h.Write([]byte(tx.DeterministicID()))
	tmp := make([]byte, 8)
	binary.BigEndian.PutUint64(tmp, uint64(idx))
	h.Write(tmp)
	return h.Sum(nil)
}

// Sign fills PubKey and Sig on every input with the given key.
func (tx *Transaction) Sign(priv *btcec.PrivateKey) error {
	if tx.Kind == KindMint {
		return nil
	}

	pubHex := hex.EncodeToString(priv.PubKey().SerializeCompressed())
	for i := range tx.Inputs {
		tx.Inputs[i].PubKey = pubHex
		sig := ecdsa.Sign(priv, tx.sigDigest(i))
		tx.Inputs[i].Sig = hex.EncodeToString(sig.Serialize())
	}
	return nil
}

// VerifySignatures checks every input signature against its embedded pubkey.
// Ownership of the consumed outputs is checked separately against the UTXO set.
func (tx *Transaction) VerifySignatures() bool {
	if tx.Kind == KindMint {
		return len(tx.Inputs) == 0
	}

	for i, in := range tx.Inputs {
		sigBytes, err := hex.DecodeString(in.Sig)
		if err != nil {
			return false
		}
		sig, err := ecdsa.ParseDERSignature(sigBytes)
		if err != nil {
			return false
		}
		pubBytes, err := hex.DecodeString(in.PubKey)
		if err != nil {
			return false
		}
		pub, err := btcec.ParsePubKey(pubBytes)
		if err != nil {
			return false
		}
		if !sig.Verify(tx.sigDigest(i), pub) {
			return false
		}
	}
	return true
}

func (tx *Transaction) OutputSum() int64 {
	var sum int64
	for _, out := range tx.Outputs {
		sum += out.Amount
	}
	return sum
}

// CheckShape enforces the kind invariants that need no UTXO context.
// Minting is the only kind that creates value from nothing; a burn must
// spend real outputs, its fee being the amount retired.
func (tx *Transaction) CheckShape() error {
	switch tx.Kind {
	case KindMint:
		if len(tx.Inputs) != 0 {
			return ErrBadInputCount
		}
	case KindBurn:
		if len(tx.Inputs) == 0 {
			return ErrUnfundedBurn
		}
	}
	for _, out := range tx.Outputs {
		if out.Amount < 0 {
			return ErrNegativeValue
		}
	}
	if tx.Fee < 0 {
		return ErrNegativeValue
	}
	return nil
}
