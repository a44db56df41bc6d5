package blockchain

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// BlockHeader carries everything the proposer commits to. PegPrice and
// TotalSupply snapshot the economic state at proposal time so light peers
// can track the peg without replaying the chain.
type BlockHeader struct {
	Version         uint32  `json:"version"`
	PrevHash        []byte  `json:"prev_hash"`
	MerkleRoot      []byte  `json:"merkle_root"`
	Timestamp       int64   `json:"timestamp"`
	Difficulty      uint32  `json:"difficulty"`
	Nonce           uint64  `json:"nonce"`
	Validator       string  `json:"validator"`
	ValidatorPubKey string  `json:"validator_pub_key"` // compressed, hex
	ValidatorSig    string  `json:"validator_sig"`     // DER, hex
	PegPrice        float64 `json:"peg_price"`
	TotalSupply     int64   `json:"total_supply"`
}

type Block struct {
	Header       BlockHeader   `json:"header"`
	Height       uint64        `json:"height"`
	Transactions []Transaction `json:"transactions"`
	Hash         []byte        `json:"hash"`
}

func NewBlock(height uint64, prevHash []byte, txs []Transaction, validator string, pegPrice float64, supply int64, timestamp int64) *Block {
	b := &Block{
		Header: BlockHeader{
			Version:     1,
			PrevHash:    append([]byte(nil), prevHash...),
			MerkleRoot:  ComputeMerkleRoot(txs),
			Timestamp:   timestamp,
			Validator:   validator,
			PegPrice:    pegPrice,
			TotalSupply: supply,
		},
		Height:       height,
		Transactions: txs,
	}
	b.Hash = b.CalcHash()
	return b
}

// headerBytes encodes the header deterministically. The validator signature
// is excluded: it signs these bytes.
func (b *Block) headerBytes() []byte {
	buf := make([]byte, 0, 160)
	tmp := make([]byte, 8)

	binary.BigEndian.PutUint32(tmp, b.Header.Version)
	buf = append(buf, tmp[:4]...)

	binary.BigEndian.PutUint64(tmp, b.Height)
	buf = append(buf, tmp...)

	buf = append(buf, b.Header.PrevHash...)
	buf = append(buf, b.Header.MerkleRoot...)

	binary.BigEndian.PutUint64(tmp, uint64(b.Header.Timestamp))
	buf = append(buf, tmp...)

	binary.BigEndian.PutUint32(tmp, b.Header.Difficulty)
	buf = append(buf, tmp[:4]...)

	binary.BigEndian.PutUint64(tmp, b.Header.Nonce)
	buf = append(buf, tmp...)

	buf = append(buf, []byte(b.Header.Validator)...)

	binary.BigEndian.PutUint64(tmp, math.Float64bits(b.Header.PegPrice))
	buf = append(buf, tmp...)

	binary.BigEndian.PutUint64(tmp, uint64(b.Header.TotalSupply))
	buf = append(buf, tmp...)

	return buf
}

func (b *Block) CalcHash() []byte {
	h := sha256.Sum256(b.headerBytes())
	return h[:]
}

func (b *Block) HashHex() string {
	return hex.EncodeToString(b.Hash)
}

// SignHeader signs the header bytes with the proposer's key and records
// the compressed pubkey so peers can verify without a key registry.
func (b *Block) SignHeader(priv *btcec.PrivateKey) {
	b.Header.ValidatorPubKey = hex.EncodeToString(priv.PubKey().SerializeCompressed())
	digest := sha256.Sum256(b.headerBytes())
	sig := ecdsa.Sign(priv, digest[:])
	b.Header.ValidatorSig = hex.EncodeToString(sig.Serialize())
}

// VerifyHeaderSig checks that the signature is valid and that the signing
// key actually hashes to the claimed validator address.
func (b *Block) VerifyHeaderSig() bool {
	sigBytes, err := hex.DecodeString(b.Header.ValidatorSig)
	if err != nil {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return false
	}
	pubBytes, err := hex.DecodeString(b.Header.ValidatorPubKey)
	if err != nil {
		return false
	}
	pub, err := btcec.ParsePubKey(pubBytes)
	if err != nil {
		return false
	}
	if PubKeyToAddress(pubBytes) != b.Header.Validator {
		return false
	}
	digest := sha256.Sum256(b.headerBytes())
	return sig.Verify(digest[:], pub)
}

// ComputeMerkleRoot builds a double-SHA256 pair tree over the tx IDs,
// duplicating the last node on odd layers.
func ComputeMerkleRoot(txs []Transaction) []byte {
	if len(txs) == 0 {
		empty := sha256.Sum256([]byte{})
		return empty[:]
	}

	var layer [][]byte
	for _, tx := range txs {
		h, _ := hex.DecodeString(tx.ID)
		layer = append(layer, h)
	}

	for len(layer) > 1 {
		var next [][]byte
		for i := 0; i < len(layer); i += 2 {
			if i+1 == len(layer) {
				next = append(next, hashPair(layer[i], layer[i]))
			} else {
				next = append(next, hashPair(layer[i], layer[i+1]))
			}
		}
		layer = next
	}
	return layer[0]
}

func hashPair(a, b []byte) []byte {
	h1 := sha256.Sum256(append(append([]byte(nil), a...), b...))
	h2 := sha256.Sum256(h1[:])
	return h2[:]
}

// MerkleMatches reports whether the header commits to exactly these txs.
func (b *Block) MerkleMatches() bool {
	return bytes.Equal(b.Header.MerkleRoot, ComputeMerkleRoot(b.Transactions))
}
