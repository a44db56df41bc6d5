package network

import (
	"encoding/hex"
	"errors"

	"sparkcoin/blockchain"
)

// Wire DTOs: hashes travel as hex strings so payloads survive the JSON /
// mapstructure round trip without binary surprises.

type HeaderDTO struct {
	Version         uint32  `json:"version" mapstructure:"version"`
	Height          uint64  `json:"height" mapstructure:"height"`
	PrevHash        string  `json:"prev_hash" mapstructure:"prev_hash"`
	MerkleRoot      string  `json:"merkle_root" mapstructure:"merkle_root"`
	Timestamp       int64   `json:"timestamp" mapstructure:"timestamp"`
	Difficulty      uint32  `json:"difficulty" mapstructure:"difficulty"`
	Nonce           uint64  `json:"nonce" mapstructure:"nonce"`
	Validator       string  `json:"validator" mapstructure:"validator"`
	ValidatorPubKey string  `json:"validator_pub_key" mapstructure:"validator_pub_key"`
	ValidatorSig    string  `json:"validator_sig" mapstructure:"validator_sig"`
	PegPrice        float64 `json:"peg_price" mapstructure:"peg_price"`
	TotalSupply     int64   `json:"total_supply" mapstructure:"total_supply"`
	Hash            string  `json:"hash" mapstructure:"hash"`
}

type TxInputDTO struct {
	TxID   string `json:"tx_id" mapstructure:"tx_id"`
	Index  int    `json:"index" mapstructure:"index"`
	Sig    string `json:"sig" mapstructure:"sig"`
	PubKey string `json:"pub_key" mapstructure:"pub_key"`
}

type TxOutputDTO struct {
	To     string `json:"to" mapstructure:"to"`
	Amount int64  `json:"amount" mapstructure:"amount"`
}

type TxDTO struct {
	ID        string            `json:"id" mapstructure:"id"`
	Kind      uint8             `json:"kind" mapstructure:"kind"`
	Inputs    []TxInputDTO      `json:"inputs" mapstructure:"inputs"`
	Outputs   []TxOutputDTO     `json:"outputs" mapstructure:"outputs"`
	Timestamp int64             `json:"timestamp" mapstructure:"timestamp"`
	Fee       int64             `json:"fee" mapstructure:"fee"`
	Metadata  map[string]string `json:"metadata,omitempty" mapstructure:"metadata"`
}

type BlockDTO struct {
	Header HeaderDTO `json:"header" mapstructure:"header"`
	Txs    []TxDTO   `json:"txs" mapstructure:"txs"`
}

func TxToDTO(tx *blockchain.Transaction) TxDTO {
	dto := TxDTO{
		ID:        tx.ID,
		Kind:      uint8(tx.Kind),
		Timestamp: tx.Timestamp,
		Fee:       tx.Fee,
		Metadata:  tx.Metadata,
	}
	for _, in := range tx.Inputs {
		dto.Inputs = append(dto.Inputs, TxInputDTO(in))
	}
	for _, out := range tx.Outputs {
		dto.Outputs = append(dto.Outputs, TxOutputDTO(out))
	}
	return dto
}

func DTOToTx(dto *TxDTO) *blockchain.Transaction {
	tx := &blockchain.Transaction{
		ID:        dto.ID,
		Kind:      blockchain.TxKind(dto.Kind),
		Timestamp: dto.Timestamp,
		Fee:       dto.Fee,
		Metadata:  dto.Metadata,
	}
	for _, in := range dto.Inputs {
		tx.Inputs = append(tx.Inputs, blockchain.TxInput(in))
	}
	for _, out := range dto.Outputs {
		tx.Outputs = append(tx.Outputs, blockchain.TxOutput(out))
	}
	return tx
}

func BlockToDTO(b *blockchain.Block) BlockDTO {
	dto := BlockDTO{
		Header: HeaderDTO{
			Version:         b.Header.Version,
			Height:          b.Height,
			PrevHash:        hex.EncodeToString(b.Header.PrevHash),
			MerkleRoot:      hex.EncodeToString(b.Header.MerkleRoot),
			Timestamp:       b.Header.Timestamp,
			Difficulty:      b.Header.Difficulty,
			Nonce:           b.Header.Nonce,
			Validator:       b.Header.Validator,
			ValidatorPubKey: b.Header.ValidatorPubKey,
			ValidatorSig:    b.Header.ValidatorSig,
			PegPrice:        b.Header.PegPrice,
			TotalSupply:     b.Header.TotalSupply,
			Hash:            b.HashHex(),
		},
	}
	for i := range b.Transactions {
		dto.Txs = append(dto.Txs, TxToDTO(&b.Transactions[i]))
	}
	return dto
}

func DTOToBlock(dto *BlockDTO) (*blockchain.Block, error) {
	prev, err := hex.DecodeString(dto.Header.PrevHash)
	if err != nil {
		return nil, errors.New("bad prev hash hex")
	}
	merkle, err := hex.DecodeString(dto.Header.MerkleRoot)
	if err != nil {
		return nil, errors.New("bad merkle root hex")
	}
	hash, err := hex.DecodeString(dto.Header.Hash)
	if err != nil {
		return nil, errors.New("bad block hash hex")
	}

	b := &blockchain.Block{
		Header: blockchain.BlockHeader{
			Version:         dto.Header.Version,
			PrevHash:        prev,
			MerkleRoot:      merkle,
			Timestamp:       dto.Header.Timestamp,
			Difficulty:      dto.Header.Difficulty,
			Nonce:           dto.Header.Nonce,
			Validator:       dto.Header.Validator,
			ValidatorPubKey: dto.Header.ValidatorPubKey,
			ValidatorSig:    dto.Header.ValidatorSig,
			PegPrice:        dto.Header.PegPrice,
			TotalSupply:     dto.Header.TotalSupply,
		},
		Height: dto.Header.Height,
		Hash:   hash,
	}
	for i := range dto.Txs {
		b.Transactions = append(b.Transactions, *DTOToTx(&dto.Txs[i]))
	}
	return b, nil
}

// HeaderOnlyDTO strips a block down to its header for headers-first sync.
func HeaderOnlyDTO(b *blockchain.Block) HeaderDTO {
	full := BlockToDTO(b)
	return full.Header
}
