package wallet

import (
	"crypto/sha256"
	"encoding/hex"
	"os"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/pkg/errors"

	"sparkcoin/blockchain"
)

// Wallet is a secp256k1 key pair plus the derived address.
type Wallet struct {
	PrivateKey *btcec.PrivateKey
	PublicKey  []byte // compressed
	Address    string
}

func NewWallet() (*Wallet, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return fromKey(priv), nil
}

func fromKey(priv *btcec.PrivateKey) *Wallet {
	pub := priv.PubKey().SerializeCompressed()
	return &Wallet{
		PrivateKey: priv,
		PublicKey:  pub,
		Address:    blockchain.PubKeyToAddress(pub),
	}
}

// Sign produces a DER signature over sha256(data).
func (w *Wallet) Sign(data []byte) []byte {
	hash := sha256.Sum256(data)
	sig := ecdsa.Sign(w.PrivateKey, hash[:])
	return sig.Serialize()
}

// VerifySignature checks a DER signature over sha256(data).
func VerifySignature(pubKeyBytes, sigBytes, data []byte) bool {
	hash := sha256.Sum256(data)

	sig, err := ecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return false
	}
	pub, err := btcec.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false
	}
	return sig.Verify(hash[:], pub)
}

// Save writes the private key hex to path with owner-only permissions.
func (w *Wallet) Save(path string) error {
	keyHex := hex.EncodeToString(w.PrivateKey.Serialize())
	if err := os.WriteFile(path, []byte(keyHex), 0600); err != nil {
		return errors.Wrap(err, "save wallet")
	}
	return nil
}

func Load(path string) (*Wallet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "load wallet")
	}
	keyBytes, err := hex.DecodeString(string(raw))
	if err != nil {
		return nil, errors.Wrap(err, "decode wallet key")
	}
	priv, _ := btcec.PrivKeyFromBytes(keyBytes)
	return fromKey(priv), nil
}

// LoadOrCreate restores the wallet at path, creating one on first run.
func LoadOrCreate(path string) (*Wallet, error) {
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}
	w, err := NewWallet()
	if err != nil {
		return nil, err
	}
	if err := w.Save(path); err != nil {
		return nil, err
	}
	return w, nil
}
