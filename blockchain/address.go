package blockchain

import (
	"crypto/sha256"

	"golang.org/x/crypto/ripemd160"

	"github.com/btcsuite/btcutil/base58"
)

const addressVersion = byte(0x3f) // 'S' prefix

// PubKeyToAddress derives the wallet address from a compressed public key:
// base58check(version || ripemd160(sha256(pubkey))).
func PubKeyToAddress(pubKey []byte) string {
	sha := sha256.Sum256(pubKey)

	rip := ripemd160.New()
	_, _ = rip.Write(sha[:])
	pubHash := rip.Sum(nil)

	payload := make([]byte, 0, 1+20+4)
	payload = append(payload, addressVersion)
	payload = append(payload, pubHash...)

	chk := sha256.Sum256(payload)
	chk2 := sha256.Sum256(chk[:])
	payload = append(payload, chk2[:4]...)

	return base58.Encode(payload)
}
