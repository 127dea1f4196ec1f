// Package wallet derives account addresses from private keys and signs login
// messages the way browser wallets do (EIP-191 personal_sign).
package wallet

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Wallet holds one decrypted private key. It lives only as long as the job
// using it.
type Wallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// FromHex parses a hex private key, with or without 0x.
func FromHex(hexKey string) (*Wallet, error) {
	hexKey = strings.TrimSpace(hexKey)
	if hexKey == "" {
		return nil, fmt.Errorf("private key missing")
	}
	pk, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &Wallet{key: pk, address: crypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// AddressFromKey returns the checksummed address of a hex private key.
func AddressFromKey(hexKey string) (string, error) {
	w, err := FromHex(hexKey)
	if err != nil {
		return "", err
	}
	return w.Address(), nil
}

// Address returns the checksummed address.
func (w *Wallet) Address() string {
	return w.address.Hex()
}

// SignMessage signs msg with the personal_sign prefix and returns the 65 byte
// signature as 0x hex with V in {27, 28}.
func (w *Wallet) SignMessage(msg []byte) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash(msg), w.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign message: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// RecoverAddress returns the address that produced a SignMessage signature.
func RecoverAddress(msg []byte, signature string) (string, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return "", fmt.Errorf("invalid signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return "", fmt.Errorf("invalid signature length %d", len(sig))
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(msg), sig)
	if err != nil {
		return "", fmt.Errorf("failed to recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

// ShortLabel abbreviates an address as 0x1234...abcd.
func ShortLabel(address string) string {
	if len(address) < 10 {
		return address
	}
	return address[:6] + "..." + address[len(address)-4:]
}

// SameAddress compares two hex addresses ignoring case.
func SameAddress(a, b string) bool {
	return common.IsHexAddress(a) && common.IsHexAddress(b) && common.HexToAddress(a) == common.HexToAddress(b)
}
