// Package signer abstracts the signing backend used for payment
// authorizations. The payment core is agnostic to whether the key is a
// local ECDSA key, a session key, or a remote KMS; it only needs
// sign(digest) -> signature.
package signer

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer produces recoverable secp256k1 signatures over 32-byte digests.
// Implementations must return 65-byte R||S||V signatures with V in {27, 28}.
type Signer interface {
	SignDigest(digest [32]byte) ([]byte, error)
	Address() common.Address
}

// SigningError wraps a failure propagated verbatim from a backend. It is
// fatal for the request that triggered it; nothing in the core retries.
type SigningError struct {
	Err error
}

func (e *SigningError) Error() string { return fmt.Sprintf("signer: %v", e.Err) }
func (e *SigningError) Unwrap() error { return e.Err }

// Local signs with an in-process ECDSA key.
type Local struct {
	priv *ecdsa.PrivateKey
	addr common.Address
}

// NewLocal wraps a raw private key.
func NewLocal(priv *ecdsa.PrivateKey) *Local {
	return &Local{priv: priv, addr: crypto.PubkeyToAddress(priv.PublicKey)}
}

// NewLocalFromHex parses a hex private key (with or without 0x prefix).
func NewLocalFromHex(hexKey string) (*Local, error) {
	if len(hexKey) >= 2 && hexKey[0] == '0' && (hexKey[1] == 'x' || hexKey[1] == 'X') {
		hexKey = hexKey[2:]
	}
	priv, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	return NewLocal(priv), nil
}

func (l *Local) SignDigest(digest [32]byte) ([]byte, error) {
	sig, err := crypto.Sign(digest[:], l.priv)
	if err != nil {
		return nil, &SigningError{Err: err}
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

func (l *Local) Address() common.Address { return l.addr }
