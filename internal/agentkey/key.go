// Package agentkey manages the ephemeral signing keys agents act under.
// A session key is generated on demand, lives until its expiry, and is
// never renewed in place; callers generate a replacement instead.
package agentkey

import (
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrInvalidKeyMaterial is returned when private key bytes have the wrong
// length or fall outside the secp256k1 curve order.
var ErrInvalidKeyMaterial = errors.New("agentkey: invalid key material")

// ErrExpired is returned when a signing operation is attempted with a key
// past its expiry.
var ErrExpired = errors.New("agentkey: session key expired")

// serializedLen is the fixed length of a serialized key:
// 32B private scalar, 8B createdAt, 8B expiresAt.
const serializedLen = 32 + 8 + 8

// SessionKey is an ephemeral secp256k1 credential bound to one agent.
// The private material never leaves the struct except through Serialize.
type SessionKey struct {
	priv      *ecdsa.PrivateKey
	Address   common.Address
	CreatedAt int64
	ExpiresAt int64
}

// Generate creates a new session key expiring ttl after now.
func Generate(now int64, ttl time.Duration) (*SessionKey, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("agentkey: generate: %w", err)
	}
	return &SessionKey{
		priv:      priv,
		Address:   crypto.PubkeyToAddress(priv.PublicKey),
		CreatedAt: now,
		ExpiresAt: now + int64(ttl/time.Second),
	}, nil
}

// FromPrivateMaterial reconstructs a session key from raw private key
// bytes. The reconstruction is deterministic: the same bytes always yield
// the same address.
func FromPrivateMaterial(material []byte, now int64, ttl time.Duration) (*SessionKey, error) {
	if len(material) != 32 {
		return nil, ErrInvalidKeyMaterial
	}
	priv, err := crypto.ToECDSA(material)
	if err != nil {
		return nil, ErrInvalidKeyMaterial
	}
	return &SessionKey{
		priv:      priv,
		Address:   crypto.PubkeyToAddress(priv.PublicKey),
		CreatedAt: now,
		ExpiresAt: now + int64(ttl/time.Second),
	}, nil
}

// Serialize produces a transportable hex snapshot of the key, including
// the full 64-bit expiry. The caller is responsible for storing it
// securely; the clear private material is inside.
func (k *SessionKey) Serialize() string {
	buf := make([]byte, 0, serializedLen)
	buf = append(buf, crypto.FromECDSA(k.priv)...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(k.CreatedAt))
	buf = binary.BigEndian.AppendUint64(buf, uint64(k.ExpiresAt))
	return hex.EncodeToString(buf)
}

// Deserialize is the exact inverse of Serialize.
func Deserialize(s string) (*SessionKey, error) {
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidKeyMaterial
	}
	if len(data) != serializedLen {
		return nil, ErrInvalidKeyMaterial
	}
	priv, err := crypto.ToECDSA(data[:32])
	if err != nil {
		return nil, ErrInvalidKeyMaterial
	}
	return &SessionKey{
		priv:      priv,
		Address:   crypto.PubkeyToAddress(priv.PublicKey),
		CreatedAt: int64(binary.BigEndian.Uint64(data[32:40])),
		ExpiresAt: int64(binary.BigEndian.Uint64(data[40:48])),
	}, nil
}

// IsExpired reports whether the key is past its expiry at now.
func (k *SessionKey) IsExpired(now int64) bool {
	return now >= k.ExpiresAt
}

// IsActive is the complement of IsExpired for the same now.
func (k *SessionKey) IsActive(now int64) bool {
	return !k.IsExpired(now)
}

// RemainingTime returns the time until expiry, clamped to zero once the
// key has expired.
func (k *SessionKey) RemainingTime(now int64) time.Duration {
	if k.IsExpired(now) {
		return 0
	}
	return time.Duration(k.ExpiresAt-now) * time.Second
}

// SignDigest signs a 32-byte digest with the session key, producing a
// 65-byte recoverable signature with V in {27, 28}. Signing with an
// expired key is refused; now must be the caller's clock read.
func (k *SessionKey) SignDigest(digest [32]byte, now int64) ([]byte, error) {
	if k.IsExpired(now) {
		return nil, ErrExpired
	}
	sig, err := crypto.Sign(digest[:], k.priv)
	if err != nil {
		return nil, fmt.Errorf("agentkey: sign: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// PublicKey exposes the public half for signature verification.
func (k *SessionKey) PublicKey() *ecdsa.PublicKey {
	return &k.priv.PublicKey
}
