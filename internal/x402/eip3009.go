package x402

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/sigloop/agentpay/internal/signer"
)

var transferTypeHash = crypto.Keccak256([]byte(
	"TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)",
))

// Authorization is an EIP-3009 TransferWithAuthorization: a signed,
// time-bounded transfer the payee can redeem without the payer submitting
// a transaction.
type Authorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
}

// AuthorizationDigest computes the EIP-712 typed-data digest of the
// authorization. The asset contract and chain id are part of the domain,
// so a signature cannot be replayed across tokens or networks.
func AuthorizationDigest(a Authorization, asset common.Address, chainID *big.Int) [32]byte {
	structHash := crypto.Keccak256(
		transferTypeHash,
		common.LeftPadBytes(a.From.Bytes(), 32),
		common.LeftPadBytes(a.To.Bytes(), 32),
		math.U256Bytes(a.Value),
		math.U256Bytes(a.ValidAfter),
		math.U256Bytes(a.ValidBefore),
		a.Nonce[:],
	)

	sep := domainSeparator(asset, chainID)

	msg := make([]byte, 0, 66)
	msg = append(msg, 0x19, 0x01)
	msg = append(msg, sep...)
	msg = append(msg, structHash...)

	var digest [32]byte
	copy(digest[:], crypto.Keccak256(msg))
	return digest
}

// domainSeparator computes the EIP-712 domain separator for the USDC
// contract ("USD Coin", version "2").
func domainSeparator(asset common.Address, chainID *big.Int) []byte {
	domainTypeHash := crypto.Keccak256([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
	))
	nameHash := crypto.Keccak256([]byte("USD Coin"))
	versionHash := crypto.Keccak256([]byte("2"))

	return crypto.Keccak256(
		domainTypeHash,
		nameHash,
		versionHash,
		math.U256Bytes(chainID),
		common.LeftPadBytes(asset.Bytes(), 32),
	)
}

// SignAuthorization signs the authorization digest with the given backend.
func SignAuthorization(s signer.Signer, a Authorization, asset common.Address, chainID *big.Int) ([]byte, error) {
	digest := AuthorizationDigest(a, asset, chainID)
	sig, err := s.SignDigest(digest)
	if err != nil {
		return nil, err
	}
	if len(sig) != 65 {
		return nil, &signer.SigningError{Err: fmt.Errorf("backend returned %d-byte signature", len(sig))}
	}
	return sig, nil
}

// RecoverAuthorizationSigner recovers the address that signed an
// authorization. sig must be 65 bytes with V in {0,1} or {27,28}.
func RecoverAuthorizationSigner(a Authorization, sig []byte, asset common.Address, chainID *big.Int) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("x402: invalid signature length %d", len(sig))
	}
	digest := AuthorizationDigest(a, asset, chainID)

	sigCopy := make([]byte, 65)
	copy(sigCopy, sig)
	if sigCopy[64] >= 27 {
		sigCopy[64] -= 27
	}
	pub, err := crypto.SigToPub(digest[:], sigCopy)
	if err != nil {
		return common.Address{}, fmt.Errorf("x402: ecrecover: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func keccak256Fixed(data []byte) [32]byte {
	var out [32]byte
	copy(out[:], crypto.Keccak256(data))
	return out
}

// GenerateNonce draws 32 unpredictable bytes from src (crypto/rand when
// nil). Uniqueness tracking is the payee's replay defense; the header
// itself stays stateless.
func GenerateNonce(src io.Reader) ([32]byte, error) {
	if src == nil {
		src = rand.Reader
	}
	var nonce [32]byte
	if _, err := io.ReadFull(src, nonce[:]); err != nil {
		return nonce, fmt.Errorf("x402: generate nonce: %w", err)
	}
	return nonce, nil
}
