package x402

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/sigloop/agentpay/internal/agentkey"
	"github.com/sigloop/agentpay/internal/budget"
)

// ErrSessionKeyExpired is returned when the signing key is past its
// expiry. It is checked before anything is signed or reserved against
// the budget.
var ErrSessionKeyExpired = errors.New("x402: session key expired")

// ErrPolicyViolation is returned when the requirement itself is
// unacceptable (unsupported scheme, unparseable amount).
var ErrPolicyViolation = errors.New("x402: policy violation")

// validityWindowSlack backdates validAfter slightly so clock skew between
// payer and payee does not reject a fresh authorization.
const validityWindowSlack int64 = 60

// Builder assembles signed payment headers for one chain. Rand defaults
// to crypto/rand and exists so tests can pin nonces.
type Builder struct {
	ChainID *big.Int
	Rand    io.Reader
}

// NewBuilder returns a Builder for the given chain.
func NewBuilder(chainID *big.Int) *Builder {
	return &Builder{ChainID: chainID}
}

// BuildPaymentHeader authorizes a spend against the requirement and, if
// policy, budget, and key checks all pass, produces the signed header.
//
// Order matters: the requirement is vetted first, then the session key
// (before any signing), then the budget reservation. A signing failure
// after the reservation rolls the reservation back, so no partially
// signed artifact ever escapes and no budget is leaked to a failed
// request.
func (b *Builder) BuildPaymentHeader(
	req *PaymentRequirement,
	tracker *budget.Tracker,
	key *agentkey.SessionKey,
	now int64,
) (*PaymentHeader, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil requirement", ErrPolicyViolation)
	}
	if req.Scheme != SchemeExact {
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedScheme, req.Scheme)
	}
	amount, ok := new(big.Int).SetString(req.MaxAmountRequired, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: invalid amount %q", ErrPolicyViolation, req.MaxAmountRequired)
	}
	// A resource carrying the wire delimiter could never be encoded into a
	// parseable header; reject before anything is reserved.
	if strings.Contains(req.Resource, headerDelimiter) {
		return nil, fmt.Errorf("%w: resource %q contains reserved character", ErrPolicyViolation, req.Resource)
	}
	if key.IsExpired(now) {
		return nil, ErrSessionKeyExpired
	}

	domain, err := resourceDomain(req.Resource)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPolicyViolation, err)
	}

	if err := tracker.CheckAndReserve(amount, domain, req.Resource, now); err != nil {
		return nil, err
	}

	header, err := b.signHeader(req, amount, key, now)
	if err != nil {
		// The spend was reserved but nothing was signed; release it.
		if rbErr := tracker.RollbackLastRecord(); rbErr != nil {
			return nil, errors.Join(err, rbErr)
		}
		return nil, err
	}
	return header, nil
}

// resourceDomain extracts the origin host the budget allowlist is keyed
// by. Bare hosts ("api.example.com/v1/data") are accepted as well as
// full URLs.
func resourceDomain(resource string) (string, error) {
	u, err := url.Parse(resource)
	if err != nil {
		return "", fmt.Errorf("invalid resource %q", resource)
	}
	host := u.Hostname()
	if host == "" {
		// No scheme: the first path segment is the host.
		if i := strings.IndexByte(resource, '/'); i > 0 {
			host = resource[:i]
		} else {
			host = resource
		}
	}
	if host == "" {
		return "", fmt.Errorf("resource %q has no host", resource)
	}
	return host, nil
}

func (b *Builder) signHeader(
	req *PaymentRequirement,
	amount *big.Int,
	key *agentkey.SessionKey,
	now int64,
) (*PaymentHeader, error) {
	nonce, err := GenerateNonce(b.Rand)
	if err != nil {
		return nil, err
	}

	timeout := req.MaxTimeoutSeconds
	if timeout <= 0 {
		timeout = 300
	}
	auth := Authorization{
		From:        key.Address,
		To:          req.PayTo,
		Value:       amount,
		ValidAfter:  big.NewInt(now - validityWindowSlack),
		ValidBefore: big.NewInt(now + timeout),
		Nonce:       nonce,
	}

	asset := req.Asset
	if asset == (common.Address{}) {
		usdc, ok := USDCAddress(b.ChainID.Int64())
		if !ok {
			// Signing with a zero verifying contract would produce an
			// authorization no token can redeem.
			return nil, fmt.Errorf("%w: no settlement asset for chain %s", ErrPolicyViolation, b.ChainID)
		}
		asset = usdc
	}

	digest := AuthorizationDigest(auth, asset, b.ChainID)
	innerSig, err := key.SignDigest(digest, now)
	if err != nil {
		if errors.Is(err, agentkey.ErrExpired) {
			return nil, ErrSessionKeyExpired
		}
		return nil, err
	}

	header := &PaymentHeader{
		Version: HeaderVersion,
		Scheme:  req.Scheme,
		Network: req.Network,
		Payload: AuthorizationPayload{
			From:        auth.From,
			To:          auth.To,
			Value:       auth.Value.String(),
			ValidAfter:  auth.ValidAfter.String(),
			ValidBefore: auth.ValidBefore.String(),
			Nonce:       "0x" + hex.EncodeToString(nonce[:]),
			Signature:   "0x" + hex.EncodeToString(innerSig),
		},
		Resource: req.Resource,
		Amount:   amount,
	}

	outerDigest, err := header.SigningDigest()
	if err != nil {
		return nil, err
	}
	outerSig, err := key.SignDigest(outerDigest, now)
	if err != nil {
		return nil, err
	}
	header.Signature = outerSig
	return header, nil
}
