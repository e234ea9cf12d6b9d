package x402

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// headerDelimiter joins the seven header segments. Resource values are
// URLs and contain colons, so a pipe is used instead of the more common
// colon-joined form.
const headerDelimiter = "|"

const headerSegments = 7

// ErrUnsupportedScheme is returned for an unknown header version or
// payment scheme.
var ErrUnsupportedScheme = errors.New("x402: unsupported scheme")

// MalformedPayloadError reports a header that cannot be parsed. Parsing
// is all-or-nothing; no partially populated header is ever returned.
type MalformedPayloadError struct {
	Reason string
}

func (e *MalformedPayloadError) Error() string {
	return "x402: malformed payment header: " + e.Reason
}

// PaymentHeader is the wire artifact attached to a paid request.
// Signature signs the header as a whole; the payload carries its own
// inner authorization signature.
type PaymentHeader struct {
	Version   string
	Scheme    string
	Network   string
	Payload   AuthorizationPayload
	Resource  string
	Amount    *big.Int
	Signature []byte
}

// AuthorizationPayload is the scheme-specific signed blob inside the
// header: the EIP-3009 fields plus the inner signature, transported as
// base64(JSON).
type AuthorizationPayload struct {
	From        common.Address `json:"from"`
	To          common.Address `json:"to"`
	Value       string         `json:"value"`
	ValidAfter  string         `json:"validAfter"`
	ValidBefore string         `json:"validBefore"`
	Nonce       string         `json:"nonce"`
	Signature   string         `json:"signature"`
}

// Authorization converts the transported payload back into the typed
// EIP-3009 authorization.
func (p AuthorizationPayload) Authorization() (Authorization, []byte, error) {
	value, ok := new(big.Int).SetString(p.Value, 10)
	if !ok {
		return Authorization{}, nil, &MalformedPayloadError{Reason: "invalid value"}
	}
	validAfter, ok := new(big.Int).SetString(p.ValidAfter, 10)
	if !ok {
		return Authorization{}, nil, &MalformedPayloadError{Reason: "invalid validAfter"}
	}
	validBefore, ok := new(big.Int).SetString(p.ValidBefore, 10)
	if !ok {
		return Authorization{}, nil, &MalformedPayloadError{Reason: "invalid validBefore"}
	}
	nonceBytes, err := hex.DecodeString(strings.TrimPrefix(p.Nonce, "0x"))
	if err != nil || len(nonceBytes) != 32 {
		return Authorization{}, nil, &MalformedPayloadError{Reason: "invalid nonce"}
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(p.Signature, "0x"))
	if err != nil || len(sig) != 65 {
		return Authorization{}, nil, &MalformedPayloadError{Reason: "invalid inner signature"}
	}

	var nonce [32]byte
	copy(nonce[:], nonceBytes)
	return Authorization{
		From:        p.From,
		To:          p.To,
		Value:       value,
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
		Nonce:       nonce,
	}, sig, nil
}

// Encode renders the header into its single-value wire form:
// version|scheme|network|base64(payload)|resource|amount|signature.
// Free-form segments may not contain the delimiter; such a header could
// never round-trip through ParsePaymentHeader.
func (h *PaymentHeader) Encode() (string, error) {
	if strings.Contains(h.Resource, headerDelimiter) {
		return "", &MalformedPayloadError{Reason: "resource contains the segment delimiter"}
	}
	if strings.Contains(h.Network, headerDelimiter) {
		return "", &MalformedPayloadError{Reason: "network contains the segment delimiter"}
	}
	payloadJSON, err := json.Marshal(h.Payload)
	if err != nil {
		return "", fmt.Errorf("x402: encode payload: %w", err)
	}
	segments := []string{
		h.Version,
		h.Scheme,
		h.Network,
		base64.StdEncoding.EncodeToString(payloadJSON),
		h.Resource,
		h.Amount.String(),
		hex.EncodeToString(h.Signature),
	}
	return strings.Join(segments, headerDelimiter), nil
}

// SigningDigest is the keccak hash of everything in the header except
// the outer signature itself.
func (h *PaymentHeader) SigningDigest() ([32]byte, error) {
	payloadJSON, err := json.Marshal(h.Payload)
	if err != nil {
		return [32]byte{}, fmt.Errorf("x402: encode payload: %w", err)
	}
	preimage := strings.Join([]string{
		h.Version,
		h.Scheme,
		h.Network,
		base64.StdEncoding.EncodeToString(payloadJSON),
		h.Resource,
		h.Amount.String(),
	}, headerDelimiter)
	return keccak256Fixed([]byte(preimage)), nil
}

// ParsePaymentHeader is the strict inverse of Encode. Every field is
// required; there is no defaulting.
func ParsePaymentHeader(raw string) (*PaymentHeader, error) {
	segments := strings.Split(raw, headerDelimiter)
	if len(segments) != headerSegments {
		return nil, &MalformedPayloadError{Reason: fmt.Sprintf("expected %d segments, got %d", headerSegments, len(segments))}
	}
	for i, s := range segments {
		if s == "" {
			return nil, &MalformedPayloadError{Reason: fmt.Sprintf("empty segment %d", i)}
		}
	}

	version, scheme, network := segments[0], segments[1], segments[2]
	if version != HeaderVersion {
		return nil, fmt.Errorf("%w: version %q", ErrUnsupportedScheme, version)
	}
	if scheme != SchemeExact {
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedScheme, scheme)
	}

	payloadJSON, err := base64.StdEncoding.DecodeString(segments[3])
	if err != nil {
		return nil, &MalformedPayloadError{Reason: "payload is not valid base64"}
	}
	var payload AuthorizationPayload
	dec := json.NewDecoder(strings.NewReader(string(payloadJSON)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		return nil, &MalformedPayloadError{Reason: "payload is not a valid authorization"}
	}
	// Reject payloads that decode but carry no authorization.
	if payload.Value == "" || payload.Signature == "" || payload.Nonce == "" {
		return nil, &MalformedPayloadError{Reason: "payload missing required fields"}
	}
	if _, _, err := payload.Authorization(); err != nil {
		return nil, err
	}

	amount, ok := new(big.Int).SetString(segments[5], 10)
	if !ok || amount.Sign() < 0 {
		return nil, &MalformedPayloadError{Reason: "invalid amount"}
	}
	sig, err := hex.DecodeString(segments[6])
	if err != nil || len(sig) != 65 {
		return nil, &MalformedPayloadError{Reason: "invalid outer signature"}
	}

	return &PaymentHeader{
		Version:   version,
		Scheme:    scheme,
		Network:   network,
		Payload:   payload,
		Resource:  segments[4],
		Amount:    amount,
		Signature: sig,
	}, nil
}
