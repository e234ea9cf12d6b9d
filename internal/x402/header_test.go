package x402

import (
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func testPayload() AuthorizationPayload {
	return AuthorizationPayload{
		From:        common.HexToAddress("0x1111111111111111111111111111111111111111"),
		To:          common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Value:       "1000000",
		ValidAfter:  "1699999940",
		ValidBefore: "1700000300",
		Nonce:       "0x" + strings.Repeat("ab", 32),
		Signature:   "0x" + strings.Repeat("cd", 65),
	}
}

func testHeader() *PaymentHeader {
	sig := make([]byte, 65)
	for i := range sig {
		sig[i] = 0x11
	}
	return &PaymentHeader{
		Version:   HeaderVersion,
		Scheme:    SchemeExact,
		Network:   "base",
		Payload:   testPayload(),
		Resource:  "https://api.example.com/v1/report",
		Amount:    big.NewInt(1_000_000),
		Signature: sig,
	}
}

func mustEncode(t *testing.T, h *PaymentHeader) string {
	t.Helper()
	raw, err := h.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return raw
}

// ── Encode / Parse round trip ────────────────────────────────────────────────

func TestPaymentHeader_RoundTrip(t *testing.T) {
	h := testHeader()
	raw := mustEncode(t, h)

	got, err := ParsePaymentHeader(raw)
	if err != nil {
		t.Fatalf("ParsePaymentHeader: %v", err)
	}
	if got.Version != h.Version || got.Scheme != h.Scheme || got.Network != h.Network {
		t.Errorf("envelope mismatch: %+v", got)
	}
	if got.Resource != h.Resource {
		t.Errorf("resource: got %q want %q", got.Resource, h.Resource)
	}
	if got.Amount.Cmp(h.Amount) != 0 {
		t.Errorf("amount: got %s want %s", got.Amount, h.Amount)
	}
	if got.Payload != h.Payload {
		t.Errorf("payload mismatch:\n got %+v\nwant %+v", got.Payload, h.Payload)
	}
	if hex.EncodeToString(got.Signature) != hex.EncodeToString(h.Signature) {
		t.Error("outer signature mismatch")
	}
}

// Resource URLs carry colons and slashes; the delimiter must survive them.
func TestPaymentHeader_ResourceWithColons(t *testing.T) {
	h := testHeader()
	h.Resource = "https://api.example.com:8443/v1/report?id=42"
	raw := mustEncode(t, h)

	got, err := ParsePaymentHeader(raw)
	if err != nil {
		t.Fatalf("ParsePaymentHeader: %v", err)
	}
	if got.Resource != h.Resource {
		t.Errorf("resource: got %q want %q", got.Resource, h.Resource)
	}
}

// A resource embedding the delimiter can never round-trip; Encode must
// refuse it rather than emit a header the parser rejects.
func TestPaymentHeader_Encode_RejectsDelimiterInSegments(t *testing.T) {
	var malformed *MalformedPayloadError

	h := testHeader()
	h.Resource = "https://api.example.com/v1/report?q=a|b"
	if _, err := h.Encode(); !errors.As(err, &malformed) {
		t.Errorf("resource with delimiter: got %v, want MalformedPayloadError", err)
	}

	h = testHeader()
	h.Network = "base|mainnet"
	if _, err := h.Encode(); !errors.As(err, &malformed) {
		t.Errorf("network with delimiter: got %v, want MalformedPayloadError", err)
	}
}

func TestSigningDigest_ExcludesOuterSignature(t *testing.T) {
	h := testHeader()
	d1, err := h.SigningDigest()
	if err != nil {
		t.Fatal(err)
	}

	h.Signature[0] ^= 0xff
	d2, err := h.SigningDigest()
	if err != nil {
		t.Fatal(err)
	}
	if d1 != d2 {
		t.Error("digest depends on the outer signature")
	}

	h.Amount = big.NewInt(2)
	d3, err := h.SigningDigest()
	if err != nil {
		t.Fatal(err)
	}
	if d3 == d1 {
		t.Error("digest does not cover the amount")
	}
}

// ── Rejection paths ──────────────────────────────────────────────────────────

func TestParsePaymentHeader_MissingSegment(t *testing.T) {
	raw := mustEncode(t, testHeader())
	segments := strings.Split(raw, headerDelimiter)

	// Drop the payload segment entirely.
	truncated := strings.Join(append(segments[:3:3], segments[4:]...), headerDelimiter)
	got, err := ParsePaymentHeader(truncated)
	var malformed *MalformedPayloadError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedPayloadError, got %v", err)
	}
	if got != nil {
		t.Fatal("partial header returned alongside an error")
	}
}

func TestParsePaymentHeader_EmptySegment(t *testing.T) {
	raw := mustEncode(t, testHeader())
	segments := strings.Split(raw, headerDelimiter)
	segments[3] = ""
	var malformed *MalformedPayloadError
	if _, err := ParsePaymentHeader(strings.Join(segments, headerDelimiter)); !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedPayloadError, got %v", err)
	}
}

func TestParsePaymentHeader_UnsupportedVersionAndScheme(t *testing.T) {
	raw := mustEncode(t, testHeader())
	segments := strings.Split(raw, headerDelimiter)

	segments[0] = "9"
	if _, err := ParsePaymentHeader(strings.Join(segments, headerDelimiter)); !errors.Is(err, ErrUnsupportedScheme) {
		t.Errorf("version 9: got %v, want ErrUnsupportedScheme", err)
	}

	segments[0] = HeaderVersion
	segments[1] = "streaming"
	if _, err := ParsePaymentHeader(strings.Join(segments, headerDelimiter)); !errors.Is(err, ErrUnsupportedScheme) {
		t.Errorf("scheme streaming: got %v, want ErrUnsupportedScheme", err)
	}
}

func TestParsePaymentHeader_BadPayload(t *testing.T) {
	base := mustEncode(t, testHeader())
	var malformed *MalformedPayloadError

	cases := map[string]string{
		"not base64":      "%%%%",
		"not json":        "bm90IGpzb24=", // "not json"
		"empty json":      "e30=",         // "{}"
		"unknown fields":  "eyJleHRyYSI6MX0=",
	}
	for name, payload := range cases {
		segments := strings.Split(base, headerDelimiter)
		segments[3] = payload
		if _, err := ParsePaymentHeader(strings.Join(segments, headerDelimiter)); !errors.As(err, &malformed) {
			t.Errorf("%s: got %v, want MalformedPayloadError", name, err)
		}
	}
}

func TestParsePaymentHeader_BadAmountAndSignature(t *testing.T) {
	base := mustEncode(t, testHeader())
	var malformed *MalformedPayloadError

	segments := strings.Split(base, headerDelimiter)
	segments[5] = "12.5"
	if _, err := ParsePaymentHeader(strings.Join(segments, headerDelimiter)); !errors.As(err, &malformed) {
		t.Error("fractional amount accepted")
	}

	segments = strings.Split(base, headerDelimiter)
	segments[5] = "-5"
	if _, err := ParsePaymentHeader(strings.Join(segments, headerDelimiter)); !errors.As(err, &malformed) {
		t.Error("negative amount accepted")
	}

	segments = strings.Split(base, headerDelimiter)
	segments[6] = strings.Repeat("aa", 64)
	if _, err := ParsePaymentHeader(strings.Join(segments, headerDelimiter)); !errors.As(err, &malformed) {
		t.Error("64-byte outer signature accepted")
	}
}

func TestParsePaymentHeader_BadInnerFields(t *testing.T) {
	var malformed *MalformedPayloadError

	mutations := map[string]func(*AuthorizationPayload){
		"bad value":        func(p *AuthorizationPayload) { p.Value = "lots" },
		"bad validBefore":  func(p *AuthorizationPayload) { p.ValidBefore = "" },
		"short nonce":      func(p *AuthorizationPayload) { p.Nonce = "0xabcd" },
		"short inner sig":  func(p *AuthorizationPayload) { p.Signature = "0x" + strings.Repeat("cd", 64) },
	}
	for name, mutate := range mutations {
		h := testHeader()
		mutate(&h.Payload)
		raw := mustEncode(t, h)
		if _, err := ParsePaymentHeader(raw); !errors.As(err, &malformed) {
			t.Errorf("%s: got %v, want MalformedPayloadError", name, err)
		}
	}
}

// ── Payload → Authorization ──────────────────────────────────────────────────

func TestAuthorizationPayload_Authorization(t *testing.T) {
	p := testPayload()
	auth, innerSig, err := p.Authorization()
	if err != nil {
		t.Fatalf("Authorization: %v", err)
	}
	if auth.From != p.From || auth.To != p.To {
		t.Error("address mismatch")
	}
	if auth.Value.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Errorf("value: got %s", auth.Value)
	}
	if len(innerSig) != 65 {
		t.Errorf("inner signature length: got %d", len(innerSig))
	}
	for _, b := range auth.Nonce {
		if b != 0xab {
			t.Fatal("nonce bytes not preserved")
		}
	}
}
