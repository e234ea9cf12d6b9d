package policy

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// FormatVersion is the leading byte of every encoded policy. Decoders
// reject anything else, so the version carries forward-compatibility
// without a self-describing format.
const FormatVersion byte = 0x01

// DecodeError reports corrupt or unsupported wire data. It is fatal to
// that parse; decoders never coerce bad input into a partial value.
type DecodeError struct {
	Field  string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("policy decode: %s: %s", e.Field, e.Reason)
}

// Wire layout, AgentPolicy (all integers big-endian):
//
//	1B  version
//	2B  target count, then 20B per target
//	2B  selector count, then 4B per selector
//	32B maxAmountPerTx, 32B dailyLimit, 32B weeklyLimit
//	8B  createdAt, 8B expiresAt
//	1B  unrestricted flag
//
// Output length is a deterministic function of the collection sizes.

// EncodeAgentPolicy serializes a policy into the compact wire form.
func EncodeAgentPolicy(p AgentPolicy) []byte {
	size := 1 + 2 + 20*len(p.AllowedTargets) + 2 + 4*len(p.AllowedSelectors) + 3*32 + 2*8 + 1
	buf := make([]byte, 0, size)

	buf = append(buf, FormatVersion)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(p.AllowedTargets)))
	for _, t := range p.AllowedTargets {
		buf = append(buf, t.Bytes()...)
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(p.AllowedSelectors)))
	for _, s := range p.AllowedSelectors {
		buf = append(buf, s[:]...)
	}
	buf = appendU256(buf, p.MaxAmountPerTx)
	buf = appendU256(buf, p.DailyLimit)
	buf = appendU256(buf, p.WeeklyLimit)
	buf = binary.BigEndian.AppendUint64(buf, uint64(p.CreatedAt))
	buf = binary.BigEndian.AppendUint64(buf, uint64(p.ExpiresAt))
	if p.Unrestricted {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// DecodeAgentPolicy is the exact inverse of EncodeAgentPolicy.
func DecodeAgentPolicy(data []byte) (AgentPolicy, error) {
	r := reader{buf: data}

	ver, err := r.byte("version")
	if err != nil {
		return AgentPolicy{}, err
	}
	if ver != FormatVersion {
		return AgentPolicy{}, &DecodeError{Field: "version", Reason: fmt.Sprintf("unknown version 0x%02x", ver)}
	}

	nTargets, err := r.count("allowed_targets", 20)
	if err != nil {
		return AgentPolicy{}, err
	}
	targets := make([]common.Address, nTargets)
	for i := range targets {
		b, _ := r.take(20, "allowed_targets")
		targets[i] = common.BytesToAddress(b)
	}

	nSelectors, err := r.count("allowed_selectors", 4)
	if err != nil {
		return AgentPolicy{}, err
	}
	selectors := make([]Selector, nSelectors)
	for i := range selectors {
		b, _ := r.take(4, "allowed_selectors")
		copy(selectors[i][:], b)
	}

	maxPerTx, err := r.u256("max_amount_per_tx")
	if err != nil {
		return AgentPolicy{}, err
	}
	daily, err := r.u256("daily_limit")
	if err != nil {
		return AgentPolicy{}, err
	}
	weekly, err := r.u256("weekly_limit")
	if err != nil {
		return AgentPolicy{}, err
	}
	createdAt, err := r.u64("created_at")
	if err != nil {
		return AgentPolicy{}, err
	}
	expiresAt, err := r.u64("expires_at")
	if err != nil {
		return AgentPolicy{}, err
	}
	flag, err := r.byte("unrestricted")
	if err != nil {
		return AgentPolicy{}, err
	}
	if err := r.done(); err != nil {
		return AgentPolicy{}, err
	}

	return AgentPolicy{
		AllowedTargets:   targets,
		AllowedSelectors: selectors,
		MaxAmountPerTx:   maxPerTx,
		DailyLimit:       daily,
		WeeklyLimit:      weekly,
		CreatedAt:        int64(createdAt),
		ExpiresAt:        int64(expiresAt),
		Unrestricted:     flag != 0,
	}, nil
}

// Wire layout, X402Budget:
//
//	1B  version
//	32B maxPerRequest, 32B dailyBudget, 32B totalBudget
//	2B  domain count, then per domain: 2B byte length + UTF-8 bytes

// EncodeX402Budget serializes a payment budget into the compact wire form.
func EncodeX402Budget(b X402Budget) []byte {
	size := 1 + 3*32 + 2
	for _, d := range b.AllowedDomains {
		size += 2 + len(d)
	}
	buf := make([]byte, 0, size)

	buf = append(buf, FormatVersion)
	buf = appendU256(buf, b.MaxPerRequest)
	buf = appendU256(buf, b.DailyBudget)
	buf = appendU256(buf, b.TotalBudget)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(b.AllowedDomains)))
	for _, d := range b.AllowedDomains {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(d)))
		buf = append(buf, d...)
	}
	return buf
}

// DecodeX402Budget is the exact inverse of EncodeX402Budget.
func DecodeX402Budget(data []byte) (X402Budget, error) {
	r := reader{buf: data}

	ver, err := r.byte("version")
	if err != nil {
		return X402Budget{}, err
	}
	if ver != FormatVersion {
		return X402Budget{}, &DecodeError{Field: "version", Reason: fmt.Sprintf("unknown version 0x%02x", ver)}
	}

	maxPerReq, err := r.u256("max_per_request")
	if err != nil {
		return X402Budget{}, err
	}
	daily, err := r.u256("daily_budget")
	if err != nil {
		return X402Budget{}, err
	}
	total, err := r.u256("total_budget")
	if err != nil {
		return X402Budget{}, err
	}

	nDomains, err := r.u16("allowed_domains")
	if err != nil {
		return X402Budget{}, err
	}
	domains := make([]string, 0, nDomains)
	for i := 0; i < int(nDomains); i++ {
		dlen, err := r.u16("allowed_domains")
		if err != nil {
			return X402Budget{}, err
		}
		b, err := r.take(int(dlen), "allowed_domains")
		if err != nil {
			return X402Budget{}, err
		}
		domains = append(domains, string(b))
	}
	if err := r.done(); err != nil {
		return X402Budget{}, err
	}

	return X402Budget{
		MaxPerRequest:  maxPerReq,
		DailyBudget:    daily,
		TotalBudget:    total,
		AllowedDomains: domains,
	}, nil
}

// EncodeAgentPolicyHex is EncodeAgentPolicy with 0x-prefixed hex output,
// the form used for header transport and on-chain storage.
func EncodeAgentPolicyHex(p AgentPolicy) string {
	return "0x" + hex.EncodeToString(EncodeAgentPolicy(p))
}

// DecodeAgentPolicyHex decodes the 0x-prefixed hex wire form.
func DecodeAgentPolicyHex(s string) (AgentPolicy, error) {
	data, err := decodeHex(s)
	if err != nil {
		return AgentPolicy{}, err
	}
	return DecodeAgentPolicy(data)
}

// EncodeX402BudgetHex is EncodeX402Budget with 0x-prefixed hex output.
func EncodeX402BudgetHex(b X402Budget) string {
	return "0x" + hex.EncodeToString(EncodeX402Budget(b))
}

// DecodeX402BudgetHex decodes the 0x-prefixed hex wire form.
func DecodeX402BudgetHex(s string) (X402Budget, error) {
	data, err := decodeHex(s)
	if err != nil {
		return X402Budget{}, err
	}
	return DecodeX402Budget(data)
}

func decodeHex(s string) ([]byte, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, &DecodeError{Field: "hex", Reason: err.Error()}
	}
	return data, nil
}

func appendU256(buf []byte, v *big.Int) []byte {
	var word [32]byte
	if v != nil {
		v.FillBytes(word[:])
	}
	return append(buf, word[:]...)
}

// reader is a cursor over the wire buffer that turns short reads into
// DecodeErrors instead of panics.
type reader struct {
	buf []byte
	off int
}

func (r *reader) take(n int, field string) ([]byte, error) {
	if r.off+n > len(r.buf) {
		return nil, &DecodeError{Field: field, Reason: "truncated input"}
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) byte(field string) (byte, error) {
	b, err := r.take(1, field)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u16(field string) (uint16, error) {
	b, err := r.take(2, field)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) u64(field string) (uint64, error) {
	b, err := r.take(8, field)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *reader) u256(field string) (*big.Int, error) {
	b, err := r.take(32, field)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}

// count reads a u16 element count and checks the declared payload fits in
// the remaining buffer before any element is read.
func (r *reader) count(field string, elemSize int) (int, error) {
	n, err := r.u16(field)
	if err != nil {
		return 0, err
	}
	if r.off+int(n)*elemSize > len(r.buf) {
		return 0, &DecodeError{Field: field, Reason: "length prefix exceeds remaining buffer"}
	}
	return int(n), nil
}

func (r *reader) done() error {
	if r.off != len(r.buf) {
		return &DecodeError{Field: "trailer", Reason: fmt.Sprintf("%d trailing bytes", len(r.buf)-r.off)}
	}
	return nil
}
