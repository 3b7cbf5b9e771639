package approval

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Token wire layout, all integers big-endian:
//
//	version(1) | token_id(16) | issued_at(8) | expires_at(8) |
//	tenant_len(2) | tenant | action_len(2) | action |
//	plan_hash(32) | approver_len(2) | approver | hmac(32)
//
// The HMAC-SHA256 covers every preceding byte. Encoded form is
// base64 URL-safe without padding.
const (
	tokenVersion   = 1
	tokenIDLen     = 16
	planHashLen    = 32
	tokenMACLen    = 32
	tokenFixedLen  = 1 + tokenIDLen + 8 + 8 + 2 + 2 + planHashLen + 2 + tokenMACLen
	maxFieldLen    = 1024
	DefaultTTL     = 10 * time.Minute
)

// Token validation errors. The validator maps these onto the error
// taxonomy; order of checks is fixed so failures report the first
// offending property.
var (
	ErrBadSignature = errors.New("approval: token signature mismatch")
	ErrExpired      = errors.New("approval: token expired")
	ErrAlreadyUsed  = errors.New("approval: token already consumed")
	ErrPlanDrift    = errors.New("approval: plan hash does not match approved plan")
	ErrWrongTenant  = errors.New("approval: token issued for a different tenant")
	ErrWrongAction  = errors.New("approval: token issued for a different action")
	ErrMalformed    = errors.New("approval: malformed token")
)

// Token is the decoded form.
type Token struct {
	ID        [tokenIDLen]byte
	IssuedAt  time.Time
	ExpiresAt time.Time
	TenantID  string
	ActionID  string
	PlanHash  [planHashLen]byte
	Approver  string
}

// IDString renders the token ID as hex for audit records.
func (t *Token) IDString() string {
	return fmt.Sprintf("%x", t.ID[:])
}

// Codec mints and verifies tokens with a single HMAC key.
type Codec struct {
	key   []byte
	ttl   time.Duration
	clock func() time.Time
}

// NewCodec requires a 32-byte key (the config layer derives one).
func NewCodec(key []byte, ttl time.Duration) (*Codec, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("approval: hmac key must be 32 bytes, got %d", len(key))
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Codec{key: key, ttl: ttl, clock: time.Now}, nil
}

// WithClock replaces the time source for tests.
func (c *Codec) WithClock(clock func() time.Time) *Codec {
	c.clock = clock
	return c
}

// Mint issues a token bound to (tenant, action, plan hash). The TTL is
// fixed at mint time; later TTL reconfiguration does not move the
// expiry of outstanding tokens.
func (c *Codec) Mint(tenantID, actionID, approver string, planHash [planHashLen]byte) (*Token, string, error) {
	if len(tenantID) == 0 || len(tenantID) > maxFieldLen {
		return nil, "", fmt.Errorf("approval: tenant id length %d out of range", len(tenantID))
	}
	if len(actionID) == 0 || len(actionID) > maxFieldLen {
		return nil, "", fmt.Errorf("approval: action id length %d out of range", len(actionID))
	}
	if len(approver) > maxFieldLen {
		return nil, "", fmt.Errorf("approval: approver length %d out of range", len(approver))
	}
	t := &Token{
		TenantID: tenantID,
		ActionID: actionID,
		PlanHash: planHash,
		Approver: approver,
	}
	if _, err := rand.Read(t.ID[:]); err != nil {
		return nil, "", fmt.Errorf("approval: token id: %w", err)
	}
	now := c.clock().UTC().Truncate(time.Second)
	t.IssuedAt = now
	t.ExpiresAt = now.Add(c.ttl)

	raw := c.encode(t)
	return t, base64.RawURLEncoding.EncodeToString(raw), nil
}

func (c *Codec) encode(t *Token) []byte {
	buf := make([]byte, 0, tokenFixedLen+len(t.TenantID)+len(t.ActionID)+len(t.Approver))
	buf = append(buf, tokenVersion)
	buf = append(buf, t.ID[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(t.IssuedAt.Unix()))
	buf = binary.BigEndian.AppendUint64(buf, uint64(t.ExpiresAt.Unix()))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(t.TenantID)))
	buf = append(buf, t.TenantID...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(t.ActionID)))
	buf = append(buf, t.ActionID...)
	buf = append(buf, t.PlanHash[:]...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(t.Approver)))
	buf = append(buf, t.Approver...)

	mac := hmac.New(sha256.New, c.key)
	mac.Write(buf)
	return mac.Sum(buf)
}

// Decode parses and signature-checks an encoded token. The signature is
// verified before any field is trusted; structural failures and bad
// signatures both surface as errors without leaking which byte broke.
func (c *Codec) Decode(encoded string) (*Token, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrMalformed
	}
	if len(raw) < tokenFixedLen {
		return nil, ErrMalformed
	}

	body, sig := raw[:len(raw)-tokenMACLen], raw[len(raw)-tokenMACLen:]
	mac := hmac.New(sha256.New, c.key)
	mac.Write(body)
	if subtle.ConstantTimeCompare(mac.Sum(nil), sig) != 1 {
		return nil, ErrBadSignature
	}

	t := &Token{}
	p := 0
	if body[p] != tokenVersion {
		return nil, ErrMalformed
	}
	p++
	copy(t.ID[:], body[p:p+tokenIDLen])
	p += tokenIDLen
	t.IssuedAt = time.Unix(int64(binary.BigEndian.Uint64(body[p:])), 0).UTC()
	p += 8
	t.ExpiresAt = time.Unix(int64(binary.BigEndian.Uint64(body[p:])), 0).UTC()
	p += 8

	readString := func() (string, bool) {
		if p+2 > len(body) {
			return "", false
		}
		n := int(binary.BigEndian.Uint16(body[p:]))
		p += 2
		if p+n > len(body) {
			return "", false
		}
		s := string(body[p : p+n])
		p += n
		return s, true
	}

	var ok bool
	if t.TenantID, ok = readString(); !ok {
		return nil, ErrMalformed
	}
	if t.ActionID, ok = readString(); !ok {
		return nil, ErrMalformed
	}
	if p+planHashLen > len(body) {
		return nil, ErrMalformed
	}
	copy(t.PlanHash[:], body[p:p+planHashLen])
	p += planHashLen
	if t.Approver, ok = readString(); !ok {
		return nil, ErrMalformed
	}
	if p != len(body) {
		return nil, ErrMalformed
	}
	return t, nil
}

// Verify runs the fixed validation order: signature (Decode), expiry,
// consumed state, tenant binding, plan hash, action binding. The token
// is consumed only after every check passes, so a failed redemption
// never burns the token.
func (c *Codec) Verify(encoded string, reg *Registry, tenantID, actionID string, planHash [planHashLen]byte) (*Token, error) {
	t, err := c.Decode(encoded)
	if err != nil {
		return nil, err
	}
	if c.clock().After(t.ExpiresAt) {
		return t, ErrExpired
	}
	if reg != nil && reg.IsConsumed(t.ID) {
		return t, ErrAlreadyUsed
	}
	if subtle.ConstantTimeCompare([]byte(t.TenantID), []byte(tenantID)) != 1 {
		return t, ErrWrongTenant
	}
	if subtle.ConstantTimeCompare(t.PlanHash[:], planHash[:]) != 1 {
		return t, ErrPlanDrift
	}
	if subtle.ConstantTimeCompare([]byte(t.ActionID), []byte(actionID)) != 1 {
		return t, ErrWrongAction
	}
	if reg != nil {
		if !reg.Consume(t.ID, t.ExpiresAt) {
			// Lost the race to another redeemer.
			return t, ErrAlreadyUsed
		}
	}
	return t, nil
}
